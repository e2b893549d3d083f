package util

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// NewChangeID produces a time-based annotation id in the same shape clients
// generate (millisecond timestamp plus a short random suffix to avoid
// collisions when two annotations land in the same millisecond).
func NewChangeID() string {
	suffix := make([]byte, 3)
	_, _ = rand.Read(suffix)
	return fmt.Sprintf("%d%s", time.Now().UnixMilli(), hex.EncodeToString(suffix))
}

package store

import (
	"encoding/json"
	"time"
)

type User struct {
	ID           string
	DisplayName  string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
}

type Document struct {
	ID             string
	Name           string
	Title          string
	SubFolder      string
	CurrentVersion int
	CreatedBy      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type DocumentVersion struct {
	DocumentID string
	Version    int
	UploadedBy string
	UploadedAt time.Time
}

// ReviewChange is one stored annotation. Payload is the annotation JSON as
// the client sent it; Author is pinned server-side on first insert and
// never updated afterwards.
type ReviewChange struct {
	DocumentID string
	Version    int
	Topic      string
	ChangeID   string
	Author     string
	Payload    json.RawMessage
	Seq        int64
	UpdatedAt  time.Time
}

type TopicReview struct {
	DocumentID string
	Version    int
	Topic      string
	MarkedBy   string
	Status     string
	MarkedAt   time.Time
}

// ReviewMark is a persisted element-level mark within a topic.
type ReviewMark struct {
	DocumentID string
	Version    int
	Topic      string
	MarkID     string
	Author     string
	Payload    json.RawMessage
	UpdatedAt  time.Time
}

// ChangeHit is a full-text search result over stored annotations.
type ChangeHit struct {
	DocumentID string
	Version    int
	Topic      string
	ChangeID   string
	Author     string
	Payload    json.RawMessage
}

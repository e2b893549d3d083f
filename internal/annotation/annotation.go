// Package annotation defines review annotations and reconciles the flat
// change sets stored per topic into display-ready threads.
package annotation

import (
	"strconv"
	"strings"

	"redline/api/internal/anchor"
)

// Annotation types. Review marks come in two flavours: text marks cover a
// text range, element marks tag a whole element.
const (
	TypeComment           = "comment"
	TypeDeletion          = "deletion"
	TypeHighlight         = "highlight"
	TypeReplacement       = "replacement"
	TypeReply             = "reply"
	TypeReviewMarkText    = "review-mark-text"
	TypeReviewMarkElement = "review-mark-element"
)

// Annotation statuses. An annotation starts as "open"; accepted and
// rejected annotations stay visible with a status badge, resolved and
// deleted ones are hidden.
const (
	StatusOpen     = "open"
	StatusAccepted = "accepted"
	StatusRejected = "rejected"
	StatusResolved = "resolved"
	StatusDeleted  = "deleted"
)

// Annotation is one review change as stored and relayed. Range is nil on
// replies, which attach to their parent instead of the text.
type Annotation struct {
	ID        string             `json:"id"`
	Type      string             `json:"type"`
	User      string             `json:"user"`
	Timestamp int64              `json:"timestamp"`
	Status    string             `json:"status,omitempty"`
	ParentID  string             `json:"parentId,omitempty"`
	Range     *anchor.Descriptor `json:"range,omitempty"`

	Text string `json:"text,omitempty"`

	DeletedHTML     string `json:"deletedHtml,omitempty"`
	DeletedText     string `json:"deletedText,omitempty"`
	HighlightedHTML string `json:"highlightedHtml,omitempty"`
	HighlightedText string `json:"highlightedText,omitempty"`
	OldHTML         string `json:"oldHtml,omitempty"`
	OldText         string `json:"oldText,omitempty"`
	NewText         string `json:"newText,omitempty"`
}

// Hidden reports whether the annotation is excluded from rendering
// entirely, as opposed to shown with a badge.
func (a Annotation) Hidden() bool {
	return a.Status == StatusDeleted || a.Status == StatusResolved
}

// Badge returns the status label to render next to the annotation, or ""
// when no badge applies.
func (a Annotation) Badge() string {
	if a.Status == StatusAccepted || a.Status == StatusRejected {
		return a.Status
	}
	return ""
}

// VersionAll requests annotations merged across every version of a topic
// up to and including the current one.
const VersionAll = "all"

// ExpandVersion resolves a requested version string to the list of concrete
// versions to load. "all" expands to 1..current; anything else must be a
// single version number no greater than current.
func ExpandVersion(requested string, current int) ([]int, bool) {
	if requested == VersionAll {
		versions := make([]int, 0, current)
		for v := 1; v <= current; v++ {
			versions = append(versions, v)
		}
		return versions, true
	}
	v, err := strconv.Atoi(strings.TrimPrefix(requested, "v"))
	if err != nil || v < 1 || v > current {
		return nil, false
	}
	return []int{v}, true
}

// Package export renders a document's review state into a printable report.
package export

import (
	"errors"
	"time"
)

type Format string

const (
	FormatPDF  Format = "pdf"
	FormatHTML Format = "html"
)

// Request contains parameters for a report export.
type Request struct {
	DocumentID string
	Version    string // concrete version or "all"
	Format     Format
}

// Result contains the export output.
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

// Metrics summarises the review state included in the report header.
type Metrics struct {
	Total    int
	Open     int
	Accepted int
	Rejected int
	Resolved int
}

var (
	// ErrPDFDependencyMissing indicates the headless browser is unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
)

// ReportData carries everything the report template needs.
type ReportData struct {
	Title       string
	Version     string
	GeneratedAt time.Time
	Metrics     Metrics
	Topics      []ReportTopic
}

type ReportTopic struct {
	Topic   string
	Threads []ReportThread
}

type ReportThread struct {
	Type    string
	Author  string
	Text    string
	Excerpt string
	Badge   string
	Replies []ReportReply
}

type ReportReply struct {
	Author string
	Text   string
}

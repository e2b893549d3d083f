// Package search provides full-text search over documents and annotations,
// backed by Meilisearch with a Postgres fallback.
package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultDocument   ResultType = "document"
	ResultAnnotation ResultType = "annotation"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type       ResultType `json:"type"`
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Snippet    string     `json:"snippet"`
	DocumentID string     `json:"documentId"`
	Topic      string     `json:"topic,omitempty"`
	Author     string     `json:"author,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text       string
	DocumentID string     // empty = all documents
	FilterType ResultType // empty = all types
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// DocumentRecord is the data indexed for a document.
type DocumentRecord struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Title string `json:"title"`
}

// AnnotationRecord is the data indexed for one stored annotation. ID must
// be unique across documents and versions, so callers compose it from the
// storage key.
type AnnotationRecord struct {
	ID         string `json:"id"`
	DocumentID string `json:"documentId"`
	Version    int    `json:"version"`
	Topic      string `json:"topic"`
	Author     string `json:"author"`
	Type       string `json:"type"`
	Text       string `json:"text"`
}

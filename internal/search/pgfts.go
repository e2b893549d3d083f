package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"redline/api/internal/store"
)

// ChangeSearcher is the slice of the store the fallback needs.
type ChangeSearcher interface {
	SearchChanges(ctx context.Context, documentID, query string, limit int) ([]store.ChangeHit, error)
	ListDocuments(ctx context.Context) ([]store.Document, error)
}

// PgFTS answers searches from Postgres when Meilisearch is down. Annotation
// hits use the tsvector column on review_changes; document hits are a plain
// title match, the document list is small.
type PgFTS struct {
	store ChangeSearcher
}

func NewPgFTS(st ChangeSearcher) *PgFTS {
	return &PgFTS{store: st}
}

func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	limit := q.Limit
	if limit == 0 {
		limit = 20
	}

	var results []Result
	if q.FilterType == "" || q.FilterType == ResultDocument {
		docs, err := p.store.ListDocuments(ctx)
		if err != nil {
			return nil, 0, fmt.Errorf("pgfts documents: %w", err)
		}
		needle := strings.ToLower(q.Text)
		for _, doc := range docs {
			if q.DocumentID != "" && doc.ID != q.DocumentID {
				continue
			}
			if needle != "" && !strings.Contains(strings.ToLower(doc.Title), needle) &&
				!strings.Contains(strings.ToLower(doc.Name), needle) {
				continue
			}
			results = append(results, Result{
				Type:       ResultDocument,
				ID:         doc.ID,
				DocumentID: doc.ID,
				Title:      doc.Title,
				Snippet:    doc.Name,
			})
		}
	}

	if q.FilterType == "" || q.FilterType == ResultAnnotation {
		hits, err := p.store.SearchChanges(ctx, q.DocumentID, q.Text, limit)
		if err != nil {
			return nil, 0, fmt.Errorf("pgfts annotations: %w", err)
		}
		for _, hit := range hits {
			results = append(results, Result{
				Type:       ResultAnnotation,
				ID:         fmt.Sprintf("%s-v%d-%s-%s", hit.DocumentID, hit.Version, hit.Topic, hit.ChangeID),
				DocumentID: hit.DocumentID,
				Topic:      hit.Topic,
				Author:     hit.Author,
				Title:      payloadField(hit.Payload, "type"),
				Snippet:    snippetFromPayload(hit.Payload),
			})
		}
	}

	if len(results) > limit {
		results = results[:limit]
	}
	return results, len(results), nil
}

func payloadField(payload json.RawMessage, key string) string {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(fields[key], &s); err != nil {
		return ""
	}
	return s
}

func snippetFromPayload(payload json.RawMessage) string {
	for _, key := range []string{"text", "newText", "deletedText", "highlightedText", "oldText"} {
		if s := payloadField(payload, key); s != "" {
			return s
		}
	}
	return ""
}

package export

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"redline/api/internal/annotation"
	"redline/api/internal/store"
)

// DataStore is the slice of the store the report builder needs.
type DataStore interface {
	GetDocument(ctx context.Context, id string) (store.Document, error)
	ListVersionChanges(ctx context.Context, documentID string, version int) ([]store.ReviewChange, error)
}

type Service struct {
	store DataStore
}

func NewService(store DataStore) *Service {
	return &Service{store: store}
}

// Export renders the review report for one document version (or "all") and
// converts it to the requested format.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	data, err := s.BuildReport(ctx, req)
	if err != nil {
		return nil, err
	}

	html, err := RenderReportHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render report: %w", err)
	}

	switch req.Format {
	case FormatPDF, "":
		return exportPDF(html, data.Title)
	case FormatHTML:
		return &Result{
			Data:     []byte(html),
			Filename: sanitizeFilename(data.Title) + ".html",
			MimeType: "text/html; charset=utf-8",
		}, nil
	default:
		return nil, fmt.Errorf("unsupported format: %s", req.Format)
	}
}

// BuildReport loads and reconciles a document's review state into template
// data. Split from Export so it can be exercised without a browser.
func (s *Service) BuildReport(ctx context.Context, req Request) (ReportData, error) {
	doc, err := s.store.GetDocument(ctx, req.DocumentID)
	if err != nil {
		return ReportData{}, fmt.Errorf("get document: %w", err)
	}

	versions, ok := annotation.ExpandVersion(req.Version, doc.CurrentVersion)
	if !ok {
		return ReportData{}, fmt.Errorf("unknown version %q", req.Version)
	}

	byTopic := make(map[string][]annotation.Annotation)
	sets := make(map[string][][]annotation.Annotation)
	for _, v := range versions {
		changes, err := s.store.ListVersionChanges(ctx, req.DocumentID, v)
		if err != nil {
			return ReportData{}, err
		}
		perTopic := make(map[string][]annotation.Annotation)
		for _, c := range changes {
			var a annotation.Annotation
			if err := json.Unmarshal(c.Payload, &a); err != nil {
				continue
			}
			a.User = c.Author
			perTopic[c.Topic] = append(perTopic[c.Topic], a)
		}
		for topic, set := range perTopic {
			sets[topic] = append(sets[topic], set)
		}
	}
	for topic, versioned := range sets {
		byTopic[topic] = annotation.MergeVersions(versioned...)
	}

	title := doc.Title
	if title == "" {
		title = doc.Name
	}
	data := ReportData{
		Title:       title,
		Version:     req.Version,
		GeneratedAt: time.Now(),
	}

	topics := make([]string, 0, len(byTopic))
	for topic := range byTopic {
		topics = append(topics, topic)
	}
	sort.Strings(topics)

	for _, topic := range topics {
		flat := byTopic[topic]
		for _, a := range flat {
			data.Metrics.Total++
			switch a.Status {
			case annotation.StatusAccepted:
				data.Metrics.Accepted++
			case annotation.StatusRejected:
				data.Metrics.Rejected++
			case annotation.StatusResolved:
				data.Metrics.Resolved++
			default:
				data.Metrics.Open++
			}
		}

		threads := annotation.BuildThreads(flat, annotation.Filter{})
		rt := ReportTopic{Topic: topic}
		for _, th := range threads {
			reportThread := ReportThread{
				Type:    th.Annotation.Type,
				Author:  th.Annotation.User,
				Text:    th.Annotation.Text,
				Excerpt: excerptFor(th.Annotation),
				Badge:   th.Badge,
			}
			for _, r := range th.Replies {
				reportThread.Replies = append(reportThread.Replies, ReportReply{Author: r.User, Text: r.Text})
			}
			rt.Threads = append(rt.Threads, reportThread)
		}
		if len(rt.Threads) > 0 {
			data.Topics = append(data.Topics, rt)
		}
	}

	return data, nil
}

func excerptFor(a annotation.Annotation) string {
	switch a.Type {
	case annotation.TypeDeletion:
		return a.DeletedText
	case annotation.TypeHighlight:
		return a.HighlightedText
	case annotation.TypeReplacement:
		if a.NewText != "" {
			return a.OldText + " -> " + a.NewText
		}
		return a.OldText
	default:
		return ""
	}
}

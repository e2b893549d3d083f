package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"redline/api/internal/annotation"
	"redline/api/internal/authpw"
	"redline/api/internal/config"
	"redline/api/internal/export"
	"redline/api/internal/relay"
	"redline/api/internal/session"
	"redline/api/internal/store"
)

type fakeStore struct {
	ensureUserByNameFn     func(context.Context, string, string) (store.User, error)
	getUserByNameFn        func(context.Context, string) (store.User, error)
	createUserFn           func(context.Context, store.User) error
	createDocumentFn       func(context.Context, store.Document) (store.Document, error)
	getDocumentFn          func(context.Context, string) (store.Document, error)
	getDocumentByNameFn    func(context.Context, string) (store.Document, error)
	listDocumentsFn        func(context.Context) ([]store.Document, error)
	updateDocumentFn       func(context.Context, string, string) (store.Document, error)
	bumpVersionFn          func(context.Context, string, string) (int, error)
	getChangeAuthorFn      func(context.Context, string, int, string, string) (string, bool, error)
	upsertReviewChangeFn   func(context.Context, store.ReviewChange) error
	listReviewChangesFn    func(context.Context, string, int, string) ([]store.ReviewChange, error)
	listVersionChangesFn   func(context.Context, string, int) ([]store.ReviewChange, error)
	markTopicForReviewFn   func(context.Context, store.TopicReview) error
	listTopicsForReviewFn  func(context.Context, string, int) ([]store.TopicReview, error)
	upsertReviewMarkFn     func(context.Context, store.ReviewMark) error
	listReviewMarksFn      func(context.Context, string, int, string) ([]store.ReviewMark, error)
	listDocumentVersionsFn func(context.Context, string) ([]store.DocumentVersion, error)
}

func (f *fakeStore) EnsureUserByName(ctx context.Context, name, role string) (store.User, error) {
	if f.ensureUserByNameFn != nil {
		return f.ensureUserByNameFn(ctx, name, role)
	}
	return store.User{ID: "usr_" + name, DisplayName: name, Role: role}, nil
}
func (f *fakeStore) GetUserByName(ctx context.Context, name string) (store.User, error) {
	if f.getUserByNameFn != nil {
		return f.getUserByNameFn(ctx, name)
	}
	return store.User{}, sql.ErrNoRows
}
func (f *fakeStore) CreateUser(ctx context.Context, user store.User) error {
	if f.createUserFn != nil {
		return f.createUserFn(ctx, user)
	}
	return nil
}
func (f *fakeStore) CreateDocument(ctx context.Context, doc store.Document) (store.Document, error) {
	if f.createDocumentFn != nil {
		return f.createDocumentFn(ctx, doc)
	}
	return doc, nil
}
func (f *fakeStore) GetDocument(ctx context.Context, id string) (store.Document, error) {
	if f.getDocumentFn != nil {
		return f.getDocumentFn(ctx, id)
	}
	return store.Document{}, sql.ErrNoRows
}
func (f *fakeStore) GetDocumentByName(ctx context.Context, name string) (store.Document, error) {
	if f.getDocumentByNameFn != nil {
		return f.getDocumentByNameFn(ctx, name)
	}
	return store.Document{}, sql.ErrNoRows
}
func (f *fakeStore) ListDocuments(ctx context.Context) ([]store.Document, error) {
	if f.listDocumentsFn != nil {
		return f.listDocumentsFn(ctx)
	}
	return nil, nil
}
func (f *fakeStore) UpdateDocument(ctx context.Context, id, title string) (store.Document, error) {
	if f.updateDocumentFn != nil {
		return f.updateDocumentFn(ctx, id, title)
	}
	return store.Document{ID: id, Title: title}, nil
}
func (f *fakeStore) BumpVersion(ctx context.Context, id, by string) (int, error) {
	if f.bumpVersionFn != nil {
		return f.bumpVersionFn(ctx, id, by)
	}
	return 0, sql.ErrNoRows
}
func (f *fakeStore) ListDocumentVersions(ctx context.Context, id string) ([]store.DocumentVersion, error) {
	if f.listDocumentVersionsFn != nil {
		return f.listDocumentVersionsFn(ctx, id)
	}
	return nil, nil
}
func (f *fakeStore) GetChangeAuthor(ctx context.Context, docID string, version int, topic, changeID string) (string, bool, error) {
	if f.getChangeAuthorFn != nil {
		return f.getChangeAuthorFn(ctx, docID, version, topic, changeID)
	}
	return "", false, nil
}
func (f *fakeStore) UpsertReviewChange(ctx context.Context, c store.ReviewChange) error {
	if f.upsertReviewChangeFn != nil {
		return f.upsertReviewChangeFn(ctx, c)
	}
	return nil
}
func (f *fakeStore) ListReviewChanges(ctx context.Context, docID string, version int, topic string) ([]store.ReviewChange, error) {
	if f.listReviewChangesFn != nil {
		return f.listReviewChangesFn(ctx, docID, version, topic)
	}
	return nil, nil
}
func (f *fakeStore) ListVersionChanges(ctx context.Context, docID string, version int) ([]store.ReviewChange, error) {
	if f.listVersionChangesFn != nil {
		return f.listVersionChangesFn(ctx, docID, version)
	}
	return nil, nil
}
func (f *fakeStore) MarkTopicForReview(ctx context.Context, tr store.TopicReview) error {
	if f.markTopicForReviewFn != nil {
		return f.markTopicForReviewFn(ctx, tr)
	}
	return nil
}
func (f *fakeStore) ListTopicsForReview(ctx context.Context, docID string, version int) ([]store.TopicReview, error) {
	if f.listTopicsForReviewFn != nil {
		return f.listTopicsForReviewFn(ctx, docID, version)
	}
	return nil, nil
}
func (f *fakeStore) UpsertReviewMark(ctx context.Context, m store.ReviewMark) error {
	if f.upsertReviewMarkFn != nil {
		return f.upsertReviewMarkFn(ctx, m)
	}
	return nil
}
func (f *fakeStore) ListReviewMarks(ctx context.Context, docID string, version int, topic string) ([]store.ReviewMark, error) {
	if f.listReviewMarksFn != nil {
		return f.listReviewMarksFn(ctx, docID, version, topic)
	}
	return nil, nil
}
func (f *fakeStore) Ping(context.Context) error { return nil }

type fakeSessions struct {
	mu    sync.Mutex
	users map[string]store.User
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{users: make(map[string]store.User)}
}

func (f *fakeSessions) SaveRefreshSession(_ context.Context, tokenHash string, user store.User, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[tokenHash] = user
	return nil
}

func (f *fakeSessions) LookupRefreshSession(_ context.Context, tokenHash string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[tokenHash]
	if !ok {
		return store.User{}, session.ErrNotFound
	}
	return user, nil
}

func (f *fakeSessions) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.users, tokenHash)
	return nil
}

func newTestService(fs *fakeStore) *Service {
	return &Service{
		cfg: config.Config{
			TokenSecret: "test-secret",
			AccessTTL:   time.Hour,
			RefreshTTL:  24 * time.Hour,
			PresenceTTL: 4 * time.Second,
		},
		store:        fs,
		sessions:     newFakeSessions(),
		passwords:    authpw.NewService(fs),
		reports:      export.NewService(fs),
		rosters:      make(map[string]*relay.Roster),
		monitors:     make(map[string]map[string]*relay.ChangeMonitor),
		monitorRooms: make(map[string]bool),
	}
}

func rawChange(t *testing.T, payload map[string]any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal change: %v", err)
	}
	return raw
}

func TestSaveReviewChangePinsAuthorAcrossEdits(t *testing.T) {
	stored := make(map[string]store.ReviewChange)
	fs := &fakeStore{
		getDocumentFn: func(_ context.Context, id string) (store.Document, error) {
			return store.Document{ID: id, CurrentVersion: 1}, nil
		},
		getChangeAuthorFn: func(_ context.Context, _ string, _ int, _, changeID string) (string, bool, error) {
			c, ok := stored[changeID]
			return c.Author, ok, nil
		},
		upsertReviewChangeFn: func(_ context.Context, c store.ReviewChange) error {
			if existing, ok := stored[c.ChangeID]; ok {
				existing.Payload = c.Payload
				stored[c.ChangeID] = existing
				return nil
			}
			stored[c.ChangeID] = c
			return nil
		},
	}
	svc := newTestService(fs)

	first := SaveChangeInput{
		DocumentID: "doc_1",
		Version:    "1",
		Topic:      "intro.html",
		Change:     rawChange(t, map[string]any{"id": "100-a", "type": "comment", "text": "first draft"}),
	}
	if _, err := svc.SaveReviewChange(context.Background(), Session{UserName: "rita"}, first); err != nil {
		t.Fatalf("first save: %v", err)
	}

	second := first
	second.Change = rawChange(t, map[string]any{"id": "100-a", "type": "comment", "text": "edited by someone else"})
	payload, err := svc.SaveReviewChange(context.Background(), Session{UserName: "omar"}, second)
	if err != nil {
		t.Fatalf("second save: %v", err)
	}

	saved, ok := payload["change"].(annotation.Annotation)
	if !ok {
		t.Fatalf("change payload = %T", payload["change"])
	}
	if saved.User != "rita" {
		t.Errorf("returned author = %q, want rita", saved.User)
	}
	if stored["100-a"].Author != "rita" {
		t.Errorf("stored author = %q, want rita", stored["100-a"].Author)
	}

	var latest annotation.Annotation
	if err := json.Unmarshal(stored["100-a"].Payload, &latest); err != nil {
		t.Fatalf("unmarshal stored payload: %v", err)
	}
	if latest.Text != "edited by someone else" {
		t.Errorf("stored text = %q, last write should win", latest.Text)
	}
}

func TestSaveReviewChangeRejectsAllVersion(t *testing.T) {
	svc := newTestService(&fakeStore{})
	_, err := svc.SaveReviewChange(context.Background(), Session{UserName: "rita"}, SaveChangeInput{
		DocumentID: "doc_1",
		Version:    "all",
		Topic:      "intro.html",
		Change:     json.RawMessage(`{"id":"1","type":"comment"}`),
	})
	var domainErr *DomainError
	if err == nil || !asDomainError(err, &domainErr) || domainErr.Status != 422 {
		t.Fatalf("expected 422 domain error, got %v", err)
	}
}

func TestGetReviewChangesMergesVersionsIntoThreads(t *testing.T) {
	v1 := []store.ReviewChange{
		storedChange(t, "rita", map[string]any{"id": "100-a", "type": "comment", "text": "old wording"}),
		storedChange(t, "omar", map[string]any{"id": "150-b", "type": "reply", "parentId": "100-a", "text": "agreed"}),
		storedChange(t, "omar", map[string]any{"id": "160-c", "type": "reply", "parentId": "missing", "text": "orphan"}),
		storedChange(t, "rita", map[string]any{"id": "200-d", "type": "comment", "status": "resolved", "text": "done"}),
	}
	v2 := []store.ReviewChange{
		storedChange(t, "rita", map[string]any{"id": "100-a", "type": "comment", "text": "new wording"}),
	}

	fs := &fakeStore{
		getDocumentFn: func(_ context.Context, id string) (store.Document, error) {
			return store.Document{ID: id, CurrentVersion: 2}, nil
		},
		listReviewChangesFn: func(_ context.Context, _ string, version int, _ string) ([]store.ReviewChange, error) {
			if version == 1 {
				return v1, nil
			}
			return v2, nil
		},
	}
	svc := newTestService(fs)

	payload, err := svc.GetReviewChanges(context.Background(), Session{UserName: "rita"}, GetChangesInput{
		DocumentID: "doc_1",
		Version:    "all",
		Topic:      "intro.html",
	})
	if err != nil {
		t.Fatalf("get changes: %v", err)
	}

	threads, ok := payload["threads"].([]annotation.Thread)
	if !ok {
		t.Fatalf("threads payload = %T", payload["threads"])
	}
	if len(threads) != 1 {
		t.Fatalf("threads = %+v, want only the open comment", threads)
	}
	if threads[0].Annotation.Text != "new wording" {
		t.Errorf("later version should win, got %q", threads[0].Annotation.Text)
	}
	if len(threads[0].Replies) != 1 || threads[0].Replies[0].Text != "agreed" {
		t.Errorf("replies = %+v", threads[0].Replies)
	}
}

func TestGetReviewChangesFiltersByUser(t *testing.T) {
	changes := []store.ReviewChange{
		storedChange(t, "rita", map[string]any{"id": "100-a", "type": "comment", "text": "from rita"}),
		storedChange(t, "omar", map[string]any{"id": "200-b", "type": "deletion", "deletedText": "cut"}),
	}
	fs := &fakeStore{
		getDocumentFn: func(_ context.Context, id string) (store.Document, error) {
			return store.Document{ID: id, CurrentVersion: 1}, nil
		},
		listReviewChangesFn: func(context.Context, string, int, string) ([]store.ReviewChange, error) {
			return changes, nil
		},
	}
	svc := newTestService(fs)

	payload, err := svc.GetReviewChanges(context.Background(), Session{UserName: "rita"}, GetChangesInput{
		DocumentID: "doc_1",
		Version:    "1",
		Topic:      "intro.html",
		Users:      []string{"omar"},
	})
	if err != nil {
		t.Fatalf("get changes: %v", err)
	}
	threads := payload["threads"].([]annotation.Thread)
	if len(threads) != 1 || threads[0].Annotation.User != "omar" {
		t.Fatalf("threads = %+v, want only omar's", threads)
	}
}

func TestGetReviewChangesBoundsMergeAtBaseVersion(t *testing.T) {
	perVersion := map[int][]store.ReviewChange{
		1: {storedChange(t, "rita", map[string]any{"id": "100-a", "type": "comment", "text": "early"})},
		3: {storedChange(t, "omar", map[string]any{"id": "300-x", "type": "comment", "text": "future"})},
	}
	fs := &fakeStore{
		getDocumentFn: func(_ context.Context, id string) (store.Document, error) {
			return store.Document{ID: id, CurrentVersion: 3}, nil
		},
		listReviewChangesFn: func(_ context.Context, _ string, version int, _ string) ([]store.ReviewChange, error) {
			return perVersion[version], nil
		},
	}
	svc := newTestService(fs)

	payload, err := svc.GetReviewChanges(context.Background(), Session{UserName: "rita"}, GetChangesInput{
		DocumentID:  "doc_1",
		Version:     "all",
		BaseVersion: "2",
		Topic:       "intro.html",
	})
	if err != nil {
		t.Fatalf("get changes at base 2: %v", err)
	}
	changes := payload["changes"].([]annotation.Annotation)
	if len(changes) != 1 || changes[0].ID != "100-a" {
		t.Errorf("changes at base 2 = %+v, the v3 annotation should not leak", changes)
	}

	payload, err = svc.GetReviewChanges(context.Background(), Session{UserName: "rita"}, GetChangesInput{
		DocumentID: "doc_1",
		Version:    "all",
		Topic:      "intro.html",
	})
	if err != nil {
		t.Fatalf("get changes at current: %v", err)
	}
	if changes := payload["changes"].([]annotation.Annotation); len(changes) != 2 {
		t.Errorf("changes at current = %+v, want both versions", changes)
	}
}

func TestChangeNotificationsCountOthersChanges(t *testing.T) {
	fs := &fakeStore{
		getDocumentFn: func(_ context.Context, id string) (store.Document, error) {
			return store.Document{ID: id, CurrentVersion: 1}, nil
		},
	}
	svc := newTestService(fs)
	ctx := context.Background()

	if got := svc.ChangeNotifications(ctx, Session{UserName: "rita"}, "doc_1", 1, "intro.html"); got["unseen"] != 0 {
		t.Fatalf("fresh monitor unseen = %v", got["unseen"])
	}

	_, err := svc.SaveReviewChange(ctx, Session{UserName: "omar"}, SaveChangeInput{
		DocumentID: "doc_1",
		Version:    "1",
		Topic:      "intro.html",
		Change:     rawChange(t, map[string]any{"id": "100-a", "type": "comment", "text": "look here"}),
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	if got := svc.ChangeNotifications(ctx, Session{UserName: "rita"}, "doc_1", 1, "intro.html"); got["unseen"] != 1 {
		t.Errorf("after omar's change unseen = %v", got["unseen"])
	}
	if got := svc.ChangeNotifications(ctx, Session{UserName: "omar"}, "doc_1", 1, "intro.html"); got["unseen"] != 0 {
		t.Errorf("own change counted: unseen = %v", got["unseen"])
	}

	if _, err := svc.GetReviewChanges(ctx, Session{UserName: "rita"}, GetChangesInput{
		DocumentID: "doc_1",
		Version:    "1",
		Topic:      "intro.html",
	}); err != nil {
		t.Fatalf("get changes: %v", err)
	}
	if got := svc.ChangeNotifications(ctx, Session{UserName: "rita"}, "doc_1", 1, "intro.html"); got["unseen"] != 0 {
		t.Errorf("fetch did not reset unseen: %v", got["unseen"])
	}
}

func TestGetReviewMetricsCountsStatuses(t *testing.T) {
	fs := &fakeStore{
		getDocumentFn: func(_ context.Context, id string) (store.Document, error) {
			return store.Document{ID: id, Title: "Guide", CurrentVersion: 1}, nil
		},
		listVersionChangesFn: func(context.Context, string, int) ([]store.ReviewChange, error) {
			return []store.ReviewChange{
				storedChange(t, "rita", map[string]any{"id": "1-a", "type": "comment"}),
				storedChange(t, "rita", map[string]any{"id": "2-b", "type": "deletion", "status": "accepted"}),
				storedChange(t, "omar", map[string]any{"id": "3-c", "type": "comment", "status": "rejected"}),
				storedChange(t, "omar", map[string]any{"id": "4-d", "type": "comment", "status": "resolved"}),
			}, nil
		},
	}
	svc := newTestService(fs)

	payload, err := svc.GetReviewMetrics(context.Background(), "doc_1", "1")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if payload["total"] != 4 || payload["open"] != 1 || payload["accepted"] != 1 || payload["rejected"] != 1 || payload["resolved"] != 1 {
		t.Errorf("metrics = %+v", payload)
	}
}

func TestMarkTopicForReviewValidatesStatus(t *testing.T) {
	svc := newTestService(&fakeStore{})
	_, err := svc.MarkTopicForReview(context.Background(), Session{UserName: "rita"}, MarkTopicInput{
		DocumentID: "doc_1",
		Version:    "1",
		Topic:      "intro.html",
		Status:     "sideways",
	})
	var domainErr *DomainError
	if err == nil || !asDomainError(err, &domainErr) || domainErr.Status != 422 {
		t.Fatalf("expected 422 domain error, got %v", err)
	}
}

func TestPresenceTracksLocalCursorUpdates(t *testing.T) {
	svc := newTestService(&fakeStore{})

	err := svc.UpdateCursor(context.Background(), Session{UserName: "rita"}, CursorInput{
		DocumentID: "doc_1",
		Version:    "1",
		Topic:      "intro.html",
	})
	if err != nil {
		t.Fatalf("cursor update: %v", err)
	}

	payload := svc.Presence(context.Background(), "doc_1", 1, "intro.html")
	active := payload["active"].([]string)
	if len(active) != 1 || active[0] != "rita" {
		t.Errorf("active = %v", active)
	}

	other := svc.Presence(context.Background(), "doc_1", 2, "intro.html")
	if len(other["active"].([]string)) != 0 {
		t.Error("presence leaked across versions")
	}
}

func storedChange(t *testing.T, author string, payload map[string]any) store.ReviewChange {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal change: %v", err)
	}
	id, _ := payload["id"].(string)
	return store.ReviewChange{DocumentID: "doc_1", Version: 1, Topic: "intro.html", ChangeID: id, Author: author, Payload: raw}
}

func asDomainError(err error, target **DomainError) bool {
	return errors.As(err, target)
}

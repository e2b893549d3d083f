package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/html"

	"redline/api/internal/anchor"
	"redline/api/internal/annotation"
	"redline/api/internal/auth"
	"redline/api/internal/authpw"
	"redline/api/internal/bundle"
	"redline/api/internal/config"
	"redline/api/internal/export"
	"redline/api/internal/history"
	"redline/api/internal/marker"
	"redline/api/internal/rbac"
	"redline/api/internal/relay"
	"redline/api/internal/search"
	"redline/api/internal/session"
	"redline/api/internal/store"
	"redline/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Role         string
	ExpiresAt    time.Time
}

type SaveChangeInput struct {
	DocumentID string          `json:"documentId"`
	Version    string          `json:"version"`
	Topic      string          `json:"topic"`
	Change     json.RawMessage `json:"change"`
}

type GetChangesInput struct {
	DocumentID string `json:"documentId"`
	Version    string `json:"version"`
	// BaseVersion bounds the "all" merge at the version the viewer has
	// open. Empty means the document's current version.
	BaseVersion string   `json:"baseVersion"`
	Topic       string   `json:"topic"`
	Users       []string `json:"users"`
	Statuses    []string `json:"statuses"`
	Types       []string `json:"types"`
	// ReplyPages is how many reply pages per thread are visible; zero
	// means the first page.
	ReplyPages int `json:"replyPages"`
}

type MarkTopicInput struct {
	DocumentID string `json:"documentId"`
	Version    string `json:"version"`
	Topic      string `json:"topic"`
	Status     string `json:"status"`
}

type SaveMarksInput struct {
	DocumentID string            `json:"documentId"`
	Version    string            `json:"version"`
	Topic      string            `json:"topic"`
	Marks      []json.RawMessage `json:"marks"`
}

type CursorInput struct {
	DocumentID string            `json:"documentId"`
	Version    string            `json:"version"`
	Topic      string            `json:"topic"`
	Caret      anchor.Descriptor `json:"caret"`
}

var allowedTopicStatuses = map[string]struct{}{
	"pending": {},
	"done":    {},
}

type dataStore interface {
	EnsureUserByName(context.Context, string, string) (store.User, error)
	GetUserByName(context.Context, string) (store.User, error)
	CreateUser(context.Context, store.User) error
	CreateDocument(context.Context, store.Document) (store.Document, error)
	GetDocument(context.Context, string) (store.Document, error)
	GetDocumentByName(context.Context, string) (store.Document, error)
	ListDocuments(context.Context) ([]store.Document, error)
	UpdateDocument(context.Context, string, string) (store.Document, error)
	BumpVersion(context.Context, string, string) (int, error)
	ListDocumentVersions(context.Context, string) ([]store.DocumentVersion, error)
	GetChangeAuthor(context.Context, string, int, string, string) (string, bool, error)
	UpsertReviewChange(context.Context, store.ReviewChange) error
	ListReviewChanges(context.Context, string, int, string) ([]store.ReviewChange, error)
	ListVersionChanges(context.Context, string, int) ([]store.ReviewChange, error)
	MarkTopicForReview(context.Context, store.TopicReview) error
	ListTopicsForReview(context.Context, string, int) ([]store.TopicReview, error)
	UpsertReviewMark(context.Context, store.ReviewMark) error
	ListReviewMarks(context.Context, string, int, string) ([]store.ReviewMark, error)
	Ping(ctx context.Context) error
}

type sessionStore interface {
	SaveRefreshSession(context.Context, string, store.User, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  sessionStore
	passwords *authpw.Service
	reports   *export.Service
	bundles   bundle.Storage
	history   *history.Service
	search    *search.Service
	relay     *relay.Client

	roomMu       sync.Mutex
	rosters      map[string]*relay.Roster
	monitors     map[string]map[string]*relay.ChangeMonitor
	monitorRooms map[string]bool
}

func New(cfg config.Config, dataStore *store.PostgresStore, sessions *session.RedisStore, bundles bundle.Storage, historyService *history.Service, searchService *search.Service, relayClient *relay.Client) *Service {
	return &Service{
		cfg:          cfg,
		store:        dataStore,
		sessions:     sessions,
		passwords:    authpw.NewService(dataStore),
		reports:      export.NewService(dataStore),
		bundles:      bundles,
		history:      historyService,
		search:       searchService,
		relay:        relayClient,
		rosters:      make(map[string]*relay.Roster),
		monitors:     make(map[string]map[string]*relay.ChangeMonitor),
		monitorRooms: make(map[string]bool),
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Login(ctx context.Context, name, role string) (Session, error) {
	userName := strings.TrimSpace(name)
	if userName == "" {
		userName = "Reviewer"
	}

	user, err := s.store.EnsureUserByName(ctx, userName, string(rbac.Normalize(role)))
	if err != nil {
		return Session{}, err
	}

	return s.issueSession(ctx, user)
}

func (s *Service) SignUp(ctx context.Context, name, password, role string) (Session, error) {
	user, err := s.passwords.SignUp(ctx, authpw.SignUpRequest{
		Name:     strings.TrimSpace(name),
		Password: password,
		Role:     string(rbac.Normalize(role)),
	})
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) SignIn(ctx context.Context, name, password string) (Session, error) {
	user, err := s.passwords.SignIn(ctx, strings.TrimSpace(name), password)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)

	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		Role: user.Role,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Role:         user.Role,
		ExpiresAt:    expiresAt,
	}, nil
}

// SessionFromToken validates an access token. Claims carry everything the
// handlers need, so no store lookup happens on the hot path.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    claims.Sub,
		UserName:  claims.Name,
		Role:      claims.Role,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func (s *Service) ListDocuments(ctx context.Context) ([]map[string]any, error) {
	documents, err := s.store.ListDocuments(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(documents))
	for _, doc := range documents {
		items = append(items, documentPayload(doc))
	}
	return items, nil
}

func (s *Service) CreateDocument(ctx context.Context, session Session, name, title string) (map[string]any, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	if _, err := s.store.GetDocumentByName(ctx, name); err == nil {
		return nil, domainError(http.StatusConflict, "DOCUMENT_EXISTS", "A document with this name already exists", nil)
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	doc, err := s.store.CreateDocument(ctx, store.Document{
		ID:             util.NewID("doc"),
		Name:           name,
		Title:          title,
		CurrentVersion: 1,
		CreatedBy:      session.UserName,
	})
	if err != nil {
		return nil, err
	}
	if s.search != nil {
		s.search.IndexDocument(search.DocumentRecord{ID: doc.ID, Name: doc.Name, Title: doc.Title})
	}
	return map[string]any{"document": documentPayload(doc)}, nil
}

func (s *Service) UpdateDocument(ctx context.Context, documentID, title string) (map[string]any, error) {
	doc, err := s.store.UpdateDocument(ctx, documentID, title)
	if err != nil {
		return nil, err
	}
	if s.search != nil {
		s.search.IndexDocument(search.DocumentRecord{ID: doc.ID, Name: doc.Name, Title: doc.Title})
	}
	return map[string]any{"document": documentPayload(doc)}, nil
}

// SaveReviewChange stores one annotation last-write-wins. The author is
// pinned to whoever first saved the change; later writers can update the
// payload but never claim authorship.
func (s *Service) SaveReviewChange(ctx context.Context, session Session, in SaveChangeInput) (map[string]any, error) {
	if in.DocumentID == "" || in.Topic == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "documentId and topic are required", nil)
	}
	version, err := parseVersion(in.Version)
	if err != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "version must be a single concrete version", nil)
	}

	doc, err := s.store.GetDocument(ctx, in.DocumentID)
	if err != nil {
		return nil, err
	}
	if version > doc.CurrentVersion {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "version does not exist", nil)
	}

	var a annotation.Annotation
	if err := json.Unmarshal(in.Change, &a); err != nil {
		return nil, domainError(http.StatusBadRequest, "INVALID_BODY", "change is not a valid annotation", nil)
	}
	if a.ID == "" {
		a.ID = util.NewChangeID()
	}
	if a.Timestamp == 0 {
		a.Timestamp = time.Now().UnixMilli()
	}

	author, pinned, err := s.store.GetChangeAuthor(ctx, doc.ID, version, in.Topic, a.ID)
	if err != nil {
		return nil, err
	}
	if !pinned {
		author = session.UserName
	}
	a.User = author

	payload, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpsertReviewChange(ctx, store.ReviewChange{
		DocumentID: doc.ID,
		Version:    version,
		Topic:      in.Topic,
		ChangeID:   a.ID,
		Author:     author,
		Payload:    payload,
	}); err != nil {
		return nil, err
	}

	room := relay.RoomName(doc.ID, version)
	change := relay.AnnotationChange{
		User:       session.UserName,
		Topic:      in.Topic,
		Annotation: a,
	}
	s.observeChange(room, change)
	if s.relay != nil {
		if err := s.relay.Emit(ctx, room, relay.EventAnnotationChange, change); err != nil {
			log.Printf("relay: emit annotation-change: %v", err)
		}
	}
	if s.search != nil {
		recordID := fmt.Sprintf("%s-v%d-%s-%s", doc.ID, version, in.Topic, a.ID)
		if a.Status == annotation.StatusDeleted {
			s.search.DeleteAnnotation(recordID)
		} else {
			s.search.IndexAnnotation(search.AnnotationRecord{
				ID:         recordID,
				DocumentID: doc.ID,
				Version:    version,
				Topic:      in.Topic,
				Author:     author,
				Type:       a.Type,
				Text:       searchableText(a),
			})
		}
	}

	return map[string]any{"change": a, "version": version}, nil
}

// GetReviewChanges returns the stored changes of one topic reconciled into
// threads. Version "all" merges every version up to the viewer's base
// version, later versions winning per change ID. Fetching counts as seeing
// the topic, so the caller's unseen-change counter resets.
func (s *Service) GetReviewChanges(ctx context.Context, session Session, in GetChangesInput) (map[string]any, error) {
	if in.DocumentID == "" || in.Topic == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "documentId and topic are required", nil)
	}
	doc, err := s.store.GetDocument(ctx, in.DocumentID)
	if err != nil {
		return nil, err
	}
	base := doc.CurrentVersion
	if strings.TrimSpace(in.BaseVersion) != "" {
		v, err := parseVersion(in.BaseVersion)
		if err != nil || v > doc.CurrentVersion {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "baseVersion must be an existing version", nil)
		}
		base = v
	}
	versions, ok := annotation.ExpandVersion(in.Version, base)
	if !ok {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown version", nil)
	}

	sets := make([][]annotation.Annotation, 0, len(versions))
	for _, v := range versions {
		changes, err := s.store.ListReviewChanges(ctx, doc.ID, v, in.Topic)
		if err != nil {
			return nil, err
		}
		set := make([]annotation.Annotation, 0, len(changes))
		for _, c := range changes {
			a, ok := decodeAnnotation(c)
			if !ok {
				continue
			}
			set = append(set, a)
		}
		sets = append(sets, set)
	}

	merged := annotation.MergeVersions(sets...)
	threads := annotation.BuildThreads(merged, annotation.Filter{
		Users:    in.Users,
		Statuses: in.Statuses,
		Types:    in.Types,
	})
	if in.ReplyPages > 1 {
		for i := range threads {
			threads[i].RevealMore(in.ReplyPages)
		}
	}

	if session.UserName != "" {
		s.monitor(ctx, relay.RoomName(doc.ID, base), session.UserName, in.Topic).Refresh()
	}

	return map[string]any{
		"changes":       merged,
		"threads":       threads,
		"replyPageSize": annotation.ReplyPageSize,
	}, nil
}

// ChangeNotifications reports how many changes other reviewers have made in
// the topic since the caller last fetched it.
func (s *Service) ChangeNotifications(ctx context.Context, session Session, documentID string, version int, topic string) map[string]any {
	m := s.monitor(ctx, relay.RoomName(documentID, version), session.UserName, topic)
	return map[string]any{"unseen": m.Unseen()}
}

func (s *Service) GetReviewMetrics(ctx context.Context, documentID, version string) (map[string]any, error) {
	data, err := s.reports.BuildReport(ctx, export.Request{DocumentID: documentID, Version: version})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	return map[string]any{
		"total":    data.Metrics.Total,
		"open":     data.Metrics.Open,
		"accepted": data.Metrics.Accepted,
		"rejected": data.Metrics.Rejected,
		"resolved": data.Metrics.Resolved,
	}, nil
}

func (s *Service) MarkTopicForReview(ctx context.Context, session Session, in MarkTopicInput) (map[string]any, error) {
	if in.DocumentID == "" || in.Topic == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "documentId and topic are required", nil)
	}
	version, err := parseVersion(in.Version)
	if err != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "version must be a single concrete version", nil)
	}
	status := in.Status
	if status == "" {
		status = "pending"
	}
	if _, ok := allowedTopicStatuses[status]; !ok {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "status must be pending or done", nil)
	}

	if err := s.store.MarkTopicForReview(ctx, store.TopicReview{
		DocumentID: in.DocumentID,
		Version:    version,
		Topic:      in.Topic,
		MarkedBy:   session.UserName,
		Status:     status,
	}); err != nil {
		return nil, err
	}

	if s.relay != nil {
		room := relay.RoomName(in.DocumentID, version)
		if err := s.relay.Emit(ctx, room, relay.EventTopicReviewUpdate, relay.TopicReviewUpdate{
			User:   session.UserName,
			Topic:  in.Topic,
			Marked: status != "done",
		}); err != nil {
			log.Printf("relay: emit topic-review-update: %v", err)
		}
	}

	return map[string]any{"topic": in.Topic, "status": status}, nil
}

func (s *Service) ListTopicsForReview(ctx context.Context, documentID string, version int) (map[string]any, error) {
	topics, err := s.store.ListTopicsForReview(ctx, documentID, version)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(topics))
	for _, tr := range topics {
		items = append(items, map[string]any{
			"topic":    tr.Topic,
			"markedBy": tr.MarkedBy,
			"status":   tr.Status,
			"markedAt": tr.MarkedAt,
		})
	}
	return map[string]any{"topics": items}, nil
}

func (s *Service) SaveReviewMarks(ctx context.Context, session Session, in SaveMarksInput) (map[string]any, error) {
	if in.DocumentID == "" || in.Topic == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "documentId and topic are required", nil)
	}
	version, err := parseVersion(in.Version)
	if err != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "version must be a single concrete version", nil)
	}

	saved := 0
	for _, raw := range in.Marks {
		var head struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			return nil, domainError(http.StatusBadRequest, "INVALID_BODY", "marks must be objects", nil)
		}
		if head.ID == "" {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "every mark needs an id", nil)
		}
		if err := s.store.UpsertReviewMark(ctx, store.ReviewMark{
			DocumentID: in.DocumentID,
			Version:    version,
			Topic:      in.Topic,
			MarkID:     head.ID,
			Author:     session.UserName,
			Payload:    raw,
		}); err != nil {
			return nil, err
		}
		saved++
	}
	return map[string]any{"saved": saved}, nil
}

func (s *Service) GetReviewMarks(ctx context.Context, documentID string, version int, topic string) (map[string]any, error) {
	marks, err := s.store.ListReviewMarks(ctx, documentID, version, topic)
	if err != nil {
		return nil, err
	}
	items := make([]json.RawMessage, 0, len(marks))
	for _, m := range marks {
		items = append(items, m.Payload)
	}
	return map[string]any{"marks": items}, nil
}

// UploadWebhelp ingests an uploaded archive as a new document or as the
// next version of an existing one.
func (s *Service) UploadWebhelp(ctx context.Context, session Session, name string, archive []byte) (map[string]any, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	if len(archive) == 0 {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "archive is empty", nil)
	}

	doc, err := s.store.GetDocumentByName(ctx, name)
	isNew := errors.Is(err, sql.ErrNoRows)
	if err != nil && !isNew {
		return nil, err
	}

	var version int
	if isNew {
		doc = store.Document{ID: util.NewID("doc"), Name: name, CurrentVersion: 1, CreatedBy: session.UserName}
		version = 1
	} else {
		version, err = s.store.BumpVersion(ctx, doc.ID, session.UserName)
		if err != nil {
			return nil, err
		}
		doc.CurrentVersion = version
	}

	ingest, err := bundle.Ingest(ctx, s.bundles, doc.ID, version, archive)
	if err != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "INVALID_ARCHIVE", err.Error(), nil)
	}

	if isNew {
		doc.Title = ingest.Title
		if doc.Title == "" {
			doc.Title = name
		}
		doc.SubFolder = ingest.SubFolder
		doc, err = s.store.CreateDocument(ctx, doc)
		if err != nil {
			return nil, err
		}
	} else if ingest.Title != "" && ingest.Title != doc.Title {
		doc, err = s.store.UpdateDocument(ctx, doc.ID, ingest.Title)
		if err != nil {
			return nil, err
		}
	}

	if s.history != nil {
		if err := s.history.RecordVersion(doc.ID, version, history.Manifest{
			Title:      doc.Title,
			SubFolder:  ingest.SubFolder,
			Topics:     ingest.Topics,
			UploadedBy: session.UserName,
		}); err != nil {
			log.Printf("history: record %s v%d: %v", doc.ID, version, err)
		}
	}
	if s.search != nil {
		s.search.IndexDocument(search.DocumentRecord{ID: doc.ID, Name: doc.Name, Title: doc.Title})
	}

	return map[string]any{
		"document":  documentPayload(doc),
		"version":   version,
		"subFolder": ingest.SubFolder,
		"topics":    ingest.Topics,
	}, nil
}

func (s *Service) TopicFile(ctx context.Context, documentID string, version int, rel string) (io.ReadCloser, error) {
	return s.bundles.Get(ctx, bundle.TopicKey(documentID, version, rel))
}

// RenderTopic serves a topic with the stored review markers already applied
// to the markup, so a fresh viewer sees the current review state without
// replaying changes client side.
func (s *Service) RenderTopic(ctx context.Context, documentID string, version int, topic string) (string, error) {
	rc, err := s.bundles.Get(ctx, bundle.TopicKey(documentID, version, topic))
	if err != nil {
		return "", err
	}
	defer rc.Close()
	markup, err := io.ReadAll(rc)
	if err != nil {
		return "", fmt.Errorf("read topic %s: %w", topic, err)
	}

	doc, err := html.Parse(bytes.NewReader(markup))
	if err != nil {
		return "", fmt.Errorf("parse topic %s: %w", topic, err)
	}
	// Anchor paths are relative to the topic body, not the document node.
	root := contentRoot(doc)

	changes, err := s.store.ListReviewChanges(ctx, documentID, version, topic)
	if err != nil {
		return "", err
	}
	for _, c := range changes {
		a, ok := decodeAnnotation(c)
		if !ok || a.Hidden() || a.Type == annotation.TypeReply {
			continue
		}
		if err := marker.Apply(root, a); err != nil {
			if !errors.Is(err, marker.ErrUnresolvedRange) {
				log.Printf("render: apply %s in %s: %v", a.ID, topic, err)
			}
		}
	}

	marks, err := s.store.ListReviewMarks(ctx, documentID, version, topic)
	if err != nil {
		return "", err
	}
	for _, m := range marks {
		var a annotation.Annotation
		if err := json.Unmarshal(m.Payload, &a); err != nil {
			continue
		}
		if err := marker.Apply(root, a); err != nil && !errors.Is(err, marker.ErrUnresolvedRange) {
			log.Printf("render: apply mark %s in %s: %v", m.MarkID, topic, err)
		}
	}

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return "", fmt.Errorf("render topic %s: %w", topic, err)
	}
	return buf.String(), nil
}

func contentRoot(doc *html.Node) *html.Node {
	var body *html.Node
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if body != nil {
			return
		}
		if n.Type == html.ElementNode && n.Data == "body" {
			body = n
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	if body == nil {
		return doc
	}
	return body
}

func (s *Service) Search(ctx context.Context, q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(ctx, q)
}

func (s *Service) DocumentVersions(ctx context.Context, documentID string) (map[string]any, error) {
	versions, err := s.store.ListDocumentVersions(ctx, documentID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(versions))
	for _, v := range versions {
		items = append(items, map[string]any{
			"version":    v.Version,
			"uploadedBy": v.UploadedBy,
			"uploadedAt": v.UploadedAt,
		})
	}
	return map[string]any{"versions": items}, nil
}

func (s *Service) VersionManifest(ctx context.Context, documentID string, version int) (map[string]any, error) {
	if s.history == nil {
		return nil, domainError(http.StatusServiceUnavailable, "HISTORY_UNAVAILABLE", "Version history not configured", nil)
	}
	m, err := s.history.GetManifest(documentID, version)
	if err != nil {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "No manifest for this version", nil)
	}
	return map[string]any{
		"title":      m.Title,
		"subFolder":  m.SubFolder,
		"topics":     m.Topics,
		"uploadedBy": m.UploadedBy,
	}, nil
}

func (s *Service) ExportReport(ctx context.Context, documentID, version, format string) (*export.Result, error) {
	result, err := s.reports.Export(ctx, export.Request{DocumentID: documentID, Version: version, Format: export.Format(format)})
	if err != nil && strings.Contains(err.Error(), "unsupported format") {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "format must be pdf or html", nil)
	}
	return result, err
}

// UpdateCursor records a presence heartbeat locally and relays it to every
// other viewer of the document version.
func (s *Service) UpdateCursor(ctx context.Context, session Session, in CursorInput) error {
	if in.DocumentID == "" {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "documentId is required", nil)
	}
	version, err := parseVersion(in.Version)
	if err != nil {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "version must be a single concrete version", nil)
	}

	room := relay.RoomName(in.DocumentID, version)
	cu := relay.CursorUpdate{User: session.UserName, Topic: in.Topic, Caret: in.Caret}
	s.roster(ctx, room).Observe(cu)

	if s.relay != nil {
		if err := s.relay.Emit(ctx, room, relay.EventCursorUpdate, cu); err != nil {
			log.Printf("relay: emit cursor-update: %v", err)
		}
	}
	return nil
}

func (s *Service) Presence(ctx context.Context, documentID string, version int, topic string) map[string]any {
	roster := s.roster(ctx, relay.RoomName(documentID, version))
	cursors := roster.Cursors(topic)
	if cursors == nil {
		cursors = []relay.CursorUpdate{}
	}
	return map[string]any{
		"active":  roster.Active(),
		"cursors": cursors,
	}
}

// roster returns the room's presence roster, subscribing to the room's
// cursor updates on first use. The relay never dispatches this instance's
// own emits back, so local updates are observed directly in UpdateCursor.
func (s *Service) roster(ctx context.Context, room string) *relay.Roster {
	s.roomMu.Lock()
	defer s.roomMu.Unlock()
	if roster, ok := s.rosters[room]; ok {
		return roster
	}

	roster := relay.NewRoster(s.cfg.PresenceTTL)
	s.rosters[room] = roster

	if s.relay != nil {
		if err := s.relay.Join(ctx, room); err != nil {
			log.Printf("relay: join %s: %v", room, err)
			return roster
		}
		_ = s.relay.On(room, relay.EventCursorUpdate, func(msg relay.Message) {
			var cu relay.CursorUpdate
			if err := json.Unmarshal(msg.Payload, &cu); err != nil {
				return
			}
			roster.Observe(cu)
		})
	}
	return roster
}

// monitor returns the user's unseen-change monitor for the room, creating
// it and subscribing to the room's annotation changes on first use. Moving
// to another topic resets the count.
func (s *Service) monitor(ctx context.Context, room, user, topic string) *relay.ChangeMonitor {
	s.roomMu.Lock()
	byUser := s.monitors[room]
	if byUser == nil {
		byUser = make(map[string]*relay.ChangeMonitor)
		s.monitors[room] = byUser
	}
	m, ok := byUser[user]
	if !ok {
		m = relay.NewChangeMonitor(user, topic)
		byUser[user] = m
	} else if m.Topic() != topic {
		m.SwitchTopic(topic)
	}
	subscribed := s.monitorRooms[room]
	s.monitorRooms[room] = true
	s.roomMu.Unlock()

	if s.relay != nil && !subscribed {
		if err := s.relay.Join(ctx, room); err != nil {
			log.Printf("relay: join %s: %v", room, err)
			return m
		}
		_ = s.relay.On(room, relay.EventAnnotationChange, func(msg relay.Message) {
			var ch relay.AnnotationChange
			if err := json.Unmarshal(msg.Payload, &ch); err != nil {
				return
			}
			s.observeChange(room, ch)
		})
	}
	return m
}

// observeChange feeds a change into every monitor watching the room. The
// monitors themselves ignore the author's own changes.
func (s *Service) observeChange(room string, ch relay.AnnotationChange) {
	s.roomMu.Lock()
	defer s.roomMu.Unlock()
	for _, m := range s.monitors[room] {
		m.Observe(ch)
	}
}

func documentPayload(doc store.Document) map[string]any {
	return map[string]any{
		"id":             doc.ID,
		"name":           doc.Name,
		"title":          doc.Title,
		"subFolder":      doc.SubFolder,
		"currentVersion": doc.CurrentVersion,
		"createdBy":      doc.CreatedBy,
		"updatedAt":      doc.UpdatedAt,
	}
}

func decodeAnnotation(c store.ReviewChange) (annotation.Annotation, bool) {
	var a annotation.Annotation
	if err := json.Unmarshal(c.Payload, &a); err != nil {
		return annotation.Annotation{}, false
	}
	a.User = c.Author
	return a, true
}

func searchableText(a annotation.Annotation) string {
	for _, t := range []string{a.Text, a.NewText, a.DeletedText, a.HighlightedText, a.OldText} {
		if t != "" {
			return t
		}
	}
	return ""
}

// parseVersion accepts "3" or "v3" and rejects "all"; endpoints that accept
// the merged pseudo-version expand it before calling this.
func parseVersion(raw string) (int, error) {
	v, err := strconv.Atoi(strings.TrimPrefix(strings.TrimSpace(raw), "v"))
	if err != nil || v < 1 {
		return 0, fmt.Errorf("invalid version %q", raw)
	}
	return v, nil
}

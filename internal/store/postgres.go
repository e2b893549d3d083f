package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"redline/api/internal/util"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) EnsureUserByName(ctx context.Context, name, role string) (User, error) {
	const findUser = `SELECT id, display_name, role FROM users WHERE display_name = $1`
	var user User
	err := s.db.QueryRowContext(ctx, findUser, name).Scan(&user.ID, &user.DisplayName, &user.Role)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	user = User{ID: util.NewID("usr"), DisplayName: name, Role: role}
	if user.Role == "" {
		user.Role = "reviewer"
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, role)
		VALUES ($1, $2, $3)
	`, user.ID, user.DisplayName, user.Role); err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByName(ctx context.Context, name string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, COALESCE(password_hash, ''), role, created_at
		FROM users WHERE display_name=$1
	`, name).Scan(&user.ID, &user.DisplayName, &user.PasswordHash, &user.Role, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, password_hash, role)
		VALUES ($1, $2, $3, $4)
	`, user.ID, user.DisplayName, user.PasswordHash, user.Role)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateDocument(ctx context.Context, doc Document) (Document, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO documents (id, name, title, sub_folder, current_version, created_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`, doc.ID, doc.Name, doc.Title, doc.SubFolder, doc.CurrentVersion, doc.CreatedBy).Scan(&doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return Document{}, fmt.Errorf("insert document: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO document_versions (document_id, version, uploaded_by)
		VALUES ($1, $2, $3)
	`, doc.ID, doc.CurrentVersion, doc.CreatedBy); err != nil {
		return Document{}, fmt.Errorf("insert document version: %w", err)
	}
	return doc, nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	var doc Document
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, title, sub_folder, current_version, created_by, created_at, updated_at
		FROM documents WHERE id=$1
	`, documentID).Scan(&doc.ID, &doc.Name, &doc.Title, &doc.SubFolder, &doc.CurrentVersion, &doc.CreatedBy, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return Document{}, err
	}
	return doc, nil
}

func (s *PostgresStore) GetDocumentByName(ctx context.Context, name string) (Document, error) {
	var doc Document
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, title, sub_folder, current_version, created_by, created_at, updated_at
		FROM documents WHERE name=$1
	`, name).Scan(&doc.ID, &doc.Name, &doc.Title, &doc.SubFolder, &doc.CurrentVersion, &doc.CreatedBy, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return Document{}, err
	}
	return doc, nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, title, sub_folder, current_version, created_by, created_at, updated_at
		FROM documents
		ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	items := make([]Document, 0)
	for rows.Next() {
		var doc Document
		if err := rows.Scan(&doc.ID, &doc.Name, &doc.Title, &doc.SubFolder, &doc.CurrentVersion, &doc.CreatedBy, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateDocument(ctx context.Context, documentID, title string) (Document, error) {
	var doc Document
	err := s.db.QueryRowContext(ctx, `
		UPDATE documents SET title=$2, updated_at=NOW()
		WHERE id=$1
		RETURNING id, name, title, sub_folder, current_version, created_by, created_at, updated_at
	`, documentID, title).Scan(&doc.ID, &doc.Name, &doc.Title, &doc.SubFolder, &doc.CurrentVersion, &doc.CreatedBy, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return Document{}, err
	}
	return doc, nil
}

// BumpVersion records a new uploaded version and makes it current.
func (s *PostgresStore) BumpVersion(ctx context.Context, documentID, uploadedBy string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin bump version: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var version int
	err = tx.QueryRowContext(ctx, `
		UPDATE documents SET current_version=current_version+1, updated_at=NOW()
		WHERE id=$1
		RETURNING current_version
	`, documentID).Scan(&version)
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO document_versions (document_id, version, uploaded_by)
		VALUES ($1, $2, $3)
	`, documentID, version, uploadedBy); err != nil {
		return 0, fmt.Errorf("insert document version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit bump version: %w", err)
	}
	return version, nil
}

func (s *PostgresStore) ListDocumentVersions(ctx context.Context, documentID string) ([]DocumentVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT document_id, version, uploaded_by, uploaded_at
		FROM document_versions
		WHERE document_id=$1
		ORDER BY version
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list document versions: %w", err)
	}
	defer rows.Close()

	items := make([]DocumentVersion, 0)
	for rows.Next() {
		var v DocumentVersion
		if err := rows.Scan(&v.DocumentID, &v.Version, &v.UploadedBy, &v.UploadedAt); err != nil {
			return nil, fmt.Errorf("scan document version: %w", err)
		}
		items = append(items, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate document versions: %w", err)
	}
	return items, nil
}

// GetChangeAuthor returns the pinned author of a stored change, or ok=false
// when the change does not exist yet.
func (s *PostgresStore) GetChangeAuthor(ctx context.Context, documentID string, version int, topic, changeID string) (string, bool, error) {
	var author string
	err := s.db.QueryRowContext(ctx, `
		SELECT author FROM review_changes
		WHERE document_id=$1 AND version=$2 AND topic=$3 AND change_id=$4
	`, documentID, version, topic, changeID).Scan(&author)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read change author: %w", err)
	}
	return author, true, nil
}

// UpsertReviewChange writes a change last-write-wins. The author column is
// only set on insert; the conflict branch deliberately leaves it alone.
func (s *PostgresStore) UpsertReviewChange(ctx context.Context, c ReviewChange) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO review_changes (document_id, version, topic, change_id, author, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (document_id, version, topic, change_id)
		DO UPDATE SET payload=EXCLUDED.payload, updated_at=NOW()
	`, c.DocumentID, c.Version, c.Topic, c.ChangeID, c.Author, []byte(c.Payload))
	if err != nil {
		return fmt.Errorf("upsert review change: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListReviewChanges(ctx context.Context, documentID string, version int, topic string) ([]ReviewChange, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT document_id, version, topic, change_id, author, payload, seq, updated_at
		FROM review_changes
		WHERE document_id=$1 AND version=$2 AND topic=$3
		ORDER BY seq
	`, documentID, version, topic)
	if err != nil {
		return nil, fmt.Errorf("list review changes: %w", err)
	}
	defer rows.Close()

	items := make([]ReviewChange, 0)
	for rows.Next() {
		var c ReviewChange
		var payload []byte
		if err := rows.Scan(&c.DocumentID, &c.Version, &c.Topic, &c.ChangeID, &c.Author, &payload, &c.Seq, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan review change: %w", err)
		}
		c.Payload = json.RawMessage(payload)
		items = append(items, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate review changes: %w", err)
	}
	return items, nil
}

// ListVersionChanges returns every change of one document version across
// all topics, in topic then insertion order.
func (s *PostgresStore) ListVersionChanges(ctx context.Context, documentID string, version int) ([]ReviewChange, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT document_id, version, topic, change_id, author, payload, seq, updated_at
		FROM review_changes
		WHERE document_id=$1 AND version=$2
		ORDER BY topic, seq
	`, documentID, version)
	if err != nil {
		return nil, fmt.Errorf("list version changes: %w", err)
	}
	defer rows.Close()

	items := make([]ReviewChange, 0)
	for rows.Next() {
		var c ReviewChange
		var payload []byte
		if err := rows.Scan(&c.DocumentID, &c.Version, &c.Topic, &c.ChangeID, &c.Author, &payload, &c.Seq, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan review change: %w", err)
		}
		c.Payload = json.RawMessage(payload)
		items = append(items, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate version changes: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) MarkTopicForReview(ctx context.Context, tr TopicReview) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO topic_reviews (document_id, version, topic, marked_by, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (document_id, version, topic)
		DO UPDATE SET marked_by=EXCLUDED.marked_by, status=EXCLUDED.status, marked_at=NOW()
	`, tr.DocumentID, tr.Version, tr.Topic, tr.MarkedBy, tr.Status)
	if err != nil {
		return fmt.Errorf("mark topic for review: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListTopicsForReview(ctx context.Context, documentID string, version int) ([]TopicReview, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT document_id, version, topic, marked_by, status, marked_at
		FROM topic_reviews
		WHERE document_id=$1 AND version=$2
		ORDER BY topic
	`, documentID, version)
	if err != nil {
		return nil, fmt.Errorf("list topics for review: %w", err)
	}
	defer rows.Close()

	items := make([]TopicReview, 0)
	for rows.Next() {
		var tr TopicReview
		if err := rows.Scan(&tr.DocumentID, &tr.Version, &tr.Topic, &tr.MarkedBy, &tr.Status, &tr.MarkedAt); err != nil {
			return nil, fmt.Errorf("scan topic review: %w", err)
		}
		items = append(items, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate topic reviews: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpsertReviewMark(ctx context.Context, m ReviewMark) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO review_marks (document_id, version, topic, mark_id, author, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (document_id, version, topic, mark_id)
		DO UPDATE SET payload=EXCLUDED.payload, updated_at=NOW()
	`, m.DocumentID, m.Version, m.Topic, m.MarkID, m.Author, []byte(m.Payload))
	if err != nil {
		return fmt.Errorf("upsert review mark: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListReviewMarks(ctx context.Context, documentID string, version int, topic string) ([]ReviewMark, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT document_id, version, topic, mark_id, author, payload, updated_at
		FROM review_marks
		WHERE document_id=$1 AND version=$2 AND topic=$3
		ORDER BY mark_id
	`, documentID, version, topic)
	if err != nil {
		return nil, fmt.Errorf("list review marks: %w", err)
	}
	defer rows.Close()

	items := make([]ReviewMark, 0)
	for rows.Next() {
		var m ReviewMark
		var payload []byte
		if err := rows.Scan(&m.DocumentID, &m.Version, &m.Topic, &m.MarkID, &m.Author, &payload, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan review mark: %w", err)
		}
		m.Payload = json.RawMessage(payload)
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate review marks: %w", err)
	}
	return items, nil
}

// SearchChanges is the Postgres full-text fallback used when the search
// service is unavailable.
func (s *PostgresStore) SearchChanges(ctx context.Context, documentID, query string, limit int) ([]ChangeHit, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT document_id, version, topic, change_id, author, payload
		FROM review_changes
		WHERE document_id=$1 AND search_text @@ plainto_tsquery('english', $2)
		ORDER BY ts_rank(search_text, plainto_tsquery('english', $2)) DESC
		LIMIT $3
	`, documentID, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search changes: %w", err)
	}
	defer rows.Close()

	items := make([]ChangeHit, 0)
	for rows.Next() {
		var h ChangeHit
		var payload []byte
		if err := rows.Scan(&h.DocumentID, &h.Version, &h.Topic, &h.ChangeID, &h.Author, &payload); err != nil {
			return nil, fmt.Errorf("scan search hit: %w", err)
		}
		h.Payload = json.RawMessage(payload)
		items = append(items, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate search hits: %w", err)
	}
	return items, nil
}

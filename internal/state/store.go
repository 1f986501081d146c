package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/flitsinc/go-observation/internal/model"
)

// Store persists wikis and document revisions. It implements model.Store.
type Store struct {
	db *sql.DB

	nowFn func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, nowFn: func() time.Time { return time.Now().UTC() }}
}

var _ model.Store = (*Store)(nil)

type Wiki struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Store) now() time.Time {
	if s.nowFn == nil {
		return time.Now().UTC()
	}
	return s.nowFn().UTC()
}

func (s *Store) CreateWiki(ctx context.Context, id, owner string) (Wiki, error) {
	if strings.TrimSpace(id) == "" {
		return Wiki{}, fmt.Errorf("wiki id is required")
	}
	now := s.now()
	_, err := s.db.ExecContext(ctx, `INSERT INTO wikis (id, owner, created_at) VALUES (?, ?, ?)`,
		id, nullString(owner), now.Format(time.RFC3339Nano))
	if err != nil {
		return Wiki{}, fmt.Errorf("insert wiki: %w", err)
	}
	return Wiki{ID: id, Owner: owner, CreatedAt: now}, nil
}

func (s *Store) DeleteWiki(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete wiki tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	res, err := tx.ExecContext(ctx, `DELETE FROM wikis WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete wiki: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("wiki %s: %w", id, sql.ErrNoRows)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM document_revisions WHERE wiki = ?`, id); err != nil {
		return fmt.Errorf("delete wiki documents: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete wiki: %w", err)
	}
	return nil
}

func (s *Store) ListWikis(ctx context.Context) ([]Wiki, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, owner, created_at FROM wikis ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list wikis: %w", err)
	}
	defer rows.Close()

	var out []Wiki
	for rows.Next() {
		var w Wiki
		var owner sql.NullString
		var createdAtStr string
		if err := rows.Scan(&w.ID, &owner, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scan wiki: %w", err)
		}
		w.Owner = owner.String
		w.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate wikis: %w", err)
	}
	return out, nil
}

// SaveDocument stores a new revision of doc and returns it with its version
// assigned and Original pointing at the previous revision, if any.
func (s *Store) SaveDocument(ctx context.Context, ref model.DocumentReference, locale, content, author string) (*model.Document, error) {
	if ref.Wiki == "" || ref.Space == "" || ref.Page == "" {
		return nil, fmt.Errorf("document reference is incomplete: %s", ref)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin save tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	previous, err := loadRevision(ctx, tx, ref, "", locale)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}

	version := "1.1"
	seq := int64(1)
	if previous != nil {
		version = nextVersion(previous.Version)
		seq = previous.seq + 1
	}
	now := s.now()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO document_revisions (wiki, space, page, locale, version, seq, content, author, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ref.Wiki, ref.Space, ref.Page, locale, version, seq, content, nullString(author), now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert revision: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit save: %w", err)
	}

	doc := &model.Document{
		Reference: ref,
		Version:   version,
		Locale:    locale,
		Content:   content,
		Author:    author,
		UpdatedAt: now,
	}
	if previous != nil {
		doc.Original = &previous.Document
	}
	return doc, nil
}

// DeleteDocument removes every revision of the document in locale. The
// returned document has no version and carries the deleted revision as
// Original.
func (s *Store) DeleteDocument(ctx context.Context, ref model.DocumentReference, locale string) (*model.Document, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin delete tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	last, err := loadRevision(ctx, tx, ref, "", locale)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM document_revisions WHERE wiki = ? AND space = ? AND page = ? AND locale = ?`,
		ref.Wiki, ref.Space, ref.Page, locale); err != nil {
		return nil, fmt.Errorf("delete revisions: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit delete: %w", err)
	}
	return &model.Document{Reference: ref, Locale: locale, UpdatedAt: s.now(), Original: &last.Document}, nil
}

// LoadDocument returns the requested revision, or the latest one when
// version is empty. Missing documents yield model.ErrNotFound.
func (s *Store) LoadDocument(ctx context.Context, ref model.DocumentReference, version, locale string) (*model.Document, error) {
	rev, err := loadRevision(ctx, s.db, ref, version, locale)
	if err != nil {
		return nil, err
	}
	doc := rev.Document
	previous, err := loadPrevious(ctx, s.db, ref, locale, rev.seq)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}
	if previous != nil {
		doc.Original = &previous.Document
	}
	return &doc, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type revision struct {
	model.Document
	seq int64
}

const revisionColumns = `version, seq, content, author, updated_at`

func loadRevision(ctx context.Context, q queryer, ref model.DocumentReference, version, locale string) (*revision, error) {
	var row *sql.Row
	if version == "" {
		row = q.QueryRowContext(ctx, `SELECT `+revisionColumns+` FROM document_revisions
			WHERE wiki = ? AND space = ? AND page = ? AND locale = ? ORDER BY seq DESC LIMIT 1`,
			ref.Wiki, ref.Space, ref.Page, locale)
	} else {
		row = q.QueryRowContext(ctx, `SELECT `+revisionColumns+` FROM document_revisions
			WHERE wiki = ? AND space = ? AND page = ? AND locale = ? AND version = ?`,
			ref.Wiki, ref.Space, ref.Page, locale, version)
	}
	return scanRevision(row, ref, locale)
}

func loadPrevious(ctx context.Context, q queryer, ref model.DocumentReference, locale string, seq int64) (*revision, error) {
	row := q.QueryRowContext(ctx, `SELECT `+revisionColumns+` FROM document_revisions
		WHERE wiki = ? AND space = ? AND page = ? AND locale = ? AND seq < ? ORDER BY seq DESC LIMIT 1`,
		ref.Wiki, ref.Space, ref.Page, locale, seq)
	return scanRevision(row, ref, locale)
}

func scanRevision(row *sql.Row, ref model.DocumentReference, locale string) (*revision, error) {
	rev := &revision{}
	var content, author sql.NullString
	var updatedAtStr string
	err := row.Scan(&rev.Version, &rev.seq, &content, &author, &updatedAtStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s (%s): %w", ref, locale, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan revision: %w", err)
	}
	rev.Reference = ref
	rev.Locale = locale
	rev.Content = content.String
	rev.Author = author.String
	rev.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAtStr)
	return rev, nil
}

// nextVersion bumps the minor part of a major.minor version.
func nextVersion(v string) string {
	major, minor, ok := strings.Cut(v, ".")
	if !ok {
		return v + ".1"
	}
	n, err := strconv.Atoi(minor)
	if err != nil {
		return v + ".1"
	}
	return major + "." + strconv.Itoa(n+1)
}

// nullString stores empty strings as NULL.
func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

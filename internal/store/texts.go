package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// TextStore owns practice text rows.
type TextStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewTextStore creates a TextStore on db.
func NewTextStore(db *sql.DB) *TextStore {
	return &TextStore{db: db, now: time.Now}
}

type newText struct {
	Title   string `validate:"required,max=200"`
	Content string `validate:"required"`
}

// Create inserts a new text with a zero practice count.
func (s *TextStore) Create(ctx context.Context, title, content string) (*PracticeText, error) {
	in := newText{Title: title, Content: content}
	if err := validate.Struct(in); err != nil {
		return nil, validationError(err)
	}

	text := &PracticeText{
		ID:        uuid.NewString(),
		Title:     title,
		Content:   content,
		CreatedAt: s.now(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO practice_texts (id, title, content, created_at, practice_count)
		VALUES (?, ?, ?, ?, 0)
	`, text.ID, text.Title, text.Content, text.CreatedAt.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("insert text: %w", err)
	}

	slog.Debug("Text created", "text_id", text.ID, "title", text.Title)
	return text, nil
}

// FindByID returns the text with id, or ErrNotFound.
func (s *TextStore) FindByID(ctx context.Context, id string) (*PracticeText, error) {
	return findText(ctx, s.db, id)
}

// List returns every text ordered by creation time.
func (s *TextStore) List(ctx context.Context, ascending bool) ([]PracticeText, error) {
	order := "DESC"
	if ascending {
		order = "ASC"
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, content, created_at, practice_count, last_practiced_at
		FROM practice_texts
		ORDER BY created_at `+order+`, rowid `+order)
	if err != nil {
		return nil, fmt.Errorf("query texts: %w", err)
	}
	defer rows.Close()

	texts := []PracticeText{}
	for rows.Next() {
		t, err := scanText(rows)
		if err != nil {
			return nil, err
		}
		texts = append(texts, *t)
	}
	return texts, rows.Err()
}

// IncrementPracticeCount adds one practice at the given time.
func (s *TextStore) IncrementPracticeCount(ctx context.Context, id string, at time.Time) error {
	return incrementPracticeCount(ctx, s.db, id, at)
}

// Delete removes a text. Texts that still own takes are refused with ErrTextInUse.
func (s *TextStore) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var takes int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM takes WHERE text_id = ?`, id).Scan(&takes); err != nil {
		return fmt.Errorf("count takes: %w", err)
	}
	if takes > 0 {
		return fmt.Errorf("%w: %d takes", ErrTextInUse, takes)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM practice_texts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete text: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("text %s: %w", id, ErrNotFound)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	slog.Debug("Text deleted", "text_id", id)
	return nil
}

func findText(ctx context.Context, q querier, id string) (*PracticeText, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, title, content, created_at, practice_count, last_practiced_at
		FROM practice_texts
		WHERE id = ?
	`, id)

	text, err := scanText(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("text %s: %w", id, ErrNotFound)
	}
	return text, err
}

func incrementPracticeCount(ctx context.Context, q querier, id string, at time.Time) error {
	res, err := q.ExecContext(ctx, `
		UPDATE practice_texts
		SET practice_count = practice_count + 1, last_practiced_at = ?
		WHERE id = ?
	`, at.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("update practice count: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update practice count: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("text %s: %w", id, ErrNotFound)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanText(row scanner) (*PracticeText, error) {
	var t PracticeText
	var createdAt int64
	var lastPracticed sql.NullInt64

	if err := row.Scan(&t.ID, &t.Title, &t.Content, &createdAt, &t.PracticeCount, &lastPracticed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan text: %w", err)
	}

	t.CreatedAt = timeFromNanos(createdAt)
	if lastPracticed.Valid {
		at := timeFromNanos(lastPracticed.Int64)
		t.LastPracticedAt = &at
	}
	return &t, nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// FileRemover deletes the audio file behind a take.
type FileRemover interface {
	Delete(ctx context.Context, ref string) error
}

// TakeStore owns take rows and the audio files they reference.
type TakeStore struct {
	db    *sql.DB
	files FileRemover
	now   func() time.Time
}

// NewTakeStore creates a TakeStore on db deleting audio through files.
func NewTakeStore(db *sql.DB, files FileRemover) *TakeStore {
	return &TakeStore{db: db, files: files, now: time.Now}
}

type newTake struct {
	FileRef         string  `validate:"required"`
	DurationSeconds float64 `validate:"gte=0"`
	TextID          string  `validate:"required"`
}

// CreateTake records a finished take for textID and counts it as a practice
// of that text. Both writes commit together or not at all.
func (s *TakeStore) CreateTake(ctx context.Context, fileRef string, durationSeconds float64, textID string) (*Take, error) {
	if err := validate.Struct(newTake{FileRef: fileRef, DurationSeconds: durationSeconds, TextID: textID}); err != nil {
		return nil, validationError(err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := findText(ctx, tx, textID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrOwnerNotFound, textID)
		}
		return nil, err
	}

	take := &Take{
		ID:              uuid.NewString(),
		FileRef:         fileRef,
		DurationSeconds: durationSeconds,
		CreatedAt:       s.now(),
		TextID:          textID,
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO takes (id, file_ref, duration_seconds, created_at, text_id)
		VALUES (?, ?, ?, ?, ?)
	`, take.ID, take.FileRef, take.DurationSeconds, take.CreatedAt.UnixNano(), take.TextID)
	if err != nil {
		return nil, fmt.Errorf("insert take: %w", err)
	}

	if err := incrementPracticeCount(ctx, tx, textID, take.CreatedAt); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	slog.Info("Take saved", "take_id", take.ID, "text_id", textID, "duration", durationSeconds)
	return take, nil
}

// FindTake returns the take with id, or ErrNotFound.
func (s *TakeStore) FindTake(ctx context.Context, id string) (*Take, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, file_ref, duration_seconds, created_at, text_id
		FROM takes
		WHERE id = ?
	`, id)

	take, err := scanTake(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("take %s: %w", id, ErrNotFound)
	}
	return take, err
}

// ListTakes returns the takes matching q. No match is an empty slice.
func (s *TakeStore) ListTakes(ctx context.Context, q TakeQuery) ([]Take, error) {
	order := "DESC"
	if q.Ascending {
		order = "ASC"
	}

	query := `SELECT id, file_ref, duration_seconds, created_at, text_id FROM takes`
	var args []any
	if q.TextID != "" {
		query += ` WHERE text_id = ?`
		args = append(args, q.TextID)
	}
	query += ` ORDER BY created_at ` + order + `, rowid ` + order

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query takes: %w", err)
	}
	defer rows.Close()

	takes := []Take{}
	for rows.Next() {
		take, err := scanTake(rows)
		if err != nil {
			return nil, err
		}
		takes = append(takes, *take)
	}
	return takes, rows.Err()
}

// LatestTake returns the most recent take of textID, or ErrNotFound.
func (s *TakeStore) LatestTake(ctx context.Context, textID string) (*Take, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, file_ref, duration_seconds, created_at, text_id
		FROM takes
		WHERE text_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1
	`, textID)

	take, err := scanTake(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no takes for text %s: %w", textID, ErrNotFound)
	}
	return take, err
}

// DeleteTake removes a take's audio file and then its row. A file that is
// already gone is tolerated; the row is removed whatever happened to the file.
func (s *TakeStore) DeleteTake(ctx context.Context, id string) error {
	take, err := s.FindTake(ctx, id)
	if err != nil {
		return err
	}

	if err := s.files.Delete(ctx, take.FileRef); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			slog.Warn("Take file already missing", "take_id", id, "file", take.FileRef)
		} else {
			slog.Error("Failed to delete take file, removing row anyway", "take_id", id, "file", take.FileRef, "error", err)
		}
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM takes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete take %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("take %s: %w", id, ErrNotFound)
	}

	slog.Info("Take deleted", "take_id", id, "file", take.FileRef)
	return nil
}

func scanTake(row scanner) (*Take, error) {
	var t Take
	var createdAt int64
	if err := row.Scan(&t.ID, &t.FileRef, &t.DurationSeconds, &createdAt, &t.TextID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan take: %w", err)
	}
	t.CreatedAt = timeFromNanos(createdAt)
	return &t, nil
}

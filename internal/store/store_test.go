package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/audiolibrelab/rehearse/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	db    *sql.DB
	texts *TextStore
	takes *TakeStore
	files *storage.Local
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	files, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)

	return &fixture{
		db:    db,
		texts: NewTextStore(db),
		takes: NewTakeStore(db, files),
		files: files,
	}
}

// audioFile writes a take file and returns its reference.
func (f *fixture) audioFile(t *testing.T) string {
	t.Helper()
	ref := f.files.Allocate("wav")
	path, err := f.files.Path(ref)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("RIFF"), 0o644))
	return ref
}

func TestCreateTake_UpdatesOwnerStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	text, err := f.texts.Create(ctx, "Tongue twister", "She sells sea shells")
	require.NoError(t, err)
	assert.Equal(t, 0, text.PracticeCount)
	assert.Nil(t, text.LastPracticedAt)

	take, err := f.takes.CreateTake(ctx, "f1.wav", 3.2, text.ID)
	require.NoError(t, err)
	assert.Equal(t, 3.2, take.DurationSeconds)
	assert.Equal(t, text.ID, take.TextID)
	assert.NotEmpty(t, take.ID)

	got, err := f.texts.FindByID(ctx, text.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.PracticeCount)
	require.NotNil(t, got.LastPracticedAt)
	assert.WithinDuration(t, take.CreatedAt, *got.LastPracticedAt, time.Millisecond)
}

func TestCreateTake_UnknownOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	text, err := f.texts.Create(ctx, "Poem", "Roses are red")
	require.NoError(t, err)
	_, err = f.takes.CreateTake(ctx, "f1.wav", 1, text.ID)
	require.NoError(t, err)

	before, err := f.takes.ListTakes(ctx, TakeQuery{})
	require.NoError(t, err)

	_, err = f.takes.CreateTake(ctx, "f2.wav", 2, "does-not-exist")
	assert.ErrorIs(t, err, ErrOwnerNotFound)

	after, err := f.takes.ListTakes(ctx, TakeQuery{})
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestCreateTake_StatsFailureRollsBackInsert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	text, err := f.texts.Create(ctx, "Speech", "Four score and seven years ago")
	require.NoError(t, err)

	_, err = f.db.Exec(`
		CREATE TRIGGER fail_stats BEFORE UPDATE ON practice_texts
		BEGIN
			SELECT RAISE(ABORT, 'forced stats failure');
		END
	`)
	require.NoError(t, err)

	_, err = f.takes.CreateTake(ctx, "f1.wav", 2.5, text.ID)
	require.Error(t, err)

	takes, err := f.takes.ListTakes(ctx, TakeQuery{TextID: text.ID})
	require.NoError(t, err)
	assert.Empty(t, takes)

	got, err := f.texts.FindByID(ctx, text.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.PracticeCount)
}

func TestCreateTake_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.takes.CreateTake(ctx, "", 1, "t")
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.takes.CreateTake(ctx, "f.wav", -1, "t")
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.texts.Create(ctx, "", "content")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestListTakes_Ordering(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	tick := 0
	f.takes.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}

	a, err := f.texts.Create(ctx, "A", "alpha")
	require.NoError(t, err)
	b, err := f.texts.Create(ctx, "B", "beta")
	require.NoError(t, err)

	a1, err := f.takes.CreateTake(ctx, "a1.wav", 1, a.ID)
	require.NoError(t, err)
	b1, err := f.takes.CreateTake(ctx, "b1.wav", 1, b.ID)
	require.NoError(t, err)
	a2, err := f.takes.CreateTake(ctx, "a2.wav", 1, a.ID)
	require.NoError(t, err)

	ids := func(takes []Take) []string {
		out := []string{}
		for _, tk := range takes {
			out = append(out, tk.ID)
		}
		return out
	}

	all, err := f.takes.ListTakes(ctx, TakeQuery{})
	require.NoError(t, err)
	assert.Equal(t, []string{a2.ID, b1.ID, a1.ID}, ids(all))

	asc, err := f.takes.ListTakes(ctx, TakeQuery{TextID: a.ID, Ascending: true})
	require.NoError(t, err)
	assert.Equal(t, []string{a1.ID, a2.ID}, ids(asc))

	latest, err := f.takes.LatestTake(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a2.ID, latest.ID)
	assert.True(t, latest.CreatedAt.Equal(base.Add(3*time.Minute)))

	none, err := f.takes.ListTakes(ctx, TakeQuery{TextID: "nobody"})
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)

	_, err = f.takes.LatestTake(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteTake_RemovesFileAndRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	text, err := f.texts.Create(ctx, "T", "c")
	require.NoError(t, err)
	ref := f.audioFile(t)
	take, err := f.takes.CreateTake(ctx, ref, 1, text.ID)
	require.NoError(t, err)

	require.NoError(t, f.takes.DeleteTake(ctx, take.ID))

	exists, err := f.files.Exists(ctx, ref)
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = f.takes.FindTake(ctx, take.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, f.takes.DeleteTake(ctx, take.ID), ErrNotFound)
}

func TestDeleteTake_MissingFileStillRemovesRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	text, err := f.texts.Create(ctx, "T", "c")
	require.NoError(t, err)
	take, err := f.takes.CreateTake(ctx, "never-written.wav", 1, text.ID)
	require.NoError(t, err)

	require.NoError(t, f.takes.DeleteTake(ctx, take.ID))

	takes, err := f.takes.ListTakes(ctx, TakeQuery{TextID: text.ID})
	require.NoError(t, err)
	assert.Empty(t, takes)
}

type brokenFiles struct{}

func (brokenFiles) Delete(context.Context, string) error {
	return errors.New("read-only filesystem")
}

func TestDeleteTake_FileErrorStillRemovesRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	takes := NewTakeStore(f.db, brokenFiles{})

	text, err := f.texts.Create(ctx, "T", "c")
	require.NoError(t, err)
	take, err := takes.CreateTake(ctx, "x.wav", 1, text.ID)
	require.NoError(t, err)

	require.NoError(t, takes.DeleteTake(ctx, take.ID))
	_, err = takes.FindTake(ctx, take.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTextStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	n := 0
	f.texts.now = func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Hour)
	}

	first, err := f.texts.Create(ctx, "First", "one")
	require.NoError(t, err)
	second, err := f.texts.Create(ctx, "Second", "two")
	require.NoError(t, err)

	list, err := f.texts.List(ctx, true)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)

	list, err = f.texts.List(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, second.ID, list[0].ID)

	at := base.Add(48 * time.Hour)
	require.NoError(t, f.texts.IncrementPracticeCount(ctx, first.ID, at))
	require.NoError(t, f.texts.IncrementPracticeCount(ctx, first.ID, at))
	got, err := f.texts.FindByID(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.PracticeCount)
	assert.True(t, got.LastPracticedAt.Equal(at))

	assert.ErrorIs(t, f.texts.IncrementPracticeCount(ctx, "nope", at), ErrNotFound)

	_, err = f.takes.CreateTake(ctx, "f.wav", 1, first.ID)
	require.NoError(t, err)
	assert.ErrorIs(t, f.texts.Delete(ctx, first.ID), ErrTextInUse)

	require.NoError(t, f.texts.Delete(ctx, second.ID))
	_, err = f.texts.FindByID(ctx, second.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, f.texts.Delete(ctx, second.ID), ErrNotFound)
}

func TestForeignKeysEnforced(t *testing.T) {
	f := newFixture(t)

	_, err := f.db.Exec(`INSERT INTO takes (id, file_ref, duration_seconds, created_at, text_id) VALUES ('x', 'x.wav', 1, 0, 'ghost')`)
	assert.Error(t, err)
}

func TestOpen_PathWithURICharacters(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "takes?v=1#main 100%.db")

	db, err := Open(path)
	require.NoError(t, err)
	_, err = NewTextStore(db).Create(context.Background(), "Title", "Body")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = os.Stat(path)
	require.NoError(t, err, "database must be created under the exact path")

	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()

	texts, err := NewTextStore(db).List(context.Background(), true)
	require.NoError(t, err)
	assert.Len(t, texts, 1)

	var fk int
	require.NoError(t, db.QueryRow(`PRAGMA foreign_keys`).Scan(&fk))
	assert.Equal(t, 1, fk)
}

var textColumns = []string{"id", "title", "content", "created_at", "practice_count", "last_practiced_at"}

func TestCreateTake_RollsBackOnStatsError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	takes := NewTakeStore(db, brokenFiles{})

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM practice_texts`).
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows(textColumns).AddRow("t1", "Title", "Body", int64(0), 0, nil))
	mock.ExpectExec(`INSERT INTO takes`).
		WithArgs(sqlmock.AnyArg(), "f1.wav", 3.2, sqlmock.AnyArg(), "t1").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`UPDATE practice_texts`).
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	_, err = takes.CreateTake(context.Background(), "f1.wav", 3.2, "t1")
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateTake_UnknownOwnerWritesNothing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	takes := NewTakeStore(db, brokenFiles{})

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM practice_texts`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows(textColumns))
	mock.ExpectRollback()

	_, err = takes.CreateTake(context.Background(), "f1.wav", 1, "ghost")
	assert.ErrorIs(t, err, ErrOwnerNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateTake_CommitsBothWrites(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	takes := NewTakeStore(db, brokenFiles{})

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM practice_texts`).
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows(textColumns).AddRow("t1", "Title", "Body", int64(0), 4, int64(1)))
	mock.ExpectExec(`INSERT INTO takes`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`UPDATE practice_texts`).
		WithArgs(sqlmock.AnyArg(), "t1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	take, err := takes.CreateTake(context.Background(), "f1.wav", 0.5, "t1")
	require.NoError(t, err)
	assert.Equal(t, "t1", take.TextID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

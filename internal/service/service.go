package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	"github.com/audiolibrelab/rehearse/internal/audio"
	"github.com/audiolibrelab/rehearse/internal/config"
	"github.com/audiolibrelab/rehearse/internal/session"
	"github.com/audiolibrelab/rehearse/internal/storage"
	"github.com/audiolibrelab/rehearse/internal/store"
)

// ErrNotRecording is returned by StopTake when no take is being recorded
var ErrNotRecording = errors.New("no take is being recorded")

// Service represents the practice operations offered to the CLI and the HTTP server
type Service interface {
	// Text operations
	AddText(ctx context.Context, title, content string) (*store.PracticeText, error)
	ListTexts(ctx context.Context) ([]store.PracticeText, error)
	DeleteText(ctx context.Context, id string) error

	// Recording operations
	StartTake(ctx context.Context, textID string) error
	StopTake(ctx context.Context) (*store.Take, error)
	RecordTake(ctx context.Context, textID string, stop <-chan struct{}) (*store.Take, error)

	// Playback operations
	PlayLatest(ctx context.Context, textID string) (*store.Take, error)
	StartPlayback(ctx context.Context, textID string) (*store.Take, error)
	StopPlayback()

	// Take operations
	ListTakes(ctx context.Context, q store.TakeQuery) ([]store.Take, error)
	DeleteTake(ctx context.Context, id string) error

	// Information operations
	Status() Status
	GetConfig() *config.Config
	GetLastError() string
	OnProgress(fn func(time.Duration))

	Close() error
}

// Status is a snapshot of the coordinator and the take being recorded
type Status struct {
	Recording      session.State `json:"recording"`
	Playback       session.State `json:"playback"`
	TextID         string        `json:"text_id,omitempty"`
	ElapsedSeconds float64       `json:"elapsed_seconds,omitempty"`
	LastError      string        `json:"last_error,omitempty"`
}

// pendingTake is a recording started for a text and not yet saved
type pendingTake struct {
	textID string
	op     *session.Operation
}

// PracticeService is the main service implementation
type PracticeService struct {
	cfg   *config.Config
	db    *sql.DB
	files *storage.Local
	texts *store.TextStore
	takes *store.TakeStore
	coord *session.Coordinator

	mutex   sync.Mutex
	pending *pendingTake

	// Error tracking
	lastError      string
	lastErrorMutex sync.RWMutex
}

var _ Service = (*PracticeService)(nil)

// Open builds the service from configuration: database, recordings
// directory and the configured audio backend.
func Open(cfg *config.Config) (*PracticeService, error) {
	files, err := storage.NewLocal(cfg.Storage.RecordingsDirectory)
	if err != nil {
		return nil, err
	}

	db, err := store.Open(cfg.Storage.Database)
	if err != nil {
		return nil, err
	}

	device, err := audio.NewDevice(cfg)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create audio device: %w", err)
	}

	slog.Debug("Service opened", "database", cfg.Storage.Database, "recordings", files.Root(), "backend", device.Backend())
	return New(cfg, db, files, device), nil
}

// New creates a service on already opened dependencies. The service owns
// db and device from then on.
func New(cfg *config.Config, db *sql.DB, files *storage.Local, device audio.Device) *PracticeService {
	coord := session.New(device, files, session.Options{
		Format:           cfg.Audio.Format,
		Watchdog:         cfg.Session.Watchdog,
		ProgressInterval: cfg.Session.ProgressInterval,
		Strict:           cfg.Session.Strict,
	})
	coord.OnStateChange(func(kind session.Kind, state session.State) {
		slog.Debug("Session state changed", "kind", kind, "state", state)
	})

	return &PracticeService{
		cfg:   cfg,
		db:    db,
		files: files,
		texts: store.NewTextStore(db),
		takes: store.NewTakeStore(db, files),
		coord: coord,
	}
}

// Close releases the audio device and the database
func (s *PracticeService) Close() error {
	coordErr := s.coord.Close()
	dbErr := s.db.Close()
	return errors.Join(coordErr, dbErr)
}

// AddText creates a practice text
func (s *PracticeService) AddText(ctx context.Context, title, content string) (*store.PracticeText, error) {
	return s.texts.Create(ctx, title, content)
}

// ListTexts returns all texts, newest first
func (s *PracticeService) ListTexts(ctx context.Context) ([]store.PracticeText, error) {
	return s.texts.List(ctx, false)
}

// DeleteText deletes a text together with all its takes
func (s *PracticeService) DeleteText(ctx context.Context, id string) error {
	if _, err := s.texts.FindByID(ctx, id); err != nil {
		return err
	}

	s.mutex.Lock()
	recording := s.pending != nil && s.pending.textID == id
	s.mutex.Unlock()
	if recording {
		return fmt.Errorf("%w: a take of this text is being recorded", session.ErrResourceBusy)
	}

	takes, err := s.takes.ListTakes(ctx, store.TakeQuery{TextID: id})
	if err != nil {
		return err
	}
	for _, take := range takes {
		if err := s.takes.DeleteTake(ctx, take.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("failed to delete take %s: %w", take.ID, err)
		}
	}

	if err := s.texts.Delete(ctx, id); err != nil {
		return err
	}
	slog.Info("Text deleted", "text_id", id, "takes", len(takes))
	return nil
}

// StartTake starts recording a take of textID and returns immediately.
// The recording runs until StopTake.
func (s *PracticeService) StartTake(ctx context.Context, textID string) error {
	_, err := s.beginTake(ctx, textID, context.WithoutCancel(ctx))
	return err
}

// StopTake stops the current recording and saves it as a take
func (s *PracticeService) StopTake(ctx context.Context) (*store.Take, error) {
	s.mutex.Lock()
	p := s.pending
	s.pending = nil
	s.mutex.Unlock()

	if p == nil {
		return nil, ErrNotRecording
	}

	s.coord.StopRecording()
	rec, err := p.op.Result()
	return s.saveTake(ctx, p.textID, rec, err)
}

// RecordTake records a take of textID until stop is closed, then saves it.
// Cancelling ctx abandons the take.
func (s *PracticeService) RecordTake(ctx context.Context, textID string, stop <-chan struct{}) (*store.Take, error) {
	p, err := s.beginTake(ctx, textID, ctx)
	if err != nil {
		return nil, err
	}

	select {
	case <-stop:
		take, err := s.StopTake(ctx)
		if errors.Is(err, ErrNotRecording) {
			// The recording failed just before the stop
			_, err = p.op.Result()
		}
		return take, err
	case <-p.op.Done():
		// Ended without a stop: failure or cancellation, already cleaned up
		_, err := p.op.Result()
		return nil, err
	}
}

func (s *PracticeService) beginTake(ctx context.Context, textID string, opCtx context.Context) (*pendingTake, error) {
	s.clearLastError()

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.pending != nil {
		return nil, fmt.Errorf("%w: already recording text %s", session.ErrResourceBusy, s.pending.textID)
	}
	if _, err := s.texts.FindByID(ctx, textID); err != nil {
		return nil, err
	}

	op, err := s.coord.BeginRecording(opCtx)
	if err != nil {
		s.setLastError(fmt.Sprintf("Failed to start recording: %v", err))
		return nil, err
	}

	p := &pendingTake{textID: textID, op: op}
	s.pending = p
	go s.watchTake(p)

	slog.Info("Take started", "text_id", textID, "file", op.FileRef)
	return p, nil
}

// watchTake cleans up a recording that ended before StopTake claimed it
func (s *PracticeService) watchTake(p *pendingTake) {
	<-p.op.Done()

	s.mutex.Lock()
	abandoned := s.pending == p
	if abandoned {
		s.pending = nil
	}
	s.mutex.Unlock()

	if !abandoned {
		return
	}

	rec, err := p.op.Result()
	if session.IsCancelled(err) {
		slog.Info("Take cancelled", "text_id", p.textID)
	} else {
		s.setLastError(fmt.Sprintf("Recording failed: %v", err))
	}
	s.discardFile(rec.FileRef)
}

// saveTake persists a finished recording; the file is removed if that fails
func (s *PracticeService) saveTake(ctx context.Context, textID string, rec session.Recording, recErr error) (*store.Take, error) {
	if recErr != nil {
		s.setLastError(fmt.Sprintf("Recording failed: %v", recErr))
		s.discardFile(rec.FileRef)
		return nil, recErr
	}

	take, err := s.takes.CreateTake(ctx, rec.FileRef, rec.Duration.Seconds(), textID)
	if err != nil {
		s.setLastError(fmt.Sprintf("Failed to save take: %v", err))
		s.discardFile(rec.FileRef)
		return nil, fmt.Errorf("failed to save take: %w", err)
	}
	return take, nil
}

func (s *PracticeService) discardFile(ref string) {
	if ref == "" {
		return
	}
	if err := s.files.Delete(context.Background(), ref); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("Failed to remove unsaved recording", "file", ref, "error", err)
		return
	}
	slog.Debug("Removed unsaved recording", "file", ref)
}

// PlayLatest plays the most recent take of textID and waits until it ends.
// A playback stopped with StopPlayback returns an error matching session.ErrCancelled.
func (s *PracticeService) PlayLatest(ctx context.Context, textID string) (*store.Take, error) {
	take, op, err := s.beginPlayback(ctx, textID, ctx)
	if err != nil {
		return nil, err
	}
	_, err = op.Result()
	return take, err
}

// StartPlayback starts playing the most recent take of textID and returns immediately
func (s *PracticeService) StartPlayback(ctx context.Context, textID string) (*store.Take, error) {
	take, op, err := s.beginPlayback(ctx, textID, context.WithoutCancel(ctx))
	if err != nil {
		return nil, err
	}

	go func() {
		if _, err := op.Result(); err != nil && !session.IsCancelled(err) {
			s.setLastError(fmt.Sprintf("Playback failed: %v", err))
		}
	}()
	return take, nil
}

func (s *PracticeService) beginPlayback(ctx context.Context, textID string, opCtx context.Context) (*store.Take, *session.Operation, error) {
	s.clearLastError()

	take, err := s.takes.LatestTake(ctx, textID)
	if err != nil {
		return nil, nil, err
	}

	op, err := s.coord.BeginPlayback(opCtx, take.FileRef)
	if err != nil {
		return nil, nil, err
	}
	return take, op, nil
}

// StopPlayback stops the current playback, if any
func (s *PracticeService) StopPlayback() {
	s.coord.StopPlaying()
}

// ListTakes returns takes matching q
func (s *PracticeService) ListTakes(ctx context.Context, q store.TakeQuery) ([]store.Take, error) {
	return s.takes.ListTakes(ctx, q)
}

// DeleteTake deletes a take and its audio file
func (s *PracticeService) DeleteTake(ctx context.Context, id string) error {
	return s.takes.DeleteTake(ctx, id)
}

// Status returns the current session state
func (s *PracticeService) Status() Status {
	recording, playback := s.coord.States()
	st := Status{
		Recording: recording,
		Playback:  playback,
		LastError: s.GetLastError(),
	}

	s.mutex.Lock()
	if s.pending != nil {
		st.TextID = s.pending.textID
		st.ElapsedSeconds = time.Since(s.pending.op.StartedAt).Seconds()
	}
	s.mutex.Unlock()

	return st
}

// GetConfig returns the current configuration
func (s *PracticeService) GetConfig() *config.Config {
	return s.cfg
}

// OnProgress registers a receiver of the elapsed recording time
func (s *PracticeService) OnProgress(fn func(time.Duration)) {
	s.coord.OnProgress(fn)
}

// GetLastError returns the last error message (thread-safe)
func (s *PracticeService) GetLastError() string {
	s.lastErrorMutex.RLock()
	defer s.lastErrorMutex.RUnlock()
	return s.lastError
}

// setLastError sets the last error message (thread-safe)
func (s *PracticeService) setLastError(err string) {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = err

	slog.Error("Service error occurred", "error_message", err)
}

// clearLastError clears the last error message (thread-safe)
func (s *PracticeService) clearLastError() {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = ""
}

package service

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/audiolibrelab/rehearse/internal/audio"
	"github.com/audiolibrelab/rehearse/internal/config"
	"github.com/audiolibrelab/rehearse/internal/session"
	"github.com/audiolibrelab/rehearse/internal/storage"
	"github.com/audiolibrelab/rehearse/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedDevice writes a small file on capture and finishes operations
// when stopped, like a well behaved backend.
type scriptedDevice struct {
	mu          sync.Mutex
	handler     audio.EventHandler
	current     *audio.Event
	failCapture bool
	autoFinish  bool
	starts      int
	lastOp      audio.OpID
}

func (d *scriptedDevice) SetEventHandler(h audio.EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = h
}

func (d *scriptedDevice) Configure(audio.Mode) error { return nil }

func (d *scriptedDevice) StartCapture(destination string) (audio.OpID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := os.WriteFile(destination, []byte("RIFF"), 0o644); err != nil {
		return 0, err
	}
	d.starts++
	d.lastOp++
	d.current = &audio.Event{Kind: audio.EventCaptureFinished, Op: d.lastOp, Path: destination}
	return d.lastOp, nil
}

func (d *scriptedDevice) StartPlayback(source string) (audio.OpID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.starts++
	d.lastOp++
	e := audio.Event{Kind: audio.EventPlaybackFinished, Op: d.lastOp, Path: source}
	if d.autoFinish {
		e.Success = true
		go d.handler(e)
		return e.Op, nil
	}
	d.current = &e
	return e.Op, nil
}

func (d *scriptedDevice) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current == nil {
		return
	}
	e := *d.current
	d.current = nil

	switch {
	case e.Kind == audio.EventPlaybackFinished:
		e.Err = audio.ErrStopped
	case d.failCapture:
		e.Err = errors.New("encoder failed")
	default:
		e.Success = true
	}
	go d.handler(e)
}

func (d *scriptedDevice) Close() error { return nil }

func (d *scriptedDevice) startCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.starts
}

func newTestService(t *testing.T) (*PracticeService, *scriptedDevice) {
	t.Helper()

	cfg := config.Default()
	cfg.Storage.RecordingsDirectory = t.TempDir()
	cfg.Session.Watchdog = 2 * time.Second

	db, err := store.Open(":memory:")
	require.NoError(t, err)
	files, err := storage.NewLocal(cfg.Storage.RecordingsDirectory)
	require.NoError(t, err)

	dev := &scriptedDevice{}
	svc := New(cfg, db, files, dev)
	t.Cleanup(func() { svc.Close() })
	return svc, dev
}

func fileExists(t *testing.T, svc *PracticeService, ref string) bool {
	t.Helper()
	ok, err := svc.files.Exists(context.Background(), ref)
	require.NoError(t, err)
	return ok
}

func TestRecordTake_SavesTakeAndStats(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	text, err := svc.AddText(ctx, "Warmup", "Red leather, yellow leather")
	require.NoError(t, err)

	stop := make(chan struct{})
	go func() {
		time.Sleep(30 * time.Millisecond)
		close(stop)
	}()

	take, err := svc.RecordTake(ctx, text.ID, stop)
	require.NoError(t, err)
	assert.Equal(t, text.ID, take.TextID)
	assert.Greater(t, take.DurationSeconds, 0.0)
	assert.True(t, fileExists(t, svc, take.FileRef))

	texts, err := svc.ListTexts(ctx)
	require.NoError(t, err)
	require.Len(t, texts, 1)
	assert.Equal(t, 1, texts[0].PracticeCount)
	assert.NotNil(t, texts[0].LastPracticedAt)
}

func TestStartStopTake(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	text, err := svc.AddText(ctx, "T", "c")
	require.NoError(t, err)

	require.NoError(t, svc.StartTake(ctx, text.ID))
	st := svc.Status()
	assert.Equal(t, session.StateActive, st.Recording)
	assert.Equal(t, text.ID, st.TextID)

	err = svc.StartTake(ctx, text.ID)
	assert.ErrorIs(t, err, session.ErrResourceBusy)

	take, err := svc.StopTake(ctx)
	require.NoError(t, err)
	assert.Equal(t, text.ID, take.TextID)

	st = svc.Status()
	assert.Equal(t, session.StateIdle, st.Recording)
	assert.Empty(t, st.TextID)

	_, err = svc.StopTake(ctx)
	assert.ErrorIs(t, err, ErrNotRecording)
}

func TestStartTake_UnknownText(t *testing.T) {
	svc, dev := newTestService(t)

	err := svc.StartTake(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Zero(t, dev.startCount())
}

func TestStopTake_SaveFailureRemovesFile(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	text, err := svc.AddText(ctx, "T", "c")
	require.NoError(t, err)
	require.NoError(t, svc.StartTake(ctx, text.ID))

	// The owner disappears while recording
	require.NoError(t, svc.texts.Delete(ctx, text.ID))

	svc.mutex.Lock()
	ref := svc.pending.op.FileRef
	svc.mutex.Unlock()
	require.True(t, fileExists(t, svc, ref))

	_, err = svc.StopTake(ctx)
	assert.ErrorIs(t, err, store.ErrOwnerNotFound)
	assert.False(t, fileExists(t, svc, ref))
	assert.NotEmpty(t, svc.GetLastError())
}

func TestStopTake_RecordingFailureRemovesFile(t *testing.T) {
	svc, dev := newTestService(t)
	ctx := context.Background()
	dev.failCapture = true

	text, err := svc.AddText(ctx, "T", "c")
	require.NoError(t, err)
	require.NoError(t, svc.StartTake(ctx, text.ID))

	svc.mutex.Lock()
	ref := svc.pending.op.FileRef
	svc.mutex.Unlock()

	_, err = svc.StopTake(ctx)
	var opErr *session.DeviceOperationError
	require.ErrorAs(t, err, &opErr)
	assert.False(t, fileExists(t, svc, ref))

	takes, err := svc.ListTakes(ctx, store.TakeQuery{})
	require.NoError(t, err)
	assert.Empty(t, takes)
}

func TestRecordTake_ContextCancelAbandonsTake(t *testing.T) {
	svc, _ := newTestService(t)

	text, err := svc.AddText(context.Background(), "T", "c")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = svc.RecordTake(ctx, text.ID, make(chan struct{}))
	assert.True(t, session.IsCancelled(err))

	require.Eventually(t, func() bool { return svc.Status().TextID == "" }, time.Second, 5*time.Millisecond)
	takes, err := svc.ListTakes(context.Background(), store.TakeQuery{})
	require.NoError(t, err)
	assert.Empty(t, takes)
}

func TestPlayLatest(t *testing.T) {
	svc, dev := newTestService(t)
	ctx := context.Background()

	text, err := svc.AddText(ctx, "T", "c")
	require.NoError(t, err)

	_, err = svc.PlayLatest(ctx, text.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	stop := make(chan struct{})
	close(stop)
	first, err := svc.RecordTake(ctx, text.ID, stop)
	require.NoError(t, err)
	second, err := svc.RecordTake(ctx, text.ID, stop)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	dev.mu.Lock()
	dev.autoFinish = true
	dev.mu.Unlock()

	played, err := svc.PlayLatest(ctx, text.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, played.ID)
}

func TestStartPlayback_StopIsNotAnError(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	text, err := svc.AddText(ctx, "T", "c")
	require.NoError(t, err)
	stop := make(chan struct{})
	close(stop)
	_, err = svc.RecordTake(ctx, text.ID, stop)
	require.NoError(t, err)

	_, err = svc.StartPlayback(ctx, text.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StateActive, svc.Status().Playback)

	// Recording is refused while playing
	err = svc.StartTake(ctx, text.ID)
	assert.ErrorIs(t, err, session.ErrResourceBusy)
	svc.clearLastError()

	svc.StopPlayback()
	require.Eventually(t, func() bool { return svc.Status().Playback == session.StateIdle }, time.Second, 5*time.Millisecond)
	assert.Empty(t, svc.GetLastError())
}

func TestPlayLatest_WhileRecordingIsBusy(t *testing.T) {
	svc, dev := newTestService(t)
	ctx := context.Background()

	text, err := svc.AddText(ctx, "T", "c")
	require.NoError(t, err)
	stop := make(chan struct{})
	close(stop)
	_, err = svc.RecordTake(ctx, text.ID, stop)
	require.NoError(t, err)

	require.NoError(t, svc.StartTake(ctx, text.ID))
	starts := dev.startCount()

	_, err = svc.PlayLatest(ctx, text.ID)
	assert.ErrorIs(t, err, session.ErrResourceBusy)
	assert.Equal(t, starts, dev.startCount())

	_, err = svc.StopTake(ctx)
	require.NoError(t, err)
}

func TestDeleteText_CascadesToTakes(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	text, err := svc.AddText(ctx, "T", "c")
	require.NoError(t, err)
	stop := make(chan struct{})
	close(stop)
	take, err := svc.RecordTake(ctx, text.ID, stop)
	require.NoError(t, err)

	require.NoError(t, svc.DeleteText(ctx, text.ID))

	assert.False(t, fileExists(t, svc, take.FileRef))
	takes, err := svc.ListTakes(ctx, store.TakeQuery{})
	require.NoError(t, err)
	assert.Empty(t, takes)
	assert.ErrorIs(t, svc.DeleteText(ctx, text.ID), store.ErrNotFound)
}

func TestDeleteText_RefusedWhileRecording(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	text, err := svc.AddText(ctx, "T", "c")
	require.NoError(t, err)
	require.NoError(t, svc.StartTake(ctx, text.ID))

	assert.ErrorIs(t, svc.DeleteText(ctx, text.ID), session.ErrResourceBusy)

	_, err = svc.StopTake(ctx)
	require.NoError(t, err)
}

// Package session coordinates recording and playback on a single audio device.
//
// The device reports completion asynchronously. The coordinator turns every
// started operation into an Operation that resolves exactly once: with a
// result, a failure or a cancellation. Recording and playback never overlap.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/audiolibrelab/rehearse/internal/audio"
)

// Kind is an operation kind tracked by the coordinator
type Kind string

const (
	KindRecording Kind = "recording"
	KindPlayback  Kind = "playback"
)

// State is the lifecycle state of one operation kind
type State string

const (
	StateIdle       State = "idle"
	StateStarting   State = "starting"
	StateActive     State = "active"
	StateCompleting State = "completing"
	StateFailing    State = "failing"
	StateCancelling State = "cancelling"
)

// FileStore allocates and resolves the files recordings are written to
type FileStore interface {
	Allocate(ext string) string
	Path(ref string) (string, error)
	Exists(ctx context.Context, ref string) (bool, error)
}

// Options tunes a Coordinator
type Options struct {
	// Format is the file extension of new recordings
	Format string
	// Watchdog bounds the wait for a device event after a stop request
	Watchdog time.Duration
	// ProgressInterval is the period of recording progress ticks
	ProgressInterval time.Duration
	// Strict panics on contract violations instead of returning ErrHolderArmed
	Strict bool
}

// Recording is the artifact of a finished recording
type Recording struct {
	FileRef   string
	Path      string
	StartedAt time.Time
	Duration  time.Duration
}

// Operation is the caller's handle on a started recording or playback
type Operation struct {
	Kind      Kind
	FileRef   string
	StartedAt time.Time

	done   chan struct{}
	result Recording
	err    error
}

// Done is closed once the operation is resolved
func (o *Operation) Done() <-chan struct{} {
	return o.done
}

// Result blocks until the operation is resolved
func (o *Operation) Result() (Recording, error) {
	<-o.done
	return o.result, o.err
}

// Wait blocks until the operation is resolved or ctx is done. Giving up
// the wait does not cancel the operation.
func (o *Operation) Wait(ctx context.Context) (Recording, error) {
	select {
	case <-o.done:
		return o.result, o.err
	case <-ctx.Done():
		return Recording{}, ctx.Err()
	}
}

// holder is the pending outcome of one armed operation
type holder struct {
	op    *Operation
	path  string
	devOp audio.OpID // device operation serving this holder

	stopRequested bool
	stopAt        time.Time
	cancelErr     error
	resolved      bool
	watchdog      *time.Timer
}

type transition struct {
	kind  Kind
	state State
}

// Coordinator owns an audio device and serializes every operation on it
type Coordinator struct {
	device audio.Device
	files  FileStore
	opts   Options

	mutex   sync.Mutex
	states  map[Kind]State
	holders map[Kind]*holder
	closed  bool
	notes   []transition

	onState    func(Kind, State)
	onProgress func(time.Duration)

	events chan audio.Event
	notify chan struct{}
	quit   chan struct{}
}

// New creates a coordinator and takes ownership of device
func New(device audio.Device, files FileStore, opts Options) *Coordinator {
	if opts.Format == "" {
		opts.Format = "wav"
	}
	if opts.Watchdog <= 0 {
		opts.Watchdog = 10 * time.Second
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = 100 * time.Millisecond
	}

	c := &Coordinator{
		device:  device,
		files:   files,
		opts:    opts,
		states:  map[Kind]State{KindRecording: StateIdle, KindPlayback: StateIdle},
		holders: map[Kind]*holder{},
		events:  make(chan audio.Event, 16),
		notify:  make(chan struct{}, 1),
		quit:    make(chan struct{}),
	}
	device.SetEventHandler(c.post)
	go c.run()
	go c.deliver()

	return c
}

// OnStateChange registers an observer of every state transition. It is
// called outside the coordinator's lock, from a single goroutine, in the
// order the transitions happened.
func (c *Coordinator) OnStateChange(fn func(Kind, State)) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.onState = fn
}

// OnProgress registers an observer of the elapsed recording time
func (c *Coordinator) OnProgress(fn func(time.Duration)) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.onProgress = fn
}

// State returns the current state of kind
func (c *Coordinator) State(kind Kind) State {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.states[kind]
}

// States returns the recording and playback states read together
func (c *Coordinator) States() (recording, playback State) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.states[KindRecording], c.states[KindPlayback]
}

// StartRecording records until StopRecording is called and returns the
// recorded file. Cancelling ctx stops the recording with a cancellation.
func (c *Coordinator) StartRecording(ctx context.Context) (Recording, error) {
	op, err := c.BeginRecording(ctx)
	if err != nil {
		return Recording{}, err
	}
	return op.Result()
}

// BeginRecording starts a recording into a fresh file and returns without
// waiting for it to end.
func (c *Coordinator) BeginRecording(ctx context.Context) (*Operation, error) {
	c.mutex.Lock()
	defer c.unlock()

	if err := c.checkStartable(KindRecording); err != nil {
		return nil, err
	}

	ref := c.files.Allocate(c.opts.Format)
	path, err := c.files.Path(ref)
	if err != nil {
		return nil, err
	}

	h := c.arm(KindRecording, ref, path)
	if err := c.startDevice(h, audio.ModeCapture, func() (audio.OpID, error) { return c.device.StartCapture(path) }); err != nil {
		return nil, err
	}

	slog.Info("Recording started", "file", ref)
	go c.watchContext(ctx, h)
	go c.tick(h)

	return h.op, nil
}

// StopRecording asks the device to finish the recording. The outcome is
// delivered to the recording's Operation. No-op when nothing is recording.
func (c *Coordinator) StopRecording() {
	c.mutex.Lock()
	defer c.unlock()

	h := c.holders[KindRecording]
	if h == nil {
		return
	}
	c.requestStop(h, nil)
}

// PlayRecording plays fileRef until it ends or StopPlaying is called.
// A stopped playback returns an error matching ErrCancelled.
func (c *Coordinator) PlayRecording(ctx context.Context, fileRef string) error {
	op, err := c.BeginPlayback(ctx, fileRef)
	if err != nil {
		return err
	}
	_, err = op.Result()
	return err
}

// BeginPlayback starts playing fileRef and returns without waiting for it to end
func (c *Coordinator) BeginPlayback(ctx context.Context, fileRef string) (*Operation, error) {
	c.mutex.Lock()
	defer c.unlock()

	if err := c.checkStartable(KindPlayback); err != nil {
		return nil, err
	}

	exists, err := c.files.Exists(ctx, fileRef)
	if err != nil {
		return nil, fmt.Errorf("failed to check %s: %w", fileRef, err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrFileMissing, fileRef)
	}
	path, err := c.files.Path(fileRef)
	if err != nil {
		return nil, err
	}

	h := c.arm(KindPlayback, fileRef, path)
	if err := c.startDevice(h, audio.ModePlayback, func() (audio.OpID, error) { return c.device.StartPlayback(path) }); err != nil {
		return nil, err
	}

	slog.Info("Playback started", "file", fileRef)
	go c.watchContext(ctx, h)

	return h.op, nil
}

// StopPlaying stops the playback; its Operation resolves as cancelled.
// No-op when nothing is playing.
func (c *Coordinator) StopPlaying() {
	c.mutex.Lock()
	defer c.unlock()

	h := c.holders[KindPlayback]
	if h == nil {
		return
	}
	c.requestStop(h, ErrCancelled)
}

// Interrupt fails every pending operation, as when the device is revoked
func (c *Coordinator) Interrupt(reason error) {
	c.mutex.Lock()
	defer c.unlock()
	c.interrupt(reason)
}

// Close fails pending operations and releases the device
func (c *Coordinator) Close() error {
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return nil
	}
	c.closed = true
	c.interrupt(ErrClosed)
	c.unlock()

	close(c.quit)
	return c.device.Close()
}

// checkStartable enforces exclusivity and the single pending holder per kind
func (c *Coordinator) checkStartable(kind Kind) error {
	if c.closed {
		return ErrClosed
	}

	other := KindPlayback
	if kind == KindPlayback {
		other = KindRecording
	}
	if c.states[other] != StateIdle {
		slog.Debug("Rejecting start, device busy", "kind", kind, "busy_with", other)
		return fmt.Errorf("%w: %s in progress", ErrResourceBusy, other)
	}

	if c.holders[kind] != nil {
		if c.opts.Strict {
			panic(fmt.Sprintf("session: %s started while a %s is still pending", kind, kind))
		}
		slog.Error("Refusing to re-arm a pending operation", "kind", kind)
		return fmt.Errorf("%w: %s", ErrHolderArmed, kind)
	}

	return nil
}

func (c *Coordinator) arm(kind Kind, ref, path string) *holder {
	h := &holder{
		op: &Operation{
			Kind:      kind,
			FileRef:   ref,
			StartedAt: time.Now(),
			done:      make(chan struct{}),
		},
		path: path,
	}
	c.holders[kind] = h
	c.setState(kind, StateStarting)
	return h
}

// startDevice configures the device and issues start; on error the holder
// is resolved as failed and the error is returned to the caller as well.
func (c *Coordinator) startDevice(h *holder, mode audio.Mode, start func() (audio.OpID, error)) error {
	kind := h.op.Kind

	if err := c.device.Configure(mode); err != nil {
		err = &DeviceConfigError{Kind: kind, Err: err}
		c.resolve(h, StateFailing, err)
		return err
	}
	devOp, err := start()
	if err != nil {
		err = &DeviceOperationError{Kind: kind, Err: err}
		c.resolve(h, StateFailing, err)
		return err
	}
	h.devOp = devOp

	c.setState(kind, StateActive)
	return nil
}

// requestStop signals the device and leaves resolution to its event or the watchdog
func (c *Coordinator) requestStop(h *holder, cancelErr error) {
	if h.resolved {
		return
	}
	if cancelErr != nil && h.cancelErr == nil {
		h.cancelErr = cancelErr
	}
	if h.stopRequested {
		return
	}

	h.stopRequested = true
	h.stopAt = time.Now()
	slog.Debug("Stop requested", "kind", h.op.Kind, "file", h.op.FileRef)

	c.device.Stop()
	h.watchdog = time.AfterFunc(c.opts.Watchdog, func() { c.expire(h) })
}

func (c *Coordinator) expire(h *holder) {
	c.mutex.Lock()
	defer c.unlock()

	if h.resolved {
		return
	}

	slog.Warn("Device did not report completion, resolving by watchdog", "kind", h.op.Kind, "file", h.op.FileRef, "after", c.opts.Watchdog)
	if h.cancelErr != nil {
		c.resolve(h, StateCancelling, h.cancelErr)
		return
	}
	c.resolve(h, StateFailing, fmt.Errorf("%s: %w", h.op.Kind, ErrWatchdog))
}

func (c *Coordinator) interrupt(reason error) {
	err := ErrInterrupted
	if reason != nil {
		err = fmt.Errorf("%w: %w", ErrInterrupted, reason)
	}

	for _, kind := range []Kind{KindRecording, KindPlayback} {
		h := c.holders[kind]
		if h == nil {
			continue
		}
		if !h.stopRequested {
			h.stopRequested = true
			h.stopAt = time.Now()
			c.device.Stop()
		}
		slog.Warn("Operation interrupted", "kind", kind, "file", h.op.FileRef, "reason", reason)
		c.resolve(h, StateFailing, err)
	}
}

// resolve settles h exactly once and returns its kind to idle
func (c *Coordinator) resolve(h *holder, final State, err error) {
	if h.resolved {
		return
	}
	h.resolved = true
	if h.watchdog != nil {
		h.watchdog.Stop()
	}

	kind := h.op.Kind
	if c.holders[kind] == h {
		delete(c.holders, kind)
	}

	end := h.stopAt
	if end.IsZero() {
		end = time.Now()
	}
	if kind == KindRecording {
		h.op.result = Recording{
			FileRef:   h.op.FileRef,
			Path:      h.path,
			StartedAt: h.op.StartedAt,
			Duration:  end.Sub(h.op.StartedAt),
		}
	}
	h.op.err = err

	c.setState(kind, final)
	c.setState(kind, StateIdle)
	close(h.op.done)

	slog.Debug("Operation resolved", "kind", kind, "outcome", final, "file", h.op.FileRef, "error", err)
}

// post is the device's event handler; events are handled on the coordinator's goroutine
func (c *Coordinator) post(e audio.Event) {
	select {
	case c.events <- e:
	case <-c.quit:
	}
}

func (c *Coordinator) run() {
	for {
		select {
		case e := <-c.events:
			c.handleEvent(e)
		case <-c.quit:
			return
		}
	}
}

func (c *Coordinator) handleEvent(e audio.Event) {
	c.mutex.Lock()
	defer c.unlock()

	switch e.Kind {
	case audio.EventInterrupted:
		if e.Op != 0 && !c.owns(e.Op) {
			slog.Warn("Ignoring stale interruption", "op", e.Op, "path", e.Path)
			return
		}
		c.interrupt(e.Err)
	case audio.EventCaptureFinished:
		c.finish(KindRecording, e)
	case audio.EventPlaybackFinished:
		c.finish(KindPlayback, e)
	default:
		slog.Warn("Ignoring unknown device event", "kind", e.Kind)
	}
}

func (c *Coordinator) finish(kind Kind, e audio.Event) {
	h := c.holders[kind]
	if h == nil || h.devOp != e.Op {
		slog.Warn("Ignoring stale device event", "kind", kind, "op", e.Op, "path", e.Path, "success", e.Success)
		return
	}

	switch {
	case h.cancelErr != nil:
		c.resolve(h, StateCancelling, h.cancelErr)
	case e.Success:
		c.resolve(h, StateCompleting, nil)
	default:
		c.resolve(h, StateFailing, &DeviceOperationError{Kind: kind, Err: e.Err})
	}
}

func (c *Coordinator) owns(op audio.OpID) bool {
	for _, h := range c.holders {
		if h.devOp == op {
			return true
		}
	}
	return false
}

// watchContext cancels h when ctx is done before h resolves
func (c *Coordinator) watchContext(ctx context.Context, h *holder) {
	select {
	case <-h.op.done:
	case <-ctx.Done():
		c.mutex.Lock()
		defer c.unlock()
		c.requestStop(h, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err()))
	}
}

// tick reports elapsed recording time until h resolves
func (c *Coordinator) tick(h *holder) {
	ticker := time.NewTicker(c.opts.ProgressInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.op.done:
			return
		case now := <-ticker.C:
			c.mutex.Lock()
			fn := c.onProgress
			c.mutex.Unlock()
			if fn != nil {
				fn(now.Sub(h.op.StartedAt))
			}
		}
	}
}

func (c *Coordinator) setState(kind Kind, state State) {
	c.states[kind] = state
	c.notes = append(c.notes, transition{kind: kind, state: state})
}

// unlock releases the lock and wakes the observer if transitions were queued
func (c *Coordinator) unlock() {
	queued := len(c.notes) > 0
	c.mutex.Unlock()

	if queued {
		select {
		case c.notify <- struct{}{}:
		default:
		}
	}
}

// deliver is the only caller of the state observer
func (c *Coordinator) deliver() {
	for {
		select {
		case <-c.notify:
			c.flush()
		case <-c.quit:
			c.flush()
			return
		}
	}
}

func (c *Coordinator) flush() {
	c.mutex.Lock()
	notes := c.notes
	c.notes = nil
	fn := c.onState
	c.mutex.Unlock()

	if fn == nil {
		return
	}
	for _, n := range notes {
		fn(n.kind, n.state)
	}
}

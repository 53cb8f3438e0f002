package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/audiolibrelab/rehearse/internal/config"
)

// ExecOptions configures an ExecDevice
type ExecOptions struct {
	Backend     BackendType
	Commands    Commands
	SampleRate  int
	Channels    int
	StopTimeout time.Duration
}

// ExecDevice implements Device by running external capture and playback
// programs (pw-record, arecord, ffmpeg, ...). One program runs at a time.
type ExecDevice struct {
	opts     ExecOptions
	lookPath func(string) (string, error)

	mutex   sync.Mutex
	handler EventHandler
	mode    Mode
	proc    *process
	lastOp  OpID
	closed  bool
}

// process is one running capture or playback program
type process struct {
	cmd  *exec.Cmd
	op   OpID
	kind EventKind
	path string
	done chan struct{}

	// guarded by ExecDevice.mutex
	stopRequested bool
	interrupted   error

	stderr tailBuffer
}

// NewExecDevice creates a device running the given command templates
func NewExecDevice(opts ExecOptions) *ExecDevice {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 5 * time.Second
	}
	return &ExecDevice{
		opts:     opts,
		lookPath: exec.LookPath,
	}
}

// Backend returns the backend the device was built for
func (d *ExecDevice) Backend() BackendType {
	return d.opts.Backend
}

// SetEventHandler registers the receiver of completion events
func (d *ExecDevice) SetEventHandler(h EventHandler) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.handler = h
}

// Configure checks that the program for mode is installed and selects the mode
func (d *ExecDevice) Configure(mode Mode) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.closed {
		return &ConfigError{Mode: mode, Err: ErrDeviceClosed}
	}
	if d.proc != nil {
		return &ConfigError{Mode: mode, Err: ErrDeviceBusy}
	}

	argv := d.template(mode)
	if len(argv) == 0 {
		return &ConfigError{Mode: mode, Err: fmt.Errorf("no %s command for backend %s", mode, d.opts.Backend)}
	}
	if _, err := d.lookPath(argv[0]); err != nil {
		return &ConfigError{Mode: mode, Err: fmt.Errorf("%s not available: %w", argv[0], err)}
	}

	d.mode = mode
	slog.Debug("Audio device configured", "mode", mode, "backend", d.opts.Backend, "program", argv[0])
	return nil
}

// StartCapture starts recording into destination
func (d *ExecDevice) StartCapture(destination string) (OpID, error) {
	if err := os.MkdirAll(filepath.Dir(destination), 0755); err != nil {
		return 0, fmt.Errorf("failed to create output directory: %w", err)
	}
	// Remove any stale file so validation only sees fresh output
	os.Remove(destination)

	return d.start(ModeCapture, EventCaptureFinished, destination)
}

// StartPlayback starts playing source
func (d *ExecDevice) StartPlayback(source string) (OpID, error) {
	if _, err := os.Stat(source); err != nil {
		return 0, fmt.Errorf("audio file not found: %s", source)
	}
	return d.start(ModePlayback, EventPlaybackFinished, source)
}

func (d *ExecDevice) start(mode Mode, kind EventKind, path string) (OpID, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.closed {
		return 0, ErrDeviceClosed
	}
	if d.proc != nil {
		return 0, ErrDeviceBusy
	}
	if d.mode != mode {
		return 0, fmt.Errorf("%w: want %s, configured %q", ErrNotConfigured, mode, d.mode)
	}

	argv := expandTemplate(d.template(mode), path, d.opts.SampleRate, d.opts.Channels)
	p := &process{
		kind: kind,
		path: path,
		done: make(chan struct{}),
	}
	p.cmd = exec.Command(argv[0], argv[1:]...)
	p.cmd.Stderr = &p.stderr
	// Orphaned children must not keep Wait blocked on the stderr pipe
	p.cmd.WaitDelay = time.Second
	// Own process group: a terminal Ctrl+C reaches rehearse, not the program
	p.cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	slog.Debug("Starting audio program", "mode", mode, "command", strings.Join(argv, " "))

	if err := p.cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start %s: %w", argv[0], err)
	}

	d.lastOp++
	p.op = d.lastOp
	d.proc = p
	// The mode is consumed by this operation
	d.mode = ""

	go d.wait(p)

	return p.op, nil
}

// wait reaps the program and raises exactly one event for it
func (d *ExecDevice) wait(p *process) {
	waitErr := p.cmd.Wait()
	close(p.done)

	d.mutex.Lock()
	stopRequested := p.stopRequested
	interrupted := p.interrupted
	if d.proc == p {
		d.proc = nil
	}
	handler := d.handler
	d.mutex.Unlock()

	event := Event{Kind: p.kind, Op: p.op, Path: p.path}

	switch {
	case interrupted != nil:
		event.Kind = EventInterrupted
		event.Err = interrupted
	case p.kind == EventCaptureFinished:
		// After a stop the exit status reflects the signal, not the
		// recording; the output file decides.
		if waitErr != nil && !stopRequested && !interruptedExit(waitErr) {
			event.Err = d.programError(p, waitErr)
		} else if err := validateOutputFile(p.path); err != nil {
			event.Err = err
		} else {
			event.Success = true
		}
	case p.kind == EventPlaybackFinished:
		if stopRequested {
			event.Err = ErrStopped
		} else if waitErr != nil {
			event.Err = d.programError(p, waitErr)
		} else {
			event.Success = true
		}
	}

	slog.Debug("Audio program finished", "kind", event.Kind, "path", event.Path, "success", event.Success, "error", event.Err)

	if handler != nil {
		handler(event)
	}
}

// Stop signals the running program and returns without waiting for it
func (d *ExecDevice) Stop() {
	d.mutex.Lock()
	p := d.proc
	if p == nil || p.stopRequested {
		d.mutex.Unlock()
		return
	}
	p.stopRequested = true
	d.mutex.Unlock()

	d.terminate(p)
}

// Interrupt aborts the running program; its event is reported as EventInterrupted
func (d *ExecDevice) Interrupt(reason error) {
	d.mutex.Lock()
	p := d.proc
	if p == nil {
		d.mutex.Unlock()
		return
	}
	p.stopRequested = true
	if p.interrupted == nil {
		p.interrupted = reason
	}
	d.mutex.Unlock()

	d.terminate(p)
}

// Close interrupts any running program and refuses further operations
func (d *ExecDevice) Close() error {
	d.mutex.Lock()
	d.closed = true
	p := d.proc
	d.mutex.Unlock()

	if p != nil {
		d.Interrupt(ErrDeviceClosed)
		<-p.done
	}

	slog.Debug("Audio device closed")
	return nil
}

// terminate sends SIGINT so the program can finalize its file, then kills it
// if it has not exited within the stop timeout.
func (d *ExecDevice) terminate(p *process) {
	if p.cmd.Process == nil {
		return
	}

	slog.Debug("Sending SIGINT to audio program", "path", p.path)
	if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
		slog.Debug("Failed to send interrupt, falling back to SIGKILL", "error", err)
		p.cmd.Process.Kill()
		return
	}

	go func() {
		select {
		case <-p.done:
		case <-time.After(d.opts.StopTimeout):
			slog.Warn("Audio program did not exit within timeout, force killing", "path", p.path)
			p.cmd.Process.Kill()
		}
	}()
}

func (d *ExecDevice) template(mode Mode) []string {
	switch mode {
	case ModeCapture:
		return d.opts.Commands.Capture
	case ModePlayback:
		return d.opts.Commands.Playback
	}
	return nil
}

func (d *ExecDevice) programError(p *process, err error) error {
	if tail := strings.TrimSpace(p.stderr.String()); tail != "" {
		return fmt.Errorf("%s failed: %w (output: %s)", filepath.Base(p.cmd.Path), err, tail)
	}
	return fmt.Errorf("%s failed: %w", filepath.Base(p.cmd.Path), err)
}

// interruptedExit reports whether a program ended the way capture tools end
// on SIGINT: exit code 255 (ffmpeg) or terminated by the signal itself.
func interruptedExit(err error) bool {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	if exitErr.ExitCode() == 255 {
		return true
	}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		sig := status.Signal()
		return sig == syscall.SIGINT || sig == syscall.SIGTERM || sig == syscall.SIGKILL
	}
	return false
}

// expandTemplate substitutes the placeholders of an argv template
func expandTemplate(argv []string, file string, rate, channels int) []string {
	r := strings.NewReplacer(
		config.PlaceholderFile, file,
		config.PlaceholderRate, strconv.Itoa(rate),
		config.PlaceholderChannels, strconv.Itoa(channels),
	)
	out := make([]string, len(argv))
	for i, arg := range argv {
		out[i] = r.Replace(arg)
	}
	return out
}

// validateOutputFile validates the created output file
func validateOutputFile(path string) error {
	fileInfo, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("recording file not found: %s", path)
	}
	if fileInfo.Size() == 0 {
		return fmt.Errorf("recording failed: file is empty")
	}
	slog.Debug("Output file validated", "path", path, "size", fileInfo.Size())
	return nil
}

// tailBuffer keeps the last bytes written by a program's stderr
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
}

const tailSize = 2048

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > tailSize {
		t.buf = t.buf[len(t.buf)-tailSize:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

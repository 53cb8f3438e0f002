package audio

import (
	"errors"
	"fmt"
)

// Mode selects what the device is prepared to do next
type Mode string

const (
	ModeCapture  Mode = "capture"
	ModePlayback Mode = "playback"
)

// EventKind identifies an asynchronous device notification
type EventKind string

const (
	EventCaptureFinished  EventKind = "capture_finished"
	EventPlaybackFinished EventKind = "playback_finished"
	EventInterrupted      EventKind = "interrupted"
)

var (
	ErrNotConfigured = errors.New("device not configured for this operation")
	ErrDeviceBusy    = errors.New("device is already running an operation")
	ErrDeviceClosed  = errors.New("device closed")
	ErrStopped       = errors.New("stopped before completion")
)

// OpID identifies one started capture or playback. Zero is never issued.
type OpID uint64

// Event is raised by a device when a started operation ends
type Event struct {
	Kind    EventKind
	Op      OpID   // operation that ended; zero for device-wide interruptions
	Path    string // capture destination or playback source
	Success bool
	Err     error
}

// EventHandler receives device events. It may be called from any goroutine.
type EventHandler func(Event)

// Device drives capture and playback hardware. Start calls return as soon as
// the operation is running; completion is reported through the EventHandler,
// exactly once per started operation.
type Device interface {
	SetEventHandler(h EventHandler)
	Configure(mode Mode) error
	StartCapture(destination string) (OpID, error)
	StartPlayback(source string) (OpID, error)
	// Stop asks the running operation to end and returns immediately
	Stop()
	Close() error
}

// ConfigError reports that the device could not be prepared for a mode
type ConfigError struct {
	Mode Mode
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("audio %s setup failed: %v", e.Mode, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

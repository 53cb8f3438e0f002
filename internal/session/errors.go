package session

import (
	"errors"
	"fmt"
)

var (
	// ErrResourceBusy is returned when recording and playback would overlap
	ErrResourceBusy = errors.New("audio resource busy")
	// ErrFileMissing is returned when a playback source does not exist
	ErrFileMissing = errors.New("audio file missing")
	// ErrCancelled resolves operations stopped by the caller
	ErrCancelled = errors.New("operation cancelled")
	// ErrHolderArmed reports an attempt to start a kind that is still pending
	ErrHolderArmed = errors.New("operation already pending")
	// ErrWatchdog resolves operations whose device never reported completion
	ErrWatchdog = errors.New("device did not report completion in time")
	// ErrInterrupted resolves operations aborted by a device interruption
	ErrInterrupted = errors.New("audio session interrupted")
	// ErrClosed is returned once the coordinator has been closed
	ErrClosed = errors.New("coordinator closed")
)

// DeviceConfigError reports that the device could not be set up for an operation.
// The coordinator stays usable.
type DeviceConfigError struct {
	Kind Kind
	Err  error
}

func (e *DeviceConfigError) Error() string {
	return fmt.Sprintf("%s setup failed: %v", e.Kind, e.Err)
}

func (e *DeviceConfigError) Unwrap() error {
	return e.Err
}

// DeviceOperationError reports an encode or decode failure of a running operation
type DeviceOperationError struct {
	Kind Kind
	Err  error
}

func (e *DeviceOperationError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Kind, e.Err)
}

func (e *DeviceOperationError) Unwrap() error {
	return e.Err
}

// IsCancelled reports whether err is a cancellation rather than a failure
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

package capture

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by Append after Close.
	ErrClosed = errors.New("capture sink closed")
	// ErrQueueFull is returned by Append under OverflowFail when the queue is full.
	ErrQueueFull = errors.New("capture queue full")
	// ErrAlreadyInitialized is returned by Guard.Acquire when a sink with a
	// different configuration is already open.
	ErrAlreadyInitialized = errors.New("capture sink already initialized")
	// ErrLocked means another process holds the output file.
	ErrLocked = errors.New("output file locked by another process")
)

// Kind classifies a CaptureError.
type Kind string

const (
	KindWriteFailed Kind = "write_failed"
	KindQueueFull   Kind = "queue_full"
	KindClosed      Kind = "closed"
	KindCanceled    Kind = "canceled"
)

// CaptureError reports a record the sink did not persist.
type CaptureError struct {
	Op       string
	Kind     Kind
	RecordID string
	Err      error
}

func (e *CaptureError) Error() string {
	if e.RecordID != "" {
		return fmt.Sprintf("capture: %s %s: %s: %v", e.Op, e.RecordID, e.Kind, e.Err)
	}
	return fmt.Sprintf("capture: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// InitError is returned when a sink cannot be created. It is fatal: nothing
// can be archived without the output file.
type InitError struct {
	Path string
	Err  error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("capture: init %s: %v", e.Path, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

package anpr

import (
	"errors"
	"fmt"
)

var ErrAlreadyStarted = errors.New("stream session already started")

// TransportError is a connection-level failure that survived the
// reconnection policy.
type TransportError struct {
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// StreamError is a failure reported by the remote detection pipeline.
type StreamError struct {
	Message string
}

func (e *StreamError) Error() string {
	return "detection stream error: " + e.Message
}

package paperwatch

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedEvent is wrapped by every DecodeError.
	ErrMalformedEvent = errors.New("malformed progress event")

	// ErrTrackerClosed is returned by Tracker operations after Close.
	ErrTrackerClosed = errors.New("tracker closed")
)

// DecodeError describes a transport message that could not be turned into an
// Event. Such messages are dropped by the multiplexer.
type DecodeError struct {
	Reason string
	Cause  error
}

func (e *DecodeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", ErrMalformedEvent, e.Reason, e.Cause)
	}
	return fmt.Sprintf("%s: %s", ErrMalformedEvent, e.Reason)
}

func (e *DecodeError) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrMalformedEvent, e.Cause}
	}
	return []error{ErrMalformedEvent}
}

func decodeError(reason string, cause error) *DecodeError {
	return &DecodeError{Reason: reason, Cause: cause}
}

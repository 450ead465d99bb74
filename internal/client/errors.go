package client

import (
	"errors"
	"fmt"
)

var (
	// ErrRequestTimeout means one attempt exceeded RequestTimeout. It is never
	// retried.
	ErrRequestTimeout = errors.New("request timeout")
	// ErrTransport matches every *TransportError.
	ErrTransport = errors.New("transport error")
	// ErrMaxAttemptsExceeded wraps the last TransportError of an exhausted call.
	ErrMaxAttemptsExceeded = errors.New("max attempts exceeded")
	// ErrChannel is the class of event channel failures.
	ErrChannel = errors.New("channel error")
	// ErrMaxReconnectsExceeded is terminal for the event channel until the
	// next Connect.
	ErrMaxReconnectsExceeded = errors.New("max reconnects exceeded")
)

// TransportError is a retryable request failure: the request never got a
// response, or the response was not 2xx.
type TransportError struct {
	Op         string
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: HTTP %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

package restclient

import (
	"errors"
	"fmt"
)

// ErrTransport matches every failure reported by the client, whether the
// request never completed or the server answered with a non-2xx status.
var ErrTransport = errors.New("restclient: transport failure")

// StatusError is a completed request answered with a non-2xx status.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string

	// ErrCode and Message are taken from a JSON error body when present.
	ErrCode string
	Message string
}

func (e *StatusError) Error() string {
	if e.ErrCode != "" {
		return fmt.Sprintf("unexpected status: %s %s -> %d code=%s message=%q", e.Method, e.Path, e.Code, e.ErrCode, e.Message)
	}
	return fmt.Sprintf("unexpected status: %s %s -> %d body=%q", e.Method, e.Path, e.Code, e.Body)
}

func (e *StatusError) Is(target error) bool { return target == ErrTransport }

// TransportError is a request that failed before a response was read.
type TransportError struct {
	Method string
	Path   string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("request failed: %s %s: %v", e.Method, e.Path, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

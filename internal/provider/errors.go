package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrBackendNotConfigured indicates the requested backend is absent from the registry.
var ErrBackendNotConfigured = errors.New("backend not configured")

// ErrUnsupportedModel indicates the backend does not allow the requested model.
var ErrUnsupportedModel = errors.New("unsupported model")

// ErrNoUsableCandidate indicates a response whose first candidate has neither text nor a tool call.
var ErrNoUsableCandidate = errors.New("no usable candidate in response")

// BackendError reports a failed exchange with a backend: transport failure,
// non-2xx status, or a body that could not be decoded.
type BackendError struct {
	Backend    string
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *BackendError) Error() string {
	msg := fmt.Sprintf("backend %s %s", e.Backend, e.Op)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": status %d", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *BackendError) Unwrap() error { return e.Err }

// Retryable reports whether repeating the same request could succeed:
// transport failures, rate limiting and server-side errors are retryable;
// client errors, malformed payloads and cancellation are not.
func (e *BackendError) Retryable() bool {
	if errors.Is(e.Err, context.Canceled) || errors.Is(e.Err, context.DeadlineExceeded) {
		return false
	}
	var decodeErr *DecodeError
	if errors.As(e.Err, &decodeErr) {
		return false
	}
	if e.StatusCode == 0 {
		return e.Err != nil
	}
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

// DecodeError reports a backend payload that does not match the expected schema.
type DecodeError struct {
	Backend string
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s response: %v", e.Backend, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

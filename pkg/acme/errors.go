package acme

import (
	"errors"
	"fmt"
	"time"
)

// ProtocolError reports a malformed or semantically invalid server response:
// an unexpected status code, a resource-type mismatch on unmarshal, or a
// missing required field. It is never retried by this package.
type ProtocolError struct {
	// Type is the problem-document type URN, if the server supplied one.
	Type string
	// Detail is a human-readable description of what went wrong.
	Detail string
	// StatusCode is the HTTP status that triggered the error, or 0 when the
	// error was detected locally.
	StatusCode int
}

func (e *ProtocolError) Error() string {
	switch {
	case e.Type != "" && e.StatusCode != 0:
		return fmt.Sprintf("acme: %s (%s, HTTP %d)", e.Detail, e.Type, e.StatusCode)
	case e.StatusCode != 0:
		return fmt.Sprintf("acme: %s (HTTP %d)", e.Detail, e.StatusCode)
	default:
		return "acme: " + e.Detail
	}
}

// TransportError wraps a network or TLS level failure from the underlying
// connection. It is propagated unchanged and never swallowed or retried.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("acme: request to %s failed: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RetryAfterError is not a failure. It signals that the server accepted a
// poll, the local resource state has already been updated from the response
// body, and the caller should try again no earlier than RetryAfter.
type RetryAfterError struct {
	// RetryAfter is the absolute time before which polling again is pointless.
	RetryAfter time.Time
	// Status is the resource status after the partial update was applied.
	Status Status
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("acme: retry after %s (status %s)", e.RetryAfter.Format(time.RFC3339), e.Status)
}

// IsRetryAfter unpacks a RetryAfterError from err, if there is one.
func IsRetryAfter(err error) (*RetryAfterError, bool) {
	var ra *RetryAfterError
	if errors.As(err, &ra) {
		return ra, true
	}
	return nil, false
}

// problemError builds a ProtocolError from an HTTP status and an optional
// problem document body.
func problemError(status int, doc map[string]any) *ProtocolError {
	pe := &ProtocolError{StatusCode: status, Detail: "unexpected server response"}
	if doc == nil {
		return pe
	}
	if t, ok := doc["type"].(string); ok {
		pe.Type = t
	}
	if d, ok := doc["detail"].(string); ok && d != "" {
		pe.Detail = d
	}
	return pe
}

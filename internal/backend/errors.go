package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
)

// connectionError signals the backend is unreachable. Retryable.
type connectionError struct{ err error }

func (e connectionError) Error() string { return "backend unreachable: " + e.err.Error() }
func (e connectionError) Unwrap() error { return e.err }

// ErrConnection wraps err as a connection error.
func ErrConnection(err error) error { return connectionError{err: err} }

// IsConnection reports whether err indicates an unreachable backend.
func IsConnection(err error) bool {
	var ce connectionError
	return errors.As(err, &ce)
}

// timeoutError signals a request exceeded its effective timeout. Retryable.
type timeoutError struct{ err error }

func (e timeoutError) Error() string { return "backend request timed out: " + e.err.Error() }
func (e timeoutError) Unwrap() error { return e.err }

// ErrTimeout wraps err as a timeout error.
func ErrTimeout(err error) error { return timeoutError{err: err} }

// IsTimeout reports whether err indicates a timed-out backend request.
func IsTimeout(err error) bool {
	var te timeoutError
	return errors.As(err, &te)
}

// apiError signals the backend answered with a 4xx/5xx or a malformed body.
// Treated as non-transient: never retried.
type apiError struct {
	status int
	msg    string
}

func (e apiError) Error() string {
	if e.status > 0 {
		return fmt.Sprintf("backend api error (status %d): %s", e.status, e.msg)
	}
	return "backend api error: " + e.msg
}

// ErrAPI constructs an apiError from an HTTP status and message.
func ErrAPI(status int, msg string) error { return apiError{status: status, msg: msg} }

// IsAPI reports whether err indicates a backend-side API failure.
func IsAPI(err error) bool {
	var ae apiError
	return errors.As(err, &ae)
}

// classifyTransport maps an error from http.Client.Do onto the taxonomy.
// Deadline and net timeouts become timeoutError, everything else that broke
// before an HTTP response becomes connectionError.
func classifyTransport(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return timeoutError{err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return timeoutError{err: err}
	}
	var ue *url.Error
	if errors.As(err, &ue) && ue.Timeout() {
		return timeoutError{err: err}
	}
	return connectionError{err: err}
}

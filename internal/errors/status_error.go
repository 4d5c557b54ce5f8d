package errors

import (
	"errors"
	"time"
)

// StatusError carries an upstream HTTP status together with the raw body so
// the dispatch engine can classify it. RetryAfter is populated from the
// Retry-After header or an RFC 9457 style body hint when available.
type StatusError struct {
	Code       int
	Msg        string
	RetryAfter *time.Duration
}

func (e StatusError) Error() string { return e.Msg }

// StatusCode returns the upstream HTTP status.
func (e StatusError) StatusCode() int { return e.Code }

// AsStatusError extracts a StatusError from an error chain.
func AsStatusError(err error) (StatusError, bool) {
	var se StatusError
	if errors.As(err, &se) {
		return se, true
	}
	return StatusError{}, false
}

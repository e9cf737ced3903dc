package crm

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// RateLimitError is returned for HTTP 429 responses.
type RateLimitError struct {
	// RetryAfter is the server-supplied wait, zero when absent.
	RetryAfter time.Duration
	Message    string
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (retry after %s): %s", e.RetryAfter, e.Message)
	}
	return fmt.Sprintf("rate limited: %s", e.Message)
}

// DuplicateError is returned when the portal rejects a create because a
// record with the same unique value exists.
type DuplicateError struct {
	ExistingID string
	Message    string
}

func (e *DuplicateError) Error() string {
	if e.ExistingID != "" {
		return fmt.Sprintf("duplicate record (existing id %s): %s", e.ExistingID, e.Message)
	}
	return fmt.Sprintf("duplicate record: %s", e.Message)
}

// ClientError is a non-retryable 4xx response.
type ClientError struct {
	StatusCode int
	Message    string
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("client error %d: %s", e.StatusCode, e.Message)
}

// ServerError is a retryable 5xx response.
type ServerError struct {
	StatusCode int
	Message    string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.StatusCode, e.Message)
}

// UnavailableError means the portal could not be reached at all.
type UnavailableError struct {
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("portal unavailable: %v", e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// ErrNotFound is wrapped by ClientError-producing lookups of missing records.
var ErrNotFound = errors.New("record not found")

// IsRetryable reports whether err should be retried with backoff.
// Rate limits, server errors and unreachable portals are retryable.
func IsRetryable(err error) bool {
	var rl *RateLimitError
	var se *ServerError
	var ue *UnavailableError
	return errors.As(err, &rl) || errors.As(err, &se) || errors.As(err, &ue)
}

// RetryAfterHint returns the server-supplied retry delay carried by err.
func RetryAfterHint(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		return rl.RetryAfter, true
	}
	return 0, false
}

// IsNotFound reports whether err is a 404 or ErrNotFound.
func IsNotFound(err error) bool {
	if errors.Is(err, ErrNotFound) {
		return true
	}
	var ce *ClientError
	return errors.As(err, &ce) && ce.StatusCode == http.StatusNotFound
}

// IsUnavailable reports whether the portal itself could not be reached.
func IsUnavailable(err error) bool {
	var ue *UnavailableError
	return errors.As(err, &ue)
}

// IsDuplicate returns the duplicate error carried by err, if any.
func IsDuplicate(err error) (*DuplicateError, bool) {
	var de *DuplicateError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

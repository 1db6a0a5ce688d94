package fetch

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

type ErrorKind string

const (
	KindTransport ErrorKind = "transport"
	KindStatus    ErrorKind = "http-status"
	KindTimeout   ErrorKind = "timeout"
	KindRateLimit ErrorKind = "rate-limit-exceeded"
	KindParse     ErrorKind = "parse"
)

// Error is the error surfaced to monitors once retries are exhausted.
type Error struct {
	Kind       ErrorKind
	URL        string
	Status     int
	Attempts   int
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindStatus:
		return fmt.Sprintf("fetch %s: http-status(%d) after %d attempt(s)", e.URL, e.Status, e.Attempts)
	case KindRateLimit:
		return fmt.Sprintf("fetch %s: rate limited after %d attempt(s)", e.URL, e.Attempts)
	}
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of a fetch error, or "" for foreign errors.
func KindOf(err error) ErrorKind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Retryable reports whether a status code is worth another attempt.
func Retryable(status int) bool {
	return status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500
}

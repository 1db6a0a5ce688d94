package notifier

import (
	"context"
	"errors"
	"time"

	"feedwatch/internal/event"
	"feedwatch/internal/format"
)

type Kind string

const (
	KindTelegram Kind = "telegram"
	KindDiscord  Kind = "discord"
	KindSlack    Kind = "slack"
	KindWebhook  Kind = "webhook"
	KindSound    Kind = "sound"
	KindToast    Kind = "toast"
	KindPhone    Kind = "phone"
)

// Part is one ordered piece of a rendered event.
type Part struct {
	Event   event.Event
	Payload format.Payload
	Index   int
	Total   int
	Text    string
}

// Channel is a single delivery destination.
type Channel interface {
	Name() string
	Kind() Kind
	Markup() format.Markup
	// Limits returns the soft and hard part length in runes.
	Limits() (soft, hard int)
	Send(ctx context.Context, p Part) error
}

// Filter is implemented by channels that only take some events.
type Filter interface {
	Accepts(ev event.Event) bool
}

// Closer is implemented by channels holding resources.
type Closer interface {
	Close() error
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// NoRetry marks err as not worth retrying.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func isPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string { return e.err.Error() }
func (e retryAfterError) Unwrap() error { return e.err }

// RetryAfter asks the service to wait d before the next attempt.
func RetryAfter(err error, d time.Duration) error {
	if err == nil {
		return nil
	}
	return retryAfterError{err: err, after: d}
}

func retryAfterOf(err error) (time.Duration, bool) {
	var ra retryAfterError
	if errors.As(err, &ra) && ra.after > 0 {
		return ra.after, true
	}
	return 0, false
}

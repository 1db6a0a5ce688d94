package notifier

import (
	"errors"
	"time"
)

var (
	ErrUnknownGroup = errors.New("unknown channel group")
	ErrNoChannels   = errors.New("channel group has no channels")
	ErrDuplicate    = errors.New("duplicate channel name")
)

// Config controls retries and bookkeeping shared by all channels.
type Config struct {
	// RetryMax is the number of extra attempts per part.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// SendTimeout bounds a single channel call.
	SendTimeout time.Duration
	HistorySize int
}

type HistoryItem struct {
	At      time.Time
	Channel string
	Text    string
}

// NotificationEvent is published on the event bus after each channel attempt.
// Keep it small; Data may be logged/serialized by subscribers.
type NotificationEvent struct {
	Channel     string    `json:"channel"`
	Kind        Kind      `json:"kind"`
	Source      string    `json:"source"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	Parts       int       `json:"parts"`
	At          time.Time `json:"at"`
	Error       string    `json:"error,omitempty"`
}

type Status string

const (
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// ChannelResult is the outcome for one channel of a group.
type ChannelResult struct {
	Channel  string
	Kind     Kind
	Status   Status
	Parts    int
	Sent     int
	Attempts int
	Err      error
}

// Result is the outcome of one delivery across a group, in group order.
type Result struct {
	Group    string
	Channels []ChannelResult
}

// OK reports whether at least one channel delivered every part.
func (r Result) OK() bool { return r.Succeeded() > 0 }

func (r Result) Succeeded() int { return r.count(StatusSent) }
func (r Result) Failed() int    { return r.count(StatusFailed) }
func (r Result) Skipped() int   { return r.count(StatusSkipped) }

func (r Result) count(st Status) int {
	n := 0
	for _, c := range r.Channels {
		if c.Status == st {
			n++
		}
	}
	return n
}

// ByChannel returns the per-channel result map.
func (r Result) ByChannel() map[string]ChannelResult {
	out := make(map[string]ChannelResult, len(r.Channels))
	for _, c := range r.Channels {
		out[c.Channel] = c
	}
	return out
}

// Err joins the errors of failed channels; nil when none failed.
func (r Result) Err() error {
	var errs []error
	for _, c := range r.Channels {
		if c.Status == StatusFailed && c.Err != nil {
			errs = append(errs, errors.New(c.Channel+": "+c.Err.Error()))
		}
	}
	return errors.Join(errs...)
}

package monitor

import (
	"context"
	"errors"
	"time"

	"feedwatch/internal/event"
	"feedwatch/internal/extract"
	"feedwatch/internal/fetch"
	"feedwatch/internal/notifier"
	"feedwatch/internal/source"
)

var (
	// ErrStale rejects a cached body served for a source that does not allow it.
	ErrStale = errors.New("monitor: stale response rejected")
	// ErrUndelivered marks a cycle that ran but left events undelivered.
	ErrUndelivered = errors.New("monitor: events undelivered")
)

const (
	DefaultPacing             = 2 * time.Second
	DefaultFailureThreshold   = 3
	DefaultHighlightThreshold = 7
	DefaultGroup              = "default"
)

type Fetcher interface {
	Fetch(ctx context.Context, req source.Request) (*fetch.Response, error)
}

type Extractor interface {
	Extract(d source.Descriptor, body []byte, baseURL string) (extract.Result, error)
}

type Notifier interface {
	Deliver(ctx context.Context, ev event.Event, group string) (notifier.Result, error)
}

type Config struct {
	// Pacing separates consecutive deliveries of one cycle. Negative disables it.
	Pacing time.Duration
	// FailureThreshold is the number of consecutive failed cycles that
	// triggers one failure alert. Negative disables alerts.
	FailureThreshold int
	// AlertGroup receives failure and recovery alerts; empty means the
	// source's own group.
	AlertGroup         string
	DefaultGroup       string
	HighlightThreshold int
}

func (c Config) withDefaults() Config {
	if c.Pacing == 0 {
		c.Pacing = DefaultPacing
	}
	if c.Pacing < 0 {
		c.Pacing = 0
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.DefaultGroup == "" {
		c.DefaultGroup = DefaultGroup
	}
	if c.HighlightThreshold <= 0 {
		c.HighlightThreshold = DefaultHighlightThreshold
	}
	return c
}

// Stats summarises one cycle.
type Stats struct {
	Fetched        int  `json:"fetched"`
	Extracted      int  `json:"extracted"`
	Dropped        int  `json:"dropped"`
	New            int  `json:"new"`
	Delta          int  `json:"delta"`
	Unchanged      int  `json:"unchanged"`
	Delivered      int  `json:"delivered"`
	Failed         int  `json:"failed"`
	FailedChannels int  `json:"failed_channels"`
	Stale          bool `json:"stale,omitempty"`
}

// CycleEvent is published on the bus when a cycle starts or ends.
type CycleEvent struct {
	Source   string        `json:"source"`
	CycleID  string        `json:"cycle_id"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration,omitempty"`
	Stats    Stats         `json:"stats"`
	Error    string        `json:"error,omitempty"`
}

// Health is the per-source view exposed on /status.
type Health struct {
	Source         string    `json:"source"`
	Label          string    `json:"label"`
	Policy         string    `json:"policy"`
	Group          string    `json:"group"`
	Cycles         uint64    `json:"cycles"`
	LastRun        time.Time `json:"last_run,omitempty"`
	LastSuccess    time.Time `json:"last_success,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	ConsecutiveErr int       `json:"consecutive_failures"`
	Alerting       bool      `json:"alerting"`
	LastStats      Stats     `json:"last_stats"`
}

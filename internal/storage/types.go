package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrClosed  = errors.New("storage closed")
	ErrNoPath  = errors.New("storage path is required")
	ErrEmptyFP = errors.New("empty fingerprint")
)

// Config configures storage.
type Config struct {
	// Path of the database file; ":memory:" keeps everything in-process.
	Path        string
	BusyTimeout time.Duration // 0 means 5s
}

// Record is one dedup row.
type Record struct {
	Fingerprint string
	SourceID    string
	FirstSeen   time.Time
	LastSeen    time.Time
}

// Value is one prior value row.
type Value struct {
	SourceID  string
	Key       string
	Field     string
	Value     string
	UpdatedAt time.Time
}

// Store is the persistence API used by monitors and the prune command.
//
// Monitors of different sources work on disjoint key spaces; monitors of the
// same source are serialized by the scheduler. Record is insert-or-ignore, so a
// contains-then-record sequence never loses an insert.
type Store interface {
	Contains(ctx context.Context, fp string) (bool, error)
	// BulkContains returns the subset of fps that are not recorded yet.
	BulkContains(ctx context.Context, fps []string) (missing map[string]bool, err error)
	// Record inserts fp if absent and reports whether it was new. An existing
	// row only has its last_seen refreshed.
	Record(ctx context.Context, fp, sourceID string, now time.Time) (inserted bool, err error)
	// Touch refreshes last_seen of the recorded fps; unknown fps are ignored.
	Touch(ctx context.Context, fps []string, now time.Time) error
	// Prune deletes dedup rows whose last_seen is before olderThan.
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
	Get(ctx context.Context, fp string) (Record, bool, error)

	LastValue(ctx context.Context, sourceID, key, field string) (Value, bool, error)
	PutLastValue(ctx context.Context, v Value) error
	// Snapshot returns key -> value for one (source, field) pair.
	Snapshot(ctx context.Context, sourceID, field string) (map[string]string, error)
	// ReplaceSnapshot atomically swaps the (source, field) rows for values.
	ReplaceSnapshot(ctx context.Context, sourceID, field string, values map[string]string, now time.Time) error

	Close() error
}

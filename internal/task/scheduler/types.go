package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"feedwatch/internal/eventbus"
	"feedwatch/internal/task/engine"
	logx "feedwatch/pkg/logx"
)

type Config struct {
	Timezone string // IANA TZ, e.g. "Europe/Berlin"
	// StartupSpread bounds the random delay of the first resident run of
	// each job. 0 uses 5s; negative disables the immediate first run.
	StartupSpread time.Duration
}

// Job is one recurring unit, typically one source.
type Job struct {
	Name     string
	Schedule string
	Timeout  time.Duration
	Run      func(ctx context.Context) error
}

type scheduleDef struct {
	job     Job
	spec    ParsedSpec
	entryID cron.EntryID
	spread  time.Duration
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	bus eventbus.Bus

	engine *engine.Service

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

type ScheduleInfo struct {
	Name    string        `json:"name"`
	Spec    string        `json:"spec"`
	Timeout time.Duration `json:"timeout"`
	Spread  time.Duration `json:"startup_spread"`
	Next    time.Time     `json:"next"`
	Prev    time.Time     `json:"prev"`
	Running bool          `json:"running"`
}

type Snapshot struct {
	Timezone  string          `json:"timezone"`
	Engine    engine.Snapshot `json:"engine"`
	Schedules []ScheduleInfo  `json:"schedules"`
}

package scheduler

import (
	"hash/fnv"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// firstRunSchedule overrides the first activation of a base schedule.
type firstRunSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *firstRunSchedule) Next(t time.Time) time.Time {
	if !s.first.IsZero() && t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

var spreadSeq uint64

// withStartupSpread makes base fire once shortly after now, at a random
// offset below spreadMax, then follow its normal cadence.
func withStartupSpread(base cron.Schedule, now time.Time, spreadMax time.Duration, tag string) (cron.Schedule, time.Duration) {
	if spreadMax <= 0 {
		return &firstRunSchedule{base: base, first: now.Add(time.Second).Truncate(time.Second)}, 0
	}
	seed := time.Now().UnixNano() ^ int64(atomic.AddUint64(&spreadSeq, 1)) ^ int64(fnv64a(tag))
	rng := rand.New(rand.NewSource(seed))
	jitter := time.Duration(rng.Int63n(int64(spreadMax)))
	// cron works at whole seconds; a fractional first slot would shorten the
	// next interval.
	first := now.Add(time.Second + jitter).Truncate(time.Second)
	return &firstRunSchedule{base: base, first: first}, jitter
}

func fnv64a(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"feedwatch/internal/task/engine"
	logx "feedwatch/pkg/logx"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     SpecKind
		source   string
		duration time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", kind: SpecCron, source: "cron"},
		{name: "cron with seconds", raw: "*/30 * * * * *", kind: SpecCron, source: "cron"},
		{name: "descriptor", raw: "@every 90s", kind: SpecCron, source: "cron"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: SpecCron, source: "cron"},
		{name: "duration", raw: "10m", kind: SpecInterval, source: "duration", duration: 10 * time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: SpecInterval, source: "duration", duration: 45 * time.Second},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, source: "hhmm", duration: 90 * time.Minute},
		{name: "seconds", raw: "300", kind: SpecInterval, source: "seconds", duration: 5 * time.Minute},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Source != tt.source {
				t.Fatalf("Source = %s, want %s", got.Source, tt.source)
			}
			if tt.kind == SpecInterval && got.Every != tt.duration {
				t.Fatalf("Every = %v, want %v", got.Every, tt.duration)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "0", "-5m", "* * *", "01:75"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestStartupSpreadFirstRun(t *testing.T) {
	t.Parallel()

	ps, _ := ParseSchedule("1h")
	base, _ := ps.Schedule()
	for _, now := range []time.Time{
		time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 1, 1, 0, 0, 0, 740_000_000, time.UTC),
	} {
		for _, spread := range []time.Duration{5 * time.Second, 0} {
			sched, jitter := withStartupSpread(base, now, spread, "forum")
			if jitter < 0 || (spread > 0 && jitter >= spread) {
				t.Fatalf("jitter %v out of range", jitter)
			}
			first := sched.Next(now)
			if !first.After(now) || first.After(now.Add(6*time.Second)) {
				t.Fatalf("first run %v not within spread of %v", first, now)
			}
			if first.Nanosecond() != 0 {
				t.Fatalf("first run %v is not on a whole second", first)
			}
			if second := sched.Next(first); second.Sub(first) != time.Hour {
				t.Fatalf("cadence after first run: %v", second.Sub(first))
			}
		}
	}
}

func TestRunOnceRunsEveryJob(t *testing.T) {
	t.Parallel()

	eng := engine.New(engine.Config{Workers: 3, QueueSize: 8}, logx.Nop(), nil)
	eng.Start(context.Background())
	defer eng.Stop(context.Background())

	s := New(Config{}, eng, logx.Nop(), nil)
	var runs atomic.Int32
	boom := errors.New("boom")
	for _, name := range []string{"a", "b", "c"} {
		name := name
		err := s.Add(Job{Name: name, Schedule: "1m", Run: func(context.Context) error {
			runs.Add(1)
			if name == "b" {
				return boom
			}
			return nil
		}})
		if err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	res := s.RunOnce()
	if runs.Load() != 3 {
		t.Fatalf("runs=%d want 3", runs.Load())
	}
	if len(res) != 3 || res["a"] != nil || res["c"] != nil || !errors.Is(res["b"], boom) {
		t.Fatalf("unexpected results: %v", res)
	}
}

func TestAddReplacesByName(t *testing.T) {
	t.Parallel()

	s := New(Config{}, nil, logx.Nop(), nil)
	run := func(context.Context) error { return nil }
	_ = s.Add(Job{Name: "a", Schedule: "1m", Run: run})
	_ = s.Add(Job{Name: "a", Schedule: "2m", Run: run})
	jobs := s.Jobs()
	if len(jobs) != 1 || jobs[0].Schedule != "2m" {
		t.Fatalf("jobs: %+v", jobs)
	}
	if err := s.Add(Job{Name: "b", Schedule: "bogus", Run: run}); err == nil {
		t.Fatalf("expected schedule error")
	}
}

func TestResidentTriggersAfterSpread(t *testing.T) {
	t.Parallel()

	eng := engine.New(engine.Config{Workers: 1}, logx.Nop(), nil)
	eng.Start(context.Background())
	defer eng.Stop(context.Background())

	s := New(Config{StartupSpread: time.Millisecond}, eng, logx.Nop(), nil)
	fired := make(chan struct{}, 1)
	_ = s.Add(Job{Name: "a", Schedule: "1h", Run: func(context.Context) error {
		select {
		case fired <- struct{}{}:
		default:
		}
		return nil
	}})
	s.Start(context.Background())
	defer s.Stop(context.Background())

	select {
	case <-fired:
	case <-time.After(4 * time.Second):
		t.Fatalf("first resident run never fired")
	}
	snap := s.Snapshot()
	if len(snap.Schedules) != 1 || snap.Schedules[0].Next.IsZero() {
		t.Fatalf("snapshot: %+v", snap)
	}
}

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"feedwatch/internal/eventbus"
	"feedwatch/internal/task/engine"
	logx "feedwatch/pkg/logx"
)

const defaultStartupSpread = 5 * time.Second

func New(cfg Config, eng *engine.Service, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:         cfg,
		log:         log,
		bus:         bus,
		engine:      eng,
		parser:      cronParser,
		lastEnqWarn: map[string]time.Time{},
	}
}

// Add registers a job. Names are unique; adding a name again replaces it.
func (s *Service) Add(j Job) error {
	j.Name = strings.TrimSpace(j.Name)
	if j.Name == "" {
		return errors.New("job name required")
	}
	if j.Run == nil {
		return fmt.Errorf("job %s: Run is nil", j.Name)
	}
	ps, err := ParseSchedule(j.Schedule)
	if err != nil {
		return fmt.Errorf("job %s: %w", j.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(j.Name)
	s.defs = append(s.defs, scheduleDef{job: j, spec: ps})
	if s.c != nil {
		return s.addCronLocked(&s.defs[len(s.defs)-1], time.Now())
	}
	return nil
}

func (s *Service) removeLocked(name string) {
	n := 0
	for _, d := range s.defs {
		if d.job.Name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
}

// Jobs returns the registered jobs in registration order.
func (s *Service) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.defs))
	for _, d := range s.defs {
		out = append(out, d.job)
	}
	return out
}

// Start begins resident triggering. Every job fires once after a random
// startup spread, then on its own cadence.
func (s *Service) Start(ctx context.Context) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	now := time.Now().In(loc)
	for i := range s.defs {
		if err := s.addCronLocked(&s.defs[i], now); err != nil {
			s.log.Error("schedule register failed", logx.String("name", s.defs[i].job.Name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) addCronLocked(d *scheduleDef, now time.Time) error {
	base, err := d.spec.Schedule()
	if err != nil {
		return err
	}
	sched := base
	d.spread = 0
	if s.cfg.StartupSpread >= 0 {
		spread := s.cfg.StartupSpread
		if spread == 0 {
			spread = defaultStartupSpread
		}
		sched, d.spread = withStartupSpread(base, now, spread, d.job.Name)
	}
	job := d.job
	d.entryID = s.c.Schedule(sched, cron.FuncJob(func() { s.trigger(job) }))
	s.log.Debug("schedule registered",
		logx.String("name", job.Name),
		logx.String("spec", d.spec.String()),
		logx.Duration("startup_spread", d.spread))
	return nil
}

func (s *Service) trigger(j Job) {
	if s.engine == nil {
		return
	}
	err := s.engine.Enqueue(engine.Task{Name: j.Name, Key: j.Name, Timeout: j.Timeout, Run: j.Run})
	if err != nil {
		s.reportEnqueueError(j.Name, err)
	}
}

// Stop stops triggering. Cycles already handed to the engine keep running;
// the engine's own Stop bounds them.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	for i := range s.defs {
		s.defs[i].entryID = 0
	}
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

// RunOnce enqueues every registered job once and waits for all of them. The
// result maps job name to its error; a job the engine refused carries the
// enqueue error. Cancellation reaches the jobs through the engine.
func (s *Service) RunOnce() map[string]error {
	jobs := s.Jobs()
	out := make(map[string]error, len(jobs))
	if s.engine == nil {
		for _, j := range jobs {
			out[j.Name] = engine.ErrStopped
		}
		return out
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, j := range jobs {
		name := j.Name
		wg.Add(1)
		err := s.engine.Enqueue(engine.Task{
			Name:    name,
			Key:     name,
			Timeout: j.Timeout,
			Run:     j.Run,
			Done: func(err error) {
				mu.Lock()
				out[name] = err
				mu.Unlock()
				wg.Done()
			},
		})
		if err != nil {
			wg.Done()
			mu.Lock()
			out[name] = err
			mu.Unlock()
			s.reportEnqueueError(name, err)
		}
	}

	// Every accepted task reports through Done, even when the engine stops
	// before running it.
	wg.Wait()
	return out
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

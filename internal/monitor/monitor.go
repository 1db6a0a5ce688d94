package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"feedwatch/internal/event"
	"feedwatch/internal/eventbus"
	"feedwatch/internal/source"
	"feedwatch/internal/storage"
	logx "feedwatch/pkg/logx"
)

// Deps are the collaborators of a Monitor. Now and Sleep are optional.
type Deps struct {
	Fetcher   Fetcher
	Extractor Extractor
	Store     storage.Store
	Notifier  Notifier
	Log       logx.Logger
	Bus       eventbus.Bus

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Monitor runs the fetch, extract, diff and deliver cycle of one source.
// Cycles of one Monitor must not overlap; the scheduler guarantees that.
type Monitor struct {
	d   source.Descriptor
	cfg Config

	fetcher   Fetcher
	extractor Extractor
	store     storage.Store
	notifier  Notifier
	log       logx.Logger
	bus       eventbus.Bus
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	health Health
}

func New(d source.Descriptor, deps Deps, cfg Config) (*Monitor, error) {
	if deps.Fetcher == nil || deps.Extractor == nil || deps.Store == nil || deps.Notifier == nil {
		return nil, errors.New("monitor: fetcher, extractor, store and notifier are required")
	}
	if d.ID == "" {
		return nil, errors.New("monitor: source id is required")
	}
	cfg = cfg.withDefaults()
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Sleep == nil {
		deps.Sleep = sleepCtx
	}
	m := &Monitor{
		d:         d,
		cfg:       cfg,
		fetcher:   deps.Fetcher,
		extractor: deps.Extractor,
		store:     deps.Store,
		notifier:  deps.Notifier,
		log:       deps.Log.With(logx.String("source", d.ID)),
		bus:       deps.Bus,
		now:       deps.Now,
		sleep:     deps.Sleep,
	}
	m.health = Health{Source: d.ID, Label: d.DisplayName(), Policy: d.Policy.String(), Group: m.group()}
	return m, nil
}

func (m *Monitor) Source() source.Descriptor { return m.d }

func (m *Monitor) Health() Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.health
}

func (m *Monitor) group() string {
	if m.d.Group != "" {
		return m.d.Group
	}
	return m.cfg.DefaultGroup
}

// RunOnce executes one cycle. A non-nil error wrapping ErrUndelivered means
// the cycle completed but some events could not be delivered; any other
// error is a failed cycle.
func (m *Monitor) RunOnce(ctx context.Context) (Stats, error) {
	cycleID := NewCycleID()
	started := m.now()
	log := m.log.With(logx.String("cycle", cycleID))
	eventbus.Publish(m.bus, eventbus.CycleStarted, CycleEvent{Source: m.d.ID, CycleID: cycleID, Started: started})

	st, err := m.cycle(ctx, cycleID, log)
	dur := m.now().Sub(started)

	ce := CycleEvent{Source: m.d.ID, CycleID: cycleID, Started: started, Duration: dur, Stats: st}
	fields := []logx.Field{
		logx.Int("fetched", st.Fetched),
		logx.Int("extracted", st.Extracted),
		logx.Int("dropped", st.Dropped),
		logx.Int("new", st.New),
		logx.Int("delta", st.Delta),
		logx.Int("unchanged", st.Unchanged),
		logx.Int("delivered", st.Delivered),
		logx.Int("failed", st.Failed),
		logx.Int("failed_channels", st.FailedChannels),
		logx.Duration("dur", dur),
	}
	if err != nil {
		ce.Error = err.Error()
		log.Warn("cycle finished with errors", append(fields, logx.Err(err))...)
		eventbus.Publish(m.bus, eventbus.CycleFailed, ce)
	} else {
		log.Info("cycle finished", fields...)
		eventbus.Publish(m.bus, eventbus.CycleFinished, ce)
	}

	m.track(ctx, cycleID, started, st, err, log)
	return st, err
}

func (m *Monitor) cycle(ctx context.Context, cycleID string, log logx.Logger) (Stats, error) {
	var st Stats

	resp, err := m.fetcher.Fetch(ctx, m.d.Request)
	if err != nil {
		st.Failed = 1
		return st, fmt.Errorf("fetch: %w", err)
	}
	st.Fetched = 1
	st.Stale = resp.Stale
	if resp.Stale && !m.d.AllowStale {
		st.Failed = 1
		return st, ErrStale
	}

	res, err := m.extractor.Extract(m.d, resp.Body, resp.URL)
	if err != nil {
		st.Failed = 1
		return st, fmt.Errorf("extract: %w", err)
	}
	st.Extracted = len(res.Items)
	st.Dropped = res.Dropped

	now := m.now()
	p, err := m.classify(ctx, res.Items, now, log)
	if err != nil {
		st.Failed = 1
		return st, err
	}
	st.Dropped += p.dropped
	st.Unchanged = p.unchanged
	for _, c := range p.candidates {
		switch c.ev.Class {
		case event.ClassNew:
			st.New++
		case event.ClassDelta:
			st.Delta++
		}
	}

	group := m.group()
	undelivered := 0
	for i, c := range p.candidates {
		if i > 0 && m.cfg.Pacing > 0 {
			if err := m.sleep(ctx, m.cfg.Pacing); err != nil {
				undelivered += len(p.candidates) - i
				break
			}
		}
		ev := c.ev
		ev.CycleID = cycleID
		ev.CapturedAt = m.now()

		r, err := m.notifier.Deliver(ctx, ev, group)
		if err != nil {
			// Unknown or empty group: nothing in this cycle can be delivered.
			undelivered += len(p.candidates) - i
			st.Failed += len(p.candidates) - i
			return st, fmt.Errorf("deliver: %w", err)
		}
		st.FailedChannels += r.Failed()
		if !r.OK() {
			undelivered++
			st.Failed++
			eventbus.Publish(m.bus, eventbus.EventUndeliv, ev)
			log.Warn("event undelivered", logx.String("key", ev.Item.Key), logx.String("fingerprint", ev.Fingerprint), logx.Err(r.Err()))
			continue
		}
		if err := c.commit(ctx, m.now()); err != nil {
			st.Failed++
			return st, fmt.Errorf("record %s: %w", ev.Fingerprint, err)
		}
		st.Delivered++
		eventbus.Publish(m.bus, eventbus.EventDelivered, ev)
	}

	if undelivered > 0 {
		return st, fmt.Errorf("%w: %d of %d", ErrUndelivered, undelivered, len(p.candidates))
	}
	if p.finish != nil {
		if err := p.finish(ctx, m.now()); err != nil {
			st.Failed++
			return st, fmt.Errorf("finish: %w", err)
		}
	}
	return st, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

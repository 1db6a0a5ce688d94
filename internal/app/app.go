package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"feedwatch/internal/config"
	"feedwatch/internal/eventbus"
	"feedwatch/internal/extract"
	"feedwatch/internal/fetch"
	"feedwatch/internal/format"
	"feedwatch/internal/monitor"
	"feedwatch/internal/notifier"
	"feedwatch/internal/observability/status"
	"feedwatch/internal/runtime/supervisor"
	"feedwatch/internal/storage"
	"feedwatch/internal/task/engine"
	"feedwatch/internal/task/scheduler"
	logx "feedwatch/pkg/logx"
	"feedwatch/pkg/systemd"
)

// ErrPartial is returned by RunOnce when at least one source cycle failed.
var ErrPartial = errors.New("one or more source cycles failed")

type Options struct {
	ConfigPath string
	// Getenv resolves env overrides and secrets; nil means os.Getenv.
	Getenv func(string) string
	// HTTPClient overrides the client of the fetcher and webhooks.
	HTTPClient *http.Client
	// Log replaces the configured logging (tests).
	Log *logx.Logger
}

type App struct {
	opt  Options
	cfg  *config.Config
	cfgm *config.ConfigManager

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	sup  *supervisor.Supervisor

	store    storage.Store
	fetcher  *fetch.Fetcher
	notif    *notifier.Service
	monitors []*monitor.Monitor
	engine   *engine.Service
	sched    *scheduler.Service
	status   *status.Service
	sd       *systemd.Notifier

	started time.Time
	ready   atomic.Bool
}

// New loads the config (secrets required) and wires every component. Nothing
// runs until Start or RunOnce.
func New(opt Options) (*App, error) {
	if opt.Getenv == nil {
		opt.Getenv = os.Getenv
	}
	cfgm := config.NewConfigManager(opt.ConfigPath, config.LoadOptions{Getenv: opt.Getenv, RequireSecrets: true})
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	var (
		logSvc *logx.Service
		log    logx.Logger
	)
	if opt.Log != nil {
		log = *opt.Log
	} else {
		logSvc, log = logx.New(mapLogConfig(cfg))
	}
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{opt: opt, cfg: cfg, cfgm: cfgm, log: log.With(logx.String("comp", "app")), logs: logSvc, bus: eventbus.New()}
	if err := a.wire(); err != nil {
		a.closeResources()
		return nil, err
	}
	return a, nil
}

func (a *App) wire() error {
	cfg := a.cfg
	log := a.log

	if err := monitor.InitIDs(1); err != nil {
		return err
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	if a.store, err = storage.Open(sc, log.With(logx.String("comp", "storage"))); err != nil {
		return err
	}

	fo, err := mapFetchOptions(cfg)
	if err != nil {
		return err
	}
	fo.Client = a.opt.HTTPClient
	fo.Getenv = a.opt.Getenv
	fo.Log = log.With(logx.String("comp", "fetch"))
	if bc, on := mapBrowserConfig(cfg); on {
		fo.Renderer = fetch.NewBrowser(bc, log.With(logx.String("comp", "browser")))
	}
	a.fetcher = fetch.New(fo)

	nc, err := mapNotifierConfig(cfg)
	if err != nil {
		return err
	}
	a.notif = notifier.New(nc, format.New(format.WithLocation(loc)), log.With(logx.String("comp", "notifier")), a.bus)
	resolved, err := cfg.ResolveChannels(a.opt.Getenv)
	if err != nil {
		return err
	}
	if err := registerChannels(a.notif, cfg, resolved, a.opt.HTTPClient); err != nil {
		return err
	}

	descs, err := cfg.Descriptors()
	if err != nil {
		return err
	}
	mc, err := mapMonitorConfig(cfg)
	if err != nil {
		return err
	}
	ex := extract.New(log.With(logx.String("comp", "extract")))
	for _, d := range descs {
		m, err := monitor.New(d, monitor.Deps{
			Fetcher:   a.fetcher,
			Extractor: ex,
			Store:     a.store,
			Notifier:  a.notif,
			Log:       log.With(logx.String("comp", "monitor")),
			Bus:       a.bus,
		}, mc)
		if err != nil {
			return err
		}
		a.monitors = append(a.monitors, m)
	}

	ec, err := mapEngineConfig(cfg, len(a.monitors))
	if err != nil {
		return err
	}
	a.engine = engine.New(ec, log.With(logx.String("comp", "engine")), a.bus)
	schc, err := mapSchedulerConfig(cfg)
	if err != nil {
		return err
	}
	a.sched = scheduler.New(schc, a.engine, log.With(logx.String("comp", "scheduler")), a.bus)
	for _, m := range a.monitors {
		if err := a.sched.Add(scheduler.Job{
			Name:     m.Source().ID,
			Schedule: m.Source().Schedule,
			Run: func(ctx context.Context) error {
				_, err := m.RunOnce(ctx)
				return err
			},
		}); err != nil {
			return fmt.Errorf("source %s: %w", m.Source().ID, err)
		}
	}

	a.status = status.New(mapStatusConfig(cfg, a.opt.Getenv), a, log.With(logx.String("comp", "status")))
	a.sd = systemd.New(cfg.Systemd.Notify, log.With(logx.String("comp", "systemd")))
	return nil
}

// Config returns the config the app was built from.
func (a *App) Config() *config.Config { return a.cfg }

// Bus exposes lifecycle events to embedders and tests.
func (a *App) Bus() eventbus.Bus { return a.bus }

// RunOnce runs every source exactly once in parallel and waits. It returns
// ErrPartial when any cycle failed; the per-source errors are in the map.
// Resources are released before it returns.
func (a *App) RunOnce(ctx context.Context) (map[string]error, error) {
	defer a.closeResources()
	a.started = time.Now()
	a.logBanner()

	a.engine.Start(ctx)
	results := a.sched.RunOnce()
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	a.engine.Stop(stopCtx)
	cancel()

	var failed []string
	for name, err := range results {
		if err != nil {
			failed = append(failed, name)
			a.log.Warn("source failed", logx.String("source", name), logx.Err(err))
		}
	}
	sort.Strings(failed)
	a.log.Info("one-shot pass finished",
		logx.Int("sources", len(results)),
		logx.Int("failed", len(failed)),
		logx.Duration("took", time.Since(a.started)))
	if len(failed) > 0 {
		return results, fmt.Errorf("%w: %s", ErrPartial, strings.Join(failed, ", "))
	}
	if err := ctx.Err(); err != nil {
		return results, err
	}
	return results, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start brings up resident mode: banner, triggers, retention, config watch,
// status server and systemd readiness.
func (a *App) Start(ctx context.Context) error {
	a.started = time.Now()
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// Cycles outlive the signal; Stop drains them within the shutdown timeout.
	a.engine.Start(context.WithoutCancel(ctx))

	a.logBanner()
	a.announce(a.sup.Context())

	a.sched.Start(a.sup.Context())
	a.status.Start(a.sup.Context())

	retention, every, err := mapRetention(a.cfg)
	if err != nil {
		return err
	}
	a.sup.Go0("retention", func(c context.Context) { a.retentionLoop(c, retention, every) })

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					a.logEvent(e)
				}
			}
		})
	}

	a.startConfigReload()
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go("systemd.watchdog", a.sd.Watchdog)

	a.ready.Store(true)
	a.sd.Ready(fmt.Sprintf("watching %d sources", len(a.monitors)))
	a.log.Info("app started", logx.Int("sources", len(a.monitors)))
	return nil
}

func (a *App) logEvent(e eventbus.Event) {
	switch e.Type {
	case eventbus.SourceDown, eventbus.SourceUp:
		if s, ok := e.Data.(monitor.SourceStateEvent); ok {
			a.log.Info("source state changed",
				logx.String("type", e.Type),
				logx.String("source", s.Source),
				logx.Int("consecutive", s.Consecutive))
			a.sd.Status(fmt.Sprintf("%s %s", s.Source, e.Type))
			return
		}
	}
	a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
}

func (a *App) startConfigReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				sections, attrs, restart := config.SummarizeConfigChange(lastApplied, newCfg)
				lastApplied = newCfg
				if len(sections) == 0 {
					a.log.Info("config reloaded (no changes)")
					continue
				}
				if a.logs != nil {
					a.logs.Apply(mapLogConfig(newCfg))
				}
				fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
				if restart {
					a.log.Warn("config changed; restart required for changes other than logging", fields...)
				} else {
					a.log.Info("config reloaded", fields...)
				}
			}
		}
	})
}

func (a *App) retentionLoop(ctx context.Context, retention, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			n, err := a.store.Prune(ctx, now.Add(-retention))
			if err != nil {
				a.log.Warn("retention prune failed", logx.Err(err))
				continue
			}
			a.log.Info("retention prune", logx.Int64("deleted", n), logx.Duration("older_than", retention))
		}
	}
}

// Stop shuts resident mode down: triggers first, then in-flight cycles
// (bounded by scheduler.shutdown_timeout), then the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.ready.Store(false)
	a.sd.Stopping()

	a.sup.Cancel()

	shutdown, err := config.ParseDurationOrDefault("scheduler.shutdown_timeout", a.cfg.Scheduler.ShutdownTimeout, 30*time.Second)
	if err != nil {
		shutdown = 30 * time.Second
	}

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("engine", shutdown, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("status", time.Second, func(c context.Context) error { a.status.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("resources", 2*time.Second, func(context.Context) error { a.closeResources(); return nil })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) closeResources() {
	if a.notif != nil {
		if err := a.notif.Close(); err != nil {
			a.log.Warn("notifier close failed", logx.Err(err))
		}
	}
	if a.fetcher != nil {
		if err := a.fetcher.Close(); err != nil {
			a.log.Warn("fetcher close failed", logx.Err(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil && !errors.Is(err, storage.ErrClosed) {
			a.log.Warn("storage close failed", logx.Err(err))
		}
	}
}

// Report implements status.Reporter.
func (a *App) Report() any {
	health := make([]monitor.Health, 0, len(a.monitors))
	for _, m := range a.monitors {
		health = append(health, m.Health())
	}
	return struct {
		Started   time.Time              `json:"started"`
		Uptime    string                 `json:"uptime"`
		Sources   []monitor.Health       `json:"sources"`
		Scheduler scheduler.Snapshot     `json:"scheduler"`
		Fetch     fetch.Stats            `json:"fetch"`
		Channels  []notifier.ChannelInfo `json:"channels"`
	}{
		Started:   a.started,
		Uptime:    time.Since(a.started).Truncate(time.Second).String(),
		Sources:   health,
		Scheduler: a.sched.Snapshot(),
		Fetch:     a.fetcher.Stats(),
		Channels:  a.notif.Channels(),
	}
}

func (a *App) Ready() bool { return a.ready.Load() }

package app

import (
	"strings"
	"time"

	"feedwatch/internal/config"
	"feedwatch/internal/fetch"
	"feedwatch/internal/monitor"
	"feedwatch/internal/notifier"
	"feedwatch/internal/observability/status"
	"feedwatch/internal/storage"
	"feedwatch/internal/task/engine"
	"feedwatch/internal/task/scheduler"
	logx "feedwatch/pkg/logx"
)

// The map* helpers turn validated config sections into component configs.
// Durations were checked by config.Validate, so parse errors here are
// unexpected but still surfaced.

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Path: cfg.Storage.Path, BusyTimeout: busy}, nil
}

func mapFetchOptions(cfg *config.Config) (fetch.Options, error) {
	fc := cfg.Fetch
	var (
		opt fetch.Options
		err error
	)
	opt.UserAgent = fc.UserAgent
	opt.MaxAttempts = fc.MaxAttempts
	opt.MaxBodyBytes = fc.MaxBodyBytes
	if opt.Timeout, err = config.ParseDurationField("fetch.timeout", fc.Timeout); err != nil {
		return opt, err
	}
	if opt.RetryBase, err = config.ParseDurationField("fetch.retry_base", fc.RetryBase); err != nil {
		return opt, err
	}
	if opt.HostInterval, err = config.ParseDurationField("fetch.host_interval", fc.HostInterval); err != nil {
		return opt, err
	}
	if opt.CacheTTL, err = config.ParseDurationField("fetch.cache_ttl", fc.CacheTTL); err != nil {
		return opt, err
	}
	if len(fc.HostIntervals) > 0 {
		opt.HostIntervals = make(map[string]time.Duration, len(fc.HostIntervals))
		for host, raw := range fc.HostIntervals {
			d, err := config.ParseDurationField("fetch.host_intervals."+host, raw)
			if err != nil {
				return opt, err
			}
			opt.HostIntervals[host] = d
		}
	}
	return opt, nil
}

func mapBrowserConfig(cfg *config.Config) (fetch.BrowserConfig, bool) {
	b := cfg.Fetch.Browser
	return fetch.BrowserConfig{RemoteURL: b.RemoteURL, Bin: b.Bin, Headless: !b.Headful}, b.Enabled
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	nc := cfg.Notifier
	out := notifier.Config{RetryMax: 3, HistorySize: nc.HistorySize}
	if nc.RetryMax != nil {
		out.RetryMax = *nc.RetryMax
	}
	var err error
	if out.RetryBase, err = config.ParseDurationOrDefault("notifier.retry_base", nc.RetryBase, time.Second); err != nil {
		return out, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationOrDefault("notifier.retry_max_delay", nc.RetryMaxDelay, 30*time.Second); err != nil {
		return out, err
	}
	if out.SendTimeout, err = config.ParseDurationOrDefault("notifier.send_timeout", nc.SendTimeout, 20*time.Second); err != nil {
		return out, err
	}
	return out, nil
}

// mapEngineConfig sizes the pool at one worker per source, capped by
// scheduler.max_workers, unless workers is set explicitly.
func mapEngineConfig(cfg *config.Config, sources int) (engine.Config, error) {
	sc := cfg.Scheduler
	workers := sc.Workers
	if workers <= 0 {
		workers = sources
		if workers > sc.MaxWorkers && sc.MaxWorkers > 0 {
			workers = sc.MaxWorkers
		}
	}
	if workers <= 0 {
		workers = 1
	}
	// One-shot mode enqueues every source at once; none may be turned away.
	queue := sc.QueueSize
	if queue <= 0 {
		queue = engine.DefaultQueueSize
	}
	if queue < sources {
		queue = sources
	}
	timeout, err := config.ParseDurationField("scheduler.cycle_timeout", sc.CycleTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Workers:        workers,
		QueueSize:      queue,
		DefaultTimeout: timeout,
		HistorySize:    sc.HistorySize,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	spread, err := config.ParseSignedDuration("scheduler.startup_spread", cfg.Scheduler.StartupSpread)
	if err != nil {
		return scheduler.Config{}, err
	}
	if spread == 0 && strings.TrimSpace(cfg.Scheduler.StartupSpread) != "" {
		// "0s" means run immediately, not "use the default".
		spread = time.Nanosecond
	}
	return scheduler.Config{Timezone: cfg.Timezone, StartupSpread: spread}, nil
}

func mapMonitorConfig(cfg *config.Config) (monitor.Config, error) {
	pacing := monitor.DefaultPacing
	if strings.TrimSpace(cfg.Monitor.Pacing) != "" {
		d, err := config.ParseDurationField("monitor.pacing", cfg.Monitor.Pacing)
		if err != nil {
			return monitor.Config{}, err
		}
		pacing = d
		if d == 0 {
			pacing = -1 // explicit "0s" disables pacing
		}
	}
	return monitor.Config{
		Pacing:             pacing,
		FailureThreshold:   cfg.Monitor.FailureAlertAfter,
		AlertGroup:         cfg.Monitor.AlertGroup,
		DefaultGroup:       cfg.Groups[0].Name,
		HighlightThreshold: cfg.HighlightThreshold,
	}, nil
}

func mapRetention(cfg *config.Config) (retention, every time.Duration, err error) {
	if retention, err = config.ParseDurationOrDefault("monitor.retention", cfg.Monitor.Retention, 720*time.Hour); err != nil {
		return 0, 0, err
	}
	if every, err = config.ParseDurationOrDefault("monitor.prune_every", cfg.Monitor.PruneEvery, 24*time.Hour); err != nil {
		return 0, 0, err
	}
	return retention, every, nil
}

func mapStatusConfig(cfg *config.Config, getenv func(string) string) status.Config {
	sc := cfg.Status
	token := sc.Token
	if token == "" && sc.TokenEnv != "" {
		token = getenv(sc.TokenEnv)
	}
	return status.Config{
		Enabled:       sc.Enabled,
		Addr:          sc.Addr,
		Token:         token,
		AllowInsecure: sc.AllowInsecure,
		Pprof:         sc.Pprof,
	}
}

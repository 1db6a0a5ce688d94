package config

import (
	"encoding/json"
	"fmt"
)

// Config is the on-disk configuration. Durations are Go duration strings;
// plain integers are read as seconds.
type Config struct {
	// Mode is "resident" (default) or "once"; run --once overrides it.
	Mode    string        `json:"mode,omitempty"`
	Logging LoggingConfig `json:"logging"`

	// Timezone is the IANA zone used for cron schedules and timestamps (RUN_TIMEZONE).
	Timezone string `json:"timezone,omitempty"`
	// HighlightThreshold marks events with score >= value (HIGHLIGHT_THRESHOLD, default 7).
	HighlightThreshold int `json:"highlight_threshold,omitempty"`
	// CheckInterval is the schedule of sources without their own (CHECK_INTERVAL).
	CheckInterval Schedule `json:"check_interval,omitempty"`

	Storage   StorageConfig   `json:"storage"`
	Fetch     FetchConfig     `json:"fetch"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Monitor   MonitorConfig   `json:"monitor"`
	Notifier  NotifierConfig  `json:"notifier"`
	Status    StatusConfig    `json:"status"`
	Systemd   SystemdConfig   `json:"systemd"`

	Channels []ChannelConfig `json:"channels,omitempty"`
	Groups   []GroupConfig   `json:"groups,omitempty"`
	Sources  []SourceConfig  `json:"sources"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Format  string      `json:"format,omitempty"` // console (default) or json
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig locates the sqlite database (DB_PATH).
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type FetchConfig struct {
	UserAgent    string `json:"user_agent,omitempty"`
	Timeout      string `json:"timeout,omitempty"`
	RetryBase    string `json:"retry_base,omitempty"`
	MaxAttempts  int    `json:"max_attempts,omitempty"`
	HostInterval string `json:"host_interval,omitempty"`
	// HostIntervals overrides the minimum interval for specific host keys.
	HostIntervals map[string]string `json:"host_intervals,omitempty"`
	CacheTTL      string            `json:"cache_ttl,omitempty"`
	MaxBodyBytes  int64             `json:"max_body_bytes,omitempty"`
	Browser       BrowserConfig     `json:"browser"`
}

// BrowserConfig enables the headless renderer for sources with render: browser.
type BrowserConfig struct {
	Enabled   bool   `json:"enabled"`
	RemoteURL string `json:"remote_url,omitempty"`
	Bin       string `json:"bin,omitempty"`
	// Headful shows the browser window; useful when debugging selectors.
	Headful bool `json:"headful,omitempty"`
}

// SchedulerConfig controls triggers and the worker pool.
//
// Defaults:
//   - workers: one per enabled source, capped by max_workers
//   - max_workers: 8
//   - queue_size: 256
//   - startup_spread: "5s" (use "-1s" to skip the start-up run)
//   - shutdown_timeout: "30s"
//   - cycle_timeout: "0s" (disabled)
type SchedulerConfig struct {
	Workers         int    `json:"workers,omitempty"`
	MaxWorkers      int    `json:"max_workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	StartupSpread   string `json:"startup_spread,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
	CycleTimeout    string `json:"cycle_timeout,omitempty"`
	HistorySize     int    `json:"history_size,omitempty"`
}

type MonitorConfig struct {
	// Pacing between deliveries of one cycle, default "2s".
	Pacing string `json:"pacing,omitempty"`
	// FailureAlertAfter consecutive failed cycles raise one alert; default 3, -1 disables.
	FailureAlertAfter int `json:"failure_alert_after,omitempty"`
	// AlertGroup receives failure notices; empty means the source's group.
	AlertGroup string `json:"alert_group,omitempty"`
	// Retention prunes dedup rows not seen for this long; default "720h".
	Retention  string `json:"retention,omitempty"`
	PruneEvery string `json:"prune_every,omitempty"`
}

type NotifierConfig struct {
	RetryMax      *int   `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`
	HistorySize   int    `json:"history_size,omitempty"`
}

// StatusConfig controls the optional status HTTP server.
//
// Prefer binding to localhost. A non-loopback address needs a token or
// allow_insecure.
type StatusConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default: "127.0.0.1:8087"
	Token         string `json:"token,omitempty"`
	TokenEnv      string `json:"token_env,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
}

type SystemdConfig struct {
	// Notify sends READY/STOPPING/WATCHDOG when running under systemd.
	Notify bool `json:"notify"`
}

// ChannelConfig declares one destination. Secrets are never stored in the
// file; the *_env fields name the variables holding them.
type ChannelConfig struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Enabled *bool  `json:"enabled,omitempty"`

	// telegram
	TokenEnv       string `json:"token_env,omitempty"`
	ChatEnv        string `json:"chat_env,omitempty"`
	APIURL         string `json:"api_url,omitempty"`
	Markup         string `json:"markup,omitempty"`
	DisablePreview bool   `json:"disable_preview,omitempty"`
	ThreadID       int    `json:"thread_id,omitempty"`

	// discord, slack, webhook
	URLEnv  string            `json:"url_env,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	// sound, toast, phone
	Command   []string `json:"command,omitempty"`
	Sound     string   `json:"sound,omitempty"`
	NumberEnv string   `json:"number_env,omitempty"`

	Timeout    string  `json:"timeout,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
}

func (c ChannelConfig) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

// GroupConfig is an ordered channel group.
type GroupConfig struct {
	Name     string   `json:"name"`
	Channels []string `json:"channels"`
	// Announce sends the start-up banner to this group.
	Announce bool `json:"announce,omitempty"`
}

type SourceConfig struct {
	ID      string `json:"id"`
	Label   string `json:"label,omitempty"`
	Kind    string `json:"kind"`
	Enabled *bool  `json:"enabled,omitempty"`

	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
	HostKey string            `json:"host_key,omitempty"`
	Timeout string            `json:"timeout,omitempty"`
	Render  string            `json:"render,omitempty"`

	Interval      Schedule         `json:"interval,omitempty"`
	SelectorRules SelectorRules    `json:"selector_rules"`
	DiffPolicy    DiffPolicyConfig `json:"diff_policy"`
	ChannelGroup  string           `json:"channel_group,omitempty"`

	AllowStale         bool `json:"allow_stale,omitempty"`
	HighlightThreshold int  `json:"highlight_threshold,omitempty"`
	CriticalScore      int  `json:"critical_score,omitempty"`
}

func (s SourceConfig) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

type SelectorRules struct {
	Format    string      `json:"format,omitempty"`
	Items     string      `json:"items"`
	Fields    []FieldRule `json:"fields"`
	Key       string      `json:"key"`
	Canonical []string    `json:"canonical,omitempty"`

	Score string `json:"score,omitempty"`
	Title string `json:"title,omitempty"`
	Link  string `json:"link,omitempty"`
	Time  string `json:"time,omitempty"`

	WithinDays int `json:"within_days,omitempty"`
	// KeepUndated keeps items whose time does not parse; default true.
	KeepUndated *bool `json:"keep_undated,omitempty"`
	Reverse     bool  `json:"reverse,omitempty"`
	Limit       int   `json:"limit,omitempty"`

	Packed *PackedRules `json:"packed,omitempty"`
}

type FieldRule struct {
	Name     string `json:"name"`
	Path     string `json:"path,omitempty"`
	Selector string `json:"selector,omitempty"`
	Attr     string `json:"attr,omitempty"`
	Text     string `json:"text,omitempty"`
	Required bool   `json:"required,omitempty"`
	Default  string `json:"default,omitempty"`
}

type PackedRules struct {
	// Magic is hex encoded.
	Magic    string        `json:"magic,omitempty"`
	Version  int           `json:"version,omitempty"`
	Encoding string        `json:"encoding,omitempty"`
	Path     string        `json:"path,omitempty"`
	Fields   []PackedField `json:"fields"`
}

type PackedField struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Size int    `json:"size,omitempty"`
}

type DiffPolicyConfig struct {
	Kind         string  `json:"kind"`
	Field        string  `json:"field,omitempty"`
	Delta        float64 `json:"delta,omitempty"`
	AlertOnFirst bool    `json:"alert_on_first,omitempty"`
	N            int     `json:"n,omitempty"`
}

// Schedule is a duration, HH:MM, cron expression or plain seconds. A bare
// YAML/JSON number is accepted as seconds.
type Schedule string

func (s *Schedule) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err == nil {
		*s = Schedule(str)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("schedule must be a string or number of seconds")
	}
	*s = Schedule(n.String())
	return nil
}

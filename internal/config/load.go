package config

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"feedwatch/internal/observability/status"
	"feedwatch/internal/source"
	"feedwatch/internal/task/scheduler"
	logx "feedwatch/pkg/logx"
)

const (
	DefaultPath          = "./feedwatch.yaml"
	DefaultDBPath        = "./feedwatch.db"
	DefaultCheckInterval = "300"
	DefaultGroup         = "default"
	DefaultStatusAddr    = "127.0.0.1:8087"

	ModeResident = "resident"
	ModeOnce     = "once"
)

type LoadOptions struct {
	// Getenv resolves env overrides and secrets; nil means os.Getenv.
	Getenv func(string) string
	// RequireSecrets fails when an enabled channel or source reference has no
	// secret. list-sources loads without it.
	RequireSecrets bool
}

// Load reads path, applies env overrides and defaults, and validates.
func Load(path string, opt LoadOptions) (*Config, error) {
	cfg, err := ParseFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Finish(opt); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Finish runs the post-parse steps of Load on an already decoded config.
func (c *Config) Finish(opt LoadOptions) error {
	getenv := opt.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	if err := c.ApplyEnv(getenv); err != nil {
		return err
	}
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return err
	}
	if opt.RequireSecrets {
		if _, err := c.ResolveChannels(getenv); err != nil {
			return err
		}
		if err := c.CheckSourceSecrets(getenv); err != nil {
			return err
		}
	}
	return nil
}

// ParseFile strictly decodes a YAML or JSON config: unknown fields and
// trailing data are errors.
func ParseFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, invalidf(path, "%v", err)
	}
	return parseBytes(path, b)
}

func parseBytes(path string, b []byte) (*Config, error) {
	jb, _, err := coerceToJSONBytes(path, b)
	if err != nil {
		return nil, invalidf(path, "%v", err)
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, invalidf(path, "%v", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, invalidf(path, "trailing data")
		}
		return nil, invalidf(path, "%v", err)
	}
	return &cfg, nil
}

// ApplyDefaults fills omitted settings. Explicit values are kept.
func (c *Config) ApplyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.HighlightThreshold <= 0 {
		c.HighlightThreshold = 7
	}
	if strings.TrimSpace(string(c.CheckInterval)) == "" {
		c.CheckInterval = DefaultCheckInterval
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		c.Storage.Path = DefaultDBPath
	}
	if c.Status.Addr == "" {
		c.Status.Addr = DefaultStatusAddr
	}
	if c.Scheduler.MaxWorkers <= 0 {
		c.Scheduler.MaxWorkers = 8
	}

	if len(c.Groups) == 0 {
		g := GroupConfig{Name: DefaultGroup, Announce: true}
		for _, ch := range c.Channels {
			if ch.IsEnabled() {
				g.Channels = append(g.Channels, ch.Name)
			}
		}
		c.Groups = []GroupConfig{g}
	}
	for i := range c.Sources {
		s := &c.Sources[i]
		if s.ChannelGroup == "" {
			s.ChannelGroup = c.Groups[0].Name
		}
		if s.DiffPolicy.Kind == "" {
			s.DiffPolicy.Kind = string(source.PolicyNewOnly)
		}
	}
}

// Validate checks structure only; secrets are checked by ResolveChannels.
func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Mode)) {
	case "", ModeResident, ModeOnce:
	default:
		return invalidf("mode", "must be resident or once")
	}
	if !logx.ValidLevel(c.Logging.Level) {
		return invalidf("logging.level", "unknown level %q", c.Logging.Level)
	}
	if f := strings.ToLower(c.Logging.Format); f != "" && f != "console" && f != "json" {
		return invalidf("logging.format", "must be console or json")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := scheduler.ParseSchedule(string(c.CheckInterval)); err != nil {
		return invalidf("check_interval", "%v", err)
	}

	durations := []struct{ field, raw string }{
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"fetch.timeout", c.Fetch.Timeout},
		{"fetch.retry_base", c.Fetch.RetryBase},
		{"fetch.host_interval", c.Fetch.HostInterval},
		{"fetch.cache_ttl", c.Fetch.CacheTTL},
		{"scheduler.shutdown_timeout", c.Scheduler.ShutdownTimeout},
		{"scheduler.cycle_timeout", c.Scheduler.CycleTimeout},
		{"monitor.pacing", c.Monitor.Pacing},
		{"monitor.retention", c.Monitor.Retention},
		{"monitor.prune_every", c.Monitor.PruneEvery},
		{"notifier.retry_base", c.Notifier.RetryBase},
		{"notifier.retry_max_delay", c.Notifier.RetryMaxDelay},
		{"notifier.send_timeout", c.Notifier.SendTimeout},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.field, d.raw); err != nil {
			return err
		}
	}
	for host, raw := range c.Fetch.HostIntervals {
		if _, err := ParseDurationField("fetch.host_intervals."+host, raw); err != nil {
			return err
		}
	}
	if _, err := ParseSignedDuration("scheduler.startup_spread", c.Scheduler.StartupSpread); err != nil {
		return err
	}
	if c.Notifier.RetryMax != nil && *c.Notifier.RetryMax < 0 {
		return invalidf("notifier.retry_max", "must be >= 0")
	}
	if c.Monitor.FailureAlertAfter < -1 {
		return invalidf("monitor.failure_alert_after", "must be >= -1")
	}

	if c.Status.Enabled && !c.Status.AllowInsecure && c.Status.Token == "" && c.Status.TokenEnv == "" && !status.IsLoopbackAddr(c.Status.Addr) {
		return invalidf("status.addr", "non-loopback address %q requires token or allow_insecure", c.Status.Addr)
	}

	if err := c.validateChannels(); err != nil {
		return err
	}
	groups, err := c.validateGroups()
	if err != nil {
		return err
	}
	if c.Monitor.AlertGroup != "" && !groups[c.Monitor.AlertGroup] {
		return invalidf("monitor.alert_group", "unknown group %q", c.Monitor.AlertGroup)
	}
	return c.validateSources(groups)
}

var channelKinds = map[string]bool{
	"telegram": true, "discord": true, "slack": true, "webhook": true,
	"sound": true, "toast": true, "phone": true,
}

func (c *Config) validateChannels() error {
	seen := map[string]bool{}
	for i, ch := range c.Channels {
		at := fmt.Sprintf("channels[%d]", i)
		if strings.TrimSpace(ch.Name) == "" {
			return invalidf(at+".name", "required")
		}
		if seen[ch.Name] {
			return invalidf(at+".name", "duplicate channel %q", ch.Name)
		}
		seen[ch.Name] = true
		if !channelKinds[ch.Kind] {
			return invalidf(at+".kind", "unknown kind %q", ch.Kind)
		}
		switch ch.Kind {
		case "telegram":
			if ch.TokenEnv == "" {
				return invalidf(at+".token_env", "required for telegram")
			}
			if ch.ChatEnv == "" {
				return invalidf(at+".chat_env", "required for telegram")
			}
			if m := strings.ToLower(ch.Markup); m != "" && m != "html" && m != "markdownv2" {
				return invalidf(at+".markup", "must be html or markdownv2")
			}
		case "discord", "slack", "webhook":
			if ch.URLEnv == "" {
				return invalidf(at+".url_env", "required for %s", ch.Kind)
			}
		case "phone":
			if ch.NumberEnv == "" {
				return invalidf(at+".number_env", "required for phone")
			}
		}
		if _, err := ParseDurationField(at+".timeout", ch.Timeout); err != nil {
			return err
		}
		if ch.RatePerSec < 0 {
			return invalidf(at+".rate_per_sec", "must be >= 0")
		}
	}
	return nil
}

func (c *Config) validateGroups() (map[string]bool, error) {
	channels := map[string]bool{}
	for _, ch := range c.Channels {
		channels[ch.Name] = true
	}
	groups := map[string]bool{}
	for i, g := range c.Groups {
		at := fmt.Sprintf("groups[%d]", i)
		if strings.TrimSpace(g.Name) == "" {
			return nil, invalidf(at+".name", "required")
		}
		if groups[g.Name] {
			return nil, invalidf(at+".name", "duplicate group %q", g.Name)
		}
		groups[g.Name] = true
		for j, name := range g.Channels {
			if !channels[name] {
				return nil, invalidf(fmt.Sprintf("%s.channels[%d]", at, j), "unknown channel %q", name)
			}
		}
	}
	return groups, nil
}

var textModes = map[string]bool{"": true, "text": true, "html": true, "strip": true, "markdown": true}

func (c *Config) validateSources(groups map[string]bool) error {
	if len(c.Sources) == 0 {
		return invalidf("sources", "at least one source is required")
	}
	seen := map[string]bool{}
	for i, s := range c.Sources {
		at := fmt.Sprintf("sources[%d]", i)
		if strings.TrimSpace(s.ID) == "" {
			return invalidf(at+".id", "required")
		}
		if seen[s.ID] {
			return invalidf(at+".id", "duplicate source %q", s.ID)
		}
		seen[s.ID] = true
		if !source.Kind(s.Kind).Valid() {
			return invalidf(at+".kind", "unknown kind %q", s.Kind)
		}
		if strings.TrimSpace(s.URL) == "" {
			return invalidf(at+".url", "required")
		}
		if r := strings.ToLower(s.Render); r != "" && r != "browser" {
			return invalidf(at+".render", "must be empty or browser")
		}
		if s.Interval != "" {
			if _, err := scheduler.ParseSchedule(string(s.Interval)); err != nil {
				return invalidf(at+".interval", "%v", err)
			}
		}
		if _, err := ParseDurationField(at+".timeout", s.Timeout); err != nil {
			return err
		}
		if !groups[s.ChannelGroup] {
			return invalidf(at+".channel_group", "unknown group %q", s.ChannelGroup)
		}
		if err := validateRules(at+".selector_rules", s.SelectorRules); err != nil {
			return err
		}
		if err := validatePolicy(at+".diff_policy", s.DiffPolicy); err != nil {
			return err
		}
	}
	return nil
}

func validateRules(at string, r SelectorRules) error {
	switch source.Format(strings.ToLower(r.Format)) {
	case "", source.FormatJSON, source.FormatHTML, source.FormatPacked:
	default:
		return invalidf(at+".format", "unknown format %q", r.Format)
	}
	if strings.TrimSpace(r.Key) == "" {
		return invalidf(at+".key", "required")
	}
	if len(r.Fields) == 0 && r.Packed == nil {
		return invalidf(at+".fields", "at least one field is required")
	}
	for j, f := range r.Fields {
		if strings.TrimSpace(f.Name) == "" {
			return invalidf(fmt.Sprintf("%s.fields[%d].name", at, j), "required")
		}
		if !textModes[strings.ToLower(f.Text)] {
			return invalidf(fmt.Sprintf("%s.fields[%d].text", at, j), "unknown text mode %q", f.Text)
		}
	}
	if r.WithinDays < 0 {
		return invalidf(at+".within_days", "must be >= 0")
	}
	if r.Limit < 0 {
		return invalidf(at+".limit", "must be >= 0")
	}
	if p := r.Packed; p != nil {
		if _, err := hex.DecodeString(p.Magic); err != nil {
			return invalidf(at+".packed.magic", "must be hex")
		}
		switch strings.ToLower(p.Encoding) {
		case "", "raw", "hex", "base64":
		default:
			return invalidf(at+".packed.encoding", "must be raw, hex or base64")
		}
		if len(p.Fields) == 0 {
			return invalidf(at+".packed.fields", "at least one field is required")
		}
		for j, f := range p.Fields {
			w := source.PackedField{Name: f.Name, Type: f.Type, Size: f.Size}.Width()
			if w <= 0 {
				return invalidf(fmt.Sprintf("%s.packed.fields[%d]", at, j), "type %q needs a size", f.Type)
			}
		}
	}
	return nil
}

func validatePolicy(at string, p DiffPolicyConfig) error {
	switch policyKind(p.Kind) {
	case source.PolicyNewOnly:
	case source.PolicyThreshold:
		if strings.TrimSpace(p.Field) == "" {
			return invalidf(at+".field", "required for threshold")
		}
		if p.Delta <= 0 {
			return invalidf(at+".delta", "must be > 0")
		}
	case source.PolicyTopN:
		if p.N <= 0 {
			return invalidf(at+".n", "must be > 0")
		}
	default:
		return invalidf(at+".kind", "unknown policy %q", p.Kind)
	}
	return nil
}

func policyKind(raw string) source.PolicyKind {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "new-only", "new":
		return source.PolicyNewOnly
	case "threshold":
		return source.PolicyThreshold
	case "replace-top-n", "top-n":
		return source.PolicyTopN
	}
	return source.PolicyKind(raw)
}

// Location resolves the configured timezone; empty means local time.
func (c *Config) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, invalidf("timezone", "unknown zone %q", tz)
	}
	return loc, nil
}

// Once reports whether the file selects one-shot mode.
func (c *Config) Once() bool {
	return strings.EqualFold(strings.TrimSpace(c.Mode), ModeOnce)
}

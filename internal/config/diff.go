package config

import (
	"reflect"

	logx "feedwatch/pkg/logx"
)

// SummarizeConfigChange returns (1) the changed sections, (2) safe structured
// attrs for logging (never secrets) and (3) whether any changed section needs
// a restart. Only logging applies live.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, bool) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)
	restart := false

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.String("logging.format", newCfg.Logging.Format),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Timezone != newCfg.Timezone ||
		oldCfg.HighlightThreshold != newCfg.HighlightThreshold ||
		oldCfg.CheckInterval != newCfg.CheckInterval {
		changed = append(changed, "global")
		attrs = append(attrs,
			logx.String("timezone", newCfg.Timezone),
			logx.Int("highlight_threshold", newCfg.HighlightThreshold),
			logx.String("check_interval", string(newCfg.CheckInterval)),
		)
		restart = true
	}

	sections := []struct {
		name     string
		old, new any
	}{
		{"storage", oldCfg.Storage, newCfg.Storage},
		{"fetch", oldCfg.Fetch, newCfg.Fetch},
		{"scheduler", oldCfg.Scheduler, newCfg.Scheduler},
		{"monitor", oldCfg.Monitor, newCfg.Monitor},
		{"notifier", oldCfg.Notifier, newCfg.Notifier},
		{"systemd", oldCfg.Systemd, newCfg.Systemd},
		{"groups", oldCfg.Groups, newCfg.Groups},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			changed = append(changed, s.name)
			restart = true
		}
	}

	// Status (never log token)
	if !reflect.DeepEqual(oldCfg.Status, newCfg.Status) {
		changed = append(changed, "status")
		attrs = append(attrs,
			logx.Bool("status.enabled", newCfg.Status.Enabled),
			logx.String("status.addr", newCfg.Status.Addr),
			logx.Bool("status.token_set", newCfg.Status.Token != "" || newCfg.Status.TokenEnv != ""),
		)
		restart = true
	}

	if !reflect.DeepEqual(oldCfg.Channels, newCfg.Channels) {
		changed = append(changed, "channels")
		attrs = append(attrs, logx.Strings("channels", channelNames(newCfg.Channels)))
		restart = true
	}

	if added, removed, modified := diffSources(oldCfg.Sources, newCfg.Sources); len(added)+len(removed)+len(modified) > 0 {
		changed = append(changed, "sources")
		if len(added) > 0 {
			attrs = append(attrs, logx.Strings("sources.added", added))
		}
		if len(removed) > 0 {
			attrs = append(attrs, logx.Strings("sources.removed", removed))
		}
		if len(modified) > 0 {
			attrs = append(attrs, logx.Strings("sources.changed", modified))
		}
		restart = true
	}

	return changed, attrs, restart
}

func channelNames(chs []ChannelConfig) []string {
	out := make([]string, 0, len(chs))
	for _, c := range chs {
		out = append(out, c.Name)
	}
	return out
}

// diffSources compares sources by id, keeping the new file's order.
func diffSources(oldS, newS []SourceConfig) (added, removed, modified []string) {
	prev := make(map[string]SourceConfig, len(oldS))
	for _, s := range oldS {
		prev[s.ID] = s
	}
	next := make(map[string]bool, len(newS))
	for _, s := range newS {
		next[s.ID] = true
		o, ok := prev[s.ID]
		switch {
		case !ok:
			added = append(added, s.ID)
		case !reflect.DeepEqual(o, s):
			modified = append(modified, s.ID)
		}
	}
	for _, s := range oldS {
		if !next[s.ID] {
			removed = append(removed, s.ID)
		}
	}
	return added, removed, modified
}

package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"feedwatch/internal/source"
)

// Descriptors converts the enabled sources. Call after Validate.
func (c *Config) Descriptors() ([]source.Descriptor, error) {
	out := make([]source.Descriptor, 0, len(c.Sources))
	for i, s := range c.Sources {
		if !s.IsEnabled() {
			continue
		}
		d, err := c.descriptor(i, s)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (c *Config) descriptor(i int, s SourceConfig) (source.Descriptor, error) {
	at := fmt.Sprintf("sources[%d]", i)
	timeout, err := ParseDurationField(at+".timeout", s.Timeout)
	if err != nil {
		return source.Descriptor{}, err
	}
	interval := strings.TrimSpace(string(s.Interval))
	if interval == "" {
		interval = string(c.CheckInterval)
	}

	r := s.SelectorRules
	keepUndated := true
	if r.KeepUndated != nil {
		keepUndated = *r.KeepUndated
	}
	rules := source.Rules{
		Format:      source.Format(strings.ToLower(r.Format)),
		Items:       r.Items,
		Key:         r.Key,
		Canonical:   append([]string(nil), r.Canonical...),
		Score:       r.Score,
		Title:       r.Title,
		Link:        r.Link,
		Time:        r.Time,
		WithinDays:  r.WithinDays,
		KeepUndated: keepUndated,
		Reverse:     r.Reverse,
		Limit:       r.Limit,
	}
	for _, f := range r.Fields {
		rules.Fields = append(rules.Fields, source.FieldRule{
			Name:     f.Name,
			Path:     f.Path,
			Selector: f.Selector,
			Attr:     f.Attr,
			Text:     f.Text,
			Required: f.Required,
			Default:  f.Default,
		})
	}
	if p := r.Packed; p != nil {
		magic, err := hex.DecodeString(p.Magic)
		if err != nil {
			return source.Descriptor{}, invalidf(at+".selector_rules.packed.magic", "must be hex")
		}
		pr := &source.PackedRules{Magic: magic, Version: p.Version, Encoding: strings.ToLower(p.Encoding), Path: p.Path}
		for _, f := range p.Fields {
			pr.Fields = append(pr.Fields, source.PackedField{Name: f.Name, Type: f.Type, Size: f.Size})
		}
		rules.Packed = pr
	}

	headers := make(map[string]string, len(s.Headers))
	for k, v := range s.Headers {
		headers[k] = v
	}
	return source.Descriptor{
		ID:    s.ID,
		Label: s.Label,
		Kind:  source.Kind(s.Kind),
		Request: source.Request{
			Method:  s.Method,
			URL:     s.URL,
			Headers: headers,
			Body:    s.Body,
			HostKey: s.HostKey,
			Timeout: timeout,
			Render:  strings.ToLower(s.Render),
		},
		Rules: rules,
		Policy: source.DiffPolicy{
			Kind:         policyKind(s.DiffPolicy.Kind),
			Field:        s.DiffPolicy.Field,
			Delta:        s.DiffPolicy.Delta,
			AlertOnFirst: s.DiffPolicy.AlertOnFirst,
			N:            s.DiffPolicy.N,
		},
		Schedule:           interval,
		Group:              s.ChannelGroup,
		AllowStale:         s.AllowStale,
		HighlightThreshold: s.HighlightThreshold,
		CriticalScore:      s.CriticalScore,
	}, nil
}

// ResolvedChannel is a channel declaration with its secrets read from the
// environment. It must never be logged.
type ResolvedChannel struct {
	ChannelConfig
	Token  string
	ChatID string
	URL    string
	Number string
}

// ResolveChannels reads the secrets of every enabled channel.
func (c *Config) ResolveChannels(getenv func(string) string) ([]ResolvedChannel, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	need := func(field, name string) (string, error) {
		v := strings.TrimSpace(getenv(name))
		if v == "" {
			return "", missingf(field, "%s is not set", name)
		}
		return v, nil
	}

	var out []ResolvedChannel
	for i, ch := range c.Channels {
		if !ch.IsEnabled() {
			continue
		}
		at := fmt.Sprintf("channels[%d]", i)
		rc := ResolvedChannel{ChannelConfig: ch}
		var err error
		switch ch.Kind {
		case "telegram":
			if rc.Token, err = need(at+".token_env", ch.TokenEnv); err != nil {
				return nil, err
			}
			if rc.ChatID, err = need(at+".chat_env", ch.ChatEnv); err != nil {
				return nil, err
			}
		case "discord", "slack", "webhook":
			if rc.URL, err = need(at+".url_env", ch.URLEnv); err != nil {
				return nil, err
			}
		case "phone":
			if rc.Number, err = need(at+".number_env", ch.NumberEnv); err != nil {
				return nil, err
			}
		}
		out = append(out, rc)
	}

	enabled := map[string]bool{}
	for _, rc := range out {
		enabled[rc.Name] = true
	}
	for i, g := range c.Groups {
		if !c.groupInUse(g.Name) {
			continue
		}
		n := 0
		for _, name := range g.Channels {
			if enabled[name] {
				n++
			}
		}
		if n == 0 {
			return nil, missingf(fmt.Sprintf("groups[%d]", i), "group %q has no enabled channel (set %s and %s, or declare channels)", g.Name, EnvTelegramToken, EnvTelegramChat)
		}
	}
	return out, nil
}

func (c *Config) groupInUse(name string) bool {
	if c.Monitor.AlertGroup == name {
		return true
	}
	for _, s := range c.Sources {
		if s.IsEnabled() && s.ChannelGroup == name {
			return true
		}
	}
	return false
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// CheckSourceSecrets verifies that every ${VAR} referenced by an enabled
// source request is set.
func (c *Config) CheckSourceSecrets(getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}
	for i, s := range c.Sources {
		if !s.IsEnabled() {
			continue
		}
		at := fmt.Sprintf("sources[%d]", i)
		check := func(field, text string) error {
			for _, m := range envRef.FindAllStringSubmatch(text, -1) {
				if strings.TrimSpace(getenv(m[1])) == "" {
					return missingf(at+"."+field, "%s is not set", m[1])
				}
			}
			return nil
		}
		if err := check("url", s.URL); err != nil {
			return err
		}
		if err := check("body", s.Body); err != nil {
			return err
		}
		keys := make([]string, 0, len(s.Headers))
		for k := range s.Headers {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := check("headers."+k, s.Headers[k]); err != nil {
				return err
			}
		}
	}
	return nil
}

// AnnounceGroups lists groups that receive the start-up banner.
func (c *Config) AnnounceGroups() []string {
	var out []string
	for _, g := range c.Groups {
		if g.Announce {
			out = append(out, g.Name)
		}
	}
	return out
}

// Package extract turns fetched bodies into ordered candidate items.
//
// Three variants exist, picked by the descriptor's effective format:
//   - json: dot paths over a decoded document
//   - html: CSS selectors over a parsed DOM
//   - packed: a versioned binary header followed by fixed-size records
//
// JSON and HTML extraction are forgiving: an item missing a required field is
// dropped and the batch continues. Packed parsing is strict; any structural
// mismatch fails the whole response with ErrHard.
package extract

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"feedwatch/internal/event"
	"feedwatch/internal/fingerprint"
	"feedwatch/internal/source"
	logx "feedwatch/pkg/logx"
)

var (
	// ErrHard marks structural failures that must fail the whole cycle.
	ErrHard = errors.New("extract: structural error")
	// ErrParse marks a body that could not be decoded at all.
	ErrParse = errors.New("extract: parse error")
)

// Result is the extraction output for one body.
type Result struct {
	Items   []event.Item
	Dropped int
	// Undated counts kept items whose time could not be parsed.
	Undated int
}

type Extractor struct {
	log logx.Logger
	now func() time.Time
}

func New(log logx.Logger) *Extractor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Extractor{log: log, now: time.Now}
}

// WithClock returns a copy using now as the reference for relative times.
func (x *Extractor) WithClock(now func() time.Time) *Extractor {
	cp := *x
	cp.now = now
	return &cp
}

// Extract parses body for d. baseURL resolves relative links.
func (x *Extractor) Extract(d source.Descriptor, body []byte, baseURL string) (Result, error) {
	log := x.log.With(logx.String("source", d.ID))

	var (
		raws []rawItem
		err  error
	)
	switch d.Format() {
	case source.FormatJSON:
		raws, err = extractJSON(body, d.Rules)
	case source.FormatHTML:
		raws, err = extractHTML(body, d.Rules, baseURL)
	case source.FormatPacked:
		raws, err = extractPacked(body, d.Rules)
	default:
		return Result{}, fmt.Errorf("%w: unknown format %q", ErrParse, d.Format())
	}
	if err != nil {
		return Result{}, err
	}
	return x.finalize(d, raws, log), nil
}

// rawItem is a projected record before keys, filters and typed fields apply.
type rawItem struct {
	fields  map[string]string
	order   []string
	missing []string
	record  any
}

func (r *rawItem) set(name, v string) {
	if r.fields == nil {
		r.fields = map[string]string{}
	}
	if _, ok := r.fields[name]; !ok {
		r.order = append(r.order, name)
	}
	r.fields[name] = v
}

// project applies FieldRule defaults and required checks to a lookup.
func project(rules []source.FieldRule, lookup func(source.FieldRule) (string, bool)) rawItem {
	var it rawItem
	for _, fr := range rules {
		v, ok := lookup(fr)
		v = strings.TrimSpace(v)
		if !ok || v == "" {
			if fr.Required {
				it.missing = append(it.missing, fr.Name)
				continue
			}
			v = fr.Default
		}
		it.set(fr.Name, v)
	}
	return it
}

func (x *Extractor) finalize(d source.Descriptor, raws []rawItem, log logx.Logger) Result {
	now := x.now()
	r := d.Rules
	titleField := firstNonEmpty(r.Title, "title")
	linkField := firstNonEmpty(r.Link, "link")

	var res Result
	seen := map[string]bool{}
	for i, raw := range raws {
		if len(raw.missing) > 0 {
			res.Dropped++
			log.Warn("item dropped: required field missing", logx.Int("index", i), logx.Strings("fields", raw.missing))
			continue
		}
		key := fingerprint.Key(r.Key, raw.fields)
		if strings.Trim(key, "+_-@ ") == "" {
			res.Dropped++
			log.Warn("item dropped: empty natural key", logx.Int("index", i))
			continue
		}
		if seen[key] {
			res.Dropped++
			log.Debug("item dropped: duplicate key", logx.String("key", key))
			continue
		}

		it := event.Item{
			Kind:   string(d.Kind),
			Key:    key,
			Fields: raw.fields,
			Order:  raw.order,
			Title:  raw.fields[titleField],
			Link:   raw.fields[linkField],
			Record: raw.record,
		}
		if it.Link == "" {
			it.Link = raw.fields["url"]
		}
		if r.Score != "" {
			if sc, ok := parseScore(raw.fields[r.Score]); ok {
				it.Score, it.HasScore = sc, true
			}
		}
		if r.Time != "" {
			if ts, ok := ParseTime(raw.fields[r.Time], now); ok {
				it.Published = ts
				if r.WithinDays > 0 && ts.Before(now.Add(-time.Duration(r.WithinDays)*24*time.Hour)) {
					res.Dropped++
					continue
				}
			} else if raw.fields[r.Time] != "" || r.WithinDays > 0 {
				if !r.KeepUndated {
					res.Dropped++
					continue
				}
				res.Undated++
			}
		}
		seen[key] = true
		res.Items = append(res.Items, it)
	}

	if r.Limit > 0 && len(res.Items) > r.Limit {
		res.Items = res.Items[:r.Limit]
	}
	if r.Reverse {
		for i, j := 0, len(res.Items)-1; i < j; i, j = i+1, j-1 {
			res.Items[i], res.Items[j] = res.Items[j], res.Items[i]
		}
	}
	if res.Undated > 0 {
		log.Debug("kept items with unparseable time", logx.Int("count", res.Undated))
	}
	return res
}

func parseScore(s string) (int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n, true
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return int(f), true
	}
	// "Tier 8", "8/10"
	digits := strings.FieldsFunc(s, func(r rune) bool { return r < '0' || r > '9' })
	if len(digits) > 0 {
		if n, err := strconv.Atoi(digits[0]); err == nil {
			return n, true
		}
	}
	return 0, false
}

func firstNonEmpty(v ...string) string {
	for _, s := range v {
		if strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

package monitor

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"feedwatch/internal/event"
	"feedwatch/internal/fingerprint"
	"feedwatch/internal/source"
	"feedwatch/internal/storage"
	logx "feedwatch/pkg/logx"
)

const rankField = "rank"

// candidate is a classified item. commit runs only after a successful delivery.
type candidate struct {
	ev     event.Event
	commit func(ctx context.Context, now time.Time) error
}

// plan is the outcome of classification for one cycle.
type plan struct {
	candidates []candidate
	unchanged  int
	dropped    int
	// finish runs after delivery when every candidate was delivered.
	finish func(ctx context.Context, now time.Time) error
}

func (m *Monitor) classify(ctx context.Context, items []event.Item, now time.Time, log logx.Logger) (plan, error) {
	switch m.d.Policy.Kind {
	case source.PolicyThreshold:
		return m.classifyThreshold(ctx, items, now, log)
	case source.PolicyTopN:
		return m.classifyTopN(ctx, items, now)
	default:
		return m.classifyNew(ctx, items, now)
	}
}

func (m *Monitor) fingerprintOf(it event.Item, extra string) string {
	digest := fingerprint.Digest(it.Fields, m.d.Rules.Canonical)
	return fingerprint.Compute(m.d.ID, it.Key, digest+extra)
}

// unseen applies the dedup gate shared by every policy.
func (m *Monitor) unseen(ctx context.Context, fps []string) (map[string]bool, error) {
	if len(fps) == 0 {
		return map[string]bool{}, nil
	}
	missing, err := m.store.BulkContains(ctx, fps)
	if err != nil {
		return nil, fmt.Errorf("dedup lookup: %w", err)
	}
	return missing, nil
}

func (m *Monitor) record(fp string) func(ctx context.Context, now time.Time) error {
	return func(ctx context.Context, now time.Time) error {
		_, err := m.store.Record(ctx, fp, m.d.ID, now)
		return err
	}
}

// touch keeps fingerprints still listed upstream clear of the retention prune.
func (m *Monitor) touch(ctx context.Context, fps []string, now time.Time) error {
	if len(fps) == 0 {
		return nil
	}
	if err := m.store.Touch(ctx, fps, now); err != nil {
		return fmt.Errorf("dedup touch: %w", err)
	}
	return nil
}

func (m *Monitor) classifyNew(ctx context.Context, items []event.Item, now time.Time) (plan, error) {
	fps := make([]string, len(items))
	for i, it := range items {
		fps[i] = m.fingerprintOf(it, "")
	}
	missing, err := m.unseen(ctx, fps)
	if err != nil {
		return plan{}, err
	}
	var p plan
	var seen []string
	for i, it := range items {
		fp := fps[i]
		if !missing[fp] {
			p.unchanged++
			seen = append(seen, fp)
			continue
		}
		p.candidates = append(p.candidates, candidate{ev: m.newEvent(it, fp, event.ClassNew, nil), commit: m.record(fp)})
	}
	if err := m.touch(ctx, seen, now); err != nil {
		return plan{}, err
	}
	return p, nil
}

func (m *Monitor) classifyThreshold(ctx context.Context, items []event.Item, now time.Time, log logx.Logger) (plan, error) {
	pol := m.d.Policy
	var p plan

	type pending struct {
		it      event.Item
		fp      string
		current float64
		prior   float64
		first   bool
	}
	var todo []pending
	var listed []string
	for _, it := range items {
		raw := it.Get(pol.Field)
		cur, ok := parseNumber(raw)
		if !ok {
			p.dropped++
			log.Warn("threshold field not numeric", logx.String("key", it.Key), logx.String("field", pol.Field), logx.String("value", raw))
			continue
		}
		fp := m.fingerprintOf(it, "")
		listed = append(listed, fp)
		prev, found, err := m.store.LastValue(ctx, m.d.ID, it.Key, pol.Field)
		if err != nil {
			return plan{}, fmt.Errorf("last value %s: %w", it.Key, err)
		}
		if !found {
			if !pol.AlertOnFirst {
				// Silent baseline.
				if err := m.putLastValue(ctx, it.Key, cur, now); err != nil {
					return plan{}, fmt.Errorf("store baseline %s: %w", it.Key, err)
				}
				p.unchanged++
				continue
			}
			todo = append(todo, pending{it: it, fp: fp, current: cur, first: true})
			continue
		}
		prior, ok := parseNumber(prev.Value)
		if !ok || math.Abs(cur-prior) < pol.Delta {
			p.unchanged++
			continue
		}
		todo = append(todo, pending{it: it, fp: fp, current: cur, prior: prior})
	}

	fps := make([]string, len(todo))
	for i, t := range todo {
		fps[i] = t.fp
	}
	missing, err := m.unseen(ctx, fps)
	if err != nil {
		return plan{}, err
	}
	for _, t := range todo {
		if !missing[t.fp] {
			// A crossing back to an already-delivered value stays quiet but
			// becomes the new reference for later deltas.
			if err := m.putLastValue(ctx, t.it.Key, t.current, now); err != nil {
				return plan{}, fmt.Errorf("store last value %s: %w", t.it.Key, err)
			}
			p.unchanged++
			continue
		}
		class, delta := event.ClassDelta, &event.Delta{Field: pol.Field, Prior: t.prior, Current: t.current}
		if t.first {
			class, delta = event.ClassNew, nil
		}
		key, fp, cur := t.it.Key, t.fp, t.current
		rec := m.record(fp)
		p.candidates = append(p.candidates, candidate{
			ev: m.newEvent(t.it, fp, class, delta),
			commit: func(ctx context.Context, now time.Time) error {
				if err := rec(ctx, now); err != nil {
					return err
				}
				return m.putLastValue(ctx, key, cur, now)
			},
		})
	}
	if err := m.touch(ctx, listed, now); err != nil {
		return plan{}, err
	}
	return p, nil
}

func (m *Monitor) putLastValue(ctx context.Context, key string, v float64, now time.Time) error {
	return m.store.PutLastValue(ctx, storage.Value{SourceID: m.d.ID, Key: key, Field: m.d.Policy.Field, Value: formatNumber(v), UpdatedAt: now})
}

func (m *Monitor) classifyTopN(ctx context.Context, items []event.Item, now time.Time) (plan, error) {
	if n := m.d.Policy.N; n > 0 && len(items) > n {
		items = items[:n]
	}
	prior, err := m.store.Snapshot(ctx, m.d.ID, rankField)
	if err != nil {
		return plan{}, fmt.Errorf("load snapshot: %w", err)
	}

	next := make(map[string]string, len(items))
	type ranked struct {
		it        event.Item
		fp        string
		rank      int
		priorRank int
	}
	var changed []ranked
	var listed []string
	var p plan
	for i, it := range items {
		rank := i + 1
		if _, dup := next[it.Key]; dup {
			p.dropped++
			continue
		}
		next[it.Key] = strconv.Itoa(rank)
		fp := m.fingerprintOf(it, "rank="+strconv.Itoa(rank)+"\n")
		listed = append(listed, fp)
		pr, seen := prior[it.Key]
		priorRank, _ := strconv.Atoi(pr)
		if seen && priorRank == rank {
			p.unchanged++
			continue
		}
		if !seen {
			priorRank = 0
		}
		changed = append(changed, ranked{it: it, fp: fp, rank: rank, priorRank: priorRank})
	}

	fps := make([]string, len(changed))
	for i, c := range changed {
		fps[i] = c.fp
	}
	missing, err := m.unseen(ctx, fps)
	if err != nil {
		return plan{}, err
	}
	for _, c := range changed {
		if !missing[c.fp] {
			p.unchanged++
			continue
		}
		class := event.ClassDelta
		if c.priorRank == 0 {
			class = event.ClassNew
		}
		delta := &event.Delta{Field: rankField, PriorRank: c.priorRank, Rank: c.rank}
		p.candidates = append(p.candidates, candidate{ev: m.newEvent(c.it, c.fp, class, delta), commit: m.record(c.fp)})
	}
	if err := m.touch(ctx, listed, now); err != nil {
		return plan{}, err
	}
	p.finish = func(ctx context.Context, now time.Time) error {
		return m.store.ReplaceSnapshot(ctx, m.d.ID, rankField, next, now)
	}
	return p, nil
}

func (m *Monitor) newEvent(it event.Item, fp string, class event.Class, delta *event.Delta) event.Event {
	threshold := m.d.HighlightThreshold
	if threshold <= 0 {
		threshold = m.cfg.HighlightThreshold
	}
	return event.Event{
		SourceID:    m.d.ID,
		SourceLabel: m.d.DisplayName(),
		Fingerprint: fp,
		Class:       class,
		Item:        it,
		Delta:       delta,
		Highlighted: it.HasScore && it.Score >= threshold,
		Critical:    it.HasScore && m.d.CriticalScore > 0 && it.Score >= m.d.CriticalScore,
	}
}

// parseNumber accepts plain and display-formatted numbers ("$1,234.5", "12%").
func parseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	s = strings.NewReplacer(",", "", "$", "", "%", "", " ", "").Replace(s)
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

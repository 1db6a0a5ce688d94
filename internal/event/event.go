// Package event defines the units flowing from extraction to delivery.
package event

import (
	"sort"
	"strings"
	"time"
)

type Class string

const (
	ClassNew       Class = "new"
	ClassDelta     Class = "delta"
	ClassUnchanged Class = "unchanged"
	// ClassFailure, ClassRecovered and ClassBanner are synthetic events.
	ClassFailure   Class = "failure"
	ClassRecovered Class = "recovered"
	ClassBanner    Class = "banner"
)

// Notifiable reports whether events of this class reach the notifier.
func (c Class) Notifiable() bool { return c != ClassUnchanged && c != "" }

// Item is one extracted candidate event. The envelope is common to every
// source kind; Record carries the kind-specific typed payload when there is one.
type Item struct {
	Kind string
	Key  string

	Fields map[string]string
	// Order keeps the extraction order of field names.
	Order []string

	Title     string
	Link      string
	Score     int
	HasScore  bool
	Published time.Time

	Record any
}

func (it Item) Get(name string) string {
	if it.Fields == nil {
		return ""
	}
	return it.Fields[name]
}

// Set stores a field, remembering its first insertion order.
func (it *Item) Set(name, value string) {
	if it.Fields == nil {
		it.Fields = map[string]string{}
	}
	if _, ok := it.Fields[name]; !ok {
		it.Order = append(it.Order, name)
	}
	it.Fields[name] = value
}

// FieldNames returns field names in extraction order, then any unordered extras sorted.
func (it Item) FieldNames() []string {
	seen := make(map[string]bool, len(it.Fields))
	out := make([]string, 0, len(it.Fields))
	for _, k := range it.Order {
		if _, ok := it.Fields[k]; ok && !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	var extra []string
	for k := range it.Fields {
		if !seen[k] {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	return append(out, extra...)
}

// Delta annotates a threshold or rank change.
type Delta struct {
	Field   string
	Prior   float64
	Current float64

	PriorRank int
	Rank      int
}

// Change is Current-Prior for value deltas.
func (d Delta) Change() float64 { return d.Current - d.Prior }

// Event is the unit handed to the formatter and notifier.
type Event struct {
	SourceID    string
	SourceLabel string
	CycleID     string

	Fingerprint string
	Class       Class
	Item        Item
	Delta       *Delta

	Highlighted bool
	Critical    bool
	CapturedAt  time.Time

	// Message is set on synthetic events (failure, recovered, banner).
	Message string
}

// Title picks the best human title for an event.
func (e Event) Title() string {
	for _, s := range []string{e.Item.Title, e.Item.Get("title"), e.Item.Get("name")} {
		if strings.TrimSpace(s) != "" {
			return s
		}
	}
	if e.Message != "" {
		return e.Message
	}
	return e.Item.Key
}

// Package format renders events into channel-specific message text.
//
// Rendering never truncates: bodies above the channel limit come back as an
// ordered list of parts that the notifier delivers in sequence.
package format

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"feedwatch/internal/event"
)

// Payload is a rendered event.
type Payload struct {
	Markup Markup
	Title  string
	// Body is the full logical message; Parts is Body split for delivery.
	Body  string
	Parts []string
	Link  string
	Tags  []string
}

type Formatter struct {
	loc       *time.Location
	maxFields int
}

type Option func(*Formatter)

// WithLocation renders timestamps in loc.
func WithLocation(loc *time.Location) Option {
	return func(f *Formatter) {
		if loc != nil {
			f.loc = loc
		}
	}
}

// WithMaxFields caps the number of extra field lines; 0 means no cap.
func WithMaxFields(n int) Option { return func(f *Formatter) { f.maxFields = n } }

func New(opts ...Option) *Formatter {
	f := &Formatter{loc: time.UTC}
	for _, o := range opts {
		o(f)
	}
	return f
}

var badges = map[event.Class]string{
	event.ClassNew:       "🆕 NEW",
	event.ClassDelta:     "📈 DELTA",
	event.ClassFailure:   "🚨 MONITORING FAILURE",
	event.ClassRecovered: "✅ RECOVERED",
	event.ClassBanner:    "📣 STARTED",
}

// principal fields are rendered first, in this order.
var principal = []string{"name", "amount", "score", "price", "price_usd", "status"}

// hidden fields are shown elsewhere in the message.
var hidden = map[string]bool{"title": true, "link": true, "url": true}

// Render formats ev for m and splits the body at soft/hard rune limits.
func (f *Formatter) Render(ev event.Event, m Markup, soft, hard int) Payload {
	var lines []string

	badge := badges[ev.Class]
	if ev.Class == event.ClassDelta && ev.Delta != nil && ev.Delta.Change() < 0 && ev.Delta.Rank == 0 {
		badge = "📉 DELTA"
	}
	if badge == "" {
		badge = strings.ToUpper(string(ev.Class))
	}
	if ev.Critical {
		badge = "‼️ " + badge
	}
	label := ev.SourceLabel
	if label == "" {
		label = ev.SourceID
	}
	lines = append(lines, Escape(m, badge)+" · "+Bold(m, Escape(m, label)))

	title := ev.Title()
	if title != "" {
		t := Escape(m, title)
		if ev.Highlighted {
			t = Bold(m, t)
		}
		lines = append(lines, t)
	}

	if ev.Message != "" && ev.Message != title {
		lines = append(lines, Escape(m, ev.Message))
	}

	if ev.Item.HasScore {
		s := "score: " + strconv.Itoa(ev.Item.Score)
		if ev.Highlighted {
			s += " ★"
		}
		lines = append(lines, Escape(m, s))
	}

	if d := ev.Delta; d != nil {
		lines = append(lines, Italic(m, Escape(m, deltaLine(*d))))
	}

	fieldLines := f.fieldLines(ev.Item, m)
	if len(fieldLines) > 0 {
		lines = append(lines, "")
		lines = append(lines, fieldLines...)
	}

	ts := ev.Item.Published
	if ts.IsZero() {
		ts = ev.CapturedAt
	}
	if !ts.IsZero() {
		lines = append(lines, "", Escape(m, "🕒 "+ts.In(f.loc).Format("2006-01-02 15:04 MST")))
	}
	if ev.Item.Link != "" {
		lines = append(lines, Link(m, "open", ev.Item.Link))
	}

	body := strings.Join(lines, "\n")
	return Payload{
		Markup: m,
		Title:  title,
		Body:   body,
		Parts:  Split(body, soft, hard, m),
		Link:   ev.Item.Link,
		Tags:   []string{string(ev.Class), ev.SourceID},
	}
}

func (f *Formatter) fieldLines(it event.Item, m Markup) []string {
	names := it.FieldNames()
	ordered := make([]string, 0, len(names))
	seen := map[string]bool{}
	for _, p := range principal {
		if _, ok := it.Fields[p]; ok {
			ordered = append(ordered, p)
			seen[p] = true
		}
	}
	for _, n := range names {
		if !seen[n] {
			ordered = append(ordered, n)
		}
	}

	var out []string
	for _, n := range ordered {
		if hidden[n] {
			continue
		}
		v := strings.TrimSpace(it.Fields[n])
		if v == "" {
			continue
		}
		if f.maxFields > 0 && len(out) >= f.maxFields {
			break
		}
		out = append(out, Code(m, Escape(m, n))+" "+Escape(m, v))
	}
	return out
}

func deltaLine(d event.Delta) string {
	if d.Rank > 0 {
		arrow := "↑"
		if d.PriorRank > 0 && d.Rank > d.PriorRank {
			arrow = "↓"
		}
		if d.PriorRank == 0 {
			return fmt.Sprintf("rank #%d (new entry)", d.Rank)
		}
		return fmt.Sprintf("rank #%d → #%d %s", d.PriorRank, d.Rank, arrow)
	}
	ch := d.Change()
	arrow := "↑"
	if ch < 0 {
		arrow = "↓"
	}
	pct := ""
	if d.Prior != 0 {
		pct = fmt.Sprintf(" (%+.2f%%)", ch/math.Abs(d.Prior)*100)
	}
	return fmt.Sprintf("%s: %s → %s, %s%s %s", d.Field, num(d.Prior), num(d.Current), signed(ch), pct, arrow)
}

func num(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

func signed(v float64) string {
	// round away float noise such as 0.010299999999999976
	s := strconv.FormatFloat(math.Round(v*1e8)/1e8, 'f', -1, 64)
	if v >= 0 {
		return "+" + s
	}
	return s
}

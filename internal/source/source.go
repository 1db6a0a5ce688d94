// Package source holds the immutable descriptors of monitored targets.
//
// Descriptors are built once by the config layer and shared read-only by the
// scheduler, monitors and formatter.
package source

import (
	"strings"
	"time"
)

type Kind string

const (
	KindJSONAPI     Kind = "json-api"
	KindHTMLPage    Kind = "html-page"
	KindRPCCall     Kind = "rpc-call"
	KindPriceFeed   Kind = "price-feed"
	KindForumTopics Kind = "forum-topic-list"
)

var kinds = []Kind{KindJSONAPI, KindHTMLPage, KindRPCCall, KindPriceFeed, KindForumTopics}

// Kinds returns the closed set of supported kinds.
func Kinds() []Kind { return append([]Kind(nil), kinds...) }

func (k Kind) Valid() bool {
	for _, v := range kinds {
		if v == k {
			return true
		}
	}
	return false
}

// DefaultFormat is the body format a kind is extracted with unless rules override it.
func (k Kind) DefaultFormat() Format {
	switch k {
	case KindHTMLPage, KindForumTopics:
		return FormatHTML
	default:
		return FormatJSON
	}
}

type Format string

const (
	FormatJSON   Format = "json"
	FormatHTML   Format = "html"
	FormatPacked Format = "packed"
)

type PolicyKind string

const (
	PolicyNewOnly   PolicyKind = "new-only"
	PolicyThreshold PolicyKind = "threshold"
	PolicyTopN      PolicyKind = "replace-top-N"
)

// DiffPolicy decides how an extracted item is classified.
type DiffPolicy struct {
	Kind PolicyKind

	// threshold
	Field        string
	Delta        float64
	AlertOnFirst bool

	// replace-top-N
	N int
}

func (p DiffPolicy) String() string {
	switch p.Kind {
	case PolicyThreshold:
		return "threshold(" + p.Field + ")"
	case PolicyTopN:
		return "replace-top-N"
	default:
		return string(PolicyNewOnly)
	}
}

// Request describes how to fetch a source. Body, URL and header values may
// reference environment variables as ${NAME}.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    string
	// HostKey groups requests for rate limiting; empty means the URL host.
	HostKey string
	Timeout time.Duration
	// Render is "" for plain HTTP or "browser" for a headless Chrome fetch.
	Render string
}

// FieldRule projects one named field out of an item.
type FieldRule struct {
	Name string
	// Path is a dot path inside a JSON item ("stats.price_usd", "tags.0").
	Path string
	// Selector is a CSS selector relative to an HTML item element.
	Selector string
	// Attr reads an attribute instead of the text content.
	Attr string
	// Text is "", "strip", "markdown" or "html".
	Text     string
	Required bool
	Default  string
}

type PackedField struct {
	Name string
	// Type is u8, u16, u32, u64, hex or string.
	Type string
	// Size is the byte width of hex and string fields.
	Size int
}

// PackedRules describe a versioned binary payload: magic, version byte,
// big-endian uint32 record count, then fixed-size records.
type PackedRules struct {
	Magic    []byte
	Version  int
	Encoding string // raw, hex or base64
	Path     string // JSON path of the encoded payload when Encoding != raw
	Fields   []PackedField
}

// RecordSize is the byte width of one record.
func (p PackedRules) RecordSize() int {
	n := 0
	for _, f := range p.Fields {
		n += f.Width()
	}
	return n
}

func (f PackedField) Width() int {
	switch strings.ToLower(f.Type) {
	case "u8":
		return 1
	case "u16":
		return 2
	case "u32":
		return 4
	case "u64":
		return 8
	default:
		return f.Size
	}
}

type Rules struct {
	Format Format
	// Items is the JSON path of the item array or the CSS selector of item elements.
	Items  string
	Fields []FieldRule
	// Key is the natural key template, e.g. "post_{id}" or "{project}+{date}+{amount}".
	Key string
	// Canonical lists the fields feeding the content digest; empty means all fields.
	Canonical []string

	Score string
	Title string
	Link  string
	Time  string

	WithinDays  int
	KeepUndated bool
	Reverse     bool
	Limit       int

	Packed *PackedRules
}

// Descriptor is the immutable configuration of one monitored target.
type Descriptor struct {
	ID    string
	Label string
	Kind  Kind

	Request Request
	Rules   Rules
	Policy  DiffPolicy

	// Schedule is a duration, HH:MM interval or cron expression.
	Schedule string
	Group    string

	AllowStale         bool
	HighlightThreshold int
	CriticalScore      int
}

// DisplayName is the label used in messages.
func (d Descriptor) DisplayName() string {
	if strings.TrimSpace(d.Label) != "" {
		return d.Label
	}
	return d.ID
}

// Format resolves the effective body format.
func (d Descriptor) Format() Format {
	if d.Rules.Format != "" {
		return d.Rules.Format
	}
	if d.Rules.Packed != nil && d.Kind == KindRPCCall {
		return FormatPacked
	}
	return d.Kind.DefaultFormat()
}

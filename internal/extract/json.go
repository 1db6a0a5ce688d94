package extract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"feedwatch/internal/source"
)

// keyField exposes the object key when Items ends in ".*".
const keyField = "$key"

func decodeJSON(body []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return v, nil
}

func extractJSON(body []byte, rules source.Rules) ([]rawItem, error) {
	doc, err := decodeJSON(body)
	if err != nil {
		return nil, err
	}
	elems, err := itemNodes(doc, rules.Items)
	if err != nil {
		return nil, err
	}
	out := make([]rawItem, 0, len(elems))
	for _, el := range elems {
		el := el
		out = append(out, project(rules.Fields, func(fr source.FieldRule) (string, bool) {
			path := fr.Path
			if path == "" {
				path = fr.Name
			}
			if path == keyField {
				return el.key, el.key != ""
			}
			v, ok := Lookup(el.value, path)
			if !ok {
				return "", false
			}
			s := Stringify(v)
			if fr.Text == "strip" {
				s = StripTags(s)
			}
			return s, true
		}))
	}
	return out, nil
}

type jsonElem struct {
	key   string
	value any
}

// itemNodes resolves the item collection. "a.b" must be an array (or a single
// object, treated as one item); "a.b.*" iterates object values in key order.
func itemNodes(doc any, path string) ([]jsonElem, error) {
	path = strings.TrimSpace(path)
	wildcard := false
	if path == "*" || strings.HasSuffix(path, ".*") {
		wildcard = true
		path = strings.TrimSuffix(strings.TrimSuffix(path, "*"), ".")
	}
	node := doc
	if path != "" {
		v, ok := Lookup(doc, path)
		if !ok {
			return nil, fmt.Errorf("%w: items path %q not found", ErrParse, path)
		}
		node = v
	}
	switch n := node.(type) {
	case []any:
		out := make([]jsonElem, 0, len(n))
		for i, v := range n {
			out = append(out, jsonElem{key: strconv.Itoa(i), value: v})
		}
		return out, nil
	case map[string]any:
		if !wildcard {
			return []jsonElem{{value: n}}, nil
		}
		keys := make([]string, 0, len(n))
		for k := range n {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]jsonElem, 0, len(keys))
		for _, k := range keys {
			out = append(out, jsonElem{key: k, value: n[k]})
		}
		return out, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: items path %q is not a collection", ErrParse, path)
	}
}

// Lookup walks a dot path ("data.items.0.name") through maps and arrays.
// Segments may also be bracketed: "data.items[0].name".
func Lookup(v any, path string) (any, bool) {
	path = strings.TrimSpace(strings.TrimPrefix(path, "$."))
	if path == "" || path == "$" {
		return v, true
	}
	path = strings.ReplaceAll(strings.ReplaceAll(path, "[", "."), "]", "")
	cur := v
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			continue
		}
		switch n := cur.(type) {
		case map[string]any:
			next, ok := n[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil {
				return nil, false
			}
			if i < 0 {
				i += len(n)
			}
			if i < 0 || i >= len(n) {
				return nil, false
			}
			cur = n[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Stringify renders a decoded JSON value as a field string.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

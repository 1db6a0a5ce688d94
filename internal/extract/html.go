package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/html"

	"feedwatch/internal/source"
)

func extractHTML(body []byte, rules source.Rules, baseURL string) ([]rawItem, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	base, _ := url.Parse(baseURL)

	itemSel := Compile(rules.Items)
	nodes := itemSel.All(doc)

	subs := make([]Selector, len(rules.Fields))
	for i, fr := range rules.Fields {
		subs[i] = Compile(fr.Selector)
	}

	out := make([]rawItem, 0, len(nodes))
	for _, n := range nodes {
		n := n
		idx := 0
		out = append(out, project(rules.Fields, func(fr source.FieldRule) (string, bool) {
			sel := subs[idx]
			idx++
			target := sel.First(n)
			if target == nil {
				return "", false
			}
			if fr.Attr != "" {
				v, ok := lookupAttr(target, fr.Attr)
				if !ok {
					return "", false
				}
				if isURLAttr(fr.Attr) {
					v = resolveURL(base, v)
				}
				return v, true
			}
			return textOf(target, fr.Text, baseURL), true
		}))
	}
	return out, nil
}

func isURLAttr(name string) bool {
	switch strings.ToLower(name) {
	case "href", "src", "data-href", "data-url":
		return true
	}
	return false
}

func resolveURL(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if base == nil || ref == "" {
		return ref
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(u).String()
}

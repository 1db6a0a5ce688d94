package extract

import (
	"strings"

	"golang.org/x/net/html"
)

// Selector is a compiled CSS selector subset:
//
//	tag, .class, #id, [attr], [attr=val], [attr^=val], [attr*=val],
//	compounds like "div.post[data-id]", the descendant combinator (space),
//	the child combinator (">") and comma-separated alternatives.
type Selector struct {
	alts [][]step
}

type step struct {
	child bool // combinator before this step is ">"
	sel   simple
}

type simple struct {
	tag     string
	id      string
	classes []string
	attrs   []attrMatch
}

type attrMatch struct {
	key string
	op  byte // 0 = present, '=' exact, '^' prefix, '*' contains
	val string
}

// Compile parses a selector. An empty selector matches the context node itself.
func Compile(sel string) Selector {
	var out Selector
	for _, alt := range strings.Split(sel, ",") {
		alt = strings.TrimSpace(strings.ReplaceAll(alt, ">", " > "))
		if alt == "" {
			continue
		}
		var steps []step
		child := false
		for _, tok := range strings.Fields(alt) {
			if tok == ">" {
				child = true
				continue
			}
			steps = append(steps, step{child: child, sel: parseSimple(tok)})
			child = false
		}
		if len(steps) > 0 {
			out.alts = append(out.alts, steps)
		}
	}
	return out
}

func (s Selector) Empty() bool { return len(s.alts) == 0 }

// All returns matches under root in document order. The root itself is never
// a match; an empty selector returns root.
func (s Selector) All(root *html.Node) []*html.Node {
	if root == nil {
		return nil
	}
	if s.Empty() {
		return []*html.Node{root}
	}
	seen := map[*html.Node]bool{}
	var out []*html.Node
	walkElements(root, func(n *html.Node) {
		if n == root || seen[n] {
			return
		}
		for _, steps := range s.alts {
			if matchSteps(n, root, steps) {
				seen[n] = true
				out = append(out, n)
				return
			}
		}
	})
	return out
}

// First returns the first match or nil.
func (s Selector) First(root *html.Node) *html.Node {
	if s.Empty() {
		return root
	}
	m := s.All(root)
	if len(m) == 0 {
		return nil
	}
	return m[0]
}

// matchSteps checks the rightmost step against n, then walks ancestors
// (bounded by root) for the remaining steps.
func matchSteps(n, root *html.Node, steps []step) bool {
	last := steps[len(steps)-1]
	if !last.sel.matches(n) {
		return false
	}
	if len(steps) == 1 {
		return true
	}
	rest := steps[:len(steps)-1]
	if last.child {
		p := n.Parent
		if p == nil || p == root {
			return false
		}
		return matchSteps(p, root, rest)
	}
	for p := n.Parent; p != nil && p != root; p = p.Parent {
		if matchSteps(p, root, rest) {
			return true
		}
	}
	return false
}

func parseSimple(tok string) simple {
	var s simple
	for len(tok) > 0 {
		if i := strings.IndexByte(tok, '['); i >= 0 {
			if j := strings.IndexByte(tok[i:], ']'); j > 0 {
				s.attrs = append(s.attrs, parseAttr(tok[i+1:i+j]))
				tok = tok[:i] + tok[i+j+1:]
				continue
			}
		}
		break
	}
	// remaining: tag, then any sequence of .class / #id
	cut := strings.IndexAny(tok, ".#")
	if cut < 0 {
		s.tag = strings.ToLower(tok)
		return s
	}
	s.tag = strings.ToLower(tok[:cut])
	rest := tok[cut:]
	for len(rest) > 0 {
		kind := rest[0]
		rest = rest[1:]
		end := strings.IndexAny(rest, ".#")
		if end < 0 {
			end = len(rest)
		}
		name := rest[:end]
		rest = rest[end:]
		if name == "" {
			continue
		}
		if kind == '#' {
			s.id = name
		} else {
			s.classes = append(s.classes, name)
		}
	}
	if s.tag == "*" {
		s.tag = ""
	}
	return s
}

func parseAttr(body string) attrMatch {
	for _, op := range []string{"^=", "*=", "="} {
		if i := strings.Index(body, op); i >= 0 {
			return attrMatch{
				key: strings.TrimSpace(body[:i]),
				op:  op[0],
				val: strings.Trim(strings.TrimSpace(body[i+len(op):]), `"'`),
			}
		}
	}
	return attrMatch{key: strings.TrimSpace(body)}
}

func (s simple) matches(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if s.tag != "" && n.Data != s.tag {
		return false
	}
	if s.id != "" && attr(n, "id") != s.id {
		return false
	}
	if len(s.classes) > 0 {
		have := strings.Fields(attr(n, "class"))
		for _, want := range s.classes {
			if !contains(have, want) {
				return false
			}
		}
	}
	for _, a := range s.attrs {
		v, ok := lookupAttr(n, a.key)
		if !ok {
			return false
		}
		switch a.op {
		case '=':
			if v != a.val {
				return false
			}
		case '^':
			if !strings.HasPrefix(v, a.val) {
				return false
			}
		case '*':
			if !strings.Contains(v, a.val) {
				return false
			}
		}
	}
	return true
}

func walkElements(n *html.Node, fn func(*html.Node)) {
	if n.Type == html.ElementNode {
		fn(n)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walkElements(c, fn)
	}
}

func attr(n *html.Node, key string) string {
	v, _ := lookupAttr(n, key)
	return v
}

func lookupAttr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

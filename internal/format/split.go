package format

import "strings"

const (
	// SoftLimit is the preferred maximum part length in runes.
	SoftLimit = 3800
	// HardLimit is the platform maximum for a single chat message.
	HardLimit = 4096
)

// Split cuts s into ordered parts of at most soft runes where possible and
// never more than hard. Cuts only happen outside tags, entities, escape
// sequences and open emphasis, preferring paragraph breaks, then line
// breaks, then spaces. Whitespace at a cut is dropped.
func Split(s string, soft, hard int, m Markup) []string {
	if hard <= 0 {
		hard = HardLimit
	}
	if soft <= 0 || soft > hard {
		soft = hard
	}
	rs := []rune(s)
	if len(rs) <= soft {
		return []string{s}
	}
	safe := safePoints(rs, m)

	var out []string
	start := 0
	for start < len(rs) {
		if len(rs)-start <= soft {
			out = appendPart(out, rs[start:])
			break
		}
		cut := chooseCut(rs, safe, start, soft, hard)
		out = appendPart(out, rs[start:cut])
		start = cut
		for start < len(rs) && (rs[start] == '\n' || rs[start] == ' ') {
			start++
		}
	}
	if len(out) == 0 {
		out = []string{""}
	}
	return out
}

func appendPart(out []string, rs []rune) []string {
	p := strings.TrimRight(string(rs), " \n")
	if p == "" {
		return out
	}
	return append(out, p)
}

// chooseCut returns the rune index to cut before.
func chooseCut(rs []rune, safe []bool, start, soft, hard int) int {
	limit := start + soft
	floor := start + soft/3
	prefer := func(hi, lo int, ok func(i int) bool) int {
		for i := hi; i > lo; i-- {
			if safe[i] && ok(i) {
				return i
			}
		}
		return -1
	}
	paragraph := func(i int) bool { return i >= 2 && rs[i-1] == '\n' && rs[i-2] == '\n' }
	line := func(i int) bool { return rs[i-1] == '\n' }
	space := func(i int) bool { return rs[i-1] == ' ' || rs[i] == ' ' }
	anywhere := func(int) bool { return true }

	for _, ok := range []func(int) bool{paragraph, line, space} {
		if c := prefer(limit, floor, ok); c > 0 {
			return c
		}
	}
	if c := prefer(limit, start, anywhere); c > 0 {
		return c
	}
	// Nothing safe within the soft window; stretch to the hard limit.
	hi := start + hard
	if hi > len(rs) {
		hi = len(rs)
	}
	if c := prefer(hi, limit, anywhere); c > 0 {
		return c
	}
	return hi
}

// safePoints marks every rune index where a cut keeps markup intact.
// safe[i] refers to the boundary before rs[i]; safe[len(rs)] is always true.
func safePoints(rs []rune, m Markup) []bool {
	safe := make([]bool, len(rs)+1)
	safe[len(rs)] = true
	switch m {
	case HTML, Slack:
		htmlSafe(rs, safe, m == HTML)
	case MarkdownV2, Discord:
		markdownSafe(rs, safe)
	default:
		for i := range safe {
			safe[i] = true
		}
	}
	return safe
}

func htmlSafe(rs []rune, safe []bool, trackDepth bool) {
	depth := 0
	for i := 0; i < len(rs); {
		safe[i] = depth == 0
		switch rs[i] {
		case '<':
			j := i + 1
			for j < len(rs) && rs[j] != '>' {
				j++
			}
			if trackDepth && j < len(rs) {
				tag := string(rs[i+1 : j])
				switch {
				case strings.HasPrefix(tag, "/"):
					if depth > 0 {
						depth--
					}
				case strings.HasSuffix(tag, "/"):
				default:
					depth++
				}
			}
			i = j + 1
		case '&':
			j := i + 1
			for j < len(rs) && j-i <= 10 && rs[j] != ';' && rs[j] != ' ' && rs[j] != '&' {
				j++
			}
			if j < len(rs) && rs[j] == ';' {
				i = j + 1
			} else {
				i++
			}
		default:
			i++
		}
	}
}

func markdownSafe(rs []rune, safe []bool) {
	var bold, italic, code, strike bool
	link := 0 // 0 none, 1 in [text], 2 between ] and (, 3 in (url)
	for i := 0; i < len(rs); i++ {
		safe[i] = !bold && !italic && !code && !strike && link == 0
		r := rs[i]
		if r == '\\' && i+1 < len(rs) {
			// the escaped rune is part of this token
			i++
			continue
		}
		switch {
		case code:
			if r == '`' {
				code = false
			}
		case link == 1 && r == ']':
			link = 2
		case link == 2:
			if r == '(' {
				link = 3
			} else {
				link = 0
			}
		case link == 3 && r == ')':
			link = 0
		case link != 0:
		case r == '`':
			code = true
		case r == '*':
			if i+1 < len(rs) && rs[i+1] == '*' {
				i++
			}
			bold = !bold
		case r == '_':
			italic = !italic
		case r == '~':
			strike = !strike
		case r == '[':
			link = 1
		}
	}
}

package extract

import (
	"bytes"
	stdhtml "html"
	"strings"
	"sync"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var (
	mdOnce sync.Once
	mdConv *converter.Converter

	stripPolicy = bluemonday.StrictPolicy()
)

func markdownConverter() *converter.Converter {
	mdOnce.Do(func() {
		mdConv = converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		)
	})
	return mdConv
}

// textOf renders a node according to a field text mode.
func textOf(n *html.Node, mode, baseURL string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "html":
		return strings.TrimSpace(innerHTML(n))
	case "strip":
		return StripTags(innerHTML(n))
	case "markdown":
		md, err := markdownConverter().ConvertString(innerHTML(n), converter.WithDomain(baseURL))
		if err != nil {
			return collectText(n)
		}
		return strings.TrimSpace(md)
	default:
		return collectText(n)
	}
}

// StripTags removes all markup with a strict sanitizer and decodes entities.
func StripTags(s string) string {
	return normalizeSpace(stdhtml.UnescapeString(stripPolicy.Sanitize(s)))
}

// collectText gathers visible text below n with block-level breaks collapsed to spaces.
func collectText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(c *html.Node) {
		switch c.Type {
		case html.TextNode:
			b.WriteString(c.Data)
			return
		case html.ElementNode:
			switch c.DataAtom {
			case atom.Script, atom.Style, atom.Noscript, atom.Template:
				return
			case atom.Br, atom.P, atom.Div, atom.Li, atom.Tr:
				b.WriteByte(' ')
			}
		}
		for ch := c.FirstChild; ch != nil; ch = ch.NextSibling {
			walk(ch)
		}
	}
	walk(n)
	return normalizeSpace(b.String())
}

func innerHTML(n *html.Node) string {
	var buf bytes.Buffer
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		_ = html.Render(&buf, c)
	}
	return buf.String()
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

package format

import (
	"html"
	"strings"
)

// Markup selects the escaping and emphasis rules of a channel.
type Markup string

const (
	HTML       Markup = "HTML"
	MarkdownV2 Markup = "MarkdownV2"
	Discord    Markup = "discord"
	Slack      Markup = "slack"
	Plain      Markup = "plain"
)

// ParseMarkup maps config spellings to a Markup; unknown values return Plain.
func ParseMarkup(s string) Markup {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "html":
		return HTML
	case "markdownv2", "markdown_v2", "mdv2":
		return MarkdownV2
	case "discord", "markdown":
		return Discord
	case "slack", "mrkdwn":
		return Slack
	default:
		return Plain
	}
}

// markdownV2Reserved must be backslash-escaped in MarkdownV2 text.
const markdownV2Reserved = "_*[]()~`>#+-=|{}.!"

// EscapeMarkdownV2 escapes backslashes first, then every reserved character.
func EscapeMarkdownV2(s string) string {
	var b strings.Builder
	b.Grow(len(s) + len(s)/4)
	for _, r := range s {
		if r == '\\' {
			b.WriteString(`\\`)
			continue
		}
		if strings.ContainsRune(markdownV2Reserved, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// escapeMarkdownV2URL escapes the inside of a (...) link target.
func escapeMarkdownV2URL(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, ")", `\)`)
}

// EscapeHTML escapes &, < and > (and quotes, harmless in text).
func EscapeHTML(s string) string { return html.EscapeString(s) }

var discordReplacer = strings.NewReplacer(
	`\`, `\\`, "*", `\*`, "_", `\_`, "~", `\~`, "`", "\\`", "|", `\|`, ">", `\>`,
)

var slackReplacer = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// Escape escapes plain text for m.
func Escape(m Markup, s string) string {
	switch m {
	case HTML:
		return EscapeHTML(s)
	case MarkdownV2:
		return EscapeMarkdownV2(s)
	case Discord:
		return discordReplacer.Replace(s)
	case Slack:
		return slackReplacer.Replace(s)
	default:
		return s
	}
}

// Bold wraps already-escaped text.
func Bold(m Markup, escaped string) string {
	switch m {
	case HTML:
		return "<b>" + escaped + "</b>"
	case MarkdownV2, Slack:
		return "*" + escaped + "*"
	case Discord:
		return "**" + escaped + "**"
	default:
		return escaped
	}
}

// Italic wraps already-escaped text.
func Italic(m Markup, escaped string) string {
	switch m {
	case HTML:
		return "<i>" + escaped + "</i>"
	case MarkdownV2, Slack, Discord:
		return "_" + escaped + "_"
	default:
		return escaped
	}
}

// Code wraps already-escaped text.
func Code(m Markup, escaped string) string {
	switch m {
	case HTML:
		return "<code>" + escaped + "</code>"
	case MarkdownV2, Slack, Discord:
		return "`" + escaped + "`"
	default:
		return escaped
	}
}

// Link renders a hyperlink; text is raw and escaped here.
func Link(m Markup, text, url string) string {
	switch m {
	case HTML:
		return `<a href="` + html.EscapeString(url) + `">` + EscapeHTML(text) + `</a>`
	case MarkdownV2:
		return "[" + EscapeMarkdownV2(text) + "](" + escapeMarkdownV2URL(url) + ")"
	case Discord:
		return "[" + Escape(Discord, text) + "](<" + url + ">)"
	case Slack:
		return "<" + url + "|" + Escape(Slack, text) + ">"
	default:
		if text == "" || text == url {
			return url
		}
		return text + " " + url
	}
}

package telegram

import (
	"regexp"
	"strings"
)

var (
	reCode   = regexp.MustCompile("`([^`]+)`")
	reBold   = regexp.MustCompile(`\*\*(.+?)\*\*`)
	reItalic = regexp.MustCompile(`(?:\*([^*]+?)\*|\b_([^_]+?)_\b)`)
	reLink   = regexp.MustCompile(`\[([^\]]+)\]\(([^)\s]+)\)`)
)

// ToHTML converts the small Markdown subset announcements use (bold,
// italics with * or _, inline code, links) to Telegram's HTML parse mode.
func ToHTML(md string) string {
	lines := strings.Split(md, "\n")
	for i, line := range lines {
		lines[i] = lineToHTML(line)
	}
	return strings.Join(lines, "\n")
}

func lineToHTML(line string) string {
	// Code spans are lifted out first so their content is not formatted.
	var spans []string
	line = reCode.ReplaceAllStringFunc(line, func(m string) string {
		spans = append(spans, "<code>"+escapeHTML(reCode.FindStringSubmatch(m)[1])+"</code>")
		return "\x00" + string(rune('0'+len(spans)-1)) + "\x00"
	})

	line = escapeHTML(line)
	line = reLink.ReplaceAllStringFunc(line, func(m string) string {
		sub := reLink.FindStringSubmatch(m)
		return `<a href="` + strings.ReplaceAll(sub[2], `"`, "&quot;") + `">` + sub[1] + "</a>"
	})
	line = reBold.ReplaceAllString(line, "<b>$1</b>")
	line = reItalic.ReplaceAllString(line, "<i>$1$2</i>")

	for i, s := range spans {
		line = strings.Replace(line, "\x00"+string(rune('0'+i))+"\x00", s, 1)
	}
	return line
}

func escapeHTML(s string) string {
	return strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;").Replace(s)
}

// StripMarkdown removes the same subset, rendering links as "text (url)".
func StripMarkdown(md string) string {
	out := reCode.ReplaceAllString(md, "$1")
	out = reLink.ReplaceAllString(out, "$1 ($2)")
	out = reBold.ReplaceAllString(out, "$1")
	return reItalic.ReplaceAllString(out, "$1$2")
}

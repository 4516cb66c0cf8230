package slackconn

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/slack-go/slack"

	"github.com/ca-study-space/cssbot/internal/platform"
)

// Slack caps section fields at ten per block.
const maxSectionFields = 10

// render turns a platform message into Slack options: the title as the
// plain-text fallback (History reads it back from there) and the content
// as blocks inside a coloured attachment.
func render(msg platform.Message) []slack.MsgOption {
	var blocks []slack.Block

	title := "*" + escape(msg.Title) + "*"
	if msg.URL != "" {
		title = "*<" + msg.URL + "|" + escape(msg.Title) + ">*"
	}
	if msg.Title != "" {
		blocks = append(blocks, mrkdwnSection(title))
	}
	if msg.Body != "" {
		blocks = append(blocks, mrkdwnSection(MarkdownToMrkdwn(msg.Body)))
	}

	var inline []*slack.TextBlockObject
	flush := func() {
		for len(inline) > 0 {
			n := min(len(inline), maxSectionFields)
			blocks = append(blocks, slack.NewSectionBlock(nil, inline[:n], nil))
			inline = inline[n:]
		}
	}
	for _, f := range msg.Fields {
		text := "*" + escape(f.Name) + "*\n" + MarkdownToMrkdwn(f.Value)
		if f.Inline {
			inline = append(inline, slack.NewTextBlockObject(slack.MarkdownType, text, false, false))
			continue
		}
		flush()
		blocks = append(blocks, mrkdwnSection(text))
	}
	flush()

	if msg.ImageURL != "" {
		blocks = append(blocks, slack.NewImageBlock(msg.ImageURL, msg.Title, "", nil))
	}
	if len(msg.Buttons) > 0 {
		elems := make([]slack.BlockElement, 0, len(msg.Buttons))
		for _, b := range msg.Buttons {
			btn := slack.NewButtonBlockElement(b.Action, b.Value, slack.NewTextBlockObject(slack.PlainTextType, b.Label, true, false))
			switch b.Style {
			case platform.StylePrimary:
				btn = btn.WithStyle(slack.StylePrimary)
			case platform.StyleDanger:
				btn = btn.WithStyle(slack.StyleDanger)
			}
			elems = append(elems, btn)
		}
		blocks = append(blocks, slack.NewActionBlock("", elems...))
	}
	if msg.Footer != "" {
		blocks = append(blocks, slack.NewContextBlock("", slack.NewTextBlockObject(slack.MarkdownType, escape(msg.Footer), false, false)))
	}

	att := slack.Attachment{
		Color:  fmt.Sprintf("#%06X", msg.Color),
		Blocks: slack.Blocks{BlockSet: blocks},
	}
	return []slack.MsgOption{
		slack.MsgOptionText(msg.Title, false),
		slack.MsgOptionAttachments(att),
	}
}

func mrkdwnSection(text string) *slack.SectionBlock {
	return slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil)
}

// escape protects the three characters Slack treats as control sequences.
func escape(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	return strings.ReplaceAll(s, ">", "&gt;")
}

var entityRef = regexp.MustCompile(`^<([@#])([A-Z0-9]+)(\|[^>]*)?>$`)

// normalizeArg reduces "<@U123|ana>" and "<#C123|general>" to the bare id.
func normalizeArg(arg string) string {
	if m := entityRef.FindStringSubmatch(arg); m != nil {
		return m[2]
	}
	return arg
}

var invalidName = regexp.MustCompile(`[^a-z0-9_-]+`)

// channelName folds a resource name into Slack's channel naming rules:
// lowercase, no spaces or punctuation, at most 80 characters.
func channelName(name string) string {
	n := invalidName.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "-")
	n = strings.Trim(n, "-")
	if len(n) > 80 {
		n = n[:80]
	}
	return n
}

// MarkdownToMrkdwn converts standard Markdown to Slack's mrkdwn format.
func MarkdownToMrkdwn(md string) string {
	result := md

	// Convert emphasis markers in a single pass
	result = convertEmphasis(result)
	// Convert strikethrough: ~~text~~ → ~text~
	result = strings.ReplaceAll(result, "~~", "~")
	// Convert links: [text](url) → <url|text>
	result = convertLinks(result)

	return result
}

// convertEmphasis maps **bold** to *bold* and *italic* to _italic_,
// leaving code spans alone.
func convertEmphasis(s string) string {
	var b strings.Builder
	inCode := false
	i := 0
	for i < len(s) {
		ch := s[i]
		switch {
		case ch == '`':
			inCode = !inCode
			b.WriteByte(ch)
			i++
		case ch == '*' && !inCode && i+1 < len(s) && s[i+1] == '*':
			b.WriteByte('*')
			i += 2
		case ch == '*' && !inCode:
			b.WriteByte('_')
			i++
		default:
			b.WriteByte(ch)
			i++
		}
	}
	return b.String()
}

// convertLinks converts [text](url) to <url|text>.
func convertLinks(s string) string {
	var b strings.Builder
	i := 0
	for i < len(s) {
		if s[i] != '[' {
			b.WriteByte(s[i])
			i++
			continue
		}
		closeB := strings.Index(s[i:], "](")
		if closeB == -1 {
			b.WriteByte(s[i])
			i++
			continue
		}
		closeB += i
		closeP := strings.Index(s[closeB:], ")")
		if closeP == -1 {
			b.WriteByte(s[i])
			i++
			continue
		}
		closeP += closeB
		fmt.Fprintf(&b, "<%s|%s>", s[closeB+2:closeP], s[i+1:closeB])
		i = closeP + 1
	}
	return b.String()
}

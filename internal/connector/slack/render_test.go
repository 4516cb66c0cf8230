package slackconn

import (
	"strings"
	"testing"

	"github.com/slack-go/slack"

	"github.com/ca-study-space/cssbot/internal/platform"
)

func TestMarkdownToMrkdwn(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"bold", "This is **bold** text", "This is *bold* text"},
		{"italic", "This is *italic* text", "This is _italic_ text"},
		{"bold and italic", "**bold** and *italic*", "*bold* and _italic_"},
		{"strikethrough", "~~deleted~~ text", "~deleted~ text"},
		{"links", "Click [here](https://example.com) now", "Click <https://example.com|here> now"},
		{"code preserved", "Use `*not bold*` in code", "Use `*not bold*` in code"},
		{"code block", "```\ncode here\n```", "```\ncode here\n```"},
		{"plain", "Just plain text with no formatting", "Just plain text with no formatting"},
		{"mentions untouched", "**Reason:** <@U1> asked", "*Reason:* <@U1> asked"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MarkdownToMrkdwn(tt.in); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestConvertLinks_Multiple(t *testing.T) {
	got := convertLinks("[a](http://a.com) and [b](http://b.com)")
	want := "<http://a.com|a> and <http://b.com|b>"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestConvertLinks_Incomplete(t *testing.T) {
	// Incomplete link syntax should be left as-is
	got := convertLinks("[no link here")
	want := "[no link here"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestNormalizeArg(t *testing.T) {
	tests := []struct{ in, want string }{
		{"<@U123|ana>", "U123"},
		{"<@U123>", "U123"},
		{"<#C42|general>", "C42"},
		{"U123", "U123"},
		{"Final", "Final"},
		{"<https://x.org>", "<https://x.org>"},
	}
	for _, tt := range tests {
		if got := normalizeArg(tt.in); got != tt.want {
			t.Errorf("normalizeArg(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestChannelName(t *testing.T) {
	tests := []struct{ in, want string }{
		{"ticket-07", "ticket-07"},
		{"SG_Alpha Team", "sg_alpha-team"},
		{"iss-004-rule-violation", "iss-004-rule-violation"},
		{"  Ünïcode!! ", "n-code"},
	}
	for _, tt := range tests {
		if got := channelName(tt.in); got != tt.want {
			t.Errorf("channelName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRender(t *testing.T) {
	msg := platform.Message{
		Title: "Issue Ticket ISS-001",
		Body:  "Spam in **#general**",
		Color: platform.ColorRed,
		Fields: []platform.Field{
			{Name: "Category", Value: "Spam", Inline: true},
			{Name: "Priority", Value: "High", Inline: true},
			{Name: "Description", Value: "long text"},
		},
		Footer: "CA Study Space",
		Buttons: []platform.Button{
			{Label: "Claim", Action: "issue.claim", Value: "ISS-001", Style: platform.StylePrimary},
		},
	}
	_, values, err := slack.UnsafeApplyMsgOptions("xoxb", "C1", "https://slack.invalid/", render(msg)...)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if values.Get("text") != "Issue Ticket ISS-001" {
		t.Errorf("fallback text = %q", values.Get("text"))
	}
	attachments := values.Get("attachments")
	for _, want := range []string{`"color":"#E74C3C"`, `"action_id":"issue.claim"`, `"value":"ISS-001"`, `"style":"primary"`, `*Category*\nSpam`} {
		if !strings.Contains(attachments, want) {
			t.Errorf("attachments missing %s: %s", want, attachments)
		}
	}
}

func TestReactionNames(t *testing.T) {
	if reactionName("✅") != "white_check_mark" || emojiFor("white_check_mark") != "✅" {
		t.Error("approval emoji not mapped")
	}
	if reactionName(":tada:") != "tada" || emojiFor("tada") != "tada" {
		t.Error("unmapped names should pass through")
	}
}

func TestSplitRef(t *testing.T) {
	ch, ts, err := splitRef(messageRef("C1", "1700000000.000100"))
	if err != nil || ch != "C1" || ts != "1700000000.000100" {
		t.Errorf("splitRef = %q %q %v", ch, ts, err)
	}
	if _, _, err := splitRef("C1"); err == nil {
		t.Error("expected error for ref without timestamp")
	}
}

func TestConnectorName(t *testing.T) {
	c := &Connector{}
	if c.Name() != "slack" {
		t.Errorf("Name() = %q", c.Name())
	}
}

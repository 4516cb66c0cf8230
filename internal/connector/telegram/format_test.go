package telegram

import (
	"strings"
	"testing"
)

func TestToHTML(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", "Just plain text, nothing special.", "Just plain text, nothing special."},
		{"bold", "This is **bold** text", "This is <b>bold</b> text"},
		{"star italic", "This is *italic* text", "This is <i>italic</i> text"},
		{"underscore italic", "_5 March, 2025_", "<i>5 March, 2025</i>"},
		{"snake case untouched", "see exam_form_link", "see exam_form_link"},
		{"code", "Use `a*b*c` here", "Use <code>a*b*c</code> here"},
		{"link", "Click [here](https://example.com/?a=1&b=2)", `Click <a href="https://example.com/?a=1&amp;b=2">here</a>`},
		{"escaping", "Use <script> & tags", "Use &lt;script&gt; &amp; tags"},
		{"multiline", "**Title**\n\n[Notice](https://x.org)", "<b>Title</b>\n\n<a href=\"https://x.org\">Notice</a>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ToHTML(tt.input); got != tt.want {
				t.Errorf("ToHTML(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestToHTML_CodeIsEscaped(t *testing.T) {
	got := ToHTML("`<div>`")
	if got != "<code>&lt;div&gt;</code>" {
		t.Errorf("got %q", got)
	}
}

func TestStripMarkdown(t *testing.T) {
	md := "**bold** and *italic* with `code` and [link](https://example.com)"
	got := StripMarkdown(md)
	if strings.ContainsAny(got, "*`") {
		t.Errorf("expected stripped markdown, got %q", got)
	}
	if got != "bold and italic with code and link (https://example.com)" {
		t.Errorf("got %q", got)
	}
}

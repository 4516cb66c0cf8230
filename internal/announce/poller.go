package announce

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/ca-study-space/cssbot/internal/connector"
	"github.com/ca-study-space/cssbot/internal/fault"
	"github.com/ca-study-space/cssbot/internal/platform"
	"github.com/ca-study-space/cssbot/pkg/protocol"
)

// Color is the accent of announcement posts.
const Color = 0x2B6CB0

// Source yields the current announcements.
type Source interface {
	Fetch(ctx context.Context) []protocol.Announcement
}

// Mirror is an extra destination for new announcements.
type Mirror struct {
	Conn   connector.Connector
	ChatID string
}

// Poller posts announcements it has not posted before.
type Poller struct {
	source    Source
	seen      Seen
	messenger platform.Messenger
	channel   string
	mirrors   []Mirror
	logger    *slog.Logger

	mu sync.Mutex // one poll at a time
}

// NewPoller creates a Poller posting to channel.
func NewPoller(src Source, seen Seen, m platform.Messenger, channel string, mirrors []Mirror, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		source:    src,
		seen:      seen,
		messenger: m,
		channel:   channel,
		mirrors:   mirrors,
		logger:    logger,
	}
}

// Poll fetches once and posts every unseen announcement. An id is marked
// only after its post succeeded, so a failed post is retried next poll.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	if p.channel == "" {
		return 0, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	posted := 0
	for _, a := range p.source.Fetch(ctx) {
		seen, err := p.seen.Seen(ctx, a.ID)
		if err != nil {
			return posted, fault.Transient(err, "announce: posted set")
		}
		if seen {
			continue
		}
		if _, err := p.messenger.Send(ctx, p.channel, Message(a)); err != nil {
			return posted, fault.Transient(err, "announce: post")
		}
		p.mirror(ctx, a)
		if err := p.seen.Mark(ctx, a.ID); err != nil {
			return posted, fault.Transient(err, "announce: mark posted")
		}
		posted++
		p.logger.Info("announcement posted", "id", a.ID, "title", a.Title)
	}
	return posted, nil
}

// Run is the scheduler entry point. Failures are logged.
func (p *Poller) Run(ctx context.Context) {
	n, err := p.Poll(ctx)
	if err != nil {
		p.logger.Error("announcement poll failed", "posted", n, "error", err)
		return
	}
	p.logger.Info("announcement poll done", "posted", n)
}

func (p *Poller) mirror(ctx context.Context, a protocol.Announcement) {
	for _, m := range p.mirrors {
		if err := m.Conn.Send(ctx, MirrorMessage(m.ChatID, a)); err != nil {
			p.logger.Warn("announcement mirror failed", "connector", m.Conn.Name(), "id", a.ID, "error", err)
		}
	}
}

// Message renders a fetched announcement.
func Message(a protocol.Announcement) platform.Message {
	msg := platform.Message{
		Title:  "ICAI Examination Announcement",
		Body:   "**" + a.Title + "**",
		URL:    a.URL,
		Color:  Color,
		Fields: []platform.Field{{Name: "Date", Value: a.Date}},
		Footer: "Source: ICAI BOS Portal",
	}
	if a.Excerpt != "" {
		msg.Fields = append(msg.Fields, platform.Field{Name: "Summary", Value: a.Excerpt})
	}
	return msg
}

// MirrorMessage renders a fetched announcement as Markdown text.
func MirrorMessage(chatID string, a protocol.Announcement) connector.OutboundMessage {
	var b strings.Builder
	b.WriteString("**ICAI Examination Announcement**\n\n")
	fmt.Fprintf(&b, "[%s](%s)\n", a.Title, a.URL)
	fmt.Fprintf(&b, "_%s_", a.Date)
	if a.Excerpt != "" {
		b.WriteString("\n\n" + a.Excerpt)
	}
	return connector.OutboundMessage{ChatID: chatID, Content: b.String()}
}

// Manual is a staff-written announcement.
type Manual struct {
	Title    string
	Message  string
	Link     string
	ImageURL string
}

// Compose validates a manual announcement and renders it.
func Compose(m Manual) (platform.Message, error) {
	m.Title = strings.TrimSpace(m.Title)
	m.Message = strings.TrimSpace(m.Message)
	if m.Title == "" || m.Message == "" {
		return platform.Message{}, fault.Validationf("An announcement needs a title and a message.")
	}
	for _, u := range []string{m.Link, m.ImageURL} {
		if u != "" && !isWebURL(u) {
			return platform.Message{}, fault.Validationf("%q is not a web link.", u)
		}
	}
	return platform.Message{
		Title:    m.Title,
		Body:     m.Message,
		URL:      m.Link,
		ImageURL: m.ImageURL,
		Color:    Color,
		Footer:   "CA Study Space",
	}, nil
}

func isWebURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

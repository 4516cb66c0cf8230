package bot

import (
	"context"
	"fmt"
	"strings"

	"github.com/ca-study-space/cssbot/internal/access"
	"github.com/ca-study-space/cssbot/internal/announce"
	"github.com/ca-study-space/cssbot/internal/connector"
	"github.com/ca-study-space/cssbot/internal/fault"
	"github.com/ca-study-space/cssbot/pkg/protocol"
)

func (b *Bot) exportStudies(ctx context.Context, ev connector.Event) (connector.Reply, error) {
	return b.export(ctx, ev.Actor, protocol.KindStudy, "tickets", "📊 Ticket data export:")
}

func (b *Bot) exportIssues(ctx context.Context, ev connector.Event) (connector.Reply, error) {
	return b.export(ctx, ev.Actor, protocol.KindIssue, "issue_tickets", "📊 Issue ticket data export:")
}

func (b *Bot) export(ctx context.Context, actor string, kind protocol.Kind, prefix, caption string) (connector.Reply, error) {
	if err := b.access.Require(ctx, actor, access.Admin); err != nil {
		return connector.Reply{}, err
	}
	data, err := b.exporter.Export(ctx, kind)
	if err != nil {
		return connector.Reply{}, err
	}
	b.logger.Info("tickets exported", "kind", kind, "actor", actor, "bytes", len(data))
	return connector.Reply{
		Text:    caption,
		File:    &connector.File{Name: fmt.Sprintf("%s_%s.json", prefix, b.now().UTC().Format("20060102_150405")), Data: data},
		Private: true,
	}, nil
}

// announce handles /announce <title> | <message> [| link] [| image].
func (b *Bot) announce(ctx context.Context, ev connector.Event) (connector.Reply, error) {
	if err := b.access.Require(ctx, ev.Actor, access.Moderator); err != nil {
		return connector.Reply{}, err
	}
	parts := strings.Split(ev.Text, "|")
	if len(parts) < 2 || len(parts) > 4 {
		return connector.Reply{}, fault.Validationf("Usage: /announce <title> | <message> [| link] [| image].")
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	m := announce.Manual{Title: parts[0], Message: parts[1]}
	if len(parts) > 2 {
		m.Link = parts[2]
	}
	if len(parts) > 3 {
		m.ImageURL = parts[3]
	}
	msg, err := announce.Compose(m)
	if err != nil {
		return connector.Reply{}, err
	}
	b.logger.Info("manual announcement", "actor", ev.Actor, "channel", ev.Channel, "title", m.Title)
	return connector.Reply{Message: &msg}, nil
}

func (b *Bot) setupIssueReporter(ctx context.Context, ev connector.Event) (connector.Reply, error) {
	if err := b.access.Require(ctx, ev.Actor, access.Admin); err != nil {
		return connector.Reply{}, err
	}
	msg := IssueReporterMessage()
	return connector.Reply{Message: &msg}, nil
}

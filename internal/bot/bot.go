// Package bot is the command surface: it binds slash commands, buttons and
// reactions to the ticket lifecycles, the drafting window, exports and
// announcements. Handlers are transport independent; connectors turn
// platform events into connector.Event values and deliver the replies.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/ca-study-space/cssbot/internal/access"
	"github.com/ca-study-space/cssbot/internal/connector"
	"github.com/ca-study-space/cssbot/internal/draft"
	"github.com/ca-study-space/cssbot/internal/lifecycle"
	"github.com/ca-study-space/cssbot/internal/notify"
	"github.com/ca-study-space/cssbot/internal/platform"
	"github.com/ca-study-space/cssbot/internal/router"
	"github.com/ca-study-space/cssbot/pkg/protocol"
)

// ApprovalEmoji is the reaction members use to consent.
const ApprovalEmoji = "✅"

// Exporter produces the audit snapshot of one ticket family.
type Exporter interface {
	Export(ctx context.Context, kind protocol.Kind) ([]byte, error)
}

// Poster posts a message once per channel.
type Poster interface {
	EnsurePosted(ctx context.Context, channel string, msg platform.Message) (bool, error)
}

// Config names the channels the bot bootstraps.
type Config struct {
	StudyRequestChannel  string
	WelcomeChannel       string
	RulesChannel         string
	// IssueReporterChannel, when set, receives the report entry message at startup.
	IssueReporterChannel string
	// BotID is the bot's own user; its reactions are ignored.
	BotID string
}

// Deps are the collaborators of a Bot.
type Deps struct {
	Studies  *lifecycle.Service
	Issues   *lifecycle.IssueService
	Drafts   *draft.Sessions
	Exporter Exporter
	Access   access.Checker
	Poster   Poster
	Config   Config
	Logger   *slog.Logger
}

// Bot holds the route handlers.
type Bot struct {
	studies  *lifecycle.Service
	issues   *lifecycle.IssueService
	drafts   *draft.Sessions
	exporter Exporter
	access   access.Checker
	poster   Poster
	cfg      Config
	commands func() []string
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Bot.
func New(d Deps) *Bot {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bot{
		studies:  d.Studies,
		issues:   d.Issues,
		drafts:   d.Drafts,
		exporter: d.Exporter,
		access:   d.Access,
		poster:   d.Poster,
		cfg:      d.Config,
		commands: func() []string { return nil },
		logger:   logger,
		now:      time.Now,
	}
}

// Register adds every route to r.
func (b *Bot) Register(r *router.Router) {
	b.commands = r.Commands

	r.Command("help", b.help)

	r.Command("studygroup", b.studyGroup)
	r.Button(notify.ActionStudyOpen, b.studyOpen)
	r.Button(notify.ActionStudyClaim, b.studyClaim)
	r.Command("cancel_ticket", b.cancelTicket)
	r.Reaction(ApprovalEmoji, b.approve)

	r.Command("report", b.report)
	r.Button(notify.ActionIssueOpen, b.issueOpen)
	r.Button(notify.ActionIssueClaim, b.issueClaim)
	r.Button(notify.ActionIssueEscalate, b.issueEscalate)
	r.Button(notify.ActionIssueDetails, b.issueDetails)
	r.Command("resolve", b.resolve)
	r.Command("invalid", b.invalid)

	r.Command("export_tickets", b.exportStudies)
	r.Command("export_issue_tickets", b.exportIssues)
	r.Command("announce", b.announce)
	r.Command("setup_issue_reporter", b.setupIssueReporter)
}

// Bootstrap posts the study-request entry, welcome and rules messages
// unless they are already among the channel's recent posts.
func (b *Bot) Bootstrap(ctx context.Context) error {
	posts := []struct {
		channel string
		msg     platform.Message
	}{
		{b.cfg.StudyRequestChannel, EntryMessage()},
		{b.cfg.WelcomeChannel, WelcomeMessage()},
		{b.cfg.RulesChannel, RulesMessage()},
		{b.cfg.IssueReporterChannel, IssueReporterMessage()},
	}
	var errs []error
	for _, p := range posts {
		if p.channel == "" {
			continue
		}
		if _, err := b.poster.EnsurePosted(ctx, p.channel, p.msg); err != nil {
			b.logger.Error("bootstrap post failed", "channel", p.channel, "title", p.msg.Title, "error", err)
			errs = append(errs, fmt.Errorf("bot: bootstrap %s: %w", p.msg.Title, err))
		}
	}
	return errors.Join(errs...)
}

func (b *Bot) help(_ context.Context, _ connector.Event) (connector.Reply, error) {
	var sb strings.Builder
	sb.WriteString("*CA Study Space commands*\n")
	for _, c := range b.commands() {
		sb.WriteString("• /" + c + "\n")
	}
	return private(sb.String()), nil
}

func private(text string) connector.Reply {
	return connector.Reply{Text: text, Private: true}
}

func privateMessage(msg platform.Message) connector.Reply {
	return connector.Reply{Message: &msg, Private: true}
}

func public(text string) connector.Reply {
	return connector.Reply{Text: text}
}

// splitFirst returns the first whitespace-separated word of s and the
// trimmed remainder.
func splitFirst(s string) (string, string) {
	s = strings.TrimSpace(s)
	i := strings.IndexFunc(s, unicode.IsSpace)
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimSpace(s[i:])
}

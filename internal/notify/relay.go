// Package notify keeps the staff-facing transcripts in step with ticket
// state and tells originators what happened to their request.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/ca-study-space/cssbot/internal/fault"
	"github.com/ca-study-space/cssbot/internal/platform"
	"github.com/ca-study-space/cssbot/pkg/protocol"
)

// Route names of the buttons attached to transcripts and prompts.
const (
	ActionStudyOpen     = "study.open"
	ActionStudyClaim    = "study.claim"
	ActionIssueOpen     = "issue.open"
	ActionIssueClaim    = "issue.claim"
	ActionIssueEscalate = "issue.escalate"
	ActionIssueDetails  = "issue.details"
)

// HistoryScan is how many recent messages EnsurePosted looks at.
const HistoryScan = 25

// Footer is the sign-off used on public posts.
const Footer = "CA Study Space"

// Relay publishes transcripts and direct notifications.
type Relay struct {
	messenger    platform.Messenger
	studyChannel string
	issueChannel string
	botID        string
	logger       *slog.Logger
}

// Config names the transcript channels.
type Config struct {
	StudyTranscripts string
	IssueTranscripts string
	// BotID identifies the bot's own posts when scanning history.
	BotID string
}

// New creates a Relay.
func New(m platform.Messenger, cfg Config, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		messenger:    m,
		studyChannel: cfg.StudyTranscripts,
		issueChannel: cfg.IssueTranscripts,
		botID:        cfg.BotID,
		logger:       logger,
	}
}

// --- study groups ---

// Status lines shown on study transcripts.
func StatusOpen() string { return "🟢 OPEN" }
func StatusClaimed(actor string) string { return "🟡 CLAIMED by " + platform.Mention(actor) }
func StatusApproved() string { return "🟢 APPROVED" }
func StatusCancelled(actor string) string { return "🔴 CANCELLED by " + platform.Mention(actor) }

// Publish posts the transcript of a new study ticket with its claim button.
func (r *Relay) Publish(ctx context.Context, t *protocol.Ticket) (string, error) {
	if r.studyChannel == "" {
		return "", nil
	}
	msg := studyTranscript(t, StatusOpen(), "")
	msg.Buttons = []platform.Button{{Label: "🛠️ Claim", Action: ActionStudyClaim, Value: t.ID, Style: platform.StylePrimary}}
	ref, err := r.messenger.Send(ctx, r.studyChannel, msg)
	if err != nil {
		return "", fault.Transient(err, "notify: publish transcript")
	}
	return ref, nil
}

// UpdateStatus rewrites the transcript with a new status line. Buttons are
// dropped: once claimed a study transcript has nothing left to act on.
func (r *Relay) UpdateStatus(ctx context.Context, t *protocol.Ticket, status, extra string) error {
	if t.TranscriptRef == "" {
		return nil
	}
	if err := r.messenger.Edit(ctx, t.TranscriptRef, studyTranscript(t, status, extra)); err != nil {
		return fault.Transient(err, "notify: update transcript")
	}
	return nil
}

// NotifyOriginator sends the ticket creator a direct message. Delivery
// failures are logged and swallowed.
func (r *Relay) NotifyOriginator(ctx context.Context, t *protocol.Ticket, status, reason string) {
	msg := platform.Message{
		Title:  fmt.Sprintf("Your study group ticket #%s (%s)", t.ID, t.GroupName),
		Body:   status,
		Color:  platform.ColorBlurple,
		Footer: Footer,
	}
	if reason != "" {
		msg.Fields = append(msg.Fields, platform.Field{Name: "Reason", Value: reason})
	}
	if err := r.messenger.DirectMessage(ctx, t.CreatedBy, msg); err != nil {
		r.logger.Warn("originator notification failed", "ticket", t.ID, "user", t.CreatedBy, "error", err)
	}
}

func studyTranscript(t *protocol.Ticket, status, extra string) platform.Message {
	mentions := make([]string, len(t.Members))
	for i, m := range t.Members {
		mentions[i] = platform.Mention(m)
	}
	msg := platform.Message{
		Title: "🎫 Study Group Ticket #" + t.ID,
		Color: platform.ColorBlurple,
		Fields: []platform.Field{
			{Name: "Group Name", Value: t.GroupName},
			{Name: "Level", Value: t.Level, Inline: true},
			{Name: "Members Required", Value: strconv.Itoa(t.MemberCount), Inline: true},
			{Name: "Members", Value: strings.Join(mentions, " ")},
			{Name: "Status", Value: status, Inline: true},
		},
	}
	if extra != "" {
		msg.Fields = append(msg.Fields, platform.Field{Name: "Details", Value: extra})
	}
	return msg
}

// --- issues ---

var priorityColors = map[string]int{
	"Low":      platform.ColorGrey,
	"Medium":   0xF39C12,
	"High":     platform.ColorRed,
	"Critical": platform.ColorPurple,
}

// Status lines shown on issue transcripts.
func IssueStatusOpen() string { return "🟡 OPEN - Awaiting Mod Review" }
func IssueStatusClaimed(actor string) string { return "🔵 IN PROGRESS - Claimed by " + platform.Mention(actor) }
func IssueStatusEscalated(actor string) string { return "🔴 ESCALATED - Escalated by " + platform.Mention(actor) }
func IssueStatusResolved(actor string) string { return "🟢 RESOLVED by " + platform.Mention(actor) }
func IssueStatusInvalid(actor string) string { return "⚫ INVALID - Marked by " + platform.Mention(actor) }

// PublishIssue posts the staff transcript of a new issue.
func (r *Relay) PublishIssue(ctx context.Context, i *protocol.Issue) (string, error) {
	if r.issueChannel == "" {
		return "", nil
	}
	ref, err := r.messenger.Send(ctx, r.issueChannel, issueTranscript(i, IssueStatusOpen(), ""))
	if err != nil {
		return "", fault.Transient(err, "notify: publish issue transcript")
	}
	return ref, nil
}

// UpdateIssue rewrites the issue transcript. Closed issues lose their buttons.
func (r *Relay) UpdateIssue(ctx context.Context, i *protocol.Issue, status, update string) error {
	if i.TranscriptRef == "" {
		return nil
	}
	if err := r.messenger.Edit(ctx, i.TranscriptRef, issueTranscript(i, status, update)); err != nil {
		return fault.Transient(err, "notify: update issue transcript")
	}
	return nil
}

// PostIssueSummary opens the discussion in an issue space with the
// moderator controls.
func (r *Relay) PostIssueSummary(ctx context.Context, spaceRef string, i *protocol.Issue) error {
	reporter := "_Anonymous_"
	if !i.Anonymous {
		reporter = platform.Mention(i.CreatedBy)
	}
	msg := platform.Message{
		Title: "Issue Ticket " + i.ID,
		Body:  i.Description,
		Color: platform.ColorRed,
		Fields: []platform.Field{
			{Name: "Category", Value: i.Category, Inline: true},
			{Name: "Priority", Value: i.Priority, Inline: true},
		},
		Footer: "Mods: use the buttons below, then /resolve or /invalid to close",
		Buttons: []platform.Button{
			{Label: "✋ Claim Ticket", Action: ActionIssueClaim, Value: i.ID, Style: platform.StylePrimary},
			{Label: "⬆️ Escalate to Admin", Action: ActionIssueEscalate, Value: i.ID, Style: platform.StyleDanger},
			{Label: "View Details", Action: ActionIssueDetails, Value: i.ID},
		},
	}
	if i.ReportedUser != "" {
		msg.Fields = append(msg.Fields, platform.Field{Name: "Reported User", Value: platform.Mention(i.ReportedUser)})
	}
	msg.Fields = append(msg.Fields, platform.Field{Name: "Reported By", Value: reporter})
	if _, err := r.messenger.Send(ctx, spaceRef, msg); err != nil {
		return fault.Transient(err, "notify: issue summary")
	}
	return nil
}

// NotifyReporter tells the reporter their issue was resolved. Failures are swallowed.
func (r *Relay) NotifyReporter(ctx context.Context, i *protocol.Issue) {
	msg := platform.Message{
		Title:  fmt.Sprintf("✅ Your Issue Ticket %s Has Been Resolved", i.ID),
		Body:   i.Resolution,
		Color:  platform.ColorGreen,
		Footer: Footer + " • Issue Resolution",
	}
	if err := r.messenger.DirectMessage(ctx, i.CreatedBy, msg); err != nil {
		r.logger.Warn("reporter notification failed", "issue", i.ID, "error", err)
	}
}

// IssueDetails renders the full record of an issue for a private reply.
func IssueDetails(i *protocol.Issue) platform.Message {
	msg := platform.Message{
		Title: fmt.Sprintf("Issue Ticket %s - Full Details", i.ID),
		Color: platform.ColorBlue,
		Fields: []platform.Field{
			{Name: "Status", Value: string(i.Status), Inline: true},
			{Name: "Category", Value: i.Category, Inline: true},
			{Name: "Priority", Value: i.Priority, Inline: true},
			{Name: "Created By", Value: platform.Mention(i.CreatedBy), Inline: true},
		},
	}
	if i.ClaimedBy != "" {
		msg.Fields = append(msg.Fields, platform.Field{Name: "Claimed By", Value: platform.Mention(i.ClaimedBy), Inline: true})
	}
	if i.Escalated {
		msg.Fields = append(msg.Fields, platform.Field{Name: "Escalated By", Value: platform.Mention(i.EscalatedBy), Inline: true})
	}
	msg.Fields = append(msg.Fields, platform.Field{Name: "Description", Value: i.Description})
	if i.Resolution != "" {
		msg.Fields = append(msg.Fields, platform.Field{Name: "Resolution", Value: i.Resolution})
	}
	return msg
}

func issueTranscript(i *protocol.Issue, status, update string) platform.Message {
	color, ok := priorityColors[i.Priority]
	if !ok {
		color = platform.ColorGrey
	}
	anon := "No"
	if i.Anonymous {
		anon = "Yes"
	}
	desc := i.Description
	if len(desc) > 1024 {
		desc = desc[:1024]
	}
	msg := platform.Message{
		Title: "🎫 Issue Ticket " + i.ID,
		Color: color,
		Fields: []platform.Field{
			{Name: "Category", Value: i.Category, Inline: true},
			{Name: "Priority", Value: i.Priority, Inline: true},
			{Name: "Anonymous", Value: anon, Inline: true},
			{Name: "Reported By", Value: platform.Mention(i.CreatedBy)},
		},
	}
	if i.ReportedUser != "" {
		msg.Fields = append(msg.Fields, platform.Field{Name: "Reported User", Value: platform.Mention(i.ReportedUser)})
	}
	msg.Fields = append(msg.Fields, platform.Field{Name: "Description", Value: desc})
	if i.ThreadRef != "" {
		msg.Fields = append(msg.Fields, platform.Field{Name: "Thread", Value: "<#" + i.ThreadRef + ">"})
	}
	msg.Fields = append(msg.Fields, platform.Field{Name: "Status", Value: status})
	if update != "" {
		msg.Fields = append(msg.Fields, platform.Field{Name: "Updates", Value: update})
	}
	if !i.Status.Terminal() {
		msg.Buttons = []platform.Button{{Label: "View Details", Action: ActionIssueDetails, Value: i.ID}}
	}
	return msg
}

// --- bootstrap posts ---

// EnsurePosted sends msg to channel unless one of the bot's recent posts
// there already carries the same title. It reports whether it posted.
func (r *Relay) EnsurePosted(ctx context.Context, channel string, msg platform.Message) (bool, error) {
	if channel == "" {
		return false, nil
	}
	recent, err := r.messenger.History(ctx, channel, HistoryScan)
	if err != nil {
		return false, fault.Transient(err, "notify: read history")
	}
	for _, p := range recent {
		if p.Title == msg.Title && (r.botID == "" || p.Author == r.botID) {
			return false, nil
		}
	}
	if _, err := r.messenger.Send(ctx, channel, msg); err != nil {
		return false, fault.Transient(err, "notify: post")
	}
	r.logger.Info("posted", "channel", channel, "title", msg.Title)
	return true, nil
}

package bot

import (
	"context"
	"fmt"
	"strings"

	"github.com/ca-study-space/cssbot/internal/access"
	"github.com/ca-study-space/cssbot/internal/connector"
	"github.com/ca-study-space/cssbot/internal/draft"
	"github.com/ca-study-space/cssbot/internal/fault"
	"github.com/ca-study-space/cssbot/internal/lifecycle"
	"github.com/ca-study-space/cssbot/internal/notify"
	"github.com/ca-study-space/cssbot/internal/platform"
)

// report handles /report <category|priority|anonymous|user|show|submit|discard>.
// Every sub-action except discard starts a draft when none is live.
func (b *Bot) report(ctx context.Context, ev connector.Event) (connector.Reply, error) {
	sub, rest := splitFirst(ev.Text)
	var (
		d   draft.Issue
		err error
	)
	switch strings.ToLower(sub) {
	case "", "start":
		d = b.drafts.StartIssue(ev.Actor)
		return privateMessage(withIntro(issueInstructions, issueDraftMessage(d))), nil

	case "category":
		d, err = b.drafts.EditIssue(ev.Actor, func(d *draft.Issue) error { return d.SetCategory(rest) })

	case "priority":
		d, err = b.drafts.EditIssue(ev.Actor, func(d *draft.Issue) error { return d.SetPriority(rest) })

	case "anonymous":
		d, err = b.drafts.EditIssue(ev.Actor, func(d *draft.Issue) error {
			switch strings.ToLower(rest) {
			case "":
				d.Anonymous = !d.Anonymous
			case "on", "yes", "true":
				d.Anonymous = true
			case "off", "no", "false":
				d.Anonymous = false
			default:
				return fault.Validationf("Use /report anonymous [on|off].")
			}
			return nil
		})

	case "user":
		user := ""
		if len(ev.Args) > 1 {
			user = ev.Args[1]
		}
		d, err = b.drafts.EditIssue(ev.Actor, func(d *draft.Issue) error {
			if strings.EqualFold(user, "none") {
				user = ""
			}
			d.ReportedUser = user
			return nil
		})

	case "show":
		d, err = b.drafts.EditIssue(ev.Actor, func(*draft.Issue) error { return nil })

	case "submit":
		return b.submitIssue(ctx, ev.Actor, rest)

	case "discard":
		if !b.drafts.Discard(ev.Actor) {
			return private("You have no draft in progress."), nil
		}
		return private("🗑️ Draft discarded."), nil

	default:
		return private(issueInstructions), nil
	}
	if err != nil {
		return connector.Reply{}, err
	}
	return privateMessage(issueDraftMessage(d)), nil
}

func (b *Bot) submitIssue(ctx context.Context, actor, description string) (connector.Reply, error) {
	d, err := b.drafts.EditIssue(actor, func(*draft.Issue) error { return nil })
	if err != nil {
		return connector.Reply{}, err
	}
	if d.Category == "" {
		return connector.Reply{}, fault.Validationf("Please select a category.")
	}
	if strings.TrimSpace(description) == "" {
		return connector.Reply{}, fault.Validationf("Describe the issue: /report submit <description>.")
	}
	if _, err := b.drafts.TakeIssue(actor); err != nil {
		return connector.Reply{}, err
	}
	i, err := b.issues.Create(ctx, lifecycle.IssueRequest{
		Category:     d.Category,
		Priority:     d.Priority,
		Description:  description,
		Creator:      actor,
		Anonymous:    d.Anonymous,
		ReportedUser: d.ReportedUser,
	})
	if err != nil {
		return connector.Reply{}, err
	}
	return privateMessage(issueCreatedMessage(i)), nil
}

func (b *Bot) issueOpen(_ context.Context, ev connector.Event) (connector.Reply, error) {
	d := b.drafts.StartIssue(ev.Actor)
	return privateMessage(withIntro(issueInstructions, issueDraftMessage(d))), nil
}

func (b *Bot) issueClaim(ctx context.Context, ev connector.Event) (connector.Reply, error) {
	i, err := b.issues.Claim(ctx, ev.Key, ev.Actor)
	if err != nil {
		return connector.Reply{}, err
	}
	return public(fmt.Sprintf("✋ %s has claimed issue %s.", platform.Mention(ev.Actor), i.ID)), nil
}

func (b *Bot) issueEscalate(ctx context.Context, ev connector.Event) (connector.Reply, error) {
	i, err := b.issues.Escalate(ctx, ev.Key, ev.Actor)
	if err != nil {
		return connector.Reply{}, err
	}
	return public(fmt.Sprintf("⬆️ Issue %s escalated to admins by %s.", i.ID, platform.Mention(ev.Actor))), nil
}

func (b *Bot) issueDetails(ctx context.Context, ev connector.Event) (connector.Reply, error) {
	if err := b.access.Require(ctx, ev.Actor, access.Moderator); err != nil {
		return connector.Reply{}, err
	}
	i, err := b.issues.Get(ctx, ev.Key)
	if err != nil {
		return connector.Reply{}, err
	}
	return privateMessage(notify.IssueDetails(i)), nil
}

// resolve handles /resolve <id> <summary>.
func (b *Bot) resolve(ctx context.Context, ev connector.Event) (connector.Reply, error) {
	id, summary := splitFirst(ev.Text)
	if id == "" {
		return connector.Reply{}, fault.Validationf("Usage: /resolve <id> <summary>.")
	}
	i, err := b.issues.Resolve(ctx, strings.ToUpper(id), ev.Actor, summary)
	if err != nil {
		return connector.Reply{}, err
	}
	return public(fmt.Sprintf("✅ Issue %s resolved by %s. This space will be archived shortly.", i.ID, platform.Mention(ev.Actor))), nil
}

// invalid handles /invalid <id> <reason>.
func (b *Bot) invalid(ctx context.Context, ev connector.Event) (connector.Reply, error) {
	id, reason := splitFirst(ev.Text)
	if id == "" {
		return connector.Reply{}, fault.Validationf("Usage: /invalid <id> <reason>.")
	}
	i, err := b.issues.MarkInvalid(ctx, strings.ToUpper(id), ev.Actor, reason)
	if err != nil {
		return connector.Reply{}, err
	}
	return public(fmt.Sprintf("⚫ Issue %s marked invalid by %s. This space will be archived shortly.", i.ID, platform.Mention(ev.Actor))), nil
}

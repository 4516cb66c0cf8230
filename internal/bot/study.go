package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/ca-study-space/cssbot/internal/connector"
	"github.com/ca-study-space/cssbot/internal/draft"
	"github.com/ca-study-space/cssbot/internal/fault"
	"github.com/ca-study-space/cssbot/internal/lifecycle"
)

const maxGroupName = 50

// studyGroup handles /studygroup <start|level|count|members|show|submit|discard>.
func (b *Bot) studyGroup(ctx context.Context, ev connector.Event) (connector.Reply, error) {
	sub, rest := splitFirst(ev.Text)
	var (
		d   draft.Study
		err error
	)
	switch strings.ToLower(sub) {
	case "start":
		if rest == "" {
			return connector.Reply{}, fault.Validationf("Give the group a name: /studygroup start <name>.")
		}
		if len([]rune(rest)) > maxGroupName {
			return connector.Reply{}, fault.Validationf("The group name must be at most %d characters.", maxGroupName)
		}
		d = b.drafts.StartStudy(ev.Actor, rest)

	case "level":
		d, err = b.drafts.EditStudy(ev.Actor, func(d *draft.Study) error {
			return d.SetLevel(strings.TrimPrefix(strings.TrimPrefix(rest, "CA "), "ca "))
		})

	case "count":
		n, convErr := strconv.Atoi(rest)
		if convErr != nil {
			return connector.Reply{}, fault.Validationf("Member count must be a number between 2 and 5.")
		}
		d, err = b.drafts.EditStudy(ev.Actor, func(d *draft.Study) error { return d.SetCount(n) })

	case "members":
		ids := ev.Args
		if len(ids) > 0 {
			ids = ids[1:]
		}
		d, err = b.drafts.EditStudy(ev.Actor, func(d *draft.Study) error { return d.SetMembers(ids) })

	case "show":
		d, err = b.drafts.EditStudy(ev.Actor, func(*draft.Study) error { return nil })

	case "submit":
		return b.submitStudy(ctx, ev)

	case "discard":
		if !b.drafts.Discard(ev.Actor) {
			return private("You have no draft in progress."), nil
		}
		return private("🗑️ Draft discarded."), nil

	default:
		return private(studyInstructions), nil
	}
	if err != nil {
		return connector.Reply{}, err
	}
	return privateMessage(studyDraftMessage(d)), nil
}

func (b *Bot) submitStudy(ctx context.Context, ev connector.Event) (connector.Reply, error) {
	d, err := b.drafts.EditStudy(ev.Actor, func(*draft.Study) error { return nil })
	if err != nil {
		return connector.Reply{}, err
	}
	if missing := d.Missing(); len(missing) > 0 {
		return connector.Reply{}, fault.Validationf("Invalid submission: still needed: %s.", strings.Join(missing, ", "))
	}
	req := lifecycle.StudyRequest{
		GroupName:   d.GroupName,
		Level:       d.Level,
		MemberCount: d.MemberCount,
		Members:     d.Members,
		Creator:     ev.Actor,
	}
	// Validate before taking the draft so a rejected submission can be fixed.
	if err := req.Validate(); err != nil {
		return connector.Reply{}, err
	}
	if _, err := b.drafts.TakeStudy(ev.Actor); err != nil {
		return connector.Reply{}, err
	}
	t, err := b.studies.Create(ctx, req)
	if err != nil {
		return connector.Reply{}, err
	}
	return privateMessage(ticketCreatedMessage(t)), nil
}

func (b *Bot) studyOpen(_ context.Context, _ connector.Event) (connector.Reply, error) {
	return private(studyInstructions), nil
}

// studyClaim handles the claim button on a study transcript; the key is the ticket id.
func (b *Bot) studyClaim(ctx context.Context, ev connector.Event) (connector.Reply, error) {
	t, err := b.studies.Claim(ctx, ev.Key, ev.Actor)
	if err != nil {
		return connector.Reply{}, err
	}
	return private(fmt.Sprintf("✅ Ticket claimed. Consent channel: <#%s>", t.ClaimChannelRef)), nil
}

// cancelTicket handles /cancel_ticket <id> <reason>.
func (b *Bot) cancelTicket(ctx context.Context, ev connector.Event) (connector.Reply, error) {
	id, reason := splitFirst(ev.Text)
	if id == "" {
		return connector.Reply{}, fault.Validationf("Usage: /cancel_ticket <id> <reason>.")
	}
	t, err := b.studies.Cancel(ctx, strings.TrimPrefix(id, "#"), ev.Actor, reason)
	if err != nil {
		return connector.Reply{}, err
	}
	return private(fmt.Sprintf("🛑 Ticket #%s cancelled.", t.ID)), nil
}

// approve handles the consent reaction; the key is the reacted message ref.
func (b *Bot) approve(ctx context.Context, ev connector.Event) (connector.Reply, error) {
	if ev.Actor == b.cfg.BotID {
		return connector.Reply{}, nil
	}
	if _, err := b.studies.RecordApproval(ctx, ev.Key, ev.Actor); err != nil {
		return connector.Reply{}, err
	}
	return connector.Reply{}, nil
}

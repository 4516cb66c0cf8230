// Package provision creates and removes the chat resources a ticket owns:
// the private consent channel while a study group is being confirmed, the
// role and room once it is approved, and the discussion space of an issue.
//
// Every create step looks for an existing resource by name first, so a
// retried transition reuses what an interrupted one already made.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/ca-study-space/cssbot/internal/fault"
	"github.com/ca-study-space/cssbot/internal/platform"
	"github.com/ca-study-space/cssbot/pkg/protocol"
)

// ApprovalEmoji is the reaction members use to confirm.
const ApprovalEmoji = "✅"

// Provisioner allocates resources on the chat platform.
type Provisioner struct {
	platform platform.Platform
	logger   *slog.Logger
}

// New creates a Provisioner.
func New(p platform.Platform, logger *slog.Logger) *Provisioner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provisioner{platform: p, logger: logger}
}

// ClaimSurface is the consent channel of a claimed ticket and the prompt
// members react to.
type ClaimSurface struct {
	ChannelRef string
	PromptRef  string
}

// ApprovedResources are the durable resources of an approved study group.
type ApprovedResources struct {
	RoleRef string
	RoomRef string
}

// GrantReport lists what happened to each member during a role grant.
type GrantReport struct {
	Granted []string
	Skipped []string // could not be resolved
	Failed  []string // resolved, but the grant failed
}

// ClaimChannelName is the consent channel name for a study ticket.
func ClaimChannelName(t *protocol.Ticket) string {
	return "ticket-" + t.ID
}

// RoleName is the role granted to an approved study group.
func RoleName(t *protocol.Ticket) string {
	return "SG_" + t.GroupName
}

// IssueSpaceName is the discussion space name for an issue.
func IssueSpaceName(i *protocol.Issue) string {
	return strings.ToLower(i.ID) + "-" + strings.ToLower(strings.ReplaceAll(i.Category, " ", "-"))
}

// CreateClaimSurface opens the private consent channel for members, the
// claimer and staff, and posts the consent prompt in it. Refs already on
// the ticket are reused.
func (p *Provisioner) CreateClaimSurface(ctx context.Context, t *protocol.Ticket, staff []string) (ClaimSurface, error) {
	surface := ClaimSurface{ChannelRef: t.ClaimChannelRef, PromptRef: t.ApprovalSurfaceRef}
	if surface.ChannelRef != "" && surface.PromptRef != "" {
		return surface, nil
	}

	if surface.ChannelRef == "" {
		ref, err := p.ensureChannel(ctx, ClaimChannelName(t), p.visibleTo(ctx, t.Members, staff))
		if err != nil {
			return ClaimSurface{}, err
		}
		surface.ChannelRef = ref
	}

	mentions := make([]string, len(t.Members))
	for i, m := range t.Members {
		mentions[i] = platform.Mention(m)
	}
	prompt := platform.Message{
		Title: "🔔 Consent Required",
		Body:  "All listed members must react with " + ApprovalEmoji + " to confirm participation:\n\n" + strings.Join(mentions, " "),
		Color: platform.ColorBlurple,
	}
	ref, err := p.platform.Send(ctx, surface.ChannelRef, prompt)
	if err != nil {
		return ClaimSurface{}, fault.Transient(err, "provision: consent prompt")
	}
	surface.PromptRef = ref

	if err := p.platform.React(ctx, ref, ApprovalEmoji); err != nil {
		p.logger.Warn("seed approval reaction failed", "ticket", t.ID, "error", err)
	}
	p.logger.Info("claim surface created", "ticket", t.ID, "channel", surface.ChannelRef)
	return surface, nil
}

// TeardownClaimSurface archives the consent channel. A channel that is
// already gone is not an error.
func (p *Provisioner) TeardownClaimSurface(ctx context.Context, t *protocol.Ticket) error {
	ref := t.ClaimChannelRef
	if ref == "" {
		found, err := p.platform.FindChannel(ctx, ClaimChannelName(t))
		if errors.Is(err, platform.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fault.Transient(err, "provision: find claim channel")
		}
		ref = found
	}
	if err := p.platform.ArchiveChannel(ctx, ref); err != nil && !errors.Is(err, platform.ErrNotFound) {
		return fault.Transient(err, "provision: archive claim channel")
	}
	p.logger.Info("claim surface removed", "ticket", t.ID, "channel", ref)
	return nil
}

// CreateApprovedResources makes (or reuses) the group's role, grants it to
// every member and opens the role-gated room. Only role or room creation
// failures are returned; per-member grant failures land in the report.
func (p *Provisioner) CreateApprovedResources(ctx context.Context, t *protocol.Ticket) (ApprovedResources, GrantReport, error) {
	res := ApprovedResources{RoleRef: t.RoleRef, RoomRef: t.RoomRef}

	if res.RoleRef == "" {
		ref, err := p.ensureRole(ctx, RoleName(t))
		if err != nil {
			return res, GrantReport{}, err
		}
		res.RoleRef = ref
	}

	report := p.GrantRole(ctx, res.RoleRef, t.Members)

	if res.RoomRef == "" {
		ref, err := p.ensureChannel(ctx, RoleName(t), report.Granted)
		if err != nil {
			return res, report, err
		}
		res.RoomRef = ref
	}
	return res, report, nil
}

// GrantRole adds every member to the role independently.
func (p *Provisioner) GrantRole(ctx context.Context, roleRef string, members []string) GrantReport {
	var report GrantReport
	for _, m := range members {
		if _, err := p.platform.ResolveMember(ctx, m); err != nil {
			p.logger.Warn("skip role grant, member unresolved", "role", roleRef, "member", m, "error", err)
			report.Skipped = append(report.Skipped, m)
			continue
		}
		if err := p.platform.AddRoleMember(ctx, roleRef, m); err != nil {
			p.logger.Error("role grant failed", "role", roleRef, "member", m, "error", err)
			report.Failed = append(report.Failed, m)
			continue
		}
		report.Granted = append(report.Granted, m)
	}
	return report
}

// CreateIssueSpace opens the private discussion space of an issue. The
// reporter is invited unless the report is anonymous.
func (p *Provisioner) CreateIssueSpace(ctx context.Context, i *protocol.Issue, moderators []string) (string, error) {
	var members []string
	if !i.Anonymous {
		members = append(members, i.CreatedBy)
	}
	for _, m := range moderators {
		if !slices.Contains(members, m) {
			members = append(members, m)
		}
	}
	ref, err := p.ensureChannel(ctx, IssueSpaceName(i), members)
	if err != nil {
		return "", err
	}
	p.logger.Info("issue space created", "issue", i.ID, "channel", ref)
	return ref, nil
}

// AddOversight invites users into an issue space.
func (p *Provisioner) AddOversight(ctx context.Context, spaceRef string, users []string) error {
	if len(users) == 0 {
		return nil
	}
	if err := p.platform.AddToChannel(ctx, spaceRef, users); err != nil {
		return fault.Transient(err, "provision: add oversight")
	}
	return nil
}

// ArchiveSpace archives an issue space.
func (p *Provisioner) ArchiveSpace(ctx context.Context, spaceRef string) error {
	if spaceRef == "" {
		return nil
	}
	if err := p.platform.ArchiveChannel(ctx, spaceRef); err != nil && !errors.Is(err, platform.ErrNotFound) {
		return fmt.Errorf("provision: archive %s: %w", spaceRef, err)
	}
	return nil
}

// visibleTo drops members the platform cannot resolve; staff are kept as given.
func (p *Provisioner) visibleTo(ctx context.Context, members, staff []string) []string {
	var out []string
	for _, m := range members {
		if _, err := p.platform.ResolveMember(ctx, m); err != nil {
			p.logger.Warn("member left out of channel", "member", m, "error", err)
			continue
		}
		out = append(out, m)
	}
	for _, s := range staff {
		if s != "" && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

func (p *Provisioner) ensureChannel(ctx context.Context, name string, members []string) (string, error) {
	ref, err := p.platform.FindChannel(ctx, name)
	if err == nil {
		if err := p.platform.AddToChannel(ctx, ref, members); err != nil {
			return "", fault.Transient(err, "provision: reuse channel")
		}
		return ref, nil
	}
	if !errors.Is(err, platform.ErrNotFound) {
		return "", fault.Transient(err, "provision: find channel")
	}
	ref, err = p.platform.CreatePrivateChannel(ctx, name, members)
	if err != nil {
		return "", fault.Transient(err, "provision: create channel")
	}
	return ref, nil
}

func (p *Provisioner) ensureRole(ctx context.Context, name string) (string, error) {
	ref, err := p.platform.FindRole(ctx, name)
	if err == nil {
		return ref, nil
	}
	if !errors.Is(err, platform.ErrNotFound) {
		return "", fault.Transient(err, "provision: find role")
	}
	ref, err = p.platform.CreateRole(ctx, name)
	if err != nil {
		return "", fault.Transient(err, "provision: create role")
	}
	return ref, nil
}

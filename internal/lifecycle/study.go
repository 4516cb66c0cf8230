// Package lifecycle runs the ticket state machines.
//
// Every transition reads the record fresh, checks its precondition, and
// commits with compare-and-swap; when another writer got there first the
// transition re-reads and re-checks, so preconditions hold at commit time.
// Side effects on the chat platform only start once the state change that
// justifies them is durable.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/ca-study-space/cssbot/internal/access"
	"github.com/ca-study-space/cssbot/internal/consent"
	"github.com/ca-study-space/cssbot/internal/fault"
	"github.com/ca-study-space/cssbot/internal/notify"
	"github.com/ca-study-space/cssbot/internal/provision"
	"github.com/ca-study-space/cssbot/internal/ticket"
	"github.com/ca-study-space/cssbot/pkg/protocol"
)

// maxAttempts bounds compare-and-swap retries under contention.
const maxAttempts = 5

// errUnchanged tells commit that the mutation decided no write is needed.
var errUnchanged = errors.New("lifecycle: unchanged")

var errContention = errors.New("lifecycle: too many concurrent updates")

// StudyProvisioner is the slice of provision.Provisioner the study lifecycle uses.
type StudyProvisioner interface {
	CreateClaimSurface(ctx context.Context, t *protocol.Ticket, staff []string) (provision.ClaimSurface, error)
	TeardownClaimSurface(ctx context.Context, t *protocol.Ticket) error
	CreateApprovedResources(ctx context.Context, t *protocol.Ticket) (provision.ApprovedResources, provision.GrantReport, error)
}

// StudyRelay is the slice of notify.Relay the study lifecycle uses.
type StudyRelay interface {
	Publish(ctx context.Context, t *protocol.Ticket) (string, error)
	UpdateStatus(ctx context.Context, t *protocol.Ticket, status, extra string) error
	NotifyOriginator(ctx context.Context, t *protocol.Ticket, status, reason string)
}

// StudyRequest is a submitted study-group draft.
type StudyRequest struct {
	GroupName   string   `label:"Group name" validate:"required,max=50"`
	Level       string   `label:"Level" validate:"required,level"`
	MemberCount int      `label:"Member count" validate:"min=2,max=5"`
	Members     []string `label:"Members" validate:"unique,dive,required"`
	Creator     string   `label:"Creator" validate:"required"`
}

// Validate checks the request without touching any state.
func (r StudyRequest) Validate() error {
	r.GroupName = strings.TrimSpace(r.GroupName)
	if err := check(r); err != nil {
		return err
	}
	if len(r.Members) != r.MemberCount {
		return fault.Validationf("Invalid submission: select exactly %d members (you selected %d).", r.MemberCount, len(r.Members))
	}
	if !slices.Contains(r.Members, r.Creator) {
		return fault.Validationf("Invalid submission: include yourself in the group.")
	}
	return nil
}

// Service is the study-group ticket lifecycle.
type Service struct {
	store  ticket.Store
	events ticket.EventLog
	prov   StudyProvisioner
	relay  StudyRelay
	access access.Checker
	logger *slog.Logger
	now    func() time.Time
}

// Deps are the collaborators of a Service. Events may be nil.
type Deps struct {
	Store       ticket.Store
	Events      ticket.EventLog
	Provisioner StudyProvisioner
	Relay       StudyRelay
	Access      access.Checker
	Logger      *slog.Logger
}

// NewService creates the study-group lifecycle.
func NewService(d Deps) *Service {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  d.Store,
		events: d.Events,
		prov:   d.Provisioner,
		relay:  d.Relay,
		access: d.Access,
		logger: logger,
		now:    time.Now,
	}
}

// Get returns a ticket.
func (s *Service) Get(ctx context.Context, id string) (*protocol.Ticket, error) {
	return s.store.Get(ctx, id)
}

// Create validates and persists a new OPEN ticket, then publishes its
// transcript. A transcript failure leaves a valid ticket without one.
func (s *Service) Create(ctx context.Context, req StudyRequest) (*protocol.Ticket, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	id, err := s.store.NextID(ctx, protocol.KindStudy)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: create: %w", err)
	}
	t := &protocol.Ticket{
		ID:              id,
		GroupName:       strings.TrimSpace(req.GroupName),
		Level:           req.Level,
		MemberCount:     req.MemberCount,
		Members:         slices.Clone(req.Members),
		Status:          protocol.TicketOpen,
		ApprovedMembers: []string{},
		CreatedBy:       req.Creator,
		CreatedAt:       s.now().UTC(),
	}
	if err := s.store.Save(ctx, t); err != nil {
		return nil, fmt.Errorf("lifecycle: create: %w", err)
	}
	s.record(ctx, t.ID, req.Creator, "created", t.GroupName)
	s.logger.Info("ticket created", "ticket", t.ID, "actor", req.Creator, "status", t.Status)

	ref, err := s.relay.Publish(ctx, t)
	if err != nil {
		s.logger.Warn("transcript publish failed", "ticket", t.ID, "error", err)
		return t, nil
	}
	if ref == "" {
		return t, nil
	}
	updated, err := s.commit(ctx, t.ID, func(cur *protocol.Ticket) error {
		cur.TranscriptRef = ref
		return nil
	})
	if err != nil {
		s.logger.Warn("transcript ref not saved", "ticket", t.ID, "error", err)
		return t, nil
	}
	return updated, nil
}

// Claim moves an OPEN ticket to CLAIMED and opens its consent channel.
//
// The status change is committed first. If provisioning then fails the
// ticket stays CLAIMED without a surface, and the same claimer can claim
// again to resume.
func (s *Service) Claim(ctx context.Context, id, actor string) (*protocol.Ticket, error) {
	if err := s.access.Require(ctx, actor, access.Admin); err != nil {
		return nil, err
	}

	resumed := false
	t, err := s.commit(ctx, id, func(t *protocol.Ticket) error {
		resumed = false
		switch {
		case t.Status == protocol.TicketOpen:
			t.Status = protocol.TicketClaimed
			t.ClaimedBy = actor
			t.ApprovedMembers = []string{}
			return nil
		case t.Status == protocol.TicketClaimed && t.ClaimedBy == actor && t.ApprovalSurfaceRef == "":
			resumed = true
			return errUnchanged
		default:
			return fault.Conflictf("Ticket unavailable.")
		}
	})
	if err != nil {
		return nil, err
	}
	if !resumed {
		s.record(ctx, id, actor, "claimed", "")
		s.logger.Info("ticket claimed", "ticket", id, "actor", actor, "status", t.Status)
	}

	surface, err := s.prov.CreateClaimSurface(ctx, t, []string{actor})
	if err != nil {
		s.logger.Error("claim surface failed", "ticket", id, "error", err)
		return t, fmt.Errorf("lifecycle: claim %s: %w", id, err)
	}

	t, err = s.commit(ctx, id, func(t *protocol.Ticket) error {
		if t.Status != protocol.TicketClaimed || t.ClaimedBy != actor {
			return fault.Conflictf("Ticket unavailable.")
		}
		t.ClaimChannelRef = surface.ChannelRef
		t.ApprovalSurfaceRef = surface.PromptRef
		return nil
	})
	if err != nil {
		// Cancelled while provisioning: the new channel belongs to nobody.
		orphan := &protocol.Ticket{ID: id, ClaimChannelRef: surface.ChannelRef}
		if terr := s.prov.TeardownClaimSurface(ctx, orphan); terr != nil {
			s.logger.Warn("orphaned claim surface", "ticket", id, "channel", surface.ChannelRef, "error", terr)
		}
		return nil, err
	}

	if err := s.relay.UpdateStatus(ctx, t, notify.StatusClaimed(actor), ""); err != nil {
		s.logger.Warn("transcript update failed", "ticket", id, "error", err)
	}
	return t, nil
}

// RecordApproval feeds a member's consent on the prompt surfaceRef into the
// ticket awaiting it. Unknown surfaces and non-members are ignored. The
// approval that completes the set finalizes the ticket.
func (s *Service) RecordApproval(ctx context.Context, surfaceRef, actor string) (consent.Outcome, error) {
	found, err := s.store.FindBySurface(ctx, surfaceRef)
	if fault.Is(err, fault.NotFound) {
		return consent.Ignored, nil
	}
	if err != nil {
		return consent.Ignored, err
	}

	var outcome consent.Outcome
	finalize := false
	_, err = s.commit(ctx, found.ID, func(t *protocol.Ticket) error {
		outcome, finalize = consent.Ignored, false
		if t.Status != protocol.TicketClaimed || t.ApprovalSurfaceRef != surfaceRef {
			return errUnchanged
		}
		outcome = consent.Record(t, actor)
		if !outcome.Changed() {
			// A complete set on a CLAIMED ticket means an earlier finalize
			// never committed; any reaction retries it.
			finalize = consent.Complete(t)
			return errUnchanged
		}
		finalize = outcome == consent.Completed
		return nil
	})
	if err != nil {
		return outcome, err
	}

	if outcome.Changed() {
		s.record(ctx, found.ID, actor, "consented", outcome.String())
		s.logger.Info("approval recorded", "ticket", found.ID, "actor", actor, "outcome", outcome.String())
	}
	if finalize {
		if _, err := s.Finalize(ctx, found.ID); err != nil && !fault.Is(err, fault.Conflict) {
			return outcome, err
		}
	}
	return outcome, nil
}

// Finalize approves a CLAIMED ticket whose members have all consented,
// then replaces the consent channel with the group's role and room. It
// also resumes an APPROVED ticket whose resources were never recorded.
func (s *Service) Finalize(ctx context.Context, id string) (*protocol.Ticket, error) {
	resumed := false
	t, err := s.commit(ctx, id, func(t *protocol.Ticket) error {
		resumed = false
		switch {
		case t.Status == protocol.TicketClaimed && consent.Complete(t):
			t.Status = protocol.TicketApproved
			t.ApprovedMembers = []string{}
			t.ApprovalSurfaceRef = ""
			return nil
		case t.Status == protocol.TicketApproved && (t.RoleRef == "" || t.RoomRef == ""):
			resumed = true
			return errUnchanged
		default:
			return fault.Conflictf("Ticket %s is not waiting for approval.", id)
		}
	})
	if err != nil {
		return nil, err
	}
	if !resumed {
		s.record(ctx, id, "", "approved", "")
		s.logger.Info("ticket approved", "ticket", id, "status", t.Status)
	}

	if err := s.prov.TeardownClaimSurface(ctx, t); err != nil {
		s.logger.Warn("claim surface teardown failed", "ticket", id, "error", err)
	}

	res, report, provErr := s.prov.CreateApprovedResources(ctx, t)
	if len(report.Skipped)+len(report.Failed) > 0 {
		s.logger.Warn("role grant incomplete", "ticket", id,
			"granted", len(report.Granted), "skipped", report.Skipped, "failed", report.Failed)
	}
	if res.RoleRef != t.RoleRef || res.RoomRef != t.RoomRef {
		updated, err := s.commit(ctx, id, func(t *protocol.Ticket) error {
			if res.RoleRef != "" {
				t.RoleRef = res.RoleRef
			}
			if res.RoomRef != "" {
				t.RoomRef = res.RoomRef
			}
			return nil
		})
		if err != nil {
			return t, fmt.Errorf("lifecycle: finalize %s: %w", id, err)
		}
		t = updated
	}
	if provErr != nil {
		s.logger.Error("approved resources failed", "ticket", id, "error", provErr)
		return t, fmt.Errorf("lifecycle: finalize %s: %w", id, provErr)
	}

	if err := s.relay.UpdateStatus(ctx, t, notify.StatusApproved(), ""); err != nil {
		s.logger.Warn("transcript update failed", "ticket", id, "error", err)
	}
	s.relay.NotifyOriginator(ctx, t, notify.StatusApproved(), "")
	return t, nil
}

// ResumeApprovals re-runs Finalize for APPROVED tickets whose role or room
// was never recorded. Once approved a ticket has no consent prompt left,
// so this sweep is the only way an interrupted finalize completes. It
// returns how many tickets were completed.
func (s *Service) ResumeApprovals(ctx context.Context) (int, error) {
	status := protocol.TicketApproved
	approved, err := s.store.List(ctx, ticket.Filter{Status: &status})
	if err != nil {
		return 0, fmt.Errorf("lifecycle: resume approvals: %w", err)
	}
	done := 0
	var errs []error
	for _, t := range approved {
		if t.RoleRef != "" && t.RoomRef != "" {
			continue
		}
		if _, err := s.Finalize(ctx, t.ID); err != nil {
			if fault.Is(err, fault.Conflict) {
				continue
			}
			s.logger.Warn("finalize resume failed", "ticket", t.ID, "error", err)
			errs = append(errs, err)
			continue
		}
		s.logger.Info("finalize resumed", "ticket", t.ID)
		done++
	}
	return done, errors.Join(errs...)
}

// Cancel moves an OPEN or CLAIMED ticket to CANCELLED and removes its
// consent channel.
func (s *Service) Cancel(ctx context.Context, id, actor, reason string) (*protocol.Ticket, error) {
	if err := s.access.Require(ctx, actor, access.Moderator); err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fault.Validationf("A cancellation reason is required.")
	}

	t, err := s.commit(ctx, id, func(t *protocol.Ticket) error {
		if t.Status.Terminal() {
			return fault.Conflictf("Ticket %s is already %s.", id, strings.ToLower(string(t.Status)))
		}
		t.Status = protocol.TicketCancelled
		t.ApprovalSurfaceRef = ""
		t.Cancellation = &protocol.Cancellation{Actor: actor, At: s.now().UTC(), Reason: reason}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, id, actor, "cancelled", reason)
	s.logger.Info("ticket cancelled", "ticket", id, "actor", actor, "status", t.Status)

	if t.ClaimedBy != "" {
		if err := s.prov.TeardownClaimSurface(ctx, t); err != nil {
			s.logger.Warn("claim surface teardown failed", "ticket", id, "error", err)
		}
	}
	if err := s.relay.UpdateStatus(ctx, t, notify.StatusCancelled(actor), "**Reason:** "+reason); err != nil {
		s.logger.Warn("transcript update failed", "ticket", id, "error", err)
	}
	s.relay.NotifyOriginator(ctx, t, notify.StatusCancelled(actor), reason)
	return t, nil
}

// commit applies fn to a fresh copy of the ticket and writes it back with
// compare-and-swap. fn returning errUnchanged skips the write and yields
// the current record.
func (s *Service) commit(ctx context.Context, id string, fn func(t *protocol.Ticket) error) (*protocol.Ticket, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		cur, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		next := cur.Clone()
		if err := fn(next); err != nil {
			if errors.Is(err, errUnchanged) {
				return cur, nil
			}
			return nil, err
		}
		err = s.store.CompareAndSwap(ctx, next, cur.Version)
		if errors.Is(err, ticket.ErrStale) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return next, nil
	}
	return nil, fault.Transient(errContention, "lifecycle: commit "+id)
}

func (s *Service) record(ctx context.Context, id, actor, action, detail string) {
	if s.events == nil {
		return
	}
	err := s.events.AppendEvent(ctx, protocol.Event{
		TicketID: id, Kind: protocol.KindStudy, Actor: actor, Action: action, Detail: detail,
	})
	if err != nil {
		s.logger.Warn("audit event lost", "ticket", id, "action", action, "error", err)
	}
}

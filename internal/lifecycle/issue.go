package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ca-study-space/cssbot/internal/access"
	"github.com/ca-study-space/cssbot/internal/fault"
	"github.com/ca-study-space/cssbot/internal/notify"
	"github.com/ca-study-space/cssbot/internal/platform"
	"github.com/ca-study-space/cssbot/internal/ticket"
	"github.com/ca-study-space/cssbot/pkg/protocol"
)

// Default delays before a closed issue's space is archived.
const (
	ResolvedArchiveDelay = 30 * time.Second
	InvalidArchiveDelay  = 10 * time.Second
)

// IssueProvisioner is the slice of provision.Provisioner issues use.
type IssueProvisioner interface {
	CreateIssueSpace(ctx context.Context, i *protocol.Issue, moderators []string) (string, error)
	AddOversight(ctx context.Context, spaceRef string, users []string) error
	ArchiveSpace(ctx context.Context, spaceRef string) error
}

// IssueRelay is the slice of notify.Relay issues use.
type IssueRelay interface {
	PublishIssue(ctx context.Context, i *protocol.Issue) (string, error)
	UpdateIssue(ctx context.Context, i *protocol.Issue, status, update string) error
	PostIssueSummary(ctx context.Context, spaceRef string, i *protocol.Issue) error
	NotifyReporter(ctx context.Context, i *protocol.Issue)
}

// Staff lists the members of the staff roles.
type Staff interface {
	access.Checker
	Moderators(ctx context.Context) ([]string, error)
	Admins(ctx context.Context) ([]string, error)
}

// Delayer runs fn once after d. Pending work is lost on restart.
type Delayer interface {
	After(d time.Duration, name string, fn func())
}

// IssueRequest is a submitted issue report.
type IssueRequest struct {
	Category     string `label:"Category" validate:"required,category"`
	Priority     string `label:"Priority" validate:"omitempty,priority"`
	Description  string `label:"Description" validate:"required,max=1000"`
	Creator      string `label:"Reporter" validate:"required"`
	Anonymous    bool
	ReportedUser string
}

// IssueService is the issue-report lifecycle.
type IssueService struct {
	store         ticket.IssueStore
	events        ticket.EventLog
	prov          IssueProvisioner
	relay         IssueRelay
	staff         Staff
	delay         Delayer
	resolvedDelay time.Duration
	invalidDelay  time.Duration
	logger        *slog.Logger
	now           func() time.Time
}

// IssueDeps are the collaborators of an IssueService. Events may be nil;
// zero delays fall back to the defaults.
type IssueDeps struct {
	Store         ticket.IssueStore
	Events        ticket.EventLog
	Provisioner   IssueProvisioner
	Relay         IssueRelay
	Staff         Staff
	Delayer       Delayer
	ResolvedDelay time.Duration
	InvalidDelay  time.Duration
	Logger        *slog.Logger
}

// NewIssueService creates the issue lifecycle.
func NewIssueService(d IssueDeps) *IssueService {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &IssueService{
		store:         d.Store,
		events:        d.Events,
		prov:          d.Provisioner,
		relay:         d.Relay,
		staff:         d.Staff,
		delay:         d.Delayer,
		resolvedDelay: d.ResolvedDelay,
		invalidDelay:  d.InvalidDelay,
		logger:        logger,
		now:           time.Now,
	}
	if s.resolvedDelay <= 0 {
		s.resolvedDelay = ResolvedArchiveDelay
	}
	if s.invalidDelay <= 0 {
		s.invalidDelay = InvalidArchiveDelay
	}
	return s
}

// Get returns an issue.
func (s *IssueService) Get(ctx context.Context, id string) (*protocol.Issue, error) {
	return s.store.GetIssue(ctx, id)
}

// ByStatus lists issues in a status.
func (s *IssueService) ByStatus(ctx context.Context, status protocol.IssueStatus) ([]*protocol.Issue, error) {
	return s.store.IssuesByStatus(ctx, status)
}

// ByCreator lists the issues a user reported.
func (s *IssueService) ByCreator(ctx context.Context, userID string) ([]*protocol.Issue, error) {
	return s.store.IssuesByCreator(ctx, userID)
}

// Create persists a new OPEN issue, then opens its discussion space, posts
// the summary there and publishes the staff transcript. Failures after the
// record is saved are logged; the issue stays valid without the missing refs.
func (s *IssueService) Create(ctx context.Context, req IssueRequest) (*protocol.Issue, error) {
	req.Description = strings.TrimSpace(req.Description)
	if req.Priority == "" {
		req.Priority = protocol.DefaultPriority
	}
	if err := check(req); err != nil {
		return nil, err
	}

	id, err := s.store.NextID(ctx, protocol.KindIssue)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: create issue: %w", err)
	}
	i := &protocol.Issue{
		ID:           id,
		Category:     req.Category,
		Priority:     req.Priority,
		Description:  req.Description,
		CreatedBy:    req.Creator,
		Anonymous:    req.Anonymous,
		ReportedUser: req.ReportedUser,
		Status:       protocol.IssueOpen,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.store.SaveIssue(ctx, i); err != nil {
		return nil, fmt.Errorf("lifecycle: create issue: %w", err)
	}
	reporter := req.Creator
	if req.Anonymous {
		// Anonymous reporters stay anonymous in the audit trail too.
		reporter = ""
	}
	s.record(ctx, id, reporter, "created", req.Category)
	s.logger.Info("issue created", "issue", id, "status", i.Status, "anonymous", i.Anonymous)

	mods, err := s.staff.Moderators(ctx)
	if err != nil {
		s.logger.Warn("moderators unknown", "issue", id, "error", err)
	}
	space, err := s.prov.CreateIssueSpace(ctx, i, mods)
	if err != nil {
		s.logger.Error("issue space failed", "issue", id, "error", err)
	} else {
		i.ThreadRef = space
		if err := s.relay.PostIssueSummary(ctx, space, i); err != nil {
			s.logger.Warn("issue summary failed", "issue", id, "error", err)
		}
	}
	transcript, err := s.relay.PublishIssue(ctx, i)
	if err != nil {
		s.logger.Warn("issue transcript failed", "issue", id, "error", err)
	}

	if space == "" && transcript == "" {
		return i, nil
	}
	updated, err := s.commit(ctx, id, func(cur *protocol.Issue) error {
		cur.ThreadRef = space
		cur.TranscriptRef = transcript
		return nil
	})
	if err != nil {
		s.logger.Warn("issue refs not saved", "issue", id, "error", err)
		i.TranscriptRef = transcript
		return i, nil
	}
	return updated, nil
}

// Claim assigns an open issue to a moderator.
func (s *IssueService) Claim(ctx context.Context, id, actor string) (*protocol.Issue, error) {
	if err := s.staff.Require(ctx, actor, access.Moderator); err != nil {
		return nil, err
	}
	i, err := s.commit(ctx, id, func(i *protocol.Issue) error {
		if i.Status.Terminal() {
			return fault.Conflictf("Issue %s is already closed.", id)
		}
		if i.ClaimedBy != "" {
			return fault.Conflictf("This ticket is already claimed by %s.", platform.Mention(i.ClaimedBy))
		}
		i.ClaimedBy = actor
		if i.Status == protocol.IssueOpen {
			i.Status = protocol.IssueInProgress
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, id, actor, "claimed", "")
	s.logger.Info("issue claimed", "issue", id, "actor", actor, "status", i.Status)
	s.updateTranscript(ctx, i, notify.IssueStatusClaimed(actor), "")
	return i, nil
}

// Escalate flags an issue for admin attention and invites the admins into
// its space. Escalating twice is a conflict.
func (s *IssueService) Escalate(ctx context.Context, id, actor string) (*protocol.Issue, error) {
	if err := s.staff.Require(ctx, actor, access.Moderator); err != nil {
		return nil, err
	}
	i, err := s.commit(ctx, id, func(i *protocol.Issue) error {
		if i.Status.Terminal() {
			return fault.Conflictf("Issue %s is already closed.", id)
		}
		if i.Escalated {
			return fault.Conflictf("This ticket is already escalated.")
		}
		i.Escalated = true
		i.EscalatedBy = actor
		i.Status = protocol.IssueEscalated
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, id, actor, "escalated", "")
	s.logger.Info("issue escalated", "issue", id, "actor", actor, "status", i.Status)

	if i.ThreadRef != "" {
		admins, err := s.staff.Admins(ctx)
		if err != nil {
			s.logger.Warn("admins unknown", "issue", id, "error", err)
		} else if err := s.prov.AddOversight(ctx, i.ThreadRef, admins); err != nil {
			s.logger.Warn("admin invite failed", "issue", id, "error", err)
		}
	}
	s.updateTranscript(ctx, i, notify.IssueStatusEscalated(actor), "")
	return i, nil
}

// Resolve closes an issue with a summary, tells the reporter, and archives
// the space after a delay.
func (s *IssueService) Resolve(ctx context.Context, id, actor, summary string) (*protocol.Issue, error) {
	if err := s.staff.Require(ctx, actor, access.Moderator); err != nil {
		return nil, err
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return nil, fault.Validationf("A resolution summary is required.")
	}
	if len(summary) > 500 {
		return nil, fault.Validationf("The resolution summary must be at most 500 characters.")
	}

	i, err := s.close(ctx, id, actor, protocol.IssueResolved, summary)
	if err != nil {
		return nil, err
	}
	s.updateTranscript(ctx, i, notify.IssueStatusResolved(actor), "**Resolution:** "+summary)
	s.relay.NotifyReporter(ctx, i)
	s.scheduleArchive(i, s.resolvedDelay)
	return i, nil
}

// MarkInvalid closes an issue as invalid and archives the space after a delay.
func (s *IssueService) MarkInvalid(ctx context.Context, id, actor, reason string) (*protocol.Issue, error) {
	if err := s.staff.Require(ctx, actor, access.Moderator); err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fault.Validationf("A reason is required.")
	}
	if len(reason) > 300 {
		return nil, fault.Validationf("The reason must be at most 300 characters.")
	}

	i, err := s.close(ctx, id, actor, protocol.IssueInvalid, "Marked as invalid: "+reason)
	if err != nil {
		return nil, err
	}
	s.updateTranscript(ctx, i, notify.IssueStatusInvalid(actor), "**Reason:** "+reason)
	s.scheduleArchive(i, s.invalidDelay)
	return i, nil
}

func (s *IssueService) close(ctx context.Context, id, actor string, status protocol.IssueStatus, resolution string) (*protocol.Issue, error) {
	i, err := s.commit(ctx, id, func(i *protocol.Issue) error {
		if i.Status.Terminal() {
			return fault.Conflictf("Issue %s is already closed.", id)
		}
		now := s.now().UTC()
		i.Status = status
		i.Resolution = resolution
		i.ResolvedBy = actor
		i.ResolvedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, id, actor, strings.ToLower(string(status)), resolution)
	s.logger.Info("issue closed", "issue", id, "actor", actor, "status", i.Status)
	return i, nil
}

func (s *IssueService) scheduleArchive(i *protocol.Issue, d time.Duration) {
	if i.ThreadRef == "" || s.delay == nil {
		return
	}
	space, id := i.ThreadRef, i.ID
	s.delay.After(d, "archive "+id, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.prov.ArchiveSpace(ctx, space); err != nil {
			s.logger.Error("issue archive failed", "issue", id, "error", err)
			return
		}
		s.logger.Info("issue space archived", "issue", id)
	})
}

func (s *IssueService) updateTranscript(ctx context.Context, i *protocol.Issue, status, update string) {
	if err := s.relay.UpdateIssue(ctx, i, status, update); err != nil {
		s.logger.Warn("issue transcript update failed", "issue", i.ID, "error", err)
	}
}

func (s *IssueService) commit(ctx context.Context, id string, fn func(i *protocol.Issue) error) (*protocol.Issue, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		cur, err := s.store.GetIssue(ctx, id)
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
		err = s.store.CompareAndSwapIssue(ctx, next, cur.Version)
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

func (s *IssueService) record(ctx context.Context, id, actor, action, detail string) {
	if s.events == nil {
		return
	}
	err := s.events.AppendEvent(ctx, protocol.Event{
		TicketID: id, Kind: protocol.KindIssue, Actor: actor, Action: action, Detail: detail,
	})
	if err != nil {
		s.logger.Warn("audit event lost", "issue", id, "action", action, "error", err)
	}
}

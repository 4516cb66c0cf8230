package ticket

import (
	"context"
	"errors"
	"io"

	"github.com/ca-study-space/cssbot/pkg/protocol"
)

// ErrStale is returned by CompareAndSwap when the stored record moved on
// since it was read. Callers re-read and re-check their preconditions.
var ErrStale = errors.New("ticket store: stale version")

// Store is the persistence interface for study-group tickets.
type Store interface {
	// Get retrieves a ticket by ID.
	Get(ctx context.Context, id string) (*protocol.Ticket, error)
	// Save creates or replaces a ticket.
	Save(ctx context.Context, t *protocol.Ticket) error
	// CompareAndSwap replaces the ticket only if its stored version equals version.
	// On success t.Version is advanced.
	CompareAndSwap(ctx context.Context, t *protocol.Ticket, version int64) error
	// All returns every ticket keyed by ID.
	All(ctx context.Context) (map[string]*protocol.Ticket, error)
	// List returns tickets matching the filter, newest first.
	List(ctx context.Context, filter Filter) ([]*protocol.Ticket, error)
	// FindBySurface returns the ticket awaiting consent on ref.
	FindBySurface(ctx context.Context, ref string) (*protocol.Ticket, error)
	// NextID atomically advances the counter for kind and formats the new ID.
	NextID(ctx context.Context, kind protocol.Kind) (string, error)
	// Export serializes the counter and every record of kind as JSON.
	Export(ctx context.Context, kind protocol.Kind) ([]byte, error)
	// ImportLegacy loads a flat-file study-ticket snapshot.
	ImportLegacy(ctx context.Context, r io.Reader) (int, error)
}

// IssueStore is the persistence interface for issue reports.
type IssueStore interface {
	GetIssue(ctx context.Context, id string) (*protocol.Issue, error)
	SaveIssue(ctx context.Context, i *protocol.Issue) error
	CompareAndSwapIssue(ctx context.Context, i *protocol.Issue, version int64) error
	AllIssues(ctx context.Context) (map[string]*protocol.Issue, error)
	IssuesByStatus(ctx context.Context, status protocol.IssueStatus) ([]*protocol.Issue, error)
	IssuesByCreator(ctx context.Context, userID string) ([]*protocol.Issue, error)
	NextID(ctx context.Context, kind protocol.Kind) (string, error)
}

// EventLog is the audit trail of ticket transitions.
type EventLog interface {
	AppendEvent(ctx context.Context, e protocol.Event) error
	Events(ctx context.Context, ticketID string) ([]protocol.Event, error)
}

// Filter constrains ticket list queries.
type Filter struct {
	Status    *protocol.TicketStatus
	CreatedBy string
	Limit     int // 0 = no limit
}

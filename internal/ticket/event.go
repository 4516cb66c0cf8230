package ticket

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ca-study-space/cssbot/internal/fault"
	"github.com/ca-study-space/cssbot/pkg/protocol"
)

func (s *SQLStore) AppendEvent(ctx context.Context, e protocol.Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now()
	}
	_, err := s.exec(ctx, `
		INSERT INTO ticket_events (id, ticket_id, kind, actor, action, detail, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.TicketID, string(e.Kind), e.Actor, e.Action, e.Detail, *formatTime(&e.Timestamp))
	if err != nil {
		return fault.Transient(err, "ticket store: append event")
	}
	return nil
}

func (s *SQLStore) Events(ctx context.Context, ticketID string) ([]protocol.Event, error) {
	rows, err := s.query(ctx, `
		SELECT id, ticket_id, kind, actor, action, detail, timestamp
		FROM ticket_events WHERE ticket_id = ? ORDER BY timestamp ASC
	`, ticketID)
	if err != nil {
		return nil, fault.Transient(err, "ticket store: events")
	}
	defer rows.Close()

	var events []protocol.Event
	for rows.Next() {
		var e protocol.Event
		var kind, ts string
		if err := rows.Scan(&e.ID, &e.TicketID, &kind, &e.Actor, &e.Action, &e.Detail, &ts); err != nil {
			return nil, fault.Transient(err, "ticket store: events scan")
		}
		e.Kind = protocol.Kind(kind)
		e.Timestamp = parseTime(ts)
		events = append(events, e)
	}
	return events, rows.Err()
}

// SeenAnnouncements is the durable set of announcement IDs already posted.
type SeenAnnouncements struct {
	store *SQLStore
}

// Announcements returns the posted-announcement set backed by this store.
func (s *SQLStore) Announcements() *SeenAnnouncements {
	return &SeenAnnouncements{store: s}
}

// Seen reports whether id was marked before.
func (a *SeenAnnouncements) Seen(ctx context.Context, id string) (bool, error) {
	var one int
	err := a.store.queryRow(ctx, `SELECT COUNT(*) FROM posted_announcements WHERE id = ?`, id).Scan(&one)
	if err != nil {
		return false, fault.Transient(err, "ticket store: announcement seen")
	}
	return one > 0, nil
}

// Mark records id as posted. Marking twice is a no-op.
func (a *SeenAnnouncements) Mark(ctx context.Context, id string) error {
	_, err := a.store.exec(ctx, `
		INSERT INTO posted_announcements (id, posted_at) VALUES (?, ?)
		ON CONFLICT (id) DO NOTHING
	`, id, a.store.now().UTC().Format(time.RFC3339))
	if err != nil {
		return fault.Transient(err, "ticket store: mark announcement")
	}
	return nil
}

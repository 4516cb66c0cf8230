package ticket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/ca-study-space/cssbot/internal/fault"
	"github.com/ca-study-space/cssbot/pkg/protocol"
)

// The flat-file format written by the first release of the bot and still
// used for audit exports. Identifiers were numbers there and are strings
// now, so both are accepted on the way in.

type idString string

func (s *idString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*s = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = idString(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("identifier: %w", err)
	}
	*s = idString(n.String())
	return nil
}

func (s idString) MarshalJSON() ([]byte, error) {
	if s == "" {
		return []byte("null"), nil
	}
	return json.Marshal(string(s))
}

type idList []string

func (l *idList) UnmarshalJSON(b []byte) error {
	var raw []idString
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := make([]string, 0, len(raw))
	for _, id := range raw {
		out = append(out, string(id))
	}
	*l = out
	return nil
}

type legacyTicket struct {
	GroupName           string   `json:"group_name"`
	Level               string   `json:"level"`
	MemberCount         int      `json:"member_count"`
	Members             idList   `json:"members"`
	CreatedBy           idString `json:"created_by"`
	Status              string   `json:"status"`
	ClaimedBy           idString `json:"claimed_by"`
	CancelledBy         idString `json:"cancelled_by"`
	CancelledAt         *string  `json:"cancelled_at"`
	CancellationReason  *string  `json:"cancellation_reason"`
	ApprovalMessageID   idString `json:"approval_message_id"`
	ApprovedMembers     idList   `json:"approved_members"`
	TranscriptMessageID idString `json:"transcript_message_id"`
}

type legacyIssue struct {
	Category            string   `json:"category"`
	Priority            string   `json:"priority"`
	Description         string   `json:"description"`
	CreatedBy           idString `json:"created_by"`
	Anonymous           bool     `json:"anonymous"`
	ReportedUser        idString `json:"reported_user"`
	Status              string   `json:"status"`
	ClaimedBy           idString `json:"claimed_by"`
	Escalated           bool     `json:"escalated"`
	EscalatedBy         idString `json:"escalated_by"`
	Resolution          *string  `json:"resolution"`
	ResolvedBy          idString `json:"resolved_by"`
	ResolvedAt          *string  `json:"resolved_at"`
	ThreadID            idString `json:"thread_id"`
	TranscriptMessageID idString `json:"transcript_message_id"`
	CreatedAt           *string  `json:"created_at"`
}

type legacySnapshot struct {
	LastTicketID *int64                  `json:"last_ticket_id"`
	Tickets      map[string]legacyTicket `json:"tickets"`
	LastIssueID  *int64                  `json:"last_issue_id"`
	IssueTickets map[string]legacyIssue  `json:"issue_tickets"`
}

// Export serializes the counter and every record of kind in the flat-file format.
func (s *SQLStore) Export(ctx context.Context, kind protocol.Kind) ([]byte, error) {
	last, err := s.counter(ctx, kind)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	switch kind {
	case protocol.KindStudy:
		all, err := s.All(ctx)
		if err != nil {
			return nil, err
		}
		tickets := make(map[string]legacyTicket, len(all))
		for id, t := range all {
			tickets[id] = toLegacyTicket(t)
		}
		out = map[string]any{"last_ticket_id": last, "tickets": tickets}
	case protocol.KindIssue:
		all, err := s.AllIssues(ctx)
		if err != nil {
			return nil, err
		}
		issues := make(map[string]legacyIssue, len(all))
		for id, i := range all {
			issues[id] = toLegacyIssue(i)
		}
		out = map[string]any{"last_issue_id": last, "issue_tickets": issues}
	default:
		return nil, fault.Validationf("Unknown export kind %q.", kind)
	}
	return json.MarshalIndent(out, "", "  ")
}

// ImportLegacy loads a flat-file snapshot of either family. Records are
// upserted and the counters only move forward.
func (s *SQLStore) ImportLegacy(ctx context.Context, r io.Reader) (int, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var snap legacySnapshot
	if err := dec.Decode(&snap); err != nil {
		return 0, fault.Validationf("Snapshot is not valid JSON: %v", err)
	}

	imported := 0
	for _, id := range sortedKeys(snap.Tickets) {
		t := fromLegacyTicket(id, snap.Tickets[id], s.now())
		if err := s.Save(ctx, t); err != nil {
			return imported, fmt.Errorf("ticket store: import %s: %w", id, err)
		}
		imported++
	}
	for _, id := range sortedKeys(snap.IssueTickets) {
		i := fromLegacyIssue(id, snap.IssueTickets[id], s.now())
		if err := s.SaveIssue(ctx, i); err != nil {
			return imported, fmt.Errorf("ticket store: import %s: %w", id, err)
		}
		imported++
	}

	if snap.LastTicketID != nil {
		if _, err := s.exec(ctx, `UPDATE ticket_counter SET last_ticket_id = ? WHERE id = 1 AND last_ticket_id < ?`,
			*snap.LastTicketID, *snap.LastTicketID); err != nil {
			return imported, fault.Transient(err, "ticket store: import counter")
		}
	}
	if snap.LastIssueID != nil {
		if _, err := s.exec(ctx, `UPDATE issue_ticket_counter SET last_issue_id = ? WHERE id = 1 AND last_issue_id < ?`,
			*snap.LastIssueID, *snap.LastIssueID); err != nil {
			return imported, fault.Transient(err, "ticket store: import counter")
		}
	}
	return imported, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func toLegacyTicket(t *protocol.Ticket) legacyTicket {
	lt := legacyTicket{
		GroupName:           t.GroupName,
		Level:               t.Level,
		MemberCount:         t.MemberCount,
		Members:             idList(nonNil(t.Members)),
		CreatedBy:           idString(t.CreatedBy),
		Status:              string(t.Status),
		ClaimedBy:           idString(t.ClaimedBy),
		ApprovalMessageID:   idString(t.ApprovalSurfaceRef),
		ApprovedMembers:     idList(nonNil(t.ApprovedMembers)),
		TranscriptMessageID: idString(t.TranscriptRef),
	}
	if c := t.Cancellation; c != nil {
		lt.CancelledBy = idString(c.Actor)
		lt.CancelledAt = isoTime(&c.At)
		reason := c.Reason
		lt.CancellationReason = &reason
	}
	return lt
}

func fromLegacyTicket(id string, lt legacyTicket, now time.Time) *protocol.Ticket {
	t := &protocol.Ticket{
		ID:                 id,
		GroupName:          lt.GroupName,
		Level:              lt.Level,
		MemberCount:        lt.MemberCount,
		Members:            nonNil(lt.Members),
		CreatedBy:          string(lt.CreatedBy),
		Status:             protocol.TicketStatus(lt.Status),
		ClaimedBy:          string(lt.ClaimedBy),
		ApprovalSurfaceRef: string(lt.ApprovalMessageID),
		ApprovedMembers:    nonNil(lt.ApprovedMembers),
		TranscriptRef:      string(lt.TranscriptMessageID),
		CreatedAt:          now,
	}
	// Settled tickets no longer accept consent on their old prompt.
	if t.Status.Terminal() {
		t.ApprovalSurfaceRef = ""
	}
	if lt.CancelledBy != "" || lt.CancelledAt != nil {
		c := &protocol.Cancellation{Actor: string(lt.CancelledBy)}
		if lt.CancelledAt != nil {
			c.At = parseTime(*lt.CancelledAt)
		}
		if lt.CancellationReason != nil {
			c.Reason = *lt.CancellationReason
		}
		t.Cancellation = c
	}
	return t
}

func toLegacyIssue(i *protocol.Issue) legacyIssue {
	li := legacyIssue{
		Category:            i.Category,
		Priority:            i.Priority,
		Description:         i.Description,
		CreatedBy:           idString(i.CreatedBy),
		Anonymous:           i.Anonymous,
		ReportedUser:        idString(i.ReportedUser),
		Status:              string(i.Status),
		ClaimedBy:           idString(i.ClaimedBy),
		Escalated:           i.Escalated,
		EscalatedBy:         idString(i.EscalatedBy),
		ResolvedBy:          idString(i.ResolvedBy),
		ResolvedAt:          isoTime(i.ResolvedAt),
		ThreadID:            idString(i.ThreadRef),
		TranscriptMessageID: idString(i.TranscriptRef),
		CreatedAt:           isoTime(&i.CreatedAt),
	}
	if i.Resolution != "" {
		res := i.Resolution
		li.Resolution = &res
	}
	return li
}

func fromLegacyIssue(id string, li legacyIssue, now time.Time) *protocol.Issue {
	i := &protocol.Issue{
		ID:            id,
		Category:      li.Category,
		Priority:      li.Priority,
		Description:   li.Description,
		CreatedBy:     string(li.CreatedBy),
		Anonymous:     li.Anonymous,
		ReportedUser:  string(li.ReportedUser),
		Status:        protocol.IssueStatus(li.Status),
		ClaimedBy:     string(li.ClaimedBy),
		Escalated:     li.Escalated,
		EscalatedBy:   string(li.EscalatedBy),
		ResolvedBy:    string(li.ResolvedBy),
		ThreadRef:     string(li.ThreadID),
		TranscriptRef: string(li.TranscriptMessageID),
		CreatedAt:     now,
	}
	if li.Resolution != nil {
		i.Resolution = *li.Resolution
	}
	if li.ResolvedAt != nil {
		at := parseTime(*li.ResolvedAt)
		i.ResolvedAt = &at
	}
	if li.CreatedAt != nil {
		i.CreatedAt = parseTime(*li.CreatedAt)
	}
	return i
}

func isoTime(t *time.Time) *string {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.UTC().Format("2006-01-02T15:04:05.999999")
	return &v
}


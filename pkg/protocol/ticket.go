package protocol

import (
	"slices"
	"time"
)

// Kind distinguishes the two ticket families sharing the store.
type Kind string

const (
	KindStudy Kind = "study"
	KindIssue Kind = "issue"
)

// TicketStatus is the lifecycle state of a study-group ticket.
type TicketStatus string

const (
	TicketOpen      TicketStatus = "OPEN"
	TicketClaimed   TicketStatus = "CLAIMED"
	TicketApproved  TicketStatus = "APPROVED"
	TicketCancelled TicketStatus = "CANCELLED"
)

// Terminal reports whether no transition leaves this status.
func (s TicketStatus) Terminal() bool {
	return s == TicketApproved || s == TicketCancelled
}

// Levels accepted for a study group.
var Levels = []string{"Final", "Inter", "Foundation"}

// Cancellation records who cancelled a ticket, when and why.
type Cancellation struct {
	Actor  string    `json:"actor"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
}

// Ticket is a study-group request moving through
// OPEN → CLAIMED → APPROVED, or to CANCELLED.
type Ticket struct {
	ID          string   `json:"id"`
	GroupName   string   `json:"group_name"`
	Level       string   `json:"level"`
	MemberCount int      `json:"member_count"`
	Members     []string `json:"members"`

	Status          TicketStatus `json:"status"`
	ClaimedBy       string       `json:"claimed_by,omitempty"`
	ApprovedMembers []string     `json:"approved_members"`

	// ApprovalSurfaceRef is the consent prompt that inbound reactions are matched against.
	ApprovalSurfaceRef string `json:"approval_message_id,omitempty"`
	ClaimChannelRef    string `json:"claim_channel_id,omitempty"`
	TranscriptRef      string `json:"transcript_message_id,omitempty"`
	RoleRef            string `json:"role_id,omitempty"`
	RoomRef            string `json:"room_id,omitempty"`

	Cancellation *Cancellation `json:"cancellation,omitempty"`

	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`

	// Version guards compare-and-swap writes; it is owned by the store.
	Version int64 `json:"version"`
}

// HasMember reports whether id is one of the ticket's fixed members.
func (t *Ticket) HasMember(id string) bool {
	return slices.Contains(t.Members, id)
}

// Clone returns a deep copy, so a failed write never leaks into the caller's view.
func (t *Ticket) Clone() *Ticket {
	c := *t
	c.Members = slices.Clone(t.Members)
	c.ApprovedMembers = slices.Clone(t.ApprovedMembers)
	if t.Cancellation != nil {
		cc := *t.Cancellation
		c.Cancellation = &cc
	}
	return &c
}

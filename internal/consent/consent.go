// Package consent tracks which members of a study group have confirmed
// and detects when the whole group has.
package consent

import (
	"slices"

	"github.com/ca-study-space/cssbot/pkg/protocol"
)

// Outcome is the result of recording one approval.
type Outcome int

const (
	// Ignored means the actor is not one of the ticket's members.
	Ignored Outcome = iota
	// AlreadyApproved means the actor had approved before; nothing changed.
	AlreadyApproved
	// Recorded means the approval was added and others are still missing.
	Recorded
	// Completed means this approval covered the last missing member.
	Completed
)

func (o Outcome) String() string {
	switch o {
	case Ignored:
		return "ignored"
	case AlreadyApproved:
		return "already_approved"
	case Recorded:
		return "recorded"
	case Completed:
		return "completed"
	default:
		return "unknown"
	}
}

// Changed reports whether the ticket's approved set was modified.
func (o Outcome) Changed() bool {
	return o == Recorded || o == Completed
}

// Record adds actor to t.ApprovedMembers when actor is a member who has
// not approved yet. It never touches anything but the approved set.
func Record(t *protocol.Ticket, actor string) Outcome {
	if !t.HasMember(actor) {
		return Ignored
	}
	if slices.Contains(t.ApprovedMembers, actor) {
		return AlreadyApproved
	}
	t.ApprovedMembers = append(t.ApprovedMembers, actor)
	if Complete(t) {
		return Completed
	}
	return Recorded
}

// Complete reports whether every member has approved. Order and
// duplicates in either list do not matter.
func Complete(t *protocol.Ticket) bool {
	if len(t.Members) == 0 {
		return false
	}
	approved := make(map[string]struct{}, len(t.ApprovedMembers))
	for _, id := range t.ApprovedMembers {
		approved[id] = struct{}{}
	}
	for _, id := range t.Members {
		if _, ok := approved[id]; !ok {
			return false
		}
	}
	return true
}

// Pending returns the members who have not approved yet, in member order.
func Pending(t *protocol.Ticket) []string {
	var out []string
	for _, id := range t.Members {
		if !slices.Contains(t.ApprovedMembers, id) {
			out = append(out, id)
		}
	}
	return out
}

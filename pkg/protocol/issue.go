package protocol

import "time"

// IssueStatus is the lifecycle state of an issue report.
type IssueStatus string

const (
	IssueOpen       IssueStatus = "OPEN"
	IssueInProgress IssueStatus = "IN_PROGRESS"
	IssueEscalated  IssueStatus = "ESCALATED"
	IssueResolved   IssueStatus = "RESOLVED"
	IssueInvalid    IssueStatus = "INVALID"
)

// Terminal reports whether the issue is closed for good.
func (s IssueStatus) Terminal() bool {
	return s == IssueResolved || s == IssueInvalid
}

// Issue categories offered to reporters.
var IssueCategories = []string{
	"Harassment",
	"Toxic Behavior",
	"Inappropriate Content",
	"Spam",
	"Rule Violation",
	"Suggestion",
	"Other",
}

// Issue priorities, lowest first.
var IssuePriorities = []string{"Low", "Medium", "High", "Critical"}

// DefaultPriority is preselected on new reports.
const DefaultPriority = "Medium"

// Issue is a member report handled by moderators in a private discussion space.
type Issue struct {
	ID           string `json:"id"`
	Category     string `json:"category"`
	Priority     string `json:"priority"`
	Description  string `json:"description"`
	CreatedBy    string `json:"created_by"`
	Anonymous    bool   `json:"anonymous"`
	ReportedUser string `json:"reported_user,omitempty"`

	Status      IssueStatus `json:"status"`
	ClaimedBy   string      `json:"claimed_by,omitempty"`
	Escalated   bool        `json:"escalated"`
	EscalatedBy string      `json:"escalated_by,omitempty"`

	Resolution string     `json:"resolution,omitempty"`
	ResolvedBy string     `json:"resolved_by,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`

	ThreadRef     string `json:"thread_id,omitempty"`
	TranscriptRef string `json:"transcript_message_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	Version   int64     `json:"version"`
}

// Clone returns a copy safe to mutate.
func (i *Issue) Clone() *Issue {
	c := *i
	if i.ResolvedAt != nil {
		at := *i.ResolvedAt
		c.ResolvedAt = &at
	}
	return &c
}

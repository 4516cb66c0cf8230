package protocol

import "time"

// Event is one audit-trail entry for a ticket transition.
type Event struct {
	ID        string    `json:"id"`
	TicketID  string    `json:"ticket_id"`
	Kind      Kind      `json:"kind"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Announcement is an external notice picked up by the poller.
type Announcement struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Date    string `json:"date"`
	URL     string `json:"url"`
	Excerpt string `json:"excerpt,omitempty"`
}

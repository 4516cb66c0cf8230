package connector

import (
	"context"

	"github.com/ca-study-space/cssbot/internal/platform"
)

// Connector is the interface for external messaging platforms (Slack, Telegram).
type Connector interface {
	// Name returns the connector type (e.g., "slack", "telegram").
	Name() string
	// Start begins listening for inbound events. Blocks until context is cancelled.
	Start(ctx context.Context) error
	// Stop gracefully shuts down the connector.
	Stop() error
	// Send delivers a plain outbound message.
	Send(ctx context.Context, msg OutboundMessage) error
}

// OutboundMessage is a plain message pushed to a platform chat.
type OutboundMessage struct {
	ChatID  string   // Platform-specific chat identifier
	Content string   // Message text (Markdown)
	Media   []string // Optional media URLs
}

// EventKind says which table an inbound event is routed through.
type EventKind string

const (
	KindCommand  EventKind = "command"
	KindButton   EventKind = "button"
	KindReaction EventKind = "reaction"
)

// Event is an inbound user interaction.
//
// Name selects the route: the command name, the button action or the
// reaction emoji. Key is the correlation key the route looks its record up
// by: a ticket id for buttons, the reacted message ref for reactions.
type Event struct {
	Source  string // connector name
	Kind    EventKind
	Name    string
	Key     string
	Args    []string // command arguments, split on whitespace
	Text    string   // raw command text after the name
	Actor   string
	Channel string // where the interaction happened
}

// File is an attachment on a reply.
type File struct {
	Name string
	Data []byte
}

// Reply is what a handler sends back. Private replies are visible to the
// actor only.
type Reply struct {
	Text    string
	Message *platform.Message
	File    *File
	Private bool
}

// Empty reports whether the reply carries nothing to deliver.
func (r Reply) Empty() bool {
	return r.Text == "" && r.Message == nil && r.File == nil
}

// Dispatcher routes an inbound event and produces the reply to deliver.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev Event) Reply
}

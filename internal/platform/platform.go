// Package platform defines what the bot needs from the chat platform.
// References (channels, messages, users, roles) are opaque strings owned
// by the implementation.
package platform

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a referenced member, channel or role does not exist.
	ErrNotFound = errors.New("platform: not found")
	// ErrUnreachable is returned when a direct message cannot be delivered.
	ErrUnreachable = errors.New("platform: recipient unreachable")
)

// Colors used across transcripts and prompts.
const (
	ColorBlurple = 0x5865F2
	ColorGreen   = 0x2ECC71
	ColorOrange  = 0xE67E22
	ColorRed     = 0xE74C3C
	ColorGrey    = 0x95A5A6
	ColorPurple  = 0x9B59B6
	ColorBlue    = 0x3498DB
)

// ButtonStyle hints how a button is drawn.
type ButtonStyle string

const (
	StyleDefault ButtonStyle = ""
	StylePrimary ButtonStyle = "primary"
	StyleDanger  ButtonStyle = "danger"
)

// Button is an interactive control. Action names the route and Value
// carries the correlation key (usually a ticket id).
type Button struct {
	Label  string
	Action string
	Value  string
	Style  ButtonStyle
}

// Field is a labelled value shown under a message body.
type Field struct {
	Name   string
	Value  string
	Inline bool
}

// Message is a structured post. Implementations render it however the
// platform allows; Title doubles as the plain-text fallback.
type Message struct {
	Title    string
	Body     string
	Fields   []Field
	Color    int
	URL      string
	ImageURL string
	Footer   string
	Buttons  []Button
}

// Posted is a message read back from channel history.
type Posted struct {
	Ref    string
	Author string
	Title  string
}

// Member is a resolved user.
type Member struct {
	ID   string
	Name string
	Bot  bool
}

// Messenger sends and edits messages.
type Messenger interface {
	Send(ctx context.Context, channelRef string, msg Message) (string, error)
	Edit(ctx context.Context, msgRef string, msg Message) error
	React(ctx context.Context, msgRef, emoji string) error
	DirectMessage(ctx context.Context, userRef string, msg Message) error
	History(ctx context.Context, channelRef string, limit int) ([]Posted, error)
}

// Spaces manages restricted channels.
type Spaces interface {
	CreatePrivateChannel(ctx context.Context, name string, members []string) (string, error)
	FindChannel(ctx context.Context, name string) (string, error)
	AddToChannel(ctx context.Context, channelRef string, members []string) error
	ArchiveChannel(ctx context.Context, channelRef string) error
}

// Roles manages named member groupings.
type Roles interface {
	FindRole(ctx context.Context, name string) (string, error)
	CreateRole(ctx context.Context, name string) (string, error)
	AddRoleMember(ctx context.Context, roleRef, userRef string) error
	RoleMembers(ctx context.Context, roleRef string) ([]string, error)
}

// Directory resolves users.
type Directory interface {
	ResolveMember(ctx context.Context, userRef string) (Member, error)
	IsAdmin(ctx context.Context, userRef string) (bool, error)
}

// Platform is everything above in one value.
type Platform interface {
	Messenger
	Spaces
	Roles
	Directory
}

// Mention renders a user reference the way messages should show it.
func Mention(userRef string) string {
	return "<@" + userRef + ">"
}

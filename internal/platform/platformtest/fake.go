// Package platformtest provides an in-memory chat platform for tests.
package platformtest

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/ca-study-space/cssbot/internal/platform"
)

// Channel is a private channel held by the fake.
type Channel struct {
	Ref      string
	Name     string
	Members  []string
	Archived bool
	order    int
}

// Sent is a message held by the fake.
type Sent struct {
	Ref       string
	Channel   string
	Author    string
	Msg       platform.Message
	Edits     int
	Reactions []string
}

// Role is a member grouping held by the fake.
type Role struct {
	Ref     string
	Name    string
	Members []string
}

// Fake implements platform.Platform in memory. Fail* fields inject errors.
type Fake struct {
	mu sync.Mutex

	BotID    string
	Channels map[string]*Channel
	Messages map[string]*Sent
	DMs      map[string][]platform.Message
	Roles    map[string]*Role
	Members  map[string]platform.Member
	Admins   map[string]bool

	FailSend          error
	FailEdit          error
	FailCreateChannel error
	FailArchive       error
	FailCreateRole    error
	Unreachable       map[string]bool // DMs to these users fail
	FailGrant         map[string]bool // role grants to these users fail

	seq int
}

// New returns an empty fake. Every id passed to members is a resolvable user.
func New(members ...string) *Fake {
	f := &Fake{
		BotID:       "BOT",
		Channels:    map[string]*Channel{},
		Messages:    map[string]*Sent{},
		DMs:         map[string][]platform.Message{},
		Roles:       map[string]*Role{},
		Members:     map[string]platform.Member{},
		Admins:      map[string]bool{},
		Unreachable: map[string]bool{},
		FailGrant:   map[string]bool{},
	}
	for _, m := range members {
		f.Members[m] = platform.Member{ID: m, Name: m}
	}
	return f
}

func (f *Fake) next(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s%d", prefix, f.seq)
}

func (f *Fake) Send(_ context.Context, channelRef string, msg platform.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailSend != nil {
		return "", f.FailSend
	}
	ref := channelRef + ":" + f.next("m")
	f.Messages[ref] = &Sent{Ref: ref, Channel: channelRef, Author: f.BotID, Msg: msg}
	return ref, nil
}

func (f *Fake) Edit(_ context.Context, msgRef string, msg platform.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailEdit != nil {
		return f.FailEdit
	}
	m, ok := f.Messages[msgRef]
	if !ok {
		return platform.ErrNotFound
	}
	m.Msg = msg
	m.Edits++
	return nil
}

func (f *Fake) React(_ context.Context, msgRef, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.Messages[msgRef]
	if !ok {
		return platform.ErrNotFound
	}
	m.Reactions = append(m.Reactions, emoji)
	return nil
}

func (f *Fake) DirectMessage(_ context.Context, userRef string, msg platform.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Unreachable[userRef] {
		return platform.ErrUnreachable
	}
	f.DMs[userRef] = append(f.DMs[userRef], msg)
	return nil
}

func (f *Fake) History(_ context.Context, channelRef string, limit int) ([]platform.Posted, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []platform.Posted
	for _, m := range f.Messages {
		if m.Channel == channelRef {
			out = append(out, platform.Posted{Ref: m.Ref, Author: m.Author, Title: m.Msg.Title})
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *Fake) CreatePrivateChannel(_ context.Context, name string, members []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailCreateChannel != nil {
		return "", f.FailCreateChannel
	}
	ref := f.next("C")
	f.Channels[ref] = &Channel{Ref: ref, Name: name, Members: slices.Clone(members), order: f.seq}
	return ref, nil
}

func (f *Fake) FindChannel(_ context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.Channels {
		if c.Name == name && !c.Archived {
			return c.Ref, nil
		}
	}
	return "", platform.ErrNotFound
}

func (f *Fake) AddToChannel(_ context.Context, channelRef string, members []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.Channels[channelRef]
	if !ok {
		return platform.ErrNotFound
	}
	for _, m := range members {
		if !slices.Contains(c.Members, m) {
			c.Members = append(c.Members, m)
		}
	}
	return nil
}

func (f *Fake) ArchiveChannel(_ context.Context, channelRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailArchive != nil {
		return f.FailArchive
	}
	c, ok := f.Channels[channelRef]
	if !ok {
		return platform.ErrNotFound
	}
	c.Archived = true
	return nil
}

func (f *Fake) FindRole(_ context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.Roles {
		if r.Name == name {
			return r.Ref, nil
		}
	}
	return "", platform.ErrNotFound
}

func (f *Fake) CreateRole(_ context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailCreateRole != nil {
		return "", f.FailCreateRole
	}
	ref := f.next("S")
	f.Roles[ref] = &Role{Ref: ref, Name: name}
	return ref, nil
}

func (f *Fake) AddRoleMember(_ context.Context, roleRef, userRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailGrant[userRef] {
		return fmt.Errorf("platform: grant %s: forbidden", userRef)
	}
	r, ok := f.Roles[roleRef]
	if !ok {
		return platform.ErrNotFound
	}
	if !slices.Contains(r.Members, userRef) {
		r.Members = append(r.Members, userRef)
	}
	return nil
}

func (f *Fake) RoleMembers(_ context.Context, roleRef string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.Roles[roleRef]
	if !ok {
		return nil, platform.ErrNotFound
	}
	return slices.Clone(r.Members), nil
}

func (f *Fake) ResolveMember(_ context.Context, userRef string) (platform.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.Members[userRef]
	if !ok {
		return platform.Member{}, platform.ErrNotFound
	}
	return m, nil
}

func (f *Fake) IsAdmin(_ context.Context, userRef string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Admins[userRef], nil
}

// --- inspection helpers ---

// ChannelNamed returns the most recently created channel with name, or nil.
func (f *Fake) ChannelNamed(name string) *Channel {
	f.mu.Lock()
	defer f.mu.Unlock()
	var found *Channel
	for _, c := range f.Channels {
		if c.Name == name && (found == nil || c.order > found.order) {
			cc := *c
			cc.Members = slices.Clone(c.Members)
			found = &cc
		}
	}
	return found
}

// RoleNamed returns the role with name, or nil.
func (f *Fake) RoleNamed(name string) *Role {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.Roles {
		if r.Name == name {
			rr := *r
			rr.Members = slices.Clone(r.Members)
			return &rr
		}
	}
	return nil
}

// Message returns a copy of the message behind ref, or nil.
func (f *Fake) Message(ref string) *Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.Messages[ref]
	if !ok {
		return nil
	}
	mm := *m
	return &mm
}

// SentTo returns the messages posted in channelRef.
func (f *Fake) SentTo(channelRef string) []Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Sent
	for _, m := range f.Messages {
		if m.Channel == channelRef {
			out = append(out, *m)
		}
	}
	return out
}

// DMsTo returns the direct messages delivered to userRef.
func (f *Fake) DMsTo(userRef string) []platform.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.DMs[userRef])
}

var _ platform.Platform = (*Fake)(nil)

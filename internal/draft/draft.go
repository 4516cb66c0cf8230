// Package draft holds the not-yet-submitted forms users are filling in.
//
// A draft lives only in memory and expires after a period without edits.
// Expired drafts vanish without a trace; nothing is persisted until the
// user submits.
package draft

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/emirpasic/gods/maps/linkedhashmap"

	"github.com/ca-study-space/cssbot/internal/fault"
	"github.com/ca-study-space/cssbot/pkg/protocol"
)

// DefaultTTL is how long an untouched draft survives.
const DefaultTTL = 5 * time.Minute

// Study is a study-group request being assembled.
type Study struct {
	GroupName   string
	Level       string
	MemberCount int
	Members     []string
}

// Missing lists the fields still needed before submission.
func (s Study) Missing() []string {
	var out []string
	if s.GroupName == "" {
		out = append(out, "group name")
	}
	if s.Level == "" {
		out = append(out, "level")
	}
	if s.MemberCount == 0 {
		out = append(out, "member count")
	}
	if len(s.Members) == 0 {
		out = append(out, "members")
	}
	return out
}

// Issue is an issue report being assembled. The description is supplied
// with the submit action itself.
type Issue struct {
	Category     string
	Priority     string
	Anonymous    bool
	ReportedUser string
}

// Missing lists the fields still needed before submission.
func (i Issue) Missing() []string {
	if i.Category == "" {
		return []string{"category"}
	}
	return nil
}

type kind string

const (
	kindStudy kind = "study"
	kindIssue kind = "issue"
)

type entry struct {
	value   any
	touched time.Time
}

// Sessions keeps at most one draft of each kind per user. Keys are held
// in touch order, oldest first, so a sweep stops at the first live entry.
type Sessions struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries *linkedhashmap.Map // "kind:user" -> *entry
	now     func() time.Time
	logger  *slog.Logger
}

// New creates a session store. A zero ttl means DefaultTTL.
func New(ttl time.Duration, logger *slog.Logger) *Sessions {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sessions{
		ttl:     ttl,
		entries: linkedhashmap.New(),
		now:     time.Now,
		logger:  logger,
	}
}

func key(k kind, user string) string { return string(k) + ":" + user }

// StartStudy begins a fresh study-group draft, replacing any previous one.
func (s *Sessions) StartStudy(user, groupName string) Study {
	d := &Study{GroupName: groupName}
	s.put(key(kindStudy, user), d)
	return *d
}

// EditStudy applies fn to the user's live study draft.
func (s *Sessions) EditStudy(user string, fn func(d *Study) error) (Study, error) {
	return edit(s, key(kindStudy, user), "study group", fn)
}

// TakeStudy removes and returns the user's live study draft.
func (s *Sessions) TakeStudy(user string) (Study, error) {
	return take[Study](s, key(kindStudy, user), "study group")
}

// StartIssue begins a fresh issue draft with the default priority.
func (s *Sessions) StartIssue(user string) Issue {
	d := &Issue{Priority: protocol.DefaultPriority}
	s.put(key(kindIssue, user), d)
	return *d
}

// EditIssue applies fn to the user's live issue draft, starting one if needed.
func (s *Sessions) EditIssue(user string, fn func(d *Issue) error) (Issue, error) {
	if _, ok := s.live(key(kindIssue, user)); !ok {
		s.StartIssue(user)
	}
	return edit(s, key(kindIssue, user), "issue report", fn)
}

// TakeIssue removes and returns the user's live issue draft.
func (s *Sessions) TakeIssue(user string) (Issue, error) {
	return take[Issue](s, key(kindIssue, user), "issue report")
}

// Discard drops both of the user's drafts and reports whether any existed.
func (s *Sessions) Discard(user string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := false
	for _, k := range []string{key(kindStudy, user), key(kindIssue, user)} {
		if _, ok := s.entries.Get(k); ok {
			s.entries.Remove(k)
			found = true
		}
	}
	return found
}

// Sweep removes expired drafts and returns how many were dropped.
func (s *Sessions) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-s.ttl)
	var expired []any
	it := s.entries.Iterator()
	for it.Begin(); it.Next(); {
		if it.Value().(*entry).touched.After(cutoff) {
			break
		}
		expired = append(expired, it.Key())
	}
	for _, k := range expired {
		s.entries.Remove(k)
	}
	if len(expired) > 0 {
		s.logger.Debug("drafts expired", "count", len(expired))
	}
	return len(expired)
}

// Len returns the number of drafts held, expired or not.
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries.Size()
}

func (s *Sessions) put(k string, v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries.Remove(k)
	s.entries.Put(k, &entry{value: v, touched: s.now()})
}

// live returns the draft under k if it has not expired. Expired drafts
// are removed on sight.
func (s *Sessions) live(k string) (*entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveLocked(k)
}

func (s *Sessions) liveLocked(k string) (*entry, bool) {
	v, ok := s.entries.Get(k)
	if !ok {
		return nil, false
	}
	e := v.(*entry)
	if s.now().Sub(e.touched) >= s.ttl {
		s.entries.Remove(k)
		return nil, false
	}
	return e, true
}

func edit[T any](s *Sessions, k, label string, fn func(*T) error) (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var zero T
	e, ok := s.liveLocked(k)
	if !ok {
		return zero, noDraft(label)
	}
	cur := e.value.(*T)
	next := *cur
	if err := fn(&next); err != nil {
		return zero, err
	}
	// Move to the back: this draft is now the most recently touched.
	s.entries.Remove(k)
	s.entries.Put(k, &entry{value: &next, touched: s.now()})
	return next, nil
}

func take[T any](s *Sessions, k, label string) (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var zero T
	e, ok := s.liveLocked(k)
	if !ok {
		return zero, noDraft(label)
	}
	s.entries.Remove(k)
	return *e.value.(*T), nil
}

func noDraft(label string) error {
	return fault.NotFoundf("You have no %s draft in progress, or it expired. Start again.", label)
}

// SetMembers replaces the member list, dropping duplicates.
func (s *Study) SetMembers(ids []string) error {
	var out []string
	for _, id := range ids {
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	if s.MemberCount > 0 && len(out) != s.MemberCount {
		return fault.Validationf("Select exactly %d members (you selected %d).", s.MemberCount, len(out))
	}
	s.Members = out
	return nil
}

// SetCount sets the member count, which must be 2 to 5.
func (s *Study) SetCount(n int) error {
	if n < 2 || n > 5 {
		return fault.Validationf("Member count must be between 2 and 5.")
	}
	s.MemberCount = n
	if len(s.Members) > 0 && len(s.Members) != n {
		s.Members = nil
	}
	return nil
}

// SetLevel sets the level, which must be one of protocol.Levels.
func (s *Study) SetLevel(level string) error {
	for _, l := range protocol.Levels {
		if strings.EqualFold(l, level) {
			s.Level = l
			return nil
		}
	}
	return fault.Validationf("Level must be one of %s.", strings.Join(protocol.Levels, ", "))
}

// SetCategory sets the category, which must be one of protocol.IssueCategories.
func (i *Issue) SetCategory(c string) error {
	for _, known := range protocol.IssueCategories {
		if strings.EqualFold(known, c) {
			i.Category = known
			return nil
		}
	}
	return fault.Validationf("Category must be one of %s.", strings.Join(protocol.IssueCategories, ", "))
}

// SetPriority sets the priority, which must be one of protocol.IssuePriorities.
func (i *Issue) SetPriority(p string) error {
	for _, known := range protocol.IssuePriorities {
		if strings.EqualFold(known, p) {
			i.Priority = known
			return nil
		}
	}
	return fault.Validationf("Priority must be one of %s.", strings.Join(protocol.IssuePriorities, ", "))
}

func (s Study) String() string {
	return fmt.Sprintf("%s (%s, %d members)", s.GroupName, s.Level, s.MemberCount)
}

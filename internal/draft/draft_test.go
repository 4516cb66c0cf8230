package draft

import (
	"testing"
	"time"

	"github.com/ca-study-space/cssbot/internal/fault"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestSessions() (*Sessions, *clock) {
	c := &clock{t: time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)}
	s := New(5*time.Minute, nil)
	s.now = c.now
	return s, c
}

func TestStudyDraft(t *testing.T) {
	s, _ := newTestSessions()

	s.StartStudy("A", "Alpha")
	d, err := s.EditStudy("A", func(d *Study) error {
		if err := d.SetLevel("final"); err != nil {
			return err
		}
		return d.SetCount(3)
	})
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if d.Level != "Final" || d.MemberCount != 3 {
		t.Fatalf("unexpected draft %+v", d)
	}
	if got := d.Missing(); len(got) != 1 || got[0] != "members" {
		t.Errorf("expected only members missing, got %v", got)
	}

	_, err = s.EditStudy("A", func(d *Study) error { return d.SetMembers([]string{"A", "B"}) })
	if !fault.Is(err, fault.Validation) {
		t.Fatalf("expected validation error for wrong member count, got %v", err)
	}
	_, err = s.EditStudy("A", func(d *Study) error { return d.SetMembers([]string{"A", "B", "B", "C"}) })
	if err != nil {
		t.Fatalf("duplicates should collapse: %v", err)
	}

	d, err = s.TakeStudy("A")
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	if len(d.Members) != 3 || len(d.Missing()) != 0 {
		t.Errorf("unexpected final draft %+v", d)
	}
	if _, err := s.TakeStudy("A"); !fault.Is(err, fault.NotFound) {
		t.Errorf("expected draft consumed, got %v", err)
	}
}

func TestFailedEditLeavesDraft(t *testing.T) {
	s, _ := newTestSessions()
	s.StartStudy("A", "Alpha")
	s.EditStudy("A", func(d *Study) error { return d.SetCount(2) })

	_, err := s.EditStudy("A", func(d *Study) error {
		d.GroupName = "Changed"
		return d.SetCount(9)
	})
	if !fault.Is(err, fault.Validation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	d, _ := s.TakeStudy("A")
	if d.GroupName != "Alpha" || d.MemberCount != 2 {
		t.Errorf("failed edit leaked into draft: %+v", d)
	}
}

func TestDraftExpires(t *testing.T) {
	s, c := newTestSessions()
	s.StartStudy("A", "Alpha")

	c.advance(4 * time.Minute)
	if _, err := s.EditStudy("A", func(d *Study) error { return nil }); err != nil {
		t.Fatalf("edit within window: %v", err)
	}
	c.advance(4 * time.Minute)
	if _, err := s.TakeStudy("A"); err != nil {
		t.Fatalf("edit should have refreshed the window: %v", err)
	}

	s.StartStudy("A", "Beta")
	c.advance(5 * time.Minute)
	if _, err := s.TakeStudy("A"); !fault.Is(err, fault.NotFound) {
		t.Errorf("expected expired draft, got %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("expected expired draft removed, got %d", s.Len())
	}
}

func TestSweep(t *testing.T) {
	s, c := newTestSessions()
	s.StartStudy("A", "Alpha")
	c.advance(2 * time.Minute)
	s.StartIssue("B")
	c.advance(2 * time.Minute)
	s.StartStudy("C", "Gamma")

	c.advance(2 * time.Minute) // A is 6m old, B 4m, C 2m
	if n := s.Sweep(); n != 1 {
		t.Fatalf("expected one expired draft, got %d", n)
	}
	if s.Len() != 2 {
		t.Errorf("expected two live drafts, got %d", s.Len())
	}

	// Touching B moves it behind C.
	s.EditIssue("B", func(d *Issue) error { return nil })
	c.advance(4 * time.Minute)
	if n := s.Sweep(); n != 1 {
		t.Fatalf("expected C to expire, got %d", n)
	}
	if _, err := s.TakeIssue("B"); err != nil {
		t.Errorf("expected B alive, got %v", err)
	}
}

func TestIssueDraft(t *testing.T) {
	s, _ := newTestSessions()

	d, err := s.EditIssue("A", func(d *Issue) error { return d.SetCategory("spam") })
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if d.Category != "Spam" || d.Priority != "Medium" {
		t.Errorf("expected Spam/Medium, got %+v", d)
	}
	if _, err := s.EditIssue("A", func(d *Issue) error { return d.SetPriority("urgent") }); !fault.Is(err, fault.Validation) {
		t.Errorf("expected validation error, got %v", err)
	}
	s.EditIssue("A", func(d *Issue) error { d.Anonymous = true; return nil })

	got, err := s.TakeIssue("A")
	if err != nil || !got.Anonymous || got.Category != "Spam" {
		t.Errorf("unexpected issue draft %+v %v", got, err)
	}
}

func TestDiscard(t *testing.T) {
	s, _ := newTestSessions()
	s.StartStudy("A", "Alpha")
	s.StartIssue("A")
	if !s.Discard("A") {
		t.Fatal("expected drafts discarded")
	}
	if s.Discard("A") {
		t.Error("second discard should find nothing")
	}
	if s.Len() != 0 {
		t.Errorf("expected empty sessions, got %d", s.Len())
	}
}

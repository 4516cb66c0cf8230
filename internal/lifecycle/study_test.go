package lifecycle

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	"github.com/ca-study-space/cssbot/internal/access"
	"github.com/ca-study-space/cssbot/internal/consent"
	"github.com/ca-study-space/cssbot/internal/fault"
	"github.com/ca-study-space/cssbot/internal/notify"
	"github.com/ca-study-space/cssbot/internal/platform/platformtest"
	"github.com/ca-study-space/cssbot/internal/provision"
	"github.com/ca-study-space/cssbot/internal/ticket"
	"github.com/ca-study-space/cssbot/pkg/protocol"
)

const (
	studyChannel = "CSTUDY"
	issueChannel = "CISSUE"
)

type harness struct {
	store   *ticket.SQLStore
	plat    *platformtest.Fake
	auth    *access.Authorizer
	prov    *provision.Provisioner
	relay   *notify.Relay
	modRole string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	store, err := ticket.NewSQLiteStore(filepath.Join(t.TempDir(), "cssbot.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	p := platformtest.New("A", "B", "C", "X", "ADM", "ADM2", "MOD")
	p.Admins["ADM"] = true
	p.Admins["ADM2"] = true
	modRole, _ := p.CreateRole(ctx, "Moderators")
	p.AddRoleMember(ctx, modRole, "MOD")

	return &harness{
		store:   store,
		plat:    p,
		auth:    access.New(p, p, "", modRole),
		prov:    provision.New(p, nil),
		relay:   notify.New(p, notify.Config{StudyTranscripts: studyChannel, IssueTranscripts: issueChannel, BotID: p.BotID}, nil),
		modRole: modRole,
	}
}

func (h *harness) study(store ticket.Store) *Service {
	if store == nil {
		store = h.store
	}
	return NewService(Deps{
		Store:       store,
		Events:      h.store,
		Provisioner: h.prov,
		Relay:       h.relay,
		Access:      h.auth,
	})
}

func alphaRequest() StudyRequest {
	return StudyRequest{GroupName: "Alpha", Level: "Final", MemberCount: 3, Members: []string{"A", "B", "C"}, Creator: "A"}
}

func TestStudy_FullFlow(t *testing.T) {
	h := newHarness(t)
	svc := h.study(nil)
	ctx := context.Background()

	tk, err := svc.Create(ctx, alphaRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if tk.ID != "01" || tk.Status != protocol.TicketOpen {
		t.Fatalf("expected OPEN ticket 01, got %s %s", tk.ID, tk.Status)
	}
	if tk.TranscriptRef == "" {
		t.Fatal("expected a transcript ref")
	}

	tk, err = svc.Claim(ctx, tk.ID, "ADM")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if tk.Status != protocol.TicketClaimed || tk.ClaimedBy != "ADM" {
		t.Fatalf("expected CLAIMED by ADM, got %s by %q", tk.Status, tk.ClaimedBy)
	}
	if tk.ApprovalSurfaceRef == "" || tk.ClaimChannelRef == "" {
		t.Fatalf("expected consent surface, got %+v", tk)
	}
	if ch := h.plat.ChannelNamed("ticket-01"); ch == nil || ch.Archived {
		t.Fatalf("expected open consent channel, got %+v", ch)
	}
	surface := tk.ApprovalSurfaceRef

	if out, err := svc.RecordApproval(ctx, surface, "X"); err != nil || out != consent.Ignored {
		t.Errorf("non-member: expected Ignored, got %v %v", out, err)
	}
	for i, who := range []string{"A", "B"} {
		out, err := svc.RecordApproval(ctx, surface, who)
		if err != nil || out != consent.Recorded {
			t.Fatalf("approval %d: expected Recorded, got %v %v", i, out, err)
		}
	}
	if out, _ := svc.RecordApproval(ctx, surface, "A"); out != consent.AlreadyApproved {
		t.Errorf("repeat approval: expected AlreadyApproved, got %v", out)
	}
	out, err := svc.RecordApproval(ctx, surface, "C")
	if err != nil || out != consent.Completed {
		t.Fatalf("final approval: expected Completed, got %v %v", out, err)
	}

	tk, err = svc.Get(ctx, tk.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if tk.Status != protocol.TicketApproved {
		t.Fatalf("expected APPROVED, got %s", tk.Status)
	}
	if tk.ApprovalSurfaceRef != "" || len(tk.ApprovedMembers) != 0 {
		t.Errorf("expected surface and approvals cleared, got %q %v", tk.ApprovalSurfaceRef, tk.ApprovedMembers)
	}
	role := h.plat.RoleNamed("SG_Alpha")
	if role == nil || role.Ref != tk.RoleRef {
		t.Fatalf("expected role SG_Alpha on ticket, got %+v / %q", role, tk.RoleRef)
	}
	for _, m := range []string{"A", "B", "C"} {
		if !slices.Contains(role.Members, m) {
			t.Errorf("expected %s granted, got %v", m, role.Members)
		}
	}
	if room := h.plat.ChannelNamed("SG_Alpha"); room == nil || room.Ref != tk.RoomRef {
		t.Errorf("expected room SG_Alpha on ticket, got %+v / %q", room, tk.RoomRef)
	}
	if ch := h.plat.ChannelNamed("ticket-01"); ch == nil || !ch.Archived {
		t.Errorf("expected consent channel archived, got %+v", ch)
	}
	if dms := h.plat.DMsTo("A"); len(dms) != 1 {
		t.Errorf("expected one DM to creator, got %d", len(dms))
	}

	// Reactions after approval change nothing.
	if out, err := svc.RecordApproval(ctx, surface, "A"); err != nil || out != consent.Ignored {
		t.Errorf("late reaction: expected Ignored, got %v %v", out, err)
	}

	events, err := h.store.Events(ctx, tk.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	var actions []string
	for _, e := range events {
		actions = append(actions, e.Action)
	}
	for _, want := range []string{"created", "claimed", "consented", "approved"} {
		if !slices.Contains(actions, want) {
			t.Errorf("expected %q in audit trail %v", want, actions)
		}
	}
}

func TestStudy_CreateValidation(t *testing.T) {
	h := newHarness(t)
	svc := h.study(nil)
	ctx := context.Background()

	tests := []struct {
		name string
		mod  func(r *StudyRequest)
	}{
		{"wrong count", func(r *StudyRequest) { r.Members = []string{"A", "B"} }},
		{"creator missing", func(r *StudyRequest) { r.Members = []string{"B", "C", "X"} }},
		{"bad level", func(r *StudyRequest) { r.Level = "Senior" }},
		{"too many", func(r *StudyRequest) { r.MemberCount = 6 }},
		{"duplicate member", func(r *StudyRequest) { r.Members = []string{"A", "B", "B"} }},
		{"no name", func(r *StudyRequest) { r.GroupName = "" }},
		{"blank name", func(r *StudyRequest) { r.GroupName = "   " }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := alphaRequest()
			tt.mod(&req)
			_, err := svc.Create(ctx, req)
			if !fault.Is(err, fault.Validation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}

	all, _ := h.store.All(ctx)
	if len(all) != 0 {
		t.Errorf("expected no tickets after rejected drafts, got %d", len(all))
	}
}

func TestStudy_ClaimRequiresAdmin(t *testing.T) {
	h := newHarness(t)
	svc := h.study(nil)
	ctx := context.Background()

	tk, _ := svc.Create(ctx, alphaRequest())
	_, err := svc.Claim(ctx, tk.ID, "MOD")
	if !fault.Is(err, fault.PermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	got, _ := svc.Get(ctx, tk.ID)
	if got.Status != protocol.TicketOpen {
		t.Errorf("expected ticket untouched, got %s", got.Status)
	}
}

func TestStudy_ClaimNotOpen(t *testing.T) {
	h := newHarness(t)
	svc := h.study(nil)
	ctx := context.Background()

	tk, _ := svc.Create(ctx, alphaRequest())
	if _, err := svc.Claim(ctx, tk.ID, "ADM"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	before, _ := svc.Get(ctx, tk.ID)

	_, err := svc.Claim(ctx, tk.ID, "ADM2")
	if !fault.Is(err, fault.Conflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if fault.UserMessage(err) != "Ticket unavailable." {
		t.Errorf("unexpected message %q", fault.UserMessage(err))
	}
	after, _ := svc.Get(ctx, tk.ID)
	if after.Version != before.Version || after.ClaimedBy != "ADM" {
		t.Errorf("expected ticket unmodified, got %+v", after)
	}

	// Same claimer with the surface in place is also a conflict.
	if _, err := svc.Claim(ctx, tk.ID, "ADM"); !fault.Is(err, fault.Conflict) {
		t.Errorf("expected conflict on repeated claim, got %v", err)
	}
}

func TestStudy_ClaimMissing(t *testing.T) {
	h := newHarness(t)
	_, err := h.study(nil).Claim(context.Background(), "99", "ADM")
	if !fault.Is(err, fault.NotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStudy_ConcurrentClaims(t *testing.T) {
	h := newHarness(t)
	svc := h.study(nil)
	ctx := context.Background()

	tk, _ := svc.Create(ctx, alphaRequest())

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, who := range []string{"ADM", "ADM2"} {
		wg.Add(1)
		go func(i int, who string) {
			defer wg.Done()
			_, errs[i] = svc.Claim(ctx, tk.ID, who)
		}(i, who)
	}
	wg.Wait()

	wins, conflicts := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case fault.Is(err, fault.Conflict):
			conflicts++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 || conflicts != 1 {
		t.Fatalf("expected one winner and one conflict, got %d/%d", wins, conflicts)
	}

	got, _ := svc.Get(ctx, tk.ID)
	if got.ClaimedBy != "ADM" && got.ClaimedBy != "ADM2" {
		t.Errorf("unexpected claimer %q", got.ClaimedBy)
	}
	open := 0
	for _, c := range h.plat.Channels {
		if c.Name == "ticket-01" && !c.Archived {
			open++
		}
	}
	if open != 1 {
		t.Errorf("expected one consent channel, got %d", open)
	}
}

func TestStudy_ConcurrentApprovals(t *testing.T) {
	h := newHarness(t)
	svc := h.study(nil)
	ctx := context.Background()

	tk, _ := svc.Create(ctx, alphaRequest())
	tk, _ = svc.Claim(ctx, tk.ID, "ADM")

	var wg sync.WaitGroup
	outcomes := make([]consent.Outcome, 3)
	for i, who := range []string{"A", "B", "C"} {
		wg.Add(1)
		go func(i int, who string) {
			defer wg.Done()
			outcomes[i], _ = svc.RecordApproval(ctx, tk.ApprovalSurfaceRef, who)
		}(i, who)
	}
	wg.Wait()

	completed := 0
	for _, o := range outcomes {
		if o == consent.Completed {
			completed++
		}
	}
	if completed != 1 {
		t.Errorf("expected exactly one completing approval, got %v", outcomes)
	}
	got, _ := svc.Get(ctx, tk.ID)
	if got.Status != protocol.TicketApproved || got.RoleRef == "" {
		t.Errorf("expected APPROVED with role, got %s %q", got.Status, got.RoleRef)
	}
}

type failingStore struct {
	ticket.Store
	err error
}

func (f *failingStore) CompareAndSwap(context.Context, *protocol.Ticket, int64) error {
	return f.err
}

func TestStudy_StoreFailureAbortsClaim(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tk, _ := h.study(nil).Create(ctx, alphaRequest())

	down := fault.Transient(errors.New("disk full"), "ticket: write")
	svc := h.study(&failingStore{Store: h.store, err: down})
	_, err := svc.Claim(ctx, tk.ID, "ADM")
	if !fault.Is(err, fault.Unavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if h.plat.ChannelNamed("ticket-01") != nil {
		t.Error("expected no consent channel after failed write")
	}
	got, _ := h.store.Get(ctx, tk.ID)
	if got.Status != protocol.TicketOpen {
		t.Errorf("expected OPEN, got %s", got.Status)
	}
}

func TestStudy_ClaimResumesAfterProvisioningFailure(t *testing.T) {
	h := newHarness(t)
	svc := h.study(nil)
	ctx := context.Background()

	tk, _ := svc.Create(ctx, alphaRequest())

	h.plat.FailCreateChannel = errors.New("rate limited")
	if _, err := svc.Claim(ctx, tk.ID, "ADM"); err == nil {
		t.Fatal("expected claim to report the provisioning failure")
	}
	got, _ := svc.Get(ctx, tk.ID)
	if got.Status != protocol.TicketClaimed || got.ApprovalSurfaceRef != "" {
		t.Fatalf("expected CLAIMED without surface, got %s %q", got.Status, got.ApprovalSurfaceRef)
	}

	h.plat.FailCreateChannel = nil
	if _, err := svc.Claim(ctx, tk.ID, "ADM2"); !fault.Is(err, fault.Conflict) {
		t.Errorf("expected other admins to be refused, got %v", err)
	}
	got, err := svc.Claim(ctx, tk.ID, "ADM")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if got.ApprovalSurfaceRef == "" {
		t.Error("expected surface after resume")
	}
}

func TestStudy_FinalizeResumesAfterRoleFailure(t *testing.T) {
	h := newHarness(t)
	svc := h.study(nil)
	ctx := context.Background()

	tk, _ := svc.Create(ctx, alphaRequest())
	tk, _ = svc.Claim(ctx, tk.ID, "ADM")
	svc.RecordApproval(ctx, tk.ApprovalSurfaceRef, "A")
	svc.RecordApproval(ctx, tk.ApprovalSurfaceRef, "B")

	h.plat.FailCreateRole = errors.New("missing scope")
	out, err := svc.RecordApproval(ctx, tk.ApprovalSurfaceRef, "C")
	if out != consent.Completed || err == nil {
		t.Fatalf("expected Completed with a provisioning error, got %v %v", out, err)
	}
	got, _ := svc.Get(ctx, tk.ID)
	if got.Status != protocol.TicketApproved || got.RoleRef != "" {
		t.Fatalf("expected APPROVED without role, got %s %q", got.Status, got.RoleRef)
	}

	h.plat.FailCreateRole = nil
	// The prompt is gone once approved, so reacting again changes nothing.
	for _, who := range []string{"A", "B", "C"} {
		if out, err := svc.RecordApproval(ctx, tk.ApprovalSurfaceRef, who); err != nil || out != consent.Ignored {
			t.Fatalf("re-react %s: expected Ignored, got %v %v", who, out, err)
		}
	}
	if len(h.plat.DMsTo("A")) != 0 {
		t.Fatal("originator notified before resources exist")
	}

	n, err := svc.ResumeApprovals(ctx)
	if err != nil || n != 1 {
		t.Fatalf("resume approvals: expected 1 resumed, got %d %v", n, err)
	}
	got, _ = svc.Get(ctx, tk.ID)
	if got.Status != protocol.TicketApproved || got.RoleRef == "" || got.RoomRef == "" {
		t.Errorf("expected role and room after resume, got %s %q %q", got.Status, got.RoleRef, got.RoomRef)
	}
	dms := h.plat.DMsTo("A")
	if len(dms) != 1 || dms[0].Body != notify.StatusApproved() {
		t.Errorf("expected one approval notice to the originator, got %+v", dms)
	}

	// Nothing left to resume on the next sweep.
	if n, err := svc.ResumeApprovals(ctx); err != nil || n != 0 {
		t.Errorf("second sweep: expected 0, got %d %v", n, err)
	}
	if _, err := svc.Finalize(ctx, tk.ID); !fault.Is(err, fault.Conflict) {
		t.Errorf("expected conflict once complete, got %v", err)
	}
}

func TestStudy_ResumeApprovalsKeepsFailing(t *testing.T) {
	h := newHarness(t)
	svc := h.study(nil)
	ctx := context.Background()

	tk, _ := svc.Create(ctx, alphaRequest())
	tk, _ = svc.Claim(ctx, tk.ID, "ADM")
	h.plat.FailCreateRole = errors.New("missing scope")
	for _, who := range []string{"A", "B", "C"} {
		svc.RecordApproval(ctx, tk.ApprovalSurfaceRef, who)
	}

	n, err := svc.ResumeApprovals(ctx)
	if err == nil || n != 0 {
		t.Fatalf("expected the sweep to report the failure, got %d %v", n, err)
	}
	if got, _ := svc.Get(ctx, tk.ID); got.Status != protocol.TicketApproved || got.RoleRef != "" {
		t.Errorf("expected APPROVED without role, got %s %q", got.Status, got.RoleRef)
	}
}

func TestStudy_PartialGrant(t *testing.T) {
	h := newHarness(t)
	svc := h.study(nil)
	ctx := context.Background()

	tk, _ := svc.Create(ctx, alphaRequest())
	tk, _ = svc.Claim(ctx, tk.ID, "ADM")
	h.plat.FailGrant["B"] = true
	for _, who := range []string{"A", "B", "C"} {
		svc.RecordApproval(ctx, tk.ApprovalSurfaceRef, who)
	}

	got, _ := svc.Get(ctx, tk.ID)
	if got.Status != protocol.TicketApproved {
		t.Fatalf("expected APPROVED despite a failed grant, got %s", got.Status)
	}
	role := h.plat.RoleNamed("SG_Alpha")
	if slices.Contains(role.Members, "B") || !slices.Contains(role.Members, "A") {
		t.Errorf("unexpected role members %v", role.Members)
	}
}

func TestStudy_Cancel(t *testing.T) {
	h := newHarness(t)
	svc := h.study(nil)
	ctx := context.Background()

	tk, _ := svc.Create(ctx, alphaRequest())
	tk, _ = svc.Claim(ctx, tk.ID, "ADM")

	if _, err := svc.Cancel(ctx, tk.ID, "A", "nope"); !fault.Is(err, fault.PermissionDenied) {
		t.Errorf("expected permission denied, got %v", err)
	}
	if _, err := svc.Cancel(ctx, tk.ID, "MOD", "  "); !fault.Is(err, fault.Validation) {
		t.Errorf("expected validation error, got %v", err)
	}

	got, err := svc.Cancel(ctx, tk.ID, "MOD", "duplicate request")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != protocol.TicketCancelled || got.Cancellation == nil || got.Cancellation.Reason != "duplicate request" {
		t.Fatalf("expected CANCELLED with reason, got %+v", got)
	}
	if got.ApprovalSurfaceRef != "" {
		t.Errorf("expected surface cleared, got %q", got.ApprovalSurfaceRef)
	}
	if ch := h.plat.ChannelNamed("ticket-01"); ch == nil || !ch.Archived {
		t.Errorf("expected consent channel archived, got %+v", ch)
	}
	dms := h.plat.DMsTo("A")
	if len(dms) != 1 || len(dms[0].Fields) == 0 || dms[0].Fields[0].Value != "duplicate request" {
		t.Errorf("expected DM with reason, got %+v", dms)
	}

	// Approvals on the old prompt no longer count.
	if out, _ := svc.RecordApproval(ctx, tk.ApprovalSurfaceRef, "A"); out != consent.Ignored {
		t.Errorf("expected Ignored after cancel, got %v", out)
	}
	if _, err := svc.Claim(ctx, tk.ID, "ADM"); !fault.Is(err, fault.Conflict) {
		t.Errorf("expected conflict claiming a cancelled ticket, got %v", err)
	}
	if _, err := svc.Cancel(ctx, tk.ID, "MOD", "again"); !fault.Is(err, fault.Conflict) {
		t.Errorf("expected conflict cancelling twice, got %v", err)
	}
}

func TestStudy_CancelApproved(t *testing.T) {
	h := newHarness(t)
	svc := h.study(nil)
	ctx := context.Background()

	tk, _ := svc.Create(ctx, alphaRequest())
	tk, _ = svc.Claim(ctx, tk.ID, "ADM")
	for _, who := range []string{"A", "B", "C"} {
		svc.RecordApproval(ctx, tk.ApprovalSurfaceRef, who)
	}

	_, err := svc.Cancel(ctx, tk.ID, "ADM", "changed my mind")
	if !fault.Is(err, fault.Conflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	got, _ := svc.Get(ctx, tk.ID)
	if got.Status != protocol.TicketApproved {
		t.Errorf("expected APPROVED, got %s", got.Status)
	}
}

func TestStudy_CancelOpenSkipsTeardown(t *testing.T) {
	h := newHarness(t)
	svc := h.study(nil)
	ctx := context.Background()

	tk, _ := svc.Create(ctx, alphaRequest())
	h.plat.FailArchive = errors.New("should not be called")
	got, err := svc.Cancel(ctx, tk.ID, "MOD", "spam")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != protocol.TicketCancelled {
		t.Errorf("expected CANCELLED, got %s", got.Status)
	}
	if m := h.plat.Message(got.TranscriptRef); m == nil || m.Edits != 1 {
		t.Errorf("expected transcript updated once, got %+v", m)
	}
}

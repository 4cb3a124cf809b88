package call_test

import (
	"errors"
	"slices"
	"testing"

	"go-signal/internal/call"
	"go-signal/internal/protocol"
	"go-signal/internal/push"
)

func reasonOf(t *testing.T, fs []frame) string {
	t.Helper()
	last := fs[len(fs)-1]
	if last.Type != protocol.EventGroupCallEnded && last.Type != protocol.EventCallEnded {
		t.Fatalf("last frame is %s, not an end event", last.Type)
	}
	return last.str("reason")
}

func TestGroupCallGuards(t *testing.T) {
	h := newHarness(t)
	h.connect("a1", "alice", "b1", "bob", "m1", "mallory")
	ctx := t.Context()
	g := h.mustGroup("team", "alice", "bob")
	solo := h.mustGroup("solo", "alice")

	if err := h.engine.GroupCall(ctx, "a1", "alice", "missing"); !errors.Is(err, call.ErrNotFound) {
		t.Errorf("unknown group: %v", err)
	}
	if err := h.engine.GroupCall(ctx, "m1", "mallory", g.ID); !errors.Is(err, call.ErrForbidden) {
		t.Errorf("non-member: %v", err)
	}
	if err := h.engine.GroupCall(ctx, "a1", "alice", solo.ID); !errors.Is(err, call.ErrInvalidState) {
		t.Errorf("nobody to ring: %v", err)
	}
	if err := h.engine.GroupCall(ctx, "a1", "alice", g.ID); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.GroupCall(ctx, "b1", "bob", g.ID); !errors.Is(err, call.ErrInvalidState) {
		t.Errorf("second call on the same group: %v", err)
	}
	if err := h.engine.GroupAccept(ctx, "m1", "mallory", g.ID); !errors.Is(err, call.ErrForbidden) {
		t.Errorf("outsider joining: %v", err)
	}
	if err := h.engine.Call(ctx, "a1", "alice", "bob"); !errors.Is(err, call.ErrInvalidState) {
		t.Errorf("direct call while in a group call: %v", err)
	}
}

func TestGroupNobodyAnswered(t *testing.T) {
	h := newHarness(t)
	h.connect("a1", "alice", "b1", "bob", "c1", "carol")
	ctx := t.Context()
	g := h.mustGroup("team", "alice", "bob", "carol")

	if err := h.engine.GroupCall(ctx, "a1", "alice", g.ID); err != nil {
		t.Fatal(err)
	}
	for _, c := range []string{"b1", "c1"} {
		f := h.expect(c, protocol.EventGroupIncomingCall)
		if f[0].str("group_name") != "team" || f[0].str("from") != "alice" {
			t.Errorf("%s: payload %+v", c, f[0].Payload)
		}
	}
	h.expectNothing("a1")

	_ = h.engine.GroupReject(ctx, "b1", "bob", g.ID)
	_ = h.engine.GroupReject(ctx, "c1", "carol", g.ID)

	got := h.expect("a1", protocol.EventGroupMemberLeft, protocol.EventGroupMemberLeft, protocol.EventGroupCallEnded)
	if r := reasonOf(t, got); r != protocol.ReasonNobodyAnswered {
		t.Errorf("reason = %q", r)
	}
	for _, c := range []string{"b1", "c1"} {
		if r := reasonOf(t, h.expect(c, protocol.EventGroupCallEnded)); r != protocol.ReasonYouDeclined {
			t.Errorf("%s reason = %q", c, r)
		}
	}
	if _, ok := h.engine.GroupSession(g.ID); ok {
		t.Error("session should be gone")
	}
	if _, ok := h.engine.Session("alice"); ok {
		t.Error("initiator still bound")
	}
}

func TestGroupEveryoneLeft(t *testing.T) {
	h := newHarness(t)
	h.connect("a1", "alice", "b1", "bob", "c1", "carol")
	ctx := t.Context()
	g := h.mustGroup("team", "alice", "bob", "carol")

	_ = h.engine.GroupCall(ctx, "a1", "alice", g.ID)
	h.box.reset()

	if err := h.engine.GroupAccept(ctx, "b1", "bob", g.ID); err != nil {
		t.Fatal(err)
	}
	f := h.expect("b1", protocol.EventGroupMemberJoined, protocol.EventGroupMemberJoined)
	if f[0].str("user_id") != "alice" || f[1].str("user_id") != "bob" {
		t.Errorf("newcomer roster = %+v", f)
	}
	h.expect("a1", protocol.EventGroupMemberJoined)
	s, _ := h.engine.GroupSession(g.ID)
	if s.Status != call.StatusActive || !slices.Equal(s.Joined, []string{"alice", "bob"}) {
		t.Errorf("session = %+v", s)
	}

	_ = h.engine.GroupReject(ctx, "c1", "carol", g.ID)
	h.expect("a1", protocol.EventGroupMemberLeft)
	h.expect("b1", protocol.EventGroupMemberLeft)
	h.expect("c1", protocol.EventGroupCallEnded)

	_ = h.engine.GroupCut(ctx, "b1", "bob", g.ID)
	if r := reasonOf(t, h.expect("b1", protocol.EventGroupCallEnded)); r != protocol.ReasonYouLeft {
		t.Errorf("leaver reason = %q", r)
	}
	got := h.expect("a1", protocol.EventGroupMemberLeft, protocol.EventGroupCallEnded)
	if r := reasonOf(t, got); r != protocol.ReasonEveryoneLeft {
		t.Errorf("initiator reason = %q", r)
	}
}

func TestGroupCallContinuesWhileTwoRemain(t *testing.T) {
	h := newHarness(t)
	h.connect("a1", "alice", "b1", "bob", "c1", "carol")
	ctx := t.Context()
	g := h.mustGroup("team", "alice", "bob", "carol")

	_ = h.engine.GroupCall(ctx, "a1", "alice", g.ID)
	_ = h.engine.GroupAccept(ctx, "b1", "bob", g.ID)
	_ = h.engine.GroupAccept(ctx, "c1", "carol", g.ID)
	h.box.reset()

	_ = h.engine.GroupCut(ctx, "c1", "carol", g.ID)
	h.expect("a1", protocol.EventGroupMemberLeft)
	h.expect("b1", protocol.EventGroupMemberLeft)
	s, ok := h.engine.GroupSession(g.ID)
	if !ok || !slices.Equal(s.Joined, []string{"alice", "bob"}) {
		t.Errorf("session = %+v %v", s, ok)
	}
}

func TestGroupInitiatorCutWhileRinging(t *testing.T) {
	h := newHarness(t)
	h.connect("a1", "alice", "a2", "alice", "b1", "bob", "c1", "carol")
	ctx := t.Context()
	g := h.mustGroup("team", "alice", "bob", "carol")

	_ = h.engine.GroupCall(ctx, "a1", "alice", g.ID)
	h.box.reset()

	_ = h.engine.GroupCut(ctx, "a1", "alice", g.ID)
	for _, c := range []string{"b1", "c1"} {
		if r := reasonOf(t, h.expect(c, protocol.EventGroupCallEnded)); r != protocol.ReasonCallCancelled {
			t.Errorf("%s reason = %q", c, r)
		}
	}
	if r := reasonOf(t, h.expect("a1", protocol.EventGroupCallEnded)); r != protocol.ReasonCallEnded {
		t.Errorf("initiating tab reason = %q", r)
	}
	if r := reasonOf(t, h.expect("a2", protocol.EventGroupCallEnded)); r != protocol.ReasonYouEnded {
		t.Errorf("sibling tab reason = %q", r)
	}
}

func TestGroupInitiatorCutWhileActive(t *testing.T) {
	h := newHarness(t)
	h.connect("a1", "alice", "b1", "bob", "c1", "carol")
	ctx := t.Context()
	g := h.mustGroup("team", "alice", "bob", "carol")

	_ = h.engine.GroupCall(ctx, "a1", "alice", g.ID)
	_ = h.engine.GroupAccept(ctx, "b1", "bob", g.ID)
	h.box.reset()

	_ = h.engine.GroupCut(ctx, "a1", "alice", g.ID)
	for _, c := range []string{"b1", "c1"} {
		if r := reasonOf(t, h.expect(c, protocol.EventGroupCallEnded)); r != "'alice' ended the call" {
			t.Errorf("%s reason = %q", c, r)
		}
	}
	if _, ok := h.engine.Session("bob"); ok {
		t.Error("bob still bound")
	}
}

func TestGroupMultiTabAccept(t *testing.T) {
	h := newHarness(t)
	h.connect("a1", "alice", "b1", "bob", "b2", "bob")
	ctx := t.Context()
	g := h.mustGroup("pair", "alice", "bob")

	_ = h.engine.GroupCall(ctx, "a1", "alice", g.ID)
	h.box.reset()

	_ = h.engine.GroupAccept(ctx, "b1", "bob", g.ID)
	if r := reasonOf(t, h.expect("b2", protocol.EventGroupCallEnded)); r != protocol.ReasonAnsweredElsewhere {
		t.Errorf("losing tab reason = %q", r)
	}
	h.box.reset()

	_ = h.engine.GroupAccept(ctx, "b2", "bob", g.ID)
	_ = h.engine.GroupReject(ctx, "b2", "bob", g.ID)
	got := h.expect("b2", protocol.EventGroupCallEnded, protocol.EventGroupCallEnded)
	for _, f := range got {
		if f.str("reason") != protocol.ReasonAnsweredElsewhere {
			t.Errorf("late action reason = %q", f.str("reason"))
		}
	}
	h.expectNothing("a1", "b1")
	s, _ := h.engine.GroupSession(g.ID)
	if len(s.Joined) != 2 {
		t.Errorf("joined = %v", s.Joined)
	}
}

func TestGroupDeletedEndsCallSilently(t *testing.T) {
	h := newHarness(t)
	h.connect("a1", "alice", "b1", "bob", "c1", "carol")
	ctx := t.Context()
	g := h.mustGroup("team", "alice", "bob", "carol")

	_ = h.engine.GroupCall(ctx, "a1", "alice", g.ID)
	_ = h.engine.GroupAccept(ctx, "b1", "bob", g.ID)
	h.box.reset()

	if _, err := h.groups.Delete(g.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	h.engine.GroupDeleted(ctx, g.ID)
	for _, c := range []string{"a1", "b1", "c1"} {
		r := reasonOf(t, h.expect(c, protocol.EventGroupCallEnded))
		if r != protocol.ReasonGroupDeleted || !protocol.SilentReason(r) {
			t.Errorf("%s reason = %q", c, r)
		}
	}
	if _, ok := h.engine.GroupSession(g.ID); ok {
		t.Error("session survived deletion")
	}
	if err := h.engine.Call(ctx, "a1", "alice", "bob"); err != nil {
		t.Errorf("participants should be free again: %v", err)
	}
}

func TestGroupRingTimeout(t *testing.T) {
	h := newHarness(t)
	h.connect("a1", "alice", "b1", "bob")
	ctx := t.Context()
	g := h.mustGroup("pair", "alice", "bob")

	_ = h.engine.GroupCall(ctx, "a1", "alice", g.ID)
	h.box.reset()
	h.clock.fire()

	for _, c := range []string{"a1", "b1"} {
		if r := reasonOf(t, h.expect(c, protocol.EventGroupCallEnded)); r != protocol.ReasonNoAnswer {
			t.Errorf("%s reason = %q", c, r)
		}
	}
}

func TestGroupTimeoutOnActiveCallOnlyStopsRinging(t *testing.T) {
	h := newHarness(t)
	h.connect("a1", "alice", "b1", "bob", "c1", "carol")
	h.disconnect("c1")
	ctx := t.Context()
	g := h.mustGroup("team", "alice", "bob", "carol")

	_ = h.engine.GroupCall(ctx, "a1", "alice", g.ID)
	_ = h.engine.GroupAccept(ctx, "b1", "bob", g.ID)
	h.box.reset()

	if n := h.clock.fire(); n != 1 {
		t.Fatalf("fired %d", n)
	}
	h.expectNothing("a1", "b1")
	s, ok := h.engine.GroupSession(g.ID)
	if !ok || s.Status != call.StatusActive || s.Declined != 1 {
		t.Errorf("session = %+v %v", s, ok)
	}

	h.router.Wait()
	var actions []string
	for _, p := range h.push.all() {
		if p.UserID != "carol" {
			t.Errorf("push to %s", p.UserID)
		}
		actions = append(actions, p.Note.Action)
	}
	slices.Sort(actions)
	if want := []string{push.ActionGroupCallEnded, push.ActionGroupIncomingCall}; !slices.Equal(actions, want) {
		t.Errorf("push actions = %v, want %v", actions, want)
	}

	// once the timeout passed, the last participant leaving ends the call
	_ = h.engine.GroupCut(ctx, "b1", "bob", g.ID)
	if r := reasonOf(t, h.expect("a1", protocol.EventGroupMemberLeft, protocol.EventGroupCallEnded)); r != protocol.ReasonEveryoneLeft {
		t.Errorf("reason = %q", r)
	}
}

func TestGroupDisconnects(t *testing.T) {
	t.Run("ringing invitee stays invited", func(t *testing.T) {
		h := newHarness(t)
		h.connect("a1", "alice", "b1", "bob")
		g := h.mustGroup("pair", "alice", "bob")
		_ = h.engine.GroupCall(t.Context(), "a1", "alice", g.ID)
		h.box.reset()

		h.disconnect("b1")
		h.expectNothing("a1")
		if _, ok := h.engine.GroupSession(g.ID); !ok {
			t.Error("call ended when an invitee went offline")
		}
	})

	t.Run("participant drops", func(t *testing.T) {
		h := newHarness(t)
		h.connect("a1", "alice", "b1", "bob", "c1", "carol")
		g := h.mustGroup("team", "alice", "bob", "carol")
		_ = h.engine.GroupCall(t.Context(), "a1", "alice", g.ID)
		_ = h.engine.GroupAccept(t.Context(), "b1", "bob", g.ID)
		h.box.reset()

		h.disconnect("b1")
		h.expect("a1", protocol.EventGroupMemberLeft)
		s, ok := h.engine.GroupSession(g.ID)
		if !ok || !slices.Equal(s.Joined, []string{"alice"}) {
			t.Errorf("session = %+v %v", s, ok)
		}
	})

	t.Run("initiator drops", func(t *testing.T) {
		h := newHarness(t)
		h.connect("a1", "alice", "b1", "bob", "c1", "carol")
		g := h.mustGroup("team", "alice", "bob", "carol")
		_ = h.engine.GroupCall(t.Context(), "a1", "alice", g.ID)
		_ = h.engine.GroupAccept(t.Context(), "b1", "bob", g.ID)
		h.box.reset()

		h.disconnect("a1")
		for _, c := range []string{"b1", "c1"} {
			if r := reasonOf(t, h.expect(c, protocol.EventGroupCallEnded)); r != "'alice' disconnected" {
				t.Errorf("%s reason = %q", c, r)
			}
		}
	})
}

func TestMemberRemovedFromCall(t *testing.T) {
	h := newHarness(t)
	h.connect("a1", "alice", "b1", "bob", "c1", "carol", "d1", "dave")
	ctx := t.Context()
	g := h.mustGroup("team", "alice", "bob", "carol", "dave")

	_ = h.engine.GroupCall(ctx, "a1", "alice", g.ID)
	_ = h.engine.GroupAccept(ctx, "b1", "bob", g.ID)
	h.box.reset()

	// pending invitee removed by the creator
	h.engine.MemberRemoved(ctx, g.ID, "carol", "alice")
	if r := reasonOf(t, h.expect("c1", protocol.EventGroupCallEnded)); r != protocol.ReasonRemovedFromGroup {
		t.Errorf("carol reason = %q", r)
	}
	h.expect("a1", protocol.EventGroupMemberLeft)
	h.expect("b1", protocol.EventGroupMemberLeft)

	// participant leaving the group on their own
	h.engine.MemberRemoved(ctx, g.ID, "bob", "bob")
	if r := reasonOf(t, h.expect("b1", protocol.EventGroupCallEnded)); r != protocol.ReasonYouLeft {
		t.Errorf("bob reason = %q", r)
	}
	h.expect("a1", protocol.EventGroupMemberLeft)
	if _, ok := h.engine.GroupSession(g.ID); !ok {
		t.Fatal("dave is still ringing, the call must go on")
	}

	// initiator removed
	h.engine.MemberRemoved(ctx, g.ID, "alice", "alice")
	if r := reasonOf(t, h.expect("d1", protocol.EventGroupCallEnded)); r != "'alice' ended the call" {
		t.Errorf("dave reason = %q", r)
	}
	if r := reasonOf(t, h.expect("a1", protocol.EventGroupCallEnded)); r != protocol.ReasonYouLeft {
		t.Errorf("alice reason = %q", r)
	}
}

func TestLateMemberCanJoin(t *testing.T) {
	h := newHarness(t)
	h.connect("a1", "alice", "b1", "bob", "e1", "erin")
	ctx := t.Context()
	g := h.mustGroup("pair", "alice", "bob")

	_ = h.engine.GroupCall(ctx, "a1", "alice", g.ID)
	_ = h.engine.GroupAccept(ctx, "b1", "bob", g.ID)
	if _, _, err := h.groups.AddMember(g.ID, "alice", "erin"); err != nil {
		t.Fatal(err)
	}
	h.box.reset()

	if err := h.engine.GroupAccept(ctx, "e1", "erin", g.ID); err != nil {
		t.Fatal(err)
	}
	h.expect("e1", protocol.EventGroupMemberJoined, protocol.EventGroupMemberJoined, protocol.EventGroupMemberJoined)
	s, _ := h.engine.GroupSession(g.ID)
	if s.Invited != 2 || len(s.Joined) != 3 {
		t.Errorf("session = %+v", s)
	}
}

func TestResumeRingingForGroupInvite(t *testing.T) {
	h := newHarness(t)
	h.connect("a1", "alice", "b1", "bob")
	h.disconnect("b1")
	g := h.mustGroup("pair", "alice", "bob")
	_ = h.engine.GroupCall(t.Context(), "a1", "alice", g.ID)

	h.connect("b2", "bob")
	h.engine.ResumeRinging("b2", "bob")
	f := h.expect("b2", protocol.EventGroupIncomingCall)
	if f[0].str("group_id") != g.ID {
		t.Errorf("group_id = %q", f[0].str("group_id"))
	}

	_ = h.engine.GroupReject(t.Context(), "b2", "bob", g.ID)
	h.box.reset()
	h.engine.ResumeRinging("b2", "bob")
	h.expectNothing("b2")
}

func TestBusyLateJoinerLeavesSessionUntouched(t *testing.T) {
	h := newHarness(t)
	h.connect("a1", "alice", "b1", "bob", "d1", "dave", "e1", "erin")
	ctx := t.Context()
	g := h.mustGroup("pair", "alice", "bob")

	_ = h.engine.Call(ctx, "d1", "dave", "erin")
	_ = h.engine.Accept(ctx, "e1", "erin", "dave")
	_ = h.engine.GroupCall(ctx, "a1", "alice", g.ID)
	_ = h.engine.GroupAccept(ctx, "b1", "bob", g.ID)
	h.clock.fire()
	if _, _, err := h.groups.AddMember(g.ID, "alice", "dave"); err != nil {
		t.Fatal(err)
	}

	if err := h.engine.GroupAccept(ctx, "d1", "dave", g.ID); !errors.Is(err, call.ErrInvalidState) {
		t.Fatalf("busy late joiner: err = %v", err)
	}
	s, _ := h.engine.GroupSession(g.ID)
	if s.Invited != 1 || len(s.Joined) != 2 {
		t.Fatalf("session changed by a failed join: %+v", s)
	}
	h.box.reset()

	_ = h.engine.GroupCut(ctx, "b1", "bob", g.ID)
	got := h.expect("a1", protocol.EventGroupMemberLeft, protocol.EventGroupCallEnded)
	if r := reasonOf(t, got); r != protocol.ReasonEveryoneLeft {
		t.Errorf("reason = %q", r)
	}
}

func TestGroupInviteCountsAsBusy(t *testing.T) {
	h := newHarness(t)
	h.connect("a1", "alice", "b1", "bob", "c1", "carol")
	ctx := t.Context()
	g := h.mustGroup("pair", "alice", "bob")

	_ = h.engine.GroupCall(ctx, "a1", "alice", g.ID)
	h.box.reset()
	if err := h.engine.Call(ctx, "c1", "carol", "bob"); !errors.Is(err, call.ErrInvalidState) {
		t.Fatalf("call to a ringing invitee: err = %v", err)
	}
	h.expectNothing("b1")

	_ = h.engine.GroupReject(ctx, "b1", "bob", g.ID)
	if err := h.engine.Call(ctx, "c1", "carol", "bob"); err != nil {
		t.Fatalf("call after the invite resolved: %v", err)
	}
}

func TestGroupCallSkipsBusyMembers(t *testing.T) {
	h := newHarness(t)
	h.connect("a1", "alice", "b1", "bob", "c1", "carol", "d1", "dave")
	ctx := t.Context()
	team := h.mustGroup("team", "alice", "bob", "dave")
	pair := h.mustGroup("pair", "alice", "dave")

	_ = h.engine.Call(ctx, "c1", "carol", "dave")
	h.box.reset()

	if err := h.engine.GroupCall(ctx, "a1", "alice", pair.ID); !errors.Is(err, call.ErrInvalidState) {
		t.Errorf("only busy members: err = %v", err)
	}
	if err := h.engine.GroupCall(ctx, "a1", "alice", team.ID); err != nil {
		t.Fatal(err)
	}
	h.expect("b1", protocol.EventGroupIncomingCall)
	h.expectNothing("d1")
	if s, _ := h.engine.GroupSession(team.ID); s.Invited != 1 {
		t.Errorf("invited = %d", s.Invited)
	}

	_ = h.engine.GroupReject(ctx, "b1", "bob", team.ID)
	if got := reasonOf(t, h.expect("a1", protocol.EventGroupMemberLeft, protocol.EventGroupCallEnded)); got != protocol.ReasonNobodyAnswered {
		t.Errorf("reason = %q", got)
	}
}

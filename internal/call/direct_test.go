package call_test

import (
	"errors"
	"slices"
	"sync"
	"testing"

	"go-signal/internal/call"
	"go-signal/internal/protocol"
	"go-signal/internal/push"
)

func TestSecondCallWhileCallingIsRejected(t *testing.T) {
	h := newHarness(t)
	h.connect("a1", "alice", "b1", "bob", "c1", "carol")
	ctx := t.Context()

	if err := h.engine.Call(ctx, "a1", "alice", "bob"); err != nil {
		t.Fatal(err)
	}
	before, _ := h.engine.Session("alice")

	for _, target := range []string{"bob", "carol"} {
		err := h.engine.Call(ctx, "a1", "alice", target)
		if !errors.Is(err, call.ErrInvalidState) {
			t.Errorf("second call to %s: err = %v, want ErrInvalidState", target, err)
		}
	}
	after, ok := h.engine.Session("alice")
	if !ok || after.ID != before.ID || after.Peer != "bob" || after.Status != call.StatusRinging {
		t.Errorf("session changed: before %+v after %+v", before, after)
	}
	if _, bound := h.engine.Session("carol"); bound {
		t.Error("carol must not be bound")
	}
	h.expect("b1", protocol.EventIncomingCall)
	h.expectNothing("c1")
}

func TestCallGuards(t *testing.T) {
	h := newHarness(t)
	h.connect("a1", "alice", "b1", "bob", "c1", "carol")
	ctx := t.Context()

	if err := h.engine.Call(ctx, "a1", "alice", "alice"); !errors.Is(err, call.ErrInvalidState) {
		t.Errorf("self call: %v", err)
	}
	if err := h.engine.Call(ctx, "a1", "alice", "nobody"); !errors.Is(err, call.ErrNotFound) {
		t.Errorf("unknown callee: %v", err)
	}
	_ = h.engine.Call(ctx, "b1", "bob", "carol")
	if err := h.engine.Call(ctx, "a1", "alice", "bob"); !errors.Is(err, call.ErrInvalidState) {
		t.Errorf("busy callee: %v", err)
	}
	if err := h.engine.Accept(ctx, "a1", "alice", "bob"); !errors.Is(err, call.ErrInvalidState) {
		t.Errorf("accept with nothing ringing: %v", err)
	}
}

func TestRejectAndCancelOnIdleAreNoOps(t *testing.T) {
	h := newHarness(t)
	h.connect("a1", "alice", "b1", "bob")
	ctx := t.Context()

	if err := h.engine.Reject(ctx, "b1", "bob", "alice"); err != nil {
		t.Errorf("reject on idle: %v", err)
	}
	if err := h.engine.Cancel(ctx, "a1", "alice", "bob"); err != nil {
		t.Errorf("cancel on idle: %v", err)
	}
	if err := h.engine.Cut(ctx, "a1", "alice", "bob"); err != nil {
		t.Errorf("cut on idle: %v", err)
	}

	// applying cancel twice after the call is gone
	_ = h.engine.Call(ctx, "a1", "alice", "bob")
	_ = h.engine.Cancel(ctx, "a1", "alice", "bob")
	h.box.reset()
	if err := h.engine.Cancel(ctx, "a1", "alice", "bob"); err != nil {
		t.Errorf("second cancel: %v", err)
	}
	if err := h.engine.Reject(ctx, "b1", "bob", "alice"); err != nil {
		t.Errorf("reject after cancel: %v", err)
	}
	h.expectNothing("a1", "b1")
}

func TestMultiTabAcceptResolution(t *testing.T) {
	h := newHarness(t)
	h.connect("a1", "alice", "b1", "bob", "b2", "bob")
	ctx := t.Context()

	_ = h.engine.Call(ctx, "a1", "alice", "bob")
	h.expect("b1", protocol.EventIncomingCall)
	h.expect("b2", protocol.EventIncomingCall)

	if err := h.engine.Accept(ctx, "b1", "bob", "alice"); err != nil {
		t.Fatal(err)
	}
	acc := h.expect("a1", protocol.EventCallAccepted)
	if acc[0].str("by") != "bob" {
		t.Errorf("call_accepted by = %q", acc[0].str("by"))
	}
	h.expectNothing("b1")
	ended := h.expect("b2", protocol.EventCallEnded)
	if r := ended[0].str("reason"); r != protocol.ReasonAnsweredElsewhere || !protocol.SilentReason(r) {
		t.Errorf("losing tab reason = %q", r)
	}

	// the losing tab's late accept collapses it again without touching the session
	if err := h.engine.Accept(ctx, "b2", "bob", "alice"); err != nil {
		t.Fatal(err)
	}
	h.expect("b2", protocol.EventCallEnded)
	h.expectNothing("a1")
	s, _ := h.engine.Session("bob")
	if s.Status != call.StatusActive || s.StartedAt.IsZero() {
		t.Errorf("session = %+v", s)
	}
}

func TestConcurrentAcceptsHaveOneWinner(t *testing.T) {
	h := newHarness(t)
	conns := []string{"b1", "b2", "b3", "b4", "b5"}
	h.connect("a1", "alice")
	for _, c := range conns {
		h.connect(c, "bob")
	}
	_ = h.engine.Call(t.Context(), "a1", "alice", "bob")
	h.box.reset()

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.engine.Accept(t.Context(), c, "bob", "alice")
		}()
	}
	wg.Wait()

	h.expect("a1", protocol.EventCallAccepted)
	ended := 0
	for _, c := range conns {
		for _, f := range h.box.take(c) {
			if f.Type == protocol.EventCallEnded && f.str("reason") == protocol.ReasonAnsweredElsewhere {
				ended++
			}
		}
	}
	// the winner's siblings hear once from the winner, losers once more from their own accept
	if ended != 2*(len(conns)-1) {
		t.Errorf("answered-elsewhere count = %d", ended)
	}
}

func TestRejectNotifiesCallerAndSiblings(t *testing.T) {
	h := newHarness(t)
	h.connect("a1", "alice", "b1", "bob", "b2", "bob")
	ctx := t.Context()
	_ = h.engine.Call(ctx, "a1", "alice", "bob")
	h.box.reset()

	_ = h.engine.Reject(ctx, "b2", "bob", "alice")
	h.expect("a1", protocol.EventCallRejected)
	f := h.expect("b1", protocol.EventCallEnded)
	if f[0].str("reason") != protocol.ReasonRejectedElsewhere {
		t.Errorf("reason = %q", f[0].str("reason"))
	}
	h.expectNothing("b2")
	if _, ok := h.engine.Session("alice"); ok {
		t.Error("session should be cleared")
	}
}

func TestOfflineCalleeGetsOnePushAndNoLiveEvent(t *testing.T) {
	h := newHarness(t)
	h.connect("a1", "alice", "b1", "bob", "c1", "carol")
	h.disconnect("b1")
	h.box.reset()

	if err := h.engine.Call(t.Context(), "a1", "alice", "bob"); err != nil {
		t.Fatal(err)
	}
	h.router.Wait()

	sends := h.push.all()
	if len(sends) != 1 {
		t.Fatalf("push sends = %d, want 1", len(sends))
	}
	n := sends[0].Note
	if sends[0].UserID != "bob" || n.From != "alice" || n.To != "bob" || n.CallType != push.CallTypeDirect {
		t.Errorf("push = %+v", sends[0])
	}
	h.expectNothing("a1", "b1", "c1")
}

func TestCancelDismissesPushedCall(t *testing.T) {
	h := newHarness(t)
	h.connect("a1", "alice", "a2", "alice", "b1", "bob")
	h.disconnect("b1")
	ctx := t.Context()

	_ = h.engine.Call(ctx, "a1", "alice", "bob")
	_ = h.engine.Cancel(ctx, "a1", "alice", "bob")
	h.router.Wait()

	sends := h.push.all()
	if len(sends) != 2 {
		t.Fatalf("push sends = %+v", sends)
	}
	// pushes run concurrently, so order is not guaranteed
	if !slices.ContainsFunc(sends, func(p pushSend) bool { return p.Note.Action == push.ActionCallCancelled }) {
		t.Errorf("no dismiss push in %+v", sends)
	}
	f := h.expect("a2", protocol.EventCallEnded)
	if f[0].str("reason") != protocol.ReasonCancelledElsewhere {
		t.Errorf("sibling reason = %q", f[0].str("reason"))
	}
}

func TestCancelReachesEveryCalleeTab(t *testing.T) {
	h := newHarness(t)
	h.connect("a1", "alice", "b1", "bob", "b2", "bob")
	ctx := t.Context()
	_ = h.engine.Call(ctx, "a1", "alice", "bob")
	h.box.reset()

	_ = h.engine.Cancel(ctx, "a1", "alice", "bob")
	for _, c := range []string{"b1", "b2"} {
		f := h.expect(c, protocol.EventCallCancelled)
		if f[0].str("by") != "alice" {
			t.Errorf("%s: by = %q", c, f[0].str("by"))
		}
	}
	h.router.Wait()
	if len(h.push.all()) != 0 {
		t.Error("no push expected for a live callee")
	}
}

func TestRingTimeout(t *testing.T) {
	h := newHarness(t)
	h.connect("a1", "alice", "b1", "bob")
	_ = h.engine.Call(t.Context(), "a1", "alice", "bob")
	h.box.reset()

	if n := h.clock.fire(); n != 1 {
		t.Fatalf("fired %d timers", n)
	}
	for _, c := range []string{"a1", "b1"} {
		f := h.expect(c, protocol.EventCallEnded)
		if f[0].str("reason") != protocol.ReasonNoAnswer {
			t.Errorf("%s reason = %q", c, f[0].str("reason"))
		}
	}
	if _, ok := h.engine.Session("bob"); ok {
		t.Error("session should be cleared")
	}
}

func TestAcceptStopsRingTimer(t *testing.T) {
	h := newHarness(t)
	h.connect("a1", "alice", "b1", "bob")
	_ = h.engine.Call(t.Context(), "a1", "alice", "bob")
	_ = h.engine.Accept(t.Context(), "b1", "bob", "alice")
	if n := h.clock.fire(); n != 0 {
		t.Errorf("ring timer still armed after accept (%d fired)", n)
	}
}

func TestCutNotifiesBothSides(t *testing.T) {
	h := newHarness(t)
	h.connect("a1", "alice", "b1", "bob", "b2", "bob")
	ctx := t.Context()
	_ = h.engine.Call(ctx, "a1", "alice", "bob")
	_ = h.engine.Accept(ctx, "b1", "bob", "alice")
	h.box.reset()

	if err := h.engine.Cut(ctx, "b1", "bob", "alice"); err != nil {
		t.Fatal(err)
	}
	reasons := map[string]string{
		"a1": protocol.ReasonEndedBy("bob"),
		"b1": protocol.ReasonCallEnded,
		"b2": protocol.ReasonYouEnded,
	}
	for c, want := range reasons {
		f := h.expect(c, protocol.EventCallEnded)
		if got := f[0].str("reason"); got != want {
			t.Errorf("%s reason = %q, want %q", c, got, want)
		}
	}
	if _, ok := h.engine.Session("alice"); ok {
		t.Error("alice still bound")
	}
	if err := h.engine.Call(ctx, "a1", "alice", "bob"); err != nil {
		t.Errorf("new call after cut: %v", err)
	}
}

func TestCutWhileRingingActsAsCancelOrReject(t *testing.T) {
	h := newHarness(t)
	h.connect("a1", "alice", "b1", "bob")
	ctx := t.Context()

	_ = h.engine.Call(ctx, "a1", "alice", "bob")
	h.box.reset()
	_ = h.engine.Cut(ctx, "a1", "alice", "bob")
	h.expect("b1", protocol.EventCallCancelled)

	_ = h.engine.Call(ctx, "a1", "alice", "bob")
	h.box.reset()
	_ = h.engine.Cut(ctx, "b1", "bob", "alice")
	h.expect("a1", protocol.EventCallRejected)

	_ = h.engine.Call(ctx, "a1", "alice", "bob")
	if err := h.engine.Cut(ctx, "a1", "alice", "carol"); !errors.Is(err, call.ErrInvalidState) {
		t.Errorf("cut with wrong peer: %v", err)
	}
}

func TestDisconnectIsImplicitHangUp(t *testing.T) {
	t.Run("caller drops while ringing", func(t *testing.T) {
		h := newHarness(t)
		h.connect("a1", "alice", "b1", "bob")
		_ = h.engine.Call(t.Context(), "a1", "alice", "bob")
		h.box.reset()

		h.disconnect("a1")
		f := h.expect("b1", protocol.EventCallCancelled)
		if f[0].str("by") != "alice" {
			t.Errorf("by = %q", f[0].str("by"))
		}
		if _, ok := h.engine.Session("bob"); ok {
			t.Error("bob still bound")
		}
	})

	t.Run("callee drops during active call", func(t *testing.T) {
		h := newHarness(t)
		h.connect("a1", "alice", "b1", "bob")
		_ = h.engine.Call(t.Context(), "a1", "alice", "bob")
		_ = h.engine.Accept(t.Context(), "b1", "bob", "alice")
		h.box.reset()

		h.disconnect("b1")
		f := h.expect("a1", protocol.EventCallEnded)
		if got := f[0].str("reason"); got != "'bob' disconnected" {
			t.Errorf("reason = %q", got)
		}
	})

	t.Run("closing one of two tabs keeps the call", func(t *testing.T) {
		h := newHarness(t)
		h.connect("a1", "alice", "b1", "bob", "b2", "bob")
		_ = h.engine.Call(t.Context(), "a1", "alice", "bob")
		_ = h.engine.Accept(t.Context(), "b1", "bob", "alice")
		h.box.reset()

		h.disconnect("b2")
		h.expectNothing("a1")
		if s, ok := h.engine.Session("alice"); !ok || s.Status != call.StatusActive {
			t.Errorf("call should survive, got %+v %v", s, ok)
		}
	})
}

func TestResumeRingingForPushedCallee(t *testing.T) {
	h := newHarness(t)
	h.connect("a1", "alice", "b1", "bob")
	h.disconnect("b1")
	_ = h.engine.Call(t.Context(), "a1", "alice", "bob")

	h.connect("b2", "bob")
	h.engine.ResumeRinging("b2", "bob")
	f := h.expect("b2", protocol.EventIncomingCall)
	if f[0].str("from") != "alice" {
		t.Errorf("from = %q", f[0].str("from"))
	}
	if err := h.engine.Accept(t.Context(), "b2", "bob", "alice"); err != nil {
		t.Errorf("accept after resume: %v", err)
	}
}

func TestSessionDuringHangUps(t *testing.T) {
	h := newHarness(t)
	h.connect("a1", "alice", "b1", "bob")
	ctx := t.Context()

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Go(func() {
		for {
			select {
			case <-done:
				return
			default:
			}
			if s, ok := h.engine.Session("bob"); ok && (s.Peer != "alice" || s.Caller != "alice") {
				t.Errorf("snapshot = %+v", s)
				return
			}
		}
	})
	for range 200 {
		_ = h.engine.Call(ctx, "a1", "alice", "bob")
		_ = h.engine.Accept(ctx, "b1", "bob", "alice")
		_ = h.engine.Cut(ctx, "a1", "alice", "bob")
	}
	close(done)
	wg.Wait()

	if _, ok := h.engine.Session("bob"); ok {
		t.Error("bob still bound after the last hang-up")
	}
}

package call_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"go-signal/internal/call"
	"go-signal/internal/group"
	"go-signal/internal/push"
	"go-signal/internal/registry"
	"go-signal/internal/router"
)

type frame struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

func (f frame) str(key string) string {
	s, _ := f.Payload[key].(string)
	return s
}

type outbox struct {
	mu     sync.Mutex
	frames map[string][]frame
}

func (o *outbox) Send(connID string, raw []byte) bool {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		panic(err)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.frames[connID] = append(o.frames[connID], f)
	return true
}

// take returns and clears what connID received.
func (o *outbox) take(connID string) []frame {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := o.frames[connID]
	delete(o.frames, connID)
	return out
}

func (o *outbox) reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.frames = make(map[string][]frame)
}

type pushLog struct {
	mu    sync.Mutex
	sends []pushSend
}

type pushSend struct {
	UserID string
	Note   push.Notification
}

func (p *pushLog) Send(_ context.Context, userID string, n push.Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sends = append(p.sends, pushSend{userID, n})
	return nil
}

func (p *pushLog) all() []pushSend {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]pushSend(nil), p.sends...)
}

type fakeTimer struct {
	f       func()
	stopped bool
	fired   bool
}

type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(_ time.Duration, f func()) call.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{f: f}
	c.timers = append(c.timers, t)
	return stopper{c, t}
}

type stopper struct {
	c *fakeClock
	t *fakeTimer
}

func (s stopper) Stop() bool {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	active := !s.t.stopped && !s.t.fired
	s.t.stopped = true
	return active
}

// fire runs every pending timer, as if the ring timeout elapsed.
func (c *fakeClock) fire() int {
	c.mu.Lock()
	var due []func()
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			t.fired = true
			due = append(due, t.f)
		}
	}
	c.mu.Unlock()
	for _, f := range due {
		f()
	}
	return len(due)
}

type harness struct {
	t      *testing.T
	reg    *registry.Registry
	groups *group.Store
	box    *outbox
	push   *pushLog
	router *router.Router
	clock  *fakeClock
	engine *call.Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		t:      t,
		reg:    registry.New(nil),
		groups: group.NewStore(),
		box:    &outbox{frames: make(map[string][]frame)},
		push:   &pushLog{},
		clock:  &fakeClock{},
	}
	h.router = router.New(h.box, h.reg, h.push, quiet)
	h.engine = call.New(h.router, h.reg, h.groups, call.Config{
		Logger:    quiet,
		AfterFunc: h.clock.AfterFunc,
	})
	return h
}

func (h *harness) connect(pairs ...string) {
	for i := 0; i+1 < len(pairs); i += 2 {
		h.reg.Register(pairs[i], pairs[i+1])
	}
}

func (h *harness) disconnect(connID string) {
	if ev, ok := h.reg.Unregister(connID); ok {
		h.engine.UserOffline(context.Background(), ev.UserID)
	}
}

func (h *harness) mustGroup(name, creator string, members ...string) group.Group {
	h.t.Helper()
	g, err := h.groups.Create(name, creator, members)
	if err != nil {
		h.t.Fatal(err)
	}
	return g
}

// expect asserts connID received exactly the given message types, in order,
// and returns the frames.
func (h *harness) expect(connID string, types ...string) []frame {
	h.t.Helper()
	got := h.box.take(connID)
	if len(got) != len(types) {
		h.t.Fatalf("%s received %v, want %v", connID, typesOf(got), types)
	}
	for i := range types {
		if got[i].Type != types[i] {
			h.t.Fatalf("%s received %v, want %v", connID, typesOf(got), types)
		}
	}
	return got
}

func (h *harness) expectNothing(connIDs ...string) {
	h.t.Helper()
	for _, c := range connIDs {
		if got := h.box.take(c); len(got) != 0 {
			h.t.Errorf("%s unexpectedly received %v", c, typesOf(got))
		}
	}
}

func typesOf(fs []frame) []string {
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = f.Type
	}
	return out
}

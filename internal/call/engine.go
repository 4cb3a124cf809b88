// Package call is the server-side authority for direct and group call
// sessions.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go-signal/internal/group"
	"go-signal/internal/keylock"
	"go-signal/internal/protocol"
	"go-signal/internal/push"
)

const DefaultRingTimeout = 30 * time.Second

var (
	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("forbidden")
	ErrInvalidState = errors.New("invalid state")
)

// Error carries a wire-friendly message and unwraps to one of the sentinel
// errors above.
type Error struct {
	Kind error
	Msg  string
}

func (e *Error) Error() string { return e.Msg }
func (e *Error) Unwrap() error { return e.Kind }

func fail(kind error, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Router is the outbound side the engine drives.
type Router interface {
	Deliver(userID string, msg protocol.Message) int
	DeliverExcept(userID, skipConn string, msg protocol.Message) int
	DeliverConn(connID string, msg protocol.Message) bool
	DeliverOrPush(ctx context.Context, userID string, msg protocol.Message, note push.Notification) bool
	Push(ctx context.Context, userID string, note push.Notification)
}

// Directory answers whether an identity exists.
type Directory interface {
	Known(userID string) bool
}

// Groups is the read side of the group store.
type Groups interface {
	Get(groupID string) (group.Group, bool)
}

// Timer is the part of *time.Timer the engine uses.
type Timer interface {
	Stop() bool
}

type Config struct {
	RingTimeout time.Duration
	Logger      *slog.Logger
	// AfterFunc schedules ring timeouts; time.AfterFunc when nil.
	AfterFunc func(time.Duration, func()) Timer
	Now       func() time.Time
}

type Status int

const (
	StatusRinging Status = iota + 1
	StatusActive
)

func (s Status) String() string {
	switch s {
	case StatusRinging:
		return "ringing"
	case StatusActive:
		return "active"
	default:
		return "unknown"
	}
}

type Engine struct {
	router Router
	dir    Directory
	groups Groups
	locks  *keylock.Map
	log    *slog.Logger

	ringTimeout time.Duration
	afterFunc   func(time.Duration, func()) Timer
	now         func() time.Time

	// mu guards the maps below. Session fields are guarded by the keylock
	// keys of their parties instead.
	mu    sync.Mutex
	bound map[string]binding
	byGrp map[string]*groupSession
	// rings holds the group sessions still ringing each invitee. Invitees
	// are not bound until they join, but they are busy all the same.
	rings  map[string]map[*groupSession]struct{}
	nextID uint64
}

// binding is the one session a user is part of.
type binding struct {
	direct *directSession
	group  *groupSession
}

func New(r Router, dir Directory, groups Groups, cfg Config) *Engine {
	e := &Engine{
		router:      r,
		dir:         dir,
		groups:      groups,
		locks:       keylock.New(),
		log:         cfg.Logger,
		ringTimeout: cfg.RingTimeout,
		afterFunc:   cfg.AfterFunc,
		now:         cfg.Now,
		bound:       make(map[string]binding),
		byGrp:       make(map[string]*groupSession),
		rings:       make(map[string]map[*groupSession]struct{}),
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if e.ringTimeout <= 0 {
		e.ringTimeout = DefaultRingTimeout
	}
	if e.afterFunc == nil {
		e.afterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

func (e *Engine) lookup(userID string) binding {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bound[userID]
}

func (e *Engine) groupSession(groupID string) *groupSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.byGrp[groupID]
}

// unbind clears userID only if it still points at the given session.
func (e *Engine) unbindDirect(userID string, s *directSession) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.bound[userID]; ok && b.direct == s {
		delete(e.bound, userID)
	}
}

func (e *Engine) unbindGroup(userID string, s *groupSession) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.bound[userID]; ok && b.group == s {
		delete(e.bound, userID)
	}
}

// busy reports whether userID is on a call or being rung for one. mu held.
func (e *Engine) busy(userID string) bool {
	_, bound := e.bound[userID]
	return bound || len(e.rings[userID]) > 0
}

// ring must be called with mu held.
func (e *Engine) ring(userID string, s *groupSession) {
	set, ok := e.rings[userID]
	if !ok {
		set = make(map[*groupSession]struct{})
		e.rings[userID] = set
	}
	set[s] = struct{}{}
}

// unring must be called with mu held.
func (e *Engine) unring(userID string, s *groupSession) {
	delete(e.rings[userID], s)
	if len(e.rings[userID]) == 0 {
		delete(e.rings, userID)
	}
}

// id must be called with mu held.
func (e *Engine) id() uint64 {
	e.nextID++
	return e.nextID
}

func stop(t Timer) {
	if t != nil {
		t.Stop()
	}
}

// Snapshot is a read-only view of the session a user is bound to.
type Snapshot struct {
	ID        uint64
	Group     bool
	GroupID   string
	Caller    string
	Peer      string // direct calls only
	Status    Status
	StartedAt time.Time
	Joined    []string // group calls only, caller first
	Declined  int
	Invited   int
}

// Session reports the session userID is bound to, if any.
func (e *Engine) Session(userID string) (Snapshot, bool) {
	b := e.lookup(userID)
	switch {
	case b.direct != nil:
		s, unlock := e.lockDirect(userID)
		defer unlock()
		if s == nil {
			return Snapshot{}, false
		}
		peer := s.callee
		if userID == s.callee {
			peer = s.caller
		}
		return Snapshot{ID: s.id, Caller: s.caller, Peer: peer, Status: s.status, StartedAt: s.startedAt}, true
	case b.group != nil:
		return e.GroupSession(b.group.groupID)
	}
	return Snapshot{}, false
}

// GroupSession reports the call in progress for groupID, if any.
func (e *Engine) GroupSession(groupID string) (Snapshot, bool) {
	unlock := e.locks.Lock(keylock.Group(groupID))
	defer unlock()
	s := e.groupSession(groupID)
	if s == nil {
		return Snapshot{}, false
	}
	return Snapshot{
		ID:        s.id,
		Group:     true,
		GroupID:   s.groupID,
		Caller:    s.caller,
		Status:    s.status,
		StartedAt: s.startedAt,
		Joined:    append([]string(nil), s.joined...),
		Declined:  len(s.declined),
		Invited:   s.totalInvited,
	}, true
}

// Package client is the browser-side half of the signaling protocol: a call
// state machine driven by the live event stream, a reconciler for actions
// taken on push notifications, and a websocket connection to feed them.
package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go-signal/internal/protocol"
)

// State is the local view of the user's call.
type State string

const (
	Idle         State = "idle"
	Calling      State = "calling"
	Ringing      State = "ringing"
	Active       State = "active"
	GroupCalling State = "group_calling"
	GroupRinging State = "group_ringing"
	GroupActive  State = "group_active"
)

func (s State) ringing() bool {
	return s == Calling || s == Ringing || s == GroupCalling || s == GroupRinging
}

func (s State) group() bool {
	return s == GroupCalling || s == GroupRinging || s == GroupActive
}

const (
	// DefaultRingTimeout sits a little above the server's so the server's
	// "No answer" normally arrives first.
	DefaultRingTimeout = 35 * time.Second
	DefaultNoticeTTL   = 4 * time.Second
	maxNotices         = 5
)

var (
	ErrInvalidState  = errors.New("invalid state")
	ErrNotRegistered = errors.New("not registered")
)

// Call describes the session the machine is in.
type Call struct {
	Group        bool
	Peer         string // direct calls
	GroupID      string
	GroupName    string
	Caller       string
	Outgoing     bool
	Participants []string // group calls, caller first
	Declined     int
	Left         int // joined, then left
	StartedAt    time.Time
}

// Notice is one entry of the status indicator. Silent notices are
// self-caused and never shown.
type Notice struct {
	Text    string
	Silent  bool
	Expires time.Time
}

func (n Notice) IsZero() bool { return n.Text == "" }

// Output is what applying an event produced: something to show and frames
// the client has to send back.
type Output struct {
	Notice Notice
	Send   []protocol.Message
}

type Options struct {
	RingTimeout time.Duration
	NoticeTTL   time.Duration
	Now         func() time.Time
}

// Machine is the client call state. It is safe for concurrent use.
type Machine struct {
	mu       sync.Mutex
	self     string
	state    State
	call     Call
	deadline time.Time

	groups   map[string]protocol.GroupPayload
	online   map[string]bool
	notices  []Notice
	resolved map[string]time.Time // target -> when its last session ended

	ringTimeout time.Duration
	noticeTTL   time.Duration
	now         func() time.Time
}

func NewMachine(opts Options) *Machine {
	m := &Machine{
		state:       Idle,
		groups:      make(map[string]protocol.GroupPayload),
		online:      make(map[string]bool),
		resolved:    make(map[string]time.Time),
		ringTimeout: opts.RingTimeout,
		noticeTTL:   opts.NoticeTTL,
		now:         opts.Now,
	}
	if m.ringTimeout <= 0 {
		m.ringTimeout = DefaultRingTimeout
	}
	if m.noticeTTL <= 0 {
		m.noticeTTL = DefaultNoticeTTL
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Current reports the session in progress, if any.
func (m *Machine) Current() (Call, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Idle {
		return Call{}, false
	}
	c := m.call
	c.Participants = slices.Clone(c.Participants)
	return c, true
}

func (m *Machine) Self() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.self
}

func (m *Machine) Online(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online[userID]
}

// Notices returns the visible notices that have not expired yet.
func (m *Machine) Notices(now time.Time) []Notice {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notices = slices.DeleteFunc(m.notices, func(n Notice) bool { return !now.Before(n.Expires) })
	return slices.Clone(m.notices)
}

func frame(msgType string, payload any) protocol.Message {
	return protocol.Message{Type: msgType, Payload: payload}
}

func directFrame(kind, from, to string) protocol.Message {
	return frame(kind, protocol.Direct{From: from, To: to})
}

func groupFrame(kind, from, groupID string) protocol.Message {
	return frame(kind, protocol.Group{From: from, GroupID: groupID})
}

func userTarget(id string) string  { return "user:" + id }
func groupTarget(id string) string { return "group:" + id }

func (c Call) target() string {
	if c.Group {
		return groupTarget(c.GroupID)
	}
	return userTarget(c.Peer)
}

// Register builds the register frame. The machine learns its identity from
// the server's registered event.
func (m *Machine) Register(userID string) (protocol.Message, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return protocol.Message{}, fmt.Errorf("%w: empty user id", ErrInvalidState)
	}
	return frame(protocol.TypeRegister, protocol.Register{UserID: userID}), nil
}

func (m *Machine) Call(to string) (protocol.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ready(); err != nil {
		return protocol.Message{}, err
	}
	if to == "" || to == m.self {
		return protocol.Message{}, fmt.Errorf("%w: cannot call yourself", ErrInvalidState)
	}
	m.enter(Calling, Call{Peer: to, Caller: m.self, Outgoing: true})
	return directFrame(protocol.TypeCall, m.self, to), nil
}

func (m *Machine) Cancel() (protocol.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Calling {
		return protocol.Message{}, fmt.Errorf("%w: no outgoing call to cancel", ErrInvalidState)
	}
	msg := directFrame(protocol.TypeCancel, m.self, m.call.Peer)
	m.reset()
	return msg, nil
}

// Accept answers the ringing call. An empty from means the current caller.
func (m *Machine) Accept(from string) (protocol.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accept(from)
}

func (m *Machine) accept(from string) (protocol.Message, error) {
	if from == "" {
		from = m.call.Peer
	}
	if m.state != Ringing || m.call.Peer != from {
		return protocol.Message{}, fmt.Errorf("%w: no incoming call from '%s'", ErrInvalidState, from)
	}
	m.state = Active
	m.deadline = time.Time{}
	m.call.StartedAt = m.now()
	return directFrame(protocol.TypeAccept, m.self, from), nil
}

func (m *Machine) Reject(from string) (protocol.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reject(from)
}

func (m *Machine) reject(from string) (protocol.Message, error) {
	if from == "" {
		from = m.call.Peer
	}
	if m.state != Ringing || m.call.Peer != from {
		return protocol.Message{}, fmt.Errorf("%w: no incoming call from '%s'", ErrInvalidState, from)
	}
	m.reset()
	return directFrame(protocol.TypeReject, m.self, from), nil
}

// Cut hangs up whatever call is in progress.
func (m *Machine) Cut() (protocol.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Idle {
		return protocol.Message{}, fmt.Errorf("%w: not on a call", ErrInvalidState)
	}
	msg := m.hangUp()
	m.reset()
	return msg, nil
}

func (m *Machine) hangUp() protocol.Message {
	if m.call.Group {
		return groupFrame(protocol.TypeGroupCut, m.self, m.call.GroupID)
	}
	return directFrame(protocol.TypeCutCall, m.self, m.call.Peer)
}

func (m *Machine) GroupCall(groupID string) (protocol.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ready(); err != nil {
		return protocol.Message{}, err
	}
	g, ok := m.groups[groupID]
	if !ok {
		return protocol.Message{}, fmt.Errorf("%w: unknown group '%s'", ErrInvalidState, groupID)
	}
	if len(g.Members) < 2 {
		return protocol.Message{}, fmt.Errorf("%w: nobody else is in this group", ErrInvalidState)
	}
	m.enter(GroupCalling, Call{
		Group:        true,
		GroupID:      groupID,
		GroupName:    g.Name,
		Caller:       m.self,
		Outgoing:     true,
		Participants: []string{m.self},
	})
	return groupFrame(protocol.TypeGroupCall, m.self, groupID), nil
}

// GroupAccept joins the group call that is ringing. An empty groupID means
// the current one.
func (m *Machine) GroupAccept(groupID string) (protocol.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.groupAccept(groupID)
}

func (m *Machine) groupAccept(groupID string) (protocol.Message, error) {
	if groupID == "" {
		groupID = m.call.GroupID
	}
	if m.state != GroupRinging || m.call.GroupID != groupID {
		return protocol.Message{}, fmt.Errorf("%w: no group call ringing for '%s'", ErrInvalidState, groupID)
	}
	m.state = GroupActive
	m.deadline = time.Time{}
	m.call.StartedAt = m.now()
	m.join(m.self)
	return groupFrame(protocol.TypeGroupAccept, m.self, groupID), nil
}

func (m *Machine) GroupReject(groupID string) (protocol.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.groupReject(groupID)
}

func (m *Machine) groupReject(groupID string) (protocol.Message, error) {
	if groupID == "" {
		groupID = m.call.GroupID
	}
	if m.state != GroupRinging || m.call.GroupID != groupID {
		return protocol.Message{}, fmt.Errorf("%w: no group call ringing for '%s'", ErrInvalidState, groupID)
	}
	m.reset()
	return groupFrame(protocol.TypeGroupReject, m.self, groupID), nil
}

// Expire is the client-side ring timeout. A call still ringing past its
// deadline is abandoned and the matching frame returned for sending.
func (m *Machine) Expire(now time.Time) Output {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.state.ringing() || m.deadline.IsZero() || now.Before(m.deadline) {
		return Output{}
	}
	var msg protocol.Message
	switch m.state {
	case Calling:
		msg = directFrame(protocol.TypeCancel, m.self, m.call.Peer)
	case Ringing:
		msg = directFrame(protocol.TypeReject, m.self, m.call.Peer)
	case GroupCalling:
		msg = groupFrame(protocol.TypeGroupCut, m.self, m.call.GroupID)
	case GroupRinging:
		msg = groupFrame(protocol.TypeGroupReject, m.self, m.call.GroupID)
	}
	m.reset()
	return Output{Notice: m.notify(protocol.ReasonNoAnswer, false), Send: []protocol.Message{msg}}
}

func (m *Machine) ready() error {
	if m.self == "" {
		return ErrNotRegistered
	}
	if m.state != Idle {
		return fmt.Errorf("%w: already %s", ErrInvalidState, m.state)
	}
	return nil
}

func (m *Machine) enter(s State, c Call) {
	m.state = s
	m.call = c
	m.deadline = m.now().Add(m.ringTimeout)
}

// reset returns to idle and remembers which target was just resolved.
func (m *Machine) reset() {
	if m.state != Idle {
		now := m.now()
		for t, at := range m.resolved {
			if now.Sub(at) > m.ringTimeout {
				delete(m.resolved, t)
			}
		}
		m.resolved[m.call.target()] = now
	}
	m.state = Idle
	m.call = Call{}
	m.deadline = time.Time{}
}

func (m *Machine) join(userID string) {
	if !slices.Contains(m.call.Participants, userID) {
		m.call.Participants = append(m.call.Participants, userID)
	}
}

func (m *Machine) notify(text string, silent bool) Notice {
	n := Notice{Text: text, Silent: silent, Expires: m.now().Add(m.noticeTTL)}
	if !silent {
		m.notices = append(m.notices, n)
		if len(m.notices) > maxNotices {
			m.notices = slices.Delete(m.notices, 0, len(m.notices)-maxNotices)
		}
	}
	return n
}

// invited is how many members other than the caller a group call rings.
func (m *Machine) invited(groupID string) (int, bool) {
	g, ok := m.groups[groupID]
	if !ok {
		return 0, false
	}
	return len(g.Members) - 1, true
}

func decode[T any](raw json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(raw, &v)
	return v, err
}

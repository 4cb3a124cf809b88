package client

import (
	"errors"
	"sync"
	"time"

	"go-signal/internal/protocol"
)

type Action int

const (
	ActionAccept Action = iota + 1
	ActionReject
)

func (a Action) String() string {
	switch a {
	case ActionAccept:
		return "accept"
	case ActionReject:
		return "reject"
	default:
		return "unknown"
	}
}

var ErrInvalidIntent = errors.New("invalid notification intent")

// Intent is an action the user took on a push notification. Exactly one of
// Peer (direct call) or GroupID (group call) is set.
type Intent struct {
	Action  Action
	Peer    string
	GroupID string

	at time.Time
}

func (in Intent) target() string {
	if in.GroupID != "" {
		return groupTarget(in.GroupID)
	}
	return userTarget(in.Peer)
}

func (in Intent) valid() bool {
	return (in.Action == ActionAccept || in.Action == ActionReject) && (in.Peer == "") != (in.GroupID == "")
}

// disposition is what the live state says about an intent's target.
type disposition int

const (
	dispPending  disposition = iota // live event not seen yet
	dispRinging                     // ringing for the target right now
	dispResolved                    // already answered, rejected, ended or in progress
)

// answer applies in if the machine is ringing for its target, in one step
// so a live event cannot slip in between the check and the transition.
func (m *Machine) answer(in Intent) (protocol.Message, disposition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := in.target()
	switch {
	case (m.state == Ringing || m.state == GroupRinging) && m.call.target() == t:
		var (
			msg protocol.Message
			err error
		)
		switch {
		case in.GroupID != "" && in.Action == ActionAccept:
			msg, err = m.groupAccept(in.GroupID)
		case in.GroupID != "":
			msg, err = m.groupReject(in.GroupID)
		case in.Action == ActionAccept:
			msg, err = m.accept(in.Peer)
		default:
			msg, err = m.reject(in.Peer)
		}
		return msg, dispRinging, err

	case m.state != Idle && m.call.target() == t:
		return protocol.Message{}, dispResolved, nil
	}
	if at, ok := m.resolved[t]; ok && m.now().Sub(at) <= m.ringTimeout {
		return protocol.Message{}, dispResolved, nil
	}
	return protocol.Message{}, dispPending, nil
}

// Reconciler sits between notification actions and the machine. An action
// for a call that is ringing is applied at once; one for a call the live
// stream already settled is dropped; one that beats the live event is held
// until that event arrives.
type Reconciler struct {
	m *Machine

	mu      sync.Mutex
	pending *Intent
}

func NewReconciler(m *Machine) *Reconciler {
	return &Reconciler{m: m}
}

// Notify handles a notification action and returns the frames to send, if
// any. A new intent replaces one still pending.
func (r *Reconciler) Notify(in Intent) ([]protocol.Message, error) {
	if !in.valid() {
		return nil, ErrInvalidIntent
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	msg, d, err := r.m.answer(in)
	switch d {
	case dispRinging:
		if err != nil {
			return nil, err
		}
		return []protocol.Message{msg}, nil
	case dispResolved:
		return nil, nil
	}
	in.at = r.m.now()
	r.pending = &in
	return nil, nil
}

// Pending reports the intent waiting for its live event.
func (r *Reconciler) Pending() (Intent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == nil || r.stale(*r.pending) {
		return Intent{}, false
	}
	return *r.pending, true
}

// Handle applies a live event to the machine. An incoming call flushes the
// pending intent: applied when it targets that call, dropped otherwise.
func (r *Reconciler) Handle(env protocol.Envelope) (Output, error) {
	out, err := r.m.Handle(env)
	if err != nil {
		return out, err
	}
	if env.Type != protocol.EventIncomingCall && env.Type != protocol.EventGroupIncomingCall {
		return out, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.pending
	r.pending = nil
	if p == nil || r.stale(*p) {
		return out, nil
	}
	msg, d, err := r.m.answer(*p)
	if d == dispRinging && err == nil {
		out.Send = append(out.Send, msg)
	}
	return out, nil
}

// stale intents outlived any ring they could belong to.
func (r *Reconciler) stale(in Intent) bool {
	return r.m.now().Sub(in.at) > r.m.ringTimeout
}

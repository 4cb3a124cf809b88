package call

import (
	"context"
	"log/slog"
	"time"

	"go-signal/internal/keylock"
	"go-signal/internal/protocol"
	"go-signal/internal/push"
)

type directSession struct {
	id         uint64
	caller     string
	callee     string
	callerConn string
	status     Status
	pushed     bool
	timer      Timer
	startedAt  time.Time
}

func (s *directSession) peerOf(userID string) string {
	if userID == s.caller {
		return s.callee
	}
	return s.caller
}

// lockDirect locks both parties of the session userID is bound to and
// re-checks the binding. It returns nil when there is no direct session.
func (e *Engine) lockDirect(userID string) (*directSession, func()) {
	for {
		s := e.lookup(userID).direct
		if s == nil {
			return nil, func() {}
		}
		unlock := e.locks.Lock(keylock.User(s.caller), keylock.User(s.callee))
		if e.lookup(userID).direct == s {
			return s, unlock
		}
		unlock()
	}
}

// endDirect must be called with both user locks held.
func (e *Engine) endDirect(s *directSession) {
	stop(s.timer)
	e.unbindDirect(s.caller, s)
	e.unbindDirect(s.callee, s)
}

// Call starts ringing to. The callee gets incoming_call on every connection,
// or a push notification when it has none.
func (e *Engine) Call(ctx context.Context, connID, from, to string) error {
	if from == to {
		return fail(ErrInvalidState, "cannot call yourself")
	}
	if !e.dir.Known(to) {
		return fail(ErrNotFound, "user '%s' is not registered", to)
	}

	unlock := e.locks.Lock(keylock.User(from), keylock.User(to))
	defer unlock()

	e.mu.Lock()
	if b, ok := e.bound[from]; ok {
		e.mu.Unlock()
		if b.direct != nil && b.direct.caller == from && b.direct.callee == to && b.direct.status == StatusRinging {
			return fail(ErrInvalidState, "already calling %s", to)
		}
		return fail(ErrInvalidState, "you are already on a call")
	}
	if e.busy(to) {
		e.mu.Unlock()
		return fail(ErrInvalidState, "'%s' is busy on another call", to)
	}
	s := &directSession{
		id:         e.id(),
		caller:     from,
		callee:     to,
		callerConn: connID,
		status:     StatusRinging,
	}
	e.bound[from] = binding{direct: s}
	e.bound[to] = binding{direct: s}
	e.mu.Unlock()

	live := e.router.DeliverOrPush(ctx, to, protocol.IncomingCall(from), push.IncomingCall(from, to))
	s.pushed = !live
	s.timer = e.afterFunc(e.ringTimeout, func() { e.directTimeout(s) })

	e.log.Info("ringing", slog.String("caller", from), slog.String("callee", to), slog.Bool("pushed", s.pushed))
	return nil
}

func (e *Engine) directTimeout(s *directSession) {
	unlock := e.locks.Lock(keylock.User(s.caller), keylock.User(s.callee))
	defer unlock()
	if e.lookup(s.caller).direct != s || s.status != StatusRinging {
		return
	}
	e.endDirect(s)

	e.router.Deliver(s.caller, protocol.CallEnded(protocol.ReasonNoAnswer))
	e.router.Deliver(s.callee, protocol.CallEnded(protocol.ReasonNoAnswer))
	if s.pushed {
		e.router.Push(context.Background(), s.callee, push.CallCancelled(s.caller, s.callee))
	}
	e.log.Warn("ring timed out", slog.String("caller", s.caller), slog.String("callee", s.callee))
}

// Accept answers the call from to. The first connection of the callee to
// accept wins; the callee's other connections are told it was answered
// elsewhere.
func (e *Engine) Accept(ctx context.Context, connID, from, to string) error {
	s, unlock := e.lockDirect(from)
	defer unlock()

	if s == nil || s.callee != from || s.caller != to {
		return fail(ErrInvalidState, "no incoming call from '%s' to accept", to)
	}
	if s.status == StatusActive {
		e.router.DeliverConn(connID, protocol.CallEnded(protocol.ReasonAnsweredElsewhere))
		return nil
	}

	stop(s.timer)
	s.status = StatusActive
	s.startedAt = e.now()

	e.router.Deliver(s.caller, protocol.CallAccepted(from))
	e.router.DeliverExcept(from, connID, protocol.CallEnded(protocol.ReasonAnsweredElsewhere))
	e.log.Info("call accepted", slog.String("caller", s.caller), slog.String("callee", from))
	return nil
}

// Reject declines a ringing call. Anything else is a silent no-op.
func (e *Engine) Reject(ctx context.Context, connID, from, to string) error {
	s, unlock := e.lockDirect(from)
	defer unlock()

	if s == nil || s.callee != from || s.caller != to {
		return nil
	}
	if s.status == StatusActive {
		e.router.DeliverConn(connID, protocol.CallEnded(protocol.ReasonAnsweredElsewhere))
		return nil
	}
	e.endDirect(s)

	e.router.Deliver(s.caller, protocol.CallRejected(from))
	e.router.DeliverExcept(from, connID, protocol.CallEnded(protocol.ReasonRejectedElsewhere))
	e.log.Info("call rejected", slog.String("caller", s.caller), slog.String("callee", from))
	return nil
}

// Cancel withdraws a ringing outgoing call. Anything else is a silent no-op.
func (e *Engine) Cancel(ctx context.Context, connID, from, to string) error {
	s, unlock := e.lockDirect(from)
	defer unlock()

	if s == nil || s.caller != from || s.callee != to || s.status != StatusRinging {
		return nil
	}
	e.endDirect(s)

	e.router.Deliver(to, protocol.CallCancelled(from))
	if s.pushed {
		e.router.Push(ctx, to, push.CallCancelled(from, to))
	}
	e.router.DeliverExcept(from, connID, protocol.CallEnded(protocol.ReasonCancelledElsewhere))
	e.log.Info("call cancelled", slog.String("caller", from), slog.String("callee", to))
	return nil
}

// Cut hangs up. On a call that is still ringing it behaves as Cancel for the
// caller and Reject for the callee. Cutting a call that already ended is a
// no-op.
func (e *Engine) Cut(ctx context.Context, connID, from, to string) error {
	s, unlock := e.lockDirect(from)
	if s == nil {
		unlock()
		return nil
	}
	if s.peerOf(from) != to {
		unlock()
		return fail(ErrInvalidState, "you are not on a call with '%s'", to)
	}
	if s.status == StatusRinging {
		unlock()
		if from == s.caller {
			return e.Cancel(ctx, connID, from, to)
		}
		return e.Reject(ctx, connID, from, to)
	}
	defer unlock()
	e.endDirect(s)

	e.router.Deliver(to, protocol.CallEnded(protocol.ReasonEndedBy(from)))
	e.router.DeliverExcept(from, connID, protocol.CallEnded(protocol.ReasonYouEnded))
	e.router.DeliverConn(connID, protocol.CallEnded(protocol.ReasonCallEnded))
	e.log.Info("call ended", slog.String("by", from), slog.String("peer", to),
		slog.Duration("duration", e.now().Sub(s.startedAt)))
	return nil
}

// directOffline is the implicit hang-up when a party loses its last
// connection.
func (e *Engine) directOffline(ctx context.Context, userID string) {
	s, unlock := e.lockDirect(userID)
	defer unlock()
	if s == nil {
		return
	}
	e.endDirect(s)

	peer := s.peerOf(userID)
	if s.status == StatusRinging && userID == s.caller {
		e.router.Deliver(peer, protocol.CallCancelled(userID))
		if s.pushed {
			e.router.Push(ctx, peer, push.CallCancelled(userID, peer))
		}
	} else {
		e.router.Deliver(peer, protocol.CallEnded(protocol.ReasonDisconnected(userID)))
	}
	e.log.Info("call dropped", slog.String("user_id", userID), slog.String("peer", peer))
}

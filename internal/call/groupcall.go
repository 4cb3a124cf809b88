package call

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"go-signal/internal/keylock"
	"go-signal/internal/protocol"
	"go-signal/internal/push"
)

type groupSession struct {
	id         uint64
	groupID    string
	name       string
	caller     string
	callerConn string
	status     Status

	invited      []string            // invitees in member order, caller excluded
	joined       []string            // caller first
	declined     map[string]struct{} // declined or timed out
	responded    map[string]struct{} // joined, declined, left or timed out
	pushed       map[string]bool
	totalInvited int

	timer     Timer
	startedAt time.Time
}

func (s *groupSession) hasJoined(userID string) bool { return slices.Contains(s.joined, userID) }
func (s *groupSession) isInvited(userID string) bool { return slices.Contains(s.invited, userID) }

func (s *groupSession) hasResponded(userID string) bool {
	_, ok := s.responded[userID]
	return ok
}

// pending lists invitees still ringing.
func (s *groupSession) pending() []string {
	var out []string
	for _, m := range s.invited {
		if !s.hasResponded(m) {
			out = append(out, m)
		}
	}
	return out
}

// exhausted reports whether only the initiator is left and every invitee
// has responded one way or another.
func (s *groupSession) exhausted() bool {
	return len(s.joined) <= 1 && len(s.responded) >= s.totalInvited
}

// lockGroup locks groupID and returns its session, or nil.
func (e *Engine) lockGroup(groupID string) (*groupSession, func()) {
	unlock := e.locks.Lock(keylock.Group(groupID))
	return e.groupSession(groupID), unlock
}

// GroupCall rings every other member of groupID.
func (e *Engine) GroupCall(ctx context.Context, connID, from, groupID string) error {
	g, ok := e.groups.Get(groupID)
	if !ok {
		return fail(ErrNotFound, "group '%s' not found", groupID)
	}
	if !g.HasMember(from) {
		return fail(ErrForbidden, "you are not a member of this group")
	}
	var invited []string
	for _, m := range g.Members {
		if m != from {
			invited = append(invited, m)
		}
	}
	if len(invited) == 0 {
		return fail(ErrInvalidState, "nobody else is in this group")
	}

	unlock := e.locks.Lock(keylock.Group(groupID), keylock.User(from))
	defer unlock()

	e.mu.Lock()
	if _, ok := e.bound[from]; ok {
		e.mu.Unlock()
		return fail(ErrInvalidState, "you are already on a call")
	}
	if _, ok := e.byGrp[groupID]; ok {
		e.mu.Unlock()
		return fail(ErrInvalidState, "this group already has a call in progress")
	}
	// members already on a call or ringing elsewhere are skipped; they can
	// still join once free
	invited = slices.DeleteFunc(invited, e.busy)
	if len(invited) == 0 {
		e.mu.Unlock()
		return fail(ErrInvalidState, "everyone else is busy on another call")
	}
	s := &groupSession{
		id:           e.id(),
		groupID:      groupID,
		name:         g.Name,
		caller:       from,
		callerConn:   connID,
		status:       StatusRinging,
		invited:      invited,
		joined:       []string{from},
		declined:     make(map[string]struct{}),
		responded:    make(map[string]struct{}),
		pushed:       make(map[string]bool),
		totalInvited: len(invited),
	}
	e.bound[from] = binding{group: s}
	e.byGrp[groupID] = s
	for _, m := range invited {
		e.ring(m, s)
	}
	e.mu.Unlock()

	msg := protocol.GroupIncomingCall(from, groupID, g.Name)
	for _, m := range invited {
		if !e.router.DeliverOrPush(ctx, m, msg, push.GroupIncomingCall(from, m, groupID, g.Name)) {
			s.pushed[m] = true
		}
	}
	s.timer = e.afterFunc(e.ringTimeout, func() { e.groupTimeout(s) })

	e.log.Info("group call started", slog.String("caller", from), slog.String("group_id", groupID),
		slog.Int("invited", len(invited)))
	return nil
}

// GroupAccept joins from to the group's call. The first call to join turns
// it active.
func (e *Engine) GroupAccept(ctx context.Context, connID, from, groupID string) error {
	unlock := e.locks.Lock(keylock.Group(groupID), keylock.User(from))
	defer unlock()

	s := e.groupSession(groupID)
	if s == nil {
		return fail(ErrInvalidState, "no group call to join")
	}
	if s.hasJoined(from) {
		e.router.DeliverConn(connID, protocol.GroupCallEnded(groupID, protocol.ReasonAnsweredElsewhere))
		return nil
	}
	if !s.isInvited(from) {
		// members added after the call started may still join
		g, ok := e.groups.Get(groupID)
		if !ok || !g.HasMember(from) {
			return fail(ErrForbidden, "you are not a member of this group")
		}
	}

	e.mu.Lock()
	if _, busy := e.bound[from]; busy {
		e.mu.Unlock()
		return fail(ErrInvalidState, "you are already on a call")
	}
	e.bound[from] = binding{group: s}
	e.mu.Unlock()

	if !s.isInvited(from) {
		s.invited = append(s.invited, from)
		s.totalInvited++
	}
	delete(s.declined, from)
	e.respond(s, from)
	s.joined = append(s.joined, from)
	if s.status == StatusRinging {
		s.status = StatusActive
		s.startedAt = e.now()
	}

	joined := protocol.GroupMemberJoined(groupID, from)
	for _, p := range s.joined {
		if p != from {
			e.router.Deliver(p, joined)
			// tell the newcomer who is already on the call
			e.router.DeliverConn(connID, protocol.GroupMemberJoined(groupID, p))
		}
	}
	e.router.DeliverConn(connID, joined)
	e.router.DeliverExcept(from, connID, protocol.GroupCallEnded(groupID, protocol.ReasonAnsweredElsewhere))

	e.log.Info("joined group call", slog.String("user_id", from), slog.String("group_id", groupID),
		slog.Int("participants", len(s.joined)))
	return nil
}

// GroupReject declines a group call. Rejecting a call that is gone, or one
// the user is not invited to, is a no-op.
func (e *Engine) GroupReject(ctx context.Context, connID, from, groupID string) error {
	s, unlock := e.lockGroup(groupID)
	defer unlock()

	if s == nil || from == s.caller {
		return nil
	}
	if s.hasJoined(from) {
		e.router.DeliverConn(connID, protocol.GroupCallEnded(groupID, protocol.ReasonAnsweredElsewhere))
		return nil
	}
	if !s.isInvited(from) {
		return nil
	}
	e.router.DeliverConn(connID, protocol.GroupCallEnded(groupID, protocol.ReasonYouDeclined))
	if s.hasResponded(from) {
		return nil
	}
	e.router.DeliverExcept(from, connID, protocol.GroupCallEnded(groupID, protocol.ReasonRejectedElsewhere))

	e.decline(s, from)
	e.log.Info("declined group call", slog.String("user_id", from), slog.String("group_id", groupID))
	e.settle(ctx, s)
	return nil
}

// GroupCut leaves the call. When the initiator cuts, the call ends for
// everyone: invitees still ringing see a cancellation if nobody had joined.
func (e *Engine) GroupCut(ctx context.Context, connID, from, groupID string) error {
	s, unlock := e.lockGroup(groupID)
	defer unlock()

	switch {
	case s == nil:
		return nil

	case from == s.caller:
		reason := protocol.ReasonGroupEndedBy(from)
		if s.status == StatusRinging {
			reason = protocol.ReasonCallCancelled
		}
		e.endGroup(ctx, s, reason, from)
		e.router.DeliverExcept(from, connID, protocol.GroupCallEnded(groupID, protocol.ReasonYouEnded))
		e.router.DeliverConn(connID, protocol.GroupCallEnded(groupID, protocol.ReasonCallEnded))
		e.log.Info("group call ended", slog.String("by", from), slog.String("group_id", groupID))
		return nil

	case s.hasJoined(from):
		e.leave(s, from)
		e.router.DeliverConn(connID, protocol.GroupCallEnded(groupID, protocol.ReasonYouLeft))
		e.log.Info("left group call", slog.String("user_id", from), slog.String("group_id", groupID),
			slog.Int("participants", len(s.joined)))
		e.settle(ctx, s)
		return nil

	case s.isInvited(from) && !s.hasResponded(from):
		e.router.DeliverConn(connID, protocol.GroupCallEnded(groupID, protocol.ReasonYouDeclined))
		e.router.DeliverExcept(from, connID, protocol.GroupCallEnded(groupID, protocol.ReasonRejectedElsewhere))
		e.decline(s, from)
		e.settle(ctx, s)
		return nil
	}
	return nil
}

// respond records that an invitee stopped ringing. Group lock held.
func (e *Engine) respond(s *groupSession, userID string) {
	s.responded[userID] = struct{}{}
	e.mu.Lock()
	e.unring(userID, s)
	e.mu.Unlock()
}

// decline marks an invitee as having said no and tells the participants.
// Group lock held.
func (e *Engine) decline(s *groupSession, userID string) {
	s.declined[userID] = struct{}{}
	e.respond(s, userID)
	left := protocol.GroupMemberLeft(s.groupID, userID)
	for _, p := range s.joined {
		e.router.Deliver(p, left)
	}
}

// leave removes a participant (not the initiator). Group lock held.
func (e *Engine) leave(s *groupSession, userID string) {
	s.joined = slices.DeleteFunc(s.joined, func(p string) bool { return p == userID })
	e.unbindGroup(userID, s)
	left := protocol.GroupMemberLeft(s.groupID, userID)
	for _, p := range s.joined {
		e.router.Deliver(p, left)
	}
}

// settle ends the call once nobody but the initiator is left and every
// invitee has responded. Group lock held.
func (e *Engine) settle(ctx context.Context, s *groupSession) {
	if !s.exhausted() {
		return
	}
	reason := protocol.ReasonEveryoneLeft
	if s.status == StatusRinging {
		reason = protocol.ReasonNobodyAnswered
	}
	e.endGroup(ctx, s, reason, "")
	e.log.Info("group call auto-ended", slog.String("group_id", s.groupID), slog.String("reason", reason))
}

// endGroup tears the session down and tells every participant and every
// invitee still ringing, except skip. Group lock held.
func (e *Engine) endGroup(ctx context.Context, s *groupSession, reason, skip string) {
	stop(s.timer)
	e.mu.Lock()
	if e.byGrp[s.groupID] == s {
		delete(e.byGrp, s.groupID)
	}
	for _, m := range s.invited {
		e.unring(m, s)
	}
	e.mu.Unlock()

	msg := protocol.GroupCallEnded(s.groupID, reason)
	for _, p := range s.joined {
		e.unbindGroup(p, s)
		if p != skip {
			e.router.Deliver(p, msg)
		}
	}
	for _, m := range s.pending() {
		if m == skip {
			continue
		}
		e.router.Deliver(m, msg)
		if s.pushed[m] {
			e.router.Push(ctx, m, push.GroupCallEnded(s.caller, m, s.groupID, reason))
		}
	}
}

// groupTimeout ends a call nobody picked up. On a call that is already
// active it only stops the ringing for invitees who never answered.
func (e *Engine) groupTimeout(s *groupSession) {
	unlock := e.locks.Lock(keylock.Group(s.groupID))
	defer unlock()
	if e.groupSession(s.groupID) != s {
		return
	}
	ctx := context.Background()

	if s.status == StatusRinging {
		e.endGroup(ctx, s, protocol.ReasonNoAnswer, "")
		e.log.Warn("group ring timed out", slog.String("group_id", s.groupID))
		return
	}
	msg := protocol.GroupCallEnded(s.groupID, protocol.ReasonNoAnswer)
	for _, m := range s.pending() {
		e.router.Deliver(m, msg)
		if s.pushed[m] {
			e.router.Push(ctx, m, push.GroupCallEnded(s.caller, m, s.groupID, protocol.ReasonNoAnswer))
		}
		s.declined[m] = struct{}{}
		e.respond(s, m)
	}
	e.settle(ctx, s)
}

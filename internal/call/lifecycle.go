package call

import (
	"context"
	"log/slog"

	"go-signal/internal/protocol"
)

// UserOffline is the implicit hang-up for a user whose last connection went
// away. Invitees still ringing for a group call are left alone; they may
// answer from a push notification.
func (e *Engine) UserOffline(ctx context.Context, userID string) {
	b := e.lookup(userID)
	switch {
	case b.direct != nil:
		e.directOffline(ctx, userID)
	case b.group != nil:
		e.groupOffline(ctx, b.group.groupID, userID)
	}
}

func (e *Engine) groupOffline(ctx context.Context, groupID, userID string) {
	s, unlock := e.lockGroup(groupID)
	defer unlock()
	if s == nil {
		return
	}
	switch {
	case userID == s.caller:
		e.endGroup(ctx, s, protocol.ReasonDisconnected(userID), userID)
		e.log.Info("group call dropped", slog.String("caller", userID), slog.String("group_id", groupID))
	case s.hasJoined(userID):
		e.leave(s, userID)
		e.settle(ctx, s)
	}
}

// GroupDeleted ends any call for groupID without a user-visible reason; the
// clients learn about the deletion from group_deleted.
func (e *Engine) GroupDeleted(ctx context.Context, groupID string) {
	s, unlock := e.lockGroup(groupID)
	defer unlock()
	if s == nil {
		return
	}
	e.endGroup(ctx, s, protocol.ReasonGroupDeleted, "")
	e.log.Info("group call ended by deletion", slog.String("group_id", groupID))
}

// MemberRemoved drops userID from groupID's call after a membership change.
// by is the user who made the change.
func (e *Engine) MemberRemoved(ctx context.Context, groupID, userID, by string) {
	s, unlock := e.lockGroup(groupID)
	defer unlock()
	if s == nil {
		return
	}
	reason := protocol.ReasonRemovedFromGroup
	if by == userID {
		reason = protocol.ReasonYouLeft
	}

	switch {
	case userID == s.caller:
		e.endGroup(ctx, s, protocol.ReasonGroupEndedBy(userID), userID)
		e.router.Deliver(userID, protocol.GroupCallEnded(groupID, reason))
	case s.hasJoined(userID):
		e.leave(s, userID)
		e.router.Deliver(userID, protocol.GroupCallEnded(groupID, reason))
		e.settle(ctx, s)
	case s.isInvited(userID) && !s.hasResponded(userID):
		e.router.Deliver(userID, protocol.GroupCallEnded(groupID, reason))
		e.decline(s, userID)
		e.settle(ctx, s)
	}
}

// ResumeRinging re-sends the incoming call events a user is still being rung
// for to one freshly registered connection. A client that opened from a push
// notification relies on this to match its pending action.
func (e *Engine) ResumeRinging(connID, userID string) {
	s, unlock := e.lockDirect(userID)
	if s != nil && s.callee == userID && s.status == StatusRinging {
		e.router.DeliverConn(connID, protocol.IncomingCall(s.caller))
	}
	unlock()

	e.mu.Lock()
	ids := make([]string, 0, len(e.byGrp))
	for id := range e.byGrp {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		g, unlock := e.lockGroup(id)
		if g != nil && g.isInvited(userID) && !g.hasResponded(userID) {
			e.router.DeliverConn(connID, protocol.GroupIncomingCall(g.caller, g.groupID, g.name))
		}
		unlock()
	}
}

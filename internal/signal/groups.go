package signal

import (
	"context"
	"fmt"
	"log/slog"

	"go-signal/internal/call"
	"go-signal/internal/group"
	"go-signal/internal/protocol"
)

func groupPayload(g group.Group) protocol.GroupPayload {
	return protocol.GroupPayload{
		GroupID:   g.ID,
		Name:      g.Name,
		Members:   g.Members,
		CreatedBy: g.CreatedBy,
	}
}

func (s *Server) toMembers(members []string, msg protocol.Message) {
	for _, m := range members {
		s.router.Deliver(m, msg)
	}
}

func (s *Server) createGroup(m *protocol.CreateGroup) error {
	for _, member := range m.Members {
		if member != "" && !s.reg.Known(member) {
			return &call.Error{Kind: call.ErrNotFound, Msg: fmt.Sprintf("User '%s' is not registered", member)}
		}
	}
	g, err := s.groups.Create(m.Name, m.CreatedBy, m.Members)
	if err != nil {
		return err
	}
	s.toMembers(g.Members, protocol.GroupCreated(groupPayload(g)))
	s.log.Info("group created", slog.String("group_id", g.ID), slog.String("name", g.Name),
		slog.Int("members", len(g.Members)))
	return nil
}

func (s *Server) addMember(m *protocol.AddGroupMember) error {
	if !s.reg.Known(m.UserID) {
		return &call.Error{Kind: call.ErrNotFound, Msg: fmt.Sprintf("User '%s' is not registered", m.UserID)}
	}
	g, changed, err := s.groups.AddMember(m.GroupID, m.AddedBy, m.UserID)
	if err != nil {
		return err
	}
	if !changed {
		return &call.Error{Kind: call.ErrInvalidState, Msg: fmt.Sprintf("'%s' is already in the group", m.UserID)}
	}
	s.toMembers(g.Members, protocol.GroupUpdated(groupPayload(g)))
	s.log.Info("group member added", slog.String("group_id", g.ID), slog.String("user_id", m.UserID))
	return nil
}

// removeMember also drops the user from the group's call, and ends the call
// when the group disappears with its last member.
func (s *Server) removeMember(ctx context.Context, m *protocol.RemoveGroupMember) error {
	res, err := s.groups.RemoveMember(m.GroupID, m.RemovedBy, m.UserID)
	if err != nil {
		return err
	}
	if !res.Changed {
		return &call.Error{Kind: call.ErrInvalidState, Msg: fmt.Sprintf("'%s' is not in the group", m.UserID)}
	}

	if res.Deleted {
		s.engine.GroupDeleted(ctx, m.GroupID)
		s.router.Deliver(m.UserID, protocol.GroupDeleted(m.GroupID))
		s.log.Info("group deleted with its last member", slog.String("group_id", m.GroupID))
		return nil
	}

	s.engine.MemberRemoved(ctx, m.GroupID, m.UserID, m.RemovedBy)
	// the removed user hears the update too, so their client drops the group
	s.toMembers(append(res.Group.Members, m.UserID), protocol.GroupUpdated(groupPayload(res.Group)))
	s.log.Info("group member removed", slog.String("group_id", m.GroupID), slog.String("user_id", m.UserID),
		slog.String("by", m.RemovedBy), slog.String("new_owner", res.NewOwner))
	return nil
}

func (s *Server) deleteGroup(ctx context.Context, m *protocol.DeleteGroup) error {
	g, err := s.groups.Delete(m.GroupID, m.DeletedBy)
	if err != nil {
		return err
	}
	s.engine.GroupDeleted(ctx, g.ID)
	s.toMembers(g.Members, protocol.GroupDeleted(g.ID))
	s.log.Info("group deleted", slog.String("group_id", g.ID), slog.String("by", m.DeletedBy))
	return nil
}

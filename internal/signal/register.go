package signal

import (
	"context"
	"log/slog"

	"go-signal/internal/protocol"
)

// register binds connID to userID. The connection first gets a snapshot of
// the other users, its groups and its chat history, then registered.
// Everybody else hears user_online when this is the user's first connection.
func (s *Server) register(ctx context.Context, connID, userID string) error {
	var users []protocol.UserEntry
	for _, u := range s.reg.Users() {
		if u.UserID != userID {
			users = append(users, protocol.UserEntry{UserID: u.UserID, IsOnline: u.Online})
		}
	}
	s.router.DeliverConn(connID, protocol.UserList(users))

	for _, g := range s.groups.ForUser(userID) {
		s.router.DeliverConn(connID, protocol.GroupCreated(groupPayload(g)))
	}
	s.chat.Replay(ctx, connID, userID)

	evs := s.reg.Register(connID, userID)
	s.router.DeliverConn(connID, protocol.Registered(userID, connID))
	s.presence(ctx, evs)

	// a tab opened from a notification needs the ringing it missed
	s.engine.ResumeRinging(connID, userID)

	s.log.Info("registered", slog.String("user_id", userID), slog.String("conn_id", connID),
		slog.Int("connections", len(s.reg.ConnectionsFor(userID))))
	return nil
}

// Package signal turns decoded client messages into registry, group, call
// and chat operations for one connection at a time.
package signal

import (
	"context"
	"errors"
	"log/slog"

	"go-signal/internal/call"
	"go-signal/internal/chat"
	"go-signal/internal/group"
	"go-signal/internal/presence"
	"go-signal/internal/protocol"
	"go-signal/internal/push"
	"go-signal/internal/registry"
	"go-signal/internal/router"
)

// errIdentity is returned when a message claims to come from a user the
// connection is not registered as.
var errIdentity = &call.Error{Kind: call.ErrForbidden, Msg: "Identity mismatch"}

type Server struct {
	reg    *registry.Registry
	groups *group.Store
	engine *call.Engine
	chat   *chat.Service
	router *router.Router
	tokens push.TokenStore
	log    *slog.Logger
}

type Deps struct {
	Registry *registry.Registry
	Groups   *group.Store
	Engine   *call.Engine
	Chat     *chat.Service
	Router   *router.Router
	Tokens   push.TokenStore
	Logger   *slog.Logger
}

func New(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Tokens == nil {
		d.Tokens = push.NewMemoryStore()
	}
	return &Server{
		reg:    d.Registry,
		groups: d.Groups,
		engine: d.Engine,
		chat:   d.Chat,
		router: d.Router,
		tokens: d.Tokens,
		log:    d.Logger,
	}
}

// HandleFrame decodes one inbound frame and runs it. Failures are answered
// with an error event on the same connection.
func (s *Server) HandleFrame(ctx context.Context, connID string, frame []byte) {
	msg, err := protocol.Decode(frame)
	if err != nil {
		s.reply(connID, "", err)
		return
	}
	if err := s.dispatch(ctx, connID, msg); err != nil {
		s.reply(connID, msg.MessageType(), err)
	}
}

func (s *Server) dispatch(ctx context.Context, connID string, msg protocol.Inbound) error {
	switch m := msg.(type) {
	case *protocol.Register:
		return s.register(ctx, connID, m.UserID)

	case *protocol.StoreFCMToken:
		if err := s.tokens.AddFCMToken(ctx, m.UserID, m.Token); err != nil {
			return err
		}
		s.log.Info("fcm token stored", slog.String("user_id", m.UserID))
		return nil

	case *protocol.StorePushSub:
		sub := push.Subscription{
			Endpoint: m.Subscription.Endpoint,
			P256dh:   m.Subscription.Keys.P256dh,
			Auth:     m.Subscription.Keys.Auth,
		}
		if err := s.tokens.AddSubscription(ctx, m.UserID, sub); err != nil {
			return err
		}
		s.log.Info("push subscription stored", slog.String("user_id", m.UserID))
		return nil

	case *protocol.Direct:
		if err := s.identity(connID, m.From); err != nil {
			return err
		}
		return s.direct(ctx, connID, m)

	case *protocol.Group:
		if err := s.identity(connID, m.From); err != nil {
			return err
		}
		return s.groupCall(ctx, connID, m)

	case *protocol.CreateGroup:
		if err := s.identity(connID, m.CreatedBy); err != nil {
			return err
		}
		return s.createGroup(m)

	case *protocol.AddGroupMember:
		if err := s.identity(connID, m.AddedBy); err != nil {
			return err
		}
		return s.addMember(m)

	case *protocol.RemoveGroupMember:
		if err := s.identity(connID, m.RemovedBy); err != nil {
			return err
		}
		return s.removeMember(ctx, m)

	case *protocol.DeleteGroup:
		if err := s.identity(connID, m.DeletedBy); err != nil {
			return err
		}
		return s.deleteGroup(ctx, m)

	case *protocol.SendMessage:
		if err := s.identity(connID, m.From); err != nil {
			return err
		}
		_, err := s.chat.SendDirect(ctx, connID, m.From, m.To, m.Content)
		return err

	case *protocol.SendGroupMessage:
		if err := s.identity(connID, m.From); err != nil {
			return err
		}
		_, err := s.chat.SendGroup(ctx, connID, m.From, m.GroupID, m.Content)
		return err
	}
	return protocol.ErrMalformed
}

func (s *Server) direct(ctx context.Context, connID string, m *protocol.Direct) error {
	switch m.Kind {
	case protocol.TypeCall:
		return s.engine.Call(ctx, connID, m.From, m.To)
	case protocol.TypeAccept:
		return s.engine.Accept(ctx, connID, m.From, m.To)
	case protocol.TypeReject:
		return s.engine.Reject(ctx, connID, m.From, m.To)
	case protocol.TypeCancel:
		return s.engine.Cancel(ctx, connID, m.From, m.To)
	case protocol.TypeCutCall:
		return s.engine.Cut(ctx, connID, m.From, m.To)
	}
	return protocol.ErrMalformed
}

func (s *Server) groupCall(ctx context.Context, connID string, m *protocol.Group) error {
	switch m.Kind {
	case protocol.TypeGroupCall:
		return s.engine.GroupCall(ctx, connID, m.From, m.GroupID)
	case protocol.TypeGroupAccept:
		return s.engine.GroupAccept(ctx, connID, m.From, m.GroupID)
	case protocol.TypeGroupReject:
		return s.engine.GroupReject(ctx, connID, m.From, m.GroupID)
	case protocol.TypeGroupCut:
		return s.engine.GroupCut(ctx, connID, m.From, m.GroupID)
	}
	return protocol.ErrMalformed
}

// identity checks that connID is registered as userID.
func (s *Server) identity(connID, userID string) error {
	if u, ok := s.reg.UserFor(connID); !ok || u != userID {
		return errIdentity
	}
	return nil
}

// Disconnected is the end of a connection. The user's last connection going
// away hangs up their calls and is announced to everyone else.
func (s *Server) Disconnected(ctx context.Context, connID string) {
	ev, ok := s.reg.Unregister(connID)
	if !ok {
		s.log.Debug("connection closed", slog.String("conn_id", connID))
		return
	}
	s.offline(ctx, ev.UserID)
}

func (s *Server) offline(ctx context.Context, userID string) {
	s.engine.UserOffline(ctx, userID)
	s.router.Broadcast(userID, protocol.UserOffline(userID))
	s.log.Info("user offline", slog.String("user_id", userID))
}

func (s *Server) presence(ctx context.Context, evs []presence.Transition) {
	for _, ev := range evs {
		switch ev.Edge {
		case presence.BecameOnline:
			s.router.Broadcast(ev.UserID, protocol.UserOnline(ev.UserID))
			s.log.Info("user online", slog.String("user_id", ev.UserID))
		case presence.BecameOffline:
			s.offline(ctx, ev.UserID)
		}
	}
}

func (s *Server) reply(connID, msgType string, err error) {
	level := slog.LevelInfo
	if errors.Is(err, protocol.ErrMalformed) {
		level = slog.LevelDebug
	}
	s.log.Log(context.Background(), level, "request failed",
		slog.String("conn_id", connID), slog.String("type", msgType), slog.Any("err", err))
	s.router.DeliverConn(connID, protocol.Error(err.Error()))
}

// Package chat stores direct and group chat messages and fans them out to
// the participants' connections.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"go-signal/internal/group"
	"go-signal/internal/protocol"
	"go-signal/internal/push"
)

var (
	ErrEmpty     = errors.New("message cannot be empty")
	ErrSelf      = errors.New("cannot message yourself")
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("you are not a member of this group")
)

// Router is the part of router.Router the chat service needs.
type Router interface {
	Deliver(userID string, msg protocol.Message) int
	DeliverExcept(userID, skipConn string, msg protocol.Message) int
	DeliverConn(connID string, msg protocol.Message) bool
	Push(ctx context.Context, userID string, note push.Notification)
}

type Directory interface {
	Known(userID string) bool
}

type Groups interface {
	Get(groupID string) (group.Group, bool)
	ForUser(userID string) []group.Group
}

type Service struct {
	store  Store
	router Router
	dir    Directory
	groups Groups
	log    *slog.Logger
	now    func() time.Time
	newID  func() string
}

func NewService(store Store, r Router, dir Directory, groups Groups, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:  store,
		router: r,
		dir:    dir,
		groups: groups,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
}

// SendDirect stores a direct message and delivers it to every connection of
// the recipient and to the sender's other connections. The sending
// connection gets message_sent. An offline recipient is notified by push.
func (s *Service) SendDirect(ctx context.Context, connID, from, to, content string) (protocol.ChatPayload, error) {
	if content == "" {
		return protocol.ChatPayload{}, ErrEmpty
	}
	if from == to {
		return protocol.ChatPayload{}, ErrSelf
	}
	if !s.dir.Known(to) {
		return protocol.ChatPayload{}, fmt.Errorf("%w: user '%s' is not registered", ErrNotFound, to)
	}

	m := Message{
		ID:        s.newID(),
		Key:       DMKey(from, to),
		From:      from,
		Target:    to,
		Content:   content,
		CreatedAt: s.now(),
	}
	s.archive(ctx, m)

	p := m.Payload()
	out := protocol.DirectMessage(p)
	if s.router.Deliver(to, out) == 0 {
		s.router.Push(ctx, to, push.ChatMessage(from, to, "", "", content))
	}
	s.router.DeliverExcept(from, connID, out)
	s.router.DeliverConn(connID, protocol.MessageSent(p))

	s.log.Info("direct message", slog.String("from", from), slog.String("to", to), slog.String("message_id", m.ID))
	return p, nil
}

// SendGroup stores a group message and delivers it to every member
// connection except the sending one, which gets message_sent instead.
// Members with no connection are notified by push.
func (s *Service) SendGroup(ctx context.Context, connID, from, groupID, content string) (protocol.ChatPayload, error) {
	if content == "" {
		return protocol.ChatPayload{}, ErrEmpty
	}
	g, ok := s.groups.Get(groupID)
	if !ok {
		return protocol.ChatPayload{}, fmt.Errorf("%w: group '%s' not found", ErrNotFound, groupID)
	}
	if !g.HasMember(from) {
		return protocol.ChatPayload{}, ErrForbidden
	}

	m := Message{
		ID:        s.newID(),
		Key:       GroupKey(groupID),
		From:      from,
		Target:    groupID,
		Content:   content,
		CreatedAt: s.now(),
	}
	s.archive(ctx, m)

	p := m.Payload()
	out := protocol.GroupMessage(p)
	for _, member := range g.Members {
		if member == from {
			s.router.DeliverExcept(from, connID, out)
			continue
		}
		if s.router.Deliver(member, out) == 0 {
			s.router.Push(ctx, member, push.ChatMessage(from, member, groupID, g.Name, content))
		}
	}
	s.router.DeliverConn(connID, protocol.MessageSent(p))

	s.log.Info("group message", slog.String("from", from), slog.String("group_id", groupID),
		slog.String("message_id", m.ID))
	return p, nil
}

// archive persists m. The message is still delivered when the store fails.
func (s *Service) archive(ctx context.Context, m Message) {
	if err := s.store.Append(ctx, m); err != nil {
		s.log.Error("store message", slog.String("key", m.Key), slog.Any("err", err))
	}
}

// Replay sends message_history to connID for every direct conversation and
// group userID takes part in. Empty conversations are skipped.
func (s *Service) Replay(ctx context.Context, connID, userID string) int {
	keys, err := s.store.KeysFor(ctx, userID)
	if err != nil {
		s.log.Error("list conversations", slog.String("user_id", userID), slog.Any("err", err))
	}
	for _, g := range s.groups.ForUser(userID) {
		keys = append(keys, GroupKey(g.ID))
	}

	sent := 0
	for _, key := range keys {
		msgs, err := s.store.History(ctx, key)
		if err != nil {
			s.log.Error("load history", slog.String("key", key), slog.Any("err", err))
			continue
		}
		if len(msgs) == 0 {
			continue
		}
		if s.router.DeliverConn(connID, protocol.MessageHistory(key, payloads(msgs))) {
			sent++
		}
	}
	return sent
}

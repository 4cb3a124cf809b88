// Package router fans signaling events out to every connection of a user and
// falls back to push notifications when the user has none.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go-signal/internal/protocol"
	"go-signal/internal/push"
)

// ConnSender writes a frame to one live connection. It reports false when the
// connection is gone or its buffer is full.
type ConnSender interface {
	Send(connID string, frame []byte) bool
}

// Directory is the read side of the connection registry.
type Directory interface {
	ConnectionsFor(userID string) []string
	OnlineUsers() []string
}

type Router struct {
	conns       ConnSender
	dir         Directory
	push        push.Sender
	log         *slog.Logger
	pushTimeout time.Duration

	wg sync.WaitGroup
}

func New(conns ConnSender, dir Directory, sender push.Sender, log *slog.Logger) *Router {
	if sender == nil {
		sender = push.Nop{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		conns:       conns,
		dir:         dir,
		push:        sender,
		log:         log,
		pushTimeout: 15 * time.Second,
	}
}

// Deliver sends msg to every connection of userID and returns how many
// accepted it.
func (r *Router) Deliver(userID string, msg protocol.Message) int {
	return r.DeliverExcept(userID, "", msg)
}

// DeliverExcept is Deliver skipping one connection, typically the one the
// triggering action came from.
func (r *Router) DeliverExcept(userID, skipConn string, msg protocol.Message) int {
	conns := r.dir.ConnectionsFor(userID)
	if len(conns) == 0 {
		return 0
	}
	frame, ok := r.encode(msg)
	if !ok {
		return 0
	}
	n := 0
	for _, c := range conns {
		if c == skipConn {
			continue
		}
		if r.conns.Send(c, frame) {
			n++
		}
	}
	return n
}

func (r *Router) DeliverConn(connID string, msg protocol.Message) bool {
	frame, ok := r.encode(msg)
	if !ok {
		return false
	}
	return r.conns.Send(connID, frame)
}

// DeliverOrPush delivers live when the user has a connection; otherwise it
// hands note to the push path and returns false. Having no connection is a
// routing decision, not an error.
func (r *Router) DeliverOrPush(ctx context.Context, userID string, msg protocol.Message, note push.Notification) bool {
	if r.Deliver(userID, msg) > 0 {
		return true
	}
	r.Push(ctx, userID, note)
	return false
}

// Push sends note in the background. Failures are logged and dropped.
func (r *Router) Push(ctx context.Context, userID string, note push.Notification) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.pushTimeout)
		defer cancel()

		err := r.push.Send(pctx, userID, note)
		switch {
		case err == nil:
			r.log.Debug("push sent", slog.String("user_id", userID), slog.String("action", note.Action))
		case errors.Is(err, push.ErrNoTargets):
			r.log.Debug("no push targets", slog.String("user_id", userID), slog.String("action", note.Action))
		default:
			r.log.Warn("push failed", slog.String("user_id", userID), slog.String("action", note.Action), slog.Any("err", err))
		}
	}()
}

// Broadcast sends msg to every online user except skipUser.
func (r *Router) Broadcast(skipUser string, msg protocol.Message) {
	frame, ok := r.encode(msg)
	if !ok {
		return
	}
	for _, u := range r.dir.OnlineUsers() {
		if u == skipUser {
			continue
		}
		for _, c := range r.dir.ConnectionsFor(u) {
			r.conns.Send(c, frame)
		}
	}
}

// Wait blocks until in-flight pushes finish.
func (r *Router) Wait() { r.wg.Wait() }

func (r *Router) encode(msg protocol.Message) ([]byte, bool) {
	frame, err := json.Marshal(msg)
	if err != nil {
		r.log.Error("encode outbound message", slog.String("type", msg.Type), slog.Any("err", err))
		return nil, false
	}
	return frame, true
}

package push

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// FCMSender is satisfied by *FCMClient.
type FCMSender interface {
	Send(ctx context.Context, token string, n Notification) error
}

// WebPusher is satisfied by *WebPushClient.
type WebPusher interface {
	Send(ctx context.Context, sub Subscription, payload []byte) error
}

// Dispatcher fans a notification out to every FCM token and Web Push
// subscription stored for a user, evicting targets the services reject.
type Dispatcher struct {
	store TokenStore
	fcm   FCMSender
	web   WebPusher
	log   *slog.Logger
	limit int
}

type Option func(*Dispatcher)

func WithFCM(s FCMSender) Option { return func(d *Dispatcher) { d.fcm = s } }
func WithWebPush(w WebPusher) Option { return func(d *Dispatcher) { d.web = w } }
func WithLogger(l *slog.Logger) Option { return func(d *Dispatcher) { d.log = l } }

func NewDispatcher(store TokenStore, opts ...Option) *Dispatcher {
	d := &Dispatcher{store: store, log: slog.Default(), limit: 8}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Dispatcher) Send(ctx context.Context, userID string, n Notification) error {
	var (
		tokens []string
		subs   []Subscription
		err    error
	)
	if d.fcm != nil {
		if tokens, err = d.store.FCMTokens(ctx, userID); err != nil {
			return err
		}
	}
	if d.web != nil {
		if subs, err = d.store.Subscriptions(ctx, userID); err != nil {
			return err
		}
	}
	if len(tokens) == 0 && len(subs) == 0 {
		return ErrNoTargets
	}

	var payload []byte
	if len(subs) > 0 {
		if payload, err = json.Marshal(n); err != nil {
			return err
		}
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	fail := func(e error) {
		mu.Lock()
		errs = append(errs, e)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.limit)
	for _, tok := range tokens {
		g.Go(func() error {
			err := d.fcm.Send(gctx, tok, n)
			if errors.Is(err, ErrTargetGone) {
				d.log.Warn("evicting dead fcm token", slog.String("user_id", userID), slog.String("token", suffix(tok)))
				if rmErr := d.store.RemoveFCMToken(ctx, userID, tok); rmErr != nil {
					fail(rmErr)
				}
				return nil
			}
			if err != nil {
				fail(err)
			}
			return nil
		})
	}
	for _, sub := range subs {
		g.Go(func() error {
			err := d.web.Send(gctx, sub, payload)
			if errors.Is(err, ErrTargetGone) {
				d.log.Warn("evicting expired push subscription", slog.String("user_id", userID), slog.String("endpoint", sub.Endpoint))
				if rmErr := d.store.RemoveSubscription(ctx, userID, sub.Endpoint); rmErr != nil {
					fail(rmErr)
				}
				return nil
			}
			if err != nil {
				fail(err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func suffix(token string) string {
	if len(token) <= 12 {
		return token
	}
	return "…" + token[len(token)-12:]
}

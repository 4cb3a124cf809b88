package client

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go-signal/internal/protocol"
)

const expireEvery = time.Second

// Client drives a Machine from a Conn: live events go through the
// reconciler, and whatever they produce is sent back on the same
// connection.
type Client struct {
	conn    *Conn
	machine *Machine
	rec     *Reconciler
	log     *slog.Logger
}

func New(conn *Conn, opts Options, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	m := NewMachine(opts)
	return &Client{conn: conn, machine: m, rec: NewReconciler(m), log: log}
}

func (c *Client) Machine() *Machine { return c.machine }

// Do sends the frame built by one of the Machine's actions:
//
//	c.Do(c.Machine().Call("bob"))
func (c *Client) Do(msg protocol.Message, err error) error {
	if err != nil {
		return err
	}
	return c.conn.Send(msg)
}

// Notify feeds an action taken on a push notification.
func (c *Client) Notify(in Intent) error {
	msgs, err := c.rec.Notify(in)
	if err != nil {
		return err
	}
	return c.send(msgs)
}

// Run applies inbound events until ctx is done or the connection drops.
// on, when set, sees every event together with what it produced.
func (c *Client) Run(ctx context.Context, on func(protocol.Envelope, Output)) error {
	ticker := time.NewTicker(expireEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env, ok := <-c.conn.Inbound():
			if !ok {
				if err := c.conn.Err(); err != nil {
					return err
				}
				return errors.New("connection closed")
			}
			out, err := c.rec.Handle(env)
			if err != nil {
				c.log.Warn("bad event", slog.String("type", env.Type), slog.Any("err", err))
				continue
			}
			if err := c.send(out.Send); err != nil {
				return err
			}
			if on != nil {
				on(env, out)
			}

		case now := <-ticker.C:
			out := c.machine.Expire(now)
			if out.Notice.IsZero() {
				continue
			}
			c.log.Info("ring timed out locally", slog.String("user_id", c.machine.Self()))
			if err := c.send(out.Send); err != nil {
				return err
			}
		}
	}
}

func (c *Client) send(msgs []protocol.Message) error {
	for _, m := range msgs {
		if err := c.conn.Send(m); err != nil {
			return err
		}
	}
	return nil
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go-signal/internal/client"
	"go-signal/internal/logger"
	"go-signal/internal/protocol"
)

var (
	wsURL     = flag.String("url", "ws://localhost:8080/ws", "signaling endpoint")
	apiKey    = flag.String("key", "", "API key, if the server requires one")
	pairCount = flag.Int("pairs", 100, "caller/callee pairs")
	rounds    = flag.Int("rounds", 5, "calls per pair")
)

const stepTimeout = 10 * time.Second

var completed, failed atomic.Int64

func main() {
	flag.Parse()
	log := logger.Init(logger.Config{Service: "loadtest"})

	log.Info(fmt.Sprintf("🔥 STARTING CALL STRESS TEST: %d users, %d calls per pair", *pairCount*2, *rounds))
	start := time.Now()

	var wg sync.WaitGroup
	for i := range *pairCount {
		wg.Go(func() {
			if err := runPair(i); err != nil {
				failed.Add(1)
				log.Warn("❌ pair failed", slog.Int("pair", i), slog.Any("err", err))
			}
		})
	}
	wg.Wait()

	log.Info("✅ LOAD TEST COMPLETE",
		slog.Int64("calls", completed.Load()),
		slog.Int64("failed_pairs", failed.Load()),
		slog.Duration("took", time.Since(start)))
}

// peer is one simulated browser tab.
type peer struct {
	c      *client.Client
	events chan protocol.Envelope
	cancel context.CancelFunc
}

func connect(userID string) (*peer, error) {
	ctx, cancel := context.WithCancel(context.Background())
	url := *wsURL
	if *apiKey != "" {
		url += "?token=" + *apiKey
	}
	conn, err := client.Dial(ctx, url, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	p := &peer{
		c:      client.New(conn, client.Options{}, logger.Component("client")),
		events: make(chan protocol.Envelope, 64),
		cancel: func() { cancel(); conn.Close() },
	}
	go p.c.Run(ctx, func(env protocol.Envelope, _ client.Output) {
		select {
		case p.events <- env:
		default:
		}
	})

	if err := p.c.Do(p.c.Machine().Register(userID)); err != nil {
		p.cancel()
		return nil, err
	}
	if err := p.await(protocol.EventRegistered); err != nil {
		p.cancel()
		return nil, err
	}
	return p, nil
}

// await blocks until the server sends msgType.
func (p *peer) await(msgType string) error {
	timeout := time.After(stepTimeout)
	for {
		select {
		case env := <-p.events:
			if env.Type == msgType {
				return nil
			}
			if env.Type == protocol.EventError {
				return fmt.Errorf("server error while waiting for %s: %s", msgType, env.Payload)
			}
		case <-timeout:
			return errors.New("timed out waiting for " + msgType)
		}
	}
}

func runPair(pairID int) error {
	// 1. Define Users (e.g., u_0_a, u_0_b)
	userA := fmt.Sprintf("u_%d_a", pairID)
	userB := fmt.Sprintf("u_%d_b", pairID)

	// 2. Connect both sides
	a, err := connect(userA)
	if err != nil {
		return fmt.Errorf("%s: %w", userA, err)
	}
	defer a.cancel()
	b, err := connect(userB)
	if err != nil {
		return fmt.Errorf("%s: %w", userB, err)
	}
	defer b.cancel()

	// 3. Ring, answer, talk, hang up
	for range *rounds {
		if err := a.c.Do(a.c.Machine().Call(userB)); err != nil {
			return err
		}
		if err := b.await(protocol.EventIncomingCall); err != nil {
			return err
		}
		if err := b.c.Do(b.c.Machine().Accept(userA)); err != nil {
			return err
		}
		if err := a.await(protocol.EventCallAccepted); err != nil {
			return err
		}

		if err := a.c.Do(frame(protocol.TypeSendMessage, protocol.SendMessage{
			From: userA, To: userB, Content: fmt.Sprintf("LoadTest Msg from %s", userA),
		})); err != nil {
			return err
		}
		if err := b.await(protocol.EventDirectMessage); err != nil {
			return err
		}

		if err := b.c.Do(b.c.Machine().Cut()); err != nil {
			return err
		}
		if err := a.await(protocol.EventCallEnded); err != nil {
			return err
		}
		completed.Add(1)
		// Small sleep to prevent instant localhost bottleneck (simulate real network)
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}

func frame(msgType string, payload any) (protocol.Message, error) {
	return protocol.Message{Type: msgType, Payload: payload}, nil
}

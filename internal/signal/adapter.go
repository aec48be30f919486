// Package signal routes call-signaling envelopes between peers over a
// single shared broadcast topic. Every node publishes to the same topic and
// filters on the envelope's addressing fields, so the transport needs no
// per-peer channels.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/opsdesk/huddle/internal/proto"
)

// Transport is the underlying broadcast channel. The p2p layer provides one
// backed by a gossipsub topic; tests use an in-memory bus.
type Transport interface {
	// Publish broadcasts raw bytes to every node on the topic, including
	// the publisher itself.
	Publish(ctx context.Context, data []byte) error
	// Next blocks until the next raw message arrives, returning the data
	// and the sender's transport-level ID.
	Next(ctx context.Context) ([]byte, string, error)
}

// Adapter filters the shared topic down to envelopes addressed to one
// identity and fans them out to subscribers.
type Adapter struct {
	self      string
	transport Transport

	ctx    context.Context
	cancel context.CancelFunc

	listenerMu sync.Mutex
	listeners  map[chan *proto.Envelope]struct{}

	closeOnce sync.Once
}

// NewAdapter starts reading the transport on behalf of selfID.
func NewAdapter(selfID string, t Transport) *Adapter {
	ctx, cancel := context.WithCancel(context.Background())
	a := &Adapter{
		self:      selfID,
		transport: t,
		ctx:       ctx,
		cancel:    cancel,
		listeners: make(map[chan *proto.Envelope]struct{}),
	}
	go a.readLoop()
	return a
}

// Send publishes a signaling envelope addressed to a peer. The adapter
// stamps the sender; callers only fill kind, to and payload.
func (a *Adapter) Send(kind, to string, payload any) error {
	if to == "" {
		return errors.New("signal: empty recipient")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("signal: encode %s payload: %w", kind, err)
	}
	env := proto.Envelope{Kind: kind, From: a.self, To: to, Payload: raw}
	data, err := json.Marshal(&env)
	if err != nil {
		return fmt.Errorf("signal: encode envelope: %w", err)
	}
	if err := a.transport.Publish(a.ctx, data); err != nil {
		return fmt.Errorf("signal: publish %s: %w", kind, err)
	}
	return nil
}

// Subscribe registers a listener for envelopes addressed to this identity.
// The returned cancel func unregisters and closes the channel.
func (a *Adapter) Subscribe() (chan *proto.Envelope, func()) {
	ch := make(chan *proto.Envelope, 64)
	a.listenerMu.Lock()
	a.listeners[ch] = struct{}{}
	a.listenerMu.Unlock()

	cancel := func() {
		a.listenerMu.Lock()
		if _, ok := a.listeners[ch]; ok {
			delete(a.listeners, ch)
			close(ch)
		}
		a.listenerMu.Unlock()
	}
	return ch, cancel
}

// Close stops the read loop and closes all subscriber channels.
func (a *Adapter) Close() {
	a.closeOnce.Do(func() {
		a.cancel()
		a.listenerMu.Lock()
		for ch := range a.listeners {
			delete(a.listeners, ch)
			close(ch)
		}
		a.listenerMu.Unlock()
	})
}

func (a *Adapter) readLoop() {
	for {
		data, _, err := a.transport.Next(a.ctx)
		if err != nil {
			if a.ctx.Err() != nil {
				return
			}
			log.Printf("SIGNAL: read error: %v", err)
			return
		}

		var env proto.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Printf("SIGNAL: drop malformed envelope: %v", err)
			continue
		}
		// Shared topic: everyone sees everything. Keep only traffic
		// addressed to us, and never our own loopback.
		if env.To != a.self || env.From == a.self {
			continue
		}

		a.listenerMu.Lock()
		for ch := range a.listeners {
			select {
			case ch <- &env:
			default:
				log.Printf("SIGNAL: listener full, dropping %s from %s", env.Kind, env.From)
			}
		}
		a.listenerMu.Unlock()
	}
}

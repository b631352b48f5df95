// Trustgate - Behavioral Trust Scoring and Anomaly Flagging
// Copyright 2026 K. Rellis (krellis)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/krellis/trustgate

package ws

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"

	"github.com/krellis/trustgate/internal/delivery"
	"github.com/krellis/trustgate/internal/logging"
	"github.com/krellis/trustgate/internal/metrics"
)

// Message frame types pushed to dashboards.
const (
	MessageTypeFlagChange = "flag_change"
	MessageTypeEscalation = "escalation"
	MessageTypePing       = "ping"
	MessageTypePong       = "pong"
)

// Message is one frame sent to or received from a dashboard client.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Hub tracks connected dashboard clients and fans broadcasts out to them.
// Lifecycle events take priority over broadcasts so the client set is
// consistent before any message is delivered.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]bool
	broadcast  chan Message
	register   chan *Client
	unregister chan *Client
	// done releases client pumps once the hub stops draining unregister.
	done chan struct{}
	bus  *delivery.Bus
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// AttachBus connects the hub to the delivery bus. Must be called before
// Serve; notifications published by the pipeline are then rebroadcast to
// every connected dashboard.
func (h *Hub) AttachBus(bus *delivery.Bus) { h.bus = bus }

// Broadcast queues a message for every connected client. A full broadcast
// queue drops the message; dashboards are best-effort consumers.
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	default:
		logging.Warn().Str("type", msg.Type).Msg("websocket broadcast queue full, frame dropped")
	}
}

// ClientCount returns the number of currently connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Serve implements suture.Service. It consumes the delivery bus (when
// attached) and runs the register/unregister/broadcast loop until the
// context is cancelled, then closes every client.
func (h *Hub) Serve(ctx context.Context) error {
	if h.bus != nil {
		msgs, err := h.bus.Subscribe(ctx)
		if err != nil {
			return err
		}
		go h.consume(ctx, msgs)
	}

	for {
		// Lifecycle first so broadcasts never race a disconnect.
		select {
		case c := <-h.register:
			h.add(c)
			continue
		case c := <-h.unregister:
			h.remove(c)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			h.closeAll()
			return ctx.Err()
		case c := <-h.register:
			h.add(c)
		case c := <-h.unregister:
			h.remove(c)
		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

func (h *Hub) consume(_ context.Context, msgs <-chan *message.Message) {
	for msg := range msgs {
		n, err := delivery.DecodeNotification(msg)
		if err != nil {
			continue
		}
		h.Broadcast(Message{Type: string(n.Kind), Data: n.Payload})
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	total := len(h.clients)
	h.mu.Unlock()
	metrics.WSConnections.Set(float64(total))
	logging.Info().Int("total_clients", total).Msg("websocket client connected")
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	total := len(h.clients)
	h.mu.Unlock()
	metrics.WSConnections.Set(float64(total))
	logging.Info().Int("total_clients", total).Msg("websocket client disconnected")
}

func (h *Hub) deliver(msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
			metrics.WSMessagesSent.Inc()
		default:
			// Slow client; skip rather than block the hub.
		}
	}
}

func (h *Hub) closeAll() {
	close(h.done)
	h.mu.Lock()
	closed := len(h.clients)
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
	h.mu.Unlock()
	metrics.WSConnections.Set(0)
	logging.Info().Int("clients_closed", closed).Msg("websocket hub stopped")
}

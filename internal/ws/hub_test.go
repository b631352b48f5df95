// Trustgate - Behavioral Trust Scoring and Anomaly Flagging
// Copyright 2026 K. Rellis (krellis)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/krellis/trustgate

package ws

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/krellis/trustgate/internal/delivery"
)

func dialHub(t *testing.T, hub *Hub) (*websocket.Conn, func()) {
	t.Helper()

	srv := httptest.NewServer(Handler(hub, []string{"*"}))
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial: %v", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, func() {
		conn.Close()
		srv.Close()
	}
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("client count = %d, want %d", hub.ClientCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubBroadcastReachesClient(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = hub.Serve(ctx) }()

	conn, cleanup := dialHub(t, hub)
	defer cleanup()
	waitForClients(t, hub, 1)

	payload, _ := json.Marshal(map[string]string{"user_id": "user-1", "flag_color": "RED"})
	hub.Broadcast(Message{Type: MessageTypeEscalation, Data: payload})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Message
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Type != MessageTypeEscalation {
		t.Fatalf("type = %q, want %q", got.Type, MessageTypeEscalation)
	}
	var fields map[string]string
	if err := json.Unmarshal(got.Data, &fields); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if fields["user_id"] != "user-1" {
		t.Fatalf("user_id = %q", fields["user_id"])
	}
}

func TestHubRebroadcastsBusNotifications(t *testing.T) {
	bus := delivery.NewBus(16)
	defer bus.Close()

	hub := NewHub()
	hub.AttachBus(bus)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = hub.Serve(ctx) }()

	conn, cleanup := dialHub(t, hub)
	defer cleanup()
	waitForClients(t, hub, 1)

	payload, _ := json.Marshal(map[string]string{"user_id": "user-2"})
	err := bus.Publish(context.Background(), &delivery.Notification{
		ID:        "n-1",
		UserID:    "user-2",
		Kind:      delivery.KindFlagChange,
		Payload:   payload,
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Message
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Type != MessageTypeFlagChange {
		t.Fatalf("type = %q, want %q", got.Type, MessageTypeFlagChange)
	}
}

func TestHubClosesClientsOnShutdown(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.Serve(ctx) }()

	conn, cleanup := dialHub(t, hub)
	defer cleanup()
	waitForClients(t, hub, 1)

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("serve returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop")
	}
	if hub.ClientCount() != 0 {
		t.Fatalf("clients still registered after shutdown: %d", hub.ClientCount())
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

// Trustgate - Behavioral Trust Scoring and Anomaly Flagging
// Copyright 2026 K. Rellis (krellis)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/krellis/trustgate

package delivery

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"
)

// Topic is the single bus topic carrying outbound notifications.
const Topic = "notifications"

// Bus is the in-process pub/sub decoupling the ingestion pipeline from the
// delivery worker. Publish never blocks on downstream dispatch.
type Bus struct {
	pubsub *gochannel.GoChannel
}

// NewBus creates an in-process notification bus. bufferSize bounds how many
// unconsumed notifications may queue before Publish blocks.
func NewBus(bufferSize int64) *Bus {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: bufferSize},
			watermill.NopLogger{},
		),
	}
}

// Publish serializes the notification onto the bus.
func (b *Bus) Publish(ctx context.Context, n *Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification %s: %w", n.ID, err)
	}
	msg := message.NewMessage(n.ID, data)
	msg.SetContext(ctx)
	msg.Metadata.Set("kind", string(n.Kind))
	msg.Metadata.Set("user_id", n.UserID)
	if err := b.pubsub.Publish(Topic, msg); err != nil {
		return fmt.Errorf("publish notification %s: %w", n.ID, err)
	}
	return nil
}

// Subscribe returns the worker-side message stream. The channel closes when
// ctx is canceled or the bus is closed.
func (b *Bus) Subscribe(ctx context.Context) (<-chan *message.Message, error) {
	return b.pubsub.Subscribe(ctx, Topic)
}

// Close shuts the bus down; pending messages are dropped (the WAL keeps
// anything already accepted by the worker).
func (b *Bus) Close() error {
	return b.pubsub.Close()
}

// DecodeNotification reads a bus message back into a Notification and acks it.
func DecodeNotification(msg *message.Message) (*Notification, error) {
	var n Notification
	if err := json.Unmarshal(msg.Payload, &n); err != nil {
		msg.Nack()
		return nil, fmt.Errorf("decode notification %s: %w", msg.UUID, err)
	}
	msg.Ack()
	return &n, nil
}

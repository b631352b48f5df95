// Trustgate - Behavioral Trust Scoring and Anomaly Flagging
// Copyright 2026 K. Rellis (krellis)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/krellis/trustgate

package delivery

import (
	"time"

	"github.com/goccy/go-json"
)

// Kind classifies a notification for endpoint routing.
type Kind string

const (
	// KindFlagChange is emitted on every flag color change.
	KindFlagChange Kind = "flag_change"
	// KindEscalation is emitted on transitions to RED and on unresolved
	// critical anomalies.
	KindEscalation Kind = "escalation"
)

// Notification is one message published by the pipeline. Payload carries the
// downstream dedup key (user_id, flag_color, timestamp) for flag changes.
type Notification struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Item is one pending dispatch of a notification to a single endpoint. The
// retry state lives on the item, not in nested blocking retries: a
// timer-driven worker picks up items whose NextAttempt has passed.
type Item struct {
	ID           string       `json:"id"`
	Notification Notification `json:"notification"`
	Endpoint     string       `json:"endpoint"`
	Attempts     int          `json:"attempts"`
	NextAttempt  time.Time    `json:"next_attempt"`
	LastError    string       `json:"last_error,omitempty"`
}

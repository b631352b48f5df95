// Trustgate - Behavioral Trust Scoring and Anomaly Flagging
// Copyright 2026 K. Rellis (krellis)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/krellis/trustgate

package models

import (
	"time"

	"github.com/goccy/go-json"
)

// DeadLetterKind categorizes what the dead-lettered payload originally was.
type DeadLetterKind string

const (
	// DeadLetterIngress is a malformed inbound webhook payload rejected
	// before persistence.
	DeadLetterIngress DeadLetterKind = "ingress"
	// DeadLetterDelivery is an outbound notification that exhausted its
	// delivery retries.
	DeadLetterDelivery DeadLetterKind = "delivery"
)

// DeadLetterPayload holds an event or notification that could not be
// processed or delivered. Entries are never silently dropped and are
// resolved only by an operator.
type DeadLetterPayload struct {
	ID             string          `json:"id"`
	Kind           DeadLetterKind  `json:"kind"`
	UserID         string          `json:"user_id,omitempty"`
	Endpoint       string          `json:"endpoint,omitempty"`
	Reason         string          `json:"reason"`
	Payload        json.RawMessage `json:"payload"`
	Attempts       int             `json:"attempts"`
	RetryAttempted bool            `json:"retry_attempted"`
	Resolved       bool            `json:"resolved"`
	CreatedAt      time.Time       `json:"created_at"`
	ResolvedAt     *time.Time      `json:"resolved_at,omitempty"`
	ResolvedBy     string          `json:"resolved_by,omitempty"`
}

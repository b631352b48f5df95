// Trustgate - Behavioral Trust Scoring and Anomaly Flagging
// Copyright 2026 K. Rellis (krellis)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/krellis/trustgate

package models

import (
	"fmt"
	"time"
)

// EventType identifies the kind of user activity an event records.
type EventType string

const (
	EventTypeSignup        EventType = "signup"
	EventTypeLogin         EventType = "login"
	EventTypeUpload        EventType = "upload"
	EventTypeReferral      EventType = "referral"
	EventTypeWalletConnect EventType = "wallet_connect"
	EventTypeListing       EventType = "listing"
	EventTypeClick         EventType = "click"
)

// DedupBucket is the timestamp granularity used for the event dedup key.
// Two identical events landing inside the same bucket are treated as
// client-side retries of one logical event.
const DedupBucket = 10 * time.Second

// ActivityEvent is a single fingerprinted user action. Events are immutable
// once written and are the unit of truth every detector reads.
type ActivityEvent struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	EventType     EventType `json:"event_type"`
	IPAddress     string    `json:"ip_address"`
	DeviceHash    string    `json:"device_hash"`
	FingerprintID string    `json:"fingerprint_id,omitempty"`
	// Confidence is the fingerprint provider's identification confidence,
	// 0.00-1.00. Fingerprints arrive as opaque identifiers; Trustgate never
	// computes this value itself.
	Confidence float64           `json:"confidence"`
	UserAgent  string            `json:"user_agent,omitempty"`
	Context    map[string]string `json:"context,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// DedupKey returns the idempotency key for this event: identical keys within
// the dedup window are double counts from client retries, not new activity.
func (e *ActivityEvent) DedupKey() string {
	bucket := e.Timestamp.Truncate(DedupBucket).Unix()
	return fmt.Sprintf("%s|%s|%s|%d", e.UserID, e.DeviceHash, e.EventType, bucket)
}

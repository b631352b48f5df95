// Trustgate - Behavioral Trust Scoring and Anomaly Flagging
// Copyright 2026 K. Rellis (krellis)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/krellis/trustgate

package models

import "time"

// FlagColor is the tri-state trust classification consumed by the gatekeeper.
type FlagColor string

const (
	FlagGreen  FlagColor = "GREEN"
	FlagYellow FlagColor = "YELLOW"
	FlagRed    FlagColor = "RED"
)

// Valid reports whether c is one of the three defined colors.
func (c FlagColor) Valid() bool {
	return c == FlagGreen || c == FlagYellow || c == FlagRed
}

// WorseThan reports whether c represents lower trust than other.
func (c FlagColor) WorseThan(other FlagColor) bool {
	return c.rank() > other.rank()
}

func (c FlagColor) rank() int {
	switch c {
	case FlagRed:
		return 2
	case FlagYellow:
		return 1
	default:
		return 0
	}
}

// VelocityScore is the qualitative rate-of-activity classification used as a
// flag-transition input.
type VelocityScore string

const (
	VelocityLow    VelocityScore = "low"
	VelocityMedium VelocityScore = "medium"
	VelocityHigh   VelocityScore = "high"
)

// FlagHistory records one flag re-evaluation for a user. The latest row per
// user is the current authoritative flag. Rows are owned exclusively by the
// flag state machine and are append-only.
type FlagHistory struct {
	ID           int64         `json:"id"`
	UserID       string        `json:"user_id"`
	Color        FlagColor     `json:"flag_color"`
	Score        int           `json:"score"`
	AnomalyCount int           `json:"anomaly_count"`
	Velocity     VelocityScore `json:"velocity_score"`
	// Confidence is the fingerprint confidence of the event that triggered
	// this re-evaluation, 0 for periodic re-evaluations.
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"created_at"`
}

// FlagSnapshot is the gatekeeper's synchronous read: current color, score,
// and the time the flag was last computed.
type FlagSnapshot struct {
	UserID string    `json:"user_id"`
	Color  FlagColor `json:"color"`
	Score  int       `json:"score"`
	AsOf   time.Time `json:"as_of"`
}

// Trustgate - Behavioral Trust Scoring and Anomaly Flagging
// Copyright 2026 K. Rellis (krellis)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/krellis/trustgate

package models

import "time"

// BaselineScore is the trust score assigned to a user with no signals.
const BaselineScore = 100

// RiskLevel is the qualitative classification derived from the numeric score.
type RiskLevel string

const (
	RiskLevelSuspicious    RiskLevel = "suspicious"     // [0, 49]
	RiskLevelNormal        RiskLevel = "normal"         // [50, 79]
	RiskLevelHighlyTrusted RiskLevel = "highly_trusted" // [80, 100]
)

// RiskLevelFor maps a trust score to its risk level band.
func RiskLevelFor(score int) RiskLevel {
	switch {
	case score < 50:
		return RiskLevelSuspicious
	case score < 80:
		return RiskLevelNormal
	default:
		return RiskLevelHighlyTrusted
	}
}

// ClampScore bounds a score to the valid [0, 100] range.
func ClampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// User is a pseudonymous platform user tracked by the scoring engine.
//
// TrustScore is always within [0, 100] and is mutated only by the scoring
// engine. Users are never hard-deleted except through the explicit erasure
// path, which cascades all dependent history.
type User struct {
	ID           string    `json:"id"`
	TrustScore   int       `json:"trust_score"`
	WeeklyScore  int       `json:"weekly_score"`
	Verified     bool      `json:"verified"`
	Anonymous    bool      `json:"anonymous"`
	CreatedAt    time.Time `json:"created_at"`
	LastScoredAt time.Time `json:"last_scored_at"`
}

// AccountAgeDays returns the whole days elapsed since account creation.
func (u *User) AccountAgeDays(now time.Time) int {
	if u.CreatedAt.IsZero() || now.Before(u.CreatedAt) {
		return 0
	}
	return int(now.Sub(u.CreatedAt).Hours() / 24)
}

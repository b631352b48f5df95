// Trustgate - Behavioral Trust Scoring and Anomaly Flagging
// Copyright 2026 K. Rellis (krellis)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/krellis/trustgate

// Package models defines the data structures shared across Trustgate components.
// These models represent users, activity events, anomaly candidates, risk flags,
// flag history, daily statistics, and dead-letter payloads.
//
// Ownership rules (enforced by construction, not by this package):
//   - User.TrustScore is mutated only by the scoring engine.
//   - AnomalyCandidate rows are created by detectors and resolved by operators
//     or auto-expiry; the scoring engine reads them but never writes them.
//   - FlagHistory rows are owned by the flag state machine and are append-only.
//   - DailyStatistics rows are written by rollup jobs, never edited retroactively
//     except by explicit correction.
package models

// Trustgate - Behavioral Trust Scoring and Anomaly Flagging
// Copyright 2026 K. Rellis (krellis)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/krellis/trustgate

// Package delivery dispatches flag-change and escalation notifications to
// downstream endpoints with at-least-once semantics.
//
// The pipeline publishes notifications onto an in-process watermill bus and
// never waits for dispatch. A worker consumes the bus, fans each notification
// out to the configured endpoints, and retries failures with exponential
// backoff (1s doubling by default, capped). An item that exhausts its
// attempts moves to the dead-letter store with its failure reason; nothing is
// silently dropped. Pending items are persisted to a badger write-ahead log
// so a restart resumes where the previous process stopped.
//
// Consumers must dedupe by (user_id, flag_color, timestamp): delivery is
// at-least-once, not exactly-once.
package delivery

// Trustgate - Behavioral Trust Scoring and Anomaly Flagging
// Copyright 2026 K. Rellis (krellis)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/krellis/trustgate

// Package eventstore persists activity events and user records in DuckDB and
// answers the windowed queries the pattern detectors run.
//
// Append is the write path's first stop: it validates, deduplicates against a
// short TTL window (identical retries from flaky clients collapse to one
// event), and inserts. A unique index on the dedup key backs the in-memory
// window so duplicates are rejected even across restarts.
//
// A MemoryStore with identical semantics backs tests and the population
// detectors' hot window.
package eventstore

// Trustgate - Behavioral Trust Scoring and Anomaly Flagging
// Copyright 2026 K. Rellis (krellis)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/krellis/trustgate

package models

import "time"

// DailyStatistics is one day's ledger rollup. Rows are keyed by (job, day) so
// a retried rollup replaces its own output instead of double counting.
type DailyStatistics struct {
	Job               string    `json:"job"`
	Day               time.Time `json:"day"`
	EventsProcessed   int64     `json:"events_processed"`
	FlagsGreen        int64     `json:"flags_green"`
	FlagsYellow       int64     `json:"flags_yellow"`
	FlagsRed          int64     `json:"flags_red"`
	AnomaliesDetected int64     `json:"anomalies_detected"`
	FalsePositives    int64     `json:"false_positives"`
	AvgProcessingMs   float64   `json:"avg_processing_ms"`
	P95ProcessingMs   float64   `json:"p95_processing_ms"`
	P99ProcessingMs   float64   `json:"p99_processing_ms"`
	CreatedAt         time.Time `json:"created_at"`
}

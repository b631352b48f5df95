// Trustgate - Behavioral Trust Scoring and Anomaly Flagging
// Copyright 2026 K. Rellis (krellis)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/krellis/trustgate

// Package middleware holds router-agnostic HTTP middleware: request ID
// propagation and Prometheus request instrumentation. CORS and rate
// limiting live in the api package because they are configured from the
// server config rather than being universally applied.
package middleware

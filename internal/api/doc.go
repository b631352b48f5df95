// Trustgate - Behavioral Trust Scoring and Anomaly Flagging
// Copyright 2026 K. Rellis (krellis)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/krellis/trustgate

// Package api is the HTTP surface: webhook ingress, the gatekeeper read
// path, and the operator console endpoints (anomalies, dead letters, daily
// statistics, erasure). Routing is chi with go-chi/cors and go-chi/httprate;
// every response uses the envelope in response.go.
//
// The ingress route is the only write path into the pipeline. Malformed
// payloads are dead-lettered with a reason and answered 400; duplicates are
// answered 202 because the stored state already reflects them.
package api

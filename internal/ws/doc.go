// Trustgate - Behavioral Trust Scoring and Anomaly Flagging
// Copyright 2026 K. Rellis (krellis)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/krellis/trustgate

// Package ws streams escalations to connected dashboards.
//
// The hub fans every broadcast out to all connected clients over
// gorilla/websocket. It is fed from the delivery bus, so dashboards see the
// same flag-change and escalation notifications that delivery endpoints
// receive, minus the retry machinery: a dashboard that misses a frame just
// reloads current state over the REST API.
//
// The hub runs as a suture service. Cancelling its context closes every
// client; clients reconnect through the normal upgrade path once the hub is
// restarted.
package ws

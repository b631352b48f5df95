// Trustgate - Behavioral Trust Scoring and Anomaly Flagging
// Copyright 2026 K. Rellis (krellis)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/krellis/trustgate

package api

import (
	"net/http"
	"time"

	"github.com/goccy/go-json"
)

var startedAt = time.Now()

// handleHealth answers liveness probes. It deliberately touches no store:
// a wedged database shows up in metrics and 5xx rates, not here.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(startedAt).Seconds()),
	})
}

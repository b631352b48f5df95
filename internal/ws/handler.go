// Trustgate - Behavioral Trust Scoring and Anomaly Flagging
// Copyright 2026 K. Rellis (krellis)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/krellis/trustgate

package ws

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/krellis/trustgate/internal/logging"
)

// Handler returns the HTTP handler upgrading dashboard connections.
// allowedOrigins mirrors the API's CORS origins; "*" admits any origin.
func Handler(hub *Hub, allowedOrigins []string) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}
		NewClient(hub, conn).Start()
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Non-browser clients (CLIs, monitors) send no Origin.
			return true
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}

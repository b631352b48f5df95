// Trustgate - Behavioral Trust Scoring and Anomaly Flagging
// Copyright 2026 K. Rellis (krellis)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/krellis/trustgate

package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/krellis/trustgate/internal/ledger"
	"github.com/krellis/trustgate/internal/models"
)

// handleDailyStats returns the ledger rollup for one day (default: today).
func (s *Server) handleDailyStats(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	day := s.now().UTC()
	if raw := r.URL.Query().Get("day"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			rw.BadRequest("day must be YYYY-MM-DD")
			return
		}
		day = parsed
	}

	stats, err := s.d.Stats.Get(r.Context(), ledger.RollupJob, day)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			rw.NotFound("no rollup for that day")
			return
		}
		rw.StoreError(err)
		return
	}
	rw.Success(stats)
}

// statsOverview is the operator dashboard summary: current flag counts and
// the trust-score distribution across risk bands.
type statsOverview struct {
	Flags        map[models.FlagColor]int `json:"flags"`
	Distribution map[models.RiskLevel]int `json:"score_distribution"`
	TotalUsers   int                      `json:"total_users"`
}

func (s *Server) handleStatsOverview(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	flagCounts, err := s.d.History.CountByColor(r.Context())
	if err != nil {
		rw.StoreError(err)
		return
	}
	dist, err := s.d.Users.ScoreDistribution(r.Context())
	if err != nil {
		rw.StoreError(err)
		return
	}

	total := 0
	for _, n := range dist {
		total += n
	}
	rw.Success(statsOverview{Flags: flagCounts, Distribution: dist, TotalUsers: total})
}

// Trustgate - Behavioral Trust Scoring and Anomaly Flagging
// Copyright 2026 K. Rellis (krellis)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/krellis/trustgate

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/krellis/trustgate/internal/auth"
	"github.com/krellis/trustgate/internal/models"
)

// handleUserFlag is the gatekeeper read path: cached current flag color.
func (s *Server) handleUserFlag(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	userID := chi.URLParam(r, "userID")

	snapshot, err := s.d.Gatekeeper.CurrentFlag(r.Context(), userID)
	if err != nil {
		rw.StoreError(err)
		return
	}
	rw.Success(snapshot)
}

// userScoreResponse is the detailed score view for operators.
type userScoreResponse struct {
	UserID      string           `json:"user_id"`
	TrustScore  int              `json:"trust_score"`
	WeeklyScore int              `json:"weekly_score"`
	RiskLevel   models.RiskLevel `json:"risk_level"`
	Verified    bool             `json:"verified"`
	AccountAge  int              `json:"account_age_days"`
	LastScored  string           `json:"last_scored_at"`
}

func (s *Server) handleUserScore(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	userID := chi.URLParam(r, "userID")

	user, err := s.d.Users.Get(r.Context(), userID)
	if err != nil {
		rw.StoreError(err)
		return
	}
	rw.Success(userScoreResponse{
		UserID:      user.ID,
		TrustScore:  user.TrustScore,
		WeeklyScore: user.WeeklyScore,
		RiskLevel:   models.RiskLevelFor(user.TrustScore),
		Verified:    user.Verified,
		AccountAge:  user.AccountAgeDays(s.now()),
		LastScored:  user.LastScoredAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	})
}

// handleEraseUser cascades deletion of a user and every dependent record.
func (s *Server) handleEraseUser(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	userID := chi.URLParam(r, "userID")
	operator := auth.SubjectFromContext(r.Context())

	if err := s.d.Pipeline.Erase(r.Context(), userID, operator); err != nil {
		rw.StoreError(err)
		return
	}
	rw.NoContent()
}

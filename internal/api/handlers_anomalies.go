// Trustgate - Behavioral Trust Scoring and Anomaly Flagging
// Copyright 2026 K. Rellis (krellis)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/krellis/trustgate

package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/krellis/trustgate/internal/models"
)

const defaultListLimit = 100

func listLimit(r *http.Request) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			return n
		}
	}
	return defaultListLimit
}

func (s *Server) handleListAnomalies(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	status := models.ResolutionStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = models.StatusActive
	}
	if status != models.StatusActive && status != models.StatusResolved {
		rw.BadRequest("status must be active or resolved")
		return
	}

	candidates, err := s.d.Anomalies.ListByStatus(r.Context(), status, listLimit(r))
	if err != nil {
		rw.StoreError(err)
		return
	}
	rw.SuccessList(candidates, len(candidates))
}

func (s *Server) handleResolveAnomaly(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	anomalyID := chi.URLParam(r, "anomalyID")

	var req ResolveAnomalyRequest
	_, fields, err := decodeAndValidate(r, &req)
	if err != nil {
		rw.BadRequest(err.Error())
		return
	}
	if len(fields) > 0 {
		rw.ErrorWithDetails(http.StatusBadRequest, ErrCodeValidationFailed, "payload validation failed", fields)
		return
	}

	if err := s.d.Pipeline.ResolveAnomaly(r.Context(), anomalyID, req.ResolvedBy); err != nil {
		rw.StoreError(err)
		return
	}
	rw.Success(map[string]string{"id": anomalyID, "status": string(models.StatusResolved)})
}

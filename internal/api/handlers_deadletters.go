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

func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	kind := models.DeadLetterKind(r.URL.Query().Get("kind"))
	switch kind {
	case "", models.DeadLetterIngress, models.DeadLetterDelivery:
	default:
		rw.BadRequest("kind must be ingress or delivery")
		return
	}
	includeResolved := r.URL.Query().Get("include_resolved") == "true"

	entries, err := s.d.DeadLetters.List(r.Context(), kind, includeResolved, listLimit(r))
	if err != nil {
		rw.StoreError(err)
		return
	}
	rw.SuccessList(entries, len(entries))
}

// handleRedriveDeadLetter re-queues a delivery dead letter through the
// worker. Ingress dead letters carry raw payloads, not notifications; they
// are corrected upstream and re-posted through the events endpoint instead.
func (s *Server) handleRedriveDeadLetter(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	id := chi.URLParam(r, "deadLetterID")
	operator := auth.SubjectFromContext(r.Context())

	if err := s.d.Redriver.Redrive(r.Context(), id, operator); err != nil {
		rw.StoreError(err)
		return
	}
	rw.Success(map[string]string{"id": id, "status": "requeued"})
}

// handleResolveDeadLetter marks a dead letter handled without re-queueing
// it: the operator fixed or discarded the payload out of band.
func (s *Server) handleResolveDeadLetter(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	id := chi.URLParam(r, "deadLetterID")
	operator := auth.SubjectFromContext(r.Context())

	if err := s.d.DeadLetters.Resolve(r.Context(), id, operator); err != nil {
		rw.StoreError(err)
		return
	}
	rw.Success(map[string]string{"id": id, "status": "resolved"})
}

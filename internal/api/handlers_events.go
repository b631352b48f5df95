// Trustgate - Behavioral Trust Scoring and Anomaly Flagging
// Copyright 2026 K. Rellis (krellis)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/krellis/trustgate

package api

import (
	"fmt"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/krellis/trustgate/internal/logging"
	"github.com/krellis/trustgate/internal/models"
)

// handleIngestEvent is the webhook ingress. Malformed payloads are
// dead-lettered with the rejection reason before the 400 goes out, so no
// inbound event is ever silently dropped.
func (s *Server) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req IngestEventRequest
	raw, fields, err := decodeAndValidate(r, &req)
	if err != nil {
		s.deadLetterIngress(r, raw, req.UserID, err.Error())
		rw.BadRequest(err.Error())
		return
	}
	if len(fields) > 0 {
		reason := fmt.Sprintf("validation failed: %d field(s)", len(fields))
		s.deadLetterIngress(r, raw, req.UserID, reason)
		rw.ErrorWithDetails(http.StatusBadRequest, ErrCodeValidationFailed, "payload validation failed", fields)
		return
	}

	result, err := s.d.Pipeline.Ingest(r.Context(), req.Event(s.now()))
	if err != nil {
		rw.StoreError(err)
		return
	}
	if result.Duplicate {
		rw.Accepted(result)
		return
	}
	rw.Created(result)
}

func (s *Server) deadLetterIngress(r *http.Request, raw []byte, userID, reason string) {
	payload := raw
	if !json.Valid(payload) {
		// Preserve non-JSON bodies as a JSON string so the stored entry
		// stays renderable.
		payload, _ = json.Marshal(string(raw))
	}
	dl := &models.DeadLetterPayload{
		ID:        uuid.New().String(),
		Kind:      models.DeadLetterIngress,
		UserID:    userID,
		Reason:    reason,
		Payload:   json.RawMessage(payload),
		CreatedAt: s.now(),
	}
	if err := s.d.DeadLetters.Add(r.Context(), dl); err != nil {
		logging.Ctx(r.Context()).Error().Err(err).Msg("failed to dead-letter rejected payload")
	}
}

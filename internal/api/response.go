// Trustgate - Behavioral Trust Scoring and Anomaly Flagging
// Copyright 2026 K. Rellis (krellis)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/krellis/trustgate

package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/krellis/trustgate/internal/logging"
	"github.com/krellis/trustgate/internal/models"
)

// APIResponse is the envelope every endpoint answers with.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *APIError   `json:"error,omitempty"`
	Meta    *APIMeta    `json:"meta,omitempty"`
}

// APIError carries a machine-readable code alongside the human message.
type APIError struct {
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
}

// APIMeta is per-response metadata for tracing and latency visibility.
type APIMeta struct {
	RequestID  string    `json:"request_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	DurationMs int64     `json:"duration_ms,omitempty"`
	Count      int       `json:"count,omitempty"`
}

// Error codes used across endpoints.
const (
	ErrCodeBadRequest       = "BAD_REQUEST"
	ErrCodeUnauthorized     = "UNAUTHORIZED"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeValidationFailed = "VALIDATION_FAILED"
	ErrCodeInternalError    = "INTERNAL_ERROR"
)

// ResponseWriter writes envelope responses for one request.
type ResponseWriter struct {
	w     http.ResponseWriter
	r     *http.Request
	start time.Time
}

func NewResponseWriter(w http.ResponseWriter, r *http.Request) *ResponseWriter {
	return &ResponseWriter{w: w, r: r, start: time.Now()}
}

func (rw *ResponseWriter) meta() *APIMeta {
	return &APIMeta{
		RequestID:  logging.RequestIDFromContext(rw.r.Context()),
		Timestamp:  time.Now().UTC(),
		DurationMs: time.Since(rw.start).Milliseconds(),
	}
}

// Success writes a 200 with data.
func (rw *ResponseWriter) Success(data interface{}) {
	rw.writeJSON(http.StatusOK, APIResponse{Success: true, Data: data, Meta: rw.meta()})
}

// SuccessList writes a 200 with data and an item count in meta.
func (rw *ResponseWriter) SuccessList(data interface{}, count int) {
	meta := rw.meta()
	meta.Count = count
	rw.writeJSON(http.StatusOK, APIResponse{Success: true, Data: data, Meta: meta})
}

// Created writes a 201 with data.
func (rw *ResponseWriter) Created(data interface{}) {
	rw.writeJSON(http.StatusCreated, APIResponse{Success: true, Data: data, Meta: rw.meta()})
}

// Accepted writes a 202; used for duplicate events, which are success from
// the producer's point of view.
func (rw *ResponseWriter) Accepted(data interface{}) {
	rw.writeJSON(http.StatusAccepted, APIResponse{Success: true, Data: data, Meta: rw.meta()})
}

// NoContent writes a 204.
func (rw *ResponseWriter) NoContent() {
	rw.w.WriteHeader(http.StatusNoContent)
}

// Error writes an error envelope with the given status.
func (rw *ResponseWriter) Error(status int, code, message string) {
	rw.ErrorWithDetails(status, code, message, nil)
}

// ErrorWithDetails writes an error envelope with extra detail payload.
func (rw *ResponseWriter) ErrorWithDetails(status int, code, message string, details interface{}) {
	requestID := logging.RequestIDFromContext(rw.r.Context())
	meta := rw.meta()
	rw.writeJSON(status, APIResponse{
		Success: false,
		Error:   &APIError{Code: code, Message: message, Details: details, RequestID: requestID},
		Meta:    meta,
	})
}

// BadRequest writes a 400.
func (rw *ResponseWriter) BadRequest(message string) {
	rw.Error(http.StatusBadRequest, ErrCodeBadRequest, message)
}

// NotFound writes a 404.
func (rw *ResponseWriter) NotFound(message string) {
	rw.Error(http.StatusNotFound, ErrCodeNotFound, message)
}

// InternalError writes a 500 and logs the underlying error; the error text
// itself never leaves the process.
func (rw *ResponseWriter) InternalError(err error) {
	logging.Ctx(rw.r.Context()).Error().Err(err).
		Str("path", rw.r.URL.Path).
		Msg("request failed")
	rw.Error(http.StatusInternalServerError, ErrCodeInternalError, "internal error")
}

// StoreError maps store sentinels to HTTP statuses; anything unrecognized
// is a 500.
func (rw *ResponseWriter) StoreError(err error) {
	switch {
	case errors.Is(err, models.ErrUserNotFound):
		rw.NotFound("user not found")
	case errors.Is(err, models.ErrNotFound):
		rw.NotFound("record not found")
	case errors.Is(err, models.ErrValidation):
		rw.Error(http.StatusBadRequest, ErrCodeValidationFailed, err.Error())
	case errors.Is(err, models.ErrDuplicate):
		rw.Error(http.StatusConflict, ErrCodeConflict, err.Error())
	default:
		rw.InternalError(err)
	}
}

func (rw *ResponseWriter) writeJSON(status int, resp APIResponse) {
	rw.w.Header().Set("Content-Type", "application/json")
	rw.w.WriteHeader(status)
	if err := json.NewEncoder(rw.w).Encode(resp); err != nil {
		logging.Ctx(rw.r.Context()).Error().Err(err).Msg("failed to encode response")
	}
}

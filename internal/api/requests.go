// Trustgate - Behavioral Trust Scoring and Anomaly Flagging
// Copyright 2026 K. Rellis (krellis)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/krellis/trustgate

package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/krellis/trustgate/internal/models"
)

// maxBodyBytes bounds inbound request bodies. Fingerprint events are small;
// anything near this limit is malformed or hostile.
const maxBodyBytes = 256 * 1024

var validate = validator.New(validator.WithRequiredStructEnabled())

// IngestEventRequest is the webhook ingress payload. Validation tags follow
// go-playground/validator v10 syntax; field errors are reported per field so
// producers can fix their payloads without guesswork.
type IngestEventRequest struct {
	UserID        string            `json:"user_id" validate:"required,max=128"`
	EventType     string            `json:"event_type" validate:"required,oneof=signup login upload referral wallet_connect listing click"`
	IPAddress     string            `json:"ip_address" validate:"omitempty,ip"`
	DeviceHash    string            `json:"device_hash" validate:"required,max=256"`
	FingerprintID string            `json:"fingerprint_id" validate:"omitempty,max=256"`
	Confidence    float64           `json:"confidence" validate:"gte=0,lte=1"`
	UserAgent     string            `json:"user_agent" validate:"omitempty,max=1024"`
	Context       map[string]string `json:"context" validate:"omitempty,max=32"`
	Timestamp     time.Time         `json:"timestamp"`
}

// Event converts the validated request into the model. A zero timestamp
// means the producer did not stamp the event; ingestion time is used.
func (req *IngestEventRequest) Event(now time.Time) *models.ActivityEvent {
	ts := req.Timestamp
	if ts.IsZero() {
		ts = now
	}
	return &models.ActivityEvent{
		UserID:        req.UserID,
		EventType:     models.EventType(req.EventType),
		IPAddress:     req.IPAddress,
		DeviceHash:    req.DeviceHash,
		FingerprintID: req.FingerprintID,
		Confidence:    req.Confidence,
		UserAgent:     req.UserAgent,
		Context:       req.Context,
		Timestamp:     ts,
	}
}

// ResolveAnomalyRequest is the operator resolution payload.
type ResolveAnomalyRequest struct {
	ResolvedBy string `json:"resolved_by" validate:"required,max=128"`
	Note       string `json:"note" validate:"omitempty,max=1024"`
}

// fieldError is one validator failure, reported to the client.
type fieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// decodeAndValidate reads the body into dst and runs struct validation.
// It returns the raw body (for dead-lettering), the per-field failures, and
// a terminal error for unreadable or non-JSON bodies.
func decodeAndValidate(r *http.Request, dst interface{}) (raw []byte, fields []fieldError, err error) {
	raw, err = io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, nil, fmt.Errorf("read body: %w", err)
	}
	if len(raw) > maxBodyBytes {
		return raw[:maxBodyBytes], nil, fmt.Errorf("body exceeds %d bytes", maxBodyBytes)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return raw, nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				fields = append(fields, fieldError{
					Field:  strings.ToLower(fe.Field()),
					Reason: validationReason(fe),
				})
			}
			return raw, fields, nil
		}
		return raw, nil, fmt.Errorf("validate: %w", err)
	}
	return raw, nil, nil
}

func validationReason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be >= %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be <= %s", fe.Param())
	case "ip":
		return "must be a valid IP address"
	case "max":
		return fmt.Sprintf("exceeds maximum length %s", fe.Param())
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}

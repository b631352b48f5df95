// Trustgate - Behavioral Trust Scoring and Anomaly Flagging
// Copyright 2026 K. Rellis (krellis)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/krellis/trustgate

package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/krellis/trustgate/internal/config"
	"github.com/krellis/trustgate/internal/models"
)

// Sender performs one delivery attempt to one endpoint.
type Sender interface {
	Send(ctx context.Context, endpoint config.EndpointConfig, n *Notification) error
}

// HTTPSender posts notifications as JSON to endpoint URLs.
type HTTPSender struct {
	client *http.Client
}

func NewHTTPSender() *HTTPSender {
	return &HTTPSender{client: &http.Client{Timeout: 10 * time.Second}}
}

func (s *HTTPSender) Send(ctx context.Context, endpoint config.EndpointConfig, n *Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification %s: %w", n.ID, err)
	}

	if endpoint.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, endpoint.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request for %s: %w", endpoint.Name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Notification-ID", n.ID)
	req.Header.Set("X-Notification-Kind", string(n.Kind))

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("endpoint %s: %w: %w", endpoint.Name, models.ErrDelivery, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("endpoint %s returned %d: %w", endpoint.Name, resp.StatusCode, models.ErrDelivery)
	}
	return nil
}

// Trustgate - Behavioral Trust Scoring and Anomaly Flagging
// Copyright 2026 K. Rellis (krellis)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/krellis/trustgate

// Package flags implements the tri-color flag state machine. The target
// color is a pure function of score, active anomaly count, and velocity;
// the machine adds hysteresis on improvement and appends every
// re-evaluation to the flag history ledger.
package flags

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/krellis/trustgate/internal/config"
	"github.com/krellis/trustgate/internal/logging"
	"github.com/krellis/trustgate/internal/metrics"
	"github.com/krellis/trustgate/internal/models"
)

// Transition computes the target flag color. Pure: no clock, no state.
func Transition(cfg config.FlagConfig, score, activeCount int, hasCritical bool, velocity models.VelocityScore) models.FlagColor {
	switch {
	case score < cfg.RedScoreBelow || hasCritical:
		return models.FlagRed
	case score < cfg.YellowScoreBelow ||
		activeCount >= cfg.YellowAnomalyCount ||
		velocity == models.VelocityHigh:
		return models.FlagYellow
	default:
		return models.FlagGreen
	}
}

// Input carries one re-evaluation's signals.
type Input struct {
	UserID      string
	Score       int
	ActiveCount int
	HasCritical bool
	Velocity    models.VelocityScore
	// LastAnomalyAt is the newest anomaly timestamp for the user, zero when
	// the user has none. Drives the improvement cooldown.
	LastAnomalyAt time.Time
	// Confidence of the triggering event, zero for periodic re-evaluations.
	Confidence float64
}

// Recorder receives every flag re-evaluation for the audit ledger.
// Implemented by ledger.Recorder; nil disables audit writes.
type Recorder interface {
	RecordFlagChange(ctx context.Context, prev models.FlagColor, row *models.FlagHistory, changed bool) error
}

// Machine re-evaluates flags against the history ledger. Re-evaluations for
// the same user are serialized on a sharded lock so the latest-row read and
// the append cannot interleave between concurrent events.
type Machine struct {
	cfg        config.FlagConfig
	history    HistoryStore
	recorder   Recorder
	invalidate func(userID string)
	now        func() time.Time

	shards []sync.Mutex
}

// NewMachine wires the state machine over its history store.
func NewMachine(cfg config.FlagConfig, history HistoryStore) *Machine {
	return &Machine{cfg: cfg, history: history, now: time.Now, shards: make([]sync.Mutex, 64)}
}

// SetRecorder attaches the audit ledger.
func (m *Machine) SetRecorder(r Recorder) { m.recorder = r }

// SetInvalidator registers the snapshot cache invalidation hook.
func (m *Machine) SetInvalidator(fn func(userID string)) { m.invalidate = fn }

// SetNow overrides the clock. Tests only.
func (m *Machine) SetNow(now func() time.Time) { m.now = now }

func (m *Machine) shard(userID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return &m.shards[h.Sum32()%uint32(len(m.shards))]
}

// Reevaluate computes the user's flag, appends a history row, and reports
// whether the color changed. Every call appends, including no-ops; only a
// color change should trigger downstream delivery.
func (m *Machine) Reevaluate(ctx context.Context, in *Input) (*models.FlagHistory, bool, error) {
	mu := m.shard(in.UserID)
	mu.Lock()
	defer mu.Unlock()

	now := m.now().UTC()

	prev := models.FlagGreen
	if latest, err := m.history.Latest(ctx, in.UserID); err == nil {
		prev = latest.Color
	} else if !errors.Is(err, models.ErrNotFound) {
		return nil, false, fmt.Errorf("failed to load latest flag: %w", err)
	}

	next := Transition(m.cfg, in.Score, in.ActiveCount, in.HasCritical, in.Velocity)

	// Improvement requires a full cooldown with no new anomaly, so a
	// borderline score cannot flap the color. Degradation is immediate.
	if prev.WorseThan(next) && m.inCooldown(in.LastAnomalyAt, now) {
		next = prev
		metrics.FlagHysteresisHolds.Inc()
	}

	row := &models.FlagHistory{
		UserID:       in.UserID,
		Color:        next,
		Score:        in.Score,
		AnomalyCount: in.ActiveCount,
		Velocity:     in.Velocity,
		Confidence:   in.Confidence,
		CreatedAt:    now,
	}
	if err := m.history.Append(ctx, row); err != nil {
		return nil, false, fmt.Errorf("failed to append flag history: %w", err)
	}

	changed := next != prev
	if changed {
		metrics.FlagTransitions.WithLabelValues(string(prev), string(next)).Inc()
	}
	if m.invalidate != nil {
		m.invalidate(in.UserID)
	}
	if m.recorder != nil {
		if err := m.recorder.RecordFlagChange(ctx, prev, row, changed); err != nil {
			// Ledger failures never fail the flag write itself.
			logging.Ctx(ctx).Warn().Err(err).Str("user_id", in.UserID).
				Msg("failed to record flag change on ledger")
		}
	}
	return row, changed, nil
}

func (m *Machine) inCooldown(lastAnomalyAt, now time.Time) bool {
	if lastAnomalyAt.IsZero() || m.cfg.Cooldown <= 0 {
		return false
	}
	return now.Sub(lastAnomalyAt) < m.cfg.Cooldown
}

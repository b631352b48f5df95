// Trustgate - Behavioral Trust Scoring and Anomaly Flagging
// Copyright 2026 K. Rellis (krellis)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/krellis/trustgate

package flags

import (
	"time"

	"github.com/krellis/trustgate/internal/cache"
	"github.com/krellis/trustgate/internal/config"
	"github.com/krellis/trustgate/internal/models"
)

// VelocityTracker classifies per-user activity rates into low/medium/high
// from three live sliding windows: events per hour, events per five minutes,
// and device switches per hour. Counts are approximate under memory
// pressure (bounded key sets), which is acceptable because velocity is a
// flag-transition hint, not an audit record.
type VelocityTracker struct {
	cfg      config.VelocityConfig
	hourly   *cache.SlidingWindowStore
	burst    *cache.SlidingWindowStore
	switches *cache.SlidingWindowStore
	// lastDevice remembers each user's most recent device hash so switches
	// counts device changes, not events.
	lastDevice *cache.LRU[string]
}

// NewVelocityTracker creates a tracker sized for maxUsers live users.
func NewVelocityTracker(cfg config.VelocityConfig, maxUsers int) *VelocityTracker {
	if maxUsers <= 0 {
		maxUsers = 50000
	}
	return &VelocityTracker{
		cfg:        cfg,
		hourly:     cache.NewSlidingWindowStore(time.Hour, 12, maxUsers),
		burst:      cache.NewSlidingWindowStore(5*time.Minute, 10, maxUsers),
		switches:   cache.NewSlidingWindowStore(time.Hour, 12, maxUsers),
		lastDevice: cache.NewLRU[string](maxUsers, time.Hour),
	}
}

// Observe feeds one event into the windows.
func (v *VelocityTracker) Observe(event *models.ActivityEvent) {
	v.hourly.Increment(event.UserID)
	v.burst.Increment(event.UserID)
	if prev, ok := v.lastDevice.Get(event.UserID); ok && prev != event.DeviceHash {
		v.switches.Increment(event.UserID)
	}
	v.lastDevice.Set(event.UserID, event.DeviceHash)
}

// Classify returns the user's current velocity score.
func (v *VelocityTracker) Classify(userID string) models.VelocityScore {
	hourly := v.hourly.Count(userID)
	burst := v.burst.Count(userID)
	switches := v.switches.Count(userID)

	switch {
	case hourly >= int64(v.cfg.HighEventsPerHour) ||
		burst >= int64(v.cfg.HighEventsPer5Min) ||
		switches >= int64(v.cfg.HighDevicesPerHour):
		return models.VelocityHigh
	case hourly >= int64(v.cfg.MediumEventsPerHour) ||
		burst >= int64(v.cfg.MediumEventsPer5Min) ||
		switches >= int64(v.cfg.MediumDevicesPerHour):
		return models.VelocityMedium
	default:
		return models.VelocityLow
	}
}

// Trustgate - Behavioral Trust Scoring and Anomaly Flagging
// Copyright 2026 K. Rellis (krellis)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/krellis/trustgate

package detection

import "time"

// Per-detector threshold policies. JSON-tagged so operators can reconfigure
// a running detector through the admin surface; the initial values come from
// the application config at wiring time.

// ClusterConfig configures same-IP/device signup clustering.
type ClusterConfig struct {
	// Window is the rolling window signups are grouped over.
	Window time.Duration `json:"window"`

	// SignupsPerIP is the per-IP signup count past which a cluster forms.
	SignupsPerIP int `json:"signups_per_ip"`

	// SignupsPerDevice is the per-device equivalent. Devices are a stronger
	// signal than IPs (NAT), so the default is lower.
	SignupsPerDevice int `json:"signups_per_device"`

	// EscalateSize is the cluster size past which severity escalates from
	// high to critical.
	EscalateSize int `json:"escalate_size"`
}

// DefaultClusterConfig returns sensible defaults.
func DefaultClusterConfig() ClusterConfig {
	return ClusterConfig{
		Window:           time.Hour,
		SignupsPerIP:     5,
		SignupsPerDevice: 3,
		EscalateSize:     10,
	}
}

// ActionVelocityConfig configures wallet-connect/listing velocity.
type ActionVelocityConfig struct {
	// Window is the per-user counting window.
	Window time.Duration `json:"window"`

	// MaxPerWindow is the action count past which a candidate is raised.
	MaxPerWindow int `json:"max_per_window"`
}

// DefaultActionVelocityConfig returns sensible defaults.
func DefaultActionVelocityConfig() ActionVelocityConfig {
	return ActionVelocityConfig{
		Window:       time.Minute,
		MaxPerWindow: 5,
	}
}

// ReferralDiversityConfig configures referral-spam detection.
type ReferralDiversityConfig struct {
	Window       time.Duration `json:"window"`
	MaxReferrals int           `json:"max_referrals"`

	// MinDiversity is the unique-source ratio below which a referral set
	// looks self-generated and severity escalates.
	MinDiversity float64 `json:"min_diversity"`
}

// DefaultReferralDiversityConfig returns sensible defaults.
func DefaultReferralDiversityConfig() ReferralDiversityConfig {
	return ReferralDiversityConfig{
		Window:       time.Hour,
		MaxReferrals: 20,
		MinDiversity: 0.3,
	}
}

// DuplicateContentConfig configures duplicate-upload detection.
type DuplicateContentConfig struct {
	Window time.Duration `json:"window"`

	// MaxUploads is the per-hash repeat count past which a candidate is
	// raised.
	MaxUploads int `json:"max_uploads"`
}

// DefaultDuplicateContentConfig returns sensible defaults.
func DefaultDuplicateContentConfig() DuplicateContentConfig {
	return DuplicateContentConfig{
		Window:     24 * time.Hour,
		MaxUploads: 3,
	}
}

// LoginVelocityConfig configures per-IP login velocity.
type LoginVelocityConfig struct {
	Window   time.Duration `json:"window"`
	MaxPerIP int           `json:"max_per_ip"`
}

// DefaultLoginVelocityConfig returns sensible defaults.
func DefaultLoginVelocityConfig() LoginVelocityConfig {
	return LoginVelocityConfig{
		Window:   5 * time.Minute,
		MaxPerIP: 10,
	}
}

// DeviceSwitchingConfig configures device-hash churn detection.
type DeviceSwitchingConfig struct {
	Window     time.Duration `json:"window"`
	MaxDevices int           `json:"max_devices"`
}

// DefaultDeviceSwitchingConfig returns sensible defaults.
func DefaultDeviceSwitchingConfig() DeviceSwitchingConfig {
	return DeviceSwitchingConfig{
		Window:     24 * time.Hour,
		MaxDevices: 5,
	}
}

// FingerprintConfidenceConfig configures the low-confidence floor.
type FingerprintConfidenceConfig struct {
	// Floor is the confidence below which an event is down-weighted. A
	// low-confidence event still counts toward velocity windows and is
	// never rejected on confidence alone.
	Floor float64 `json:"floor"`
}

// DefaultFingerprintConfidenceConfig returns sensible defaults.
func DefaultFingerprintConfidenceConfig() FingerprintConfidenceConfig {
	return FingerprintConfidenceConfig{Floor: 0.3}
}

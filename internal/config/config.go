// Trustgate - Behavioral Trust Scoring and Anomaly Flagging
// Copyright 2026 K. Rellis (krellis)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/krellis/trustgate

// Package config defines Trustgate's layered configuration: struct defaults,
// an optional YAML file, then TRUSTGATE_* environment overrides.
//
// Every numeric threshold in the scoring, detection, flag, and delivery
// subsystems is a tunable here rather than a constant in code: the shipped
// defaults are one valid operating point, not an immutable law.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Logging   LoggingConfig   `koanf:"logging"`
	Database  DatabaseConfig  `koanf:"database"`
	Auth      AuthConfig      `koanf:"auth"`
	Ingest    IngestConfig    `koanf:"ingest"`
	Scoring   ScoringConfig   `koanf:"scoring"`
	Flags     FlagConfig      `koanf:"flags"`
	Velocity  VelocityConfig  `koanf:"velocity"`
	Detectors DetectorConfig  `koanf:"detectors"`
	Delivery  DeliveryConfig  `koanf:"delivery"`
	Cache     CacheConfig     `koanf:"cache"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	CORSOrigins     []string      `koanf:"cors_origins"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// DatabaseConfig configures the DuckDB persistence layer.
type DatabaseConfig struct {
	// Path is the DuckDB database file; empty means in-memory.
	Path         string `koanf:"path"`
	MaxOpenConns int    `koanf:"max_open_conns"`
}

// AuthConfig configures bearer-token authentication on the API.
type AuthConfig struct {
	// JWTSecret signs and verifies ingress/admin tokens (HS256).
	JWTSecret string `koanf:"jwt_secret"`
	// Disabled turns off auth entirely. Development only.
	Disabled bool `koanf:"disabled"`
}

// IngestConfig configures the webhook ingress and event dedup.
type IngestConfig struct {
	// DedupWindow is how long an identical (user, device, type, bucket)
	// tuple counts as a client-side retry rather than new activity.
	DedupWindow   time.Duration `koanf:"dedup_window"`
	DedupCapacity int           `koanf:"dedup_capacity"`
	// RateLimit / RateWindow bound inbound requests per client IP.
	RateLimit  int           `koanf:"rate_limit"`
	RateWindow time.Duration `koanf:"rate_window"`
}

// ScoringConfig holds the deterministic score-weight table.
type ScoringConfig struct {
	// AccountAgeBonusDays grants +1 per this many days of account age.
	AccountAgeBonusDays int `koanf:"account_age_bonus_days"`
	// AccountAgeBonusCap bounds the account-age bonus.
	AccountAgeBonusCap int `koanf:"account_age_bonus_cap"`
	// RiskFlagPenalty is deducted per active risk flag in RiskFlagWindow.
	RiskFlagPenalty int           `koanf:"risk_flag_penalty"`
	RiskFlagWindow  time.Duration `koanf:"risk_flag_window"`
	// Penalties per unresolved anomaly candidate, by severity.
	PenaltyLow      int `koanf:"penalty_low"`
	PenaltyMedium   int `koanf:"penalty_medium"`
	PenaltyHigh     int `koanf:"penalty_high"`
	PenaltyCritical int `koanf:"penalty_critical"`
	// DecayRecoveryPerDay drifts the score back toward baseline per quiet
	// day, never overshooting.
	DecayRecoveryPerDay int `koanf:"decay_recovery_per_day"`
	// LockShards sizes the per-user mutex shard map.
	LockShards int `koanf:"lock_shards"`
}

// FlagConfig holds the tri-color band boundaries and hysteresis cooldown.
type FlagConfig struct {
	// RedScoreBelow: RED when score < this (or any critical anomaly).
	RedScoreBelow int `koanf:"red_score_below"`
	// YellowScoreBelow: YELLOW when score < this.
	YellowScoreBelow int `koanf:"yellow_score_below"`
	// YellowAnomalyCount: YELLOW when active anomalies >= this.
	YellowAnomalyCount int `koanf:"yellow_anomaly_count"`
	// Cooldown is the no-new-anomaly dwell time required before a flag may
	// improve, preventing flapping on borderline scores.
	Cooldown time.Duration `koanf:"cooldown"`
}

// VelocityConfig classifies raw event rates into low/medium/high.
type VelocityConfig struct {
	HighEventsPerHour     int `koanf:"high_events_per_hour"`
	HighEventsPer5Min     int `koanf:"high_events_per_5min"`
	HighDevicesPerHour    int `koanf:"high_devices_per_hour"`
	MediumEventsPerHour   int `koanf:"medium_events_per_hour"`
	MediumEventsPer5Min   int `koanf:"medium_events_per_5min"`
	MediumDevicesPerHour  int `koanf:"medium_devices_per_hour"`
}

// DetectorConfig groups per-detector threshold policies. Each detector
// encodes its own window and tie-break; these are not interchangeable.
type DetectorConfig struct {
	Cluster               ClusterConfig               `koanf:"cluster"`
	ActionVelocity        ActionVelocityConfig        `koanf:"action_velocity"`
	ReferralDiversity     ReferralDiversityConfig     `koanf:"referral_diversity"`
	DuplicateContent      DuplicateContentConfig      `koanf:"duplicate_content"`
	LoginVelocity         LoginVelocityConfig         `koanf:"login_velocity"`
	DeviceSwitching       DeviceSwitchingConfig       `koanf:"device_switching"`
	FingerprintConfidence FingerprintConfidenceConfig `koanf:"fingerprint_confidence"`
}

// ClusterConfig configures same-IP/device signup clustering.
type ClusterConfig struct {
	Window           time.Duration `koanf:"window"`
	SignupsPerIP     int           `koanf:"signups_per_ip"`
	SignupsPerDevice int           `koanf:"signups_per_device"`
	// EscalateSize is the cluster size past which severity escalates.
	EscalateSize int `koanf:"escalate_size"`
}

// ActionVelocityConfig configures wallet-connect/listing velocity.
type ActionVelocityConfig struct {
	Window       time.Duration `koanf:"window"`
	MaxPerWindow int           `koanf:"max_per_window"`
}

// ReferralDiversityConfig configures referral-spam detection.
type ReferralDiversityConfig struct {
	Window       time.Duration `koanf:"window"`
	MaxReferrals int           `koanf:"max_referrals"`
	// MinDiversity is the IP/device diversity ratio below which a user's
	// referred set looks self-generated.
	MinDiversity float64 `koanf:"min_diversity"`
}

// DuplicateContentConfig configures duplicate-upload detection.
type DuplicateContentConfig struct {
	Window     time.Duration `koanf:"window"`
	MaxUploads int           `koanf:"max_uploads"`
}

// LoginVelocityConfig configures per-IP login velocity.
type LoginVelocityConfig struct {
	Window    time.Duration `koanf:"window"`
	MaxPerIP  int           `koanf:"max_per_ip"`
}

// DeviceSwitchingConfig configures device-hash churn detection.
type DeviceSwitchingConfig struct {
	Window     time.Duration `koanf:"window"`
	MaxDevices int           `koanf:"max_devices"`
}

// FingerprintConfidenceConfig configures the low-confidence floor.
type FingerprintConfidenceConfig struct {
	// Floor is the confidence below which events are down-weighted. They
	// still count toward velocity and never cause rejection alone.
	Floor float64 `koanf:"floor"`
}

// DeliveryConfig configures the at-least-once notification dispatcher.
type DeliveryConfig struct {
	InitialBackoff time.Duration `koanf:"initial_backoff"`
	BackoffFactor  float64       `koanf:"backoff_factor"`
	MaxBackoff     time.Duration `koanf:"max_backoff"`
	MaxAttempts    int           `koanf:"max_attempts"`
	// DispatchRate / DispatchBurst bound outbound sends per second.
	DispatchRate  float64 `koanf:"dispatch_rate"`
	DispatchBurst int     `koanf:"dispatch_burst"`
	// WALDir is the badger directory persisting pending deliveries across
	// restarts. Empty disables the WAL (tests).
	WALDir string `koanf:"wal_dir"`
	// Endpoints are the downstream consumers of flag/score changes.
	Endpoints []EndpointConfig `koanf:"endpoints"`
}

// EndpointConfig is one downstream delivery target.
type EndpointConfig struct {
	Name string `koanf:"name"`
	URL  string `koanf:"url"`
	// Kinds filters which notification kinds this endpoint receives
	// (flag_change, escalation). Empty means all.
	Kinds   []string      `koanf:"kinds"`
	Timeout time.Duration `koanf:"timeout"`
}

// CacheConfig sizes the gatekeeper-facing caches.
type CacheConfig struct {
	FlagTTL       time.Duration `koanf:"flag_ttl"`
	FlagCapacity  int           `koanf:"flag_capacity"`
	ScoreTTL      time.Duration `koanf:"score_ttl"`
	ScoreCapacity int           `koanf:"score_capacity"`
}

// SchedulerConfig sets the periodic job cadences.
type SchedulerConfig struct {
	// PopulationInterval re-runs population-wide detectors.
	PopulationInterval time.Duration `koanf:"population_interval"`
	// RecomputeInterval re-runs full score recomputation with decay.
	RecomputeInterval time.Duration `koanf:"recompute_interval"`
	// RollupInterval aggregates the daily statistics.
	RollupInterval time.Duration `koanf:"rollup_interval"`
	// AnomalyExpiry auto-resolves anomaly candidates older than this.
	AnomalyExpiry time.Duration `koanf:"anomaly_expiry"`
}

// Default returns the built-in configuration. These values mirror the
// documented operating point; deployments override them via file or env.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8460,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			CORSOrigins:     []string{"*"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Database: DatabaseConfig{
			Path:         "/data/trustgate.duckdb",
			MaxOpenConns: 4,
		},
		Auth: AuthConfig{
			JWTSecret: "",
			Disabled:  false,
		},
		Ingest: IngestConfig{
			DedupWindow:   2 * time.Minute,
			DedupCapacity: 100000,
			RateLimit:     100,
			RateWindow:    time.Minute,
		},
		Scoring: ScoringConfig{
			AccountAgeBonusDays: 10,
			AccountAgeBonusCap:  10,
			RiskFlagPenalty:     2,
			RiskFlagWindow:      30 * 24 * time.Hour,
			PenaltyLow:          2,
			PenaltyMedium:       5,
			PenaltyHigh:         15,
			PenaltyCritical:     30,
			DecayRecoveryPerDay: 1,
			LockShards:          64,
		},
		Flags: FlagConfig{
			RedScoreBelow:      40,
			YellowScoreBelow:   70,
			YellowAnomalyCount: 2,
			Cooldown:           24 * time.Hour,
		},
		Velocity: VelocityConfig{
			HighEventsPerHour:    15,
			HighEventsPer5Min:    10,
			HighDevicesPerHour:   2,
			MediumEventsPerHour:  8,
			MediumEventsPer5Min:  5,
			MediumDevicesPerHour: 1,
		},
		Detectors: DetectorConfig{
			Cluster: ClusterConfig{
				Window:           time.Hour,
				SignupsPerIP:     5,
				SignupsPerDevice: 3,
				EscalateSize:     10,
			},
			ActionVelocity: ActionVelocityConfig{
				Window:       time.Minute,
				MaxPerWindow: 5,
			},
			ReferralDiversity: ReferralDiversityConfig{
				Window:       time.Hour,
				MaxReferrals: 20,
				MinDiversity: 0.3,
			},
			DuplicateContent: DuplicateContentConfig{
				Window:     24 * time.Hour,
				MaxUploads: 3,
			},
			LoginVelocity: LoginVelocityConfig{
				Window:   5 * time.Minute,
				MaxPerIP: 10,
			},
			DeviceSwitching: DeviceSwitchingConfig{
				Window:     24 * time.Hour,
				MaxDevices: 5,
			},
			FingerprintConfidence: FingerprintConfidenceConfig{
				Floor: 0.3,
			},
		},
		Delivery: DeliveryConfig{
			InitialBackoff: time.Second,
			BackoffFactor:  2.0,
			MaxBackoff:     30 * time.Second,
			MaxAttempts:    5,
			DispatchRate:   50,
			DispatchBurst:  10,
			WALDir:         "/data/delivery-wal",
			Endpoints:      []EndpointConfig{},
		},
		Cache: CacheConfig{
			FlagTTL:       30 * time.Second,
			FlagCapacity:  50000,
			ScoreTTL:      30 * time.Second,
			ScoreCapacity: 50000,
		},
		Scheduler: SchedulerConfig{
			PopulationInterval: time.Hour,
			RecomputeInterval:  24 * time.Hour,
			RollupInterval:     24 * time.Hour,
			AnomalyExpiry:      7 * 24 * time.Hour,
		},
	}
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if !c.Auth.Disabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret required unless auth.disabled is set")
	}
	if c.Scoring.LockShards <= 0 {
		return fmt.Errorf("scoring.lock_shards must be positive")
	}
	if c.Flags.RedScoreBelow >= c.Flags.YellowScoreBelow {
		return fmt.Errorf("flags.red_score_below (%d) must be below flags.yellow_score_below (%d)",
			c.Flags.RedScoreBelow, c.Flags.YellowScoreBelow)
	}
	if c.Flags.Cooldown < 0 {
		return fmt.Errorf("flags.cooldown must not be negative")
	}
	if c.Delivery.MaxAttempts <= 0 {
		return fmt.Errorf("delivery.max_attempts must be positive")
	}
	if c.Delivery.BackoffFactor < 1 {
		return fmt.Errorf("delivery.backoff_factor must be >= 1")
	}
	if f := c.Detectors.FingerprintConfidence.Floor; f < 0 || f > 1 {
		return fmt.Errorf("detectors.fingerprint_confidence.floor %v out of [0,1]", f)
	}
	if d := c.Detectors.ReferralDiversity.MinDiversity; d < 0 || d > 1 {
		return fmt.Errorf("detectors.referral_diversity.min_diversity %v out of [0,1]", d)
	}
	return nil
}

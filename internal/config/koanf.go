// Trustgate - Behavioral Trust Scoring and Anomaly Flagging
// Copyright 2026 K. Rellis (krellis)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/krellis/trustgate

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "TRUSTGATE_"

// DefaultConfigPaths are probed in order when no explicit path is given.
var DefaultConfigPaths = []string{
	"trustgate.yaml",
	"config/trustgate.yaml",
	"/etc/trustgate/trustgate.yaml",
}

// Load builds the effective configuration by layering, in order of
// increasing precedence: struct defaults, the YAML file at path (or the
// first DefaultConfigPaths entry that exists when path is empty), and
// TRUSTGATE_* environment variables. TRUSTGATE_SERVER_PORT=9000 maps to
// server.port.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path == "" {
		path = os.Getenv(envPrefix + "CONFIG")
	}
	if path == "" {
		for _, p := range DefaultConfigPaths {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// envSections lists the config sections recognized as the leading token of
// an environment variable name. Detector overrides additionally consume the
// detector name, e.g. TRUSTGATE_DETECTORS_CLUSTER__SIGNUPS_PER_IP.
var envSections = map[string]bool{
	"server":    true,
	"logging":   true,
	"database":  true,
	"auth":      true,
	"ingest":    true,
	"scoring":   true,
	"flags":     true,
	"velocity":  true,
	"detectors": true,
	"delivery":  true,
	"cache":     true,
	"scheduler": true,
}

// envTransform maps TRUSTGATE_FLAGS_RED_SCORE_BELOW to flags.red_score_below.
// The first underscore-separated token is the section; the remainder is the
// key, with "__" marking a further nesting boundary since key names
// themselves contain underscores:
//
//	TRUSTGATE_SERVER_PORT                       -> server.port
//	TRUSTGATE_SCORING_PENALTY_HIGH              -> scoring.penalty_high
//	TRUSTGATE_DETECTORS_CLUSTER__SIGNUPS_PER_IP -> detectors.cluster.signups_per_ip
func envTransform(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	parts := strings.SplitN(s, "_", 2)
	if len(parts) < 2 || !envSections[parts[0]] {
		return ""
	}
	key := strings.ReplaceAll(parts[1], "__", ".")
	return parts[0] + "." + key
}

// Trustgate - Behavioral Trust Scoring and Anomaly Flagging
// Copyright 2026 K. Rellis (krellis)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/krellis/trustgate

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/krellis/trustgate/internal/config"
)

// Roles carried in token claims. Ingest tokens are issued to fingerprint
// webhook producers; admin tokens to operators and dashboards.
const (
	RoleIngest = "ingest"
	RoleAdmin  = "admin"
)

var (
	ErrTokenInvalid = errors.New("token invalid")
	ErrTokenExpired = errors.New("token expired")
)

// Claims are the JWT claims Trustgate issues and accepts.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Manager signs and verifies bearer tokens with a shared HS256 secret.
type Manager struct {
	secret []byte
}

// NewManager builds a token manager from config. The secret must be at
// least 32 bytes; shorter secrets are trivially brute-forceable.
func NewManager(cfg *config.AuthConfig) (*Manager, error) {
	if len(cfg.JWTSecret) < 32 {
		return nil, fmt.Errorf("jwt_secret must be at least 32 characters, got %d", len(cfg.JWTSecret))
	}
	return &Manager{secret: []byte(cfg.JWTSecret)}, nil
}

// Generate issues a signed token for the given subject and role.
func (m *Manager) Generate(subject, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Validate parses and verifies a token string. The signing method is pinned
// to HMAC so an attacker cannot downgrade to "none" or swap in an RSA
// public-key confusion.
func (m *Manager) Validate(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !token.Valid {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

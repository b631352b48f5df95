// Trustgate - Behavioral Trust Scoring and Anomaly Flagging
// Copyright 2026 K. Rellis (krellis)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/krellis/trustgate

package flags

import (
	"context"
	"errors"
	"fmt"

	"github.com/krellis/trustgate/internal/cache"
	"github.com/krellis/trustgate/internal/config"
	"github.com/krellis/trustgate/internal/eventstore"
	"github.com/krellis/trustgate/internal/metrics"
	"github.com/krellis/trustgate/internal/models"
)

// Gatekeeper answers the synchronous current-flag read that external access
// decisions block on. An LRU snapshot cache keeps the hot path off the
// database; writes invalidate synchronously through Invalidate, so a stale
// read is only possible inside the TTL, never across an invalidation.
type Gatekeeper struct {
	history HistoryStore
	users   eventstore.UserStore
	cache   *cache.LRU[*models.FlagSnapshot]
}

// NewGatekeeper wires the read path with a snapshot cache per cfg.
func NewGatekeeper(history HistoryStore, users eventstore.UserStore, cfg config.CacheConfig) *Gatekeeper {
	return &Gatekeeper{
		history: history,
		users:   users,
		cache:   cache.NewLRU[*models.FlagSnapshot](cfg.FlagCapacity, cfg.FlagTTL),
	}
}

// CurrentFlag returns the user's current flag color and score. Users with no
// flag history yet report GREEN. Returns models.ErrUserNotFound for unknown
// users.
func (g *Gatekeeper) CurrentFlag(ctx context.Context, userID string) (*models.FlagSnapshot, error) {
	if snap, ok := g.cache.Get(userID); ok {
		metrics.CacheHits.WithLabelValues("flag").Inc()
		return snap, nil
	}
	metrics.CacheMisses.WithLabelValues("flag").Inc()

	user, err := g.users.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	snap := &models.FlagSnapshot{
		UserID: userID,
		Color:  models.FlagGreen,
		Score:  user.TrustScore,
		AsOf:   user.LastScoredAt,
	}
	if snap.AsOf.IsZero() {
		snap.AsOf = user.CreatedAt
	}

	latest, err := g.history.Latest(ctx, userID)
	switch {
	case err == nil:
		snap.Color = latest.Color
		snap.AsOf = latest.CreatedAt
	case errors.Is(err, models.ErrNotFound):
		// New user, GREEN by definition.
	default:
		return nil, fmt.Errorf("failed to load current flag: %w", err)
	}

	g.cache.Set(userID, snap)
	metrics.CacheSize.WithLabelValues("flag").Set(float64(g.cache.Len()))
	return snap, nil
}

// Invalidate drops the cached snapshot for a user. Called synchronously by
// the flag machine and the score engine after every write.
func (g *Gatekeeper) Invalidate(userID string) {
	g.cache.Invalidate(userID)
}

// Warm pre-populates the snapshot cache, used after restart to keep the
// gatekeeper latency budget on the first burst of reads.
func (g *Gatekeeper) Warm(ctx context.Context, userIDs []string) {
	for _, id := range userIDs {
		if ctx.Err() != nil {
			return
		}
		_, _ = g.CurrentFlag(ctx, id)
	}
}

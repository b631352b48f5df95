// Trustgate - Behavioral Trust Scoring and Anomaly Flagging
// Copyright 2026 K. Rellis (krellis)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/krellis/trustgate

package scoring

import (
	"hash/fnv"
	"sync"
)

// userLocks serializes score mutation per user without a global lock. Users
// hashing to the same shard contend with each other, which is acceptable at
// the default shard count.
type userLocks struct {
	shards []sync.Mutex
}

func newUserLocks(n int) *userLocks {
	if n <= 0 {
		n = 64
	}
	return &userLocks{shards: make([]sync.Mutex, n)}
}

func (l *userLocks) shard(userID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return &l.shards[h.Sum32()%uint32(len(l.shards))]
}

func (l *userLocks) Lock(userID string)   { l.shard(userID).Lock() }
func (l *userLocks) Unlock(userID string) { l.shard(userID).Unlock() }

// Trustgate - Behavioral Trust Scoring and Anomaly Flagging
// Copyright 2026 K. Rellis (krellis)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/krellis/trustgate

package delivery

import (
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/krellis/trustgate/internal/logging"
)

// PendingStore persists undelivered items so retries survive a restart.
type PendingStore interface {
	// Put writes or overwrites the item's retry state.
	Put(item *Item) error
	// Delete removes an item once delivered or dead-lettered.
	Delete(id string) error
	// List returns all pending items, used for recovery on start.
	List() ([]*Item, error)
	Close() error
}

const pendingPrefix = "pending:"

// BadgerPendingStore is the durable write-ahead log for pending deliveries.
// Writes are fsynced so an accepted notification survives a crash between
// acceptance and dispatch.
type BadgerPendingStore struct {
	db *badger.DB
}

// OpenPendingStore opens (or creates) the badger WAL at dir.
func OpenPendingStore(dir string) (*BadgerPendingStore, error) {
	opts := badger.DefaultOptions(dir)
	opts.SyncWrites = true
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open delivery WAL: %w", err)
	}
	logging.Info().Str("path", dir).Msg("delivery WAL opened")
	return &BadgerPendingStore{db: db}, nil
}

func (s *BadgerPendingStore) Put(item *Item) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal pending item %s: %w", item.ID, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(pendingPrefix+item.ID), data)
	})
	if err != nil {
		return fmt.Errorf("persist pending item %s: %w", item.ID, err)
	}
	return nil
}

func (s *BadgerPendingStore) Delete(id string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(pendingPrefix + id))
	})
	if err != nil {
		return fmt.Errorf("delete pending item %s: %w", id, err)
	}
	return nil
}

func (s *BadgerPendingStore) List() ([]*Item, error) {
	var items []*Item
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(pendingPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var item Item
				if err := json.Unmarshal(val, &item); err != nil {
					// A corrupt entry must not block recovery of the rest.
					logging.Error().Err(err).
						Str("key", string(it.Item().Key())).
						Msg("skipping corrupt delivery WAL entry")
					return nil
				}
				items = append(items, &item)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list pending items: %w", err)
	}
	return items, nil
}

func (s *BadgerPendingStore) Close() error {
	return s.db.Close()
}

// MemoryPendingStore keeps retry state in memory only. Used when no WAL
// directory is configured and in tests.
type MemoryPendingStore struct {
	mu    sync.Mutex
	items map[string]*Item
}

func NewMemoryPendingStore() *MemoryPendingStore {
	return &MemoryPendingStore{items: make(map[string]*Item)}
}

func (s *MemoryPendingStore) Put(item *Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *item
	s.items[item.ID] = &clone
	return nil
}

func (s *MemoryPendingStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, id)
	return nil
}

func (s *MemoryPendingStore) List() ([]*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]*Item, 0, len(s.items))
	for _, item := range s.items {
		clone := *item
		items = append(items, &clone)
	}
	return items, nil
}

func (s *MemoryPendingStore) Close() error { return nil }

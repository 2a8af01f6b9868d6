// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const checkpointPrefix = "checkpoint:"

// BadgerStore is the document-store implementation of Store.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger
}

var _ Store = (*BadgerStore)(nil)

// NewBadgerStore opens (or creates) a checkpoint store at dir.
func NewBadgerStore(dir string, logger *slog.Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	// Checkpoints are the crash-recovery cursor; losing one replays
	// work but never loses it, so sync writes stay on.
	opts.SyncWrites = true
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint storage: %w", err)
	}

	return &BadgerStore{db: db, logger: logger}, nil
}

// NewBadgerStoreWithDB wraps an already-open database, for callers
// sharing one badger instance across stores.
func NewBadgerStoreWithDB(db *badger.DB, logger *slog.Logger) *BadgerStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &BadgerStore{db: db, logger: logger}
}

func (s *BadgerStore) Get(ctx context.Context, key string) ([]byte, error) {
	var token []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(checkpointPrefix + key))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return nil
			}
			return err
		}
		return item.Value(func(val []byte) error {
			var rec Record
			if err := json.Unmarshal(val, &rec); err != nil {
				s.logger.Warn("Corrupt checkpoint record", "key", key, "error", err)
				return fmt.Errorf("%w for %s: %v", ErrCorrupt, key, err)
			}
			token = rec.Token
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, ErrCorrupt) {
			return nil, err
		}
		return nil, fmt.Errorf("checkpoint read failed for %s: %w", key, err)
	}
	return token, nil
}

func (s *BadgerStore) Save(ctx context.Context, key string, token []byte) error {
	rec := Record{
		Key:       key,
		Token:     token,
		UpdatedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(checkpointPrefix+key), data)
	})
	if err != nil {
		return fmt.Errorf("checkpoint write failed for %s: %w", key, err)
	}
	return nil
}

func (s *BadgerStore) Clear(ctx context.Context, key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(checkpointPrefix + key))
	})
	if err != nil {
		return fmt.Errorf("checkpoint delete failed for %s: %w", key, err)
	}
	return nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

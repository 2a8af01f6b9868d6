// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const etcdKeyPrefix = "/dispatch/checkpoints/"

// EtcdStore is the key-value-cache implementation of Store, for
// deployments that already run etcd and want checkpoints off the
// local disk.
type EtcdStore struct {
	client *clientv3.Client
	logger *slog.Logger
}

var _ Store = (*EtcdStore)(nil)

// NewEtcdStore connects to the given etcd endpoints.
func NewEtcdStore(endpoints []string, dialTimeout time.Duration, logger *slog.Logger) (*EtcdStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	return &EtcdStore{client: client, logger: logger}, nil
}

func (s *EtcdStore) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := s.client.Get(ctx, etcdKeyPrefix+key)
	if err != nil {
		return nil, fmt.Errorf("checkpoint read failed for %s: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, nil
	}

	var rec Record
	if err := json.Unmarshal(resp.Kvs[0].Value, &rec); err != nil {
		s.logger.Warn("Corrupt checkpoint record", "key", key, "error", err)
		return nil, fmt.Errorf("%w for %s: %v", ErrCorrupt, key, err)
	}
	return rec.Token, nil
}

func (s *EtcdStore) Save(ctx context.Context, key string, token []byte) error {
	rec := Record{
		Key:       key,
		Token:     token,
		UpdatedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	if _, err := s.client.Put(ctx, etcdKeyPrefix+key, string(data)); err != nil {
		return fmt.Errorf("checkpoint write failed for %s: %w", key, err)
	}
	return nil
}

func (s *EtcdStore) Clear(ctx context.Context, key string) error {
	if _, err := s.client.Delete(ctx, etcdKeyPrefix+key); err != nil {
		return fmt.Errorf("checkpoint delete failed for %s: %w", key, err)
	}
	return nil
}

func (s *EtcdStore) Close() error {
	return s.client.Close()
}

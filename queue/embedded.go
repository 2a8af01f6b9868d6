// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/zstd"
)

const (
	embeddedMaxBatch = 100
	// dedupWindow matches the content-dedup window of managed FIFO
	// queues: a duplicate body republished within it is dropped.
	dedupWindow = 5 * time.Minute

	msgPrefix   = "m:"
	dedupPrefix = "d:"
)

// record is the durable form of a queued message.
type record struct {
	ID         string            `json:"id"`
	BatchID    string            `json:"batchId,omitempty"`
	GroupID    string            `json:"groupId"`
	Body       []byte            `json:"body"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Compressed bool              `json:"compressed,omitempty"`
	EnqueuedAt time.Time         `json:"enqueuedAt"`
}

// EmbeddedPublisher is the single-node fallback queue: a durable
// BadgerDB-backed FIFO with per-group ordering and content-based
// deduplication. Sequence numbers assign a global FIFO order; group
// order follows from it.
type EmbeddedPublisher struct {
	db       *badger.DB
	seq      *badger.Sequence
	dedup    bool
	maxBatch int
	logger   *slog.Logger

	depth  atomic.Int64
	closed atomic.Bool

	compress bool
	enc      *zstd.Encoder
	dec      *zstd.Decoder

	mu sync.Mutex // serializes multi-key enqueue transactions
}

var _ Publisher = (*EmbeddedPublisher)(nil)

// NewEmbeddedPublisher opens (or creates) the file-backed queue at
// cfg.StoragePath.
func NewEmbeddedPublisher(cfg Config, logger *slog.Logger) (*EmbeddedPublisher, error) {
	opts := badger.DefaultOptions(cfg.StoragePath)
	opts.Logger = nil
	// Queue messages survive redelivery; async writes trade fsync
	// latency for throughput the same way the broker stores do.
	opts.SyncWrites = false
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded queue storage: %w", err)
	}

	seq, err := db.GetSequence([]byte("seq"), 128)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open sequence: %w", err)
	}

	maxBatch := cfg.MaxBatchSize
	if maxBatch <= 0 || maxBatch > embeddedMaxBatch {
		maxBatch = embeddedMaxBatch
	}

	p := &EmbeddedPublisher{
		db:       db,
		seq:      seq,
		dedup:    cfg.Dedup,
		maxBatch: maxBatch,
		logger:   logger,
		compress: cfg.Compression,
	}

	if cfg.Compression {
		if p.enc, err = zstd.NewWriter(nil); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		if p.dec, err = zstd.NewReader(nil); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
	}

	// Recount surviving messages so Depth is correct after restart.
	count, err := p.countMessages()
	if err != nil {
		p.Close()
		return nil, err
	}
	p.depth.Store(count)

	return p, nil
}

func (p *EmbeddedPublisher) Publish(ctx context.Context, msg *Message) (*PublishResult, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	deduped, err := p.enqueue(msg)
	if err != nil {
		return nil, err
	}
	return &PublishResult{MessageID: msg.ID, Deduped: deduped}, nil
}

func (p *EmbeddedPublisher) PublishBatch(ctx context.Context, msgs []*Message) (*BatchResult, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	if len(msgs) == 0 {
		return nil, ErrEmptyBatch
	}
	if len(msgs) > p.maxBatch {
		return nil, fmt.Errorf("batch of %d exceeds max batch size %d", len(msgs), p.maxBatch)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	result := &BatchResult{}
	for _, msg := range msgs {
		if _, err := p.enqueue(msg); err != nil {
			result.Failed = append(result.Failed, BatchEntry{ID: msg.ID, Err: err})
			continue
		}
		result.Successful = append(result.Successful, BatchEntry{ID: msg.ID})
	}
	return result, nil
}

// enqueue writes one message. Returns true when dropped as a
// duplicate within the dedup window.
func (p *EmbeddedPublisher) enqueue(msg *Message) (bool, error) {
	if p.dedup {
		dup, err := p.isDuplicate(msg.Body)
		if err != nil {
			return false, err
		}
		if dup {
			return true, nil
		}
	}

	n, err := p.seq.Next()
	if err != nil {
		return false, fmt.Errorf("failed to advance sequence: %w", err)
	}

	rec := record{
		ID:         msg.ID,
		BatchID:    msg.BatchID,
		GroupID:    msg.GroupID,
		Body:       msg.Body,
		Attributes: msg.Attributes,
		EnqueuedAt: time.Now().UTC(),
	}
	if p.compress && len(msg.Body) > 0 {
		rec.Body = p.enc.EncodeAll(msg.Body, nil)
		rec.Compressed = true
	}

	data, err := json.Marshal(&rec)
	if err != nil {
		return false, fmt.Errorf("failed to marshal record: %w", err)
	}

	err = p.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(msgKey(n), data); err != nil {
			return err
		}
		if p.dedup {
			entry := badger.NewEntry(dedupKey(msg.Body), nil).WithTTL(dedupWindow)
			return txn.SetEntry(entry)
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to enqueue message: %w", err)
	}

	p.depth.Add(1)
	return false, nil
}

func (p *EmbeddedPublisher) isDuplicate(body []byte) (bool, error) {
	var dup bool
	err := p.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(dedupKey(body))
		if err == nil {
			dup = true
			return nil
		}
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	})
	if err != nil {
		return false, fmt.Errorf("dedup lookup failed: %w", err)
	}
	return dup, nil
}

// Dequeue removes and returns up to max messages in FIFO order. It is
// the consuming half of the embedded fallback. Messages whose
// visibility delay has not elapsed are skipped but stay queued.
// Dequeuing releases the message's dedup key: dedup guards against
// duplicate enqueues, never against the redelivery of a nacked
// message.
func (p *EmbeddedPublisher) Dequeue(ctx context.Context, max int) ([]*Message, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	if max <= 0 {
		max = 1
	}

	now := time.Now()
	var out []*Message
	err := p.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(msgPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix) && len(out) < max; it.Next() {
			item := it.Item()
			var rec record
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}

			if !visibleAt(rec.Attributes, now) {
				continue
			}

			body := rec.Body
			if rec.Compressed {
				decoded, err := p.dec.DecodeAll(rec.Body, nil)
				if err != nil {
					return fmt.Errorf("failed to decompress message %s: %w", rec.ID, err)
				}
				body = decoded
			}

			out = append(out, &Message{
				ID:         rec.ID,
				BatchID:    rec.BatchID,
				GroupID:    rec.GroupID,
				Body:       body,
				Attributes: rec.Attributes,
			})

			if err := txn.Delete(item.KeyCopy(nil)); err != nil {
				return err
			}
			if p.dedup {
				if err := txn.Delete(dedupKey(body)); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dequeue failed: %w", err)
	}

	p.depth.Add(int64(-len(out)))
	return out, nil
}

func (p *EmbeddedPublisher) Depth(ctx context.Context) (int64, error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}
	return p.depth.Load(), nil
}

func (p *EmbeddedPublisher) Type() Type { return TypeEmbedded }

func (p *EmbeddedPublisher) Healthy(ctx context.Context) bool {
	return !p.closed.Load() && !p.db.IsClosed()
}

func (p *EmbeddedPublisher) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	if p.seq != nil {
		if err := p.seq.Release(); err != nil {
			p.logger.Warn("Failed to release sequence", "error", err)
		}
	}
	if p.enc != nil {
		p.enc.Close()
	}
	if p.dec != nil {
		p.dec.Close()
	}
	return p.db.Close()
}

func (p *EmbeddedPublisher) countMessages() (int64, error) {
	var count int64
	err := p.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(msgPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}

// msgKey orders messages by sequence number using a big-endian
// encoding so the iterator walks them FIFO.
func msgKey(seq uint64) []byte {
	key := make([]byte, len(msgPrefix)+8)
	copy(key, msgPrefix)
	binary.BigEndian.PutUint64(key[len(msgPrefix):], seq)
	return key
}

func dedupKey(body []byte) []byte {
	return append([]byte(dedupPrefix), contentDedupID(body)...)
}

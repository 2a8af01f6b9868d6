// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryPublisher mirrors the embedded backend's semantics (FIFO,
// content dedup, batch 100) without persistence. Intended for tests
// and ephemeral single-process use.
type MemoryPublisher struct {
	mu       sync.Mutex
	messages []*Message
	dedupSet map[string]time.Time
	dedup    bool
	maxBatch int
	closed   bool
}

var _ Publisher = (*MemoryPublisher)(nil)

// NewMemoryPublisher creates an in-memory publisher.
func NewMemoryPublisher(cfg Config) *MemoryPublisher {
	maxBatch := cfg.MaxBatchSize
	if maxBatch <= 0 || maxBatch > embeddedMaxBatch {
		maxBatch = embeddedMaxBatch
	}
	return &MemoryPublisher{
		dedupSet: make(map[string]time.Time),
		dedup:    cfg.Dedup,
		maxBatch: maxBatch,
	}
}

func (p *MemoryPublisher) Publish(ctx context.Context, msg *Message) (*PublishResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrClosed
	}
	if p.isDuplicate(msg.Body) {
		return &PublishResult{MessageID: msg.ID, Deduped: true}, nil
	}

	p.messages = append(p.messages, msg)
	return &PublishResult{MessageID: msg.ID}, nil
}

func (p *MemoryPublisher) PublishBatch(ctx context.Context, msgs []*Message) (*BatchResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrClosed
	}
	if len(msgs) == 0 {
		return nil, ErrEmptyBatch
	}
	if len(msgs) > p.maxBatch {
		return nil, fmt.Errorf("batch of %d exceeds max batch size %d", len(msgs), p.maxBatch)
	}

	result := &BatchResult{}
	for _, msg := range msgs {
		if p.isDuplicate(msg.Body) {
			result.Successful = append(result.Successful, BatchEntry{ID: msg.ID})
			continue
		}
		p.messages = append(p.messages, msg)
		result.Successful = append(result.Successful, BatchEntry{ID: msg.ID})
	}
	return result, nil
}

// Dequeue removes and returns up to max messages in FIFO order,
// skipping messages whose visibility delay has not elapsed. The dedup
// entry of a dequeued message is released so a nack can republish it.
func (p *MemoryPublisher) Dequeue(ctx context.Context, max int) ([]*Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrClosed
	}
	if max <= 0 {
		max = 1
	}

	now := time.Now()
	var out []*Message
	remaining := p.messages[:0]
	for _, msg := range p.messages {
		if len(out) < max && visibleAt(msg.Attributes, now) {
			out = append(out, msg)
			if p.dedup {
				delete(p.dedupSet, contentDedupID(msg.Body))
			}
			continue
		}
		remaining = append(remaining, msg)
	}
	p.messages = remaining
	return out, nil
}

func (p *MemoryPublisher) Depth(ctx context.Context) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, ErrClosed
	}
	return int64(len(p.messages)), nil
}

func (p *MemoryPublisher) Type() Type { return TypeMemory }

func (p *MemoryPublisher) Healthy(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed
}

func (p *MemoryPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.messages = nil
	return nil
}

// isDuplicate records and checks the content hash, expiring entries
// past the dedup window. Caller holds the lock.
func (p *MemoryPublisher) isDuplicate(body []byte) bool {
	if !p.dedup {
		return false
	}

	key := contentDedupID(body)
	now := time.Now()
	if seen, ok := p.dedupSet[key]; ok && now.Sub(seen) < dedupWindow {
		return true
	}
	p.dedupSet[key] = now
	return false
}

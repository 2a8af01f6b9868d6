// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package stream drives resumable change-log consumers. Each consumer
// pulls ordered event batches, bounds how much work is in flight, and
// advances a durable checkpoint only over a contiguous completed
// prefix, so a crash never skips unacknowledged work.
package stream

import (
	"context"
	"sync"
	"time"
)

// Event is one change-log entry.
type Event struct {
	ID        string
	Payload   []byte
	Timestamp time.Time
}

// Batch is an ordered slice of events plus the opaque resume token
// positioned immediately after the batch.
type Batch struct {
	Events []Event
	Token  []byte
}

// ChangeLog is the ordered change-log source a consumer reads. The
// token format is backend-defined and opaque to the consumer.
type ChangeLog interface {
	// Open positions the log. A nil resumeToken starts from the
	// beginning.
	Open(ctx context.Context, resumeToken []byte) error
	// Next blocks until the next batch is available, ctx is done, or
	// the log fails. Any error other than ctx's is fatal to the
	// stream.
	Next(ctx context.Context) (*Batch, error)
	Close() error
}

// BatchHandler processes one batch. Batches may be handled
// concurrently and complete out of order; delivery is at-least-once,
// so handlers must be idempotent.
type BatchHandler func(ctx context.Context, events []Event) error

// MemoryChangeLog is a channel-fed ChangeLog for tests and embedded
// single-process pipelines.
type MemoryChangeLog struct {
	batches chan *Batch

	mu     sync.Mutex
	failed error
	closed bool
}

var _ ChangeLog = (*MemoryChangeLog)(nil)

// NewMemoryChangeLog creates a log buffering up to size batches.
func NewMemoryChangeLog(size int) *MemoryChangeLog {
	if size <= 0 {
		size = 16
	}
	return &MemoryChangeLog{batches: make(chan *Batch, size)}
}

// Append feeds a batch to the log. It blocks when the buffer is full.
func (l *MemoryChangeLog) Append(b *Batch) {
	l.batches <- b
}

// Fail makes all subsequent Next calls return err, simulating a
// broken change-log connection.
func (l *MemoryChangeLog) Fail(err error) {
	l.mu.Lock()
	l.failed = err
	l.mu.Unlock()
}

func (l *MemoryChangeLog) Open(ctx context.Context, resumeToken []byte) error {
	return nil
}

func (l *MemoryChangeLog) Next(ctx context.Context) (*Batch, error) {
	l.mu.Lock()
	if l.failed != nil {
		err := l.failed
		l.mu.Unlock()
		return nil, err
	}
	l.mu.Unlock()

	select {
	case b := <-l.batches:
		l.mu.Lock()
		failed := l.failed
		l.mu.Unlock()
		if failed != nil {
			return nil, failed
		}
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *MemoryChangeLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

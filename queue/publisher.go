// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package queue abstracts publishing over heterogeneous backend
// queues. Each backend variant independently satisfies the Publisher
// capability set and is selected by configuration, never inherited.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"
)

var (
	ErrClosed           = errors.New("publisher is closed")
	ErrEmptyBatch       = errors.New("batch contains no messages")
	ErrDepthUnavailable = errors.New("queue depth not available for this backend")
)

// Type identifies a queue backend.
type Type string

const (
	TypeSQS      Type = "sqs"
	TypeMQTT     Type = "mqtt"
	TypeEmbedded Type = "embedded"
	TypeMemory   Type = "memory"
)

// AttrNotVisibleBefore delays redelivery on the local backends: a
// message whose value (unix milliseconds) is still in the future is
// skipped by Dequeue but stays durably queued. Managed backends have
// their own visibility mechanics and ignore it.
const AttrNotVisibleBefore = "not_visible_before"

// visibleAt reports whether a message's visibility delay, if any, has
// elapsed. An unparseable value never hides a message.
func visibleAt(attrs map[string]string, now time.Time) bool {
	v := attrs[AttrNotVisibleBefore]
	if v == "" {
		return true
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return true
	}
	return now.UnixMilli() >= ms
}

// Message is a message to be published to a backend queue.
type Message struct {
	ID         string
	BatchID    string
	GroupID    string // partition key; ordering is preserved within it
	Body       []byte
	Attributes map[string]string
}

// PublishResult reports the outcome of a single publish.
type PublishResult struct {
	MessageID string // backend-assigned id when available
	Deduped   bool   // true when the backend dropped a duplicate
}

// BatchEntry reports the outcome for one message of a batch.
type BatchEntry struct {
	ID  string // caller-supplied message id
	Err error  // nil on success
}

// BatchResult carries per-message outcomes. Partial success is
// representable: callers must inspect Failed rather than assume
// all-or-nothing.
type BatchResult struct {
	Successful []BatchEntry
	Failed     []BatchEntry
}

// AllSucceeded reports whether every message was accepted.
func (r *BatchResult) AllSucceeded() bool {
	return len(r.Failed) == 0
}

// Publisher is the capability set shared by all backend variants.
type Publisher interface {
	Publish(ctx context.Context, msg *Message) (*PublishResult, error)
	PublishBatch(ctx context.Context, msgs []*Message) (*BatchResult, error)
	// Depth returns the approximate number of queued messages.
	// Backends without depth visibility return ErrDepthUnavailable.
	Depth(ctx context.Context) (int64, error)
	Type() Type
	Healthy(ctx context.Context) bool
	Close() error
}

// Config selects and configures a backend variant.
type Config struct {
	Type         Type
	QueueURL     string // sqs
	QueueName    string
	BrokerURL    string // mqtt
	FIFO         bool
	Dedup        bool
	MaxBatchSize int
	StoragePath  string // embedded
	Compression  bool   // embedded
}

// New constructs the publisher variant selected by cfg.Type.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Type {
	case TypeSQS:
		return NewSQSPublisher(ctx, cfg, logger)
	case TypeMQTT:
		return NewMQTTPublisher(cfg, logger)
	case TypeEmbedded:
		return NewEmbeddedPublisher(cfg, logger)
	case TypeMemory:
		return NewMemoryPublisher(cfg), nil
	default:
		return nil, fmt.Errorf("unknown queue type: %s", cfg.Type)
	}
}

// chunk splits msgs into slices of at most size.
func chunk(msgs []*Message, size int) [][]*Message {
	if size <= 0 {
		size = 1
	}
	var out [][]*Message
	for len(msgs) > size {
		out = append(out, msgs[:size])
		msgs = msgs[size:]
	}
	if len(msgs) > 0 {
		out = append(out, msgs)
	}
	return out
}

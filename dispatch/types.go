// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"time"
)

// Outcome classifies the result of a single delivery attempt.
type Outcome int

const (
	// Success means the downstream target accepted the message.
	Success Outcome = iota
	// ErrorConfig means the target rejected the message for reasons
	// that will not change on retry. The message is acknowledged and
	// dropped to prevent poison-message loops.
	ErrorConfig
	// ErrorProcess means a transient failure (network, 5xx, timeout).
	// The message is negative-acknowledged for retry and the owning
	// (batch, group) pair is marked failed.
	ErrorProcess
	// Deferred means a dependency or precondition is not yet
	// satisfied. Retried after a short visibility delay without
	// poisoning the rest of the batch.
	Deferred
	// BatchFailed means an earlier message in the same batch and
	// group already failed; treated like ErrorProcess.
	BatchFailed
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case ErrorConfig:
		return "error_config"
	case ErrorProcess:
		return "error_process"
	case Deferred:
		return "deferred"
	case BatchFailed:
		return "batch_failed"
	default:
		return "unknown"
	}
}

// Result is produced once per delivery attempt by the processor.
type Result struct {
	Outcome Outcome
	Status  int // HTTP status code when applicable
	Err     error
}

// Message is a dispatch pointer pulled from a queue. It is owned
// transiently by the pool for the duration of processing and is not
// persisted by the core.
type Message struct {
	ID              string
	BrokerMessageID string // queue-assigned id, used for redelivery dedup
	BatchID         string
	GroupID         string // partition key: delivery order is preserved within it
	Target          string
	AuthToken       string
	ContentType     string
	Payload         []byte
	Headers         map[string]string
	TimeoutSeconds  int

	// Acknowledgement callbacks wired by the queue integration.
	AckFunc       func() error
	NackFunc      func() error
	NackDelayFunc func(time.Duration) error
}

// Processor delivers a message to its downstream target and
// classifies the outcome. The pool measures latency around it.
type Processor interface {
	Process(ctx context.Context, msg *Message) Result
}

// MetricsRecorder receives pool and routing metric events. All
// methods must be safe for concurrent use; a nil recorder disables
// recording.
type MetricsRecorder interface {
	RecordProcessed(ctx context.Context, pool, outcome string)
	RecordSuccess(ctx context.Context, pool string, latencyMs float64)
	RecordFailure(ctx context.Context, pool string)
	RecordDeferred(ctx context.Context, pool string)
	RecordDeduped(ctx context.Context)
	RecordRateLimited(ctx context.Context, pool string)
	WorkerStarted(ctx context.Context, pool string)
	WorkerFinished(ctx context.Context, pool string)
	QueueDepthChanged(ctx context.Context, pool string, delta int64)
}

// Callback receives acknowledgement decisions from a pool. The
// manager uses it to clean pipeline tracking before issuing the
// underlying queue ack or nack.
type Callback interface {
	Ack(msg *Message)
	Nack(msg *Message)
	NackDelay(msg *Message, delay time.Duration)
}

// PoolConfig configures one logical processing pool. Only the rate
// limit may be changed on a live pool; changing concurrency requires
// a drain-and-swap of the pool instance.
type PoolConfig struct {
	Code               string
	Concurrency        int
	QueueCapacity      int
	RateLimitPerMinute *int
}

// Default pool sizing.
const (
	DefaultConcurrency      = 20
	QueueCapacityMultiplier = 2
	MinQueueCapacity        = 50
	DefaultPoolCode         = "default"

	// DeferredVisibilityDelay is how long a deferred message stays
	// invisible before redelivery.
	DeferredVisibilityDelay = 30 * time.Second
)

// DefaultQueueCapacity returns the backpressure ceiling for a pool
// with the given concurrency.
func DefaultQueueCapacity(concurrency int) int {
	capacity := concurrency * QueueCapacityMultiplier
	if capacity < MinQueueCapacity {
		capacity = MinQueueCapacity
	}
	return capacity
}

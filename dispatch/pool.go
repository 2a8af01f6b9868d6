// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/dispatch/ratelimit"
)

// State is the lifecycle state of a processing pool.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// PoolOptions tune pool behavior outside the per-pool configuration.
type PoolOptions struct {
	// ShutdownTimeout bounds how long Shutdown waits for in-flight
	// work to finish before clearing state.
	ShutdownTimeout time.Duration
	// DrainPollInterval is how often drain progress is checked.
	DrainPollInterval time.Duration
	// Metrics, when non-nil, receives per-delivery metric events.
	Metrics MetricsRecorder
}

// DefaultPoolOptions returns the default shutdown tuning.
func DefaultPoolOptions() PoolOptions {
	return PoolOptions{
		ShutdownTimeout:   30 * time.Second,
		DrainPollInterval: 100 * time.Millisecond,
	}
}

// ProcessPool owns a bounded worker budget for one logical dispatch
// pool. It routes submitted messages to per-group handlers, applies
// rate limiting, classifies outcomes into acknowledgements, and
// tracks statistics.
//
// Within one group, deliveries occur strictly in submission order,
// one at a time. Across groups, execution is parallel up to the
// configured concurrency.
type ProcessPool struct {
	code        string
	concurrency int
	capacity    int
	opts        PoolOptions

	state  atomic.Int32
	queued atomic.Int64

	sem chan struct{}

	handlersMu sync.Mutex
	handlers   map[string]*groupHandler

	// failedGroups marks (batchID, groupID) pairs whose retriable
	// failure must short-circuit later same-key messages in the
	// batch, preserving order.
	failedGroups sync.Map

	limiter atomic.Pointer[ratelimit.Limiter]

	processor Processor
	callback  Callback
	stats     *Stats
	metrics   MetricsRecorder
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewProcessPool creates a pool and places it directly into the
// running state. Concurrency must be positive; a non-positive queue
// capacity falls back to max(2*concurrency, 50).
func NewProcessPool(cfg PoolConfig, processor Processor, callback Callback, opts PoolOptions, logger *slog.Logger) *ProcessPool {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultQueueCapacity(cfg.Concurrency)
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultPoolOptions().ShutdownTimeout
	}
	if opts.DrainPollInterval <= 0 {
		opts.DrainPollInterval = DefaultPoolOptions().DrainPollInterval
	}

	ctx, cancel := context.WithCancel(context.Background())

	p := &ProcessPool{
		code:        cfg.Code,
		concurrency: cfg.Concurrency,
		capacity:    cfg.QueueCapacity,
		opts:        opts,
		sem:         make(chan struct{}, cfg.Concurrency),
		handlers:    make(map[string]*groupHandler),
		processor:   processor,
		callback:    callback,
		stats:       NewStats(),
		metrics:     opts.Metrics,
		logger:      logger.With("pool", cfg.Code),
		ctx:         ctx,
		cancel:      cancel,
	}

	if cfg.RateLimitPerMinute != nil && *cfg.RateLimitPerMinute > 0 {
		p.limiter.Store(ratelimit.New(*cfg.RateLimitPerMinute))
	}

	p.state.Store(int32(StateRunning))
	return p
}

// Code returns the pool identifier.
func (p *ProcessPool) Code() string { return p.code }

// Concurrency returns the configured worker budget.
func (p *ProcessPool) Concurrency() int { return p.concurrency }

// QueueCapacity returns the backpressure ceiling.
func (p *ProcessPool) QueueCapacity() int { return p.capacity }

// State returns the current lifecycle state.
func (p *ProcessPool) State() State { return State(p.state.Load()) }

// Submit enqueues a message for ordered processing within its group.
// It returns false, with no side effects, when the pool is not
// running or the queued-message count has reached the capacity
// ceiling. Submit never blocks on delivery, rate limiting, or the
// concurrency semaphore.
func (p *ProcessPool) Submit(msg *Message) bool {
	if p.State() != StateRunning {
		return false
	}

	if p.queued.Add(1) > int64(p.capacity) {
		p.queued.Add(-1)
		return false
	}

	key := msg.GroupID
	if key == "" {
		key = "__DEFAULT__"
	}

	for {
		p.handlersMu.Lock()
		h, ok := p.handlers[key]
		if !ok {
			h = newGroupHandler(key, p.processMessage, p.removeHandler)
			p.handlers[key] = h
		}
		p.handlersMu.Unlock()

		if h.enqueue(msg) {
			if p.metrics != nil {
				p.metrics.QueueDepthChanged(p.ctx, p.code, 1)
			}
			return true
		}

		// The handler tore down between lookup and enqueue. Drop it
		// from the map (if still present) and retry with a fresh one.
		p.handlersMu.Lock()
		if p.handlers[key] == h {
			delete(p.handlers, key)
		}
		p.handlersMu.Unlock()
	}
}

// removeHandler is invoked by a group handler when its queue drains.
func (p *ProcessPool) removeHandler(key string) {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()
	if h, ok := p.handlers[key]; ok && h.isDead() {
		delete(p.handlers, key)
	}
}

// processMessage runs one delivery. It is invoked by a group handler,
// which guarantees one-at-a-time execution per group.
func (p *ProcessPool) processMessage(msg *Message) {
	defer func() {
		p.queued.Add(-1)
		if p.metrics != nil {
			p.metrics.QueueDepthChanged(p.ctx, p.code, -1)
		}
	}()

	// A known failure in this (batch, group) short-circuits the rest
	// of the batch for the key: reordering around the failure would
	// break FIFO, so the message is nacked without a delivery attempt.
	if msg.BatchID != "" {
		if _, failed := p.failedGroups.Load(failedKey(msg.BatchID, msg.GroupID)); failed {
			p.logger.Debug("Skipping message in failed batch group",
				"message_id", msg.ID, "batch_id", msg.BatchID, "group", msg.GroupID)
			p.stats.RecordFailure(0)
			if p.metrics != nil {
				p.metrics.RecordProcessed(p.ctx, p.code, BatchFailed.String())
				p.metrics.RecordFailure(p.ctx, p.code)
			}
			p.callback.Nack(msg)
			return
		}
	}

	if lim := p.limiter.Load(); lim != nil {
		waited, err := lim.Acquire(p.ctx)
		if waited {
			p.stats.RecordRateLimited()
			if p.metrics != nil {
				p.metrics.RecordRateLimited(p.ctx, p.code)
			}
		}
		if err != nil {
			// Pool shut down while waiting; hand the message back.
			p.callback.Nack(msg)
			return
		}
	}

	select {
	case p.sem <- struct{}{}:
	case <-p.ctx.Done():
		p.callback.Nack(msg)
		return
	}
	defer func() { <-p.sem }()

	p.stats.WorkerStarted()
	if p.metrics != nil {
		p.metrics.WorkerStarted(p.ctx, p.code)
	}
	defer func() {
		p.stats.WorkerDone()
		if p.metrics != nil {
			p.metrics.WorkerFinished(p.ctx, p.code)
		}
	}()

	start := time.Now()
	res := p.deliver(msg)
	latency := time.Since(start)

	if p.metrics != nil {
		p.metrics.RecordProcessed(p.ctx, p.code, res.Outcome.String())
	}

	switch res.Outcome {
	case Success:
		p.stats.RecordSuccess(latency)
		if p.metrics != nil {
			p.metrics.RecordSuccess(p.ctx, p.code, float64(latency)/float64(time.Millisecond))
		}
		p.callback.Ack(msg)
	case ErrorConfig:
		// Non-retriable: acknowledge and drop to avoid a poison loop.
		p.stats.RecordFailure(latency)
		if p.metrics != nil {
			p.metrics.RecordFailure(p.ctx, p.code)
		}
		p.logger.Warn("Dropping non-retriable message",
			"message_id", msg.ID, "status", res.Status, "error", errString(res.Err))
		p.callback.Ack(msg)
	case Deferred:
		p.stats.RecordDeferred(latency)
		if p.metrics != nil {
			p.metrics.RecordDeferred(p.ctx, p.code)
		}
		p.callback.NackDelay(msg, DeferredVisibilityDelay)
	default: // ErrorProcess, BatchFailed, or anything unclassified
		p.stats.RecordFailure(latency)
		if p.metrics != nil {
			p.metrics.RecordFailure(p.ctx, p.code)
		}
		p.markFailed(msg)
		p.logger.Warn("Delivery failed, nacking for retry",
			"message_id", msg.ID, "batch_id", msg.BatchID, "group", msg.GroupID,
			"status", res.Status, "error", errString(res.Err))
		p.callback.Nack(msg)
	}
}

// deliver invokes the processor with a panic guard. A panicking
// delivery is classified as a process error.
func (p *ProcessPool) deliver(msg *Message) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{Outcome: ErrorProcess, Err: fmt.Errorf("delivery panic: %v", r)}
		}
	}()

	timeout := 30 * time.Second
	if msg.TimeoutSeconds > 0 {
		timeout = time.Duration(msg.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(p.ctx, timeout)
	defer cancel()

	return p.processor.Process(ctx, msg)
}

func (p *ProcessPool) markFailed(msg *Message) {
	if msg.BatchID == "" {
		return
	}
	p.failedGroups.Store(failedKey(msg.BatchID, msg.GroupID), time.Now())
}

func failedKey(batchID, groupID string) string {
	return batchID + "|" + groupID
}

// HasCapacity reports whether n more messages fit under the ceiling.
func (p *ProcessPool) HasCapacity(n int) bool {
	return p.queued.Load()+int64(n) <= int64(p.capacity)
}

// IsRateLimited reports whether the limiter is currently saturated,
// without consuming a slot.
func (p *ProcessPool) IsRateLimited() bool {
	lim := p.limiter.Load()
	return lim != nil && lim.Saturated()
}

// QueueDepth returns the number of messages admitted but not yet
// finished processing.
func (p *ProcessPool) QueueDepth() int64 {
	return p.queued.Load()
}

// UpdateRateLimit hot-swaps the rate limit. A nil or non-positive
// value removes rate limiting. This is the only configuration that
// can change on a live pool.
func (p *ProcessPool) UpdateRateLimit(perMinute *int) {
	if perMinute == nil || *perMinute <= 0 {
		if p.limiter.Swap(nil) != nil {
			p.logger.Info("Rate limit removed")
		}
		return
	}
	if cur := p.limiter.Load(); cur != nil && cur.Limit() == *perMinute {
		return
	}
	p.limiter.Store(ratelimit.New(*perMinute))
	p.logger.Info("Rate limit updated", "per_minute", *perMinute)
}

// RateLimit returns the configured per-minute rate, or 0 if none.
func (p *ProcessPool) RateLimit() int {
	if lim := p.limiter.Load(); lim != nil {
		return lim.Limit()
	}
	return 0
}

// Drain stops admission and lets in-flight work finish naturally.
func (p *ProcessPool) Drain() {
	if p.state.CompareAndSwap(int32(StateRunning), int32(StateDraining)) {
		p.logger.Info("Pool draining")
	}
}

// IsDrained reports whether admission is stopped and all admitted
// work has completed.
func (p *ProcessPool) IsDrained() bool {
	s := p.State()
	return (s == StateDraining || s == StateStopped) && p.queued.Load() == 0
}

// Shutdown drains the pool, waits up to the configured shutdown
// timeout for in-flight work to complete, then stops and clears
// internal state. Work still in flight after the timeout is abandoned
// to its queue-level redelivery.
func (p *ProcessPool) Shutdown() {
	p.Drain()

	deadline := time.Now().Add(p.opts.ShutdownTimeout)
	for p.queued.Load() > 0 && time.Now().Before(deadline) {
		time.Sleep(p.opts.DrainPollInterval)
	}
	if remaining := p.queued.Load(); remaining > 0 {
		p.logger.Warn("Shutdown timeout reached with work in flight", "remaining", remaining)
	}

	p.state.Store(int32(StateStopped))
	p.cancel()

	p.handlersMu.Lock()
	p.handlers = make(map[string]*groupHandler)
	p.handlersMu.Unlock()

	p.failedGroups.Range(func(k, _ any) bool {
		p.failedGroups.Delete(k)
		return true
	})

	p.logger.Info("Pool stopped")
}

// Stats returns a point-in-time statistics snapshot.
func (p *ProcessPool) Stats() PoolStats {
	s := p.stats.Snapshot()
	s.Code = p.code
	s.State = p.State().String()
	s.Concurrency = p.concurrency
	s.QueueCapacity = p.capacity
	s.QueueDepth = p.queued.Load()
	return s
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

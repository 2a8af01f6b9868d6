// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockProcessor delivers through a configurable function.
type mockProcessor struct {
	fn func(ctx context.Context, msg *Message) Result
}

func (p *mockProcessor) Process(ctx context.Context, msg *Message) Result {
	if p.fn == nil {
		return Result{Outcome: Success, Status: 200}
	}
	return p.fn(ctx, msg)
}

// recordingCallback captures acknowledgement decisions.
type recordingCallback struct {
	mu     sync.Mutex
	acked  []string
	nacked []string
	delays map[string]time.Duration
}

func newRecordingCallback() *recordingCallback {
	return &recordingCallback{delays: make(map[string]time.Duration)}
}

func (c *recordingCallback) Ack(msg *Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acked = append(c.acked, msg.ID)
}

func (c *recordingCallback) Nack(msg *Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nacked = append(c.nacked, msg.ID)
}

func (c *recordingCallback) NackDelay(msg *Message, delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nacked = append(c.nacked, msg.ID)
	c.delays[msg.ID] = delay
}

func (c *recordingCallback) ackedIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.acked...)
}

func (c *recordingCallback) nackedIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.nacked...)
}

func (c *recordingCallback) delayFor(id string) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.delays[id]
	return d, ok
}

func newTestPool(t *testing.T, cfg PoolConfig, proc Processor, cb Callback) *ProcessPool {
	t.Helper()
	if cfg.Code == "" {
		cfg.Code = "test"
	}
	p := NewProcessPool(cfg, proc, cb, PoolOptions{
		ShutdownTimeout:   2 * time.Second,
		DrainPollInterval: 5 * time.Millisecond,
	}, nil)
	t.Cleanup(p.Shutdown)
	return p
}

func TestPoolDefaultQueueCapacity(t *testing.T) {
	assert.Equal(t, 50, DefaultQueueCapacity(1))
	assert.Equal(t, 50, DefaultQueueCapacity(20))
	assert.Equal(t, 60, DefaultQueueCapacity(30))
}

func TestPoolPerGroupFIFO(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	proc := &mockProcessor{fn: func(ctx context.Context, msg *Message) Result {
		mu.Lock()
		order = append(order, msg.ID)
		mu.Unlock()
		// Slow first message: reordering would surface if a later
		// message could overtake it.
		if msg.ID == "m1" {
			time.Sleep(50 * time.Millisecond)
		}
		return Result{Outcome: Success, Status: 200}
	}}
	cb := newRecordingCallback()
	p := newTestPool(t, PoolConfig{Concurrency: 2}, proc, cb)

	for _, id := range []string{"m1", "m2", "m3"} {
		require.True(t, p.Submit(&Message{ID: id, GroupID: "g"}))
	}

	require.Eventually(t, func() bool {
		return len(cb.ackedIDs()) == 3
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"m1", "m2", "m3"}, order,
		"same-group messages must deliver strictly in submission order")
}

func TestPoolParallelAcrossGroups(t *testing.T) {
	entered := make(chan string, 2)
	release := make(chan struct{})
	proc := &mockProcessor{fn: func(ctx context.Context, msg *Message) Result {
		entered <- msg.GroupID
		<-release
		return Result{Outcome: Success, Status: 200}
	}}
	cb := newRecordingCallback()
	p := newTestPool(t, PoolConfig{Concurrency: 2}, proc, cb)

	require.True(t, p.Submit(&Message{ID: "a", GroupID: "g1"}))
	require.True(t, p.Submit(&Message{ID: "b", GroupID: "g2"}))

	// Both groups must be in flight at once.
	for i := 0; i < 2; i++ {
		select {
		case <-entered:
		case <-time.After(time.Second):
			t.Fatal("groups did not process in parallel")
		}
	}
	close(release)
}

func TestPoolCapacityRejection(t *testing.T) {
	release := make(chan struct{})
	proc := &mockProcessor{fn: func(ctx context.Context, msg *Message) Result {
		<-release
		return Result{Outcome: Success, Status: 200}
	}}
	cb := newRecordingCallback()
	p := newTestPool(t, PoolConfig{Concurrency: 1, QueueCapacity: 2}, proc, cb)

	require.True(t, p.Submit(&Message{ID: "m1", GroupID: "g"}))
	require.True(t, p.Submit(&Message{ID: "m2", GroupID: "g"}))
	assert.False(t, p.Submit(&Message{ID: "m3", GroupID: "g"}),
		"submit over capacity must reject without side effects")

	assert.Equal(t, int64(2), p.QueueDepth())
	assert.False(t, p.HasCapacity(1))

	close(release)
	require.Eventually(t, func() bool {
		return p.QueueDepth() == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, p.HasCapacity(2))
}

func TestPoolFailureBarrier(t *testing.T) {
	var (
		mu        sync.Mutex
		delivered []string
	)
	proc := &mockProcessor{fn: func(ctx context.Context, msg *Message) Result {
		mu.Lock()
		delivered = append(delivered, msg.ID)
		mu.Unlock()
		if msg.ID == "fail" {
			return Result{Outcome: ErrorProcess, Status: 500}
		}
		return Result{Outcome: Success, Status: 200}
	}}
	cb := newRecordingCallback()
	p := newTestPool(t, PoolConfig{Concurrency: 4}, proc, cb)

	require.True(t, p.Submit(&Message{ID: "fail", BatchID: "b1", GroupID: "g1"}))
	require.Eventually(t, func() bool {
		return len(cb.nackedIDs()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Same batch and group: short-circuited without a delivery attempt.
	require.True(t, p.Submit(&Message{ID: "blocked", BatchID: "b1", GroupID: "g1"}))
	// Same batch, different group: delivered normally.
	require.True(t, p.Submit(&Message{ID: "ok", BatchID: "b1", GroupID: "g2"}))

	require.Eventually(t, func() bool {
		return len(cb.nackedIDs()) == 2 && len(cb.ackedIDs()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.NotContains(t, delivered, "blocked",
		"messages behind a failed batch group must not reach the processor")
	assert.Contains(t, delivered, "ok")
}

func TestPoolErrorConfigAcked(t *testing.T) {
	proc := &mockProcessor{fn: func(ctx context.Context, msg *Message) Result {
		return Result{Outcome: ErrorConfig, Status: 400}
	}}
	cb := newRecordingCallback()
	p := newTestPool(t, PoolConfig{Concurrency: 1}, proc, cb)

	require.True(t, p.Submit(&Message{ID: "bad", GroupID: "g"}))

	require.Eventually(t, func() bool {
		return len(cb.ackedIDs()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, cb.nackedIDs(), "non-retriable failures are acked and dropped")

	snap := p.Stats()
	assert.Equal(t, uint64(1), snap.Failed)
}

func TestPoolDeferredNackDelay(t *testing.T) {
	proc := &mockProcessor{fn: func(ctx context.Context, msg *Message) Result {
		return Result{Outcome: Deferred, Status: 425}
	}}
	cb := newRecordingCallback()
	p := newTestPool(t, PoolConfig{Concurrency: 1}, proc, cb)

	require.True(t, p.Submit(&Message{ID: "later", GroupID: "g"}))

	require.Eventually(t, func() bool {
		_, ok := cb.delayFor("later")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	delay, _ := cb.delayFor("later")
	assert.Equal(t, DeferredVisibilityDelay, delay)

	// Deferral must not poison the batch group.
	require.True(t, p.Submit(&Message{ID: "after", BatchID: "b", GroupID: "g"}))
	require.Eventually(t, func() bool {
		return len(cb.nackedIDs()) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPoolPanicIsProcessError(t *testing.T) {
	proc := &mockProcessor{fn: func(ctx context.Context, msg *Message) Result {
		panic("boom")
	}}
	cb := newRecordingCallback()
	p := newTestPool(t, PoolConfig{Concurrency: 1}, proc, cb)

	require.True(t, p.Submit(&Message{ID: "p", GroupID: "g"}))

	require.Eventually(t, func() bool {
		return len(cb.nackedIDs()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(1), p.Stats().Failed)
}

func TestPoolDrainStopsAdmission(t *testing.T) {
	cb := newRecordingCallback()
	p := newTestPool(t, PoolConfig{Concurrency: 1}, &mockProcessor{}, cb)

	require.True(t, p.Submit(&Message{ID: "m1", GroupID: "g"}))
	p.Drain()

	assert.Equal(t, StateDraining, p.State())
	assert.False(t, p.Submit(&Message{ID: "m2", GroupID: "g"}))

	require.Eventually(t, p.IsDrained, 2*time.Second, 10*time.Millisecond)
}

func TestPoolShutdown(t *testing.T) {
	cb := newRecordingCallback()
	p := newTestPool(t, PoolConfig{Concurrency: 2}, &mockProcessor{}, cb)

	for _, id := range []string{"a", "b", "c"} {
		require.True(t, p.Submit(&Message{ID: id, GroupID: id}))
	}

	p.Shutdown()
	assert.Equal(t, StateStopped, p.State())
	assert.Equal(t, int64(0), p.QueueDepth())
	assert.Len(t, cb.ackedIDs(), 3, "shutdown waits for in-flight work")
	assert.False(t, p.Submit(&Message{ID: "late", GroupID: "g"}))
}

func TestPoolUpdateRateLimit(t *testing.T) {
	cb := newRecordingCallback()
	p := newTestPool(t, PoolConfig{Concurrency: 1}, &mockProcessor{}, cb)

	assert.Equal(t, 0, p.RateLimit())
	assert.False(t, p.IsRateLimited())

	limit := 120
	p.UpdateRateLimit(&limit)
	assert.Equal(t, 120, p.RateLimit())

	p.UpdateRateLimit(nil)
	assert.Equal(t, 0, p.RateLimit())
	assert.False(t, p.IsRateLimited())
}

func TestPoolRateLimitedStat(t *testing.T) {
	proc := &mockProcessor{}
	cb := newRecordingCallback()
	limit := 60_000 // one slot per millisecond: waits are tiny
	p := newTestPool(t, PoolConfig{Concurrency: 1, RateLimitPerMinute: &limit}, proc, cb)

	for i := 0; i < 5; i++ {
		require.True(t, p.Submit(&Message{ID: "m", GroupID: "g"}))
	}

	require.Eventually(t, func() bool {
		return len(cb.ackedIDs()) == 5
	}, 2*time.Second, 10*time.Millisecond)
	assert.Greater(t, p.Stats().RateLimited, uint64(0),
		"back-to-back deliveries should hit the limiter")
}

// recordingMetrics counts metric events for assertions.
type recordingMetrics struct {
	mu        sync.Mutex
	processed map[string]int
	succeeded int
	failed    int
	deferred  int
	deduped   int
	limited   int
	workers   int64
	depth     int64
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{processed: make(map[string]int)}
}

func (m *recordingMetrics) RecordProcessed(ctx context.Context, pool, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed[outcome]++
}

func (m *recordingMetrics) RecordSuccess(ctx context.Context, pool string, latencyMs float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.succeeded++
}

func (m *recordingMetrics) RecordFailure(ctx context.Context, pool string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed++
}

func (m *recordingMetrics) RecordDeferred(ctx context.Context, pool string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deferred++
}

func (m *recordingMetrics) RecordDeduped(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deduped++
}

func (m *recordingMetrics) RecordRateLimited(ctx context.Context, pool string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limited++
}

func (m *recordingMetrics) WorkerStarted(ctx context.Context, pool string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workers++
}

func (m *recordingMetrics) WorkerFinished(ctx context.Context, pool string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workers--
}

func (m *recordingMetrics) QueueDepthChanged(ctx context.Context, pool string, delta int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.depth += delta
}

func TestPoolRecordsMetrics(t *testing.T) {
	proc := &mockProcessor{fn: func(ctx context.Context, msg *Message) Result {
		switch msg.ID {
		case "bad":
			return Result{Outcome: ErrorConfig, Status: 400}
		case "later":
			return Result{Outcome: Deferred, Status: 425}
		default:
			return Result{Outcome: Success, Status: 200}
		}
	}}
	cb := newRecordingCallback()
	metrics := newRecordingMetrics()

	p := NewProcessPool(PoolConfig{Code: "test", Concurrency: 2}, proc, cb, PoolOptions{
		ShutdownTimeout:   2 * time.Second,
		DrainPollInterval: 5 * time.Millisecond,
		Metrics:           metrics,
	}, nil)
	t.Cleanup(p.Shutdown)

	require.True(t, p.Submit(&Message{ID: "ok", GroupID: "g1"}))
	require.True(t, p.Submit(&Message{ID: "bad", GroupID: "g2"}))
	require.True(t, p.Submit(&Message{ID: "later", GroupID: "g3"}))

	require.Eventually(t, func() bool {
		metrics.mu.Lock()
		defer metrics.mu.Unlock()
		done := metrics.processed["success"]+metrics.processed["error_config"]+metrics.processed["deferred"] == 3
		return done && metrics.depth == 0
	}, 2*time.Second, 10*time.Millisecond)

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	assert.Equal(t, 1, metrics.succeeded)
	assert.Equal(t, 1, metrics.failed, "a config drop counts as a failure")
	assert.Equal(t, 1, metrics.deferred)
	assert.Equal(t, int64(0), metrics.workers, "worker gauge returns to zero")
	assert.Equal(t, int64(0), metrics.depth, "depth gauge returns to zero")
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"sync"
	"sync/atomic"
	"time"
)

// Rolling window layout. Buckets age out deterministically: a bucket
// is reset the first time it is touched in a new period, so reads
// never include samples older than the window span.
const (
	shortWindowBuckets = 10
	shortBucketWidth   = 30 * time.Second // 5-minute window

	longWindowBuckets = 30
	longBucketWidth   = time.Minute // 30-minute window
)

// Stats tracks pool statistics: lifetime counters plus 5-minute and
// 30-minute rolling windows. It is never a source of truth; snapshots
// are recomputed on read.
type Stats struct {
	startTime time.Time

	processed   atomic.Uint64
	succeeded   atomic.Uint64
	failed      atomic.Uint64
	rateLimited atomic.Uint64
	deferred    atomic.Uint64

	totalLatencyMillis atomic.Uint64
	activeWorkers      atomic.Int64

	short *window
	long  *window

	now func() time.Time // overridable in tests
}

// NewStats creates a Stats instance.
func NewStats() *Stats {
	return newStatsAt(time.Now)
}

func newStatsAt(now func() time.Time) *Stats {
	return &Stats{
		startTime: now(),
		short:     newWindow(shortWindowBuckets, shortBucketWidth),
		long:      newWindow(longWindowBuckets, longBucketWidth),
		now:       now,
	}
}

// PoolStats is a point-in-time snapshot of a pool's counters.
type PoolStats struct {
	Code          string        `json:"code"`
	State         string        `json:"state"`
	Concurrency   int           `json:"concurrency"`
	QueueCapacity int           `json:"queueCapacity"`
	QueueDepth    int64         `json:"queueDepth"`
	ActiveWorkers int64         `json:"activeWorkers"`
	Uptime        time.Duration `json:"uptime"`

	Processed   uint64 `json:"processed"`
	Succeeded   uint64 `json:"succeeded"`
	Failed      uint64 `json:"failed"`
	RateLimited uint64 `json:"rateLimited"`
	Deferred    uint64 `json:"deferred"`

	// SuccessRate defaults to 1.0 when nothing has been processed so
	// an idle pool does not read as failing.
	SuccessRate      float64 `json:"successRate"`
	AvgLatencyMillis float64 `json:"avgLatencyMillis"`

	Window5m  WindowStats `json:"window5m"`
	Window30m WindowStats `json:"window30m"`
}

// WindowStats holds rolling-window counters.
type WindowStats struct {
	Processed   uint64 `json:"processed"`
	Succeeded   uint64 `json:"succeeded"`
	Failed      uint64 `json:"failed"`
	RateLimited uint64 `json:"rateLimited"`
	Deferred    uint64 `json:"deferred"`
}

func (s *Stats) RecordSuccess(latency time.Duration) {
	s.processed.Add(1)
	s.succeeded.Add(1)
	s.totalLatencyMillis.Add(uint64(latency.Milliseconds()))
	s.record(func(b *bucket) {
		b.processed++
		b.succeeded++
	})
}

func (s *Stats) RecordFailure(latency time.Duration) {
	s.processed.Add(1)
	s.failed.Add(1)
	s.totalLatencyMillis.Add(uint64(latency.Milliseconds()))
	s.record(func(b *bucket) {
		b.processed++
		b.failed++
	})
}

func (s *Stats) RecordDeferred(latency time.Duration) {
	s.processed.Add(1)
	s.deferred.Add(1)
	s.totalLatencyMillis.Add(uint64(latency.Milliseconds()))
	s.record(func(b *bucket) {
		b.processed++
		b.deferred++
	})
}

// RecordRateLimited counts a delivery that had to wait for a rate
// limiter slot. It is recorded in addition to the delivery outcome.
func (s *Stats) RecordRateLimited() {
	s.rateLimited.Add(1)
	s.record(func(b *bucket) {
		b.rateLimited++
	})
}

func (s *Stats) WorkerStarted() {
	s.activeWorkers.Add(1)
}

func (s *Stats) WorkerDone() {
	s.activeWorkers.Add(-1)
}

func (s *Stats) record(fn func(*bucket)) {
	now := s.now()
	s.short.record(now, fn)
	s.long.record(now, fn)
}

// Snapshot computes a point-in-time view. The caller fills in pool
// identity and queue depth.
func (s *Stats) Snapshot() PoolStats {
	now := s.now()
	processed := s.processed.Load()
	succeeded := s.succeeded.Load()

	successRate := 1.0
	if processed > 0 {
		successRate = float64(succeeded) / float64(processed)
	}

	avgLatency := 0.0
	if processed > 0 {
		avgLatency = float64(s.totalLatencyMillis.Load()) / float64(processed)
	}

	return PoolStats{
		Uptime:           now.Sub(s.startTime),
		Processed:        processed,
		Succeeded:        succeeded,
		Failed:           s.failed.Load(),
		RateLimited:      s.rateLimited.Load(),
		Deferred:         s.deferred.Load(),
		SuccessRate:      successRate,
		AvgLatencyMillis: avgLatency,
		ActiveWorkers:    s.activeWorkers.Load(),
		Window5m:         s.short.sum(now),
		Window30m:        s.long.sum(now),
	}
}

// bucket holds counters for one time slot.
type bucket struct {
	period      int64 // absolute period index; stale buckets are reset lazily
	processed   uint64
	succeeded   uint64
	failed      uint64
	rateLimited uint64
	deferred    uint64
}

// window is a ring of time-bucketed counters.
type window struct {
	mu      sync.Mutex
	buckets []bucket
	width   time.Duration
}

func newWindow(n int, width time.Duration) *window {
	return &window{
		buckets: make([]bucket, n),
		width:   width,
	}
}

func (w *window) record(now time.Time, fn func(*bucket)) {
	period := now.UnixNano() / int64(w.width)
	idx := int(period % int64(len(w.buckets)))

	w.mu.Lock()
	defer w.mu.Unlock()

	b := &w.buckets[idx]
	if b.period != period {
		*b = bucket{period: period}
	}
	fn(b)
}

func (w *window) sum(now time.Time) WindowStats {
	period := now.UnixNano() / int64(w.width)
	oldest := period - int64(len(w.buckets)) + 1

	w.mu.Lock()
	defer w.mu.Unlock()

	var out WindowStats
	for i := range w.buckets {
		b := &w.buckets[i]
		if b.period < oldest || b.period > period {
			continue
		}
		out.Processed += b.processed
		out.Succeeded += b.succeeded
		out.Failed += b.failed
		out.RateLimited += b.rateLimited
		out.Deferred += b.deferred
	}
	return out
}

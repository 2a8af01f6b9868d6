// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/dispatch/checkpoint"
)

// brokenStore simulates an unreachable checkpoint backend.
type brokenStore struct{}

func (brokenStore) Get(ctx context.Context, key string) ([]byte, error) {
	return nil, errors.New("backend unreachable")
}

func (brokenStore) Save(ctx context.Context, key string, token []byte) error {
	return errors.New("backend unreachable")
}

func (brokenStore) Clear(ctx context.Context, key string) error { return nil }
func (brokenStore) Close() error                                { return nil }

func noopHandler(ctx context.Context, events []Event) error { return nil }

func TestConsumerProcessesAndCheckpoints(t *testing.T) {
	log := NewMemoryChangeLog(8)
	store := checkpoint.NewMemoryStore()

	var (
		mu   sync.Mutex
		seen []string
	)
	handler := func(ctx context.Context, events []Event) error {
		mu.Lock()
		defer mu.Unlock()
		for _, ev := range events {
			seen = append(seen, ev.ID)
		}
		return nil
	}

	c := NewConsumer(ConsumerConfig{Name: "orders", MaxInflight: 2}, log, store, handler, nil)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	log.Append(&Batch{Events: []Event{{ID: "e1"}}, Token: []byte("t1")})
	log.Append(&Batch{Events: []Event{{ID: "e2"}}, Token: []byte("t2")})

	require.Eventually(t, func() bool {
		return c.Snapshot().CheckpointedSequence == 2
	}, 2*time.Second, 10*time.Millisecond)

	token, err := store.Get(context.Background(), "orders")
	require.NoError(t, err)
	assert.Equal(t, []byte("t2"), token)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"e1", "e2"}, seen)
	assert.True(t, c.Healthy())
}

func TestConsumerCheckpointNeverPassesIncompleteBatch(t *testing.T) {
	log := NewMemoryChangeLog(8)
	store := checkpoint.NewMemoryStore()

	releaseFirst := make(chan struct{})
	secondDone := make(chan struct{})
	handler := func(ctx context.Context, events []Event) error {
		switch events[0].ID {
		case "slow":
			<-releaseFirst
		case "fast":
			defer close(secondDone)
		}
		return nil
	}

	c := NewConsumer(ConsumerConfig{Name: "orders", MaxInflight: 2}, log, store, handler, nil)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	log.Append(&Batch{Events: []Event{{ID: "slow"}}, Token: []byte("t1")})
	log.Append(&Batch{Events: []Event{{ID: "fast"}}, Token: []byte("t2")})

	select {
	case <-secondDone:
	case <-time.After(2 * time.Second):
		t.Fatal("second batch never completed")
	}

	// Batch 2 is done but batch 1 is still running: nothing may be
	// checkpointed yet.
	require.Eventually(t, func() bool {
		return c.Snapshot().BatchesProcessed == 1
	}, 2*time.Second, 10*time.Millisecond)
	token, err := store.Get(context.Background(), "orders")
	require.NoError(t, err)
	assert.Nil(t, token)
	assert.Equal(t, uint64(0), c.Snapshot().CheckpointedSequence)

	// Releasing batch 1 advances the checkpoint over both at once.
	close(releaseFirst)
	require.Eventually(t, func() bool {
		return c.Snapshot().CheckpointedSequence == 2
	}, 2*time.Second, 10*time.Millisecond)

	token, err = store.Get(context.Background(), "orders")
	require.NoError(t, err)
	assert.Equal(t, []byte("t2"), token)
}

func TestConsumerResumesFromCheckpoint(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), "orders", []byte("resume")))

	log := &tokenCapturingLog{MemoryChangeLog: NewMemoryChangeLog(1)}
	c := NewConsumer(ConsumerConfig{Name: "orders"}, log, store, noopHandler, nil)
	require.NoError(t, c.Start(context.Background()))
	c.Stop()

	assert.Equal(t, []byte("resume"), log.openedWith)
}

// tokenCapturingLog records the resume token passed to Open.
type tokenCapturingLog struct {
	*MemoryChangeLog
	openedWith []byte
}

func (l *tokenCapturingLog) Open(ctx context.Context, resumeToken []byte) error {
	l.openedWith = resumeToken
	return l.MemoryChangeLog.Open(ctx, resumeToken)
}

// corruptStore returns a corrupt-record error until the first save.
type corruptStore struct {
	*checkpoint.MemoryStore
	saved bool
}

func (s *corruptStore) Get(ctx context.Context, key string) ([]byte, error) {
	if !s.saved {
		return nil, checkpoint.ErrCorrupt
	}
	return s.MemoryStore.Get(ctx, key)
}

func (s *corruptStore) Save(ctx context.Context, key string, token []byte) error {
	s.saved = true
	return s.MemoryStore.Save(ctx, key, token)
}

func TestConsumerCorruptCheckpointCountedNotFatal(t *testing.T) {
	store := &corruptStore{MemoryStore: checkpoint.NewMemoryStore()}
	log := &tokenCapturingLog{MemoryChangeLog: NewMemoryChangeLog(4)}

	c := NewConsumer(ConsumerConfig{Name: "orders"}, log, store, noopHandler, nil)
	require.NoError(t, c.Start(context.Background()), "corruption is never fatal")
	defer c.Stop()

	assert.Nil(t, log.openedWith, "a corrupt cursor restarts from the beginning")
	assert.True(t, c.Healthy())
	assert.Equal(t, uint64(1), c.Snapshot().CorruptCheckpoints)

	// The stream still progresses and overwrites the corrupt record.
	log.Append(&Batch{Events: []Event{{ID: "e1"}}, Token: []byte("t1")})
	require.Eventually(t, func() bool {
		return c.Snapshot().CheckpointedSequence == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConsumerStaleSaveSkipped(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	c := NewConsumer(ConsumerConfig{Name: "orders"}, NewMemoryChangeLog(1), store, noopHandler, nil)
	ctx := context.Background()

	// A save for sequence 2 arriving before a stale save for sequence
	// 1 must win: the stored token always pairs with the highest saved
	// sequence.
	c.saveCheckpoint(ctx, 2, []byte("t2"))
	c.saveCheckpoint(ctx, 1, []byte("t1"))

	token, err := store.Get(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, []byte("t2"), token)

	c.saveCheckpoint(ctx, 3, []byte("t3"))
	token, err = store.Get(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, []byte("t3"), token)
}

// recordingStreamMetrics counts metric events for assertions.
type recordingStreamMetrics struct {
	mu            sync.Mutex
	checkpointed  int64
	corrupt       int
	started       int
	finished      int
	lastBatchMs   float64
	lastIncrement int64
}

func (m *recordingStreamMetrics) RecordCheckpointed(ctx context.Context, stream string, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpointed += n
	m.lastIncrement = n
}

func (m *recordingStreamMetrics) RecordCorruptCheckpoint(ctx context.Context, stream string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.corrupt++
}

func (m *recordingStreamMetrics) BatchStarted(ctx context.Context, stream string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started++
}

func (m *recordingStreamMetrics) BatchFinished(ctx context.Context, stream string, durationMs float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished++
	m.lastBatchMs = durationMs
}

func TestConsumerRecordsMetrics(t *testing.T) {
	metrics := &recordingStreamMetrics{}
	log := NewMemoryChangeLog(4)
	store := checkpoint.NewMemoryStore()

	c := NewConsumer(ConsumerConfig{Name: "orders", Metrics: metrics}, log, store, noopHandler, nil)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	log.Append(&Batch{Events: []Event{{ID: "e1"}}, Token: []byte("t1")})
	log.Append(&Batch{Events: []Event{{ID: "e2"}}, Token: []byte("t2")})

	require.Eventually(t, func() bool {
		metrics.mu.Lock()
		defer metrics.mu.Unlock()
		return metrics.checkpointed == 2 && metrics.finished == 2
	}, 2*time.Second, 10*time.Millisecond)

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	assert.Equal(t, 2, metrics.started)
	assert.Equal(t, 0, metrics.corrupt)
	assert.GreaterOrEqual(t, metrics.lastBatchMs, 0.0)
}

func TestConsumerUnreachableStoreIsFatal(t *testing.T) {
	log := NewMemoryChangeLog(1)
	c := NewConsumer(ConsumerConfig{Name: "orders"}, log, brokenStore{}, noopHandler, nil)

	err := c.Start(context.Background())
	require.Error(t, err)
	assert.False(t, c.Healthy())
	assert.NotEmpty(t, c.Snapshot().Error)
}

func TestConsumerChangeLogFailureIsFatal(t *testing.T) {
	log := NewMemoryChangeLog(1)
	store := checkpoint.NewMemoryStore()

	c := NewConsumer(ConsumerConfig{Name: "orders"}, log, store, noopHandler, nil)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	log.Fail(errors.New("connection reset"))

	require.Eventually(t, func() bool {
		return !c.Healthy()
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, c.Err().Error(), "change log failed")
}

func TestConsumerHandlerExhaustionIsFatal(t *testing.T) {
	log := NewMemoryChangeLog(1)
	store := checkpoint.NewMemoryStore()

	handler := func(ctx context.Context, events []Event) error {
		return errors.New("projection broken")
	}

	c := NewConsumer(ConsumerConfig{
		Name:              "orders",
		HandlerRetries:    2,
		HandlerRetryDelay: time.Millisecond,
	}, log, store, handler, nil)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	log.Append(&Batch{Events: []Event{{ID: "e1"}}, Token: []byte("t1")})

	require.Eventually(t, func() bool {
		return !c.Healthy()
	}, 2*time.Second, 10*time.Millisecond)

	// The failed batch was never checkpointed.
	token, err := store.Get(context.Background(), "orders")
	require.NoError(t, err)
	assert.Nil(t, token)
}

func TestManagerReport(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	log1 := NewMemoryChangeLog(4)
	log2 := NewMemoryChangeLog(4)

	m := NewManager(true, nil)
	m.Register(NewConsumer(ConsumerConfig{Name: "orders", MaxInflight: 2}, log1, store, noopHandler, nil))
	m.Register(NewConsumer(ConsumerConfig{Name: "audit", MaxInflight: 3}, log2, store, noopHandler, nil))

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	log1.Append(&Batch{Events: []Event{{ID: "e1"}}, Token: []byte("t1")})

	require.Eventually(t, func() bool {
		return m.Report().TotalCheckpointedBatches == 1
	}, 2*time.Second, 10*time.Millisecond)

	rep := m.Report()
	assert.True(t, rep.Enabled)
	assert.True(t, rep.Running)
	assert.Equal(t, 2, rep.TotalStreams)
	assert.Equal(t, 2, rep.RunningStreams)
	assert.Equal(t, uint64(1), rep.TotalBatchesProcessed)
	assert.Equal(t, 5, rep.TotalAvailableConcurrencySlots)
	assert.Empty(t, rep.FailedStream)
	assert.True(t, m.Healthy())
}

func TestManagerReportsFailedStream(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	log := NewMemoryChangeLog(4)

	m := NewManager(true, nil)
	m.Register(NewConsumer(ConsumerConfig{Name: "orders"}, log, store, noopHandler, nil))
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	log.Fail(errors.New("cursor lost"))

	require.Eventually(t, func() bool {
		return !m.Healthy()
	}, 2*time.Second, 10*time.Millisecond)

	rep := m.Report()
	assert.Equal(t, "orders", rep.FailedStream)
	assert.Contains(t, rep.Error, "cursor lost")
	assert.Equal(t, 0, rep.RunningStreams, "a failed stream no longer counts as running")
}

func TestManagerDisabled(t *testing.T) {
	m := NewManager(false, nil)
	require.NoError(t, m.Start(context.Background()))

	rep := m.Report()
	assert.False(t, rep.Enabled)
	assert.False(t, rep.Running)
	assert.True(t, m.Healthy(), "a disabled manager is vacuously healthy")
}

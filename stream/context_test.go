// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextSequenceAssignment(t *testing.T) {
	s := newStreamContext("orders", 4)

	assert.Equal(t, uint64(1), s.begin([]byte("t1")))
	assert.Equal(t, uint64(2), s.begin([]byte("t2")))
	assert.Equal(t, uint64(3), s.begin([]byte("t3")))
}

func TestContextContiguousPrefixAdvance(t *testing.T) {
	s := newStreamContext("orders", 4)
	for i := 1; i <= 3; i++ {
		require.True(t, s.acquireSlot(nil))
	}
	s.begin([]byte("t1"))
	s.begin([]byte("t2"))
	s.begin([]byte("t3"))

	// Batch 2 completes first: the checkpoint must not move past the
	// still-running batch 1.
	seq, token := s.complete(2)
	assert.Equal(t, uint64(0), seq)
	assert.Nil(t, token)
	snap := s.snapshot()
	assert.Equal(t, uint64(0), snap.CheckpointedSequence)

	// Batch 1 completing unlocks the contiguous prefix {1,2}: the
	// returned pair is sequence 2 with batch 2's token, the highest
	// newly passable.
	seq, token = s.complete(1)
	assert.Equal(t, uint64(2), seq)
	assert.Equal(t, []byte("t2"), token)
	snap = s.snapshot()
	assert.Equal(t, uint64(2), snap.CheckpointedSequence)

	seq, token = s.complete(3)
	assert.Equal(t, uint64(3), seq)
	assert.Equal(t, []byte("t3"), token)
	snap = s.snapshot()
	assert.Equal(t, uint64(3), snap.CheckpointedSequence)
	assert.Equal(t, uint64(3), snap.BatchesProcessed)
	assert.Equal(t, uint64(3), snap.CheckpointedBatches)
	assert.Equal(t, 0, snap.InFlight)
}

func TestContextCompleteUnknownSequence(t *testing.T) {
	s := newStreamContext("orders", 2)
	seq, token := s.complete(42)
	assert.Equal(t, uint64(0), seq)
	assert.Nil(t, token)
	assert.Equal(t, uint64(0), s.snapshot().BatchesProcessed)
}

func TestContextSlotBounding(t *testing.T) {
	s := newStreamContext("orders", 2)

	require.True(t, s.acquireSlot(nil))
	require.True(t, s.acquireSlot(nil))
	s.begin([]byte("t1"))
	s.begin([]byte("t2"))

	// No slot free: a closed done channel must abort instead of block.
	done := make(chan struct{})
	close(done)
	assert.False(t, s.acquireSlot(done))

	s.complete(1)
	assert.True(t, s.acquireSlot(nil), "completion frees a slot")
}

func TestContextFatal(t *testing.T) {
	s := newStreamContext("orders", 2)
	require.NoError(t, s.fatal())

	first := errors.New("change log failed")
	s.setFatal(first)
	s.setFatal(errors.New("later error"))

	assert.Equal(t, first, s.fatal(), "first fatal error wins")
	assert.Equal(t, first.Error(), s.snapshot().Error)
}

func TestContextCorruptCheckpointCounter(t *testing.T) {
	s := newStreamContext("orders", 2)
	s.recordCorruptCheckpoint()
	s.recordCorruptCheckpoint()
	assert.Equal(t, uint64(2), s.snapshot().CorruptCheckpoints)
}

func TestContextDefaultInflight(t *testing.T) {
	s := newStreamContext("orders", 0)
	assert.Equal(t, 4, s.maxInflight)
	assert.Equal(t, 4, s.snapshot().AvailableSlots)
}

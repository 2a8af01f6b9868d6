// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"sync"
)

// inflightBatch tracks one sequenced batch until the checkpoint
// passes it.
type inflightBatch struct {
	token []byte
	done  bool
}

// streamContext is the runtime state of one consumer. It is mutated
// only by the consumer's own loop (sequence assignment) and by
// completion callbacks from in-flight batches (completion marking).
//
// The checkpoint advances under the contiguous-prefix rule: sequence
// N is passed only once every batch with a smaller sequence has
// completed, even when later batches finish first.
type streamContext struct {
	name        string
	maxInflight int

	slots chan struct{}

	mu               sync.Mutex
	currentSeq       uint64
	lastCheckpointed uint64
	inflight         map[uint64]*inflightBatch

	batchesProcessed    uint64
	checkpointedBatches uint64
	corruptCheckpoints  uint64
	fatalErr            error
}

func newStreamContext(name string, maxInflight int) *streamContext {
	if maxInflight <= 0 {
		maxInflight = 4
	}
	return &streamContext{
		name:        name,
		maxInflight: maxInflight,
		slots:       make(chan struct{}, maxInflight),
		inflight:    make(map[uint64]*inflightBatch),
	}
}

// acquireSlot blocks until an in-flight slot is free. Returns false
// when done closes first.
func (s *streamContext) acquireSlot(done <-chan struct{}) bool {
	select {
	case s.slots <- struct{}{}:
		return true
	case <-done:
		return false
	}
}

// begin assigns the next sequence number to a batch and tracks it as
// in flight. The caller must hold a slot.
func (s *streamContext) begin(token []byte) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.currentSeq++
	s.inflight[s.currentSeq] = &inflightBatch{token: token}
	return s.currentSeq
}

// complete marks seq done, releases its slot, and advances the
// checkpoint over the contiguous completed prefix. It returns the new
// checkpointed sequence paired with its token, so the caller persists
// exactly the cursor the advance produced, or (0, nil) when the
// checkpoint did not move.
func (s *streamContext) complete(seq uint64) (uint64, []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.inflight[seq]
	if !ok {
		return 0, nil
	}
	b.done = true
	s.batchesProcessed++
	<-s.slots

	var token []byte
	for {
		next, ok := s.inflight[s.lastCheckpointed+1]
		if !ok || !next.done {
			break
		}
		s.lastCheckpointed++
		s.checkpointedBatches++
		token = next.token
		delete(s.inflight, s.lastCheckpointed)
	}
	if token == nil {
		return 0, nil
	}
	return s.lastCheckpointed, token
}

func (s *streamContext) setFatal(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fatalErr == nil {
		s.fatalErr = err
	}
}

func (s *streamContext) fatal() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatalErr
}

func (s *streamContext) recordCorruptCheckpoint() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.corruptCheckpoints++
}

// Snapshot is a point-in-time view of a stream's runtime state.
type Snapshot struct {
	Name                 string `json:"name"`
	CurrentSequence      uint64 `json:"currentSequence"`
	CheckpointedSequence uint64 `json:"checkpointedSequence"`
	InFlight             int    `json:"inFlight"`
	AvailableSlots       int    `json:"availableSlots"`
	BatchesProcessed     uint64 `json:"batchesProcessed"`
	CheckpointedBatches  uint64 `json:"checkpointedBatches"`
	CorruptCheckpoints   uint64 `json:"corruptCheckpoints"`
	Error                string `json:"error,omitempty"`
}

func (s *streamContext) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	inflight := 0
	for _, b := range s.inflight {
		if !b.done {
			inflight++
		}
	}

	snap := Snapshot{
		Name:                 s.name,
		CurrentSequence:      s.currentSeq,
		CheckpointedSequence: s.lastCheckpointed,
		InFlight:             inflight,
		AvailableSlots:       s.maxInflight - len(s.slots),
		BatchesProcessed:     s.batchesProcessed,
		CheckpointedBatches:  s.checkpointedBatches,
		CorruptCheckpoints:   s.corruptCheckpoints,
	}
	if s.fatalErr != nil {
		snap.Error = s.fatalErr.Error()
	}
	return snap
}

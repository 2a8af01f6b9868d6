// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"context"
	"log/slog"
	"sync"
)

// Manager runs a set of named change-stream consumers and exposes an
// aggregate runtime report.
type Manager struct {
	logger *slog.Logger

	mu        sync.RWMutex
	consumers map[string]*Consumer
	enabled   bool
	running   bool
}

// NewManager creates an empty stream manager. Enabled controls whether
// Start launches consumers; a disabled manager still reports.
func NewManager(enabled bool, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:    logger,
		consumers: make(map[string]*Consumer),
		enabled:   enabled,
	}
}

// Register adds a consumer. Registration after Start has no effect on
// the running set.
func (m *Manager) Register(c *Consumer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consumers[c.cfg.Name] = c
}

// Start launches all registered consumers. The first startup failure
// aborts and stops consumers already started.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.enabled {
		m.logger.Info("Stream processing disabled")
		return nil
	}
	if m.running {
		return nil
	}

	var started []*Consumer
	for name, c := range m.consumers {
		if err := c.Start(ctx); err != nil {
			m.logger.Error("Failed to start stream consumer", "stream", name, "error", err)
			for _, s := range started {
				s.Stop()
			}
			return err
		}
		started = append(started, c)
	}

	m.running = true
	m.logger.Info("Stream manager started", "streams", len(m.consumers))
	return nil
}

// Stop halts all consumers and waits for their in-flight batches.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	for _, c := range m.consumers {
		c.Stop()
	}
	m.running = false
	m.logger.Info("Stream manager stopped")
}

// Healthy reports whether every running consumer is free of fatal
// errors. A disabled manager is always healthy.
func (m *Manager) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.enabled {
		return true
	}
	for _, c := range m.consumers {
		if !c.Healthy() {
			return false
		}
	}
	return true
}

// Report aggregates the runtime state of all streams.
type Report struct {
	Enabled        bool `json:"enabled"`
	Running        bool `json:"running"`
	TotalStreams   int  `json:"totalStreams"`
	RunningStreams int  `json:"runningStreams"`

	TotalBatchesProcessed          uint64 `json:"totalBatchesProcessed"`
	TotalCheckpointedBatches       uint64 `json:"totalCheckpointedBatches"`
	TotalInFlightBatches           int    `json:"totalInFlightBatches"`
	TotalAvailableConcurrencySlots int    `json:"totalAvailableConcurrencySlots"`

	Streams []Snapshot `json:"streams,omitempty"`

	// FailedStream names the first stream with a fatal error.
	FailedStream string `json:"failedStream,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Report returns a point-in-time aggregate across all consumers.
func (m *Manager) Report() Report {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rep := Report{
		Enabled:      m.enabled,
		Running:      m.running,
		TotalStreams: len(m.consumers),
	}

	for _, c := range m.consumers {
		snap := c.Snapshot()
		rep.Streams = append(rep.Streams, snap)
		rep.TotalBatchesProcessed += snap.BatchesProcessed
		rep.TotalCheckpointedBatches += snap.CheckpointedBatches
		rep.TotalInFlightBatches += snap.InFlight
		rep.TotalAvailableConcurrencySlots += snap.AvailableSlots

		if snap.Error == "" {
			if m.running {
				rep.RunningStreams++
			}
		} else if rep.FailedStream == "" {
			rep.FailedStream = snap.Name
			rep.Error = snap.Error
		}
	}
	return rep
}

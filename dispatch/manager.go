// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ManagerConfig tunes the dispatch manager.
type ManagerConfig struct {
	DefaultConcurrency int
	PoolOptions        PoolOptions

	// Stale pipeline entry cleanup. Entries older than TTL are
	// evicted to cap memory if a message gets stuck mid-flight.
	CleanupInterval time.Duration
	CleanupTTL      time.Duration
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		DefaultConcurrency: DefaultConcurrency,
		PoolOptions:        DefaultPoolOptions(),
		CleanupInterval:    5 * time.Minute,
		CleanupTTL:         time.Hour,
	}
}

// Manager routes consumed messages to processing pools. It tracks
// in-pipeline messages under two keys, the queue-assigned broker id
// and the application message id, so redeliveries and external
// requeues are detected and never processed twice concurrently.
type Manager struct {
	cfg       ManagerConfig
	processor Processor
	logger    *slog.Logger

	poolsMu sync.RWMutex
	pools   map[string]*ProcessPool

	// pipelineKey (broker id, or app id when absent) -> *Message.
	inPipeline sync.Map
	// pipelineKey -> admission time (unix millis).
	pipelineTimes sync.Map
	// app message id -> pipelineKey, for requeue detection.
	appToPipeline sync.Map

	running   bool
	runningMu sync.Mutex

	cleanupCancel context.CancelFunc
	cleanupWg     sync.WaitGroup
}

// NewManager creates a dispatch manager delivering through processor.
func NewManager(cfg ManagerConfig, processor Processor, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultConcurrency <= 0 {
		cfg.DefaultConcurrency = DefaultConcurrency
	}
	return &Manager{
		cfg:       cfg,
		processor: processor,
		logger:    logger,
		pools:     make(map[string]*ProcessPool),
	}
}

// Start begins accepting messages and starts the cleanup loop.
func (m *Manager) Start() {
	m.runningMu.Lock()
	defer m.runningMu.Unlock()
	if m.running {
		return
	}
	m.running = true

	if m.cfg.CleanupInterval > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		m.cleanupCancel = cancel
		m.cleanupWg.Add(1)
		go m.runCleanup(ctx)
	}

	m.logger.Info("Dispatch manager started")
}

// Stop stops admission and shuts down every pool.
func (m *Manager) Stop() {
	m.runningMu.Lock()
	m.running = false
	m.runningMu.Unlock()

	if m.cleanupCancel != nil {
		m.cleanupCancel()
		m.cleanupWg.Wait()
	}

	m.poolsMu.Lock()
	defer m.poolsMu.Unlock()
	for code, p := range m.pools {
		m.logger.Info("Shutting down pool", "pool", code)
		p.Shutdown()
	}

	m.logger.Info("Dispatch manager stopped")
}

func (m *Manager) isRunning() bool {
	m.runningMu.Lock()
	defer m.runningMu.Unlock()
	return m.running
}

// GetOrCreatePool returns the pool for cfg.Code, creating it if
// needed. An existing pool is returned unchanged.
func (m *Manager) GetOrCreatePool(cfg PoolConfig) *ProcessPool {
	m.poolsMu.Lock()
	defer m.poolsMu.Unlock()

	if p, ok := m.pools[cfg.Code]; ok {
		return p
	}

	p := NewProcessPool(cfg, m.processor, &managerCallback{m}, m.cfg.PoolOptions, m.logger)
	m.pools[cfg.Code] = p

	m.logger.Info("Created processing pool",
		"pool", cfg.Code, "concurrency", p.Concurrency(), "capacity", p.QueueCapacity())
	return p
}

// GetPool returns the pool for code, or nil.
func (m *Manager) GetPool(code string) *ProcessPool {
	m.poolsMu.RLock()
	defer m.poolsMu.RUnlock()
	return m.pools[code]
}

// UpdatePool applies a configuration change to a live pool. The rate
// limit is hot-swapped. A concurrency change rebuilds the pool: the
// semaphore of a live pool is never resized, so a new instance is
// constructed, the map reference swapped, and the old pool drained in
// the background.
func (m *Manager) UpdatePool(cfg PoolConfig) bool {
	m.poolsMu.Lock()
	old, ok := m.pools[cfg.Code]
	if !ok {
		m.poolsMu.Unlock()
		return false
	}

	if cfg.Concurrency > 0 && cfg.Concurrency != old.Concurrency() {
		replacement := NewProcessPool(cfg, m.processor, &managerCallback{m}, m.cfg.PoolOptions, m.logger)
		m.pools[cfg.Code] = replacement
		m.poolsMu.Unlock()

		m.logger.Info("Replacing pool for concurrency change",
			"pool", cfg.Code, "old", old.Concurrency(), "new", cfg.Concurrency)
		go func() {
			old.Drain()
			old.Shutdown()
		}()
		return true
	}
	m.poolsMu.Unlock()

	old.UpdateRateLimit(cfg.RateLimitPerMinute)
	return true
}

// RemovePool drains and shuts down a pool, then forgets it.
func (m *Manager) RemovePool(code string) {
	m.poolsMu.Lock()
	p, ok := m.pools[code]
	if ok {
		delete(m.pools, code)
	}
	m.poolsMu.Unlock()

	if ok {
		m.logger.Info("Removing processing pool", "pool", code)
		p.Drain()
		p.Shutdown()
	}
}

// Route admits a consumed message into its pool. It returns true when
// the message is being handled (including the duplicate case, where
// the caller must not retry) and false when the pool rejected it and
// it should be nacked for redelivery.
func (m *Manager) Route(msg *Message) bool {
	if !m.isRunning() {
		return false
	}

	pipelineKey := msg.BrokerMessageID
	if pipelineKey == "" {
		pipelineKey = msg.ID
	}

	// Redelivery of a message still in flight (visibility timeout
	// expired under us): already being handled.
	if msg.BrokerMessageID != "" {
		if _, exists := m.inPipeline.Load(msg.BrokerMessageID); exists {
			m.logger.Debug("Duplicate redelivery while in pipeline",
				"broker_message_id", msg.BrokerMessageID, "message_id", msg.ID)
			m.recordDeduped()
			return true
		}
	}

	// Same application id under a different broker id: an external
	// requeue produced a second copy while the first is in flight.
	if existing, ok := m.appToPipeline.Load(msg.ID); ok {
		if msg.BrokerMessageID != "" && msg.BrokerMessageID != existing.(string) {
			m.logger.Info("Requeued duplicate detected",
				"message_id", msg.ID, "existing_key", existing.(string),
				"new_key", msg.BrokerMessageID)
		}
		m.recordDeduped()
		return true
	}

	m.inPipeline.Store(pipelineKey, msg)
	m.pipelineTimes.Store(pipelineKey, time.Now().UnixMilli())
	m.appToPipeline.Store(msg.ID, pipelineKey)

	poolCode := poolCodeOf(msg)
	p := m.GetOrCreatePool(PoolConfig{
		Code:        poolCode,
		Concurrency: m.cfg.DefaultConcurrency,
	})

	if !p.Submit(msg) {
		m.forget(msg)
		return false
	}
	return true
}

func (m *Manager) recordDeduped() {
	if m.cfg.PoolOptions.Metrics != nil {
		m.cfg.PoolOptions.Metrics.RecordDeduped(context.Background())
	}
}

func poolCodeOf(msg *Message) string {
	if msg.Headers != nil {
		if code := msg.Headers["X-Dispatch-Pool"]; code != "" {
			return code
		}
	}
	return DefaultPoolCode
}

// forget removes a message from all pipeline tracking maps.
func (m *Manager) forget(msg *Message) {
	pipelineKey := msg.BrokerMessageID
	if pipelineKey == "" {
		pipelineKey = msg.ID
	}
	m.inPipeline.Delete(pipelineKey)
	m.pipelineTimes.Delete(pipelineKey)
	m.appToPipeline.Delete(msg.ID)
}

// PipelineSize returns the number of tracked in-flight messages.
func (m *Manager) PipelineSize() int {
	n := 0
	m.inPipeline.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Stats returns per-pool statistics snapshots.
func (m *Manager) Stats() []PoolStats {
	m.poolsMu.RLock()
	defer m.poolsMu.RUnlock()

	out := make([]PoolStats, 0, len(m.pools))
	for _, p := range m.pools {
		out = append(out, p.Stats())
	}
	return out
}

// runCleanup evicts pipeline entries older than the TTL. Entries
// only go stale if an ack/nack was lost, so eviction is logged.
func (m *Manager) runCleanup(ctx context.Context) {
	defer m.cleanupWg.Done()

	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.cleanupStale()
		}
	}
}

func (m *Manager) cleanupStale() {
	now := time.Now().UnixMilli()
	ttl := m.cfg.CleanupTTL.Milliseconds()
	cleaned := 0

	m.pipelineTimes.Range(func(key, value any) bool {
		if now-value.(int64) <= ttl {
			return true
		}
		pipelineKey := key.(string)
		if v, ok := m.inPipeline.Load(pipelineKey); ok {
			if msg, ok := v.(*Message); ok {
				m.appToPipeline.Delete(msg.ID)
			}
		}
		m.inPipeline.Delete(pipelineKey)
		m.pipelineTimes.Delete(pipelineKey)
		cleaned++
		return true
	})

	if cleaned > 0 {
		m.logger.Warn("Evicted stale pipeline entries",
			"count", cleaned, "ttl", m.cfg.CleanupTTL)
	}
}

// managerCallback cleans pipeline tracking before issuing the
// underlying queue acknowledgement.
type managerCallback struct {
	m *Manager
}

func (c *managerCallback) Ack(msg *Message) {
	c.m.forget(msg)
	if msg.AckFunc != nil {
		if err := msg.AckFunc(); err != nil {
			c.m.logger.Error("Failed to ack message", "message_id", msg.ID, "error", err)
		}
	}
}

func (c *managerCallback) Nack(msg *Message) {
	c.m.forget(msg)
	if msg.NackFunc != nil {
		if err := msg.NackFunc(); err != nil {
			c.m.logger.Error("Failed to nack message", "message_id", msg.ID, "error", err)
		}
	}
}

func (c *managerCallback) NackDelay(msg *Message, delay time.Duration) {
	c.m.forget(msg)
	if msg.NackDelayFunc != nil {
		if err := msg.NackDelayFunc(delay); err != nil {
			c.m.logger.Error("Failed to nack message with delay",
				"message_id", msg.ID, "delay", delay, "error", err)
		}
	} else if msg.NackFunc != nil {
		if err := msg.NackFunc(); err != nil {
			c.m.logger.Error("Failed to nack message", "message_id", msg.ID, "error", err)
		}
	}
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/dispatch/checkpoint"
)

// MetricsRecorder receives stream metric events. All methods must be
// safe for concurrent use; a nil recorder disables recording.
type MetricsRecorder interface {
	RecordCheckpointed(ctx context.Context, stream string, n int64)
	RecordCorruptCheckpoint(ctx context.Context, stream string)
	BatchStarted(ctx context.Context, stream string)
	BatchFinished(ctx context.Context, stream string, durationMs float64)
}

// ConsumerConfig configures one change-stream consumer.
type ConsumerConfig struct {
	Name string
	// MaxInflight bounds how many batches may be processing at once.
	MaxInflight int
	// HandlerRetries bounds redelivery attempts for a failing batch
	// before the stream is marked fatal. Skipping the batch instead
	// would break the contiguous-prefix guarantee.
	HandlerRetries int
	// HandlerRetryDelay is the base backoff between handler retries.
	HandlerRetryDelay time.Duration
	// Metrics, when non-nil, receives per-batch metric events.
	Metrics MetricsRecorder
}

// Consumer drives one resumable change-log stream.
type Consumer struct {
	cfg     ConsumerConfig
	log     ChangeLog
	store   checkpoint.Store
	handler BatchHandler
	logger  *slog.Logger

	sctx *streamContext

	// saveMu serializes checkpoint persistence: completions arrive
	// from handler goroutines, but the store sees a single writer.
	saveMu       sync.Mutex
	lastSavedSeq uint64

	cancel  context.CancelFunc
	done    chan struct{}
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// NewConsumer creates a consumer over the given change log, handler
// and checkpoint store.
func NewConsumer(cfg ConsumerConfig, log ChangeLog, store checkpoint.Store, handler BatchHandler, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HandlerRetries <= 0 {
		cfg.HandlerRetries = 5
	}
	if cfg.HandlerRetryDelay <= 0 {
		cfg.HandlerRetryDelay = time.Second
	}

	return &Consumer{
		cfg:     cfg,
		log:     log,
		store:   store,
		handler: handler,
		logger:  logger.With("stream", cfg.Name),
		sctx:    newStreamContext(cfg.Name, cfg.MaxInflight),
		done:    make(chan struct{}),
	}
}

// Start resumes the stream from its checkpoint and begins intake.
// A missing or corrupt checkpoint starts from the beginning; an
// unreachable checkpoint store is fatal for the stream.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	c.mu.Unlock()

	token, err := c.store.Get(ctx, c.cfg.Name)
	if errors.Is(err, checkpoint.ErrCorrupt) {
		// Unlike a fresh stream, a corrupt cursor can mean events are
		// about to be silently reprocessed, so it is counted and
		// logged loudly before restarting from the beginning.
		c.logger.Warn("Corrupt checkpoint, starting from the beginning", "error", err)
		c.sctx.recordCorruptCheckpoint()
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.RecordCorruptCheckpoint(ctx, c.cfg.Name)
		}
		token, err = nil, nil
	}
	if err != nil {
		err = fmt.Errorf("checkpoint store unavailable: %w", err)
		c.sctx.setFatal(err)
		return err
	}
	if token == nil {
		c.logger.Info("No checkpoint found, starting from the beginning")
	} else {
		c.logger.Info("Resuming from checkpoint", "token_bytes", len(token))
	}

	if err := c.log.Open(ctx, token); err != nil {
		err = fmt.Errorf("failed to open change log: %w", err)
		c.sctx.setFatal(err)
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.wg.Add(1)
	go c.run(runCtx)

	c.logger.Info("Stream consumer started", "max_inflight", c.sctx.maxInflight)
	return nil
}

// Stop halts intake and waits for in-flight batches to finish.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.mu.Unlock()

	close(c.done)
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	if err := c.log.Close(); err != nil {
		c.logger.Warn("Failed to close change log", "error", err)
	}
	c.logger.Info("Stream consumer stopped")
}

// Healthy reports whether the stream has not failed.
func (c *Consumer) Healthy() bool {
	return c.sctx.fatal() == nil
}

// Err returns the stream's fatal error, if any.
func (c *Consumer) Err() error {
	return c.sctx.fatal()
}

// Snapshot returns the stream's runtime state.
func (c *Consumer) Snapshot() Snapshot {
	return c.sctx.snapshot()
}

// run is the intake loop: pull a batch, assign it a sequence, hand it
// to a bounded number of concurrent handler goroutines.
func (c *Consumer) run(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		batch, err := c.log.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			// A broken change-log connection is fatal: surfaced via
			// the health report for operator intervention, never
			// retried in a tight loop.
			c.logger.Error("Change log failed, stopping intake", "error", err)
			c.sctx.setFatal(fmt.Errorf("change log failed: %w", err))
			return
		}
		if batch == nil || len(batch.Events) == 0 {
			continue
		}

		if !c.sctx.acquireSlot(ctx.Done()) {
			return
		}
		seq := c.sctx.begin(batch.Token)

		c.wg.Add(1)
		go c.processBatch(ctx, seq, batch)
	}
}

// processBatch runs the handler with bounded retries, then marks the
// batch complete and persists any newly checkpointable token.
func (c *Consumer) processBatch(ctx context.Context, seq uint64, batch *Batch) {
	defer c.wg.Done()

	if c.cfg.Metrics != nil {
		start := time.Now()
		c.cfg.Metrics.BatchStarted(ctx, c.cfg.Name)
		defer func() {
			c.cfg.Metrics.BatchFinished(ctx, c.cfg.Name,
				float64(time.Since(start))/float64(time.Millisecond))
		}()
	}

	var lastErr error
	for attempt := 0; attempt < c.cfg.HandlerRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.cfg.HandlerRetryDelay * time.Duration(attempt)):
			case <-ctx.Done():
				return
			}
		}
		if lastErr = c.handler(ctx, batch.Events); lastErr == nil {
			break
		}
		c.logger.Warn("Batch handler failed",
			"sequence", seq, "attempt", attempt+1, "error", lastErr)
	}
	if lastErr != nil {
		// The batch cannot complete, so the checkpoint must never
		// pass it; the whole stream stops for operator remediation.
		c.sctx.setFatal(fmt.Errorf("batch %d failed after %d attempts: %w",
			seq, c.cfg.HandlerRetries, lastErr))
		if c.cancel != nil {
			c.cancel()
		}
		return
	}

	ckSeq, token := c.sctx.complete(seq)
	if token == nil {
		return
	}

	c.saveCheckpoint(ctx, ckSeq, token)
}

// saveCheckpoint persists the (sequence, token) pair a checkpoint
// advance produced, skipping pairs a newer completion already
// superseded so the stored token always matches the saved sequence.
// Upsert semantics make replays safe.
func (c *Consumer) saveCheckpoint(ctx context.Context, seq uint64, token []byte) {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	if seq <= c.lastSavedSeq {
		return
	}

	if err := c.store.Save(ctx, c.cfg.Name, token); err != nil {
		c.logger.Error("Checkpoint write failed", "sequence", seq, "error", err)
		c.sctx.setFatal(fmt.Errorf("checkpoint store unavailable: %w", err))
		if c.cancel != nil {
			c.cancel()
		}
		return
	}

	advanced := seq - c.lastSavedSeq
	c.lastSavedSeq = seq
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordCheckpointed(ctx, c.cfg.Name, int64(advanced))
	}
}

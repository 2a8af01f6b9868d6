// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds OpenTelemetry metric instruments for the dispatch
// engine.
type Metrics struct {
	meter metric.Meter

	// Counters
	messagesProcessed  metric.Int64Counter
	messagesSucceeded  metric.Int64Counter
	messagesFailed     metric.Int64Counter
	messagesDeferred   metric.Int64Counter
	messagesDeduped    metric.Int64Counter
	rateLimitHits      metric.Int64Counter
	checkpointedTotal  metric.Int64Counter
	corruptCheckpoints metric.Int64Counter

	// UpDownCounters (gauges)
	activeWorkers   metric.Int64UpDownCounter
	queueDepth      metric.Int64UpDownCounter
	inflightBatches metric.Int64UpDownCounter

	// Histograms
	deliveryDuration metric.Float64Histogram
	batchDuration    metric.Float64Histogram
}

// NewMetrics creates a new Metrics instance with all instruments initialized.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		meter: otel.Meter("dispatch"),
	}

	var err error

	m.messagesProcessed, err = m.meter.Int64Counter(
		"dispatch.messages.processed.total",
		metric.WithDescription("Total messages processed by pools"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesProcessed counter: %w", err)
	}

	m.messagesSucceeded, err = m.meter.Int64Counter(
		"dispatch.messages.succeeded.total",
		metric.WithDescription("Total messages delivered successfully"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesSucceeded counter: %w", err)
	}

	m.messagesFailed, err = m.meter.Int64Counter(
		"dispatch.messages.failed.total",
		metric.WithDescription("Total messages that failed delivery"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesFailed counter: %w", err)
	}

	m.messagesDeferred, err = m.meter.Int64Counter(
		"dispatch.messages.deferred.total",
		metric.WithDescription("Total messages deferred by the target"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesDeferred counter: %w", err)
	}

	m.messagesDeduped, err = m.meter.Int64Counter(
		"dispatch.messages.deduped.total",
		metric.WithDescription("Total duplicate messages dropped at routing"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesDeduped counter: %w", err)
	}

	m.rateLimitHits, err = m.meter.Int64Counter(
		"dispatch.ratelimit.hits.total",
		metric.WithDescription("Total deliveries delayed by a pool rate limit"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rateLimitHits counter: %w", err)
	}

	m.checkpointedTotal, err = m.meter.Int64Counter(
		"dispatch.stream.checkpointed.total",
		metric.WithDescription("Total stream batches passed by the checkpoint"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkpointedTotal counter: %w", err)
	}

	m.corruptCheckpoints, err = m.meter.Int64Counter(
		"dispatch.stream.corrupt_checkpoints.total",
		metric.WithDescription("Total corrupt checkpoint records treated as absent"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create corruptCheckpoints counter: %w", err)
	}

	m.activeWorkers, err = m.meter.Int64UpDownCounter(
		"dispatch.workers.active",
		metric.WithDescription("Workers currently delivering a message"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create activeWorkers gauge: %w", err)
	}

	m.queueDepth, err = m.meter.Int64UpDownCounter(
		"dispatch.queue.depth",
		metric.WithDescription("Messages admitted to pools and not yet completed"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queueDepth gauge: %w", err)
	}

	m.inflightBatches, err = m.meter.Int64UpDownCounter(
		"dispatch.stream.inflight_batches",
		metric.WithDescription("Stream batches currently being handled"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create inflightBatches gauge: %w", err)
	}

	m.deliveryDuration, err = m.meter.Float64Histogram(
		"dispatch.delivery.duration",
		metric.WithDescription("Message delivery duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deliveryDuration histogram: %w", err)
	}

	m.batchDuration, err = m.meter.Float64Histogram(
		"dispatch.stream.batch.duration",
		metric.WithDescription("Stream batch handling duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create batchDuration histogram: %w", err)
	}

	return m, nil
}

// RecordProcessed records one processed message with its outcome.
func (m *Metrics) RecordProcessed(ctx context.Context, pool, outcome string) {
	attrs := metric.WithAttributes(
		attribute.String("pool", pool),
		attribute.String("outcome", outcome),
	)
	m.messagesProcessed.Add(ctx, 1, attrs)
}

// RecordSuccess records one successful delivery and its latency.
func (m *Metrics) RecordSuccess(ctx context.Context, pool string, latencyMs float64) {
	attrs := metric.WithAttributes(attribute.String("pool", pool))
	m.messagesSucceeded.Add(ctx, 1, attrs)
	m.deliveryDuration.Record(ctx, latencyMs, attrs)
}

// RecordFailure records one failed delivery.
func (m *Metrics) RecordFailure(ctx context.Context, pool string) {
	m.messagesFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("pool", pool)))
}

// RecordDeferred records one deferred delivery.
func (m *Metrics) RecordDeferred(ctx context.Context, pool string) {
	m.messagesDeferred.Add(ctx, 1, metric.WithAttributes(attribute.String("pool", pool)))
}

// RecordDeduped records one duplicate dropped at routing.
func (m *Metrics) RecordDeduped(ctx context.Context) {
	m.messagesDeduped.Add(ctx, 1)
}

// RecordRateLimited records one delivery delayed by a pool's limiter.
func (m *Metrics) RecordRateLimited(ctx context.Context, pool string) {
	m.rateLimitHits.Add(ctx, 1, metric.WithAttributes(attribute.String("pool", pool)))
}

// RecordCheckpointed records n batches passed by a stream checkpoint.
func (m *Metrics) RecordCheckpointed(ctx context.Context, stream string, n int64) {
	m.checkpointedTotal.Add(ctx, n, metric.WithAttributes(attribute.String("stream", stream)))
}

// RecordCorruptCheckpoint records one corrupt checkpoint record.
func (m *Metrics) RecordCorruptCheckpoint(ctx context.Context, stream string) {
	m.corruptCheckpoints.Add(ctx, 1, metric.WithAttributes(attribute.String("stream", stream)))
}

// WorkerStarted and WorkerFinished track the active worker gauge.
func (m *Metrics) WorkerStarted(ctx context.Context, pool string) {
	m.activeWorkers.Add(ctx, 1, metric.WithAttributes(attribute.String("pool", pool)))
}

func (m *Metrics) WorkerFinished(ctx context.Context, pool string) {
	m.activeWorkers.Add(ctx, -1, metric.WithAttributes(attribute.String("pool", pool)))
}

// QueueDepthChanged adjusts the admitted-but-incomplete gauge.
func (m *Metrics) QueueDepthChanged(ctx context.Context, pool string, delta int64) {
	m.queueDepth.Add(ctx, delta, metric.WithAttributes(attribute.String("pool", pool)))
}

// BatchStarted and BatchFinished track stream batch handling.
func (m *Metrics) BatchStarted(ctx context.Context, stream string) {
	m.inflightBatches.Add(ctx, 1, metric.WithAttributes(attribute.String("stream", stream)))
}

func (m *Metrics) BatchFinished(ctx context.Context, stream string, durationMs float64) {
	attrs := metric.WithAttributes(attribute.String("stream", stream))
	m.inflightBatches.Add(ctx, -1, attrs)
	m.batchDuration.Record(ctx, durationMs, attrs)
}

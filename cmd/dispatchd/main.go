// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/dispatch/checkpoint"
	"github.com/absmach/dispatch/config"
	"github.com/absmach/dispatch/dispatch"
	"github.com/absmach/dispatch/mediator"
	"github.com/absmach/dispatch/queue"
	"github.com/absmach/dispatch/server/health"
	"github.com/absmach/dispatch/server/otel"
	"github.com/absmach/dispatch/stream"
	"github.com/google/uuid"
)

// dequeuer is satisfied by the queue backends that support in-process
// consumption (embedded and memory).
type dequeuer interface {
	Dequeue(ctx context.Context, max int) ([]*queue.Message, error)
}

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	instanceID := uuid.NewString()

	slog.Info("Starting dispatch engine", "version", cfg.Server.OtelServiceVersion)
	slog.Info("Configuration loaded",
		"queue_type", cfg.Queue.Type,
		"checkpoint_type", cfg.Checkpoint.Type,
		"streams", len(cfg.Streams),
		"health_enabled", cfg.Server.HealthEnabled,
		"log_level", cfg.Log.Level)

	var (
		otelShutdown func(context.Context) error
		metrics      *otel.Metrics
	)
	if cfg.Server.MetricsEnabled {
		shutdown, err := otel.InitProvider(cfg.Server, instanceID)
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		otelShutdown = shutdown

		metrics, err = otel.NewMetrics()
		if err != nil {
			slog.Error("Failed to create metric instruments", "error", err)
			os.Exit(1)
		}
		slog.Info("OpenTelemetry initialized", "endpoint", cfg.Server.OtelEndpoint)
	} else {
		slog.Info("OpenTelemetry disabled")
	}

	var store checkpoint.Store
	switch cfg.Checkpoint.Type {
	case "memory":
		store = checkpoint.NewMemoryStore()
		slog.Info("Using in-memory checkpoint store")
	case "badger":
		badgerStore, err := checkpoint.NewBadgerStore(cfg.Checkpoint.BadgerDir, logger)
		if err != nil {
			slog.Error("Failed to initialize BadgerDB checkpoint store", "error", err)
			os.Exit(1)
		}
		store = badgerStore
		slog.Info("Using BadgerDB checkpoint store", "dir", cfg.Checkpoint.BadgerDir)
	case "etcd":
		etcdStore, err := checkpoint.NewEtcdStore(cfg.Checkpoint.EtcdEndpoints, cfg.Checkpoint.EtcdDialTimeout, logger)
		if err != nil {
			slog.Error("Failed to initialize etcd checkpoint store", "error", err)
			os.Exit(1)
		}
		store = etcdStore
		slog.Info("Using etcd checkpoint store", "endpoints", cfg.Checkpoint.EtcdEndpoints)
	default:
		slog.Error("Unknown checkpoint store type", "type", cfg.Checkpoint.Type)
		os.Exit(1)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	publisher, err := queue.New(ctx, queue.Config{
		Type:         queue.Type(cfg.Queue.Type),
		QueueURL:     cfg.Queue.QueueURL,
		QueueName:    cfg.Queue.QueueName,
		BrokerURL:    cfg.Queue.BrokerURL,
		FIFO:         cfg.Queue.FIFO,
		Dedup:        cfg.Queue.Dedup,
		MaxBatchSize: cfg.Queue.MaxBatchSize,
		StoragePath:  cfg.Queue.StoragePath,
		Compression:  cfg.Queue.Compression,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize queue backend", "error", err)
		os.Exit(1)
	}
	defer publisher.Close()
	slog.Info("Queue backend initialized", "type", publisher.Type())

	med := mediator.New(mediator.Config{
		Timeout:          cfg.Mediator.Timeout,
		FailureThreshold: cfg.Mediator.Breaker.FailureThreshold,
		ResetTimeout:     cfg.Mediator.Breaker.ResetTimeout,
	}, logger)

	poolOpts := dispatch.PoolOptions{
		ShutdownTimeout:   cfg.Pools.ShutdownTimeout,
		DrainPollInterval: cfg.Pools.DrainPollInterval,
	}
	if metrics != nil {
		poolOpts.Metrics = metrics
	}

	manager := dispatch.NewManager(dispatch.ManagerConfig{
		DefaultConcurrency: cfg.Pools.DefaultConcurrency,
		PoolOptions:        poolOpts,
		CleanupInterval:    cfg.Pools.CleanupInterval,
		CleanupTTL:         cfg.Pools.CleanupTTL,
	}, med, logger)
	manager.Start()
	defer manager.Stop()

	var wg sync.WaitGroup
	serverErr := make(chan error, 4)

	// In-process consumption is only possible for backends that hold
	// the queue locally. SQS and MQTT are publish-side here; their
	// consumers run elsewhere.
	if dq, ok := publisher.(dequeuer); ok {
		wg.Add(1)
		go func() {
			defer wg.Done()
			consumeLoop(ctx, dq, publisher, manager, cfg.Queue.MaxBatchSize, logger)
		}()
		slog.Info("In-process queue consumer started")
	} else {
		slog.Info("Queue backend is publish-only in this process", "type", publisher.Type())
	}

	enabledStreams := 0
	for _, s := range cfg.Streams {
		if s.Enabled {
			enabledStreams++
		}
	}

	streams := stream.NewManager(enabledStreams > 0, logger)
	var changeLogs []*stream.BadgerChangeLog
	for _, sc := range cfg.Streams {
		if !sc.Enabled {
			continue
		}

		dir := filepath.Join(cfg.Queue.StoragePath, "streams", sc.Name)
		cl, err := stream.NewBadgerChangeLog(dir, sc.BatchSize, logger)
		if err != nil {
			slog.Error("Failed to open change log", "stream", sc.Name, "error", err)
			os.Exit(1)
		}
		changeLogs = append(changeLogs, cl)

		cc := stream.ConsumerConfig{
			Name:        sc.Name,
			MaxInflight: sc.MaxInflight,
		}
		if metrics != nil {
			cc.Metrics = metrics
		}
		consumer := stream.NewConsumer(cc, cl, store, projectionHandler(publisher, sc.Name), logger)
		streams.Register(consumer)
	}
	defer func() {
		for _, cl := range changeLogs {
			cl.Close()
		}
	}()

	if err := streams.Start(ctx); err != nil {
		slog.Error("Failed to start stream manager", "error", err)
		os.Exit(1)
	}
	defer streams.Stop()

	if cfg.Server.HealthEnabled {
		healthServer := health.New(health.Config{
			Address:         cfg.Server.HealthAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, manager, streams, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := healthServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	slog.Info("Dispatch engine started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
	}

	cancel()

	streams.Stop()
	manager.Stop()

	if otelShutdown != nil {
		otelCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := otelShutdown(otelCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		}
	}

	wg.Wait()
	slog.Info("Dispatch engine stopped")
}

// consumeLoop pulls messages from a local queue backend and routes
// them into processing pools. Rejected messages (pool at capacity) are
// requeued; failed ones are requeued by the manager's nack callback.
func consumeLoop(ctx context.Context, dq dequeuer, pub queue.Publisher, manager *dispatch.Manager, maxBatch int, logger *slog.Logger) {
	if maxBatch <= 0 {
		maxBatch = 100
	}

	backoff := 50 * time.Millisecond
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := dq.Dequeue(ctx, maxBatch)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("Failed to dequeue messages", "error", err)
			sleep(ctx, time.Second)
			continue
		}
		if len(msgs) == 0 {
			sleep(ctx, backoff)
			continue
		}

		for _, qm := range msgs {
			msg := toDispatchMessage(ctx, qm, pub)
			if !manager.Route(msg) {
				// Pool at capacity or manager stopping: put the
				// message back for a later pass.
				if _, err := pub.Publish(ctx, qm); err != nil {
					logger.Error("Failed to requeue rejected message",
						"message_id", qm.ID, "error", err)
				}
			}
		}
	}
}

// toDispatchMessage maps a queued message to a pool message. Delivery
// metadata rides in the attribute map; local backends delete on
// dequeue, so nack is a republish.
func toDispatchMessage(ctx context.Context, qm *queue.Message, pub queue.Publisher) *dispatch.Message {
	attrs := qm.Attributes
	if attrs == nil {
		attrs = map[string]string{}
		qm.Attributes = attrs
	}

	timeoutSec := 0
	if v := attrs["timeout_seconds"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			timeoutSec = n
		}
	}

	requeue := func() error {
		_, err := pub.Publish(ctx, qm)
		return err
	}

	return &dispatch.Message{
		ID:          qm.ID,
		BatchID:     qm.BatchID,
		GroupID:     qm.GroupID,
		Target:      attrs["target"],
		AuthToken:   attrs["auth_token"],
		ContentType: attrs["content_type"],
		Payload:     qm.Body,
		Headers:     attrs,

		TimeoutSeconds: timeoutSec,

		NackFunc: requeue,
		NackDelayFunc: func(delay time.Duration) error {
			// Republished immediately so the deferred message is back
			// in durable storage before the delay; Dequeue keeps it
			// invisible until the deadline passes. An in-memory timer
			// here would lose the message on a process exit.
			attrs[queue.AttrNotVisibleBefore] = strconv.FormatInt(
				time.Now().Add(delay).UnixMilli(), 10)
			_, err := pub.Publish(ctx, qm)
			return err
		},
	}
}

// projectionHandler publishes each change-log event onto the dispatch
// queue. Events replayed after a crash are deduplicated downstream, so
// the handler is idempotent.
func projectionHandler(pub queue.Publisher, streamName string) stream.BatchHandler {
	return func(ctx context.Context, events []stream.Event) error {
		msgs := make([]*queue.Message, 0, len(events))
		for _, ev := range events {
			msgs = append(msgs, &queue.Message{
				ID:      ev.ID,
				GroupID: streamName,
				Body:    ev.Payload,
			})
		}

		res, err := pub.PublishBatch(ctx, msgs)
		if err != nil {
			return err
		}
		if !res.AllSucceeded() {
			return res.Failed[0].Err
		}
		return nil
	}
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

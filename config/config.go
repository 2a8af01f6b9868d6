// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the dispatch engine.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Queue      QueueConfig      `yaml:"queue"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Pools      PoolsConfig      `yaml:"pools"`
	Mediator   MediatorConfig   `yaml:"mediator"`
	Streams    []StreamConfig   `yaml:"streams"`
}

// ServerConfig holds server-related configuration.
type ServerConfig struct {
	HealthAddr      string        `yaml:"health_addr"`
	HealthEnabled   bool          `yaml:"health_enabled"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// OpenTelemetry configuration
	MetricsEnabled     bool   `yaml:"metrics_enabled"`
	OtelEndpoint       string `yaml:"otel_endpoint"`
	OtelServiceName    string `yaml:"otel_service_name"`
	OtelServiceVersion string `yaml:"otel_service_version"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// QueueConfig holds queue backend configuration.
type QueueConfig struct {
	Type         string `yaml:"type"` // sqs, mqtt, embedded, memory
	QueueURL     string `yaml:"queue_url"`
	QueueName    string `yaml:"queue_name"`
	BrokerURL    string `yaml:"broker_url"` // for the mqtt backend
	FIFO         bool   `yaml:"fifo"`
	Dedup        bool   `yaml:"dedup"`
	MaxBatchSize int    `yaml:"max_batch_size"`

	// Embedded backend settings
	StoragePath string `yaml:"storage_path"`
	Compression bool   `yaml:"compression"`
}

// CheckpointConfig holds checkpoint store configuration.
type CheckpointConfig struct {
	Type string `yaml:"type"` // badger, etcd, memory

	// BadgerDB settings
	BadgerDir string `yaml:"badger_dir"`

	// etcd settings
	EtcdEndpoints   []string      `yaml:"etcd_endpoints"`
	EtcdDialTimeout time.Duration `yaml:"etcd_dial_timeout"`
}

// PoolsConfig holds processing pool defaults.
type PoolsConfig struct {
	DefaultConcurrency int           `yaml:"default_concurrency"`
	CapacityMultiplier int           `yaml:"capacity_multiplier"`
	MinCapacity        int           `yaml:"min_capacity"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`
	DrainPollInterval  time.Duration `yaml:"drain_poll_interval"`

	// Stale pipeline entry cleanup
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	CleanupTTL      time.Duration `yaml:"cleanup_ttl"`
}

// MediatorConfig holds HTTP delivery configuration.
type MediatorConfig struct {
	Timeout time.Duration        `yaml:"timeout"`
	Breaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// StreamConfig defines a single change-stream consumer.
type StreamConfig struct {
	Name        string `yaml:"name"`
	Enabled     bool   `yaml:"enabled"`
	BatchSize   int    `yaml:"batch_size"`
	MaxInflight int    `yaml:"max_inflight"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HealthAddr:         ":8090",
			HealthEnabled:      true,
			ShutdownTimeout:    30 * time.Second,
			MetricsEnabled:     false,
			OtelEndpoint:       "localhost:4317",
			OtelServiceName:    "dispatch",
			OtelServiceVersion: "0.1.0",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Queue: QueueConfig{
			Type:         "embedded",
			FIFO:         true,
			Dedup:        true,
			MaxBatchSize: 100,
			StoragePath:  "/var/lib/dispatch/queue",
			Compression:  true,
		},
		Checkpoint: CheckpointConfig{
			Type:            "badger",
			BadgerDir:       "/var/lib/dispatch/checkpoints",
			EtcdDialTimeout: 5 * time.Second,
		},
		Pools: PoolsConfig{
			DefaultConcurrency: 20,
			CapacityMultiplier: 2,
			MinCapacity:        50,
			ShutdownTimeout:    30 * time.Second,
			DrainPollInterval:  100 * time.Millisecond,
			CleanupInterval:    5 * time.Minute,
			CleanupTTL:         time.Hour,
		},
		Mediator: MediatorConfig{
			Timeout: 30 * time.Second,
			Breaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				ResetTimeout:     60 * time.Second,
			},
		},
	}
}

// Load reads configuration from a YAML file, applying defaults for
// missing fields. An empty filename returns the defaults.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch c.Queue.Type {
	case "sqs":
		if c.Queue.QueueURL == "" {
			return fmt.Errorf("queue.queue_url required for the sqs backend")
		}
	case "mqtt":
		if c.Queue.BrokerURL == "" {
			return fmt.Errorf("queue.broker_url required for the mqtt backend")
		}
	case "embedded":
		if c.Queue.StoragePath == "" {
			return fmt.Errorf("queue.storage_path required for the embedded backend")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown queue type: %s", c.Queue.Type)
	}

	switch c.Checkpoint.Type {
	case "badger":
		if c.Checkpoint.BadgerDir == "" {
			return fmt.Errorf("checkpoint.badger_dir required for the badger store")
		}
	case "etcd":
		if len(c.Checkpoint.EtcdEndpoints) == 0 {
			return fmt.Errorf("checkpoint.etcd_endpoints required for the etcd store")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown checkpoint store type: %s", c.Checkpoint.Type)
	}

	if c.Pools.DefaultConcurrency <= 0 {
		return fmt.Errorf("pools.default_concurrency must be positive")
	}
	if c.Pools.MinCapacity <= 0 {
		return fmt.Errorf("pools.min_capacity must be positive")
	}
	if c.Mediator.Timeout <= 0 {
		return fmt.Errorf("mediator.timeout must be positive")
	}

	for _, s := range c.Streams {
		if s.Name == "" {
			return fmt.Errorf("streams entries require a name")
		}
		if s.MaxInflight < 0 {
			return fmt.Errorf("streams.%s.max_inflight cannot be negative", s.Name)
		}
	}

	return nil
}

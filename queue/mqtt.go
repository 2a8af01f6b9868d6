// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

const (
	mqttMaxBatch       = 100
	mqttConnectTimeout = 10 * time.Second
	mqttPublishTimeout = 30 * time.Second
)

// MQTTPublisher publishes to a broker with native message-group
// semantics: the partition key is appended as a topic level, so the
// broker serializes deliveries per group while the publisher stays
// fire-and-forget at QoS 1.
type MQTTPublisher struct {
	client    mqtt.Client
	queueName string
	maxBatch  int
	logger    *slog.Logger
}

var _ Publisher = (*MQTTPublisher)(nil)

// NewMQTTPublisher connects to the broker at cfg.BrokerURL.
func NewMQTTPublisher(cfg Config, logger *slog.Logger) (*MQTTPublisher, error) {
	maxBatch := cfg.MaxBatchSize
	if maxBatch <= 0 || maxBatch > mqttMaxBatch {
		maxBatch = mqttMaxBatch
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID("dispatch-pub-" + uuid.NewString()[:8]).
		SetConnectTimeout(mqttConnectTimeout).
		SetAutoReconnect(true).
		SetCleanSession(true)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("mqtt connect timed out after %s", mqttConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect failed: %w", err)
	}

	return &MQTTPublisher{
		client:    client,
		queueName: cfg.QueueName,
		maxBatch:  maxBatch,
		logger:    logger,
	}, nil
}

func (p *MQTTPublisher) Publish(ctx context.Context, msg *Message) (*PublishResult, error) {
	token := p.client.Publish(p.topicFor(msg), 1, false, msg.Body)

	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return nil, fmt.Errorf("mqtt publish failed: %w", err)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(mqttPublishTimeout):
		return nil, fmt.Errorf("mqtt publish timed out after %s", mqttPublishTimeout)
	}

	return &PublishResult{MessageID: msg.ID}, nil
}

func (p *MQTTPublisher) PublishBatch(ctx context.Context, msgs []*Message) (*BatchResult, error) {
	if len(msgs) == 0 {
		return nil, ErrEmptyBatch
	}

	result := &BatchResult{}
	for _, part := range chunk(msgs, p.maxBatch) {
		// Publish the chunk, then await acknowledgements in order so
		// per-group ordering is preserved by the broker.
		tokens := make([]mqtt.Token, len(part))
		for i, msg := range part {
			tokens[i] = p.client.Publish(p.topicFor(msg), 1, false, msg.Body)
		}

		for i, token := range tokens {
			select {
			case <-token.Done():
				if err := token.Error(); err != nil {
					result.Failed = append(result.Failed, BatchEntry{ID: part[i].ID, Err: err})
				} else {
					result.Successful = append(result.Successful, BatchEntry{ID: part[i].ID})
				}
			case <-ctx.Done():
				result.Failed = append(result.Failed, BatchEntry{ID: part[i].ID, Err: ctx.Err()})
			}
		}
	}

	return result, nil
}

// Depth is not observable through the MQTT client.
func (p *MQTTPublisher) Depth(ctx context.Context) (int64, error) {
	return 0, ErrDepthUnavailable
}

func (p *MQTTPublisher) Type() Type { return TypeMQTT }

func (p *MQTTPublisher) Healthy(ctx context.Context) bool {
	return p.client.IsConnectionOpen()
}

func (p *MQTTPublisher) Close() error {
	p.client.Disconnect(250)
	return nil
}

func (p *MQTTPublisher) topicFor(msg *Message) string {
	group := msg.GroupID
	if group == "" {
		group = "__DEFAULT__"
	}
	return p.queueName + "/" + group
}

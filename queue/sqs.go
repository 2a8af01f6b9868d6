// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// sqsMaxBatch is the SQS SendMessageBatch hard limit.
const sqsMaxBatch = 10

// SQSPublisher publishes to an external managed queue. With FIFO
// enabled the backend preserves per-group ordering and deduplicates
// by content; the standard variant offers neither.
type SQSPublisher struct {
	client   *sqs.Client
	queueURL string
	fifo     bool
	dedup    bool
	maxBatch int
	logger   *slog.Logger
}

var _ Publisher = (*SQSPublisher)(nil)

// NewSQSPublisher creates an SQS-backed publisher using the ambient
// AWS credential chain.
func NewSQSPublisher(ctx context.Context, cfg Config, logger *slog.Logger) (*SQSPublisher, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	maxBatch := cfg.MaxBatchSize
	if maxBatch <= 0 || maxBatch > sqsMaxBatch {
		maxBatch = sqsMaxBatch
	}

	return &SQSPublisher{
		client:   sqs.NewFromConfig(awsCfg),
		queueURL: cfg.QueueURL,
		fifo:     cfg.FIFO,
		dedup:    cfg.Dedup,
		maxBatch: maxBatch,
		logger:   logger,
	}, nil
}

func (p *SQSPublisher) Publish(ctx context.Context, msg *Message) (*PublishResult, error) {
	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(msg.Body)),
	}
	if p.fifo {
		input.MessageGroupId = aws.String(groupOrDefault(msg.GroupID))
		if p.dedup {
			input.MessageDeduplicationId = aws.String(contentDedupID(msg.Body))
		}
	}

	out, err := p.client.SendMessage(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("sqs send failed: %w", err)
	}
	return &PublishResult{MessageID: aws.ToString(out.MessageId)}, nil
}

func (p *SQSPublisher) PublishBatch(ctx context.Context, msgs []*Message) (*BatchResult, error) {
	if len(msgs) == 0 {
		return nil, ErrEmptyBatch
	}

	result := &BatchResult{}
	for _, part := range chunk(msgs, p.maxBatch) {
		entries := make([]sqstypes.SendMessageBatchRequestEntry, 0, len(part))
		for i, msg := range part {
			entry := sqstypes.SendMessageBatchRequestEntry{
				Id:          aws.String(strconv.Itoa(i)),
				MessageBody: aws.String(string(msg.Body)),
			}
			if p.fifo {
				entry.MessageGroupId = aws.String(groupOrDefault(msg.GroupID))
				if p.dedup {
					entry.MessageDeduplicationId = aws.String(contentDedupID(msg.Body))
				}
			}
			entries = append(entries, entry)
		}

		out, err := p.client.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
			QueueUrl: aws.String(p.queueURL),
			Entries:  entries,
		})
		if err != nil {
			// The whole chunk failed; report per-message outcomes so
			// callers see partial progress across chunks.
			for _, msg := range part {
				result.Failed = append(result.Failed, BatchEntry{ID: msg.ID, Err: err})
			}
			continue
		}

		for _, ok := range out.Successful {
			idx, _ := strconv.Atoi(aws.ToString(ok.Id))
			result.Successful = append(result.Successful, BatchEntry{ID: part[idx].ID})
		}
		for _, failed := range out.Failed {
			idx, _ := strconv.Atoi(aws.ToString(failed.Id))
			result.Failed = append(result.Failed, BatchEntry{
				ID:  part[idx].ID,
				Err: fmt.Errorf("sqs rejected message: %s (%s)", aws.ToString(failed.Code), aws.ToString(failed.Message)),
			})
		}
	}

	return result, nil
}

func (p *SQSPublisher) Depth(ctx context.Context) (int64, error) {
	out, err := p.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(p.queueURL),
		AttributeNames: []sqstypes.QueueAttributeName{sqstypes.QueueAttributeNameApproximateNumberOfMessages},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get queue attributes: %w", err)
	}

	raw := out.Attributes[string(sqstypes.QueueAttributeNameApproximateNumberOfMessages)]
	depth, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unparsable queue depth %q: %w", raw, err)
	}
	return depth, nil
}

func (p *SQSPublisher) Type() Type { return TypeSQS }

func (p *SQSPublisher) Healthy(ctx context.Context) bool {
	_, err := p.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(p.queueURL),
		AttributeNames: []sqstypes.QueueAttributeName{sqstypes.QueueAttributeNameQueueArn},
	})
	return err == nil
}

func (p *SQSPublisher) Close() error { return nil }

func groupOrDefault(groupID string) string {
	if groupID == "" {
		return "__DEFAULT__"
	}
	return groupID
}

// contentDedupID derives the deduplication id from message content,
// mirroring the backend's content-based deduplication.
func contentDedupID(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

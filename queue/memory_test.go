// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryPublishAndDequeueFIFO(t *testing.T) {
	p := NewMemoryPublisher(Config{})
	defer p.Close()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		res, err := p.Publish(ctx, &Message{ID: id, GroupID: "g", Body: []byte(id)})
		require.NoError(t, err)
		assert.False(t, res.Deduped)
	}

	depth, err := p.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), depth)

	msgs, err := p.Dequeue(ctx, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "a", msgs[0].ID)
	assert.Equal(t, "b", msgs[1].ID)

	msgs, err = p.Dequeue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "c", msgs[0].ID)
}

func TestMemoryDedup(t *testing.T) {
	p := NewMemoryPublisher(Config{Dedup: true})
	defer p.Close()
	ctx := context.Background()

	res, err := p.Publish(ctx, &Message{ID: "m1", Body: []byte("same")})
	require.NoError(t, err)
	assert.False(t, res.Deduped)

	res, err = p.Publish(ctx, &Message{ID: "m2", Body: []byte("same")})
	require.NoError(t, err)
	assert.True(t, res.Deduped, "identical body within the window is dropped")

	depth, err := p.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestMemoryRedeliveryNotDeduped(t *testing.T) {
	p := NewMemoryPublisher(Config{Dedup: true})
	defer p.Close()
	ctx := context.Background()

	_, err := p.Publish(ctx, &Message{ID: "m1", Body: []byte("retry me")})
	require.NoError(t, err)

	msgs, err := p.Dequeue(ctx, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	res, err := p.Publish(ctx, msgs[0])
	require.NoError(t, err)
	assert.False(t, res.Deduped, "a nacked message must be accepted back")

	depth, err := p.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth, "nacked message must be back on the queue")
}

func TestMemoryVisibilityDelay(t *testing.T) {
	p := NewMemoryPublisher(Config{})
	defer p.Close()
	ctx := context.Background()

	notBefore := strconv.FormatInt(time.Now().Add(80*time.Millisecond).UnixMilli(), 10)
	_, err := p.Publish(ctx, &Message{
		ID:         "delayed",
		Attributes: map[string]string{AttrNotVisibleBefore: notBefore},
	})
	require.NoError(t, err)
	_, err = p.Publish(ctx, &Message{ID: "ready"})
	require.NoError(t, err)

	msgs, err := p.Dequeue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "ready", msgs[0].ID)

	require.Eventually(t, func() bool {
		msgs, err := p.Dequeue(ctx, 10)
		return err == nil && len(msgs) == 1 && msgs[0].ID == "delayed"
	}, time.Second, 10*time.Millisecond)
}

func TestMemoryPublishBatch(t *testing.T) {
	p := NewMemoryPublisher(Config{MaxBatchSize: 3})
	defer p.Close()
	ctx := context.Background()

	res, err := p.PublishBatch(ctx, []*Message{
		{ID: "a", Body: []byte("1")},
		{ID: "b", Body: []byte("2")},
	})
	require.NoError(t, err)
	assert.True(t, res.AllSucceeded())
	assert.Len(t, res.Successful, 2)

	_, err = p.PublishBatch(ctx, nil)
	assert.ErrorIs(t, err, ErrEmptyBatch)

	_, err = p.PublishBatch(ctx, []*Message{
		{ID: "1"}, {ID: "2"}, {ID: "3"}, {ID: "4"},
	})
	assert.Error(t, err, "batch above the limit is rejected whole")
}

func TestMemoryClosed(t *testing.T) {
	p := NewMemoryPublisher(Config{})
	require.NoError(t, p.Close())
	ctx := context.Background()

	assert.False(t, p.Healthy(ctx))

	_, err := p.Publish(ctx, &Message{ID: "m"})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = p.Dequeue(ctx, 1)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = p.Depth(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemoryType(t *testing.T) {
	assert.Equal(t, TypeMemory, NewMemoryPublisher(Config{}).Type())
}

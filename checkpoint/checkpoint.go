// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package checkpoint persists resume cursors for change-stream
// consumers. One record exists per stream key and is overwritten in
// place: saves are idempotent upserts, never appends.
package checkpoint

import (
	"context"
	"errors"
	"time"
)

// ErrCorrupt reports a stored record that failed to parse. The cursor
// is unusable but the backend is healthy: callers resume from the
// beginning while surfacing the event, since corruption can mean
// silent reprocessing rather than a fresh stream.
var ErrCorrupt = errors.New("corrupt checkpoint record")

// Record is the durable envelope for one stream's resume token.
type Record struct {
	Key       string    `json:"key"`
	Token     []byte    `json:"token"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store is a pluggable durable cursor keyed by stream identity.
//
// Get returns (nil, nil) for an unknown key. A stored record that
// fails to parse returns an error wrapping ErrCorrupt so the caller
// can restart the stream from the beginning while counting the event
// distinctly from the benign no-checkpoint-yet case. Any other error
// means the backend is unavailable: the caller treats it as fatal for
// the stream.
//
// Save must be an idempotent upsert: safe to call repeatedly with the
// same or a newer token.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, token []byte) error
	// Clear removes the cursor, for deliberate recovery from a stale
	// or invalid token.
	Clear(ctx context.Context, key string) error
	Close() error
}

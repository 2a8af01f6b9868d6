// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const (
	logKeyPrefix = "e:"
	logSeqName   = "logseq"
	pollInterval = 100 * time.Millisecond
)

// logRecord is the stored form of one event.
type logRecord struct {
	ID        string    `json:"id"`
	Payload   []byte    `json:"payload"`
	Timestamp time.Time `json:"ts"`
}

// BadgerChangeLog is a durable append-only event log over BadgerDB.
// Events are keyed by a monotonic sequence; the resume token is the
// big-endian sequence of the last event in a consumed batch, so a
// restarted consumer continues exactly after it.
type BadgerChangeLog struct {
	db        *badger.DB
	seq       *badger.Sequence
	ownsDB    bool
	batchSize int
	logger    *slog.Logger

	lastRead uint64
}

var _ ChangeLog = (*BadgerChangeLog)(nil)

// NewBadgerChangeLog opens (or creates) a log at dir.
func NewBadgerChangeLog(dir string, batchSize int, logger *slog.Logger) (*BadgerChangeLog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if batchSize <= 0 {
		batchSize = 100
	}

	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	opts.SyncWrites = true

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open change log: %w", err)
	}

	seq, err := db.GetSequence([]byte(logSeqName), 128)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open change log sequence: %w", err)
	}

	return &BadgerChangeLog{
		db:        db,
		seq:       seq,
		ownsDB:    true,
		batchSize: batchSize,
		logger:    logger,
	}, nil
}

// Append adds one event to the log. Producers in the same process (or
// tooling sharing the directory between runs) feed consumers this way.
func (l *BadgerChangeLog) Append(ev Event) error {
	n, err := l.seq.Next()
	if err != nil {
		return fmt.Errorf("failed to advance change log sequence: %w", err)
	}
	// Sequence 0 is reserved so a zero token means "from the beginning".
	n++

	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(logRecord{ID: ev.ID, Payload: ev.Payload, Timestamp: ev.Timestamp})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	return l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(logKey(n), data)
	})
}

func (l *BadgerChangeLog) Open(ctx context.Context, resumeToken []byte) error {
	if len(resumeToken) == 0 {
		l.lastRead = 0
		return nil
	}
	if len(resumeToken) != 8 {
		l.logger.Warn("Unrecognized change log resume token, starting from the beginning",
			"token_bytes", len(resumeToken))
		l.lastRead = 0
		return nil
	}
	l.lastRead = binary.BigEndian.Uint64(resumeToken)
	return nil
}

// Next returns the next batch of events after the current position,
// polling until at least one event is available or ctx is done.
func (l *BadgerChangeLog) Next(ctx context.Context) (*Batch, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		batch, err := l.read()
		if err != nil {
			return nil, err
		}
		if batch != nil {
			return batch, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// read collects up to batchSize events after lastRead, or nil when the
// log has no new events.
func (l *BadgerChangeLog) read() (*Batch, error) {
	var (
		events []Event
		last   uint64
	)

	err := l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{
			PrefetchValues: true,
			PrefetchSize:   l.batchSize,
			Prefix:         []byte(logKeyPrefix),
		})
		defer it.Close()

		for it.Seek(logKey(l.lastRead + 1)); it.Valid() && len(events) < l.batchSize; it.Next() {
			item := it.Item()
			key := item.Key()
			if len(key) != len(logKeyPrefix)+8 {
				continue
			}
			seq := binary.BigEndian.Uint64(key[len(logKeyPrefix):])

			if err := item.Value(func(val []byte) error {
				var rec logRecord
				if err := json.Unmarshal(val, &rec); err != nil {
					return fmt.Errorf("corrupt change log record at %d: %w", seq, err)
				}
				events = append(events, Event{ID: rec.ID, Payload: rec.Payload, Timestamp: rec.Timestamp})
				return nil
			}); err != nil {
				return err
			}
			last = seq
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}

	l.lastRead = last

	token := make([]byte, 8)
	binary.BigEndian.PutUint64(token, last)
	return &Batch{Events: events, Token: token}, nil
}

func (l *BadgerChangeLog) Close() error {
	if l.seq != nil {
		if err := l.seq.Release(); err != nil {
			l.logger.Warn("Failed to release change log sequence", "error", err)
		}
	}
	if l.ownsDB {
		return l.db.Close()
	}
	return nil
}

func logKey(seq uint64) []byte {
	key := make([]byte, len(logKeyPrefix)+8)
	copy(key, logKeyPrefix)
	binary.BigEndian.PutUint64(key[len(logKeyPrefix):], seq)
	return key
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// MemoryConfig configures a Memory queue.
type MemoryConfig struct {
	// Name labels log messages.
	Name string

	// MaxAttempts bounds deliveries per value. Defaults to 3.
	MaxAttempts int

	// Logger receives dead-letter messages. Nil discards.
	Logger *slog.Logger
}

// Stats is a snapshot of a Memory queue's counters.
type Stats struct {
	Queued       int
	InFlight     int
	Enqueued     int64
	Completed    int64
	Abandoned    int64
	DeadLettered int64
}

type memoryItem[T any] struct {
	id       string
	value    T
	attempts int
}

// Memory is an unbounded in-process FIFO. Abandoned entries go to the
// back of the queue.
type Memory[T any] struct {
	name        string
	maxAttempts int
	logger      *slog.Logger

	mu       sync.Mutex
	items    []memoryItem[T]
	inFlight map[string]memoryItem[T]
	stats    Stats
	closed   bool

	// ready holds at most one wakeup for a blocked Dequeue.
	ready chan struct{}
	done  chan struct{}
}

var _ Queue[int] = (*Memory[int])(nil)

// NewMemory returns an empty queue.
func NewMemory[T any](config MemoryConfig) *Memory[T] {
	maxAttempts := config.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Memory[T]{
		name:        config.Name,
		maxAttempts: maxAttempts,
		logger:      logger,
		inFlight:    make(map[string]memoryItem[T]),
		ready:       make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

// Enqueue appends value.
func (q *Memory[T]) Enqueue(ctx context.Context, value T) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.items = append(q.items, memoryItem[T]{id: uuid.NewString(), value: value})
	q.stats.Enqueued++
	q.signal()
	return nil
}

// signal wakes one blocked Dequeue. Caller holds mu.
func (q *Memory[T]) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Dequeue removes the front value and returns it as an in-flight entry.
func (q *Memory[T]) Dequeue(ctx context.Context) (*Entry[T], error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		if len(q.items) > 0 {
			item := q.items[0]
			q.items[0] = memoryItem[T]{}
			q.items = q.items[1:]
			item.attempts++
			q.inFlight[item.id] = item
			if len(q.items) > 0 {
				q.signal()
			}
			q.mu.Unlock()
			return q.entry(item), nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.done:
			return nil, ErrClosed
		case <-q.ready:
		}
	}
}

func (q *Memory[T]) entry(item memoryItem[T]) *Entry[T] {
	return NewEntry(item.id, item.value, item.attempts,
		func(context.Context) error {
			q.mu.Lock()
			defer q.mu.Unlock()
			delete(q.inFlight, item.id)
			q.stats.Completed++
			return nil
		},
		func(context.Context) error {
			q.mu.Lock()
			defer q.mu.Unlock()
			delete(q.inFlight, item.id)
			q.stats.Abandoned++
			if item.attempts >= q.maxAttempts {
				q.stats.DeadLettered++
				q.logger.Warn("queue entry dead-lettered",
					"queue", q.name,
					"entry_id", item.id,
					"attempts", item.attempts,
				)
				return nil
			}
			if q.closed {
				return ErrClosed
			}
			q.items = append(q.items, item)
			q.signal()
			return nil
		},
	)
}

// Stats returns a snapshot of the counters.
func (q *Memory[T]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	stats := q.stats
	stats.Queued = len(q.items)
	stats.InFlight = len(q.inFlight)
	return stats
}

// Close wakes every blocked Dequeue with ErrClosed. Queued values are
// discarded.
func (q *Memory[T]) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	q.items = nil
	close(q.done)
	return nil
}

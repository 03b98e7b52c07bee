// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/eventsink/lib/queue"
)

// Settlement results reported to a WorkerObserver.
const (
	ResultCompleted = "completed"
	ResultAbandoned = "abandoned"
	ResultDropped   = "dropped"
)

// WorkerObserver receives one call per settled entry.
type WorkerObserver interface {
	ObserveEntry(queue, result string)
}

// WorkerConfig configures a Worker.
type WorkerConfig[T any] struct {
	// Name labels logs and observations.
	Name  string
	Queue queue.Queue[T]

	// Handle processes one value. See the package documentation for
	// how its error settles the entry.
	Handle func(ctx context.Context, value T) error

	// Concurrency is the number of entries handled at once. Defaults
	// to 1.
	Concurrency int

	Logger   *slog.Logger
	Observer WorkerObserver
}

// Worker consumes a queue until its context is cancelled or the queue
// closes.
type Worker[T any] struct {
	config WorkerConfig[T]
	logger *slog.Logger
}

// NewWorker validates config.
func NewWorker[T any](config WorkerConfig[T]) (*Worker[T], error) {
	if config.Queue == nil || config.Handle == nil {
		return nil, fmt.Errorf("ingest: worker %q needs a Queue and a Handle function", config.Name)
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Worker[T]{config: config, logger: logger.With("queue", config.Name)}, nil
}

// Run starts Concurrency consumers and blocks until all of them stop.
// Cancellation and queue closure are normal shutdown and return nil.
func (w *Worker[T]) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for range w.config.Concurrency {
		group.Go(func() error {
			return w.consume(groupCtx)
		})
	}
	w.logger.Info("worker started", "concurrency", w.config.Concurrency)
	err := group.Wait()
	w.logger.Info("worker stopped")
	return err
}

func (w *Worker[T]) consume(ctx context.Context) error {
	for {
		entry, err := w.config.Queue.Dequeue(ctx)
		switch {
		case err == nil:
		case errors.Is(err, queue.ErrClosed), ctx.Err() != nil:
			return nil
		default:
			return fmt.Errorf("ingest: dequeue from %s: %w", w.config.Name, err)
		}
		w.handle(ctx, entry)
	}
}

func (w *Worker[T]) handle(ctx context.Context, entry *queue.Entry[T]) {
	err := w.config.Handle(ctx, entry.Value)
	// Settle even when ctx was cancelled mid-handle.
	settleCtx := context.WithoutCancel(ctx)

	result := ResultCompleted
	var settleErr error
	switch {
	case err == nil:
		settleErr = entry.Complete(settleCtx)
	case errors.Is(err, ErrPermanent):
		result = ResultDropped
		w.logger.Error("dropping queue entry",
			"entry_id", entry.ID,
			"attempts", entry.Attempts,
			"error", err,
		)
		settleErr = entry.Complete(settleCtx)
	default:
		result = ResultAbandoned
		w.logger.Warn("abandoning queue entry",
			"entry_id", entry.ID,
			"attempts", entry.Attempts,
			"error", err,
		)
		settleErr = entry.Abandon(settleCtx)
	}
	if settleErr != nil {
		w.logger.Error("settling queue entry failed",
			"entry_id", entry.ID,
			"result", result,
			"error", settleErr,
		)
	}
	if w.config.Observer != nil {
		w.config.Observer.ObserveEntry(w.config.Name, result)
	}
}

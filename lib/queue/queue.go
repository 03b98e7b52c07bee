// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package queue is the work queue between ingress and the processing
// workers.
//
// A consumer receives an [Entry] from Dequeue and must settle it
// exactly once: Complete when the work is done (or can never succeed),
// Abandon when it should be redelivered. Implementations bound
// redelivery; an entry abandoned on its last attempt is dead-lettered.
//
// [Memory] is an in-process FIFO used by single-node deployments and
// tests. lib/kafkaqueue implements the same interface over Kafka.
package queue

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrClosed is returned by operations on a closed queue.
	ErrClosed = errors.New("queue: closed")

	// ErrSettled is returned when an entry is completed or abandoned
	// twice.
	ErrSettled = errors.New("queue: entry already settled")
)

// Queue carries values of type T to workers.
type Queue[T any] interface {
	Enqueue(ctx context.Context, value T) error
	// Dequeue blocks until an entry is available, ctx is done, or the
	// queue is closed.
	Dequeue(ctx context.Context) (*Entry[T], error)
}

// Entry is one delivery of a queued value.
type Entry[T any] struct {
	// ID identifies the queued value across redeliveries.
	ID    string
	Value T

	// Attempts counts deliveries including this one.
	Attempts int

	once     sync.Once
	complete func(context.Context) error
	abandon  func(context.Context) error
}

// NewEntry builds an entry whose settlement calls complete or abandon.
// Queue implementations outside this package use it.
func NewEntry[T any](id string, value T, attempts int, complete, abandon func(context.Context) error) *Entry[T] {
	return &Entry[T]{ID: id, Value: value, Attempts: attempts, complete: complete, abandon: abandon}
}

// Complete removes the entry from the queue.
func (e *Entry[T]) Complete(ctx context.Context) error {
	return e.settle(ctx, e.complete)
}

// Abandon returns the entry for redelivery, or dead-letters it if its
// attempts are exhausted.
func (e *Entry[T]) Abandon(ctx context.Context) error {
	return e.settle(ctx, e.abandon)
}

func (e *Entry[T]) settle(ctx context.Context, fn func(context.Context) error) error {
	err := ErrSettled
	e.once.Do(func() {
		err = nil
		if fn != nil {
			err = fn(ctx)
		}
	})
	return err
}

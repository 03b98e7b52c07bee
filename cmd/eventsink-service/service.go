// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/eventsink/lib/clock"
	"github.com/bureau-foundation/eventsink/lib/codec"
	"github.com/bureau-foundation/eventsink/lib/config"
	"github.com/bureau-foundation/eventsink/lib/eventpipeline"
	"github.com/bureau-foundation/eventsink/lib/httpserver"
	"github.com/bureau-foundation/eventsink/lib/index"
	"github.com/bureau-foundation/eventsink/lib/ingest"
	"github.com/bureau-foundation/eventsink/lib/ingress"
	"github.com/bureau-foundation/eventsink/lib/kafkaqueue"
	"github.com/bureau-foundation/eventsink/lib/metrics"
	"github.com/bureau-foundation/eventsink/lib/queue"
	"github.com/bureau-foundation/eventsink/lib/repository"
	"github.com/bureau-foundation/eventsink/lib/storage"
)

// retentionInterval is how often closed buckets are checked for
// expiry.
const retentionInterval = time.Hour

// closableQueue is a queue the service owns and closes on shutdown.
type closableQueue[T any] interface {
	queue.Queue[T]
	Close() error
}

type serviceConfig struct {
	Config  *config.Config
	Metrics *metrics.Metrics

	// Clock defaults to the real clock.
	Clock  clock.Clock
	Logger *slog.Logger
}

// service owns every long-running component.
type service struct {
	config  *config.Config
	metrics *metrics.Metrics
	clock   clock.Clock
	logger  *slog.Logger

	storage storage.Backend
	indexes *index.Manager
	events  *repository.EventRepository
	stacks  *repository.StackRepository

	posts         closableQueue[codec.EventPost]
	descriptions  closableQueue[codec.EventUserDescription]
	notifications closableQueue[codec.EventNotification]

	ingress   *ingress.Handler
	processor *ingest.Processor

	closers []func() error
}

// newService opens storage and queues, provisions the indexes, and
// wires the pipeline. On error everything opened so far is closed.
func newService(ctx context.Context, sc serviceConfig) (_ *service, err error) {
	clk := sc.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := sc.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if sc.Metrics == nil {
		sc.Metrics = metrics.New()
	}
	cfg := sc.Config

	s := &service{config: cfg, metrics: sc.Metrics, clock: clk, logger: logger}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	s.storage, s.indexes, err = storage.OpenManager(cfg, clk, logger)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, s.storage.Close)
	if err := s.indexes.ConfigureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("configuring indexes: %w", err)
	}

	s.events = repository.NewEventRepository(s.storage, s.indexes, clk, logger.With("component", "events"))
	s.stacks = repository.NewStackRepository(s.storage, s.indexes, clk, logger.With("component", "stacks"))

	if s.posts, err = openQueue[codec.EventPost](ctx, s, "event_posts", cfg.Queue.PostsTopic); err != nil {
		return nil, err
	}
	if s.descriptions, err = openQueue[codec.EventUserDescription](ctx, s, "event_user_descriptions", cfg.Queue.DescriptionsTopic); err != nil {
		return nil, err
	}
	if s.notifications, err = openQueue[codec.EventNotification](ctx, s, "event_notifications", cfg.Queue.NotificationsTopic); err != nil {
		return nil, err
	}

	pipeline, err := eventpipeline.Build(eventpipeline.Config{
		Events:        s.events,
		Stacks:        s.stacks,
		Notifications: s.notifications,
		Counter:       s.metrics,
		Clock:         clk,
		Logger:        logger.With("component", "pipeline"),
		Observer:      s.metrics,
	})
	if err != nil {
		return nil, err
	}
	s.processor, err = ingest.NewProcessor(ingest.ProcessorConfig{
		Pipeline:       pipeline,
		Events:         s.events,
		MaxDecodedSize: cfg.Ingress.MaxBodySize,
		Logger:         logger.With("component", "ingest"),
	})
	if err != nil {
		return nil, err
	}

	s.ingress, err = ingress.New(ingress.Config{
		Posts:        s.posts,
		Descriptions: s.descriptions,
		MaxBodySize:  cfg.Ingress.MaxBodySize,
		Clock:        clk,
		Logger:       logger.With("component", "ingress"),
		Observer:     s.metrics,
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func openQueue[T any](ctx context.Context, s *service, name, topic string) (closableQueue[T], error) {
	logger := s.logger.With("queue", name)
	var q closableQueue[T]
	switch s.config.Queue.Backend {
	case config.QueueKafka:
		dialed, err := kafkaqueue.Dial[T](ctx, kafkaqueue.Config{
			Brokers:     s.config.Queue.Brokers,
			Topic:       topic,
			MaxAttempts: s.config.Queue.MaxAttempts,
			FromOldest:  s.config.Queue.FromOldest,
			Logger:      logger,
		})
		if err != nil {
			return nil, fmt.Errorf("opening queue %s: %w", name, err)
		}
		q = dialed
	default:
		memory := queue.NewMemory[T](queue.MemoryConfig{
			Name:        name,
			MaxAttempts: s.config.Queue.MaxAttempts,
			Logger:      logger,
		})
		if err := s.metrics.RegisterQueueDepth(name, func() int { return memory.Stats().Queued }); err != nil {
			memory.Close()
			return nil, err
		}
		q = memory
	}
	s.closers = append(s.closers, q.Close)
	return q, nil
}

// Run serves until ctx is cancelled. The first component to fail
// stops the rest.
func (s *service) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	ingressServer, err := httpserver.New(httpserver.Config{
		Name:            "ingress",
		Address:         s.config.Ingress.ListenAddress,
		Handler:         s.ingress,
		ShutdownTimeout: s.config.ShutdownTimeout(),
		Logger:          s.logger,
	})
	if err != nil {
		return err
	}
	group.Go(func() error { return ingressServer.Serve(ctx) })

	if s.config.Metrics.ListenAddress != "" {
		metricsServer, err := httpserver.New(httpserver.Config{
			Name:    "metrics",
			Address: s.config.Metrics.ListenAddress,
			Handler: s.metrics.Handler(),
			Logger:  s.logger,
		})
		if err != nil {
			return err
		}
		group.Go(func() error { return metricsServer.Serve(ctx) })
	}

	workers, err := s.workers()
	if err != nil {
		return err
	}
	for _, run := range workers {
		group.Go(func() error { return run(ctx) })
	}

	group.Go(func() error {
		s.runRetention(ctx)
		return nil
	})

	<-ctx.Done()
	s.logger.Info("shutting down")
	err = group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// workers builds the queue consumers. Each returns when ctx is done.
func (s *service) workers() ([]func(context.Context) error, error) {
	concurrency := s.config.Queue.Concurrency
	posts, err := ingest.NewWorker(ingest.WorkerConfig[codec.EventPost]{
		Name:  "event_posts",
		Queue: s.posts,
		Handle: func(ctx context.Context, post codec.EventPost) error {
			_, err := s.processor.ProcessEventPost(ctx, &post)
			return err
		},
		Concurrency: concurrency,
		Logger:      s.logger,
		Observer:    s.metrics,
	})
	if err != nil {
		return nil, err
	}
	descriptions, err := ingest.NewWorker(ingest.WorkerConfig[codec.EventUserDescription]{
		Name:  "event_user_descriptions",
		Queue: s.descriptions,
		Handle: func(ctx context.Context, description codec.EventUserDescription) error {
			return s.processor.ProcessUserDescription(ctx, &description)
		},
		Concurrency: concurrency,
		Logger:      s.logger,
		Observer:    s.metrics,
	})
	if err != nil {
		return nil, err
	}
	notifications, err := ingest.NewWorker(ingest.WorkerConfig[codec.EventNotification]{
		Name:     "event_notifications",
		Queue:    s.notifications,
		Handle:   s.deliverNotification,
		Logger:   s.logger,
		Observer: s.metrics,
	})
	if err != nil {
		return nil, err
	}
	return []func(context.Context) error{posts.Run, descriptions.Run, notifications.Run}, nil
}

// deliverNotification records a notification. Delivery channels
// (mail, webhooks) subscribe to the notifications topic directly.
func (s *service) deliverNotification(_ context.Context, notification codec.EventNotification) error {
	s.logger.Info("event notification",
		"event_id", notification.EventID,
		"stack_id", notification.StackID,
		"project_id", notification.ProjectID,
		"is_new", notification.IsNew,
		"is_regression", notification.IsRegression,
		"is_critical", notification.IsCritical,
	)
	return nil
}

// runRetention expires closed buckets once at start and then every
// retentionInterval until ctx is done. Failures are logged and retried
// on the next tick.
func (s *service) runRetention(ctx context.Context) {
	expire := func() {
		if err := s.indexes.RunRetention(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("index retention failed", "error", err)
		}
	}
	expire()

	ticker := s.clock.NewTicker(retentionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expire()
		}
	}
}

// Close closes queues and storage in reverse order of opening.
func (s *service) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

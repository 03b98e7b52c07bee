// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package eventpipeline

import (
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/bureau-foundation/eventsink/lib/clock"
	"github.com/bureau-foundation/eventsink/lib/codec"
	"github.com/bureau-foundation/eventsink/lib/pipeline"
	"github.com/bureau-foundation/eventsink/lib/plugin"
	"github.com/bureau-foundation/eventsink/lib/queue"
)

// Config wires the pipeline's dependencies.
type Config struct {
	Events        EventStore
	Stacks        StackStore
	Notifications queue.Queue[codec.EventNotification]

	// Counter receives processed events. Nil skips the metrics plugin.
	Counter EventCounter

	// Plugins are registered after the built-in ones.
	Plugins []plugin.Registration

	Clock    clock.Clock
	Logger   *slog.Logger
	Tracer   trace.Tracer
	Observer pipeline.Observer
}

// Plugins returns the built-in plugin registrations.
func Plugins(counter EventCounter) []plugin.Registration {
	registrations := []plugin.Registration{
		{Priority: 10, Stage: plugin.StageProcessing, Plugin: TagsPlugin{}},
		{Priority: 20, Stage: plugin.StageProcessing, Plugin: RequestDataPlugin{}},
		{Priority: 30, Stage: plugin.StageProcessing, Plugin: CriticalPlugin{}},
	}
	if counter != nil {
		registrations = append(registrations,
			plugin.Registration{Priority: 10, Stage: plugin.StageProcessed, Plugin: MetricsPlugin{Counter: counter}})
	}
	return registrations
}

// Build assembles the plugin manager and the action table.
func Build(config Config) (*pipeline.Pipeline, error) {
	if config.Events == nil || config.Stacks == nil || config.Notifications == nil {
		return nil, fmt.Errorf("eventpipeline: Events, Stacks and Notifications are required")
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	registrations := append(Plugins(config.Counter), config.Plugins...)
	manager, err := plugin.NewManager(logger, registrations...)
	if err != nil {
		return nil, fmt.Errorf("eventpipeline: %w", err)
	}

	return pipeline.New(pipeline.Config{
		Actions: []pipeline.Descriptor{
			{Priority: 10, Action: ValidateEvent{Clock: clk}},
			{Priority: 20, ContinueOnError: true, Action: RunPlugins{Manager: manager, Stage: plugin.StageProcessing}},
			{Priority: 30, Action: AssignToStack{Stacks: config.Stacks, Logger: logger}},
			{Priority: 40, Action: SaveEvent{Events: config.Events}},
			{Priority: 50, ContinueOnError: true, Action: UpdateStackStats{Stacks: config.Stacks}},
			{Priority: 100, ContinueOnError: true, Action: RunPlugins{Manager: manager, Stage: plugin.StageProcessed}},
			{Priority: 110, ContinueOnError: true, Action: QueueNotification{Notifications: config.Notifications}},
		},
		Logger:   logger,
		Clock:    clk,
		Tracer:   config.Tracer,
		Observer: config.Observer,
	})
}

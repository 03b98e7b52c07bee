// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package plugin runs priority-ordered enrichment and validation
// plugins over batches of event contexts.
//
// A [Manager] is built once from a static registration table and is
// read-only afterwards, so a single instance serves every in-flight
// batch concurrently. Plugins run in two stages: [StageProcessing]
// (before stacking and persistence) and [StageProcessed] (after the
// batch is saved).
//
// A plugin implements [EventPlugin], [BatchPlugin], or both. Batch
// plugins receive the pending contexts of the batch in one call;
// event plugins are called once per pending context. A failing event
// plugin fails that one context and leaves its siblings alone.
package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/bureau-foundation/eventsink/lib/event"
)

// Stage selects when a plugin runs relative to persistence.
type Stage int

const (
	// StageProcessing plugins run before the event is stacked and saved.
	StageProcessing Stage = iota

	// StageProcessed plugins run after the batch has been saved.
	StageProcessed
)

func (s Stage) String() string {
	switch s {
	case StageProcessing:
		return "processing"
	case StageProcessed:
		return "processed"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Plugin is the common identity of all plugins.
type Plugin interface {
	Name() string
}

// EventPlugin processes one context at a time.
type EventPlugin interface {
	Plugin
	ProcessEvent(ctx context.Context, ec *event.Context) error
}

// BatchPlugin processes the pending contexts of a batch in one call.
// It may fail individual contexts with [event.Context.Fail].
type BatchPlugin interface {
	Plugin
	ProcessBatch(ctx context.Context, batch []*event.Context) error
}

// Tolerant is implemented by event plugins whose errors should be
// recorded on the context without failing it.
type Tolerant interface {
	ContinueOnError() bool
}

// Registration binds a plugin to a stage and priority. Lower
// priorities run first; ties keep registration order.
type Registration struct {
	Priority int
	Stage    Stage
	Plugin   Plugin
}

// Failure is the error attached to a context when a plugin fails or
// panics.
type Failure struct {
	Plugin string
	Stage  Stage
	Err    error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("plugin %s (%s): %v", f.Plugin, f.Stage, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Manager holds the sorted registration table.
type Manager struct {
	stages map[Stage][]Registration
	logger *slog.Logger
}

// NewManager validates and sorts registrations. Every plugin must
// implement EventPlugin or BatchPlugin, and names must be unique.
func NewManager(logger *slog.Logger, registrations ...Registration) (*Manager, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	seen := make(map[string]bool, len(registrations))
	stages := make(map[Stage][]Registration)
	for _, registration := range registrations {
		if registration.Plugin == nil {
			return nil, fmt.Errorf("plugin: nil plugin at priority %d", registration.Priority)
		}
		name := registration.Plugin.Name()
		if seen[name] {
			return nil, fmt.Errorf("plugin: %q registered twice", name)
		}
		seen[name] = true

		_, isEvent := registration.Plugin.(EventPlugin)
		_, isBatch := registration.Plugin.(BatchPlugin)
		if !isEvent && !isBatch {
			return nil, fmt.Errorf("plugin: %q implements neither ProcessEvent nor ProcessBatch", name)
		}
		if registration.Stage != StageProcessing && registration.Stage != StageProcessed {
			return nil, fmt.Errorf("plugin: %q has unknown %s", name, registration.Stage)
		}
		stages[registration.Stage] = append(stages[registration.Stage], registration)
	}

	for _, table := range stages {
		sort.SliceStable(table, func(i, j int) bool {
			return table[i].Priority < table[j].Priority
		})
	}
	return &Manager{stages: stages, logger: logger}, nil
}

// Registrations returns the stage's plugins in execution order.
func (m *Manager) Registrations(stage Stage) []Registration {
	return append([]Registration(nil), m.stages[stage]...)
}

// EventBatchProcessing runs the processing-stage plugins.
func (m *Manager) EventBatchProcessing(ctx context.Context, batch []*event.Context) error {
	return m.run(ctx, StageProcessing, batch)
}

// EventBatchProcessed runs the processed-stage plugins.
func (m *Manager) EventBatchProcessed(ctx context.Context, batch []*event.Context) error {
	return m.run(ctx, StageProcessed, batch)
}

// run invokes each plugin of stage against the contexts still pending
// when the plugin's turn comes. Plugin errors are attached to contexts
// and never returned; only cancellation of ctx is.
func (m *Manager) run(ctx context.Context, stage Stage, batch []*event.Context) error {
	for _, registration := range m.stages[stage] {
		if err := ctx.Err(); err != nil {
			return err
		}
		pending := event.PendingContexts(batch)
		if len(pending) == 0 {
			return nil
		}

		name := registration.Plugin.Name()
		if batchPlugin, ok := registration.Plugin.(BatchPlugin); ok {
			err := guard(func() error { return batchPlugin.ProcessBatch(ctx, pending) })
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				failure := &Failure{Plugin: name, Stage: stage, Err: err}
				m.logger.Error("batch plugin failed",
					"plugin", name,
					"stage", stage.String(),
					"batch_size", len(pending),
					"error", err,
				)
				for _, ec := range pending {
					ec.Record(failure)
				}
			}
			continue
		}

		eventPlugin := registration.Plugin.(EventPlugin)
		tolerant := false
		if t, ok := registration.Plugin.(Tolerant); ok {
			tolerant = t.ContinueOnError()
		}
		for _, ec := range pending {
			if err := ctx.Err(); err != nil {
				return err
			}
			err := guard(func() error { return eventPlugin.ProcessEvent(ctx, ec) })
			if err == nil {
				continue
			}
			failure := &Failure{Plugin: name, Stage: stage, Err: err}
			m.logger.Warn("event plugin failed",
				"plugin", name,
				"stage", stage.String(),
				"reference_id", ec.Event.ReferenceID,
				"continue", tolerant,
				"error", err,
			)
			if tolerant {
				ec.Record(failure)
			} else {
				ec.Fail(failure)
			}
		}
	}
	return nil
}

// guard converts a panic in fn into an error.
func guard(fn func() error) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("panic: %v", recovered)
		}
	}()
	return fn()
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package pipeline runs a fixed, priority-ordered list of actions over
// a batch of event contexts.
//
// Each action is either an [ItemAction], called once per pending
// context, or a [BatchAction], called once with every pending context.
// Its [Descriptor] carries the priority (lower runs first, ties keep
// registration order) and the continue-on-error flag that decides what
// a failure costs:
//
//   - ContinueOnError set: the error is recorded on the affected
//     contexts, which stay pending and reach every later action.
//   - Item action without the flag: the one context fails and later
//     actions skip it.
//   - Batch action without the flag: every pending context fails and
//     [Pipeline.Process] stops, returning a [*BatchError].
//
// Cancellation is checked between actions and between contexts of an
// item action. Contexts still pending when cancellation is observed
// end as [event.OutcomeCancelled], and Process returns ctx.Err()
// together with the per-context results.
//
// A Pipeline holds no per-run state. The batch is the unit of
// concurrency: independent batches may run through one Pipeline at
// the same time.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/bureau-foundation/eventsink/lib/clock"
	"github.com/bureau-foundation/eventsink/lib/event"
)

const tracerName = "github.com/bureau-foundation/eventsink/lib/pipeline"

// Action is the common identity of pipeline actions.
type Action interface {
	Name() string
}

// ItemAction processes one context.
type ItemAction interface {
	Action
	Process(ctx context.Context, ec *event.Context) error
}

// BatchAction processes every pending context in one call. It may
// fail individual contexts itself; a returned error applies to all of
// them.
type BatchAction interface {
	Action
	ProcessBatch(ctx context.Context, batch []*event.Context) error
}

// Descriptor registers an action.
type Descriptor struct {
	Priority        int
	ContinueOnError bool
	Action          Action
}

// Observer receives per-action timings and final outcomes. Calls come
// from concurrent batches.
type Observer interface {
	ObserveAction(action string, elapsed time.Duration, failed int)
	ObserveOutcome(outcome event.Outcome)
}

// Config configures a Pipeline.
type Config struct {
	Actions []Descriptor

	// Logger receives action failures. Nil discards.
	Logger *slog.Logger

	// Clock times actions. Nil uses the real clock.
	Clock clock.Clock

	// Tracer starts one span per batch and per action. Nil uses the
	// global tracer provider.
	Tracer trace.Tracer

	// Observer is optional.
	Observer Observer
}

// Pipeline is an immutable, sorted action table.
type Pipeline struct {
	actions  []Descriptor
	logger   *slog.Logger
	clock    clock.Clock
	tracer   trace.Tracer
	observer Observer
}

// Result is the final state of one context.
type Result struct {
	Context *event.Context
	Outcome event.Outcome

	// Err is the failure for failed contexts, ctx.Err() for cancelled
	// ones, and nil otherwise.
	Err error
}

// New validates the action table and sorts it by priority.
func New(config Config) (*Pipeline, error) {
	actions := append([]Descriptor(nil), config.Actions...)
	seen := make(map[string]bool, len(actions))
	for _, descriptor := range actions {
		if descriptor.Action == nil {
			return nil, fmt.Errorf("pipeline: nil action at priority %d", descriptor.Priority)
		}
		name := descriptor.Action.Name()
		if seen[name] {
			return nil, fmt.Errorf("pipeline: action %q registered twice", name)
		}
		seen[name] = true

		_, isItem := descriptor.Action.(ItemAction)
		_, isBatch := descriptor.Action.(BatchAction)
		if !isItem && !isBatch {
			return nil, fmt.Errorf("pipeline: action %q implements neither Process nor ProcessBatch", name)
		}
	}
	sort.SliceStable(actions, func(i, j int) bool {
		return actions[i].Priority < actions[j].Priority
	})

	pipeline := &Pipeline{
		actions:  actions,
		logger:   config.Logger,
		clock:    config.Clock,
		tracer:   config.Tracer,
		observer: config.Observer,
	}
	if pipeline.logger == nil {
		pipeline.logger = slog.New(slog.DiscardHandler)
	}
	if pipeline.clock == nil {
		pipeline.clock = clock.Real()
	}
	if pipeline.tracer == nil {
		pipeline.tracer = otel.Tracer(tracerName)
	}
	return pipeline, nil
}

// Actions returns the action table in execution order.
func (p *Pipeline) Actions() []Descriptor {
	return append([]Descriptor(nil), p.actions...)
}

// Process runs every action over batch and returns one Result per
// context, in batch order. The error is a *BatchError when a batch
// action without ContinueOnError failed, ctx.Err() on cancellation,
// and nil otherwise. Results are returned in every case.
func (p *Pipeline) Process(ctx context.Context, batch []*event.Context) ([]Result, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.process",
		trace.WithAttributes(attribute.Int("eventsink.batch_size", len(batch))))
	defer span.End()

	err := p.runActions(ctx, batch)
	switch {
	case err == nil:
		for _, ec := range batch {
			ec.Complete()
		}
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		for _, ec := range batch {
			ec.Cancel()
		}
		span.SetStatus(codes.Error, "cancelled")
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	results := make([]Result, len(batch))
	for i, ec := range batch {
		results[i] = Result{Context: ec, Outcome: ec.Outcome()}
		switch ec.Outcome() {
		case event.OutcomeFailed:
			results[i].Err = ec.Err()
		case event.OutcomeCancelled:
			results[i].Err = err
		}
		if p.observer != nil {
			p.observer.ObserveOutcome(ec.Outcome())
		}
	}
	return results, err
}

func (p *Pipeline) runActions(ctx context.Context, batch []*event.Context) error {
	for _, descriptor := range p.actions {
		if err := ctx.Err(); err != nil {
			return err
		}
		pending := event.PendingContexts(batch)
		if len(pending) == 0 {
			return nil
		}
		if err := p.runAction(ctx, descriptor, pending); err != nil {
			return err
		}
	}
	return nil
}

// runAction runs one action over the pending contexts. It returns an
// error only for cancellation or a hard batch failure.
func (p *Pipeline) runAction(ctx context.Context, descriptor Descriptor, pending []*event.Context) error {
	name := descriptor.Action.Name()
	ctx, span := p.tracer.Start(ctx, "pipeline.action."+name,
		trace.WithAttributes(
			attribute.String("eventsink.action", name),
			attribute.Int("eventsink.batch_size", len(pending)),
		))
	defer span.End()

	start := p.clock.Now()
	failed := 0
	defer func() {
		span.SetAttributes(attribute.Int("eventsink.failed", failed))
		if p.observer != nil {
			p.observer.ObserveAction(name, p.clock.Now().Sub(start), failed)
		}
	}()

	if batchAction, ok := descriptor.Action.(BatchAction); ok {
		err := guard(name, func() error { return batchAction.ProcessBatch(ctx, pending) })
		if err == nil {
			for _, ec := range pending {
				if ec.Failed() {
					failed++
				}
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return ctxErr
		}

		actionErr := asActionError(name, err)
		span.RecordError(actionErr)
		if descriptor.ContinueOnError {
			p.logger.Warn("batch action failed, continuing",
				"action", name,
				"batch_size", len(pending),
				"error", err,
			)
			for _, ec := range pending {
				ec.Record(actionErr)
			}
			failed = len(pending)
			return nil
		}

		p.logger.Error("batch action failed, aborting batch",
			"action", name,
			"batch_size", len(pending),
			"error", err,
		)
		for _, ec := range pending {
			ec.Fail(actionErr)
		}
		failed = len(pending)
		span.SetStatus(codes.Error, actionErr.Error())
		return &BatchError{Action: name, Size: len(pending), Err: actionErr}
	}

	itemAction := descriptor.Action.(ItemAction)
	for _, ec := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !ec.Pending() {
			continue
		}
		err := guard(name, func() error { return itemAction.Process(ctx, ec) })
		if err == nil {
			if ec.Failed() {
				failed++
			}
			continue
		}
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return ctxErr
		}

		failed++
		actionErr := asActionError(name, err)
		if descriptor.ContinueOnError {
			p.logger.Warn("action failed, continuing",
				"action", name,
				"reference_id", ec.Event.ReferenceID,
				"error", err,
			)
			ec.Record(actionErr)
			continue
		}
		p.logger.Warn("action failed, dropping event",
			"action", name,
			"reference_id", ec.Event.ReferenceID,
			"error", err,
		)
		ec.Fail(actionErr)
	}
	return nil
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package eventpipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bureau-foundation/eventsink/lib/clock"
	"github.com/bureau-foundation/eventsink/lib/codec"
	"github.com/bureau-foundation/eventsink/lib/event"
	"github.com/bureau-foundation/eventsink/lib/pipeline"
	"github.com/bureau-foundation/eventsink/lib/plugin"
	"github.com/bureau-foundation/eventsink/lib/queue"
	"github.com/bureau-foundation/eventsink/lib/repository"
	"github.com/bureau-foundation/eventsink/lib/stacking"
)

// Limits enforced by ValidateEvent.
const (
	MaxTags              = 50
	MaxReferenceIDLength = 100
	MaxFutureSkew        = time.Hour
)

// EventStore persists events.
type EventStore interface {
	// Add stores events whose id is not stored yet and returns the
	// ids that were.
	Add(ctx context.Context, events []*event.Persisted) ([]string, error)
	GetByID(ctx context.Context, id string) (*event.Persisted, error)
}

// StackStore reads and writes stacks.
type StackStore interface {
	GetByID(ctx context.Context, id string) (*repository.Stack, error)
	GetBySignature(ctx context.Context, projectID, signatureHash string) (*repository.Stack, error)
	// Add stores the stack unless one with its id exists and returns
	// the stored stack and whether this call created it.
	Add(ctx context.Context, stack *repository.Stack) (*repository.Stack, bool, error)
	// Reopen marks a fixed stack regressed when at is after its fix
	// and reports whether this call did so.
	Reopen(ctx context.Context, id string, at time.Time) (bool, error)
	IncrementUsage(ctx context.Context, id string, first, last time.Time, count int64) error
}

// ValidateEvent normalizes and bounds an event before anything else
// sees it.
type ValidateEvent struct {
	Clock clock.Clock
}

func (ValidateEvent) Name() string { return "validate_event" }

func (a ValidateEvent) Process(_ context.Context, ec *event.Context) error {
	ev := ec.Event
	if ev == nil {
		return fmt.Errorf("context carries no event")
	}
	if len(ev.ReferenceID) > MaxReferenceIDLength {
		return fmt.Errorf("reference id is %d characters, limit is %d", len(ev.ReferenceID), MaxReferenceIDLength)
	}
	if ev.Type == "" {
		ev.Type = event.TypeLog
		if ev.Error != nil {
			ev.Type = event.TypeError
		}
	}

	now := ec.ReceivedAt.UTC()
	if ec.ReceivedAt.IsZero() {
		now = a.Clock.Now().UTC()
	}
	switch {
	case ev.Date.IsZero():
		ev.Date = now
	case ev.Date.After(now.Add(MaxFutureSkew)):
		ev.Date = now
	}

	if len(ev.Tags) > MaxTags {
		ev.Tags = ev.Tags[:MaxTags]
	}
	return nil
}

// RunPlugins runs one plugin stage as a batch action.
type RunPlugins struct {
	Manager *plugin.Manager
	Stage   plugin.Stage
}

func (a RunPlugins) Name() string {
	if a.Stage == plugin.StageProcessed {
		return "run_event_processed_plugins"
	}
	return "run_event_processing_plugins"
}

func (a RunPlugins) ProcessBatch(ctx context.Context, batch []*event.Context) error {
	if a.Stage == plugin.StageProcessed {
		return a.Manager.EventBatchProcessed(ctx, batch)
	}
	return a.Manager.EventBatchProcessing(ctx, batch)
}

// AssignToStack resolves each event's signature to a stack, creating
// stacks for first occurrences and reopening fixed stacks that receive
// a newer event.
type AssignToStack struct {
	Stacks StackStore
	Logger *slog.Logger
}

func (AssignToStack) Name() string { return "assign_to_stack" }

func (a AssignToStack) log() *slog.Logger {
	if a.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return a.Logger
}

func (a AssignToStack) ProcessBatch(ctx context.Context, batch []*event.Context) error {
	// One lookup per distinct (project, signature) in the batch.
	resolved := make(map[string]*repository.Stack)

	for _, ec := range batch {
		signature := stacking.Compute(ec.Event)
		ec.SignatureHash = signature.Hash()
		key := ec.ProjectID + "\x00" + ec.SignatureHash

		stack, seen := resolved[key]
		if !seen {
			found, err := a.lookup(ctx, ec.ProjectID, ec.SignatureHash)
			switch {
			case errors.Is(err, repository.ErrNotFound):
				var created bool
				stack, created, err = a.create(ctx, ec, signature)
				if err != nil {
					return err
				}
				ec.IsNew = created
			case err != nil:
				return fmt.Errorf("looking up stack %s: %w", ec.SignatureHash, err)
			default:
				stack = found
			}
			resolved[key] = stack
		}

		if stack.IsFixed() && ec.Event.Date.After(*stack.DateFixed) {
			reopened, err := a.Stacks.Reopen(ctx, stack.ID, ec.Event.Date)
			if err != nil {
				return fmt.Errorf("reopening stack %s: %w", stack.ID, err)
			}
			// Later events of this batch see the stack open either way.
			stack.DateFixed = nil
			stack.IsRegressed = true
			if reopened {
				ec.IsRegression = true
				a.log().Info("stack regressed",
					"stack_id", stack.ID,
					"project_id", ec.ProjectID,
				)
			}
		}
		ec.StackID = stack.ID
	}
	return nil
}

// lookup reads the stack under its derived id, then by signature for
// stacks stored under another id.
func (a AssignToStack) lookup(ctx context.Context, projectID, signatureHash string) (*repository.Stack, error) {
	stack, err := a.Stacks.GetByID(ctx, stacking.StackID(projectID, signatureHash))
	if err == nil && stack.ProjectID == projectID {
		return stack, nil
	}
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	return a.Stacks.GetBySignature(ctx, projectID, signatureHash)
}

func (a AssignToStack) create(ctx context.Context, ec *event.Context, signature stacking.Signature) (*repository.Stack, bool, error) {
	stack := &repository.Stack{
		ID:             stacking.StackID(ec.ProjectID, ec.SignatureHash),
		OrganizationID: ec.OrganizationID,
		ProjectID:      ec.ProjectID,
		SignatureHash:  ec.SignatureHash,
		SignatureInfo:  signature.Info(),
		Type:           ec.Event.Type,
		Title:          stacking.Title(ec.Event),
		Tags:           append([]string(nil), ec.Event.Tags...),
	}
	stored, created, err := a.Stacks.Add(ctx, stack)
	if err != nil {
		return nil, false, fmt.Errorf("creating stack %s: %w", ec.SignatureHash, err)
	}
	if created {
		a.log().Info("stack created",
			"stack_id", stored.ID,
			"project_id", ec.ProjectID,
			"type", stored.Type,
		)
	}
	return stored, created, nil
}

// SaveEvent persists the batch. Events with a key are stored under an
// id derived from it; an event an earlier delivery already stored is
// kept as stored and its context marked Redelivered.
type SaveEvent struct {
	Events EventStore
}

func (SaveEvent) Name() string { return "save_event" }

func (a SaveEvent) ProcessBatch(ctx context.Context, batch []*event.Context) error {
	persisted := make([]*event.Persisted, len(batch))
	for i, ec := range batch {
		persisted[i] = &event.Persisted{
			Event:             *ec.Event,
			OrganizationID:    ec.OrganizationID,
			ProjectID:         ec.ProjectID,
			StackID:           ec.StackID,
			IsFirstOccurrence: ec.IsNew,
		}
		if persisted[i].ID == "" && ec.Key != "" {
			persisted[i].ID = event.DerivedID(ec.Event.Date, ec.Key)
		}
	}
	existing, err := a.Events.Add(ctx, persisted)
	if err != nil {
		return err
	}
	stored := make(map[string]bool, len(existing))
	for _, id := range existing {
		stored[id] = true
	}
	for i, ec := range batch {
		ec.Event.ID = persisted[i].ID
		if !stored[ec.Event.ID] {
			continue
		}
		ec.Redelivered = true
		// The delivery that stored the event may have stopped before
		// notifying, so whether it opened its stack comes from the
		// stored copy.
		previous, err := a.Events.GetByID(ctx, ec.Event.ID)
		if err != nil {
			return fmt.Errorf("reading stored event %s: %w", ec.Event.ID, err)
		}
		ec.IsNew = previous.IsFirstOccurrence
	}
	return nil
}

// UpdateStackStats adds the batch's occurrences to each stack.
// Redelivered events were counted by the delivery that stored them.
type UpdateStackStats struct {
	Stacks StackStore
}

func (UpdateStackStats) Name() string { return "update_stack_stats" }

func (a UpdateStackStats) ProcessBatch(ctx context.Context, batch []*event.Context) error {
	type usage struct {
		first, last time.Time
		count       int64
	}
	var order []string
	usages := make(map[string]*usage)
	for _, ec := range batch {
		if ec.StackID == "" || ec.Redelivered {
			continue
		}
		current, ok := usages[ec.StackID]
		if !ok {
			current = &usage{first: ec.Event.Date, last: ec.Event.Date}
			usages[ec.StackID] = current
			order = append(order, ec.StackID)
		}
		current.count++
		if ec.Event.Date.Before(current.first) {
			current.first = ec.Event.Date
		}
		if ec.Event.Date.After(current.last) {
			current.last = ec.Event.Date
		}
	}

	var errs []error
	for _, stackID := range order {
		current := usages[stackID]
		if err := a.Stacks.IncrementUsage(ctx, stackID, current.first, current.last, current.count); err != nil {
			errs = append(errs, fmt.Errorf("stack %s: %w", stackID, err))
		}
	}
	return errors.Join(errs...)
}

// QueueNotification enqueues a notification for new, regressed, and
// critical events.
type QueueNotification struct {
	Notifications queue.Queue[codec.EventNotification]
}

func (QueueNotification) Name() string { return "queue_notification" }

func (a QueueNotification) Process(ctx context.Context, ec *event.Context) error {
	if !ec.IsNew && !ec.IsRegression && !ec.IsCritical {
		return nil
	}
	return a.Notifications.Enqueue(ctx, codec.EventNotification{
		EventID:        ec.Event.ID,
		StackID:        ec.StackID,
		OrganizationID: ec.OrganizationID,
		ProjectID:      ec.ProjectID,
		IsNew:          ec.IsNew,
		IsRegression:   ec.IsRegression,
		IsCritical:     ec.IsCritical,
	})
}

var (
	_ pipeline.ItemAction  = ValidateEvent{}
	_ pipeline.BatchAction = RunPlugins{}
	_ pipeline.BatchAction = AssignToStack{}
	_ pipeline.BatchAction = SaveEvent{}
	_ pipeline.BatchAction = UpdateStackStats{}
	_ pipeline.ItemAction  = QueueNotification{}
)

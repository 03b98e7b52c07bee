// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bureau-foundation/eventsink/lib/clock"
	"github.com/bureau-foundation/eventsink/lib/event"
	"github.com/bureau-foundation/eventsink/lib/index"
)

// Router picks physical indices for writes and narrows reads by time.
// *index.Manager implements it.
type Router interface {
	WriteIndex(ctx context.Context, alias string, at time.Time) (string, error)
	IndicesBetween(ctx context.Context, alias string, start, end time.Time) ([]string, error)
	// Invalidate drops any cached routing for alias.
	Invalidate(alias string)
}

// writeFunc writes documents to one physical index and returns the ids
// it skipped because they were already stored.
type writeFunc func(ctx context.Context, name string, documents []Document) ([]string, error)

// EventRepository stores persisted events in the time-partitioned
// events index.
type EventRepository struct {
	store  Store
	router Router
	clock  clock.Clock
	logger *slog.Logger
}

// NewEventRepository returns a repository over store. Nil clock and
// logger default to the real clock and a discard logger.
func NewEventRepository(store Store, router Router, clk clock.Clock, logger *slog.Logger) *EventRepository {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &EventRepository{store: store, router: router, clock: clk, logger: logger}
}

// Add assigns an id and creation time to every event that lacks one,
// then stores every event whose id is not stored yet. It returns the
// ids that were already stored, which are left untouched. Ids embed
// the event date, so GetByID can find the bucket without searching
// every partition.
func (r *EventRepository) Add(ctx context.Context, events []*event.Persisted) ([]string, error) {
	now := r.clock.Now().UTC()
	for _, persisted := range events {
		if persisted.Date.IsZero() {
			persisted.Date = now
		}
		if persisted.ID == "" {
			id, err := event.NewID(persisted.Date)
			if err != nil {
				return nil, fmt.Errorf("repository: %w", err)
			}
			persisted.ID = id
		}
		if persisted.CreatedUTC.IsZero() {
			persisted.CreatedUTC = now
		}
	}
	return r.write(ctx, events, r.store.CreateDocuments)
}

// Save writes events to the bucket their date routes to, one bulk
// write per physical index, replacing stored versions.
func (r *EventRepository) Save(ctx context.Context, events []*event.Persisted) error {
	_, err := r.write(ctx, events, func(ctx context.Context, name string, documents []Document) ([]string, error) {
		return nil, r.store.PutDocuments(ctx, name, documents)
	})
	return err
}

// write routes and writes events. A bucket dropped behind the router's
// cache (retention or an administrative delete in another process)
// fails with index.ErrIndexNotFound; the events bound for it are
// routed again once.
func (r *EventRepository) write(ctx context.Context, events []*event.Persisted, write writeFunc) ([]string, error) {
	var existing []string
	pending := events
	for attempt := 0; len(pending) > 0; attempt++ {
		order, groups, err := r.route(ctx, pending)
		if err != nil {
			return nil, err
		}
		var retry []*event.Persisted
		for _, target := range order {
			documents := make([]Document, 0, len(groups[target]))
			for _, persisted := range groups[target] {
				body, err := json.Marshal(persisted)
				if err != nil {
					return nil, fmt.Errorf("repository: encoding event %s: %w", persisted.ID, err)
				}
				documents = append(documents, Document{ID: persisted.ID, Body: body})
			}
			skipped, err := write(ctx, target, documents)
			if err != nil {
				if attempt == 0 && errors.Is(err, index.ErrIndexNotFound) {
					r.logger.Warn("event bucket vanished, routing again", "index", target, "error", err)
					retry = append(retry, groups[target]...)
					continue
				}
				return existing, fmt.Errorf("repository: writing %d events to %s: %w", len(documents), target, err)
			}
			existing = append(existing, skipped...)
			r.logger.Debug("events written", "index", target, "count", len(documents)-len(skipped))
		}
		if len(retry) > 0 {
			r.router.Invalidate(EventsIndex)
		}
		pending = retry
	}
	return existing, nil
}

// route groups events by the physical index their date routes to, in
// first-seen order.
func (r *EventRepository) route(ctx context.Context, events []*event.Persisted) ([]string, map[string][]*event.Persisted, error) {
	groups := make(map[string][]*event.Persisted)
	var order []string
	for _, persisted := range events {
		if persisted.ID == "" {
			return nil, nil, fmt.Errorf("repository: saving event without id")
		}
		target, err := r.router.WriteIndex(ctx, EventsIndex, persisted.Date)
		if err != nil {
			return nil, nil, fmt.Errorf("repository: routing event %s: %w", persisted.ID, err)
		}
		if _, seen := groups[target]; !seen {
			order = append(order, target)
		}
		groups[target] = append(groups[target], persisted)
	}
	return order, groups, nil
}

// GetByID returns one event. Returns ErrNotFound if absent.
func (r *EventRepository) GetByID(ctx context.Context, id string) (*event.Persisted, error) {
	indices := []string{EventsIndex}
	if at, err := event.IDTime(id); err == nil {
		narrowed, err := r.router.IndicesBetween(ctx, EventsIndex, at, at)
		if err != nil {
			return nil, fmt.Errorf("repository: %w", err)
		}
		indices = narrowed
	}
	if len(indices) == 0 {
		return nil, fmt.Errorf("repository: event %s: %w", id, ErrNotFound)
	}

	document, err := r.store.GetDocument(ctx, indices, id)
	if err != nil {
		return nil, fmt.Errorf("repository: event %s: %w", id, err)
	}
	return decodeEvent(document)
}

// GetByReferenceID returns the most recently dated event in a project
// with the given client reference id. Returns ErrNotFound if absent.
func (r *EventRepository) GetByReferenceID(ctx context.Context, projectID, referenceID string) (*event.Persisted, error) {
	documents, err := r.store.FindDocuments(ctx, []string{EventsIndex}, "reference_id", referenceID, 0)
	if err != nil {
		return nil, fmt.Errorf("repository: reference %s: %w", referenceID, err)
	}

	var latest *event.Persisted
	for _, document := range documents {
		persisted, err := decodeEvent(document)
		if err != nil {
			return nil, err
		}
		if persisted.ProjectID != projectID {
			continue
		}
		if latest == nil || persisted.Date.After(latest.Date) {
			latest = persisted
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("repository: reference %s in project %s: %w", referenceID, projectID, ErrNotFound)
	}
	return latest, nil
}

// FindByStack returns up to limit events of one stack.
func (r *EventRepository) FindByStack(ctx context.Context, stackID string, limit int) ([]*event.Persisted, error) {
	documents, err := r.store.FindDocuments(ctx, []string{EventsIndex}, "stack_id", stackID, limit)
	if err != nil {
		return nil, fmt.Errorf("repository: events of stack %s: %w", stackID, err)
	}
	events := make([]*event.Persisted, 0, len(documents))
	for _, document := range documents {
		persisted, err := decodeEvent(document)
		if err != nil {
			return nil, err
		}
		events = append(events, persisted)
	}
	return events, nil
}

func decodeEvent(document Document) (*event.Persisted, error) {
	var persisted event.Persisted
	if err := json.Unmarshal(document.Body, &persisted); err != nil {
		return nil, fmt.Errorf("repository: decoding event %s from %s: %w", document.ID, document.Index, err)
	}
	return &persisted, nil
}

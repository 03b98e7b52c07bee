// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/eventsink/lib/clock"
	"github.com/bureau-foundation/eventsink/lib/index"
)

// Stack groups the events of one project that share a signature.
type Stack struct {
	ID             string            `json:"id"`
	OrganizationID string            `json:"organization_id"`
	ProjectID      string            `json:"project_id"`
	SignatureHash  string            `json:"signature_hash"`
	SignatureInfo  map[string]string `json:"signature_info,omitempty"`
	Type           string            `json:"type"`
	Title          string            `json:"title,omitempty"`
	Tags           []string          `json:"tags,omitempty"`

	TotalOccurrences int64     `json:"total_occurrences"`
	FirstOccurrence  time.Time `json:"first_occurrence"`
	LastOccurrence   time.Time `json:"last_occurrence"`

	// DateFixed is set when the stack was marked fixed. A newer event
	// reopens it as a regression.
	DateFixed   *time.Time `json:"date_fixed,omitempty"`
	IsRegressed bool       `json:"is_regressed,omitempty"`

	CreatedUTC time.Time `json:"created_utc"`
	UpdatedUTC time.Time `json:"updated_utc"`
}

// IsFixed reports whether the stack is currently marked fixed.
func (s *Stack) IsFixed() bool { return s.DateFixed != nil }

// StackRepository stores stacks in the non-partitioned stacks index.
type StackRepository struct {
	store  Store
	router Router
	clock  clock.Clock
	logger *slog.Logger

	// updateMu serializes read-modify-write updates (usage counters,
	// reopening) within this process.
	updateMu sync.Mutex
}

// NewStackRepository returns a repository over store.
func NewStackRepository(store Store, router Router, clk clock.Clock, logger *slog.Logger) *StackRepository {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &StackRepository{store: store, router: router, clock: clk, logger: logger}
}

// GetByID returns one stack. Returns ErrNotFound if absent.
func (r *StackRepository) GetByID(ctx context.Context, id string) (*Stack, error) {
	document, err := r.store.GetDocument(ctx, []string{StacksIndex}, id)
	if err != nil {
		return nil, fmt.Errorf("repository: stack %s: %w", id, err)
	}
	return decodeStack(document)
}

// GetBySignature returns the stack of a project with the given
// signature hash. Returns ErrNotFound if absent.
func (r *StackRepository) GetBySignature(ctx context.Context, projectID, signatureHash string) (*Stack, error) {
	documents, err := r.store.FindDocuments(ctx, []string{StacksIndex}, "signature_hash", signatureHash, 0)
	if err != nil {
		return nil, fmt.Errorf("repository: stack signature %s: %w", signatureHash, err)
	}
	for _, document := range documents {
		stack, err := decodeStack(document)
		if err != nil {
			return nil, err
		}
		if stack.ProjectID == projectID {
			return stack, nil
		}
	}
	return nil, fmt.Errorf("repository: stack signature %s in project %s: %w", signatureHash, projectID, ErrNotFound)
}

// Add stores stack unless a stack with its id already exists, and
// returns the stored stack with whether this call created it. A stack
// created concurrently by another batch is returned as found, counters
// intact.
func (r *StackRepository) Add(ctx context.Context, stack *Stack) (*Stack, bool, error) {
	now := r.clock.Now().UTC()
	if stack.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, false, fmt.Errorf("repository: generating stack id: %w", err)
		}
		stack.ID = id.String()
	}
	if stack.CreatedUTC.IsZero() {
		stack.CreatedUTC = now
	}
	stack.UpdatedUTC = now

	body, err := json.Marshal(stack)
	if err != nil {
		return nil, false, fmt.Errorf("repository: encoding stack %s: %w", stack.ID, err)
	}
	var existing []string
	err = r.write(ctx, func(target string) error {
		var err error
		existing, err = r.store.CreateDocuments(ctx, target, []Document{{ID: stack.ID, Body: body}})
		if err != nil {
			return fmt.Errorf("repository: creating stack %s in %s: %w", stack.ID, target, err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if len(existing) == 0 {
		return stack, true, nil
	}
	stored, err := r.GetByID(ctx, stack.ID)
	if err != nil {
		return nil, false, err
	}
	return stored, false, nil
}

// Save replaces stacks in the index the stacks alias currently routes
// writes to.
func (r *StackRepository) Save(ctx context.Context, stacks ...*Stack) error {
	if len(stacks) == 0 {
		return nil
	}
	now := r.clock.Now().UTC()
	documents := make([]Document, 0, len(stacks))
	for _, stack := range stacks {
		if stack.ID == "" {
			return fmt.Errorf("repository: saving stack without id")
		}
		stack.UpdatedUTC = now
		body, err := json.Marshal(stack)
		if err != nil {
			return fmt.Errorf("repository: encoding stack %s: %w", stack.ID, err)
		}
		documents = append(documents, Document{ID: stack.ID, Body: body})
	}
	return r.write(ctx, func(target string) error {
		if err := r.store.PutDocuments(ctx, target, documents); err != nil {
			return fmt.Errorf("repository: writing %d stacks to %s: %w", len(documents), target, err)
		}
		return nil
	})
}

// write calls fn with the physical index the stacks alias routes to.
// When that index vanished behind the router's cache, the alias is
// routed again once.
func (r *StackRepository) write(ctx context.Context, fn func(target string) error) error {
	for attempt := 0; ; attempt++ {
		target, err := r.router.WriteIndex(ctx, StacksIndex, r.clock.Now())
		if err != nil {
			return fmt.Errorf("repository: routing stacks: %w", err)
		}
		err = fn(target)
		if attempt == 0 && errors.Is(err, index.ErrIndexNotFound) {
			r.logger.Warn("stacks index vanished, routing again", "index", target, "error", err)
			r.router.Invalidate(StacksIndex)
			continue
		}
		return err
	}
}

// IncrementUsage adds count occurrences to a stack and widens its
// first and last occurrence to cover [first, last].
func (r *StackRepository) IncrementUsage(ctx context.Context, id string, first, last time.Time, count int64) error {
	r.updateMu.Lock()
	defer r.updateMu.Unlock()

	stack, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	stack.TotalOccurrences += count
	if !first.IsZero() && (stack.FirstOccurrence.IsZero() || first.Before(stack.FirstOccurrence)) {
		stack.FirstOccurrence = first.UTC()
	}
	if last.After(stack.LastOccurrence) {
		stack.LastOccurrence = last.UTC()
	}
	if err := r.Save(ctx, stack); err != nil {
		return err
	}
	r.logger.Debug("stack usage incremented",
		"stack_id", id,
		"count", count,
		"total_occurrences", stack.TotalOccurrences,
	)
	return nil
}

// Reopen clears the fix of a stack when at is after its fix date and
// marks it regressed. It reports whether this call reopened the stack;
// a stack that is not fixed, or was fixed after at, is left unchanged.
func (r *StackRepository) Reopen(ctx context.Context, id string, at time.Time) (bool, error) {
	r.updateMu.Lock()
	defer r.updateMu.Unlock()

	stack, err := r.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	if !stack.IsFixed() || !at.After(*stack.DateFixed) {
		return false, nil
	}
	stack.DateFixed = nil
	stack.IsRegressed = true
	if err := r.Save(ctx, stack); err != nil {
		return false, err
	}
	return true, nil
}

func decodeStack(document Document) (*Stack, error) {
	var stack Stack
	if err := json.Unmarshal(document.Body, &stack); err != nil {
		return nil, fmt.Errorf("repository: decoding stack %s from %s: %w", document.ID, document.Index, err)
	}
	return &stack, nil
}

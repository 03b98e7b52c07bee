// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/eventsink/lib/clock"
	"github.com/bureau-foundation/eventsink/lib/event"
)

type itemFunc struct {
	name string
	fn   func(context.Context, *event.Context) error
}

func (a *itemFunc) Name() string { return a.name }
func (a *itemFunc) Process(ctx context.Context, ec *event.Context) error {
	return a.fn(ctx, ec)
}

type batchFunc struct {
	name string
	fn   func(context.Context, []*event.Context) error
}

func (a *batchFunc) Name() string { return a.name }
func (a *batchFunc) ProcessBatch(ctx context.Context, batch []*event.Context) error {
	return a.fn(ctx, batch)
}

// seenBy records which messages each action was handed.
type seenBy struct {
	mu   sync.Mutex
	seen map[string][]string
}

func newSeenBy() *seenBy { return &seenBy{seen: make(map[string][]string)} }

func (s *seenBy) item(name string) *itemFunc {
	return &itemFunc{name: name, fn: func(_ context.Context, ec *event.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.seen[name] = append(s.seen[name], ec.Event.Message)
		return nil
	}}
}

func (s *seenBy) batch(name string) *batchFunc {
	return &batchFunc{name: name, fn: func(_ context.Context, batch []*event.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, ec := range batch {
			s.seen[name] = append(s.seen[name], ec.Event.Message)
		}
		return nil
	}}
}

func (s *seenBy) get(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.seen[name], ",")
}

func newBatch(messages ...string) []*event.Context {
	batch := make([]*event.Context, len(messages))
	for i, message := range messages {
		batch[i] = event.NewContext(&event.Event{Message: message}, "org", "project")
	}
	return batch
}

func mustNew(t *testing.T, actions ...Descriptor) *Pipeline {
	t.Helper()
	p, err := New(Config{Actions: actions})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func failOn(name, message string) *itemFunc {
	return &itemFunc{name: name, fn: func(_ context.Context, ec *event.Context) error {
		if ec.Event.Message == message {
			return errors.New("cannot process " + message)
		}
		return nil
	}}
}

func TestActionsRunInPriorityOrder(t *testing.T) {
	var order []string
	step := func(name string) *batchFunc {
		return &batchFunc{name: name, fn: func(context.Context, []*event.Context) error {
			order = append(order, name)
			return nil
		}}
	}
	p := mustNew(t,
		Descriptor{Priority: 40, Action: step("save")},
		Descriptor{Priority: 10, Action: step("validate")},
		Descriptor{Priority: 20, Action: step("plugins-a")},
		Descriptor{Priority: 20, Action: step("plugins-b")},
	)

	results, err := p.Process(context.Background(), newBatch("a"))
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(order, ","); got != "validate,plugins-a,plugins-b,save" {
		t.Errorf("order = %s", got)
	}
	if results[0].Outcome != event.OutcomeCompleted || results[0].Err != nil {
		t.Errorf("result = %+v", results[0])
	}
}

func TestContinueOnErrorKeepsSiblingsFlowing(t *testing.T) {
	seen := newSeenBy()
	p := mustNew(t,
		Descriptor{Priority: 10, ContinueOnError: true, Action: failOn("enrich", "two")},
		Descriptor{Priority: 20, Action: seen.item("stack")},
		Descriptor{Priority: 30, Action: seen.batch("save")},
	)

	batch := newBatch("one", "two", "three", "four")
	results, err := p.Process(context.Background(), batch)
	if err != nil {
		t.Fatal(err)
	}

	for _, action := range []string{"stack", "save"} {
		if got := seen.get(action); got != "one,two,three,four" {
			t.Errorf("%s saw %s, want every context", action, got)
		}
	}
	for i, result := range results {
		if result.Outcome != event.OutcomeCompleted {
			t.Errorf("context %d outcome = %s", i, result.Outcome)
		}
	}
	if len(batch[1].Errors) != 1 {
		t.Fatalf("recorded errors = %v", batch[1].Errors)
	}
	var actionErr *ActionError
	if !errors.As(batch[1].Errors[0], &actionErr) || actionErr.Action != "enrich" {
		t.Errorf("recorded error = %v", batch[1].Errors[0])
	}
}

func TestHardItemFailureSkipsOnlyThatContext(t *testing.T) {
	seen := newSeenBy()
	p := mustNew(t,
		Descriptor{Priority: 10, Action: failOn("validate", "bad")},
		Descriptor{Priority: 20, Action: seen.item("stack")},
		Descriptor{Priority: 30, Action: seen.batch("save")},
	)

	results, err := p.Process(context.Background(), newBatch("ok", "bad", "fine"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if got := seen.get("stack"); got != "ok,fine" {
		t.Errorf("stack saw %s", got)
	}
	if got := seen.get("save"); got != "ok,fine" {
		t.Errorf("save saw %s", got)
	}
	if results[1].Outcome != event.OutcomeFailed || results[1].Err == nil {
		t.Errorf("failed result = %+v", results[1])
	}
	if results[0].Outcome != event.OutcomeCompleted || results[2].Outcome != event.OutcomeCompleted {
		t.Errorf("sibling outcomes = %s, %s", results[0].Outcome, results[2].Outcome)
	}
}

func TestHardBatchFailureAbortsBatch(t *testing.T) {
	seen := newSeenBy()
	saveErr := errors.New("index unavailable")
	p := mustNew(t,
		Descriptor{Priority: 10, Action: failOn("validate", "bad")},
		Descriptor{Priority: 40, Action: &batchFunc{name: "save", fn: func(context.Context, []*event.Context) error {
			return saveErr
		}}},
		Descriptor{Priority: 50, Action: seen.batch("stats")},
	)

	results, err := p.Process(context.Background(), newBatch("a", "bad", "c"))

	var batchErr *BatchError
	if !errors.As(err, &batchErr) {
		t.Fatalf("error = %v, want *BatchError", err)
	}
	if batchErr.Action != "save" || batchErr.Size != 2 || !errors.Is(err, saveErr) {
		t.Errorf("batch error = %+v", batchErr)
	}
	if got := seen.get("stats"); got != "" {
		t.Errorf("stats ran after abort: %s", got)
	}
	for i, result := range results {
		if result.Outcome != event.OutcomeFailed {
			t.Errorf("context %d outcome = %s, want failed", i, result.Outcome)
		}
	}
	// The context failed by validate keeps its own error.
	if strings.Contains(results[1].Err.Error(), "index unavailable") {
		t.Errorf("validate failure overwritten: %v", results[1].Err)
	}
}

func TestContinueOnErrorBatchAction(t *testing.T) {
	seen := newSeenBy()
	p := mustNew(t,
		Descriptor{Priority: 10, ContinueOnError: true, Action: &batchFunc{name: "plugins", fn: func(context.Context, []*event.Context) error {
			return errors.New("plugin host down")
		}}},
		Descriptor{Priority: 20, Action: seen.batch("save")},
	)
	batch := newBatch("a", "b")
	if _, err := p.Process(context.Background(), batch); err != nil {
		t.Fatal(err)
	}
	if got := seen.get("save"); got != "a,b" {
		t.Errorf("save saw %s", got)
	}
	for _, ec := range batch {
		if len(ec.Errors) != 1 || ec.Outcome() != event.OutcomeCompleted {
			t.Errorf("outcome = %s errors = %v", ec.Outcome(), ec.Errors)
		}
	}
}

func TestPanicBecomesActionError(t *testing.T) {
	p := mustNew(t,
		Descriptor{Priority: 1, Action: &itemFunc{name: "explode", fn: func(context.Context, *event.Context) error {
			panic("boom")
		}}},
	)
	results, err := p.Process(context.Background(), newBatch("a"))
	if err != nil {
		t.Fatal(err)
	}
	var actionErr *ActionError
	if !errors.As(results[0].Err, &actionErr) || !actionErr.Panicked || actionErr.Action != "explode" {
		t.Errorf("result error = %v", results[0].Err)
	}
}

func TestCancellationMarksRemainingContexts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	seen := newSeenBy()
	p := mustNew(t,
		Descriptor{Priority: 10, Action: &itemFunc{name: "first", fn: func(_ context.Context, ec *event.Context) error {
			if ec.Event.Message == "b" {
				cancel()
			}
			return nil
		}}},
		Descriptor{Priority: 20, Action: seen.batch("save")},
	)

	results, err := p.Process(ctx, newBatch("a", "b", "c"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if got := seen.get("save"); got != "" {
		t.Errorf("save ran after cancellation: %s", got)
	}
	for i, result := range results {
		if result.Outcome != event.OutcomeCancelled {
			t.Errorf("context %d outcome = %s, want cancelled", i, result.Outcome)
		}
		if !errors.Is(result.Err, context.Canceled) {
			t.Errorf("context %d error = %v", i, result.Err)
		}
	}
}

func TestBatchActionReturningCancellationIsNotAFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := mustNew(t,
		Descriptor{Priority: 1, Action: &batchFunc{name: "save", fn: func(ctx context.Context, _ []*event.Context) error {
			cancel()
			return ctx.Err()
		}}},
	)
	results, err := p.Process(ctx, newBatch("a"))
	var batchErr *BatchError
	if errors.As(err, &batchErr) {
		t.Fatalf("cancellation reported as batch failure: %v", err)
	}
	if results[0].Outcome != event.OutcomeCancelled {
		t.Errorf("outcome = %s", results[0].Outcome)
	}
}

type countingObserver struct {
	mu       sync.Mutex
	actions  map[string]time.Duration
	failed   map[string]int
	outcomes map[event.Outcome]int
}

func (o *countingObserver) ObserveAction(action string, elapsed time.Duration, failed int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.actions[action] = elapsed
	o.failed[action] = failed
}

func (o *countingObserver) ObserveOutcome(outcome event.Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes[outcome]++
}

func TestObserverSeesTimingsAndOutcomes(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	observer := &countingObserver{
		actions:  make(map[string]time.Duration),
		failed:   make(map[string]int),
		outcomes: make(map[event.Outcome]int),
	}
	p, err := New(Config{
		Clock:    fake,
		Observer: observer,
		Actions: []Descriptor{
			{Priority: 1, Action: &itemFunc{name: "slow", fn: func(_ context.Context, ec *event.Context) error {
				fake.Advance(time.Second)
				if ec.Event.Message == "bad" {
					return errors.New("bad")
				}
				return nil
			}}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := p.Process(context.Background(), newBatch("a", "bad")); err != nil {
		t.Fatal(err)
	}
	if observer.actions["slow"] != 2*time.Second {
		t.Errorf("elapsed = %s, want 2s", observer.actions["slow"])
	}
	if observer.failed["slow"] != 1 {
		t.Errorf("failed = %d, want 1", observer.failed["slow"])
	}
	if observer.outcomes[event.OutcomeCompleted] != 1 || observer.outcomes[event.OutcomeFailed] != 1 {
		t.Errorf("outcomes = %v", observer.outcomes)
	}
}

func TestNewRejectsInvalidTables(t *testing.T) {
	noop := &batchFunc{name: "dup", fn: func(context.Context, []*event.Context) error { return nil }}
	if _, err := New(Config{Actions: []Descriptor{{Action: noop}, {Action: noop}}}); err == nil {
		t.Error("duplicate action accepted")
	}
	if _, err := New(Config{Actions: []Descriptor{{Priority: 3}}}); err == nil {
		t.Error("nil action accepted")
	}
}

func TestConcurrentBatches(t *testing.T) {
	p := mustNew(t,
		Descriptor{Priority: 1, Action: &itemFunc{name: "tag", fn: func(_ context.Context, ec *event.Context) error {
			ec.Event.Tags = append(ec.Event.Tags, "x")
			return nil
		}}},
	)
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results, err := p.Process(context.Background(), newBatch("a", "b", "c"))
			if err != nil {
				t.Error(err)
				return
			}
			for _, result := range results {
				if result.Outcome != event.OutcomeCompleted || len(result.Context.Event.Tags) != 1 {
					t.Errorf("result = %+v", result)
				}
			}
		}()
	}
	wg.Wait()
}

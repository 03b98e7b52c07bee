// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"fmt"
	"time"
)

// Outcome is the processing state of one Context.
type Outcome int

const (
	// OutcomePending means the context is still eligible for the
	// remaining pipeline actions.
	OutcomePending Outcome = iota

	// OutcomeCompleted means every action ran without a hard failure.
	OutcomeCompleted

	// OutcomeFailed means an action or plugin failed the context.
	// No later action sees it.
	OutcomeFailed

	// OutcomeCancelled means processing stopped (context cancellation)
	// before every action had run for this context.
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Context is the mutable processing state of one event inside one
// pipeline run. A Context belongs to exactly one run and is never
// shared across goroutines, so it carries no locking.
type Context struct {
	Event *Event

	OrganizationID string
	ProjectID      string

	// Key identifies the event across redeliveries of the post it came
	// from. Events with a key and no id get an id derived from it.
	Key string

	// ReceivedAt is when ingress accepted the post. When set, it is the
	// "now" that dates are validated against, so a redelivery
	// normalizes dates the same way.
	ReceivedAt time.Time

	// Redelivered is set when the event was already stored by an
	// earlier delivery of the same post.
	Redelivered bool

	// Resolved by the stacking action.
	StackID       string
	SignatureHash string
	IsNew         bool
	IsRegression  bool

	// IsCritical is set by plugins for events that always notify.
	IsCritical bool

	// Errors holds failures recorded by continue-on-error actions and
	// plugins. They do not change the outcome.
	Errors []error

	outcome Outcome
	failure error
}

// NewContext wraps an event for a pipeline run.
func NewContext(ev *Event, organizationID, projectID string) *Context {
	return &Context{
		Event:          ev,
		OrganizationID: organizationID,
		ProjectID:      projectID,
	}
}

// Outcome returns the current processing state.
func (c *Context) Outcome() Outcome { return c.outcome }

// Pending reports whether later actions should still see the context.
func (c *Context) Pending() bool { return c.outcome == OutcomePending }

// Failed reports whether the context was failed.
func (c *Context) Failed() bool { return c.outcome == OutcomeFailed }

// Err returns the error that failed the context, or nil.
func (c *Context) Err() error { return c.failure }

// Fail marks the context failed. The first failure wins; later calls
// append to Errors instead. A no-op on completed or cancelled contexts.
func (c *Context) Fail(err error) {
	switch c.outcome {
	case OutcomePending:
		c.outcome = OutcomeFailed
		c.failure = err
	case OutcomeFailed:
		c.Errors = append(c.Errors, err)
	}
}

// Record attaches a non-fatal error without changing the outcome.
func (c *Context) Record(err error) {
	c.Errors = append(c.Errors, err)
}

// Complete marks a pending context completed.
func (c *Context) Complete() {
	if c.outcome == OutcomePending {
		c.outcome = OutcomeCompleted
	}
}

// Cancel marks a pending context cancelled.
func (c *Context) Cancel() {
	if c.outcome == OutcomePending {
		c.outcome = OutcomeCancelled
	}
}

// PendingContexts returns the contexts in batch that are still pending, in
// batch order.
func PendingContexts(batch []*Context) []*Context {
	pending := make([]*Context, 0, len(batch))
	for _, c := range batch {
		if c.Pending() {
			pending = append(pending, c)
		}
	}
	return pending
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package upgrade

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/bureau-foundation/eventsink/lib/document"
)

// Step is one version-scoped rewrite.
type Step struct {
	// Name identifies the step in logs and errors.
	Name string

	// Priority orders steps; lower runs first. Equal priorities keep
	// registration order.
	Priority int

	// MaxVersion is the newest version the step applies to. Contexts
	// whose version is greater skip the step.
	MaxVersion Version

	// Target is the version a document conforms to after the step.
	Target Version

	// Apply rewrites doc in place. report records discarded fragments.
	// Returning an error discards every edit made by this call.
	Apply func(doc *document.Object, report Reporter) error
}

// Reporter records a discarded fragment of the document under field.
type Reporter func(field string, err error)

// Chain applies a fixed, priority-ordered set of steps. A Chain is
// immutable after New and safe for concurrent use; all per-document
// state lives in the Context.
type Chain struct {
	steps  []Step
	logger *slog.Logger
}

// New sorts steps by priority (stable) and returns a chain. A nil
// logger discards output.
func New(logger *slog.Logger, steps ...Step) (*Chain, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	sorted := append([]Step(nil), steps...)
	for _, step := range sorted {
		if step.Name == "" || step.Apply == nil {
			return nil, fmt.Errorf("upgrade: step %q needs a Name and Apply", step.Name)
		}
		if step.Target.Compare(step.MaxVersion) <= 0 {
			return nil, fmt.Errorf("upgrade: step %s: target %s does not advance past %s",
				step.Name, step.Target, step.MaxVersion)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})

	return &Chain{steps: sorted, logger: logger}, nil
}

// Default returns the chain of built-in legacy steps.
func Default(logger *slog.Logger) *Chain {
	chain, err := New(logger, DefaultSteps()...)
	if err != nil {
		panic(err)
	}
	return chain
}

// Steps returns the chain's steps in execution order.
func (c *Chain) Steps() []Step {
	return append([]Step(nil), c.steps...)
}

// Upgrade runs every applicable step against ctx. On a step failure
// the document keeps the result of the last successful step and the
// failure is returned as a *StepError.
func (c *Chain) Upgrade(ctx *Context) error {
	if ctx == nil || ctx.Document == nil {
		return fmt.Errorf("%w: nil document", ErrMalformedDocument)
	}

	for _, step := range c.steps {
		if ctx.Version.Compare(step.MaxVersion) > 0 {
			continue
		}

		candidate := ctx.Document.Clone()
		var losses []*DataLoss
		report := func(field string, err error) {
			losses = append(losses, &DataLoss{Step: step.Name, Field: field, Err: err})
		}

		if err := step.Apply(candidate, report); err != nil {
			c.logger.Warn("upgrade step failed",
				"step", step.Name,
				"version", ctx.Version.String(),
				"error", err,
			)
			return &StepError{Step: step.Name, Err: err}
		}

		for _, loss := range losses {
			c.logger.Warn("upgrade discarded fragment",
				"step", loss.Step,
				"field", loss.Field,
				"error", loss.Err,
			)
		}

		ctx.Document = candidate
		ctx.DataLoss = append(ctx.DataLoss, losses...)
		if ctx.Version.Compare(step.Target) < 0 {
			ctx.Version = step.Target
		}
	}
	return nil
}

// UpgradeJSON splits raw into documents, upgrades each, and returns
// the upgraded documents in input order together with their contexts.
// The first failing document aborts the call.
func (c *Chain) UpgradeJSON(raw []byte, declared Version) ([]*Context, error) {
	contexts, err := Split(raw, declared)
	if err != nil {
		return nil, err
	}
	for i, ctx := range contexts {
		if err := c.Upgrade(ctx); err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
	}
	return contexts, nil
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"errors"
	"fmt"
)

// ActionError attributes a failure to the action that raised it.
// Recovered panics are reported with Panicked set.
type ActionError struct {
	Action   string
	Panicked bool
	Err      error
}

func (e *ActionError) Error() string {
	if e.Panicked {
		return fmt.Sprintf("pipeline: action %s panicked: %v", e.Action, e.Err)
	}
	return fmt.Sprintf("pipeline: action %s: %v", e.Action, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// BatchError is returned by Process when a batch action without
// ContinueOnError failed. Every context that was pending at that point
// is failed with the same *ActionError.
type BatchError struct {
	Action string
	Size   int
	Err    error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("pipeline: batch of %d aborted at %s: %v", e.Size, e.Action, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// guard runs fn, converting a panic into an *ActionError.
func guard(action string, fn func() error) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = &ActionError{Action: action, Panicked: true, Err: fmt.Errorf("%v", recovered)}
		}
	}()
	return fn()
}

// asActionError wraps err unless it already names an action.
func asActionError(action string, err error) *ActionError {
	var actionErr *ActionError
	if errors.As(err, &actionErr) && actionErr.Action == action {
		return actionErr
	}
	return &ActionError{Action: action, Err: err}
}

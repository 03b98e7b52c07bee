// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package upgrade

import (
	"errors"
	"fmt"
)

// ErrMalformedDocument is returned when the primary document is not a
// JSON object (or an array of objects). Only that post is rejected.
var ErrMalformedDocument = errors.New("upgrade: malformed document")

// DataLoss records an auxiliary fragment a step could not interpret and
// discarded. It is reported, never returned as a step failure.
type DataLoss struct {
	Step  string
	Field string
	Err   error
}

func (d *DataLoss) Error() string {
	return fmt.Sprintf("upgrade: step %s discarded %s: %v", d.Step, d.Field, d.Err)
}

func (d *DataLoss) Unwrap() error { return d.Err }

// StepError is returned when a step fails. The document is left as it
// was before the step.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("upgrade: step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

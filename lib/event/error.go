// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"encoding/json"
	"fmt"
)

// Error is the nested exception description of an error event. Inner
// chains are unbounded.
//
// Properties recovered from legacy exception blobs have no fixed
// schema; they round-trip through Extra and are written inline next to
// the known fields.
type Error struct {
	Code         string           `json:"code,omitempty"`
	Type         string           `json:"type,omitempty"`
	Message      string           `json:"message,omitempty"`
	Inner        *Error           `json:"inner,omitempty"`
	StackTrace   []map[string]any `json:"stack_trace,omitempty"`
	TargetMethod map[string]any   `json:"target_method,omitempty"`
	Modules      []map[string]any `json:"modules,omitempty"`
	Data         map[string]any   `json:"data,omitempty"`

	Extra map[string]any `json:"-"`
}

// errorFields is Error without methods, so the codec below can reuse
// the struct tags without recursing.
type errorFields Error

var knownErrorKeys = map[string]bool{
	"code": true, "type": true, "message": true, "inner": true,
	"stack_trace": true, "target_method": true, "modules": true, "data": true,
}

// MarshalJSON writes the known fields followed by Extra.
func (e *Error) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal((*errorFields)(e))
	if err != nil {
		return nil, err
	}
	if len(e.Extra) == 0 {
		return known, nil
	}

	merged := make(map[string]json.RawMessage, len(e.Extra)+8)
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, err
	}
	for key, value := range e.Extra {
		if knownErrorKeys[key] {
			continue
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("event: encoding error property %q: %w", key, err)
		}
		merged[key] = encoded
	}
	return json.Marshal(merged)
}

// UnmarshalJSON fills the known fields and collects unknown keys into
// Extra.
func (e *Error) UnmarshalJSON(data []byte) error {
	var fields errorFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for key := range all {
		if knownErrorKeys[key] {
			delete(all, key)
		}
	}
	if len(all) > 0 {
		fields.Extra = all
	}

	*e = Error(fields)
	return nil
}

// Innermost returns the deepest error in the Inner chain.
func (e *Error) Innermost() *Error {
	current := e
	for current != nil && current.Inner != nil {
		current = current.Inner
	}
	return current
}

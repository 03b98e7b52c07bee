// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package event defines the current-schema telemetry event, the
// persisted form written to the events index, and the per-item Context
// threaded through the processing pipeline.
//
// Documents of any older schema are rewritten into this shape by
// lib/upgrade before they are decoded into an [Event].
package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Known event type discriminators.
const (
	TypeError    = "error"
	TypeLog      = "log"
	TypeNotFound = "404"
	TypeSession  = "session"
	TypeUsage    = "usage"
)

// Event is one telemetry event at the current schema version.
type Event struct {
	// ID is absent on events classified as 404 by the legacy upgrade
	// and on freshly posted events; persistence assigns one.
	ID string `json:"id,omitempty"`

	// ReferenceID is the client-chosen identifier used to attach a
	// user description after the fact.
	ReferenceID string `json:"reference_id,omitempty"`

	Date    time.Time `json:"date"`
	Type    string    `json:"type"`
	Source  string    `json:"source,omitempty"`
	Message string    `json:"message,omitempty"`

	// Data holds arbitrary extended data. Well-known keys are "req"
	// (request info), "env" (environment info), and "trace" (legacy
	// trace log lines).
	Data map[string]any `json:"data,omitempty"`

	Error       *Error           `json:"err,omitempty"`
	User        *UserInfo        `json:"user,omitempty"`
	Description *UserDescription `json:"desc,omitempty"`
	Tags        []string         `json:"tags,omitempty"`
}

// Well-known keys inside Event.Data.
const (
	DataRequest     = "req"
	DataEnvironment = "env"
	DataTrace       = "trace"
)

// UserInfo identifies the end user who experienced the event.
type UserInfo struct {
	Identity string `json:"identity"`
	Name     string `json:"name,omitempty"`
}

// UserDescription is the end user's account of what happened.
type UserDescription struct {
	EmailAddress string `json:"email,omitempty"`
	Description  string `json:"description,omitempty"`
}

// HasTag reports whether tag is present, case-sensitively.
func (e *Event) HasTag(tag string) bool {
	for _, existing := range e.Tags {
		if existing == tag {
			return true
		}
	}
	return false
}

// RequestData returns Data["req"] when it is an object.
func (e *Event) RequestData() map[string]any {
	request, _ := e.Data[DataRequest].(map[string]any)
	return request
}

// RequestPath returns the request path from Data["req"]. Legacy
// documents spell the key "Path", so the lookup ignores case.
func (e *Event) RequestPath() string {
	value, _ := LookupFold(e.RequestData(), "path")
	path, _ := value.(string)
	return path
}

// LookupFold returns the value of the first key in m equal to key
// under Unicode case folding. An exact match wins.
func LookupFold(m map[string]any, key string) (any, bool) {
	if value, ok := m[key]; ok {
		return value, true
	}
	for candidate, value := range m {
		if strings.EqualFold(candidate, key) {
			return value, true
		}
	}
	return nil, false
}

// Persisted is an Event as stored in the events index, carrying the
// ownership and stacking fields resolved by the pipeline.
type Persisted struct {
	Event

	OrganizationID    string    `json:"organization_id"`
	ProjectID         string    `json:"project_id"`
	StackID           string    `json:"stack_id"`
	IsFirstOccurrence bool      `json:"is_first_occurrence,omitempty"`
	CreatedUTC        time.Time `json:"created_utc"`
}

// Decode parses a current-schema JSON document into an Event.
func Decode(data []byte) (*Event, error) {
	var decoded Event
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, fmt.Errorf("event: decoding document: %w", err)
	}
	return &decoded, nil
}

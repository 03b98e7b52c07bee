// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"fmt"
	"time"
)

// EventPost is a raw client submission waiting to be processed. Data
// is the body exactly as received; it may still be compressed per
// ContentEncoding.
type EventPost struct {
	// ID identifies the post across queue redeliveries and client
	// retries. Event ids are derived from it.
	ID              string    `cbor:"id,omitempty"`
	OrganizationID  string    `cbor:"organization_id"`
	ProjectID       string    `cbor:"project_id"`
	APIVersion      int       `cbor:"api_version"`
	ClientVersion   string    `cbor:"client_version,omitempty"`
	ContentType     string    `cbor:"content_type,omitempty"`
	ContentEncoding string    `cbor:"content_encoding,omitempty"`
	UserAgent       string    `cbor:"user_agent,omitempty"`
	ReceivedAt      time.Time `cbor:"received_at"`
	Data            []byte    `cbor:"data"`
}

// Validate reports the first missing required field.
func (p *EventPost) Validate() error {
	switch {
	case p.ProjectID == "":
		return fmt.Errorf("codec: event post without project id")
	case p.APIVersion != 1 && p.APIVersion != 2:
		return fmt.Errorf("codec: event post with unsupported api version %d", p.APIVersion)
	case len(p.Data) == 0:
		return fmt.Errorf("codec: event post without data")
	}
	return nil
}

// EventUserDescription attaches an end user's account to an event
// identified by its client reference id.
type EventUserDescription struct {
	ProjectID    string `cbor:"project_id"`
	ReferenceID  string `cbor:"reference_id"`
	EmailAddress string `cbor:"email,omitempty"`
	Description  string `cbor:"description,omitempty"`
}

// Validate reports the first missing required field.
func (d *EventUserDescription) Validate() error {
	switch {
	case d.ProjectID == "":
		return fmt.Errorf("codec: user description without project id")
	case d.ReferenceID == "":
		return fmt.Errorf("codec: user description without reference id")
	case d.EmailAddress == "" && d.Description == "":
		return fmt.Errorf("codec: user description for %s is empty", d.ReferenceID)
	}
	return nil
}

// EventNotification announces an event worth telling someone about.
type EventNotification struct {
	EventID        string `cbor:"event_id"`
	StackID        string `cbor:"stack_id"`
	OrganizationID string `cbor:"organization_id"`
	ProjectID      string `cbor:"project_id"`
	IsNew          bool   `cbor:"is_new,omitempty"`
	IsRegression   bool   `cbor:"is_regression,omitempty"`
	IsCritical     bool   `cbor:"is_critical,omitempty"`
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package index

import (
	"errors"
	"fmt"
)

var (
	// ErrIndexExists is returned by Backend.CreateIndex for a name
	// that is already taken.
	ErrIndexExists = errors.New("index: physical index already exists")

	// ErrIndexNotFound is returned by Backend.DeleteIndex for a name
	// that does not exist.
	ErrIndexNotFound = errors.New("index: physical index not found")

	// ErrAliasUnresolved is returned when a write targets a logical
	// index that has no provisioned physical index.
	ErrAliasUnresolved = errors.New("index: alias has no physical index")
)

// ProvisioningError reports a failed create, delete, alias or list
// operation against the backend. It is surfaced to the caller and not
// retried.
type ProvisioningError struct {
	Index string
	Op    string
	Err   error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("index: %s %s: %v", e.Op, e.Index, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

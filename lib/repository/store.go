// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotFound is returned when no document matches a lookup.
var ErrNotFound = errors.New("repository: document not found")

// Document is one stored JSON body. Index is the physical index it was
// read from; writers leave it empty.
type Document struct {
	ID    string
	Index string
	Body  json.RawMessage
}

// Store is the document plane of a search backend. Read methods accept
// alias or physical names and search them in order. Writes take a
// physical name, normally obtained from index.Manager.WriteIndex.
//
// CreateDocuments is PutDocuments that never replaces: documents whose
// id is already stored in the index are skipped and their ids returned.
//
// FindDocuments matches exact values of a keyword field declared in
// the index mapping, returning at most limit documents ordered by id.
type Store interface {
	PutDocuments(ctx context.Context, index string, documents []Document) error
	CreateDocuments(ctx context.Context, index string, documents []Document) (existing []string, err error)
	GetDocument(ctx context.Context, indices []string, id string) (Document, error)
	FindDocuments(ctx context.Context, indices []string, field, value string, limit int) ([]Document, error)
	Refresh(ctx context.Context, indices ...string) error
}

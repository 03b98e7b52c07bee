// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/bureau-foundation/eventsink/lib/codec"
	"github.com/bureau-foundation/eventsink/lib/event"
	"github.com/bureau-foundation/eventsink/lib/pipeline"
	"github.com/bureau-foundation/eventsink/lib/upgrade"
)

// ErrPermanent marks failures that redelivery cannot fix: malformed
// bodies, unsupported encodings, invalid messages.
var ErrPermanent = errors.New("permanent failure")

// Pipeline runs a batch of contexts. *pipeline.Pipeline implements it.
type Pipeline interface {
	Process(ctx context.Context, batch []*event.Context) ([]pipeline.Result, error)
}

// EventStore is the part of the event repository user descriptions
// need.
type EventStore interface {
	GetByReferenceID(ctx context.Context, projectID, referenceID string) (*event.Persisted, error)
	Save(ctx context.Context, events []*event.Persisted) error
}

// ProcessorConfig configures a Processor.
type ProcessorConfig struct {
	Chain    *upgrade.Chain
	Pipeline Pipeline
	Events   EventStore

	// MaxDecodedSize bounds decompressed bodies. Zero uses
	// DefaultMaxDecodedSize.
	MaxDecodedSize int64

	Logger *slog.Logger
}

// Processor handles queued event posts and user descriptions.
type Processor struct {
	chain          *upgrade.Chain
	pipeline       Pipeline
	events         EventStore
	maxDecodedSize int64
	logger         *slog.Logger
}

// NewProcessor validates config and returns a Processor.
func NewProcessor(config ProcessorConfig) (*Processor, error) {
	if config.Pipeline == nil || config.Events == nil {
		return nil, fmt.Errorf("ingest: Pipeline and Events are required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	chain := config.Chain
	if chain == nil {
		chain = upgrade.Default(logger)
	}
	return &Processor{
		chain:          chain,
		pipeline:       config.Pipeline,
		events:         config.Events,
		maxDecodedSize: config.MaxDecodedSize,
		logger:         logger,
	}, nil
}

// Summary counts what happened to the documents of one post.
type Summary struct {
	Documents int
	// Skipped documents failed to upgrade or decode and never reached
	// the pipeline.
	Skipped   int
	DataLoss  int
	Completed int
	Failed    int
	Cancelled int
}

// DeclaredVersion is the schema version a post claims. API v2 posts
// are current. API v1 posts carry the client library version, and an
// unparsable one is left for detection.
func DeclaredVersion(post *codec.EventPost) upgrade.Version {
	if post.APIVersion >= 2 {
		return upgrade.CurrentVersion
	}
	if version, err := upgrade.ParseVersion(post.ClientVersion); err == nil {
		return version
	}
	return upgrade.Version{}
}

// ProcessEventPost decodes, upgrades and processes one post. A
// document that cannot be upgraded or decoded is skipped and its
// siblings still run. Posts carrying an id can be processed again
// after a partial failure without storing their events twice. The error wraps ErrPermanent when the post
// itself is unusable; pipeline batch failures and cancellation are
// returned as is so the post is retried.
func (p *Processor) ProcessEventPost(ctx context.Context, post *codec.EventPost) (Summary, error) {
	var summary Summary
	if err := post.Validate(); err != nil {
		return summary, fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	body, err := DecodeBody(post.Data, post.ContentEncoding, p.maxDecodedSize)
	if err != nil {
		return summary, err
	}

	documents, err := upgrade.Split(body, DeclaredVersion(post))
	if err != nil {
		return summary, fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	summary.Documents = len(documents)
	logger := p.logger.With("project_id", post.ProjectID)

	batch := make([]*event.Context, 0, len(documents))
	for i, document := range documents {
		ev, err := p.upgrade(document)
		if err != nil {
			summary.Skipped++
			logger.Warn("skipping document",
				"document", i,
				"version", document.Version.String(),
				"error", err,
			)
			continue
		}
		summary.DataLoss += len(document.DataLoss)
		ec := event.NewContext(ev, post.OrganizationID, post.ProjectID)
		ec.ReceivedAt = post.ReceivedAt
		if post.ID != "" {
			// Split is deterministic, so a redelivered post yields the
			// same keys.
			ec.Key = post.ID + "/" + strconv.Itoa(i)
		}
		batch = append(batch, ec)
	}
	if len(batch) == 0 {
		return summary, nil
	}

	results, err := p.pipeline.Process(ctx, batch)
	for _, result := range results {
		switch result.Outcome {
		case event.OutcomeCompleted:
			summary.Completed++
		case event.OutcomeFailed:
			summary.Failed++
		case event.OutcomeCancelled:
			summary.Cancelled++
		}
	}
	if err != nil {
		return summary, fmt.Errorf("ingest: processing %d events: %w", len(batch), err)
	}
	logger.Debug("event post processed",
		"documents", summary.Documents,
		"completed", summary.Completed,
		"failed", summary.Failed,
		"skipped", summary.Skipped,
	)
	return summary, nil
}

func (p *Processor) upgrade(document *upgrade.Context) (*event.Event, error) {
	if err := p.chain.Upgrade(document); err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(document.Document)
	if err != nil {
		return nil, err
	}
	return event.Decode(encoded)
}

// ProcessUserDescription attaches a user description to the stored
// event with the description's reference id. A missing event returns
// an error wrapping repository.ErrNotFound; the event may still be in
// the queue, so the description should be retried.
func (p *Processor) ProcessUserDescription(ctx context.Context, description *codec.EventUserDescription) error {
	if err := description.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	persisted, err := p.events.GetByReferenceID(ctx, description.ProjectID, description.ReferenceID)
	if err != nil {
		return fmt.Errorf("ingest: user description for %s: %w", description.ReferenceID, err)
	}
	persisted.Description = &event.UserDescription{
		EmailAddress: description.EmailAddress,
		Description:  description.Description,
	}
	if err := p.events.Save(ctx, []*event.Persisted{persisted}); err != nil {
		return fmt.Errorf("ingest: saving user description for %s: %w", description.ReferenceID, err)
	}
	return nil
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package storage opens the configured search backend and builds the
// index definitions the service and the admin tool share.
package storage

import (
	"fmt"
	"log/slog"

	"github.com/bureau-foundation/eventsink/lib/clock"
	"github.com/bureau-foundation/eventsink/lib/config"
	"github.com/bureau-foundation/eventsink/lib/elasticstore"
	"github.com/bureau-foundation/eventsink/lib/index"
	"github.com/bureau-foundation/eventsink/lib/repository"
	"github.com/bureau-foundation/eventsink/lib/searchstore"
)

// Backend serves both index management and documents.
type Backend interface {
	index.Backend
	repository.Store
	Close() error
}

var (
	_ Backend = (*searchstore.Store)(nil)
	_ Backend = (*elasticstore.Store)(nil)
)

// Open opens the backend named by cfg.Storage.Backend.
func Open(cfg *config.Config, clk clock.Clock, logger *slog.Logger) (Backend, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	switch cfg.Storage.Backend {
	case config.StorageElasticsearch:
		password, err := cfg.ElasticsearchPassword()
		if err != nil {
			return nil, err
		}
		store, err := elasticstore.Open(elasticstore.Config{
			URLs:           cfg.Storage.Elasticsearch.URLs,
			Username:       cfg.Storage.Elasticsearch.Username,
			Password:       password,
			Sniff:          cfg.Storage.Elasticsearch.Sniff,
			RefreshOnWrite: cfg.Storage.Elasticsearch.RefreshOnWrite,
			Logger:         logger.With("component", "elasticsearch"),
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.StorageSQLite:
		compression, err := searchstore.ParseCompression(cfg.Storage.SQLite.Compression)
		if err != nil {
			return nil, err
		}
		store, err := searchstore.Open(searchstore.Config{
			Path:        cfg.Storage.SQLite.Path,
			PoolSize:    cfg.Storage.SQLite.PoolSize,
			Compression: compression,
			Clock:       clk,
			Logger:      logger.With("component", "searchstore"),
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", cfg.Storage.Backend)
	}
}

// Definitions applies the indexes config section to the built-in
// definitions.
func Definitions(overrides map[string]config.IndexConfig) ([]index.Definition, error) {
	definitions, err := repository.Definitions()
	if err != nil {
		return nil, err
	}
	for i, definition := range definitions {
		override, ok := overrides[definition.Name]
		if !ok {
			continue
		}
		if override.Version > 0 {
			definitions[i].Version = override.Version
		}
		if override.Retention != "" {
			retention, err := config.ParseRetention(override.Retention)
			if err != nil {
				return nil, fmt.Errorf("storage: indexes.%s: %w", definition.Name, err)
			}
			definitions[i].Retention = retention
		}
	}
	return definitions, nil
}

// OpenManager opens the backend and an index manager over it. The
// caller closes the returned backend.
func OpenManager(cfg *config.Config, clk clock.Clock, logger *slog.Logger) (Backend, *index.Manager, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	definitions, err := Definitions(cfg.Indexes)
	if err != nil {
		return nil, nil, err
	}
	backend, err := Open(cfg, clk, logger)
	if err != nil {
		return nil, nil, err
	}
	manager, err := index.New(index.Config{
		Backend:       backend,
		Definitions:   definitions,
		Clock:         clk,
		AliasCacheTTL: cfg.AliasCacheTTL(),
		Logger:        logger.With("component", "index"),
	})
	if err != nil {
		backend.Close()
		return nil, nil, err
	}
	return backend, manager, nil
}

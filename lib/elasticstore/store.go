// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package elasticstore is the Elasticsearch search backend. It
// implements index.Backend over the index, cat, and alias APIs, and
// repository.Store over bulk indexing, realtime get, and term
// queries.
//
// Alias changes go out as one _aliases request, which Elasticsearch
// applies atomically. Document writes are near-realtime unless
// RefreshOnWrite is set; GetDocument uses the realtime get API and so
// sees writes immediately either way.
package elasticstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/olivere/elastic/v7"

	"github.com/bureau-foundation/eventsink/lib/index"
	"github.com/bureau-foundation/eventsink/lib/repository"
)

// maxResults caps FindDocuments when no limit is given. Matches the
// default index.max_result_window.
const maxResults = 10000

// Config holds the connection parameters.
type Config struct {
	// URLs of cluster nodes. At least one is required.
	URLs []string

	Username string
	Password string

	// Sniff discovers the rest of the cluster from the given URLs.
	// Leave off behind load balancers and in containers.
	Sniff bool

	// RefreshOnWrite makes every bulk write wait for the next refresh.
	RefreshOnWrite bool

	// HTTPClient overrides the transport. Nil uses http.DefaultClient.
	HTTPClient *http.Client

	// Logger receives client errors and operational messages. Nil
	// discards.
	Logger *slog.Logger
}

// Store is a client-backed index backend and document store. Safe for
// concurrent use.
type Store struct {
	client         *elastic.Client
	refreshOnWrite bool
	logger         *slog.Logger
}

var (
	_ index.Backend    = (*Store)(nil)
	_ repository.Store = (*Store)(nil)
)

// errorLog adapts slog to the client's Printf logger.
type errorLog struct{ logger *slog.Logger }

func (l errorLog) Printf(format string, args ...any) {
	l.logger.Warn("elasticsearch client", "message", fmt.Sprintf(format, args...))
}

// Open creates the client. No request is made until first use unless
// Sniff is set.
func Open(config Config) (*Store, error) {
	if len(config.URLs) == 0 {
		return nil, fmt.Errorf("elasticstore: at least one URL is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	options := []elastic.ClientOptionFunc{
		elastic.SetURL(config.URLs...),
		elastic.SetSniff(config.Sniff),
		elastic.SetHealthcheck(config.Sniff),
		elastic.SetErrorLog(errorLog{logger: logger}),
	}
	if config.Username != "" {
		options = append(options, elastic.SetBasicAuth(config.Username, config.Password))
	}
	if config.HTTPClient != nil {
		options = append(options, elastic.SetHttpClient(config.HTTPClient))
	}

	client, err := elastic.NewClient(options...)
	if err != nil {
		return nil, fmt.Errorf("elasticstore: creating client: %w", err)
	}
	return &Store{client: client, refreshOnWrite: config.RefreshOnWrite, logger: logger}, nil
}

// Close stops the client's background sniffing and health checks.
func (s *Store) Close() error {
	s.client.Stop()
	return nil
}

func errorType(err error) string {
	var elasticErr *elastic.Error
	if errors.As(err, &elasticErr) && elasticErr.Details != nil {
		return elasticErr.Details.Type
	}
	return ""
}

// CreateIndex creates a physical index with the given mapping body.
// Returns index.ErrIndexExists if the name is taken.
func (s *Store) CreateIndex(ctx context.Context, name string, mapping []byte) error {
	service := s.client.CreateIndex(name)
	if len(mapping) > 0 {
		service = service.BodyString(string(mapping))
	}
	if _, err := service.Do(ctx); err != nil {
		if errorType(err) == "resource_already_exists_exception" {
			return fmt.Errorf("elasticstore: %s: %w", name, index.ErrIndexExists)
		}
		return fmt.Errorf("elasticstore: creating %s: %w", name, err)
	}
	s.logger.Info("index created", "index", name)
	return nil
}

// DeleteIndex deletes a physical index. Returns index.ErrIndexNotFound
// if absent.
func (s *Store) DeleteIndex(ctx context.Context, name string) error {
	if _, err := s.client.DeleteIndex(name).Do(ctx); err != nil {
		if elastic.IsNotFound(err) {
			return fmt.Errorf("elasticstore: %s: %w", name, index.ErrIndexNotFound)
		}
		return fmt.Errorf("elasticstore: deleting %s: %w", name, err)
	}
	s.logger.Info("index deleted", "index", name)
	return nil
}

// PutTemplate registers a legacy index template carrying the settings
// and mappings of an index body, applied to indices matching prefix*.
func (s *Store) PutTemplate(ctx context.Context, name, prefix string, mapping []byte) error {
	body := map[string]json.RawMessage{}
	if len(mapping) > 0 {
		if err := json.Unmarshal(mapping, &body); err != nil {
			return fmt.Errorf("elasticstore: template %s: %w", name, err)
		}
	}
	patterns, err := json.Marshal([]string{prefix + "*"})
	if err != nil {
		return err
	}
	body["index_patterns"] = patterns

	if _, err := s.client.IndexPutTemplate(name).BodyJson(body).Do(ctx); err != nil {
		return fmt.Errorf("elasticstore: registering template %s: %w", name, err)
	}
	s.logger.Info("index template registered", "template", name, "pattern", prefix+"*")
	return nil
}

// TemplateExists reports whether the legacy template is registered.
func (s *Store) TemplateExists(ctx context.Context, name string) (bool, error) {
	exists, err := s.client.IndexTemplateExists(name).Do(ctx)
	if err != nil {
		return false, fmt.Errorf("elasticstore: reading template %s: %w", name, err)
	}
	return exists, nil
}

// DeleteTemplate removes the legacy template. Missing templates are
// ignored.
func (s *Store) DeleteTemplate(ctx context.Context, name string) error {
	if _, err := s.client.IndexDeleteTemplate(name).Do(ctx); err != nil {
		if elastic.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("elasticstore: deleting template %s: %w", name, err)
	}
	s.logger.Info("index template deleted", "template", name)
	return nil
}

// ListIndices returns physical index names starting with prefix.
func (s *Store) ListIndices(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.client.CatIndices().Index(prefix + "*").Columns("index").Do(ctx)
	if err != nil {
		if elastic.IsNotFound(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("elasticstore: listing %s*: %w", prefix, err)
	}
	names := make([]string, 0, len(rows))
	for _, row := range rows {
		names = append(names, row.Index)
	}
	return names, nil
}

// ResolveAlias returns the alias members. Unknown aliases resolve to
// an empty slice.
func (s *Store) ResolveAlias(ctx context.Context, alias string) ([]string, error) {
	result, err := s.client.Aliases().Alias(alias).Do(ctx)
	if err != nil {
		if elastic.IsNotFound(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("elasticstore: resolving %s: %w", alias, err)
	}
	members := result.IndicesByAlias(alias)
	if members == nil {
		members = []string{}
	}
	return members, nil
}

// UpdateAliases applies removes and adds in one _aliases request.
func (s *Store) UpdateAliases(ctx context.Context, alias string, add, remove []string) error {
	if len(add) == 0 && len(remove) == 0 {
		return nil
	}
	actions := make([]elastic.AliasAction, 0, len(add)+len(remove))
	for _, name := range remove {
		actions = append(actions, elastic.NewAliasRemoveAction(alias).Index(name))
	}
	for _, name := range add {
		actions = append(actions, elastic.NewAliasAddAction(alias).Index(name))
	}
	if _, err := s.client.Alias().Action(actions...).Do(ctx); err != nil {
		if elastic.IsNotFound(err) {
			return fmt.Errorf("elasticstore: updating %s: %w", alias, index.ErrIndexNotFound)
		}
		return fmt.Errorf("elasticstore: updating %s: %w", alias, err)
	}
	return nil
}

// BulkError lists the documents a bulk request rejected. It matches
// index.ErrIndexNotFound when the target index did not exist, which
// happens when automatic index creation is disabled on the cluster.
type BulkError struct {
	Index   string
	Failed  map[string]string // document id -> reason
	Missing bool
}

func (e *BulkError) Error() string {
	return fmt.Sprintf("elasticstore: %d documents rejected by %s", len(e.Failed), e.Index)
}

func (e *BulkError) Unwrap() error {
	if e.Missing {
		return index.ErrIndexNotFound
	}
	return nil
}

func (e *BulkError) add(item *elastic.BulkResponseItem) {
	reason := fmt.Sprintf("status %d", item.Status)
	if item.Error != nil {
		reason = item.Error.Type + ": " + item.Error.Reason
		if item.Error.Type == "index_not_found_exception" {
			e.Missing = true
		}
	}
	e.Failed[item.Id] = reason
}

// PutDocuments indexes documents into one physical index with a single
// bulk request, replacing any with the same id.
func (s *Store) PutDocuments(ctx context.Context, name string, documents []repository.Document) error {
	if len(documents) == 0 {
		return nil
	}
	bulk := s.client.Bulk().Index(name)
	for _, document := range documents {
		if document.ID == "" {
			return fmt.Errorf("elasticstore: document without id in %s", name)
		}
		bulk.Add(elastic.NewBulkIndexRequest().Id(document.ID).Doc(json.RawMessage(document.Body)))
	}
	if s.refreshOnWrite {
		bulk = bulk.Refresh("wait_for")
	}

	response, err := bulk.Do(ctx)
	if err != nil {
		return fmt.Errorf("elasticstore: writing to %s: %w", name, err)
	}
	failed := response.Failed()
	if len(failed) == 0 {
		return nil
	}
	bulkErr := &BulkError{Index: name, Failed: make(map[string]string, len(failed))}
	for _, item := range failed {
		bulkErr.add(item)
	}
	return bulkErr
}

// CreateDocuments indexes documents with op_type create and returns the
// ids Elasticsearch rejected as already present. Other rejections are
// reported as a *BulkError.
func (s *Store) CreateDocuments(ctx context.Context, name string, documents []repository.Document) ([]string, error) {
	if len(documents) == 0 {
		return nil, nil
	}
	bulk := s.client.Bulk().Index(name)
	for _, document := range documents {
		if document.ID == "" {
			return nil, fmt.Errorf("elasticstore: document without id in %s", name)
		}
		bulk.Add(elastic.NewBulkCreateRequest().Id(document.ID).Doc(json.RawMessage(document.Body)))
	}
	if s.refreshOnWrite {
		bulk = bulk.Refresh("wait_for")
	}

	response, err := bulk.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("elasticstore: creating in %s: %w", name, err)
	}
	var existing []string
	bulkErr := &BulkError{Index: name, Failed: make(map[string]string)}
	for _, item := range response.Failed() {
		if item.Status == http.StatusConflict {
			existing = append(existing, item.Id)
			continue
		}
		bulkErr.add(item)
	}
	if len(bulkErr.Failed) > 0 {
		return existing, bulkErr
	}
	return existing, nil
}

// GetDocument returns the first document with id across indices,
// expanding aliases to their members.
func (s *Store) GetDocument(ctx context.Context, indices []string, id string) (repository.Document, error) {
	targets, err := s.expand(ctx, indices)
	if err != nil {
		return repository.Document{}, err
	}
	for _, target := range targets {
		result, err := s.client.Get().Index(target).Id(id).Realtime(true).Do(ctx)
		if err != nil {
			if elastic.IsNotFound(err) {
				continue
			}
			return repository.Document{}, fmt.Errorf("elasticstore: reading %s/%s: %w", target, id, err)
		}
		if !result.Found {
			continue
		}
		return repository.Document{ID: result.Id, Index: result.Index, Body: result.Source}, nil
	}
	return repository.Document{}, fmt.Errorf("elasticstore: %s: %w", id, repository.ErrNotFound)
}

// expand replaces each alias with its members. Names that are not
// aliases pass through unchanged.
func (s *Store) expand(ctx context.Context, names []string) ([]string, error) {
	var targets []string
	seen := make(map[string]bool)
	for _, name := range names {
		members, err := s.ResolveAlias(ctx, name)
		if err != nil {
			return nil, err
		}
		if len(members) == 0 {
			members = []string{name}
		}
		for _, member := range members {
			if !seen[member] {
				seen[member] = true
				targets = append(targets, member)
			}
		}
	}
	return targets, nil
}

// FindDocuments runs a term query on a keyword field across indices.
// Missing indices are ignored. A limit of zero or less returns up to
// the result window.
func (s *Store) FindDocuments(ctx context.Context, indices []string, field, value string, limit int) ([]repository.Document, error) {
	if len(indices) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > maxResults {
		limit = maxResults
	}
	result, err := s.client.Search(indices...).
		Query(elastic.NewTermQuery(field, value)).
		Size(limit).
		IgnoreUnavailable(true).
		AllowNoIndices(true).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("elasticstore: searching %s=%s: %w", field, value, err)
	}
	if result.Hits == nil {
		return nil, nil
	}
	documents := make([]repository.Document, 0, len(result.Hits.Hits))
	for _, hit := range result.Hits.Hits {
		documents = append(documents, repository.Document{ID: hit.Id, Index: hit.Index, Body: hit.Source})
	}
	return documents, nil
}

// Refresh makes recent writes to the named indices searchable.
func (s *Store) Refresh(ctx context.Context, indices ...string) error {
	if _, err := s.client.Refresh(indices...).Do(ctx); err != nil {
		if elastic.IsNotFound(err) {
			return fmt.Errorf("elasticstore: refreshing %v: %w", indices, index.ErrIndexNotFound)
		}
		return fmt.Errorf("elasticstore: refreshing %v: %w", indices, err)
	}
	return nil
}

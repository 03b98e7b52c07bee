// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package index maps logical index names onto versioned, optionally
// time-partitioned physical indices addressed through a stable alias.
//
// A logical index "events" with version 1 and monthly partitions is
// backed by physical indices "events-v1-2026-02", "events-v1-2026-03"
// and so on, all members of the alias "events". Configuring a
// partitioned index only registers the template "events-v1"; each
// bucket is created and aliased by the first write dated inside it, so
// the alias is empty until something is written. A non-partitioned
// index "stacks" at version 2 is backed by exactly one physical index,
// "stacks-v2", and configuring it repoints the alias away from
// "stacks-v1".
//
// The [Manager] never retries backend failures and has no external
// locking: concurrent provisioning calls are safe because creation
// tolerates [ErrIndexExists] and deletion tolerates
// [ErrIndexNotFound]. Alias resolution is cached for
// [Config.AliasCacheTTL]; the cache is dropped by every provisioning
// call made through the Manager and by [Manager.Invalidate].
package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/bureau-foundation/eventsink/lib/clock"
)

// Backend is the storage engine's index administration surface.
//
// CreateIndex returns ErrIndexExists when the name is taken, and
// DeleteIndex returns ErrIndexNotFound when it is absent. Deleting an
// index removes it from every alias. UpdateAliases applies all adds
// and removes atomically; adding a current member or removing a
// non-member is not an error. ResolveAlias returns an empty slice for
// an alias with no members.
//
// PutTemplate registers (or replaces) mapping for every index created
// later whose name starts with prefix. DeleteTemplate of a missing
// template is not an error.
type Backend interface {
	CreateIndex(ctx context.Context, name string, mapping []byte) error
	DeleteIndex(ctx context.Context, name string) error
	ListIndices(ctx context.Context, prefix string) ([]string, error)
	ResolveAlias(ctx context.Context, alias string) ([]string, error)
	UpdateAliases(ctx context.Context, alias string, add, remove []string) error

	PutTemplate(ctx context.Context, name, prefix string, mapping []byte) error
	TemplateExists(ctx context.Context, name string) (bool, error)
	DeleteTemplate(ctx context.Context, name string) error
}

// DefaultAliasCacheTTL bounds how long a resolved alias is trusted
// when Config.AliasCacheTTL is zero.
const DefaultAliasCacheTTL = 30 * time.Second

// Config configures a Manager.
type Config struct {
	Backend     Backend
	Definitions []Definition

	// Clock selects the current bucket and ages cached aliases. Nil
	// uses the real clock.
	Clock clock.Clock

	// AliasCacheTTL bounds how long a resolved alias is reused before
	// the backend is asked again, so indices deleted by other
	// processes are noticed. Zero means DefaultAliasCacheTTL.
	AliasCacheTTL time.Duration

	// Logger receives provisioning messages. Nil discards.
	Logger *slog.Logger
}

// Manager provisions and resolves the declared logical indexes.
type Manager struct {
	backend     Backend
	definitions []Definition
	byName      map[string]Definition
	clock       clock.Clock
	logger      *slog.Logger

	// buckets collapses concurrent first writes into one new bucket.
	buckets singleflight.Group

	cacheTTL time.Duration
	aliasMu  sync.RWMutex
	aliases  map[string]cachedAlias
	// templates records when a partitioned index's template was last
	// seen, keyed by logical name.
	templates map[string]time.Time
}

type cachedAlias struct {
	members  []string
	resolved time.Time
}

// New validates the definitions and returns a Manager. It does not
// touch the backend.
func New(config Config) (*Manager, error) {
	if config.Backend == nil {
		return nil, fmt.Errorf("index: Backend is required")
	}

	byName := make(map[string]Definition, len(config.Definitions))
	for _, definition := range config.Definitions {
		if err := definition.Validate(); err != nil {
			return nil, err
		}
		if _, exists := byName[definition.Name]; exists {
			return nil, fmt.Errorf("index: %s declared twice", definition.Name)
		}
		byName[definition.Name] = definition
	}

	manager := &Manager{
		backend:     config.Backend,
		definitions: append([]Definition(nil), config.Definitions...),
		byName:      byName,
		clock:       config.Clock,
		logger:      config.Logger,
		cacheTTL:    config.AliasCacheTTL,
		aliases:     make(map[string]cachedAlias),
		templates:   make(map[string]time.Time),
	}
	if manager.cacheTTL <= 0 {
		manager.cacheTTL = DefaultAliasCacheTTL
	}
	if manager.clock == nil {
		manager.clock = clock.Real()
	}
	if manager.logger == nil {
		manager.logger = slog.New(slog.DiscardHandler)
	}
	return manager, nil
}

// Definition returns the declared logical index called name.
func (m *Manager) Definition(name string) (Definition, bool) {
	definition, ok := m.byName[name]
	return definition, ok
}

// Definitions returns every declared logical index in declaration order.
func (m *Manager) Definitions() []Definition {
	return append([]Definition(nil), m.definitions...)
}

// ConfigureIndexes ensures every non-partitioned logical index has its
// current physical index created and aliased, and every partitioned
// one has its template registered. Running it again changes nothing.
// Failures for one index do not stop the others; all of them are
// returned joined.
func (m *Manager) ConfigureIndexes(ctx context.Context) error {
	var errs []error
	for _, definition := range m.definitions {
		if err := m.configure(ctx, definition); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) configure(ctx context.Context, definition Definition) error {
	defer m.Invalidate(definition.Name)

	if definition.Partition != PartitionNone {
		name := definition.TemplateName()
		if err := m.backend.PutTemplate(ctx, name, name+"-", definition.Mapping); err != nil {
			return &ProvisioningError{Index: definition.Name, Op: "put template", Err: err}
		}
		m.logger.Info("index template registered",
			"alias", definition.Name,
			"template", name,
		)
		return nil
	}

	current := definition.PhysicalName(m.clock.Now())
	if err := m.create(ctx, current, definition.Mapping); err != nil {
		return err
	}

	members, err := m.backend.ResolveAlias(ctx, definition.Name)
	if err != nil {
		return &ProvisioningError{Index: definition.Name, Op: "resolve alias", Err: err}
	}

	var add, remove []string
	if !slices.Contains(members, current) {
		add = []string{current}
	}
	for _, member := range members {
		if member != current {
			remove = append(remove, member)
		}
	}
	if len(add) == 0 && len(remove) == 0 {
		return nil
	}

	if err := m.backend.UpdateAliases(ctx, definition.Name, add, remove); err != nil {
		return &ProvisioningError{Index: definition.Name, Op: "update alias", Err: err}
	}
	m.logger.Info("alias updated",
		"alias", definition.Name,
		"added", add,
		"removed", remove,
	)
	return nil
}

// create makes a physical index, treating ErrIndexExists as success.
func (m *Manager) create(ctx context.Context, name string, mapping []byte) error {
	err := m.backend.CreateIndex(ctx, name, mapping)
	switch {
	case err == nil:
		m.logger.Info("index created", "index", name)
		return nil
	case errors.Is(err, ErrIndexExists):
		return nil
	default:
		return &ProvisioningError{Index: name, Op: "create", Err: err}
	}
}

// DeleteIndexes removes every physical index backing each declared
// logical index, which also empties its alias, and removes the
// templates of partitioned ones. Indices already gone are skipped.
// Destructive.
func (m *Manager) DeleteIndexes(ctx context.Context) error {
	var errs []error
	for _, definition := range m.definitions {
		if err := m.deleteAll(ctx, definition); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) deleteAll(ctx context.Context, definition Definition) error {
	defer m.Invalidate(definition.Name)

	physical, err := m.physicalIndices(ctx, definition.Name)
	if err != nil {
		return err
	}
	var errs []error
	for _, index := range physical {
		if err := m.delete(ctx, index); err != nil {
			errs = append(errs, err)
		}
	}
	if definition.Partition != PartitionNone {
		for version := 1; version <= definition.Version; version++ {
			if err := m.backend.DeleteTemplate(ctx, definition.templateName(version)); err != nil {
				errs = append(errs, &ProvisioningError{Index: definition.Name, Op: "delete template", Err: err})
			}
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) delete(ctx context.Context, name string) error {
	err := m.backend.DeleteIndex(ctx, name)
	switch {
	case err == nil:
		m.logger.Info("index deleted", "index", name)
		return nil
	case errors.Is(err, ErrIndexNotFound):
		return nil
	default:
		return &ProvisioningError{Index: name, Op: "delete", Err: err}
	}
}

// physicalIndices lists every physical index of the logical index
// name: the alias members plus any unaliased leftovers following the
// naming scheme.
func (m *Manager) physicalIndices(ctx context.Context, name string) ([]string, error) {
	listed, err := m.backend.ListIndices(ctx, name+"-v")
	if err != nil {
		return nil, &ProvisioningError{Index: name, Op: "list", Err: err}
	}
	members, err := m.backend.ResolveAlias(ctx, name)
	if err != nil {
		return nil, &ProvisioningError{Index: name, Op: "resolve alias", Err: err}
	}

	seen := make(map[string]bool)
	var physical []string
	for _, index := range append(listed, members...) {
		parsed, ok := ParsePhysicalName(index)
		if !ok || parsed.Base != name || seen[index] {
			continue
		}
		seen[index] = true
		physical = append(physical, index)
	}
	sort.Strings(physical)
	return physical, nil
}

// ResolveAlias returns the physical indices the alias points to,
// sorted. An empty result means nothing is provisioned or, for a
// partitioned index, nothing has been written yet.
func (m *Manager) ResolveAlias(ctx context.Context, alias string) ([]string, error) {
	now := m.clock.Now()
	m.aliasMu.RLock()
	cached, ok := m.aliases[alias]
	m.aliasMu.RUnlock()
	if ok && now.Sub(cached.resolved) < m.cacheTTL {
		return slices.Clone(cached.members), nil
	}

	members, err := m.backend.ResolveAlias(ctx, alias)
	if err != nil {
		return nil, fmt.Errorf("index: resolving alias %s: %w", alias, err)
	}
	members = slices.Clone(members)
	sort.Strings(members)

	m.aliasMu.Lock()
	m.aliases[alias] = cachedAlias{members: members, resolved: now}
	m.aliasMu.Unlock()
	return slices.Clone(members), nil
}

// Invalidate drops what the Manager cached about alias. Writers call
// it after a physical index they were routed to turned out to be
// gone, typically deleted by another process.
func (m *Manager) Invalidate(alias string) {
	m.aliasMu.Lock()
	delete(m.aliases, alias)
	delete(m.templates, alias)
	m.aliasMu.Unlock()
}

// templateRegistered reports whether the partitioned definition's
// template exists. Positive answers are cached like aliases.
func (m *Manager) templateRegistered(ctx context.Context, definition Definition) (bool, error) {
	now := m.clock.Now()
	m.aliasMu.RLock()
	seen, ok := m.templates[definition.Name]
	m.aliasMu.RUnlock()
	if ok && now.Sub(seen) < m.cacheTTL {
		return true, nil
	}

	exists, err := m.backend.TemplateExists(ctx, definition.TemplateName())
	if err != nil {
		return false, fmt.Errorf("index: checking template %s: %w", definition.TemplateName(), err)
	}
	if exists {
		m.aliasMu.Lock()
		m.templates[definition.Name] = now
		m.aliasMu.Unlock()
	}
	return exists, nil
}

// WriteIndex returns the physical index that a document dated at,
// written through alias, lands in. For partitioned indexes a missing
// bucket is created and aliased on first use; concurrent callers for
// the same bucket share one creation. Returns ErrAliasUnresolved when
// the alias is not declared or has never been configured.
func (m *Manager) WriteIndex(ctx context.Context, alias string, at time.Time) (string, error) {
	definition, ok := m.byName[alias]
	if !ok {
		return "", fmt.Errorf("%w: %s is not declared", ErrAliasUnresolved, alias)
	}

	members, err := m.ResolveAlias(ctx, alias)
	if err != nil {
		return "", err
	}
	if definition.Partition == PartitionNone {
		if len(members) == 0 {
			return "", fmt.Errorf("%w: %s", ErrAliasUnresolved, alias)
		}
		return newestVersion(members), nil
	}

	target := definition.PhysicalName(at)
	if slices.Contains(members, target) {
		return target, nil
	}
	if len(members) == 0 {
		registered, err := m.templateRegistered(ctx, definition)
		if err != nil {
			return "", err
		}
		if !registered {
			return "", fmt.Errorf("%w: %s", ErrAliasUnresolved, alias)
		}
	}

	_, err, _ = m.buckets.Do(target, func() (any, error) {
		defer m.Invalidate(alias)
		if err := m.create(ctx, target, definition.Mapping); err != nil {
			return nil, err
		}
		if err := m.backend.UpdateAliases(ctx, alias, []string{target}, nil); err != nil {
			return nil, &ProvisioningError{Index: alias, Op: "update alias", Err: err}
		}
		m.logger.Info("partition bucket created",
			"alias", alias,
			"index", target,
		)
		return nil, nil
	})
	if err != nil {
		return "", err
	}
	return target, nil
}

// newestVersion picks the member with the highest schema version.
func newestVersion(members []string) string {
	best, bestVersion := members[0], 0
	for _, member := range members {
		if parsed, ok := ParsePhysicalName(member); ok && parsed.Version > bestVersion {
			best, bestVersion = member, parsed.Version
		}
	}
	return best
}

// IndicesBetween returns the alias members that can hold documents
// dated in [start, end]. Non-partitioned indexes return every member.
// Members whose names do not parse are always included.
func (m *Manager) IndicesBetween(ctx context.Context, alias string, start, end time.Time) ([]string, error) {
	members, err := m.ResolveAlias(ctx, alias)
	if err != nil {
		return nil, err
	}
	definition, ok := m.byName[alias]
	if !ok || definition.Partition == PartitionNone {
		return members, nil
	}

	var selected []string
	for _, member := range members {
		parsed, ok := ParsePhysicalName(member)
		if !ok || parsed.Bucket == "" {
			selected = append(selected, member)
			continue
		}
		bucketStart, bucketEnd, err := definition.Partition.BucketRange(parsed.Bucket)
		if err != nil {
			selected = append(selected, member)
			continue
		}
		if bucketEnd.After(start) && !bucketStart.After(end) {
			selected = append(selected, member)
		}
	}
	return selected, nil
}

// RunRetention deletes partition buckets whose whole period ended more
// than the index's retention ago. The current bucket is never deleted.
func (m *Manager) RunRetention(ctx context.Context) error {
	now := m.clock.Now().UTC()

	var errs []error
	for _, definition := range m.definitions {
		if definition.Partition == PartitionNone || definition.Retention <= 0 {
			continue
		}
		if err := m.expire(ctx, definition, now); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) expire(ctx context.Context, definition Definition, now time.Time) error {
	physical, err := m.physicalIndices(ctx, definition.Name)
	if err != nil {
		return err
	}
	current := definition.Partition.Bucket(now)

	var errs []error
	dropped := 0
	for _, index := range physical {
		parsed, _ := ParsePhysicalName(index)
		if parsed.Bucket == "" || parsed.Bucket == current {
			continue
		}
		_, bucketEnd, err := definition.Partition.BucketRange(parsed.Bucket)
		if err != nil {
			m.logger.Warn("retention: unparseable bucket",
				"index", index,
				"error", err,
			)
			continue
		}
		age := now.Sub(bucketEnd)
		if age <= definition.Retention {
			continue
		}
		if err := m.delete(ctx, index); err != nil {
			errs = append(errs, err)
			continue
		}
		dropped++
		m.logger.Info("partition dropped by retention",
			"index", index,
			"age", age.Round(time.Hour),
		)
	}
	if dropped > 0 {
		m.Invalidate(definition.Name)
	}
	return errors.Join(errs...)
}

// Describe renders the alias mapping of every declared index, one
// "alias -> members" line each, for operational tooling.
func (m *Manager) Describe(ctx context.Context) (string, error) {
	var builder strings.Builder
	for _, definition := range m.definitions {
		members, err := m.ResolveAlias(ctx, definition.Name)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&builder, "%s -> %s\n", definition.Name, strings.Join(members, ", "))
	}
	return builder.String(), nil
}

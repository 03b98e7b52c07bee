// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package index

import (
	"context"
	"errors"
	"slices"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/eventsink/lib/clock"
)

// fakeBackend is an in-memory Backend that counts creations.
type fakeBackend struct {
	mu        sync.Mutex
	indices   map[string][]byte
	aliases   map[string]map[string]bool
	templates map[string]string // name -> prefix
	creates   map[string]int
	createErr error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		indices:   make(map[string][]byte),
		aliases:   make(map[string]map[string]bool),
		templates: make(map[string]string),
		creates:   make(map[string]int),
	}
}

func (b *fakeBackend) PutTemplate(_ context.Context, name, prefix string, _ []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.templates[name] = prefix
	return nil
}

func (b *fakeBackend) TemplateExists(_ context.Context, name string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, exists := b.templates[name]
	return exists, nil
}

func (b *fakeBackend) DeleteTemplate(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.templates, name)
	return nil
}

func (b *fakeBackend) CreateIndex(_ context.Context, name string, mapping []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.createErr != nil {
		return b.createErr
	}
	if _, exists := b.indices[name]; exists {
		return ErrIndexExists
	}
	b.indices[name] = mapping
	b.creates[name]++
	return nil
}

func (b *fakeBackend) DeleteIndex(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.indices[name]; !exists {
		return ErrIndexNotFound
	}
	delete(b.indices, name)
	for _, members := range b.aliases {
		delete(members, name)
	}
	return nil
}

func (b *fakeBackend) ListIndices(_ context.Context, prefix string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var names []string
	for name := range b.indices {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	return names, nil
}

func (b *fakeBackend) ResolveAlias(_ context.Context, alias string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := []string{}
	for name := range b.aliases[alias] {
		names = append(names, name)
	}
	return names, nil
}

func (b *fakeBackend) UpdateAliases(_ context.Context, alias string, add, remove []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, name := range add {
		if _, exists := b.indices[name]; !exists {
			return ErrIndexNotFound
		}
	}
	members := b.aliases[alias]
	if members == nil {
		members = make(map[string]bool)
		b.aliases[alias] = members
	}
	for _, name := range remove {
		delete(members, name)
	}
	for _, name := range add {
		members[name] = true
	}
	return nil
}

func (b *fakeBackend) indexNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var names []string
	for name := range b.indices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var (
	eventsDefinition = Definition{Name: "events", Version: 1, Partition: PartitionMonthly, Mapping: []byte(`{}`)}
	stacksDefinition = Definition{Name: "stacks", Version: 1}
)

func testManager(t *testing.T, backend Backend, now time.Time, definitions ...Definition) (*Manager, *clock.FakeClock) {
	t.Helper()
	fake := clock.Fake(now)
	manager, err := New(Config{Backend: backend, Definitions: definitions, Clock: fake})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return manager, fake
}

func resolve(t *testing.T, manager *Manager, alias string) []string {
	t.Helper()
	members, err := manager.ResolveAlias(context.Background(), alias)
	if err != nil {
		t.Fatalf("ResolveAlias(%s): %v", alias, err)
	}
	return members
}

var march = time.Date(2016, 3, 15, 10, 0, 0, 0, time.UTC)

func TestPhysicalNames(t *testing.T) {
	at := time.Date(2016, 3, 31, 23, 30, 0, 0, time.FixedZone("x", -3*3600))
	tests := []struct {
		definition Definition
		want       string
	}{
		{Definition{Name: "stacks", Version: 2}, "stacks-v2"},
		// 23:30 at -03:00 is already April in UTC.
		{Definition{Name: "events", Version: 1, Partition: PartitionMonthly}, "events-v1-2016-04"},
		{Definition{Name: "events", Version: 1, Partition: PartitionDaily}, "events-v1-2016-04-01"},
	}
	for _, test := range tests {
		got := test.definition.PhysicalName(at)
		if got != test.want {
			t.Errorf("PhysicalName = %s, want %s", got, test.want)
		}
		parsed, ok := ParsePhysicalName(got)
		if !ok || parsed.Base != test.definition.Name || parsed.Version != test.definition.Version {
			t.Errorf("ParsePhysicalName(%s) = %+v, %v", got, parsed, ok)
		}
	}

	for _, bad := range []string{"events", "events-vx", "events-v0", "events-v01", "Events-v1", "-v1"} {
		if _, ok := ParsePhysicalName(bad); ok {
			t.Errorf("ParsePhysicalName(%q) accepted", bad)
		}
	}
}

func TestBucketRange(t *testing.T) {
	start, end, err := PartitionMonthly.BucketRange("2016-12")
	if err != nil {
		t.Fatal(err)
	}
	if !start.Equal(time.Date(2016, 12, 1, 0, 0, 0, 0, time.UTC)) || !end.Equal(time.Date(2017, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("range = %s .. %s", start, end)
	}
	if _, _, err := PartitionNone.BucketRange("2016-12"); err == nil {
		t.Error("PartitionNone bucket range succeeded")
	}
}

func TestDefinitionValidation(t *testing.T) {
	for _, definition := range []Definition{
		{Name: "Events", Version: 1},
		{Name: "event-stacks", Version: 1},
		{Name: "events", Version: 0},
		{Name: "events", Version: 1, Partition: Partition(9)},
		{Name: "events", Version: 1, Retention: -time.Hour},
	} {
		if err := definition.Validate(); err == nil {
			t.Errorf("Validate(%+v) succeeded", definition)
		}
	}
	if _, err := New(Config{Backend: newFakeBackend(), Definitions: []Definition{stacksDefinition, stacksDefinition}}); err == nil {
		t.Error("duplicate definition accepted")
	}
}

func TestConfigureIsIdempotent(t *testing.T) {
	backend := newFakeBackend()
	manager, _ := testManager(t, backend, march, eventsDefinition, stacksDefinition)
	ctx := context.Background()

	if err := manager.ConfigureIndexes(ctx); err != nil {
		t.Fatalf("ConfigureIndexes: %v", err)
	}
	firstIndices := backend.indexNames()
	firstEvents := resolve(t, manager, "events")
	firstStacks := resolve(t, manager, "stacks")

	if err := manager.ConfigureIndexes(ctx); err != nil {
		t.Fatalf("second ConfigureIndexes: %v", err)
	}
	if got := backend.indexNames(); !slices.Equal(got, firstIndices) {
		t.Errorf("indices changed: %v -> %v", firstIndices, got)
	}
	if got := resolve(t, manager, "events"); !slices.Equal(got, firstEvents) {
		t.Errorf("events alias changed: %v -> %v", firstEvents, got)
	}
	if got := resolve(t, manager, "stacks"); !slices.Equal(got, firstStacks) {
		t.Errorf("stacks alias changed: %v -> %v", firstStacks, got)
	}
	if !slices.Equal(firstIndices, []string{"stacks-v1"}) {
		t.Errorf("indices = %v", firstIndices)
	}
	if len(firstEvents) != 0 {
		t.Errorf("events alias after configure = %v, want empty", firstEvents)
	}
	if prefix := backend.templates["events-v1"]; prefix != "events-v1-" {
		t.Errorf("events template prefix = %q", prefix)
	}
}

func TestPartitionedAliasFollowsWrittenMonths(t *testing.T) {
	backend := newFakeBackend()
	now := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	manager, _ := testManager(t, backend, now, eventsDefinition)
	ctx := context.Background()

	if err := manager.ConfigureIndexes(ctx); err != nil {
		t.Fatal(err)
	}
	if got := resolve(t, manager, "events"); len(got) != 0 {
		t.Fatalf("events -> %v after configure, want empty", got)
	}

	if _, err := manager.WriteIndex(ctx, "events", time.Date(2016, 3, 2, 0, 0, 0, 0, time.UTC)); err != nil {
		t.Fatal(err)
	}
	if got := resolve(t, manager, "events"); !slices.Equal(got, []string{"events-v1-2016-03"}) {
		t.Errorf("events -> %v, want exactly one index", got)
	}
	if _, err := manager.WriteIndex(ctx, "events", time.Date(2016, 4, 2, 0, 0, 0, 0, time.UTC)); err != nil {
		t.Fatal(err)
	}
	if got := resolve(t, manager, "events"); !slices.Equal(got, []string{"events-v1-2016-03", "events-v1-2016-04"}) {
		t.Errorf("events -> %v, want exactly two indices", got)
	}
	if got := backend.indexNames(); slices.Contains(got, "events-v1-2026-10") {
		t.Errorf("current month created without a write: %v", got)
	}
}

func TestNonPartitionedAliasHasOneIndex(t *testing.T) {
	manager, _ := testManager(t, newFakeBackend(), march, stacksDefinition)
	if err := manager.ConfigureIndexes(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := resolve(t, manager, "stacks"); !slices.Equal(got, []string{"stacks-v1"}) {
		t.Errorf("stacks -> %v, want [stacks-v1]", got)
	}
}

func TestPartitionedAliasGrowsPerBucket(t *testing.T) {
	manager, _ := testManager(t, newFakeBackend(), march, eventsDefinition)
	ctx := context.Background()
	if err := manager.ConfigureIndexes(ctx); err != nil {
		t.Fatal(err)
	}

	first, err := manager.WriteIndex(ctx, "events", march)
	if err != nil {
		t.Fatalf("WriteIndex(march): %v", err)
	}
	second, err := manager.WriteIndex(ctx, "events", march.AddDate(0, 1, 0))
	if err != nil {
		t.Fatalf("WriteIndex(april): %v", err)
	}
	if first != "events-v1-2016-03" || second != "events-v1-2016-04" {
		t.Errorf("write targets = %s, %s", first, second)
	}
	if got := resolve(t, manager, "events"); !slices.Equal(got, []string{"events-v1-2016-03", "events-v1-2016-04"}) {
		t.Errorf("events -> %v, want two buckets", got)
	}
}

func TestDeleteConfigureWrite(t *testing.T) {
	backend := newFakeBackend()
	manager, _ := testManager(t, backend, march, eventsDefinition, stacksDefinition)
	ctx := context.Background()

	if err := manager.ConfigureIndexes(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := manager.WriteIndex(ctx, "events", march.AddDate(0, -2, 0)); err != nil {
		t.Fatal(err)
	}

	if err := manager.DeleteIndexes(ctx); err != nil {
		t.Fatalf("DeleteIndexes: %v", err)
	}
	if got := backend.indexNames(); len(got) != 0 {
		t.Errorf("indices after delete = %v", got)
	}
	if len(backend.templates) != 0 {
		t.Errorf("templates after delete = %v", backend.templates)
	}
	if _, err := manager.WriteIndex(ctx, "events", march); !errors.Is(err, ErrAliasUnresolved) {
		t.Errorf("write after delete = %v, want ErrAliasUnresolved", err)
	}
	if got := resolve(t, manager, "events"); len(got) != 0 {
		t.Errorf("events alias after delete = %v", got)
	}
	// Deleting again is tolerated.
	if err := manager.DeleteIndexes(ctx); err != nil {
		t.Errorf("second DeleteIndexes: %v", err)
	}

	if err := manager.ConfigureIndexes(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := manager.WriteIndex(ctx, "events", march); err != nil {
		t.Fatal(err)
	}
	if got := resolve(t, manager, "events"); len(got) != 1 {
		t.Errorf("events -> %v, want exactly one index", got)
	}
}

func TestSchemaVersionRepointsAlias(t *testing.T) {
	backend := newFakeBackend()
	ctx := context.Background()

	v1, _ := testManager(t, backend, march, stacksDefinition)
	if err := v1.ConfigureIndexes(ctx); err != nil {
		t.Fatal(err)
	}

	v2, _ := testManager(t, backend, march, Definition{Name: "stacks", Version: 2})
	if err := v2.ConfigureIndexes(ctx); err != nil {
		t.Fatal(err)
	}
	if got := resolve(t, v2, "stacks"); !slices.Equal(got, []string{"stacks-v2"}) {
		t.Errorf("stacks -> %v, want [stacks-v2]", got)
	}
	// The old physical index is kept for reindexing but unaliased.
	if got := backend.indexNames(); !slices.Equal(got, []string{"stacks-v1", "stacks-v2"}) {
		t.Errorf("indices = %v", got)
	}
	target, err := v2.WriteIndex(ctx, "stacks", march)
	if err != nil || target != "stacks-v2" {
		t.Errorf("WriteIndex = %s, %v", target, err)
	}
}

func TestWriteIndexUnresolved(t *testing.T) {
	manager, _ := testManager(t, newFakeBackend(), march, eventsDefinition)
	ctx := context.Background()

	if _, err := manager.WriteIndex(ctx, "events", march); !errors.Is(err, ErrAliasUnresolved) {
		t.Errorf("unprovisioned write error = %v, want ErrAliasUnresolved", err)
	}
	if _, err := manager.WriteIndex(ctx, "tickets", march); !errors.Is(err, ErrAliasUnresolved) {
		t.Errorf("undeclared write error = %v, want ErrAliasUnresolved", err)
	}
}

func TestConcurrentFirstWritesShareOneBucket(t *testing.T) {
	backend := newFakeBackend()
	manager, _ := testManager(t, backend, march, eventsDefinition)
	ctx := context.Background()
	if err := manager.ConfigureIndexes(ctx); err != nil {
		t.Fatal(err)
	}

	april := march.AddDate(0, 1, 0)
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			target, err := manager.WriteIndex(ctx, "events", april)
			if err != nil || target != "events-v1-2016-04" {
				t.Errorf("WriteIndex = %s, %v", target, err)
			}
		}()
	}
	wg.Wait()

	backend.mu.Lock()
	creates := backend.creates["events-v1-2016-04"]
	backend.mu.Unlock()
	if creates != 1 {
		t.Errorf("bucket created %d times, want 1", creates)
	}
}

func TestConcurrentConfigureAndDelete(t *testing.T) {
	manager, _ := testManager(t, newFakeBackend(), march, eventsDefinition, stacksDefinition)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				err = manager.ConfigureIndexes(ctx)
			} else {
				err = manager.DeleteIndexes(ctx)
			}
			// A configure racing a delete may find its fresh index
			// gone before aliasing it; anything else is a bug.
			if err != nil && !errors.Is(err, ErrIndexNotFound) {
				t.Errorf("race error: %v", err)
			}
		}()
	}
	wg.Wait()

	if err := manager.ConfigureIndexes(ctx); err != nil {
		t.Fatalf("final ConfigureIndexes: %v", err)
	}
	if got := resolve(t, manager, "stacks"); len(got) != 1 {
		t.Errorf("stacks -> %v", got)
	}
}

func TestProvisioningErrorSurfaces(t *testing.T) {
	backend := newFakeBackend()
	backend.createErr = errors.New("disk full")
	manager, _ := testManager(t, backend, march, stacksDefinition)

	err := manager.ConfigureIndexes(context.Background())
	var provisioningErr *ProvisioningError
	if !errors.As(err, &provisioningErr) {
		t.Fatalf("error = %v, want *ProvisioningError", err)
	}
	if provisioningErr.Op != "create" || provisioningErr.Index != "stacks-v1" {
		t.Errorf("provisioning error = %+v", provisioningErr)
	}
}

func TestIndicesBetween(t *testing.T) {
	manager, _ := testManager(t, newFakeBackend(), march, eventsDefinition)
	ctx := context.Background()
	if err := manager.ConfigureIndexes(ctx); err != nil {
		t.Fatal(err)
	}
	for _, month := range []int{-1, 0, 1} {
		if _, err := manager.WriteIndex(ctx, "events", march.AddDate(0, month, 0)); err != nil {
			t.Fatal(err)
		}
	}

	got, err := manager.IndicesBetween(ctx, "events", march, march)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(got, []string{"events-v1-2016-03"}) {
		t.Errorf("IndicesBetween(march) = %v", got)
	}

	got, err = manager.IndicesBetween(ctx, "events", march.AddDate(0, -1, 0), march)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(got, []string{"events-v1-2016-02", "events-v1-2016-03"}) {
		t.Errorf("IndicesBetween(feb..march) = %v", got)
	}
}

func TestRunRetention(t *testing.T) {
	backend := newFakeBackend()
	definition := eventsDefinition
	definition.Retention = 30 * 24 * time.Hour
	manager, fake := testManager(t, backend, march, definition, stacksDefinition)
	ctx := context.Background()

	if err := manager.ConfigureIndexes(ctx); err != nil {
		t.Fatal(err)
	}
	for _, month := range []int{-3, -1, 0} {
		if _, err := manager.WriteIndex(ctx, "events", march.AddDate(0, month, 0)); err != nil {
			t.Fatal(err)
		}
	}

	// 2016-03-15: December closed 2016-01-01 (74 days ago) and is
	// dropped; February closed 2016-03-01 (14 days ago) and is kept.
	if err := manager.RunRetention(ctx); err != nil {
		t.Fatalf("RunRetention: %v", err)
	}
	if got := resolve(t, manager, "events"); !slices.Equal(got, []string{"events-v1-2016-02", "events-v1-2016-03"}) {
		t.Errorf("events after retention = %v", got)
	}

	// Much later, only the current bucket survives.
	fake.Set(time.Date(2017, 1, 10, 0, 0, 0, 0, time.UTC))
	if _, err := manager.WriteIndex(ctx, "events", fake.Now()); err != nil {
		t.Fatal(err)
	}
	if err := manager.RunRetention(ctx); err != nil {
		t.Fatal(err)
	}
	if got := resolve(t, manager, "events"); !slices.Equal(got, []string{"events-v1-2017-01"}) {
		t.Errorf("events after year = %v", got)
	}
	if got := resolve(t, manager, "stacks"); !slices.Equal(got, []string{"stacks-v1"}) {
		t.Errorf("retention touched stacks: %v", got)
	}
}

func TestAliasCacheExpires(t *testing.T) {
	backend := newFakeBackend()
	manager, fake := testManager(t, backend, march, stacksDefinition)
	ctx := context.Background()
	if err := manager.ConfigureIndexes(ctx); err != nil {
		t.Fatal(err)
	}
	if got := resolve(t, manager, "stacks"); !slices.Equal(got, []string{"stacks-v1"}) {
		t.Fatalf("stacks -> %v", got)
	}

	// Another process drops the index.
	if err := backend.DeleteIndex(ctx, "stacks-v1"); err != nil {
		t.Fatal(err)
	}
	if got := resolve(t, manager, "stacks"); !slices.Equal(got, []string{"stacks-v1"}) {
		t.Errorf("stacks -> %v inside the TTL, want the cached member", got)
	}
	fake.Advance(DefaultAliasCacheTTL)
	if got := resolve(t, manager, "stacks"); len(got) != 0 {
		t.Errorf("stacks -> %v after the TTL, want empty", got)
	}
	if _, err := manager.WriteIndex(ctx, "stacks", march); !errors.Is(err, ErrAliasUnresolved) {
		t.Errorf("WriteIndex = %v, want ErrAliasUnresolved", err)
	}
}

func TestInvalidateRecreatesDeletedBucket(t *testing.T) {
	backend := newFakeBackend()
	manager, _ := testManager(t, backend, march, eventsDefinition)
	ctx := context.Background()
	if err := manager.ConfigureIndexes(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := manager.WriteIndex(ctx, "events", march); err != nil {
		t.Fatal(err)
	}
	if err := backend.DeleteIndex(ctx, "events-v1-2016-03"); err != nil {
		t.Fatal(err)
	}

	manager.Invalidate("events")
	target, err := manager.WriteIndex(ctx, "events", march)
	if err != nil || target != "events-v1-2016-03" {
		t.Fatalf("WriteIndex = %s, %v", target, err)
	}
	if got := backend.indexNames(); !slices.Equal(got, []string{"events-v1-2016-03"}) {
		t.Errorf("indices = %v, want the bucket recreated", got)
	}
	backend.mu.Lock()
	creates := backend.creates["events-v1-2016-03"]
	backend.mu.Unlock()
	if creates != 2 {
		t.Errorf("bucket created %d times, want 2", creates)
	}
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package searchstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/eventsink/lib/clock"
	"github.com/bureau-foundation/eventsink/lib/index"
	"github.com/bureau-foundation/eventsink/lib/repository"
)

const eventsMapping = `{
	"mappings": {
		"properties": {
			"reference_id": {"type": "keyword"},
			"stack_id": {"type": "keyword"},
			"tags": {"type": "keyword"},
			"message": {"type": "text"},
			"data": {"properties": {"req": {"properties": {"path": {"type": "keyword"}}}}}
		}
	}
}`

func openTestStore(t *testing.T, compression Compression) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "search.db")
	store, err := Open(Config{Path: path, Compression: compression})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return store, path
}

func put(t *testing.T, store *Store, indexName string, documents ...repository.Document) {
	t.Helper()
	if err := store.PutDocuments(context.Background(), indexName, documents); err != nil {
		t.Fatalf("PutDocuments(%s): %v", indexName, err)
	}
}

func doc(id, body string) repository.Document {
	return repository.Document{ID: id, Body: json.RawMessage(body)}
}

func ids(documents []repository.Document) []string {
	var result []string
	for _, document := range documents {
		result = append(result, document.ID)
	}
	return result
}

func TestKeywordFields(t *testing.T) {
	fields, err := keywordFields([]byte(eventsMapping))
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"data.req.path", "reference_id", "stack_id", "tags"}
	if !slices.Equal(fields, want) {
		t.Errorf("fields = %v, want %v", fields, want)
	}

	bare, err := keywordFields([]byte(`{"properties":{"signature_hash":{"type":"keyword"}}}`))
	if err != nil || !slices.Equal(bare, []string{"signature_hash"}) {
		t.Errorf("bare mapping fields = %v, %v", bare, err)
	}
	if _, err := keywordFields([]byte(`{not json`)); err == nil {
		t.Error("invalid mapping accepted")
	}
}

func TestTermValues(t *testing.T) {
	body := []byte(`{"tags":["a","b",{"x":1},null],"count":3,"flag":true,"data":{"req":{"path":"/x"}}}`)
	tests := []struct {
		field string
		want  []string
	}{
		{"tags", []string{"a", "b"}},
		{"count", []string{"3"}},
		{"flag", []string{"true"}},
		{"data.req.path", []string{"/x"}},
		{"data", nil},
		{"missing", nil},
	}
	for _, test := range tests {
		if got := termValues(body, test.field); !slices.Equal(got, test.want) {
			t.Errorf("termValues(%s) = %v, want %v", test.field, got, test.want)
		}
	}
}

func TestCreateAndDeleteIndex(t *testing.T) {
	store, _ := openTestStore(t, CompressionZstd)
	ctx := context.Background()

	if err := store.CreateIndex(ctx, "events-v1-2016-03", []byte(eventsMapping)); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	err := store.CreateIndex(ctx, "events-v1-2016-03", nil)
	if !errors.Is(err, index.ErrIndexExists) {
		t.Errorf("duplicate CreateIndex error = %v, want ErrIndexExists", err)
	}
	if err := store.CreateIndex(ctx, "Bad Name", nil); err == nil {
		t.Error("invalid name accepted")
	}

	names, err := store.ListIndices(ctx, "events-v")
	if err != nil || !slices.Equal(names, []string{"events-v1-2016-03"}) {
		t.Errorf("ListIndices = %v, %v", names, err)
	}

	if err := store.DeleteIndex(ctx, "events-v1-2016-03"); err != nil {
		t.Fatalf("DeleteIndex: %v", err)
	}
	if err := store.DeleteIndex(ctx, "events-v1-2016-03"); !errors.Is(err, index.ErrIndexNotFound) {
		t.Errorf("second DeleteIndex error = %v, want ErrIndexNotFound", err)
	}
	// The name can be reused after deletion.
	if err := store.CreateIndex(ctx, "events-v1-2016-03", []byte(eventsMapping)); err != nil {
		t.Errorf("recreate: %v", err)
	}
}

func TestAliasUpdates(t *testing.T) {
	store, _ := openTestStore(t, CompressionZstd)
	ctx := context.Background()
	for _, name := range []string{"stacks-v1", "stacks-v2"} {
		if err := store.CreateIndex(ctx, name, nil); err != nil {
			t.Fatal(err)
		}
	}

	if members, err := store.ResolveAlias(ctx, "stacks"); err != nil || len(members) != 0 || members == nil {
		t.Errorf("unknown alias = %#v, %v; want empty slice", members, err)
	}

	if err := store.UpdateAliases(ctx, "stacks", []string{"stacks-v1"}, nil); err != nil {
		t.Fatal(err)
	}
	if err := store.UpdateAliases(ctx, "stacks", []string{"stacks-v2"}, []string{"stacks-v1"}); err != nil {
		t.Fatal(err)
	}
	members, err := store.ResolveAlias(ctx, "stacks")
	if err != nil || !slices.Equal(members, []string{"stacks-v2"}) {
		t.Errorf("stacks -> %v, %v", members, err)
	}

	// A failed update changes nothing.
	err = store.UpdateAliases(ctx, "stacks", []string{"stacks-v9"}, []string{"stacks-v2"})
	if !errors.Is(err, index.ErrIndexNotFound) {
		t.Errorf("update with missing index error = %v", err)
	}
	if members, _ := store.ResolveAlias(ctx, "stacks"); !slices.Equal(members, []string{"stacks-v2"}) {
		t.Errorf("failed update was partially applied: %v", members)
	}

	if err := store.UpdateAliases(ctx, "stacks-v1", []string{"stacks-v2"}, nil); err == nil {
		t.Error("alias named like an index accepted")
	}
	if err := store.CreateIndex(ctx, "stacks", nil); err == nil {
		t.Error("index named like an alias accepted")
	}

	// Deleting a member drops it from the alias.
	if err := store.DeleteIndex(ctx, "stacks-v2"); err != nil {
		t.Fatal(err)
	}
	if members, _ := store.ResolveAlias(ctx, "stacks"); len(members) != 0 {
		t.Errorf("alias still points at deleted index: %v", members)
	}
}

func TestDocumentsRoundTrip(t *testing.T) {
	for _, compression := range []Compression{CompressionNone, CompressionLZ4, CompressionZstd} {
		t.Run(compression.String(), func(t *testing.T) {
			store, _ := openTestStore(t, compression)
			ctx := context.Background()
			if err := store.CreateIndex(ctx, "events-v1-2016-03", []byte(eventsMapping)); err != nil {
				t.Fatal(err)
			}

			large := fmt.Sprintf(`{"reference_id":"r1","message":%q}`, strings.Repeat("timeout talking to db ", 200))
			put(t, store, "events-v1-2016-03",
				doc("a", large),
				doc("b", `{"reference_id":"r2"}`),
			)

			got, err := store.GetDocument(ctx, []string{"events-v1-2016-03"}, "a")
			if err != nil {
				t.Fatalf("GetDocument: %v", err)
			}
			if string(got.Body) != large || got.Index != "events-v1-2016-03" {
				t.Errorf("document = %s in %s", got.Body, got.Index)
			}
			small, err := store.GetDocument(ctx, []string{"events-v1-2016-03"}, "b")
			if err != nil || string(small.Body) != `{"reference_id":"r2"}` {
				t.Errorf("small document = %s, %v", small.Body, err)
			}
		})
	}
}

func TestFindByKeyword(t *testing.T) {
	store, _ := openTestStore(t, CompressionZstd)
	ctx := context.Background()
	for _, name := range []string{"events-v1-2016-03", "events-v1-2016-04"} {
		if err := store.CreateIndex(ctx, name, []byte(eventsMapping)); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.UpdateAliases(ctx, "events", []string{"events-v1-2016-03", "events-v1-2016-04"}, nil); err != nil {
		t.Fatal(err)
	}

	put(t, store, "events-v1-2016-03",
		doc("1", `{"stack_id":"s1","tags":["beta","web"],"data":{"req":{"path":"/a"}}}`),
		doc("2", `{"stack_id":"s2","tags":["web"]}`),
	)
	put(t, store, "events-v1-2016-04",
		doc("3", `{"stack_id":"s1","tags":[]}`),
	)

	found, err := store.FindDocuments(ctx, []string{"events"}, "stack_id", "s1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if got := ids(found); !slices.Equal(got, []string{"1", "3"}) {
		t.Errorf("stack s1 = %v", got)
	}

	found, err = store.FindDocuments(ctx, []string{"events"}, "tags", "web", 1)
	if err != nil || !slices.Equal(ids(found), []string{"1"}) {
		t.Errorf("limited tag search = %v, %v", ids(found), err)
	}

	found, err = store.FindDocuments(ctx, []string{"events"}, "data.req.path", "/a", 0)
	if err != nil || !slices.Equal(ids(found), []string{"1"}) {
		t.Errorf("nested keyword search = %v, %v", ids(found), err)
	}

	// Replacing a document reindexes its terms.
	put(t, store, "events-v1-2016-03", doc("1", `{"stack_id":"s9"}`))
	found, _ = store.FindDocuments(ctx, []string{"events"}, "stack_id", "s1", 0)
	if got := ids(found); !slices.Equal(got, []string{"3"}) {
		t.Errorf("after replace, stack s1 = %v", got)
	}

	if _, err := store.FindDocuments(ctx, []string{"events"}, "message", "x", 0); err == nil {
		t.Error("search on a non-keyword field succeeded")
	}
}

func TestGetDocumentMissing(t *testing.T) {
	store, _ := openTestStore(t, CompressionZstd)
	ctx := context.Background()
	if err := store.CreateIndex(ctx, "stacks-v1", nil); err != nil {
		t.Fatal(err)
	}
	_, err := store.GetDocument(ctx, []string{"stacks-v1", "unknown"}, "nope")
	if !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
	if err := store.PutDocuments(ctx, "missing-v1", []repository.Document{doc("x", `{}`)}); !errors.Is(err, index.ErrIndexNotFound) {
		t.Errorf("write to missing index error = %v", err)
	}
	if err := store.PutDocuments(ctx, "stacks-v1", []repository.Document{doc("x", `{broken`)}); err == nil {
		t.Error("invalid JSON body accepted")
	}
}

func TestCreateDocumentsKeepsExisting(t *testing.T) {
	store, _ := openTestStore(t, CompressionNone)
	ctx := context.Background()
	if err := store.CreateIndex(ctx, "stacks-v1", []byte(`{"properties":{"signature_hash":{"type":"keyword"}}}`)); err != nil {
		t.Fatal(err)
	}
	put(t, store, "stacks-v1", doc("s1", `{"signature_hash":"abc","total_occurrences":5}`))

	existing, err := store.CreateDocuments(ctx, "stacks-v1", []repository.Document{
		doc("s1", `{"signature_hash":"xyz","total_occurrences":0}`),
		doc("s2", `{"signature_hash":"def"}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(existing, []string{"s1"}) {
		t.Errorf("existing = %v, want [s1]", existing)
	}

	kept, err := store.GetDocument(ctx, []string{"stacks-v1"}, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if string(kept.Body) != `{"signature_hash":"abc","total_occurrences":5}` {
		t.Errorf("s1 body = %s", kept.Body)
	}
	if found, err := store.FindDocuments(ctx, []string{"stacks-v1"}, "signature_hash", "xyz", 0); err != nil || len(found) != 0 {
		t.Errorf("rejected body was indexed: %v, %v", ids(found), err)
	}
	if found, err := store.FindDocuments(ctx, []string{"stacks-v1"}, "signature_hash", "def", 0); err != nil || !slices.Equal(ids(found), []string{"s2"}) {
		t.Errorf("created document lookup = %v, %v", ids(found), err)
	}
}

func TestTemplatesApplyToNewIndices(t *testing.T) {
	store, _ := openTestStore(t, CompressionNone)
	ctx := context.Background()

	if err := store.PutTemplate(ctx, "events-v1", "events-v1-", []byte(eventsMapping)); err != nil {
		t.Fatal(err)
	}
	if exists, err := store.TemplateExists(ctx, "events-v1"); err != nil || !exists {
		t.Fatalf("TemplateExists = %v, %v", exists, err)
	}
	if err := store.CreateIndex(ctx, "events-v1-2016-03", nil); err != nil {
		t.Fatal(err)
	}
	put(t, store, "events-v1-2016-03", doc("1", `{"stack_id":"s1"}`))
	found, err := store.FindDocuments(ctx, []string{"events-v1-2016-03"}, "stack_id", "s1", 0)
	if err != nil || !slices.Equal(ids(found), []string{"1"}) {
		t.Errorf("templated keyword search = %v, %v", ids(found), err)
	}

	// Indices outside the prefix are not templated.
	if err := store.CreateIndex(ctx, "stacks-v1", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := store.FindDocuments(ctx, []string{"stacks-v1"}, "stack_id", "s1", 0); err == nil {
		t.Error("stack_id is a keyword of an untemplated index")
	}

	if err := store.DeleteTemplate(ctx, "events-v1"); err != nil {
		t.Fatal(err)
	}
	if err := store.DeleteTemplate(ctx, "events-v1"); err != nil {
		t.Errorf("deleting a missing template: %v", err)
	}
	if exists, _ := store.TemplateExists(ctx, "events-v1"); exists {
		t.Error("template still exists after delete")
	}
}

func TestCatalogSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "search.db")
	ctx := context.Background()

	first, err := Open(Config{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	if err := first.CreateIndex(ctx, "stacks-v1", []byte(`{"properties":{"signature_hash":{"type":"keyword"}}}`)); err != nil {
		t.Fatal(err)
	}
	if err := first.UpdateAliases(ctx, "stacks", []string{"stacks-v1"}, nil); err != nil {
		t.Fatal(err)
	}
	put(t, first, "stacks-v1", doc("s1", `{"signature_hash":"abc"}`))
	if err := first.Close(); err != nil {
		t.Fatal(err)
	}

	second, err := Open(Config{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()
	found, err := second.FindDocuments(ctx, []string{"stacks"}, "signature_hash", "abc", 1)
	if err != nil || !slices.Equal(ids(found), []string{"s1"}) {
		t.Errorf("after reopen = %v, %v", ids(found), err)
	}
}

// The alias properties of the index manager hold against this backend.
func TestManagerAgainstSQLite(t *testing.T) {
	store, _ := openTestStore(t, CompressionZstd)
	ctx := context.Background()
	march := time.Date(2016, 3, 15, 0, 0, 0, 0, time.UTC)

	manager, err := index.New(index.Config{
		Backend: store,
		Clock:   clock.Fake(march),
		Definitions: []index.Definition{
			{Name: "events", Version: 1, Partition: index.PartitionMonthly, Mapping: []byte(eventsMapping)},
			{Name: "stacks", Version: 1},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	for range 2 {
		if err := manager.ConfigureIndexes(ctx); err != nil {
			t.Fatalf("ConfigureIndexes: %v", err)
		}
	}
	if members, _ := manager.ResolveAlias(ctx, "stacks"); !slices.Equal(members, []string{"stacks-v1"}) {
		t.Errorf("stacks -> %v", members)
	}
	if members, _ := manager.ResolveAlias(ctx, "events"); len(members) != 0 {
		t.Errorf("events -> %v before any write, want empty", members)
	}

	for _, at := range []time.Time{march, march.AddDate(0, 1, 0)} {
		target, err := manager.WriteIndex(ctx, "events", at)
		if err != nil {
			t.Fatal(err)
		}
		put(t, store, target, doc(at.Format("2006-01"), `{"stack_id":"s"}`))
	}
	if members, _ := manager.ResolveAlias(ctx, "events"); len(members) != 2 {
		t.Errorf("events -> %v, want two indices", members)
	}
	found, err := store.FindDocuments(ctx, []string{"events"}, "stack_id", "s", 0)
	if err != nil || len(found) != 2 {
		t.Errorf("search through alias = %v, %v", ids(found), err)
	}

	if err := manager.DeleteIndexes(ctx); err != nil {
		t.Fatal(err)
	}
	if err := manager.ConfigureIndexes(ctx); err != nil {
		t.Fatal(err)
	}
	target, err := manager.WriteIndex(ctx, "events", march)
	if err != nil {
		t.Fatal(err)
	}
	put(t, store, target, doc("again", `{"stack_id":"s"}`))
	if members, _ := manager.ResolveAlias(ctx, "events"); len(members) != 1 {
		t.Errorf("events after reset -> %v, want one index", members)
	}
	found, _ = store.FindDocuments(ctx, []string{"events"}, "stack_id", "s", 0)
	if got := ids(found); !slices.Equal(got, []string{"again"}) {
		t.Errorf("documents after reset = %v", got)
	}
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package searchstore is a SQLite search backend for single-node
// deployments and tests. It implements both index.Backend (physical
// indices and aliases) and repository.Store (documents and keyword
// lookups).
//
// The catalog lives in two tables: search_indices assigns every
// physical index a numeric id, and search_aliases maps alias names to
// index ids. Each physical index owns a document table (docs_{id}) and
// a term table (terms_{id}) holding one row per keyword value per
// document. Keyword fields come from the mapping body given at
// creation, read the same way Elasticsearch would read it.
//
// Every mutation runs in one IMMEDIATE transaction: creating an index
// and its tables, applying a set of alias adds and removes, replacing a
// batch of documents and their terms. Readers never see half of one.
//
// Document bodies are stored compressed (zstd by default). Bodies that
// do not shrink are stored uncompressed.
package searchstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"sync"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/eventsink/lib/clock"
	"github.com/bureau-foundation/eventsink/lib/index"
	"github.com/bureau-foundation/eventsink/lib/repository"
	"github.com/bureau-foundation/eventsink/lib/sqlitepool"
)

const catalogSchema = `
	CREATE TABLE IF NOT EXISTS search_indices (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		name           TEXT NOT NULL UNIQUE,
		mapping        TEXT NOT NULL,
		keyword_fields TEXT NOT NULL,
		created_at     INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS search_aliases (
		alias    TEXT NOT NULL,
		index_id INTEGER NOT NULL,
		PRIMARY KEY (alias, index_id)
	);
	CREATE INDEX IF NOT EXISTS search_aliases_by_index ON search_aliases (index_id);
	CREATE TABLE IF NOT EXISTS search_templates (
		name       TEXT PRIMARY KEY,
		prefix     TEXT NOT NULL,
		mapping    TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
`

// Config holds the parameters for opening a Store.
type Config struct {
	// Path is the SQLite database file. The parent directory must exist.
	Path string

	// PoolSize defaults to 4.
	PoolSize int

	// Compression applied to document bodies.
	Compression Compression

	// Clock stamps index creation and document writes. Nil uses the
	// real clock.
	Clock clock.Clock

	// Logger receives operational messages. Nil discards.
	Logger *slog.Logger
}

// Store is a SQLite-backed index backend and document store. Safe for
// concurrent use.
type Store struct {
	pool        *sqlitepool.Pool
	compression Compression
	clock       clock.Clock
	logger      *slog.Logger

	// fields caches the keyword fields of each index id. Ids are never
	// reused, so entries never go stale.
	fieldsMu sync.Mutex
	fields   map[int64][]string
}

var (
	_ index.Backend    = (*Store)(nil)
	_ repository.Store = (*Store)(nil)
)

// Open creates or opens the database and its catalog.
func Open(cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}
	if cfg.Compression > CompressionZstd {
		return nil, fmt.Errorf("searchstore: unsupported compression %s", cfg.Compression)
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: poolSize,
		Logger:   logger,
		Schema:   catalogSchema,
	})
	if err != nil {
		return nil, fmt.Errorf("searchstore: %w", err)
	}

	store := &Store{
		pool:        pool,
		compression: cfg.Compression,
		clock:       clk,
		logger:      logger,
		fields:      make(map[int64][]string),
	}

	count, err := store.countIndices(context.Background())
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("searchstore: reading catalog: %w", err)
	}
	if count > 0 {
		logger.Info("discovered existing indices", "count", count)
	}
	return store, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]{0,254}$`)

func validateName(kind, name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("searchstore: invalid %s name %q", kind, name)
	}
	return nil
}

func documentTable(id int64) string { return fmt.Sprintf("docs_%d", id) }
func termTable(id int64) string     { return fmt.Sprintf("terms_%d", id) }

// physical is a resolved catalog entry.
type physical struct {
	id     int64
	name   string
	fields []string
}

func (s *Store) countIndices(ctx context.Context) (int, error) {
	var count int
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT count(*) FROM search_indices", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.ColumnInt(0)
				return nil
			},
		})
	})
	return count, err
}

// lookup finds a physical index by exact name.
func (s *Store) lookup(conn *sqlite.Conn, name string) (physical, bool, error) {
	var (
		found  physical
		ok     bool
		fields string
	)
	err := sqlitex.Execute(conn, "SELECT id, name, keyword_fields FROM search_indices WHERE name = ?",
		&sqlitex.ExecOptions{
			Args: []any{name},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = physical{id: stmt.ColumnInt64(0), name: stmt.ColumnText(1)}
				fields = stmt.ColumnText(2)
				ok = true
				return nil
			},
		})
	if err != nil || !ok {
		return physical{}, ok, err
	}
	found.fields, err = s.cachedFields(found.id, fields)
	return found, true, err
}

func (s *Store) cachedFields(id int64, encoded string) ([]string, error) {
	s.fieldsMu.Lock()
	defer s.fieldsMu.Unlock()
	if fields, ok := s.fields[id]; ok {
		return fields, nil
	}
	var fields []string
	if err := json.Unmarshal([]byte(encoded), &fields); err != nil {
		return nil, fmt.Errorf("searchstore: index %d keyword fields: %w", id, err)
	}
	s.fields[id] = fields
	return fields, nil
}

// resolve maps each name (physical or alias) to physical indices, in
// order and without duplicates. Unknown names resolve to nothing.
func (s *Store) resolve(conn *sqlite.Conn, names []string) ([]physical, error) {
	var resolved []physical
	seen := make(map[int64]bool)
	add := func(entry physical) {
		if !seen[entry.id] {
			seen[entry.id] = true
			resolved = append(resolved, entry)
		}
	}

	for _, name := range names {
		entry, ok, err := s.lookup(conn, name)
		if err != nil {
			return nil, err
		}
		if ok {
			add(entry)
			continue
		}
		members, err := s.aliasMembers(conn, name)
		if err != nil {
			return nil, err
		}
		for _, member := range members {
			entry, ok, err := s.lookup(conn, member)
			if err != nil {
				return nil, err
			}
			if ok {
				add(entry)
			}
		}
	}
	return resolved, nil
}

func (s *Store) aliasMembers(conn *sqlite.Conn, alias string) ([]string, error) {
	members := []string{}
	err := sqlitex.Execute(conn, `
		SELECT i.name FROM search_aliases a
		JOIN search_indices i ON i.id = a.index_id
		WHERE a.alias = ?
		ORDER BY i.name`,
		&sqlitex.ExecOptions{
			Args: []any{alias},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				members = append(members, stmt.ColumnText(0))
				return nil
			},
		})
	return members, err
}

func (s *Store) aliasExists(conn *sqlite.Conn, alias string) (bool, error) {
	exists := false
	err := sqlitex.Execute(conn, "SELECT 1 FROM search_aliases WHERE alias = ? LIMIT 1",
		&sqlitex.ExecOptions{
			Args: []any{alias},
			ResultFunc: func(*sqlite.Stmt) error {
				exists = true
				return nil
			},
		})
	return exists, err
}

// CreateIndex registers a physical index and creates its tables.
// An empty mapping takes the mapping of the template with the longest
// matching prefix, if any. Returns index.ErrIndexExists if the name is
// taken.
func (s *Store) CreateIndex(ctx context.Context, name string, mapping []byte) error {
	if err := validateName("index", name); err != nil {
		return err
	}

	return s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		if len(mapping) == 0 {
			templated, err := s.templateMapping(conn, name)
			if err != nil {
				return err
			}
			mapping = templated
		}
		fields, err := keywordFields(mapping)
		if err != nil {
			return fmt.Errorf("searchstore: index %s: %w", name, err)
		}
		encodedFields, err := json.Marshal(fields)
		if err != nil {
			return err
		}
		if len(mapping) == 0 {
			mapping = []byte("{}")
		}

		if _, exists, err := s.lookup(conn, name); err != nil {
			return err
		} else if exists {
			return fmt.Errorf("searchstore: %s: %w", name, index.ErrIndexExists)
		}
		if isAlias, err := s.aliasExists(conn, name); err != nil {
			return err
		} else if isAlias {
			return fmt.Errorf("searchstore: %s is already an alias", name)
		}

		err = sqlitex.Execute(conn, `
			INSERT INTO search_indices (name, mapping, keyword_fields, created_at)
			VALUES (?, ?, ?, ?)`,
			&sqlitex.ExecOptions{
				Args: []any{name, string(mapping), string(encodedFields), s.clock.Now().UnixMilli()},
			})
		if err != nil {
			return fmt.Errorf("searchstore: registering %s: %w", name, err)
		}
		id := conn.LastInsertRowID()

		script := fmt.Sprintf(`
			CREATE TABLE %[1]s (
				id          TEXT PRIMARY KEY,
				compression INTEGER NOT NULL,
				size        INTEGER NOT NULL,
				body        BLOB NOT NULL,
				updated_at  INTEGER NOT NULL
			);
			CREATE TABLE %[2]s (
				field  TEXT NOT NULL,
				value  TEXT NOT NULL,
				doc_id TEXT NOT NULL,
				PRIMARY KEY (field, value, doc_id)
			) WITHOUT ROWID;
			CREATE INDEX %[2]s_by_doc ON %[2]s (doc_id);
		`, documentTable(id), termTable(id))
		if err := sqlitex.ExecuteScript(conn, script, nil); err != nil {
			return fmt.Errorf("searchstore: creating tables for %s: %w", name, err)
		}
		s.logger.Info("index created",
			"index", name,
			"table_id", id,
			"keyword_fields", fields,
		)
		return nil
	})
}

// templateMapping returns the mapping of the template whose prefix is
// the longest one matching name, or nil.
func (s *Store) templateMapping(conn *sqlite.Conn, name string) ([]byte, error) {
	var mapping []byte
	err := sqlitex.Execute(conn, `
		SELECT mapping FROM search_templates
		WHERE substr(?1, 1, length(prefix)) = prefix
		ORDER BY length(prefix) DESC
		LIMIT 1`,
		&sqlitex.ExecOptions{
			Args: []any{name},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				mapping = []byte(stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("searchstore: matching templates for %s: %w", name, err)
	}
	return mapping, nil
}

// PutTemplate registers or replaces the mapping applied to indices
// created later whose name starts with prefix.
func (s *Store) PutTemplate(ctx context.Context, name, prefix string, mapping []byte) error {
	if err := validateName("template", name); err != nil {
		return err
	}
	if _, err := keywordFields(mapping); err != nil {
		return fmt.Errorf("searchstore: template %s: %w", name, err)
	}
	if len(mapping) == 0 {
		mapping = []byte("{}")
	}
	return s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `
			INSERT INTO search_templates (name, prefix, mapping, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (name) DO UPDATE SET prefix = excluded.prefix, mapping = excluded.mapping`,
			&sqlitex.ExecOptions{
				Args: []any{name, prefix, string(mapping), s.clock.Now().UnixMilli()},
			})
		if err != nil {
			return fmt.Errorf("searchstore: registering template %s: %w", name, err)
		}
		return nil
	})
}

// TemplateExists reports whether the template is registered.
func (s *Store) TemplateExists(ctx context.Context, name string) (bool, error) {
	exists := false
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT 1 FROM search_templates WHERE name = ?",
			&sqlitex.ExecOptions{
				Args: []any{name},
				ResultFunc: func(*sqlite.Stmt) error {
					exists = true
					return nil
				},
			})
	})
	if err != nil {
		return false, fmt.Errorf("searchstore: reading template %s: %w", name, err)
	}
	return exists, nil
}

// DeleteTemplate removes the template. Missing templates are ignored.
func (s *Store) DeleteTemplate(ctx context.Context, name string) error {
	return s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn, "DELETE FROM search_templates WHERE name = ?",
			&sqlitex.ExecOptions{Args: []any{name}}); err != nil {
			return fmt.Errorf("searchstore: deleting template %s: %w", name, err)
		}
		return nil
	})
}

// DeleteIndex drops a physical index, its tables and its alias
// memberships. Returns index.ErrIndexNotFound if absent.
func (s *Store) DeleteIndex(ctx context.Context, name string) error {
	return s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		entry, exists, err := s.lookup(conn, name)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("searchstore: %s: %w", name, index.ErrIndexNotFound)
		}

		for _, statement := range []string{
			"DROP TABLE IF EXISTS " + documentTable(entry.id),
			"DROP TABLE IF EXISTS " + termTable(entry.id),
		} {
			if err := sqlitex.ExecuteTransient(conn, statement, nil); err != nil {
				return fmt.Errorf("searchstore: deleting %s: %w", name, err)
			}
		}
		if err := sqlitex.Execute(conn, "DELETE FROM search_aliases WHERE index_id = ?",
			&sqlitex.ExecOptions{Args: []any{entry.id}}); err != nil {
			return err
		}
		if err := sqlitex.Execute(conn, "DELETE FROM search_indices WHERE id = ?",
			&sqlitex.ExecOptions{Args: []any{entry.id}}); err != nil {
			return err
		}
		s.logger.Info("index deleted", "index", name)
		return nil
	})
}

// ListIndices returns physical index names starting with prefix, sorted.
func (s *Store) ListIndices(ctx context.Context, prefix string) ([]string, error) {
	names := []string{}
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT name FROM search_indices
			WHERE substr(name, 1, length(?1)) = ?1
			ORDER BY name`,
			&sqlitex.ExecOptions{
				Args: []any{prefix},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					names = append(names, stmt.ColumnText(0))
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("searchstore: listing indices: %w", err)
	}
	return names, nil
}

// ResolveAlias returns the alias members, sorted. Unknown aliases
// resolve to an empty slice.
func (s *Store) ResolveAlias(ctx context.Context, alias string) ([]string, error) {
	var members []string
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		var err error
		members, err = s.aliasMembers(conn, alias)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("searchstore: resolving %s: %w", alias, err)
	}
	return members, nil
}

// UpdateAliases applies removes then adds in one transaction. Adding a
// missing index fails the whole update with index.ErrIndexNotFound.
func (s *Store) UpdateAliases(ctx context.Context, alias string, add, remove []string) error {
	if err := validateName("alias", alias); err != nil {
		return err
	}
	return s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		if _, isIndex, err := s.lookup(conn, alias); err != nil {
			return err
		} else if isIndex {
			return fmt.Errorf("searchstore: alias %s collides with an index name", alias)
		}

		for _, name := range remove {
			entry, exists, err := s.lookup(conn, name)
			if err != nil {
				return err
			}
			if !exists {
				continue
			}
			if err := sqlitex.Execute(conn, "DELETE FROM search_aliases WHERE alias = ? AND index_id = ?",
				&sqlitex.ExecOptions{Args: []any{alias, entry.id}}); err != nil {
				return err
			}
		}
		for _, name := range add {
			entry, exists, err := s.lookup(conn, name)
			if err != nil {
				return err
			}
			if !exists {
				return fmt.Errorf("searchstore: aliasing %s to %s: %w", alias, name, index.ErrIndexNotFound)
			}
			if err := sqlitex.Execute(conn, "INSERT OR IGNORE INTO search_aliases (alias, index_id) VALUES (?, ?)",
				&sqlitex.ExecOptions{Args: []any{alias, entry.id}}); err != nil {
				return err
			}
		}
		return nil
	})
}

// PutDocuments inserts or replaces documents in one physical index,
// reindexing their keyword terms.
func (s *Store) PutDocuments(ctx context.Context, name string, documents []repository.Document) error {
	_, err := s.writeDocuments(ctx, name, documents, true)
	return err
}

// CreateDocuments inserts documents whose ids are not yet stored in
// the physical index and returns the ids that were already present.
// Existing documents are left untouched.
func (s *Store) CreateDocuments(ctx context.Context, name string, documents []repository.Document) ([]string, error) {
	return s.writeDocuments(ctx, name, documents, false)
}

func (s *Store) writeDocuments(ctx context.Context, name string, documents []repository.Document, replace bool) ([]string, error) {
	if len(documents) == 0 {
		return nil, nil
	}
	now := s.clock.Now().UnixMilli()
	conflict := "IGNORE"
	if replace {
		conflict = "REPLACE"
	}

	var existing []string
	err := s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		existing = existing[:0]
		entry, exists, err := s.lookup(conn, name)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("searchstore: writing to %s: %w", name, index.ErrIndexNotFound)
		}

		insertDocument := fmt.Sprintf(`
			INSERT OR %s INTO %s (id, compression, size, body, updated_at)
			VALUES (?, ?, ?, ?, ?)`, conflict, documentTable(entry.id))
		deleteTerms := fmt.Sprintf("DELETE FROM %s WHERE doc_id = ?", termTable(entry.id))
		insertTerm := fmt.Sprintf("INSERT OR IGNORE INTO %s (field, value, doc_id) VALUES (?, ?, ?)", termTable(entry.id))

		for _, document := range documents {
			if document.ID == "" {
				return fmt.Errorf("searchstore: document without id in %s", name)
			}
			if !json.Valid(document.Body) {
				return fmt.Errorf("searchstore: document %s in %s is not valid JSON", document.ID, name)
			}
			compression, payload, err := compressBody(document.Body, s.compression)
			if err != nil {
				return err
			}
			if err := sqlitex.Execute(conn, insertDocument, &sqlitex.ExecOptions{
				Args: []any{document.ID, int(compression), len(document.Body), payload, now},
			}); err != nil {
				return fmt.Errorf("searchstore: writing %s/%s: %w", name, document.ID, err)
			}
			if !replace && conn.Changes() == 0 {
				existing = append(existing, document.ID)
				continue
			}
			if err := sqlitex.Execute(conn, deleteTerms, &sqlitex.ExecOptions{Args: []any{document.ID}}); err != nil {
				return err
			}
			for _, field := range entry.fields {
				for _, value := range termValues(document.Body, field) {
					if err := sqlitex.Execute(conn, insertTerm, &sqlitex.ExecOptions{
						Args: []any{field, value, document.ID},
					}); err != nil {
						return fmt.Errorf("searchstore: indexing %s/%s %s: %w", name, document.ID, field, err)
					}
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return existing, nil
}

// GetDocument returns the first document with id across indices.
func (s *Store) GetDocument(ctx context.Context, indices []string, id string) (repository.Document, error) {
	var (
		found    repository.Document
		notFound = fmt.Errorf("searchstore: %s: %w", id, repository.ErrNotFound)
	)
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		targets, err := s.resolve(conn, indices)
		if err != nil {
			return err
		}
		for _, target := range targets {
			query := fmt.Sprintf("SELECT id, compression, size, body FROM %s WHERE id = ?", documentTable(target.id))
			var documents []repository.Document
			if err := s.readDocuments(conn, target, query, []any{id}, &documents); err != nil {
				return err
			}
			if len(documents) > 0 {
				found = documents[0]
				return nil
			}
		}
		return notFound
	})
	if err != nil {
		return repository.Document{}, err
	}
	return found, nil
}

// FindDocuments returns documents whose keyword field equals value.
// Each index is searched in turn until limit documents are found. A
// limit of zero or less means no limit.
func (s *Store) FindDocuments(ctx context.Context, indices []string, field, value string, limit int) ([]repository.Document, error) {
	var documents []repository.Document
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		targets, err := s.resolve(conn, indices)
		if err != nil {
			return err
		}
		for _, target := range targets {
			if !slices.Contains(target.fields, field) {
				return fmt.Errorf("searchstore: %s is not a keyword field of %s", field, target.name)
			}
			remaining := -1
			if limit > 0 {
				remaining = limit - len(documents)
				if remaining <= 0 {
					return nil
				}
			}
			query := fmt.Sprintf(`
				SELECT d.id, d.compression, d.size, d.body
				FROM %s t JOIN %s d ON d.id = t.doc_id
				WHERE t.field = ? AND t.value = ?
				ORDER BY d.id
				LIMIT ?`, termTable(target.id), documentTable(target.id))
			if err := s.readDocuments(conn, target, query, []any{field, value, remaining}, &documents); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return documents, nil
}

func (s *Store) readDocuments(conn *sqlite.Conn, target physical, query string, args []any, documents *[]repository.Document) error {
	return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			payload := make([]byte, stmt.ColumnLen(3))
			stmt.ColumnBytes(3, payload)
			body, err := decompressBody(payload, Compression(stmt.ColumnInt(1)), stmt.ColumnInt(2))
			if err != nil {
				return fmt.Errorf("searchstore: reading %s/%s: %w", target.name, stmt.ColumnText(0), err)
			}
			*documents = append(*documents, repository.Document{
				ID:    stmt.ColumnText(0),
				Index: target.name,
				Body:  body,
			})
			return nil
		},
	})
}

// Refresh verifies the named indices exist. SQLite reads are already
// consistent with committed writes.
func (s *Store) Refresh(ctx context.Context, indices ...string) error {
	return s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		for _, name := range indices {
			targets, err := s.resolve(conn, []string{name})
			if err != nil {
				return err
			}
			if len(targets) == 0 {
				return fmt.Errorf("searchstore: refreshing %s: %w", name, index.ErrIndexNotFound)
			}
		}
		return nil
	})
}

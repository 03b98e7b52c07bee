// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool is the SQLite connection pool behind the local
// search store.
//
// It wraps zombiezen.com/go/sqlite's sqlitex.Pool and applies the same
// pragmas to every connection: WAL journaling, NORMAL synchronous,
// a five second busy timeout, an 8 MB page cache, 256 MB of mmap and
// in-memory temp storage. Index documents are rebuilt from the event
// queue after an OS crash, so NORMAL synchronous is enough.
//
// Connections are not safe for concurrent use. Borrow one per
// goroutine with [Pool.Take] and [Pool.Put], or let [Pool.Read] and
// [Pool.Write] do it around a callback. Write runs the callback inside
// an IMMEDIATE transaction, so every multi-statement change (creating
// an index and its tables, swapping alias members, replacing a
// document and its terms) commits or rolls back as a unit.
package sqlitepool

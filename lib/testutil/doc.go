// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for eventsink packages.
//
// [RequireReceive] and [RequireClosed] encapsulate the timeout safety
// valve pattern (select with time.After fallback) for tests that wait
// on worker goroutines and queue consumers. These are the only place
// in the test suite where real wall-clock timeouts are used; all other
// time comes from lib/clock.
//
// [UniqueID] generates monotonically increasing identifiers for test
// disambiguation, such as delivery ids and project ids that must not
// collide across subtests sharing a store.
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
//
// This package has no eventsink-internal dependencies.
package testutil

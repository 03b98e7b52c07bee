// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package upgrade rewrites event documents posted by older clients into
// the current schema.
//
// A [Chain] holds a fixed table of [Step] values sorted by priority.
// Each step names the newest declared version it rewrites (MaxVersion)
// and the version a document conforms to once the step has run
// (Target). Upgrading a [Context] runs, in priority order, every step
// whose MaxVersion is at or above the context's current version, and
// advances the version after each one. A document already at
// [CurrentVersion] passes through untouched.
//
// Steps are atomic: a step edits a clone of the document, and only a
// step that returns nil replaces it. Damaged auxiliary data inside an
// otherwise valid document (an unparsable legacy exception blob, an
// unreadable date) never fails a step. The fragment is dropped and
// reported as a [DataLoss] on the context.
//
// Input that is not a JSON object, or an array of objects, fails with
// [ErrMalformedDocument] before any step runs.
package upgrade

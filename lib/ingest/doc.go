// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ingest turns queued submissions into processed events.
//
// [Processor] handles one message: it decodes the posted body,
// upgrades every document it contains to the current schema, and runs
// the pipeline over the resulting batch. [Worker] pulls messages off a
// queue with bounded concurrency and settles each entry from the
// handler's error: nil completes it, an error wrapping [ErrPermanent]
// completes it after logging (retrying cannot help), and any other
// error abandons it for redelivery.
package ingest

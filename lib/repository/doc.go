// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package repository stores events and stacks as JSON documents in a
// search backend.
//
// The document plane is the [Store] interface; index administration is
// lib/index. Repositories write through [index.Manager.WriteIndex] so
// that a document always lands in the physical index its alias
// currently routes to, and read through aliases so that every version
// and time bucket is visible.
//
// The logical indexes and their mappings are declared by
// [Definitions]. Mappings are JSONC files embedded at compile time.
package repository

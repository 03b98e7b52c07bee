// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for the eventsink
// binaries.
//
// Configuration is loaded from a single file specified by either the
// EVENTSINK_CONFIG environment variable (via [Load]) or a --config
// flag (via [LoadFile]). There are no fallbacks and no automatic file
// search.
//
// The file may carry environment-specific sections (development,
// staging, production) whose non-zero values override the base
// sections when [Config].Environment matches. Production without an
// explicit section switches logging to JSON.
//
// Variable expansion is performed on path fields after loading:
// ${HOME} and ${VAR:-default} patterns are expanded. No other
// environment variables override config values.
//
// Key exports:
//
//   - [Config] -- master struct with Storage, Indexes, Queue, Ingress,
//     Metrics, Tracing, Logging
//   - [Default] -- returns a Config with development defaults
//   - [Load] and [LoadFile] -- the two entry points for loading
//
// This package depends on no other eventsink packages.
package config

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint helpers for the eventsink
// binaries:
//
//   - Fatal error reporting to stderr when the logger may not be
//     initialized (pre-logger), followed by exit.
//   - A context cancelled on SIGINT or SIGTERM, which drives graceful
//     shutdown of the service.
//
// This package and lib/version are the only non-CLI code that writes
// to stderr or stdout directly.
package process

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec defines the queue message types and their CBOR
// encoding.
//
// Two serialization formats are used with a clear boundary:
//
//   - JSON for external interfaces: posted event bodies, the HTTP
//     ingress, and documents stored in search indices.
//   - CBOR for queue payloads: event posts waiting for the pipeline,
//     user descriptions waiting for their event, and notifications
//     for new or regressed stacks. Both the in-memory queue (in tests)
//     and Kafka carry the same bytes.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2), so the
// same message always produces identical bytes:
//
//	data, err := codec.Marshal(post)
//	err = codec.Unmarshal(data, &post)
//
// Message types use `cbor` struct tags only; they never appear in JSON.
package codec

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

const derivedIDContext = "eventsink 2026 event id from delivery key"

// NewID returns a version 7 UUID whose embedded timestamp is at rather
// than the wall clock. Repositories use IDTime to find the time bucket
// an event was written to without searching every partition.
func NewID(at time.Time) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("event: generating id: %w", err)
	}
	milliseconds := uint64(at.UnixMilli())
	var timestamp [8]byte
	binary.BigEndian.PutUint64(timestamp[:], milliseconds)
	copy(id[0:6], timestamp[2:8])
	return id.String(), nil
}

// DerivedID returns the version 7 UUID for at whose remaining bits are
// derived from key instead of drawn at random. Every delivery of the
// same post computes the same id for the same event.
func DerivedID(at time.Time, key string) string {
	var material [16]byte
	blake3.DeriveKey(derivedIDContext, []byte(key), material[:])
	id := uuid.UUID(material)
	var timestamp [8]byte
	binary.BigEndian.PutUint64(timestamp[:], uint64(at.UnixMilli()))
	copy(id[0:6], timestamp[2:8])
	id[6] = (id[6] & 0x0f) | 0x70 // version 7
	id[8] = (id[8] & 0x3f) | 0x80 // RFC 4122 variant
	return id.String()
}

// IDTime returns the timestamp embedded in an id produced by NewID.
func IDTime(id string) (time.Time, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return time.Time{}, fmt.Errorf("event: parsing id %q: %w", id, err)
	}
	if parsed.Version() != 7 {
		return time.Time{}, fmt.Errorf("event: id %q is version %d, not 7", id, parsed.Version())
	}
	var timestamp [8]byte
	copy(timestamp[2:8], parsed[0:6])
	milliseconds := int64(binary.BigEndian.Uint64(timestamp[:]))
	return time.UnixMilli(milliseconds).UTC(), nil
}

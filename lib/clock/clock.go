// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts the time reads that decide where an event is
// stored. Index bucket selection, retention, and event date defaulting
// all read the current time through a Clock so tests can pin it.
//
// Production code injects Real(); tests inject Fake() and move time
// forward with Advance or Set.
package clock

import "time"

// Clock is the time source used by the index manager, the ingest
// workers, and the validation action.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// NewTicker returns a Ticker that delivers ticks on its C channel
	// at the given interval. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Ticker delivers periodic ticks on C. The channel has capacity 1;
// a slow consumer misses ticks rather than queueing them.
type Ticker struct {
	C <-chan time.Time

	stopFunc func()
}

// Stop turns off the ticker. Stop does not close C.
func (t *Ticker) Stop() { t.stopFunc() }

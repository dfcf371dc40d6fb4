// Copyright (C) 2024-2026, DuxNet, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package auth

import (
	"sync"
	"time"

	"github.com/duxnet/duxnetd/ids"
)

// failureLimiter tracks failed authentication attempts per node in a rolling
// window. Attempt timestamps live in a fixed-size ring buffer of size
// [maxAttempts]; overflow overwrites the oldest slot.
type failureLimiter struct {
	maxAttempts int
	window      time.Duration

	lock  sync.Mutex
	rings map[ids.NodeID]*attemptRing
}

type attemptRing struct {
	attempts []time.Time
	next     int
}

func newFailureLimiter(maxAttempts int, window time.Duration) *failureLimiter {
	return &failureLimiter{
		maxAttempts: maxAttempts,
		window:      window,
		rings:       make(map[ids.NodeID]*attemptRing),
	}
}

// Suspended reports whether [nodeID] has exhausted its failure budget inside
// the rolling window as of [now].
func (l *failureLimiter) Suspended(nodeID ids.NodeID, now time.Time) bool {
	l.lock.Lock()
	defer l.lock.Unlock()

	ring, ok := l.rings[nodeID]
	if !ok {
		return false
	}
	inWindow := 0
	for _, t := range ring.attempts {
		if !t.IsZero() && now.Sub(t) < l.window {
			inWindow++
		}
	}
	return inWindow >= l.maxAttempts
}

// RecordFailure notes a failed attempt for [nodeID] at [now].
func (l *failureLimiter) RecordFailure(nodeID ids.NodeID, now time.Time) {
	l.lock.Lock()
	defer l.lock.Unlock()

	ring, ok := l.rings[nodeID]
	if !ok {
		ring = &attemptRing{attempts: make([]time.Time, l.maxAttempts)}
		l.rings[nodeID] = ring
	}
	ring.attempts[ring.next] = now
	ring.next = (ring.next + 1) % l.maxAttempts
}

// Reset clears the failure history of [nodeID]. Called on every successful
// verification.
func (l *failureLimiter) Reset(nodeID ids.NodeID) {
	l.lock.Lock()
	defer l.lock.Unlock()

	delete(l.rings, nodeID)
}

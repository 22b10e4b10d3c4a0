// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"time"

	"github.com/kuroibara/kuroibara/pkg/provider"
)

// waiter is one queued Acquire call.
type waiter struct {
	priority   int
	seq        uint64
	enqueuedAt time.Time
	ready      chan struct{}
}

// waitQueue is a bounded priority queue: higher priority first, FIFO within
// a priority. Queue depths are small (64 by default) so selection is a
// linear scan, which keeps the anti-starvation boost trivially correct:
// a waiter older than half the max wait is promoted by one level at
// selection time without re-heapifying anything.
//
// All methods are called with the owning sourceLimiter's mutex held.
type waitQueue struct {
	items   []*waiter
	maxLen  int
	maxWait time.Duration
	nextSeq uint64
}

func newWaitQueue(maxLen int, maxWait time.Duration) *waitQueue {
	return &waitQueue{maxLen: maxLen, maxWait: maxWait}
}

func (q *waitQueue) len() int { return len(q.items) }

func (q *waitQueue) push(ctx context.Context, sourceID string, priority int) (*waiter, error) {
	if err := ctx.Err(); err != nil {
		return nil, provider.NewError(provider.KindCancelled, sourceID, "caller cancelled", err)
	}
	if len(q.items) >= q.maxLen {
		return nil, provider.Errorf(provider.KindRateLimited, sourceID, "wait queue full (%d)", q.maxLen)
	}
	q.nextSeq++
	w := &waiter{
		priority:   priority,
		seq:        q.nextSeq,
		enqueuedAt: time.Now(),
		ready:      make(chan struct{}),
	}
	q.items = append(q.items, w)
	return w, nil
}

// effectivePriority applies the anti-starvation boost.
func (q *waitQueue) effectivePriority(w *waiter, now time.Time) int {
	p := w.priority
	if q.maxWait > 0 && now.Sub(w.enqueuedAt) > q.maxWait/2 {
		p++
	}
	return p
}

// pop removes and returns the best waiter, or nil when empty.
func (q *waitQueue) pop(now time.Time) *waiter {
	if len(q.items) == 0 {
		return nil
	}
	best := 0
	bestPrio := q.effectivePriority(q.items[0], now)
	for i := 1; i < len(q.items); i++ {
		p := q.effectivePriority(q.items[i], now)
		if p > bestPrio || (p == bestPrio && q.items[i].seq < q.items[best].seq) {
			best, bestPrio = i, p
		}
	}
	w := q.items[best]
	q.items = append(q.items[:best], q.items[best+1:]...)
	return w
}

// remove deletes a waiter that gave up. No-op if it was already popped.
func (q *waitQueue) remove(target *waiter) {
	for i, w := range q.items {
		if w == target {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return
		}
	}
}

func (q *waitQueue) drain() {
	q.items = nil
}

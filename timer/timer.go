// Copyright 2024-2026 The Strand Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package timer provides the expiry queue the scheduler sleeps against.
// Entries are ordered by wrapping tick, with insertion order preserved
// among equal expiries so that timeouts armed together fire in the order
// they were armed.
package timer

import (
	"github.com/google/btree"
	"github.com/strandproxy/strand/tick"
)

// Timer is a schedulable entry carrying caller data. A Timer may be
// rescheduled or cancelled at any time; it is a member of at most one
// Queue.
type Timer[T any] struct {
	// Data is the payload handed back by ExpireUpTo.
	Data T

	exp    tick.Tick
	seq    uint64
	queued bool
}

// Expire returns the deadline the timer is armed for, or tick.Eternity when
// it is not queued.
func (t *Timer[T]) Expire() tick.Tick {
	if !t.queued {
		return tick.Eternity
	}
	return t.exp
}

// Queued reports whether the timer currently sits in a queue.
func (t *Timer[T]) Queued() bool {
	return t.queued
}

// NewTimer returns an unqueued timer wrapping data.
func NewTimer[T any](data T) *Timer[T] {
	return &Timer[T]{Data: data}
}

// Queue is an ordered set of timers. It is not safe for concurrent use;
// the scheduler owns it.
type Queue[T any] struct {
	tree *btree.BTreeG[*Timer[T]]
	seq  uint64
}

// New returns an empty queue.
func New[T any]() *Queue[T] {
	less := func(a, b *Timer[T]) bool {
		if d := int32(a.exp - b.exp); d != 0 {
			return d < 0
		}
		return a.seq < b.seq
	}
	return &Queue[T]{tree: btree.NewG(16, less)}
}

// Len returns the number of queued timers.
func (q *Queue[T]) Len() int {
	return q.tree.Len()
}

// Schedule arms tm for exp, requeueing it if already armed. Scheduling for
// tick.Eternity cancels instead.
func (q *Queue[T]) Schedule(tm *Timer[T], exp tick.Tick) {
	if tm.queued {
		q.tree.Delete(tm)
		tm.queued = false
	}
	if exp == tick.Eternity {
		return
	}
	tm.exp = exp
	q.seq++
	tm.seq = q.seq
	q.tree.ReplaceOrInsert(tm)
	tm.queued = true
}

// Cancel removes tm from the queue if present.
func (q *Queue[T]) Cancel(tm *Timer[T]) {
	if !tm.queued {
		return
	}
	q.tree.Delete(tm)
	tm.queued = false
}

// First returns the earliest deadline, or false when the queue is empty.
func (q *Queue[T]) First() (tick.Tick, bool) {
	tm, ok := q.tree.Min()
	if !ok {
		return tick.Eternity, false
	}
	return tm.exp, true
}

// ExpireUpTo pops every timer whose deadline has passed at now and hands it
// to fn, in (expiry, insertion) order. fn may re-arm the timer.
func (q *Queue[T]) ExpireUpTo(now tick.Tick, fn func(*Timer[T])) int {
	var n int
	for {
		tm, ok := q.tree.Min()
		if !ok || !tick.IsExpired(tm.exp, now) {
			return n
		}
		q.tree.Delete(tm)
		tm.queued = false
		n++
		fn(tm)
	}
}

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

package timer_test

import (
	"testing"
	"time"

	"github.com/strandproxy/strand/tick"
	"github.com/strandproxy/strand/timer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpireOrder(t *testing.T) {
	t.Parallel()

	q := timer.New[string]()
	a := timer.NewTimer("a")
	b := timer.NewTimer("b")
	c := timer.NewTimer("c")
	q.Schedule(a, 300)
	q.Schedule(b, 100)
	q.Schedule(c, 200)

	var fired []string
	q.ExpireUpTo(250, func(tm *timer.Timer[string]) {
		fired = append(fired, tm.Data)
	})
	assert.Equal(t, []string{"b", "c"}, fired)

	first, ok := q.First()
	require.True(t, ok)
	assert.Equal(t, tick.Tick(300), first)
}

func TestSameExpiryFiresInInsertionOrder(t *testing.T) {
	t.Parallel()

	q := timer.New[int]()
	for i := 0; i < 10; i++ {
		q.Schedule(timer.NewTimer(i), 500)
	}
	var fired []int
	q.ExpireUpTo(500, func(tm *timer.Timer[int]) {
		fired = append(fired, tm.Data)
	})
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, fired)
}

func TestRescheduleMoves(t *testing.T) {
	t.Parallel()

	q := timer.New[string]()
	tm := timer.NewTimer("x")
	q.Schedule(tm, 100)
	q.Schedule(tm, 900)
	assert.Equal(t, 1, q.Len())

	n := q.ExpireUpTo(500, func(*timer.Timer[string]) {})
	assert.Zero(t, n)
	assert.Equal(t, tick.Tick(900), tm.Expire())
}

func TestScheduleEternityCancels(t *testing.T) {
	t.Parallel()

	q := timer.New[string]()
	tm := timer.NewTimer("x")
	q.Schedule(tm, 100)
	q.Schedule(tm, tick.Eternity)
	assert.Zero(t, q.Len())
	assert.False(t, tm.Queued())
}

func TestCancel(t *testing.T) {
	t.Parallel()

	q := timer.New[string]()
	tm := timer.NewTimer("x")
	q.Schedule(tm, 100)
	q.Cancel(tm)
	q.Cancel(tm) // idempotent
	assert.Zero(t, q.Len())

	_, ok := q.First()
	assert.False(t, ok)
}

func TestExpiryAcrossWrap(t *testing.T) {
	t.Parallel()

	q := timer.New[string]()
	before := timer.NewTimer("before")
	after := timer.NewTimer("after")
	var now tick.Tick = 0xFFFFFF00
	q.Schedule(before, tick.Add(now, 16*time.Millisecond))  // still below the wrap point
	q.Schedule(after, tick.Add(now, 1000*time.Millisecond)) // wraps past zero

	var fired []string
	q.ExpireUpTo(tick.Add(now, 2000*time.Millisecond), func(tm *timer.Timer[string]) {
		fired = append(fired, tm.Data)
	})
	assert.Equal(t, []string{"before", "after"}, fired)
}

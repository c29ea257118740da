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

package tick_test

import (
	"testing"
	"time"

	"github.com/strandproxy/strand/tick"
	"github.com/stretchr/testify/assert"
)

func TestEternityNeverExpires(t *testing.T) {
	t.Parallel()

	for _, now := range []tick.Tick{0, 1, 0x7FFFFFFF, 0x80000000, 0xFFFFFFFE, tick.Eternity} {
		assert.False(t, tick.IsExpired(tick.Eternity, now), "now=%#x", now)
	}
}

func TestAddSkipsEternity(t *testing.T) {
	t.Parallel()

	got := tick.Add(tick.Eternity-5, 5*time.Millisecond)
	assert.NotEqual(t, tick.Eternity, got)
	assert.True(t, got.IsSet())
}

func TestAddIfSet(t *testing.T) {
	t.Parallel()

	assert.Equal(t, tick.Eternity, tick.AddIfSet(100, 0))
	assert.Equal(t, tick.Tick(1100), tick.AddIfSet(100, time.Second))
}

func TestExpiryAcrossWrap(t *testing.T) {
	t.Parallel()

	var now tick.Tick = 0xFFFFFF00
	exp := tick.Add(now, time.Second) // wraps past zero
	assert.False(t, tick.IsExpired(exp, now))
	assert.True(t, tick.IsExpired(exp, now+2000))
	assert.True(t, tick.IsExpired(exp, exp))
}

func TestFirstMatchesMinOfAdds(t *testing.T) {
	t.Parallel()

	// tick.First(Add(now,x), Add(now,y)) == Add(now, min(x,y)), even near
	// the wrap point.
	for _, now := range []tick.Tick{0, 12345, 0xFFFFFE00} {
		for _, xy := range [][2]time.Duration{
			{time.Millisecond, time.Second},
			{time.Second, time.Millisecond},
			{time.Minute, time.Minute},
		} {
			x, y := xy[0], xy[1]
			want := x
			if y < x {
				want = y
			}
			got := tick.First(tick.Add(now, x), tick.Add(now, y))
			assert.Equal(t, tick.Add(now, want), got, "now=%#x x=%v y=%v", now, x, y)
		}
	}
}

func TestFirstIgnoresEternity(t *testing.T) {
	t.Parallel()

	assert.Equal(t, tick.Tick(42), tick.First(42, tick.Eternity))
	assert.Equal(t, tick.Tick(42), tick.First(tick.Eternity, 42))
	assert.Equal(t, tick.Eternity, tick.First(tick.Eternity, tick.Eternity))
}

func TestRemainClamps(t *testing.T) {
	t.Parallel()

	assert.Equal(t, time.Duration(0), tick.Remain(100, 50))
	assert.Equal(t, 50*time.Millisecond, tick.Remain(50, 100))
	assert.Equal(t, time.Duration(0), tick.Remain(100, 100))
}

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

// Package tick implements the wrapping millisecond tick arithmetic used by
// the scheduler and every timeout in the proxy core. A Tick is a 32-bit
// millisecond counter that wraps roughly every 49.7 days; two ticks are
// comparable as long as they are less than 2^31 ms (about 24.8 days) apart,
// which is far beyond any configurable timeout. The reserved value
// [Eternity] means "no deadline".
package tick

import "time"

// Tick is a wrapping millisecond date. The zero value is a valid (expired)
// date; use Eternity for "never".
type Tick uint32

// Eternity is the sentinel for an unset deadline. It never expires and is
// ignored by First.
const Eternity Tick = 0xFFFFFFFF

// IsSet reports whether t carries a deadline.
func (t Tick) IsSet() bool {
	return t != Eternity
}

// Add returns base advanced by ms. If the result would land exactly on the
// Eternity sentinel it is nudged by one millisecond so that a computed
// deadline is never confused with "no deadline".
func Add(base Tick, ms time.Duration) Tick {
	t := base + Tick(ms/time.Millisecond)
	if t == Eternity {
		t++
	}
	return t
}

// AddIfSet behaves like Add for an optional duration: a zero or negative
// ms means "not set" and yields Eternity. base is not checked. Used to
// apply optional configured timeouts.
func AddIfSet(base Tick, ms time.Duration) Tick {
	if ms <= 0 {
		return Eternity
	}
	return Add(base, ms)
}

// IsExpired reports whether deadline exp has passed at date now.
// Eternity never expires.
func IsExpired(exp, now Tick) bool {
	if exp == Eternity {
		return false
	}
	return int32(now-exp) >= 0
}

// First returns the earlier of two deadlines, treating Eternity as later
// than everything.
func First(a, b Tick) Tick {
	if a == Eternity {
		return b
	}
	if b == Eternity {
		return a
	}
	if int32(a-b) <= 0 {
		return a
	}
	return b
}

// Remain returns the non-negative number of milliseconds from now until
// exp, or 0 if exp has passed. Must not be called with Eternity; callers
// bound their poll delay separately when no timer is armed.
func Remain(now, exp Tick) time.Duration {
	d := int32(exp - now)
	if d < 0 {
		return 0
	}
	return time.Duration(d) * time.Millisecond
}

// FromTime converts a wall-clock instant to a tick. Only differences
// between ticks produced from the same clock are meaningful.
func FromTime(t time.Time) Tick {
	return Tick(uint64(t.UnixNano()/int64(time.Millisecond)) & 0xFFFFFFFF)
}

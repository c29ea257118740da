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

package proxy

import (
	"time"

	"github.com/strandproxy/strand/internal"
)

// freqCounter measures events per second over a sliding one-second
// window: the previous second's count is weighted by how much of it
// still overlaps the window. Cheap enough to update on every accept.
type freqCounter struct {
	clock   internal.Clock
	currSec int64 // unix second the current bucket counts
	curr    int
	prev    int
}

func (f *freqCounter) rotate(now time.Time) {
	sec := now.Unix()
	switch {
	case sec == f.currSec:
	case sec == f.currSec+1:
		f.prev = f.curr
		f.curr = 0
		f.currSec = sec
	default:
		f.prev = 0
		f.curr = 0
		f.currSec = sec
	}
}

func (f *freqCounter) add(n int) {
	f.rotate(f.clock.Now())
	f.curr += n
}

// read estimates the events of the last full second.
func (f *freqCounter) read() int {
	if f.clock == nil {
		return 0
	}
	now := f.clock.Now()
	f.rotate(now)
	msIntoSec := int(now.UnixMilli() % 1000)
	return f.curr + f.prev*(1000-msIntoSec)/1000
}

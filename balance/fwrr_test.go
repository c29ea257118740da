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

package balance_test

import (
	"testing"

	"github.com/strandproxy/strand/balance"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer is a minimal balance.Server for selection tests.
type fakeServer struct {
	name string
	node balance.Node
	full bool
}

func (s *fakeServer) LBNode() *balance.Node { return &s.node }
func (s *fakeServer) IsFull() bool          { return s.full }

func newFakeServer(name string, id uint32, weight int, backup bool) *fakeServer {
	s := &fakeServer{name: name}
	s.node.ID = id
	s.node.Uweight = weight
	s.node.Backup = backup
	s.node.Running = true
	return s
}

func buildDiscipline(kind balance.Kind, servers ...*fakeServer) *balance.Discipline {
	d := balance.New(kind, false)
	for _, s := range servers {
		d.AddServer(s)
	}
	d.Init()
	return d
}

func countPicks(d *balance.Discipline, n int) map[string]int {
	counts := make(map[string]int)
	for i := 0; i < n; i++ {
		s := d.Pick(nil)
		if s == nil {
			counts["<nil>"]++
			continue
		}
		counts[s.(*fakeServer).name]++
	}
	return counts
}

func TestFWRRFairness(t *testing.T) {
	t.Parallel()

	srvA := newFakeServer("a", 1, 3, false)
	srvB := newFakeServer("b", 2, 2, false)
	srvC := newFakeServer("c", 3, 1, false)
	d := buildDiscipline(balance.RoundRobin, srvA, srvB, srvC)

	// over K = N x total_eweight picks each server receives exactly
	// K x eweight/total_eweight
	total := (3 + 2 + 1) * balance.WeightScale
	k := 10 * total
	counts := countPicks(d, k)
	assert.InEpsilon(t, k/2, counts["a"], 0.02)
	assert.InEpsilon(t, k/3, counts["b"], 0.02)
	assert.InEpsilon(t, k/6, counts["c"], 0.02)
}

func TestFWRRMaxGap(t *testing.T) {
	t.Parallel()

	srvA := newFakeServer("a", 1, 4, false)
	srvB := newFakeServer("b", 2, 2, false)
	srvC := newFakeServer("c", 3, 1, false)
	d := buildDiscipline(balance.RoundRobin, srvA, srvB, srvC)

	weights := map[string]int{"a": 4, "b": 2, "c": 1}
	total := 7 * balance.WeightScale
	last := map[string]int{}
	for i := 1; i <= 10*total; i++ {
		name := d.Pick(nil).(*fakeServer).name
		if prev, seen := last[name]; seen {
			gap := i - prev
			w := weights[name] * balance.WeightScale
			bound := (total+w-1)/w + 1
			assert.LessOrEqualf(t, gap, bound, "server %s pick %d", name, i)
		}
		last[name] = i
	}
}

func TestFWRRNoConsecutiveHeavyWhenLightHasCredit(t *testing.T) {
	t.Parallel()

	srvA := newFakeServer("a", 1, 2, false)
	srvB := newFakeServer("b", 2, 1, false)
	srvC := newFakeServer("c", 3, 1, false)
	d := buildDiscipline(balance.RoundRobin, srvA, srvB, srvC)

	prev := ""
	runs := 0
	for i := 0; i < 4*4*balance.WeightScale; i++ {
		name := d.Pick(nil).(*fakeServer).name
		if name == prev {
			runs++
		}
		prev = name
	}
	// weight 2 of 4: emission is a-?-a-? interleaved, never a-a
	assert.Zero(t, runs)
}

func TestFWRRServerDownMidFlight(t *testing.T) {
	t.Parallel()

	srvA := newFakeServer("a", 1, 2, false)
	srvB := newFakeServer("b", 2, 1, false)
	srvC := newFakeServer("c", 3, 1, false)
	d := buildDiscipline(balance.RoundRobin, srvA, srvB, srvC)

	countPicks(d, 100)

	srvB.node.Running = false
	d.ServerDown(srvB)
	assert.Equal(t, 2, d.ActiveServers())

	total := 3 * balance.WeightScale
	counts := countPicks(d, 8*total)
	assert.Zero(t, counts["b"])
	assert.InEpsilon(t, 2*counts["c"], counts["a"], 0.05)
}

func TestFWRRServerBackUp(t *testing.T) {
	t.Parallel()

	srvA := newFakeServer("a", 1, 1, false)
	srvB := newFakeServer("b", 2, 1, false)
	d := buildDiscipline(balance.RoundRobin, srvA, srvB)

	srvB.node.Running = false
	d.ServerDown(srvB)
	counts := countPicks(d, 10)
	assert.Equal(t, 10, counts["a"])

	srvB.node.Running = true
	d.ServerUp(srvB)
	total := 2 * balance.WeightScale
	counts = countPicks(d, 4*total)
	assert.InDelta(t, counts["a"], counts["b"], 2)
}

func TestFWRRWeightChangeDuringTraffic(t *testing.T) {
	t.Parallel()

	srvA := newFakeServer("a", 1, 1, false)
	srvB := newFakeServer("b", 2, 1, false)
	d := buildDiscipline(balance.RoundRobin, srvA, srvB)

	countPicks(d, 50)
	d.SetWeight(srvA, 3)

	// allow one full pass of transient, then expect 3:1 within 5%
	countPicks(d, 4*balance.WeightScale)
	n := 40 * balance.WeightScale
	counts := countPicks(d, n)
	assert.InEpsilon(t, 3*n/4, counts["a"], 0.05)
	assert.InEpsilon(t, n/4, counts["b"], 0.05)
}

func TestFWRRSaturatedServerSkipped(t *testing.T) {
	t.Parallel()

	srvA := newFakeServer("a", 1, 1, false)
	srvB := newFakeServer("b", 2, 1, false)
	d := buildDiscipline(balance.RoundRobin, srvA, srvB)

	srvA.full = true
	counts := countPicks(d, 20)
	assert.Zero(t, counts["a"])
	assert.Equal(t, 20, counts["b"])

	srvA.full = false
	counts = countPicks(d, 4*2*balance.WeightScale)
	assert.InDelta(t, counts["a"], counts["b"], 2)
}

func TestFWRRAvoid(t *testing.T) {
	t.Parallel()

	srvA := newFakeServer("a", 1, 1, false)
	srvB := newFakeServer("b", 2, 1, false)
	d := buildDiscipline(balance.RoundRobin, srvA, srvB)

	for i := 0; i < 10; i++ {
		s := d.Pick(srvA)
		require.NotNil(t, s)
		assert.Equal(t, "b", s.(*fakeServer).name)
	}
}

func TestFWRRAvoidLastResort(t *testing.T) {
	t.Parallel()

	srvA := newFakeServer("a", 1, 1, false)
	d := buildDiscipline(balance.RoundRobin, srvA)

	s := d.Pick(srvA)
	require.NotNil(t, s)
	assert.Equal(t, "a", s.(*fakeServer).name)
}

func TestFWRRBackupFallback(t *testing.T) {
	t.Parallel()

	srvA := newFakeServer("a", 1, 1, false)
	srvB := newFakeServer("bk1", 2, 1, true)
	srvC := newFakeServer("bk2", 3, 1, true)
	d := buildDiscipline(balance.RoundRobin, srvA, srvB, srvC)

	counts := countPicks(d, 5)
	assert.Equal(t, 5, counts["a"])

	srvA.node.Running = false
	d.ServerDown(srvA)

	// first usable backup only, since useAllBackups is off
	counts = countPicks(d, 10)
	assert.Equal(t, 10, counts["bk1"])

	// losing the first backup moves to the next in declaration order
	srvB.node.Running = false
	d.ServerDown(srvB)
	counts = countPicks(d, 10)
	assert.Equal(t, 10, counts["bk2"])
}

func TestFWRRAllBackupsRotation(t *testing.T) {
	t.Parallel()

	srvA := newFakeServer("a", 1, 1, false)
	srvB := newFakeServer("bk1", 2, 1, true)
	srvC := newFakeServer("bk2", 3, 1, true)
	d := balance.New(balance.RoundRobin, true)
	for _, s := range []*fakeServer{srvA, srvB, srvC} {
		d.AddServer(s)
	}
	d.Init()

	srvA.node.Running = false
	d.ServerDown(srvA)
	counts := countPicks(d, 4*2*balance.WeightScale)
	assert.Equal(t, counts["bk1"], counts["bk2"])
}

func TestFWRRNoServers(t *testing.T) {
	t.Parallel()

	d := buildDiscipline(balance.RoundRobin)
	assert.Nil(t, d.Pick(nil))

	srvA := newFakeServer("a", 1, 1, false)
	d = buildDiscipline(balance.RoundRobin, srvA)
	srvA.node.Running = false
	d.ServerDown(srvA)
	assert.Nil(t, d.Pick(nil))
}

func TestWeightZeroExcludes(t *testing.T) {
	t.Parallel()

	srvA := newFakeServer("a", 1, 1, false)
	srvB := newFakeServer("b", 2, 1, false)
	d := buildDiscipline(balance.RoundRobin, srvA, srvB)

	d.SetWeight(srvA, 0)
	counts := countPicks(d, 10)
	assert.Zero(t, counts["a"])
	assert.Equal(t, 10, counts["b"])
	assert.Equal(t, 1, d.ActiveServers())
}

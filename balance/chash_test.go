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
	"fmt"
	"testing"

	"github.com/strandproxy/strand/balance"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chashServers() (*fakeServer, *fakeServer, *fakeServer, *balance.Discipline) {
	srvA := newFakeServer("a", 1, 1, false)
	srvB := newFakeServer("b", 2, 1, false)
	srvC := newFakeServer("c", 3, 1, false)
	return srvA, srvB, srvC, buildDiscipline(balance.ConsistentHash, srvA, srvB, srvC)
}

func TestChashDeterministic(t *testing.T) {
	t.Parallel()

	_, _, _, d := chashServers()
	for i := 0; i < 100; i++ {
		key := balance.HashKey([]byte(fmt.Sprintf("key-%d", i)))
		first := d.PickKey(key, nil)
		require.NotNil(t, first)
		for j := 0; j < 3; j++ {
			assert.Same(t, first, d.PickKey(key, nil))
		}
	}
}

func TestChashMinimalRemapping(t *testing.T) {
	t.Parallel()

	srvA, _, srvC, d := chashServers()
	_ = srvA

	before := make(map[uint32]string)
	for i := 0; i < 1000; i++ {
		key := balance.HashKey([]byte(fmt.Sprintf("key-%d", i)))
		before[key] = d.PickKey(key, nil).(*fakeServer).name
	}

	srvC.node.Running = false
	d.ServerDown(srvC)

	// keys that were not on c stay exactly where they were
	for key, name := range before {
		after := d.PickKey(key, nil).(*fakeServer).name
		if name != "c" {
			assert.Equal(t, name, after, "key %#x moved", key)
		} else {
			assert.NotEqual(t, "c", after)
		}
	}
}

func TestChashDistribution(t *testing.T) {
	t.Parallel()

	_, _, _, d := chashServers()
	counts := make(map[string]int)
	for i := 0; i < 3000; i++ {
		key := balance.HashKey([]byte(fmt.Sprintf("key-%d", i)))
		counts[d.PickKey(key, nil).(*fakeServer).name]++
	}
	// equal weights: each should get a third, give or take ring variance
	for name, c := range counts {
		assert.InEpsilon(t, 1000, c, 0.35, "server %s", name)
	}
}

func TestChashWeightRaisesShare(t *testing.T) {
	t.Parallel()

	srvA := newFakeServer("a", 1, 4, false)
	srvB := newFakeServer("b", 2, 1, false)
	d := buildDiscipline(balance.ConsistentHash, srvA, srvB)

	counts := make(map[string]int)
	for i := 0; i < 3000; i++ {
		key := balance.HashKey([]byte(fmt.Sprintf("key-%d", i)))
		counts[d.PickKey(key, nil).(*fakeServer).name]++
	}
	assert.Greater(t, counts["a"], 2*counts["b"])
}

func TestChashBackupFallback(t *testing.T) {
	t.Parallel()

	srvA := newFakeServer("a", 1, 1, false)
	srvB := newFakeServer("bk", 2, 1, true)
	d := buildDiscipline(balance.ConsistentHash, srvA, srvB)

	srvA.node.Running = false
	d.ServerDown(srvA)
	key := balance.HashKey([]byte("anything"))
	s := d.PickKey(key, nil)
	require.NotNil(t, s)
	assert.Equal(t, "bk", s.(*fakeServer).name)
}

func TestChashKeylessWalk(t *testing.T) {
	t.Parallel()

	srvA, srvB, srvC, d := chashServers()

	counts := countPicks(d, 300)
	assert.Equal(t, 300, counts["a"]+counts["b"]+counts["c"])
	for _, s := range []*fakeServer{srvA, srvB, srvC} {
		assert.Positive(t, counts[s.name])
	}

	// the walk skips saturated servers
	srvB.full = true
	counts = countPicks(d, 100)
	assert.Zero(t, counts["b"])
	assert.Equal(t, 100, counts["a"]+counts["c"])
}

func TestChashWeightUpdateKeepsOtherMappings(t *testing.T) {
	t.Parallel()

	srvA, _, _, d := chashServers()

	keyOnB := uint32(0)
	for i := 0; ; i++ {
		key := balance.HashKey([]byte(fmt.Sprintf("probe-%d", i)))
		if d.PickKey(key, nil).(*fakeServer).name == "b" {
			keyOnB = key
			break
		}
	}

	// re-applying a's current weight must not move keys owned by b
	d.SetWeight(srvA, 1) // no change, exercise the no-op path
	assert.Equal(t, "b", d.PickKey(keyOnB, nil).(*fakeServer).name)
}

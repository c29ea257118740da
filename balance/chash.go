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

package balance

import "github.com/google/btree"

// Consistent hash.
//
// Every server owns eweight-many ring occurrences whose positions are
// fixed for the server's lifetime (a full-avalanche hash of server id and
// occurrence index). Weight and state changes only insert or remove
// occurrences, so most of the key space keeps mapping to the same servers
// across a change. A request key picks the closer of its two neighbouring
// occurrences on the ring.

// ringOcc is one occurrence of a server on the ring.
type ringOcc struct {
	key uint32
	ord uint32 // (server id, occurrence index) collision breaker
	s   Server
}

func ringOccLess(a, b ringOcc) bool {
	if a.key != b.key {
		return a.key < b.key
	}
	return a.ord < b.ord
}

type ring struct {
	t *btree.BTreeG[ringOcc]
}

func newRing() *ring {
	return &ring{t: btree.NewG(16, ringOccLess)}
}

type chashState struct {
	d   *Discipline
	act *ring
	bck *ring

	// last occurrence handed out by the round-robin walk used when a
	// request carries no hash key
	last     ringOcc
	haveLast bool
}

func newChashState(d *Discipline) *chashState {
	return &chashState{d: d, act: newRing(), bck: newRing()}
}

func (c *chashState) partition(n *Node) *ring {
	if n.Backup {
		return c.bck
	}
	return c.act
}

// initServer precomputes the server's ring occurrences; one per effective
// weight unit at full weight, inserted up to the current eweight.
func (c *chashState) initServer(s Server) {
	n := s.LBNode()
	total := n.Uweight * WeightScale
	n.occ = make([]ringOcc, total)
	for i := 0; i < total; i++ {
		n.occ[i] = ringOcc{
			key: fullHash(n.ID*EweightRange + uint32(i)),
			ord: n.ID*EweightRange + uint32(i),
			s:   s,
		}
	}
	n.occNow = 0
}

func (c *chashState) init() {
	for _, s := range c.d.servers {
		if s.LBNode().Usable() {
			c.adjustOccurrences(s)
		}
	}
}

// adjustOccurrences inserts or removes ring occurrences until the server
// holds exactly eweight of them (zero when unusable).
func (c *chashState) adjustOccurrences(s Server) {
	n := s.LBNode()
	r := c.partition(n)
	want := 0
	if n.Usable() {
		want = n.Eweight
		if want > len(n.occ) {
			want = len(n.occ)
		}
	}
	for n.occNow > want {
		n.occNow--
		occ := n.occ[n.occNow]
		if c.haveLast && c.last == occ {
			c.haveLast = false
		}
		r.t.Delete(occ)
	}
	for n.occNow < want {
		r.t.ReplaceOrInsert(n.occ[n.occNow])
		n.occNow++
	}
}

// pick maps key onto the ring and returns the closer of the two
// neighbouring occurrences (with wrap-around). Saturation is not
// considered: a hashed request sticks to its server and queues there.
func (c *chashState) pick(key uint32, _ Server) Server {
	var root *ring
	switch {
	case c.d.srvAct > 0:
		root = c.act
	case c.d.fbck != nil:
		return c.d.fbck
	case c.d.srvBck > 0:
		root = c.bck
	default:
		return nil
	}

	var next, prev ringOcc
	var haveNext, havePrev bool
	root.t.AscendGreaterOrEqual(ringOcc{key: key}, func(occ ringOcc) bool {
		next, haveNext = occ, true
		return false
	})
	if !haveNext {
		next, haveNext = root.t.Min()
	}
	if !haveNext {
		return nil
	}
	root.t.DescendLessOrEqual(next, func(occ ringOcc) bool {
		if occ == next {
			return true
		}
		prev, havePrev = occ, true
		return false
	})
	if !havePrev {
		prev, havePrev = root.t.Max()
	}
	if !havePrev || prev.s == next.s {
		return next.s
	}

	// between two distinct servers: closest wins
	dp := key - prev.key
	dn := next.key - key
	if dp <= dn {
		return prev.s
	}
	return next.s
}

// pickNext is the round-robin walk used when a request has no hash key:
// continue around the ring from the last handed-out occurrence, skipping
// saturated and avoided servers.
func (c *chashState) pickNext(avoid Server) Server {
	var root *ring
	switch {
	case c.d.srvAct > 0:
		root = c.act
	case c.d.fbck != nil:
		return c.d.fbck
	case c.d.srvBck > 0:
		root = c.bck
	default:
		return nil
	}
	if root.t.Len() == 0 {
		return nil
	}

	var avoided Server
	steps := root.t.Len() + 1
	cur := c.last
	haveCur := c.haveLast
	for i := 0; i < steps; i++ {
		var nxt ringOcc
		var ok bool
		if haveCur {
			root.t.AscendGreaterOrEqual(cur, func(occ ringOcc) bool {
				if occ == cur {
					return true
				}
				nxt, ok = occ, true
				return false
			})
		}
		if !ok {
			nxt, ok = root.t.Min()
		}
		if !ok {
			return nil
		}
		cur, haveCur = nxt, true
		c.last, c.haveLast = cur, true

		s := cur.s
		if !s.IsFull() {
			if s != avoid {
				return s
			}
			avoided = s
		}
	}
	return avoided
}

func (c *chashState) serverDown(s Server) {
	n := s.LBNode()
	if n.Running == n.prevRunning && n.Eweight == n.prevEweight {
		return
	}
	if n.Usable() {
		n.snapshot()
		return
	}
	if !n.prevUsable() {
		n.snapshot()
		return
	}

	if n.Backup {
		c.d.totWbck -= n.prevEweight
		c.d.srvBck--
		c.d.lostBackup(s)
	} else {
		c.d.totWact -= n.prevEweight
		c.d.srvAct--
	}

	c.adjustOccurrences(s)
	n.snapshot()
}

func (c *chashState) serverUp(s Server) {
	n := s.LBNode()
	if n.Running == n.prevRunning && n.Eweight == n.prevEweight {
		return
	}
	if !n.Usable() {
		n.snapshot()
		return
	}
	if n.prevUsable() {
		n.snapshot()
		return
	}

	if n.Backup {
		c.d.totWbck += n.Eweight
		c.d.srvBck++
		c.d.gainedBackup(s)
	} else {
		c.d.totWact += n.Eweight
		c.d.srvAct++
	}

	c.adjustOccurrences(s)
	n.snapshot()
}

func (c *chashState) updateWeight(s Server) {
	n := s.LBNode()
	if n.Running == n.prevRunning && n.Eweight == n.prevEweight {
		return
	}

	oldState, newState := n.prevUsable(), n.Usable()
	switch {
	case !oldState && !newState:
		n.snapshot()
		return
	case !oldState && newState:
		c.serverUp(s)
		return
	case oldState && !newState:
		c.serverDown(s)
		return
	}

	c.adjustOccurrences(s)
	if n.Backup {
		c.d.totWbck += n.Eweight - n.prevEweight
	} else {
		c.d.totWact += n.Eweight - n.prevEweight
	}
	n.snapshot()
}

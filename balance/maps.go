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

// Static round-robin map.
//
// The cheapest discipline: a weight-expanded server array walked by an
// index, rebuilt lazily after any server change. Weight changes are not
// smooth (the whole map rebuilds) but selection is a single array read,
// and the declaration order of equal-weight servers is preserved.

type mapState struct {
	d       *Discipline
	srv     []Server
	rrIdx   int
	recalc  bool
	useBck  bool
	totUser int // sum of user weights of the mapped partition
}

func newMapState(d *Discipline) *mapState {
	return &mapState{d: d, recalc: true}
}

func (m *mapState) init() {
	m.recalc = true
}

// serverChanged covers up, down and weight transitions alike: counters
// are rebuilt from scratch and the map marked for lazy recalculation.
func (m *mapState) serverChanged(s Server) {
	n := s.LBNode()
	if n.Running == n.prevRunning && n.Eweight == n.prevEweight {
		return
	}
	n.snapshot()
	m.d.recount()
	m.recalc = true
}

// rebuild fills the map so that each usable server appears uweight times,
// interleaved by a running weight score. The first declared server always
// lands on slot zero, which keeps single-backup setups deterministic.
func (m *mapState) rebuild() {
	m.recalc = false
	m.useBck = m.d.srvAct == 0
	m.totUser = 0
	for _, s := range m.d.servers {
		n := s.LBNode()
		if n.Usable() && n.Backup == m.useBck {
			m.totUser += n.Uweight
			n.wscore = 0
		}
	}
	m.srv = m.srv[:0]
	if m.totUser == 0 {
		return
	}

	for o := 0; o < m.totUser; o++ {
		var best Server
		bestV := 0
		for _, s := range m.d.servers {
			n := s.LBNode()
			if !n.Usable() || n.Backup != m.useBck {
				continue
			}
			if m.totUser == 1 {
				best = s
				break
			}
			n.wscore += n.Uweight
			v := (n.wscore + m.totUser) / m.totUser
			if best == nil || v > bestV {
				bestV = v
				best = s
			}
		}
		m.srv = append(m.srv, best)
		best.LBNode().wscore -= m.totUser
	}
}

// pickRR walks the map from the saved index, skipping saturated servers
// and preferring anything over the avoided one.
func (m *mapState) pickRR(avoid Server) Server {
	if m.d.srvAct == 0 && m.d.fbck != nil {
		return m.d.fbck
	}
	if m.recalc || m.useBck != (m.d.srvAct == 0) {
		m.rebuild()
	}
	if len(m.srv) == 0 {
		return nil
	}
	if m.rrIdx < 0 || m.rrIdx >= len(m.srv) {
		m.rrIdx = 0
	}

	var avoided Server
	avoidIdx := 0
	newIdx := m.rrIdx
	for {
		srv := m.srv[newIdx]
		newIdx++
		if newIdx == len(m.srv) {
			newIdx = 0
		}
		if !srv.IsFull() {
			if srv != avoid {
				m.rrIdx = newIdx
				return srv
			}
			avoided = srv
			avoidIdx = newIdx
		}
		if newIdx == m.rrIdx {
			break
		}
	}
	if avoided != nil {
		m.rrIdx = avoidIdx
	}
	return avoided
}

// pickHash indexes the map directly with a hash; used for stable source
// or URI hashing without the consistent-hash ring.
func (m *mapState) pickHash(key uint32) Server {
	if m.d.srvAct == 0 && m.d.fbck != nil {
		return m.d.fbck
	}
	if m.recalc || m.useBck != (m.d.srvAct == 0) {
		m.rebuild()
	}
	if len(m.srv) == 0 {
		return nil
	}
	return m.srv[key%uint32(len(m.srv))]
}

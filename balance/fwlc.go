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

// Fast weighted least-connections.
//
// One tree per partition, keyed on served*EweightMax/eweight, so the
// leftmost server is always the least loaded relative to its weight. Every
// served change repositions the server, which keeps selection O(log n)
// with no scanning.

type fwlcState struct {
	d   *Discipline
	act *srvTree
	bck *srvTree
}

func newFwlcState(d *Discipline) *fwlcState {
	return &fwlcState{d: d, act: newSrvTree(d), bck: newSrvTree(d)}
}

func (f *fwlcState) partition(n *Node) *srvTree {
	if n.Backup {
		return f.bck
	}
	return f.act
}

func (f *fwlcState) key(n *Node) uint32 {
	return uint32(n.Served * EweightMax / n.Eweight)
}

func (f *fwlcState) queue(s Server) {
	n := s.LBNode()
	f.partition(n).insert(s, f.key(n))
}

func (f *fwlcState) dequeue(s Server) {
	n := s.LBNode()
	if n.tree != nil {
		n.tree.remove(s)
	}
}

func (f *fwlcState) init() {
	for _, s := range f.d.servers {
		if s.LBNode().Usable() {
			f.queue(s)
		}
	}
}

// reposition re-keys s after its served count moved.
func (f *fwlcState) reposition(s Server) {
	n := s.LBNode()
	if n.tree == nil {
		return
	}
	n.tree.remove(s)
	f.queue(s)
}

// pick returns the least-loaded non-saturated server; ties resolve to the
// longest-queued (leftmost) one. The avoided server is only returned when
// nothing else qualifies.
func (f *fwlcState) pick(avoid Server) Server {
	var root *srvTree
	switch {
	case f.d.srvAct > 0:
		root = f.act
	case f.d.fbck != nil:
		return f.d.fbck
	case f.d.srvBck > 0:
		root = f.bck
	default:
		return nil
	}

	var srv, avoided Server
	root.t.Ascend(func(item srvItem) bool {
		s := item.s
		if s.IsFull() {
			return true
		}
		if s == avoid {
			avoided = s
			return true
		}
		srv = s
		return false
	})
	if srv == nil {
		srv = avoided
	}
	return srv
}

func (f *fwlcState) serverDown(s Server) {
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
		f.d.totWbck -= n.prevEweight
		f.d.srvBck--
		f.d.lostBackup(s)
	} else {
		f.d.totWact -= n.prevEweight
		f.d.srvAct--
	}

	f.dequeue(s)
	n.tree = nil
	n.snapshot()
}

func (f *fwlcState) serverUp(s Server) {
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
		f.d.totWbck += n.Eweight
		f.d.srvBck++
		f.d.gainedBackup(s)
	} else {
		f.d.totWact += n.Eweight
		f.d.srvAct++
	}

	f.queue(s)
	n.snapshot()
}

func (f *fwlcState) updateWeight(s Server) {
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
		f.serverUp(s)
		return
	case oldState && !newState:
		f.serverDown(s)
		return
	}

	f.dequeue(s)
	if n.Backup {
		f.d.totWbck += n.Eweight - n.prevEweight
	} else {
		f.d.totWact += n.Eweight - n.prevEweight
	}
	f.queue(s)
	n.snapshot()
}

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

// Fast weighted round-robin.
//
// Each partition keeps three trees. "curr" holds the servers of the pass
// in progress, ordered by their next emission position; "init" holds
// servers that have not yet entered the rotation (sorted by inverted
// weight so heavy servers come out first); "next" collects servers whose
// position falls beyond the current pass. When curr and init run dry, next
// is swapped in and the position window restarts. A server's position
// advances by next_weight/eweight per pick with the remainder carried in
// rweight, which is what interleaves heavy and light servers smoothly
// instead of emitting bursts.

type fwrrGroup struct {
	curr       *srvTree
	t0, t1     *srvTree
	init, next *srvTree // aliases of t0/t1, swapped as passes complete

	currPos    int
	currWeight int
	nextWeight int
}

type fwrrState struct {
	d   *Discipline
	act fwrrGroup
	bck fwrrGroup
}

func newFwrrState(d *Discipline) *fwrrState {
	f := &fwrrState{d: d}
	for _, grp := range []*fwrrGroup{&f.act, &f.bck} {
		grp.curr = newSrvTree(d)
		grp.t0 = newSrvTree(d)
		grp.t1 = newSrvTree(d)
		grp.init = grp.t0
		grp.next = grp.t1
	}
	return f
}

func (f *fwrrState) group(n *Node) *fwrrGroup {
	if n.Backup {
		return &f.bck
	}
	return &f.act
}

// init builds both partitions' weight trees.
func (f *fwrrState) init() {
	f.act.currPos = f.d.totWact
	f.act.currWeight = f.d.totWact
	f.act.nextWeight = f.d.totWact
	f.bck.currPos = f.d.totWbck
	f.bck.currWeight = f.d.totWbck
	f.bck.nextWeight = f.d.totWbck

	for _, s := range f.d.servers {
		n := s.LBNode()
		if !n.Usable() {
			continue
		}
		f.queueByWeight(f.group(n).init, s)
	}
}

// queueByWeight inserts s sorted by inverted weight; heavy servers first
// gives the smoothest start of a pass.
func (f *fwrrState) queueByWeight(root *srvTree, s Server) {
	root.insert(s, uint32(EweightMax-s.LBNode().Eweight))
}

func (f *fwrrState) dequeue(s Server) {
	n := s.LBNode()
	if n.tree != nil {
		n.tree.remove(s)
	}
}

func (f *fwrrState) removeFromTree(s Server) {
	s.LBNode().tree = nil
}

// queue re-inserts s after its position was updated. Positions that do
// not fit the current pass window go to the next tree with the position
// rebased.
func (f *fwrrState) queue(s Server) {
	n := s.LBNode()
	grp := f.group(n)

	switch {
	case !n.Usable():
		f.removeFromTree(s)
	case n.Eweight <= 0 ||
		n.npos >= 2*grp.currWeight ||
		n.npos >= grp.currWeight+grp.nextWeight:
		n.npos -= grp.currWeight
		f.queueByWeight(grp.next, s)
	default:
		// The key is stored in units of npos*user_weight to stay well
		// inside 32 bits; the low bits rank same-position servers by how
		// much weight credit they still carry.
		key := uint32(UweightRange*n.npos +
			(EweightMax+n.rweight-n.Eweight)/WeightScale)
		grp.curr.insert(s, key)
	}
}

// get prepares a server extracted from whichever tree it was in.
func (f *fwrrState) get(s Server) {
	n := s.LBNode()
	grp := f.group(n)
	switch n.tree {
	case grp.init:
		n.npos, n.rweight = 0, 0
	case grp.next:
		n.npos += grp.currWeight
	case nil:
		// was down; restart at the current position
		n.npos = grp.currPos
	}
}

// switchTrees begins a new pass: init (empty) and next swap, and the
// position window restarts at the new total weight.
func (f *fwrrState) switchTrees(grp *fwrrGroup) {
	grp.init, grp.next = grp.next, grp.init
	grp.currWeight = grp.nextWeight
	grp.currPos = grp.currWeight
}

// fromGroup returns the next candidate of grp: the head of curr unless it
// is absent or beyond the current position (a hole), in which case one
// server is pulled from init. Returns nil when both are empty.
func (f *fwrrState) fromGroup(grp *fwrrGroup) Server {
	s, ok := grp.curr.first()
	if !ok || s.LBNode().npos > grp.currPos {
		// either no server left in curr, or a hole: prefer an init entry
		if s2, ok2 := grp.init.first(); ok2 {
			n := s2.LBNode()
			n.npos, n.rweight = 0, 0
			if n.Eweight == 0 {
				return nil
			}
			return s2
		}
	}
	if !ok {
		return nil
	}
	return s
}

// updatePosition advances s by one emission: npos moves next_weight/eweight
// ahead with the division remainder accumulated in rweight and carried
// over as a whole extra step once it reaches eweight.
func (f *fwrrState) updatePosition(grp *fwrrGroup, s Server) {
	n := s.LBNode()
	if n.npos == 0 {
		n.lpos = grp.currPos
		n.npos = grp.currPos + grp.nextWeight/n.Eweight
	} else {
		n.lpos = n.npos
		n.npos += grp.nextWeight / n.Eweight
	}
	n.rweight += grp.nextWeight % n.Eweight
	if n.rweight >= n.Eweight {
		n.rweight -= n.Eweight
		n.npos++
	}
}

// pick returns the next server of the rotation, skipping saturated ones
// and, if possible, the avoided one. Skipped servers are re-queued at the
// positions they would have had; after a tree switch their positions are
// meaningless, so they re-enter through the weight-sorted init tree.
func (f *fwrrState) pick(avoid Server) Server {
	var grp *fwrrGroup
	switch {
	case f.d.srvAct > 0:
		grp = &f.act
	case f.d.fbck != nil:
		return f.d.fbck
	case f.d.srvBck > 0:
		grp = &f.bck
	default:
		return nil
	}

	switched := false
	var avoided Server
	var full Server // chain of saturated servers, linked through nextFull
	var srv Server

	for {
		if grp.currWeight == 0 {
			// collect weights which might have recently changed
			grp.currPos = grp.nextWeight
			grp.currWeight = grp.nextWeight
		}

		for {
			srv = f.fromGroup(grp)
			if srv != nil {
				break
			}
			if switched {
				if avoided != nil {
					// nothing better: take the avoided server after all
					srv = avoided
					break
				}
				goto requeue
			}
			switched = true
			f.switchTrees(grp)
		}

		// The server may be saturated; update its position and dequeue it
		// anyway so it can be moved to a better place afterwards.
		f.updatePosition(grp, srv)
		f.dequeue(srv)
		grp.currPos++
		if !srv.IsFull() {
			if srv != avoid || avoided != nil {
				break
			}
			avoided = srv // selected yet avoided
		}

		srv.LBNode().nextFull = full
		full = srv
	}

	f.queue(srv)

requeue:
	// Requeue all extracted servers. If srv sits in the chain it was
	// avoided unsuccessfully; it was requeued above, so skip it here.
	// After a tree switch positions are meaningless, so skipped servers
	// re-enter through the weight-sorted init tree.
	for full != nil {
		next := full.LBNode().nextFull
		full.LBNode().nextFull = nil
		if full != srv {
			if switched {
				f.queueByWeight(grp.init, full)
			} else {
				f.queue(full)
			}
		}
		full = next
	}
	return srv
}

// serverDown removes s from the rotation after it became unusable.
func (f *fwrrState) serverDown(s Server) {
	n := s.LBNode()
	if n.Running == n.prevRunning && n.Eweight == n.prevEweight {
		return
	}
	if n.Usable() {
		n.snapshot()
		return
	}
	if !n.prevUsable() {
		// was already down
		n.snapshot()
		return
	}

	grp := f.group(n)
	grp.nextWeight -= n.prevEweight
	if n.Backup {
		f.d.totWbck = f.bck.nextWeight
		f.d.srvBck--
		f.d.lostBackup(s)
	} else {
		f.d.totWact = f.act.nextWeight
		f.d.srvAct--
	}

	f.dequeue(s)
	f.removeFromTree(s)
	n.snapshot()
}

// serverUp inserts s into the rotation after it became usable, at a
// position far enough ahead that it does not monopolise the next picks.
func (f *fwrrState) serverUp(s Server) {
	n := s.LBNode()
	if n.Running == n.prevRunning && n.Eweight == n.prevEweight {
		return
	}
	if !n.Usable() {
		n.snapshot()
		return
	}
	if n.prevUsable() {
		// was already up
		n.snapshot()
		return
	}

	grp := f.group(n)
	grp.nextWeight += n.Eweight
	if n.Backup {
		f.d.totWbck = f.bck.nextWeight
		f.d.srvBck++
		f.d.gainedBackup(s)
	} else {
		f.d.totWact = f.act.nextWeight
		f.d.srvAct++
	}

	f.get(s)
	n.npos = grp.currPos + (grp.nextWeight+grp.currWeight-grp.currPos)/n.Eweight
	f.queue(s)
	n.snapshot()
}

// updateWeight repositions s after an effective-weight change; a change
// that flips usability is routed through the up/down paths.
func (f *fwrrState) updateWeight(s Server) {
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

	grp := f.group(n)
	grp.nextWeight = grp.nextWeight - n.prevEweight + n.Eweight
	f.d.totWact = f.act.nextWeight
	f.d.totWbck = f.bck.nextWeight

	switch n.tree {
	case grp.init:
		f.dequeue(s)
		f.queueByWeight(grp.init, s)
	case nil:
		f.dequeue(s)
		f.get(s)
		n.npos = grp.currPos + (grp.nextWeight+grp.currWeight-grp.currPos)/n.Eweight
		f.queue(s)
	default:
		// Active or in the next tree. If it has not consumed all of its
		// places in the current pass, adjust the next position in place.
		f.get(s)
		if n.Eweight > 0 {
			prevNext := n.npos
			step := grp.nextWeight / n.Eweight
			n.npos = n.lpos + step
			n.rweight = 0
			if n.npos > prevNext {
				n.npos = prevNext
			}
			if n.npos < grp.currPos+2 {
				n.npos = grp.currPos + step
			}
		} else {
			n.npos = grp.currPos + grp.currWeight
		}
		f.dequeue(s)
		f.queue(s)
	}
	n.snapshot()
}

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

// Package balance implements the load-balancing core: server selection
// under one of four disciplines (weighted round-robin, weighted
// least-connections, consistent hash, static round-robin map) over two
// partitions (active, backup), with server up/down/weight transitions
// applied safely while traffic flows.
//
// Weights are scaled internally by 16 so that small user-weight changes
// modulate the distribution smoothly. A server with effective weight zero
// is excluded from selection regardless of its administrative state.
package balance

import "github.com/strandproxy/strand/internal"

// Weight constants. User weights range 0..256; effective weights are user
// weights times the scale.
const (
	WeightScale  = 16
	UweightRange = 256
	UweightMax   = UweightRange
	EweightRange = UweightRange * WeightScale
	EweightMax   = UweightMax * WeightScale
)

// Server is the balancer's view of a backend server. The concrete type
// lives in the proxy package; the balancer only needs its positional node
// and its saturation status.
type Server interface {
	// LBNode returns the server's positional state. Exactly one Node per
	// server; it must be stable across calls.
	LBNode() *Node
	// IsFull reports whether the server is saturated: it has a maxconn,
	// pending connections are queued or it already serves its dynamic
	// maximum. Saturated servers are skipped by selection.
	IsFull() bool
}

// Node carries the per-server state owned by the balancer. The proxy
// embeds one in each server and mutates only ID, Backup, Running, Uweight
// and Served; everything else belongs to the discipline.
type Node struct {
	// ID is the server's numeric unique id within its backend, used to
	// place consistent-hash ring occurrences.
	ID uint32
	// Backup selects the backup partition.
	Backup bool
	// Running is the collapsed administrative and health state; a server
	// is usable when Running with a non-zero effective weight.
	Running bool
	// Uweight is the configured weight, 0..256.
	Uweight int
	// Served counts in-flight connections, maintained via TakeConn and
	// DropConn.
	Served int

	// Eweight is Uweight scaled by WeightScale; selection granularity.
	Eweight int

	// transition detection snapshots
	prevRunning bool
	prevEweight int

	// FWRR position
	npos, lpos, rweight int

	// current tree membership (any discipline), with the key and sequence
	// under which the item was inserted so it can be deleted in O(log n)
	tree   *srvTree
	curKey uint32
	curSeq uint64

	// consistent-hash ring occurrences
	occ    []ringOcc
	occNow int

	// static-rr map scratch
	wscore int

	// saturated-chain link used during an FWRR pick
	nextFull Server
}

func usable(running bool, eweight int) bool {
	return running && eweight > 0
}

// Usable reports whether the server may currently receive traffic.
func (n *Node) Usable() bool {
	return usable(n.Running, n.Eweight)
}

func (n *Node) prevUsable() bool {
	return usable(n.prevRunning, n.prevEweight)
}

func (n *Node) snapshot() {
	n.prevRunning = n.Running
	n.prevEweight = n.Eweight
}

// Kind selects a discipline.
type Kind uint8

// Disciplines.
const (
	RoundRobin     Kind = iota // fast weighted round-robin
	LeastConn                  // fast weighted least-connections
	ConsistentHash             // hash key mapped onto a ring of weighted occurrences
	StaticRR                   // weight-expanded map with a round-robin index
)

func (k Kind) String() string {
	switch k {
	case RoundRobin:
		return "roundrobin"
	case LeastConn:
		return "leastconn"
	case ConsistentHash:
		return "consistent-hash"
	case StaticRR:
		return "static-rr"
	default:
		return "unknown"
	}
}

// Discipline is one backend's balancer. It is a tagged variant: exactly
// one of the per-kind states is populated and every operation dispatches
// on the kind once. Not safe for concurrent use; the owning worker applies
// server transitions between two scheduler iterations only.
type Discipline struct {
	kind   Kind
	fwrr   *fwrrState
	fwlc   *fwlcState
	chash  *chashState
	srvMap *mapState

	// servers in declaration order; backup rescans walk this
	servers []Server

	srvAct, srvBck   int
	totWact, totWbck int
	fbck             Server
	useAllBackups    bool

	seq uint64 // shared tree-insertion sequence, keeps equal keys FIFO
}

// New returns an empty discipline of the given kind. When useAllBackups
// is false, only the first usable backup server receives traffic once all
// active servers are gone.
func New(kind Kind, useAllBackups bool) *Discipline {
	d := &Discipline{kind: kind, useAllBackups: useAllBackups}
	switch kind {
	case RoundRobin:
		d.fwrr = newFwrrState(d)
	case LeastConn:
		d.fwlc = newFwlcState(d)
	case ConsistentHash:
		d.chash = newChashState(d)
	case StaticRR:
		d.srvMap = newMapState(d)
	}
	return d
}

// Kind returns the discipline kind.
func (d *Discipline) Kind() Kind {
	return d.kind
}

// AddServer registers s with the discipline. The snapshot starts "down"
// so that a server added at runtime enters the structures through the
// ordinary up transition; servers added at configuration time are
// snapshotted by Init instead.
func (d *Discipline) AddServer(s Server) {
	n := s.LBNode()
	n.Eweight = n.Uweight * WeightScale
	n.prevRunning = false
	n.prevEweight = 0
	d.servers = append(d.servers, s)
	if d.kind == ConsistentHash {
		d.chash.initServer(s)
	}
}

// Init builds the selection structures from the registered servers and
// aligns every snapshot with the built state.
func (d *Discipline) Init() {
	d.recount()
	switch d.kind {
	case RoundRobin:
		d.fwrr.init()
	case LeastConn:
		d.fwlc.init()
	case ConsistentHash:
		d.chash.init()
	case StaticRR:
		d.srvMap.init()
	}
	for _, s := range d.servers {
		s.LBNode().snapshot()
	}
}

// recount rebuilds the usable-server counters, total weights and the
// first-backup pointer from scratch.
func (d *Discipline) recount() {
	d.srvAct, d.srvBck = 0, 0
	d.totWact, d.totWbck = 0, 0
	d.fbck = nil
	for _, s := range d.servers {
		n := s.LBNode()
		if !n.Usable() {
			continue
		}
		if n.Backup {
			if d.srvBck == 0 && !d.useAllBackups {
				d.fbck = s
			}
			d.srvBck++
			d.totWbck += n.Eweight
		} else {
			d.srvAct++
			d.totWact += n.Eweight
		}
	}
}

// TotalWeight returns the usable effective weight of the partition
// currently receiving traffic.
func (d *Discipline) TotalWeight() int {
	if d.srvAct > 0 {
		return d.totWact
	}
	return d.totWbck
}

// ActiveServers returns the number of usable non-backup servers.
func (d *Discipline) ActiveServers() int {
	return d.srvAct
}

// BackupServers returns the number of usable backup servers.
func (d *Discipline) BackupServers() int {
	return d.srvBck
}

// Pick selects a server for a request that carries no hash key. avoid,
// when non-nil, is a server the caller just failed on and wants
// rebalanced away from; it is returned only when nothing else is
// eligible. Returns nil when no usable server exists. The hash
// disciplines degrade to a round-robin walk.
func (d *Discipline) Pick(avoid Server) Server {
	switch d.kind {
	case RoundRobin:
		return d.fwrr.pick(avoid)
	case LeastConn:
		return d.fwlc.pick(avoid)
	case ConsistentHash:
		return d.chash.pickNext(avoid)
	case StaticRR:
		return d.srvMap.pickRR(avoid)
	default:
		return nil
	}
}

// PickKey selects a server for a request hashing to key (source address,
// URI or header sample). The non-hash disciplines ignore the key; a
// keyed pick sticks to its server regardless of saturation, so avoid is
// honoured only by the non-hash disciplines.
func (d *Discipline) PickKey(key uint32, avoid Server) Server {
	switch d.kind {
	case RoundRobin:
		return d.fwrr.pick(avoid)
	case LeastConn:
		return d.fwlc.pick(avoid)
	case ConsistentHash:
		return d.chash.pick(key, avoid)
	case StaticRR:
		return d.srvMap.pickHash(key)
	default:
		return nil
	}
}

// ServerUp applies a transition of s towards usable. Safe to call
// redundantly; only an actual usability change mutates the structures.
func (d *Discipline) ServerUp(s Server) {
	switch d.kind {
	case RoundRobin:
		d.fwrr.serverUp(s)
	case LeastConn:
		d.fwlc.serverUp(s)
	case ConsistentHash:
		d.chash.serverUp(s)
	case StaticRR:
		d.srvMap.serverChanged(s)
	}
}

// ServerDown applies a transition of s towards unusable. Safe to call
// redundantly.
func (d *Discipline) ServerDown(s Server) {
	switch d.kind {
	case RoundRobin:
		d.fwrr.serverDown(s)
	case LeastConn:
		d.fwlc.serverDown(s)
	case ConsistentHash:
		d.chash.serverDown(s)
	case StaticRR:
		d.srvMap.serverChanged(s)
	}
}

// UpdateWeight applies an effective-weight change of s, falling back to
// the up/down paths when the change flips usability. Callers update
// Node.Uweight and Node.Eweight first.
func (d *Discipline) UpdateWeight(s Server) {
	switch d.kind {
	case RoundRobin:
		d.fwrr.updateWeight(s)
	case LeastConn:
		d.fwlc.updateWeight(s)
	case ConsistentHash:
		d.chash.updateWeight(s)
	case StaticRR:
		d.srvMap.serverChanged(s)
	}
}

// SetWeight is the admin entry point: it stores the new user weight and
// runs the weight-transition hook. Weights clamp to 0..UweightMax.
func (d *Discipline) SetWeight(s Server, uweight int) {
	if uweight < 0 {
		uweight = 0
	}
	if uweight > UweightMax {
		uweight = UweightMax
	}
	n := s.LBNode()
	n.Uweight = uweight
	n.Eweight = uweight * WeightScale
	d.UpdateWeight(s)
}

// TakeConn tells the discipline s took one more in-flight connection.
func (d *Discipline) TakeConn(s Server) {
	s.LBNode().Served++
	if d.kind == LeastConn {
		d.fwlc.reposition(s)
	}
}

// DropConn tells the discipline s released one in-flight connection.
func (d *Discipline) DropConn(s Server) {
	n := s.LBNode()
	if n.Served > 0 {
		n.Served--
	}
	if d.kind == LeastConn {
		d.fwlc.reposition(s)
	}
}

// lostBackup maintains the first-backup pointer when s leaves the backup
// partition: the next usable backup in declaration order takes over.
func (d *Discipline) lostBackup(s Server) {
	if d.fbck != s {
		return
	}
	d.fbck = nil
	seen := false
	for _, other := range d.servers {
		if other == s {
			seen = true
			continue
		}
		if !seen {
			continue
		}
		n := other.LBNode()
		if n.Backup && n.Usable() {
			d.fbck = other
			return
		}
	}
}

// gainedBackup maintains the first-backup pointer when s joins the backup
// partition: s takes over if it precedes the current first backup in
// declaration order.
func (d *Discipline) gainedBackup(s Server) {
	if d.useAllBackups {
		return
	}
	if d.fbck == nil {
		d.fbck = s
		return
	}
	for _, other := range d.servers {
		if other == s {
			d.fbck = s
			return
		}
		if other == d.fbck {
			return
		}
	}
}

// fullHash spreads a small integer over the 32-bit space; Bob Jenkins'
// full-avalanche integer hash, multiplied by a large prime to spread the
// ring positions further apart.
func fullHash(a uint32) uint32 {
	a = (a + 0x7ed55d16) + (a << 12)
	a = (a ^ 0xc761c23c) ^ (a >> 19)
	a = (a + 0x165667b1) + (a << 5)
	a = (a + 0xd3a2646c) ^ (a << 9)
	a = (a + 0xfd7046c5) + (a << 3)
	a = (a ^ 0xb55a4f09) ^ (a >> 16)
	return a * 3221225473
}

// HashKey hashes an arbitrary sample (source address, URI, header value)
// into a selection key for the consistent-hash discipline.
func HashKey(sample []byte) uint32 {
	return internal.MurmurHash3Sum(sample, 0)
}

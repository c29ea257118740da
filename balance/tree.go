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

// srvItem is one server keyed into an ordered tree. The sequence breaks
// key ties in insertion order, so equal-key servers come out FIFO.
type srvItem struct {
	key uint32
	seq uint64
	s   Server
}

func srvItemLess(a, b srvItem) bool {
	if a.key != b.key {
		return a.key < b.key
	}
	return a.seq < b.seq
}

// srvTree is an ordered server set holding each server at most once. The
// server's Node remembers the key and sequence it was inserted under, so
// removal needs no search. Removing a server from the tree does not clear
// its Node.tree pointer: the round-robin discipline uses that pointer to
// tell which tree a momentarily-extracted server logically belongs to.
type srvTree struct {
	t *btree.BTreeG[srvItem]
	d *Discipline
}

func newSrvTree(d *Discipline) *srvTree {
	return &srvTree{t: btree.NewG(8, srvItemLess), d: d}
}

func (st *srvTree) insert(s Server, key uint32) {
	st.d.seq++
	n := s.LBNode()
	n.tree = st
	n.curKey = key
	n.curSeq = st.d.seq
	st.t.ReplaceOrInsert(srvItem{key: key, seq: st.d.seq, s: s})
}

// remove extracts s from the tree it was inserted in. Node.tree is left
// alone; see the type comment.
func (st *srvTree) remove(s Server) {
	n := s.LBNode()
	st.t.Delete(srvItem{key: n.curKey, seq: n.curSeq, s: s})
}

func (st *srvTree) first() (Server, bool) {
	item, ok := st.t.Min()
	if !ok {
		return nil, false
	}
	return item.s, true
}

func (st *srvTree) len() int {
	return st.t.Len()
}

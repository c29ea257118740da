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

// Queued is a session waiting in a pending queue.
type Queued interface {
	// PendingAssigned hands the session the server slot it waited for.
	// Implementations must account the slot synchronously (take the
	// connection on srv) and arrange their own wakeup; the queue
	// machinery does not call back twice.
	PendingAssigned(srv *Server)
}

// Pendconn is one queued session. It sits either in a server's queue
// (the session knows its server, which is saturated) or in the backend's
// queue (no server assigned yet).
type Pendconn struct {
	Sess Queued
	Srv  *Server // nil when queued at the backend
	Px   *Proxy

	prev, next *Pendconn
	list       *pendList
}

// pendList is an intrusive FIFO of pending connections.
type pendList struct {
	head, tail *Pendconn
	len        int
}

func (l *pendList) push(pc *Pendconn) {
	pc.list = l
	pc.prev = l.tail
	pc.next = nil
	if l.tail != nil {
		l.tail.next = pc
	} else {
		l.head = pc
	}
	l.tail = pc
	l.len++
}

func (l *pendList) pop() *Pendconn {
	pc := l.head
	if pc == nil {
		return nil
	}
	l.remove(pc)
	return pc
}

func (l *pendList) remove(pc *Pendconn) {
	if pc.list != l {
		return
	}
	if pc.prev != nil {
		pc.prev.next = pc.next
	} else {
		l.head = pc.next
	}
	if pc.next != nil {
		pc.next.prev = pc.prev
	} else {
		l.tail = pc.prev
	}
	pc.prev, pc.next, pc.list = nil, nil, nil
	l.len--
}

// PendAdd queues sess. With srv non-nil the session waits specifically
// for that server (it was picked but saturated); otherwise it waits at
// the backend for whichever server frees up first.
func PendAdd(sess Queued, px *Proxy, srv *Server) *Pendconn {
	pc := &Pendconn{Sess: sess, Srv: srv, Px: px}
	if srv != nil {
		srv.queue.push(pc)
	} else {
		px.queue.push(pc)
	}
	px.TotPend++
	if px.TotPend > px.MaxTotPend {
		px.MaxTotPend = px.TotPend
	}
	return pc
}

// Remove takes pc out of its queue; used on queue timeout and client
// abort. Idempotent: removing an already-dequeued entry does nothing.
func (pc *Pendconn) Remove() {
	if pc.list == nil {
		return
	}
	pc.list.remove(pc)
	pc.Px.TotPend--
}

// Queued reports whether pc still waits in a queue.
func (pc *Pendconn) Queued() bool {
	return pc.list != nil
}

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
	"github.com/google/uuid"
	"github.com/strandproxy/strand/balance"
	"github.com/strandproxy/strand/config"
)

// SrvState is a server's collapsed administrative and health state.
type SrvState uint8

// Server states. Only a running server receives new traffic.
const (
	SrvRunning SrvState = iota
	SrvMaintenance
	SrvDownByCheck
	SrvStopping
)

func (st SrvState) String() string {
	switch st {
	case SrvRunning:
		return "UP"
	case SrvMaintenance:
		return "MAINT"
	case SrvDownByCheck:
		return "DOWN"
	case SrvStopping:
		return "STOPPING"
	default:
		return "?"
	}
}

// Server is one member of a backend. It is created at configuration or
// admin time and lives until process exit; sessions reference it through
// validated assignment, never own it.
type Server struct {
	Name string
	// ID is the admin-facing identity, stable across state changes.
	ID uuid.UUID
	// Addr is the network endpoint, host:port.
	Addr string
	// Backend owns this server.
	Backend *Proxy

	State SrvState
	// Maxconn caps concurrent connections; 0 means unlimited.
	Maxconn int
	// Check holds the health-check parameters for the external check
	// driver; the core only reacts to the transitions it produces.
	Check config.Check

	node  balance.Node
	queue pendList

	// CumSess counts sessions ever assigned.
	CumSess int64
	// FailedConns counts connect attempts that errored or timed out.
	FailedConns int64
}

// LBNode implements balance.Server.
func (s *Server) LBNode() *balance.Node {
	return &s.node
}

// IsFull implements balance.Server: the server cannot take another
// connection right now and has no free ride through its pending queue.
func (s *Server) IsFull() bool {
	return s.Maxconn > 0 && (s.queue.len > 0 || s.node.Served >= s.DynamicMaxconn())
}

// Served returns the number of in-flight connections.
func (s *Server) Served() int {
	return s.node.Served
}

// NbPend returns the number of sessions queued on this server.
func (s *Server) NbPend() int {
	return s.queue.len
}

// Weight returns the user-facing weight.
func (s *Server) Weight() int {
	return s.node.Uweight
}

// Backup reports whether the server belongs to the backup partition.
func (s *Server) Backup() bool {
	return s.node.Backup
}

// Usable reports whether the server may receive new traffic.
func (s *Server) Usable() bool {
	return s.node.Usable()
}

// DynamicMaxconn returns the current connection ceiling. Below the
// backend's fullconn load the ceiling ramps down proportionally, so a
// lightly-loaded farm keeps per-server concurrency low and leaves
// headroom for bursts; at or beyond fullconn the configured maxconn
// applies. Always at least 1 when a maxconn is set.
func (s *Server) DynamicMaxconn() int {
	if s.Maxconn == 0 {
		return 0
	}
	fullconn := s.Backend.Fullconn
	if fullconn == 0 || s.Backend.BeConn >= fullconn {
		return s.Maxconn
	}
	dyn := s.Maxconn * s.Backend.BeConn / fullconn
	if dyn < 1 {
		dyn = 1
	}
	return dyn
}

// SetState applies a state transition and updates the load balancer. The
// discipline's own precondition checks make redundant calls harmless.
func (s *Server) SetState(st SrvState) {
	s.State = st
	s.node.Running = st == SrvRunning
	if s.node.Usable() {
		s.Backend.LB.ServerUp(s)
	} else {
		s.Backend.LB.ServerDown(s)
	}
}

// SetWeight re-weights the server through the discipline.
func (s *Server) SetWeight(weight int) {
	s.Backend.LB.SetWeight(s, weight)
}

// TakeConn accounts one connection taken on the server.
func (s *Server) TakeConn() {
	s.CumSess++
	s.Backend.LB.TakeConn(s)
}

// DropConn releases one connection and promotes pending sessions that now
// fit under the dynamic ceiling.
func (s *Server) DropConn() {
	s.Backend.LB.DropConn(s)
	s.processQueue()
}

// processQueue hands freed slots to waiting sessions, server queue first,
// then the backend's unassigned queue, in FIFO order. PendingAssigned
// accounts the slot synchronously (see Queued), so each iteration
// consumes real capacity.
func (s *Server) processQueue() {
	if !s.Usable() {
		return
	}
	for s.Maxconn == 0 || s.node.Served < s.DynamicMaxconn() {
		pc := s.queue.pop()
		if pc == nil {
			pc = s.Backend.queue.pop()
		}
		if pc == nil {
			return
		}
		pc.Px.TotPend--
		pc.Sess.PendingAssigned(s)
	}
}

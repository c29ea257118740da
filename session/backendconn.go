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

package session

import (
	"time"

	"github.com/strandproxy/strand/balance"
	"github.com/strandproxy/strand/poller"
	"github.com/strandproxy/strand/proxy"
	"github.com/strandproxy/strand/tick"
	"golang.org/x/sys/unix"
)

// turnAround spreads retries after a connect failure so a burst of
// failures does not hammer a struggling server.
const turnAround = time.Second

type connResult uint8

const (
	connIdle connResult = iota
	connPending
	connOK
	connErr
)

// updateBackend advances the server-side stream interface by one step.
// The caller loops while the state keeps changing.
func (s *Session) updateBackend(now tick.Tick) {
	switch s.bck.State {
	case SIIni:
		if s.an == 0 && !s.tarpitted && s.errClass == ErrNone {
			s.bck.setState(SIReq)
		}

	case SIReq:
		s.prepareConnReq(now)

	case SIQue:
		switch {
		case s.pend == nil && s.srv != nil:
			// promoted by a freed slot
			s.stampQueue()
			s.bck.armExp(tick.Eternity)
			s.bck.setState(SIAss)
		case s.req.Flags&BfReadErr != 0:
			s.unqueue()
			s.terminate(ErrCliCl, FinQ)
		case s.bck.Expired:
			s.unqueue()
			s.srvFailure()
			s.terminate(ErrSrvTo, FinQ)
		}

	case SITar:
		switch {
		case s.req.Flags&BfReadErr != 0:
			s.terminate(ErrCliCl, FinC)
		case s.bck.Expired:
			s.bck.armExp(tick.Eternity)
			if s.assigned {
				s.bck.setState(SIAss)
			} else {
				s.bck.setState(SIReq)
			}
		}

	case SIAss:
		s.startConnect(now)

	case SICon:
		switch {
		case s.connResult == connOK:
			s.established(now)
		case s.connResult == connErr:
			s.connectFailed(false)
		case s.bck.Expired:
			s.connectFailed(true)
		}

	case SICer:
		s.retryOrGiveUp(now)

	case SIEst, SIDis, SIClo:
	}
}

// prepareConnReq tries to assign a server: pick one, queue on it when
// saturated, queue at the backend when every server is saturated, or
// fail when the whole farm is gone.
func (s *Session) prepareConnReq(now tick.Tick) {
	if s.be == nil {
		s.terminate(ErrInternal, FinR)
		return
	}
	if s.srv == nil || !s.assigned {
		var avoid balance.Server
		if s.prevSrv != nil {
			avoid = s.prevSrv
		}
		var picked balance.Server
		if s.be.LB.Kind() == balance.ConsistentHash {
			picked = s.be.LB.PickKey(balance.HashKey(s.src.To4()), avoid)
		} else {
			picked = s.be.LB.Pick(avoid)
		}
		if picked == nil {
			if s.be.LB.TotalWeight() > 0 {
				// servers exist but all are saturated: wait for a slot
				s.pend = proxy.PendAdd(s, s.be, nil)
				s.wasQueued = true
				s.bck.armExp(tick.AddIfSet(now, s.be.Timeouts.Queue))
				s.bck.setState(SIQue)
				return
			}
			s.be.Counters.FailedConns++
			s.terminate(ErrDown, FinC)
			return
		}
		s.srv = picked.(*proxy.Server)
		s.assigned = true
	}

	if s.srv.IsFull() {
		s.pend = proxy.PendAdd(s, s.be, s.srv)
		s.wasQueued = true
		s.bck.armExp(tick.AddIfSet(now, s.be.Timeouts.Queue))
		s.bck.setState(SIQue)
		return
	}
	s.stampQueue()
	s.bck.setState(SIAss)
}

// PendingAssigned implements proxy.Queued: a slot opened up. The slot is
// accounted here, synchronously, per the Queued contract; the state
// machine advances on the task's next run.
func (s *Session) PendingAssigned(srv *proxy.Server) {
	s.pend = nil
	s.srv = srv
	s.assigned = true
	srv.TakeConn()
	s.srvTaken = true
	s.wake()
}

func (s *Session) unqueue() {
	if s.pend != nil {
		s.pend.Remove()
		s.pend = nil
	}
}

// startConnect opens the server-side socket and issues the non-blocking
// connect.
func (s *Session) startConnect(now tick.Tick) {
	if !s.srvTaken {
		s.srv.TakeConn()
		s.srvTaken = true
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		s.env.Log.Error().Err(err).Str("server", s.srv.Name).
			Msg("emerg: out of sockets on server connect")
		s.terminate(ErrResource, FinC)
		return
	}
	sa, err := resolveAddr(s.srv.Addr)
	if err != nil {
		unix.Close(fd)
		s.env.Log.Error().Err(err).Str("server", s.srv.Name).
			Msg("unresolvable server address")
		s.terminate(ErrInternal, FinC)
		return
	}

	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		s.bck.setState(SICon)
		s.connectFailed(false)
		return
	}

	s.bck.FD = fd
	s.connResult = connPending
	pol := s.env.Sched.Poller()
	pol.Register(fd, s.bckRead, s.bckWrite)
	pol.Set(fd, poller.DirWrite)
	s.bck.armExp(tick.AddIfSet(now, s.be.Timeouts.Connect))
	s.bck.setState(SICon)
}

// established completes the server connection.
func (s *Session) established(now tick.Tick) {
	s.connResult = connIdle
	s.bck.armExp(tick.Eternity)
	s.bck.setState(SIEst)
	s.tConnect = s.env.Clock.Since(s.tAccept)
	s.srvExp = tick.AddIfSet(now, s.be.Timeouts.Server)
	if len(s.respRules) > 0 {
		s.an |= anRespContent
		s.respExp = tick.AddIfSet(now, s.be.RespInspectDelay)
	}
}

// connectFailed releases the failed attempt and routes to the retry
// decision.
func (s *Session) connectFailed(timedOut bool) {
	if s.bck.FD >= 0 {
		s.env.Sched.Poller().Remove(s.bck.FD)
		unix.Close(s.bck.FD)
		s.bck.FD = -1
	}
	s.connResult = connIdle
	s.bck.Expired = false
	s.bck.armExp(tick.Eternity)
	if s.srvTaken {
		s.srv.DropConn()
		s.srvTaken = false
	}
	s.srvFailure()
	s.connTimedOut = timedOut
	s.bck.setState(SICer)
}

func (s *Session) srvFailure() {
	if s.srv != nil {
		s.srv.FailedConns++
	}
	if s.be != nil {
		s.be.Counters.FailedConns++
	}
}

// retryOrGiveUp implements the retry policy: up to Retries extra
// attempts, each after a turn-around delay; when redispatching is allowed
// the last attempt may move to another server, avoiding the failing one.
func (s *Session) retryOrGiveUp(now tick.Tick) {
	if s.retriesLeft <= 0 {
		if s.connTimedOut {
			s.terminate(ErrSrvTo, FinC)
		} else {
			s.terminate(ErrSrvCl, FinC)
		}
		return
	}
	s.retriesLeft--
	s.be.Counters.RetryWarns++

	if s.be.Redispatch && s.retriesLeft == 0 && s.srv != nil {
		// last chance: let the balancer move us elsewhere
		s.prevSrv = s.srv
		s.srv = nil
		s.assigned = false
		s.be.Counters.Redispatches++
	}

	s.bck.armExp(tick.Add(now, turnAround))
	s.bck.setState(SITar)
}

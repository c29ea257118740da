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

// Package session implements the per-connection forwarding engine: two
// stream interfaces around two buffers, driven as a task by the
// scheduler. Descriptor callbacks move bytes and set flags; the task
// handler runs the state machine to completion and re-arms descriptor
// interest and timers before returning, so nothing is carried implicitly
// across suspensions.
package session

import (
	"errors"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/strandproxy/strand/internal"
	"github.com/strandproxy/strand/poller"
	"github.com/strandproxy/strand/proxy"
	"github.com/strandproxy/strand/rules"
	"github.com/strandproxy/strand/sched"
	"github.com/strandproxy/strand/tick"
	"golang.org/x/sys/unix"
)

// ErrRejected reports that a connection rule refused the client; the
// descriptor is already closed when New returns it.
var ErrRejected = errors.New("session: rejected by connection rule")

// Env is the worker context a session runs in.
type Env struct {
	Sched *sched.Scheduler
	Clock internal.Clock
	Log   zerolog.Logger
	// Backends resolves a backend by name for switching rules.
	Backends func(name string) *proxy.Proxy
	// RespRules returns a backend's compiled response-inspection rules.
	RespRules func(be *proxy.Proxy) []rules.Rule
	// OnClose runs once at teardown, after counters are released.
	OnClose func(*Session)
}

// Params carries everything accept-time knows about a new session.
type Params struct {
	Frontend *proxy.Proxy
	Listener *proxy.Listener
	FD       int
	Src      net.IP
	// Compiled rule lists of the frontend.
	ConnRules    []rules.Rule
	ContentRules []rules.Rule
	Switches     []rules.Switch
}

type analysers uint8

const (
	anContent analysers = 1 << iota
	anSwitch
	anRespContent
)

// Session is one end-to-end forwarding context.
type Session struct {
	env  Env
	ID   uuid.UUID
	task *sched.Task

	fe       *proxy.Proxy
	be       *proxy.Proxy
	listener *proxy.Listener
	srv      *proxy.Server
	prevSrv  *proxy.Server
	pend     *proxy.Pendconn

	srvTaken bool // a served slot is held on srv
	beTaken  bool // beconn is held on be
	assigned bool // stick to srv across turn-arounds

	cli StreamInterface // client side, si[0]
	bck StreamInterface // server side, si[1]
	req *Buffer         // client -> server
	rep *Buffer         // server -> client

	reqShutDone bool // forwarded client EOF to the server
	repShutDone bool // forwarded server EOF to the client

	contentRules []rules.Rule
	switches     []rules.Switch
	respRules    []rules.Rule
	an           analysers
	inspectExp   tick.Tick
	respExp      tick.Tick
	tarpitted    bool
	tarpitExp    tick.Tick
	src          net.IP

	connResult   connResult
	retriesLeft  int
	connTimedOut bool
	wasQueued    bool

	errClass ErrClass
	finState FinState

	tAccept  time.Time
	tQueue   time.Duration
	tConnect time.Duration
	tClose   time.Duration

	cliExp tick.Tick
	srvExp tick.Tick

	closed bool
}

// New builds a session around an accepted descriptor and schedules its
// first run. Connection rules are applied here; a rejection closes the
// descriptor and returns ErrRejected.
func New(env Env, p Params) (*Session, error) {
	if v := rules.Evaluate(p.ConnRules, &rules.Sample{Src: p.Src}); v == rules.Reject {
		p.Frontend.Counters.DeniedConn++
		unix.Close(p.FD)
		return nil, ErrRejected
	}

	now := env.Sched.Now()
	s := &Session{
		env:          env,
		ID:           uuid.New(),
		fe:           p.Frontend,
		listener:     p.Listener,
		contentRules: p.ContentRules,
		switches:     p.Switches,
		src:          p.Src,
		tAccept:      env.Clock.Now(),
		inspectExp:   tick.Eternity,
		respExp:      tick.Eternity,
		tarpitExp:    tick.Eternity,
		srvExp:       tick.Eternity,
	}
	s.cli = StreamInterface{State: SIEst, FD: p.FD, Exp: tick.Eternity}
	s.bck = StreamInterface{State: SIIni, FD: -1, Exp: tick.Eternity}
	s.req = NewBuffer(DefaultBufSize)
	s.rep = NewBuffer(DefaultBufSize)

	s.an = anSwitch
	if len(p.ContentRules) > 0 || len(p.Switches) > 0 {
		s.an |= anContent
		s.inspectExp = tick.AddIfSet(now, p.Frontend.InspectDelay)
	}
	s.cliExp = tick.AddIfSet(now, p.Frontend.Timeouts.Client)

	p.Frontend.CountAccept()

	s.task = sched.NewTask(s.process)
	pol := env.Sched.Poller()
	pol.Register(p.FD, s.cliRead, s.cliWrite)
	pol.Set(p.FD, poller.DirRead)
	env.Sched.Wake(s.task)
	return s, nil
}

// Accessors used by scenarios, the admin applet and the worker.

// ErrClass returns who ended the session.
func (s *Session) ErrClass() ErrClass { return s.errClass }

// FinState returns where the session was when it ended.
func (s *Session) FinState() FinState { return s.finState }

// Server returns the assigned server, nil before assignment.
func (s *Session) Server() *proxy.Server { return s.srv }

// Backend returns the assigned backend, nil before switching.
func (s *Session) Backend() *proxy.Proxy { return s.be }

// TQueue returns accept-to-assignment time.
func (s *Session) TQueue() time.Duration { return s.tQueue }

// WasQueued reports whether the session ever sat in a pending queue.
func (s *Session) WasQueued() bool { return s.wasQueued }

// Closed reports whether teardown ran.
func (s *Session) Closed() bool { return s.closed }

// process is the task handler: one run-to-completion step of the whole
// session.
func (s *Session) process(now tick.Tick) (tick.Tick, bool) {
	if s.closed {
		return tick.Eternity, true
	}

	s.observeTimeouts(now)
	s.handleClientEvents()

	if s.an&(anContent|anSwitch) != 0 && !s.tarpitted && s.errClass == ErrNone {
		s.analyse(now)
	}
	if s.an&anRespContent != 0 && s.errClass == ErrNone {
		s.analyseResp(now)
	}
	if s.tarpitted {
		s.processTarpit(now)
	}

	for s.errClass == ErrNone {
		before := s.bck.State
		s.updateBackend(now)
		if s.bck.State == before {
			break
		}
	}

	s.forward(now)

	if s.cli.State == SIClo && s.bck.State == SIClo {
		s.teardown()
		return tick.Eternity, true
	}
	s.armIO()
	return s.nextExp(), false
}

func (s *Session) observeTimeouts(now tick.Tick) {
	if tick.IsExpired(s.bck.Exp, now) {
		s.bck.Expired = true
	}
	if s.errClass == ErrNone && tick.IsExpired(s.cliExp, now) {
		s.terminate(ErrCliTo, FinUnknown)
		return
	}
	if s.errClass == ErrNone && s.bck.State == SIEst && tick.IsExpired(s.srvExp, now) {
		s.terminate(ErrSrvTo, FinUnknown)
	}
}

// handleClientEvents reacts to error flags the descriptor callbacks left
// behind. A plain client EOF is not an error: the proxy keeps forwarding
// buffered data and the server's response (half-close).
func (s *Session) handleClientEvents() {
	if s.errClass != ErrNone {
		return
	}
	if s.req.Flags&BfReadErr != 0 || s.rep.Flags&BfWriteErr != 0 {
		switch s.bck.State {
		case SIQue, SITar:
			// these states check the abort themselves to release
			// queue slots first
		default:
			s.terminate(ErrCliCl, FinUnknown)
		}
	}
	if s.errClass == ErrNone && (s.rep.Flags&BfReadErr != 0 || s.req.Flags&BfWriteErr != 0) {
		s.terminate(ErrSrvCl, FinUnknown)
	}
}

// analyse runs the content stage: inspection rules, then backend
// switching. Undecided conditions suspend the stage until more data, an
// input close, or the inspect-delay expiry forces a conclusion.
func (s *Session) analyse(now tick.Tick) {
	full := s.req.Full() || s.req.Flags&BfShutR != 0 || tick.IsExpired(s.inspectExp, now)
	sample := rules.Sample{Src: s.src, Data: s.req.Bytes(), Full: full}

	if s.an&anContent != 0 {
		switch rules.Evaluate(s.contentRules, &sample) {
		case rules.Miss:
			return
		case rules.Reject:
			s.fe.Counters.DeniedReq++
			s.fe.ErrSnap.CaptureReq(proxy.ErrSnapshot{
				When:    s.env.Clock.Now(),
				Session: s.ID.String(),
				Reason:  "content rule reject",
				Excerpt: s.req.Bytes(),
			})
			s.terminate(ErrPrxCond, FinR)
			return
		case rules.Tarpit:
			s.fe.Counters.DeniedReq++
			s.tarpitted = true
			s.tarpitExp = tick.AddIfSet(now, s.fe.Timeouts.Tarpit)
			s.an = 0
			return
		case rules.Accept, rules.Continue:
			s.an &^= anContent
		}
	}

	if s.an&anSwitch != 0 {
		be := s.fe.DefaultBackend
		if len(s.switches) > 0 {
			name, v := rules.EvaluateSwitches(s.switches, &sample)
			switch v {
			case rules.Miss:
				return
			case rules.Accept:
				if target := s.env.Backends(name); target != nil {
					be = target
				}
			case rules.Continue, rules.Reject, rules.Tarpit:
			}
		}
		if be == nil {
			s.terminate(ErrInternal, FinR)
			return
		}
		s.setBackend(be)
		s.an &^= anSwitch
	}
}

func (s *Session) setBackend(be *proxy.Proxy) {
	s.be = be
	be.BeConn++
	be.Counters.CumSess++
	s.beTaken = true
	s.retriesLeft = be.Retries
	if s.env.RespRules != nil {
		s.respRules = s.env.RespRules(be)
	}
}

// analyseResp inspects the server's response while it is withheld from
// the client; a rejection counts as a denied response.
func (s *Session) analyseResp(now tick.Tick) {
	full := s.rep.Full() || s.rep.Flags&BfShutR != 0 || tick.IsExpired(s.respExp, now)
	sample := rules.Sample{Src: s.src, Data: s.rep.Bytes(), Full: full}
	switch rules.Evaluate(s.respRules, &sample) {
	case rules.Miss:
		return
	case rules.Reject, rules.Tarpit:
		s.fe.Counters.DeniedResp++
		s.be.Counters.DeniedResp++
		s.be.ErrSnap.CaptureResp(proxy.ErrSnapshot{
			When:    s.env.Clock.Now(),
			Server:  s.srv.Name,
			Session: s.ID.String(),
			Reason:  "response rule reject",
			Excerpt: s.rep.Bytes(),
		})
		s.terminate(ErrPrxCond, FinH)
	case rules.Accept, rules.Continue:
		s.an &^= anRespContent
		s.respExp = tick.Eternity
	}
}

// processTarpit holds the connection open doing nothing until the tarpit
// timeout, then drops it. The client pays for its request with a slot.
func (s *Session) processTarpit(now tick.Tick) {
	if s.errClass != ErrNone {
		return
	}
	if s.req.Flags&BfReadErr != 0 || tick.IsExpired(s.tarpitExp, now) {
		s.terminate(ErrPrxCond, FinT)
	}
}

// forward propagates EOFs once the corresponding buffer drained, refreshes
// inactivity deadlines on progress, and detects normal completion.
func (s *Session) forward(now tick.Tick) {
	if s.closed || s.cli.State == SIClo {
		return
	}

	// timeout refreshes from I/O activity
	if s.req.Flags&BfReadActivity != 0 {
		s.cliExp = tick.AddIfSet(now, s.fe.Timeouts.Client)
		s.req.Flags &^= BfReadActivity
	}
	if s.rep.Flags&BfReadActivity != 0 {
		s.srvExp = tick.AddIfSet(now, s.be.Timeouts.Server)
		s.rep.Flags &^= BfReadActivity
	}
	if s.rep.Flags&BfWriteActivity != 0 {
		if s.be == nil || !s.be.IndependentStreams {
			s.cliExp = tick.AddIfSet(now, s.fe.Timeouts.Client)
		}
		s.rep.Flags &^= BfWriteActivity
	}
	if s.req.Flags&BfWriteActivity != 0 {
		if s.be != nil && !s.be.IndependentStreams {
			s.srvExp = tick.AddIfSet(now, s.be.Timeouts.Server)
		}
		s.req.Flags &^= BfWriteActivity
	}

	if s.errClass != ErrNone {
		return
	}

	// client EOF reaches the server once the request buffer drained
	if s.req.Flags&BfShutR != 0 && s.req.Empty() && !s.reqShutDone &&
		(s.bck.State == SIEst || s.bck.State == SIDis) {
		unix.Shutdown(s.bck.FD, unix.SHUT_WR)
		s.reqShutDone = true
		if s.bck.State == SIEst {
			s.bck.setState(SIDis)
		}
	}

	// server EOF reaches the client once the response buffer drained
	if s.rep.Flags&BfShutR != 0 && s.rep.Empty() && !s.repShutDone {
		unix.Shutdown(s.cli.FD, unix.SHUT_WR)
		s.repShutDone = true
		if s.cli.State == SIEst {
			s.cli.setState(SIDis)
		}
		if s.bck.State == SIEst {
			s.bck.setState(SIDis)
		}
	}

	// both directions closed and drained: a complete, error-free exchange
	if s.req.Flags&BfShutR != 0 && s.rep.Flags&BfShutR != 0 &&
		s.req.Empty() && s.rep.Empty() {
		s.terminate(ErrNone, FinUnknown)
	}
}

// armIO re-requests exactly the descriptor interest the current state
// needs; nothing persists across suspensions.
func (s *Session) armIO() {
	if s.closed {
		return
	}
	pol := s.env.Sched.Poller()

	if s.cli.FD >= 0 {
		if s.req.Free() > 0 && s.req.Flags&(BfShutR|BfReadErr) == 0 {
			pol.Set(s.cli.FD, poller.DirRead)
		} else {
			pol.Clr(s.cli.FD, poller.DirRead)
		}
		// the response stays withheld while its inspection is undecided
		if !s.rep.Empty() && s.rep.Flags&BfWriteErr == 0 && s.an&anRespContent == 0 {
			pol.Set(s.cli.FD, poller.DirWrite)
		} else {
			pol.Clr(s.cli.FD, poller.DirWrite)
		}
	}

	if s.bck.FD >= 0 {
		switch s.bck.State {
		case SICon:
			pol.Set(s.bck.FD, poller.DirWrite)
		case SIEst, SIDis:
			if s.rep.Free() > 0 && s.rep.Flags&(BfShutR|BfReadErr) == 0 {
				pol.Set(s.bck.FD, poller.DirRead)
			} else {
				pol.Clr(s.bck.FD, poller.DirRead)
			}
			if !s.req.Empty() && s.req.Flags&BfWriteErr == 0 {
				pol.Set(s.bck.FD, poller.DirWrite)
			} else {
				pol.Clr(s.bck.FD, poller.DirWrite)
			}
		case SIIni, SIReq, SIQue, SITar, SIAss, SICer, SIClo:
		}
	}
}

func (s *Session) nextExp() tick.Tick {
	exp := tick.First(s.cliExp, s.bck.Exp)
	if s.bck.State == SIEst {
		exp = tick.First(exp, s.srvExp)
	}
	if s.an&(anContent|anSwitch) != 0 {
		exp = tick.First(exp, s.inspectExp)
	}
	if s.an&anRespContent != 0 {
		exp = tick.First(exp, s.respExp)
	}
	if s.tarpitted {
		exp = tick.First(exp, s.tarpitExp)
	}
	return exp
}

func (s *Session) stampQueue() {
	if s.tQueue == 0 {
		s.tQueue = s.env.Clock.Since(s.tAccept)
	}
}

// terminate records the failure classification (first writer wins) and
// shuts both sides down. Safe to call more than once.
func (s *Session) terminate(err ErrClass, fin FinState) {
	if s.errClass == ErrNone {
		s.errClass = err
	}
	if s.finState == FinUnknown {
		if fin == FinUnknown && err != ErrNone {
			fin = s.stageFin()
		}
		s.finState = fin
	}
	s.shutAll()
}

// stageFin derives the final-state flag from how far the server side got.
func (s *Session) stageFin() FinState {
	switch {
	case s.tarpitted:
		return FinT
	case s.bck.State == SIIni:
		return FinR
	case s.bck.State == SIQue:
		return FinQ
	case s.bck.State < SIEst:
		return FinC
	case s.bck.State == SIEst || s.bck.PrevState == SIEst:
		return FinD
	default:
		return FinL
	}
}

func (s *Session) shutAll() {
	pol := s.env.Sched.Poller()
	if s.cli.FD >= 0 {
		pol.Remove(s.cli.FD)
		unix.Close(s.cli.FD)
		s.cli.FD = -1
	}
	s.cli.setState(SIClo)

	s.unqueue()
	if s.bck.FD >= 0 {
		pol.Remove(s.bck.FD)
		unix.Close(s.bck.FD)
		s.bck.FD = -1
	}
	if s.srvTaken {
		s.srv.DropConn()
		s.srvTaken = false
	}
	s.bck.setState(SIClo)
}

// teardown releases the session's counters exactly once and reports the
// outcome.
func (s *Session) teardown() {
	if s.closed {
		return
	}
	s.closed = true
	s.tClose = s.env.Clock.Since(s.tAccept)

	switch s.errClass {
	case ErrSrvCl, ErrSrvTo, ErrDown:
		if s.be != nil {
			srvName := ""
			if s.srv != nil {
				srvName = s.srv.Name
			}
			s.be.ErrSnap.CaptureResp(proxy.ErrSnapshot{
				When:    s.env.Clock.Now(),
				Server:  srvName,
				Session: s.ID.String(),
				Reason:  s.errClass.String() + "/" + s.finState.String(),
				Excerpt: s.rep.Bytes(),
			})
		}
	case ErrNone, ErrCliTo, ErrCliCl, ErrPrxCond, ErrResource, ErrInternal:
	}

	s.fe.ReleaseFe()
	if s.beTaken {
		s.be.BeConn--
		s.beTaken = false
	}

	evt := s.env.Log.Debug()
	if s.errClass != ErrNone {
		evt = s.env.Log.Info()
	}
	srvName := "-"
	if s.srv != nil {
		srvName = s.srv.Name
	}
	beName := "-"
	if s.be != nil {
		beName = s.be.Name
	}
	evt.Str("session", s.ID.String()).
		Str("frontend", s.fe.Name).
		Str("backend", beName).
		Str("server", srvName).
		Str("term", s.errClass.String()+"/"+s.finState.String()).
		Int64("bytes_in", s.req.Total).
		Int64("bytes_out", s.rep.Total).
		Dur("t_queue", s.tQueue).
		Dur("t_connect", s.tConnect).
		Dur("t_close", s.tClose).
		Msg("session closed")

	if s.env.OnClose != nil {
		s.env.OnClose(s)
	}
}

// Kill force-closes the session immediately; used by hard stop and grace
// expiry. It runs teardown inline and cancels the task.
func (s *Session) Kill(err ErrClass) {
	if s.closed {
		return
	}
	s.terminate(err, FinUnknown)
	s.teardown()
	s.env.Sched.Cancel(s.task)
}

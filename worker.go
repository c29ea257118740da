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

package strand

import (
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/rs/zerolog"
	"github.com/strandproxy/strand/config"
	"github.com/strandproxy/strand/internal"
	"github.com/strandproxy/strand/poller"
	"github.com/strandproxy/strand/proxy"
	"github.com/strandproxy/strand/rules"
	"github.com/strandproxy/strand/sched"
	"github.com/strandproxy/strand/session"
	"github.com/strandproxy/strand/tick"
	"golang.org/x/sys/unix"
)

const (
	listenBacklog = 1024
	// rateRetryDelay is how long a rate-limited listener stays off
	// before probing the window again.
	rateRetryDelay = 100 * time.Millisecond
)

// Options tunes a worker; zero values pick production defaults.
type Options struct {
	Log   zerolog.Logger
	Clock internal.Clock
}

// feRules is a frontend's rule lists, compiled once at worker build.
type feRules struct {
	conn     []rules.Rule
	content  []rules.Rule
	switches []rules.Switch
}

// Worker is one single-threaded proxy engine: a scheduler, a poller, the
// proxies and their sessions. Workers share nothing; a multi-process
// deployment runs several of them on SO_REUSEPORT listeners.
type Worker struct {
	sch   *sched.Scheduler
	clock internal.Clock
	log   zerolog.Logger
	rand  *rand.Rand

	frontends []*proxy.Proxy
	backends  map[string]*proxy.Proxy
	ruleSets  map[*proxy.Proxy]*feRules
	respRules map[*proxy.Proxy][]rules.Rule

	sessions map[*session.Session]struct{}

	stopping bool
	grace    time.Duration
	graceT   *sched.Task

	// NB: only set from tests
	sessionDone func(*session.Session)

	// per-frontend task that re-enables rate-limited listeners
	limitT map[*proxy.Proxy]*sched.Task
}

// NewWorker validates cfg and builds the full proxy tree. The scheduler
// and poller are created here; listeners are bound by Start.
func NewWorker(cfg *config.Config, opts Options) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	clock := opts.Clock
	if clock == nil {
		clock = internal.NewRealClock()
	}

	w := &Worker{
		clock:     clock,
		log:       opts.Log,
		rand:      internal.NewRand(),
		backends:  make(map[string]*proxy.Proxy, len(cfg.Backends)),
		ruleSets:  make(map[*proxy.Proxy]*feRules),
		respRules: make(map[*proxy.Proxy][]rules.Rule),
		sessions:  make(map[*session.Session]struct{}),
		grace:     cfg.Grace,
		limitT:    make(map[*proxy.Proxy]*sched.Task),
	}

	for i := range cfg.Backends {
		be, err := proxy.NewBackend(&cfg.Backends[i], clock)
		if err != nil {
			return nil, err
		}
		w.backends[be.Name] = be
		if len(be.RespContentRules) > 0 {
			compiled, err := rules.Compile(be.RespContentRules)
			if err != nil {
				return nil, fmt.Errorf("backend %s: %w", be.Name, err)
			}
			w.respRules[be] = compiled
		}
	}
	for i := range cfg.Frontends {
		feCfg := &cfg.Frontends[i]
		fe := proxy.NewFrontend(feCfg, clock)
		if feCfg.DefaultBackend != "" {
			fe.DefaultBackend = w.backends[feCfg.DefaultBackend]
		}
		rs := &feRules{}
		var err error
		if rs.conn, err = rules.Compile(feCfg.ConnRules); err != nil {
			return nil, fmt.Errorf("frontend %s: %w", fe.Name, err)
		}
		if rs.content, err = rules.Compile(feCfg.ContentRules); err != nil {
			return nil, fmt.Errorf("frontend %s: %w", fe.Name, err)
		}
		if rs.switches, err = rules.CompileSwitches(feCfg.SwitchRules); err != nil {
			return nil, fmt.Errorf("frontend %s: %w", fe.Name, err)
		}
		w.ruleSets[fe] = rs
		w.frontends = append(w.frontends, fe)
	}

	sch, err := sched.New(clock)
	if err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}
	w.sch = sch
	return w, nil
}

// Scheduler exposes the worker's event loop, mainly so the admin applet
// can post work onto it.
func (w *Worker) Scheduler() *sched.Scheduler {
	return w.sch
}

// Backend returns the named backend, or nil.
func (w *Worker) Backend(name string) *proxy.Proxy {
	return w.backends[name]
}

// Frontends returns the frontends in declaration order.
func (w *Worker) Frontends() []*proxy.Proxy {
	return w.frontends
}

// Sessions returns the number of live sessions.
func (w *Worker) Sessions() int {
	return len(w.sessions)
}

// Start binds and enables every listener.
func (w *Worker) Start() error {
	for _, fe := range w.frontends {
		for _, l := range fe.Listeners {
			if err := l.Bind(listenBacklog); err != nil {
				return err
			}
			w.registerListener(fe, l)
			l.Enable()
			w.log.Info().Str("frontend", fe.Name).Str("addr", l.Addr).Msg("listening")
		}
	}
	return nil
}

func (w *Worker) registerListener(fe *proxy.Proxy, l *proxy.Listener) {
	pol := w.sch.Poller()
	pol.Register(l.FD, w.acceptFunc(fe, l), nil)
	l.Poll = func(enable bool) {
		if l.FD < 0 {
			return
		}
		if enable {
			pol.Set(l.FD, poller.DirRead)
		} else {
			pol.Clr(l.FD, poller.DirRead)
		}
	}
}

// acceptFunc builds the listener's read callback: one accept per
// invocation, with the frontend's admission checks applied before the
// session exists.
func (w *Worker) acceptFunc(fe *proxy.Proxy, l *proxy.Listener) poller.IOFunc {
	return func(int) bool {
		if w.stopping || l.State != proxy.LiReady {
			return false
		}
		if fe.Maxconn > 0 && fe.FeConn >= fe.Maxconn {
			l.MarkFull()
			return false
		}
		if fe.RateLimited() {
			l.MarkLimited()
			w.armLimitRetry(fe)
			return false
		}

		fd, sa, err := l.Accept()
		switch {
		case err == unix.EAGAIN || err == unix.EINTR:
			return false
		case err == unix.EMFILE || err == unix.ENFILE:
			w.log.Error().Err(err).Str("frontend", fe.Name).
				Msg("emerg: out of file descriptors on accept")
			return false
		case err != nil:
			return false
		}
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

		var src net.IP
		if sa4, ok := sa.(*unix.SockaddrInet4); ok {
			src = net.IP(sa4.Addr[:])
		}

		rs := w.ruleSets[fe]
		sess, err := session.New(w.sessionEnv(), session.Params{
			Frontend:     fe,
			Listener:     l,
			FD:           fd,
			Src:          src,
			ConnRules:    rs.conn,
			ContentRules: rs.content,
			Switches:     rs.switches,
		})
		if err != nil {
			// rejected by a connection rule; the fd is already closed
			return true
		}
		w.sessions[sess] = struct{}{}
		return true
	}
}

func (w *Worker) sessionEnv() session.Env {
	return session.Env{
		Sched:     w.sch,
		Clock:     w.clock,
		Log:       w.log,
		Backends:  w.Backend,
		RespRules: func(be *proxy.Proxy) []rules.Rule { return w.respRules[be] },
		OnClose:   w.sessionClosed,
	}
}

// sessionClosed is every session's teardown hook: forget it, re-open
// full listeners, and let Run notice an empty drain.
func (w *Worker) sessionClosed(s *session.Session) {
	delete(w.sessions, s)
	if w.sessionDone != nil {
		w.sessionDone(s)
	}
	for _, fe := range w.frontends {
		if fe.Maxconn > 0 && fe.FeConn >= fe.Maxconn {
			continue
		}
		for _, l := range fe.Listeners {
			if l.State == proxy.LiFull && !w.stopping {
				l.Enable()
			}
		}
	}
}

// armLimitRetry schedules a probe that re-enables the frontend's
// rate-limited listeners once the window frees up. The delay carries a
// little jitter so co-located workers sharing a port do not all retry on
// the same tick.
func (w *Worker) armLimitRetry(fe *proxy.Proxy) {
	t, ok := w.limitT[fe]
	if !ok {
		t = sched.NewTask(func(tick.Tick) (tick.Tick, bool) {
			if w.stopping || fe.RateLimited() {
				return tick.Add(w.sch.Now(), w.limitRetryDelay()), false
			}
			for _, l := range fe.Listeners {
				if l.State == proxy.LiLimited {
					l.Enable()
				}
			}
			return tick.Eternity, true
		})
		w.limitT[fe] = t
	}
	w.sch.Schedule(t, tick.Add(w.sch.Now(), w.limitRetryDelay()))
}

func (w *Worker) limitRetryDelay() time.Duration {
	return rateRetryDelay + time.Duration(w.rand.Int63n(int64(rateRetryDelay/4)))
}

// Run drives the event loop until the worker is stopped and the last
// session drained.
func (w *Worker) Run() error {
	for {
		w.sch.RunOnce()
		if w.stopping && len(w.sessions) == 0 {
			break
		}
	}
	w.unbindAll()
	w.sch.Close()
	w.log.Info().Msg("worker exited")
	return nil
}

// SoftStop starts a graceful shutdown: listeners stop accepting at once,
// sessions drain for the grace period, stragglers are then force-closed.
// Safe to call from any goroutine.
func (w *Worker) SoftStop() {
	w.sch.Post(w.softStop)
}

func (w *Worker) softStop() {
	if w.stopping {
		return
	}
	w.stopping = true
	now := w.sch.Now()
	deadline := tick.Add(now, w.grace)

	for _, fe := range w.frontends {
		fe.State = proxy.PxStopped
		fe.StopTime = deadline
		for _, l := range fe.Listeners {
			l.Pause()
		}
	}
	w.log.Info().Dur("grace", w.grace).Msg("soft stop: draining sessions")

	w.graceT = sched.NewTask(func(tick.Tick) (tick.Tick, bool) {
		w.unbindAll()
		w.killAll()
		return tick.Eternity, true
	})
	w.sch.Schedule(w.graceT, deadline)
}

// HardStop closes every session immediately and exits the loop. Safe to
// call from any goroutine.
func (w *Worker) HardStop() {
	w.sch.Post(func() {
		w.stopping = true
		w.unbindAll()
		w.killAll()
	})
}

// Pause desubscribes all listeners while keeping their sockets bound
// (hot-reload handover). Safe to call from any goroutine.
func (w *Worker) Pause() {
	w.sch.Post(func() {
		for _, fe := range w.frontends {
			fe.State = proxy.PxPaused
			for _, l := range fe.Listeners {
				l.Pause()
			}
		}
		w.log.Info().Msg("listeners paused")
	})
}

// Resume re-enables paused listeners. Safe to call from any goroutine.
func (w *Worker) Resume() {
	w.sch.Post(func() {
		if w.stopping {
			return
		}
		for _, fe := range w.frontends {
			fe.State = proxy.PxReady
			for _, l := range fe.Listeners {
				l.Resume()
			}
		}
		w.log.Info().Msg("listeners resumed")
	})
}

func (w *Worker) unbindAll() {
	for _, fe := range w.frontends {
		for _, l := range fe.Listeners {
			l.Unbind()
		}
	}
}

// killAll force-closes the stragglers: sessions talking to a server go
// down as server-side closes, the rest as client-side closes.
func (w *Worker) killAll() {
	for s := range w.sessions {
		if s.Server() != nil {
			s.Kill(session.ErrSrvCl)
		} else {
			s.Kill(session.ErrCliCl)
		}
	}
}

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

// Package sched runs one worker's cooperative event loop: a FIFO run queue
// of tasks, a timer queue, and a poller. Handlers run to completion and
// re-arm their own timers and descriptor interest before returning; nothing
// is carried implicitly across suspensions. The only suspension point is
// the poller wait.
package sched

import (
	"os"
	"sync"

	"github.com/strandproxy/strand/internal"
	"github.com/strandproxy/strand/poller"
	"github.com/strandproxy/strand/tick"
	"github.com/strandproxy/strand/timer"
	"golang.org/x/sys/unix"
)

// Handler advances a task. It receives the loop's current date and returns
// the next deadline (tick.Eternity for none) or done=true to retire the
// task.
type Handler func(now tick.Tick) (next tick.Tick, done bool)

// Task is a unit of deferred work. It sits either in the run queue
// (runnable now) or in the timer queue (runnable at its expiry), never
// both.
type Task struct {
	handler Handler
	tm      *timer.Timer[*Task]
	queued  bool // member of the run queue
}

// NewTask wraps a handler. The task is inert until woken or scheduled.
func NewTask(h Handler) *Task {
	t := &Task{handler: h}
	t.tm = timer.NewTimer(t)
	return t
}

// Scheduler is one worker's event loop. All methods except Post and
// Deliver must be called from the loop's own goroutine.
type Scheduler struct {
	pol   *poller.Poller
	wheel *timer.Queue[*Task]
	run   []*Task
	now   tick.Tick
	clock internal.Clock

	wakeRd, wakeWr int

	mu      sync.Mutex
	posted  []func()
	sigs    []os.Signal
	sigFns  map[os.Signal]func()
	kicked  bool
	closing bool
}

// New builds a scheduler around its own poller and wakeup pipe.
func New(clock internal.Clock) (*Scheduler, error) {
	pol, err := poller.New()
	if err != nil {
		return nil, err
	}
	s := &Scheduler{
		pol:    pol,
		wheel:  timer.New[*Task](),
		clock:  clock,
		sigFns: make(map[os.Signal]func()),
	}
	s.now = tick.FromTime(clock.Now())
	if err := s.openWakePipe(); err != nil {
		pol.Close()
		return nil, err
	}
	return s, nil
}

func (s *Scheduler) openWakePipe() error {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return err
	}
	for _, fd := range fds {
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return err
		}
	}
	s.wakeRd, s.wakeWr = fds[0], fds[1]
	s.pol.Register(s.wakeRd, s.drainWakePipe, nil)
	s.pol.Set(s.wakeRd, poller.DirRead)
	return nil
}

func (s *Scheduler) drainWakePipe(fd int) bool {
	var buf [64]byte
	n, err := unix.Read(fd, buf[:])
	return err == nil && n > 0
}

// Close releases the poller and the wakeup pipe. Pending tasks are
// dropped.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.pol.Remove(s.wakeRd)
	unix.Close(s.wakeRd)
	unix.Close(s.wakeWr)
	s.pol.Close()
}

// Poller exposes the loop's poller for descriptor registration.
func (s *Scheduler) Poller() *poller.Poller {
	return s.pol
}

// Now returns the loop's current date, refreshed once per iteration.
func (s *Scheduler) Now() tick.Tick {
	return s.now
}

// Wake makes t runnable in the next run-queue pass. A woken task leaves
// the timer queue; its handler decides the next deadline.
func (s *Scheduler) Wake(t *Task) {
	if t.queued {
		return
	}
	s.wheel.Cancel(t.tm)
	t.queued = true
	s.run = append(s.run, t)
}

// Schedule arms t to run at exp. No-op for a task already runnable.
func (s *Scheduler) Schedule(t *Task, exp tick.Tick) {
	if t.queued {
		return
	}
	s.wheel.Schedule(t.tm, exp)
}

// Cancel removes t from wherever it sits. A task currently executing is
// not interrupted; it simply is not requeued here.
func (s *Scheduler) Cancel(t *Task) {
	s.wheel.Cancel(t.tm)
	if t.queued {
		for i, qt := range s.run {
			if qt == t {
				s.run = append(s.run[:i], s.run[i+1:]...)
				break
			}
		}
		t.queued = false
	}
}

// Post queues fn to run at the start of a loop iteration. Safe to call
// from any goroutine; this is how the admin applet and signal goroutine
// inject work between two iterations, so server transitions never land in
// the middle of a selection.
func (s *Scheduler) Post(fn func()) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.posted = append(s.posted, fn)
	s.mu.Unlock()
	s.kick()
}

// RegisterSignal installs fn as the deferred handler for sig. The actual
// work always runs in the loop's signal pass, never in signal context.
func (s *Scheduler) RegisterSignal(sig os.Signal, fn func()) {
	s.mu.Lock()
	s.sigFns[sig] = fn
	s.mu.Unlock()
}

// Deliver records one occurrence of sig and wakes the loop. Safe to call
// from any goroutine.
func (s *Scheduler) Deliver(sig os.Signal) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.sigs = append(s.sigs, sig)
	s.mu.Unlock()
	s.kick()
}

// kick pokes the wakeup pipe so a blocked poller wait returns promptly.
func (s *Scheduler) kick() {
	s.mu.Lock()
	if s.kicked {
		s.mu.Unlock()
		return
	}
	s.kicked = true
	s.mu.Unlock()
	var one = [1]byte{1}
	_, _ = unix.Write(s.wakeWr, one[:])
}

// drainExternal runs the signal pass and posted closures. Returns true if
// anything ran.
func (s *Scheduler) drainExternal() bool {
	s.mu.Lock()
	sigs := s.sigs
	s.sigs = nil
	posted := s.posted
	s.posted = nil
	s.kicked = false
	fns := make([]func(), 0, len(sigs))
	for _, sig := range sigs {
		if fn, ok := s.sigFns[sig]; ok {
			fns = append(fns, fn)
		}
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
	for _, fn := range posted {
		fn()
	}
	return len(fns)+len(posted) > 0
}

// runTasks executes every task runnable at entry. Tasks woken while the
// pass runs wait for the next iteration; the poller wait is clamped to
// zero so they are not delayed.
func (s *Scheduler) runTasks() int {
	n := len(s.run)
	for i := 0; i < n; i++ {
		t := s.run[i]
		t.queued = false
		next, done := t.handler(s.now)
		if done {
			s.wheel.Cancel(t.tm)
			continue
		}
		if !t.queued {
			s.wheel.Schedule(t.tm, next)
		}
	}
	s.run = append(s.run[:0], s.run[n:]...)
	return n
}

// Pending reports whether any task is runnable or armed.
func (s *Scheduler) Pending() bool {
	return len(s.run) > 0 || s.wheel.Len() > 0
}

// RunOnce performs one loop iteration: external work, run queue, timer
// harvest, poller wait. Returns the number of tasks and events processed.
func (s *Scheduler) RunOnce() int {
	processed := 0
	ranExternal := s.drainExternal()
	processed += s.runTasks()

	timeout := poller.MaxDelay
	if first, ok := s.wheel.First(); ok {
		timeout = tick.Remain(s.now, first)
	}
	s.mu.Lock()
	morePending := len(s.sigs) > 0 || len(s.posted) > 0
	s.mu.Unlock()
	if ranExternal || morePending || len(s.run) > 0 {
		timeout = 0
	}

	processed += s.pol.Wait(timeout)

	s.now = tick.FromTime(s.clock.Now())
	s.wheel.ExpireUpTo(s.now, func(tm *timer.Timer[*Task]) {
		t := tm.Data
		if !t.queued {
			t.queued = true
			s.run = append(s.run, t)
		}
	})
	return processed
}

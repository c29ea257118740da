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

// Package poller abstracts readiness notification over non-blocking file
// descriptors. Each registered descriptor is tracked per direction (read,
// write) and moves between four states:
//
//   - idle: no interest.
//   - spec: speculative — the I/O callback is invoked optimistically on the
//     next Wait, without asking the kernel first. New descriptors start
//     here, which saves one syscall on the common accept-then-read and
//     connect-then-write paths.
//   - wait: interest registered with the kernel poller; the callback runs
//     when the kernel reports readiness.
//   - stop: was wait, kernel deregistration is pending.
//
// A direction is never spec and wait at the same time, so the speculative
// list can hold at most all registered descriptors once; Wait bounds the
// number of speculative completions per call so kernel-reported events are
// never starved.
package poller

import (
	"time"
)

// Dir selects one direction of a descriptor.
type Dir uint8

// Directions.
const (
	DirRead  Dir = 0
	DirWrite Dir = 1
)

func (d Dir) String() string {
	if d == DirRead {
		return "read"
	}
	return "write"
}

// IOFunc is a direction callback. It must attempt the I/O and report
// whether it made progress; returning false means the operation would
// block, which demotes a speculative descriptor to kernel polling.
type IOFunc func(fd int) bool

// fdState is the per-direction polling state.
type fdState uint8

const (
	stIdle fdState = iota
	stSpec
	stWait
	stStop
)

const (
	// MaxDelay bounds any single kernel wait so that background
	// bookkeeping (rate counters, management tasks) keeps running.
	MaxDelay = 1000 * time.Millisecond

	// minReturnEvents caps speculative completions inside one Wait call;
	// past this the call returns so polled events get dispatched.
	minReturnEvents = 25

	defaultMaxEvents = 256
)

type fdEntry struct {
	cb      [2]IOFunc
	st      [2]fdState
	kernel  [2]bool // interest currently installed in the kernel poller
	specIdx int     // index in the spec list, -1 when absent
	known   bool
}

// Poller multiplexes readiness for one worker. It is not safe for
// concurrent use; the scheduler owns it. The only cross-thread entry point
// is the wakeup pipe installed by the scheduler itself.
type Poller struct {
	be   backend
	tab  []fdEntry
	spec []int // fds having at least one direction in spec state
}

// New opens a poller backed by the platform's readiness facility.
func New() (*Poller, error) {
	p := &Poller{be: newBackend()}
	if err := p.be.open(); err != nil {
		return nil, err
	}
	return p, nil
}

// Close releases the kernel handle. Registered descriptors are not closed.
func (p *Poller) Close() {
	p.be.close()
}

// Rebuild drops and recreates the kernel handle, re-installing every
// registered interest. It must be called in the child after a fork so the
// two processes do not share one readiness queue.
func (p *Poller) Rebuild() error {
	p.be.close()
	if err := p.be.open(); err != nil {
		return err
	}
	for fd := range p.tab {
		e := &p.tab[fd]
		if !e.known {
			continue
		}
		if e.kernel[DirRead] || e.kernel[DirWrite] {
			if err := p.be.update(fd, e.kernel[DirRead], e.kernel[DirWrite]); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Poller) entry(fd int) *fdEntry {
	for fd >= len(p.tab) {
		grown := make([]fdEntry, max(len(p.tab)*2, fd+64))
		copy(grown, p.tab)
		p.tab = grown
	}
	return &p.tab[fd]
}

// Register installs the direction callbacks for fd. Both directions start
// idle. Registering an fd twice resets it.
func (p *Poller) Register(fd int, onRead, onWrite IOFunc) {
	e := p.entry(fd)
	if e.known {
		p.Remove(fd)
		e = &p.tab[fd]
	}
	*e = fdEntry{cb: [2]IOFunc{onRead, onWrite}, specIdx: -1, known: true}
}

// Set requests interest in one direction of fd. A previously idle
// direction becomes speculative; a direction pending kernel removal is
// simply resurrected. Idempotent.
func (p *Poller) Set(fd int, dir Dir) {
	e := &p.tab[fd]
	switch e.st[dir] {
	case stIdle:
		e.st[dir] = stSpec
		p.specAdd(fd)
	case stStop:
		// still registered with the kernel, cancel the removal
		e.st[dir] = stWait
	case stSpec, stWait:
	}
}

// Clr drops interest in one direction of fd. Kernel deregistration is
// deferred to the next Wait. Idempotent.
func (p *Poller) Clr(fd int, dir Dir) {
	e := &p.tab[fd]
	switch e.st[dir] {
	case stSpec:
		e.st[dir] = stIdle
		p.specMaybeDel(fd)
	case stWait:
		e.st[dir] = stStop
	case stIdle, stStop:
	}
}

// Remove drops all interest in fd and forgets it. The caller closes the
// descriptor afterwards.
func (p *Poller) Remove(fd int) {
	if fd >= len(p.tab) {
		return
	}
	e := &p.tab[fd]
	if !e.known {
		return
	}
	if e.specIdx >= 0 {
		p.specDel(fd)
	}
	if e.kernel[DirRead] || e.kernel[DirWrite] {
		_ = p.be.forget(fd)
	}
	*e = fdEntry{specIdx: -1}
}

func (p *Poller) specAdd(fd int) {
	e := &p.tab[fd]
	if e.specIdx >= 0 {
		return
	}
	e.specIdx = len(p.spec)
	p.spec = append(p.spec, fd)
}

func (p *Poller) specMaybeDel(fd int) {
	e := &p.tab[fd]
	if e.st[DirRead] != stSpec && e.st[DirWrite] != stSpec {
		p.specDel(fd)
	}
}

// specDel removes fd from the speculative list in O(1) by swapping the
// last element into its slot.
func (p *Poller) specDel(fd int) {
	e := &p.tab[fd]
	if e.specIdx < 0 {
		return
	}
	last := len(p.spec) - 1
	moved := p.spec[last]
	p.spec[e.specIdx] = moved
	p.tab[moved].specIdx = e.specIdx
	p.spec = p.spec[:last]
	e.specIdx = -1
}

// syncKernel pushes fd's wanted kernel interest down to the backend.
func (p *Poller) syncKernel(fd int) {
	e := &p.tab[fd]
	wantR := e.st[DirRead] == stWait || e.st[DirRead] == stStop
	wantW := e.st[DirWrite] == stWait || e.st[DirWrite] == stStop
	// stop means "remove at next opportunity", which is now
	if e.st[DirRead] == stStop {
		e.st[DirRead] = stIdle
		wantR = false
	}
	if e.st[DirWrite] == stStop {
		e.st[DirWrite] = stIdle
		wantW = false
	}
	if wantR == e.kernel[DirRead] && wantW == e.kernel[DirWrite] {
		return
	}
	if err := p.be.update(fd, wantR, wantW); err != nil {
		return
	}
	e.kernel[DirRead] = wantR
	e.kernel[DirWrite] = wantW
}

// specPass invokes the callbacks of every speculative direction once.
// Callbacks reporting no progress are demoted to kernel polling. Returns
// the number of callbacks that made progress.
func (p *Poller) specPass() int {
	var done int
	// The list mutates under the callbacks (accept adds, close removes,
	// demotion removes); index-walk and re-check each slot.
	for i := 0; i < len(p.spec); {
		fd := p.spec[i]
		for dir := DirRead; dir <= DirWrite; dir++ {
			e := &p.tab[fd]
			if e.st[dir] != stSpec || e.cb[dir] == nil {
				continue
			}
			if e.cb[dir](fd) {
				done++
				continue
			}
			// the callback may have registered new descriptors and grown
			// the table; re-take the entry before touching it
			e = &p.tab[fd]
			if !e.known || e.st[dir] != stSpec {
				// callback dropped or reconfigured the fd
				continue
			}
			e.st[dir] = stWait
			p.syncKernel(fd)
			p.specMaybeDel(fd)
		}
		if i < len(p.spec) && p.spec[i] == fd {
			i++
		}
	}
	return done
}

// flushStops applies deferred kernel deregistrations and installs interest
// for directions demoted to wait, plus removes stale kernel interest left
// behind by promotions back to spec.
func (p *Poller) flushStops() {
	for fd := range p.tab {
		e := &p.tab[fd]
		if !e.known {
			continue
		}
		wantR := e.st[DirRead] == stWait
		wantW := e.st[DirWrite] == stWait
		if e.st[DirRead] == stStop || e.st[DirWrite] == stStop ||
			wantR != e.kernel[DirRead] || wantW != e.kernel[DirWrite] {
			p.syncKernel(fd)
		}
	}
}

// deliver dispatches one kernel event. The callback runs and, when it made
// progress, the direction is promoted back to speculative so the next I/O
// is attempted without a syscall.
func (p *Poller) deliver(fd int, dir Dir) {
	if fd >= len(p.tab) {
		return
	}
	e := &p.tab[fd]
	if !e.known || e.cb[dir] == nil {
		return
	}
	if e.st[dir] != stWait && e.st[dir] != stStop {
		return
	}
	progressed := e.cb[dir](fd)
	// the callback may have grown the table; re-take the entry
	e = &p.tab[fd]
	if progressed && e.known && e.st[dir] == stWait {
		e.st[dir] = stSpec
		p.specAdd(fd)
	}
}

// Wait runs one polling round: a speculative pass, deferred kernel
// updates, then a kernel wait bounded by timeout and MaxDelay. When the
// speculative pass produced new speculative descriptors (freshly accepted
// connections), one extra speculative pass batches their initial reads.
// Returns the number of events processed.
func (p *Poller) Wait(timeout time.Duration) int {
	processed := 0
	for pass := 0; ; pass++ {
		processed += p.specPass()

		wait := timeout
		if len(p.spec) > 0 || processed > 0 {
			wait = 0
		}
		if wait > MaxDelay {
			wait = MaxDelay
		}
		p.flushStops()
		processed += p.be.wait(int(wait/time.Millisecond), p.deliver)

		if pass >= 1 || len(p.spec) == 0 || processed >= minReturnEvents {
			return processed
		}
		timeout = 0
	}
}

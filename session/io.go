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
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

// Descriptor callbacks. They run inside the poller (speculatively or on a
// kernel event), move bytes between socket and buffer, record what
// happened in buffer flags, and wake the session task. They never advance
// the state machine themselves; the handler does that on its next run.

func (s *Session) cliRead(fd int) bool {
	if s.req.Full() || s.req.Flags&(BfShutR|BfReadErr) != 0 {
		return false
	}
	n, closed, err := s.req.ReadFrom(fd)
	switch {
	case err != nil:
		s.wake()
		return true
	case closed:
		s.req.Flags |= BfShutR
		s.wake()
		return true
	case n > 0:
		s.wake()
		return true
	}
	return false
}

func (s *Session) cliWrite(fd int) bool {
	if s.rep.Empty() {
		return false
	}
	n, err := s.rep.WriteTo(fd)
	if err != nil || n > 0 {
		s.wake()
		return true
	}
	return false
}

func (s *Session) bckRead(fd int) bool {
	if s.bck.State != SIEst && s.bck.State != SIDis {
		return false
	}
	if s.rep.Full() || s.rep.Flags&(BfShutR|BfReadErr) != 0 {
		return false
	}
	n, closed, err := s.rep.ReadFrom(fd)
	switch {
	case err != nil:
		s.wake()
		return true
	case closed:
		s.rep.Flags |= BfShutR
		s.wake()
		return true
	case n > 0:
		s.wake()
		return true
	}
	return false
}

func (s *Session) bckWrite(fd int) bool {
	if s.bck.State == SICon {
		return s.checkConnect(fd)
	}
	if s.bck.State != SIEst && s.bck.State != SIDis {
		return false
	}
	if s.req.Empty() {
		return false
	}
	n, err := s.req.WriteTo(fd)
	if err != nil || n > 0 {
		s.wake()
		return true
	}
	return false
}

// checkConnect resolves a pending connect. Write readiness alone is not
// proof: the speculative pass fires right after connect(2), so the
// peer-name probe distinguishes "connected" from "still in progress".
func (s *Session) checkConnect(fd int) bool {
	if s.connResult != connPending {
		return false
	}
	if _, err := unix.Getpeername(fd); err == nil {
		s.connResult = connOK
		s.wake()
		return true
	}
	soerr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err == nil && soerr == 0 {
		// still in progress
		return false
	}
	s.connResult = connErr
	s.wake()
	return true
}

func (s *Session) wake() {
	s.env.Sched.Wake(s.task)
}

// resolveAddr turns host:port into a connectable IPv4 sockaddr. Name
// resolution belongs to configuration time, not the event loop, so only
// literal addresses are accepted here.
func resolveAddr(addr string) (unix.Sockaddr, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("bad port %q", portStr)
	}
	ip := net.ParseIP(host)
	if ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("bad address %q", host)
	}
	var sa unix.SockaddrInet4
	sa.Port = port
	copy(sa.Addr[:], ip.To4())
	return &sa, nil
}

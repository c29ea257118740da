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
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

// LiState tracks one listening socket through its lifecycle.
type LiState uint8

// Listener states, ordered: a listener only accepts in LiReady.
const (
	LiInit      LiState = iota // not bound yet
	LiAssigned                 // address resolved, socket not yet listening
	LiListening                // bound and listening, not polled
	LiReady                    // polled, accepting
	LiLimited                  // rate-limited, accept paused until a tick
	LiPaused                   // administratively paused (hot reload)
	LiFull                     // frontend maxconn reached
	LiError                    // bind or listen failed
)

func (s LiState) String() string {
	switch s {
	case LiInit:
		return "init"
	case LiAssigned:
		return "assigned"
	case LiListening:
		return "listening"
	case LiReady:
		return "ready"
	case LiLimited:
		return "limited"
	case LiPaused:
		return "paused"
	case LiFull:
		return "full"
	case LiError:
		return "error"
	default:
		return "?"
	}
}

// Listener is one bound socket of a frontend.
type Listener struct {
	Addr     string
	Frontend *Proxy
	FD       int
	State    LiState

	// Poll is installed by the worker; it subscribes or unsubscribes the
	// listener's descriptor for read readiness.
	Poll func(enable bool)
}

// Bind creates the listening socket: non-blocking, close-on-exec, with
// address reuse so hot restarts can rebind immediately, and SO_REUSEPORT
// so multiple workers can share one address.
func (l *Listener) Bind(backlog int) error {
	host, portStr, err := net.SplitHostPort(l.Addr)
	if err != nil {
		l.State = LiError
		return fmt.Errorf("listener %s: %w", l.Addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		l.State = LiError
		return fmt.Errorf("listener %s: bad port: %w", l.Addr, err)
	}
	ip := net.IPv4zero
	if host != "" {
		if ip = net.ParseIP(host); ip == nil {
			l.State = LiError
			return fmt.Errorf("listener %s: bad address", l.Addr)
		}
	}
	l.State = LiAssigned

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		l.State = LiError
		return fmt.Errorf("listener %s: socket: %w", l.Addr, err)
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)

	var sa unix.SockaddrInet4
	sa.Port = port
	copy(sa.Addr[:], ip.To4())
	if err := unix.Bind(fd, &sa); err != nil {
		unix.Close(fd)
		l.State = LiError
		return fmt.Errorf("listener %s: bind: %w", l.Addr, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		l.State = LiError
		return fmt.Errorf("listener %s: listen: %w", l.Addr, err)
	}
	l.FD = fd
	l.State = LiListening
	return nil
}

// BoundAddr returns the address actually bound, which differs from Addr
// when port 0 asked the kernel to pick one.
func (l *Listener) BoundAddr() string {
	if l.State < LiListening || l.FD < 0 {
		return l.Addr
	}
	sa, err := unix.Getsockname(l.FD)
	if err != nil {
		return l.Addr
	}
	if sa4, ok := sa.(*unix.SockaddrInet4); ok {
		ip := net.IPv4(sa4.Addr[0], sa4.Addr[1], sa4.Addr[2], sa4.Addr[3])
		return fmt.Sprintf("%s:%d", ip, sa4.Port)
	}
	return l.Addr
}

// Accept takes one pending connection, returned as a non-blocking,
// close-on-exec descriptor. Returns unix.EAGAIN when none is pending.
func (l *Listener) Accept() (int, unix.Sockaddr, error) {
	return unix.Accept4(l.FD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
}

func (l *Listener) setPoll(enable bool) {
	if l.Poll != nil {
		l.Poll(enable)
	}
}

// Enable starts accepting. Valid from listening, limited, full and
// paused states.
func (l *Listener) Enable() {
	switch l.State {
	case LiListening, LiLimited, LiFull, LiPaused:
		l.State = LiReady
		l.setPoll(true)
	case LiInit, LiAssigned, LiReady, LiError:
	}
}

// MarkFull stops accepting because the frontend is at maxconn; a session
// release re-enables the listener.
func (l *Listener) MarkFull() {
	if l.State == LiReady {
		l.State = LiFull
		l.setPoll(false)
	}
}

// MarkLimited stops accepting until the rate window frees up.
func (l *Listener) MarkLimited() {
	if l.State == LiReady {
		l.State = LiLimited
		l.setPoll(false)
	}
}

// Pause desubscribes the listener while keeping the socket open, for
// hot-reload handover. The kernel keeps queueing connections up to the
// backlog.
func (l *Listener) Pause() {
	switch l.State {
	case LiReady, LiLimited, LiFull:
		l.State = LiPaused
		l.setPoll(false)
	case LiInit, LiAssigned, LiListening, LiPaused, LiError:
	}
}

// Resume undoes Pause.
func (l *Listener) Resume() {
	if l.State == LiPaused {
		l.State = LiReady
		l.setPoll(true)
	}
}

// Unbind stops listening for good and closes the socket.
func (l *Listener) Unbind() {
	if l.State >= LiListening && l.State != LiError {
		l.setPoll(false)
		unix.Close(l.FD)
		l.FD = -1
	}
	l.State = LiInit
}

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

//go:build !linux

package poller

import (
	"golang.org/x/sys/unix"
)

// backend is the kernel side of the poller. See epoll_linux.go for the
// primary implementation; this portable fallback uses poll(2) and rebuilds
// its pollfd array per call, which is fine for the descriptor counts
// non-Linux development machines see.
type backend interface {
	open() error
	close()
	update(fd int, read, write bool) error
	forget(fd int) error
	wait(ms int, deliver func(fd int, dir Dir)) int
}

func newBackend() backend {
	return &pollBackend{}
}

type pollBackend struct {
	mask map[int]int16 // fd -> POLLIN/POLLOUT interest
}

func (b *pollBackend) open() error {
	b.mask = make(map[int]int16)
	return nil
}

func (b *pollBackend) close() {}

func (b *pollBackend) update(fd int, read, write bool) error {
	var ev int16
	if read {
		ev |= unix.POLLIN
	}
	if write {
		ev |= unix.POLLOUT
	}
	if ev == 0 {
		delete(b.mask, fd)
	} else {
		b.mask[fd] = ev
	}
	return nil
}

func (b *pollBackend) forget(fd int) error {
	delete(b.mask, fd)
	return nil
}

func (b *pollBackend) wait(ms int, deliver func(fd int, dir Dir)) int {
	if len(b.mask) == 0 {
		if ms > 0 {
			_, _ = unix.Poll(nil, ms)
		}
		return 0
	}
	fds := make([]unix.PollFd, 0, len(b.mask))
	for fd, ev := range b.mask {
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: ev})
	}
	n, err := unix.Poll(fds, ms)
	if err != nil || n == 0 {
		return 0
	}
	var delivered int
	for i := range fds {
		pfd := &fds[i]
		if pfd.Revents == 0 {
			continue
		}
		fd := int(pfd.Fd)
		if pfd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 &&
			pfd.Events&unix.POLLIN != 0 {
			deliver(fd, DirRead)
			delivered++
		}
		if pfd.Revents&(unix.POLLOUT|unix.POLLHUP|unix.POLLERR) != 0 &&
			pfd.Events&unix.POLLOUT != 0 {
			deliver(fd, DirWrite)
			delivered++
		}
	}
	return delivered
}

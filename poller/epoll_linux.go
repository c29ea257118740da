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

package poller

import (
	"golang.org/x/sys/unix"
)

// backend is the kernel side of the poller. Implementations are
// level-triggered; the speculative layer above compensates for the extra
// wakeups by attempting I/O before subscribing.
type backend interface {
	open() error
	close()
	// update installs the exact interest set for fd (no interest at all
	// deregisters it).
	update(fd int, read, write bool) error
	// forget drops fd unconditionally.
	forget(fd int) error
	// wait blocks up to ms milliseconds (-1 forever, 0 poll) and delivers
	// ready directions. Returns the number of deliveries.
	wait(ms int, deliver func(fd int, dir Dir)) int
}

func newBackend() backend {
	return &epollBackend{}
}

type epollBackend struct {
	epfd   int
	events []unix.EpollEvent
	mask   map[int]uint32 // fd -> registered event mask
}

func (b *epollBackend) open() error {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return err
	}
	b.epfd = epfd
	b.events = make([]unix.EpollEvent, defaultMaxEvents)
	b.mask = make(map[int]uint32)
	return nil
}

func (b *epollBackend) close() {
	if b.epfd > 0 {
		_ = unix.Close(b.epfd)
		b.epfd = -1
	}
}

func eventMask(read, write bool) uint32 {
	var ev uint32
	if read {
		ev |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if write {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func (b *epollBackend) update(fd int, read, write bool) error {
	want := eventMask(read, write)
	have, known := b.mask[fd]
	if known && want == have {
		return nil
	}
	switch {
	case want == 0:
		return b.forget(fd)
	case !known:
		err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, fd,
			&unix.EpollEvent{Events: want, Fd: int32(fd)})
		if err != nil {
			return err
		}
		b.mask[fd] = want
	default:
		err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_MOD, fd,
			&unix.EpollEvent{Events: want, Fd: int32(fd)})
		if err != nil {
			return err
		}
		b.mask[fd] = want
	}
	return nil
}

func (b *epollBackend) forget(fd int) error {
	if _, known := b.mask[fd]; !known {
		return nil
	}
	delete(b.mask, fd)
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (b *epollBackend) wait(ms int, deliver func(fd int, dir Dir)) int {
	n, err := unix.EpollWait(b.epfd, b.events, ms)
	if err != nil {
		// EINTR just means a signal landed; the scheduler's signal pass
		// handles it on the next iteration.
		return 0
	}
	var delivered int
	for i := 0; i < n; i++ {
		ev := &b.events[i]
		fd := int(ev.Fd)
		mask := b.mask[fd]
		if ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0 &&
			mask&unix.EPOLLIN != 0 {
			deliver(fd, DirRead)
			delivered++
		}
		if ev.Events&(unix.EPOLLOUT|unix.EPOLLHUP|unix.EPOLLERR) != 0 &&
			mask&unix.EPOLLOUT != 0 {
			deliver(fd, DirWrite)
			delivered++
		}
	}
	return delivered
}

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

package poller_test

import (
	"testing"
	"time"

	"github.com/strandproxy/strand/poller"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newPoller(t *testing.T) *poller.Poller {
	t.Helper()
	p, err := poller.New()
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func socketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	for _, fd := range fds {
		require.NoError(t, unix.SetNonblock(fd, true))
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestSpeculativeReadSkipsKernel(t *testing.T) {
	p := newPoller(t)
	local, peer := socketPair(t)

	// data is already there; the speculative pass must deliver it with a
	// zero-timeout wait
	_, err := unix.Write(peer, []byte("hello"))
	require.NoError(t, err)

	var got []byte
	p.Register(local, func(fd int) bool {
		buf := make([]byte, 64)
		n, err := unix.Read(fd, buf)
		if err != nil || n <= 0 {
			return false
		}
		got = append(got, buf[:n]...)
		return true
	}, nil)
	p.Set(local, poller.DirRead)

	n := p.Wait(0)
	assert.Positive(t, n)
	assert.Equal(t, "hello", string(got))
}

func TestDemotedFdGetsKernelEvent(t *testing.T) {
	p := newPoller(t)
	local, peer := socketPair(t)

	var got []byte
	p.Register(local, func(fd int) bool {
		buf := make([]byte, 64)
		n, err := unix.Read(fd, buf)
		if err != nil || n <= 0 {
			return false
		}
		got = append(got, buf[:n]...)
		return true
	}, nil)
	p.Set(local, poller.DirRead)

	// nothing to read: the speculative attempt fails and the fd moves to
	// the kernel poller
	p.Wait(0)
	assert.Empty(t, got)

	_, err := unix.Write(peer, []byte("later"))
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for len(got) == 0 && time.Now().Before(deadline) {
		p.Wait(50 * time.Millisecond)
	}
	assert.Equal(t, "later", string(got))
}

func TestClrStopsDelivery(t *testing.T) {
	p := newPoller(t)
	local, peer := socketPair(t)

	calls := 0
	p.Register(local, func(fd int) bool {
		var buf [64]byte
		n, err := unix.Read(fd, buf[:])
		if err != nil || n <= 0 {
			return false
		}
		calls++
		return true
	}, nil)
	p.Set(local, poller.DirRead)
	p.Wait(0) // nothing to read yet: demote to kernel
	p.Clr(local, poller.DirRead)

	_, err := unix.Write(peer, []byte("x"))
	require.NoError(t, err)
	p.Wait(50 * time.Millisecond)
	assert.Zero(t, calls)

	// interest can come back
	p.Set(local, poller.DirRead)
	deadline := time.Now().Add(2 * time.Second)
	for calls == 0 && time.Now().Before(deadline) {
		p.Wait(50 * time.Millisecond)
	}
	assert.Positive(t, calls)
}

func TestWriteReadiness(t *testing.T) {
	p := newPoller(t)
	local, _ := socketPair(t)

	wrote := false
	p.Register(local, nil, func(fd int) bool {
		if wrote {
			return false
		}
		if _, err := unix.Write(fd, []byte("out")); err != nil {
			return false
		}
		wrote = true
		return true
	})
	p.Set(local, poller.DirWrite)

	// a fresh socket is writable: the speculative pass succeeds at once
	p.Wait(0)
	assert.True(t, wrote)
}

func TestRemoveForgetsFd(t *testing.T) {
	p := newPoller(t)
	local, peer := socketPair(t)

	calls := 0
	p.Register(local, func(int) bool {
		calls++
		return false
	}, nil)
	p.Set(local, poller.DirRead)
	p.Wait(0)
	// the speculative attempt of that pass already ran the callback once;
	// only calls after Remove count
	calls = 0
	p.Remove(local)

	_, err := unix.Write(peer, []byte("x"))
	require.NoError(t, err)
	p.Wait(50 * time.Millisecond)
	assert.Zero(t, calls)
}

func TestRebuildKeepsInterest(t *testing.T) {
	p := newPoller(t)
	local, peer := socketPair(t)

	var got []byte
	p.Register(local, func(fd int) bool {
		buf := make([]byte, 64)
		n, err := unix.Read(fd, buf)
		if err != nil || n <= 0 {
			return false
		}
		got = append(got, buf[:n]...)
		return true
	}, nil)
	p.Set(local, poller.DirRead)
	p.Wait(0) // demote so kernel interest exists

	require.NoError(t, p.Rebuild())

	_, err := unix.Write(peer, []byte("post-fork"))
	require.NoError(t, err)
	deadline := time.Now().Add(2 * time.Second)
	for len(got) == 0 && time.Now().Before(deadline) {
		p.Wait(50 * time.Millisecond)
	}
	assert.Equal(t, "post-fork", string(got))
}

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

import "golang.org/x/sys/unix"

// DefaultBufSize is the per-direction buffer capacity.
const DefaultBufSize = 16 * 1024

// BufFlags carry the events a buffer's producer and consumer exchange;
// descriptor callbacks set them, the session handler reads and clears
// them on its next run.
type BufFlags uint16

// Buffer flags.
const (
	// BfShutR: the producer side is closed, no more input will arrive.
	BfShutR BufFlags = 1 << iota
	// BfShutW: the consumer side is closed, buffered data has nowhere
	// to go.
	BfShutW
	// BfReadErr / BfWriteErr: the last I/O on that side errored.
	BfReadErr
	BfWriteErr
	// BfReadActivity / BfWriteActivity: progress since the handler last
	// ran; used to refresh inactivity timeouts.
	BfReadActivity
	BfWriteActivity
	// BfNeverWait: flush to the consumer as soon as data arrives
	// instead of aggregating (nodelay).
	BfNeverWait
)

// Buffer is a linear byte buffer between one producer descriptor and one
// consumer descriptor. Exclusively owned by its session; no locking.
type Buffer struct {
	data  []byte
	Flags BufFlags
	// Total counts bytes ever accepted, for accounting.
	Total int64
}

// NewBuffer returns an empty buffer of the given capacity.
func NewBuffer(size int) *Buffer {
	return &Buffer{data: make([]byte, 0, size)}
}

// Len returns the bytes currently buffered.
func (b *Buffer) Len() int {
	return len(b.data)
}

// Free returns the room left.
func (b *Buffer) Free() int {
	return cap(b.data) - len(b.data)
}

// Empty reports an empty buffer.
func (b *Buffer) Empty() bool {
	return len(b.data) == 0
}

// Full reports a full buffer.
func (b *Buffer) Full() bool {
	return len(b.data) == cap(b.data)
}

// Bytes exposes the buffered data for inspection (rules, snapshots). The
// slice is only valid until the next mutation.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Write appends p, truncating to the free room. Returns bytes taken.
func (b *Buffer) Write(p []byte) int {
	free := b.Free()
	if len(p) > free {
		p = p[:free]
	}
	b.data = append(b.data, p...)
	b.Total += int64(len(p))
	return len(p)
}

// Skip drops n bytes from the front.
func (b *Buffer) Skip(n int) {
	if n > len(b.data) {
		n = len(b.data)
	}
	rest := copy(b.data, b.data[n:])
	b.data = b.data[:rest]
}

// ReadFrom pulls bytes from fd into the free room. Returns the bytes
// read; closed is true on end-of-stream. A would-block condition returns
// (0, false, nil).
func (b *Buffer) ReadFrom(fd int) (n int, closed bool, err error) {
	free := b.Free()
	if free == 0 {
		return 0, false, nil
	}
	cur := len(b.data)
	n, err = unix.Read(fd, b.data[cur:cur+free])
	switch {
	case err == unix.EAGAIN || err == unix.EINTR:
		return 0, false, nil
	case err != nil:
		b.Flags |= BfReadErr
		return 0, false, err
	case n == 0:
		return 0, true, nil
	}
	b.data = b.data[:cur+n]
	b.Total += int64(n)
	b.Flags |= BfReadActivity
	return n, false, nil
}

// WriteTo pushes buffered bytes to fd. Returns the bytes written; a
// would-block condition returns (0, nil).
func (b *Buffer) WriteTo(fd int) (int, error) {
	if len(b.data) == 0 {
		return 0, nil
	}
	n, err := unix.Write(fd, b.data)
	switch {
	case err == unix.EAGAIN || err == unix.EINTR:
		return 0, nil
	case err != nil:
		b.Flags |= BfWriteErr
		return 0, err
	}
	b.Skip(n)
	b.Flags |= BfWriteActivity
	return n, nil
}

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

package internal

import "math/bits"

const (
	murmurC1 = 0xCC9E2D51
	murmurC2 = 0x1B873593
)

// MurmurHash3Sum computes the 32-bit MurmurHash3 of data. It hashes the
// request keys looked up on the consistent-hash ring (balance.HashKey),
// which want a fast, well-mixed, stable 32-bit hash rather than a
// cryptographic one.
//
//nolint:varnamelen // names match reference implementation for clarity
func MurmurHash3Sum(data []byte, seed uint32) uint32 {
	h1 := seed
	full := len(data) &^ 3
	for i := 0; i < full; i += 4 {
		k1 := uint32(data[i+3])<<24 |
			uint32(data[i+2])<<16 |
			uint32(data[i+1])<<8 |
			uint32(data[i])
		k1 *= murmurC1
		k1 = bits.RotateLeft32(k1, 15)
		k1 *= murmurC2
		h1 ^= k1
		h1 = bits.RotateLeft32(h1, 13)
		h1 = h1*4 + h1 + 0xE6546B64
	}

	var k1 uint32
	for i, tail := 0, data[full:]; i < len(tail); i++ {
		k1 |= uint32(tail[i]) << (i << 3)
	}
	k1 *= murmurC1
	k1 = bits.RotateLeft32(k1, 15)
	k1 *= murmurC2
	h1 ^= k1

	h1 ^= uint32(len(data))
	h1 ^= h1 >> 16
	h1 *= 0x85EBCA6B
	h1 ^= h1 >> 13
	h1 *= 0xC2B2AE35
	h1 ^= h1 >> 16
	return h1
}

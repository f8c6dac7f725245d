// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package bits includes all bit related types and operations.
package bits

import "math/bits"

// Non-atomic bit operations on uint32, the width of most device registers.

// IsOn32 returns true if *all* bits set in 'bits' are set in 'mask'.
func IsOn32(mask, bits uint32) bool {
	return mask&bits == bits
}

// IsAnyOn32 returns true if *any* bit set in 'bits' is set in 'mask'.
func IsAnyOn32(mask, bits uint32) bool {
	return mask&bits != 0
}

// Mask32 returns a uint32 with all of the given bits set.
func Mask32(is ...int) uint32 {
	ret := uint32(0)
	for _, i := range is {
		ret |= MaskOf32(i)
	}
	return ret
}

// MaskOf32 is like Mask32, but sets only a single bit (more efficiently).
func MaskOf32(i int) uint32 {
	return uint32(1) << uint32(i)
}

// Field32 extracts the width-bit field starting at bit shift.
func Field32(v uint32, shift, width int) uint32 {
	return (v >> uint32(shift)) & (MaskOf32(width) - 1)
}

// IsOn64 returns true if *all* bits set in 'bits' are set in 'mask'.
func IsOn64(mask, bits uint64) bool {
	return mask&bits == bits
}

// IsAnyOn64 returns true if *any* bit set in 'bits' is set in 'mask'.
func IsAnyOn64(mask, bits uint64) bool {
	return mask&bits != 0
}

// Mask64 returns a uint64 with all of the given bits set.
func Mask64(is ...int) uint64 {
	ret := uint64(0)
	for _, i := range is {
		ret |= MaskOf64(i)
	}
	return ret
}

// MaskOf64 is like Mask64, but sets only a single bit (more efficiently).
func MaskOf64(i int) uint64 {
	return uint64(1) << uint64(i)
}

// Range64 returns a uint64 with bits lo through hi (inclusive) set.
func Range64(lo, hi int) uint64 {
	return (^uint64(0) >> uint64(63-hi)) &^ (MaskOf64(lo) - 1)
}

// TrailingZeros64 returns the number of trailing zero bits in x; the result
// is 64 for x == 0.
func TrailingZeros64(x uint64) int {
	return bits.TrailingZeros64(x)
}

// MostSignificantOne64 returns the index of the most significant 1 bit in x.
// If x is 0, MostSignificantOne64 returns 64.
func MostSignificantOne64(x uint64) int {
	if x == 0 {
		return 64
	}
	return 63 - bits.LeadingZeros64(x)
}

// ForEachSetBit64 calls f once for each set bit in x, with argument i equal
// to the set bit's index.
func ForEachSetBit64(x uint64, f func(i int)) {
	for x != 0 {
		i := TrailingZeros64(x)
		f(i)
		x &^= MaskOf64(i)
	}
}

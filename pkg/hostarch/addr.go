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

// Package hostarch contains address and page-size definitions shared by the
// bring-up code.
package hostarch

import "fmt"

const (
	// PageShift is the binary log of the system page size.
	PageShift = 12

	// PageSize is the system page size.
	PageSize = 1 << PageShift

	// LowMemoryLimit is the end of the real-mode addressable region; code a
	// STARTUP IPI points at must live below it.
	LowMemoryLimit = 1 << 20
)

// Addr represents a kernel virtual address.
type Addr uintptr

// String implements fmt.Stringer.String.
func (v Addr) String() string {
	return fmt.Sprintf("%#x", uintptr(v))
}

// RoundDown returns the address rounded down to the nearest page boundary.
func (v Addr) RoundDown() Addr {
	return v & ^Addr(PageSize-1)
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// true iff rounding up did not wrap around.
func (v Addr) RoundUp() (addr Addr, ok bool) {
	addr = Addr(v + PageSize - 1).RoundDown()
	ok = addr >= v
	return
}

// MustRoundUp is equivalent to RoundUp, but panics if rounding up wraps
// around.
func (v Addr) MustRoundUp() Addr {
	addr, ok := v.RoundUp()
	if !ok {
		panic(fmt.Sprintf("hostarch.Addr(%d).RoundUp() wraps", v))
	}
	return addr
}

// IsPageAligned returns true if v.PageOffset() == 0.
func (v Addr) IsPageAligned() bool {
	return v.PageOffset() == 0
}

// PageOffset returns the offset of v into the current page.
func (v Addr) PageOffset() uint64 {
	return uint64(v & Addr(PageSize-1))
}

// AddLength adds the given length to start and returns the result. ok is true
// iff adding the length did not overflow.
func (v Addr) AddLength(length uint64) (end Addr, ok bool) {
	end = v + Addr(length)
	// As of this writing, uintptr is 64 bits, so this check also applies to
	// wrapping of the pointer itself.
	ok = end >= v && uint64(end-v) == length
	return
}

// PageRoundUp rounds x up to the nearest page boundary. ok is true iff
// rounding up did not wrap around.
func PageRoundUp(x uint64) (addr uint64, ok bool) {
	addr = PageRoundDown(x + PageSize - 1)
	ok = addr >= x
	return
}

// PageRoundDown rounds x down to the nearest page boundary.
func PageRoundDown(x uint64) uint64 {
	return x &^ (PageSize - 1)
}

// PagesFor returns the number of pages needed to hold n bytes.
func PagesFor(n uint64) uint64 {
	return (n + PageSize - 1) >> PageShift
}

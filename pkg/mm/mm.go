// Copyright 2026 The gVisor Authors.
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

// Package mm defines the memory-management services consumed by processor
// bring-up: physical frame allocation, kernel virtual address space
// management, and access to physical and mapped memory.
//
// The package only holds interfaces and small value types; the kernel (or the
// hosted machine model in pkg/machine) provides the implementations.
package mm

import (
	"errors"
	"fmt"

	"gvisor.dev/mpboot/pkg/hostarch"
)

// ErrOutOfMemory is returned when a frame allocation cannot be satisfied.
var ErrOutOfMemory = errors.New("out of physical memory")

// PhysAddr is a physical address.
type PhysAddr uint64

// String implements fmt.Stringer.String.
func (p PhysAddr) String() string {
	return fmt.Sprintf("%#x", uint64(p))
}

// IsPageAligned returns true if p is aligned to a page boundary.
func (p PhysAddr) IsPageAligned() bool {
	return p&(hostarch.PageSize-1) == 0
}

// Frame is a physical page frame number.
type Frame uint64

// FrameOf returns the frame containing pa.
func FrameOf(pa PhysAddr) Frame {
	return Frame(pa >> hostarch.PageShift)
}

// Address returns the physical address of the first byte of f.
func (f Frame) Address() PhysAddr {
	return PhysAddr(f) << hostarch.PageShift
}

// FrameAllocator allocates physical page frames.
type FrameAllocator interface {
	// AllocFrames allocates count frames, which need not be contiguous.
	// It returns an error wrapping ErrOutOfMemory if the request cannot be
	// satisfied; in that case no frames are allocated.
	AllocFrames(count int) ([]Frame, error)
}

// AddressSpace manages the kernel virtual address space.
type AddressSpace interface {
	// AllocVirtual reserves pages contiguous pages of kernel virtual
	// address space and returns the first address.
	AllocVirtual(pages int) (hostarch.Addr, error)

	// MapPage maps the page at virtual onto frame.
	MapPage(virtual hostarch.Addr, frame Frame, mt hostarch.MemoryType) error

	// MapPages maps len(frames) consecutive pages starting at virtual onto
	// frames, in order.
	MapPages(virtual hostarch.Addr, frames []Frame, mt hostarch.MemoryType) error

	// PageTableRoot returns the physical address of the root page table.
	PageTableRoot() PhysAddr
}

// IO performs 32-bit accesses to mapped kernel virtual memory. Accesses to
// device windows are never combined, reordered or elided.
type IO interface {
	// Load32 loads the aligned 32-bit word at addr.
	Load32(addr hostarch.Addr) uint32

	// Store32 stores v to the aligned 32-bit word at addr.
	Store32(addr hostarch.Addr, v uint32)
}

// PhysicalMemory gives access to physical memory through the kernel's direct
// map.
type PhysicalMemory interface {
	// ReadAt copies len(p) bytes starting at pa into p. It fails if any part
	// of the range is not backed by memory.
	ReadAt(p []byte, pa PhysAddr) error

	// Load64 atomically loads the aligned 64-bit word at pa.
	Load64(pa PhysAddr) uint64

	// Store64 atomically stores v to the aligned 64-bit word at pa.
	Store64(pa PhysAddr, v uint64)
}

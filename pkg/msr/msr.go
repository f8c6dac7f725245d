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

// Package msr provides access to model-specific registers.
package msr

import (
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// APICBase is the IA32_APIC_BASE register.
const APICBase = 0x1b

// Accessor reads and writes model-specific registers of the current
// processor. Values are split into their high and low 32-bit halves, as
// RDMSR and WRMSR present them.
type Accessor interface {
	// Read returns the value of register reg.
	Read(reg uint32) (hi, lo uint32, err error)

	// Write sets register reg to hi:lo.
	Write(reg uint32, hi, lo uint32) error
}

// Join combines the halves of a register value.
func Join(hi, lo uint32) uint64 {
	return uint64(hi)<<32 | uint64(lo)
}

// Split is the inverse of Join.
func Split(v uint64) (hi, lo uint32) {
	return uint32(v >> 32), uint32(v)
}

// Device is an Accessor backed by the Linux msr driver for a single CPU.
type Device struct {
	cpu int
	fd  int
}

// Open opens the msr device of cpu. Writes require the device to be opened
// read-write, which in turn requires CAP_SYS_RAWIO; if that fails the device
// is opened read-only.
func Open(cpu int) (*Device, error) {
	path := fmt.Sprintf("/dev/cpu/%d/msr", cpu)
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err == unix.EACCES || err == unix.EPERM {
		fd, err = unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	return &Device{cpu: cpu, fd: fd}, nil
}

// Read implements Accessor.Read.
func (d *Device) Read(reg uint32) (uint32, uint32, error) {
	var buf [8]byte
	n, err := unix.Pread(d.fd, buf[:], int64(reg))
	if err != nil {
		return 0, 0, fmt.Errorf("reading msr %#x on cpu %d: %w", reg, d.cpu, err)
	}
	if n != len(buf) {
		return 0, 0, fmt.Errorf("reading msr %#x on cpu %d: short read of %d bytes", reg, d.cpu, n)
	}
	hi, lo := Split(binary.LittleEndian.Uint64(buf[:]))
	return hi, lo, nil
}

// Write implements Accessor.Write.
func (d *Device) Write(reg uint32, hi, lo uint32) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], Join(hi, lo))
	n, err := unix.Pwrite(d.fd, buf[:], int64(reg))
	if err != nil {
		return fmt.Errorf("writing msr %#x on cpu %d: %w", reg, d.cpu, err)
	}
	if n != len(buf) {
		return fmt.Errorf("writing msr %#x on cpu %d: short write of %d bytes", reg, d.cpu, n)
	}
	return nil
}

// Close releases the device.
func (d *Device) Close() error {
	return unix.Close(d.fd)
}

// File is an in-memory register file. It is safe for concurrent use.
type File struct {
	mu   sync.Mutex
	regs map[uint32]uint64
}

// NewFile returns a File with the given initial register values.
func NewFile(init map[uint32]uint64) *File {
	f := &File{regs: make(map[uint32]uint64, len(init))}
	for reg, v := range init {
		f.regs[reg] = v
	}
	return f
}

// Read implements Accessor.Read. Unknown registers fault, as they would on
// hardware.
func (f *File) Read(reg uint32) (uint32, uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.regs[reg]
	if !ok {
		return 0, 0, fmt.Errorf("msr %#x: %w", reg, unix.EIO)
	}
	hi, lo := Split(v)
	return hi, lo, nil
}

// Write implements Accessor.Write.
func (f *File) Write(reg uint32, hi, lo uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.regs[reg]; !ok {
		return fmt.Errorf("msr %#x: %w", reg, unix.EIO)
	}
	f.regs[reg] = Join(hi, lo)
	return nil
}

// Get returns the raw value of reg.
func (f *File) Get(reg uint32) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.regs[reg]
}

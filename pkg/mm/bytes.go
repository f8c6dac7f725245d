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

package mm

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// ByteMemory is a PhysicalMemory backed by a byte slice that starts at
// physical address zero, such as a dump of low memory.
type ByteMemory struct {
	mu   sync.Mutex
	data []byte
}

// NewByteMemory returns a ByteMemory over data. The slice is used in place.
func NewByteMemory(data []byte) *ByteMemory {
	return &ByteMemory{data: data}
}

// Size returns the number of bytes of backing memory.
func (b *ByteMemory) Size() uint64 {
	return uint64(len(b.data))
}

func (b *ByteMemory) check(pa PhysAddr, n uint64) error {
	if end := uint64(pa) + n; end < uint64(pa) || end > uint64(len(b.data)) {
		return fmt.Errorf("physical range [%v, %#x) outside of %#x bytes of memory", pa, end, len(b.data))
	}
	return nil
}

// ReadAt implements PhysicalMemory.ReadAt.
func (b *ByteMemory) ReadAt(p []byte, pa PhysAddr) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(pa, uint64(len(p))); err != nil {
		return err
	}
	copy(p, b.data[pa:])
	return nil
}

// Load64 implements PhysicalMemory.Load64.
//
// Precondition: pa is 8-byte aligned and inside the memory.
func (b *ByteMemory) Load64(pa PhysAddr) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(pa, 8); err != nil || pa%8 != 0 {
		panic(fmt.Sprintf("Load64(%v): unaligned or out of range", pa))
	}
	return binary.LittleEndian.Uint64(b.data[pa:])
}

// Store64 implements PhysicalMemory.Store64.
//
// Precondition: pa is 8-byte aligned and inside the memory.
func (b *ByteMemory) Store64(pa PhysAddr, v uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(pa, 8); err != nil || pa%8 != 0 {
		panic(fmt.Sprintf("Store64(%v): unaligned or out of range", pa))
	}
	binary.LittleEndian.PutUint64(b.data[pa:], v)
}

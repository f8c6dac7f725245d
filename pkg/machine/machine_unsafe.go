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

package machine

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"gvisor.dev/mpboot/pkg/mm"
)

func (m *Machine) word32(pa mm.PhysAddr) *uint32 {
	if err := m.checkRAM(pa, 4); err != nil || pa%4 != 0 {
		panic(fmt.Sprintf("bad 32-bit access at %v", pa))
	}
	return (*uint32)(unsafe.Pointer(&m.ram[pa]))
}

func (m *Machine) word64(pa mm.PhysAddr) *uint64 {
	if err := m.checkRAM(pa, 8); err != nil || pa%8 != 0 {
		panic(fmt.Sprintf("bad 64-bit access at %v", pa))
	}
	return (*uint64)(unsafe.Pointer(&m.ram[pa]))
}

func (m *Machine) load32(pa mm.PhysAddr) uint32 {
	return atomic.LoadUint32(m.word32(pa))
}

func (m *Machine) store32(pa mm.PhysAddr, v uint32) {
	atomic.StoreUint32(m.word32(pa), v)
}

// Load64 implements mm.PhysicalMemory.Load64.
func (m *Machine) Load64(pa mm.PhysAddr) uint64 {
	return atomic.LoadUint64(m.word64(pa))
}

// Store64 implements mm.PhysicalMemory.Store64.
func (m *Machine) Store64(pa mm.PhysAddr, v uint64) {
	atomic.StoreUint64(m.word64(pa), v)
}

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
	"encoding/binary"
	"fmt"
	"time"

	"gvisor.dev/mpboot/pkg/hostarch"
	"gvisor.dev/mpboot/pkg/mm"
	"gvisor.dev/mpboot/pkg/trampoline"
)

// vcpuState is the execution state of an application processor.
type vcpuState int

const (
	// stateHalted processors ignore STARTUP until they receive INIT.
	stateHalted vcpuState = iota
	stateWaitSIPI
	stateRunning
)

// String implements fmt.Stringer.String.
func (s vcpuState) String() string {
	switch s {
	case stateHalted:
		return "halted"
	case stateWaitSIPI:
		return "wait-for-SIPI"
	case stateRunning:
		return "running"
	default:
		return fmt.Sprintf("vcpuState(%d)", int(s))
	}
}

// vcpu is an application processor.
type vcpu struct {
	spec  CPUSpec
	state vcpuState

	// gen is incremented by INIT. A trampoline started in an earlier
	// generation has been reset and must not run.
	gen int
}

// Boot records a processor that ran the trampoline.
type Boot struct {
	APICID        uint8
	StackTop      hostarch.Addr
	PageTableRoot mm.PhysAddr
}

// The hosted trampoline image starts with a short jump over a header that
// names the offset of its parameter table.
const (
	payloadMagic      = "MPBT"
	payloadHeaderSize = 16
)

// Payload returns the trampoline image understood by the machine's
// processors.
func Payload() trampoline.Payload {
	code := make([]byte, payloadHeaderSize)
	code[0], code[1] = 0xeb, payloadHeaderSize-2 // jmp past the header
	copy(code[2:], payloadMagic)
	binary.LittleEndian.PutUint16(code[6:], payloadHeaderSize)
	code[8], code[9] = 0xfa, 0xf4 // cli; hlt
	p := trampoline.NewPayload(code)
	if p.ParamOffset != payloadHeaderSize {
		panic(fmt.Sprintf("parameter table at %d, want %d", p.ParamOffset, payloadHeaderSize))
	}
	return p
}

// start runs the trampoline at vector on c.
//
// Preconditions: m.mu is locked.
func (m *Machine) start(c *vcpu, vector uint8) {
	gen := c.gen
	m.group.Go(func() error {
		if d := c.spec.StartDelay; d > 0 {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-m.ctx.Done():
				return nil
			case <-t.C:
			}
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		if c.gen != gen {
			m.log.Debugf("machine: cpu %d was reset before reaching the trampoline", c.spec.APICID)
			return nil
		}
		return m.runTrampoline(c.spec, vector)
	})
}

// runTrampoline does what the trampoline does: it reads its parameters and
// acknowledges them.
//
// Preconditions: m.mu is locked.
func (m *Machine) runTrampoline(spec CPUSpec, vector uint8) error {
	base := mm.PhysAddr(vector) << hostarch.PageShift
	var header [8]byte
	binary.LittleEndian.PutUint64(header[:], m.Load64(base))
	if string(header[2:6]) != payloadMagic {
		return fmt.Errorf("cpu %d: no trampoline at %v", spec.APICID, base)
	}
	params := base + mm.PhysAddr(binary.LittleEndian.Uint16(header[6:]))

	b := Boot{
		APICID:        spec.APICID,
		StackTop:      hostarch.Addr(m.Load64(params + trampoline.StackTopOffset)),
		PageTableRoot: mm.PhysAddr(m.Load64(params + trampoline.PageTableRootOffset)),
	}
	if b.PageTableRoot != m.root {
		return fmt.Errorf("cpu %d: page table root %v, want %v", spec.APICID, b.PageTableRoot, m.root)
	}
	if p, ok := m.pages[(b.StackTop - 1).RoundDown()]; !ok || p.mt != hostarch.MemoryTypeWriteBack {
		return fmt.Errorf("cpu %d: stack top %v is not mapped", spec.APICID, b.StackTop)
	}
	for _, other := range m.boots {
		if other.StackTop == b.StackTop {
			return fmt.Errorf("cpu %d: stack %v already used by cpu %d", spec.APICID, b.StackTop, other.APICID)
		}
	}

	m.boots = append(m.boots, b)
	m.log.Debugf("machine: cpu %d running with stack %v", spec.APICID, b.StackTop)
	if !spec.NoAck {
		m.Store64(params+trampoline.AckOffset, trampoline.AckMagic)
	}
	return nil
}

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
	"gvisor.dev/mpboot/pkg/lapic"
)

// apicVersion is the version register of every local APIC: version 0x14
// with six LVT entries.
const apicVersion = 0x50014

// apicDevice is the register state of the boot processor's local APIC.
type apicDevice struct {
	id     uint8
	svr    uint32
	icrLow uint32
	icrHi  uint32

	// pending is the delivery status of the last command.
	pending bool

	// other holds registers without side effects.
	other map[uint32]uint32
}

func newAPICDevice(id uint8) apicDevice {
	return apicDevice{id: id, svr: 0xff, other: make(map[uint32]uint32)}
}

func (d *apicDevice) read(reg uint32) uint32 {
	switch reg {
	case lapic.RegID:
		return uint32(d.id) << 24
	case lapic.RegVersion:
		return apicVersion
	case lapic.RegSVR:
		return d.svr
	case lapic.RegICRLow:
		if d.pending {
			return lapic.WithPending(d.icrLow)
		}
		return d.icrLow
	case lapic.RegICRHigh:
		return d.icrHi
	default:
		return d.other[reg]
	}
}

// apicWrite stores to a local APIC register, sending an IPI on writes to the
// low half of the command register.
//
// Preconditions: m.mu is locked.
func (m *Machine) apicWrite(reg uint32, v uint32) {
	d := &m.apic
	switch reg {
	case lapic.RegID, lapic.RegVersion:
		// Read-only.
	case lapic.RegSVR:
		d.svr = v
	case lapic.RegICRHigh:
		d.icrHi = v
	case lapic.RegICRLow:
		d.icrLow = v
		d.pending = !m.deliver(lapic.DecodeCommand(d.icrHi, v))
	default:
		d.other[reg] = v
	}
}

// deliver sends c and returns true if it was accepted.
//
// Preconditions: m.mu is locked.
func (m *Machine) deliver(c lapic.Command) bool {
	m.log.Debugf("machine: cpu %d sends %v", m.apic.id, c)
	if m.apic.svr&lapic.SVREnable == 0 {
		m.log.Warningf("machine: IPI %v sent with the local APIC software disabled", c)
		return false
	}
	target, ok := m.cpus[c.Destination]
	if !ok {
		m.log.Warningf("machine: IPI %v to a missing processor", c)
		m.ipis = append(m.ipis, c)
		return true
	}
	if target.spec.IgnoreIPI {
		return false
	}
	m.ipis = append(m.ipis, c)

	switch c.Mode {
	case lapic.DeliveryINIT:
		if c.Assert {
			target.state = stateWaitSIPI
			target.gen++
		}
	case lapic.DeliveryStartup:
		if target.state != stateWaitSIPI {
			m.log.Debugf("machine: cpu %d ignores STARTUP in state %v", c.Destination, target.state)
			break
		}
		target.state = stateRunning
		m.start(target, c.Vector)
	}
	return true
}

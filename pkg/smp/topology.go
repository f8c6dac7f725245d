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

package smp

import (
	"fmt"
	"strings"

	"github.com/mohae/deepcopy"
	"gvisor.dev/mpboot/pkg/hostarch"
)

// State is the bring-up state of a core.
type State int

// Core states.
const (
	// StatePending cores were not attempted, because bring-up stopped
	// before reaching them.
	StatePending State = iota

	// StateBootProcessor is the core running bring-up.
	StateBootProcessor

	// StateOnline cores have acknowledged their parameters.
	StateOnline

	// StateDisabled cores are marked unusable by the firmware and are never
	// started.
	StateDisabled

	// StateFailed cores did not start. They are parked in the
	// wait-for-SIPI state where possible.
	StateFailed
)

// String implements fmt.Stringer.String.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateBootProcessor:
		return "boot"
	case StateOnline:
		return "online"
	case StateDisabled:
		return "disabled"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// CPU is one core of the topology.
type CPU struct {
	APICID        uint8
	BootProcessor bool
	State         State

	// StackTop is the initial stack pointer handed to the core, if one was
	// allocated.
	StackTop hostarch.Addr

	// Err is the reason for StateFailed.
	Err error
}

// Topology is the result of bring-up: every core of the machine, in firmware
// table order.
type Topology struct {
	CPUs []CPU
}

// Online returns the APIC IDs of all running cores, the boot processor
// included, in topology order.
func (t *Topology) Online() []uint8 {
	var ids []uint8
	for _, c := range t.CPUs {
		if c.State == StateBootProcessor || c.State == StateOnline {
			ids = append(ids, c.APICID)
		}
	}
	return ids
}

// Count returns the number of cores in state s.
func (t *Topology) Count(s State) int {
	n := 0
	for _, c := range t.CPUs {
		if c.State == s {
			n++
		}
	}
	return n
}

// Clone returns a deep copy of t. Errors are shared, as they are immutable.
func (t *Topology) Clone() *Topology {
	c := deepcopy.Copy(t).(*Topology)
	for i := range c.CPUs {
		c.CPUs[i].Err = t.CPUs[i].Err
	}
	return c
}

// String implements fmt.Stringer.String.
func (t *Topology) String() string {
	var b strings.Builder
	for i, c := range t.CPUs {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%d:%v", c.APICID, c.State)
	}
	return b.String()
}

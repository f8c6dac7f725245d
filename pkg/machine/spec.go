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
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gvisor.dev/mpboot/pkg/hostarch"
)

// Spec describes a machine. It is usually loaded from a TOML file:
//
//	memory = 16777216
//	frame_budget = 64
//
//	[[cpu]]
//	apic_id = 0
//	bsp = true
//
//	[[cpu]]
//	apic_id = 1
//	no_ack = true
type Spec struct {
	// Memory is the size of RAM in bytes. RAM starts at physical address
	// zero.
	Memory uint64 `toml:"memory"`

	// LAPICBase is the physical address of the local APIC window.
	LAPICBase uint64 `toml:"lapic_base"`

	// PointerAddress and TableAddress place the MP floating pointer and
	// configuration table.
	PointerAddress uint64 `toml:"mp_pointer"`
	TableAddress   uint64 `toml:"mp_table"`

	// NoTable omits the MP tables.
	NoTable bool `toml:"no_table"`

	// CorruptSignature damages the configuration table signature.
	CorruptSignature bool `toml:"corrupt_signature"`

	// CorruptChecksum damages the configuration table checksum.
	CorruptChecksum bool `toml:"corrupt_checksum"`

	// NoAPIC hides the local APIC from CPUID.
	NoAPIC bool `toml:"no_apic"`

	// FrameBudget limits the number of frames that can be allocated. Zero
	// means RAM is the only limit.
	FrameBudget int `toml:"frame_budget"`

	// ExtraEntries appends entries of the given kinds to the MP table.
	ExtraEntries []uint8 `toml:"extra_entries"`

	CPUs []CPUSpec `toml:"cpu"`
}

// CPUSpec describes one processor.
type CPUSpec struct {
	APICID uint8 `toml:"apic_id"`

	// BSP marks the processor that runs bring-up.
	BSP bool `toml:"bsp"`

	// Disabled clears the processor's enabled flag in the MP table.
	Disabled bool `toml:"disabled"`

	// IgnoreIPI makes the processor's IPIs never report delivery.
	IgnoreIPI bool `toml:"ignore_ipi"`

	// NoAck makes the processor start but never acknowledge its
	// parameters.
	NoAck bool `toml:"no_ack"`

	// StartDelay delays the processor between STARTUP and reading its
	// parameters.
	StartDelay time.Duration `toml:"start_delay"`
}

// Defaults.
const (
	DefaultMemory         = 16 << 20
	DefaultLAPICBase      = 0xfee00000
	DefaultPointerAddress = 0x9fc00
	DefaultTableAddress   = 0x9fc10
)

// DefaultSpec returns a machine with n processors, numbered from zero, of
// which the first is the boot processor.
func DefaultSpec(n int) Spec {
	s := Spec{}
	for i := 0; i < n; i++ {
		s.CPUs = append(s.CPUs, CPUSpec{APICID: uint8(i), BSP: i == 0})
	}
	s.setDefaults()
	return s
}

// LoadSpec loads a Spec from a TOML file. Unknown keys are rejected.
func LoadSpec(path string) (Spec, error) {
	var s Spec
	md, err := toml.DecodeFile(path, &s)
	if err != nil {
		return Spec{}, fmt.Errorf("loading machine spec %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return Spec{}, fmt.Errorf("loading machine spec %q: unknown keys %s", path, strings.Join(keys, ", "))
	}
	s.setDefaults()
	if err := s.Validate(); err != nil {
		return Spec{}, fmt.Errorf("loading machine spec %q: %w", path, err)
	}
	return s, nil
}

func (s *Spec) setDefaults() {
	if s.Memory == 0 {
		s.Memory = DefaultMemory
	}
	if s.LAPICBase == 0 {
		s.LAPICBase = DefaultLAPICBase
	}
	if s.PointerAddress == 0 {
		s.PointerAddress = DefaultPointerAddress
	}
	if s.TableAddress == 0 {
		s.TableAddress = DefaultTableAddress
	}
}

// reservedLow is the part of RAM never handed out by the frame allocator.
const reservedLow = 2 << 20

// Validate checks s for consistency.
func (s *Spec) Validate() error {
	if s.Memory < reservedLow+hostarch.PageSize || s.Memory%hostarch.PageSize != 0 {
		return fmt.Errorf("memory size %#x must be a multiple of the page size above %#x", s.Memory, reservedLow)
	}
	if s.LAPICBase%hostarch.PageSize != 0 || s.LAPICBase < s.Memory {
		return fmt.Errorf("local APIC base %#x must be page aligned and above RAM", s.LAPICBase)
	}
	if s.PointerAddress+16 > hostarch.LowMemoryLimit || s.TableAddress >= hostarch.LowMemoryLimit {
		return fmt.Errorf("MP tables at %#x and %#x must be below %#x", s.PointerAddress, s.TableAddress, hostarch.LowMemoryLimit)
	}
	if s.TableAddress >= s.PointerAddress && s.TableAddress < s.PointerAddress+16 ||
		s.PointerAddress >= s.TableAddress && s.PointerAddress < s.TableAddress+44 {
		return fmt.Errorf("MP floating pointer at %#x overlaps the table at %#x", s.PointerAddress, s.TableAddress)
	}
	if s.FrameBudget < 0 {
		return fmt.Errorf("negative frame budget %d", s.FrameBudget)
	}
	if len(s.CPUs) == 0 {
		return fmt.Errorf("no processors")
	}
	ids := make(map[uint8]bool)
	var bsps []uint8
	for _, c := range s.CPUs {
		if ids[c.APICID] {
			return fmt.Errorf("duplicate APIC ID %d", c.APICID)
		}
		ids[c.APICID] = true
		if c.BSP {
			bsps = append(bsps, c.APICID)
		}
	}
	if len(bsps) != 1 {
		sort.Slice(bsps, func(i, j int) bool { return bsps[i] < bsps[j] })
		return fmt.Errorf("want exactly one boot processor, got %v", bsps)
	}
	return nil
}

// BSP returns the boot processor.
func (s *Spec) BSP() CPUSpec {
	for _, c := range s.CPUs {
		if c.BSP {
			return c
		}
	}
	return CPUSpec{}
}

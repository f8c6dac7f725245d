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

// Package mptable parses the firmware's MultiProcessor configuration tables.
//
// Discovery is a three step pipeline. FindFloatingPointer scans low physical
// memory for the MP floating pointer structure, ValidateConfigTable follows
// it to the configuration table header and checks it, and Enumerate walks the
// variable-length entries that follow the header and collects processors.
//
// All memory is read through bounds-checked copies: the parser never holds
// references into firmware memory and never reads past the table it was
// given, regardless of what the table's own fields claim.
package mptable

import (
	"errors"
	"fmt"
	"strings"

	"gvisor.dev/mpboot/pkg/cpuid"
	"gvisor.dev/mpboot/pkg/mm"
)

const (
	floatingSignature = "_MP_"
	configSignature   = "PCMP"

	// floatingSize is the size of the floating pointer structure.
	floatingSize = 16

	// headerSize is the size of the configuration table header. Entries
	// start immediately after it.
	headerSize = 44

	processorEntrySize = 20
	otherEntrySize     = 8
)

const (
	// DefaultScanLimit is the last address at which the floating pointer
	// signature may start.
	DefaultScanLimit mm.PhysAddr = 0xffffc

	// DefaultMaxCores bounds the number of processors collected from a
	// table.
	DefaultMaxCores = 64
)

var (
	// ErrTopologyAbsent indicates that no usable MP configuration table
	// exists, either because there is no floating pointer or because the
	// firmware selected a default configuration.
	ErrTopologyAbsent = errors.New("no MP configuration table")

	// ErrSignatureMismatch indicates that the configuration table header
	// does not carry the PCMP signature.
	ErrSignatureMismatch = errors.New("MP configuration table signature mismatch")

	// ErrChecksum indicates a structure whose bytes do not sum to zero.
	ErrChecksum = errors.New("MP structure checksum mismatch")

	// ErrTruncated indicates a structure that extends past readable memory.
	ErrTruncated = errors.New("MP structure truncated")
)

// EntryKind is the type byte of a configuration table entry.
type EntryKind uint8

// Entry kinds defined by the MultiProcessor Specification.
const (
	EntryProcessor      EntryKind = 0
	EntryBus            EntryKind = 1
	EntryIOAPIC         EntryKind = 2
	EntryIOInterrupt    EntryKind = 3
	EntryLocalInterrupt EntryKind = 4
)

var entryNames = map[EntryKind]string{
	EntryProcessor:      "processor",
	EntryBus:            "bus",
	EntryIOAPIC:         "ioapic",
	EntryIOInterrupt:    "io-interrupt",
	EntryLocalInterrupt: "local-interrupt",
}

// String implements fmt.Stringer.String.
func (k EntryKind) String() string {
	if name, ok := entryNames[k]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%#x)", uint8(k))
}

// Size returns the encoded size of entries of kind k. Unknown kinds are
// assumed to have the size of the short entries and ok is false.
func (k EntryKind) Size() (size int, ok bool) {
	switch k {
	case EntryProcessor:
		return processorEntrySize, true
	case EntryBus, EntryIOAPIC, EntryIOInterrupt, EntryLocalInterrupt:
		return otherEntrySize, true
	default:
		return otherEntrySize, false
	}
}

// Processor flag bits.
const (
	processorEnabled = 1 << 0
	processorBoot    = 1 << 1
)

// decodeFlags decodes the flags byte of a processor entry.
func decodeFlags(flags uint8) (enabled, boot bool) {
	return flags&processorEnabled != 0, flags&processorBoot != 0
}

func encodeFlags(enabled, boot bool) uint8 {
	var flags uint8
	if enabled {
		flags |= processorEnabled
	}
	if boot {
		flags |= processorBoot
	}
	return flags
}

// rawFloatingPointer is the in-memory layout of the floating pointer.
type rawFloatingPointer struct {
	Signature  [4]byte
	ConfigAddr uint32
	Length     uint8
	Revision   uint8
	Checksum   uint8
	Features   [5]uint8
}

// rawHeader is the in-memory layout of the configuration table header.
type rawHeader struct {
	Signature        [4]byte
	Length           uint16
	Revision         uint8
	Checksum         uint8
	OEMID            [8]byte
	ProductID        [12]byte
	OEMTableAddr     uint32
	OEMTableSize     uint16
	EntryCount       uint16
	LAPICAddr        uint32
	ExtTableLength   uint16
	ExtTableChecksum uint8
	Reserved         uint8
}

// rawProcessor is the in-memory layout of a processor entry.
type rawProcessor struct {
	Kind         uint8
	APICID       uint8
	APICVersion  uint8
	Flags        uint8
	Signature    uint32
	FeatureFlags uint32
	Reserved     [2]uint32
}

// FloatingPointer is a decoded MP floating pointer structure.
type FloatingPointer struct {
	// Address is where the structure was found.
	Address mm.PhysAddr

	// ConfigAddress is the physical address of the configuration table, or
	// zero if there is none.
	ConfigAddress mm.PhysAddr

	// Length is the size of the structure in 16-byte units.
	Length   uint8
	Revision uint8
	Checksum uint8
	Features [5]uint8
}

// DefaultConfig returns the default configuration number selected by the
// firmware, or zero if a configuration table is present.
func (fp FloatingPointer) DefaultConfig() uint8 {
	return fp.Features[0]
}

// IMCRPresent returns true if the platform implements the IMCR and starts in
// PIC mode.
func (fp FloatingPointer) IMCRPresent() bool {
	return fp.Features[1]&0x80 != 0
}

// ConfigTable is a validated configuration table.
type ConfigTable struct {
	// Address is the physical address of the header.
	Address mm.PhysAddr

	// Length is the table length, including the header, as reported by the
	// firmware.
	Length     uint16
	Revision   uint8
	OEMID      string
	ProductID  string
	EntryCount uint16

	// LAPICAddress is the physical address of the local APIC as seen by
	// each processor.
	LAPICAddress mm.PhysAddr

	ExtTableLength uint16

	// entries is a copy of the bytes following the header.
	entries []byte
}

// Processor is a decoded processor entry.
type Processor struct {
	APICID        uint8
	APICVersion   uint8
	Enabled       bool
	BootProcessor bool
	Signature     uint32
	FeatureFlags  uint32
}

// Features returns the CPUID feature set recorded for the processor.
func (p Processor) Features() cpuid.FeatureSet {
	return cpuid.FromLeaf1(p.Signature, 0, p.FeatureFlags)
}

// Entry is a decoded configuration table entry.
type Entry struct {
	Kind EntryKind

	// Offset is the entry's offset from the start of the table.
	Offset int

	// Processor is set iff Kind is EntryProcessor.
	Processor *Processor

	// Raw holds the entry bytes for all other kinds.
	Raw []byte
}

// Core describes one processor of the machine.
type Core struct {
	APICID        uint8
	BootProcessor bool
	Enabled       bool
}

// String implements fmt.Stringer.String.
func (c Core) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "cpu %d", c.APICID)
	if c.BootProcessor {
		b.WriteString(" (boot)")
	}
	if !c.Enabled {
		b.WriteString(" (disabled)")
	}
	return b.String()
}

// trimString converts a fixed-width, space or NUL padded firmware string.
func trimString(b []byte) string {
	return strings.TrimRight(string(b), " \x00")
}

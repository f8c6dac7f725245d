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

package mptable

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/mpboot/pkg/log"
	"gvisor.dev/mpboot/pkg/mm"
)

const (
	testPointerAddr = 0x9fc00
	testTableAddr   = 0x9fc10
)

// testMemory returns 1 MiB of low memory plus a little slack, so that
// structures at the very end of the scan window can be read.
func testMemory() []byte {
	return make([]byte, 1<<20+64)
}

func testScanner(t *testing.T, mem []byte, opts Options) *Scanner {
	opts.Logger = &log.BasicLogger{Level: log.Debug, Emitter: &log.TestEmitter{TestLogger: t}}
	return NewScanner(mm.NewByteMemory(mem), opts)
}

func proc(id uint8, boot bool) Processor {
	return Processor{APICID: id, APICVersion: 0x14, Enabled: true, BootProcessor: boot, Signature: 0x600, FeatureFlags: 0x201}
}

// install writes a floating pointer and the table built by b.
func install(mem []byte, b *Builder) {
	copy(mem[testPointerAddr:], b.FloatingPointer(testTableAddr))
	copy(mem[testTableAddr:], b.Table())
}

func TestDiscover(t *testing.T) {
	mem := testMemory()
	b := &Builder{OEMID: "GVISOR", ProductID: "MPBOOT", LAPICAddress: 0xfee00000}
	b.AddProcessor(proc(0, true)).
		AddEntry(EntryBus, 0, 'I', 'S', 'A').
		AddProcessor(proc(1, false)).
		AddEntry(EntryIOAPIC, 2, 0x11, 1).
		AddProcessor(proc(2, false))
	install(mem, b)

	s := testScanner(t, mem, Options{})
	fp, err := s.FindFloatingPointer()
	if err != nil {
		t.Fatalf("FindFloatingPointer failed: %v", err)
	}
	if fp.Address != testPointerAddr || fp.ConfigAddress != testTableAddr {
		t.Errorf("FindFloatingPointer = %+v, want address %#x, config %#x", fp, testPointerAddr, testTableAddr)
	}
	ct, err := s.ValidateConfigTable(fp)
	if err != nil {
		t.Fatalf("ValidateConfigTable failed: %v", err)
	}
	if ct.OEMID != "GVISOR" || ct.ProductID != "MPBOOT" || ct.EntryCount != 5 || ct.LAPICAddress != 0xfee00000 {
		t.Errorf("ValidateConfigTable = %+v", ct)
	}

	want := []Core{
		{APICID: 0, BootProcessor: true, Enabled: true},
		{APICID: 1, Enabled: true},
		{APICID: 2, Enabled: true},
	}
	if diff := cmp.Diff(want, s.Enumerate(ct)); diff != "" {
		t.Errorf("Enumerate mismatch (-want +got):\n%s", diff)
	}

	var kinds []EntryKind
	for _, e := range s.Entries(ct) {
		kinds = append(kinds, e.Kind)
	}
	wantKinds := []EntryKind{EntryProcessor, EntryBus, EntryProcessor, EntryIOAPIC, EntryProcessor}
	if diff := cmp.Diff(wantKinds, kinds); diff != "" {
		t.Errorf("Entries kinds mismatch (-want +got):\n%s", diff)
	}
}

func TestFirstMatchWins(t *testing.T) {
	mem := testMemory()
	b := (&Builder{}).AddProcessor(proc(0, true))
	install(mem, b)
	copy(mem[0x100:], b.FloatingPointer(0x200))
	copy(mem[0x200:], (&Builder{}).AddProcessor(proc(7, true)).Table())

	cores, err := testScanner(t, mem, Options{}).Discover()
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if want := []Core{{APICID: 7, BootProcessor: true, Enabled: true}}; !cmp.Equal(cores, want) {
		t.Errorf("Discover = %v, want %v", cores, want)
	}
}

func TestScanLimit(t *testing.T) {
	b := (&Builder{}).AddProcessor(proc(0, true))
	for _, tc := range []struct {
		addr  int
		found bool
	}{
		{addr: 0, found: true},
		{addr: int(DefaultScanLimit), found: true},
		{addr: int(DefaultScanLimit) + 1, found: false},
	} {
		mem := testMemory()
		copy(mem[tc.addr:], b.FloatingPointer(testTableAddr))
		fp, err := testScanner(t, mem, Options{}).FindFloatingPointer()
		if tc.found {
			if err != nil || fp.Address != mm.PhysAddr(tc.addr) {
				t.Errorf("pointer at %#x: got %+v, %v", tc.addr, fp, err)
			}
		} else if !errors.Is(err, ErrTopologyAbsent) {
			t.Errorf("pointer at %#x: got err %v, want %v", tc.addr, err, ErrTopologyAbsent)
		}
	}
}

func TestAbsent(t *testing.T) {
	if _, err := testScanner(t, testMemory(), Options{}).Discover(); !errors.Is(err, ErrTopologyAbsent) {
		t.Errorf("Discover = %v, want %v", err, ErrTopologyAbsent)
	}
}

func TestDefaultConfiguration(t *testing.T) {
	mem := testMemory()
	b := (&Builder{}).AddProcessor(proc(0, true))
	install(mem, b)
	// Select default configuration 5, fixing up the checksum.
	mem[testPointerAddr+11] = 5
	mem[testPointerAddr+10] -= 5

	if _, err := testScanner(t, mem, Options{StrictChecksum: true}).Discover(); !errors.Is(err, ErrTopologyAbsent) {
		t.Errorf("Discover = %v, want %v", err, ErrTopologyAbsent)
	}

	mem = testMemory()
	copy(mem[testPointerAddr:], b.FloatingPointer(0))
	if _, err := testScanner(t, mem, Options{}).Discover(); !errors.Is(err, ErrTopologyAbsent) {
		t.Errorf("Discover with null table pointer = %v, want %v", err, ErrTopologyAbsent)
	}
}

func TestSignatureMismatch(t *testing.T) {
	mem := testMemory()
	install(mem, (&Builder{}).AddProcessor(proc(0, true)).AddProcessor(proc(1, false)))
	copy(mem[testTableAddr:], "PCMX")

	if _, err := testScanner(t, mem, Options{}).Discover(); !errors.Is(err, ErrSignatureMismatch) {
		t.Errorf("Discover = %v, want %v", err, ErrSignatureMismatch)
	}
}

func TestChecksum(t *testing.T) {
	mem := testMemory()
	install(mem, (&Builder{}).AddProcessor(proc(0, true)).AddProcessor(proc(1, false)))
	mem[testTableAddr+7]++

	cores, err := testScanner(t, mem, Options{}).Discover()
	if err != nil || len(cores) != 2 {
		t.Errorf("lenient Discover = %v, %v, want 2 cores", cores, err)
	}
	if _, err := testScanner(t, mem, Options{StrictChecksum: true}).Discover(); !errors.Is(err, ErrChecksum) {
		t.Errorf("strict Discover = %v, want %v", err, ErrChecksum)
	}
}

func TestUnknownEntryKind(t *testing.T) {
	mem := testMemory()
	b := &Builder{}
	b.AddProcessor(proc(0, true)).
		AddEntry(EntryKind(0x80)).
		AddEntry(EntryKind(0x81)).
		AddProcessor(proc(3, false))
	install(mem, b)

	cores, err := testScanner(t, mem, Options{}).Discover()
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	want := []Core{{APICID: 0, BootProcessor: true, Enabled: true}, {APICID: 3, Enabled: true}}
	if diff := cmp.Diff(want, cores); diff != "" {
		t.Errorf("Discover mismatch (-want +got):\n%s", diff)
	}
}

func TestEntryCountOverrun(t *testing.T) {
	mem := testMemory()
	b := (&Builder{}).AddProcessor(proc(0, true)).AddProcessor(proc(1, false))
	install(mem, b)
	// Claim 200 entries and fix up the checksum. The walk must stop at the
	// table length.
	mem[testTableAddr+34] = 200
	mem[testTableAddr+7] -= 198

	cores, err := testScanner(t, mem, Options{StrictChecksum: true}).Discover()
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if len(cores) != 2 {
		t.Errorf("Discover = %v, want 2 cores", cores)
	}
}

func TestTruncatedEntry(t *testing.T) {
	mem := testMemory()
	b := (&Builder{}).AddProcessor(proc(0, true)).AddProcessor(proc(1, false))
	install(mem, b)
	// Shrink the table so the second processor entry is cut short.
	mem[testTableAddr+4] -= 4
	mem[testTableAddr+7] += 4

	cores, err := testScanner(t, mem, Options{StrictChecksum: true}).Discover()
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if want := []Core{{APICID: 0, BootProcessor: true, Enabled: true}}; !cmp.Equal(cores, want) {
		t.Errorf("Discover = %v, want %v", cores, want)
	}
}

func TestShortMemory(t *testing.T) {
	// Memory ends below the scan limit, in the middle of the last chunk.
	mem := make([]byte, 0xa0000)
	install(mem, (&Builder{}).AddProcessor(proc(0, true)).AddProcessor(proc(1, false)))

	cores, err := testScanner(t, mem, Options{}).Discover()
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	want := []Core{
		{APICID: 0, BootProcessor: true, Enabled: true},
		{APICID: 1, Enabled: true},
	}
	if !cmp.Equal(cores, want) {
		t.Errorf("Discover = %v, want %v", cores, want)
	}
}

func TestTableBeyondMemory(t *testing.T) {
	full := testMemory()
	install(full, (&Builder{}).AddProcessor(proc(0, true)).AddProcessor(proc(1, false)))
	// Memory ends inside the second processor entry.
	mem := full[:testTableAddr+headerSize+processorEntrySize+8]

	cores, err := testScanner(t, mem, Options{}).Discover()
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if want := []Core{{APICID: 0, BootProcessor: true, Enabled: true}}; !cmp.Equal(cores, want) {
		t.Errorf("Discover = %v, want %v", cores, want)
	}

	if _, err := testScanner(t, mem, Options{StrictChecksum: true}).Discover(); !errors.Is(err, ErrTruncated) {
		t.Errorf("strict Discover = %v, want %v", err, ErrTruncated)
	}
}

func TestMaxCores(t *testing.T) {
	mem := testMemory()
	b := (&Builder{}).AddProcessor(proc(0, true))
	for id := uint8(1); id < 10; id++ {
		b.AddProcessor(proc(id, false))
	}
	install(mem, b)

	cores, err := testScanner(t, mem, Options{MaxCores: 4}).Discover()
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if len(cores) != 4 || cores[3].APICID != 3 {
		t.Errorf("Discover = %v, want cpus 0-3", cores)
	}
}

func TestDisabledProcessor(t *testing.T) {
	mem := testMemory()
	disabled := proc(1, false)
	disabled.Enabled = false
	install(mem, (&Builder{}).AddProcessor(proc(0, true)).AddProcessor(disabled))

	cores, err := testScanner(t, mem, Options{}).Discover()
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	want := []Core{{APICID: 0, BootProcessor: true, Enabled: true}, {APICID: 1}}
	if diff := cmp.Diff(want, cores); diff != "" {
		t.Errorf("Discover mismatch (-want +got):\n%s", diff)
	}
}

func TestEntryKindString(t *testing.T) {
	for k, want := range map[EntryKind]string{
		EntryProcessor:      "processor",
		EntryLocalInterrupt: "local-interrupt",
		EntryKind(0x90):     "unknown(0x90)",
	} {
		if got := k.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", uint8(k), got, want)
		}
	}
}

func TestDecodeFlags(t *testing.T) {
	for flags := 0; flags < 4; flags++ {
		enabled, boot := decodeFlags(uint8(flags))
		if got := encodeFlags(enabled, boot); got != uint8(flags) {
			t.Errorf("encodeFlags(decodeFlags(%d)) = %d", flags, got)
		}
	}
}

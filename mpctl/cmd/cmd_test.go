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


package cmd

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/mpboot/pkg/cpuid"
	"gvisor.dev/mpboot/pkg/lapic"
	"gvisor.dev/mpboot/pkg/machine"
	"gvisor.dev/mpboot/pkg/mptable"
	"gvisor.dev/mpboot/pkg/msr"
	"gvisor.dev/mpboot/pkg/smp"
)

// lowMemory returns a 1MiB dump with MP tables describing cores.
func lowMemory(cores ...mptable.Processor) []byte {
	const (
		pointer = 0xf5b00
		table   = 0xf5b10
	)
	b := &mptable.Builder{OEMID: "TEST", ProductID: "DUMP", LAPICAddress: 0xfee00000}
	for _, c := range cores {
		b.AddProcessor(c)
	}
	b.AddEntry(mptable.EntryBus, 0, 'I', 'S', 'A')
	data := make([]byte, 1<<20)
	copy(data[pointer:], b.FloatingPointer(table))
	copy(data[table:], b.Table())
	return data
}

func TestScanDump(t *testing.T) {
	data := lowMemory(
		mptable.Processor{APICID: 0, Enabled: true, BootProcessor: true},
		mptable.Processor{APICID: 2, Enabled: true},
		mptable.Processor{APICID: 4},
	)
	r := scanDump(data, mptable.Options{})
	if r.Error != "" {
		t.Fatalf("scanDump failed: %s", r.Error)
	}
	if got, want := r.FloatingPointer.Address, uint64(0xf5b00); got != want {
		t.Errorf("floating pointer at %#x, want %#x", got, want)
	}
	if got, want := r.Table.OEMID, "TEST"; got != want {
		t.Errorf("OEMID = %q, want %q", got, want)
	}
	want := []CoreInfo{
		{APICID: 0, BootProcessor: true, Enabled: true},
		{APICID: 2, Enabled: true},
		{APICID: 4},
	}
	if diff := cmp.Diff(want, r.Cores); diff != "" {
		t.Errorf("cores mismatch (-want +got):\n%s", diff)
	}
	var kinds []string
	for _, e := range r.Entries {
		kinds = append(kinds, e.Kind)
	}
	if diff := cmp.Diff([]string{"processor", "processor", "processor", "bus"}, kinds); diff != "" {
		t.Errorf("entry kinds mismatch (-want +got):\n%s", diff)
	}

	var out bytes.Buffer
	if err := r.writeText(&out, true); err != nil {
		t.Fatalf("writeText failed: %v", err)
	}
	for _, s := range []string{"0xf5b00", "0xfee00000", "APIC ID", "bus"} {
		if !strings.Contains(out.String(), s) {
			t.Errorf("output missing %q:\n%s", s, out.String())
		}
	}
}

func TestScanDumpErrors(t *testing.T) {
	corrupt := lowMemory(mptable.Processor{APICID: 0, Enabled: true, BootProcessor: true})
	copy(corrupt[0xf5b10:], "XXXX")

	for _, tc := range []struct {
		name string
		data []byte
		want string
	}{
		{"short", make([]byte, 2), "too short"},
		{"empty", make([]byte, 4096), "no MP configuration table"},
		{"signature", corrupt, "signature mismatch"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r := scanDump(tc.data, mptable.Options{})
			if !strings.Contains(r.Error, tc.want) {
				t.Errorf("scanDump error = %q, want it to contain %q", r.Error, tc.want)
			}
			if len(r.Cores) != 0 {
				t.Errorf("scanDump returned cores %v on error", r.Cores)
			}
		})
	}
}

func TestScanDumpShortDump(t *testing.T) {
	// The tables sit in the last bytes of a dump smaller than the scan
	// limit.
	b := &mptable.Builder{}
	b.AddProcessor(mptable.Processor{APICID: 0, Enabled: true, BootProcessor: true})
	table := b.Table()
	data := make([]byte, 0x1000+len(table))
	copy(data[0x1000:], table)
	copy(data[0xff0:], b.FloatingPointer(0x1000))
	r := scanDump(data, mptable.Options{})
	if r.Error != "" {
		t.Fatalf("scanDump failed: %s", r.Error)
	}
	if len(r.Cores) != 1 {
		t.Errorf("got cores %v, want one", r.Cores)
	}
}

func fastOptions() smp.Options {
	return smp.Options{
		InitDelay:  time.Millisecond,
		SIPIDelay:  time.Microsecond,
		IPITimeout: 20 * time.Millisecond,
		AckTimeout: time.Second,
	}
}

func TestSimulate(t *testing.T) {
	spec := machine.DefaultSpec(3)
	spec.CPUs[2].NoAck = true
	res, err := simulate(context.Background(), spec, fastOptions())
	if err != nil {
		t.Fatalf("simulate failed: %v", err)
	}
	if res.Error != "" {
		t.Errorf("bring-up error: %s", res.Error)
	}
	var states []string
	for _, c := range res.CPUs {
		states = append(states, c.State)
	}
	want := []string{smp.StateBootProcessor.String(), smp.StateOnline.String(), smp.StateFailed.String()}
	if diff := cmp.Diff(want, states); diff != "" {
		t.Errorf("states mismatch (-want +got):\n%s", diff)
	}
	if res.CPUs[1].StackTop == 0 {
		t.Errorf("online cpu has no stack")
	}
	if res.CPUs[2].Error == "" {
		t.Errorf("failed cpu has no error")
	}
	if len(res.IPIs) == 0 {
		t.Errorf("no IPIs recorded")
	}

	var out bytes.Buffer
	if err := res.writeText(&out, true); err != nil {
		t.Fatalf("writeText failed: %v", err)
	}
	if !strings.Contains(out.String(), "ipi: ") || !strings.Contains(out.String(), "online") {
		t.Errorf("unexpected output:\n%s", out.String())
	}
}

func TestSimulateFrameExhaustion(t *testing.T) {
	spec := machine.DefaultSpec(2)
	spec.FrameBudget = 1
	res, err := simulate(context.Background(), spec, fastOptions())
	if err != nil {
		t.Fatalf("simulate failed: %v", err)
	}
	if !strings.Contains(res.Error, smp.ErrFrameAllocation.Error()) {
		t.Errorf("error = %q, want %q", res.Error, smp.ErrFrameAllocation)
	}
}

func TestInspectAPIC(t *testing.T) {
	regs := msr.NewFile(map[uint32]uint64{
		msr.APICBase: 0xfee00000 | lapic.BaseEnable | lapic.BaseBSP,
	})
	fs := cpuid.Static{}.Add(cpuid.X86FeatureAPIC).ToFeatureSet()
	info, err := inspectAPIC(fs, regs)
	if err != nil {
		t.Fatalf("inspectAPIC failed: %v", err)
	}
	want := &APICInfo{
		Raw:           0xfee00900,
		Base:          0xfee00000,
		Enabled:       true,
		BootProcessor: true,
		Features:      "[apic]",
	}
	if diff := cmp.Diff(want, info); diff != "" {
		t.Errorf("inspectAPIC mismatch (-want +got):\n%s", diff)
	}
}

func TestInspectAPICReadError(t *testing.T) {
	if _, err := inspectAPIC(cpuid.FeatureSet{}, msr.NewFile(nil)); err == nil {
		t.Errorf("inspectAPIC succeeded without an APIC base register")
	}
}

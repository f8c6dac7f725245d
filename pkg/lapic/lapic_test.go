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

package lapic

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/mpboot/pkg/cpuid"
	"gvisor.dev/mpboot/pkg/hostarch"
	"gvisor.dev/mpboot/pkg/log"
	"gvisor.dev/mpboot/pkg/mm"
	"gvisor.dev/mpboot/pkg/msr"
)

const testWindow hostarch.Addr = 0xffff800000100000

type mapping struct {
	frame mm.Frame
	mt    hostarch.MemoryType
}

// fakeAPIC implements mm.AddressSpace and mm.IO over a single register
// window, recording every access.
type fakeAPIC struct {
	mapped map[hostarch.Addr]mapping
	regs   map[uint32]uint32

	// busyReads is the number of command register reads that report a
	// pending delivery after each send. Negative means forever.
	busyReads int
	busy      int

	trace []string
}

func newFakeAPIC() *fakeAPIC {
	return &fakeAPIC{
		mapped: make(map[hostarch.Addr]mapping),
		regs:   map[uint32]uint32{RegID: 3 << 24, RegVersion: 0x50014},
	}
}

func (f *fakeAPIC) AllocVirtual(pages int) (hostarch.Addr, error) {
	return testWindow, nil
}

func (f *fakeAPIC) MapPage(virtual hostarch.Addr, frame mm.Frame, mt hostarch.MemoryType) error {
	f.mapped[virtual] = mapping{frame, mt}
	return nil
}

func (f *fakeAPIC) MapPages(virtual hostarch.Addr, frames []mm.Frame, mt hostarch.MemoryType) error {
	for i, frame := range frames {
		f.MapPage(virtual+hostarch.Addr(i*hostarch.PageSize), frame, mt)
	}
	return nil
}

func (f *fakeAPIC) PageTableRoot() mm.PhysAddr {
	return 0x1000
}

func (f *fakeAPIC) Load32(addr hostarch.Addr) uint32 {
	reg := uint32(addr - testWindow)
	f.trace = append(f.trace, fmt.Sprintf("r%#x", reg))
	v := f.regs[reg]
	if reg == RegICRLow && f.busy != 0 {
		f.busy--
		v = WithPending(v)
	}
	return v
}

func (f *fakeAPIC) Store32(addr hostarch.Addr, v uint32) {
	reg := uint32(addr - testWindow)
	f.trace = append(f.trace, fmt.Sprintf("w%#x", reg))
	f.regs[reg] = v
	if reg == RegICRLow {
		f.busy = f.busyReads
	}
}

func newTestDriver(t *testing.T, f *fakeAPIC, timeout time.Duration) (*Driver, *msr.File) {
	regs := msr.NewFile(map[uint32]uint64{msr.APICBase: 0xfee00000 | BaseBSP})
	d := New(regs, f, f, Options{
		DeliveryTimeout: timeout,
		Logger:          &log.BasicLogger{Level: log.Debug, Emitter: &log.TestEmitter{TestLogger: t}},
	})
	return d, regs
}

func TestBaseRoundTrip(t *testing.T) {
	d, regs := newTestDriver(t, newFakeAPIC(), 0)
	base, err := d.Base()
	if err != nil {
		t.Fatalf("Base failed: %v", err)
	}
	if base != 0xfee00000 {
		t.Errorf("Base = %v, want 0xfee00000", base)
	}
	if err := d.SetBase(base); err != nil {
		t.Fatalf("SetBase failed: %v", err)
	}
	if got, err := d.Base(); err != nil || got != base {
		t.Errorf("Base after SetBase = %v, %v, want %v", got, err, base)
	}
	if got, want := regs.Get(msr.APICBase), uint64(0xfee00000|BaseBSP|BaseEnable); got != want {
		t.Errorf("APIC base register = %#x, want %#x", got, want)
	}
}

func TestSetBaseMasksFlags(t *testing.T) {
	d, regs := newTestDriver(t, newFakeAPIC(), 0)
	if err := d.SetBase(0x12345fff); err != nil {
		t.Fatalf("SetBase failed: %v", err)
	}
	base, enabled, bsp, x2apic := DecodeBase(regs.Get(msr.APICBase))
	if base != 0x12345000 || !enabled || !bsp || x2apic {
		t.Errorf("DecodeBase = %v, %t, %t, %t", base, enabled, bsp, x2apic)
	}
}

func TestInit(t *testing.T) {
	f := newFakeAPIC()
	d, _ := newTestDriver(t, f, 0)
	if d.Initialized() {
		t.Fatalf("Initialized before Init")
	}
	if err := d.Init(); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if want := (mapping{mm.FrameOf(0xfee00000), hostarch.MemoryTypeUncached}); f.mapped[testWindow] != want {
		t.Errorf("mapping = %+v, want %+v", f.mapped[testWindow], want)
	}
	if svr := f.regs[RegSVR]; svr&SVREnable == 0 || svr&0xff != SpuriousVector {
		t.Errorf("SVR = %#x, want enable bit and vector %#x", svr, SpuriousVector)
	}
	if got := d.ID(); got != 3 {
		t.Errorf("ID = %d, want 3", got)
	}
}

func TestSendIPIOrder(t *testing.T) {
	f := newFakeAPIC()
	f.busyReads = 2
	d, _ := newTestDriver(t, f, time.Second)
	if err := d.Init(); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	f.trace = nil

	if err := d.Send(context.Background(), Startup(1, 0x08)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	want := []string{"w0x310", "r0x20", "w0x300", "r0x20", "r0x300", "r0x300", "r0x300"}
	if diff := cmp.Diff(want, f.trace); diff != "" {
		t.Errorf("register trace mismatch (-want +got):\n%s", diff)
	}
	if f.regs[RegICRHigh] != 1<<24 || f.regs[RegICRLow] != 0x608 {
		t.Errorf("ICR = %#x:%#x, want 0x1000000:0x608", f.regs[RegICRHigh], f.regs[RegICRLow])
	}
}

func TestSendIPITimeout(t *testing.T) {
	f := newFakeAPIC()
	f.busyReads = -1
	d, _ := newTestDriver(t, f, 5*time.Millisecond)
	if err := d.Init(); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := d.Send(context.Background(), InitAssert(2, 0x08)); !errors.Is(err, ErrDeliveryTimeout) {
		t.Errorf("Send = %v, want %v", err, ErrDeliveryTimeout)
	}
}

func TestSendIPICancelled(t *testing.T) {
	f := newFakeAPIC()
	f.busyReads = -1
	d, _ := newTestDriver(t, f, time.Minute)
	if err := d.Init(); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.Send(ctx, InitAssert(2, 0x08)); !errors.Is(err, context.Canceled) {
		t.Errorf("Send = %v, want %v", err, context.Canceled)
	}
}

func TestCommandEncoding(t *testing.T) {
	for _, tc := range []struct {
		cmd    Command
		hi, lo uint32
	}{
		{InitAssert(1, 0x08), 1 << 24, 0x08 | 5<<8 | 1<<14},
		{InitDeassert(1), 1 << 24, 5<<8 | 1<<15},
		{Startup(2, 0x08), 2 << 24, 0x08 | 6<<8},
	} {
		if hi, lo := tc.cmd.High(), tc.cmd.Low(); hi != tc.hi || lo != tc.lo {
			t.Errorf("%v encodes as %#x:%#x, want %#x:%#x", tc.cmd, hi, lo, tc.hi, tc.lo)
		}
		if got := DecodeCommand(tc.hi, tc.lo); got != tc.cmd {
			t.Errorf("DecodeCommand(%#x, %#x) = %+v, want %+v", tc.hi, tc.lo, got, tc.cmd)
		}
	}
}

func TestIsPresent(t *testing.T) {
	s := cpuid.Static{}
	if IsPresent(s.ToFeatureSet()) {
		t.Errorf("IsPresent without APIC feature = true")
	}
	if !IsPresent(s.Add(cpuid.X86FeatureAPIC).ToFeatureSet()) {
		t.Errorf("IsPresent with APIC feature = false")
	}
}

func TestSetBasePreservesX2APIC(t *testing.T) {
	regs := msr.NewFile(map[uint32]uint64{msr.APICBase: 0xfee00000 | BaseX2APIC})
	d := New(regs, newFakeAPIC(), newFakeAPIC(), Options{})
	if err := d.SetBase(0xfee00000); err != nil {
		t.Fatalf("SetBase failed: %v", err)
	}
	if _, _, _, x2apic := DecodeBase(regs.Get(msr.APICBase)); !x2apic {
		t.Errorf("SetBase cleared the x2APIC bit")
	}
}

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

// Package machine is a hosted model of an x86 machine, sufficient to run
// processor bring-up outside of a kernel.
//
// A Machine provides RAM, a frame allocator, a kernel address space whose
// pages may map RAM or the local APIC, the boot processor's model-specific
// registers and CPUID, and MP tables built from its Spec. The boot
// processor's local APIC delivers INIT and STARTUP IPIs to the other
// processors, each of which runs the trampoline in its own goroutine.
package machine

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"gvisor.dev/mpboot/pkg/cleanup"
	"gvisor.dev/mpboot/pkg/cpuid"
	"gvisor.dev/mpboot/pkg/hostarch"
	"gvisor.dev/mpboot/pkg/lapic"
	"gvisor.dev/mpboot/pkg/log"
	"gvisor.dev/mpboot/pkg/mm"
	"gvisor.dev/mpboot/pkg/mptable"
	"gvisor.dev/mpboot/pkg/msr"
	"gvisor.dev/mpboot/pkg/smp"
)

// kernelBase is the first virtual address handed out by AllocVirtual.
const kernelBase hostarch.Addr = 0xffff800000000000

// pte is a page mapping.
type pte struct {
	frame mm.Frame
	mt    hostarch.MemoryType
}

// Machine is a hosted machine. It implements mm.PhysicalMemory, mm.IO,
// mm.FrameAllocator and mm.AddressSpace.
type Machine struct {
	spec Spec
	log  log.Logger

	// ram is mapped anonymous memory, accessed atomically by the boot
	// processor and the application processors.
	ram []byte

	msrs     *msr.File
	features cpuid.FeatureSet
	root     mm.PhysAddr

	// lapicFrame is the frame of the local APIC window.
	lapicFrame mm.Frame

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu sync.Mutex

	// nextFrame and budget track frame allocation. A negative budget is
	// unlimited.
	nextFrame mm.Frame
	budget    int

	nextVA hostarch.Addr
	pages  map[hostarch.Addr]pte

	apic apicDevice
	cpus map[uint8]*vcpu

	// ipis records every accepted interrupt command, in order.
	ipis []lapic.Command

	// boots records every processor that ran the trampoline, in order.
	boots []Boot
}

// New builds a machine from spec.
func New(spec Spec, logger log.Logger) (*Machine, error) {
	spec.setDefaults()
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Log()
	}
	ram, err := unix.Mmap(-1, 0, int(spec.Memory), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("allocating %#x bytes of RAM: %w", spec.Memory, err)
	}
	cu := cleanup.Make(func() { unix.Munmap(ram) })
	defer cu.Clean()

	bsp := spec.BSP()
	features := cpuid.Static{}.Add(cpuid.X86FeatureFPU).Add(cpuid.X86FeatureTSC).Add(cpuid.X86FeatureMSR).Add(cpuid.X86FeaturePAE)
	if !spec.NoAPIC {
		features.Add(cpuid.X86FeatureAPIC)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cu.Add(cancel)
	g, gctx := errgroup.WithContext(ctx)

	m := &Machine{
		spec:       spec,
		log:        logger,
		ram:        ram,
		msrs:       msr.NewFile(map[uint32]uint64{msr.APICBase: spec.LAPICBase | lapic.BaseBSP}),
		features:   features.ToFeatureSet(),
		lapicFrame: mm.FrameOf(mm.PhysAddr(spec.LAPICBase)),
		ctx:        gctx,
		cancel:     cancel,
		group:      g,
		nextFrame:  mm.FrameOf(reservedLow),
		budget:     -1,
		nextVA:     kernelBase,
		pages:      make(map[hostarch.Addr]pte),
		apic:       newAPICDevice(bsp.APICID),
		cpus:       make(map[uint8]*vcpu),
	}

	// The root page table is allocated before the budget applies.
	root, err := m.AllocFrames(1)
	if err != nil {
		return nil, err
	}
	m.root = root[0].Address()
	if spec.FrameBudget > 0 {
		m.budget = spec.FrameBudget
	}

	for _, c := range spec.CPUs {
		if !c.BSP {
			m.cpus[c.APICID] = &vcpu{spec: c}
		}
	}
	if !spec.NoTable {
		m.installTables()
	}
	cu.Release()
	return m, nil
}

// installTables writes the MP floating pointer and configuration table.
func (m *Machine) installTables() {
	b := &mptable.Builder{OEMID: "GVISOR", ProductID: "MPBOOT", LAPICAddress: uint32(m.spec.LAPICBase)}
	for _, c := range m.spec.CPUs {
		b.AddProcessor(mptable.Processor{
			APICID:        c.APICID,
			APICVersion:   apicVersion & 0xff,
			Enabled:       !c.Disabled,
			BootProcessor: c.BSP,
			Signature:     0x600,
			FeatureFlags:  m.features.Query(cpuid.In{Eax: 1}).Edx,
		})
	}
	b.AddEntry(mptable.EntryBus, 0, 'I', 'S', 'A', ' ', ' ', ' ')
	b.AddEntry(mptable.EntryIOAPIC, uint8(len(m.spec.CPUs)), 0x11, 1, 0x00, 0x00, 0xc0, 0xfe)
	for _, kind := range m.spec.ExtraEntries {
		b.AddEntry(mptable.EntryKind(kind))
	}
	table := b.Table()
	if m.spec.CorruptSignature {
		copy(table, "PCMX")
	}
	if m.spec.CorruptChecksum {
		table[7]++
	}
	copy(m.ram[m.spec.PointerAddress:], b.FloatingPointer(uint32(m.spec.TableAddress)))
	copy(m.ram[m.spec.TableAddress:], table)
}

// Spec returns the machine's spec.
func (m *Machine) Spec() Spec {
	return m.spec
}

// Features returns the boot processor's CPUID features.
func (m *Machine) Features() cpuid.FeatureSet {
	return m.features
}

// MSR returns the boot processor's model-specific registers.
func (m *Machine) MSR() *msr.File {
	return m.msrs
}

// Platform returns the services needed for bring-up.
func (m *Machine) Platform() smp.Platform {
	return smp.Platform{
		Features:     m.features,
		MSR:          m.msrs,
		Memory:       m,
		IO:           m,
		Frames:       m,
		AddressSpace: m,
		Payload:      Payload(),
	}
}

// Wait waits for all started processors to finish running the trampoline,
// and returns the first error one of them encountered.
func (m *Machine) Wait() error {
	return m.group.Wait()
}

// Close stops the machine and releases its memory. Processors still running
// are abandoned.
func (m *Machine) Close() error {
	m.cancel()
	err := m.group.Wait()
	if uerr := unix.Munmap(m.ram); uerr != nil && err == nil {
		err = uerr
	}
	return err
}

// IPIs returns the interrupt commands sent by the boot processor.
func (m *Machine) IPIs() []lapic.Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]lapic.Command(nil), m.ipis...)
}

// Boots returns the processors that ran the trampoline, in start order.
func (m *Machine) Boots() []Boot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Boot(nil), m.boots...)
}

func (m *Machine) checkRAM(pa mm.PhysAddr, n uint64) error {
	if end := uint64(pa) + n; end < uint64(pa) || end > uint64(len(m.ram)) {
		return fmt.Errorf("physical range [%v, %#x) is not RAM", pa, end)
	}
	return nil
}

// ReadAt implements mm.PhysicalMemory.ReadAt.
func (m *Machine) ReadAt(p []byte, pa mm.PhysAddr) error {
	if err := m.checkRAM(pa, uint64(len(p))); err != nil {
		return err
	}
	copy(p, m.ram[pa:])
	return nil
}

// AllocFrames implements mm.FrameAllocator.AllocFrames.
func (m *Machine) AllocFrames(count int) ([]mm.Frame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if count <= 0 {
		return nil, fmt.Errorf("invalid frame count %d", count)
	}
	if m.budget >= 0 && count > m.budget {
		return nil, fmt.Errorf("%d frames requested, budget has %d: %w", count, m.budget, mm.ErrOutOfMemory)
	}
	if end := m.nextFrame + mm.Frame(count); end > mm.FrameOf(mm.PhysAddr(m.spec.Memory)) {
		return nil, fmt.Errorf("%d frames requested, RAM exhausted at %v: %w", count, m.nextFrame.Address(), mm.ErrOutOfMemory)
	}
	frames := make([]mm.Frame, count)
	for i := range frames {
		frames[i] = m.nextFrame
		m.nextFrame++
	}
	if m.budget >= 0 {
		m.budget -= count
	}
	return frames, nil
}

// AllocVirtual implements mm.AddressSpace.AllocVirtual.
func (m *Machine) AllocVirtual(pages int) (hostarch.Addr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pages <= 0 {
		return 0, fmt.Errorf("invalid page count %d", pages)
	}
	va := m.nextVA
	m.nextVA += hostarch.Addr(pages * hostarch.PageSize)
	return va, nil
}

// MapPage implements mm.AddressSpace.MapPage.
func (m *Machine) MapPage(virtual hostarch.Addr, frame mm.Frame, mt hostarch.MemoryType) error {
	return m.MapPages(virtual, []mm.Frame{frame}, mt)
}

// MapPages implements mm.AddressSpace.MapPages.
func (m *Machine) MapPages(virtual hostarch.Addr, frames []mm.Frame, mt hostarch.MemoryType) error {
	if !virtual.IsPageAligned() {
		return fmt.Errorf("unaligned virtual address %v", virtual)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, f := range frames {
		va := virtual + hostarch.Addr(i*hostarch.PageSize)
		if va < kernelBase || va >= m.nextVA {
			return fmt.Errorf("virtual address %v was not allocated", va)
		}
		if _, ok := m.pages[va]; ok {
			return fmt.Errorf("virtual address %v is already mapped", va)
		}
		if f != m.lapicFrame && m.checkRAM(f.Address(), hostarch.PageSize) != nil {
			return fmt.Errorf("frame %v is neither RAM nor a device", f.Address())
		}
		m.pages[va] = pte{frame: f, mt: mt}
	}
	return nil
}

// PageTableRoot implements mm.AddressSpace.PageTableRoot.
func (m *Machine) PageTableRoot() mm.PhysAddr {
	return m.root
}

// translate returns the physical address of va.
func (m *Machine) translate(va hostarch.Addr) (pte, mm.PhysAddr) {
	m.mu.Lock()
	p, ok := m.pages[va.RoundDown()]
	m.mu.Unlock()
	if !ok {
		panic(fmt.Sprintf("page fault at %v", va))
	}
	return p, p.frame.Address() + mm.PhysAddr(va.PageOffset())
}

// Load32 implements mm.IO.Load32.
func (m *Machine) Load32(va hostarch.Addr) uint32 {
	p, pa := m.translate(va)
	if p.frame == m.lapicFrame {
		m.checkDeviceMapping(p, va)
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.apic.read(uint32(va.PageOffset()))
	}
	return m.load32(pa)
}

// Store32 implements mm.IO.Store32.
func (m *Machine) Store32(va hostarch.Addr, v uint32) {
	p, pa := m.translate(va)
	if p.frame == m.lapicFrame {
		m.checkDeviceMapping(p, va)
		m.mu.Lock()
		defer m.mu.Unlock()
		m.apicWrite(uint32(va.PageOffset()), v)
		return
	}
	m.store32(pa, v)
}

func (m *Machine) checkDeviceMapping(p pte, va hostarch.Addr) {
	if p.mt != hostarch.MemoryTypeUncached {
		panic(fmt.Sprintf("local APIC accessed at %v through a %v mapping", va, p.mt))
	}
}

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

// Package lapic drives the boot processor's local APIC in xAPIC mode.
//
// The local APIC is located through the IA32_APIC_BASE model-specific
// register and programmed through a page of uncached memory-mapped
// registers. The only operations needed for bring-up are enabling the unit
// and sending inter-processor interrupts.
package lapic

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"gvisor.dev/mpboot/pkg/bits"
	"gvisor.dev/mpboot/pkg/cpuid"
	"gvisor.dev/mpboot/pkg/hostarch"
	"gvisor.dev/mpboot/pkg/log"
	"gvisor.dev/mpboot/pkg/mm"
	"gvisor.dev/mpboot/pkg/msr"
)

// Register offsets within the MMIO window.
const (
	RegID      = 0x20
	RegVersion = 0x30
	RegSVR     = 0xf0
	RegICRLow  = 0x300
	RegICRHigh = 0x310
)

// IA32_APIC_BASE flags.
const (
	BaseBSP    = 1 << 8
	BaseX2APIC = 1 << 10
	BaseEnable = 1 << 11
)

// baseMask selects the 4 KiB aligned physical base in IA32_APIC_BASE.
var baseMask = bits.Range64(12, 51)

// Spurious interrupt vector register values.
const (
	// SVREnable is the APIC software enable bit.
	SVREnable = 1 << 8

	// SpuriousVector is the vector delivered for spurious interrupts.
	SpuriousVector = 0xff
)

// DefaultDeliveryTimeout bounds the wait for an IPI to be accepted.
const DefaultDeliveryTimeout = 100 * time.Millisecond

// ErrDeliveryTimeout is returned when the interrupt command register does not
// report delivery within the timeout.
var ErrDeliveryTimeout = errors.New("IPI delivery timed out")

// IsPresent returns true if the processor described by fs has a local APIC.
func IsPresent(fs cpuid.FeatureSet) bool {
	return fs.HasFeature(cpuid.X86FeatureAPIC)
}

// DecodeBase splits an IA32_APIC_BASE value into the physical base and its
// flags.
func DecodeBase(v uint64) (base mm.PhysAddr, enabled, bsp, x2apic bool) {
	return mm.PhysAddr(v & baseMask), v&BaseEnable != 0, v&BaseBSP != 0, v&BaseX2APIC != 0
}

// Options configures a Driver.
type Options struct {
	// DeliveryTimeout bounds SendIPI. Zero means DefaultDeliveryTimeout.
	DeliveryTimeout time.Duration

	// Logger receives driver diagnostics. Nil means the global logger.
	Logger log.Logger
}

// Driver is the local APIC of the processor it runs on.
type Driver struct {
	msr  msr.Accessor
	as   mm.AddressSpace
	io   mm.IO
	opts Options
	log  log.Logger

	// base is the physical base. It is valid after Init.
	base mm.PhysAddr

	// mmio is the virtual address of the register window. It is zero until
	// Init succeeds.
	mmio hostarch.Addr
}

// New returns a Driver using the given register, address space and memory
// access services.
func New(m msr.Accessor, as mm.AddressSpace, io mm.IO, opts Options) *Driver {
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = DefaultDeliveryTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Log()
	}
	return &Driver{msr: m, as: as, io: io, opts: opts, log: logger}
}

// Base returns the physical base address of the local APIC.
func (d *Driver) Base() (mm.PhysAddr, error) {
	hi, lo, err := d.msr.Read(msr.APICBase)
	if err != nil {
		return 0, err
	}
	base, _, _, _ := DecodeBase(msr.Join(hi, lo))
	return base, nil
}

// SetBase moves the local APIC to base, enabling it and marking this
// processor as the boot processor. The x2APIC mode bit is preserved.
func (d *Driver) SetBase(base mm.PhysAddr) error {
	hi, lo, err := d.msr.Read(msr.APICBase)
	if err != nil {
		return err
	}
	v := msr.Join(hi, lo)&BaseX2APIC | uint64(base)&baseMask | BaseEnable | BaseBSP
	hi, lo = msr.Split(v)
	return d.msr.Write(msr.APICBase, hi, lo)
}

// Init enables the local APIC and maps its registers. It must be called
// before any other method that touches registers.
func (d *Driver) Init() error {
	base, err := d.Base()
	if err != nil {
		return fmt.Errorf("reading APIC base: %w", err)
	}
	if err := d.SetBase(base); err != nil {
		return fmt.Errorf("enabling APIC at %v: %w", base, err)
	}
	va, err := d.as.AllocVirtual(1)
	if err != nil {
		return fmt.Errorf("allocating APIC window: %w", err)
	}
	if err := d.as.MapPage(va, mm.FrameOf(base), hostarch.MemoryTypeUncached); err != nil {
		return fmt.Errorf("mapping APIC at %v: %w", base, err)
	}
	d.base = base
	d.mmio = va

	svr := d.read(RegSVR)
	d.write(RegSVR, svr|SVREnable|SpuriousVector)
	d.log.Infof("lapic: Local APIC %d (version %#x) at %v, mapped at %v", d.ID(), d.Version(), base, va)
	return nil
}

// Initialized returns true once Init has succeeded.
func (d *Driver) Initialized() bool {
	return d.mmio != 0
}

// MMIO returns the virtual address of the register window.
func (d *Driver) MMIO() hostarch.Addr {
	return d.mmio
}

func (d *Driver) read(reg uint32) uint32 {
	if d.mmio == 0 {
		panic("lapic: register access before Init")
	}
	return d.io.Load32(d.mmio + hostarch.Addr(reg))
}

func (d *Driver) write(reg uint32, v uint32) {
	if d.mmio == 0 {
		panic("lapic: register access before Init")
	}
	d.io.Store32(d.mmio+hostarch.Addr(reg), v)
}

// ID returns the APIC ID of this processor.
func (d *Driver) ID() uint8 {
	return uint8(d.read(RegID) >> 24)
}

// Version returns the version register.
func (d *Driver) Version() uint32 {
	return d.read(RegVersion)
}

// SendIPI writes hi and lo to the interrupt command register, in that order,
// and waits for the interrupt to be accepted. Each write is followed by a
// read of the ID register, which serializes it with the next access.
func (d *Driver) SendIPI(ctx context.Context, hi, lo uint32) error {
	d.write(RegICRHigh, hi)
	d.read(RegID)
	d.write(RegICRLow, lo)
	d.read(RegID)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Microsecond
	b.MaxInterval = time.Millisecond
	b.MaxElapsedTime = d.opts.DeliveryTimeout

	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		if d.read(RegICRLow)&icrDeliveryStatus == 0 {
			return nil
		}
		return fmt.Errorf("%w: command %v", ErrDeliveryTimeout, DecodeCommand(hi, lo))
	}
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}

// Send sends c and waits for it to be accepted.
func (d *Driver) Send(ctx context.Context, c Command) error {
	return d.SendIPI(ctx, c.High(), c.Low())
}

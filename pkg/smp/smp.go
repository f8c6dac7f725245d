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

// Package smp brings up the application processors of the machine.
//
// BringUp enables the boot processor's local APIC, discovers the other
// processors from the firmware's MP tables and starts each of them in turn
// with the INIT-SIPI-SIPI sequence. Each core is given a fresh stack and the
// kernel's root page table through the trampoline's parameter table, and the
// boot processor waits for the core to acknowledge them before moving on.
//
// Firmware table problems degrade to a single processor machine. A core that
// does not start is logged, parked and skipped. Running out of memory for a
// stack is fatal.
package smp

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"gvisor.dev/mpboot/pkg/cpuid"
	"gvisor.dev/mpboot/pkg/lapic"
	"gvisor.dev/mpboot/pkg/log"
	"gvisor.dev/mpboot/pkg/mm"
	"gvisor.dev/mpboot/pkg/mptable"
	"gvisor.dev/mpboot/pkg/msr"
	"gvisor.dev/mpboot/pkg/trampoline"
)

var (
	// ErrFrameAllocation is returned when a core's stack cannot be
	// allocated. It is fatal.
	ErrFrameAllocation = errors.New("cannot allocate application processor stack")

	// ErrWakeupTimeout matches per-core failures caused by a core that did
	// not accept an IPI or did not acknowledge its parameters in time.
	ErrWakeupTimeout = errors.New("application processor wakeup timed out")

	// ErrAlreadyStarted is returned by a second call to BringUp.
	ErrAlreadyStarted = errors.New("multiprocessor bring-up already ran")
)

// Options configures bring-up. The zero value of each field selects its
// default.
type Options struct {
	// MaxCores bounds the number of cores taken from the MP table.
	MaxCores int

	// ScanLimit is the last address searched for the MP floating pointer.
	ScanLimit mm.PhysAddr

	// StrictChecksum treats MP table checksum errors like a missing table.
	StrictChecksum bool

	// LoadAddress is where the trampoline is installed.
	LoadAddress mm.PhysAddr

	// StackPages is the size of each application processor's stack.
	StackPages int

	// InitDelay follows the INIT sequence.
	InitDelay time.Duration

	// SIPIDelay separates the two STARTUP IPIs.
	SIPIDelay time.Duration

	// IPITimeout bounds the acceptance of each IPI.
	IPITimeout time.Duration

	// AckTimeout bounds the wait for a core to consume its parameters.
	AckTimeout time.Duration

	// Sleep implements the delays. Defaults to time.Sleep.
	Sleep func(time.Duration)

	// Logger receives diagnostics. Defaults to the global logger.
	Logger log.Logger
}

// Defaults.
const (
	DefaultInitDelay  = 10 * time.Millisecond
	DefaultSIPIDelay  = 200 * time.Microsecond
	DefaultIPITimeout = lapic.DefaultDeliveryTimeout
	DefaultAckTimeout = trampoline.DefaultConsumeTimeout
)

func (o *Options) setDefaults() {
	if o.MaxCores <= 0 {
		o.MaxCores = mptable.DefaultMaxCores
	}
	if o.ScanLimit == 0 {
		o.ScanLimit = mptable.DefaultScanLimit
	}
	if o.LoadAddress == 0 {
		o.LoadAddress = trampoline.DefaultLoadAddress
	}
	if o.StackPages <= 0 {
		o.StackPages = trampoline.StackPages
	}
	if o.InitDelay == 0 {
		o.InitDelay = DefaultInitDelay
	}
	if o.SIPIDelay == 0 {
		o.SIPIDelay = DefaultSIPIDelay
	}
	if o.IPITimeout <= 0 {
		o.IPITimeout = DefaultIPITimeout
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = DefaultAckTimeout
	}
	if o.Sleep == nil {
		o.Sleep = time.Sleep
	}
}

func (o *Options) logger() log.Logger {
	if o.Logger == nil {
		return log.Log()
	}
	return o.Logger
}

// Platform bundles the services bring-up consumes from the rest of the
// kernel.
type Platform struct {
	// Features describes the boot processor.
	Features cpuid.FeatureSet

	// MSR accesses the boot processor's model-specific registers.
	MSR msr.Accessor

	// Memory is the physical memory holding the firmware tables and the
	// trampoline.
	Memory mm.PhysicalMemory

	// IO accesses mapped device memory.
	IO mm.IO

	Frames       mm.FrameAllocator
	AddressSpace mm.AddressSpace

	// Payload is the trampoline image.
	Payload trampoline.Payload
}

// Controller runs bring-up for one machine, exactly once.
type Controller struct {
	platform Platform
	opts     Options
	log      log.Logger
	started  atomic.Bool

	// topology is set once BringUp returns.
	topology atomic.Pointer[Topology]
}

// NewController returns a Controller for p.
func NewController(p Platform, opts Options) *Controller {
	opts.setDefaults()
	return &Controller{platform: p, opts: opts, log: opts.logger()}
}

// Topology returns a copy of the topology, or nil if BringUp has not
// returned yet.
func (c *Controller) Topology() *Topology {
	t := c.topology.Load()
	if t == nil {
		return nil
	}
	return t.Clone()
}

// BringUp starts all application processors. It returns the topology, which
// is valid even when an error is returned. The only errors are
// ErrAlreadyStarted, failures of the boot processor's own local APIC or of
// the trampoline, cancellation of ctx and ErrFrameAllocation.
func (c *Controller) BringUp(ctx context.Context) (*Topology, error) {
	if !c.started.CompareAndSwap(false, true) {
		return nil, ErrAlreadyStarted
	}
	t, err := c.bringUp(ctx)
	c.topology.Store(t)
	return t.Clone(), err
}

func (c *Controller) bringUp(ctx context.Context) (*Topology, error) {
	p := c.platform
	if !lapic.IsPresent(p.Features) {
		c.log.Warningf("smp: No local APIC, running on the boot processor only")
		return &Topology{CPUs: []CPU{{BootProcessor: true, State: StateBootProcessor}}}, nil
	}

	apic := lapic.New(p.MSR, p.AddressSpace, p.IO, lapic.Options{
		DeliveryTimeout: c.opts.IPITimeout,
		Logger:          c.log,
	})
	if err := apic.Init(); err != nil {
		return &Topology{CPUs: []CPU{{BootProcessor: true, State: StateBootProcessor}}}, fmt.Errorf("initializing local APIC: %w", err)
	}
	self := apic.ID()
	single := &Topology{CPUs: []CPU{{APICID: self, BootProcessor: true, State: StateBootProcessor}}}

	scanner := mptable.NewScanner(p.Memory, mptable.Options{
		ScanLimit:      c.opts.ScanLimit,
		MaxCores:       c.opts.MaxCores,
		StrictChecksum: c.opts.StrictChecksum,
		Logger:         c.log,
	})
	cores, err := scanner.Discover()
	if err != nil {
		c.log.Warningf("smp: %v, running on the boot processor only", err)
		return single, nil
	}
	t := c.topologyFrom(cores, self)
	if t.Count(StatePending) == 0 {
		c.log.Infof("smp: No application processors to start")
		return t, nil
	}

	boot, err := trampoline.New(p.Memory, p.Payload, c.opts.LoadAddress, c.log)
	if err != nil {
		return t, fmt.Errorf("preparing trampoline: %w", err)
	}
	if err := boot.Install(); err != nil {
		return t, fmt.Errorf("installing trampoline: %w", err)
	}
	seq := NewSequencer(apic, boot.Vector(), c.opts)
	root := p.AddressSpace.PageTableRoot()

	for i := range t.CPUs {
		cpu := &t.CPUs[i]
		if cpu.State != StatePending {
			continue
		}
		if err := ctx.Err(); err != nil {
			return t, err
		}

		stack, err := trampoline.AllocStack(p.Frames, p.AddressSpace, c.opts.StackPages)
		if err != nil {
			c.log.Warningf("smp: Cannot allocate a stack for cpu %d: %v", cpu.APICID, err)
			return t, fmt.Errorf("%w: cpu %d: %w", ErrFrameAllocation, cpu.APICID, err)
		}
		cpu.StackTop = stack.Top()
		if err := boot.Prepare(stack.Top(), root); err != nil {
			return t, fmt.Errorf("preparing parameters for cpu %d: %w", cpu.APICID, err)
		}
		c.log.Debugf("smp: Starting cpu %d with stack %v, page tables %v", cpu.APICID, stack.Top(), root)

		if err := c.start(ctx, seq, boot, cpu.APICID); err != nil {
			if ctx.Err() != nil {
				return t, ctx.Err()
			}
			c.log.Warningf("smp: %v, skipping it", err)
			cpu.State = StateFailed
			cpu.Err = err
			continue
		}
		cpu.State = StateOnline
		c.log.Infof("smp: cpu %d online", cpu.APICID)
	}
	c.log.Infof("smp: %d of %d cores online", len(t.Online()), len(t.CPUs))
	return t, nil
}

// start wakes a core and waits for it to consume its parameters. A core that
// does not acknowledge is parked, so that it cannot pick up the parameters of
// a later core.
func (c *Controller) start(ctx context.Context, seq *Sequencer, boot *trampoline.Bootstrap, id uint8) error {
	if err := seq.Wake(ctx, id); err != nil {
		return err
	}
	if err := boot.WaitConsumed(ctx, c.opts.AckTimeout); err != nil {
		werr := &WakeupError{APICID: id, Phase: PhaseHandshake, Err: err}
		if perr := seq.Park(ctx, id); perr != nil {
			c.log.Warningf("smp: Cannot park cpu %d: %v", id, perr)
		}
		return werr
	}
	return nil
}

// topologyFrom builds the initial topology from the firmware's cores.
func (c *Controller) topologyFrom(cores []mptable.Core, self uint8) *Topology {
	t := &Topology{CPUs: make([]CPU, 0, len(cores))}
	found := false
	for _, core := range cores {
		cpu := CPU{APICID: core.APICID, BootProcessor: core.BootProcessor}
		switch {
		case core.APICID == self:
			if !core.BootProcessor {
				c.log.Warningf("smp: Running on cpu %d, which the firmware does not mark as the boot processor", self)
			}
			cpu.BootProcessor = true
			cpu.State = StateBootProcessor
			found = true
		case core.BootProcessor:
			c.log.Warningf("smp: Firmware marks cpu %d as the boot processor, but running on cpu %d; not starting it", core.APICID, self)
			cpu.State = StateFailed
			cpu.Err = fmt.Errorf("marked as boot processor, running on cpu %d", self)
		case !core.Enabled:
			c.log.Infof("smp: cpu %d is disabled by firmware", core.APICID)
			cpu.State = StateDisabled
		}
		t.CPUs = append(t.CPUs, cpu)
	}
	if !found {
		c.log.Warningf("smp: Running cpu %d is missing from the MP table", self)
		t.CPUs = append([]CPU{{APICID: self, BootProcessor: true, State: StateBootProcessor}}, t.CPUs...)
	}
	return t
}

// BringUp runs bring-up on p once. See Controller.BringUp.
func BringUp(ctx context.Context, p Platform, opts Options) (*Topology, error) {
	return NewController(p, opts).BringUp(ctx)
}

// MustBringUp is like BringUp, but panics on error, halting the boot.
func MustBringUp(ctx context.Context, p Platform, opts Options) *Topology {
	t, err := BringUp(ctx, p, opts)
	if err != nil {
		panic(fmt.Sprintf("smp: bring-up failed: %v", err))
	}
	return t
}

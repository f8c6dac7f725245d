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

// Package trampoline installs the real-mode startup code that application
// processors execute after a STARTUP IPI, and passes it its parameters.
//
// The trampoline image is opaque. It embeds a parameter table, at an offset
// known to the image, with the following little-endian layout:
//
//	+0   stack top (virtual address)
//	+8   page table root (physical address)
//	+16  acknowledgement word
//
// The boot processor fills in the first two fields before starting each
// core. The core writes AckMagic to the acknowledgement word once it has
// copied them, after which the table may be reused for the next core.
package trampoline

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"gvisor.dev/mpboot/pkg/hostarch"
	"gvisor.dev/mpboot/pkg/log"
	"gvisor.dev/mpboot/pkg/mm"
)

// Parameter table layout.
const (
	StackTopOffset      = 0
	PageTableRootOffset = 8
	AckOffset           = 16

	// ParamTableSize is the size of the parameter table.
	ParamTableSize = 24
)

const (
	// DefaultLoadAddress is where the image is installed.
	DefaultLoadAddress mm.PhysAddr = 0x8000

	// StackPages is the default size of an application processor's stack.
	StackPages = 8

	// AckMagic is written by a core once it has consumed its parameters.
	AckMagic uint64 = 0x5944414552504d41 // "AMPREADY"

	// DefaultConsumeTimeout bounds WaitConsumed.
	DefaultConsumeTimeout = time.Second
)

var (
	// ErrNotInstalled is returned when parameters are written before the
	// image is installed.
	ErrNotInstalled = errors.New("trampoline not installed")

	// ErrConsumeTimeout is returned when a core does not acknowledge its
	// parameters in time.
	ErrConsumeTimeout = errors.New("trampoline parameters not consumed")
)

// Payload is a trampoline image.
type Payload struct {
	// Image is the code, including the parameter table. Its length is a
	// multiple of 8.
	Image []byte

	// ParamOffset is the offset of the parameter table in Image.
	ParamOffset int
}

// NewPayload returns a payload consisting of code followed by an empty,
// 8-byte aligned parameter table.
func NewPayload(code []byte) Payload {
	off := (len(code) + 7) &^ 7
	image := make([]byte, off+ParamTableSize)
	copy(image, code)
	return Payload{Image: image, ParamOffset: off}
}

// Validate checks that p can be installed at load.
func (p Payload) Validate(load mm.PhysAddr) error {
	switch {
	case len(p.Image) == 0:
		return errors.New("empty trampoline image")
	case len(p.Image)%8 != 0:
		return fmt.Errorf("image length %d is not a multiple of 8", len(p.Image))
	case p.ParamOffset < 0 || p.ParamOffset%8 != 0 || p.ParamOffset+ParamTableSize > len(p.Image):
		return fmt.Errorf("parameter table at offset %d does not fit in a %d byte image", p.ParamOffset, len(p.Image))
	case uint64(load)+uint64(len(p.Image)) > hostarch.LowMemoryLimit:
		return fmt.Errorf("image of %d bytes at %v extends past %#x", len(p.Image), load, hostarch.LowMemoryLimit)
	}
	return ValidateLoadAddress(load)
}

// ValidateLoadAddress checks that a core can be started at load: the address
// must be a nonzero page below 1MiB.
func ValidateLoadAddress(load mm.PhysAddr) error {
	switch {
	case load == 0:
		return errors.New("load address must not be zero")
	case !load.IsPageAligned():
		return fmt.Errorf("load address %v is not page aligned", load)
	case uint64(load) >= hostarch.LowMemoryLimit:
		return fmt.Errorf("load address %v is not below %#x", load, hostarch.LowMemoryLimit)
	}
	return nil
}

// Vector returns the STARTUP IPI vector that starts a core at load.
func Vector(load mm.PhysAddr) uint8 {
	return uint8(load >> hostarch.PageShift)
}

// Bootstrap is an installed trampoline.
type Bootstrap struct {
	mem       mm.PhysicalMemory
	payload   Payload
	load      mm.PhysAddr
	log       log.Logger
	installed bool
}

// New returns a Bootstrap that installs payload at load.
func New(mem mm.PhysicalMemory, payload Payload, load mm.PhysAddr, logger log.Logger) (*Bootstrap, error) {
	if err := payload.Validate(load); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Log()
	}
	return &Bootstrap{mem: mem, payload: payload, load: load, log: logger}, nil
}

// Install copies the image to its load address in 8-byte words and clears
// the acknowledgement word. The image length is a multiple of 8.
func (b *Bootstrap) Install() error {
	img := b.payload.Image
	for off := 0; off < len(img); off += 8 {
		b.mem.Store64(b.load+mm.PhysAddr(off), binary.LittleEndian.Uint64(img[off:]))
	}
	b.installed = true
	b.mem.Store64(b.ParamAddress()+AckOffset, 0)
	b.log.Debugf("trampoline: Installed %d bytes at %v, parameters at %v", len(img), b.load, b.ParamAddress())
	return nil
}

// Installed returns true once Install has been called.
func (b *Bootstrap) Installed() bool {
	return b.installed
}

// LoadAddress returns the physical address of the image.
func (b *Bootstrap) LoadAddress() mm.PhysAddr {
	return b.load
}

// ParamAddress returns the physical address of the parameter table.
func (b *Bootstrap) ParamAddress() mm.PhysAddr {
	return b.load + mm.PhysAddr(b.payload.ParamOffset)
}

// Vector returns the STARTUP IPI vector for the image.
func (b *Bootstrap) Vector() uint8 {
	return Vector(b.load)
}

// Prepare publishes the parameters for the next core and clears the
// acknowledgement word.
func (b *Bootstrap) Prepare(stackTop hostarch.Addr, root mm.PhysAddr) error {
	if !b.installed {
		return ErrNotInstalled
	}
	p := b.ParamAddress()
	b.mem.Store64(p+AckOffset, 0)
	b.mem.Store64(p+StackTopOffset, uint64(stackTop))
	b.mem.Store64(p+PageTableRootOffset, uint64(root))
	return nil
}

// Parameters returns the current contents of the parameter table.
func (b *Bootstrap) Parameters() (stackTop hostarch.Addr, root mm.PhysAddr, ack uint64) {
	p := b.ParamAddress()
	return hostarch.Addr(b.mem.Load64(p + StackTopOffset)), mm.PhysAddr(b.mem.Load64(p + PageTableRootOffset)), b.mem.Load64(p + AckOffset)
}

// WaitConsumed waits until a core acknowledges the current parameters.
func (b *Bootstrap) WaitConsumed(ctx context.Context, timeout time.Duration) error {
	if !b.installed {
		return ErrNotInstalled
	}
	if timeout <= 0 {
		timeout = DefaultConsumeTimeout
	}
	ack := b.ParamAddress() + AckOffset

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Microsecond
	bo.MaxInterval = 10 * time.Millisecond
	bo.MaxElapsedTime = timeout

	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		switch v := b.mem.Load64(ack); v {
		case AckMagic:
			return nil
		case 0:
			return fmt.Errorf("%w after %v", ErrConsumeTimeout, timeout)
		default:
			return backoff.Permanent(fmt.Errorf("unexpected acknowledgement %#x at %v", v, ack))
		}
	}
	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}

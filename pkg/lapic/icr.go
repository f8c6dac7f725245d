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
	"fmt"

	"gvisor.dev/mpboot/pkg/bits"
)

// Interrupt command register fields.
const (
	icrDeliveryStatus = 1 << 12
	icrAssert         = 1 << 14
	icrLevelTrigger   = 1 << 15
)

// DeliveryMode is the delivery mode field of an interrupt command.
type DeliveryMode uint32

// Delivery modes.
const (
	DeliveryFixed   DeliveryMode = 0
	DeliveryINIT    DeliveryMode = 5
	DeliveryStartup DeliveryMode = 6
)

// String implements fmt.Stringer.String.
func (m DeliveryMode) String() string {
	switch m {
	case DeliveryFixed:
		return "fixed"
	case DeliveryINIT:
		return "INIT"
	case DeliveryStartup:
		return "STARTUP"
	default:
		return fmt.Sprintf("mode(%d)", uint32(m))
	}
}

// Command is an interrupt command with a physical destination.
type Command struct {
	Destination    uint8
	Vector         uint8
	Mode           DeliveryMode
	Assert         bool
	LevelTriggered bool
}

// InitAssert returns the command that places dest into the INIT state. The
// vector is ignored by the target.
func InitAssert(dest, vector uint8) Command {
	return Command{Destination: dest, Vector: vector, Mode: DeliveryINIT, Assert: true}
}

// InitDeassert returns the level de-assert INIT command.
func InitDeassert(dest uint8) Command {
	return Command{Destination: dest, Mode: DeliveryINIT, LevelTriggered: true}
}

// Startup returns the STARTUP command that starts dest executing at physical
// address vector << 12.
func Startup(dest, vector uint8) Command {
	return Command{Destination: dest, Vector: vector, Mode: DeliveryStartup}
}

// Low returns the value for the low half of the command register.
func (c Command) Low() uint32 {
	v := uint32(c.Vector) | uint32(c.Mode)<<8
	if c.Assert {
		v |= icrAssert
	}
	if c.LevelTriggered {
		v |= icrLevelTrigger
	}
	return v
}

// High returns the value for the high half of the command register.
func (c Command) High() uint32 {
	return uint32(c.Destination) << 24
}

// DecodeCommand is the inverse of Low and High.
func DecodeCommand(hi, lo uint32) Command {
	return Command{
		Destination:    uint8(bits.Field32(hi, 24, 8)),
		Vector:         uint8(bits.Field32(lo, 0, 8)),
		Mode:           DeliveryMode(bits.Field32(lo, 8, 3)),
		Assert:         lo&icrAssert != 0,
		LevelTriggered: lo&icrLevelTrigger != 0,
	}
}

// DeliveryPending returns true if lo, as read back from the command
// register, reports a delivery in progress.
func DeliveryPending(lo uint32) bool {
	return lo&icrDeliveryStatus != 0
}

// String implements fmt.Stringer.String.
func (c Command) String() string {
	return fmt.Sprintf("%v vector %#x to %d (%#x:%#x)", c.Mode, c.Vector, c.Destination, c.High(), c.Low())
}

// WithPending returns lo with the delivery status bit set.
func WithPending(lo uint32) uint32 {
	return lo | icrDeliveryStatus
}

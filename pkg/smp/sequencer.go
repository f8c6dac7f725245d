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

package smp

import (
	"context"
	"errors"
	"fmt"

	"gvisor.dev/mpboot/pkg/lapic"
	"gvisor.dev/mpboot/pkg/log"
	"gvisor.dev/mpboot/pkg/trampoline"
)

// Wakeup phases, as reported by WakeupError.
const (
	PhaseInit         = "INIT"
	PhaseInitDeassert = "INIT de-assert"
	PhaseStartup      = "STARTUP"
	PhaseHandshake    = "handshake"
)

// WakeupError is the failure to start a single core.
type WakeupError struct {
	APICID uint8
	Phase  string
	Err    error
}

// Error implements error.Error.
func (e *WakeupError) Error() string {
	return fmt.Sprintf("waking cpu %d: %s: %v", e.APICID, e.Phase, e.Err)
}

// Unwrap returns the cause, along with ErrWakeupTimeout if the cause is a
// timeout.
func (e *WakeupError) Unwrap() []error {
	if isTimeout(e.Err) {
		return []error{ErrWakeupTimeout, e.Err}
	}
	return []error{e.Err}
}

func isTimeout(err error) bool {
	return errors.Is(err, lapic.ErrDeliveryTimeout) || errors.Is(err, trampoline.ErrConsumeTimeout)
}

// Sequencer sends the INIT-SIPI-SIPI sequence that starts a core.
type Sequencer struct {
	apic   *lapic.Driver
	vector uint8
	opts   Options
	log    log.Logger
}

// NewSequencer returns a Sequencer that starts cores at the page given by
// vector, using apic.
//
// Precondition: apic has been initialized.
func NewSequencer(apic *lapic.Driver, vector uint8, opts Options) *Sequencer {
	opts.setDefaults()
	return &Sequencer{apic: apic, vector: vector, opts: opts, log: opts.logger()}
}

func (s *Sequencer) send(ctx context.Context, id uint8, phase string, c lapic.Command) error {
	s.log.Debugf("smp: Sending %v", c)
	if err := s.apic.Send(ctx, c); err != nil {
		return &WakeupError{APICID: id, Phase: phase, Err: err}
	}
	return nil
}

// Wake resets the core with APIC ID id and starts it. Each IPI must be
// accepted within the delivery timeout.
func (s *Sequencer) Wake(ctx context.Context, id uint8) error {
	if err := s.Park(ctx, id); err != nil {
		return err
	}
	s.opts.Sleep(s.opts.InitDelay)
	for i := 0; i < 2; i++ {
		if i > 0 {
			s.opts.Sleep(s.opts.SIPIDelay)
		}
		if err := s.send(ctx, id, PhaseStartup, lapic.Startup(id, s.vector)); err != nil {
			return err
		}
	}
	return nil
}

// Park places the core with APIC ID id in the wait-for-SIPI state.
func (s *Sequencer) Park(ctx context.Context, id uint8) error {
	if err := s.send(ctx, id, PhaseInit, lapic.InitAssert(id, s.vector)); err != nil {
		return err
	}
	return s.send(ctx, id, PhaseInitDeassert, lapic.InitDeassert(id))
}

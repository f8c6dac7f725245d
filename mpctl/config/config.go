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


// Package config provides basic infrastructure to set configuration settings
// for mpctl. Each setting is exposed as a command line flag and is wired into
// smp.Options by SMPOptions.
package config

import (
	"fmt"
	"time"

	"gvisor.dev/mpboot/pkg/log"
	"gvisor.dev/mpboot/pkg/mm"
	"gvisor.dev/mpboot/pkg/mptable"
	"gvisor.dev/mpboot/pkg/smp"
	"gvisor.dev/mpboot/pkg/trampoline"
)

// Config holds configuration that is not part of a machine description.
//
// Follow these steps to add a new flag:
//  1. Create a new field in Config.
//  2. Add a field tag with the flag name.
//  3. Register the flag in flags.go, next to other related flags.
//  4. Add any validation required in validate().
type Config struct {
	// LogFormat is the log format: text, json or logrus.
	LogFormat string `flag:"log-format"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug"`

	// MaxCores bounds the number of processors taken from the MP table.
	MaxCores int `flag:"max-cores"`

	// ScanLimit is the last physical address searched for the MP floating
	// pointer.
	ScanLimit uint64 `flag:"scan-limit"`

	// StrictChecksum treats firmware checksum errors like a missing table.
	StrictChecksum bool `flag:"strict-checksum"`

	// TrampolineAddr is the physical load address of the trampoline. It must
	// be page aligned and below 1MiB.
	TrampolineAddr uint64 `flag:"trampoline-addr"`

	// StackPages is the number of pages in each application processor's
	// stack.
	StackPages int `flag:"stack-pages"`

	// InitDelay is the wait after the INIT sequence.
	InitDelay time.Duration `flag:"init-delay"`

	// SIPIDelay is the wait between the two STARTUP IPIs.
	SIPIDelay time.Duration `flag:"sipi-delay"`

	// IPITimeout bounds the wait for the local APIC to accept an IPI.
	IPITimeout time.Duration `flag:"ipi-timeout"`

	// AckTimeout bounds the wait for a core to consume its parameters.
	AckTimeout time.Duration `flag:"ack-timeout"`
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json", "logrus":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text', 'json', or 'logrus'", c.LogFormat)
	}
	if c.MaxCores <= 0 || c.MaxCores > mptable.DefaultMaxCores {
		return fmt.Errorf("max-cores must be in [1, %d], got: %d", mptable.DefaultMaxCores, c.MaxCores)
	}
	if c.StackPages <= 0 {
		return fmt.Errorf("stack-pages must be positive, got: %d", c.StackPages)
	}
	if err := trampoline.ValidateLoadAddress(mm.PhysAddr(c.TrampolineAddr)); err != nil {
		return fmt.Errorf("invalid trampoline-addr: %w", err)
	}
	if c.ScanLimit == 0 {
		return fmt.Errorf("scan-limit must not be zero")
	}
	for name, d := range map[string]time.Duration{
		"init-delay":  c.InitDelay,
		"sipi-delay":  c.SIPIDelay,
		"ipi-timeout": c.IPITimeout,
		"ack-timeout": c.AckTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got: %v", name, d)
		}
	}
	return nil
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config.MaxCores: %d", c.MaxCores)
	log.Infof("Config.ScanLimit: %#x", c.ScanLimit)
	log.Infof("Config.StrictChecksum: %t", c.StrictChecksum)
	log.Infof("Config.TrampolineAddr: %#x", c.TrampolineAddr)
	log.Infof("Config.StackPages: %d", c.StackPages)
	log.Infof("Config.InitDelay: %v", c.InitDelay)
	log.Infof("Config.SIPIDelay: %v", c.SIPIDelay)
	log.Infof("Config.IPITimeout: %v", c.IPITimeout)
	log.Infof("Config.AckTimeout: %v", c.AckTimeout)
}

// SMPOptions returns the bring-up options selected by c.
func (c *Config) SMPOptions() smp.Options {
	return smp.Options{
		MaxCores:       c.MaxCores,
		ScanLimit:      mm.PhysAddr(c.ScanLimit),
		StrictChecksum: c.StrictChecksum,
		LoadAddress:    mm.PhysAddr(c.TrampolineAddr),
		StackPages:     c.StackPages,
		InitDelay:      c.InitDelay,
		SIPIDelay:      c.SIPIDelay,
		IPITimeout:     c.IPITimeout,
		AckTimeout:     c.AckTimeout,
	}
}

// ScanOptions returns the firmware table scanner options selected by c.
func (c *Config) ScanOptions() mptable.Options {
	return mptable.Options{
		ScanLimit:      mm.PhysAddr(c.ScanLimit),
		MaxCores:       c.MaxCores,
		StrictChecksum: c.StrictChecksum,
	}
}

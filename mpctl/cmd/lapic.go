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
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"
	"gvisor.dev/mpboot/pkg/cpuid"
	"gvisor.dev/mpboot/pkg/lapic"
	"gvisor.dev/mpboot/pkg/msr"
)

// Lapic implements subcommands.Command for the "lapic" command.
type Lapic struct {
	cpu  int
	json bool
}

// Name implements subcommands.Command.Name.
func (*Lapic) Name() string {
	return "lapic"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Lapic) Synopsis() string {
	return "print the local APIC base register of a host processor."
}

// Usage implements subcommands.Command.Usage.
func (*Lapic) Usage() string {
	return `lapic [flags] - print the IA32_APIC_BASE register of a host processor.

Requires the msr kernel module and read access to /dev/cpu/<cpu>/msr.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (l *Lapic) SetFlags(f *flag.FlagSet) {
	f.IntVar(&l.cpu, "cpu", 0, "host processor to inspect.")
	f.BoolVar(&l.json, "json", false, "print the result as JSON.")
}

// Execute implements subcommands.Command.Execute.
func (l *Lapic) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	fs := cpuid.HostFeatureSet()
	if !lapic.IsPresent(fs) {
		Fatalf("host processor has no local APIC")
	}
	dev, err := msr.Open(l.cpu)
	if err != nil {
		Fatalf("%v", err)
	}
	defer dev.Close()

	info, err := inspectAPIC(fs, dev)
	if err != nil {
		Fatalf("%v", err)
	}
	if l.json {
		err = writeJSON(os.Stdout, info)
	} else {
		err = info.writeText(os.Stdout)
	}
	if err != nil {
		Fatalf("writing result: %v", err)
	}
	return subcommands.ExitSuccess
}

// APICInfo describes a local APIC.
type APICInfo struct {
	Raw           uint64 `json:"raw"`
	Base          uint64 `json:"base"`
	Enabled       bool   `json:"enabled"`
	BootProcessor bool   `json:"bsp"`
	X2APICMode    bool   `json:"x2apic_mode"`
	X2APICCapable bool   `json:"x2apic_capable"`
	Features      string `json:"features"`
}

// inspectAPIC decodes the local APIC base register read through m.
func inspectAPIC(fs cpuid.FeatureSet, m msr.Accessor) (*APICInfo, error) {
	hi, lo, err := m.Read(msr.APICBase)
	if err != nil {
		return nil, err
	}
	raw := msr.Join(hi, lo)
	base, enabled, bsp, x2apic := lapic.DecodeBase(raw)
	return &APICInfo{
		Raw:           raw,
		Base:          uint64(base),
		Enabled:       enabled,
		BootProcessor: bsp,
		X2APICMode:    x2apic,
		X2APICCapable: fs.HasFeature(cpuid.X86FeatureX2APIC),
		Features:      fs.String(),
	}, nil
}

func (a *APICInfo) writeText(out io.Writer) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "IA32_APIC_BASE\t%#x\n", a.Raw)
	fmt.Fprintf(w, "base\t%#x\n", a.Base)
	fmt.Fprintf(w, "enabled\t%t\n", a.Enabled)
	fmt.Fprintf(w, "bsp\t%t\n", a.BootProcessor)
	fmt.Fprintf(w, "x2apic mode\t%t\n", a.X2APICMode)
	fmt.Fprintf(w, "x2apic capable\t%t\n", a.X2APICCapable)
	fmt.Fprintf(w, "features\t%s\n", a.Features)
	return w.Flush()
}

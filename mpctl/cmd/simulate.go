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
	"gvisor.dev/mpboot/mpctl/config"
	"gvisor.dev/mpboot/pkg/log"
	"gvisor.dev/mpboot/pkg/machine"
	"gvisor.dev/mpboot/pkg/smp"
)

// Simulate implements subcommands.Command for the "simulate" command.
type Simulate struct {
	machine string
	cpus    int
	json    bool
	trace   bool
}

// Name implements subcommands.Command.Name.
func (*Simulate) Name() string {
	return "simulate"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Simulate) Synopsis() string {
	return "run multiprocessor bring-up on a simulated machine."
}

// Usage implements subcommands.Command.Usage.
func (*Simulate) Usage() string {
	return `simulate [flags] - run multiprocessor bring-up on a simulated machine.

The machine is described by a TOML file passed with --machine. Without one, a
machine with --cpus processors is simulated.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Simulate) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.machine, "machine", "", "path to a TOML machine description.")
	f.IntVar(&s.cpus, "cpus", 4, "number of processors when --machine is not set.")
	f.BoolVar(&s.json, "json", false, "print the topology as JSON.")
	f.BoolVar(&s.trace, "trace", false, "also print the IPIs sent by the boot processor.")
}

// Execute implements subcommands.Command.Execute.
func (s *Simulate) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	spec := machine.DefaultSpec(s.cpus)
	if s.machine != "" {
		var err error
		if spec, err = machine.LoadSpec(s.machine); err != nil {
			Fatalf("%v", err)
		}
	} else if err := spec.Validate(); err != nil {
		Fatalf("invalid --cpus: %v", err)
	}

	res, err := simulate(ctx, spec, conf.SMPOptions())
	if err != nil {
		Fatalf("%v", err)
	}
	if s.json {
		if err := writeJSON(os.Stdout, res); err != nil {
			Fatalf("writing result: %v", err)
		}
	} else if err := res.writeText(os.Stdout, s.trace); err != nil {
		Fatalf("writing result: %v", err)
	}
	if res.Error != "" {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// SimulateResult is the outcome of a simulated bring-up.
type SimulateResult struct {
	CPUs  []CPUInfo `json:"cpus"`
	IPIs  []string  `json:"ipis,omitempty"`
	Error string    `json:"error,omitempty"`
}

// CPUInfo describes one processor after bring-up.
type CPUInfo struct {
	APICID        uint8  `json:"apic_id"`
	BootProcessor bool   `json:"bsp"`
	State         string `json:"state"`
	StackTop      uint64 `json:"stack_top,omitempty"`
	Error         string `json:"error,omitempty"`
}

// simulate builds the machine described by spec and runs bring-up on it. The
// error is only set if the machine cannot be built; bring-up failures are
// part of the result.
func simulate(ctx context.Context, spec machine.Spec, opts smp.Options) (*SimulateResult, error) {
	m, err := machine.New(spec, log.Log())
	if err != nil {
		return nil, fmt.Errorf("creating machine: %w", err)
	}
	defer m.Close()

	res := &SimulateResult{}
	t, err := smp.BringUp(ctx, m.Platform(), opts)
	if err != nil {
		res.Error = err.Error()
	}
	if werr := m.Wait(); werr != nil {
		log.Warningf("Simulated processor failed: %v", werr)
		if res.Error == "" {
			res.Error = werr.Error()
		}
	}
	if t != nil {
		for _, c := range t.CPUs {
			info := CPUInfo{
				APICID:        c.APICID,
				BootProcessor: c.BootProcessor,
				State:         c.State.String(),
				StackTop:      uint64(c.StackTop),
			}
			if c.Err != nil {
				info.Error = c.Err.Error()
			}
			res.CPUs = append(res.CPUs, info)
		}
	}
	for _, ipi := range m.IPIs() {
		res.IPIs = append(res.IPIs, ipi.String())
	}
	return res, nil
}

func (r *SimulateResult) writeText(out io.Writer, trace bool) error {
	if trace {
		for _, ipi := range r.IPIs {
			fmt.Fprintf(out, "ipi: %s\n", ipi)
		}
		if len(r.IPIs) > 0 {
			fmt.Fprintln(out)
		}
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprint(w, "APIC ID\tBSP\tSTATE\tSTACK\tERROR\n")
	for _, c := range r.CPUs {
		stack := "-"
		if c.StackTop != 0 {
			stack = fmt.Sprintf("%#x", c.StackTop)
		}
		fmt.Fprintf(w, "%d\t%t\t%s\t%s\t%s\n", c.APICID, c.BootProcessor, c.State, stack, c.Error)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if r.Error != "" {
		fmt.Fprintf(out, "error: %s\n", r.Error)
	}
	return nil
}

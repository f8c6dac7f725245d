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
	"gvisor.dev/mpboot/pkg/mm"
	"gvisor.dev/mpboot/pkg/mptable"
)

// Scan implements subcommands.Command for the "scan" command.
type Scan struct {
	json    bool
	entries bool
}

// Name implements subcommands.Command.Name.
func (*Scan) Name() string {
	return "scan"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Scan) Synopsis() string {
	return "parse the MP tables in a dump of low physical memory."
}

// Usage implements subcommands.Command.Usage.
func (*Scan) Usage() string {
	return `scan [flags] <dump> - parse the MP tables in <dump>.

<dump> holds physical memory starting at address zero, for example the first
MiB of /dev/mem.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Scan) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&s.json, "json", false, "print the result as JSON.")
	f.BoolVar(&s.entries, "entries", false, "also list every configuration table entry.")
}

// Execute implements subcommands.Command.Execute.
func (s *Scan) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	data, err := os.ReadFile(f.Arg(0))
	if err != nil {
		Fatalf("reading dump: %v", err)
	}
	r := scanDump(data, conf.ScanOptions())
	if s.json {
		if err := writeJSON(os.Stdout, r); err != nil {
			Fatalf("writing result: %v", err)
		}
	} else if err := r.writeText(os.Stdout, s.entries); err != nil {
		Fatalf("writing result: %v", err)
	}
	if r.Error != "" {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// ScanResult is the outcome of parsing a dump.
type ScanResult struct {
	FloatingPointer *FloatingPointerInfo `json:"floating_pointer,omitempty"`
	Table           *TableInfo           `json:"table,omitempty"`
	Entries         []EntryInfo          `json:"entries,omitempty"`
	Cores           []CoreInfo           `json:"cores,omitempty"`
	Error           string               `json:"error,omitempty"`
}

// FloatingPointerInfo describes the floating pointer structure.
type FloatingPointerInfo struct {
	Address       uint64 `json:"address"`
	ConfigAddress uint64 `json:"config_address"`
	Revision      uint8  `json:"revision"`
	DefaultConfig uint8  `json:"default_config,omitempty"`
	IMCR          bool   `json:"imcr,omitempty"`
}

// TableInfo describes the configuration table header.
type TableInfo struct {
	Length       uint16 `json:"length"`
	Revision     uint8  `json:"revision"`
	OEMID        string `json:"oem_id"`
	ProductID    string `json:"product_id"`
	EntryCount   uint16 `json:"entry_count"`
	LAPICAddress uint64 `json:"lapic_address"`
}

// EntryInfo describes one configuration table entry.
type EntryInfo struct {
	Offset int    `json:"offset"`
	Kind   string `json:"kind"`
	APICID *uint8 `json:"apic_id,omitempty"`
	Flags  string `json:"flags,omitempty"`
}

// CoreInfo describes one processor.
type CoreInfo struct {
	APICID        uint8 `json:"apic_id"`
	BootProcessor bool  `json:"bsp"`
	Enabled       bool  `json:"enabled"`
}

// scanDump runs the MP table scanner over a memory dump. Parsing problems are
// reported in the result.
func scanDump(data []byte, opts mptable.Options) *ScanResult {
	r := &ScanResult{}
	const sigLen = 4
	if len(data) < sigLen {
		r.Error = fmt.Sprintf("dump of %d bytes is too short", len(data))
		return r
	}
	if opts.ScanLimit == 0 {
		opts.ScanLimit = mptable.DefaultScanLimit
	}
	if last := mm.PhysAddr(len(data) - sigLen); opts.ScanLimit > last {
		log.Debugf("Dump ends at %#x, scanning up to %v", len(data), last)
		opts.ScanLimit = last
	}
	s := mptable.NewScanner(mm.NewByteMemory(data), opts)

	fp, err := s.FindFloatingPointer()
	if err != nil {
		r.Error = err.Error()
		return r
	}
	r.FloatingPointer = &FloatingPointerInfo{
		Address:       uint64(fp.Address),
		ConfigAddress: uint64(fp.ConfigAddress),
		Revision:      fp.Revision,
		DefaultConfig: fp.DefaultConfig(),
		IMCR:          fp.IMCRPresent(),
	}
	ct, err := s.ValidateConfigTable(fp)
	if err != nil {
		r.Error = err.Error()
		return r
	}
	r.Table = &TableInfo{
		Length:       ct.Length,
		Revision:     ct.Revision,
		OEMID:        ct.OEMID,
		ProductID:    ct.ProductID,
		EntryCount:   ct.EntryCount,
		LAPICAddress: uint64(ct.LAPICAddress),
	}
	for _, e := range s.Entries(ct) {
		info := EntryInfo{Offset: e.Offset, Kind: e.Kind.String()}
		if p := e.Processor; p != nil {
			id := p.APICID
			info.APICID = &id
			info.Flags = mptable.Core{APICID: p.APICID, BootProcessor: p.BootProcessor, Enabled: p.Enabled}.String()
		}
		r.Entries = append(r.Entries, info)
	}
	for _, c := range s.Enumerate(ct) {
		r.Cores = append(r.Cores, CoreInfo{APICID: c.APICID, BootProcessor: c.BootProcessor, Enabled: c.Enabled})
	}
	return r
}

func (r *ScanResult) writeText(out io.Writer, entries bool) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	if fp := r.FloatingPointer; fp != nil {
		fmt.Fprintf(w, "floating pointer\t%#x\n", fp.Address)
		fmt.Fprintf(w, "config table\t%#x\n", fp.ConfigAddress)
		fmt.Fprintf(w, "revision\t1.%d\n", fp.Revision)
		if fp.DefaultConfig != 0 {
			fmt.Fprintf(w, "default config\t%d\n", fp.DefaultConfig)
		}
	}
	if t := r.Table; t != nil {
		fmt.Fprintf(w, "oem\t%s %s\n", t.OEMID, t.ProductID)
		fmt.Fprintf(w, "local apic\t%#x\n", t.LAPICAddress)
		fmt.Fprintf(w, "entries\t%d (%d bytes)\n", t.EntryCount, t.Length)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if entries && len(r.Entries) > 0 {
		fmt.Fprintln(out)
		w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprint(w, "OFFSET\tKIND\tDETAIL\n")
		for _, e := range r.Entries {
			fmt.Fprintf(w, "%#x\t%s\t%s\n", e.Offset, e.Kind, e.Flags)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	if len(r.Cores) > 0 {
		fmt.Fprintln(out)
		w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprint(w, "APIC ID\tBSP\tENABLED\n")
		for _, c := range r.Cores {
			fmt.Fprintf(w, "%d\t%t\t%t\n", c.APICID, c.BootProcessor, c.Enabled)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
	if r.Error != "" {
		fmt.Fprintf(out, "error: %s\n", r.Error)
	}
	return nil
}

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

package mptable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	bpkg "gvisor.dev/mpboot/pkg/binary"
	"gvisor.dev/mpboot/pkg/log"
	"gvisor.dev/mpboot/pkg/mm"
)

// scanChunk is the number of bytes read per step of the signature scan.
const scanChunk = 64 << 10

// Options configures a Scanner.
type Options struct {
	// ScanLimit is the last address at which the floating pointer may
	// start. Zero means DefaultScanLimit.
	ScanLimit mm.PhysAddr

	// MaxCores bounds the number of processors collected. Zero means
	// DefaultMaxCores.
	MaxCores int

	// StrictChecksum rejects structures with bad checksums. Otherwise a
	// warning is logged and the structure is used anyway.
	StrictChecksum bool

	// Logger receives parser diagnostics. Nil means the global logger.
	Logger log.Logger
}

// Scanner discovers processors from the MP tables in physical memory.
type Scanner struct {
	mem  mm.PhysicalMemory
	opts Options
	log  log.Logger

	// unknown reports unknown entry kinds. Corrupt tables can contain
	// many of them.
	unknown log.Logger
}

// NewScanner returns a Scanner reading from mem.
func NewScanner(mem mm.PhysicalMemory, opts Options) *Scanner {
	if opts.ScanLimit == 0 {
		opts.ScanLimit = DefaultScanLimit
	}
	if opts.MaxCores <= 0 {
		opts.MaxCores = DefaultMaxCores
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Log()
	}
	return &Scanner{
		mem:     mem,
		opts:    opts,
		log:     logger,
		unknown: log.RateLimitedLoggerBurst(logger, time.Second, 4),
	}
}

// FindFloatingPointer scans physical memory from address zero up to and
// including the scan limit, one byte at a time, for the floating pointer
// signature. The first match wins. It returns an error wrapping
// ErrTopologyAbsent if there is no match.
func (s *Scanner) FindFloatingPointer() (FloatingPointer, error) {
	sig := []byte(floatingSignature)
	limit := uint64(s.opts.ScanLimit)
	buf := make([]byte, scanChunk+len(sig)-1)
	for base := uint64(0); base <= limit; base += scanChunk {
		n := uint64(len(buf))
		if end := limit + uint64(len(sig)); base+n > end {
			n = end - base
		}
		last := false
		if err := s.mem.ReadAt(buf[:n], mm.PhysAddr(base)); err != nil {
			// Memory ends inside this chunk. Search what is there.
			n = uint64(s.readable(buf[:n], mm.PhysAddr(base)))
			s.log.Warningf("mptable: Scan stopped at %#x: %v", base+n, err)
			last = true
		}
		if i := bytes.Index(buf[:n], sig); i >= 0 {
			return s.readFloatingPointer(mm.PhysAddr(base + uint64(i)))
		}
		if last {
			break
		}
	}
	return FloatingPointer{}, fmt.Errorf("%w: no floating pointer below %v", ErrTopologyAbsent, s.opts.ScanLimit+mm.PhysAddr(len(sig)))
}

func (s *Scanner) readFloatingPointer(addr mm.PhysAddr) (FloatingPointer, error) {
	buf := make([]byte, floatingSize)
	if err := s.mem.ReadAt(buf, addr); err != nil {
		return FloatingPointer{}, fmt.Errorf("%w: floating pointer at %v: %v", ErrTruncated, addr, err)
	}
	var raw rawFloatingPointer
	bpkg.Unmarshal(buf, binary.LittleEndian, &raw)
	fp := FloatingPointer{
		Address:       addr,
		ConfigAddress: mm.PhysAddr(raw.ConfigAddr),
		Length:        raw.Length,
		Revision:      raw.Revision,
		Checksum:      raw.Checksum,
		Features:      raw.Features,
	}
	s.log.Debugf("mptable: Floating pointer at %v: config %v, revision %d", addr, fp.ConfigAddress, fp.Revision)

	// The checksum covers Length paragraphs, normally exactly one.
	size := int(raw.Length) * 16
	if size < floatingSize {
		size = floatingSize
	}
	if size != len(buf) {
		buf = make([]byte, size)
		if err := s.mem.ReadAt(buf, addr); err != nil {
			return FloatingPointer{}, fmt.Errorf("%w: floating pointer at %v with length %d: %v", ErrTruncated, addr, raw.Length, err)
		}
	}
	if err := s.checksum("floating pointer", addr, buf); err != nil {
		return FloatingPointer{}, err
	}
	return fp, nil
}

// checksum verifies that buf sums to zero.
func (s *Scanner) checksum(what string, addr mm.PhysAddr, buf []byte) error {
	sum := bpkg.Sum8(buf)
	if sum == 0 {
		return nil
	}
	if s.opts.StrictChecksum {
		return fmt.Errorf("%w: %s at %v sums to %#x", ErrChecksum, what, addr, sum)
	}
	s.log.Warningf("mptable: Checksum of %s at %v is %#x, using it anyway", what, addr, sum)
	return nil
}

// readable reads the longest readable prefix of buf at addr, and returns its
// length. Readable memory is assumed to be contiguous from addr.
func (s *Scanner) readable(buf []byte, addr mm.PhysAddr) int {
	lo, hi := 0, len(buf)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if s.mem.ReadAt(buf[:mid], addr) == nil {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	if lo > 0 {
		// Refill buf in case the last read attempted was longer and failed.
		s.mem.ReadAt(buf[:lo], addr)
	}
	return lo
}

// ValidateConfigTable follows fp to the configuration table and validates
// its header. The returned table owns a copy of its entries.
func (s *Scanner) ValidateConfigTable(fp FloatingPointer) (*ConfigTable, error) {
	if n := fp.DefaultConfig(); n != 0 {
		return nil, fmt.Errorf("%w: firmware selected default configuration %d", ErrTopologyAbsent, n)
	}
	if fp.ConfigAddress == 0 {
		return nil, fmt.Errorf("%w: floating pointer at %v has no configuration table", ErrTopologyAbsent, fp.Address)
	}

	addr := fp.ConfigAddress
	buf := make([]byte, headerSize)
	if err := s.mem.ReadAt(buf, addr); err != nil {
		return nil, fmt.Errorf("%w: configuration header at %v: %v", ErrTruncated, addr, err)
	}
	var raw rawHeader
	bpkg.Unmarshal(buf, binary.LittleEndian, &raw)
	if string(raw.Signature[:]) != configSignature {
		return nil, fmt.Errorf("%w: found %q at %v", ErrSignatureMismatch, raw.Signature[:], addr)
	}
	if raw.Length < headerSize {
		return nil, fmt.Errorf("%w: table at %v has length %d, shorter than its header", ErrTruncated, addr, raw.Length)
	}

	table := make([]byte, raw.Length)
	if err := s.mem.ReadAt(table, addr); err != nil {
		// The entry walk stops at the end of memory. The checksum cannot be
		// verified.
		n := s.readable(table, addr)
		if s.opts.StrictChecksum {
			return nil, fmt.Errorf("%w: table at %v with length %d: %v", ErrTruncated, addr, raw.Length, err)
		}
		s.log.Warningf("mptable: Table at %v with length %d is cut short after %d bytes: %v", addr, raw.Length, n, err)
		table = table[:n]
	} else if err := s.checksum("configuration table", addr, table); err != nil {
		return nil, err
	}

	ct := &ConfigTable{
		Address:        addr,
		Length:         raw.Length,
		Revision:       raw.Revision,
		OEMID:          trimString(raw.OEMID[:]),
		ProductID:      trimString(raw.ProductID[:]),
		EntryCount:     raw.EntryCount,
		LAPICAddress:   mm.PhysAddr(raw.LAPICAddr),
		ExtTableLength: raw.ExtTableLength,
		entries:        table[headerSize:],
	}
	s.log.Infof("mptable: Configuration table at %v: %q %q, %d entries, local APIC at %v", addr, ct.OEMID, ct.ProductID, ct.EntryCount, ct.LAPICAddress)
	return ct, nil
}

// Entries decodes the entries of ct in table order. The walk stops at the
// entry count or at the end of the table, whichever comes first.
func (s *Scanner) Entries(ct *ConfigTable) []Entry {
	c := cursor{buf: ct.entries}
	entries := make([]Entry, 0, ct.EntryCount)
	for i := 0; i < int(ct.EntryCount); i++ {
		off := headerSize + c.off
		kind, ok := c.peek()
		if !ok {
			s.log.Warningf("mptable: Table ends after %d of %d entries", i, ct.EntryCount)
			break
		}
		size, known := EntryKind(kind).Size()
		if !known {
			s.unknown.Warningf("mptable: Unknown entry type %#x at offset %d, assuming %d bytes", kind, off, size)
		}
		b, ok := c.next(size)
		if !ok {
			s.log.Warningf("mptable: Entry %d (%v) at offset %d overruns the table", i, EntryKind(kind), off)
			break
		}
		e := Entry{Kind: EntryKind(kind), Offset: off}
		if e.Kind == EntryProcessor {
			var raw rawProcessor
			bpkg.Unmarshal(b, binary.LittleEndian, &raw)
			enabled, boot := decodeFlags(raw.Flags)
			e.Processor = &Processor{
				APICID:        raw.APICID,
				APICVersion:   raw.APICVersion,
				Enabled:       enabled,
				BootProcessor: boot,
				Signature:     raw.Signature,
				FeatureFlags:  raw.FeatureFlags,
			}
		} else {
			e.Raw = append([]byte(nil), b...)
		}
		entries = append(entries, e)
	}
	return entries
}

// Enumerate returns the processors described by ct, in table order, up to
// the configured maximum.
func (s *Scanner) Enumerate(ct *ConfigTable) []Core {
	var (
		cores []Core
		boots int
	)
	for _, e := range s.Entries(ct) {
		p := e.Processor
		if p == nil {
			continue
		}
		if len(cores) == s.opts.MaxCores {
			s.log.Warningf("mptable: Ignoring cpu %d, already have %d cores", p.APICID, s.opts.MaxCores)
			continue
		}
		if p.BootProcessor {
			boots++
		}
		cores = append(cores, Core{
			APICID:        p.APICID,
			BootProcessor: p.BootProcessor,
			Enabled:       p.Enabled,
		})
		s.log.Debugf("mptable: Found %v, version %#x", cores[len(cores)-1], p.APICVersion)
	}
	if boots != 1 {
		s.log.Warningf("mptable: Table marks %d boot processors", boots)
	}
	return cores
}

// Discover runs the whole pipeline and returns the processors of the
// machine. Errors wrap one of ErrTopologyAbsent, ErrSignatureMismatch,
// ErrChecksum or ErrTruncated; callers treat all of them as a single
// processor machine.
func (s *Scanner) Discover() ([]Core, error) {
	fp, err := s.FindFloatingPointer()
	if err != nil {
		return nil, err
	}
	ct, err := s.ValidateConfigTable(fp)
	if err != nil {
		return nil, err
	}
	return s.Enumerate(ct), nil
}

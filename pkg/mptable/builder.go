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
	"encoding/binary"

	bpkg "gvisor.dev/mpboot/pkg/binary"
)

// Builder produces MP tables, as firmware would lay them out. It is used by
// the hosted machine model and by tests.
type Builder struct {
	OEMID        string
	ProductID    string
	Revision     uint8
	LAPICAddress uint32

	entries [][]byte
}

// AddProcessor appends a processor entry.
func (b *Builder) AddProcessor(p Processor) *Builder {
	raw := rawProcessor{
		Kind:         uint8(EntryProcessor),
		APICID:       p.APICID,
		APICVersion:  p.APICVersion,
		Flags:        encodeFlags(p.Enabled, p.BootProcessor),
		Signature:    p.Signature,
		FeatureFlags: p.FeatureFlags,
	}
	b.entries = append(b.entries, bpkg.Marshal(nil, binary.LittleEndian, &raw))
	return b
}

// AddEntry appends a short entry of the given kind. Only the kind byte and
// up to seven bytes of body are stored.
func (b *Builder) AddEntry(kind EntryKind, body ...byte) *Builder {
	e := make([]byte, otherEntrySize)
	e[0] = uint8(kind)
	copy(e[1:], body)
	b.entries = append(b.entries, e)
	return b
}

// Table returns the configuration table, header included, with a valid
// checksum.
func (b *Builder) Table() []byte {
	length := headerSize
	for _, e := range b.entries {
		length += len(e)
	}
	h := rawHeader{
		Length:     uint16(length),
		Revision:   b.Revision,
		EntryCount: uint16(len(b.entries)),
		LAPICAddr:  b.LAPICAddress,
	}
	if h.Revision == 0 {
		h.Revision = 4
	}
	copy(h.Signature[:], configSignature)
	pad(h.OEMID[:], b.OEMID)
	pad(h.ProductID[:], b.ProductID)

	buf := bpkg.Marshal(make([]byte, 0, length), binary.LittleEndian, &h)
	for _, e := range b.entries {
		buf = append(buf, e...)
	}
	buf[7] = -bpkg.Sum8(buf)
	return buf
}

// FloatingPointer returns a floating pointer structure referring to a
// configuration table at configAddr, with a valid checksum.
func (b *Builder) FloatingPointer(configAddr uint32) []byte {
	fp := rawFloatingPointer{
		ConfigAddr: configAddr,
		Length:     1,
		Revision:   4,
	}
	copy(fp.Signature[:], floatingSignature)
	buf := bpkg.Marshal(make([]byte, 0, floatingSize), binary.LittleEndian, &fp)
	buf[10] = -bpkg.Sum8(buf)
	return buf
}

// pad copies s into dst, filling the rest with spaces.
func pad(dst []byte, s string) {
	n := copy(dst, s)
	for i := n; i < len(dst); i++ {
		dst[i] = ' '
	}
}

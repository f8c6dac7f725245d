// Copyright 2018 The gVisor Authors.
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

// Package cpuid provides basic functionality for querying CPU feature sets.
//
// A FeatureSet is backed by a Function: either the Native CPUID instruction,
// or a Static table, which is how feature words copied out of firmware
// tables (or fabricated by tests) are turned into a FeatureSet.
//
// For example, to check whether the boot processor has a local APIC:
//
//	if !cpuid.HostFeatureSet().HasFeature(cpuid.X86FeatureAPIC) {
//		// Single-processor fallback.
//	}
package cpuid

import "fmt"

// Feature is a unique identifier for a particular cpu feature. We just use an
// int as a feature number on x86.
//
// Features are numbered according to "blocks". Each block is 32 bits, and
// feature bits from the same source (cpuid leaf/level) are in the same block.
type Feature int

// block returns the block of the feature.
func (f Feature) block() int {
	return int(f) / 32
}

// bit returns the bit of the feature within its block.
func (f Feature) bit() uint32 {
	return uint32(1) << (uint32(f) % 32)
}

// Block 0 is CPUID.01H:ECX, block 1 is CPUID.01H:EDX.
const (
	X86FeatureSSE3   Feature = 0
	X86FeatureX2APIC Feature = 21
	X86FeatureXSAVE  Feature = 26

	X86FeatureFPU  Feature = 32 + 0
	X86FeatureTSC  Feature = 32 + 4
	X86FeatureMSR  Feature = 32 + 5
	X86FeaturePAE  Feature = 32 + 6
	X86FeatureAPIC Feature = 32 + 9
	X86FeaturePGE  Feature = 32 + 13
)

var featureNames = map[Feature]string{
	X86FeatureSSE3:   "sse3",
	X86FeatureX2APIC: "x2apic",
	X86FeatureXSAVE:  "xsave",
	X86FeatureFPU:    "fpu",
	X86FeatureTSC:    "tsc",
	X86FeatureMSR:    "msr",
	X86FeaturePAE:    "pae",
	X86FeatureAPIC:   "apic",
	X86FeaturePGE:    "pge",
}

// String implements fmt.Stringer.String.
func (f Feature) String() string {
	if name, ok := featureNames[f]; ok {
		return name
	}
	return fmt.Sprintf("feature(%d)", int(f))
}

// In is input to the Query function.
type In struct {
	Eax uint32
	Ecx uint32
}

// Out is output from the Query function.
type Out struct {
	Eax uint32
	Ebx uint32
	Ecx uint32
	Edx uint32
}

// Function executes a CPUID function.
//
// This is typically the native function or a Static definition.
type Function interface {
	Query(In) Out
}

// featureInfo is the leaf holding the basic feature bits and signature.
const featureInfo = 0x1

// FeatureSet defines features in terms of CPUID leaves and bits.
type FeatureSet struct {
	// Function is the underlying CPUID Function.
	Function
}

// HasFeature tests whether or not a feature is in the given feature set.
func (fs FeatureSet) HasFeature(feature Feature) bool {
	if fs.Function == nil {
		return false
	}
	out := fs.Query(In{Eax: featureInfo})
	switch feature.block() {
	case 0:
		return out.Ecx&feature.bit() != 0
	case 1:
		return out.Edx&feature.bit() != 0
	default:
		return false
	}
}

// Signature returns the processor signature (family, model, stepping) word.
func (fs FeatureSet) Signature() uint32 {
	if fs.Function == nil {
		return 0
	}
	return fs.Query(In{Eax: featureInfo}).Eax
}

// String implements fmt.Stringer.String.
func (fs FeatureSet) String() string {
	var names []string
	for f := Feature(0); f < 64; f++ {
		if fs.HasFeature(f) {
			names = append(names, f.String())
		}
	}
	return fmt.Sprintf("%v", names)
}

// Static is a static CPUID function.
type Static map[In]Out

// Query implements Function.Query.
func (s Static) Query(in In) Out {
	if in.Eax == featureInfo {
		in.Ecx = 0 // Ignored for this leaf.
	}
	return s[in]
}

// Add adds a feature.
func (s Static) Add(feature Feature) Static {
	s.set(feature, true)
	return s
}

// Remove removes a feature.
func (s Static) Remove(feature Feature) Static {
	s.set(feature, false)
	return s
}

func (s Static) set(feature Feature, on bool) {
	in := In{Eax: featureInfo}
	out := s[in]
	var reg *uint32
	switch feature.block() {
	case 0:
		reg = &out.Ecx
	case 1:
		reg = &out.Edx
	default:
		panic(fmt.Sprintf("unsupported feature %v", feature))
	}
	if on {
		*reg |= feature.bit()
	} else {
		*reg &^= feature.bit()
	}
	s[in] = out
}

// ToFeatureSet converts a static specification to a FeatureSet.
func (s Static) ToFeatureSet() FeatureSet {
	// Make a copy.
	ns := make(Static)
	for k, v := range s {
		ns[k] = v
	}
	return FeatureSet{ns}
}

// FromLeaf1 returns a FeatureSet built from the CPUID.01H register values,
// as recorded for example in an MP table processor entry.
func FromLeaf1(signature, ecx, edx uint32) FeatureSet {
	return Static{In{Eax: featureInfo}: {Eax: signature, Ecx: ecx, Edx: edx}}.ToFeatureSet()
}

// HostFeatureSet returns a FeatureSet that matches that of the host machine.
func HostFeatureSet() FeatureSet {
	return FeatureSet{Native{}}
}

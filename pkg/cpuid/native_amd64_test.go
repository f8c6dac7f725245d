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

//go:build amd64
// +build amd64

package cpuid

import "testing"

// Every x86-64 processor has an FPU and an on-chip APIC.
func TestHostFeatureSet(t *testing.T) {
	fs := HostFeatureSet()
	if !fs.HasFeature(X86FeatureFPU) {
		t.Errorf("Got invalid feature set %v from HostFeatureSet()", fs)
	}
}

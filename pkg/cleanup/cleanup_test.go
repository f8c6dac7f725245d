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


package cleanup

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

// setup registers three cleaners that record their index in order.
func setup(order *[]int) Cleanup {
	cu := Make(func() { *order = append(*order, 1) })
	cu.Add(func() { *order = append(*order, 2) })
	cu.Add(func() { *order = append(*order, 3) })
	return cu
}

func TestClean(t *testing.T) {
	var order []int
	cu := setup(&order)
	cu.Clean()
	cu.Clean() // No-op.
	if diff := cmp.Diff([]int{3, 2, 1}, order); diff != "" {
		t.Errorf("cleanup order mismatch (-want +got):\n%s", diff)
	}
}

func TestRelease(t *testing.T) {
	var order []int
	cu := setup(&order)
	cleaner := cu.Release()
	cu.Clean()
	if len(order) != 0 {
		t.Fatalf("Clean after Release ran %v", order)
	}
	cleaner()
	if diff := cmp.Diff([]int{3, 2, 1}, order); diff != "" {
		t.Errorf("released cleanup order mismatch (-want +got):\n%s", diff)
	}
}

func TestDeferredRelease(t *testing.T) {
	var order []int
	acquire := func(fail bool) {
		cu := setup(&order)
		defer cu.Clean()
		if fail {
			return
		}
		cu.Release()
	}
	acquire(false)
	if len(order) != 0 {
		t.Errorf("successful path ran cleaners %v", order)
	}
	acquire(true)
	if diff := cmp.Diff([]int{3, 2, 1}, order); diff != "" {
		t.Errorf("failure path mismatch (-want +got):\n%s", diff)
	}
}

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

package mm

import (
	"bytes"
	"testing"
)

func TestFrameAddress(t *testing.T) {
	for _, pa := range []PhysAddr{0, 0x8000, 0xfee00000} {
		if got := FrameOf(pa).Address(); got != pa {
			t.Errorf("FrameOf(%v).Address() = %v, want %v", pa, got, pa)
		}
	}
	if got, want := FrameOf(0x8123), Frame(8); got != want {
		t.Errorf("FrameOf(0x8123) = %d, want %d", got, want)
	}
	if PhysAddr(0x8010).IsPageAligned() || !PhysAddr(0x9000).IsPageAligned() {
		t.Errorf("IsPageAligned mismatch")
	}
}

func TestByteMemory(t *testing.T) {
	m := NewByteMemory(make([]byte, 64))
	m.Store64(8, 0x1122334455667788)

	if got, want := m.Load64(8), uint64(0x1122334455667788); got != want {
		t.Errorf("Load64(8) = %#x, want %#x", got, want)
	}
	buf := make([]byte, 4)
	if err := m.ReadAt(buf, 8); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if want := []byte{0x88, 0x77, 0x66, 0x55}; !bytes.Equal(buf, want) {
		t.Errorf("ReadAt = %x, want %x", buf, want)
	}
	if err := m.ReadAt(buf, 62); err == nil {
		t.Errorf("ReadAt past the end succeeded")
	}
}

func TestByteMemoryUnalignedPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("Store64 at an unaligned address did not panic")
		}
	}()
	NewByteMemory(make([]byte, 64)).Store64(3, 1)
}

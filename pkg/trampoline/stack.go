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

package trampoline

import (
	"fmt"

	"gvisor.dev/mpboot/pkg/hostarch"
	"gvisor.dev/mpboot/pkg/mm"
)

// Stack is an application processor's boot stack.
type Stack struct {
	// Base is the lowest virtual address of the stack.
	Base hostarch.Addr

	// Frames back the stack, in address order.
	Frames []mm.Frame
}

// Top returns the initial stack pointer.
func (s Stack) Top() hostarch.Addr {
	return s.Base + hostarch.Addr(len(s.Frames)*hostarch.PageSize)
}

// AllocStack allocates and maps a fresh stack of the given number of pages.
// Stacks are never reused. Errors wrap mm.ErrOutOfMemory when frames run out.
func AllocStack(frames mm.FrameAllocator, as mm.AddressSpace, pages int) (Stack, error) {
	if pages <= 0 {
		pages = StackPages
	}
	fs, err := frames.AllocFrames(pages)
	if err != nil {
		return Stack{}, fmt.Errorf("allocating %d stack frames: %w", pages, err)
	}
	va, err := as.AllocVirtual(pages)
	if err != nil {
		return Stack{}, fmt.Errorf("allocating %d stack pages: %w", pages, err)
	}
	if err := as.MapPages(va, fs, hostarch.MemoryTypeWriteBack); err != nil {
		return Stack{}, fmt.Errorf("mapping stack at %v: %w", va, err)
	}
	return Stack{Base: va, Frames: fs}, nil
}

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

// cursor walks a byte buffer without ever reading past its end.
type cursor struct {
	buf []byte
	off int
}

// remaining returns the number of unread bytes.
func (c *cursor) remaining() int {
	return len(c.buf) - c.off
}

// peek returns the next byte without consuming it.
func (c *cursor) peek() (byte, bool) {
	if c.remaining() < 1 {
		return 0, false
	}
	return c.buf[c.off], true
}

// next consumes n bytes. It consumes nothing if fewer than n remain.
func (c *cursor) next(n int) ([]byte, bool) {
	if n < 0 || c.remaining() < n {
		return nil, false
	}
	b := c.buf[c.off : c.off+n]
	c.off += n
	return b, true
}

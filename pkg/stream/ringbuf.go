// Copyright 2024-2026 Raimundo Jimenez. All rights reserved.
// Use of this source code is governed by the GNU General Public License v2
// included in the LICENSE file of this repository.

package stream

import "fmt"

// Ring is a growable byte ring buffer. It starts at a small capacity and
// doubles as needed up to a hard maximum, after which writes fail. Not safe
// for concurrent use; the owning Endpoint serializes access.
type Ring struct {
	buf  []byte
	head int
	n    int
	max  int
}

// NewRing creates a ring with the given initial capacity and hard maximum.
func NewRing(initial, max int) *Ring {
	if initial <= 0 {
		initial = 4096
	}
	if max < initial {
		max = initial
	}
	return &Ring{buf: make([]byte, initial), max: max}
}

// Len returns the number of buffered bytes.
func (r *Ring) Len() int { return r.n }

// Cap returns the current allocated capacity.
func (r *Ring) Cap() int { return len(r.buf) }

// Free returns the bytes writable without growing past the hard maximum.
func (r *Ring) Free() int { return r.max - r.n }

// Write appends p, growing the ring if needed. It fails without consuming
// any input when p would push the ring past its hard maximum.
func (r *Ring) Write(p []byte) error {
	if r.n+len(p) > r.max {
		return fmt.Errorf("ring buffer full: %d buffered + %d incoming > %d max", r.n, len(p), r.max)
	}
	if r.n+len(p) > len(r.buf) {
		r.grow(r.n + len(p))
	}
	tail := (r.head + r.n) % len(r.buf)
	first := copy(r.buf[tail:], p)
	if first < len(p) {
		copy(r.buf, p[first:])
	}
	r.n += len(p)
	return nil
}

// Peek copies up to len(p) buffered bytes into p without consuming them.
func (r *Ring) Peek(p []byte) int {
	want := len(p)
	if want > r.n {
		want = r.n
	}
	first := len(r.buf) - r.head
	if first > want {
		first = want
	}
	copy(p, r.buf[r.head:r.head+first])
	if first < want {
		copy(p[first:], r.buf[:want-first])
	}
	return want
}

// Consume discards the first n buffered bytes.
func (r *Ring) Consume(n int) {
	if n > r.n {
		n = r.n
	}
	r.head = (r.head + n) % len(r.buf)
	r.n -= n
	if r.n == 0 {
		r.head = 0
	}
}

// Read copies up to len(p) bytes into p and consumes them.
func (r *Ring) Read(p []byte) int {
	n := r.Peek(p)
	r.Consume(n)
	return n
}

func (r *Ring) grow(need int) {
	size := len(r.buf)
	for size < need {
		size *= 2
	}
	if size > r.max {
		size = r.max
	}
	nb := make([]byte, size)
	r.Peek(nb[:r.n])
	r.buf = nb
	r.head = 0
}

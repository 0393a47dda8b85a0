// Copyright (c) 2026.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

// Package ring implements a fixed capacity FIFO buffer. Pushing into
// a full buffer evicts the oldest element. The buffer is not safe for
// concurrent use; owners guard it with their own mutex.
package ring

type (
	Buffer[T any] struct {
		items []T
		start int
		size  int
	}
)

// New returns an empty buffer holding at most capacity elements. A
// capacity below one is raised to one.
func New[T any](capacity int) *Buffer[T] {
	if capacity < 1 {
		capacity = 1
	}

	return &Buffer[T]{items: make([]T, capacity)}
}

func (b *Buffer[T]) Cap() int { return len(b.items) }
func (b *Buffer[T]) Len() int { return b.size }

// Push appends v and reports whether an older element was evicted.
func (b *Buffer[T]) Push(v T) bool {
	if b.size < len(b.items) {
		b.items[(b.start+b.size)%len(b.items)] = v
		b.size++
		return false
	}

	b.items[b.start] = v
	b.start = (b.start + 1) % len(b.items)
	return true
}

// At returns the i-th element, 0 being the oldest.
func (b *Buffer[T]) At(i int) T {
	if i < 0 || i >= b.size {
		panic("ring: index out of range")
	}

	return b.items[(b.start+i)%len(b.items)]
}

// Slice copies the elements, oldest first.
func (b *Buffer[T]) Slice() []T {
	out := make([]T, b.size)
	for i := range out {
		out[i] = b.At(i)
	}

	return out
}

// Each calls f from the oldest to the newest element until f
// returns false.
func (b *Buffer[T]) Each(f func(T) bool) {
	for i := 0; i < b.size; i++ {
		if !f(b.At(i)) {
			return
		}
	}
}

// Reverse calls f from the newest to the oldest element until f
// returns false.
func (b *Buffer[T]) Reverse(f func(T) bool) {
	for i := b.size - 1; i >= 0; i-- {
		if !f(b.At(i)) {
			return
		}
	}
}

// DeleteFunc removes every element for which del returns true,
// preserving the order of the others, and returns how many were
// removed.
func (b *Buffer[T]) DeleteFunc(del func(T) bool) int {
	kept := make([]T, 0, b.size)
	for i := 0; i < b.size; i++ {
		if v := b.At(i); !del(v) {
			kept = append(kept, v)
		}
	}

	removed := b.size - len(kept)
	if removed == 0 {
		return 0
	}

	b.Clear()
	for _, v := range kept {
		b.Push(v)
	}

	return removed
}

// Clear drops every element.
func (b *Buffer[T]) Clear() {
	var zero T
	for i := range b.items {
		b.items[i] = zero
	}

	b.start = 0
	b.size = 0
}

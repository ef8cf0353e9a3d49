// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Array[T] (supplemental feature — see SPEC_FULL.md's large-object
// section): a managed, fixed-length run of T laid out contiguously in
// one slot, for workloads that would otherwise need many individually-
// tracked elements. Grounded on mheap.go's large-object path: an
// allocation bigger than one size class's page gets its own multi-page
// span instead of being carved from mcentral; here an array whose byte
// length exceeds one Page's usable area gets its own dedicated,
// single-slot run of pages the same way (see page.go's newLargePage),
// rather than being rejected or spilling across an ordinary page.
package sgcl

import (
	"fmt"
	"unsafe"
)

// arrayHeaderSize is the fixed prefix every Array[T] allocation pays
// before its element data begins.
var arrayHeaderSize = unsafe.Sizeof(arrayHeader{})

// arrayElem returns a pointer to element i of a, computed by raw
// pointer arithmetic off the header since Array[T] cannot hold a Go
// slice field (see the comment on Array's data layout below).
func arrayElem[T any](a *Array[T], i int) *T {
	base := uintptr(unsafe.Pointer(a)) + arrayHeaderSize
	var zero T
	elemSize := unsafe.Sizeof(zero)
	return (*T)(unsafe.Pointer(base + uintptr(i)*elemSize))
}

// Array[T] is a fixed-length, heap-managed sequence of T, itself
// reachable only through a Tracked[Array[T]]/Stack[Array[T]]/
// Unique[Array[T]] handle exactly like any other managed type. The
// collector traces its elements using the owning page's typeLayout
// (which records the element stride and per-element child offsets,
// see heap.go's NewArray and collector.go's traceChildren) rather than
// Array[T] storing a type descriptor of its own — a descriptor field
// would be a native Go pointer living in arena memory, exactly the kind
// typelayout.go's scanner rejects.
type Array[T any] struct {
	header arrayHeader
}

type arrayHeader struct {
	length int
}

// Len reports the number of elements.
func (a *Array[T]) Len() int { return a.header.length }

// At returns a pointer to the element at index i, or ErrOutOfRange if i
// is out of bounds. The returned pointer is valid only as long as the
// Array itself is reachable (same rules as any tracked-memory pointer).
func (a *Array[T]) At(i int) (*T, error) {
	if i < 0 || i >= a.header.length {
		return nil, fmt.Errorf("%w: index %d, length %d", ErrOutOfRange, i, a.header.length)
	}
	return arrayElem[T](a, i), nil
}

// arrayByteSize computes the total allocation size for n elements of T,
// header included, the same header+payload layout mfixalloc.go uses for
// its FixAlloc blocks (a fixed prefix followed by the raw payload).
func arrayByteSize(elemSize uintptr, n int) uintptr {
	return arrayHeaderSize + elemSize*uintptr(n)
}

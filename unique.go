// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Unique[T] (component F): an exclusive-owner handle. Unlike
// Tracked/Stack, a Unique's target is never discovered by the collector
// as reachable through tracing — it is kept alive purely by the
// UniqueLock slot state (objstate.go) for as long as exactly one
// Unique[T] claims it, and destroyed immediately (not on the next sweep)
// when that claim is released without being transferred. This mirrors
// the teacher's distinction between a span still linked into mcentral
// (shared, scanned) and a manually-managed fixalloc block (owned
// outright, freed synchronously by its one owner) — see mfixalloc.go.

package sgcl

import "sync/atomic"

// Unique[T] is move-only in spirit: copying the Go value copies the
// handle, so callers must treat a Unique[T] the way they would a file
// descriptor and transfer ownership explicitly via Move, never by
// sharing the value across two live call sites.
type Unique[T any] struct {
	addr atomic.Uintptr
	h    *Heap
}

// Unique deliberately does NOT implement trackedFieldMarker: embedding
// one inside a tracked object is a misuse the scanner in typelayout.go
// rejects with ErrUnsupportedField, since ownership cannot be shared
// between the embedding object's lifetime and the handle's.

// Load returns the current target, or false if null. The returned
// pointer remains valid only while the caller's Unique[T] has not been
// moved or reset.
func (u *Unique[T]) Load() (*T, bool) {
	a := u.addr.Load()
	if a == 0 {
		return nil, false
	}
	return (*T)(addrToPointer(a)), true
}

// Reset destroys the current target immediately, synchronously running
// its destructor path and returning the slot to Unused rather than
// waiting for the next sweep (spec §4.F), then clears the handle.
func (u *Unique[T]) Reset() {
	a := u.addr.Swap(0)
	if a == 0 {
		return
	}
	u.h.destroyUnique(a)
}

// Move transfers ownership from src to dst, clearing src. If dst
// already owns a live object, that object is destroyed first exactly as
// Reset would. Moving into a Tracked[T]/Stack[T] field is a distinct
// operation (StoreFromUnique) because it changes how the target's
// lifetime is tracked going forward.
func Move[T any](dst, src *Unique[T]) {
	if dst.addr.Load() != 0 {
		dst.Reset()
	}
	a := src.addr.Swap(0)
	dst.addr.Store(a)
	dst.h = src.h
}

// StoreFromUnique transfers src's exclusively-owned target into a
// Tracked handle, switching its lifetime from unique-ownership to
// trace-based reachability (spec §3's UniqueLock->Used transition, which
// the store itself carries straight through to Reachable). Publishing a
// fresh Unique[T] through a plain Tracked.Store instead of this function
// would leave the slot stuck in UniqueLock forever, since Store's write
// barrier treats UniqueLock as already-reachable and never advances it —
// MakeTracked's callers must release a Unique through this path (or
// Stack.StoreFromUnique / Atomic.StoreFromUnique below), never by
// handing Unique.Load's raw pointer to an ordinary Store.
func StoreFromUnique[T any](h *Heap, t *Tracked[T], src *Unique[T]) {
	a := src.addr.Swap(0)
	if a == 0 {
		t.Store(h, nil)
		return
	}
	h.releaseUniqueToTraced(a)
	t.addr.Store(a)
	t.h = h
}

// StoreFromUnique is Stack[T]'s analogue of the free StoreFromUnique
// function above, for anchoring a freshly made Unique[T] directly as a
// root instead of through an embedded Tracked field.
func (s *Stack[T]) StoreFromUnique(h *Heap, src *Unique[T]) {
	a := src.addr.Swap(0)
	if a == 0 {
		s.Store(h, nil)
		return
	}
	h.releaseUniqueToTraced(a)
	s.addr.Store(a)
	s.h = h
}

// StoreFromUnique is Atomic[T]'s analogue of the free StoreFromUnique
// function above, for publishing a freshly made Unique[T] into a
// lock-free structure instead of an ordinary Tracked field.
func (a *Atomic[T]) StoreFromUnique(h *Heap, src *Unique[T]) {
	addr := src.addr.Swap(0)
	if addr == 0 {
		a.Store(h, nil)
		return
	}
	h.releaseUniqueToTraced(addr)
	a.addr.Store(addr)
}

// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Atomic[T] (component I): a handle meant for lock-free data structures
// built on top of this allocator, where one goroutine's Load can race
// another goroutine's CompareAndSwap away from the object the collector
// is about to sweep. A plain Tracked[T] load is safe against the
// collector because the owning object is reachable from some root for
// the whole cycle; an Atomic[T] load is not, since the very thing being
// raced is whether the object is still reachable. The hazard-pointer
// protocol below (publish the address being read, recheck after
// publishing, retry on mismatch) is the standard construction for this;
// none of the example repos carry a hazard-pointer implementation, so
// this is built directly from the CAS-retry shape already established
// by lfstack.go and sema.go rather than ported from a specific file —
// see DESIGN.md.

package sgcl

import "sync/atomic"

// Atomic[T] wraps a Tracked[T]-shaped word with an additional
// publish-then-reread discipline on Load so the collector's sweep step
// (component H step 8) can tell a slot is still being looked at and
// defer recycling it.
type Atomic[T any] struct {
	addr atomic.Uintptr
}

// Load returns the current target, protecting it from concurrent
// recycling until the caller calls ctx.Release. Follows the classic
// hazard-pointer shape: publish the address, reread the slot, and retry
// if the reread disagrees with what was published (someone else already
// swapped the word out from under the hazard announcement).
func (a *Atomic[T]) Load(ctx *Context) (*T, bool) {
	for {
		addr := a.addr.Load()
		if addr == 0 {
			return nil, false
		}
		ctx.publishHazard(addr)
		if a.addr.Load() != addr {
			continue
		}
		return (*T)(addrToPointer(addr)), true
	}
}

// Store publishes v, running the same reachability barrier as
// Tracked.Store before the address becomes visible.
func (a *Atomic[T]) Store(h *Heap, v *T) {
	addr := addrOf(v)
	if addr != 0 {
		h.writeBarrier(addr)
	}
	a.addr.Store(addr)
}

// CompareAndSwap atomically swaps old for new, applying the Store
// barrier to new first. Reports whether the swap took effect.
func (a *Atomic[T]) CompareAndSwap(h *Heap, old, new *T) bool {
	oldAddr := addrOf(old)
	newAddr := addrOf(new)
	if newAddr != 0 {
		h.writeBarrier(newAddr)
	}
	return a.addr.CompareAndSwap(oldAddr, newAddr)
}

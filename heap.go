// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Heap ties every component together: the block/page allocator
// (block.go, page.go), the type registry (typelayout.go), the handle
// kinds (tracked.go, stackroot.go, unique.go, atomicptr.go) and the
// background collector (collector.go). Modeled on the teacher's single
// package-level mheap plus the runtime's sched/newproc wiring, but
// exposed as a value the embedding application constructs explicitly
// (New) rather than a process-wide global, since this collector manages
// one off-heap arena per Heap rather than the whole address space.

package sgcl

import (
	"fmt"
	"reflect"
	"sync"
	"unsafe"

	"go.uber.org/zap"

	"github.com/pebal/sgcl/sgclstats"
)

// heapOptions configures a Heap at construction; see WithLogger in
// log.go and the With* functions below.
type heapOptions struct {
	log *zap.Logger
}

// HeapOption mutates heapOptions, the functional-options idiom also
// used by Config in config.go.
type HeapOption func(*heapOptions)

// Heap owns one off-heap arena and the background collector that
// traces it. The zero value is not usable; construct with New.
type Heap struct {
	cfg Config
	log *zap.Logger

	alloc    *blockAllocator
	types    *typeRegistry
	contexts contextRegistry

	statesMu sync.RWMutex
	states   map[reflect.Type]*typeState
	arrays   map[arrayKey]*typeState

	coll *collector

	pauseMu sync.Mutex // held by GetLiveObjects for the duration of enumeration
}

// typeState is everything the heap tracks per distinct T ever passed to
// MakeTracked: its discovered layout and its pool of pages.
type typeState struct {
	layout   *typeLayout
	slotSize uintptr
	central  *pageCentral

	// finalizer, if registered via RegisterFinalizer, runs once
	// synchronously on each slot of this type immediately before sweep
	// (component H step 8) returns it to the free list.
	finalizer func(unsafe.Pointer)
}

// arrayKey distinguishes Array[T] pools by both element type and
// length, since two arrays of the same T but different n need
// different slot sizes and cannot share a pageCentral.
type arrayKey struct {
	elem reflect.Type
	n    int
}

// New constructs a Heap and starts its background collector goroutine.
// Call Terminate when done to stop the collector and release every
// mapped block.
func New(cfg Config, opts ...HeapOption) *Heap {
	sgclstats.Register()
	o := heapOptions{log: nopLogger()}
	for _, opt := range opts {
		opt(&o)
	}
	h := &Heap{
		cfg:    cfg,
		log:    o.log,
		alloc:  newBlockAllocator(cfg.PageSize),
		types:  newTypeRegistry(cfg.MaxTypesNumber),
		states: make(map[reflect.Type]*typeState),
		arrays: make(map[arrayKey]*typeState),
	}
	h.coll = newCollector(h)
	h.coll.start()
	return h
}

// stateFor returns (creating if necessary) the typeState for T,
// discovering its layout via reflection on first use (component C).
func stateFor[T any](h *Heap) (*typeState, error) {
	var zero T
	rt := reflect.TypeOf(zero)
	if rt == nil {
		rt = reflect.TypeOf(&zero).Elem()
	}

	h.statesMu.RLock()
	st, ok := h.states[rt]
	h.statesMu.RUnlock()
	if ok {
		return st, nil
	}

	layout, err := h.types.layoutFor(rt)
	if err != nil {
		return nil, err
	}
	slotSize := layout.size
	if slotSize == 0 {
		slotSize = 1
	}
	if slotSize > h.cfg.PageSize {
		return nil, fmt.Errorf("%w: %s is %d bytes, page size is %d", ErrOversized, rt, slotSize, h.cfg.PageSize)
	}

	h.statesMu.Lock()
	defer h.statesMu.Unlock()
	if st, ok := h.states[rt]; ok {
		return st, nil
	}
	st = &typeState{
		layout:   layout,
		slotSize: slotSize,
		central:  newPageCentral(h.alloc, h.cfg.BlockPages, layout, slotSize),
	}
	h.states[rt] = st
	return st, nil
}

// MakeTracked allocates a new T from the heap's arena, runs init over
// the zeroed slot if init is non-nil, and returns it as an exclusively
// owned Unique[T] (spec §4.F, §6's `make_tracked<T>(args…) -> Unique<T>`).
// The slot is carved in UniqueLock state, so the collector can never
// reclaim it — not even across the window between this call returning
// and the caller publishing it into a Tracked[T]/Stack[T] field via
// StoreFromUnique/Stack.StoreFromUnique, closing the S2 race the bare
// *T return used to leave open. If init returns an error the slot is
// left in BadAlloc, where the collector never traces, destructs or
// reuses it (spec §7 kind 2).
func MakeTracked[T any](h *Heap, init func(*T) error) (Unique[T], error) {
	if h.coll.terminated.Load() {
		return Unique[T]{}, ErrTerminated
	}
	st, err := stateFor[T](h)
	if err != nil {
		return Unique[T]{}, err
	}
	p, idx, err := st.central.cacheSlot()
	if err != nil {
		return Unique[T]{}, err
	}
	ptr := (*T)(addrToPointer(p.slotAddr(idx)))
	zeroMemory(ptr)
	if init != nil {
		if err := init(ptr); err != nil {
			p.states.store(idx, stateBadAlloc)
			return Unique[T]{}, fmt.Errorf("sgcl: constructor failed: %w", err)
		}
	}
	p.states.store(idx, stateUniqueLock)
	var u Unique[T]
	u.addr.Store(addrOf(ptr))
	u.h = h
	return u, nil
}

// RegisterFinalizer installs fn to run synchronously, exactly once,
// immediately before sweep (component H step 8) reclaims a T's slot —
// spec §4.H's destructor invocation for scalar T. Registering more than
// once for the same T replaces the previous finalizer; there is no
// per-object variant, matching spec's "destructor" being a property of
// the type, not the individual allocation.
func RegisterFinalizer[T any](h *Heap, fn func(*T)) error {
	st, err := stateFor[T](h)
	if err != nil {
		return err
	}
	st.finalizer = func(ptr unsafe.Pointer) { fn((*T)(ptr)) }
	return nil
}

// NewArray allocates a fixed-length Array[T] the same way MakeTracked
// does for a scalar T, sizing the slot for n elements plus header (see
// array.go) and returning it as a Unique[Array[T]] (spec §6's
// `make_tracked<T[]>(count, init…) -> Unique<T[]>`). Each element is
// zeroed but not separately initialized; callers needing per-element
// construction should loop over At after release. Arrays whose total
// size exceeds one page spill onto a dedicated large-object page, one
// slot per page run (spec §4.A, scenario S5), rather than being
// rejected.
func NewArray[T any](h *Heap, n int) (Unique[Array[T]], error) {
	if h.coll.terminated.Load() {
		return Unique[Array[T]]{}, ErrTerminated
	}
	if n < 0 {
		return Unique[Array[T]]{}, fmt.Errorf("%w: negative length %d", ErrOutOfRange, n)
	}
	var zeroElem T
	elemRT := reflect.TypeOf(zeroElem)
	elemLayout, err := h.types.layoutFor(elemRT)
	if err != nil {
		return Unique[Array[T]]{}, err
	}
	size := arrayByteSize(elemLayout.size, n)

	key := arrayKey{elem: elemRT, n: n}
	h.statesMu.RLock()
	st, ok := h.arrays[key]
	h.statesMu.RUnlock()
	if !ok {
		h.statesMu.Lock()
		if st, ok = h.arrays[key]; !ok {
			layout := &typeLayout{
				rtype:         reflect.TypeOf(Array[T]{}),
				size:          size,
				final:         elemLayout.final,
				arrayLen:      n,
				elemSize:      elemLayout.size,
				arrayChildren: elemLayout.children,
			}
			st = &typeState{
				layout:   layout,
				slotSize: size,
				central:  newPageCentral(h.alloc, h.cfg.BlockPages, layout, size),
			}
			h.arrays[key] = st
		}
		h.statesMu.Unlock()
	}

	p, idx, err := st.central.cacheSlot()
	if err != nil {
		return Unique[Array[T]]{}, err
	}
	arr := (*Array[T])(addrToPointer(p.slotAddr(idx)))
	zeroMemory(arr)
	arr.header.length = n
	p.states.store(idx, stateUniqueLock)
	var u Unique[Array[T]]
	u.addr.Store(addrOf(arr))
	u.h = h
	return u, nil
}

// writeBarrier marks addr's owning slot reachable before a pointer to
// it is published through any handle kind's Store/CompareAndSwap — the
// mechanism spec §4.D calls out as the reason a concurrently-running
// mark phase can never miss a freshly-stored pointer.
func (h *Heap) writeBarrier(addr uintptr) {
	if addr == 0 {
		return
	}
	p := h.alloc.pageOf(addr)
	if p == nil {
		return // not one of ours (e.g. a stack-local zero value); nothing to mark
	}
	i := p.slotIndex(addr)
	for {
		cur := p.states.load(i)
		if inMask(cur, reachableMask) {
			return
		}
		if p.states.cas(i, cur, stateReachable) {
			return
		}
	}
}

// destroyUnique runs the immediate-destruction path for Unique[T].Reset
// (spec §4.F): transition straight to Destroyed/Unused rather than
// waiting for the collector to discover the slot unreachable, running
// the type's finalizer (if any) and clearing its child pointers exactly
// as the collector's sweep step does for trace-discovered garbage.
func (h *Heap) destroyUnique(addr uintptr) {
	p := h.alloc.pageOf(addr)
	if p == nil {
		return
	}
	i := p.slotIndex(addr)
	if fin := h.finalizerFor(p.typ); fin != nil {
		fin(addrToPointer(addr))
	}
	clearChildren(p.typ, addr)
	p.states.store(i, stateDestroyed)
	p.states.store(i, stateUnused)
	p.returnSlot(i)
	st := h.centralFor(p.typ)
	if st != nil {
		st.uncacheFull(p)
	}
}

// releaseUniqueToTraced flips a slot from UniqueLock to Reachable: spec
// §3 describes the UniqueLock->Used transition as happening "on release
// of the owning unique pointer into a tracked/stack pointer (the store
// itself sets the state to Reachable)" — the release and the publishing
// write barrier are the same event, so the slot goes straight to
// Reachable rather than passing back through Used first. The
// state-machine transition StoreFromUnique/Stack.StoreFromUnique/
// Atomic.StoreFromUnique (unique.go) rely on this.
func (h *Heap) releaseUniqueToTraced(addr uintptr) {
	p := h.alloc.pageOf(addr)
	if p == nil {
		return
	}
	i := p.slotIndex(addr)
	p.states.store(i, stateReachable)
}

func (h *Heap) centralFor(typ *typeLayout) *pageCentral {
	h.statesMu.RLock()
	defer h.statesMu.RUnlock()
	for _, st := range h.states {
		if st.layout == typ {
			return st.central
		}
	}
	for _, st := range h.arrays {
		if st.layout == typ {
			return st.central
		}
	}
	return nil
}

// finalizerFor looks up the registered finalizer, if any, for the type
// owning typ, mirroring centralFor's linear scan over states/arrays —
// both are rare, small-N lookups keyed by *typeLayout identity rather
// than by reflect.Type, since array typeLayouts have no reflect.Type of
// their own to key on.
func (h *Heap) finalizerFor(typ *typeLayout) func(unsafe.Pointer) {
	h.statesMu.RLock()
	defer h.statesMu.RUnlock()
	for _, st := range h.states {
		if st.layout == typ {
			return st.finalizer
		}
	}
	for _, st := range h.arrays {
		if st.layout == typ {
			return st.finalizer
		}
	}
	return nil
}

// ForceCollect blocks until at least two full collection cycles have
// run (see collector.forceCollect), returning ErrPaused if a GetLiveObjects enumeration is in progress and
// ErrTerminated if the heap has already been shut down (spec §5).
func (h *Heap) ForceCollect() error {
	return h.coll.forceCollect()
}

// GetLiveObjects pauses the collector and invokes fn once per
// currently-reachable slot across every type, the way spec §5 describes
// for debugging/serialization use; the collector resumes automatically
// once fn returns.
func (h *Heap) GetLiveObjects(fn func(rtype reflect.Type, ptr uintptr)) {
	h.pauseMu.Lock()
	defer h.pauseMu.Unlock()
	h.coll.pauseForEnumeration(func() {
		h.statesMu.RLock()
		defer h.statesMu.RUnlock()
		for rt, st := range h.states {
			for _, p := range st.central.all() {
				for i := 0; i < p.nslots; i++ {
					if inMask(p.states.load(i), reachableMask) {
						fn(rt, p.slotAddr(i))
					}
				}
			}
		}
		for key, st := range h.arrays {
			for _, p := range st.central.all() {
				for i := 0; i < p.nslots; i++ {
					if inMask(p.states.load(i), reachableMask) {
						fn(key.elem, p.slotAddr(i))
					}
				}
			}
		}
	})
}

// Stats returns a point-in-time snapshot of the collector's lifetime
// counters (spec's Extension to §4.H sweep accounting), the same
// information surfaced continuously through the sgclstats Prometheus
// gauges for callers that want it in-process instead.
func (h *Heap) Stats() Stats {
	return h.coll.Stats()
}

// Terminate stops the background collector and releases every block
// mapped by this heap. After Terminate returns, every further
// MakeTracked/NewArray/ForceCollect call returns ErrTerminated. Calling
// it again after the first call is a no-op.
func (h *Heap) Terminate() {
	h.coll.terminate()
}

// allTypeStates snapshots every typeState the heap currently knows
// about, scalar and array alike, for the collector's per-cycle page
// walks (component H steps 2, 8 and 9).
func (h *Heap) allTypeStates() []*typeState {
	h.statesMu.RLock()
	defer h.statesMu.RUnlock()
	out := make([]*typeState, 0, len(h.states)+len(h.arrays))
	for _, st := range h.states {
		out = append(out, st)
	}
	for _, st := range h.arrays {
		out = append(out, st)
	}
	return out
}

func zeroMemory[T any](p *T) {
	var zero T
	*p = zero
}

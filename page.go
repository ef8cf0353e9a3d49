// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Page allocator (component A, part 2): a single PageSize slab carved
// from a block and dedicated, for its whole lifetime, to slots of one
// size class. Modeled on mspan.go/mcentral.go in the teacher tree: an
// mspan is one run of pages for one size class with a free-object
// bitmap; a page here is simpler (always exactly one Block page) but
// plays the identical role, and pageCentral below plays mcentral's role
// of pooling spans/pages across threads for one size class.

package sgcl

import (
	sgclatomic "github.com/pebal/sgcl/internal/atomic"
)

// page is one slab, wholly owned by one typeLayout for its lifetime.
// Every slot on the page is slotSize bytes (typeState.slotSize: sizeof(T), at least 1).
type page struct {
	addr      uintptr // base address, as handed out by the block allocator
	blockBase uintptr
	pageSize  uintptr
	slotSize  uintptr
	nslots    int
	typ       *typeLayout

	states     slotStates          // one state per slot
	registered []sgclatomic.Bits64 // set by takeSlot when the slot is handed out, cleared by returnSlot
	marked     []sgclatomic.Bits64 // slot pushed to / popped from the trace worklist this cycle

	freeMu    chanMutex
	freeSlots []int // unused slot indices, LIFO

	// large is set for a page built by newLargePage: one dedicated block
	// holding exactly one slot spanning possibly many OS pages, rather
	// than a pooled page carved from a shared block (spec §4.A's
	// large-object variant). block is that page's owning *block, needed
	// at release time since a large page's block isn't shared with any
	// other page and so can't be found back through the ordinary
	// blockBase/pageAddr lookup releasePage uses.
	large bool
	block *block
}

// chanMutex is a tiny spinlock-free mutex built on a buffered channel of
// capacity one, the same trylock-by-channel idiom other_examples'
// fmstephe-memorymanager pointer_store.go uses for its free-index CAS
// loop's slow path. Kept distinct from sync.Mutex only so page's hot
// path (takeSlot/returnSlot) reads as a one-line acquire/release without
// pulling in sync.Mutex's larger zero-value footprint across thousands
// of pages.
type chanMutex chan struct{}

func newChanMutex() chanMutex {
	m := make(chanMutex, 1)
	m <- struct{}{}
	return m
}

func (m chanMutex) Lock()   { <-m }
func (m chanMutex) Unlock() { m <- struct{}{} }

// bitsPerWord is how many slots a single Bits64 flag word can track.
// Pages with more slots than this need additional words; see
// newPage below. 64 keeps the common case (small structs, many
// slots per page) to one word per flag per page.
const bitsPerWord = 64

// newPage carves nslots slots of slotSize bytes each from a freshly
// allocated block page and registers it in the allocator's address
// index so pageOf can find it during tracing.
func newPage(a *blockAllocator, blockPages int, typ *typeLayout, slotSize uintptr) (*page, error) {
	addr, blockBase, err := a.newPage(blockPages)
	if err != nil {
		return nil, err
	}
	nslots := int(a.pageSize / slotSize)
	if nslots == 0 {
		nslots = 1
	}
	nwords := (nslots + bitsPerWord - 1) / bitsPerWord
	p := &page{
		addr:       addr,
		blockBase:  blockBase,
		pageSize:   a.pageSize,
		slotSize:   slotSize,
		nslots:     nslots,
		typ:        typ,
		states:     newSlotStates(nslots),
		registered: make([]sgclatomic.Bits64, nwords),
		marked:     make([]sgclatomic.Bits64, nwords),
		freeMu:     newChanMutex(),
	}
	p.freeSlots = make([]int, nslots)
	for i := range p.freeSlots {
		p.freeSlots[i] = nslots - 1 - i
	}
	for i := 0; i < nslots; i++ {
		p.states.store(i, stateUnused)
	}
	a.registerPage(addr, p)
	return p, nil
}

// newLargePage carves a dedicated, single-slot page spanning however
// many OS pages slotSize needs, for objects too big for an ordinary
// pooled page (spec §4.A's large-object variant, scenario S5).
func newLargePage(a *blockAllocator, typ *typeLayout, slotSize uintptr) (*page, error) {
	npages := int((slotSize + a.pageSize - 1) / a.pageSize)
	if npages < 1 {
		npages = 1
	}
	b, err := a.newLargeBlock(npages)
	if err != nil {
		return nil, err
	}
	p := &page{
		addr:       b.base,
		blockBase:  b.base,
		pageSize:   a.pageSize * uintptr(npages),
		slotSize:   slotSize,
		nslots:     1,
		typ:        typ,
		states:     newSlotStates(1),
		registered: make([]sgclatomic.Bits64, 1),
		marked:     make([]sgclatomic.Bits64, 1),
		freeMu:     newChanMutex(),
		large:      true,
		block:      b,
	}
	p.freeSlots = []int{0}
	p.states.store(0, stateUnused)
	a.registerPage(b.base, p)
	return p, nil
}

// slotIndex maps an address inside this page back to a slot number, the
// fixed-divisor analogue of msize.go's divMul/divShift magic-number
// division — here a plain integer divide, since slotSize is per-type
// rather than drawn from the teacher's closed size-class table and so
// cannot be precomputed into a shared magic constant.
func (p *page) slotIndex(addr uintptr) int {
	return int((addr - p.addr) / p.slotSize)
}

func (p *page) slotAddr(i int) uintptr {
	return p.addr + uintptr(i)*p.slotSize
}

// testMarked/setMarked/clearMarked address the marked flag array by
// global slot index, splitting into word and bit exactly as mheap.go's
// arena bitmap lookups split an address into a word index and a shift.
func (p *page) testMarked(i int) bool {
	return p.marked[i/bitsPerWord].Test(uint(i % bitsPerWord))
}

func (p *page) setMarked(i int) bool {
	return p.marked[i/bitsPerWord].Set(uint(i % bitsPerWord))
}

func (p *page) clearMarked(i int) {
	p.marked[i/bitsPerWord].Clear(uint(i % bitsPerWord))
}

func (p *page) clearAllMarked() {
	for w := range p.marked {
		p.marked[w].ClearAll()
	}
}

// takeSlot pops a free slot, marking it Reserved, or reports false if
// the page is full.
func (p *page) takeSlot() (int, bool) {
	p.freeMu.Lock()
	defer p.freeMu.Unlock()
	if len(p.freeSlots) == 0 {
		return 0, false
	}
	i := p.freeSlots[len(p.freeSlots)-1]
	p.freeSlots = p.freeSlots[:len(p.freeSlots)-1]
	p.states.store(i, stateReserved)
	p.registered[i/bitsPerWord].Set(uint(i % bitsPerWord))
	return i, true
}

// returnSlot pushes a swept slot back onto the free list. Callers must
// have already transitioned the slot's state to stateUnused.
func (p *page) returnSlot(i int) {
	p.registered[i/bitsPerWord].Clear(uint(i % bitsPerWord))
	p.freeMu.Lock()
	p.freeSlots = append(p.freeSlots, i)
	p.freeMu.Unlock()
}

// isRegistered reports whether slot i currently belongs to some live
// object (reserved, constructed, or owned) as opposed to sitting on the
// free list, without re-deriving it from slotState. The collector's
// cycle does not call it; it reads slot states directly.
func (p *page) isRegistered(i int) bool {
	return p.registered[i/bitsPerWord].Test(uint(i % bitsPerWord))
}

// empty reports whether every slot is currently free, i.e. the page is a
// candidate for being recycled back to the block allocator (spec §4.H
// step 9).
func (p *page) empty() bool {
	p.freeMu.Lock()
	defer p.freeMu.Unlock()
	return len(p.freeSlots) == p.nslots
}

// pageCentral pools pages of one size class across all threads, the
// direct analogue of mcentral.go's nonempty/empty mspan lists — here
// named for clarity rather than emptiness, since "empty" in this
// collector means "every slot free", the opposite sense mcentral uses
// for "has no free objects". partial is the common case: pages with at
// least one free slot, checked first by cacheSlot.
type pageCentral struct {
	a         *blockAllocator
	blockPages int
	typ       *typeLayout
	slotSize  uintptr
	large     bool // slotSize exceeds one page; every page here is a dedicated newLargePage

	mu      chanMutex
	partial []*page // at least one free slot
	full    []*page // no free slots, still live
}

func newPageCentral(a *blockAllocator, blockPages int, typ *typeLayout, slotSize uintptr) *pageCentral {
	return &pageCentral{
		a:          a,
		blockPages: blockPages,
		typ:        typ,
		slotSize:   slotSize,
		large:      slotSize > a.pageSize,
		mu:         newChanMutex(),
	}
}

// cacheSlot returns a page with at least one free slot, growing (mapping
// a new page) if none of the pooled pages have room — mcentral.cacheSpan
// / grow's role, specialized to this type's fixed slot size.
func (c *pageCentral) cacheSlot() (*page, int, error) {
	if c.large {
		return c.cacheLargeSlot()
	}

	c.mu.Lock()
	for i, p := range c.partial {
		if idx, ok := p.takeSlot(); ok {
			if p.empty() == false && len(p.freeSlots) == 0 {
				c.partial = append(c.partial[:i], c.partial[i+1:]...)
				c.full = append(c.full, p)
			}
			c.mu.Unlock()
			return p, idx, nil
		}
	}
	c.mu.Unlock()

	p, err := newPage(c.a, c.blockPages, c.typ, c.slotSize)
	if err != nil {
		return nil, 0, err
	}
	idx, ok := p.takeSlot()
	if !ok {
		return nil, 0, ErrOutOfMemory
	}
	c.mu.Lock()
	if len(p.freeSlots) > 0 {
		c.partial = append(c.partial, p)
	} else {
		c.full = append(c.full, p)
	}
	c.mu.Unlock()
	return p, idx, nil
}

// cacheLargeSlot always carves a fresh dedicated page: a large-object
// page holds exactly one slot, so there is never a partially-free one to
// reuse — each call either succeeds with a brand new page/block pair or
// fails outright (spec §4.A's large-object variant).
func (c *pageCentral) cacheLargeSlot() (*page, int, error) {
	p, err := newLargePage(c.a, c.typ, c.slotSize)
	if err != nil {
		return nil, 0, err
	}
	idx, ok := p.takeSlot()
	if !ok {
		return nil, 0, ErrOutOfMemory
	}
	c.mu.Lock()
	c.full = append(c.full, p) // nslots == 1: immediately full
	c.mu.Unlock()
	return p, idx, nil
}

// uncacheFull moves a page that just gained a free slot out of the full
// list and back into partial — called by the sweep step (component H,
// step 8) once it frees at least one slot on a previously-full page.
func (c *pageCentral) uncacheFull(p *page) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, fp := range c.full {
		if fp == p {
			c.full = append(c.full[:i], c.full[i+1:]...)
			c.partial = append(c.partial, p)
			return
		}
	}
}

// reclaimEmpty removes fully-empty pages from the partial list and
// releases their memory back to the block allocator (spec §4.H step 9).
// Returns the number of pages released and, of those, how many caused
// their owning block to be released back to the OS.
func (c *pageCentral) reclaimEmpty() (pages, blocks int) {
	c.mu.Lock()
	var kept []*page
	var drop []*page
	for _, p := range c.partial {
		if p.empty() {
			drop = append(drop, p)
		} else {
			kept = append(kept, p)
		}
	}
	c.partial = kept
	c.mu.Unlock()

	for _, p := range drop {
		c.a.unregisterPage(p.addr)
		if p.large {
			if err := c.a.releaseLargeBlock(p.block); err == nil {
				blocks++
			}
			continue
		}
		released, _ := c.a.releasePage(p.blockBase, p.addr)
		if released {
			blocks++
		}
	}
	return len(drop), blocks
}

// all returns every page this central currently owns, for the
// collector's registration and sweep walks (component H, steps 2 and
// 8). The returned slice is a snapshot, not a live view.
func (c *pageCentral) all() []*page {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*page, 0, len(c.partial)+len(c.full))
	out = append(out, c.partial...)
	out = append(out, c.full...)
	return out
}

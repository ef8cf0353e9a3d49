// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Block allocator (component A, part 1): page-aligned OS slabs. See
// page.go for how a block's memory is carved into per-type pages, and
// mheap.go in the teacher tree (sysAlloc/h.grow) for the pattern this
// generalizes — the teacher rounds requests up to a 64 kB multiple and
// hands the result to mheap; we round up to Config.PageSize and mmap it
// directly, the way hmarui66-blink-tree-go's bufmgr maps its page-zero
// region and fmstephe-memorymanager/offheap maps its slabs.

package sgcl

import (
	"context"
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"
)

// block is one OS allocation, aligned to PageSize, holding an integral
// number of pages. It is released back to the OS (munmap) only once
// every page carved from it has been recycled — spec §3's Block
// invariant.
type block struct {
	base     uintptr // page-aligned start address
	mem      []byte  // backing mapping, kept alive so the GC-of-Go doesn't fault us
	pageSize uintptr
	npages   int

	mu        sync.Mutex
	freePages []int // indices of pages in this block not currently carved out
	liveCount int    // npages - len(freePages); 0 means releasable
}

// mapBlock mmaps a fresh, PageSize-aligned region holding npages pages.
// mmap only guarantees alignment to the OS page size, so for
// configurations where PageSize exceeds that we over-allocate and trim,
// the standard aligned-mmap trick.
func mapBlock(pageSize uintptr, npages int) (*block, error) {
	want := pageSize * uintptr(npages)
	raw, err := unix.Mmap(-1, 0, int(want+pageSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap block of %d bytes: %w", ErrOutOfMemory, want+pageSize, err)
	}
	base := uintptr(unsafe.Pointer(&raw[0]))
	aligned := (base + pageSize - 1) &^ (pageSize - 1)
	lead := aligned - base
	if lead > 0 {
		if err := unix.Munmap(raw[:lead]); err != nil {
			_ = unix.Munmap(raw)
			return nil, fmt.Errorf("sgcl: trim block lead: %w", err)
		}
	}
	trailStart := lead + want
	if trailStart < uintptr(len(raw)) {
		if err := unix.Munmap(raw[trailStart:]); err != nil {
			_ = unix.Munmap(raw[lead:trailStart])
			return nil, fmt.Errorf("sgcl: trim block tail: %w", err)
		}
	}
	mem := raw[lead : lead+want : lead+want]

	b := &block{
		base:     aligned,
		mem:      mem,
		pageSize: pageSize,
		npages:   npages,
	}
	b.freePages = make([]int, npages)
	for i := range b.freePages {
		b.freePages[i] = npages - 1 - i // pop from the end, so index 0 is handed out first
	}
	return b, nil
}

// takePage hands out one page's worth of memory from this block, or
// reports false if the block is fully carved already.
func (b *block) takePage() (uintptr, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.freePages) == 0 {
		return 0, false
	}
	idx := b.freePages[len(b.freePages)-1]
	b.freePages = b.freePages[:len(b.freePages)-1]
	b.liveCount++
	return b.base + uintptr(idx)*b.pageSize, true
}

// returnPage gives a page back to this block's free list. It reports
// whether the block became fully empty (a candidate for release).
func (b *block) returnPage(addr uintptr) bool {
	idx := int((addr - b.base) / b.pageSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.freePages = append(b.freePages, idx)
	b.liveCount--
	return b.liveCount == 0
}

// release munmaps the block's memory. Callers must ensure the block is
// already unlinked from every registry before calling this.
func (b *block) release() error {
	return unix.Munmap(b.mem)
}

// blockAllocator owns every block mapped for a single Heap and the
// address-indexed lookup table pages register themselves in — the Go
// analogue of the teacher's h_spans array (mheap.go's addr-to-*mspan
// table), used to answer "what page, if any, owns this address" in O(1)
// without walking any list. inheap/spanOf in mheap.go are the direct
// model for pageOf below.
type blockAllocator struct {
	pageSize uintptr

	// growSem bounds how many goroutines may be inside mapBlock (an OS
	// syscall plus two trims) at once, so a burst of concurrent
	// first-allocations for distinct types doesn't fire off dozens of
	// simultaneous mmap calls. Grounded on sema.go's semaphore-pacing
	// concept; the teacher's own semaphore is runtime-internal, so the
	// implementation comes from golang.org/x/sync/semaphore instead.
	growSem *semaphore.Weighted

	mu     sync.Mutex
	blocks []*block

	indexMu sync.RWMutex
	index   map[uintptr]*page // page-aligned base -> owning page
}

func newBlockAllocator(pageSize uintptr) *blockAllocator {
	return &blockAllocator{
		pageSize: pageSize,
		growSem:  semaphore.NewWeighted(4),
		index:    make(map[uintptr]*page),
	}
}

// newPage carves one fresh page-sized region from an existing block with
// spare capacity, mapping a new block if none has room — mheap.grow's
// role, specialized to one page per call since every page here is typed
// at carve time (see page.go). Returns the page's address and the base
// address of the block it was carved from, so the caller can later
// identify the owning block for release without having to re-derive it
// from an alignment assumption the block allocator doesn't actually
// guarantee (mapBlock aligns each block only to pageSize, not to
// blockPages*pageSize).
func (a *blockAllocator) newPage(blockPages int) (addr, blockBase uintptr, err error) {
	a.mu.Lock()
	for _, b := range a.blocks {
		if addr, ok := b.takePage(); ok {
			a.mu.Unlock()
			return addr, b.base, nil
		}
	}
	a.mu.Unlock()

	if err := a.growSem.Acquire(context.Background(), 1); err != nil {
		return 0, 0, fmt.Errorf("sgcl: acquire grow permit: %w", err)
	}
	defer a.growSem.Release(1)

	a.mu.Lock()
	defer a.mu.Unlock()
	// Re-check: another goroutine may have grown the pool while this one
	// waited on the semaphore.
	for _, b := range a.blocks {
		if addr, ok := b.takePage(); ok {
			return addr, b.base, nil
		}
	}
	b, mapErr := mapBlock(a.pageSize, blockPages)
	if mapErr != nil {
		return 0, 0, mapErr
	}
	a.blocks = append(a.blocks, b)
	addr, ok := b.takePage()
	if !ok {
		return 0, 0, fmt.Errorf("sgcl: freshly mapped block had no free pages")
	}
	return addr, b.base, nil
}

// newLargeBlock maps a dedicated block sized to exactly npages and marks
// it fully in use, for a single large-object slot spanning more than one
// page (spec §4.A's large-object variant, scenario S5). Unlike newPage,
// the whole block belongs to one slot for its entire lifetime and is
// released as a unit rather than through the per-page free-list dance
// ordinary blocks use.
func (a *blockAllocator) newLargeBlock(npages int) (*block, error) {
	b, err := mapBlock(a.pageSize, npages)
	if err != nil {
		return nil, err
	}
	b.freePages = nil
	b.liveCount = npages
	a.mu.Lock()
	a.blocks = append(a.blocks, b)
	a.mu.Unlock()
	return b, nil
}

// releaseLargeBlock unmaps a block created by newLargeBlock, once its
// single large-object slot has been swept.
func (a *blockAllocator) releaseLargeBlock(b *block) error {
	a.mu.Lock()
	for i, cur := range a.blocks {
		if cur == b {
			a.blocks = append(a.blocks[:i], a.blocks[i+1:]...)
			break
		}
	}
	a.mu.Unlock()
	return b.release()
}

// registerPage publishes addr -> p so pageOf can find it. Must be called
// before p's address is ever handed to a mutator.
func (a *blockAllocator) registerPage(addr uintptr, p *page) {
	a.indexMu.Lock()
	a.index[addr] = p
	a.indexMu.Unlock()
}

// unregisterPage removes an entry once a page has been fully swept and
// its block-slot returned.
func (a *blockAllocator) unregisterPage(addr uintptr) {
	a.indexMu.Lock()
	delete(a.index, addr)
	a.indexMu.Unlock()
}

// pageOf implements spec §3's "any managed pointer's owning page is
// addr & ~(PAGE_SIZE-1)": mask to the page boundary, then look the base
// up in the index. Returns nil if addr doesn't belong to any live page.
func (a *blockAllocator) pageOf(addr uintptr) *page {
	if addr == 0 {
		return nil
	}
	base := addr &^ (a.pageSize - 1)
	a.indexMu.RLock()
	p := a.index[base]
	a.indexMu.RUnlock()
	return p
}

// releasePage returns a page's memory to its owning block, releasing the
// block to the OS if it is now completely empty (spec §3's Block
// invariant; spec §4.H step 9's page recycling). The returned bool
// reports whether the owning block was released to the OS as a result,
// for the collector's cumulative BlocksReleased stat.
func (a *blockAllocator) releasePage(blockBase, pageAddr uintptr) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, b := range a.blocks {
		if b.base != blockBase {
			continue
		}
		empty := b.returnPage(pageAddr)
		if empty {
			a.blocks = append(a.blocks[:i], a.blocks[i+1:]...)
			return true, b.release()
		}
		return false, nil
	}
	return false, fmt.Errorf("sgcl: releasePage: unknown block %#x", blockBase)
}

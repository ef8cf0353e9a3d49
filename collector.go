// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// The collector (component H): one background goroutine running a
// concurrent tracing cycle. The trace worklist below is grounded
// directly on mgcwork.go's gcWork — a plain growable slice standing in
// for the teacher's double-buffered wbuf1/wbuf2, since this collector
// has exactly one tracer rather than one per P and so never needs to
// hand buffers between workers via lfstack. The cycle's pacing (a short
// sleep while cycles find work, a MaxSleepTime sleep after several empty
// cycles, early wake on ForceCollect, GetLiveObjects or Terminate)
// follows sema.go/cond.go's park-on-condition pattern: a sync.Cond
// guarding a small set of wake reasons. Allocation growth does not wake
// the collector; it runs only on these timers and requests.

package sgcl

import (
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"go.uber.org/zap"

	"github.com/pebal/sgcl/sgclstats"
)

// maxEmptyCycles is how many consecutive cycles that trace zero new
// objects, sweep zero slots and recycle zero pages the collector
// tolerates before treating the heap as quiescent and stretching its
// sleep to MaxSleepTime (ForceCollect, GetLiveObjects and Terminate
// still wake it early) — spec §4.H step 10's termination condition,
// read here as "stop hurrying", not "stop running": the collector never
// exits on its own, only Terminate stops it.
const maxEmptyCycles = 5

type collector struct {
	h   *Heap
	log *zap.Logger

	mu          sync.Mutex
	cond        *sync.Cond
	wakeAsked   bool
	pauseAsked  bool
	paused      bool
	forceAsked  bool
	forceResult chan error

	emptyCycles int
	liveAtEnd   int // not written or read by the collector; no allocation-growth trigger check exists

	statsMu        sync.Mutex
	cycles         int
	liveObjects    int
	pagesRecycled  int
	blocksReleased int

	terminated atomic.Bool
	stopped    chan struct{}
}

// Stats is a point-in-time snapshot of the collector's cumulative
// counters, mirroring the teacher's mheap.pagesInUse/memstats fields —
// spec's Extension to §4.H sweep accounting.
type Stats struct {
	LiveObjects    int
	PagesInUse     int
	PagesRecycled  int
	BlocksReleased int
	Cycles         int
}

// Stats returns a snapshot of the collector's lifetime counters plus the
// current number of in-use pages across every type.
func (c *collector) Stats() Stats {
	c.statsMu.Lock()
	s := Stats{
		LiveObjects:    c.liveObjects,
		PagesRecycled:  c.pagesRecycled,
		BlocksReleased: c.blocksReleased,
		Cycles:         c.cycles,
	}
	c.statsMu.Unlock()

	for _, st := range c.h.allTypeStates() {
		s.PagesInUse += len(st.central.all())
	}
	return s
}

func newCollector(h *Heap) *collector {
	c := &collector{h: h, log: h.log, stopped: make(chan struct{})}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *collector) start() {
	go c.loop()
}

// loop is the collector's whole lifetime: run a cycle, nap, repeat,
// until terminate() is called.
func (c *collector) loop() {
	for {
		if c.terminated.Load() {
			close(c.stopped)
			return
		}
		c.runCycle()

		c.mu.Lock()
		if c.forceAsked {
			c.forceAsked = false
			if c.forceResult != nil {
				c.forceResult <- nil
			}
		}
		sleep := c.sleepDuration()
		c.mu.Unlock()

		c.napOrWake(sleep)
	}
}

// sleepDuration returns a short fixed interval (MaxSleepTime divided by
// maxEmptyCycles+1) until maxEmptyCycles consecutive cycles have found
// nothing to do, and MaxSleepTime from then on, until a cycle finds work
// again — a two-level version of the backoff shape sema.go's
// semacquire1 uses between spin and full park.
func (c *collector) sleepDuration() time.Duration {
	if c.emptyCycles >= maxEmptyCycles {
		return c.h.cfg.MaxSleepTime
	}
	step := c.h.cfg.MaxSleepTime / time.Duration(maxEmptyCycles+1)
	if step <= 0 {
		step = time.Millisecond
	}
	return step
}

// napOrWake sleeps for d unless ForceCollect or Terminate wakes it
// early via cond.Broadcast.
func (c *collector) napOrWake(d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	done := make(chan struct{})
	go func() {
		c.mu.Lock()
		for !c.wakeAsked && !c.terminated.Load() {
			c.cond.Wait()
		}
		c.wakeAsked = false
		c.mu.Unlock()
		close(done)
	}()

	select {
	case <-timer.C:
		c.mu.Lock()
		c.cond.Broadcast() // release the waiter goroutine above
		c.mu.Unlock()
		<-done
	case <-done:
	}
}

func (c *collector) wake() {
	c.mu.Lock()
	c.wakeAsked = true
	c.cond.Broadcast()
	c.mu.Unlock()
}

// forceCollect blocks the caller until two full cycles have completed:
// spec §4.H's forced-collection contract needs a second cycle so
// objects orphaned by the first (a cyclic structure whose last root
// drops mid-cycle-1, say) are swept by the second rather than left for
// whenever the collector next happens to run. A single cycle only
// proves "reachable as of cycle 1's snapshot", not "actually collected".
// A forceOneCycle request can be answered by a cycle that was already
// running when it was made, so the first of the three requests below may
// only finish an in-flight cycle; each later one is answered by a cycle
// that started after the previous request was made.
func (c *collector) forceCollect() error {
	for i := 0; i < 3; i++ {
		if err := c.forceOneCycle(); err != nil {
			return err
		}
	}
	return nil
}

// forceOneCycle blocks the caller until the in-flight (or next) cycle
// completes.
func (c *collector) forceOneCycle() error {
	if c.terminated.Load() {
		return ErrTerminated
	}
	c.mu.Lock()
	if c.pauseAsked || c.paused {
		c.mu.Unlock()
		return ErrPaused
	}
	ch := make(chan error, 1)
	c.forceAsked = true
	c.forceResult = ch
	c.cond.Broadcast()
	c.wakeAsked = true
	c.mu.Unlock()
	return <-ch
}

// pauseForEnumeration blocks the collector out of its loop for the
// duration of fn, then resumes it — spec §5's GetLiveObjects contract.
func (c *collector) pauseForEnumeration(fn func()) {
	c.mu.Lock()
	c.pauseAsked = true
	c.wakeAsked = true
	c.cond.Broadcast() // wake the collector out of a nap so it observes pauseAsked promptly
	for !c.paused {
		c.cond.Wait()
	}
	c.mu.Unlock()

	fn()

	c.mu.Lock()
	c.paused = false
	c.pauseAsked = false
	c.cond.Broadcast()
	c.mu.Unlock()
}

func (c *collector) terminate() {
	if !c.terminated.CompareAndSwap(false, true) {
		return
	}
	c.mu.Lock()
	c.cond.Broadcast()
	c.mu.Unlock()
	<-c.stopped

	for _, st := range c.h.allTypeStates() {
		for _, p := range st.central.all() {
			c.h.alloc.unregisterPage(p.addr)
			var released bool
			if p.large {
				released = c.h.alloc.releaseLargeBlock(p.block) == nil
			} else {
				released, _ = c.h.alloc.releasePage(p.blockBase, p.addr)
			}
			if released {
				c.statsMu.Lock()
				c.blocksReleased++
				c.statsMu.Unlock()
			}
		}
	}
}

// runCycle performs the ten steps of spec §4.H:
//  1. register threads (contexts)
//  2. register pages (per-type page pools)
//  3. register objects (new slots since the last cycle)
//  4. update states (snapshot what's currently live vs. just-created)
//  5. update hazard pointers (Atomic[T] in-flight loads)
//  6. mark roots (Stack[T] roots across every context)
//  7. trace (drain the worklist through typelayout children)
//  8. sweep (reclaim slots that stayed unreached)
//  9. recycle pages (return fully-empty pages to the block allocator)
//  10. pace (decide how long to sleep before the next cycle)
func (c *collector) runCycle() {
	start := time.Now()
	c.mu.Lock()
	if c.pauseAsked {
		c.paused = true
		c.cond.Broadcast()
		for c.pauseAsked {
			c.cond.Wait()
		}
		c.paused = false
	}
	c.mu.Unlock()

	// Steps 1-2: snapshot the roots-bearing contexts and the page pools.
	ctxs := c.h.contexts.all()
	states := c.h.allTypeStates()

	// Step 3-4: every slot in stateUsed is this cycle's white set; reset
	// any slot left stateReachable from the previous cycle back to
	// stateUsed so trace has to re-prove it this time (tri-color flip).
	for _, st := range states {
		for _, p := range st.central.all() {
			for i := 0; i < p.nslots; i++ {
				p.states.cas(i, stateReachable, stateUsed)
			}
			p.clearAllMarked()
		}
	}

	// Step 5: hazard pointers protect in-flight Atomic[T] reads from
	// being swept out from under them even though tracing alone wouldn't
	// have proved them reachable this cycle.
	hazards := make(map[uintptr]struct{})
	for _, ctx := range ctxs {
		if a := ctx.hazard.Load(); a != 0 {
			hazards[a] = struct{}{}
		}
	}

	// Step 6: seed the worklist from every bound Stack[T] root.
	var work []uintptr
	for _, ctx := range ctxs {
		work = append(work, ctx.snapshotRoots()...)
	}
	for a := range hazards {
		work = append(work, a)
	}

	// Step 7: drain the worklist, the gcWork/gcDrain pattern from
	// mgcwork.go collapsed to a single in-process slice since there is
	// exactly one tracer.
	newlyMarked := c.trace(work)

	// Step 8-9: sweep every non-root-reachable, non-owned slot that
	// tracing didn't reach, and recycle any page that becomes fully
	// empty as a result.
	swept, recycled := c.sweep(states)

	c.mu.Lock()
	if swept == 0 && newlyMarked == 0 && recycled == 0 {
		c.emptyCycles++
	} else {
		c.emptyCycles = 0
	}
	c.mu.Unlock()

	live := c.liveCount(states)
	c.statsMu.Lock()
	c.cycles++
	c.liveObjects = live
	c.pagesRecycled += recycled
	c.statsMu.Unlock()

	if c.log != nil {
		c.log.Debug("gc cycle",
			zap.Int("marked", newlyMarked),
			zap.Int("swept", swept),
			zap.Int("recycled_pages", recycled),
			zap.Duration("duration", time.Since(start)),
		)
	}
	sgclstats.ObserveCycle(newlyMarked, swept, recycled, live, time.Since(start))
}

// liveCount sums the slots currently marked reachable across every
// type, for the live_objects gauge.
func (c *collector) liveCount(states []*typeState) int {
	n := 0
	for _, st := range states {
		for _, p := range st.central.all() {
			for i := 0; i < p.nslots; i++ {
				if inMask(p.states.load(i), reachableMask) {
					n++
				}
			}
		}
	}
	return n
}

// trace drains a worklist of addresses, marking each slot reachable and
// pushing its children, until the list is empty. Returns how many
// previously-unmarked slots were newly proven reachable.
func (c *collector) trace(work []uintptr) int {
	marked := 0
	for len(work) > 0 {
		addr := work[len(work)-1]
		work = work[:len(work)-1]
		if addr == 0 {
			continue
		}
		p := c.h.alloc.pageOf(addr)
		if p == nil {
			continue
		}
		i := p.slotIndex(addr)
		if !p.states.cas(i, stateUsed, stateReachable) {
			// Already Reachable (seen this cycle) or UniqueLock/Destroyed/
			// Reserved/BadAlloc — none of those need re-tracing.
			if p.states.load(i) != stateReachable {
				continue
			}
			if p.testMarked(i) {
				continue
			}
		}
		p.setMarked(i)
		marked++

		slotBase := p.slotAddr(i)
		if p.typ.arrayLen > 0 {
			work = traceArray(p, slotBase, work)
		} else {
			work = traceChildren(p.typ.children, slotBase, work)
		}
	}
	return marked
}

func traceChildren(children []childOffset, base uintptr, work []uintptr) []uintptr {
	for _, co := range children {
		child := *(*uintptr)(unsafe.Pointer(base + co.offset))
		if child != 0 {
			work = append(work, child)
		}
	}
	return work
}

func traceArray(p *page, base uintptr, work []uintptr) []uintptr {
	elemBase := base + arrayHeaderSize
	length := *(*int)(unsafe.Pointer(base))
	for e := 0; e < length; e++ {
		eb := elemBase + uintptr(e)*p.typ.elemSize
		work = traceChildren(p.typ.arrayChildren, eb, work)
	}
	return work
}

// sweep reclaims every slot that stayed stateUsed (never reached by
// trace) across every page of every type, the mcentral.freeSpan
// analogue: a slot leaving Used without having become Reachable is this
// cycle's garbage. stateUniqueLock/Reserved/BadAlloc/Destroyed slots are
// left untouched — they are not traced garbage, they're owned outright
// or mid-transition. Before a garbage slot moves to Unused, its
// finalizer (if any was registered for the type) runs, and every
// embedded child-pointer field is zeroed — spec §4.H step 8's destructor
// invocation, dropping "the current child-pointer binding" (spec §4.F)
// so a stale tracked pointer in reused-but-not-yet-reinitialized memory
// can never be mistaken for a live reference.
func (c *collector) sweep(states []*typeState) (swept, recycledPages int) {
	for _, st := range states {
		for _, p := range st.central.all() {
			freedOnPage := 0
			for i := 0; i < p.nslots; i++ {
				if p.states.load(i) != stateUsed {
					continue
				}
				addr := p.slotAddr(i)
				if st.finalizer != nil {
					st.finalizer(addrToPointer(addr))
				}
				clearChildren(p.typ, addr)
				p.states.store(i, stateDestroyed)
				p.states.store(i, stateUnused)
				p.returnSlot(i)
				freedOnPage++
				swept++
			}
			if freedOnPage > 0 {
				st.central.uncacheFull(p)
			}
		}
		pages, blocks := st.central.reclaimEmpty()
		recycledPages += pages
		c.statsMu.Lock()
		c.blocksReleased += blocks
		c.statsMu.Unlock()
	}
	return swept, recycledPages
}

// clearChildren zeroes every Tracked/Stack field discovered for typ at
// base, scalar or per-array-element, the destructor-time analogue of
// traceChildren/traceArray above.
func clearChildren(typ *typeLayout, base uintptr) {
	if typ.arrayLen > 0 {
		elemBase := base + arrayHeaderSize
		length := *(*int)(unsafe.Pointer(base))
		for e := 0; e < length; e++ {
			eb := elemBase + uintptr(e)*typ.elemSize
			for _, co := range typ.arrayChildren {
				*(*uintptr)(unsafe.Pointer(eb + co.offset)) = 0
			}
		}
		return
	}
	for _, co := range typ.children {
		*(*uintptr)(unsafe.Pointer(base + co.offset)) = 0
	}
}

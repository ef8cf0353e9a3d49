// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sgcl

import "testing"

func TestAtomicStoreLoadCAS(t *testing.T) {
	h := testHeap(t)
	ctx := h.Attach()

	u1, err := MakeTracked[node](h, func(n *node) error { n.value = 1; return nil })
	if err != nil {
		t.Fatalf("MakeTracked v1: %v", err)
	}
	u2, err := MakeTracked[node](h, func(n *node) error { n.value = 2; return nil })
	if err != nil {
		t.Fatalf("MakeTracked v2: %v", err)
	}

	var a Atomic[node]
	v1, _ := u1.Load() // raw target for CompareAndSwap below, read before u1 is released into a
	a.StoreFromUnique(h, &u1)

	// v2 must be released into something trace-reachable before it can be
	// handed to CompareAndSwap: an ordinary Store/CAS write barrier treats
	// a still-UniqueLock slot as already reachable and never advances it.
	var v2Root Stack[node]
	v2Root.Bind(ctx)
	v2Root.StoreFromUnique(h, &u2)
	v2, _ := v2Root.Load()

	got, ok := a.Load(ctx)
	if !ok || got.value != 1 {
		t.Fatalf("Load() = %v, %v; want value 1", got, ok)
	}
	ctx.Release()

	if !a.CompareAndSwap(h, v1, v2) {
		t.Fatalf("CompareAndSwap(v1, v2) should have succeeded")
	}
	got, ok = a.Load(ctx)
	if !ok || got.value != 2 {
		t.Fatalf("Load() after swap = %v, %v; want value 2", got, ok)
	}
	ctx.Release()

	if a.CompareAndSwap(h, v1, v2) {
		t.Fatalf("CompareAndSwap(v1, v2) should fail, current target is v2 not v1")
	}
}

func TestContextHazardPublishAndRelease(t *testing.T) {
	h := testHeap(t)
	ctx := h.Attach()

	if got := ctx.hazard.Load(); got != 0 {
		t.Fatalf("fresh context hazard = %#x, want 0", got)
	}
	ctx.publishHazard(0xdeadbeef)
	if got := ctx.hazard.Load(); got != 0xdeadbeef {
		t.Fatalf("hazard after publish = %#x, want 0xdeadbeef", got)
	}
	ctx.Release()
	if got := ctx.hazard.Load(); got != 0 {
		t.Fatalf("hazard after Release = %#x, want 0", got)
	}
}

func TestContextRegistryWalksLiveContexts(t *testing.T) {
	h := testHeap(t)
	c1 := h.Attach()
	c2 := h.Attach()

	all := h.contexts.all()
	if len(all) != 2 {
		t.Fatalf("contexts.all() = %d entries, want 2", len(all))
	}

	c1.Detach()
	all = h.contexts.all()
	if len(all) != 1 || all[0] != c2 {
		t.Fatalf("after Detach, contexts.all() = %v, want only c2", all)
	}
}

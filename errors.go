// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sgcl

import "errors"

// Sentinel errors for the two mutator-observable failure kinds in spec §7
// (allocation failure and constructor failure). Misuse (kind 3) and clone
// failure (kind 5) are not reported through these errors.
var (
	// ErrOversized is returned by MakeTracked when sizeof(T) exceeds the
	// page's usable data area and T does not qualify for a large-object
	// page (only array element storage may spill that way; see array.go).
	ErrOversized = errors.New("sgcl: type too large for a tracked allocation")

	// ErrOutOfMemory is returned when the block allocator cannot obtain
	// more pages from the OS.
	ErrOutOfMemory = errors.New("sgcl: out of memory")

	// ErrTerminated is returned by any allocation or collection request
	// made after Terminate has been called.
	ErrTerminated = errors.New("sgcl: heap has been terminated")

	// ErrPaused is returned by ForceCollect when the collector is
	// currently parked for a live-object enumeration.
	ErrPaused = errors.New("sgcl: collector is paused for enumeration")

	// ErrOutOfRange is returned by Array.At for an out-of-bounds index.
	ErrOutOfRange = errors.New("sgcl: array index out of range")

	// ErrUnsupportedField is the discovery-time misuse error: a type
	// embeds a field the layout scanner cannot classify as either plain
	// data or a recognized tracked-pointer kind.
	ErrUnsupportedField = errors.New("sgcl: type has an unsupported field for tracked-pointer discovery")
)

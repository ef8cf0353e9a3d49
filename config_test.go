// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sgcl

import "testing"

func TestNewConfigDefaults(t *testing.T) {
	c := NewConfig()
	want := DefaultConfig()
	if c.PageSize != want.PageSize {
		t.Fatalf("PageSize = %d, want %d", c.PageSize, want.PageSize)
	}
	if c.MaxStackSize != want.MaxStackSize {
		t.Fatalf("MaxStackSize = %d, want %d", c.MaxStackSize, want.MaxStackSize)
	}
}

func TestNewConfigPageSizeRoundsToPowerOfTwo(t *testing.T) {
	c := NewConfig(WithPageSize(5000))
	if c.PageSize != 8192 {
		t.Fatalf("PageSize = %d, want 8192 (next power of two)", c.PageSize)
	}
}

func TestNewConfigRejectsOversizedStack(t *testing.T) {
	c := NewConfig(WithMaxStackSize(4 << 20))
	if c.MaxStackSize != 1<<20 {
		t.Fatalf("MaxStackSize = %d, want clamped to 1<<20", c.MaxStackSize)
	}
}

func TestNextPowerOfTwo(t *testing.T) {
	cases := map[uintptr]uintptr{
		1:    1,
		2:    2,
		3:    4,
		4096: 4096,
		4097: 8192,
	}
	for in, want := range cases {
		if got := nextPowerOfTwo(in); got != want {
			t.Errorf("nextPowerOfTwo(%d) = %d, want %d", in, got, want)
		}
	}
}

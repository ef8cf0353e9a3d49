// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sgcl

import (
	"time"

	"github.com/pebal/sgcl/internal/sys"
)

// Config holds the tunables spec §6 lists as "compile-time constants, all
// must be implementer-adjustable". The teacher bakes these into untyped
// consts (_PageSize, _NumSizeClasses, …); we expose them as a struct with
// a validated default, the shape fmstephe-memorymanager's
// AllocConfig/New(allocConf) constructor uses for its own slab sizing.
type Config struct {
	// PageSize is the slab size every Page is carved to, and the
	// alignment every Block is mapped at. Must be a power of two and at
	// least sys.MinPageSize.
	PageSize uintptr

	// BlockPages is how many pages a Block asks the OS for at once.
	BlockPages int

	// MaxStackSize is clamped by NewConfig to at most 1 MiB. Nothing
	// else reads it: a Context's stack-root shadow is a map of bound
	// Stack[T] handles with no size bound.
	MaxStackSize uintptr

	// MaxStackOffset is defaulted by NewConfig and not read elsewhere.
	// Stack[T] does not check whether its own address lies on the
	// calling goroutine's stack; it becomes a root only through Bind.
	MaxStackOffset uintptr

	// MaxTypesNumber bounds how many distinct runtime types may go
	// through MakeTracked over the process lifetime (spec §6).
	MaxTypesNumber int

	// AtomicDeletionDelay is defaulted by NewConfig and not read
	// elsewhere. A published hazard pointer protects its slot until the
	// owning Context calls Release, with no time limit.
	AtomicDeletionDelay time.Duration

	// MaxSleepTime bounds how long the collector naps between cycles
	// when nothing wakes it early (spec §4.H step 10).
	MaxSleepTime time.Duration

	// TriggerPercentage is defaulted by NewConfig and not read
	// elsewhere. Allocation growth does not wake the collector early;
	// it runs on its own sleep timer and on explicit requests.
	TriggerPercentage int
}

// DefaultConfig returns the tunables spec §6 lists as defaults.
func DefaultConfig() Config {
	return Config{
		PageSize:            4096,
		BlockPages:          16,
		MaxStackSize:        1 << 20,
		MaxStackOffset:      4096,
		MaxTypesNumber:      4096,
		AtomicDeletionDelay: 2 * time.Millisecond,
		MaxSleepTime:        100 * time.Millisecond,
		TriggerPercentage:   50,
	}
}

// Option mutates a Config under construction. Grounded on the same
// functional-options idiom used across the pack's storage-engine
// constructors (e.g. Felmond13-novusdb's pager options).
type Option func(*Config)

// WithPageSize overrides the slab/alignment size.
func WithPageSize(n uintptr) Option {
	return func(c *Config) { c.PageSize = n }
}

// WithMaxStackSize overrides Config.MaxStackSize.
func WithMaxStackSize(n uintptr) Option {
	return func(c *Config) { c.MaxStackSize = n }
}

// WithMaxTypesNumber overrides the bound on distinct tracked types.
func WithMaxTypesNumber(n int) Option {
	return func(c *Config) { c.MaxTypesNumber = n }
}

// WithMaxSleepTime overrides the collector's idle nap ceiling.
func WithMaxSleepTime(d time.Duration) Option {
	return func(c *Config) { c.MaxSleepTime = d }
}

// WithTriggerPercentage overrides Config.TriggerPercentage.
func WithTriggerPercentage(p int) Option {
	return func(c *Config) { c.TriggerPercentage = p }
}

// NewConfig builds a Config from DefaultConfig plus opts, then validates
// it the way mheap.init seeds its free-lists before anything can use them.
func NewConfig(opts ...Option) Config {
	c := DefaultConfig()
	for _, opt := range opts {
		opt(&c)
	}
	c.normalize()
	return c
}

func (c *Config) normalize() {
	if c.PageSize < sys.MinPageSize {
		c.PageSize = sys.MinPageSize
	}
	// Round up to a power of two so addr &^ (PageSize-1) masking holds.
	c.PageSize = nextPowerOfTwo(c.PageSize)
	if c.BlockPages < 1 {
		c.BlockPages = 16
	}
	if c.MaxStackSize == 0 || c.MaxStackSize > 1<<20 {
		c.MaxStackSize = 1 << 20
	}
	if c.MaxStackOffset == 0 {
		c.MaxStackOffset = 4096
	}
	if c.MaxTypesNumber <= 0 {
		c.MaxTypesNumber = 4096
	}
	if c.AtomicDeletionDelay <= 0 {
		c.AtomicDeletionDelay = 2 * time.Millisecond
	}
	if c.MaxSleepTime <= 0 {
		c.MaxSleepTime = 100 * time.Millisecond
	}
	if c.TriggerPercentage <= 0 {
		c.TriggerPercentage = 50
	}
}

func nextPowerOfTwo(n uintptr) uintptr {
	p := uintptr(1)
	for p < n {
		p <<= 1
	}
	return p
}

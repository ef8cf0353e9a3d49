// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sgcl

import "go.uber.org/zap"

// The teacher's own allocator predates any import graph and reports
// through print/throw. A background collector embedded in a host
// application is closer in shape to the object stores in the retrieval
// pack (edirooss-zmux-server's objectstore, for one) that carry a
// *zap.Logger for cycle-level diagnostics, so that's what this carries.
// Internal invariant violations still panic; logging is for operational
// visibility, not correctness.

// WithLogger attaches a structured logger to the collector. Without it,
// a no-op logger is used.
func WithLogger(l *zap.Logger) HeapOption {
	return func(o *heapOptions) { o.log = l }
}

func nopLogger() *zap.Logger {
	return zap.NewNop()
}

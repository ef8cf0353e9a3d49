// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sgclstats exposes the collector's cycle-level counters as
// Prometheus metrics, registered exactly once per process the way
// buildbarn-bb-storage's block_allocator.go registers its allocation/
// release counters: package-level vars guarded by a sync.Once, rather
// than an instance registered per Heap, since a process typically runs
// one collector and Prometheus's default registry is itself a
// process-wide singleton.
package sgclstats

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	cyclesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sgcl",
		Subsystem: "collector",
		Name:      "cycles_total",
		Help:      "Number of collection cycles the background collector has run.",
	})
	objectsMarked = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sgcl",
		Subsystem: "collector",
		Name:      "objects_marked_total",
		Help:      "Number of slots proven reachable across all cycles.",
	})
	objectsSwept = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sgcl",
		Subsystem: "collector",
		Name:      "objects_swept_total",
		Help:      "Number of slots reclaimed as unreachable across all cycles.",
	})
	pagesRecycled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sgcl",
		Subsystem: "collector",
		Name:      "pages_recycled_total",
		Help:      "Number of empty pages returned to the block allocator across all cycles.",
	})
	cycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sgcl",
		Subsystem: "collector",
		Name:      "cycle_duration_seconds",
		Help:      "Wall-clock duration of each collection cycle.",
		Buckets:   prometheus.DefBuckets,
	})
	liveObjects = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sgcl",
		Subsystem: "heap",
		Name:      "live_objects",
		Help:      "Number of slots currently marked reachable, as of the last cycle.",
	})
)

// Register installs this package's collectors into prometheus's default
// registry. Safe to call from multiple Heaps; registration happens only
// once per process.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(cyclesTotal, objectsMarked, objectsSwept, pagesRecycled, cycleDuration, liveObjects)
	})
}

// ObserveCycle records the outcome of one collection cycle.
func ObserveCycle(marked, swept, recycledPages int, live int, d time.Duration) {
	cyclesTotal.Inc()
	objectsMarked.Add(float64(marked))
	objectsSwept.Add(float64(swept))
	pagesRecycled.Add(float64(recycledPages))
	cycleDuration.Observe(d.Seconds())
	liveObjects.Set(float64(live))
}

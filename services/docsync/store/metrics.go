// Copyright (C) 2025 Cloudillo
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE file for the full license text.

package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ==============================================================================
// Prometheus Metrics
// ==============================================================================

var (
	// appendTotal counts durable log appends
	appendTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docsync_store_append_total",
		Help: "Total update records appended to the log",
	})

	// appendErrors counts failed appends by stage
	appendErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docsync_store_append_errors_total",
		Help: "Total append failures by stage",
	}, []string{"stage"})

	// appendDuration tracks durable append latency
	appendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "docsync_store_append_duration_seconds",
		Help:    "Durable append duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12), // 0.1ms to ~400ms
	})

	// appendBytes tracks encoded entry sizes
	appendBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "docsync_store_append_bytes",
		Help:    "Encoded log entry size in bytes",
		Buckets: prometheus.ExponentialBuckets(32, 4, 8), // 32B to ~512KB
	})

	// snapshotTotal counts snapshots written
	snapshotTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docsync_store_snapshot_total",
		Help: "Total snapshots written",
	})

	// snapshotBytes tracks snapshot sizes
	snapshotBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "docsync_store_snapshot_bytes",
		Help:    "Snapshot size in bytes",
		Buckets: prometheus.ExponentialBuckets(256, 4, 8),
	})

	// corruptTotal counts entries that failed their integrity check
	corruptTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docsync_store_corrupt_entries_total",
		Help: "Total persisted entries that failed CRC validation",
	})
)

// Copyright (C) 2025 Cloudillo
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE file for the full license text.

package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ==============================================================================
// Prometheus Metrics
// ==============================================================================

var (
	// residentSessions tracks sessions currently held by the registry
	residentSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "docsync_resident_sessions",
		Help: "Number of resident document sessions",
	})

	// sessionLoads counts session loads by result
	sessionLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docsync_session_loads_total",
		Help: "Total session loads by result",
	}, []string{"result"})

	// compactionTotal counts compaction attempts by result
	compactionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docsync_compaction_total",
		Help: "Total compaction attempts by result",
	}, []string{"result"})

	// subscriberOverruns counts subscribers disconnected for falling behind
	subscriberOverruns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docsync_subscriber_overruns_total",
		Help: "Total subscribers disconnected due to event buffer overrun",
	})

	// eventsFanned counts events delivered to subscriber channels
	eventsFanned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docsync_events_fanned_total",
		Help: "Total events delivered to subscriber channels",
	})

	// evictionsTotal counts idle evictions
	evictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docsync_session_evictions_total",
		Help: "Total idle session evictions",
	})
)

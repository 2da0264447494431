// Copyright (C) 2025 Cloudillo
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE file for the full license text.

package sync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ==============================================================================
// Prometheus Metrics
// ==============================================================================

var (
	// activeConnections tracks live websocket connections
	activeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "docsync_ws_connections",
		Help: "Number of live websocket sync connections",
	})

	// messagesTotal counts protocol messages by type and direction
	messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docsync_ws_messages_total",
		Help: "Total protocol messages by type and direction",
	}, []string{"type", "direction"})

	// protocolViolations counts connections closed for breaking the protocol
	protocolViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docsync_ws_protocol_violations_total",
		Help: "Total connections closed for protocol violations",
	})
)

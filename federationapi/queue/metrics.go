// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package queue

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// sendQueueDepthValue is the source of truth for sendQueueDepth: a Gauge
// can only be Set, never incremented/decremented atomically from multiple
// destination queue goroutines, so the running total lives here and the
// Gauge is a reflection of it.
var sendQueueDepthValue atomic.Int64

var sendQueueDepth = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "dendrite",
		Subsystem: "federationapi",
		Name:      "send_queue_depth",
		Help:      "The total number of PDUs and EDUs pending delivery across every destination queue.",
	},
)

func init() {
	prometheus.MustRegister(sendQueueDepth)
}

// observeSendQueueDepth adjusts the cross-destination pending-item count by
// delta (positive when items are enqueued, negative once a transaction
// delivers them) and republishes it to Prometheus.
func observeSendQueueDepth(delta int64) {
	sendQueueDepth.Set(float64(sendQueueDepthValue.Add(delta)))
}

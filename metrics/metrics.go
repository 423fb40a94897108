// Package metrics exposes the process gauges and counters: arena
// chunk/live-rmsg gauges, defrag/reorder backlog gauges, a dqueue depth
// gauge, and an entity live-count gauge.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles the gauges this core reports, registered against a
// caller-supplied prometheus.Registerer so embedding applications can
// fold them into their own /metrics surface instead of always owning the
// default global one.
type Registry struct {
	ArenaLiveChunks   prometheus.Gauge
	ArenaLiveRmsgs    prometheus.Gauge
	DefragBacklog     *prometheus.GaugeVec // labeled by proxy-writer iid
	ReorderBacklog    *prometheus.GaugeVec
	DqueueDepth       *prometheus.GaugeVec // labeled by queue name
	EntityLiveCount   prometheus.Gauge
	HandleTableLen    prometheus.Gauge
	NackBitmapsServed prometheus.Counter
}

// New creates and registers every gauge/counter against reg.
func New(reg prometheus.Registerer) *Registry {
	m := &Registry{
		ArenaLiveChunks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ddscore", Subsystem: "arena", Name: "live_chunks",
			Help: "Number of rbuf chunks with at least one outstanding rmsg reference.",
		}),
		ArenaLiveRmsgs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ddscore", Subsystem: "arena", Name: "live_rmsgs",
			Help: "Number of rmsgs with nonzero refcount.",
		}),
		DefragBacklog: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ddscore", Subsystem: "defrag", Name: "backlog_samples",
			Help: "In-flight (incomplete) samples per proxy-writer.",
		}, []string{"proxy_writer"}),
		ReorderBacklog: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ddscore", Subsystem: "reorder", Name: "backlog_samples",
			Help: "Stored-but-undelivered samples per proxy-writer.",
		}, []string{"proxy_writer"}),
		DqueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ddscore", Subsystem: "dqueue", Name: "depth",
			Help: "Live element count of a delivery queue.",
		}, []string{"queue"}),
		EntityLiveCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ddscore", Subsystem: "entity", Name: "live_count",
			Help: "Process-wide live entity count.",
		}),
		HandleTableLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ddscore", Subsystem: "entity", Name: "handle_table_len",
			Help: "Number of entries currently in the handle table.",
		}),
		NackBitmapsServed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ddscore", Subsystem: "reorder", Name: "nackmaps_served_total",
			Help: "Total NackMap queries answered across defrag and reorder.",
		}),
	}
	reg.MustRegister(
		m.ArenaLiveChunks, m.ArenaLiveRmsgs,
		m.DefragBacklog, m.ReorderBacklog, m.DqueueDepth,
		m.EntityLiveCount, m.HandleTableLen, m.NackBitmapsServed,
	)
	return m
}

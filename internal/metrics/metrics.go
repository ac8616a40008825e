// Package metrics exposes the Data Manager's counters (§4.4.1, §6) over
// Prometheus, the metrics library already present in the teacher's
// dependency graph (github.com/prometheus/client_golang, pulled in
// transitively) but never wired into an actual collector there. A
// Collector here is grounded on the teacher's own StoredByKind/ClientGets
// fields conceptually, generalised into gauges/counters a scrape target
// can read.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"vaultd/internal/chunkstore"
	"vaultd/internal/datamanager"
	"vaultd/internal/overlay"
)

// Collector implements prometheus.Collector over a live Engine's
// counters and chunk store, so every scrape reflects current state
// without a separate push path.
type Collector struct {
	counters *datamanager.Counters
	store    chunkstore.Store
	loop     *datamanager.EventLoop

	storedDesc    *prometheus.Desc
	clientGetDesc *prometheus.Desc
	usedBytesDesc *prometheus.Desc
	maxBytesDesc  *prometheus.Desc
}

// NewCollector builds a Collector over counters and store. Reads run
// through loop so a scrape never observes counters mid-mutation — the
// engine's own goroutine is the only writer (§5).
func NewCollector(counters *datamanager.Counters, store chunkstore.Store, loop *datamanager.EventLoop) *Collector {
	return &Collector{
		counters: counters,
		store:    store,
		loop:     loop,
		storedDesc: prometheus.NewDesc(
			"vaultd_chunks_stored", "Number of chunks currently stored, by kind.",
			[]string{"kind"}, nil,
		),
		clientGetDesc: prometheus.NewDesc(
			"vaultd_client_gets_total", "Total client Get requests served.",
			nil, nil,
		),
		usedBytesDesc: prometheus.NewDesc(
			"vaultd_chunk_store_used_bytes", "Bytes currently used in the local chunk store.",
			nil, nil,
		),
		maxBytesDesc: prometheus.NewDesc(
			"vaultd_chunk_store_max_bytes", "Configured chunk store capacity in bytes.",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.storedDesc
	ch <- c.clientGetDesc
	ch <- c.usedBytesDesc
	ch <- c.maxBytesDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	var stored map[overlay.DataKind]int
	var clientGets uint64
	c.loop.SubmitWait(func() {
		stored = make(map[overlay.DataKind]int, len(c.counters.StoredByKind))
		for k, v := range c.counters.StoredByKind {
			stored[k] = v
		}
		clientGets = c.counters.ClientGets
	})

	for kind, count := range stored {
		ch <- prometheus.MustNewConstMetric(c.storedDesc, prometheus.GaugeValue, float64(count), kindLabel(kind))
	}
	ch <- prometheus.MustNewConstMetric(c.clientGetDesc, prometheus.CounterValue, float64(clientGets))
	ch <- prometheus.MustNewConstMetric(c.usedBytesDesc, prometheus.GaugeValue, float64(c.store.UsedSpace()))
	ch <- prometheus.MustNewConstMetric(c.maxBytesDesc, prometheus.GaugeValue, float64(c.store.MaxSpace()))
}

func kindLabel(k overlay.DataKind) string {
	return k.String()
}

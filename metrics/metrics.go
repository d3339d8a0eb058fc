// Package metrics exposes allocator statistics as Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/memspan/memspan/memutils"
)

// StatisticsSource is anything that can report summary allocation
// statistics. memspan.HeapAllocator and arena.Arena both satisfy it.
type StatisticsSource interface {
	Statistics() memutils.Statistics
}

// Collector is a prometheus.Collector that reads a StatisticsSource on every
// scrape. Register one Collector per allocator, each with a distinct name;
// the name becomes the allocator label, which is what lets collectors for
// several allocators share a registry.
type Collector struct {
	source StatisticsSource

	blocks          *prometheus.Desc
	blockBytes      *prometheus.Desc
	allocations     *prometheus.Desc
	allocationBytes *prometheus.Desc
}

var _ prometheus.Collector = &Collector{}

// NewCollector creates a Collector reporting source's statistics under the
// given allocator name.
func NewCollector(name string, source StatisticsSource) *Collector {
	constLabels := prometheus.Labels{"allocator": name}

	return &Collector{
		source: source,

		blocks: prometheus.NewDesc(
			"memspan_blocks",
			"The current number of backing blocks held by the allocator.",
			nil, constLabels,
		),
		blockBytes: prometheus.NewDesc(
			"memspan_block_bytes",
			"The combined size in bytes of the allocator's backing blocks.",
			nil, constLabels,
		),
		allocations: prometheus.NewDesc(
			"memspan_allocations",
			"The current number of live allocations.",
			nil, constLabels,
		),
		allocationBytes: prometheus.NewDesc(
			"memspan_allocation_bytes",
			"The combined size in bytes of live allocations.",
			nil, constLabels,
		),
	}
}

func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.blocks
	descs <- c.blockBytes
	descs <- c.allocations
	descs <- c.allocationBytes
}

func (c *Collector) Collect(m chan<- prometheus.Metric) {
	stats := c.source.Statistics()

	m <- prometheus.MustNewConstMetric(c.blocks, prometheus.GaugeValue, float64(stats.BlockCount))
	m <- prometheus.MustNewConstMetric(c.blockBytes, prometheus.GaugeValue, float64(stats.BlockBytes))
	m <- prometheus.MustNewConstMetric(c.allocations, prometheus.GaugeValue, float64(stats.AllocationCount))
	m <- prometheus.MustNewConstMetric(c.allocationBytes, prometheus.GaugeValue, float64(stats.AllocationBytes))
}

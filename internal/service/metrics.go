// File: internal/service/metrics.go
package service

import (
	"sort"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/xkilldash9x/pilot-cli/internal/eventstream"
)

const metricsNamespace = "pilot"

// StatsSource is anything that reports agent statistics.
type StatsSource interface {
	Stats() Stats
}

// Collector exposes agent statistics as Prometheus metrics. Values are read
// on every scrape so the collector never drifts from the agent.
type Collector struct {
	src StatsSource

	cacheHits         *prometheus.Desc
	cacheMisses       *prometheus.Desc
	cacheEvictions    *prometheus.Desc
	cacheComputations *prometheus.Desc
	cacheEntries      *prometheus.Desc
	gateFailures      *prometheus.Desc
	eventsEmitted     *prometheus.Desc
	eventsDropped     *prometheus.Desc
	eventsBuffered    *prometheus.Desc
	subscribers       *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector returns a collector reading from src.
func NewCollector(src StatsSource) *Collector {
	desc := func(subsystem, name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, subsystem, name), help, labels, nil)
	}
	return &Collector{
		src:               src,
		cacheHits:         desc("resolver_cache", "hits_total", "Resolutions served from the cache."),
		cacheMisses:       desc("resolver_cache", "misses_total", "Resolutions that missed the cache."),
		cacheEvictions:    desc("resolver_cache", "evictions_total", "Cache entries evicted by capacity."),
		cacheComputations: desc("resolver_cache", "computations_total", "Resolutions computed by running strategies."),
		cacheEntries:      desc("resolver_cache", "entries", "Resolutions currently cached."),
		gateFailures:      desc("gate", "consecutive_rate_limits", "Consecutive rate-limit signals per collaborator.", "collaborator"),
		eventsEmitted:     desc("events", "emitted_total", "Events accepted into the stream."),
		eventsDropped:     desc("events", "dropped_total", "Events dropped before delivery.", "reason"),
		eventsBuffered:    desc("events", "buffered", "Events held in each category buffer.", "category"),
		subscribers:       desc("events", "subscribers", "Active event subscribers."),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.cacheHits, c.cacheMisses, c.cacheEvictions, c.cacheComputations, c.cacheEntries,
		c.gateFailures, c.eventsEmitted, c.eventsDropped, c.eventsBuffered, c.subscribers,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.Stats()

	r := s.Resolutions
	ch <- prometheus.MustNewConstMetric(c.cacheHits, prometheus.CounterValue, float64(r.Hits))
	ch <- prometheus.MustNewConstMetric(c.cacheMisses, prometheus.CounterValue, float64(r.Misses))
	ch <- prometheus.MustNewConstMetric(c.cacheEvictions, prometheus.CounterValue, float64(r.Evictions))
	ch <- prometheus.MustNewConstMetric(c.cacheComputations, prometheus.CounterValue, float64(r.Computations))
	ch <- prometheus.MustNewConstMetric(c.cacheEntries, prometheus.GaugeValue, float64(r.Size))

	for _, g := range s.Gates {
		ch <- prometheus.MustNewConstMetric(c.gateFailures, prometheus.GaugeValue, float64(g.ConsecutiveFailures), g.Collaborator)
	}

	e := s.Events
	ch <- prometheus.MustNewConstMetric(c.eventsEmitted, prometheus.CounterValue, float64(e.Emitted))
	ch <- prometheus.MustNewConstMetric(c.eventsDropped, prometheus.CounterValue, float64(e.RateDropped), "rate_limited")
	ch <- prometheus.MustNewConstMetric(c.eventsDropped, prometheus.CounterValue, float64(e.SubDropped), "slow_subscriber")
	categories := make([]string, 0, len(e.Buffered))
	for cat := range e.Buffered {
		categories = append(categories, string(cat))
	}
	sort.Strings(categories)
	for _, cat := range categories {
		ch <- prometheus.MustNewConstMetric(c.eventsBuffered, prometheus.GaugeValue, float64(e.Buffered[eventstream.Category(cat)]), cat)
	}
	ch <- prometheus.MustNewConstMetric(c.subscribers, prometheus.GaugeValue, float64(e.Subscribers))
}

// WriteMetrics snapshots src into path in the Prometheus text format, ready
// for a node exporter textfile collector.
func WriteMetrics(path string, src StatsSource) error {
	reg := prometheus.NewRegistry()
	if err := reg.Register(NewCollector(src)); err != nil {
		return err
	}
	return prometheus.WriteToTextfile(path, reg)
}

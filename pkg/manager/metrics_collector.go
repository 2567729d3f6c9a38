package manager

import (
	"time"

	"github.com/cuemby/mailroom/pkg/metrics"
	"github.com/cuemby/mailroom/pkg/registry"
	"github.com/cuemby/mailroom/pkg/streampool"
)

const collectInterval = 15 * time.Second

// StatsSource reports raft statistics
type StatsSource interface {
	Stats() map[string]interface{}
}

// MetricsCollector refreshes the state gauges from the registry, the
// stream pool and the journal
type MetricsCollector struct {
	registry *registry.Registry
	pool     *streampool.Pool
	journal  StatsSource
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewMetricsCollector creates a new metrics collector. pool and journal may
// be nil.
func NewMetricsCollector(reg *registry.Registry, pool *streampool.Pool, journal StatsSource) *MetricsCollector {
	return &MetricsCollector{
		registry: reg,
		pool:     pool,
		journal:  journal,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *MetricsCollector) Start() {
	ticker := time.NewTicker(collectInterval)
	go func() {
		defer close(c.doneCh)
		defer ticker.Stop()

		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop stops the collector and waits for it to exit
func (c *MetricsCollector) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *MetricsCollector) collect() {
	c.collectRegistryMetrics()
	c.collectPoolMetrics()
	c.collectJournalMetrics()
}

func (c *MetricsCollector) collectRegistryMetrics() {
	stats := c.registry.Stats()
	for mode, count := range stats.ByMode {
		metrics.RegistrationsTotal.WithLabelValues(string(mode)).Set(float64(count))
	}
	metrics.PendingEvents.Set(float64(stats.Events))
}

func (c *MetricsCollector) collectPoolMetrics() {
	if c.pool == nil {
		return
	}
	stats := c.pool.Stats()
	metrics.StreamHandlesOpen.WithLabelValues("in_use").Set(float64(stats.InUse))
	metrics.StreamHandlesOpen.WithLabelValues("available").Set(float64(stats.Free))
}

func (c *MetricsCollector) collectJournalMetrics() {
	if c.journal == nil {
		return
	}
	if applied, ok := c.journal.Stats()["applied_index"].(uint64); ok {
		metrics.RaftAppliedIndex.Set(float64(applied))
	}
}

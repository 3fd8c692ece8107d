package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xraph/msgq"
)

const collectTimeout = 10 * time.Second

// StatsSource lists per-channel snapshots. *engine.Engine satisfies it.
type StatsSource interface {
	Stats(ctx context.Context) ([]msgq.ChannelStats, error)
}

// Collector is a Prometheus collector reporting pending messages, pending
// bytes and capacity for every live channel. Values are read from the
// source on every scrape.
type Collector struct {
	source   StatsSource
	messages *prometheus.Desc
	bytes    *prometheus.Desc
	capacity *prometheus.Desc
	channels *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector returns a Collector reading from source.
func NewCollector(source StatsSource) *Collector {
	labels := []string{"key"}
	return &Collector{
		source: source,
		messages: prometheus.NewDesc(
			"msgq_channel_messages",
			"Number of pending messages in each channel",
			labels, nil,
		),
		bytes: prometheus.NewDesc(
			"msgq_channel_bytes",
			"Number of pending payload bytes in each channel",
			labels, nil,
		),
		capacity: prometheus.NewDesc(
			"msgq_channel_capacity_bytes",
			"Byte capacity of each channel",
			labels, nil,
		),
		channels: prometheus.NewDesc(
			"msgq_channels",
			"Number of live channels",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.messages
	ch <- c.bytes
	ch <- c.capacity
	ch <- c.channels
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), collectTimeout)
	defer cancel()

	stats, err := c.source.Stats(ctx)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.channels, err)
		return
	}

	ch <- prometheus.MustNewConstMetric(c.channels, prometheus.GaugeValue, float64(len(stats)))
	for _, s := range stats {
		key := s.Info.Key.String()
		ch <- prometheus.MustNewConstMetric(c.messages, prometheus.GaugeValue, float64(s.Stats.Messages), key)
		ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.GaugeValue, float64(s.Stats.Bytes), key)
		ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue, float64(s.Info.Capacity), key)
	}
}

// Handler returns an http.Handler serving the collector on a dedicated
// registry.
func Handler(source StatsSource) http.Handler {
	registry := prometheus.NewRegistry()
	registry.MustRegister(NewCollector(source))
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

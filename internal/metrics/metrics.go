// Package metrics exports the download queue as Prometheus metrics.
//
// Collector is a notifier: the engine feeds it the active records after
// every pass and each record that completes. Metric names:
//   - gulp_downloads: active downloads by status
//   - gulp_downloaded_bytes: bytes transferred so far by status
//   - gulp_completions_total: completed downloads by status and reason
//   - gulp_file_size_bytes: sizes of successfully downloaded files
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ligustah/gulp/internal/record"
)

// Collector records download metrics.
type Collector struct {
	mu sync.Mutex

	downloads   *prometheus.GaugeVec
	bytes       *prometheus.GaugeVec
	completions *prometheus.CounterVec
	fileSize    prometheus.Histogram
}

// New creates a collector and registers its metrics with reg.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		downloads: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gulp_downloads",
				Help: "Active downloads by status.",
			},
			[]string{"status"},
		),
		bytes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gulp_downloaded_bytes",
				Help: "Bytes transferred so far by active downloads, by status.",
			},
			[]string{"status"},
		),
		completions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gulp_completions_total",
				Help: "Completed downloads by status and reason.",
			},
			[]string{"status", "reason"},
		),
		fileSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gulp_file_size_bytes",
				Help:    "Sizes of successfully downloaded files.",
				Buckets: prometheus.ExponentialBuckets(1024, 10, 7), // 1KiB .. ~1GB
			},
		),
	}
	reg.MustRegister(c.downloads, c.bytes, c.completions, c.fileSize)
	return c
}

// Update replaces the per-status gauges with the given active set.
func (c *Collector) Update(records []*record.Record) {
	counts := make(map[record.Status]int)
	bytes := make(map[record.Status]int64)
	for _, rec := range records {
		counts[rec.Status]++
		bytes[rec.Status] += rec.BytesSoFar
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.downloads.Reset()
	c.bytes.Reset()
	for status, n := range counts {
		c.downloads.WithLabelValues(string(status)).Set(float64(n))
		c.bytes.WithLabelValues(string(status)).Set(float64(bytes[status]))
	}
}

func (c *Collector) Cancel(string) {}

// Completed counts rec and observes its size when it succeeded.
func (c *Collector) Completed(rec *record.Record) {
	reason := string(rec.Reason)
	if reason == "" {
		reason = "none"
	}
	c.completions.WithLabelValues(string(rec.Status), reason).Inc()
	if rec.Status == record.StatusSuccess {
		c.fileSize.Observe(float64(rec.BytesSoFar))
	}
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

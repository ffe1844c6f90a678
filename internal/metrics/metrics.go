// Package metrics exposes per-batch Prometheus metrics. Batches are
// short-lived CLI processes, so metrics are written as a node_exporter
// textfile rather than served.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// TextfileName is the file Batch.WriteTextfile writes under a results dir.
const TextfileName = "metrics.prom"

// Batch holds the metrics of one batch run on a private registry.
type Batch struct {
	reg      *prometheus.Registry
	config   string
	attempts *prometheus.CounterVec
	duration *prometheus.HistogramVec
	cost     *prometheus.CounterVec
	turns    *prometheus.CounterVec
	lastRun  *prometheus.GaugeVec
}

// NewBatch creates metrics for a batch under configuration config.
func NewBatch(config string) *Batch {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Batch{
		reg:    reg,
		config: config,
		attempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cbench_attempts_total",
			Help: "Tasks processed by outcome (completed, skipped, failed) and detail (record status or failure kind).",
		}, []string{"config", "outcome", "detail"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cbench_attempt_duration_seconds",
			Help:    "Wall-clock duration of agent attempts.",
			Buckets: []float64{30, 60, 120, 300, 600, 900, 1800, 3600},
		}, []string{"config"}),
		cost: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cbench_attempt_cost_usd_total",
			Help: "Agent-reported cost of recorded attempts.",
		}, []string{"config"}),
		turns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cbench_attempt_turns_total",
			Help: "Agent turns of recorded attempts.",
		}, []string{"config"}),
		lastRun: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cbench_batch_last_finished_timestamp_seconds",
			Help: "Unix time the last batch finished.",
		}, []string{"config"}),
	}
}

// Registry returns the private registry.
func (b *Batch) Registry() *prometheus.Registry { return b.reg }

// Skipped counts a task that already had a record.
func (b *Batch) Skipped() {
	b.attempts.WithLabelValues(b.config, "skipped", "recorded").Inc()
}

// Failed counts an attempt that produced no record.
func (b *Batch) Failed(kind string, d time.Duration) {
	b.attempts.WithLabelValues(b.config, "failed", kind).Inc()
	b.duration.WithLabelValues(b.config).Observe(d.Seconds())
}

// Completed counts a recorded attempt.
func (b *Batch) Completed(status string, d time.Duration, costUSD float64, turns int) {
	b.attempts.WithLabelValues(b.config, "completed", status).Inc()
	b.duration.WithLabelValues(b.config).Observe(d.Seconds())
	b.cost.WithLabelValues(b.config).Add(costUSD)
	b.turns.WithLabelValues(b.config).Add(float64(turns))
}

// WriteTextfile stamps the finish time and writes every metric to path.
func (b *Batch) WriteTextfile(path string, finished time.Time) error {
	b.lastRun.WithLabelValues(b.config).Set(float64(finished.Unix()))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create metrics dir: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, b.reg); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	return nil
}

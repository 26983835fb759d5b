// Package metrics exports batch processing metrics to Prometheus.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder receives per-batch observations.
type Recorder interface {
	// ObserveBatch counts one finished batch by outcome. code is empty for
	// committed batches.
	ObserveBatch(status, code string)

	// ObserveExecution records the performance of one executed batch.
	ObserveExecution(wall, serial time.Duration, threads, txns int)
}

// Nop discards everything.
type Nop struct{}

func (Nop) ObserveBatch(string, string)                           {}
func (Nop) ObserveExecution(time.Duration, time.Duration, int, int) {}

const namespace = "synchrony"

// Prometheus is a Recorder backed by its own registry.
type Prometheus struct {
	registry *prometheus.Registry

	batches      *prometheus.CounterVec
	transactions prometheus.Counter
	execSeconds  prometheus.Histogram
	parallelism  prometheus.Gauge
	threads      prometheus.Gauge
}

// NewPrometheus creates a recorder and registers its collectors.
func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		batches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "batch",
				Name:      "total",
				Help:      "Counter of processed batches by status and error code.",
			}, []string{"status", "code"}),
		transactions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "executor",
				Name:      "transactions_total",
				Help:      "Counter of executed transactions.",
			}),
		execSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "executor",
				Name:      "execution_seconds",
				Help:      "Wall time of batch execution.",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
			}),
		parallelism: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "executor",
				Name:      "parallelism",
				Help:      "Serial time divided by wall time of the last executed batch.",
			}),
		threads: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "executor",
				Name:      "threads",
				Help:      "Worker threads used by the last executed batch.",
			}),
	}
	p.registry.MustRegister(p.batches, p.transactions, p.execSeconds, p.parallelism, p.threads)
	return p
}

// Registry returns the registry holding the recorder's collectors.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

// ObserveBatch implements Recorder.
func (p *Prometheus) ObserveBatch(status, code string) {
	p.batches.WithLabelValues(status, code).Inc()
}

// ObserveExecution implements Recorder.
func (p *Prometheus) ObserveExecution(wall, serial time.Duration, threads, txns int) {
	p.transactions.Add(float64(txns))
	p.execSeconds.Observe(wall.Seconds())
	p.threads.Set(float64(threads))
	if wall > 0 {
		p.parallelism.Set(float64(serial) / float64(wall))
	}
}

// WriteTextfile writes the current metrics in the Prometheus text format,
// for the node exporter's textfile collector.
func (p *Prometheus) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, p.registry); err != nil {
		return fmt.Errorf("write metrics to %s: %w", path, err)
	}
	return nil
}

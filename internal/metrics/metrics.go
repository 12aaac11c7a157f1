// Package metrics records import run measurements in a per-run Prometheus
// registry and pushes them to a Pushgateway at the end of the batch.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "cris_import"

// Recorder implements importer.Recorder on Prometheus collectors.
type Recorder struct {
	registry    *prometheus.Registry
	rows        *prometheus.CounterVec
	steps       *prometheus.HistogramVec
	lastSuccess prometheus.Gauge
	lastRun     prometheus.Gauge
	runSuccess  prometheus.Gauge
}

// New builds a Recorder with its own registry.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_total",
			Help:      "Staging keys reconciled, by record type and outcome.",
		}, []string{"record_type", "outcome"}),
		steps: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Wall time of each run step.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 4, 8),
		}, []string{"step"}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful run.",
		}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run finished.",
		}),
		runSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_success",
			Help:      "1 if the last run completed, 0 if it failed.",
		}),
	}
	r.registry.MustRegister(r.rows, r.steps, r.lastSuccess, r.lastRun, r.runSuccess)
	return r
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// ObserveStep records the duration of a run step.
func (r *Recorder) ObserveStep(step string, d time.Duration) {
	r.steps.WithLabelValues(step).Observe(d.Seconds())
}

// AddRows counts n rows with the given outcome. Zero is a no-op.
func (r *Recorder) AddRows(recordType, outcome string, n int) {
	if n <= 0 {
		return
	}
	r.rows.WithLabelValues(recordType, outcome).Add(float64(n))
}

// RunFinished stamps the run outcome.
func (r *Recorder) RunFinished(at time.Time, success bool) {
	ts := float64(at.Unix())
	r.lastRun.Set(ts)
	if success {
		r.lastSuccess.Set(ts)
		r.runSuccess.Set(1)
		return
	}
	r.runSuccess.Set(0)
}

// Push sends the registry to a Pushgateway. The last-success gauge is only
// pushed by successful runs, so a failed run does not reset it.
func (r *Recorder) Push(ctx context.Context, url, job string, success bool) error {
	if url == "" {
		return nil
	}
	p := push.New(url, job).Gatherer(r.gatherer(success))
	if err := p.AddContext(ctx); err != nil {
		return fmt.Errorf("push metrics to %s: %w", url, err)
	}
	return nil
}

func (r *Recorder) gatherer(success bool) prometheus.Gatherer {
	if success {
		return r.registry
	}
	return prometheus.GathererFunc(func() ([]*dto.MetricFamily, error) {
		families, err := r.registry.Gather()
		if err != nil {
			return nil, err
		}
		out := families[:0]
		for _, f := range families {
			if f.GetName() != namespace+"_last_success_timestamp_seconds" {
				out = append(out, f)
			}
		}
		return out, nil
	})
}

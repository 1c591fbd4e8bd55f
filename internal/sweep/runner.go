// Package sweep runs the periodic maintenance jobs of the spine: escrow
// auto-release, quote expiry, dispute vendor timeouts, rating reveals and
// proposal expiry. Every job body is idempotent and re-validates eligibility
// per item, so overlapping or repeated runs are safe.
package sweep

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Job is one named sweep body.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

// Metrics instruments sweep runs.
type Metrics struct {
	Runs     *prometheus.CounterVec
	Duration *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		Runs: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "marketd_sweep_runs_total",
			Help: "Sweep job runs, by job and result.",
		}, []string{"job", "result"}),
		Duration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "marketd_sweep_duration_seconds",
			Help:    "Sweep job duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),
	}
}

func (m *Metrics) record(job, result string, seconds float64) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(job, result).Inc()
	m.Duration.WithLabelValues(job).Observe(seconds)
}

// Runner ticks the registered jobs at a fixed interval. A failing job logs
// and never blocks its siblings.
type Runner struct {
	interval time.Duration
	jobs     []Job
	metrics  *Metrics
}

func NewRunner(interval time.Duration, metrics *Metrics, jobs ...Job) *Runner {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Runner{interval: interval, jobs: jobs, metrics: metrics}
}

// Start blocks until ctx is cancelled, running every job once per tick.
func (r *Runner) Start(ctx context.Context) {
	slog.Info("sweep runner started", "interval", r.interval, "jobs", len(r.jobs))
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("sweep runner stopped")
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce executes all jobs sequentially. Exposed for tests and for the
// one-shot maintenance mode of the server binary.
func (r *Runner) RunOnce(ctx context.Context) {
	for _, job := range r.jobs {
		if ctx.Err() != nil {
			return
		}
		start := time.Now()
		err := job.Run(ctx)
		elapsed := time.Since(start)
		if err != nil {
			r.metrics.record(job.Name, "error", elapsed.Seconds())
			slog.Error("sweep job failed", "job", job.Name, "error", err)
			continue
		}
		r.metrics.record(job.Name, "ok", elapsed.Seconds())
	}
}

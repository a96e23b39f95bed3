// Package metrics exposes cycle reports as Prometheus metrics.
package metrics

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/guacscanner/guacscanner/pkg/coordinator"
	"github.com/guacscanner/guacscanner/pkg/reconcile"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

const namespace = "guacscanner"

// Recorder implements coordinator.Recorder on its own registry.
type Recorder struct {
	registry   *prometheus.Registry
	cycles     *prometheus.CounterVec
	operations *prometheus.CounterVec
	managed    prometheus.Gauge
	duration   prometheus.Histogram
	lastRun    prometheus.Gauge
}

// NewRecorder creates a Recorder with every metric registered.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Reconciliation cycles by outcome.",
		}, []string{"outcome"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Connection writes by operation and result.",
		}, []string{"op", "result"}),
		managed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "managed_connections",
			Help:      "Managed connections after the last cycle that ran.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of reconciliation cycles that ran.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Start time of the last cycle that completed or partially applied.",
		}),
	}
	r.registry.MustRegister(r.cycles, r.operations, r.managed, r.duration, r.lastRun)
	for _, outcome := range []coordinator.Outcome{coordinator.Completed, coordinator.Partial, coordinator.Skipped, coordinator.Failed} {
		r.cycles.WithLabelValues(string(outcome))
	}
	return r
}

// Record implements coordinator.Recorder.
func (r *Recorder) Record(report coordinator.Report) {
	r.cycles.WithLabelValues(string(report.Outcome)).Inc()
	if report.Outcome == coordinator.Skipped {
		return
	}
	r.duration.Observe(report.Duration.Seconds())

	s := report.Summary
	r.operations.WithLabelValues(reconcile.OpCreate, "success").Add(float64(len(s.Added) + len(s.Recreated)))
	r.operations.WithLabelValues(reconcile.OpDelete, "success").Add(float64(len(s.Removed) + len(s.Recreated)))
	for _, failure := range s.Failures {
		r.operations.WithLabelValues(failure.Op, "failure").Inc()
	}

	switch report.Outcome {
	case coordinator.Completed, coordinator.Partial:
		r.managed.Set(float64(s.Managed))
		r.lastRun.Set(float64(report.Started.Unix()))
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on address until ctx is cancelled.
func (r *Recorder) Serve(ctx context.Context, address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", address)
	}
	return r.serve(ctx, listener)
}

func (r *Recorder) serve(ctx context.Context, listener net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.WithField("address", listener.Addr().String()).Info("Serving metrics")
	if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "serve metrics")
	}
	return nil
}

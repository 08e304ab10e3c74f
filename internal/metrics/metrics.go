// Package metrics exposes transfer counters in the Prometheus text format.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/vertextoedge/installer-fetch/internal/domain"
	"github.com/vertextoedge/installer-fetch/internal/port"
)

const namespace = "installer_fetch"

// Metrics holds the transfer collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	bytes         prometheus.Counter
	retries       *prometheus.CounterVec
	restarts      *prometheus.CounterVec
	outcomes      *prometheus.CounterVec
	verifications *prometheus.CounterVec
	duration      prometheus.Histogram
	inflight      prometheus.Gauge
}

var (
	_ port.TransferObserver = (*Metrics)(nil)
	_ port.TransferMetrics  = (*Metrics)(nil)
)

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Total bytes written to disk",
		}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Failed attempts that were retried, by cause",
		}, []string{"cause"}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restarts_total",
			Help:      "Downloads discarded and started over, by reason",
		}, []string{"reason"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_total",
			Help:      "Finished transfers by status",
		}, []string{"status"}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verifications_total",
			Help:      "Chunklist verifications by result",
		}, []string{"result"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transfer_duration_seconds",
			Help:      "Wall time per transfer",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 14),
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transfers_inflight",
			Help:      "Transfers currently running",
		}),
	}

	m.registry.MustRegister(m.bytes, m.retries, m.restarts, m.outcomes,
		m.verifications, m.duration, m.inflight)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// BytesWritten implements port.TransferObserver
func (m *Metrics) BytesWritten(n int) {
	m.bytes.Add(float64(n))
}

// AttemptFailed implements port.TransferObserver
func (m *Metrics) AttemptFailed(err error) {
	m.retries.WithLabelValues(Cause(err)).Inc()
}

// Restarted implements port.TransferObserver
func (m *Metrics) Restarted(reason string) {
	m.restarts.WithLabelValues(reason).Inc()
}

// Started marks a transfer as running. Call the returned func with the
// final status when it ends.
func (m *Metrics) Started() func(status string) {
	start := time.Now()
	m.inflight.Inc()
	return func(status string) {
		m.inflight.Dec()
		m.duration.Observe(time.Since(start).Seconds())
		m.outcomes.WithLabelValues(status).Inc()
	}
}

// ObserveVerification counts one chunklist verification.
func (m *Metrics) ObserveVerification(err error) {
	result := "passed"
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrUnsignedManifest), errors.Is(err, domain.ErrSignatureMismatch), errors.Is(err, domain.ErrDigestMismatch):
		result = "bad_signature"
	case errors.Is(err, domain.ErrMalformedManifest):
		result = "malformed"
	default:
		result = "failed"
	}
	m.verifications.WithLabelValues(result).Inc()
}

// Cause maps an error to a low-cardinality label.
func Cause(err error) string {
	var statusErr *domain.StatusError
	switch {
	case err == nil:
		return "none"
	case errors.As(err, &statusErr):
		if statusErr.Code == http.StatusTooManyRequests {
			return "throttled"
		}
		if statusErr.Code >= 500 {
			return "server"
		}
		return "client"
	case errors.Is(err, domain.ErrSizeMismatch):
		return "size_mismatch"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, domain.ErrReadTimeout):
		return "timeout"
	default:
		return "transport"
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Package metrics exports pipeline health to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/itohio/lipomon/pkg/capture"
	"github.com/itohio/lipomon/pkg/telemetry"
	"github.com/itohio/lipomon/pkg/watchdog"
)

const namespace = "lipomon"

// Source provides the telemetry record at scrape time.
type Source interface {
	Snapshot() (telemetry.Record, error)
}

// CaptureSource provides the recorder status at scrape time. ok is false
// when no recorder is running.
type CaptureSource interface {
	CaptureStatus() (status capture.Status, ok bool)
}

// Exporter owns a registry with the pipeline collector and the restart
// counters.
type Exporter struct {
	registry *prometheus.Registry
	restarts *prometheus.CounterVec
	logger   *zap.Logger
}

// New creates an exporter reading from src. captures may be nil.
func New(src Source, captures CaptureSource, logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(newCollector(src, captures))

	return &Exporter{
		registry: reg,
		restarts: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "watchdog_restarts_total",
				Help:      "Cold restarts triggered by the watchdog",
			},
			[]string{"context"},
		),
		logger: logger.Named("metrics"),
	}
}

// ObserveRestart counts a watchdog expiry.
func (e *Exporter) ObserveRestart(ev watchdog.Event) {
	e.restarts.WithLabelValues(ev.Context).Inc()
}

// Handler returns the HTTP handler serving the registry.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// Serve serves /metrics on addr until ctx is done.
func (e *Exporter) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", e.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		e.logger.Info("serving metrics", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return ctx.Err()
	}
}

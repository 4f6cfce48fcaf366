// Package metrics exposes tablemirror's Prometheus metrics.
//
// # Overview
//
// Every table run reports its outcome, the rows and files it moved, the
// time spent in each pipeline stage, the retries it needed and the schema
// changes it applied. All metrics live in the "tablemirror" namespace and
// are registered with the default registry on import.
//
// # Basic Usage
//
//	timer := metrics.NewTimer()
//	err := load(ctx)
//	metrics.ObserveStage("loading", timer.Stop(), err)
//
//	metrics.RunsTotal.WithLabelValues(tableID, "committed").Inc()
//
// Serve the metrics endpoint with Serve, or mount Handler on an existing
// mux.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "tablemirror"

var (
	// RunsTotal counts finished table runs.
	// Labels: table_id, state (committed/failed/skipped)
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Total number of finished table runs",
		},
		[]string{"table_id", "state"},
	)

	// RowsExtracted counts rows read from source tables.
	RowsExtracted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_extracted_total",
			Help:      "Total number of rows extracted from source tables",
		},
		[]string{"table_id"},
	)

	// FilesCommitted counts batch files committed to their destination.
	// Labels: table_id, destination (warehouse/object_store/local)
	FilesCommitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_committed_total",
			Help:      "Total number of batch files committed",
		},
		[]string{"table_id", "destination"},
	)

	// StageDuration tracks how long each pipeline stage takes in seconds.
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 180, 600, 1800},
		},
		[]string{"stage", "status"},
	)

	// Retries counts retried attempts after connectivity errors.
	Retries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Total number of retried operations",
		},
		[]string{"stage"},
	)

	// SchemaChanges counts columns added or widened on target tables.
	// Labels: table_id, kind (added/widened)
	SchemaChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schema_changes_total",
			Help:      "Total number of target columns added or widened",
		},
		[]string{"table_id", "kind"},
	)

	// PendingFiles is the number of files a table holds locally awaiting a
	// destination.
	PendingFiles = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_files",
			Help:      "Number of extracted files awaiting a destination",
		},
		[]string{"table_id"},
	)

	// ActiveRuns is the number of table runs in progress.
	ActiveRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Number of table runs in progress",
		},
	)
)

// ObserveStage records the duration and outcome of one stage.
func ObserveStage(stage string, d time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	StageDuration.WithLabelValues(stage, status).Observe(d.Seconds())
}

// Timer provides a simple timing mechanism for measuring operation durations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer and starts timing immediately.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Stop returns the elapsed duration since creation. It may be called
// more than once.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

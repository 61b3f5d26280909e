// Package metrics exports import and revert counters in the Prometheus format.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"labport/internal/transfer"
)

const namespace = "labport"

var _ transfer.Metrics = (*Recorder)(nil)

// Recorder collects engine metrics in its own registry. A command run is short-lived, so the
// registry is flushed to a node_exporter textfile instead of being scraped.
type Recorder struct {
	registry *prometheus.Registry

	importsTotal     *prometheus.CounterVec
	importDuration   prometheus.Histogram
	entitiesTotal    *prometheus.CounterVec
	filesTotal       prometheus.Counter
	fileBytesTotal   prometheus.Counter
	revertsTotal     prometheus.Counter
	revertedTotal    *prometheus.CounterVec
	revertWarnings   prometheus.Counter
	lastImportFinish prometheus.Gauge
}

func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		importsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "import",
				Name:      "sessions_total",
				Help:      "Total number of import sessions by final status",
			},
			[]string{"status"},
		),
		importDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "import",
				Name:      "duration_seconds",
				Help:      "Duration of import sessions in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 900},
			},
		),
		entitiesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "import",
				Name:      "entities_total",
				Help:      "Total number of archive entities handled by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		filesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "import",
				Name:      "files_total",
				Help:      "Total number of media files materialized",
			},
		),
		fileBytesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "import",
				Name:      "file_bytes_total",
				Help:      "Total bytes of media files materialized",
			},
		),
		revertsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "revert",
				Name:      "sessions_total",
				Help:      "Total number of reverted import sessions",
			},
		),
		revertedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "revert",
				Name:      "removed_total",
				Help:      "Total number of items removed by reverts",
			},
			[]string{"type"},
		),
		revertWarnings: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "revert",
				Name:      "warnings_total",
				Help:      "Total number of warnings raised while reverting",
			},
		),
		lastImportFinish: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "import",
				Name:      "last_finished_timestamp_seconds",
				Help:      "Unix time of the last finished import session",
			},
		),
	}
	r.registry.MustRegister(
		r.importsTotal,
		r.importDuration,
		r.entitiesTotal,
		r.filesTotal,
		r.fileBytesTotal,
		r.revertsTotal,
		r.revertedTotal,
		r.revertWarnings,
		r.lastImportFinish,
	)
	return r
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

func (r *Recorder) ImportFinished(status string, elapsed time.Duration) {
	r.importsTotal.WithLabelValues(status).Inc()
	r.importDuration.Observe(elapsed.Seconds())
	r.lastImportFinish.SetToCurrentTime()
}

func (r *Recorder) EntitiesImported(kind transfer.Kind, stats transfer.KindStats) {
	k := string(kind)
	r.entitiesTotal.WithLabelValues(k, "created").Add(float64(stats.Created))
	r.entitiesTotal.WithLabelValues(k, "reused").Add(float64(stats.Reused))
	r.entitiesTotal.WithLabelValues(k, "skipped").Add(float64(stats.Skipped))
}

func (r *Recorder) FilesMaterialized(count int, bytes int64) {
	r.filesTotal.Add(float64(count))
	r.fileBytesTotal.Add(float64(bytes))
}

func (r *Recorder) RevertFinished(stats transfer.RevertStats, warnings int) {
	r.revertsTotal.Inc()
	r.revertedTotal.WithLabelValues("entities").Add(float64(stats.EntitiesDeleted))
	r.revertedTotal.WithLabelValues("files").Add(float64(stats.FilesDeleted))
	r.revertedTotal.WithLabelValues("relationships").Add(float64(stats.RelationshipsRemoved))
	r.revertWarnings.Add(float64(warnings))
}

// WriteTextfile writes the current values to path in the text exposition format. The file
// is replaced atomically so node_exporter never reads a partial file.
func (r *Recorder) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("writing metrics to %s: %w", path, err)
	}
	return nil
}

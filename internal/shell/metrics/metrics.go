// Package metrics records stage durations and run results, and writes them
// in the node_exporter textfile format.
package metrics

import (
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/artpar/stagehand/internal/core/domain"
)

var histogramBuckets = []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600}

// Recorder holds the collectors of one process.
type Recorder struct {
	registry      *prometheus.Registry
	stageDuration *prometheus.HistogramVec
	runs          *prometheus.CounterVec
	lastRun       *prometheus.GaugeVec
}

// NewRecorder creates a recorder with its own registry.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stagehand",
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Wall time spent in each pipeline stage",
			Buckets:   histogramBuckets,
		}, []string{"action", "stage", "outcome"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stagehand",
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Number of finished pipeline runs",
		}, []string{"action", "project", "result", "kind"}),
		lastRun: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "stagehand",
			Subsystem: "pipeline",
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run of a project finished",
		}, []string{"action", "project"}),
	}
	r.registry.MustRegister(r.stageDuration, r.runs, r.lastRun)
	return r
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// ObserveStage records the duration of one stage.
func (r *Recorder) ObserveStage(action domain.Action, stage domain.Stage, d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	r.stageDuration.With(prometheus.Labels{
		"action":  string(action),
		"stage":   string(stage),
		"outcome": outcome,
	}).Observe(d.Seconds())
}

// ObserveRun records a finished run.
func (r *Recorder) ObserveRun(o domain.PipelineOutcome) {
	result, kind := "success", ""
	if !o.Succeeded() {
		result, kind = "failure", o.Kind.String()
	}
	r.runs.With(prometheus.Labels{
		"action":  string(o.Action),
		"project": o.Project,
		"result":  result,
		"kind":    kind,
	}).Inc()
	r.lastRun.With(prometheus.Labels{
		"action":  string(o.Action),
		"project": o.Project,
	}).Set(float64(o.FinishedAt.Unix()))
}

// WriteTextfile writes every collected metric to path atomically.
func (r *Recorder) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return prometheus.WriteToTextfile(path, r.registry)
}

// Package metrics records pipeline results as Prometheus metrics and writes
// them in the node exporter textfile format.
package metrics

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bgricker/conveyor/internal/pipeline"
	"github.com/bgricker/conveyor/internal/report"
)

const namespace = "conveyor"

var statuses = []report.Status{
	report.StatusSuccess,
	report.StatusFailure,
	report.StatusUnstable,
	report.StatusSkipped,
	report.StatusAborted,
}

// Recorder implements engine.Observer on a private registry.
type Recorder struct {
	registry *prometheus.Registry

	StageResults   *prometheus.CounterVec
	StageDuration  *prometheus.HistogramVec
	TestCases      *prometheus.GaugeVec
	PipelineStatus *prometheus.GaugeVec

	mu sync.Mutex
}

// NewRecorder creates a Recorder with its own registry.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	r := &Recorder{
		registry: reg,
		StageResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_results_total",
			Help:      "Stage results by status.",
		}, []string{"stage", "kind", "status"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall-clock duration of stages in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 4, 8),
		}, []string{"stage", "kind"}),
		TestCases: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "test_cases",
			Help:      "Test cases parsed from stage reports by outcome.",
		}, []string{"stage", "outcome"}),
		PipelineStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_status",
			Help:      "1 for the final status of the last run of a pipeline, 0 otherwise.",
		}, []string{"pipeline", "status"}),
	}
	reg.MustRegister(r.StageResults, r.StageDuration, r.TestCases, r.PipelineStatus)
	return r
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// StageStarted implements engine.Observer.
func (r *Recorder) StageStarted(*pipeline.Stage) {}

// StageFinished implements engine.Observer.
func (r *Recorder) StageFinished(st *pipeline.Stage, res *report.StageResult) {
	r.StageResults.WithLabelValues(st.ID, st.Kind, string(res.Status)).Inc()
	if res.Status != report.StatusSkipped {
		r.StageDuration.WithLabelValues(st.ID, st.Kind).Observe(res.Duration.Seconds())
	}
}

// PipelineFinished implements engine.PipelineObserver.
func (r *Recorder) PipelineFinished(trace *report.Trace) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range statuses {
		v := 0.0
		if st == trace.Status {
			v = 1
		}
		r.PipelineStatus.WithLabelValues(trace.Pipeline, string(st)).Set(v)
	}
	for stage, byName := range trace.Tests {
		var sum report.TestSummary
		for _, s := range byName {
			sum = sum.Add(s)
		}
		r.TestCases.WithLabelValues(stage, "passed").Set(float64(sum.Passed))
		r.TestCases.WithLabelValues(stage, "failed").Set(float64(sum.Failed))
		r.TestCases.WithLabelValues(stage, "skipped").Set(float64(sum.Skipped))
	}
}

// WriteTextfile writes the registry to path atomically.
func (r *Recorder) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

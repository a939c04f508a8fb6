package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/bgricker/conveyor/internal/pipeline"
	"github.com/bgricker/conveyor/internal/report"
)

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	unit := &pipeline.Stage{ID: "unit", Kind: pipeline.KindLeaf}
	deploy := &pipeline.Stage{ID: "deploy", Kind: pipeline.KindSequential}

	r.StageFinished(unit, &report.StageResult{Status: report.StatusSuccess, Duration: 2 * time.Second})
	r.StageFinished(unit, &report.StageResult{Status: report.StatusFailure, Duration: time.Second})
	r.StageFinished(deploy, &report.StageResult{Status: report.StatusSkipped})
	r.PipelineFinished(&report.Trace{
		Pipeline: "web-app",
		Status:   report.StatusUnstable,
		Tests: map[string]map[string]report.TestSummary{
			"unit": {"a.xml": {Total: 3, Passed: 2, Failed: 1}, "b.xml": {Total: 1, Passed: 1}},
		},
	})

	if got := testutil.ToFloat64(r.StageResults.WithLabelValues("unit", "leaf", "failure")); got != 1 {
		t.Fatalf("unexpected failure count %v", got)
	}
	if got := testutil.ToFloat64(r.PipelineStatus.WithLabelValues("web-app", "unstable")); got != 1 {
		t.Fatalf("expected unstable status gauge set, got %v", got)
	}
	if got := testutil.ToFloat64(r.PipelineStatus.WithLabelValues("web-app", "success")); got != 0 {
		t.Fatalf("expected success gauge cleared, got %v", got)
	}
	if got := testutil.ToFloat64(r.TestCases.WithLabelValues("unit", "passed")); got != 3 {
		t.Fatalf("expected union of stage reports, got %v", got)
	}
	if n := testutil.CollectAndCount(r.StageDuration); n != 1 {
		t.Fatalf("skipped stages must not observe durations, got %d series", n)
	}
}

func TestWriteTextfile(t *testing.T) {
	r := NewRecorder()
	r.StageFinished(&pipeline.Stage{ID: "unit", Kind: pipeline.KindLeaf}, &report.StageResult{Status: report.StatusSuccess})
	path := filepath.Join(t.TempDir(), "conveyor.prom")
	if err := r.WriteTextfile(path); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), `conveyor_stage_results_total{kind="leaf",stage="unit",status="success"} 1`) {
		t.Fatalf("unexpected textfile:\n%s", data)
	}
}

package output

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/bgricker/conveyor/internal/pipeline"
	"github.com/bgricker/conveyor/internal/report"
	"github.com/bgricker/conveyor/internal/sink"
)

func samplePipeline() *pipeline.Pipeline {
	return &pipeline.Pipeline{
		Name: "web-app",
		Path: "conveyor.yml",
		Root: &pipeline.Stage{ID: "root", Kind: pipeline.KindSequential, Children: []*pipeline.Stage{
			{ID: "build", Kind: pipeline.KindLeaf, Actions: []pipeline.Action{{Name: "Compile", Run: "go build"}}},
			{ID: "tests", Kind: pipeline.KindParallel, FailFast: true, Children: []*pipeline.Stage{
				{ID: "unit", Kind: pipeline.KindLeaf, Agent: &pipeline.AgentSpec{Image: "golang:1.25"}, Actions: []pipeline.Action{{Run: "go test ./..."}}},
			}},
			{ID: "deploy", Kind: pipeline.KindLeaf, When: `branch == "main"`, Actions: []pipeline.Action{{Run: "./deploy.sh"}}},
		}},
		Warnings: []pipeline.Warning{{Stage: "deploy", Message: "no post hooks"}},
	}
}

func TestPrettyRenderList(t *testing.T) {
	buf := &bytes.Buffer{}
	if err := NewPretty(buf).RenderList(samplePipeline()); err != nil {
		t.Fatalf("render list: %v", err)
	}

	out := buf.String()
	for _, want := range []string{
		"Pipeline web-app (conveyor.yml)",
		"• Compile",
		"• go test ./...",
		"tests [fail-fast]",
		"unit [image golang:1.25]",
		`deploy [when branch == "main"]`,
		"warning deploy: no post hooks",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output, got:\n%s", want, out)
		}
	}
}

func TestPrettyRenderTrace(t *testing.T) {
	code := 1
	root := &report.StageResult{StageID: "root", Kind: report.KindSequential, Status: report.StatusFailure, Duration: 2 * time.Second, Children: []*report.StageResult{
		{StageID: "build", Kind: report.KindLeaf, Status: report.StatusSuccess, Duration: 123456789, Actions: []report.ActionResult{
			{Name: "Compile", Command: "go build", Status: report.StatusSuccess, Duration: 123456789},
		}},
		{StageID: "test", Kind: report.KindLeaf, Status: report.StatusFailure, ExitCode: &code, Actions: []report.ActionResult{
			{Command: "go test", Status: report.StatusFailure, ExitCode: 1, Stderr: "Randomized with seed 1\n--- FAIL: TestX\nboom"},
		}, Hooks: []report.HookResult{{Name: "junit-1", Kind: "junit", Status: report.StatusFailure, Message: "no files match"}},
			Reports: []report.Report{{Name: "junit.xml", Kind: report.ReportJUnit, PublishedAs: "run-1/test/junit.xml", Summary: &report.TestSummary{Total: 4, Passed: 3, Failed: 1}}}},
		{StageID: "deploy", Kind: report.KindLeaf, Status: report.StatusSkipped, Reason: "upstream failure"},
	}}
	trace := &report.Trace{
		RunID: "run-1", Pipeline: "web-app", Branch: "main", Status: report.StatusFailure,
		Root: root, Summary: report.Summarize(root), Duration: 2 * time.Second,
		TestTotals: report.TestSummary{Total: 4, Passed: 3, Failed: 1},
		Artifacts: []sink.Artifact{
			{Key: "test/junit.xml", Size: 1000},
			{Key: "build/build.log", Size: 500},
		},
	}

	buf := &bytes.Buffer{}
	if err := NewPretty(buf).RenderTrace(trace); err != nil {
		t.Fatalf("render trace: %v", err)
	}

	out := buf.String()
	for _, want := range []string{
		"Pipeline web-app on main (run run-1)",
		"✓ Compile",
		"✗ go test",
		"--- FAIL: TestX",
		"post junit-1 failure: no files match",
		"report junit.xml (3/4 passed) -> run-1/test/junit.xml",
		"- deploy upstream failure",
		"SUMMARY: failure, 1 passed, 1 failed, 0 unstable, 1 skipped, 0 aborted",
		"TESTS: 4 total, 3 passed, 1 failed, 0 skipped",
		"ARTIFACTS: 2 published (1.5kB)",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output, got:\n%s", want, out)
		}
	}
	if strings.Contains(out, "Randomized with seed") {
		t.Fatalf("expected noise to be dropped, got:\n%s", out)
	}
}

func TestCleanErrorOutputFallsBackToTail(t *testing.T) {
	got := cleanErrorOutput("one\ntwo\nthree\nfour\nfive\nsix\n")
	if got != "two\nthree\nfour\nfive\nsix" {
		t.Fatalf("unexpected tail %q", got)
	}
}

func TestStreamRenderer(t *testing.T) {
	buf := &bytes.Buffer{}
	s := NewStream(buf)
	leaf := &pipeline.Stage{ID: "unit", Kind: pipeline.KindLeaf}
	group := &pipeline.Stage{ID: "tests", Kind: pipeline.KindParallel}

	s.StageStarted(group)
	s.StageStarted(leaf)
	s.StageFinished(leaf, &report.StageResult{Status: report.StatusUnstable, Duration: time.Second})
	s.StageFinished(group, &report.StageResult{Status: report.StatusUnstable})
	if err := s.RenderSummary(&report.Trace{Status: report.StatusUnstable, Summary: report.Summary{Unstable: 1}}); err != nil {
		t.Fatalf("summary: %v", err)
	}

	want := "▶ unit\n! unit unstable (1s)\nSUMMARY: unstable, 0 passed, 0 failed, 1 unstable, 0 skipped (0s)\n"
	if buf.String() != want {
		t.Fatalf("unexpected stream output:\n%q\nwant\n%q", buf.String(), want)
	}
}

package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/bgricker/conveyor/internal/report"
)

// workspace copies a testdata pipeline into a temporary directory as
// conveyor.yml and makes it the working directory.
func workspace(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", "pipelines", name))
	if err != nil {
		t.Fatalf("read testdata %s: %v", name, err)
	}
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "conveyor.yml"), data, 0o644); err != nil {
		t.Fatalf("write pipeline: %v", err)
	}
	t.Chdir(dir)
	return dir
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCmd()
	cmd.SetArgs(args)
	out := &bytes.Buffer{}
	errBuf := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(errBuf)
	err := cmd.Execute()
	return out.String(), errBuf.String(), err
}

func requirePOSIX(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("execution test requires a POSIX shell")
	}
}

func TestRunCommandFeatureBranch(t *testing.T) {
	requirePOSIX(t)
	dir := workspace(t, "web_app.yml")

	out, stderr, err := execute(t, "run", "--branch", "feature/login", "--metrics-file", "metrics.prom")
	if err != nil {
		t.Fatalf("command execute: %v\nstderr: %s", err, stderr)
	}

	for _, want := range []string{
		"Pipeline web-app on feature/login",
		"✓ compile",
		"✓ unit tests",
		"report junit.xml (2/2 passed)",
		"- deploy condition false",
		"SUMMARY: success, 3 passed, 0 failed, 0 unstable, 1 skipped, 0 aborted",
		"TESTS: 2 total, 2 passed, 0 failed, 0 skipped",
		"ARTIFACTS: 1 published",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output, got:\n%s", want, out)
		}
	}
	if strings.Contains(out, "ship") {
		t.Fatalf("deploy actions must not run on a feature branch:\n%s", out)
	}

	metrics, err := os.ReadFile(filepath.Join(dir, "metrics.prom"))
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	if !strings.Contains(string(metrics), `conveyor_pipeline_status{pipeline="web-app",status="success"} 1`) {
		t.Fatalf("unexpected metrics:\n%s", metrics)
	}

	runs, err := os.ReadDir(filepath.Join(dir, ".conveyor", "reports"))
	if err != nil || len(runs) != 1 {
		t.Fatalf("expected one published run directory, got %v, %v", runs, err)
	}
	if left, _ := os.ReadDir(filepath.Join(dir, ".conveyor", "runs")); len(left) != 0 {
		t.Fatalf("run directory must be removed after the run, found %v", left)
	}
}

func TestRunCommandMainBranchDeploys(t *testing.T) {
	requirePOSIX(t)
	workspace(t, "web_app.yml")

	out, _, err := execute(t, "run", "--branch", "main")
	if err != nil {
		t.Fatalf("command execute: %v", err)
	}
	if !strings.Contains(out, "✓ ship") || !strings.Contains(out, "4 passed") {
		t.Fatalf("expected deploy to run on main, got:\n%s", out)
	}
}

func TestRunCommandFailure(t *testing.T) {
	requirePOSIX(t)
	workspace(t, "failing.yml")

	out, _, err := execute(t, "run", "--branch", "main")
	if err == nil {
		t.Fatalf("expected error for failing pipeline")
	}
	var ee *exitError
	if !errors.As(err, &ee) || ee.code != 1 || err.Error() != "pipeline failed" {
		t.Fatalf("unexpected error: %#v", err)
	}
	for _, want := range []string{
		"✓ first",
		"✗ explode",
		"kaboom",
		"- third upstream failure",
		"SUMMARY: failure, 1 passed, 1 failed, 0 unstable, 1 skipped, 0 aborted",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output, got:\n%s", want, out)
		}
	}
}

func TestRunCommandUnstable(t *testing.T) {
	requirePOSIX(t)
	workspace(t, "unstable.yml")

	out, _, err := execute(t, "run", "--branch", "main")
	if err != nil {
		t.Fatalf("unstable pipelines succeed by default, got %v", err)
	}
	if !strings.Contains(out, "SUMMARY: unstable") {
		t.Fatalf("expected unstable summary, got:\n%s", out)
	}

	_, _, err = execute(t, "run", "--branch", "main", "--fail-on-unstable")
	var ee *exitError
	if !errors.As(err, &ee) || ee.code != 2 {
		t.Fatalf("expected exit code 2 with --fail-on-unstable, got %v", err)
	}
}

func TestRunCommandRedactsSecrets(t *testing.T) {
	requirePOSIX(t)
	workspace(t, "secrets.yml")

	out, _, err := execute(t, "run", "--branch", "main", "--verbose", "--credential", "registry-token=literal:s3cret")
	if err != nil {
		t.Fatalf("command execute: %v", err)
	}
	if !strings.Contains(out, "[publish] token=***") {
		t.Fatalf("expected redacted live output, got:\n%s", out)
	}
	if strings.Contains(out, "s3cret") {
		t.Fatalf("secret leaked into output:\n%s", out)
	}
}

func TestRunCommandUnboundSecret(t *testing.T) {
	requirePOSIX(t)
	workspace(t, "secrets.yml")

	out, _, err := execute(t, "run", "--branch", "main")
	if err == nil || err.Error() != "pipeline failed" {
		t.Fatalf("expected pipeline failure, got %v", err)
	}
	if !strings.Contains(out, "secret resolution failed") || strings.Contains(out, "login") {
		t.Fatalf("expected failure before any action ran, got:\n%s", out)
	}
}

func TestRunCommandDryRunJSON(t *testing.T) {
	workspace(t, "web_app.yml")

	out, _, err := execute(t, "run", "--branch", "main", "--dry-run", "--format", "json")
	if err != nil {
		t.Fatalf("command execute: %v", err)
	}
	var trace report.Trace
	if err := json.Unmarshal([]byte(out), &trace); err != nil {
		t.Fatalf("decode output: %v\n%s", err, out)
	}
	if trace.Status != report.StatusSuccess || trace.Pipeline != "web-app" || trace.Branch != "main" {
		t.Fatalf("unexpected trace header: %+v", trace)
	}
	build := trace.Root.Find("build")
	if build == nil || len(build.Actions) != 1 || !build.Actions[0].DryRun {
		t.Fatalf("expected dry-run action for build, got %+v", build)
	}
	if _, err := os.Stat("build.txt"); err == nil {
		t.Fatalf("dry run must not execute commands")
	}
}

func TestRunCommandStageFilters(t *testing.T) {
	requirePOSIX(t)
	workspace(t, "web_app.yml")

	out, _, err := execute(t, "run", "--branch", "main", "--only-stage", "build", "--skip-stage", "/^deploy$/")
	if err != nil {
		t.Fatalf("command execute: %v", err)
	}
	if !strings.Contains(out, "1 passed") || strings.Contains(out, "unit tests") {
		t.Fatalf("expected only build to run, got:\n%s", out)
	}

	if _, _, err := execute(t, "run", "--only-stage", "nothing-matches"); !errors.Is(err, errNoStages) {
		t.Fatalf("expected errNoStages, got %v", err)
	}
}

func TestStatusError(t *testing.T) {
	if err := statusError(&report.Trace{Status: report.StatusSuccess}, nil, true); err != nil {
		t.Fatalf("success must not error: %v", err)
	}
	err := statusError(&report.Trace{Status: report.StatusAborted}, nil, false)
	var ee *exitError
	if !errors.As(err, &ee) || ee.code != 130 || !strings.Contains(err.Error(), "pipeline aborted") {
		t.Fatalf("unexpected aborted error: %v", err)
	}
}

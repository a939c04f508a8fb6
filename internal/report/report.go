package report

import (
	"time"

	"github.com/bgricker/conveyor/internal/sink"
)

// Status is the outcome of a stage, action or hook.
type Status string

const (
	StatusSuccess  Status = "success"
	StatusFailure  Status = "failure"
	StatusUnstable Status = "unstable"
	StatusSkipped  Status = "skipped"
	// StatusAborted marks work interrupted or never started because the run was cancelled.
	StatusAborted Status = "aborted"
)

// Kind values mirror the stage body kinds.
const (
	KindSequential = "sequential"
	KindParallel   = "parallel"
	KindLeaf       = "leaf"
)

// StageResult captures the outcome of a single stage and its subtree.
type StageResult struct {
	StageID    string         `json:"stage_id"`
	Kind       string         `json:"kind"`
	Status     Status         `json:"status"`
	Reason     string         `json:"reason,omitempty"`
	ExitCode   *int           `json:"exit_code,omitempty"`
	Agent      string         `json:"agent,omitempty"`
	Started    time.Time      `json:"started"`
	Duration   time.Duration  `json:"-"`
	DurationMS int64          `json:"duration_ms"`
	Actions    []ActionResult `json:"actions,omitempty"`
	Hooks      []HookResult   `json:"hooks,omitempty"`
	Reports    []Report       `json:"reports,omitempty"`
	Tests      *TestSummary   `json:"tests,omitempty"`
	Children   []*StageResult `json:"children,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// ActionResult captures the outcome of a single action.
type ActionResult struct {
	Name       string        `json:"name"`
	Command    string        `json:"command"`
	Status     Status        `json:"status"`
	ExitCode   int           `json:"exit_code"`
	TimedOut   bool          `json:"timed_out,omitempty"`
	Stdout     string        `json:"stdout,omitempty"`
	Stderr     string        `json:"stderr,omitempty"`
	Duration   time.Duration `json:"-"`
	DurationMS int64         `json:"duration_ms"`
	DryRun     bool          `json:"dry_run,omitempty"`
}

// HookResult captures the outcome of a post hook.
type HookResult struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Status   Status `json:"status"`
	Required bool   `json:"required,omitempty"`
	Message  string `json:"message,omitempty"`
}

// Report kinds.
const (
	ReportJUnit = "junit"
	ReportHTML  = "html"
	ReportFile  = "file"
)

// Report describes a report or artifact produced by a stage and published to the sink.
type Report struct {
	Name        string       `json:"name"`
	Kind        string       `json:"kind"`
	SourcePath  string       `json:"source_path"`
	PublishedAs string       `json:"published_as,omitempty"`
	Digest      string       `json:"digest,omitempty"`
	Summary     *TestSummary `json:"summary,omitempty"`
}

// TestSummary aggregates test case counts from structured results.
type TestSummary struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// Add returns the sum of two summaries.
func (s TestSummary) Add(o TestSummary) TestSummary {
	return TestSummary{
		Total:   s.Total + o.Total,
		Passed:  s.Passed + o.Passed,
		Failed:  s.Failed + o.Failed,
		Skipped: s.Skipped + o.Skipped,
	}
}

// Summary aggregates pipeline execution results.
type Summary struct {
	Stages   int `json:"stages"`
	Leaves   int `json:"leaves"`
	Passed   int `json:"passed"`
	Failed   int `json:"failed"`
	Unstable int `json:"unstable"`
	Skipped  int `json:"skipped"`
	Aborted  int `json:"aborted"`
	ExitCode int `json:"exit_code"`
}

// Trace is the complete record of one pipeline run.
type Trace struct {
	RunID      string                            `json:"run_id"`
	Pipeline   string                            `json:"pipeline"`
	Branch     string                            `json:"branch"`
	Status     Status                            `json:"status"`
	Root       *StageResult                      `json:"root"`
	Started    time.Time                         `json:"started"`
	Duration   time.Duration                     `json:"-"`
	DurationMS int64                             `json:"duration_ms"`
	Summary    Summary                           `json:"summary"`
	Tests      map[string]map[string]TestSummary `json:"tests,omitempty"`
	TestTotals TestSummary                       `json:"test_totals"`
	Artifacts  []sink.Artifact                   `json:"artifacts,omitempty"`
}

// Walk visits results depth-first in execution order.
func (r *StageResult) Walk(fn func(res *StageResult, depth int)) {
	r.walk(fn, 0)
}

func (r *StageResult) walk(fn func(*StageResult, int), depth int) {
	if r == nil {
		return
	}
	fn(r, depth)
	for _, child := range r.Children {
		child.walk(fn, depth+1)
	}
}

// Find returns the result for the given stage ID within the subtree.
func (r *StageResult) Find(id string) *StageResult {
	var found *StageResult
	r.Walk(func(res *StageResult, _ int) {
		if found == nil && res.StageID == id {
			found = res
		}
	})
	return found
}

// Summarize counts leaf outcomes in the trace and derives the exit code.
func Summarize(root *StageResult) Summary {
	var s Summary
	root.Walk(func(res *StageResult, _ int) {
		s.Stages++
		if res.Kind != KindLeaf {
			return
		}
		s.Leaves++
		switch res.Status {
		case StatusSuccess:
			s.Passed++
		case StatusFailure:
			s.Failed++
		case StatusUnstable:
			s.Unstable++
		case StatusSkipped:
			s.Skipped++
		case StatusAborted:
			s.Aborted++
		}
	})
	if root != nil {
		s.ExitCode = ExitCode(root.Status)
	}
	return s
}

// ExitCode maps an overall status to a process exit code.
func ExitCode(status Status) int {
	switch status {
	case StatusSuccess, StatusSkipped:
		return 0
	case StatusUnstable:
		return 2
	case StatusAborted:
		return 130
	default:
		return 1
	}
}

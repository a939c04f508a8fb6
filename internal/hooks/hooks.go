// Package hooks runs the post hooks attached to a stage.
//
// Hooks always run, whatever the stage's outcome, and on a context that
// ignores run cancellation so reports are still published after an abort.
// Run hooks see the stage outcome in CONVEYOR_STAGE_STATUS. Publishing hooks
// of a skipped stage are recorded as skipped. A hook can downgrade Success
// to Unstable but never touches a Failure.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bgricker/conveyor/internal/agent"
	"github.com/bgricker/conveyor/internal/envscope"
	"github.com/bgricker/conveyor/internal/pipeline"
	"github.com/bgricker/conveyor/internal/report"
	"github.com/bgricker/conveyor/internal/runner"
)

// Environment variables exported to run hooks.
const (
	EnvStageID     = "CONVEYOR_STAGE_ID"
	EnvStageStatus = "CONVEYOR_STAGE_STATUS"
)

// Invocation is one stage's hook run.
type Invocation struct {
	Stage *pipeline.Stage
	// Status is the stage status computed before hooks ran.
	Status report.Status
	// Context is the stage's live agent, or nil to use Default.
	Context *agent.Context
	Scope   envscope.Scope
}

// Outcome is what the hooks produced.
type Outcome struct {
	Status  report.Status
	Hooks   []report.HookResult
	Reports []report.Report
}

// Runner executes post hooks.
type Runner struct {
	Aggregator *report.Aggregator
	Actions    *runner.Runner
	// Default is used for stages without a live agent context.
	Default *agent.Context
	Logger  *slog.Logger
}

// Run executes inv.Stage's hooks in declared order.
func (r *Runner) Run(ctx context.Context, inv Invocation) Outcome {
	out := Outcome{Status: inv.Status}
	if len(inv.Stage.Post) == 0 {
		return out
	}
	ctx = context.WithoutCancel(ctx)
	log := r.logger().With("stage", inv.Stage.ID)

	dryRun := r.Actions != nil && r.Actions.DryRun()
	inv.Scope = inv.Scope.Overlay(map[string]string{
		EnvStageID:     inv.Stage.ID,
		EnvStageStatus: string(inv.Status),
	}, nil)

	ectx := inv.Context
	if ectx == nil {
		ectx = r.Default
	}

	for _, hook := range inv.Stage.Post {
		res := report.HookResult{Name: hook.Name, Kind: hook.Kind, Required: hook.Required}
		skipReason := ""
		switch {
		case dryRun:
			skipReason = "dry run"
		case inv.Status == report.StatusSkipped && hook.Kind != pipeline.HookRun:
			skipReason = "stage skipped"
		}
		if skipReason != "" {
			res.Status = report.StatusSkipped
			res.Message = skipReason
			out.Hooks = append(out.Hooks, res)
			continue
		}

		reports, err := r.runHook(ctx, inv, hook, ectx)
		out.Reports = append(out.Reports, reports...)
		if err != nil {
			res.Status = report.StatusFailure
			res.Message = inv.Scope.Redact(err.Error())
			log.Warn("post hook failed", "hook", hook.Name, "kind", hook.Kind, "required", hook.Required, "error", res.Message)
			if hook.Required {
				out.Status = report.Escalate(out.Status)
			}
		} else {
			res.Status = report.StatusSuccess
		}
		for _, rep := range reports {
			if rep.Summary != nil && rep.Summary.Failed > 0 {
				if res.Message == "" {
					res.Message = fmt.Sprintf("%d of %d tests failed", rep.Summary.Failed, rep.Summary.Total)
				}
				out.Status = report.Escalate(out.Status)
			}
		}
		out.Hooks = append(out.Hooks, res)
	}
	return out
}

func (r *Runner) runHook(ctx context.Context, inv Invocation, hook pipeline.PostHook, ectx *agent.Context) ([]report.Report, error) {
	switch hook.Kind {
	case pipeline.HookRun:
		return nil, r.runCommand(ctx, inv, hook, ectx)
	case pipeline.HookJUnit, pipeline.HookArchive:
		kind := report.ReportJUnit
		if hook.Kind == pipeline.HookArchive {
			kind = report.ReportFile
		}
		pattern, err := expandPath(inv.Scope, hook.Path)
		if err != nil {
			return nil, err
		}
		return r.ingestGlob(ctx, inv.Stage.ID, pattern, kind, workspaceOf(ectx))
	case pipeline.HookHTML:
		dir, err := expandPath(inv.Scope, hook.Path)
		if err != nil {
			return nil, err
		}
		return r.ingestBundle(ctx, inv.Stage.ID, dir, workspaceOf(ectx))
	default:
		return nil, fmt.Errorf("unknown hook kind %q", hook.Kind)
	}
}

func (r *Runner) runCommand(ctx context.Context, inv Invocation, hook pipeline.PostHook, ectx *agent.Context) error {
	if r.Actions == nil {
		return errors.New("no action runner configured")
	}
	res := r.Actions.Run(ctx, inv.Stage.ID, pipeline.Action{Name: hook.Name, Run: hook.Run}, ectx.Target(), inv.Scope)
	switch res.Status {
	case report.StatusSuccess, report.StatusSkipped:
		return nil
	}
	msg := lastLine(res.Stderr)
	if res.TimedOut {
		msg = "timed out"
	}
	if msg == "" {
		return fmt.Errorf("exit code %d", res.ExitCode)
	}
	return fmt.Errorf("exit code %d: %s", res.ExitCode, msg)
}

func (r *Runner) ingestGlob(ctx context.Context, stageID, path, kind, workspace string) ([]report.Report, error) {
	if r.Aggregator == nil {
		return nil, errors.New("no report aggregator configured")
	}
	pattern := resolve(workspace, path)
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, &report.IngestError{StageID: stageID, Path: path, Err: err}
	}
	files := matches[:0]
	for _, m := range matches {
		if info, err := os.Stat(m); err == nil && !info.IsDir() {
			files = append(files, m)
		}
	}
	if len(files) == 0 {
		return nil, &report.IngestError{StageID: stageID, Path: path, Err: errors.New("no files match")}
	}
	sort.Strings(files)

	var (
		reports []report.Report
		errs    []error
	)
	for _, f := range files {
		rep, err := r.Aggregator.Ingest(ctx, stageID, report.Report{
			Name:       reportName(workspace, f),
			Kind:       kind,
			SourcePath: f,
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		reports = append(reports, rep)
	}
	return reports, errors.Join(errs...)
}

func (r *Runner) ingestBundle(ctx context.Context, stageID, path, workspace string) ([]report.Report, error) {
	if r.Aggregator == nil {
		return nil, errors.New("no report aggregator configured")
	}
	dir := resolve(workspace, path)
	rep, err := r.Aggregator.Ingest(ctx, stageID, report.Report{
		Name:       reportName(workspace, dir),
		Kind:       report.ReportHTML,
		SourcePath: dir,
	})
	if err != nil {
		return nil, err
	}
	return []report.Report{rep}, nil
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return r.Logger
}

func workspaceOf(c *agent.Context) string {
	if c == nil {
		return ""
	}
	return c.Workspace
}

// expandPath substitutes $VAR and ${VAR} from the stage scope. Secrets are
// refused so they never end up in published report names.
func expandPath(scope envscope.Scope, p string) (string, error) {
	var secret string
	out := os.Expand(p, func(name string) string {
		if scope.Secret(name) {
			secret = name
			return ""
		}
		v, _ := scope.Lookup(name)
		return v
	})
	if secret != "" {
		return "", fmt.Errorf("report path %q references secret %s", p, secret)
	}
	return out, nil
}

func resolve(workspace, p string) string {
	if filepath.IsAbs(p) || workspace == "" {
		return p
	}
	return filepath.Join(workspace, p)
}

// reportName is the path relative to the workspace, or the base name when
// the file lives elsewhere.
func reportName(workspace, p string) string {
	if workspace != "" {
		if rel, err := filepath.Rel(workspace, p); err == nil && !strings.HasPrefix(rel, "..") {
			return filepath.ToSlash(rel)
		}
	}
	return filepath.Base(p)
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\n")
	if idx := strings.LastIndex(s, "\n"); idx >= 0 {
		return s[idx+1:]
	}
	return s
}

// Package engine walks a pipeline's stage tree and computes its result.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bgricker/conveyor/internal/agent"
	"github.com/bgricker/conveyor/internal/condition"
	"github.com/bgricker/conveyor/internal/envscope"
	"github.com/bgricker/conveyor/internal/hooks"
	"github.com/bgricker/conveyor/internal/pipeline"
	"github.com/bgricker/conveyor/internal/report"
	"github.com/bgricker/conveyor/internal/runctx"
	"github.com/bgricker/conveyor/internal/runner"
	"github.com/bgricker/conveyor/internal/secrets"
)

// ErrCancelled is returned by Run when the pipeline was aborted.
var ErrCancelled = errors.New("pipeline cancelled")

// Reasons recorded on stages that did not run normally.
const (
	ReasonConditionFalse  = "condition false"
	ReasonConditionError  = "condition error"
	ReasonProvisionFailed = "agent provisioning failed"
	ReasonSecretFailed    = "secret resolution failed"
	ReasonUpstreamFailure = "upstream failure"
	ReasonParentSkipped   = "parent skipped"
	ReasonParentFailed    = "parent failed before children ran"
	ReasonCancelled       = "cancelled"
)

var errFailFast = errors.New("fail fast")

// ActionRunner executes a single action.
type ActionRunner interface {
	Run(ctx context.Context, stageID string, action pipeline.Action, target runner.Target, scope envscope.Scope) report.ActionResult
}

// HookRunner executes a stage's post hooks.
type HookRunner interface {
	Run(ctx context.Context, inv hooks.Invocation) hooks.Outcome
}

// Options configure an Engine.
type Options struct {
	Run         *runctx.RunContext
	Provisioner agent.Provisioner
	Actions     ActionRunner
	Hooks       HookRunner
	Conditions  *condition.Evaluator
	Secrets     secrets.Resolver
	Aggregator  *report.Aggregator
	Observer    Observer
	Logger      *slog.Logger
	// DefaultAgent is acquired for the run root; nil means the provisioner's default.
	DefaultAgent *pipeline.AgentSpec
	// HostEnv seeds the root scope. Defaults to os.Environ().
	HostEnv []string
	Now     func() time.Time
}

// Engine executes stage trees. An Engine runs one pipeline at a time.
type Engine struct {
	run        *runctx.RunContext
	leases     *agent.Tracker
	actions    ActionRunner
	hooks      HookRunner
	conditions *condition.Evaluator
	bindings   secrets.Bindings
	aggregator *report.Aggregator
	observer   Observer
	logger     *slog.Logger
	defAgent   *pipeline.AgentSpec
	hostEnv    []string
	now        func() time.Time
}

// New creates an engine from opts.
func New(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Conditions == nil {
		opts.Conditions = condition.NewEvaluator()
	}
	if opts.Observer == nil {
		opts.Observer = Observers{}
	}
	if opts.HostEnv == nil {
		opts.HostEnv = os.Environ()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Secrets == nil {
		opts.Secrets = secrets.NewMultiResolver("")
	}
	var creds map[string]string
	if opts.Run != nil {
		creds = opts.Run.Credentials
	}
	return &Engine{
		run:        opts.Run,
		leases:     agent.NewTracker(opts.Provisioner),
		actions:    opts.Actions,
		hooks:      opts.Hooks,
		conditions: opts.Conditions,
		bindings:   secrets.Bindings{Refs: creds, Resolver: opts.Secrets},
		aggregator: opts.Aggregator,
		observer:   opts.Observer,
		logger:     opts.Logger,
		defAgent:   opts.DefaultAgent,
		hostEnv:    opts.HostEnv,
		now:        opts.Now,
	}
}

// Run executes pl's root stage and returns the trace. The error wraps
// ErrCancelled when the run was aborted; stage failures are reported through
// the trace status, not the error.
func (e *Engine) Run(ctx context.Context, pl *pipeline.Pipeline) (*report.Trace, error) {
	if pl == nil || pl.Root == nil {
		return nil, errors.New("pipeline has no stages")
	}
	if e.run == nil {
		return nil, errors.New("engine has no run context")
	}
	start := e.now()
	trace := &report.Trace{Pipeline: pl.Name, Started: start, RunID: e.run.ID, Branch: e.run.Branch}
	log := e.logger.With("run", trace.RunID, "pipeline", pl.Name)
	log.Info("pipeline started", "branch", trace.Branch)

	scope := envscope.New(e.hostEnv, nil)
	root, err := e.leases.Acquire(ctx, pl.Root.ID, e.defAgent, nil)
	if err != nil {
		trace.Root = e.unstarted(ctx, pl.Root, scope, nil, report.StatusFailure, ReasonProvisionFailed, err)
	} else {
		trace.Root = e.Execute(ctx, pl.Root, scope, root)
		if rerr := e.leases.Release(context.WithoutCancel(ctx), root); rerr != nil {
			log.Error("release default agent", "error", rerr)
		}
	}

	trace.Status = trace.Root.Status
	trace.Duration = e.now().Sub(start)
	trace.DurationMS = trace.Duration.Milliseconds()
	trace.Summary = report.Summarize(trace.Root)
	trace.Summary.ExitCode = report.ExitCode(trace.Status)
	if e.aggregator != nil {
		trace.Tests = e.aggregator.Summaries()
		trace.TestTotals = e.aggregator.Totals()
		arts, err := e.aggregator.Published(context.WithoutCancel(ctx))
		if err != nil {
			log.Warn("list published artifacts", "error", err)
		}
		trace.Artifacts = arts
	}
	if obs, ok := e.observer.(PipelineObserver); ok {
		obs.PipelineFinished(trace)
	}
	if live := e.leases.Live(); live != 0 {
		log.Error("agents not released", "count", live)
		return trace, fmt.Errorf("%d agent(s) not released", live)
	}
	log.Info("pipeline finished", "status", trace.Status, "duration", trace.Duration)

	if trace.Status == report.StatusAborted || ctx.Err() != nil {
		cause := context.Cause(ctx)
		if cause == nil {
			cause = errors.New("stage aborted")
		}
		return trace, fmt.Errorf("%w: %w", ErrCancelled, cause)
	}
	return trace, nil
}

// Execute runs st with the inherited scope and parent agent context. The
// returned result is complete: every descendant has a result and every
// node's post hooks have run exactly once.
func (e *Engine) Execute(ctx context.Context, st *pipeline.Stage, scope envscope.Scope, parent *agent.Context) *report.StageResult {
	if ctx.Err() != nil {
		return e.unstarted(ctx, st, scope, parent, report.StatusAborted, ReasonCancelled, nil)
	}

	ok, err := e.conditions.Evaluate(st.When, e.run)
	if err != nil {
		return e.unstarted(ctx, st, scope, parent, report.StatusFailure, ReasonConditionError, err)
	}
	if !ok {
		return e.unstarted(ctx, st, scope, parent, report.StatusSkipped, ReasonConditionFalse, nil)
	}

	res := e.begin(st)
	log := e.logger.With("stage", st.ID)

	ectx := parent
	if st.Agent != nil {
		acquired, err := e.leases.Acquire(ctx, st.ID, st.Agent, parent)
		if err != nil {
			log.Error("agent provisioning failed", "error", err)
			res.Status = report.StatusFailure
			res.Reason = ReasonProvisionFailed
			res.Error = err.Error()
			e.skipChildren(ctx, st, res, scope, parent, report.StatusSkipped, ReasonParentFailed)
			return e.finish(ctx, st, res, scope, parent)
		}
		// Release after hooks, on every path.
		defer func() {
			if err := e.leases.Release(context.WithoutCancel(ctx), acquired); err != nil {
				log.Error("agent release failed", "agent", acquired.ID, "error", err)
			}
		}()
		ectx = acquired
		res.Agent = acquired.ID
		for _, w := range acquired.Warnings {
			log.Warn(w, "agent", acquired.ID)
		}
	}

	resolved, err := e.resolveSecrets(ctx, st)
	if err != nil {
		log.Error("secret resolution failed", "error", err)
		res.Status = report.StatusFailure
		res.Reason = ReasonSecretFailed
		res.Error = err.Error()
		e.skipChildren(ctx, st, res, scope, ectx, report.StatusSkipped, ReasonParentFailed)
		return e.finish(ctx, st, res, scope, ectx)
	}
	scope = scope.Overlay(st.Env, resolved)

	switch st.Kind {
	case pipeline.KindLeaf:
		e.runLeaf(ctx, st, res, scope, ectx)
	case pipeline.KindSequential:
		e.runSequential(ctx, st, res, scope, ectx)
	case pipeline.KindParallel:
		e.runParallel(ctx, st, res, scope, ectx)
	default:
		res.Status = report.StatusFailure
		res.Error = fmt.Sprintf("unknown stage kind %q", st.Kind)
	}
	return e.finish(ctx, st, res, scope, ectx)
}

func (e *Engine) runLeaf(ctx context.Context, st *pipeline.Stage, res *report.StageResult, scope envscope.Scope, ectx *agent.Context) {
	res.Status = report.StatusSuccess
	for _, action := range st.Actions {
		if ctx.Err() != nil {
			res.Status = report.StatusAborted
			res.Reason = ReasonCancelled
			return
		}
		ar := e.actions.Run(ctx, st.ID, action, ectx.Target(), scope)
		res.Actions = append(res.Actions, ar)
		switch ar.Status {
		case report.StatusFailure:
			code := ar.ExitCode
			res.ExitCode = &code
			res.Status = report.StatusFailure
			res.Reason = fmt.Sprintf("action %q failed", action.Name)
			if ar.TimedOut {
				res.Reason = fmt.Sprintf("action %q timed out", action.Name)
			}
			return
		case report.StatusAborted:
			res.Status = report.StatusAborted
			res.Reason = ReasonCancelled
			return
		}
	}
}

func (e *Engine) runSequential(ctx context.Context, st *pipeline.Stage, res *report.StageResult, scope envscope.Scope, ectx *agent.Context) {
	statuses := make([]report.Status, 0, len(st.Children))
	for i, child := range st.Children {
		cr := e.Execute(ctx, child, scope, ectx)
		res.Children = append(res.Children, cr)
		statuses = append(statuses, cr.Status)
		if cr.Status == report.StatusFailure {
			for _, rest := range st.Children[i+1:] {
				skipped := e.unstarted(ctx, rest, scope, ectx, report.StatusSkipped, ReasonUpstreamFailure, nil)
				res.Children = append(res.Children, skipped)
			}
			break
		}
	}
	res.Status = report.Combine(statuses)
}

func (e *Engine) runParallel(ctx context.Context, st *pipeline.Stage, res *report.StageResult, scope envscope.Scope, ectx *agent.Context) {
	results := make([]*report.StageResult, len(st.Children))
	g := new(errgroup.Group)
	gctx := ctx
	if st.FailFast {
		g, gctx = errgroup.WithContext(ctx)
	}
	for i, child := range st.Children {
		g.Go(func() error {
			results[i] = e.Execute(gctx, child, scope, ectx)
			if st.FailFast && results[i].Status == report.StatusFailure {
				return fmt.Errorf("%w: stage %s", errFailFast, child.ID)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		e.logger.Info("parallel stage cancelled siblings", "stage", st.ID, "cause", err)
	}

	statuses := make([]report.Status, len(results))
	for i, cr := range results {
		statuses[i] = cr.Status
	}
	res.Children = results
	res.Status = report.Combine(statuses)
}

// unstarted records st and its subtree without running any action. Post
// hooks still run for every node so publishing steps observe the status.
func (e *Engine) unstarted(ctx context.Context, st *pipeline.Stage, scope envscope.Scope, ectx *agent.Context, status report.Status, reason string, cause error) *report.StageResult {
	res := e.begin(st)
	res.Status = status
	res.Reason = reason
	if cause != nil {
		res.Error = cause.Error()
	}
	childReason := reason
	switch status {
	case report.StatusSkipped:
		if reason == ReasonConditionFalse {
			childReason = ReasonParentSkipped
		}
	case report.StatusFailure:
		status, childReason = report.StatusSkipped, ReasonParentFailed
	}
	e.skipChildren(ctx, st, res, scope, ectx, status, childReason)
	return e.finish(ctx, st, res, scope, ectx)
}

func (e *Engine) skipChildren(ctx context.Context, st *pipeline.Stage, res *report.StageResult, scope envscope.Scope, ectx *agent.Context, status report.Status, reason string) {
	for _, child := range st.Children {
		res.Children = append(res.Children, e.unstarted(ctx, child, scope, ectx, status, reason, nil))
	}
}

func (e *Engine) begin(st *pipeline.Stage) *report.StageResult {
	e.observer.StageStarted(st)
	return &report.StageResult{StageID: st.ID, Kind: st.Kind, Started: e.now()}
}

// finish runs post hooks, stamps the duration and notifies observers.
func (e *Engine) finish(ctx context.Context, st *pipeline.Stage, res *report.StageResult, scope envscope.Scope, ectx *agent.Context) *report.StageResult {
	if e.hooks != nil {
		out := e.hooks.Run(ctx, hooks.Invocation{Stage: st, Status: res.Status, Context: ectx, Scope: scope})
		res.Hooks = out.Hooks
		res.Reports = out.Reports
		if e.aggregator != nil && hasTestReport(out.Reports) {
			tests := e.aggregator.StageSummary(st.ID)
			res.Tests = &tests
		}
		if out.Status != res.Status {
			e.logger.Info("post hooks changed stage status", "stage", st.ID, "from", res.Status, "to", out.Status)
			res.Status = out.Status
		}
	}
	res.Duration = e.now().Sub(res.Started)
	res.DurationMS = res.Duration.Milliseconds()
	e.observer.StageFinished(st, res)
	return res
}

func (e *Engine) resolveSecrets(ctx context.Context, st *pipeline.Stage) (map[string]string, error) {
	if len(st.Secrets) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(st.Secrets))
	var errs []error
	for name, id := range st.Secrets {
		val, err := e.bindings.Resolve(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		out[name] = val
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

func hasTestReport(reports []report.Report) bool {
	for _, rep := range reports {
		if rep.Summary != nil {
			return true
		}
	}
	return false
}

// Package agent provisions the execution environments stages run in.
//
// An agent is acquired per stage that declares one, shared by the stage's
// descendants that do not, and released exactly once when the stage's post
// hooks have finished.
package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/bgricker/conveyor/internal/pipeline"
	"github.com/bgricker/conveyor/internal/runctx"
	"github.com/bgricker/conveyor/internal/runner"
)

// Errors returned by provisioners.
var (
	ErrProvision = errors.New("agent provision error")
	ErrReleased  = errors.New("agent already released")
)

// ProvisionError reports an environment that could not be acquired.
type ProvisionError struct {
	StageID string
	Image   string
	Err     error
}

func (e *ProvisionError) Error() string {
	if e.Image != "" {
		return fmt.Sprintf("provision agent for stage %q (%s): %v", e.StageID, e.Image, e.Err)
	}
	return fmt.Sprintf("provision agent for stage %q: %v", e.StageID, e.Err)
}

// Unwrap exposes both the kind and the cause.
func (e *ProvisionError) Unwrap() []error { return []error{ErrProvision, e.Err} }

// Context is a live execution environment.
type Context struct {
	ID      string
	StageID string
	Image   string
	// Workspace is the host directory holding the stage's files.
	Workspace string
	// Workdir is the workspace path as seen by commands.
	Workdir string
	// Shared is true when Workspace belongs to an ancestor's agent.
	Shared   bool
	HostEnv  bool
	Spawner  runner.Spawner
	Warnings []string

	released atomic.Bool
}

// Target describes where the action runner should execute commands.
func (c *Context) Target() runner.Target {
	if c == nil {
		return runner.Target{}
	}
	return runner.Target{Spawner: c.Spawner, Workspace: c.Workspace, Workdir: c.Workdir, HostEnv: c.HostEnv}
}

// markReleased flips the context to released, failing on the second call.
func (c *Context) markReleased() error {
	if c == nil {
		return nil
	}
	if !c.released.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: %s", ErrReleased, c.ID)
	}
	return nil
}

// Provisioner acquires and releases execution environments.
type Provisioner interface {
	Acquire(ctx context.Context, stageID string, spec *pipeline.AgentSpec, parent *Context) (*Context, error)
	Release(ctx context.Context, c *Context) error
}

// resolveWorkspace applies the workspace policy. A reuse spec with a live
// parent shares the parent's directory; fresh creates an empty directory
// under the run directory; reuse without a parent uses the workspace root.
func resolveWorkspace(rc *runctx.RunContext, stageID string, spec *pipeline.AgentSpec, parent *Context) (dir string, shared bool, err error) {
	policy := pipeline.WorkspaceReuse
	if spec != nil && spec.Workspace != "" {
		policy = spec.Workspace
	}
	switch policy {
	case pipeline.WorkspaceReuse:
		if parent != nil && parent.Workspace != "" && !parent.released.Load() {
			return parent.Workspace, true, nil
		}
		return rc.Workspace, false, nil
	case pipeline.WorkspaceFresh:
		dir = rc.WorkspaceDir(stageID)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", false, fmt.Errorf("create workspace: %w", err)
		}
		return dir, false, nil
	default:
		return "", false, fmt.Errorf("unknown workspace policy %q", policy)
	}
}

// Tracker wraps a provisioner and counts live leases.
type Tracker struct {
	Provisioner
	live atomic.Int64
}

// NewTracker wraps p.
func NewTracker(p Provisioner) *Tracker {
	return &Tracker{Provisioner: p}
}

// Acquire implements Provisioner.
func (t *Tracker) Acquire(ctx context.Context, stageID string, spec *pipeline.AgentSpec, parent *Context) (*Context, error) {
	c, err := t.Provisioner.Acquire(ctx, stageID, spec, parent)
	if err != nil {
		return nil, err
	}
	t.live.Add(1)
	return c, nil
}

// Release implements Provisioner. A double release is not counted.
func (t *Tracker) Release(ctx context.Context, c *Context) error {
	err := t.Provisioner.Release(ctx, c)
	if errors.Is(err, ErrReleased) {
		return err
	}
	t.live.Add(-1)
	return err
}

// Live returns the number of acquired but unreleased contexts.
func (t *Tracker) Live() int64 { return t.live.Load() }

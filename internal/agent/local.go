package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/bgricker/conveyor/internal/pipeline"
	"github.com/bgricker/conveyor/internal/runctx"
	"github.com/bgricker/conveyor/internal/runner"
	"github.com/bgricker/conveyor/internal/version"
)

// LocalProvisioner runs stages directly on the host. Images are advisory:
// when one names a known toolchain the host version is checked against it.
type LocalProvisioner struct {
	Run     *runctx.RunContext
	Spawner runner.Spawner
	Logger  *slog.Logger
	// WarnVersionMismatch enables the host toolchain check.
	WarnVersionMismatch bool
	// Detect overrides version.Detect in tests.
	Detect func(tool string) (version.Info, error)

	seq atomic.Int64
}

// NewLocalProvisioner returns a host provisioner for rc.
func NewLocalProvisioner(rc *runctx.RunContext, spawner runner.Spawner, logger *slog.Logger) *LocalProvisioner {
	if spawner == nil {
		spawner = runner.LocalSpawner{}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &LocalProvisioner{Run: rc, Spawner: spawner, Logger: logger, WarnVersionMismatch: true, Detect: version.Detect}
}

// Acquire implements Provisioner.
func (p *LocalProvisioner) Acquire(_ context.Context, stageID string, spec *pipeline.AgentSpec, parent *Context) (*Context, error) {
	dir, shared, err := resolveWorkspace(p.Run, stageID, spec, parent)
	if err != nil {
		return nil, &ProvisionError{StageID: stageID, Err: err}
	}
	c := &Context{
		ID:        fmt.Sprintf("local-%d", p.seq.Add(1)),
		StageID:   stageID,
		Workspace: dir,
		Workdir:   dir,
		Shared:    shared,
		HostEnv:   true,
		Spawner:   p.Spawner,
	}
	if spec != nil {
		c.Image = spec.Image
		if p.WarnVersionMismatch {
			if warning := p.checkImage(spec.Image); warning != "" {
				c.Warnings = append(c.Warnings, warning)
				p.Logger.Warn(warning, "stage", stageID, "agent", c.ID)
			}
		}
	}
	p.Logger.Debug("acquired agent", "stage", stageID, "agent", c.ID, "workspace", dir, "shared", shared)
	return c, nil
}

func (p *LocalProvisioner) checkImage(image string) string {
	tool, tag, ok := version.ParseImage(image)
	if !ok {
		return ""
	}
	detect := p.Detect
	if detect == nil {
		detect = version.Detect
	}
	info, err := detect(tool)
	if err != nil {
		if version.Missing(err) {
			return fmt.Sprintf("image %s requested but %s is not installed on the host", image, tool)
		}
		return fmt.Sprintf("image %s requested but the host %s version could not be detected: %v", image, tool, err)
	}
	if !version.Matches(tag, info.Version) {
		return fmt.Sprintf("image %s requested but host %s is %s", image, tool, info.Version)
	}
	return ""
}

// Release implements Provisioner. Fresh workspaces stay on disk until the run
// context is closed so they can be inspected with keep_workspaces.
func (p *LocalProvisioner) Release(_ context.Context, c *Context) error {
	if err := c.markReleased(); err != nil {
		return err
	}
	p.Logger.Debug("released agent", "stage", c.StageID, "agent", c.ID)
	return nil
}

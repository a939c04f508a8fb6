package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bgricker/conveyor/internal/pipeline"
	"github.com/bgricker/conveyor/internal/runctx"
	"github.com/bgricker/conveyor/internal/version"
)

func testRun(t *testing.T) *runctx.RunContext {
	t.Helper()
	ws := t.TempDir()
	return &runctx.RunContext{ID: "run-1", Workspace: ws, RunDir: filepath.Join(ws, ".conveyor", "runs", "run-1")}
}

func TestLocalWorkspacePolicies(t *testing.T) {
	rc := testRun(t)
	p := NewLocalProvisioner(rc, nil, nil)
	ctx := context.Background()

	root, err := p.Acquire(ctx, "pipeline", nil, nil)
	if err != nil {
		t.Fatalf("acquire root: %v", err)
	}
	if root.Workspace != rc.Workspace || root.Shared || !root.HostEnv {
		t.Fatalf("expected root to use workspace root, got %+v", root)
	}

	reuse, err := p.Acquire(ctx, "build", &pipeline.AgentSpec{Workspace: pipeline.WorkspaceReuse}, root)
	if err != nil {
		t.Fatalf("acquire reuse: %v", err)
	}
	if reuse.Workspace != root.Workspace || !reuse.Shared {
		t.Fatalf("expected reuse to share parent workspace, got %+v", reuse)
	}

	fresh, err := p.Acquire(ctx, "unit", &pipeline.AgentSpec{Workspace: pipeline.WorkspaceFresh}, root)
	if err != nil {
		t.Fatalf("acquire fresh: %v", err)
	}
	if fresh.Workspace != rc.WorkspaceDir("unit") || fresh.Shared {
		t.Fatalf("unexpected fresh workspace: %+v", fresh)
	}
	entries, err := os.ReadDir(fresh.Workspace)
	if err != nil || len(entries) != 0 {
		t.Fatalf("expected empty fresh workspace, got %v, %v", entries, err)
	}

	if err := p.Release(ctx, root); err != nil {
		t.Fatalf("release root: %v", err)
	}
	orphan, err := p.Acquire(ctx, "late", nil, root)
	if err != nil {
		t.Fatalf("acquire after parent release: %v", err)
	}
	if orphan.Shared {
		t.Fatalf("released parent must not be shared")
	}

	if _, err := p.Acquire(ctx, "bad", &pipeline.AgentSpec{Workspace: "shared"}, nil); !errors.Is(err, ErrProvision) {
		t.Fatalf("expected provision error kind, got %v", err)
	}
}

func TestReleaseOnceAndTracker(t *testing.T) {
	tr := NewTracker(NewLocalProvisioner(testRun(t), nil, nil))
	ctx := context.Background()
	a, _ := tr.Acquire(ctx, "a", nil, nil)
	b, _ := tr.Acquire(ctx, "b", nil, a)
	if tr.Live() != 2 {
		t.Fatalf("expected 2 live leases, got %d", tr.Live())
	}
	if err := tr.Release(ctx, b); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := tr.Release(ctx, b); !errors.Is(err, ErrReleased) {
		t.Fatalf("expected double release error, got %v", err)
	}
	if tr.Live() != 1 {
		t.Fatalf("double release must not change the count, got %d", tr.Live())
	}
	_ = tr.Release(ctx, a)
	if tr.Live() != 0 {
		t.Fatalf("expected no live leases, got %d", tr.Live())
	}
}

func TestLocalVersionWarnings(t *testing.T) {
	p := NewLocalProvisioner(testRun(t), nil, nil)
	p.Detect = func(tool string) (version.Info, error) {
		switch tool {
		case "node":
			return version.Info{Name: "node", Version: "18.19.0"}, nil
		case "go":
			return version.Info{Name: "go", Version: "1.25.1"}, nil
		default:
			return version.Info{}, fmt.Errorf("run: %w", exec.ErrNotFound)
		}
	}
	ctx := context.Background()

	c, _ := p.Acquire(ctx, "fe", &pipeline.AgentSpec{Image: "node:20"}, nil)
	if len(c.Warnings) != 1 || !strings.Contains(c.Warnings[0], "host node is 18.19.0") {
		t.Fatalf("expected mismatch warning, got %v", c.Warnings)
	}
	c, _ = p.Acquire(ctx, "be", &pipeline.AgentSpec{Image: "golang:1.25"}, nil)
	if len(c.Warnings) != 0 {
		t.Fatalf("expected no warning for matching version, got %v", c.Warnings)
	}
	c, _ = p.Acquire(ctx, "rb", &pipeline.AgentSpec{Image: "ruby:3.3"}, nil)
	if len(c.Warnings) != 1 || !strings.Contains(c.Warnings[0], "not installed") {
		t.Fatalf("expected missing tool warning, got %v", c.Warnings)
	}
	c, _ = p.Acquire(ctx, "misc", &pipeline.AgentSpec{Image: "alpine:3"}, nil)
	if len(c.Warnings) != 0 || c.Image != "alpine:3" {
		t.Fatalf("unknown images are not checked, got %+v", c)
	}

	p.WarnVersionMismatch = false
	c, _ = p.Acquire(ctx, "fe2", &pipeline.AgentSpec{Image: "node:20"}, nil)
	if len(c.Warnings) != 0 {
		t.Fatalf("expected warnings disabled, got %v", c.Warnings)
	}
}

func TestContainerConfig(t *testing.T) {
	cfg, hc, err := containerConfig("golang:1.25", "/tmp/ws", []string{
		"--memory=2g", "--cpus", "1.5", "--network=none", "-u", "1000",
		"-v", "/cache:/root/.cache:ro", "-e", "GOFLAGS=-mod=mod",
	})
	if err != nil {
		t.Fatalf("containerConfig: %v", err)
	}
	if cfg.Image != "golang:1.25" || cfg.WorkingDir != ContainerWorkdir || cfg.User != "1000" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if strings.Join(cfg.Entrypoint, " ")+" "+strings.Join(cfg.Cmd, " ") != "sleep infinity" {
		t.Fatalf("expected long-lived container, got %v %v", cfg.Entrypoint, cfg.Cmd)
	}
	if len(cfg.Env) != 1 || cfg.Env[0] != "GOFLAGS=-mod=mod" {
		t.Fatalf("unexpected env: %v", cfg.Env)
	}
	if hc.Resources.Memory != 2*1024*1024*1024 || hc.Resources.NanoCPUs != 1_500_000_000 {
		t.Fatalf("unexpected resources: %+v", hc.Resources)
	}
	if string(hc.NetworkMode) != "none" || len(hc.Mounts) != 2 {
		t.Fatalf("unexpected host config: %+v", hc)
	}
	if hc.Mounts[0].Source != "/tmp/ws" || hc.Mounts[0].Target != ContainerWorkdir {
		t.Fatalf("workspace not mounted: %+v", hc.Mounts[0])
	}
	if !hc.Mounts[1].ReadOnly || hc.Mounts[1].Target != "/root/.cache" {
		t.Fatalf("unexpected volume: %+v", hc.Mounts[1])
	}

	bad := [][]string{{"--privileged"}, {"--memory=lots"}, {"-v", "/only"}, {"-e", "NOVALUE"}, {"--cpus"}, {"positional"}}
	for _, args := range bad {
		if _, _, err := containerConfig("x", "/ws", args); err == nil {
			t.Fatalf("expected error for %v", args)
		}
	}
}

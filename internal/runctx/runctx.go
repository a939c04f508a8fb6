// Package runctx holds the per-invocation run metadata shared by every stage.
package runctx

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

// BranchEnv overrides branch detection when --branch is not given.
const BranchEnv = "CONVEYOR_BRANCH"

// RunContext is created once per invocation and is read-only afterwards.
type RunContext struct {
	ID          string
	Pipeline    string
	Branch      string
	Workspace   string
	RunDir      string
	Credentials map[string]string
	Params      map[string]string
	Started     time.Time

	// KeepWorkspaces leaves RunDir on disk after Close.
	KeepWorkspaces bool
}

// Options configure New.
type Options struct {
	Pipeline       string
	Branch         string
	Workspace      string
	Credentials    map[string]string
	Params         map[string]string
	KeepWorkspaces bool
	Now            func() time.Time
	// Getenv and DetectBranch are overridable for tests.
	Getenv       func(string) string
	DetectBranch func(ctx context.Context, dir string) (string, error)
}

// New allocates a run ID, resolves the branch and creates the run directory.
func New(ctx context.Context, opts Options) (*RunContext, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Getenv == nil {
		opts.Getenv = os.Getenv
	}
	if opts.DetectBranch == nil {
		opts.DetectBranch = DetectBranch
	}

	ws := opts.Workspace
	if ws == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("determine workspace: %w", err)
		}
		ws = wd
	}
	ws, err := filepath.Abs(ws)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace: %w", err)
	}

	branch := strings.TrimSpace(opts.Branch)
	if branch == "" {
		branch = strings.TrimSpace(opts.Getenv(BranchEnv))
	}
	if branch == "" {
		// Not a git checkout is fine; conditions then see an empty branch.
		branch, _ = opts.DetectBranch(ctx, ws)
	}

	id := uuid.NewString()
	rc := &RunContext{
		ID:             id,
		Pipeline:       opts.Pipeline,
		Branch:         branch,
		Workspace:      ws,
		RunDir:         filepath.Join(ws, ".conveyor", "runs", id),
		Credentials:    copyMap(opts.Credentials),
		Params:         copyMap(opts.Params),
		Started:        opts.Now(),
		KeepWorkspaces: opts.KeepWorkspaces,
	}
	if err := os.MkdirAll(rc.RunDir, 0o755); err != nil {
		return nil, fmt.Errorf("create run directory: %w", err)
	}
	return rc, nil
}

// WorkspaceDir returns the directory used for a fresh workspace of stageID.
// IDs that need rewriting get a digest suffix so distinct IDs never share
// a directory.
func (rc *RunContext) WorkspaceDir(stageID string) string {
	name := sanitize(stageID)
	if name != stageID {
		sum := blake3.Sum256([]byte(stageID))
		name += "-" + hex.EncodeToString(sum[:4])
	}
	return filepath.Join(rc.RunDir, "workspaces", name)
}

// Close removes the run directory unless KeepWorkspaces is set.
func (rc *RunContext) Close() error {
	if rc == nil || rc.KeepWorkspaces || rc.RunDir == "" {
		return nil
	}
	if err := os.RemoveAll(rc.RunDir); err != nil {
		return fmt.Errorf("remove run directory: %w", err)
	}
	return nil
}

// DetectBranch asks git for the checked out branch in dir.
func DetectBranch(ctx context.Context, dir string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--abbrev-ref", "HEAD")
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("detect branch: %w", err)
	}
	branch := strings.TrimSpace(out.String())
	if branch == "HEAD" {
		return "", nil
	}
	return branch, nil
}

func sanitize(id string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", "..", "_")
	if s := r.Replace(id); s != "" {
		return s
	}
	return "_"
}

func copyMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

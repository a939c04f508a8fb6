// Package runner executes stage actions inside an agent's environment.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/bgricker/conveyor/internal/envscope"
	"github.com/bgricker/conveyor/internal/pipeline"
	"github.com/bgricker/conveyor/internal/report"
)

// ExitTimeout is recorded for actions killed by their timeout.
const ExitTimeout = 124

// ExitRefused is recorded for actions refused by the privileged guard.
const ExitRefused = 126

// Target is the execution environment an action runs in.
type Target struct {
	Spawner Spawner
	// Workspace is the host path of the workspace.
	Workspace string
	// Workdir is the workspace path as seen by commands. Equal to Workspace
	// on host agents.
	Workdir string
	// HostEnv is true when commands run directly on the host.
	HostEnv bool
}

// Options configure how the runner executes actions.
type Options struct {
	// Stdout receives live, stage-prefixed output when Verbose is set.
	Stdout             io.Writer
	Verbose            bool
	DryRun             bool
	TailLines          int
	DefaultTimeout     time.Duration
	AllowPrivileged    bool
	PrivilegedPatterns []string
	Now                func() time.Time
	Logger             *slog.Logger
}

// Runner executes single actions. It is safe for concurrent use.
type Runner struct {
	opts  Options
	outMu sync.Mutex
}

// New creates a runner with the supplied options.
func New(opts Options) *Runner {
	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}
	if opts.TailLines <= 0 {
		opts.TailLines = 20
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if len(opts.PrivilegedPatterns) == 0 {
		opts.PrivilegedPatterns = DefaultPrivilegedPatterns()
	}
	opts.PrivilegedPatterns = append([]string{}, opts.PrivilegedPatterns...)
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Runner{opts: opts}
}

// DryRun reports whether actions are recorded without running.
func (r *Runner) DryRun() bool { return r.opts.DryRun }

// Run executes action for stageID in target with the variables of scope.
// The returned status is Success, Failure, Skipped (dry run) or Aborted
// (ctx cancelled while running).
func (r *Runner) Run(ctx context.Context, stageID string, action pipeline.Action, target Target, scope envscope.Scope) report.ActionResult {
	result := report.ActionResult{
		Name:    action.Name,
		Command: action.Run,
		DryRun:  r.opts.DryRun,
	}
	log := r.opts.Logger.With("stage", stageID, "action", action.Name)

	if r.opts.DryRun {
		result.Status = report.StatusSkipped
		return result
	}
	if target.HostEnv {
		if msg, refused := refusePrivileged(action.Run, r.opts); refused {
			log.Warn("refused privileged command", "command", scope.Redact(action.Run))
			result.Status = report.StatusFailure
			result.ExitCode = ExitRefused
			result.Stderr = msg
			return result
		}
	}
	if target.Spawner == nil {
		result.Status = report.StatusFailure
		result.ExitCode = 127
		result.Stderr = "no execution environment"
		return result
	}

	env := scope.Declared()
	if target.HostEnv {
		env = scope.Environ()
	}
	args, err := commandArgs(action.Shell, action.Run, env, target.HostEnv)
	if err != nil {
		result.Status = report.StatusFailure
		result.ExitCode = 127
		result.Stderr = err.Error()
		return result
	}
	dir, err := resolveWorkingDirectory(target, action.WorkingDirectory)
	if err != nil {
		result.Status = report.StatusFailure
		result.ExitCode = 127
		result.Stderr = err.Error()
		return result
	}

	timeout := action.Timeout
	if timeout <= 0 {
		timeout = r.opts.DefaultTimeout
	}
	actx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd := Command{Args: args, Dir: dir, Env: env, Stdout: &stdoutBuf, Stderr: &stderrBuf}
	var live []*envscope.RedactWriter
	if r.opts.Verbose {
		prefix := &prefixWriter{mu: &r.outMu, dst: r.opts.Stdout, prefix: "[" + stageID + "] "}
		outLive := envscope.NewRedactWriter(prefix, scope)
		errLive := envscope.NewRedactWriter(prefix, scope)
		live = append(live, outLive, errLive)
		cmd.Stdout = io.MultiWriter(&stdoutBuf, outLive)
		cmd.Stderr = io.MultiWriter(&stderrBuf, errLive)
	}

	log.Debug("running action", "dir", dir)
	start := r.opts.Now()
	code, spawnErr := target.Spawner.Spawn(actx, cmd)
	result.Duration = r.opts.Now().Sub(start)
	result.DurationMS = result.Duration.Milliseconds()
	for _, w := range live {
		_ = w.Flush()
	}

	stderr := stderrBuf.String()
	result.ExitCode = code
	switch {
	case ctx.Err() != nil:
		result.Status = report.StatusAborted
		stderr = appendLine(stderr, "aborted: "+ctx.Err().Error())
	case errors.Is(actx.Err(), context.DeadlineExceeded):
		result.Status = report.StatusFailure
		result.TimedOut = true
		result.ExitCode = ExitTimeout
		stderr = appendLine(stderr, fmt.Sprintf("timed out after %s", timeout))
	case spawnErr != nil:
		result.Status = report.StatusFailure
		stderr = appendLine(stderr, spawnErr.Error())
	case code != 0:
		result.Status = report.StatusFailure
	default:
		result.Status = report.StatusSuccess
	}

	result.Stdout = tailLines(scope.Redact(stdoutBuf.String()), r.opts.TailLines)
	result.Stderr = tailLines(scope.Redact(simplifyError(stderr)), r.opts.TailLines)
	log.Debug("action finished", "status", result.Status, "exit_code", result.ExitCode, "duration", result.Duration)
	return result
}

func appendLine(s, line string) string {
	if s != "" && !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	return s + line
}

// resolveWorkingDirectory maps an action's working directory into the target.
// Relative paths are resolved against the workspace and must exist there.
func resolveWorkingDirectory(target Target, wd string) (string, error) {
	wd = strings.TrimSpace(wd)
	workdir := target.Workdir
	if workdir == "" {
		workdir = target.Workspace
	}
	if wd == "" {
		if workdir == "" {
			cwd, err := os.Getwd()
			if err != nil {
				return "", fmt.Errorf("determine working directory: %w", err)
			}
			return cwd, nil
		}
		return workdir, nil
	}

	var hostPath, cmdPath string
	switch {
	case filepath.IsAbs(wd) && target.HostEnv:
		hostPath, cmdPath = wd, wd
	case path.IsAbs(wd):
		// Absolute container path; nothing to check on the host.
		return wd, nil
	default:
		hostPath = filepath.Join(target.Workspace, wd)
		cmdPath = hostPath
		if !target.HostEnv {
			cmdPath = path.Join(workdir, filepath.ToSlash(wd))
		}
	}

	info, err := os.Stat(hostPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("working directory %q not found", hostPath)
		}
		return "", fmt.Errorf("stat working directory %q: %w", hostPath, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("working directory %q is not a directory", hostPath)
	}
	return cmdPath, nil
}

func tailLines(input string, maxLines int) string {
	if input == "" {
		return ""
	}
	lines := strings.Split(strings.TrimRight(input, "\n"), "\n")
	if len(lines) <= maxLines {
		return strings.Join(lines, "\n")
	}
	return strings.Join(lines[len(lines)-maxLines:], "\n")
}

func refusePrivileged(script string, opts Options) (string, bool) {
	if opts.AllowPrivileged {
		return "", false
	}
	for _, pattern := range opts.PrivilegedPatterns {
		if pattern == "" {
			continue
		}
		matched, err := regexp.MatchString(pattern, script)
		if err != nil {
			continue
		}
		if matched {
			return fmt.Sprintf("refused privileged command matching pattern %q; set allow_privileged to run it", pattern), true
		}
	}
	return "", false
}

// DefaultPrivilegedPatterns lists commands refused on host agents unless
// allow_privileged is set.
func DefaultPrivilegedPatterns() []string {
	return []string{
		`(?i)^sudo\b`,
		`(?i)\bapt-get\b`,
		`(?i)\bapt\b`,
		`(?i)\byum\b`,
		`(?i)\bdnf\b`,
		`(?i)\bzypper\b`,
		`(?i)\bpacman\b`,
		`(?i)\bbrew\b`,
		`(?i)\bchoco\b`,
		`(?i)\bwinget\b`,
		`(?i)\bpip\s+install\s+--user`,
		`(?i)\bnpm\s+install\s+-g`,
		`(?i)\byarn\s+global`,
	}
}

// prefixWriter writes complete lines to dst with a prefix. Callers hand it
// whole lines (RedactWriter buffers per line).
type prefixWriter struct {
	mu     *sync.Mutex
	dst    io.Writer
	prefix string
}

func (w *prefixWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var buf bytes.Buffer
	for _, line := range bytes.SplitAfter(p, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		buf.WriteString(w.prefix)
		buf.Write(line)
	}
	if !bytes.HasSuffix(p, []byte("\n")) && len(p) > 0 {
		buf.WriteByte('\n')
	}
	if _, err := w.dst.Write(buf.Bytes()); err != nil {
		return 0, err
	}
	return len(p), nil
}

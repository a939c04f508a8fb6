package runner

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"runtime"
	"time"
)

// DefaultGracePeriod is how long a cancelled process may take to exit after
// the interrupt before it is killed.
const DefaultGracePeriod = 5 * time.Second

// Command is a fully resolved process invocation.
type Command struct {
	Args   []string
	Dir    string
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
}

// Spawner starts commands inside an execution environment and waits for
// them. A non-zero exit is reported through the code, not the error; the
// error is reserved for commands that could not be started.
type Spawner interface {
	Spawn(ctx context.Context, cmd Command) (int, error)
}

// LocalSpawner runs commands as host processes.
type LocalSpawner struct {
	GracePeriod time.Duration
}

// Spawn implements Spawner.
func (s LocalSpawner) Spawn(ctx context.Context, c Command) (int, error) {
	if len(c.Args) == 0 {
		return 127, errors.New("empty command")
	}
	cmd := exec.CommandContext(ctx, c.Args[0], c.Args[1:]...)
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	cmd.Stdout = c.Stdout
	cmd.Stderr = c.Stderr
	if runtime.GOOS != "windows" {
		cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	}
	cmd.WaitDelay = s.GracePeriod
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = DefaultGracePeriod
	}

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitCode(err), nil
	}
	if cmd.ProcessState != nil {
		// Started but Wait reported an I/O or WaitDelay error.
		return exitCode(err), nil
	}
	return 127, err
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(interface{ ExitStatus() int }); ok {
			return status.ExitStatus()
		}
		return exitErr.ExitCode()
	}
	return 1
}

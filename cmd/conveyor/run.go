package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bgricker/conveyor/internal/agent"
	"github.com/bgricker/conveyor/internal/config"
	"github.com/bgricker/conveyor/internal/engine"
	"github.com/bgricker/conveyor/internal/hooks"
	"github.com/bgricker/conveyor/internal/metrics"
	"github.com/bgricker/conveyor/internal/output"
	"github.com/bgricker/conveyor/internal/pipeline"
	"github.com/bgricker/conveyor/internal/report"
	"github.com/bgricker/conveyor/internal/runctx"
	"github.com/bgricker/conveyor/internal/runner"
	"github.com/bgricker/conveyor/internal/secrets"
	"github.com/bgricker/conveyor/internal/sink"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute the pipeline",
		RunE:  runExecute,
	}
	flags := cmd.Flags()
	flags.String("branch", "", "branch seen by stage conditions (default: $CONVEYOR_BRANCH or git)")
	flags.BoolP("verbose", "v", false, "stream stage progress and command output in real time")
	flags.Bool("dry-run", false, "print commands without executing them")
	flags.String("provider", "local", "agent provider (local|docker)")
	flags.String("image", "", "default container image for the docker provider")
	flags.Duration("timeout", 0, "abort the pipeline after this duration")
	flags.Duration("action-timeout", 0, "default per-action timeout")
	flags.Int("tail-lines", 20, "lines of output kept per action")
	flags.Bool("fail-on-unstable", false, "exit non-zero when the pipeline is unstable")
	flags.Bool("keep-workspaces", false, "keep fresh stage workspaces after the run")
	flags.Bool("allow-privileged", false, "allow privileged commands on the host")
	flags.StringArray("credential", nil, "bind a credential id to a reference, id=scheme:value (repeatable)")
	flags.StringArray("param", nil, "pipeline parameter key=value (repeatable)")
	flags.String("metrics-file", "", "write Prometheus metrics to this textfile")
	flags.String("reports-sink", "dir", "report sink (dir|s3)")
	flags.String("reports-dir", "", "directory for the dir report sink")
	return cmd
}

func runExecute(cmd *cobra.Command, args []string) error {
	cfg, root, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd.ErrOrStderr(), cfg)

	pl, err := loadPipeline(root, cfg)
	if err != nil {
		return err
	}
	pl, err = applyFilters(pl, cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, cfg.Timeout, fmt.Errorf("pipeline timeout %s exceeded", cfg.Timeout))
		defer cancel()
	}

	rc, err := runctx.New(ctx, runctx.Options{
		Pipeline:       pl.Name,
		Branch:         cfg.Branch,
		Workspace:      root,
		Credentials:    bindCredentials(pl, cfg),
		Params:         cfg.Params,
		KeepWorkspaces: cfg.KeepWorkspaces,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := rc.Close(); err != nil {
			logger.Warn("remove run directory", "dir", rc.RunDir, "error", err)
		}
	}()
	logger = logger.With("run", rc.ID)

	store, err := openSink(ctx, root, cfg)
	if err != nil {
		return err
	}
	aggregator := report.NewAggregator(store, rc.ID, logger)

	isJSON := strings.EqualFold(cfg.Format, config.FormatJSON)
	live := cmd.OutOrStdout()
	if isJSON {
		live = cmd.ErrOrStderr()
	}
	actions := runner.New(runner.Options{
		Stdout:             live,
		Verbose:            cfg.Verbose,
		DryRun:             cfg.DryRun,
		TailLines:          cfg.TailLines,
		DefaultTimeout:     cfg.ActionTimeout,
		AllowPrivileged:    cfg.AllowPrivileged,
		PrivilegedPatterns: cfg.PrivilegedCommandPatterns,
		Logger:             logger,
	})

	provisioner, closeProvisioner, err := newProvisioner(rc, cfg, logger)
	if err != nil {
		return err
	}
	defer closeProvisioner()

	resolver, err := newSecretResolver(root, cfg)
	if err != nil {
		return err
	}

	recorder := metrics.NewRecorder()
	observers := engine.Observers{recorder}
	if cfg.Verbose {
		observers = append(observers, output.NewStream(live))
	}

	eng := engine.New(engine.Options{
		Run:         rc,
		Provisioner: provisioner,
		Actions:     actions,
		Hooks: &hooks.Runner{
			Aggregator: aggregator,
			Actions:    actions,
			Default:    hostContext(rc),
			Logger:     logger,
		},
		Secrets:    resolver,
		Aggregator: aggregator,
		Observer:   observers,
		Logger:     logger,
	})

	trace, runErr := eng.Run(ctx, pl)
	if trace == nil {
		return runErr
	}

	if isJSON {
		err = output.NewJSON(cmd.OutOrStdout()).RenderTrace(trace)
	} else {
		err = output.NewPretty(cmd.OutOrStdout()).RenderTrace(trace)
	}
	if err != nil {
		return err
	}

	if cfg.MetricsFile != "" {
		path := cfg.MetricsFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(root, path)
		}
		if err := recorder.WriteTextfile(path); err != nil {
			logger.Error("write metrics", "path", path, "error", err)
		}
	}

	return statusError(trace, runErr, cfg.FailOnUnstable)
}

func statusError(trace *report.Trace, runErr error, failOnUnstable bool) error {
	if runErr != nil && !errors.Is(runErr, engine.ErrCancelled) {
		return runErr
	}
	code := report.ExitCode(trace.Status)
	switch trace.Status {
	case report.StatusFailure:
		return &exitError{code: code, err: errors.New("pipeline failed")}
	case report.StatusAborted:
		if runErr == nil {
			runErr = engine.ErrCancelled
		}
		return &exitError{code: code, err: fmt.Errorf("pipeline aborted: %w", runErr)}
	case report.StatusUnstable:
		if failOnUnstable {
			return &exitError{code: code, err: errors.New("pipeline unstable")}
		}
	}
	if runErr != nil {
		return &exitError{code: report.ExitCode(report.StatusAborted), err: fmt.Errorf("pipeline aborted: %w", runErr)}
	}
	return nil
}

// bindCredentials layers config and --credential bindings over the
// pipeline's own credentials block.
func bindCredentials(pl *pipeline.Pipeline, cfg config.Config) map[string]string {
	out := make(map[string]string, len(pl.Credentials)+len(cfg.Credentials))
	maps.Copy(out, pl.Credentials)
	maps.Copy(out, cfg.Credentials)
	return out
}

func openSink(ctx context.Context, root string, cfg config.Config) (sink.Store, error) {
	switch cfg.Reports.Sink {
	case config.SinkS3:
		return sink.DialS3(ctx, cfg.Reports.S3.Region, cfg.Reports.S3.Bucket, cfg.Reports.S3.Prefix)
	default:
		dir := cfg.Reports.Dir
		if dir == "" {
			dir = config.Default().Reports.Dir
		}
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(root, dir)
		}
		return sink.NewLocalStore(dir), nil
	}
}

// newSecretResolver registers the keyring scheme and, when a Vault address is
// configured or exported, the vault scheme.
func newSecretResolver(root string, cfg config.Config) (*secrets.MultiResolver, error) {
	m := secrets.NewMultiResolver(root)
	m.Register("keyring", secrets.KeyringResolver{Service: cfg.Secrets.KeyringService})

	vc := cfg.Secrets.Vault
	if vc.Address == "" && os.Getenv("VAULT_ADDR") == "" {
		return m, nil
	}
	v, err := secrets.NewVaultResolver(secrets.VaultOptions{
		Address:   vc.Address,
		Namespace: vc.Namespace,
		Mount:     vc.Mount,
	})
	if err != nil {
		return nil, err
	}
	m.Register("vault", v)
	return m, nil
}

// newProvisioner picks the agent backend. Dry runs never start containers.
func newProvisioner(rc *runctx.RunContext, cfg config.Config, logger *slog.Logger) (agent.Provisioner, func(), error) {
	if cfg.Provider == config.ProviderDocker && !cfg.DryRun {
		p, err := agent.NewDockerProvisioner(rc, cfg.DefaultImage, logger)
		if err != nil {
			return nil, nil, err
		}
		return p, func() {
			if err := p.Close(); err != nil {
				logger.Warn("close docker client", "error", err)
			}
		}, nil
	}
	p := agent.NewLocalProvisioner(rc, runner.LocalSpawner{}, logger)
	p.WarnVersionMismatch = cfg.Warn.VersionMismatch
	return p, func() {}, nil
}

// hostContext runs hooks for stages that never acquired an agent.
func hostContext(rc *runctx.RunContext) *agent.Context {
	return &agent.Context{
		ID:        "host",
		Workspace: rc.Workspace,
		Workdir:   rc.Workspace,
		HostEnv:   true,
		Spawner:   runner.LocalSpawner{},
	}
}

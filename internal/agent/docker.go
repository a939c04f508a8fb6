package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	units "github.com/docker/go-units"

	"github.com/bgricker/conveyor/internal/pipeline"
	"github.com/bgricker/conveyor/internal/runctx"
	"github.com/bgricker/conveyor/internal/runner"
)

// ContainerWorkdir is where the workspace is mounted inside containers.
const ContainerWorkdir = "/workspace"

// DockerProvisioner runs stages in long-lived containers. Every stage that
// names an image gets its own container with the resolved workspace
// bind-mounted; actions run through exec.
type DockerProvisioner struct {
	Run          *runctx.RunContext
	DefaultImage string
	Logger       *slog.Logger

	client *client.Client
	// pullMu serialises pulls so parallel stages do not fetch the same image twice.
	pullMu sync.Mutex
	local  *LocalProvisioner
}

// NewDockerProvisioner connects to the Docker daemon from the environment
// (DOCKER_HOST and friends). Stages without an image fall back to the host.
func NewDockerProvisioner(rc *runctx.RunContext, defaultImage string, logger *slog.Logger) (*DockerProvisioner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	local := NewLocalProvisioner(rc, runner.LocalSpawner{}, logger)
	local.WarnVersionMismatch = false
	return &DockerProvisioner{Run: rc, DefaultImage: defaultImage, Logger: logger, client: cli, local: local}, nil
}

// Close releases the Docker client.
func (p *DockerProvisioner) Close() error {
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}

// Acquire implements Provisioner.
func (p *DockerProvisioner) Acquire(ctx context.Context, stageID string, spec *pipeline.AgentSpec, parent *Context) (*Context, error) {
	img := p.DefaultImage
	if spec != nil && spec.Image != "" {
		img = spec.Image
	}
	if img == "" {
		return p.local.Acquire(ctx, stageID, spec, parent)
	}

	dir, shared, err := resolveWorkspace(p.Run, stageID, spec, parent)
	if err != nil {
		return nil, &ProvisionError{StageID: stageID, Image: img, Err: err}
	}
	var args []string
	if spec != nil {
		args = spec.Args
	}
	cfg, hostCfg, err := containerConfig(img, dir, args)
	if err != nil {
		return nil, &ProvisionError{StageID: stageID, Image: img, Err: err}
	}
	cfg.Labels = map[string]string{"conveyor.run": p.Run.ID, "conveyor.stage": stageID}

	if err := p.ensureImage(ctx, img); err != nil {
		return nil, &ProvisionError{StageID: stageID, Image: img, Err: fmt.Errorf("pull image: %w", err)}
	}
	resp, err := p.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return nil, &ProvisionError{StageID: stageID, Image: img, Err: fmt.Errorf("create container: %w", err)}
	}
	if err := p.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		p.remove(resp.ID)
		return nil, &ProvisionError{StageID: stageID, Image: img, Err: fmt.Errorf("start container: %w", err)}
	}

	c := &Context{
		ID:        shortID(resp.ID),
		StageID:   stageID,
		Image:     img,
		Workspace: dir,
		Workdir:   ContainerWorkdir,
		Shared:    shared,
		Spawner:   &execSpawner{client: p.client, containerID: resp.ID},
		Warnings:  resp.Warnings,
	}
	p.Logger.Debug("started container", "stage", stageID, "agent", c.ID, "image", img, "workspace", dir)
	return c, nil
}

// Release implements Provisioner.
func (p *DockerProvisioner) Release(ctx context.Context, c *Context) error {
	if c.HostEnv {
		return p.local.Release(ctx, c)
	}
	if err := c.markReleased(); err != nil {
		return err
	}
	spawner, ok := c.Spawner.(*execSpawner)
	if !ok {
		return nil
	}
	if err := p.remove(spawner.containerID); err != nil {
		return fmt.Errorf("remove container %s: %w", c.ID, err)
	}
	p.Logger.Debug("removed container", "stage", c.StageID, "agent", c.ID)
	return nil
}

func (p *DockerProvisioner) remove(id string) error {
	removeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return p.client.ContainerRemove(removeCtx, id, container.RemoveOptions{Force: true})
}

// ensureImage pulls the image if it is not available locally.
func (p *DockerProvisioner) ensureImage(ctx context.Context, ref string) error {
	p.pullMu.Lock()
	defer p.pullMu.Unlock()
	if _, _, err := p.client.ImageInspectWithRaw(ctx, ref); err == nil {
		return nil
	}
	p.Logger.Info("pulling image", "image", ref)
	reader, err := p.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

// containerConfig builds the container definition for img with workspace
// mounted at ContainerWorkdir. args accepts a small docker-run compatible
// subset: --memory, --cpus, --network, --user, -v/--volume and -e/--env.
func containerConfig(img, workspace string, args []string) (*container.Config, *container.HostConfig, error) {
	cfg := &container.Config{
		Image:      img,
		Entrypoint: []string{"sleep"},
		Cmd:        []string{"infinity"},
		WorkingDir: ContainerWorkdir,
	}
	hc := &container.HostConfig{
		Mounts: []mount.Mount{{Type: mount.TypeBind, Source: workspace, Target: ContainerWorkdir}},
	}

	for i := 0; i < len(args); i++ {
		name, value, inline := strings.Cut(args[i], "=")
		if !inline {
			if !strings.HasPrefix(name, "-") {
				return nil, nil, fmt.Errorf("unexpected agent argument %q", args[i])
			}
			if i+1 >= len(args) {
				return nil, nil, fmt.Errorf("agent argument %s needs a value", name)
			}
			i++
			value = args[i]
		}
		switch name {
		case "--memory", "-m":
			n, err := units.RAMInBytes(value)
			if err != nil {
				return nil, nil, fmt.Errorf("parse --memory: %w", err)
			}
			hc.Resources.Memory = n
		case "--cpus":
			cpus, err := strconv.ParseFloat(value, 64)
			if err != nil || cpus <= 0 {
				return nil, nil, fmt.Errorf("parse --cpus %q", value)
			}
			hc.Resources.NanoCPUs = int64(cpus * 1e9)
		case "--network":
			hc.NetworkMode = container.NetworkMode(value)
		case "--user", "-u":
			cfg.User = value
		case "--volume", "-v":
			m, err := parseVolume(value)
			if err != nil {
				return nil, nil, err
			}
			hc.Mounts = append(hc.Mounts, m)
		case "--env", "-e":
			if !strings.Contains(value, "=") {
				return nil, nil, fmt.Errorf("agent env %q must be KEY=VALUE", value)
			}
			cfg.Env = append(cfg.Env, value)
		default:
			return nil, nil, fmt.Errorf("unsupported agent argument %s", name)
		}
	}
	return cfg, hc, nil
}

func parseVolume(spec string) (mount.Mount, error) {
	parts := strings.Split(spec, ":")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return mount.Mount{}, fmt.Errorf("volume %q must be src:dst[:ro]", spec)
	}
	m := mount.Mount{Type: mount.TypeBind, Source: parts[0], Target: parts[1]}
	if len(parts) == 3 {
		switch parts[2] {
		case "ro":
			m.ReadOnly = true
		case "rw":
		default:
			return mount.Mount{}, fmt.Errorf("volume %q has unknown mode %q", spec, parts[2])
		}
	}
	return m, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// execSpawner runs commands inside a started container.
type execSpawner struct {
	client      *client.Client
	containerID string
}

// Spawn implements runner.Spawner. Cancellation closes the attached stream;
// the process itself is stopped when the container is removed.
func (s *execSpawner) Spawn(ctx context.Context, cmd runner.Command) (int, error) {
	created, err := s.client.ContainerExecCreate(ctx, s.containerID, container.ExecOptions{
		Cmd:          cmd.Args,
		Env:          cmd.Env,
		WorkingDir:   cmd.Dir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return 127, fmt.Errorf("create exec: %w", err)
	}
	attach, err := s.client.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return 127, fmt.Errorf("attach exec: %w", err)
	}
	defer attach.Close()

	stdout, stderr := cmd.Stdout, cmd.Stderr
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(stdout, stderr, attach.Reader)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, io.EOF) {
			return 1, fmt.Errorf("read exec output: %w", err)
		}
	case <-ctx.Done():
		attach.Close()
		<-done
		return -1, nil
	}

	inspectCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	info, err := s.client.ContainerExecInspect(inspectCtx, created.ID)
	if err != nil {
		return 1, fmt.Errorf("inspect exec: %w", err)
	}
	if info.Running {
		return -1, nil
	}
	return info.ExitCode, nil
}

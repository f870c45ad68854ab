package runtime

import (
	"context"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/kandev/agentsupervisor/internal/common/apperr"
	"github.com/kandev/agentsupervisor/internal/common/config"
	"github.com/kandev/agentsupervisor/internal/common/logger"
	"go.uber.org/zap"
)

// dockerLauncher runs the agent child inside a container for sandboxed
// execution, attaching stdin/stdout over the Docker API instead of a
// local pipe.
type dockerLauncher struct {
	cli    *client.Client
	image  string
	logger *logger.Logger
}

// NewDockerLauncher dials the configured Docker daemon and returns a
// Launcher that runs every agent child in its own container of cfg.Image.
func NewDockerLauncher(cfg config.DockerConfig, log *logger.Logger) (Launcher, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, apperr.SpawnFailure("create docker client", err)
	}

	return &dockerLauncher{
		cli:    cli,
		image:  cfg.Image,
		logger: log.WithFields(zap.String("component", "docker-launcher")),
	}, nil
}

type dockerProcess struct {
	cli         *client.Client
	containerID string
	stdin       io.WriteCloser
	stdout      io.Reader
	conn        io.Closer
}

func (l *dockerLauncher) Launch(ctx context.Context, spec Spec) (Process, error) {
	containerCfg := &container.Config{
		Image:        l.image,
		Cmd:          append([]string{spec.Executable}, spec.Args...),
		Env:          spec.Env,
		WorkingDir:   spec.WorkingDir,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false, // no TTY: would corrupt the newline-framed JSON-RPC stream
	}
	hostCfg := &container.HostConfig{AutoRemove: true}

	resp, err := l.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "")
	if err != nil {
		return nil, apperr.SpawnFailure("create agent container", err)
	}

	attachResp, err := l.cli.ContainerAttach(ctx, resp.ID, container.AttachOptions{
		Stream: true, Stdin: true, Stdout: true, Stderr: true,
	})
	if err != nil {
		return nil, apperr.SpawnFailure("attach agent container", err)
	}

	if err := l.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, apperr.SpawnFailure("start agent container", err)
	}

	stdinReader, stdinWriter := io.Pipe()
	go io.Copy(attachResp.Conn, stdinReader)

	return &dockerProcess{
		cli:         l.cli,
		containerID: resp.ID,
		stdin:       stdinWriter,
		stdout:      attachResp.Reader,
		conn:        attachResp.Conn,
	}, nil
}

func (p *dockerProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *dockerProcess) Stdout() io.Reader     { return p.stdout }

func (p *dockerProcess) Wait() error {
	statusCh, errCh := p.cli.ContainerWait(context.Background(), p.containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return err
	case <-statusCh:
		return nil
	}
}

func (p *dockerProcess) Kill() error {
	defer p.conn.Close()
	return p.cli.ContainerKill(context.Background(), p.containerID, "SIGKILL")
}

func (p *dockerProcess) Signal() error {
	timeout := 5
	return p.cli.ContainerStop(context.Background(), p.containerID, container.StopOptions{
		Timeout: &timeout,
	})
}

package runtime

import (
	"context"
	"io"
	"os/exec"
	"syscall"

	"github.com/kandev/agentsupervisor/internal/common/apperr"
)

// execLauncher runs the agent child directly via os/exec — the default
// launcher when Docker isolation isn't configured.
type execLauncher struct{}

// NewExecLauncher returns the default, non-containerized Launcher.
func NewExecLauncher() Launcher {
	return &execLauncher{}
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
}

func (l *execLauncher) Launch(ctx context.Context, spec Spec) (Process, error) {
	cmd := exec.CommandContext(ctx, spec.Executable, spec.Args...)
	cmd.Env = spec.Env
	cmd.Dir = spec.WorkingDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, apperr.SpawnFailure("open stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, apperr.SpawnFailure("open stdout pipe", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, apperr.SpawnFailure("start agent process", err)
	}

	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.Reader     { return p.stdout }

func (p *execProcess) Wait() error {
	return p.cmd.Wait()
}

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *execProcess) Signal() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

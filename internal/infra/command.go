package infra

import (
	"context"
	"errors"
	"os/exec"
	"syscall"
	"time"

	"github.com/eliteGoblin/rootd/internal/domain"
)

type (
	Command       = domain.Command
	CommandRunner = domain.CommandRunner
)

// OutputDrainDelay bounds how long Output keeps reading after the command
// exited. Children left in the background may hold the pipe open forever.
const OutputDrainDelay = 250 * time.Millisecond

// RealCommandRunner executes real system commands.
type RealCommandRunner struct{}

func (r *RealCommandRunner) build(ctx context.Context, c Command) *exec.Cmd {
	var cmd *exec.Cmd
	if ctx != nil {
		cmd = exec.CommandContext(ctx, c.Path, c.Args...)
	} else {
		cmd = exec.Command(c.Path, c.Args...)
	}
	if len(c.Env) > 0 {
		cmd.Env = append(cmd.Environ(), c.Env...)
	}
	cmd.Stdin = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	return cmd
}

// Output executes a command and waits for the process to exit. Output
// written by background children after that is dropped.
func (r *RealCommandRunner) Output(ctx context.Context, c Command) ([]byte, error) {
	cmd := r.build(ctx, c)
	cmd.WaitDelay = OutputDrainDelay
	out, err := cmd.CombinedOutput()
	if errors.Is(err, exec.ErrWaitDelay) {
		err = nil
	}
	return out, err
}

// Start executes a command without waiting for it.
func (r *RealCommandRunner) Start(c Command) error {
	cmd := r.build(nil, c)
	if err := cmd.Start(); err != nil {
		return err
	}
	go func() { _ = cmd.Wait() }()
	return nil
}

var _ CommandRunner = (*RealCommandRunner)(nil)

package daemon

import (
	"os"
	"os/exec"
	"syscall"
)

// StartDaemon spawns a detached daemon from the current executable.
func StartDaemon(configPath string) error {
	executable, err := os.Executable()
	if err != nil {
		return err
	}
	return StartDaemonWithPath(executable, configPath)
}

// StartDaemonWithPath spawns `<executable> daemon --config <configPath>` in
// a new session with no stdio.
func StartDaemonWithPath(executable, configPath string) error {
	cmd := DaemonCommand(executable, configPath)
	if err := cmd.Start(); err != nil {
		return err
	}
	go func() { _ = cmd.Wait() }()
	return nil
}

// DaemonCommand builds the self-exec command without starting it.
func DaemonCommand(executable, configPath string) *exec.Cmd {
	args := []string{"daemon"}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	cmd := exec.Command(executable, args...)

	// Detach from the caller's session and terminal
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	return cmd
}

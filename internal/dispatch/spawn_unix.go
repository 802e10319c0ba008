//go:build unix

package dispatch

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// spawn starts the worker in its own session so it survives the parent
// exiting, and releases the process handle immediately.
func spawn(bin string, args []string, logFile *os.File) (int, error) {
	cmd := exec.Command(bin, args...) // #nosec G204 - our own binary
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start worker: %w", err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		return pid, fmt.Errorf("failed to release worker process: %w", err)
	}
	return pid, nil
}

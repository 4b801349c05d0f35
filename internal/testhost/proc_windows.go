//go:build windows

package testhost

import "os/exec"

func isolate(cmd *exec.Cmd) {}

// terminate kills the process, windows has no SIGTERM
func terminate(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

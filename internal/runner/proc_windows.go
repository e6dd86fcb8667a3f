//go:build windows

package runner

import "os/exec"

func setProcGroup(cmd *exec.Cmd) {}

// Windows has no SIGINT delivery for child processes; interrupt and kill
// both terminate immediately.
func interruptProcess(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}

func killProcess(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}

//go:build windows

package transport

import (
	"errors"
	"os/exec"
)

// setProcGroup is a no-op on Windows; process-group kill falls back to
// killing the single process.
func setProcGroup(cmd *exec.Cmd) {}

// killProcessGroup is unsupported on Windows; callers fall back to
// cmd.Process.Kill().
func killProcessGroup(pid int) error {
	return errors.New("process-group kill is not supported on windows")
}

//go:build unix

package transport

import (
	"os/exec"
	"syscall"
)

// setProcGroup puts the child in its own process group so every descendant
// it spawns (some ACP agents fork npx -> sh -> node -> binary) can be killed
// together.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup sends SIGKILL to the whole process group rooted at pid.
func killProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}

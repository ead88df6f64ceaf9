//go:build unix

package mcppool

import (
	"os/exec"
	"syscall"
)

// configureProcess puts the backend in its own process group so signals sent
// to the relay's terminal do not reach it before the pool closes it.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

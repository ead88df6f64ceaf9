//go:build !unix

package mcppool

import "os/exec"

func configureProcess(*exec.Cmd) {}

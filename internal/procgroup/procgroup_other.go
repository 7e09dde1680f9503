// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

//go:build !unix

package procgroup

import (
	"os/exec"
	"syscall"
)

// Set is a no-op where process groups are unavailable.
func Set(cmd *exec.Cmd) {}

// Kill only reaches the root process; SIGKILL maps to Process.Kill and
// anything else is ignored.
func Kill(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if sig == syscall.SIGKILL {
		return cmd.Process.Kill()
	}
	return nil
}

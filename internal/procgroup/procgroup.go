// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package procgroup starts external plugin processes in their own process
// group and tears the whole group down on shutdown.
package procgroup

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/ManuGH/netplumb/internal/log"
	"github.com/ManuGH/netplumb/internal/metrics"
)

// Terminate stops the process group of cmd: SIGTERM, wait up to grace for
// waitCh, then SIGKILL and wait again. It returns the error received from
// waitCh. waitCh must deliver the result of cmd.Wait exactly once.
func Terminate(cmd *exec.Cmd, waitCh <-chan error, grace time.Duration) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	logger := log.WithComponent("procgroup")
	pid := cmd.Process.Pid

	metrics.IncProcTerminate("SIGTERM", signalResult(Kill(cmd, syscall.SIGTERM)))

	select {
	case err := <-waitCh:
		if err == nil {
			metrics.IncProcWait("exit0")
		} else {
			metrics.IncProcWait("exit_nonzero")
		}
		return err
	case <-time.After(grace):
	}

	logger.Warn().
		Int(log.FieldPID, pid).
		Dur("grace", grace).
		Str(log.FieldEvent, "procgroup.kill").
		Msg("process group ignored SIGTERM, sending SIGKILL")
	metrics.IncProcTerminate("SIGKILL", signalResult(Kill(cmd, syscall.SIGKILL)))

	err := <-waitCh
	if err == nil {
		metrics.IncProcWait("forced_exit0")
	} else {
		metrics.IncProcWait("forced_error")
	}
	return err
}

func signalResult(err error) string {
	switch {
	case err == nil:
		return "sent"
	case errors.Is(err, os.ErrProcessDone), errors.Is(err, syscall.ESRCH):
		return "esrch"
	default:
		return "error"
	}
}

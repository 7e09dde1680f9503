// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/renameio/v2"
)

// WritePIDFile atomically records the current pid at path. A file naming
// another live process is refused; a stale one is replaced.
func WritePIDFile(path string) error {
	if path == "" {
		return nil
	}
	if pid, err := ReadPIDFile(path); err == nil && pid != os.Getpid() && processAlive(pid) {
		return fmt.Errorf("%w: pid %d (%s)", ErrAlreadyRunning, pid, path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create pid dir: %w", err)
	}
	data := []byte(strconv.Itoa(os.Getpid()) + "\n")
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// ReadPIDFile returns the pid stored at path.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("malformed pid file %s", path)
	}
	return pid, nil
}

// RemovePIDFile deletes path if it still names this process.
func RemovePIDFile(path string) error {
	if path == "" {
		return nil
	}
	pid, err := ReadPIDFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if pid != os.Getpid() {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove pid file: %w", err)
	}
	return nil
}

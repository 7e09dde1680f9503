// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package health

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/ManuGH/netplumb/internal/config"
	"github.com/ManuGH/netplumb/internal/log"
)

// PerformStartupChecks validates the environment before the daemon binds
// its sockets or spawns plugins.
func PerformStartupChecks(cfg config.AppConfig) error {
	logger := log.WithComponent("startup-check")
	logger.Info().Msg("running pre-flight startup checks")

	if err := checkWritableDir(logger, filepath.Dir(cfg.Socket)); err != nil {
		return fmt.Errorf("socket directory check failed: %w", err)
	}
	if err := checkWritableDir(logger, cfg.RunDir); err != nil {
		return fmt.Errorf("plugin run directory check failed: %w", err)
	}
	if cfg.Journal.Path != "" {
		if err := checkWritableDir(logger, filepath.Dir(cfg.Journal.Path)); err != nil {
			return fmt.Errorf("journal directory check failed: %w", err)
		}
	}
	for _, p := range cfg.Plugins.External {
		if err := checkExecutable(p.Path); err != nil {
			return fmt.Errorf("plugin %s: %w", p.Name, err)
		}
		logger.Info().Str(log.FieldPlugin, p.Name).Str(log.FieldPath, p.Path).Msg("plugin binary is executable")
	}

	logger.Info().Msg("all startup checks passed")
	return nil
}

// checkWritableDir creates path when missing and probes it with a temp file.
func checkWritableDir(logger zerolog.Logger, path string) error {
	if err := os.MkdirAll(path, 0o750); err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", path)
	}

	testFile := filepath.Join(path, ".write_test")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("directory is not writable: %s (error: %w)", path, err)
	}
	_ = os.Remove(testFile)

	logger.Debug().Str(log.FieldPath, path).Msg("directory is writable")
	return nil
}

func checkExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	if info.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("%s is not executable", path)
	}
	return nil
}

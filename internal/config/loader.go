// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Loader handles configuration loading with precedence
type Loader struct {
	configPath      string
	version         string
	ConsumedEnvKeys map[string]struct{} // Mechanical tracking of consumed keys
}

// NewLoader creates a new configuration loader
func NewLoader(configPath, version string) *Loader {
	return &Loader{
		configPath:      configPath,
		version:         version,
		ConsumedEnvKeys: make(map[string]struct{}),
	}
}

// Path returns the config file path, empty when running from ENV only.
func (l *Loader) Path() string {
	return l.configPath
}

// Wrapper methods for mechanical connection tracking

func (l *Loader) envString(key, defaultVal string) string {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseString(key, defaultVal)
}

func (l *Loader) envBool(key string, defaultVal bool) bool {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseBool(key, defaultVal)
}

func (l *Loader) envInt(key string, defaultVal int) int {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseInt(key, defaultVal)
}

func (l *Loader) envFloat(key string, defaultVal float64) float64 {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseFloat(key, defaultVal)
}

func (l *Loader) envDuration(key string, defaultVal time.Duration) time.Duration {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseDuration(key, defaultVal)
}

func (l *Loader) envList(key string, defaultVal []string) []string {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseList(key, defaultVal)
}

func (l *Loader) envLookup(key string) (string, bool) {
	l.ConsumedEnvKeys[key] = struct{}{}
	return os.LookupEnv(key)
}

// Load loads configuration with precedence: ENV > File > Defaults
// It enforces Strict Validated Order: Parse File (Strict) -> Apply Env -> Validate
func (l *Loader) Load() (AppConfig, error) {
	// 1. Set defaults
	cfg := Default()

	// 2. Load from file (if provided)
	if l.configPath != "" {
		if err := l.loadFile(l.configPath, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	// 3. Override with environment variables (highest priority)
	l.mergeEnvConfig(&cfg)

	// 4. Version from binary
	cfg.Version = l.version

	if err := Validate(cfg); err != nil {
		return cfg, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// loadFile decodes path on top of cfg so that keys absent from the file
// keep their defaults.
func (l *Loader) loadFile(path string, cfg *AppConfig) error {
	path = filepath.Clean(path)

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config format: %s (only YAML supported)", ext)
	}

	// #nosec G304 -- configuration file paths are provided by the operator via CLI/ENV
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true) // Reject unknown fields

	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
			return fmt.Errorf("strict config parse error: %w: %w", ErrUnknownConfigField, err)
		}
		return fmt.Errorf("strict config parse error: %w", err)
	}

	// Strict: Ensure no multiple documents or trailing content
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return ErrTrailingDocument
	}
	return nil
}

func (l *Loader) mergeEnvConfig(cfg *AppConfig) {
	cfg.LogLevel = l.envString(EnvPrefix+"LOG_LEVEL", cfg.LogLevel)
	cfg.Socket = l.envString(EnvPrefix+"SOCKET", cfg.Socket)
	cfg.PidFile = l.envString(EnvPrefix+"PID_FILE", cfg.PidFile)
	cfg.RunDir = l.envString(EnvPrefix+"RUN_DIR", cfg.RunDir)
	// An empty value switches the ops listener off.
	if v, ok := l.envLookup(EnvPrefix + "OPS_LISTEN"); ok {
		cfg.OpsListen = strings.TrimSpace(v)
	}
	if v, ok := l.envLookup(EnvPrefix + "JOURNAL"); ok {
		cfg.Journal.Path = strings.TrimSpace(v)
	}

	cfg.Router.SendTimeout = l.envDuration(EnvPrefix+"SEND_TIMEOUT", cfg.Router.SendTimeout)
	cfg.Router.QueueSize = l.envInt(EnvPrefix+"QUEUE_SIZE", cfg.Router.QueueSize)

	cfg.API.RequestTimeout = l.envDuration(EnvPrefix+"REQUEST_TIMEOUT", cfg.API.RequestTimeout)
	cfg.API.SessionRate = l.envFloat(EnvPrefix+"SESSION_RATE", cfg.API.SessionRate)
	cfg.API.MaxSessions = l.envInt(EnvPrefix+"MAX_SESSIONS", cfg.API.MaxSessions)
	cfg.API.WriteQueue = l.envInt(EnvPrefix+"WRITE_QUEUE", cfg.API.WriteQueue)

	cfg.Commander.MaxRetries = l.envInt(EnvPrefix+"MAX_RETRIES", cfg.Commander.MaxRetries)
	cfg.Commander.TaskTimeout = l.envDuration(EnvPrefix+"TASK_TIMEOUT", cfg.Commander.TaskTimeout)
	cfg.Commander.WorkflowDeadline = l.envDuration(EnvPrefix+"WORKFLOW_DEADLINE", cfg.Commander.WorkflowDeadline)

	cfg.Plugins.Native = l.envList(EnvPrefix+"NATIVE_PLUGINS", cfg.Plugins.Native)

	cfg.Tracing.Enabled = l.envBool(EnvPrefix+"TRACING_ENABLED", cfg.Tracing.Enabled)
	cfg.Tracing.Exporter = l.envString(EnvPrefix+"TRACING_EXPORTER", cfg.Tracing.Exporter)
	cfg.Tracing.Endpoint = l.envString(EnvPrefix+"TRACING_ENDPOINT", cfg.Tracing.Endpoint)
	cfg.Tracing.SamplingRate = l.envFloat(EnvPrefix+"TRACING_SAMPLING_RATE", cfg.Tracing.SamplingRate)
}

// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package config loads the netplumbd configuration.
//
// Precedence is ENV > file > defaults. The YAML file is parsed strictly:
// unknown keys and multiple documents are rejected.
package config

import "time"

// AppConfig is the complete daemon configuration.
type AppConfig struct {
	Version string `yaml:"-"`

	LogLevel string `yaml:"logLevel"`
	// Socket is the client API socket.
	Socket     string `yaml:"socket"`
	SocketMode uint32 `yaml:"socketMode"`
	PidFile    string `yaml:"pidFile"`
	// RunDir holds the per-plugin sockets of external plugins.
	RunDir string `yaml:"runDir"`
	// OpsListen serves health, metrics and debug endpoints. Empty disables it.
	OpsListen string `yaml:"opsListen"`

	Journal   JournalConfig   `yaml:"journal"`
	Router    RouterConfig    `yaml:"router"`
	API       APIConfig       `yaml:"api"`
	Commander CommanderConfig `yaml:"commander"`
	Plugins   PluginsConfig   `yaml:"plugins"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// JournalConfig controls the dead-letter journal. An empty Path disables it.
type JournalConfig struct {
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

// RouterConfig mirrors the switch tunables.
type RouterConfig struct {
	SendTimeout      time.Duration `yaml:"sendTimeout"`
	QueueSize        int           `yaml:"queueSize"`
	DegradeThreshold int           `yaml:"degradeThreshold"`
	DegradeCooldown  time.Duration `yaml:"degradeCooldown"`
	InflightTTL      time.Duration `yaml:"inflightTTL"`
}

// APIConfig tunes the client session manager.
type APIConfig struct {
	RequestTimeout time.Duration `yaml:"requestTimeout"`
	// Requests per second; zero disables the limit.
	SessionRate  float64 `yaml:"sessionRate"`
	SessionBurst int     `yaml:"sessionBurst"`
	GlobalRate   float64 `yaml:"globalRate"`
	GlobalBurst  int     `yaml:"globalBurst"`
	// MaxSessions caps concurrent client connections; zero means unlimited.
	MaxSessions int `yaml:"maxSessions"`
	// WriteQueue bounds replies buffered per client; overflow disconnects it.
	WriteQueue int `yaml:"writeQueue"`
}

// CommanderConfig tunes workflow execution.
type CommanderConfig struct {
	MaxRetries       int           `yaml:"maxRetries"`
	BackoffBase      time.Duration `yaml:"backoffBase"`
	BackoffMax       time.Duration `yaml:"backoffMax"`
	TaskTimeout      time.Duration `yaml:"taskTimeout"`
	WorkflowDeadline time.Duration `yaml:"workflowDeadline"`
}

// PluginsConfig lists the plugins started with the daemon.
type PluginsConfig struct {
	// Native names plugins compiled into the daemon.
	Native       []string      `yaml:"native"`
	External     []PluginSpec  `yaml:"external"`
	StartTimeout time.Duration `yaml:"startTimeout"`
	StopGrace    time.Duration `yaml:"stopGrace"`
}

// PluginSpec describes one external plugin binary.
type PluginSpec struct {
	Name  string   `yaml:"name"`
	Path  string   `yaml:"path"`
	Args  []string `yaml:"args"`
	Env   []string `yaml:"env"`
	Roles []string `yaml:"roles"`
}

// TracingConfig controls OpenTelemetry export.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"samplingRate"`
}

// Default returns the configuration used when nothing is configured.
func Default() AppConfig {
	return AppConfig{
		LogLevel:   "info",
		Socket:     "/run/netplumb/netplumbd.sock",
		SocketMode: 0o660,
		PidFile:    "/run/netplumb/netplumbd.pid",
		RunDir:     "/run/netplumb/plugins",
		OpsListen:  "127.0.0.1:9469",
		Journal: JournalConfig{
			Retention: 7 * 24 * time.Hour,
		},
		Router: RouterConfig{
			SendTimeout:      2 * time.Second,
			QueueSize:        1024,
			DegradeThreshold: 3,
			DegradeCooldown:  10 * time.Second,
			InflightTTL:      time.Minute,
		},
		API: APIConfig{
			RequestTimeout: 30 * time.Second,
			SessionRate:    50,
			SessionBurst:   100,
			GlobalRate:     500,
			GlobalBurst:    1000,
			MaxSessions:    64,
			WriteQueue:     64,
		},
		Commander: CommanderConfig{
			MaxRetries:       3,
			BackoffBase:      200 * time.Millisecond,
			BackoffMax:       5 * time.Second,
			TaskTimeout:      10 * time.Second,
			WorkflowDeadline: 30 * time.Second,
		},
		Plugins: PluginsConfig{
			StartTimeout: 10 * time.Second,
			StopGrace:    5 * time.Second,
		},
		Tracing: TracingConfig{
			Exporter:     "grpc",
			Endpoint:     "localhost:4317",
			SamplingRate: 1.0,
		},
	}
}

// PluginNames returns the native and external plugin names in start order.
func (c AppConfig) PluginNames() []string {
	names := make([]string, 0, len(c.Plugins.Native)+len(c.Plugins.External))
	names = append(names, c.Plugins.Native...)
	for _, p := range c.Plugins.External {
		names = append(names, p.Name)
	}
	return names
}

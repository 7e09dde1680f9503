// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"fmt"
	"strings"

	"github.com/ManuGH/netplumb/internal/validate"
)

var logLevels = []string{"trace", "debug", "info", "warn", "error"}

// Validate validates a AppConfig using the centralized validation package
func Validate(cfg AppConfig) error {
	v := validate.New()

	v.OneOf("logLevel", strings.ToLower(cfg.LogLevel), logLevels)

	v.NotEmpty("socket", cfg.Socket)
	v.Absolute("socket", cfg.Socket)
	if cfg.SocketMode == 0 || cfg.SocketMode > 0o777 {
		v.AddError("socketMode", fmt.Sprintf("invalid permission bits %#o", cfg.SocketMode), cfg.SocketMode)
	}
	v.Absolute("pidFile", cfg.PidFile)
	v.NotEmpty("runDir", cfg.RunDir)
	v.ListenAddr("opsListen", cfg.OpsListen)
	v.Absolute("journal.path", cfg.Journal.Path)
	if cfg.Journal.Path != "" {
		v.Duration("journal.retention", cfg.Journal.Retention)
	}

	v.Duration("router.sendTimeout", cfg.Router.SendTimeout)
	v.Positive("router.queueSize", cfg.Router.QueueSize)
	v.Positive("router.degradeThreshold", cfg.Router.DegradeThreshold)
	v.Duration("router.degradeCooldown", cfg.Router.DegradeCooldown)
	v.Duration("router.inflightTTL", cfg.Router.InflightTTL)

	v.Duration("api.requestTimeout", cfg.API.RequestTimeout)
	if cfg.API.MaxSessions < 0 {
		v.AddError("api.maxSessions", "cannot be negative", cfg.API.MaxSessions)
	}
	if cfg.API.WriteQueue < 1 {
		v.AddError("api.writeQueue", "must be at least 1", cfg.API.WriteQueue)
	}
	if cfg.API.SessionRate < 0 || cfg.API.GlobalRate < 0 {
		v.AddError("api.rate", "rates cannot be negative", cfg.API.SessionRate)
	}

	v.Range("commander.maxRetries", cfg.Commander.MaxRetries, 0, 20)
	v.Duration("commander.backoffBase", cfg.Commander.BackoffBase)
	v.Duration("commander.backoffMax", cfg.Commander.BackoffMax)
	if cfg.Commander.BackoffMax < cfg.Commander.BackoffBase {
		v.AddError("commander.backoffMax", "must not be below backoffBase", cfg.Commander.BackoffMax)
	}
	v.Duration("commander.taskTimeout", cfg.Commander.TaskTimeout)
	v.Duration("commander.workflowDeadline", cfg.Commander.WorkflowDeadline)

	v.Duration("plugins.startTimeout", cfg.Plugins.StartTimeout)
	v.Duration("plugins.stopGrace", cfg.Plugins.StopGrace)
	for i, p := range cfg.Plugins.External {
		field := fmt.Sprintf("plugins.external[%d]", i)
		v.NotEmpty(field+".name", p.Name)
		v.NotEmpty(field+".path", p.Path)
	}
	v.Unique("plugins", cfg.PluginNames())

	if cfg.Tracing.Enabled {
		v.OneOf("tracing.exporter", cfg.Tracing.Exporter, []string{"grpc", "http"})
		v.NotEmpty("tracing.endpoint", cfg.Tracing.Endpoint)
		if cfg.Tracing.SamplingRate < 0 || cfg.Tracing.SamplingRate > 1 {
			v.AddError("tracing.samplingRate", "must be between 0 and 1", cfg.Tracing.SamplingRate)
		}
	}

	return v.Err()
}

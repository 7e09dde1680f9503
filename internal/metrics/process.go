// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	procTerminateTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netplumb_proc_terminate_total",
		Help: "Signals sent to plugin process groups by signal and result",
	}, []string{"signal", "result"})

	procWaitTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netplumb_proc_wait_total",
		Help: "Plugin process exits observed during termination by result",
	}, []string{"result"})

	PluginExitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netplumb_plugin_exits_total",
		Help: "External plugin process exits by plugin and cause",
	}, []string{"plugin", "cause"})

	PluginEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netplumb_plugin_events_total",
		Help: "Events handled by the plugin runtime by plugin and result",
	}, []string{"plugin", "result"})
)

// IncProcTerminate records a termination signal.
func IncProcTerminate(signal, result string) {
	procTerminateTotal.WithLabelValues(signal, result).Inc()
}

// IncProcWait records how a terminated process exited.
func IncProcWait(result string) {
	procWaitTotal.WithLabelValues(result).Inc()
}

// IncPluginExit records an external plugin exit; cause is stopped or crashed.
func IncPluginExit(plugin, cause string) {
	PluginExitsTotal.WithLabelValues(orUnknown(plugin), orUnknown(cause)).Inc()
}

// IncPluginEvent records one handled event; result is ok, error or panic.
func IncPluginEvent(plugin, result string) {
	PluginEventsTotal.WithLabelValues(orUnknown(plugin), orUnknown(result)).Inc()
}

// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WorkflowsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netplumb_commander_workflows_started_total",
		Help: "Workflows started by name",
	}, []string{"workflow"})

	WorkflowsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netplumb_commander_workflows_finished_total",
		Help: "Workflows finished by name and outcome",
	}, []string{"workflow", "outcome"})

	TaskRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netplumb_commander_task_retries_total",
		Help: "Task re-emissions by payload kind",
	}, []string{"kind"})

	workflowsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "netplumb_commander_workflows_active",
		Help: "Workflows currently in progress",
	})

	InvalidTransitions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "netplumb_commander_invalid_transitions_total",
		Help: "Lifecycle transitions the commander attempted but the event refused",
	})

	FollowUpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netplumb_commander_follow_ups_total",
		Help: "Follow-up events emitted by monitor rules",
	}, []string{"action"})
)

// IncWorkflowStarted records a new workflow.
func IncWorkflowStarted(name string) {
	WorkflowsStarted.WithLabelValues(orUnknown(name)).Inc()
}

// IncWorkflowFinished records a workflow outcome: completed, failed,
// deadline_exceeded, aborted.
func IncWorkflowFinished(name, outcome string) {
	WorkflowsFinished.WithLabelValues(orUnknown(name), orUnknown(outcome)).Inc()
}

// IncTaskRetry records a task re-emission.
func IncTaskRetry(kind string) {
	TaskRetries.WithLabelValues(orUnknown(kind)).Inc()
}

// SetActiveWorkflows records the number of in-progress workflows.
func SetActiveWorkflows(n int) {
	workflowsActive.Set(float64(n))
}

// IncFollowUp records an emitted monitor follow-up.
func IncFollowUp(action string) {
	FollowUpsTotal.WithLabelValues(orUnknown(action)).Inc()
}

// IncInvalidTransition records a refused lifecycle transition.
func IncInvalidTransition() {
	InvalidTransitions.Inc()
}

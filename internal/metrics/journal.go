// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var JournalWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "netplumb_journal_writes_total",
	Help: "Dead-letter journal writes by reason and result",
}, []string{"reason", "result"})

// IncJournalWrite records a dead-letter write.
func IncJournalWrite(reason, result string) {
	JournalWritesTotal.WithLabelValues(orUnknown(reason), orUnknown(result)).Inc()
}

// Package metrics holds the prometheus collectors exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TokensIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "geoattend",
		Name:      "scan_tokens_issued_total",
		Help:      "Scan tokens issued, by direction.",
	}, []string{"direction"})

	Scans = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "geoattend",
		Name:      "scans_total",
		Help:      "Scan submissions, by outcome code.",
	}, []string{"outcome"})

	SessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "geoattend",
		Name:      "sessions_created_total",
		Help:      "Class sessions opened.",
	})

	AuditAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "geoattend",
		Name:      "audit_events_total",
		Help:      "Scan events processed by the audit worker.",
	}, []string{"result"})
)

// ScanOutcome records a scan result. An empty code means success.
func ScanOutcome(code string) {
	if code == "" {
		code = "recorded"
	}
	Scans.WithLabelValues(code).Inc()
}

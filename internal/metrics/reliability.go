package metrics

import (
	"regexp"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reliabilityLabelSanitizer = regexp.MustCompile(`[^a-z0-9_]+`)

	jobFinalizationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "assetbuild",
			Subsystem: "reliability",
			Name:      "job_finalizations_total",
			Help:      "Total jobs reaching a terminal result, by result and required/optional mode",
		},
		[]string{"result", "mode"},
	)

	requiredFailurePropagationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "assetbuild",
			Subsystem: "reliability",
			Name:      "required_failure_propagations_total",
			Help:      "Total times a job was flipped to Failure by required-dependent propagation, by phase",
		},
		[]string{"phase"},
	)

	haltOnErrorAbortsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "assetbuild",
			Subsystem: "reliability",
			Name:      "halt_on_error_aborts_total",
			Help:      "Total level aborts caused by a Required job failure or a HaltOnError-promoted optional failure",
		},
		[]string{"kind"},
	)
)

// RecordJobFinalization records one job reaching a terminal Result.
func RecordJobFinalization(result, mode string) {
	jobFinalizationsTotal.WithLabelValues(
		sanitizeReliabilityLabel(result, "unknown"),
		sanitizeReliabilityLabel(mode, "unknown"),
	).Inc()
}

// RecordRequiredFailurePropagation records a Phase M or Phase O
// propagation flipping a job to Failure.
func RecordRequiredFailurePropagation(phase string) {
	requiredFailurePropagationsTotal.WithLabelValues(
		sanitizeReliabilityLabel(phase, "unknown"),
	).Inc()
}

// RecordHaltOnErrorAbort records a fatal level abort, tagged with a
// short cause label (the orchestrator passes "required_failure",
// "halt_on_error" or "phase_failure").
func RecordHaltOnErrorAbort(kind string) {
	haltOnErrorAbortsTotal.WithLabelValues(
		sanitizeReliabilityLabel(kind, "unknown"),
	).Inc()
}

func sanitizeReliabilityLabel(raw, fallback string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return fallback
	}
	s = reliabilityLabelSanitizer.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if s == "" {
		return fallback
	}
	if len(s) > 63 {
		s = s[:63]
	}
	return s
}

// Package metrics exposes Prometheus instrumentation for the bring-up
// engine: session-state transitions, DH-state transitions, and
// terminal outcomes.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// SessionStateTransitions counts every session_state transition,
	// labeled by the state entered.
	SessionStateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sshkex",
		Subsystem: "session",
		Name:      "state_transitions_total",
		Help:      "Number of times a session entered each session_state.",
	}, []string{"state"})

	// DHStateTransitions counts every dh_state transition, labeled by
	// the state entered.
	DHStateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sshkex",
		Subsystem: "dhkex",
		Name:      "state_transitions_total",
		Help:      "Number of times the DH handshake machine entered each dh_state.",
	}, []string{"state"})

	// Outcomes counts terminal bring-up outcomes, labeled by the
	// error kind ("" for a clean AUTHENTICATING exit).
	Outcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sshkex",
		Subsystem: "session",
		Name:      "outcomes_total",
		Help:      "Terminal outcomes of connect(), labeled by error kind (empty for success).",
	}, []string{"kind"})

	// BringUpDuration observes the wall-clock time from CONNECTING to
	// either AUTHENTICATING or ERROR.
	BringUpDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sshkex",
		Subsystem: "session",
		Name:      "bring_up_duration_seconds",
		Help:      "Time from CONNECTING to AUTHENTICATING or ERROR.",
		Buckets:   prometheus.DefBuckets,
	})
)

// MustRegister registers every collector in this package against reg.
// Callers that don't want process-wide globals touched should pass a
// fresh prometheus.Registry; internal/session registers against
// prometheus.DefaultRegisterer once per process.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(SessionStateTransitions, DHStateTransitions, Outcomes, BringUpDuration)
}

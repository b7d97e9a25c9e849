// Package metrics holds the domain Prometheus collectors. HTTP-level
// metrics live in the http package; these cover the trust core.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	tokensIssued     *prometheus.CounterVec
	refreshRotations *prometheus.CounterVec
	theftDetected    prometheus.Counter
	accessDecisions  *prometheus.CounterVec
	sessionsRevoked  prometheus.Counter
	outboxRetries    prometheus.Counter
	outboxDelivered  *prometheus.CounterVec
)

// Register initializes and registers the domain collectors. Safe to call
// more than once; duplicate registrations are ignored.
func Register(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	once.Do(func() {
		tokensIssued = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "launchpad_tokens_issued_total",
			Help: "Token pairs issued, by grant type",
		}, []string{"grant"})

		refreshRotations = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "launchpad_refresh_rotations_total",
			Help: "Refresh-token rotations, by result",
		}, []string{"result"}) // ok|invalid|theft

		theftDetected = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "launchpad_token_theft_detected_total",
			Help: "Refresh-token replays that triggered family revocation",
		})

		accessDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "launchpad_access_decisions_total",
			Help: "Access-rule evaluations, by decision",
		}, []string{"decision"})

		sessionsRevoked = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "launchpad_sessions_revoked_total",
			Help: "Sessions revoked by the invalidation broadcaster",
		})

		outboxRetries = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "launchpad_outbox_retries_total",
			Help: "Secondary-store deliveries that were rescheduled",
		})

		outboxDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "launchpad_outbox_delivered_total",
			Help: "Outbox entries delivered to the secondary store, by kind",
		}, []string{"kind"})
	})

	for _, c := range []prometheus.Collector{
		tokensIssued, refreshRotations, theftDetected,
		accessDecisions, sessionsRevoked, outboxRetries, outboxDelivered,
	} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				// collectors stay usable even when unregistered
				continue
			}
		}
	}
}

func IncTokensIssued(grant string) {
	if tokensIssued != nil {
		tokensIssued.WithLabelValues(grant).Inc()
	}
}

func IncRefreshRotation(result string) {
	if refreshRotations != nil {
		refreshRotations.WithLabelValues(result).Inc()
	}
}

func IncTheftDetected() {
	if theftDetected != nil {
		theftDetected.Inc()
	}
}

func IncAccessDecision(decision string) {
	if accessDecisions != nil {
		accessDecisions.WithLabelValues(decision).Inc()
	}
}

func IncSessionsRevoked() {
	if sessionsRevoked != nil {
		sessionsRevoked.Inc()
	}
}

func IncOutboxRetry() {
	if outboxRetries != nil {
		outboxRetries.Inc()
	}
}

func IncOutboxDelivered(kind string) {
	if outboxDelivered != nil {
		outboxDelivered.WithLabelValues(kind).Inc()
	}
}

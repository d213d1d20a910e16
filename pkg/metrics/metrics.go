package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Metering outcomes
	MeteredRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "void_metered_requests_total",
			Help: "Metered chat requests by tier and outcome",
		},
		[]string{"tier", "outcome"},
	)

	Denials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "void_denials_total",
			Help: "Denied requests by reason code",
		},
		[]string{"reason"},
	)

	ProCreditsSpent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "void_pro_credits_spent_total",
			Help: "Pro credits consumed by metered requests",
		},
	)

	// Payment lifecycle
	InvoicesCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "void_invoices_created_total",
			Help: "Invoices created by payment provider",
		},
		[]string{"provider"},
	)

	WebhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "void_webhook_events_total",
			Help: "Webhook deliveries by provider and result",
		},
		[]string{"provider", "result"},
	)

	TokensMinted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "void_pro_tokens_minted_total",
			Help: "Pro tokens minted by source (claim, reconcile, admin)",
		},
		[]string{"source"},
	)

	// Reconciliation
	ReconcileDetections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "void_reconcile_detections_total",
			Help: "Payments detected by the balance-diff reconciler, by asset",
		},
		[]string{"asset"},
	)

	OracleFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "void_oracle_failures_total",
			Help: "Price and balance oracle fetch failures by oracle",
		},
		[]string{"oracle"},
	)
)

// RecordDenial increments the denial counter for a reason code.
func RecordDenial(reason string) {
	Denials.WithLabelValues(reason).Inc()
}

// RecordMetered increments the metered request counter.
func RecordMetered(tier, outcome string) {
	MeteredRequests.WithLabelValues(tier, outcome).Inc()
}

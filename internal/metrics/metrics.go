package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tributum"

var (
	// HTTP
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
		},
		[]string{"method", "path"},
	)

	// Ledger oracle
	OracleCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "oracle",
			Name:      "calls_total",
			Help:      "Ledger queries by result (found, not_found, unreachable, rate_limited, malformed_response, circuit_open)",
		},
		[]string{"result"},
	)
	OracleBreakerState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "oracle",
			Name:      "breaker_state",
			Help:      "Circuit breaker state of the ledger oracle: 0 closed, 1 half-open, 2 open",
		},
	)

	// Verification
	SubmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "intake",
			Name:      "submissions_total",
			Help:      "Payment submissions by outcome (accepted, already_processed, invalid)",
		},
		[]string{"outcome"},
	)
	VerdictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "verification",
			Name:      "verdicts_total",
			Help:      "Terminal verdicts by kind and reason",
		},
		[]string{"kind", "reason"},
	)
	VerificationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "verification",
			Name:      "duration_seconds",
			Help:      "Time from the first ledger query to a terminal verdict",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 900, 1800},
		},
	)
	VerificationsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "verification",
			Name:      "in_flight",
			Help:      "Verifications currently polling the ledger",
		},
	)

	// Notifications
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "deliveries_total",
			Help:      "Notification deliveries by kind and result (sent, retry, dead_letter)",
		},
		[]string{"kind", "result"},
	)
	NotificationQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "queue_depth",
			Help:      "Notifications waiting for a delivery worker",
		},
	)

	// Billing
	SweepRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "sweep_runs_total",
			Help:      "Billing sweeps by result (completed, skipped, failed)",
		},
		[]string{"result"},
	)
	PastDueFlaggedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "past_due_flagged_total",
			Help:      "Subscriptions moved to past due by the sweep",
		},
	)
	RemindersSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "reminders_sent_total",
			Help:      "Upcoming payment reminders by days before due",
		},
		[]string{"days_before"},
	)
)

var initOnce sync.Once

// InitMetrics registers all collectors with the default registry. Safe to call more than once.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			OracleCallsTotal,
			OracleBreakerState,
			SubmissionsTotal,
			VerdictsTotal,
			VerificationDuration,
			VerificationsInFlight,
			NotificationsTotal,
			NotificationQueueDepth,
			SweepRunsTotal,
			PastDueFlaggedTotal,
			RemindersSentTotal,
		)
	})
}

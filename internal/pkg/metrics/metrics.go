package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// BillingMetrics holds the Prometheus collectors of the credit billing path.
type BillingMetrics struct {
	// Reservation protocol
	ReserveTotal     *prometheus.CounterVec   // by service, result (reserved/unlimited/already_charged/already_sent/insufficient/error)
	ReserveDuration  *prometheus.HistogramVec // by service
	ConfirmTotal     *prometheus.CounterVec   // by result (confirmed/noop/missing/error)
	RefundTotal      *prometheus.CounterVec   // by result (refunded/noop/missing/error)
	IntegrityFaults  *prometheus.CounterVec   // by op
	CreditsDebited   *prometheus.CounterVec   // by service
	CreditsRefunded  prometheus.Counter
	CreditsForfeited prometheus.Counter
	StaleReservation prometheus.Gauge

	// Ledger
	LedgerConflicts *prometheus.CounterVec // by op, every lost CAS
	LedgerExhausted *prometheus.CounterVec // by op, retries ran out

	// Top-ups & packages
	TopupTotal    *prometheus.CounterVec // by type
	TopupCredits  *prometheus.CounterVec // by type, credits added (forfeitures go to CreditsForfeited)
	PackageEvents *prometheus.CounterVec // by event (assigned/renewed/cancelled/expired), result
}

func newBillingMetrics() *BillingMetrics {
	return &BillingMetrics{
		ReserveTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_reserve_total",
				Help: "Total number of credit reservations",
			},
			[]string{"service", "result"},
		),
		ReserveDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "billing_reserve_duration_seconds",
				Help:    "Duration of credit reservations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"service"},
		),
		ConfirmTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_confirm_total",
				Help: "Total number of reservation confirmations",
			},
			[]string{"result"},
		),
		RefundTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_refund_total",
				Help: "Total number of reservation refunds",
			},
			[]string{"result"},
		),
		IntegrityFaults: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_integrity_faults_total",
				Help: "Confirm or refund calls for notifications without a usage row",
			},
			[]string{"op"},
		),
		CreditsDebited: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_credits_debited_total",
				Help: "Credits debited by reservations",
			},
			[]string{"service"},
		),
		CreditsRefunded: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "billing_credits_refunded_total",
				Help: "Credits returned by refunds",
			},
		),
		CreditsForfeited: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "billing_credits_forfeited_total",
				Help: "Credits removed by package forfeiture",
			},
		),
		StaleReservation: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "billing_stale_reservations",
				Help: "Reservations left in reserved state past the stale threshold",
			},
		),
		LedgerConflicts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_ledger_conflicts_total",
				Help: "Ledger writes that lost the version check",
			},
			[]string{"op"},
		),
		LedgerExhausted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_ledger_retries_exhausted_total",
				Help: "Ledger writes that gave up after the retry budget",
			},
			[]string{"op"},
		),
		TopupTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_topup_total",
				Help: "Total number of top-up ledger rows",
			},
			[]string{"type"},
		),
		TopupCredits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_topup_credits_total",
				Help: "Credits moved by top-up ledger rows",
			},
			[]string{"type"},
		),
		PackageEvents: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_package_events_total",
				Help: "Package lifecycle events",
			},
			[]string{"event", "result"},
		),
	}
}

var (
	defaultMetrics *BillingMetrics
	once           sync.Once
)

// Get returns the process-wide metrics, registering them on first use.
func Get() *BillingMetrics {
	once.Do(func() {
		defaultMetrics = newBillingMetrics()
	})
	return defaultMetrics
}

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the game authorisation and
// billing service.
type Metrics struct {
	// Pre-authorisation metrics (read-only rule checks, C3)
	PreAuthoriseTotal    *prometheus.CounterVec
	PreAuthoriseDuration *prometheus.HistogramVec

	// Authorisation metrics (debiting, C4)
	AuthoriseTotal       *prometheus.CounterVec
	AuthoriseFailedTotal *prometheus.CounterVec
	AuthoriseDuration    *prometheus.HistogramVec
	IdempotencyHitsTotal *prometheus.CounterVec

	// Session upload metrics
	SessionUploadsTotal *prometheus.CounterVec

	// Token validation metrics
	TokenValidationFailuresTotal *prometheus.CounterVec

	// Back-office metrics
	RefundsTotal         *prometheus.CounterVec
	RefundAmountTotal    prometheus.Counter
	InvoicesTotal        *prometheus.CounterVec
	RechargeOrdersTotal  *prometheus.CounterVec
	BalanceAdjustedTotal prometheus.Counter

	// Rate limiting metrics
	RateLimitHitsTotal *prometheus.CounterVec

	// Database metrics
	DBQueryDuration     *prometheus.HistogramVec
	DBConnectionsActive prometheus.Gauge

	// Monitoring metrics
	LowBalanceAlertsTotal prometheus.Counter
}

// New creates and registers all Prometheus metrics.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		PreAuthoriseTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gab_preauthorise_total",
				Help: "Total number of pre-authorisation checks performed",
			},
			[]string{"app_code", "status"},
		),
		PreAuthoriseDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gab_preauthorise_duration_seconds",
				Help:    "Time taken to evaluate a pre-authorisation request",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"app_code"},
		),

		AuthoriseTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gab_authorise_total",
				Help: "Total number of authorisation (debit) attempts",
			},
			[]string{"app_code", "status"},
		),
		AuthoriseFailedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gab_authorise_failed_total",
				Help: "Total number of failed authorisation attempts by reason",
			},
			[]string{"app_code", "reason"},
		),
		AuthoriseDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gab_authorise_duration_seconds",
				Help:    "Time taken to process an authorise request, including the operator row lock and debit",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"app_code"},
		),
		IdempotencyHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gab_idempotency_hits_total",
				Help: "Total number of requests satisfied from the idempotency window instead of debiting again",
			},
			[]string{"operation"},
		),

		SessionUploadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gab_session_uploads_total",
				Help: "Total number of game session uploads",
			},
			[]string{"status"},
		),

		TokenValidationFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gab_token_validation_failures_total",
				Help: "Total number of bearer token validation failures",
			},
			[]string{"token_type", "reason"},
		),

		RefundsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gab_refunds_total",
				Help: "Total number of refund requests by lifecycle status",
			},
			[]string{"status"},
		),
		RefundAmountTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "gab_refund_amount_atomic_total",
				Help: "Total approved refund amount in minor currency units (fen)",
			},
		),
		InvoicesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gab_invoices_total",
				Help: "Total number of invoices by lifecycle status",
			},
			[]string{"status"},
		),
		RechargeOrdersTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gab_recharge_orders_total",
				Help: "Total number of recharge orders by lifecycle status",
			},
			[]string{"status"},
		),
		BalanceAdjustedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "gab_balance_adjustments_total",
				Help: "Total number of manual admin balance adjustments",
			},
		),

		RateLimitHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gab_rate_limit_hits_total",
				Help: "Total number of rate limit hits",
			},
			[]string{"limit_type", "identifier"},
		),

		DBQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gab_db_query_duration_seconds",
				Help:    "Database query duration (supports p50, p95, p99 percentiles)",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1, 2},
			},
			[]string{"operation", "backend"},
		),
		DBConnectionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "gab_db_connections_active",
				Help: "Number of active database connections",
			},
		),

		LowBalanceAlertsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "gab_low_balance_alerts_total",
				Help: "Total number of low operator balance alerts sent",
			},
		),
	}
}

// ObservePreAuthorise records a pre-authorisation check.
func (m *Metrics) ObservePreAuthorise(appCode string, success bool, duration time.Duration) {
	status := "denied"
	if success {
		status = "approved"
	}
	m.PreAuthoriseTotal.WithLabelValues(appCode, status).Inc()
	m.PreAuthoriseDuration.WithLabelValues(appCode).Observe(duration.Seconds())
}

// ObserveAuthorise records an authorise (debit) attempt and its outcome.
func (m *Metrics) ObserveAuthorise(appCode string, success bool, duration time.Duration, failureReason string) {
	status := "failed"
	if success {
		status = "success"
	}
	m.AuthoriseTotal.WithLabelValues(appCode, status).Inc()
	m.AuthoriseDuration.WithLabelValues(appCode).Observe(duration.Seconds())
	if !success && failureReason != "" {
		m.AuthoriseFailedTotal.WithLabelValues(appCode, failureReason).Inc()
	}
}

// ObserveIdempotencyHit records a request satisfied by the 30-second
// business-key idempotency window instead of performing a fresh debit.
func (m *Metrics) ObserveIdempotencyHit(operation string) {
	m.IdempotencyHitsTotal.WithLabelValues(operation).Inc()
}

// ObserveSessionUpload records a game session upload.
func (m *Metrics) ObserveSessionUpload(success bool) {
	status := "failed"
	if success {
		status = "success"
	}
	m.SessionUploadsTotal.WithLabelValues(status).Inc()
}

// ObserveTokenValidationFailure records a bearer token rejected during
// verification, tagged with the expected token type and failure reason
// ("invalid_or_expired" or "wrong_type").
func (m *Metrics) ObserveTokenValidationFailure(tokenType, reason string) {
	m.TokenValidationFailuresTotal.WithLabelValues(tokenType, reason).Inc()
}

// ObserveRefund records a refund lifecycle transition.
func (m *Metrics) ObserveRefund(status string, approvedAtomicAmount int64) {
	m.RefundsTotal.WithLabelValues(status).Inc()
	if status == "approved" && approvedAtomicAmount > 0 {
		m.RefundAmountTotal.Add(float64(approvedAtomicAmount))
	}
}

// ObserveInvoice records an invoice lifecycle transition.
func (m *Metrics) ObserveInvoice(status string) {
	m.InvoicesTotal.WithLabelValues(status).Inc()
}

// ObserveRechargeOrder records a recharge order lifecycle transition.
func (m *Metrics) ObserveRechargeOrder(status string) {
	m.RechargeOrdersTotal.WithLabelValues(status).Inc()
}

// ObserveBalanceAdjustment records a manual admin balance adjustment.
func (m *Metrics) ObserveBalanceAdjustment() {
	m.BalanceAdjustedTotal.Inc()
}

// ObserveRateLimit records a rate limit hit.
func (m *Metrics) ObserveRateLimit(limitType, identifier string) {
	m.RateLimitHitsTotal.WithLabelValues(limitType, identifier).Inc()
}

// ObserveDBQuery records a database query.
func (m *Metrics) ObserveDBQuery(operation, backend string, duration time.Duration) {
	m.DBQueryDuration.WithLabelValues(operation, backend).Observe(duration.Seconds())
}

// ObserveLowBalanceAlert records a low operator balance alert delivery.
func (m *Metrics) ObserveLowBalanceAlert() {
	m.LowBalanceAlertsTotal.Inc()
}

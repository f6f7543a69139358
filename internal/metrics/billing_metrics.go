package metrics

import (
	"time"

	"github.com/Dhoini/Billing-orchestrator/internal/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Исходы обработки намерения
const (
	OutcomeActivated = "activated"
	OutcomeFailed    = "failed"
	OutcomeRetry     = "retry"
	OutcomeReleased  = "released"
	OutcomeUnknown   = "unknown"
	OutcomeSkipped   = "skipped"
)

// BillingMetrics метрики оркестратора подписок
type BillingMetrics interface {
	IncIntentOutcome(provider domain.Provider, outcome string)
	ObserveProviderCall(provider domain.Provider, operation string, err error, duration time.Duration)
	IncWebhookEvent(provider domain.Provider, kind domain.EventKind, result string)
	ObserveLedgerCapture(provider domain.Provider, amount domain.Money)
	ObserveJobRun(job string, err error, duration time.Duration)
}

type billingMetrics struct {
	intents       *prometheus.CounterVec
	providerCalls *prometheus.CounterVec
	providerTime  *prometheus.HistogramVec
	webhooks      *prometheus.CounterVec
	ledgerEntries *prometheus.CounterVec
	ledgerAmount  *prometheus.HistogramVec
	jobRuns       *prometheus.CounterVec
	jobTime       *prometheus.HistogramVec
}

// NewBillingMetrics регистрирует метрики в registry
func NewBillingMetrics(registry prometheus.Registerer) BillingMetrics {
	factory := promauto.With(registry)

	return &billingMetrics{
		intents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_intents_processed_total",
			Help: "Subscription intents processed by outcome",
		}, []string{"provider", "outcome"}),

		providerCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_provider_calls_total",
			Help: "Payment provider calls by operation and result",
		}, []string{"provider", "operation", "result"}),

		providerTime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "billing_provider_call_duration_seconds",
			Help:    "Payment provider call latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider", "operation"}),

		webhooks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_webhook_events_total",
			Help: "Verified provider webhook events by kind and result",
		}, []string{"provider", "kind", "result"}),

		ledgerEntries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_ledger_entries_total",
			Help: "Payment ledger entries written",
		}, []string{"provider", "currency"}),

		ledgerAmount: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "billing_ledger_amount",
			Help:    "Captured amounts in major currency units",
			Buckets: prometheus.ExponentialBuckets(10, 10, 5), // 10, 100, 1000, 10000, 100000
		}, []string{"provider", "currency"}),

		jobRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_job_runs_total",
			Help: "Batch job runs by result",
		}, []string{"job", "result"}),

		jobTime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "billing_job_duration_seconds",
			Help:    "Batch job duration",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"job"}),
	}
}

func (m *billingMetrics) IncIntentOutcome(provider domain.Provider, outcome string) {
	m.intents.WithLabelValues(string(provider), outcome).Inc()
}

// ObserveProviderCall result: ok, transient, terminal, timeout или error
func (m *billingMetrics) ObserveProviderCall(provider domain.Provider, operation string, err error, duration time.Duration) {
	m.providerCalls.WithLabelValues(string(provider), operation, callResult(err)).Inc()
	m.providerTime.WithLabelValues(string(provider), operation).Observe(duration.Seconds())
}

func (m *billingMetrics) IncWebhookEvent(provider domain.Provider, kind domain.EventKind, result string) {
	m.webhooks.WithLabelValues(string(provider), string(kind), result).Inc()
}

func (m *billingMetrics) ObserveLedgerCapture(provider domain.Provider, amount domain.Money) {
	m.ledgerEntries.WithLabelValues(string(provider), amount.Currency).Inc()
	m.ledgerAmount.WithLabelValues(string(provider), amount.Currency).Observe(amount.Major().InexactFloat64())
}

func (m *billingMetrics) ObserveJobRun(job string, err error, duration time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.jobRuns.WithLabelValues(job, result).Inc()
	m.jobTime.WithLabelValues(job).Observe(duration.Seconds())
}

func callResult(err error) string {
	if err == nil {
		return "ok"
	}
	perr, ok := domain.AsProviderError(err)
	switch {
	case !ok:
		return "error"
	case perr.Timeout:
		return "timeout"
	default:
		return string(perr.Kind)
	}
}

// Nop метрики для тестов и CLI
type Nop struct{}

var _ BillingMetrics = Nop{}

func (Nop) IncIntentOutcome(domain.Provider, string)                          {}
func (Nop) ObserveProviderCall(domain.Provider, string, error, time.Duration) {}
func (Nop) IncWebhookEvent(domain.Provider, domain.EventKind, string)         {}
func (Nop) ObserveLedgerCapture(domain.Provider, domain.Money)                {}
func (Nop) ObserveJobRun(string, error, time.Duration)                        {}

package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/Dhoini/Billing-orchestrator/internal/domain"
	"github.com/Dhoini/Billing-orchestrator/pkg/logger"
	"github.com/stretchr/testify/assert"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestBillingMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewBillingMetrics(registry).(*billingMetrics)

	m.IncIntentOutcome(domain.ProviderCardNetwork, OutcomeActivated)
	m.IncIntentOutcome(domain.ProviderCardNetwork, OutcomeActivated)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.intents.WithLabelValues("CARD_NETWORK", OutcomeActivated)))

	m.ObserveProviderCall(domain.ProviderWallet, "create_recurring", nil, time.Second)
	m.ObserveProviderCall(domain.ProviderWallet, "create_recurring",
		domain.NewTerminalError(domain.ProviderWallet, "instrument_declined", "declined", nil), time.Second)
	m.ObserveProviderCall(domain.ProviderWallet, "create_recurring", domain.NewTimeoutError(domain.ProviderWallet, nil), time.Second)
	m.ObserveProviderCall(domain.ProviderWallet, "create_recurring", errors.New("boom"), time.Second)
	for _, result := range []string{"ok", "terminal", "timeout", "error"} {
		assert.Equal(t, 1.0, testutil.ToFloat64(m.providerCalls.WithLabelValues("WALLET", "create_recurring", result)), result)
	}

	m.ObserveLedgerCapture(domain.ProviderCardNetwork, domain.NewMoney(4900, "usd"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ledgerEntries.WithLabelValues("CARD_NETWORK", "usd")))

	m.ObserveJobRun("process_intents", errors.New("db down"), time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobRuns.WithLabelValues("process_intents", "error")))

	m.IncWebhookEvent(domain.ProviderCardNetwork, domain.EventPaymentCaptured, "duplicate")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.webhooks.WithLabelValues("CARD_NETWORK", "payment.captured", "duplicate")))
}

func TestSystemMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewSystemMetrics(registry, logger.NewNop()).(*systemMetrics)

	m.Record()
	assert.Greater(t, testutil.ToFloat64(m.goroutines), 0.0)
	assert.Greater(t, testutil.ToFloat64(m.memorySystem), 0.0)

	m.StartRecording(time.Hour)
	m.Stop()
	m.Stop()
}

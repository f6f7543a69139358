package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Dhoini/Billing-orchestrator/internal/domain"
	"github.com/Dhoini/Billing-orchestrator/internal/gateway"
	"github.com/Dhoini/Billing-orchestrator/internal/metrics"
	"github.com/Dhoini/Billing-orchestrator/internal/notify"
	"github.com/Dhoini/Billing-orchestrator/internal/repository/memory"
	"github.com/Dhoini/Billing-orchestrator/pkg/logger"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

type mockGateway struct {
	mock.Mock
	provider domain.Provider
}

var _ gateway.Gateway = (*mockGateway)(nil)

func newMockGateway(provider domain.Provider) *mockGateway {
	return &mockGateway{provider: provider}
}

func (m *mockGateway) Provider() domain.Provider { return m.provider }

func (m *mockGateway) AttachCredential(ctx context.Context, req gateway.AttachRequest) (*gateway.AttachResult, error) {
	args := m.Called(req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.AttachResult), args.Error(1)
}

func (m *mockGateway) ChargeOffSession(ctx context.Context, req gateway.ChargeRequest) (*gateway.ChargeResult, error) {
	args := m.Called(req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.ChargeResult), args.Error(1)
}

func (m *mockGateway) CreateRecurring(ctx context.Context, req gateway.RecurringRequest) (*gateway.RecurringResult, error) {
	args := m.Called(req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.RecurringResult), args.Error(1)
}

func (m *mockGateway) CancelRecurring(ctx context.Context, externalID string, atPeriodEnd bool) error {
	return m.Called(externalID, atPeriodEnd).Error(0)
}

func (m *mockGateway) ResumeRecurring(ctx context.Context, externalID string) error {
	return m.Called(externalID).Error(0)
}

func (m *mockGateway) LookupRecurring(ctx context.Context, reference string) (*gateway.RecurringResult, error) {
	args := m.Called(reference)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.RecurringResult), args.Error(1)
}

type recordingNotifier struct {
	mu            sync.Mutex
	notifications []domain.Notification
	events        []notify.EventType
}

func (r *recordingNotifier) Notify(_ context.Context, n domain.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifications = append(r.notifications, n)
}

func (r *recordingNotifier) SubscriptionChanged(_ context.Context, eventType notify.EventType, _ *domain.Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, eventType)
}

func (r *recordingNotifier) ofType(t domain.NotificationType) []domain.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.Notification
	for _, n := range r.notifications {
		if n.Type == t {
			out = append(out, n)
		}
	}
	return out
}

func (r *recordingNotifier) eventCount(t notify.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, e := range r.events {
		if e == t {
			count++
		}
	}
	return count
}

type fixture struct {
	t        *testing.T
	ctx      context.Context
	orders   *memory.OrderRepo
	intents  *memory.IntentRepo
	subs     *memory.SubscriptionRepo
	vault    *memory.VaultRepo
	ledger   *memory.LedgerRepo
	events   *memory.WebhookEventRepo
	card     *mockGateway
	wallet   *mockGateway
	notifier *recordingNotifier
	settings Settings
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	return &fixture{
		t:        t,
		ctx:      context.Background(),
		orders:   memory.NewOrderRepo(),
		intents:  memory.NewIntentRepo(),
		subs:     memory.NewSubscriptionRepo(),
		vault:    memory.NewVaultRepo(),
		ledger:   memory.NewLedgerRepo(),
		events:   memory.NewWebhookEventRepo(),
		card:     newMockGateway(domain.ProviderCardNetwork),
		wallet:   newMockGateway(domain.ProviderWallet),
		notifier: &recordingNotifier{},
		settings: Settings{
			MaxAttempts:     3,
			RetryDelay:      6 * time.Hour,
			Workers:         4,
			BatchSize:       100,
			StaleAfter:      30 * time.Minute,
			ProviderTimeout: time.Second,
		},
		now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (f *fixture) clock() time.Time { return f.now }

func (f *fixture) registry() *gateway.Registry {
	return gateway.NewRegistry(f.card, f.wallet)
}

func (f *fixture) newLedger() *Ledger {
	return NewLedger(f.ledger, metrics.Nop{}, logger.NewNop())
}

func (f *fixture) processor() *IntentProcessor {
	p := NewIntentProcessor(f.intents, f.orders, f.vault, f.subs, f.newLedger(), f.registry(),
		f.notifier, metrics.Nop{}, f.settings, logger.NewNop())
	p.now = f.clock
	p.newBO = func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 1)
	}
	return p
}

func (f *fixture) scheduler() *IntentScheduler {
	s := NewIntentScheduler(f.orders, f.intents, 7, "usd", logger.NewNop())
	s.now = f.clock
	return s
}

func (f *fixture) lifecycle() *LifecycleManager {
	m := NewLifecycleManager(f.subs, f.vault, f.registry(), f.notifier, metrics.Nop{}, f.settings, logger.NewNop())
	m.now = f.clock
	return m
}

func (f *fixture) vaultService() *VaultService {
	s := NewVaultService(f.vault, f.orders, f.subs, f.registry(), metrics.Nop{}, f.settings, logger.NewNop())
	s.now = f.clock
	return s
}

func (f *fixture) reconciler() *Reconciler {
	r := NewReconciler(ReconcilerDeps{
		Events:   f.events,
		Subs:     f.subs,
		Intents:  f.intents,
		Orders:   f.orders,
		Vault:    f.vault,
		Ledger:   f.newLedger(),
		VaultSvc: f.vaultService(),
		Notifier: f.notifier,
		Metrics:  metrics.Nop{},
	}, f.settings, logger.NewNop())
	r.now = f.clock
	return r
}

func (f *fixture) renewals() *RenewalService {
	s := NewRenewalService(f.subs, f.vault, f.newLedger(), f.registry(), f.notifier, metrics.Nop{}, f.settings, logger.NewNop())
	s.now = f.clock
	return s
}

func (f *fixture) seedOrder(provider domain.Provider) *domain.Order {
	order := &domain.Order{
		ID:            uuid.New(),
		CustomerID:    uuid.New(),
		CustomerEmail: "jane@example.com",
		CustomerName:  "Jane Doe",
		Provider:      provider,
		Status:        domain.OrderStatusPending,
	}
	require.NoError(f.t, f.orders.Create(f.ctx, order))
	return order
}

func (f *fixture) seedVault(customerID uuid.UUID, provider domain.Provider, externalCustomerID string) *domain.VaultCredential {
	cred := &domain.VaultCredential{
		ID:                 uuid.New(),
		CustomerID:         customerID,
		Provider:           provider,
		ExternalCustomerID: externalCustomerID,
		ExternalVaultID:    "pm_" + externalCustomerID,
		CustomerEmail:      "jane@example.com",
		CustomerName:       "Jane Doe",
		Active:             true,
		CreatedAt:          f.now,
	}
	require.NoError(f.t, f.vault.Replace(f.ctx, cred))
	return cred
}

func (f *fixture) seedIntent(order *domain.Order, scheduled time.Time) *domain.SubscriptionIntent {
	intent := &domain.SubscriptionIntent{
		ID:            uuid.New(),
		OrderID:       order.ID,
		Provider:      order.Provider,
		ServiceName:   "Registered agent",
		Amount:        4900,
		Currency:      "usd",
		Interval:      domain.IntervalYearly,
		ScheduledDate: scheduled,
		Status:        domain.IntentStatusScheduled,
		CreatedAt:     f.now,
		UpdatedAt:     f.now,
	}
	require.NoError(f.t, f.intents.CreateBatch(f.ctx, []*domain.SubscriptionIntent{intent}))
	return intent
}

func (f *fixture) seedSubscription(ownerID uuid.UUID, provider domain.Provider, externalID string, periodEnd time.Time) *domain.Subscription {
	sub := &domain.Subscription{
		ID:                 uuid.New(),
		OwnerID:            ownerID,
		Name:               "Registered agent",
		Status:             domain.SubscriptionStatusActive,
		Amount:             4900,
		Currency:           "usd",
		Interval:           domain.IntervalMonthly,
		Provider:           provider,
		ExternalID:         externalID,
		CurrentPeriodStart: periodEnd.AddDate(0, -1, 0),
		CurrentPeriodEnd:   periodEnd,
	}
	created, err := f.subs.CreateIfAbsent(f.ctx, sub)
	require.NoError(f.t, err)
	require.True(f.t, created)
	return sub
}

func (f *fixture) intent(id uuid.UUID) *domain.SubscriptionIntent {
	intent, err := f.intents.GetByID(f.ctx, id)
	require.NoError(f.t, err)
	return intent
}

func (f *fixture) subscription(id uuid.UUID) *domain.Subscription {
	sub, err := f.subs.GetByID(f.ctx, id)
	require.NoError(f.t, err)
	return sub
}

func recurringResult(externalID string, start time.Time, charge bool) *gateway.RecurringResult {
	res := &gateway.RecurringResult{
		ExternalID:  externalID,
		Status:      domain.SubscriptionStatusActive,
		PeriodStart: start,
		PeriodEnd:   start.AddDate(1, 0, 0),
	}
	if charge {
		res.Charge = &gateway.ChargeResult{
			TransactionID: "in_" + externalID,
			Amount:        domain.NewMoney(4900, "usd"),
			CapturedAt:    start,
		}
	}
	return res
}

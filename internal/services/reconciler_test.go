package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Dhoini/Billing-orchestrator/internal/domain"
	"github.com/Dhoini/Billing-orchestrator/internal/notify"
	"github.com/Dhoini/Billing-orchestrator/internal/repository/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/google/uuid"
)

func captured(eventID, txID, customerID, reference string) domain.PaymentCaptured {
	return domain.PaymentCaptured{
		EventMeta: domain.EventMeta{
			Provider:   domain.ProviderCardNetwork,
			EventID:    eventID,
			Type:       "invoice.paid",
			OccurredAt: time.Date(2025, 1, 11, 0, 0, 5, 0, time.UTC),
		},
		TransactionID:      txID,
		ExternalCustomerID: customerID,
		Reference:          reference,
		Amount:             domain.NewMoney(4900, "usd"),
		Description:        "Registered agent",
	}
}

func TestDuplicateCaptureProducesSingleLedgerEntry(t *testing.T) {
	f := newFixture(t)
	owner := uuid.New()
	f.seedVault(owner, domain.ProviderCardNetwork, "cus_1")
	r := f.reconciler()

	// та же доставка повторно и другая доставка той же транзакции
	require.NoError(t, r.HandleEvent(f.ctx, captured("evt_1", "tx_123", "cus_1", "")))
	require.NoError(t, r.HandleEvent(f.ctx, captured("evt_1", "tx_123", "cus_1", "")))
	require.NoError(t, r.HandleEvent(f.ctx, captured("evt_2", "tx_123", "cus_1", "")))

	assert.Equal(t, 1, f.ledger.Len())
	entry, err := f.ledger.GetByExternalTransactionID(f.ctx, "tx_123")
	require.NoError(t, err)
	assert.Equal(t, owner, entry.OwnerID)
	assert.Equal(t, int64(4900), entry.Amount)
	assert.Equal(t, domain.PaymentStatusCompleted, entry.Status)
}

func TestInitialOrderPaymentMarksOrderReceived(t *testing.T) {
	f := newFixture(t)
	order := f.seedOrder(domain.ProviderCardNetwork)
	r := f.reconciler()

	ev := captured("evt_1", "pi_1", "", domain.OrderReference(order.ID))
	require.NoError(t, r.HandleEvent(f.ctx, ev))
	ev.EventID = "evt_2"
	require.NoError(t, r.HandleEvent(f.ctx, ev))

	stored, err := f.orders.GetByID(f.ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusProcessing, stored.Status)

	milestones, err := f.orders.ListMilestones(f.ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, milestones, 1)
	assert.Equal(t, domain.MilestoneOrderReceived, milestones[0].Type)

	entry, err := f.ledger.GetByExternalTransactionID(f.ctx, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, order.CustomerID, entry.OwnerID)
	assert.Equal(t, order.ID, *entry.OrderID)
}

func TestCaptureActivatesProcessingIntent(t *testing.T) {
	f := newFixture(t)
	order := f.seedOrder(domain.ProviderWallet)
	f.seedVault(order.CustomerID, domain.ProviderWallet, "payer_1")
	intent := f.seedIntent(order, f.now)
	claimed, err := f.intents.Claim(f.ctx, intent.ID, f.now)
	require.NoError(t, err)
	require.True(t, claimed)

	ev := captured("WH-1", "CAPTURE-1", "", intent.Reference())
	ev.Provider = domain.ProviderWallet
	require.NoError(t, f.reconciler().HandleEvent(f.ctx, ev))

	stored := f.intent(intent.ID)
	assert.Equal(t, domain.IntentStatusActive, stored.Status)
	sub := f.subscription(*stored.SubscriptionID)
	assert.Equal(t, intent.Reference(), sub.ExternalID)
	assert.Equal(t, domain.IntervalYearly.Next(ev.OccurredAt), sub.CurrentPeriodEnd)

	assert.Equal(t, 1, f.ledger.Len())
	entry, err := f.ledger.GetByExternalTransactionID(f.ctx, "CAPTURE-1")
	require.NoError(t, err)
	assert.Equal(t, sub.ID, *entry.SubscriptionID)
	assert.Len(t, f.notifier.ofType(domain.NotificationSubscriptionActivated), 1)
}

func upserted(eventID, externalID string, status domain.SubscriptionStatus, at time.Time) domain.SubscriptionUpserted {
	return domain.SubscriptionUpserted{
		EventMeta: domain.EventMeta{
			Provider:   domain.ProviderCardNetwork,
			EventID:    eventID,
			Type:       "customer.subscription.updated",
			OccurredAt: at,
		},
		ExternalID:  externalID,
		Status:      status,
		PeriodStart: time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC),
		PeriodEnd:   time.Date(2025, 7, 30, 0, 0, 0, 0, time.UTC),
	}
}

func TestSubscriptionUpdatesAreFullOverwritesInOrder(t *testing.T) {
	f := newFixture(t)
	sub := f.seedSubscription(uuid.New(), domain.ProviderCardNetwork, "sub_1", periodEnd)
	r := f.reconciler()

	newer := upserted("evt_2", "sub_1", domain.SubscriptionStatusSuspended, time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, r.HandleEvent(f.ctx, newer))
	require.NoError(t, r.HandleEvent(f.ctx, newer))

	stored := f.subscription(sub.ID)
	assert.Equal(t, domain.SubscriptionStatusSuspended, stored.Status)
	assert.Equal(t, newer.PeriodEnd, stored.CurrentPeriodEnd)

	// событие, пришедшее позже, но случившееся раньше
	older := upserted("evt_1", "sub_1", domain.SubscriptionStatusActive, time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC))
	require.NoError(t, r.HandleEvent(f.ctx, older))
	assert.Equal(t, domain.SubscriptionStatusSuspended, f.subscription(sub.ID).Status)
	assert.Equal(t, 1, f.notifier.eventCount(notify.EventSubscriptionUpdated))
}

func TestSubscriptionCreatedActivatesIntentByReference(t *testing.T) {
	f := newFixture(t)
	order := f.seedOrder(domain.ProviderCardNetwork)
	f.seedVault(order.CustomerID, domain.ProviderCardNetwork, "cus_1")
	intent := f.seedIntent(order, f.now)
	_, err := f.intents.Claim(f.ctx, intent.ID, f.now)
	require.NoError(t, err)

	ev := upserted("evt_1", "sub_new", domain.SubscriptionStatusActive, f.now)
	ev.Reference = intent.Reference()
	require.NoError(t, f.reconciler().HandleEvent(f.ctx, ev))

	stored := f.intent(intent.ID)
	assert.Equal(t, domain.IntentStatusActive, stored.Status)
	assert.Equal(t, "sub_new", f.subscription(*stored.SubscriptionID).ExternalID)
}

func TestUnknownSubscriptionUpdateIsIgnored(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.reconciler().HandleEvent(f.ctx, upserted("evt_1", "sub_unknown", domain.SubscriptionStatusActive, f.now)))

	rec, err := f.events.ListUnprocessed(f.ctx, 10, f.now.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, rec)
}

func TestSubscriptionDeletedIsTerminal(t *testing.T) {
	f := newFixture(t)
	owner := uuid.New()
	sub := f.seedSubscription(owner, domain.ProviderCardNetwork, "sub_1", periodEnd)
	f.now = periodEnd
	r := f.reconciler()

	deleted := domain.SubscriptionDeleted{
		EventMeta:  domain.EventMeta{Provider: domain.ProviderCardNetwork, EventID: "evt_del", Type: "customer.subscription.deleted", OccurredAt: periodEnd},
		ExternalID: "sub_1",
	}
	require.NoError(t, r.HandleEvent(f.ctx, deleted))

	stored := f.subscription(sub.ID)
	assert.Equal(t, domain.SubscriptionStatusCancelled, stored.Status)
	require.NotNil(t, stored.CancelledAt)
	assert.Equal(t, periodEnd, *stored.CancelledAt)

	// поздний update не возвращает подписку к жизни
	late := upserted("evt_late", "sub_1", domain.SubscriptionStatusActive, periodEnd.Add(time.Hour))
	require.NoError(t, r.HandleEvent(f.ctx, late))
	assert.Equal(t, domain.SubscriptionStatusCancelled, f.subscription(sub.ID).Status)
	assert.Equal(t, 1, f.notifier.eventCount(notify.EventSubscriptionCancelled))
}

func TestPaymentFailedSuspendsAndNotifies(t *testing.T) {
	f := newFixture(t)
	owner := uuid.New()
	f.seedVault(owner, domain.ProviderCardNetwork, "cus_1")
	sub := f.seedSubscription(owner, domain.ProviderCardNetwork, "sub_1", periodEnd)
	r := f.reconciler()

	ev := domain.PaymentFailed{
		EventMeta:              domain.EventMeta{Provider: domain.ProviderCardNetwork, EventID: "evt_f", Type: "invoice.payment_failed", OccurredAt: f.now},
		ExternalSubscriptionID: "sub_1",
		Reason:                 "card_declined",
	}
	require.NoError(t, r.HandleEvent(f.ctx, ev))
	ev.EventID = "evt_f2"
	require.NoError(t, r.HandleEvent(f.ctx, ev))

	assert.Equal(t, domain.SubscriptionStatusSuspended, f.subscription(sub.ID).Status)
	failed := f.notifier.ofType(domain.NotificationPaymentFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, domain.RemediationUpdatePaymentMethod, failed[0].Action)
	assert.Equal(t, "jane@example.com", failed[0].CustomerEmail)
}

func TestIgnoredEventsAreNotRecorded(t *testing.T) {
	f := newFixture(t)
	ev := domain.IgnoredEvent{EventMeta: domain.EventMeta{Provider: domain.ProviderCardNetwork, EventID: "evt_x", Type: "charge.refund.updated"}}
	require.NoError(t, f.reconciler().HandleEvent(f.ctx, ev))

	rec, err := f.events.ListUnprocessed(f.ctx, 10, f.now.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, rec)
}

func TestCredentialEvents(t *testing.T) {
	f := newFixture(t)
	owner := uuid.New()
	f.seedVault(owner, domain.ProviderWallet, "payer_1")
	r := f.reconciler()

	stored := domain.CredentialStored{
		EventMeta:          domain.EventMeta{Provider: domain.ProviderWallet, EventID: "WH-1", Type: "VAULT.PAYMENT-TOKEN.CREATED"},
		ExternalCustomerID: "payer_1",
		ExternalVaultID:    "token_2",
	}
	require.NoError(t, r.HandleEvent(f.ctx, stored))

	active, err := f.vault.GetActive(f.ctx, owner, domain.ProviderWallet)
	require.NoError(t, err)
	assert.Equal(t, "token_2", active.ExternalVaultID)
	assert.Equal(t, "jane@example.com", active.CustomerEmail)
	assert.Len(t, f.vault.All(), 2)

	revoked := domain.CredentialRevoked{
		EventMeta:       domain.EventMeta{Provider: domain.ProviderWallet, EventID: "WH-2", Type: "VAULT.PAYMENT-TOKEN.DELETED"},
		ExternalVaultID: "token_2",
	}
	require.NoError(t, r.HandleEvent(f.ctx, revoked))
	_, err = f.vault.GetActive(f.ctx, owner, domain.ProviderWallet)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

type flakyLedger struct {
	*memory.LedgerRepo
	fail bool
}

func (l *flakyLedger) InsertIfAbsent(ctx context.Context, entry *domain.PaymentLedgerEntry) (bool, error) {
	if l.fail {
		return false, errors.New("connection refused")
	}
	return l.LedgerRepo.InsertIfAbsent(ctx, entry)
}

func TestFailedEventIsReplayed(t *testing.T) {
	f := newFixture(t)
	owner := uuid.New()
	f.seedVault(owner, domain.ProviderCardNetwork, "cus_1")

	flaky := &flakyLedger{LedgerRepo: f.ledger, fail: true}
	r := f.reconciler()
	r.ledger = NewLedger(flaky, r.metrics, r.log)

	err := r.HandleEvent(f.ctx, captured("evt_1", "tx_1", "cus_1", ""))
	require.Error(t, err)
	assert.Equal(t, 0, f.ledger.Len())

	flaky.fail = false
	f.now = f.now.Add(2 * time.Minute)
	replayed, err := r.ReplayFailed(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, replayed)
	assert.Equal(t, 1, f.ledger.Len())

	// обработанное событие больше не переигрывается и повтор доставки ничего не делает
	replayed, err = r.ReplayFailed(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, replayed)
	require.NoError(t, r.HandleEvent(f.ctx, captured("evt_1", "tx_1", "cus_1", "")))
	assert.Equal(t, 1, f.ledger.Len())
}

func TestSweepEndedWalletCancellations(t *testing.T) {
	f := newFixture(t)
	owner := uuid.New()
	ended := f.seedSubscription(owner, domain.ProviderWallet, "ref_1", periodEnd)
	running := f.seedSubscription(owner, domain.ProviderWallet, "ref_2", periodEnd.AddDate(0, 1, 0))
	card := f.seedSubscription(owner, domain.ProviderCardNetwork, "sub_1", periodEnd)
	for _, id := range []uuid.UUID{ended.ID, running.ID, card.ID} {
		_, err := f.subs.SetCancellation(f.ctx, id, true, &f.now, domain.ProviderActionNone)
		require.NoError(t, err)
	}

	f.now = periodEnd.Add(time.Minute)
	done, err := f.reconciler().SweepEndedCancellations(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, done)

	assert.Equal(t, domain.SubscriptionStatusCancelled, f.subscription(ended.ID).Status)
	assert.Equal(t, domain.SubscriptionStatusActive, f.subscription(running.ID).Status)
	// карточные подписки отменяет провайдер
	assert.Equal(t, domain.SubscriptionStatusActive, f.subscription(card.ID).Status)
}

func TestSweepCancelsExpiredWalletSuspensions(t *testing.T) {
	f := newFixture(t)
	f.settings.SuspensionGrace = 30 * 24 * time.Hour
	owner := uuid.New()
	lapsed := f.seedSubscription(owner, domain.ProviderWallet, "ref_1", periodEnd)
	recent := f.seedSubscription(owner, domain.ProviderWallet, "ref_2", periodEnd.AddDate(0, 0, 20))
	card := f.seedSubscription(owner, domain.ProviderCardNetwork, "sub_1", periodEnd)
	for _, id := range []uuid.UUID{lapsed.ID, recent.ID, card.ID} {
		_, err := f.subs.SetStatus(f.ctx, id, domain.SubscriptionStatusSuspended)
		require.NoError(t, err)
	}

	f.now = periodEnd.AddDate(0, 0, 29)
	done, err := f.reconciler().SweepEndedCancellations(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, done)
	assert.Equal(t, domain.SubscriptionStatusSuspended, f.subscription(lapsed.ID).Status)

	f.now = periodEnd.AddDate(0, 0, 30)
	done, err = f.reconciler().SweepEndedCancellations(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, done)

	cancelled := f.subscription(lapsed.ID)
	assert.Equal(t, domain.SubscriptionStatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancelledAt)
	assert.Equal(t, f.now, *cancelled.CancelledAt)
	assert.Equal(t, 1, f.notifier.eventCount(notify.EventSubscriptionCancelled))

	assert.Equal(t, domain.SubscriptionStatusSuspended, f.subscription(recent.ID).Status)
	// карточные подписки отменяет провайдер
	assert.Equal(t, domain.SubscriptionStatusSuspended, f.subscription(card.ID).Status)
}

package services

import (
	"errors"
	"testing"
	"time"

	"github.com/Dhoini/Billing-orchestrator/internal/domain"
	"github.com/Dhoini/Billing-orchestrator/internal/gateway"
	"github.com/Dhoini/Billing-orchestrator/internal/metrics"
	"github.com/Dhoini/Billing-orchestrator/internal/notify"
	"github.com/Dhoini/Billing-orchestrator/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/google/uuid"
)

func chargeFor(reference string) interface{} {
	return mock.MatchedBy(func(req gateway.ChargeRequest) bool {
		return req.Reference == reference && req.Attempt == 1
	})
}

func TestRenewDueChargesOncePerPeriod(t *testing.T) {
	f := newFixture(t)
	owner := uuid.New()
	f.seedVault(owner, domain.ProviderWallet, "payer_1")
	sub := f.seedSubscription(owner, domain.ProviderWallet, "ref_1", periodEnd)
	f.now = periodEnd.Add(time.Hour)

	f.wallet.On("ChargeOffSession", chargeFor(domain.RenewalReference(sub.ID, periodEnd))).
		Return(&gateway.ChargeResult{TransactionID: "CAPTURE-7", Amount: domain.NewMoney(4900, "usd"), CapturedAt: f.now}, nil).Once()

	result, err := f.renewals().RenewDue(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Activated)

	stored := f.subscription(sub.ID)
	assert.Equal(t, periodEnd, stored.CurrentPeriodStart)
	assert.Equal(t, time.Date(2025, 7, 30, 0, 0, 0, 0, time.UTC), stored.CurrentPeriodEnd)
	assert.Nil(t, stored.RenewalClaim)

	entry, err := f.ledger.GetByExternalTransactionID(f.ctx, "CAPTURE-7")
	require.NoError(t, err)
	assert.Equal(t, sub.ID, *entry.SubscriptionID)
	assert.Equal(t, 1, f.notifier.eventCount(notify.EventSubscriptionRenewed))

	// период уже продлен, второго списания нет
	result, err = f.renewals().RenewDue(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Processed)
	f.wallet.AssertNumberOfCalls(t, "ChargeOffSession", 1)
}

func TestRenewDueDeclineSuspends(t *testing.T) {
	f := newFixture(t)
	owner := uuid.New()
	f.seedVault(owner, domain.ProviderWallet, "payer_1")
	sub := f.seedSubscription(owner, domain.ProviderWallet, "ref_1", periodEnd)
	f.now = periodEnd.Add(time.Hour)

	f.wallet.On("ChargeOffSession", mock.Anything).
		Return(nil, domain.NewTerminalError(domain.ProviderWallet, "INSTRUMENT_DECLINED", "declined", nil)).Once()

	result, err := f.renewals().RenewDue(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, domain.SubscriptionStatusSuspended, f.subscription(sub.ID).Status)

	failed := f.notifier.ofType(domain.NotificationPaymentFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "INSTRUMENT_DECLINED", failed[0].Reason)
	assert.Equal(t, domain.RemediationUpdatePaymentMethod, failed[0].Action)
	assert.Equal(t, 0, f.ledger.Len())

	result, err = f.renewals().RenewDue(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Processed)
}

func TestRenewDueTransientFailureReusesReference(t *testing.T) {
	f := newFixture(t)
	owner := uuid.New()
	f.seedVault(owner, domain.ProviderWallet, "payer_1")
	sub := f.seedSubscription(owner, domain.ProviderWallet, "ref_1", periodEnd)
	f.now = periodEnd.Add(time.Hour)
	reference := domain.RenewalReference(sub.ID, periodEnd)

	f.wallet.On("ChargeOffSession", chargeFor(reference)).
		Return(nil, domain.NewTransientError(domain.ProviderWallet, "INTERNAL_SERVER_ERROR", "unavailable", errors.New("503"))).Once()
	f.wallet.On("ChargeOffSession", chargeFor(reference)).
		Return(&gateway.ChargeResult{TransactionID: "CAPTURE-8", Amount: domain.NewMoney(4900, "usd"), CapturedAt: f.now}, nil).Once()

	result, err := f.renewals().RenewDue(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Retried)
	assert.Equal(t, 1, result.Errors)
	stored := f.subscription(sub.ID)
	assert.Equal(t, domain.SubscriptionStatusActive, stored.Status)
	assert.Nil(t, stored.RenewalClaim)
	assert.Equal(t, periodEnd, stored.CurrentPeriodEnd)

	result, err = f.renewals().RenewDue(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Activated)
	assert.Equal(t, 1, f.ledger.Len())
	f.wallet.AssertExpectations(t)
}

func TestRenewDueWithoutVaultSuspends(t *testing.T) {
	f := newFixture(t)
	sub := f.seedSubscription(uuid.New(), domain.ProviderWallet, "ref_1", periodEnd)
	f.now = periodEnd

	result, err := f.renewals().RenewDue(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, domain.SubscriptionStatusSuspended, f.subscription(sub.ID).Status)

	failed := f.notifier.ofType(domain.NotificationPaymentFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "no vault", failed[0].Reason)
	f.wallet.AssertNotCalled(t, "ChargeOffSession", mock.Anything)
}

func TestRenewDueSkipsPendingCancellationAndUnconfiguredWallet(t *testing.T) {
	f := newFixture(t)
	owner := uuid.New()
	f.seedVault(owner, domain.ProviderWallet, "payer_1")
	sub := f.seedSubscription(owner, domain.ProviderWallet, "ref_1", periodEnd)
	_, err := f.subs.SetCancellation(f.ctx, sub.ID, true, &f.now, domain.ProviderActionNone)
	require.NoError(t, err)
	f.now = periodEnd.Add(time.Hour)

	result, err := f.renewals().RenewDue(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Processed)

	cardOnly := NewRenewalService(f.subs, f.vault, f.newLedger(), gateway.NewRegistry(f.card),
		f.notifier, metrics.Nop{}, f.settings, logger.NewNop())
	result, err = cardOnly.RenewDue(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Processed)
	f.wallet.AssertNotCalled(t, "ChargeOffSession", mock.Anything)
}

func TestSuspendedWalletRenewsAfterNewCredential(t *testing.T) {
	f := newFixture(t)
	owner := uuid.New()
	f.seedVault(owner, domain.ProviderWallet, "payer_1")
	sub := f.seedSubscription(owner, domain.ProviderWallet, "ref_1", periodEnd)
	f.now = periodEnd.Add(time.Hour)

	f.wallet.On("ChargeOffSession", chargeFor(domain.RenewalReference(sub.ID, periodEnd))).
		Return(nil, domain.NewTerminalError(domain.ProviderWallet, "INSTRUMENT_DECLINED", "declined", nil)).Once()
	_, err := f.renewals().RenewDue(f.ctx)
	require.NoError(t, err)
	require.Equal(t, domain.SubscriptionStatusSuspended, f.subscription(sub.ID).Status)

	resumedAt := periodEnd.AddDate(0, 0, 10)
	f.now = resumedAt
	f.wallet.On("AttachCredential", attachWith("payer_1")).
		Return(&gateway.AttachResult{ExternalCustomerID: "payer_1", ExternalVaultID: "vault_2"}, nil).Once()
	_, err = f.vaultService().StoreCredential(f.ctx, StoreCredentialInput{
		CustomerID: owner, Provider: domain.ProviderWallet, Email: "jane@example.com", Token: "approval_2",
	})
	require.NoError(t, err)

	resumed := f.subscription(sub.ID)
	assert.Equal(t, domain.SubscriptionStatusActive, resumed.Status)
	assert.Nil(t, resumed.RenewalClaim)
	assert.Equal(t, resumedAt, resumed.CurrentPeriodEnd)
	assert.Equal(t, resumedAt, resumed.BillingAnchor)

	f.wallet.On("ChargeOffSession", mock.MatchedBy(func(req gateway.ChargeRequest) bool {
		return req.Reference == domain.RenewalReference(sub.ID, resumedAt) && req.Vault.ExternalVaultID == "vault_2"
	})).Return(&gateway.ChargeResult{TransactionID: "CAPTURE-9", Amount: domain.NewMoney(4900, "usd"), CapturedAt: resumedAt}, nil).Once()

	// ежедневный запуск в течение месяца списывает только восстановленный период
	for day := 0; day < 30; day++ {
		f.now = resumedAt.AddDate(0, 0, day).Add(time.Hour)
		_, err := f.renewals().RenewDue(f.ctx)
		require.NoError(t, err)
	}

	stored := f.subscription(sub.ID)
	assert.Equal(t, domain.SubscriptionStatusActive, stored.Status)
	assert.Equal(t, resumedAt, stored.CurrentPeriodStart)
	assert.Equal(t, resumedAt.AddDate(0, 1, 0), stored.CurrentPeriodEnd)
	assert.Equal(t, 1, f.ledger.Len())
	f.wallet.AssertNumberOfCalls(t, "ChargeOffSession", 2)
	f.wallet.AssertExpectations(t)
}

func TestRenewDueKeepsAnchorDayAcrossShortMonths(t *testing.T) {
	f := newFixture(t)
	owner := uuid.New()
	f.seedVault(owner, domain.ProviderWallet, "payer_1")
	anchor := time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC)
	sub := &domain.Subscription{
		ID:                 uuid.New(),
		OwnerID:            owner,
		Name:               "Registered agent",
		Status:             domain.SubscriptionStatusActive,
		Amount:             4900,
		Currency:           "usd",
		Interval:           domain.IntervalMonthly,
		Provider:           domain.ProviderWallet,
		ExternalID:         "ref_31",
		CurrentPeriodStart: anchor,
		CurrentPeriodEnd:   domain.IntervalMonthly.Next(anchor),
		BillingAnchor:      anchor,
	}
	_, err := f.subs.CreateIfAbsent(f.ctx, sub)
	require.NoError(t, err)
	f.wallet.On("ChargeOffSession", mock.Anything).
		Return(&gateway.ChargeResult{TransactionID: "CAPTURE-A", Amount: domain.NewMoney(4900, "usd")}, nil).Once()
	f.wallet.On("ChargeOffSession", mock.Anything).
		Return(&gateway.ChargeResult{TransactionID: "CAPTURE-B", Amount: domain.NewMoney(4900, "usd")}, nil).Once()

	assert.Equal(t, time.Date(2025, 2, 28, 0, 0, 0, 0, time.UTC), sub.CurrentPeriodEnd)

	f.now = time.Date(2025, 2, 28, 1, 0, 0, 0, time.UTC)
	_, err = f.renewals().RenewDue(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC), f.subscription(sub.ID).CurrentPeriodEnd)

	f.now = time.Date(2025, 3, 31, 1, 0, 0, 0, time.UTC)
	_, err = f.renewals().RenewDue(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 4, 30, 0, 0, 0, 0, time.UTC), f.subscription(sub.ID).CurrentPeriodEnd)
	assert.Equal(t, 2, f.ledger.Len())
}

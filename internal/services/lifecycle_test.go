package services

import (
	"errors"
	"testing"
	"time"

	"github.com/Dhoini/Billing-orchestrator/internal/domain"
	"github.com/Dhoini/Billing-orchestrator/internal/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/google/uuid"
)

var periodEnd = time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC)

func TestRequestCancellationKeepsServiceUntilPeriodEnd(t *testing.T) {
	f := newFixture(t)
	f.now = time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	owner := uuid.New()
	f.seedVault(owner, domain.ProviderCardNetwork, "cus_1")
	sub := f.seedSubscription(owner, domain.ProviderCardNetwork, "sub_1", periodEnd)

	f.card.On("CancelRecurring", "sub_1", true).Return(nil).Once()

	result, err := f.lifecycle().RequestCancellation(f.ctx, owner, sub.ID,
		domain.CancellationAck{AcknowledgedConsequences: true, Reason: "moving"})
	require.NoError(t, err)
	f.card.AssertExpectations(t)

	assert.Equal(t, periodEnd, result.ServiceEndsAt)
	assert.True(t, result.Subscription.CancelAtPeriodEnd)
	assert.Equal(t, domain.SubscriptionStatusActive, result.Subscription.Status)

	stored := f.subscription(sub.ID)
	assert.True(t, stored.CancelAtPeriodEnd)
	assert.Equal(t, domain.SubscriptionStatusActive, stored.Status)
	require.NotNil(t, stored.CancelledAt)
	assert.Equal(t, f.now, *stored.CancelledAt)
	assert.Equal(t, domain.ProviderActionNone, stored.PendingAction)

	confirmed := f.notifier.ofType(domain.NotificationCancellationConfirmed)
	require.Len(t, confirmed, 1)
	assert.Equal(t, periodEnd, confirmed[0].Date)
	assert.Equal(t, "jane@example.com", confirmed[0].CustomerEmail)
	assert.Equal(t, 1, f.notifier.eventCount(notify.EventSubscriptionCancelRequested))

	// повторный запрос не вызывает провайдера и не шлет второе письмо
	again, err := f.lifecycle().RequestCancellation(f.ctx, owner, sub.ID, domain.CancellationAck{AcknowledgedConsequences: true})
	require.NoError(t, err)
	assert.Equal(t, periodEnd, again.ServiceEndsAt)
	f.card.AssertNumberOfCalls(t, "CancelRecurring", 1)
	assert.Len(t, f.notifier.ofType(domain.NotificationCancellationConfirmed), 1)
}

func TestRequestCancellationRules(t *testing.T) {
	f := newFixture(t)
	owner := uuid.New()
	sub := f.seedSubscription(owner, domain.ProviderCardNetwork, "sub_1", periodEnd)

	t.Run("acknowledgement required", func(t *testing.T) {
		_, err := f.lifecycle().RequestCancellation(f.ctx, owner, sub.ID, domain.CancellationAck{})
		require.ErrorIs(t, err, domain.ErrBusinessRule)

		var rule *domain.BusinessRuleError
		require.ErrorAs(t, err, &rule)
		assert.Equal(t, domain.RuleAcknowledgementRequired, rule.Rule)
		assert.False(t, f.subscription(sub.ID).CancelAtPeriodEnd)
	})

	t.Run("foreign subscription", func(t *testing.T) {
		_, err := f.lifecycle().RequestCancellation(f.ctx, uuid.New(), sub.ID, domain.CancellationAck{AcknowledgedConsequences: true})
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("already cancelled", func(t *testing.T) {
		cancelled := f.seedSubscription(owner, domain.ProviderCardNetwork, "sub_2", periodEnd)
		_, err := f.subs.MarkCancelled(f.ctx, cancelled.ID, f.now)
		require.NoError(t, err)

		_, err = f.lifecycle().RequestCancellation(f.ctx, owner, cancelled.ID, domain.CancellationAck{AcknowledgedConsequences: true})
		var rule *domain.BusinessRuleError
		require.ErrorAs(t, err, &rule)
		assert.Equal(t, domain.RuleAlreadyCancelled, rule.Rule)
	})
}

func TestCancellationSurvivesProviderFailure(t *testing.T) {
	f := newFixture(t)
	owner := uuid.New()
	sub := f.seedSubscription(owner, domain.ProviderCardNetwork, "sub_1", periodEnd)

	f.card.On("CancelRecurring", "sub_1", true).
		Return(domain.NewTransientError(domain.ProviderCardNetwork, "connection", "network", errors.New("reset"))).Once()

	result, err := f.lifecycle().RequestCancellation(f.ctx, owner, sub.ID, domain.CancellationAck{AcknowledgedConsequences: true})
	require.NoError(t, err)
	assert.True(t, result.Subscription.CancelAtPeriodEnd)
	assert.Equal(t, domain.ProviderActionCancel, f.subscription(sub.ID).PendingAction)

	// сверка не затирает локальную отмену, пока действие не передано
	applied, err := f.subs.ApplyProjection(f.ctx, sub.ID, domain.SubscriptionProjection{
		Status:             domain.SubscriptionStatusActive,
		CurrentPeriodStart: periodEnd.AddDate(0, -1, 0),
		CurrentPeriodEnd:   periodEnd,
		EventAt:            f.now,
	})
	require.NoError(t, err)
	require.True(t, applied)
	assert.True(t, f.subscription(sub.ID).CancelAtPeriodEnd)

	f.card.On("CancelRecurring", "sub_1", true).Return(nil).Once()
	synced, err := f.lifecycle().SyncPendingActions(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, synced)
	assert.Equal(t, domain.ProviderActionNone, f.subscription(sub.ID).PendingAction)

	synced, err = f.lifecycle().SyncPendingActions(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, synced)
	f.card.AssertNumberOfCalls(t, "CancelRecurring", 2)
}

func TestReactivate(t *testing.T) {
	t.Run("pending cancellation", func(t *testing.T) {
		f := newFixture(t)
		owner := uuid.New()
		sub := f.seedSubscription(owner, domain.ProviderCardNetwork, "sub_1", periodEnd)
		f.card.On("CancelRecurring", "sub_1", true).Return(nil).Once()
		f.card.On("ResumeRecurring", "sub_1").Return(nil).Once()

		_, err := f.lifecycle().RequestCancellation(f.ctx, owner, sub.ID, domain.CancellationAck{AcknowledgedConsequences: true})
		require.NoError(t, err)

		reactivated, err := f.lifecycle().Reactivate(f.ctx, owner, sub.ID)
		require.NoError(t, err)
		assert.False(t, reactivated.CancelAtPeriodEnd)
		assert.Nil(t, reactivated.CancelledAt)
		assert.Equal(t, domain.ProviderActionNone, reactivated.PendingAction)
		assert.Equal(t, 1, f.notifier.eventCount(notify.EventSubscriptionReactivated))
		f.card.AssertExpectations(t)
	})

	t.Run("cancelled is rejected", func(t *testing.T) {
		f := newFixture(t)
		owner := uuid.New()
		sub := f.seedSubscription(owner, domain.ProviderCardNetwork, "sub_1", periodEnd)
		_, err := f.subs.SetCancellation(f.ctx, sub.ID, true, &f.now, domain.ProviderActionNone)
		require.NoError(t, err)
		_, err = f.subs.MarkCancelled(f.ctx, sub.ID, f.now)
		require.NoError(t, err)

		_, err = f.lifecycle().Reactivate(f.ctx, owner, sub.ID)
		require.ErrorIs(t, err, domain.ErrBusinessRule)
		assert.NotErrorIs(t, err, domain.ErrProvider)
		assert.Equal(t, domain.SubscriptionStatusCancelled, f.subscription(sub.ID).Status)
		f.card.AssertNotCalled(t, "ResumeRecurring", "sub_1")
	})

	t.Run("not pending cancellation", func(t *testing.T) {
		f := newFixture(t)
		owner := uuid.New()
		sub := f.seedSubscription(owner, domain.ProviderCardNetwork, "sub_1", periodEnd)

		_, err := f.lifecycle().Reactivate(f.ctx, owner, sub.ID)
		var rule *domain.BusinessRuleError
		require.ErrorAs(t, err, &rule)
		assert.Equal(t, domain.RuleNotPendingCancellation, rule.Rule)
	})
}

func TestLifecycleReadAccess(t *testing.T) {
	f := newFixture(t)
	owner := uuid.New()
	sub := f.seedSubscription(owner, domain.ProviderWallet, "ref_1", periodEnd)
	f.seedSubscription(uuid.New(), domain.ProviderWallet, "ref_2", periodEnd)

	got, err := f.lifecycle().Get(f.ctx, owner, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, sub.ID, got.ID)

	list, err := f.lifecycle().List(f.ctx, owner)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

package services

import (
	"context"
	"fmt"
	"time"

	"github.com/Dhoini/Billing-orchestrator/internal/domain"
	"github.com/Dhoini/Billing-orchestrator/internal/gateway"
	"github.com/Dhoini/Billing-orchestrator/internal/metrics"
	"github.com/Dhoini/Billing-orchestrator/internal/notify"
	"github.com/Dhoini/Billing-orchestrator/internal/repository"
	"github.com/Dhoini/Billing-orchestrator/pkg/logger"

	"github.com/google/uuid"
)

// LifecycleManager отмена и возобновление подписок по запросу владельца.
// В CANCELLED подписку переводит только сверка с провайдером.
type LifecycleManager struct {
	subs     repository.SubscriptionRepository
	gateways *gateway.Registry
	contacts contactLookup
	notifier Notifier
	metrics  metrics.BillingMetrics
	settings Settings
	log      *logger.Logger
	now      func() time.Time
}

// NewLifecycleManager создает менеджер жизненного цикла
func NewLifecycleManager(
	subs repository.SubscriptionRepository,
	vault repository.VaultRepository,
	gateways *gateway.Registry,
	notifier Notifier,
	m metrics.BillingMetrics,
	settings Settings,
	log *logger.Logger,
) *LifecycleManager {
	return &LifecycleManager{
		subs:     subs,
		gateways: gateways,
		contacts: contactLookup{vault: vault},
		notifier: notifier,
		metrics:  m,
		settings: settings.withDefaults(),
		log:      log,
		now:      utcNow,
	}
}

// Get подписка владельца; чужая подписка выглядит как отсутствующая
func (m *LifecycleManager) Get(ctx context.Context, ownerID, id uuid.UUID) (*domain.Subscription, error) {
	sub, err := m.subs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ownedBy(sub, ownerID) {
		return nil, domain.NewNotFoundError("subscription", id.String())
	}
	return sub, nil
}

// List подписки владельца
func (m *LifecycleManager) List(ctx context.Context, ownerID uuid.UUID) ([]domain.Subscription, error) {
	return m.subs.ListByOwner(ctx, ownerID)
}

// RequestCancellation выставляет cancelAtPeriodEnd, статус остается прежним до конца оплаченного периода.
// Ответ не ждет подтверждения провайдера: если вызов не прошел, действие повторит задача синхронизации.
func (m *LifecycleManager) RequestCancellation(ctx context.Context, ownerID, id uuid.UUID, ack domain.CancellationAck) (*domain.CancellationResult, error) {
	if !ack.AcknowledgedConsequences {
		return nil, domain.NewBusinessRuleError(domain.RuleAcknowledgementRequired,
			"cancellation consequences must be acknowledged")
	}

	sub, err := m.Get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if err := sub.CanRequestCancellation(); err != nil {
		return nil, err
	}
	if sub.CancelAtPeriodEnd {
		// повторный запрос ничего не меняет
		return &domain.CancellationResult{Subscription: sub, ServiceEndsAt: sub.CurrentPeriodEnd}, nil
	}

	now := m.now()
	ok, err := m.subs.SetCancellation(ctx, id, true, &now, domain.ProviderActionCancel)
	if err != nil {
		return nil, fmt.Errorf("set cancellation for %s: %w", id, err)
	}
	if !ok {
		return nil, domain.NewBusinessRuleError(domain.RuleAlreadyCancelled, "subscription is already cancelled")
	}
	m.log.Infow("Cancellation requested", "subscriptionID", id, "ownerID", sub.OwnerID, "reason", ack.Reason)

	m.pushToProvider(ctx, sub, domain.ProviderActionCancel)

	if updated, err := m.subs.GetByID(ctx, id); err == nil {
		sub = updated
	} else {
		sub.CancelAtPeriodEnd, sub.CancelledAt = true, &now
	}

	n := subscriptionNotification(domain.NotificationCancellationConfirmed, sub, sub.CurrentPeriodEnd)
	n.Reason = ack.Reason
	m.contacts.fill(ctx, &n, sub.Provider)
	m.notifier.Notify(ctx, n)
	m.notifier.SubscriptionChanged(ctx, notify.EventSubscriptionCancelRequested, sub)

	return &domain.CancellationResult{Subscription: sub, ServiceEndsAt: sub.CurrentPeriodEnd}, nil
}

// Reactivate снимает запланированную отмену, пока подписка не CANCELLED
func (m *LifecycleManager) Reactivate(ctx context.Context, ownerID, id uuid.UUID) (*domain.Subscription, error) {
	sub, err := m.Get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if err := sub.CanReactivate(); err != nil {
		return nil, err
	}

	ok, err := m.subs.SetCancellation(ctx, id, false, nil, domain.ProviderActionResume)
	if err != nil {
		return nil, fmt.Errorf("clear cancellation for %s: %w", id, err)
	}
	if !ok {
		return nil, domain.NewBusinessRuleError(domain.RuleAlreadyCancelled, "cancelled subscription cannot be reactivated")
	}
	m.log.Infow("Subscription reactivated", "subscriptionID", id, "ownerID", sub.OwnerID)

	m.pushToProvider(ctx, sub, domain.ProviderActionResume)

	if updated, err := m.subs.GetByID(ctx, id); err == nil {
		sub = updated
	} else {
		sub.CancelAtPeriodEnd, sub.CancelledAt = false, nil
	}
	m.notifier.SubscriptionChanged(ctx, notify.EventSubscriptionReactivated, sub)
	return sub, nil
}

// SyncPendingActions повторяет действия, которые не удалось передать провайдеру
func (m *LifecycleManager) SyncPendingActions(ctx context.Context) (int, error) {
	pending, err := m.subs.ListPendingActions(ctx, m.settings.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list pending provider actions: %w", err)
	}

	synced := 0
	for i := range pending {
		if ctx.Err() != nil {
			return synced, ctx.Err()
		}
		if m.pushToProvider(ctx, &pending[i], pending[i].PendingAction) {
			synced++
		}
	}
	if len(pending) > 0 {
		m.log.Infow("Pending provider actions synced", "pending", len(pending), "synced", synced)
	}
	return synced, nil
}

// pushToProvider true, если провайдер принял действие и отметка снята
func (m *LifecycleManager) pushToProvider(ctx context.Context, sub *domain.Subscription, action domain.ProviderAction) bool {
	gw, err := m.gateways.Get(sub.Provider)
	if err != nil {
		m.log.Warnw("Provider not configured, action stays pending", "subscriptionID", sub.ID, "action", action, "error", err)
		return false
	}

	callCtx, cancel := context.WithTimeout(ctx, m.settings.ProviderTimeout)
	defer cancel()

	started := time.Now()
	op := "cancel_recurring"
	switch action {
	case domain.ProviderActionCancel:
		err = gw.CancelRecurring(callCtx, sub.ExternalID, true)
	case domain.ProviderActionResume:
		op = "resume_recurring"
		err = gw.ResumeRecurring(callCtx, sub.ExternalID)
	default:
		return false
	}
	m.metrics.ObserveProviderCall(sub.Provider, op, err, time.Since(started))
	if err != nil {
		m.log.Warnw("Provider action failed, will retry",
			"subscriptionID", sub.ID, "externalID", sub.ExternalID, "action", action, "error", err)
		return false
	}

	if err := m.subs.SetPendingAction(ctx, sub.ID, domain.ProviderActionNone); err != nil {
		m.log.Errorw("Failed to clear pending provider action", "subscriptionID", sub.ID, "error", err)
		return false
	}
	return true
}

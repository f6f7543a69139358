package services

import (
	"context"
	"errors"
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

// activator переводит намерение в ACTIVE после подтвержденного провайдером результата.
// Используется процессором, восстановлением зависших захватов и сверкой вебхуков.
type activator struct {
	intents  repository.IntentRepository
	orders   repository.OrderRepository
	subs     repository.SubscriptionRepository
	vault    repository.VaultRepository
	ledger   *Ledger
	notifier Notifier
	metrics  metrics.BillingMetrics
	log      *logger.Logger
	now      func() time.Time
}

// activate порядок важен: подписка и журнал пишутся до перевода намерения,
// повтор после сбоя находит их по уникальным ключам
func (a *activator) activate(ctx context.Context, intent *domain.SubscriptionIntent, order *domain.Order,
	vault *domain.VaultCredential, res *gateway.RecurringResult) (*domain.Subscription, error) {
	now := a.now()

	status := res.Status
	if status == "" {
		status = domain.SubscriptionStatusActive
	}
	periodStart := res.PeriodStart
	if periodStart.IsZero() {
		periodStart = now
	}
	periodEnd := res.PeriodEnd
	if periodEnd.IsZero() {
		periodEnd = intent.Interval.Next(periodStart)
	}

	sub := &domain.Subscription{
		ID:                 uuid.New(),
		OwnerID:            order.CustomerID,
		BusinessRef:        order.BusinessRef,
		Name:               intent.ServiceName,
		Description:        fmt.Sprintf("%s (%s)", intent.ServiceName, intent.Interval),
		Status:             status,
		Amount:             intent.Amount,
		Currency:           intent.Currency,
		Interval:           intent.Interval,
		Provider:           intent.Provider,
		ExternalID:         res.ExternalID,
		CurrentPeriodStart: periodStart,
		CurrentPeriodEnd:   periodEnd,
		BillingAnchor:      periodStart,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if vault != nil {
		vaultID := vault.ID
		sub.VaultCredentialID = &vaultID
	}

	created, err := a.subs.CreateIfAbsent(ctx, sub)
	if err != nil {
		return nil, fmt.Errorf("create subscription for intent %s: %w", intent.ID, err)
	}
	if !created {
		a.log.Infow("Subscription already exists for provider id", "intentID", intent.ID, "subscriptionID", sub.ID, "externalID", res.ExternalID)
	}

	if res.Charge != nil {
		subID, orderID := sub.ID, intent.OrderID
		_, err := a.ledger.Record(ctx, &domain.PaymentLedgerEntry{
			OwnerID:               order.CustomerID,
			SubscriptionID:        &subID,
			OrderID:               &orderID,
			Provider:              intent.Provider,
			Amount:                res.Charge.Amount.Amount,
			Currency:              res.Charge.Amount.Currency,
			ExternalTransactionID: res.Charge.TransactionID,
			Description:           intent.ServiceName,
			CapturedAt:            res.Charge.CapturedAt,
		})
		if err != nil {
			return nil, err
		}
	}

	marked, err := a.intents.MarkActive(ctx, intent.ID, sub.ID, now)
	if err != nil {
		return nil, fmt.Errorf("mark intent %s active: %w", intent.ID, err)
	}
	if !marked {
		// параллельная сверка уже активировала намерение и отправила уведомление
		a.log.Infow("Intent was activated concurrently", "intentID", intent.ID, "subscriptionID", sub.ID)
		return sub, nil
	}

	a.metrics.IncIntentOutcome(intent.Provider, metrics.OutcomeActivated)
	a.log.Infow("Intent activated",
		"intentID", intent.ID, "subscriptionID", sub.ID, "externalID", sub.ExternalID,
		"provider", intent.Provider, "periodEnd", sub.CurrentPeriodEnd)

	n := intentNotification(domain.NotificationSubscriptionActivated, intent, order, sub.CurrentPeriodStart)
	n.SubscriptionID = &sub.ID
	a.notifier.Notify(ctx, n)
	a.notifier.SubscriptionChanged(ctx, notify.EventSubscriptionActivated, sub)
	return sub, nil
}

// activateByReference активация по событию провайдера с ссылкой intent_<id>.
// Закрывает окно между успешным списанием и записью локального состояния.
func (a *activator) activateByReference(ctx context.Context, intentID uuid.UUID, res *gateway.RecurringResult) (bool, error) {
	intent, err := a.intents.GetByID(ctx, intentID)
	if errors.Is(err, domain.ErrNotFound) {
		a.log.Warnw("Provider event references unknown intent", "intentID", intentID)
		return false, nil
	}
	if err != nil {
		return false, err
	}

	switch intent.Status {
	case domain.IntentStatusActive:
		return false, nil
	case domain.IntentStatusFailed:
		a.log.Errorw("Provider reports success for failed intent, manual review required",
			"intentID", intent.ID, "externalID", res.ExternalID)
		return false, nil
	case domain.IntentStatusScheduled:
		claimed, err := a.intents.Claim(ctx, intent.ID, a.now())
		if err != nil {
			return false, err
		}
		if !claimed {
			return false, nil
		}
	}

	order, err := a.orders.GetByID(ctx, intent.OrderID)
	if err != nil {
		return false, fmt.Errorf("load order %s: %w", intent.OrderID, err)
	}
	cred, err := a.vault.GetActive(ctx, order.CustomerID, intent.Provider)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return false, err
	}

	if _, err := a.activate(ctx, intent, order, cred, res); err != nil {
		return false, err
	}
	return true, nil
}

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

// Результаты обработки вебхука для метрик
const (
	webhookApplied   = "applied"
	webhookDuplicate = "duplicate"
	webhookIgnored   = "ignored"
	webhookFailed    = "failed"
)

// replayGrace событие не переигрывается, пока его может обрабатывать исходный запрос
const replayGrace = time.Minute

// ReconcilerDeps хранилища и сервисы сверки
type ReconcilerDeps struct {
	Events   repository.WebhookEventRepository
	Subs     repository.SubscriptionRepository
	Intents  repository.IntentRepository
	Orders   repository.OrderRepository
	Vault    repository.VaultRepository
	Ledger   *Ledger
	VaultSvc *VaultService
	Notifier Notifier
	Metrics  metrics.BillingMetrics
}

// Reconciler применяет проверенные события провайдеров к локальному состоянию.
// Повторная и неупорядоченная доставка безопасны: уникальные ключи журнала и полная перезапись проекции.
type Reconciler struct {
	events   repository.WebhookEventRepository
	subs     repository.SubscriptionRepository
	intents  repository.IntentRepository
	orders   repository.OrderRepository
	vault    repository.VaultRepository
	ledger   *Ledger
	vaultSvc *VaultService
	act      *activator
	contacts contactLookup
	notifier Notifier
	metrics  metrics.BillingMetrics
	settings Settings
	log      *logger.Logger
	now      func() time.Time
}

// NewReconciler создает сверку событий провайдеров
func NewReconciler(deps ReconcilerDeps, settings Settings, log *logger.Logger) *Reconciler {
	r := &Reconciler{
		events:   deps.Events,
		subs:     deps.Subs,
		intents:  deps.Intents,
		orders:   deps.Orders,
		vault:    deps.Vault,
		ledger:   deps.Ledger,
		vaultSvc: deps.VaultSvc,
		contacts: contactLookup{vault: deps.Vault},
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		settings: settings.withDefaults(),
		log:      log,
		now:      utcNow,
	}
	r.act = &activator{
		intents:  deps.Intents,
		orders:   deps.Orders,
		subs:     deps.Subs,
		vault:    deps.Vault,
		ledger:   deps.Ledger,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		log:      log,
		now:      func() time.Time { return r.now() },
	}
	return r
}

// HandleEvent записывает событие в журнал и применяет его.
// Ошибка означает сбой хранилища: провайдер должен доставить событие повторно.
func (r *Reconciler) HandleEvent(ctx context.Context, ev domain.ProviderEvent) error {
	meta := ev.Meta()
	if ev.Kind() == domain.EventIgnored {
		r.log.Debugw("Ignoring provider event", "provider", meta.Provider, "type", meta.Type, "eventID", meta.EventID)
		r.metrics.IncWebhookEvent(meta.Provider, ev.Kind(), webhookIgnored)
		return nil
	}

	payload, err := domain.EncodeEvent(ev)
	if err != nil {
		return err
	}
	rec := &domain.WebhookEventRecord{
		Provider:        meta.Provider,
		ProviderEventID: meta.EventID,
		EventType:       meta.Type,
		Kind:            ev.Kind(),
		Payload:         payload,
	}
	created, err := r.events.Record(ctx, rec)
	if err != nil {
		return fmt.Errorf("record webhook event %s: %w", meta.EventID, err)
	}
	if !created && rec.ProcessedAt != nil {
		r.log.Infow("Duplicate provider event", "provider", meta.Provider, "eventID", meta.EventID, "type", meta.Type)
		r.metrics.IncWebhookEvent(meta.Provider, ev.Kind(), webhookDuplicate)
		return nil
	}

	return r.applyRecorded(ctx, rec.ID, ev)
}

// ReplayFailed переигрывает сохраненные, но не примененные события
func (r *Reconciler) ReplayFailed(ctx context.Context) (int, error) {
	records, err := r.events.ListUnprocessed(ctx, r.settings.MaxAttempts, r.now().Add(-replayGrace), r.settings.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list unprocessed webhook events: %w", err)
	}

	replayed := 0
	for _, rec := range records {
		if ctx.Err() != nil {
			return replayed, ctx.Err()
		}
		ev, err := domain.DecodeEvent(rec.Payload)
		if err != nil {
			r.log.Errorw("Stored webhook event cannot be decoded", "recordID", rec.ID, "error", err)
			if merr := r.events.MarkFailed(ctx, rec.ID, err.Error(), r.now()); merr != nil {
				return replayed, merr
			}
			continue
		}
		if err := r.applyRecorded(ctx, rec.ID, ev); err != nil {
			r.log.Warnw("Webhook event replay failed", "recordID", rec.ID, "attempts", rec.Attempts+1, "error", err)
			continue
		}
		replayed++
	}
	if len(records) > 0 {
		r.log.Infow("Webhook events replayed", "pending", len(records), "replayed", replayed)
	}
	return replayed, nil
}

func (r *Reconciler) applyRecorded(ctx context.Context, recordID uuid.UUID, ev domain.ProviderEvent) error {
	meta := ev.Meta()
	if err := r.apply(ctx, ev); err != nil {
		r.metrics.IncWebhookEvent(meta.Provider, ev.Kind(), webhookFailed)
		if merr := r.events.MarkFailed(ctx, recordID, err.Error(), r.now()); merr != nil {
			r.log.Errorw("Failed to mark webhook event failed", "recordID", recordID, "error", merr)
		}
		return fmt.Errorf("apply %s event %s: %w", ev.Kind(), meta.EventID, err)
	}

	if err := r.events.MarkProcessed(ctx, recordID, r.now()); err != nil {
		return fmt.Errorf("mark webhook event processed: %w", err)
	}
	r.metrics.IncWebhookEvent(meta.Provider, ev.Kind(), webhookApplied)
	return nil
}

func (r *Reconciler) apply(ctx context.Context, ev domain.ProviderEvent) error {
	switch e := ev.(type) {
	case domain.PaymentCaptured:
		return r.handleCaptured(ctx, e)
	case domain.PaymentFailed:
		return r.handlePaymentFailed(ctx, e)
	case domain.SubscriptionUpserted:
		return r.handleUpserted(ctx, e)
	case domain.SubscriptionDeleted:
		return r.handleDeleted(ctx, e)
	case domain.CredentialStored:
		return r.vaultSvc.HandleStored(ctx, e)
	case domain.CredentialRevoked:
		return r.vaultSvc.HandleRevoked(ctx, e)
	}
	return nil
}

// handleCaptured одна запись журнала на транзакцию; первый платеж заказа переводит заказ в PROCESSING
func (r *Reconciler) handleCaptured(ctx context.Context, ev domain.PaymentCaptured) error {
	provider := ev.Provider
	ref, hasRef := domain.ParseReference(ev.Reference)

	// списание по намерению, которое процессор не успел записать
	if hasRef && ref.Kind == domain.ReferenceIntent {
		externalID := ev.ExternalSubscriptionID
		if externalID == "" {
			externalID = ev.Reference
		}
		res := &gateway.RecurringResult{
			ExternalID:  externalID,
			Status:      domain.SubscriptionStatusActive,
			PeriodStart: ev.OccurredAt,
			Charge: &gateway.ChargeResult{
				TransactionID: ev.TransactionID,
				Amount:        ev.Amount,
				CapturedAt:    ev.OccurredAt,
			},
		}
		if _, err := r.act.activateByReference(ctx, ref.ID, res); err != nil {
			return err
		}
	}

	owner, err := r.resolveOwner(ctx, provider, ev.ExternalCustomerID, ref, hasRef)
	if err != nil {
		return err
	}
	if owner == uuid.Nil {
		r.log.Warnw("Captured payment has no known owner, ignoring",
			"provider", provider, "transactionID", ev.TransactionID, "externalCustomerID", ev.ExternalCustomerID)
		return nil
	}

	entry := &domain.PaymentLedgerEntry{
		OwnerID:               owner,
		Provider:              provider,
		Amount:                ev.Amount.Amount,
		Currency:              ev.Amount.Currency,
		ExternalTransactionID: ev.TransactionID,
		Description:           ev.Description,
		CapturedAt:            ev.OccurredAt,
	}
	if sub := r.findSubscription(ctx, provider, ev.ExternalSubscriptionID, ref, hasRef); sub != nil {
		subID := sub.ID
		entry.SubscriptionID = &subID
		if entry.Description == "" {
			entry.Description = sub.Name
		}
	}
	if orderID := r.orderFor(ctx, ref, hasRef); orderID != nil {
		entry.OrderID = orderID
	}

	inserted, err := r.ledger.Record(ctx, entry)
	if err != nil {
		return err
	}
	if !inserted {
		return nil
	}

	if hasRef && ref.Kind == domain.ReferenceOrder {
		return r.markOrderReceived(ctx, ref.ID, ev.OccurredAt)
	}
	return nil
}

func (r *Reconciler) markOrderReceived(ctx context.Context, orderID uuid.UUID, at time.Time) error {
	moved, err := r.orders.MarkProcessing(ctx, orderID)
	if err != nil {
		return fmt.Errorf("mark order %s processing: %w", orderID, err)
	}
	if at.IsZero() {
		at = r.now()
	}
	added, err := r.orders.UpsertMilestone(ctx, orderID, domain.MilestoneOrderReceived, at)
	if err != nil {
		return fmt.Errorf("record order milestone: %w", err)
	}
	if moved || added {
		r.log.Infow("Order payment received", "orderID", orderID, "statusChanged", moved, "milestoneAdded", added)
	}
	return nil
}

func (r *Reconciler) handleUpserted(ctx context.Context, ev domain.SubscriptionUpserted) error {
	sub, err := r.subs.GetByExternalID(ctx, ev.Provider, ev.ExternalID)
	if errors.Is(err, domain.ErrNotFound) {
		ref, ok := domain.ParseReference(ev.Reference)
		if !ok || ref.Kind != domain.ReferenceIntent {
			r.log.Infow("Update for unknown subscription, ignoring", "provider", ev.Provider, "externalID", ev.ExternalID)
			return nil
		}
		_, err := r.act.activateByReference(ctx, ref.ID, &gateway.RecurringResult{
			ExternalID:  ev.ExternalID,
			Status:      ev.Status,
			PeriodStart: ev.PeriodStart,
			PeriodEnd:   ev.PeriodEnd,
		})
		return err
	}
	if err != nil {
		return err
	}

	projection := ev.Projection()
	if projection.EventAt.IsZero() {
		projection.EventAt = r.now()
	}
	applied, err := r.subs.ApplyProjection(ctx, sub.ID, projection)
	if err != nil {
		return fmt.Errorf("apply projection to %s: %w", sub.ID, err)
	}
	if !applied {
		r.log.Debugw("Stale or terminal subscription update skipped", "subscriptionID", sub.ID, "eventID", ev.EventID)
		return nil
	}

	updated, err := r.subs.GetByID(ctx, sub.ID)
	if err != nil {
		return err
	}
	eventType := notify.EventSubscriptionUpdated
	if updated.IsCancelled() {
		eventType = notify.EventSubscriptionCancelled
	}
	r.log.Infow("Subscription reconciled",
		"subscriptionID", sub.ID, "status", updated.Status, "cancelAtPeriodEnd", updated.CancelAtPeriodEnd,
		"periodEnd", updated.CurrentPeriodEnd)
	r.notifier.SubscriptionChanged(ctx, eventType, updated)
	return nil
}

func (r *Reconciler) handleDeleted(ctx context.Context, ev domain.SubscriptionDeleted) error {
	sub, err := r.subs.GetByExternalID(ctx, ev.Provider, ev.ExternalID)
	if errors.Is(err, domain.ErrNotFound) {
		r.log.Infow("Deletion of unknown subscription, ignoring", "provider", ev.Provider, "externalID", ev.ExternalID)
		return nil
	}
	if err != nil {
		return err
	}
	return r.cancel(ctx, sub, r.now())
}

func (r *Reconciler) cancel(ctx context.Context, sub *domain.Subscription, at time.Time) error {
	cancelled, err := r.subs.MarkCancelled(ctx, sub.ID, at)
	if err != nil {
		return fmt.Errorf("mark subscription %s cancelled: %w", sub.ID, err)
	}
	if !cancelled {
		return nil
	}

	updated, err := r.subs.GetByID(ctx, sub.ID)
	if err != nil {
		return err
	}
	r.log.Infow("Subscription cancelled", "subscriptionID", sub.ID, "provider", sub.Provider, "cancelledAt", updated.CancelledAt)
	r.notifier.SubscriptionChanged(ctx, notify.EventSubscriptionCancelled, updated)
	return nil
}

// handlePaymentFailed неудачное продление: подписка SUSPENDED, клиенту уходит уведомление
func (r *Reconciler) handlePaymentFailed(ctx context.Context, ev domain.PaymentFailed) error {
	ref, hasRef := domain.ParseReference(ev.Reference)
	sub := r.findSubscription(ctx, ev.Provider, ev.ExternalSubscriptionID, ref, hasRef)
	if sub == nil {
		r.log.Infow("Payment failure without local subscription", "provider", ev.Provider, "reference", ev.Reference)
		return nil
	}

	suspended, err := r.subs.SetStatus(ctx, sub.ID, domain.SubscriptionStatusSuspended)
	if err != nil {
		return fmt.Errorf("suspend subscription %s: %w", sub.ID, err)
	}
	if !suspended || sub.Status == domain.SubscriptionStatusSuspended {
		return nil
	}

	sub.Status = domain.SubscriptionStatusSuspended
	r.log.Warnw("Subscription payment failed", "subscriptionID", sub.ID, "reason", ev.Reason)

	n := subscriptionNotification(domain.NotificationPaymentFailed, sub, r.now())
	n.Action = domain.RemediationUpdatePaymentMethod
	n.Reason = ev.Reason
	r.contacts.fill(ctx, &n, sub.Provider)
	r.notifier.Notify(ctx, n)
	r.notifier.SubscriptionChanged(ctx, notify.EventSubscriptionUpdated, sub)
	return nil
}

// SweepEndedCancellations у кошелька нет расписания на стороне провайдера,
// поэтому окончание периода с запрошенной отменой фиксируется здесь.
// Здесь же отменяются приостановки, не получившие способа оплаты за SuspensionGrace.
func (r *Reconciler) SweepEndedCancellations(ctx context.Context) (int, error) {
	ended, err := r.subs.ListEndedCancellations(ctx, domain.ProviderWallet, r.now(), r.settings.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list ended cancellations: %w", err)
	}

	done := 0
	for i := range ended {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		if err := r.cancel(ctx, &ended[i], ended[i].CurrentPeriodEnd); err != nil {
			r.log.Errorw("Period-end cancellation failed", "subscriptionID", ended[i].ID, "error", err)
			continue
		}
		done++
	}
	if done > 0 {
		r.log.Infow("Period-end cancellations applied", "count", done)
	}

	expired, err := r.cancelExpiredSuspensions(ctx)
	return done + expired, err
}

func (r *Reconciler) cancelExpiredSuspensions(ctx context.Context) (int, error) {
	now := r.now()
	expired, err := r.subs.ListExpiredSuspensions(ctx, domain.ProviderWallet, now.Add(-r.settings.SuspensionGrace), r.settings.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list expired suspensions: %w", err)
	}

	done := 0
	for i := range expired {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		if err := r.cancel(ctx, &expired[i], now); err != nil {
			r.log.Errorw("Expired suspension cancellation failed", "subscriptionID", expired[i].ID, "error", err)
			continue
		}
		done++
	}
	if done > 0 {
		r.log.Warnw("Suspended subscriptions cancelled without payment method", "count", done,
			"grace", r.settings.SuspensionGrace)
	}
	return done, nil
}

func (r *Reconciler) resolveOwner(ctx context.Context, provider domain.Provider, externalCustomerID string,
	ref domain.ChargeReference, hasRef bool) (uuid.UUID, error) {
	if externalCustomerID != "" {
		owner, err := r.vault.FindOwner(ctx, provider, externalCustomerID)
		if err == nil {
			return owner, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return uuid.Nil, err
		}
	}
	if !hasRef {
		return uuid.Nil, nil
	}

	switch ref.Kind {
	case domain.ReferenceIntent:
		intent, err := r.intents.GetByID(ctx, ref.ID)
		if err != nil {
			return uuid.Nil, ignoreNotFound(err)
		}
		return r.orderOwner(ctx, intent.OrderID)
	case domain.ReferenceOrder:
		return r.orderOwner(ctx, ref.ID)
	case domain.ReferenceRenewal:
		sub, err := r.subs.GetByID(ctx, ref.ID)
		if err != nil {
			return uuid.Nil, ignoreNotFound(err)
		}
		return sub.OwnerID, nil
	}
	return uuid.Nil, nil
}

func (r *Reconciler) orderOwner(ctx context.Context, orderID uuid.UUID) (uuid.UUID, error) {
	order, err := r.orders.GetByID(ctx, orderID)
	if err != nil {
		return uuid.Nil, ignoreNotFound(err)
	}
	return order.CustomerID, nil
}

func (r *Reconciler) findSubscription(ctx context.Context, provider domain.Provider, externalID string,
	ref domain.ChargeReference, hasRef bool) *domain.Subscription {
	if externalID != "" {
		if sub, err := r.subs.GetByExternalID(ctx, provider, externalID); err == nil {
			return sub
		}
	}
	if !hasRef {
		return nil
	}
	switch ref.Kind {
	case domain.ReferenceRenewal:
		if sub, err := r.subs.GetByID(ctx, ref.ID); err == nil {
			return sub
		}
	case domain.ReferenceIntent:
		intent, err := r.intents.GetByID(ctx, ref.ID)
		if err != nil || intent.SubscriptionID == nil {
			return nil
		}
		if sub, err := r.subs.GetByID(ctx, *intent.SubscriptionID); err == nil {
			return sub
		}
	}
	return nil
}

func (r *Reconciler) orderFor(ctx context.Context, ref domain.ChargeReference, hasRef bool) *uuid.UUID {
	if !hasRef {
		return nil
	}
	switch ref.Kind {
	case domain.ReferenceOrder:
		id := ref.ID
		return &id
	case domain.ReferenceIntent:
		if intent, err := r.intents.GetByID(ctx, ref.ID); err == nil {
			id := intent.OrderID
			return &id
		}
	}
	return nil
}

func ignoreNotFound(err error) error {
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	return err
}

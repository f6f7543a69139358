package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Dhoini/Billing-orchestrator/internal/domain"
	"github.com/Dhoini/Billing-orchestrator/internal/gateway"
	"github.com/Dhoini/Billing-orchestrator/internal/metrics"
	"github.com/Dhoini/Billing-orchestrator/internal/repository"
	"github.com/Dhoini/Billing-orchestrator/pkg/logger"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
)

// IntentProcessor превращает наступившие намерения в подписки у провайдеров
type IntentProcessor struct {
	intents  repository.IntentRepository
	orders   repository.OrderRepository
	vault    repository.VaultRepository
	gateways *gateway.Registry
	act      *activator
	notifier Notifier
	metrics  metrics.BillingMetrics
	settings Settings
	log      *logger.Logger
	now      func() time.Time
	newBO    func() backoff.BackOff
}

// NewIntentProcessor создает процессор намерений
func NewIntentProcessor(
	intents repository.IntentRepository,
	orders repository.OrderRepository,
	vault repository.VaultRepository,
	subs repository.SubscriptionRepository,
	ledger *Ledger,
	gateways *gateway.Registry,
	notifier Notifier,
	m metrics.BillingMetrics,
	settings Settings,
	log *logger.Logger,
) *IntentProcessor {
	p := &IntentProcessor{
		intents:  intents,
		orders:   orders,
		vault:    vault,
		gateways: gateways,
		notifier: notifier,
		metrics:  m,
		settings: settings.withDefaults(),
		log:      log,
		now:      utcNow,
		newBO: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = 500 * time.Millisecond
			bo.MaxInterval = 5 * time.Second
			bo.MaxElapsedTime = 30 * time.Second
			return backoff.WithMaxRetries(bo, 4)
		},
	}
	p.act = &activator{
		intents:  intents,
		orders:   orders,
		subs:     subs,
		vault:    vault,
		ledger:   ledger,
		notifier: notifier,
		metrics:  m,
		log:      log,
		now:      func() time.Time { return p.now() },
	}
	return p
}

// ProcessDueIntents обрабатывает SCHEDULED намерения с scheduledDate <= now.
// Пустой filter.Provider означает все включенные провайдеры, каждый обрабатывается отдельно.
// Повторный или параллельный вызов безопасен: намерение обрабатывает только захвативший его воркер.
func (p *IntentProcessor) ProcessDueIntents(ctx context.Context, filter domain.IntentFilter) (*BatchResult, error) {
	providers := p.gateways.Providers()
	if filter.Provider != "" {
		if _, err := p.gateways.Get(filter.Provider); err != nil {
			return nil, err
		}
		providers = []domain.Provider{filter.Provider}
	}
	if filter.Limit <= 0 {
		filter.Limit = p.settings.BatchSize
	}

	result := &BatchResult{}
	now := p.now()
	for _, provider := range providers {
		scoped := filter
		scoped.Provider = provider

		due, err := p.intents.ListDue(ctx, scoped, now, p.settings.RetryDelay)
		if err != nil {
			return result, fmt.Errorf("list due intents for %s: %w", provider, err)
		}
		if len(due) == 0 {
			continue
		}
		p.log.Infow("Processing due intents", "provider", provider, "count", len(due))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(p.settings.Workers)
		for i := range due {
			intent := due[i]
			g.Go(func() error {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				outcome, err := p.processIntent(gctx, &intent)
				if err != nil {
					p.log.Errorw("Intent processing error", "intentID", intent.ID, "outcome", outcome, "error", err)
				}
				result.add(outcome, err)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return result, err
		}
	}

	p.log.Infow("Due intents processed",
		"processed", result.Processed, "activated", result.Activated, "failed", result.Failed,
		"retried", result.Retried, "unknown", result.Unknown, "skipped", result.Skipped)
	return result, nil
}

func (p *IntentProcessor) processIntent(ctx context.Context, intent *domain.SubscriptionIntent) (string, error) {
	claimed, err := p.intents.Claim(ctx, intent.ID, p.now())
	if err != nil {
		return metrics.OutcomeSkipped, fmt.Errorf("claim intent: %w", err)
	}
	if !claimed {
		p.log.Debugw("Intent already claimed", "intentID", intent.ID)
		p.metrics.IncIntentOutcome(intent.Provider, metrics.OutcomeSkipped)
		return metrics.OutcomeSkipped, nil
	}
	intent.Status = domain.IntentStatusProcessing

	order, err := p.orders.GetByID(ctx, intent.OrderID)
	if err != nil {
		return p.release(ctx, intent, fmt.Errorf("load order: %w", err))
	}
	gw, err := p.gateways.Get(intent.Provider)
	if err != nil {
		return p.release(ctx, intent, err)
	}

	cred, err := p.vault.GetActive(ctx, order.CustomerID, intent.Provider)
	if errors.Is(err, domain.ErrNotFound) {
		// без сохраненного способа оплаты повтор бессмыслен: нужно действие клиента
		return p.fail(ctx, intent, order, domain.ErrNoVaultCredential)
	}
	if err != nil {
		return p.release(ctx, intent, fmt.Errorf("load vault credential: %w", err))
	}

	// предыдущая попытка могла создать подписку, хотя ответ до нас не дошел
	if intent.RetryCount > 0 {
		found, err := p.lookup(ctx, gw, intent.Reference())
		switch {
		case err == nil && found != nil:
			return p.activate(ctx, intent, order, cred, found)
		case err != nil && !errors.Is(err, gateway.ErrLookupUnsupported):
			return p.release(ctx, intent, fmt.Errorf("lookup before retry: %w", err))
		}
	}

	req := gateway.RecurringRequest{
		Vault:       *cred,
		ServiceName: intent.ServiceName,
		Amount:      intent.Price(),
		Interval:    intent.Interval,
		Reference:   intent.Reference(),
		Attempt:     intent.RetryCount + 1,
		Metadata: map[string]string{
			"intent_id": intent.ID.String(),
			"order_id":  intent.OrderID.String(),
		},
	}
	// scheduledDate только допускает к обработке; дату первого списания определяет провайдер
	if now := p.now(); intent.ScheduledDate.After(now) {
		req.TrialEnd = intent.ScheduledDate
	}

	callCtx, cancel := context.WithTimeout(ctx, p.settings.ProviderTimeout)
	started := time.Now()
	res, err := gw.CreateRecurring(callCtx, req)
	cancel()
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		if _, ok := domain.AsProviderError(err); !ok {
			err = domain.NewTimeoutError(intent.Provider, err)
		}
	}
	p.metrics.ObserveProviderCall(intent.Provider, "create_recurring", err, time.Since(started))

	switch {
	case err == nil:
		return p.activate(ctx, intent, order, cred, res)
	case isOutcomeUnknown(err):
		return p.resolveUnknown(ctx, gw, intent, order, cred)
	case isTerminal(err):
		return p.fail(ctx, intent, order, err)
	default:
		return p.retryOrFail(ctx, intent, order, err)
	}
}

func (p *IntentProcessor) activate(ctx context.Context, intent *domain.SubscriptionIntent, order *domain.Order,
	cred *domain.VaultCredential, res *gateway.RecurringResult) (string, error) {
	if _, err := p.act.activate(ctx, intent, order, cred, res); err != nil {
		// провайдер уже создал подписку; намерение остается PROCESSING до сверки
		p.metrics.IncIntentOutcome(intent.Provider, metrics.OutcomeUnknown)
		return metrics.OutcomeUnknown, err
	}
	return metrics.OutcomeActivated, nil
}

// resolveUnknown таймаут не считается ни успехом, ни отказом: спрашиваем провайдера по ссылке
func (p *IntentProcessor) resolveUnknown(ctx context.Context, gw gateway.Gateway, intent *domain.SubscriptionIntent,
	order *domain.Order, cred *domain.VaultCredential) (string, error) {
	found, err := p.lookup(ctx, gw, intent.Reference())
	if err == nil && found != nil {
		return p.activate(ctx, intent, order, cred, found)
	}

	p.log.Warnw("Provider outcome unknown, intent left for reconciliation",
		"intentID", intent.ID, "provider", intent.Provider, "lookupError", err)
	p.metrics.IncIntentOutcome(intent.Provider, metrics.OutcomeUnknown)
	return metrics.OutcomeUnknown, nil
}

func (p *IntentProcessor) lookup(ctx context.Context, gw gateway.Gateway, reference string) (*gateway.RecurringResult, error) {
	var found *gateway.RecurringResult
	operation := func() error {
		callCtx, cancel := context.WithTimeout(ctx, p.settings.ProviderTimeout)
		defer cancel()

		started := time.Now()
		res, err := gw.LookupRecurring(callCtx, reference)
		if errors.Is(err, gateway.ErrLookupUnsupported) {
			return backoff.Permanent(err)
		}
		p.metrics.ObserveProviderCall(gw.Provider(), "lookup_recurring", err, time.Since(started))
		if err != nil {
			if isTerminal(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		found = res
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(p.newBO(), ctx)); err != nil {
		return nil, err
	}
	return found, nil
}

func (p *IntentProcessor) fail(ctx context.Context, intent *domain.SubscriptionIntent, order *domain.Order, cause error) (string, error) {
	reason := failureReason(cause)
	ok, err := p.intents.RecordFailure(ctx, intent.ID, domain.IntentStatusFailed, reason, p.now())
	if err != nil {
		return metrics.OutcomeFailed, fmt.Errorf("record failure: %w", err)
	}
	if !ok {
		return metrics.OutcomeSkipped, nil
	}

	p.metrics.IncIntentOutcome(intent.Provider, metrics.OutcomeFailed)
	p.log.Warnw("Intent failed", "intentID", intent.ID, "provider", intent.Provider, "reason", reason, "error", cause)

	n := intentNotification(domain.NotificationSubscriptionFailed, intent, order, p.now())
	n.Action = domain.RemediationUpdatePaymentMethod
	n.Reason = reason
	p.notifier.Notify(ctx, n)
	return metrics.OutcomeFailed, nil
}

// retryOrFail временная ошибка тратит попытку; после MaxAttempts намерение FAILED
func (p *IntentProcessor) retryOrFail(ctx context.Context, intent *domain.SubscriptionIntent, order *domain.Order, cause error) (string, error) {
	if intent.RetryCount+1 >= p.settings.MaxAttempts {
		return p.fail(ctx, intent, order, cause)
	}

	reason := failureReason(cause)
	ok, err := p.intents.RecordFailure(ctx, intent.ID, domain.IntentStatusScheduled, reason, p.now())
	if err != nil {
		return metrics.OutcomeRetry, fmt.Errorf("record retry: %w", err)
	}
	if !ok {
		return metrics.OutcomeSkipped, nil
	}

	p.metrics.IncIntentOutcome(intent.Provider, metrics.OutcomeRetry)
	p.log.Infow("Intent will be retried",
		"intentID", intent.ID, "attempt", intent.RetryCount+1, "maxAttempts", p.settings.MaxAttempts,
		"retryAfter", p.settings.RetryDelay, "reason", reason)
	return metrics.OutcomeRetry, nil
}

func (p *IntentProcessor) release(ctx context.Context, intent *domain.SubscriptionIntent, cause error) (string, error) {
	if _, err := p.intents.Release(ctx, intent.ID, p.now()); err != nil {
		return metrics.OutcomeReleased, errors.Join(cause, fmt.Errorf("release intent: %w", err))
	}
	p.metrics.IncIntentOutcome(intent.Provider, metrics.OutcomeReleased)
	return metrics.OutcomeReleased, cause
}

// RecoverStale разбирает намерения, зависшие в PROCESSING (сбой воркера или неизвестный результат)
func (p *IntentProcessor) RecoverStale(ctx context.Context) (*BatchResult, error) {
	stale, err := p.intents.ListStale(ctx, p.now().Add(-p.settings.StaleAfter), p.settings.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("list stale intents: %w", err)
	}

	result := &BatchResult{}
	for i := range stale {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		outcome, err := p.recoverIntent(ctx, &stale[i])
		if err != nil {
			p.log.Errorw("Stale intent recovery error", "intentID", stale[i].ID, "error", err)
		}
		result.add(outcome, err)
	}
	if len(stale) > 0 {
		p.log.Infow("Stale intents recovered",
			"count", len(stale), "activated", result.Activated, "released", result.Released, "retried", result.Retried)
	}
	return result, nil
}

func (p *IntentProcessor) recoverIntent(ctx context.Context, intent *domain.SubscriptionIntent) (string, error) {
	gw, err := p.gateways.Get(intent.Provider)
	if err != nil {
		return metrics.OutcomeSkipped, err
	}
	order, err := p.orders.GetByID(ctx, intent.OrderID)
	if err != nil {
		return metrics.OutcomeSkipped, fmt.Errorf("load order: %w", err)
	}

	found, err := p.lookup(ctx, gw, intent.Reference())
	switch {
	case err == nil && found != nil:
		cred, verr := p.vault.GetActive(ctx, order.CustomerID, intent.Provider)
		if verr != nil && !errors.Is(verr, domain.ErrNotFound) {
			return metrics.OutcomeSkipped, verr
		}
		return p.activate(ctx, intent, order, cred, found)
	case err == nil:
		// провайдер подтвердил, что подписки нет: попытка потрачена
		return p.retryOrFail(ctx, intent, order, domain.NewTimeoutError(intent.Provider, nil))
	case errors.Is(err, gateway.ErrLookupUnsupported):
		// повтор с той же ссылкой идемпотентен у провайдера
		return p.release(ctx, intent, nil)
	default:
		return metrics.OutcomeUnknown, err
	}
}

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
)

// RenewalService продлевает подписки кошелька: у провайдера нет собственного расписания,
// поэтому каждый период списывается off-session по сохраненному способу оплаты
type RenewalService struct {
	subs     repository.SubscriptionRepository
	vault    repository.VaultRepository
	ledger   *Ledger
	gateways *gateway.Registry
	contacts contactLookup
	notifier Notifier
	metrics  metrics.BillingMetrics
	settings Settings
	log      *logger.Logger
	now      func() time.Time
}

// NewRenewalService создает сервис продлений
func NewRenewalService(
	subs repository.SubscriptionRepository,
	vault repository.VaultRepository,
	ledger *Ledger,
	gateways *gateway.Registry,
	notifier Notifier,
	m metrics.BillingMetrics,
	settings Settings,
	log *logger.Logger,
) *RenewalService {
	return &RenewalService{
		subs:     subs,
		vault:    vault,
		ledger:   ledger,
		gateways: gateways,
		contacts: contactLookup{vault: vault},
		notifier: notifier,
		metrics:  m,
		settings: settings.withDefaults(),
		log:      log,
		now:      utcNow,
	}
}

// RenewDue списывает очередной период у ACTIVE подписок кошелька с наступившим концом периода.
// Один захват на период и ссылка renewal_<id>_<дата> исключают второе списание.
func (s *RenewalService) RenewDue(ctx context.Context) (*BatchResult, error) {
	result := &BatchResult{}
	gw, err := s.gateways.Get(domain.ProviderWallet)
	if errors.Is(err, domain.ErrProviderNotConfigured) {
		return result, nil
	}
	if err != nil {
		return nil, err
	}

	due, err := s.subs.ListDueRenewals(ctx, domain.ProviderWallet, s.now(), s.settings.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("list due renewals: %w", err)
	}

	for i := range due {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		outcome, err := s.renew(ctx, gw, &due[i])
		if err != nil {
			s.log.Errorw("Renewal error", "subscriptionID", due[i].ID, "error", err)
		}
		result.add(outcome, err)
	}
	if len(due) > 0 {
		s.log.Infow("Renewals processed",
			"due", len(due), "renewed", result.Activated, "failed", result.Failed, "retried", result.Retried)
	}
	return result, nil
}

func (s *RenewalService) renew(ctx context.Context, gw gateway.Gateway, sub *domain.Subscription) (string, error) {
	periodEnd := sub.CurrentPeriodEnd
	claimed, err := s.subs.ClaimRenewal(ctx, sub.ID, periodEnd)
	if err != nil {
		return metrics.OutcomeSkipped, fmt.Errorf("claim renewal: %w", err)
	}
	if !claimed {
		return metrics.OutcomeSkipped, nil
	}

	cred, err := s.vault.GetActive(ctx, sub.OwnerID, sub.Provider)
	if errors.Is(err, domain.ErrNotFound) {
		return s.suspend(ctx, sub, domain.ErrNoVaultCredential.Error())
	}
	if err != nil {
		return s.releaseClaim(ctx, sub, fmt.Errorf("load vault credential: %w", err))
	}

	callCtx, cancel := context.WithTimeout(ctx, s.settings.ProviderTimeout)
	started := time.Now()
	charge, err := gw.ChargeOffSession(callCtx, gateway.ChargeRequest{
		Vault:       *cred,
		Amount:      sub.Price(),
		Description: sub.Name,
		Reference:   domain.RenewalReference(sub.ID, periodEnd),
		Attempt:     1,
	})
	cancel()
	s.metrics.ObserveProviderCall(sub.Provider, "charge_off_session", err, time.Since(started))

	switch {
	case err == nil:
	case isTerminal(err):
		return s.suspend(ctx, sub, failureReason(err))
	default:
		// тот же ключ идемпотентности при следующем запуске вернет уже проведенное списание
		return s.releaseClaim(ctx, sub, err)
	}

	subID := sub.ID
	if _, err := s.ledger.Record(ctx, &domain.PaymentLedgerEntry{
		OwnerID:               sub.OwnerID,
		SubscriptionID:        &subID,
		Provider:              sub.Provider,
		Amount:                charge.Amount.Amount,
		Currency:              charge.Amount.Currency,
		ExternalTransactionID: charge.TransactionID,
		Description:           sub.Name,
		CapturedAt:            charge.CapturedAt,
	}); err != nil {
		return metrics.OutcomeUnknown, err
	}

	nextEnd := sub.NextPeriodEnd()
	advanced, err := s.subs.AdvancePeriod(ctx, sub.ID, periodEnd, periodEnd, nextEnd)
	if err != nil {
		return metrics.OutcomeUnknown, fmt.Errorf("advance period: %w", err)
	}
	if !advanced {
		return metrics.OutcomeSkipped, nil
	}

	sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.RenewalClaim = periodEnd, nextEnd, nil
	s.log.Infow("Subscription renewed",
		"subscriptionID", sub.ID, "transactionID", charge.TransactionID, "periodEnd", nextEnd)
	s.notifier.SubscriptionChanged(ctx, notify.EventSubscriptionRenewed, sub)
	return metrics.OutcomeActivated, nil
}

// suspend захват периода остается: без нового способа оплаты повтор в этом периоде не нужен
func (s *RenewalService) suspend(ctx context.Context, sub *domain.Subscription, reason string) (string, error) {
	if _, err := s.subs.SetStatus(ctx, sub.ID, domain.SubscriptionStatusSuspended); err != nil {
		return metrics.OutcomeFailed, fmt.Errorf("suspend subscription: %w", err)
	}
	sub.Status = domain.SubscriptionStatusSuspended
	s.log.Warnw("Renewal failed, subscription suspended", "subscriptionID", sub.ID, "reason", reason)

	n := subscriptionNotification(domain.NotificationPaymentFailed, sub, s.now())
	n.Action = domain.RemediationUpdatePaymentMethod
	n.Reason = reason
	s.contacts.fill(ctx, &n, sub.Provider)
	s.notifier.Notify(ctx, n)
	s.notifier.SubscriptionChanged(ctx, notify.EventSubscriptionUpdated, sub)
	return metrics.OutcomeFailed, nil
}

func (s *RenewalService) releaseClaim(ctx context.Context, sub *domain.Subscription, cause error) (string, error) {
	if err := s.subs.ReleaseRenewal(ctx, sub.ID); err != nil {
		return metrics.OutcomeRetry, errors.Join(cause, fmt.Errorf("release renewal claim: %w", err))
	}
	return metrics.OutcomeRetry, cause
}

// Package services содержит оркестратор отложенных подписок: планировщик намерений,
// процессор, жизненный цикл подписок, сверку вебхуков, журнал платежей и продления.
package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Dhoini/Billing-orchestrator/internal/domain"
	"github.com/Dhoini/Billing-orchestrator/internal/metrics"
	"github.com/Dhoini/Billing-orchestrator/internal/notify"
	"github.com/Dhoini/Billing-orchestrator/internal/repository"

	"github.com/google/uuid"
)

// Notifier доставка уведомлений и событий подписок (notify.Dispatcher)
type Notifier interface {
	Notify(ctx context.Context, n domain.Notification)
	SubscriptionChanged(ctx context.Context, eventType notify.EventType, sub *domain.Subscription)
}

var _ Notifier = (*notify.Dispatcher)(nil)

// Settings параметры пакетной обработки
type Settings struct {
	MaxAttempts     int
	RetryDelay      time.Duration
	Workers         int
	BatchSize       int
	StaleAfter      time.Duration
	ProviderTimeout time.Duration
	// SuspensionGrace сколько SUSPENDED подписка кошелька ждет нового способа оплаты до отмены
	SuspensionGrace time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.MaxAttempts < 1 {
		s.MaxAttempts = 3
	}
	if s.Workers < 1 {
		s.Workers = 1
	}
	if s.BatchSize < 1 {
		s.BatchSize = 100
	}
	if s.StaleAfter <= 0 {
		s.StaleAfter = 30 * time.Minute
	}
	if s.ProviderTimeout <= 0 {
		s.ProviderTimeout = 20 * time.Second
	}
	if s.SuspensionGrace <= 0 {
		s.SuspensionGrace = 30 * 24 * time.Hour
	}
	return s
}

// BatchResult итог запуска пакетной задачи
type BatchResult struct {
	mu        sync.Mutex
	Processed int `json:"processed"`
	Activated int `json:"activated"`
	Failed    int `json:"failed"`
	Retried   int `json:"retried"`
	Released  int `json:"released"`
	Unknown   int `json:"unknown"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

func (r *BatchResult) add(outcome string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.Processed++
	if err != nil {
		r.Errors++
	}
	switch outcome {
	case metrics.OutcomeActivated:
		r.Activated++
	case metrics.OutcomeFailed:
		r.Failed++
	case metrics.OutcomeRetry:
		r.Retried++
	case metrics.OutcomeReleased:
		r.Released++
	case metrics.OutcomeUnknown:
		r.Unknown++
	case metrics.OutcomeSkipped:
		r.Skipped++
	}
}

func utcNow() time.Time {
	return time.Now().UTC()
}

// contactLookup берет email и имя клиента из сохраненного способа оплаты
type contactLookup struct {
	vault repository.VaultRepository
}

func (c contactLookup) fill(ctx context.Context, n *domain.Notification, provider domain.Provider) {
	if n.CustomerEmail != "" || c.vault == nil {
		return
	}
	cred, err := c.vault.GetActive(ctx, n.CustomerID, provider)
	if err != nil {
		return
	}
	n.CustomerEmail = cred.CustomerEmail
	n.CustomerName = cred.CustomerName
}

func subscriptionNotification(t domain.NotificationType, sub *domain.Subscription, date time.Time) domain.Notification {
	subID := sub.ID
	return domain.Notification{
		Type:           t,
		CustomerID:     sub.OwnerID,
		ServiceName:    sub.Name,
		Amount:         sub.Price(),
		Date:           date,
		SubscriptionID: &subID,
	}
}

func intentNotification(t domain.NotificationType, intent *domain.SubscriptionIntent, order *domain.Order, date time.Time) domain.Notification {
	intentID := intent.ID
	n := domain.Notification{
		Type:        t,
		ServiceName: intent.ServiceName,
		Amount:      intent.Price(),
		Date:        date,
		IntentID:    &intentID,
	}
	if order != nil {
		n.CustomerID = order.CustomerID
		n.CustomerEmail = order.CustomerEmail
		n.CustomerName = order.CustomerName
	}
	return n
}

// failureReason код ошибки без сырого ответа провайдера
func failureReason(err error) string {
	if perr, ok := domain.AsProviderError(err); ok {
		return perr.Code
	}
	if errors.Is(err, domain.ErrNoVaultCredential) {
		return domain.ErrNoVaultCredential.Error()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "internal_error"
}

func isTerminal(err error) bool {
	perr, ok := domain.AsProviderError(err)
	return ok && !perr.Retryable()
}

func isOutcomeUnknown(err error) bool {
	return errors.Is(err, domain.ErrOutcomeUnknown) || errors.Is(err, context.DeadlineExceeded)
}

func ownedBy(sub *domain.Subscription, ownerID uuid.UUID) bool {
	return ownerID == uuid.Nil || sub.OwnerID == ownerID
}

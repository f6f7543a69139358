// Package notify передает уведомления клиентам и события подписок внешним сервисам.
// Оркестратор отдает только структурированные данные, верстка писем живет в шаблонах Postmark.
package notify

import (
	"context"
	"time"

	"github.com/Dhoini/Billing-orchestrator/internal/domain"
	"github.com/Dhoini/Billing-orchestrator/pkg/logger"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// Notifier канал доставки уведомлений (kafka, postmark, log)
type Notifier interface {
	Notify(ctx context.Context, n domain.Notification) error
}

// EventType тип события подписки для топика событий
type EventType string

const (
	EventSubscriptionActivated       EventType = "subscription.activated"
	EventSubscriptionCancelRequested EventType = "subscription.cancel_requested"
	EventSubscriptionReactivated     EventType = "subscription.reactivated"
	EventSubscriptionUpdated         EventType = "subscription.updated"
	EventSubscriptionCancelled       EventType = "subscription.cancelled"
	EventSubscriptionRenewed         EventType = "subscription.renewed"
)

// SubscriptionEvent снимок подписки после изменения
type SubscriptionEvent struct {
	ID                uuid.UUID                 `json:"id"`
	Type              EventType                 `json:"type"`
	SubscriptionID    uuid.UUID                 `json:"subscription_id"`
	OwnerID           uuid.UUID                 `json:"owner_id"`
	Provider          domain.Provider           `json:"provider"`
	Status            domain.SubscriptionStatus `json:"status"`
	CancelAtPeriodEnd bool                      `json:"cancel_at_period_end"`
	CurrentPeriodEnd  time.Time                 `json:"current_period_end"`
	OccurredAt        time.Time                 `json:"occurred_at"`
}

// EventPublisher публикует события подписок
type EventPublisher interface {
	PublishSubscriptionEvent(ctx context.Context, ev SubscriptionEvent) error
}

// Dispatcher доставляет уведомления с повторами. Ошибки доставки только логируются:
// состояние биллинга уже сохранено, и неудачная рассылка не должна его откатывать.
type Dispatcher struct {
	notifier Notifier
	events   EventPublisher
	log      *logger.Logger
	newBO    func() backoff.BackOff
}

// NewDispatcher создает диспетчер; events может быть nil
func NewDispatcher(notifier Notifier, events EventPublisher, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		notifier: notifier,
		events:   events,
		log:      log,
		newBO: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = 200 * time.Millisecond
			bo.MaxInterval = 2 * time.Second
			bo.MaxElapsedTime = 10 * time.Second
			return backoff.WithMaxRetries(bo, 3)
		},
	}
}

// Notify отправляет уведомление клиенту
func (d *Dispatcher) Notify(ctx context.Context, n domain.Notification) {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	// запрос пользователя может завершиться раньше доставки
	ctx = context.WithoutCancel(ctx)

	operation := func() error {
		return d.notifier.Notify(ctx, n)
	}
	if err := backoff.Retry(operation, backoff.WithContext(d.newBO(), ctx)); err != nil {
		d.log.Errorw("Failed to deliver notification",
			"notificationID", n.ID, "type", n.Type, "customerID", n.CustomerID, "error", err)
		return
	}
	d.log.Infow("Notification delivered", "notificationID", n.ID, "type", n.Type, "customerID", n.CustomerID)
}

// SubscriptionChanged публикует снимок подписки в топик событий
func (d *Dispatcher) SubscriptionChanged(ctx context.Context, eventType EventType, sub *domain.Subscription) {
	if d.events == nil || sub == nil {
		return
	}

	ev := SubscriptionEvent{
		ID:                uuid.New(),
		Type:              eventType,
		SubscriptionID:    sub.ID,
		OwnerID:           sub.OwnerID,
		Provider:          sub.Provider,
		Status:            sub.Status,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		CurrentPeriodEnd:  sub.CurrentPeriodEnd,
		OccurredAt:        time.Now().UTC(),
	}
	ctx = context.WithoutCancel(ctx)

	operation := func() error {
		return d.events.PublishSubscriptionEvent(ctx, ev)
	}
	if err := backoff.Retry(operation, backoff.WithContext(d.newBO(), ctx)); err != nil {
		d.log.Errorw("Failed to publish subscription event",
			"type", eventType, "subscriptionID", sub.ID, "error", err)
	}
}

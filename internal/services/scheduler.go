package services

import (
	"context"
	"fmt"
	"time"

	"github.com/Dhoini/Billing-orchestrator/internal/domain"
	"github.com/Dhoini/Billing-orchestrator/internal/repository"
	"github.com/Dhoini/Billing-orchestrator/pkg/logger"

	"github.com/google/uuid"
)

// IntentItem позиция заказа, по которой позже начнутся рекуррентные списания
type IntentItem struct {
	ServiceName string          `json:"service_name" validate:"required,max=200"`
	Amount      int64           `json:"amount" validate:"required,gt=0"`
	Currency    string          `json:"currency" validate:"omitempty,len=3"`
	Interval    domain.Interval `json:"interval" validate:"required,oneof=MONTHLY YEARLY"`
	// DelayDays nil означает значение по умолчанию из конфигурации
	DelayDays *int `json:"delay_days,omitempty" validate:"omitempty,gte=0,lte=365"`
}

// IntentScheduler пишет намерения при оформлении заказа, к провайдерам не обращается
type IntentScheduler struct {
	orders           repository.OrderRepository
	intents          repository.IntentRepository
	defaultDelayDays int
	defaultCurrency  string
	log              *logger.Logger
	now              func() time.Time
}

// NewIntentScheduler создает планировщик намерений
func NewIntentScheduler(orders repository.OrderRepository, intents repository.IntentRepository,
	defaultDelayDays int, defaultCurrency string, log *logger.Logger) *IntentScheduler {
	return &IntentScheduler{
		orders:           orders,
		intents:          intents,
		defaultDelayDays: defaultDelayDays,
		defaultCurrency:  defaultCurrency,
		log:              log,
		now:              utcNow,
	}
}

// ScheduleIntents сохраняет по одному SCHEDULED намерению на позицию, scheduledDate = now + delayDays.
// Ошибка хранилища возвращается вызывающему: без намерений списания никогда не начнутся.
func (s *IntentScheduler) ScheduleIntents(ctx context.Context, orderID uuid.UUID, items []IntentItem) ([]domain.SubscriptionIntent, error) {
	if err := s.validate(items); err != nil {
		return nil, err
	}

	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status == domain.OrderStatusCancelled || order.Status == domain.OrderStatusCompleted {
		return nil, domain.NewBusinessRuleError(domain.RuleOrderNotOpen,
			fmt.Sprintf("order is %s", order.Status))
	}

	existing, err := s.intents.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("list intents for order %s: %w", orderID, err)
	}
	if len(existing) > 0 {
		return nil, domain.NewDuplicateError("subscription intent", "order_id", orderID.String())
	}

	now := s.now()
	intents := make([]*domain.SubscriptionIntent, 0, len(items))
	for _, item := range items {
		delay := s.defaultDelayDays
		if item.DelayDays != nil {
			delay = *item.DelayDays
		}
		currency := item.Currency
		if currency == "" {
			currency = s.defaultCurrency
		}

		intents = append(intents, &domain.SubscriptionIntent{
			ID:            uuid.New(),
			OrderID:       order.ID,
			Provider:      order.Provider,
			ServiceName:   item.ServiceName,
			Amount:        item.Amount,
			Currency:      domain.NewMoney(item.Amount, currency).Currency,
			Interval:      item.Interval,
			ScheduledDate: now.AddDate(0, 0, delay),
			Status:        domain.IntentStatusScheduled,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}

	if err := s.intents.CreateBatch(ctx, intents); err != nil {
		s.log.Errorw("Failed to schedule intents", "orderID", orderID, "error", err)
		return nil, fmt.Errorf("schedule intents for order %s: %w", orderID, err)
	}

	out := make([]domain.SubscriptionIntent, 0, len(intents))
	for _, intent := range intents {
		s.log.Infow("Intent scheduled",
			"intentID", intent.ID, "orderID", orderID, "service", intent.ServiceName,
			"provider", intent.Provider, "scheduledDate", intent.ScheduledDate)
		out = append(out, *intent)
	}
	return out, nil
}

func (s *IntentScheduler) validate(items []IntentItem) error {
	var verr domain.ValidationErrors
	if len(items) == 0 {
		verr.Add("items", "at least one item is required")
	}
	for i, item := range items {
		field := fmt.Sprintf("items[%d]", i)
		if item.ServiceName == "" {
			verr.Add(field+".service_name", "is required")
		}
		if item.Amount <= 0 {
			verr.Add(field+".amount", "must be positive")
		}
		if !item.Interval.Valid() {
			verr.Add(field+".interval", "must be MONTHLY or YEARLY")
		}
		if item.DelayDays != nil && *item.DelayDays < 0 {
			verr.Add(field+".delay_days", "must not be negative")
		}
	}
	return verr.OrNil()
}

// ListByOrder намерения заказа
func (s *IntentScheduler) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]domain.SubscriptionIntent, error) {
	return s.intents.ListByOrder(ctx, orderID)
}

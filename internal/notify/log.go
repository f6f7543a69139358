package notify

import (
	"context"

	"github.com/Dhoini/Billing-orchestrator/internal/domain"
	"github.com/Dhoini/Billing-orchestrator/pkg/logger"
)

// LogNotifier пишет уведомления и события в лог (локальная разработка)
type LogNotifier struct {
	log *logger.Logger
}

var (
	_ Notifier       = (*LogNotifier)(nil)
	_ EventPublisher = (*LogNotifier)(nil)
)

func NewLogNotifier(log *logger.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (l *LogNotifier) Notify(_ context.Context, n domain.Notification) error {
	l.log.Infow("Notification",
		"type", n.Type,
		"customerID", n.CustomerID,
		"serviceName", n.ServiceName,
		"amount", n.Amount.String(),
		"date", n.Date,
		"action", n.Action,
		"reason", n.Reason,
	)
	return nil
}

func (l *LogNotifier) PublishSubscriptionEvent(_ context.Context, ev SubscriptionEvent) error {
	l.log.Infow("Subscription event", "type", ev.Type, "subscriptionID", ev.SubscriptionID, "status", ev.Status)
	return nil
}

package notify

import (
	"context"

	"github.com/Dhoini/Billing-orchestrator/internal/domain"
	"github.com/Dhoini/Billing-orchestrator/internal/kafka"
)

// KafkaNotifier публикует уведомления для внешнего сервиса рассылок
// и события подписок для остальных потребителей.
type KafkaNotifier struct {
	producer          kafka.Producer
	notificationTopic string
	eventTopic        string
}

var (
	_ Notifier       = (*KafkaNotifier)(nil)
	_ EventPublisher = (*KafkaNotifier)(nil)
)

func NewKafkaNotifier(producer kafka.Producer, notificationTopic, eventTopic string) *KafkaNotifier {
	return &KafkaNotifier{producer: producer, notificationTopic: notificationTopic, eventTopic: eventTopic}
}

// Notify ключ сообщения это клиент: уведомления одного клиента идут по порядку
func (k *KafkaNotifier) Notify(ctx context.Context, n domain.Notification) error {
	return k.producer.Publish(ctx, k.notificationTopic, n.CustomerID.String(), n)
}

// PublishSubscriptionEvent ключ сообщения это подписка
func (k *KafkaNotifier) PublishSubscriptionEvent(ctx context.Context, ev SubscriptionEvent) error {
	return k.producer.Publish(ctx, k.eventTopic, ev.SubscriptionID.String(), ev)
}

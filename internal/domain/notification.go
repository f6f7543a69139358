package domain

import (
	"time"

	"github.com/google/uuid"
)

// NotificationType тип уведомления для внешнего сервиса рассылок
type NotificationType string

const (
	NotificationSubscriptionActivated NotificationType = "subscription.activated"
	NotificationSubscriptionFailed    NotificationType = "subscription.failed"
	NotificationCancellationConfirmed NotificationType = "subscription.cancellation_confirmed"
	NotificationPaymentFailed         NotificationType = "subscription.payment_failed"
)

// RemediationUpdatePaymentMethod действие, которое предлагаем клиенту при отказе
const RemediationUpdatePaymentMethod = "update_payment_method"

// Notification структурированные данные уведомления, без верстки
type Notification struct {
	ID             uuid.UUID        `json:"id"`
	Type           NotificationType `json:"type"`
	CustomerID     uuid.UUID        `json:"customer_id"`
	CustomerEmail  string           `json:"customer_email"`
	CustomerName   string           `json:"customer_name"`
	ServiceName    string           `json:"service_name"`
	Amount         Money            `json:"amount"`
	Date           time.Time        `json:"date"`
	SubscriptionID *uuid.UUID       `json:"subscription_id,omitempty"`
	IntentID       *uuid.UUID       `json:"intent_id,omitempty"`
	Action         string           `json:"action,omitempty"`
	Reason         string           `json:"reason,omitempty"`
}

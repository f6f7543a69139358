package domain

import (
	"time"

	"github.com/google/uuid"
)

// IntentStatus статус намерения подписки
type IntentStatus string

const (
	IntentStatusScheduled IntentStatus = "SCHEDULED"
	// IntentStatusProcessing маркер захвата воркером, промежуточный
	IntentStatusProcessing IntentStatus = "PROCESSING"
	IntentStatusActive     IntentStatus = "ACTIVE"
	IntentStatusFailed     IntentStatus = "FAILED"
)

// SubscriptionIntent обещание начать списания позже.
// Никогда не удаляется, меняется только процессором намерений.
type SubscriptionIntent struct {
	ID             uuid.UUID    `json:"id" db:"id"`
	OrderID        uuid.UUID    `json:"order_id" db:"order_id"`
	Provider       Provider     `json:"provider" db:"provider"`
	ServiceName    string       `json:"service_name" db:"service_name"`
	Amount         int64        `json:"amount" db:"amount"`
	Currency       string       `json:"currency" db:"currency"`
	Interval       Interval     `json:"interval" db:"billing_interval"`
	ScheduledDate  time.Time    `json:"scheduled_date" db:"scheduled_date"`
	Status         IntentStatus `json:"status" db:"status"`
	RetryCount     int          `json:"retry_count" db:"retry_count"`
	LastRetryAt    *time.Time   `json:"last_retry_at,omitempty" db:"last_retry_at"`
	FailureReason  *string      `json:"failure_reason,omitempty" db:"failure_reason"`
	SubscriptionID *uuid.UUID   `json:"subscription_id,omitempty" db:"subscription_id"`
	ClaimedAt      *time.Time   `json:"claimed_at,omitempty" db:"claimed_at"`
	CreatedAt      time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at" db:"updated_at"`
}

// Price сумма намерения
func (i *SubscriptionIntent) Price() Money {
	return NewMoney(i.Amount, i.Currency)
}

// IsDue намерение можно обрабатывать только начиная с scheduledDate
func (i *SubscriptionIntent) IsDue(now time.Time) bool {
	return i.Status == IntentStatusScheduled && !i.ScheduledDate.After(now)
}

// Reference детерминированная ссылка, которой помечаются вызовы провайдера
func (i *SubscriptionIntent) Reference() string {
	return IntentReference(i.ID)
}

// IntentFailure результат неудачной попытки
type IntentFailure struct {
	Reason   string
	At       time.Time
	Terminal bool
}

// IntentFilter область выборки для processDueIntents
type IntentFilter struct {
	OrderID  *uuid.UUID
	Provider Provider
	Limit    int
}

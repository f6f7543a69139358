package domain

import (
	"time"

	"github.com/google/uuid"
)

// PaymentStatus статус записи журнала. Подсистема пишет только COMPLETED.
type PaymentStatus string

const (
	PaymentStatusCompleted PaymentStatus = "COMPLETED"
)

// PaymentLedgerEntry неизменяемая запись о фактически списанных деньгах
type PaymentLedgerEntry struct {
	ID                    uuid.UUID     `json:"id" db:"id"`
	OwnerID               uuid.UUID     `json:"owner_id" db:"owner_id"`
	SubscriptionID        *uuid.UUID    `json:"subscription_id,omitempty" db:"subscription_id"`
	OrderID               *uuid.UUID    `json:"order_id,omitempty" db:"order_id"`
	Provider              Provider      `json:"provider" db:"provider"`
	Amount                int64         `json:"amount" db:"amount"`
	Currency              string        `json:"currency" db:"currency"`
	Status                PaymentStatus `json:"status" db:"status"`
	ExternalTransactionID string        `json:"external_transaction_id" db:"external_transaction_id"`
	Description           string        `json:"description" db:"description"`
	CapturedAt            time.Time     `json:"captured_at" db:"captured_at"`
	CreatedAt             time.Time     `json:"created_at" db:"created_at"`
}

package domain

import (
	"time"

	"github.com/google/uuid"
)

// SubscriptionStatus статус подписки
type SubscriptionStatus string

const (
	SubscriptionStatusActive SubscriptionStatus = "ACTIVE"
	// SubscriptionStatusSuspended провайдер сообщил о просрочке (past due)
	SubscriptionStatusSuspended SubscriptionStatus = "SUSPENDED"
	SubscriptionStatusPaused    SubscriptionStatus = "PAUSED"
	// SubscriptionStatusCancelled терминальный, выставляется только сверкой с провайдером
	SubscriptionStatusCancelled SubscriptionStatus = "CANCELLED"
)

// ProviderAction действие, которое еще не удалось передать провайдеру
type ProviderAction string

const (
	ProviderActionNone   ProviderAction = ""
	ProviderActionCancel ProviderAction = "CANCEL_AT_PERIOD_END"
	ProviderActionResume ProviderAction = "RESUME"
)

// Subscription долговременное рекуррентное обязательство
type Subscription struct {
	ID                 uuid.UUID          `json:"id" db:"id"`
	OwnerID            uuid.UUID          `json:"owner_id" db:"owner_id"`
	BusinessRef        *string            `json:"business_ref,omitempty" db:"business_ref"`
	Name               string             `json:"name" db:"name"`
	Description        string             `json:"description" db:"description"`
	Status             SubscriptionStatus `json:"status" db:"status"`
	Amount             int64              `json:"amount" db:"amount"`
	Currency           string             `json:"currency" db:"currency"`
	Interval           Interval           `json:"interval" db:"billing_interval"`
	Provider           Provider           `json:"provider" db:"provider"`
	ExternalID         string             `json:"external_id" db:"external_id"`
	VaultCredentialID  *uuid.UUID         `json:"-" db:"vault_credential_id"`
	CurrentPeriodStart time.Time          `json:"current_period_start" db:"current_period_start"`
	CurrentPeriodEnd   time.Time          `json:"current_period_end" db:"current_period_end"`
	BillingAnchor      time.Time          `json:"billing_anchor" db:"billing_anchor"`
	CancelAtPeriodEnd  bool               `json:"cancel_at_period_end" db:"cancel_at_period_end"`
	CancelledAt        *time.Time         `json:"cancelled_at,omitempty" db:"cancelled_at"`
	PendingAction      ProviderAction     `json:"-" db:"pending_action"`
	RenewalClaim       *time.Time         `json:"-" db:"renewal_claim"`
	LastEventAt        *time.Time         `json:"-" db:"last_event_at"`
	CreatedAt          time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at" db:"updated_at"`
}

// Price сумма за период
func (s *Subscription) Price() Money {
	return NewMoney(s.Amount, s.Currency)
}

// NextPeriodEnd конец периода, следующего за текущим, с сохранением дня привязки
func (s *Subscription) NextPeriodEnd() time.Time {
	anchor := s.BillingAnchor
	if anchor.IsZero() {
		anchor = s.CurrentPeriodStart
	}
	return s.Interval.PeriodEnd(anchor, s.CurrentPeriodEnd)
}

// IsCancelled терминальное состояние
func (s *Subscription) IsCancelled() bool {
	return s.Status == SubscriptionStatusCancelled
}

// CanRequestCancellation проверяет правило отмены
func (s *Subscription) CanRequestCancellation() error {
	if s.IsCancelled() {
		return NewBusinessRuleError(RuleAlreadyCancelled, "subscription is already cancelled")
	}
	return nil
}

// CanReactivate возобновление возможно только пока подписка не отменена и ждет конца периода
func (s *Subscription) CanReactivate() error {
	if s.IsCancelled() {
		return NewBusinessRuleError(RuleAlreadyCancelled, "cancelled subscription cannot be reactivated")
	}
	if !s.CancelAtPeriodEnd {
		return NewBusinessRuleError(RuleNotPendingCancellation, "subscription is not scheduled for cancellation")
	}
	return nil
}

// SubscriptionProjection изменяемые поля, которые сверка перезаписывает целиком
type SubscriptionProjection struct {
	Status             SubscriptionStatus
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
	CancelledAt        *time.Time
	EventAt            time.Time
}

// CancellationAck подтверждение последствий отмены от пользователя
type CancellationAck struct {
	AcknowledgedConsequences bool   `json:"acknowledged_consequences"`
	Reason                   string `json:"reason,omitempty"`
}

// CancellationResult ответ на запрос отмены
type CancellationResult struct {
	Subscription  *Subscription `json:"subscription"`
	ServiceEndsAt time.Time     `json:"service_ends_at"`
}

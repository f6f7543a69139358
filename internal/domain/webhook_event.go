package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventKind вид проверенного события провайдера. Любое тело вебхука
// декодируется в один из этих видов сразу на границе.
type EventKind string

const (
	EventPaymentCaptured      EventKind = "payment.captured"
	EventPaymentFailed        EventKind = "payment.failed"
	EventSubscriptionUpserted EventKind = "subscription.upserted"
	EventSubscriptionDeleted  EventKind = "subscription.deleted"
	EventCredentialStored     EventKind = "credential.stored"
	EventCredentialRevoked    EventKind = "credential.revoked"
	EventIgnored              EventKind = "ignored"
)

// ProviderEvent размеченное объединение событий
type ProviderEvent interface {
	Kind() EventKind
	Meta() EventMeta
}

// EventMeta общие поля любого события
type EventMeta struct {
	Provider   Provider  `json:"provider"`
	EventID    string    `json:"event_id"`
	Type       string    `json:"type"` // исходный тип у провайдера
	OccurredAt time.Time `json:"occurred_at"`
}

func (m EventMeta) Meta() EventMeta { return m }

// PaymentCaptured успешное разовое или инвойсное списание
type PaymentCaptured struct {
	EventMeta
	TransactionID          string `json:"transaction_id"`
	ExternalCustomerID     string `json:"external_customer_id,omitempty"`
	ExternalSubscriptionID string `json:"external_subscription_id,omitempty"`
	Reference              string `json:"reference,omitempty"`
	Amount                 Money  `json:"amount"`
	Description            string `json:"description,omitempty"`
}

func (PaymentCaptured) Kind() EventKind { return EventPaymentCaptured }

// PaymentFailed неудачное рекуррентное списание
type PaymentFailed struct {
	EventMeta
	ExternalCustomerID     string `json:"external_customer_id,omitempty"`
	ExternalSubscriptionID string `json:"external_subscription_id,omitempty"`
	Reference              string `json:"reference,omitempty"`
	Reason                 string `json:"reason,omitempty"`
}

func (PaymentFailed) Kind() EventKind { return EventPaymentFailed }

// SubscriptionUpserted подписка создана или изменена у провайдера
type SubscriptionUpserted struct {
	EventMeta
	ExternalID         string             `json:"external_id"`
	ExternalCustomerID string             `json:"external_customer_id,omitempty"`
	Reference          string             `json:"reference,omitempty"`
	Status             SubscriptionStatus `json:"status"`
	PeriodStart        time.Time          `json:"period_start"`
	PeriodEnd          time.Time          `json:"period_end"`
	CancelAtPeriodEnd  bool               `json:"cancel_at_period_end"`
	CancelledAt        *time.Time         `json:"cancelled_at,omitempty"`
}

func (SubscriptionUpserted) Kind() EventKind { return EventSubscriptionUpserted }

// Projection поля для полной перезаписи локальной подписки
func (e SubscriptionUpserted) Projection() SubscriptionProjection {
	return SubscriptionProjection{
		Status:             e.Status,
		CurrentPeriodStart: e.PeriodStart,
		CurrentPeriodEnd:   e.PeriodEnd,
		CancelAtPeriodEnd:  e.CancelAtPeriodEnd,
		CancelledAt:        e.CancelledAt,
		EventAt:            e.OccurredAt,
	}
}

// SubscriptionDeleted провайдер подтвердил окончание подписки
type SubscriptionDeleted struct {
	EventMeta
	ExternalID string `json:"external_id"`
}

func (SubscriptionDeleted) Kind() EventKind { return EventSubscriptionDeleted }

// CredentialStored провайдер сохранил способ оплаты
type CredentialStored struct {
	EventMeta
	ExternalCustomerID string `json:"external_customer_id"`
	ExternalVaultID    string `json:"external_vault_id"`
	Email              string `json:"email,omitempty"`
	Name               string `json:"name,omitempty"`
	Reference          string `json:"reference,omitempty"`
}

func (CredentialStored) Kind() EventKind { return EventCredentialStored }

// CredentialRevoked способ оплаты удален. Пустой ExternalVaultID означает,
// что удален сам клиент у провайдера и все его записи недействительны.
type CredentialRevoked struct {
	EventMeta
	ExternalCustomerID string `json:"external_customer_id,omitempty"`
	ExternalVaultID    string `json:"external_vault_id,omitempty"`
}

func (CredentialRevoked) Kind() EventKind { return EventCredentialRevoked }

// IgnoredEvent неизвестный тип, принимается и игнорируется
type IgnoredEvent struct {
	EventMeta
}

func (IgnoredEvent) Kind() EventKind { return EventIgnored }

type eventEnvelope struct {
	Kind EventKind       `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// EncodeEvent сериализует событие вместе с меткой вида (для журнала вебхуков)
func EncodeEvent(ev ProviderEvent) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", ev.Kind(), err)
	}
	return json.Marshal(eventEnvelope{Kind: ev.Kind(), Data: data})
}

// DecodeEvent восстанавливает событие из журнала
func DecodeEvent(raw []byte) (ProviderEvent, error) {
	var env eventEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("unmarshal event envelope: %w", err)
	}

	switch env.Kind {
	case EventPaymentCaptured:
		return decodeAs[PaymentCaptured](env.Data)
	case EventPaymentFailed:
		return decodeAs[PaymentFailed](env.Data)
	case EventSubscriptionUpserted:
		return decodeAs[SubscriptionUpserted](env.Data)
	case EventSubscriptionDeleted:
		return decodeAs[SubscriptionDeleted](env.Data)
	case EventCredentialStored:
		return decodeAs[CredentialStored](env.Data)
	case EventCredentialRevoked:
		return decodeAs[CredentialRevoked](env.Data)
	case EventIgnored:
		return decodeAs[IgnoredEvent](env.Data)
	}
	return nil, fmt.Errorf("%w: unknown event kind %q", ErrInvalidInput, env.Kind)
}

func decodeAs[T ProviderEvent](data json.RawMessage) (ProviderEvent, error) {
	var ev T
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("unmarshal %T: %w", ev, err)
	}
	return ev, nil
}

// WebhookEventRecord запись журнала вебхуков, уникальна по (provider, provider_event_id)
type WebhookEventRecord struct {
	ID              uuid.UUID  `json:"id" db:"id"`
	Provider        Provider   `json:"provider" db:"provider"`
	ProviderEventID string     `json:"provider_event_id" db:"provider_event_id"`
	EventType       string     `json:"event_type" db:"event_type"`
	Kind            EventKind  `json:"kind" db:"kind"`
	Payload         []byte     `json:"-" db:"payload"`
	Attempts        int        `json:"attempts" db:"attempts"`
	LastError       *string    `json:"last_error,omitempty" db:"last_error"`
	ProcessedAt     *time.Time `json:"processed_at,omitempty" db:"processed_at"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
}

// Package gateway описывает общий набор возможностей платежного провайдера.
// Детали формирования запросов остаются внутри адаптеров (stripe, paypal).
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Dhoini/Billing-orchestrator/internal/domain"
)

// Gateway синхронные вызовы провайдера. Ошибки нормализуются в *domain.ProviderError:
// Transient можно повторить, Terminal нельзя, Timeout означает неизвестный результат.
type Gateway interface {
	Provider() domain.Provider

	// AttachCredential сохраняет способ оплаты у провайдера для будущих off-session списаний
	AttachCredential(ctx context.Context, req AttachRequest) (*AttachResult, error)

	// ChargeOffSession разовое списание по сохраненному способу оплаты
	ChargeOffSession(ctx context.Context, req ChargeRequest) (*ChargeResult, error)

	// CreateRecurring создает рекуррентное списание; TrialEnd переносит первое списание
	CreateRecurring(ctx context.Context, req RecurringRequest) (*RecurringResult, error)

	// CancelRecurring отменяет подписку; atPeriodEnd=true оставляет доступ до конца оплаченного периода
	CancelRecurring(ctx context.Context, externalID string, atPeriodEnd bool) error

	// ResumeRecurring снимает запланированную отмену
	ResumeRecurring(ctx context.Context, externalID string) error

	// LookupRecurring ищет результат предыдущего CreateRecurring по ссылке.
	// nil, nil означает, что провайдер подтвердил отсутствие подписки.
	LookupRecurring(ctx context.Context, reference string) (*RecurringResult, error)
}

// ErrLookupUnsupported провайдер не умеет искать подписку по ссылке.
// Повтор CreateRecurring с той же ссылкой у такого провайдера идемпотентен.
var ErrLookupUnsupported = errors.New("recurring lookup is not supported by provider")

// EventDecoder проверяет подпись вебхука и сразу приводит тело к одному из видов domain.ProviderEvent.
// Ошибка подписи оборачивает domain.ErrWebhookValidationFailed, неразборчивое тело известного
// типа оборачивает domain.ErrInvalidInput. Неизвестные типы возвращаются как domain.IgnoredEvent.
type EventDecoder interface {
	Provider() domain.Provider
	Decode(ctx context.Context, payload []byte, header http.Header) (domain.ProviderEvent, error)
}

// IdempotencyKey ключ для попытки attempt. Повтор той же попытки не создает второе списание.
func IdempotencyKey(reference string, attempt int) string {
	if attempt <= 1 {
		return reference
	}
	return fmt.Sprintf("%s-%d", reference, attempt)
}

// Customer данные клиента для провайдера
type Customer struct {
	ID    string
	Email string
	Name  string
}

// AttachRequest запрос на сохранение способа оплаты
type AttachRequest struct {
	Customer Customer
	// ExternalCustomerID известный клиент провайдера, пусто для нового
	ExternalCustomerID string
	// Token одноразовый токен способа оплаты, полученный клиентом у провайдера
	Token string
}

// AttachResult сохраненный способ оплаты
type AttachResult struct {
	ExternalCustomerID string
	ExternalVaultID    string
	// CustomerRecreated провайдер создал нового клиента вместо известного
	CustomerRecreated bool
}

// ChargeRequest разовое списание
type ChargeRequest struct {
	Vault       domain.VaultCredential
	Amount      domain.Money
	Description string
	// Reference ключ идемпотентности и метка в метаданных провайдера
	Reference string
	Attempt   int
}

// ChargeResult подтвержденное списание
type ChargeResult struct {
	TransactionID string
	Amount        domain.Money
	CapturedAt    time.Time
}

// RecurringRequest создание рекуррентного списания
type RecurringRequest struct {
	Vault       domain.VaultCredential
	ServiceName string
	Amount      domain.Money
	Interval    domain.Interval
	// TrialEnd начало первого платного периода; нулевое значение означает списание сразу
	TrialEnd  time.Time
	Reference string
	// Attempt номер попытки, начиная с 1
	Attempt  int
	Metadata map[string]string
}

// RecurringResult созданная у провайдера подписка
type RecurringResult struct {
	ExternalID  string
	Status      domain.SubscriptionStatus
	PeriodStart time.Time
	PeriodEnd   time.Time
	// Charge первое списание, если оно произошло в рамках вызова
	Charge *ChargeResult
}

// Registry провайдеры, включенные в конфигурации
type Registry struct {
	gateways map[domain.Provider]Gateway
}

// NewRegistry создает реестр из включенных адаптеров
func NewRegistry(gateways ...Gateway) *Registry {
	r := &Registry{gateways: make(map[domain.Provider]Gateway, len(gateways))}
	for _, g := range gateways {
		if g != nil {
			r.gateways[g.Provider()] = g
		}
	}
	return r
}

// Get адаптер провайдера или ErrProviderNotConfigured
func (r *Registry) Get(provider domain.Provider) (Gateway, error) {
	g, ok := r.gateways[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrProviderNotConfigured, provider)
	}
	return g, nil
}

// Providers включенные провайдеры
func (r *Registry) Providers() []domain.Provider {
	out := make([]domain.Provider, 0, len(r.gateways))
	for _, p := range []domain.Provider{domain.ProviderCardNetwork, domain.ProviderWallet} {
		if _, ok := r.gateways[p]; ok {
			out = append(out, p)
		}
	}
	return out
}

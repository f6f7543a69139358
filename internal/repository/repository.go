package repository

import (
	"context"
	"time"

	"github.com/Dhoini/Billing-orchestrator/internal/domain"
	"github.com/google/uuid"
)

// Все условные переходы возвращают bool: false означает, что строка не
// находилась в ожидаемом состоянии (ее уже обработал кто-то другой).

// OrderRepository заказы. Создаются checkout-сервисом, здесь только чтение и PENDING -> PROCESSING.
type OrderRepository interface {
	Create(ctx context.Context, order *domain.Order) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Order, error)
	MarkProcessing(ctx context.Context, id uuid.UUID) (bool, error)
	// UpsertMilestone идемпотентная вставка по (order, milestone)
	UpsertMilestone(ctx context.Context, orderID uuid.UUID, milestone domain.MilestoneType, at time.Time) (bool, error)
	ListMilestones(ctx context.Context, orderID uuid.UUID) ([]domain.OrderMilestone, error)
}

// IntentRepository намерения подписок
type IntentRepository interface {
	// CreateBatch сохраняет все намерения заказа атомарно
	CreateBatch(ctx context.Context, intents []*domain.SubscriptionIntent) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.SubscriptionIntent, error)
	ListByOrder(ctx context.Context, orderID uuid.UUID) ([]domain.SubscriptionIntent, error)
	// ListDue SCHEDULED и scheduled_date <= now; после неудачи ждем retryDelay от last_retry_at
	ListDue(ctx context.Context, filter domain.IntentFilter, now time.Time, retryDelay time.Duration) ([]domain.SubscriptionIntent, error)
	// Claim SCHEDULED -> PROCESSING, только один воркер получит true
	Claim(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
	// MarkActive PROCESSING -> ACTIVE с обратной ссылкой на подписку
	MarkActive(ctx context.Context, id, subscriptionID uuid.UUID, now time.Time) (bool, error)
	// RecordFailure PROCESSING -> status (FAILED или SCHEDULED), retry_count+1
	RecordFailure(ctx context.Context, id uuid.UUID, status domain.IntentStatus, reason string, at time.Time) (bool, error)
	// Release PROCESSING -> SCHEDULED без учета попытки (провайдер подтвердил, что списания не было)
	Release(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
	ListStale(ctx context.Context, claimedBefore time.Time, limit int) ([]domain.SubscriptionIntent, error)
}

// VaultRepository сохраненные способы оплаты
type VaultRepository interface {
	GetActive(ctx context.Context, customerID uuid.UUID, provider domain.Provider) (*domain.VaultCredential, error)
	// FindOwner владелец по внешнему id клиента (в т.ч. по неактивным записям)
	FindOwner(ctx context.Context, provider domain.Provider, externalCustomerID string) (uuid.UUID, error)
	// Replace деактивирует текущую активную запись и сохраняет новую в одной транзакции
	Replace(ctx context.Context, cred *domain.VaultCredential) error
	DeactivateForCustomer(ctx context.Context, customerID uuid.UUID, provider domain.Provider, at time.Time) (int64, error)
	DeactivateByExternalCustomer(ctx context.Context, provider domain.Provider, externalCustomerID string, at time.Time) (int64, error)
	DeactivateByVaultID(ctx context.Context, provider domain.Provider, externalVaultID string, at time.Time) (int64, error)
}

// SubscriptionRepository подписки. Пишет оркестратор, дашборд только читает.
type SubscriptionRepository interface {
	// CreateIfAbsent вставка с уникальностью (provider, external_id); при конфликте sub заполняется существующей записью
	CreateIfAbsent(ctx context.Context, sub *domain.Subscription) (bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Subscription, error)
	GetByExternalID(ctx context.Context, provider domain.Provider, externalID string) (*domain.Subscription, error)
	ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]domain.Subscription, error)

	// SetCancellation выставляет флаг и cancelled_at, если подписка еще не CANCELLED
	SetCancellation(ctx context.Context, id uuid.UUID, cancelAtPeriodEnd bool, cancelledAt *time.Time, pending domain.ProviderAction) (bool, error)
	SetPendingAction(ctx context.Context, id uuid.UUID, action domain.ProviderAction) error
	ListPendingActions(ctx context.Context, limit int) ([]domain.Subscription, error)

	// ApplyProjection полная перезапись изменяемых полей; старые события и CANCELLED игнорируются,
	// флаг отмены не трогаем, пока локальное действие не передано провайдеру
	ApplyProjection(ctx context.Context, id uuid.UUID, p domain.SubscriptionProjection) (bool, error)
	SetStatus(ctx context.Context, id uuid.UUID, status domain.SubscriptionStatus) (bool, error)
	// MarkCancelled терминальный переход; cancelled_at сохраняется, если уже был
	MarkCancelled(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)

	ListDueRenewals(ctx context.Context, provider domain.Provider, now time.Time, limit int) ([]domain.Subscription, error)
	ListEndedCancellations(ctx context.Context, provider domain.Provider, now time.Time, limit int) ([]domain.Subscription, error)
	// ResumeSuspended возвращает SUSPENDED подписки владельца в ACTIVE и снимает захват продления.
	// Прошедший конец периода переносится на at, новый период привязывается к at.
	ResumeSuspended(ctx context.Context, ownerID uuid.UUID, provider domain.Provider, at time.Time) ([]uuid.UUID, error)
	// ListExpiredSuspensions SUSPENDED подписки, конец периода которых не позже before
	ListExpiredSuspensions(ctx context.Context, provider domain.Provider, before time.Time, limit int) ([]domain.Subscription, error)
	// ClaimRenewal один захват на период (current_period_end)
	ClaimRenewal(ctx context.Context, id uuid.UUID, periodEnd time.Time) (bool, error)
	ReleaseRenewal(ctx context.Context, id uuid.UUID) error
	AdvancePeriod(ctx context.Context, id uuid.UUID, previousEnd, start, end time.Time) (bool, error)
}

// LedgerRepository журнал платежей; единственный механизм дедупликации уникальный external_transaction_id
type LedgerRepository interface {
	InsertIfAbsent(ctx context.Context, entry *domain.PaymentLedgerEntry) (bool, error)
	GetByExternalTransactionID(ctx context.Context, externalTransactionID string) (*domain.PaymentLedgerEntry, error)
	ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]domain.PaymentLedgerEntry, error)
}

// WebhookEventRepository журнал входящих событий провайдеров
type WebhookEventRepository interface {
	// Record вставка по (provider, provider_event_id); при повторе rec заполняется сохраненной записью
	Record(ctx context.Context, rec *domain.WebhookEventRecord) (bool, error)
	MarkProcessed(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string, at time.Time) error
	ListUnprocessed(ctx context.Context, maxAttempts int, olderThan time.Time, limit int) ([]domain.WebhookEventRecord, error)
}

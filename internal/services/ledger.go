package services

import (
	"context"
	"fmt"
	"time"

	"github.com/Dhoini/Billing-orchestrator/internal/domain"
	"github.com/Dhoini/Billing-orchestrator/internal/metrics"
	"github.com/Dhoini/Billing-orchestrator/internal/repository"
	"github.com/Dhoini/Billing-orchestrator/pkg/logger"

	"github.com/google/uuid"
)

// Ledger журнал фактически списанных денег. Дедупликация только по external_transaction_id.
type Ledger struct {
	repo    repository.LedgerRepository
	metrics metrics.BillingMetrics
	log     *logger.Logger
}

// NewLedger создает журнал платежей
func NewLedger(repo repository.LedgerRepository, m metrics.BillingMetrics, log *logger.Logger) *Ledger {
	return &Ledger{repo: repo, metrics: m, log: log}
}

// Record добавляет запись; false означает, что транзакция уже записана
func (l *Ledger) Record(ctx context.Context, entry *domain.PaymentLedgerEntry) (bool, error) {
	var verr domain.ValidationErrors
	if entry.ExternalTransactionID == "" {
		verr.Add("external_transaction_id", "is required")
	}
	if entry.OwnerID == uuid.Nil {
		verr.Add("owner_id", "is required")
	}
	if entry.Amount <= 0 {
		verr.Add("amount", "must be positive")
	}
	if err := verr.OrNil(); err != nil {
		return false, err
	}

	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	now := time.Now().UTC()
	if entry.CapturedAt.IsZero() {
		entry.CapturedAt = now
	}
	entry.CreatedAt = now
	entry.Status = domain.PaymentStatusCompleted
	entry.Currency = domain.NewMoney(entry.Amount, entry.Currency).Currency

	inserted, err := l.repo.InsertIfAbsent(ctx, entry)
	if err != nil {
		return false, fmt.Errorf("insert ledger entry %s: %w", entry.ExternalTransactionID, err)
	}
	if !inserted {
		l.log.Debugw("Ledger entry already recorded", "transactionID", entry.ExternalTransactionID)
		return false, nil
	}

	l.metrics.ObserveLedgerCapture(entry.Provider, domain.NewMoney(entry.Amount, entry.Currency))
	l.log.Infow("Ledger entry recorded",
		"transactionID", entry.ExternalTransactionID, "ownerID", entry.OwnerID,
		"amount", entry.Amount, "currency", entry.Currency, "provider", entry.Provider)
	return true, nil
}

func (l *Ledger) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]domain.PaymentLedgerEntry, error) {
	return l.repo.ListByOwner(ctx, ownerID)
}

package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Dhoini/Billing-orchestrator/internal/domain"
	"github.com/Dhoini/Billing-orchestrator/pkg/logger"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const ledgerColumns = `id, owner_id, subscription_id, order_id, provider, amount, currency, status,
        external_transaction_id, description, captured_at, created_at`

// postgresLedgerRepo реализует LedgerRepository для PostgreSQL.
type postgresLedgerRepo struct {
	db  *sqlx.DB
	log *logger.Logger
}

// NewPostgresLedgerRepository создает репозиторий журнала платежей
func NewPostgresLedgerRepository(db *sqlx.DB, log *logger.Logger) LedgerRepository {
	return &postgresLedgerRepo{db: db, log: log}
}

func (r *postgresLedgerRepo) InsertIfAbsent(ctx context.Context, entry *domain.PaymentLedgerEntry) (bool, error) {
	query := `
        INSERT INTO payment_ledger_entries (` + ledgerColumns + `)
        VALUES (:id, :owner_id, :subscription_id, :order_id, :provider, :amount, :currency, :status,
                :external_transaction_id, :description, :captured_at, :created_at)
        ON CONFLICT (external_transaction_id) DO NOTHING`

	res, err := r.db.NamedExecContext(ctx, query, entry)
	if err != nil {
		r.log.Errorw("Failed to insert ledger entry", "error", err, "transactionID", entry.ExternalTransactionID)
		return false, fmt.Errorf("repository: failed to insert ledger entry: %w", err)
	}

	inserted, err := affectedOne(res)
	if err == nil && !inserted {
		r.log.Debugw("Ledger entry already recorded", "transactionID", entry.ExternalTransactionID)
	}
	return inserted, err
}

func (r *postgresLedgerRepo) GetByExternalTransactionID(ctx context.Context, externalTransactionID string) (*domain.PaymentLedgerEntry, error) {
	var entry domain.PaymentLedgerEntry
	query := `SELECT ` + ledgerColumns + ` FROM payment_ledger_entries WHERE external_transaction_id = $1`

	if err := r.db.GetContext(ctx, &entry, query, externalTransactionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewNotFoundError("ledger entry", externalTransactionID)
		}
		return nil, fmt.Errorf("repository: failed to get ledger entry: %w", err)
	}
	return &entry, nil
}

func (r *postgresLedgerRepo) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]domain.PaymentLedgerEntry, error) {
	var entries []domain.PaymentLedgerEntry
	query := `SELECT ` + ledgerColumns + ` FROM payment_ledger_entries WHERE owner_id = $1 ORDER BY captured_at DESC`

	if err := r.db.SelectContext(ctx, &entries, query, ownerID); err != nil {
		r.log.Errorw("Failed to list ledger entries", "error", err, "ownerID", ownerID)
		return nil, fmt.Errorf("repository: failed to list ledger entries: %w", err)
	}
	return entries, nil
}

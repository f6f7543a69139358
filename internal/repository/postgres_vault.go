package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Dhoini/Billing-orchestrator/internal/db"
	"github.com/Dhoini/Billing-orchestrator/internal/domain"
	"github.com/Dhoini/Billing-orchestrator/pkg/logger"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const vaultColumns = `id, customer_id, provider, external_customer_id, external_vault_id,
        customer_email, customer_name, active, created_at, deactivated_at`

// postgresVaultRepo реализует VaultRepository для PostgreSQL.
type postgresVaultRepo struct {
	db  *sqlx.DB
	log *logger.Logger
}

// NewPostgresVaultRepository создает репозиторий сохраненных способов оплаты
func NewPostgresVaultRepository(db *sqlx.DB, log *logger.Logger) VaultRepository {
	return &postgresVaultRepo{db: db, log: log}
}

func (r *postgresVaultRepo) GetActive(ctx context.Context, customerID uuid.UUID, provider domain.Provider) (*domain.VaultCredential, error) {
	var cred domain.VaultCredential
	query := `SELECT ` + vaultColumns + ` FROM vault_credentials
        WHERE customer_id = $1 AND provider = $2 AND active`

	if err := r.db.GetContext(ctx, &cred, query, customerID, provider); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewNotFoundError("vault credential", customerID.String())
		}
		r.log.Errorw("Failed to get active vault credential", "error", err, "customerID", customerID, "provider", provider)
		return nil, fmt.Errorf("repository: failed to get vault credential: %w", err)
	}
	return &cred, nil
}

func (r *postgresVaultRepo) FindOwner(ctx context.Context, provider domain.Provider, externalCustomerID string) (uuid.UUID, error) {
	var owner uuid.UUID
	query := `SELECT customer_id FROM vault_credentials
        WHERE provider = $1 AND external_customer_id = $2
        ORDER BY active DESC, created_at DESC LIMIT 1`

	if err := r.db.GetContext(ctx, &owner, query, provider, externalCustomerID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return uuid.Nil, domain.NewNotFoundError("vault customer", externalCustomerID)
		}
		return uuid.Nil, fmt.Errorf("repository: failed to find vault owner: %w", err)
	}
	return owner, nil
}

func (r *postgresVaultRepo) Replace(ctx context.Context, cred *domain.VaultCredential) error {
	deactivate := `
        UPDATE vault_credentials SET active = FALSE, deactivated_at = $3
        WHERE customer_id = $1 AND provider = $2 AND active`
	insert := `
        INSERT INTO vault_credentials (` + vaultColumns + `)
        VALUES (:id, :customer_id, :provider, :external_customer_id, :external_vault_id,
                :customer_email, :customer_name, :active, :created_at, :deactivated_at)`

	err := db.WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, deactivate, cred.CustomerID, cred.Provider, cred.CreatedAt); err != nil {
			return fmt.Errorf("deactivate previous credential: %w", err)
		}
		if _, err := tx.NamedExecContext(ctx, insert, cred); err != nil {
			return fmt.Errorf("insert credential: %w", err)
		}
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			return domain.NewDuplicateError("vault credential", "customer_id", cred.CustomerID.String())
		}
		r.log.Errorw("Failed to replace vault credential", "error", err, "customerID", cred.CustomerID, "provider", cred.Provider)
		return fmt.Errorf("repository: failed to replace vault credential: %w", err)
	}
	return nil
}

func (r *postgresVaultRepo) DeactivateForCustomer(ctx context.Context, customerID uuid.UUID, provider domain.Provider, at time.Time) (int64, error) {
	query := `UPDATE vault_credentials SET active = FALSE, deactivated_at = $3
        WHERE customer_id = $1 AND provider = $2 AND active`
	return r.exec(ctx, query, customerID, provider, at)
}

func (r *postgresVaultRepo) DeactivateByExternalCustomer(ctx context.Context, provider domain.Provider, externalCustomerID string, at time.Time) (int64, error) {
	query := `UPDATE vault_credentials SET active = FALSE, deactivated_at = $3
        WHERE provider = $1 AND external_customer_id = $2 AND active`
	return r.exec(ctx, query, provider, externalCustomerID, at)
}

func (r *postgresVaultRepo) DeactivateByVaultID(ctx context.Context, provider domain.Provider, externalVaultID string, at time.Time) (int64, error) {
	query := `UPDATE vault_credentials SET active = FALSE, deactivated_at = $3
        WHERE provider = $1 AND external_vault_id = $2 AND active`
	return r.exec(ctx, query, provider, externalVaultID, at)
}

func (r *postgresVaultRepo) exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		r.log.Errorw("Failed to deactivate vault credentials", "error", err)
		return 0, fmt.Errorf("repository: failed to deactivate vault credentials: %w", err)
	}
	return res.RowsAffected()
}

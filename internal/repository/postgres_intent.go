package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Dhoini/Billing-orchestrator/internal/db"
	"github.com/Dhoini/Billing-orchestrator/internal/domain"
	"github.com/Dhoini/Billing-orchestrator/pkg/logger"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const intentColumns = `id, order_id, provider, service_name, amount, currency, billing_interval, scheduled_date,
        status, retry_count, last_retry_at, failure_reason, subscription_id, claimed_at, created_at, updated_at`

const defaultIntentBatch = 100

// postgresIntentRepo реализует IntentRepository для PostgreSQL.
type postgresIntentRepo struct {
	db  *sqlx.DB
	log *logger.Logger
}

// NewPostgresIntentRepository создает репозиторий намерений
func NewPostgresIntentRepository(db *sqlx.DB, log *logger.Logger) IntentRepository {
	return &postgresIntentRepo{db: db, log: log}
}

func (r *postgresIntentRepo) CreateBatch(ctx context.Context, intents []*domain.SubscriptionIntent) error {
	query := `
        INSERT INTO subscription_intents (` + intentColumns + `)
        VALUES (:id, :order_id, :provider, :service_name, :amount, :currency, :billing_interval, :scheduled_date,
                :status, :retry_count, :last_retry_at, :failure_reason, :subscription_id, :claimed_at, :created_at, :updated_at)`

	err := db.WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		for _, intent := range intents {
			if _, err := tx.NamedExecContext(ctx, query, intent); err != nil {
				return fmt.Errorf("insert intent %s: %w", intent.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		r.log.Errorw("Failed to create subscription intents", "error", err, "count", len(intents))
		return fmt.Errorf("repository: failed to create intents: %w", err)
	}

	r.log.Debugw("Subscription intents stored", "count", len(intents))
	return nil
}

func (r *postgresIntentRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.SubscriptionIntent, error) {
	var intent domain.SubscriptionIntent
	query := `SELECT ` + intentColumns + ` FROM subscription_intents WHERE id = $1`

	if err := r.db.GetContext(ctx, &intent, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewNotFoundError("subscription intent", id.String())
		}
		r.log.Errorw("Failed to get intent from DB", "error", err, "intentID", id)
		return nil, fmt.Errorf("repository: failed to get intent: %w", err)
	}
	return &intent, nil
}

func (r *postgresIntentRepo) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]domain.SubscriptionIntent, error) {
	var intents []domain.SubscriptionIntent
	query := `SELECT ` + intentColumns + ` FROM subscription_intents WHERE order_id = $1 ORDER BY created_at`

	if err := r.db.SelectContext(ctx, &intents, query, orderID); err != nil {
		return nil, fmt.Errorf("repository: failed to list intents by order: %w", err)
	}
	return intents, nil
}

func (r *postgresIntentRepo) ListDue(ctx context.Context, filter domain.IntentFilter, now time.Time, retryDelay time.Duration) ([]domain.SubscriptionIntent, error) {
	conds := []string{"status = $1", "scheduled_date <= $2", "(last_retry_at IS NULL OR last_retry_at <= $3)"}
	args := []interface{}{domain.IntentStatusScheduled, now, now.Add(-retryDelay)}

	if filter.Provider != "" {
		args = append(args, filter.Provider)
		conds = append(conds, fmt.Sprintf("provider = $%d", len(args)))
	}
	if filter.OrderID != nil {
		args = append(args, *filter.OrderID)
		conds = append(conds, fmt.Sprintf("order_id = $%d", len(args)))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultIntentBatch
	}
	args = append(args, limit)

	query := fmt.Sprintf(`SELECT %s FROM subscription_intents WHERE %s ORDER BY scheduled_date, id LIMIT $%d`,
		intentColumns, strings.Join(conds, " AND "), len(args))

	var intents []domain.SubscriptionIntent
	if err := r.db.SelectContext(ctx, &intents, query, args...); err != nil {
		r.log.Errorw("Failed to list due intents", "error", err, "provider", filter.Provider)
		return nil, fmt.Errorf("repository: failed to list due intents: %w", err)
	}
	return intents, nil
}

func (r *postgresIntentRepo) Claim(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	query := `
        UPDATE subscription_intents SET status = $2, claimed_at = $4, updated_at = $4
        WHERE id = $1 AND status = $3 AND scheduled_date <= $4`

	res, err := r.db.ExecContext(ctx, query, id, domain.IntentStatusProcessing, domain.IntentStatusScheduled, now)
	if err != nil {
		r.log.Errorw("Failed to claim intent", "error", err, "intentID", id)
		return false, fmt.Errorf("repository: failed to claim intent: %w", err)
	}
	return affectedOne(res)
}

func (r *postgresIntentRepo) MarkActive(ctx context.Context, id, subscriptionID uuid.UUID, now time.Time) (bool, error) {
	query := `
        UPDATE subscription_intents
        SET status = $2, subscription_id = $3, claimed_at = NULL, failure_reason = NULL, updated_at = $5
        WHERE id = $1 AND status = $4`

	res, err := r.db.ExecContext(ctx, query, id, domain.IntentStatusActive, subscriptionID, domain.IntentStatusProcessing, now)
	if err != nil {
		r.log.Errorw("Failed to mark intent active", "error", err, "intentID", id)
		return false, fmt.Errorf("repository: failed to mark intent active: %w", err)
	}
	return affectedOne(res)
}

func (r *postgresIntentRepo) RecordFailure(ctx context.Context, id uuid.UUID, status domain.IntentStatus, reason string, at time.Time) (bool, error) {
	query := `
        UPDATE subscription_intents
        SET status = $2, retry_count = retry_count + 1, last_retry_at = $3, failure_reason = $4,
            claimed_at = NULL, updated_at = $3
        WHERE id = $1 AND status = $5`

	res, err := r.db.ExecContext(ctx, query, id, status, at, reason, domain.IntentStatusProcessing)
	if err != nil {
		r.log.Errorw("Failed to record intent failure", "error", err, "intentID", id)
		return false, fmt.Errorf("repository: failed to record intent failure: %w", err)
	}
	return affectedOne(res)
}

func (r *postgresIntentRepo) Release(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	query := `
        UPDATE subscription_intents SET status = $2, claimed_at = NULL, updated_at = $4
        WHERE id = $1 AND status = $3`

	res, err := r.db.ExecContext(ctx, query, id, domain.IntentStatusScheduled, domain.IntentStatusProcessing, now)
	if err != nil {
		return false, fmt.Errorf("repository: failed to release intent: %w", err)
	}
	return affectedOne(res)
}

func (r *postgresIntentRepo) ListStale(ctx context.Context, claimedBefore time.Time, limit int) ([]domain.SubscriptionIntent, error) {
	if limit <= 0 {
		limit = defaultIntentBatch
	}

	var intents []domain.SubscriptionIntent
	query := `SELECT ` + intentColumns + ` FROM subscription_intents
        WHERE status = $1 AND claimed_at < $2 ORDER BY claimed_at LIMIT $3`

	if err := r.db.SelectContext(ctx, &intents, query, domain.IntentStatusProcessing, claimedBefore, limit); err != nil {
		return nil, fmt.Errorf("repository: failed to list stale intents: %w", err)
	}
	return intents, nil
}

package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Dhoini/Billing-orchestrator/internal/domain"
	"github.com/Dhoini/Billing-orchestrator/pkg/logger"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const subscriptionColumns = `id, owner_id, business_ref, name, description, status, amount, currency, billing_interval,
        provider, external_id, vault_credential_id, current_period_start, current_period_end, billing_anchor,
        cancel_at_period_end, cancelled_at, pending_action, renewal_claim, last_event_at, created_at, updated_at`

// resumeSuspendedQuery выражения SET видят значения строки до обновления
const resumeSuspendedQuery = `
        UPDATE subscriptions SET
            status = $4,
            billing_anchor = CASE WHEN current_period_end < $5 THEN $5 ELSE billing_anchor END,
            current_period_end = LEAST(current_period_end, $5),
            renewal_claim = NULL,
            updated_at = now()
        WHERE owner_id = $1 AND provider = $2 AND status = $3 AND NOT cancel_at_period_end
        RETURNING id`

// postgresSubscriptionRepo реализует SubscriptionRepository для PostgreSQL.
type postgresSubscriptionRepo struct {
	db  *sqlx.DB
	log *logger.Logger
}

// NewPostgresSubscriptionRepository создает новый репозиторий подписок
func NewPostgresSubscriptionRepository(db *sqlx.DB, log *logger.Logger) SubscriptionRepository {
	return &postgresSubscriptionRepo{db: db, log: log}
}

func (r *postgresSubscriptionRepo) CreateIfAbsent(ctx context.Context, sub *domain.Subscription) (bool, error) {
	now := time.Now().UTC()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now

	query := `
        INSERT INTO subscriptions (` + subscriptionColumns + `)
        VALUES (:id, :owner_id, :business_ref, :name, :description, :status, :amount, :currency, :billing_interval,
                :provider, :external_id, :vault_credential_id, :current_period_start, :current_period_end,
                :billing_anchor, :cancel_at_period_end, :cancelled_at, :pending_action, :renewal_claim, :last_event_at,
                :created_at, :updated_at)
        ON CONFLICT (provider, external_id) DO NOTHING`

	res, err := r.db.NamedExecContext(ctx, query, sub)
	if err != nil {
		r.log.Errorw("Failed to create subscription in DB", "error", err, "externalID", sub.ExternalID)
		return false, fmt.Errorf("repository: failed to create subscription: %w", err)
	}

	created, err := affectedOne(res)
	if err != nil || created {
		return created, err
	}

	existing, err := r.GetByExternalID(ctx, sub.Provider, sub.ExternalID)
	if err != nil {
		return false, err
	}
	*sub = *existing
	r.log.Debugw("Subscription already exists, reusing", "subscriptionID", sub.ID, "externalID", sub.ExternalID)
	return false, nil
}

func (r *postgresSubscriptionRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	var sub domain.Subscription
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1`

	if err := r.db.GetContext(ctx, &sub, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewNotFoundError("subscription", id.String())
		}
		r.log.Errorw("Failed to get subscription from DB", "error", err, "subscriptionID", id)
		return nil, fmt.Errorf("repository: failed to get subscription: %w", err)
	}
	return &sub, nil
}

func (r *postgresSubscriptionRepo) GetByExternalID(ctx context.Context, provider domain.Provider, externalID string) (*domain.Subscription, error) {
	var sub domain.Subscription
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE provider = $1 AND external_id = $2`

	if err := r.db.GetContext(ctx, &sub, query, provider, externalID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewNotFoundError("subscription", externalID)
		}
		r.log.Errorw("Failed to get subscription by external ID", "error", err, "externalID", externalID)
		return nil, fmt.Errorf("repository: failed to get subscription by external id: %w", err)
	}
	return &sub, nil
}

func (r *postgresSubscriptionRepo) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]domain.Subscription, error) {
	var subs []domain.Subscription
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE owner_id = $1 ORDER BY created_at DESC`

	if err := r.db.SelectContext(ctx, &subs, query, ownerID); err != nil {
		r.log.Errorw("Failed to list subscriptions by owner", "error", err, "ownerID", ownerID)
		return nil, fmt.Errorf("repository: failed to list subscriptions: %w", err)
	}
	return subs, nil
}

func (r *postgresSubscriptionRepo) SetCancellation(ctx context.Context, id uuid.UUID, cancelAtPeriodEnd bool, cancelledAt *time.Time, pending domain.ProviderAction) (bool, error) {
	query := `
        UPDATE subscriptions
        SET cancel_at_period_end = $2, cancelled_at = $3, pending_action = $4, updated_at = now()
        WHERE id = $1 AND status <> $5`

	res, err := r.db.ExecContext(ctx, query, id, cancelAtPeriodEnd, cancelledAt, pending, domain.SubscriptionStatusCancelled)
	if err != nil {
		r.log.Errorw("Failed to set subscription cancellation", "error", err, "subscriptionID", id)
		return false, fmt.Errorf("repository: failed to set cancellation: %w", err)
	}
	return affectedOne(res)
}

func (r *postgresSubscriptionRepo) SetPendingAction(ctx context.Context, id uuid.UUID, action domain.ProviderAction) error {
	query := `UPDATE subscriptions SET pending_action = $2, updated_at = now() WHERE id = $1`

	if _, err := r.db.ExecContext(ctx, query, id, action); err != nil {
		return fmt.Errorf("repository: failed to set pending action: %w", err)
	}
	return nil
}

func (r *postgresSubscriptionRepo) ListPendingActions(ctx context.Context, limit int) ([]domain.Subscription, error) {
	var subs []domain.Subscription
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions
        WHERE pending_action <> '' AND status <> $1 ORDER BY updated_at LIMIT $2`

	if err := r.db.SelectContext(ctx, &subs, query, domain.SubscriptionStatusCancelled, limit); err != nil {
		return nil, fmt.Errorf("repository: failed to list pending actions: %w", err)
	}
	return subs, nil
}

func (r *postgresSubscriptionRepo) ApplyProjection(ctx context.Context, id uuid.UUID, p domain.SubscriptionProjection) (bool, error) {
	query := `
        UPDATE subscriptions SET
            status = $2,
            current_period_start = $3,
            current_period_end = $4,
            cancel_at_period_end = CASE WHEN pending_action = '' THEN $5::boolean ELSE cancel_at_period_end END,
            cancelled_at = CASE WHEN pending_action = '' THEN $6::timestamptz ELSE cancelled_at END,
            last_event_at = $7,
            updated_at = now()
        WHERE id = $1 AND status <> $8 AND (last_event_at IS NULL OR last_event_at <= $7)`

	res, err := r.db.ExecContext(ctx, query, id, p.Status, p.CurrentPeriodStart, p.CurrentPeriodEnd,
		p.CancelAtPeriodEnd, p.CancelledAt, p.EventAt, domain.SubscriptionStatusCancelled)
	if err != nil {
		r.log.Errorw("Failed to apply subscription projection", "error", err, "subscriptionID", id)
		return false, fmt.Errorf("repository: failed to apply projection: %w", err)
	}
	return affectedOne(res)
}

func (r *postgresSubscriptionRepo) SetStatus(ctx context.Context, id uuid.UUID, status domain.SubscriptionStatus) (bool, error) {
	query := `UPDATE subscriptions SET status = $2, updated_at = now() WHERE id = $1 AND status <> $3`

	res, err := r.db.ExecContext(ctx, query, id, status, domain.SubscriptionStatusCancelled)
	if err != nil {
		return false, fmt.Errorf("repository: failed to set subscription status: %w", err)
	}
	return affectedOne(res)
}

func (r *postgresSubscriptionRepo) MarkCancelled(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	query := `
        UPDATE subscriptions
        SET status = $2, cancelled_at = COALESCE(cancelled_at, $3), pending_action = '', updated_at = now()
        WHERE id = $1 AND status <> $2`

	res, err := r.db.ExecContext(ctx, query, id, domain.SubscriptionStatusCancelled, at)
	if err != nil {
		r.log.Errorw("Failed to mark subscription cancelled", "error", err, "subscriptionID", id)
		return false, fmt.Errorf("repository: failed to mark subscription cancelled: %w", err)
	}
	return affectedOne(res)
}

func (r *postgresSubscriptionRepo) ListDueRenewals(ctx context.Context, provider domain.Provider, now time.Time, limit int) ([]domain.Subscription, error) {
	var subs []domain.Subscription
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions
        WHERE provider = $1 AND status = $2 AND NOT cancel_at_period_end AND current_period_end <= $3
          AND (renewal_claim IS NULL OR renewal_claim <> current_period_end)
        ORDER BY current_period_end LIMIT $4`

	if err := r.db.SelectContext(ctx, &subs, query, provider, domain.SubscriptionStatusActive, now, limit); err != nil {
		return nil, fmt.Errorf("repository: failed to list due renewals: %w", err)
	}
	return subs, nil
}

func (r *postgresSubscriptionRepo) ListEndedCancellations(ctx context.Context, provider domain.Provider, now time.Time, limit int) ([]domain.Subscription, error) {
	var subs []domain.Subscription
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions
        WHERE provider = $1 AND status <> $2 AND cancel_at_period_end AND current_period_end <= $3
        ORDER BY current_period_end LIMIT $4`

	if err := r.db.SelectContext(ctx, &subs, query, provider, domain.SubscriptionStatusCancelled, now, limit); err != nil {
		return nil, fmt.Errorf("repository: failed to list ended cancellations: %w", err)
	}
	return subs, nil
}

func (r *postgresSubscriptionRepo) ResumeSuspended(ctx context.Context, ownerID uuid.UUID, provider domain.Provider, at time.Time) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	if err := r.db.SelectContext(ctx, &ids, resumeSuspendedQuery, ownerID, provider,
		domain.SubscriptionStatusSuspended, domain.SubscriptionStatusActive, at); err != nil {
		r.log.Errorw("Failed to resume suspended subscriptions", "error", err, "ownerID", ownerID)
		return nil, fmt.Errorf("repository: failed to resume suspended subscriptions: %w", err)
	}
	return ids, nil
}

func (r *postgresSubscriptionRepo) ListExpiredSuspensions(ctx context.Context, provider domain.Provider, before time.Time, limit int) ([]domain.Subscription, error) {
	var subs []domain.Subscription
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions
        WHERE provider = $1 AND status = $2 AND current_period_end <= $3
        ORDER BY current_period_end LIMIT $4`

	if err := r.db.SelectContext(ctx, &subs, query, provider, domain.SubscriptionStatusSuspended, before, limit); err != nil {
		return nil, fmt.Errorf("repository: failed to list expired suspensions: %w", err)
	}
	return subs, nil
}

func (r *postgresSubscriptionRepo) ClaimRenewal(ctx context.Context, id uuid.UUID, periodEnd time.Time) (bool, error) {
	query := `
        UPDATE subscriptions SET renewal_claim = $2, updated_at = now()
        WHERE id = $1 AND status = $3 AND current_period_end = $2
          AND (renewal_claim IS NULL OR renewal_claim <> $2)`

	res, err := r.db.ExecContext(ctx, query, id, periodEnd, domain.SubscriptionStatusActive)
	if err != nil {
		return false, fmt.Errorf("repository: failed to claim renewal: %w", err)
	}
	return affectedOne(res)
}

func (r *postgresSubscriptionRepo) ReleaseRenewal(ctx context.Context, id uuid.UUID) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE subscriptions SET renewal_claim = NULL WHERE id = $1`, id); err != nil {
		return fmt.Errorf("repository: failed to release renewal: %w", err)
	}
	return nil
}

func (r *postgresSubscriptionRepo) AdvancePeriod(ctx context.Context, id uuid.UUID, previousEnd, start, end time.Time) (bool, error) {
	query := `
        UPDATE subscriptions
        SET current_period_start = $3, current_period_end = $4, renewal_claim = NULL, updated_at = now()
        WHERE id = $1 AND current_period_end = $2`

	res, err := r.db.ExecContext(ctx, query, id, previousEnd, start, end)
	if err != nil {
		r.log.Errorw("Failed to advance subscription period", "error", err, "subscriptionID", id)
		return false, fmt.Errorf("repository: failed to advance period: %w", err)
	}
	return affectedOne(res)
}

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

const webhookEventColumns = `id, provider, provider_event_id, event_type, kind, payload, attempts,
        last_error, processed_at, created_at, updated_at`

// postgresWebhookEventRepo реализует WebhookEventRepository для PostgreSQL.
type postgresWebhookEventRepo struct {
	db  *sqlx.DB
	log *logger.Logger
}

// NewPostgresWebhookEventRepository создает журнал вебхуков
func NewPostgresWebhookEventRepository(db *sqlx.DB, log *logger.Logger) WebhookEventRepository {
	return &postgresWebhookEventRepo{db: db, log: log}
}

func (r *postgresWebhookEventRepo) Record(ctx context.Context, rec *domain.WebhookEventRecord) (bool, error) {
	now := time.Now().UTC()
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	rec.CreatedAt = now
	rec.UpdatedAt = now

	query := `
        INSERT INTO webhook_events (` + webhookEventColumns + `)
        VALUES (:id, :provider, :provider_event_id, :event_type, :kind, CAST(:payload AS jsonb), :attempts,
                :last_error, :processed_at, :created_at, :updated_at)
        ON CONFLICT (provider, provider_event_id) DO NOTHING`

	res, err := r.db.NamedExecContext(ctx, query, rec)
	if err != nil {
		r.log.Errorw("Failed to record webhook event", "error", err, "eventID", rec.ProviderEventID)
		return false, fmt.Errorf("repository: failed to record webhook event: %w", err)
	}

	inserted, err := affectedOne(res)
	if err != nil || inserted {
		return inserted, err
	}

	query = `SELECT ` + webhookEventColumns + ` FROM webhook_events WHERE provider = $1 AND provider_event_id = $2`
	if err := r.db.GetContext(ctx, rec, query, rec.Provider, rec.ProviderEventID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, domain.NewNotFoundError("webhook event", rec.ProviderEventID)
		}
		return false, fmt.Errorf("repository: failed to load recorded webhook event: %w", err)
	}
	return false, nil
}

func (r *postgresWebhookEventRepo) MarkProcessed(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `UPDATE webhook_events SET processed_at = $2, last_error = NULL, updated_at = $2 WHERE id = $1`

	if _, err := r.db.ExecContext(ctx, query, id, at); err != nil {
		r.log.Errorw("Failed to mark webhook event processed", "error", err, "id", id)
		return fmt.Errorf("repository: failed to mark webhook event processed: %w", err)
	}
	return nil
}

func (r *postgresWebhookEventRepo) MarkFailed(ctx context.Context, id uuid.UUID, reason string, at time.Time) error {
	query := `UPDATE webhook_events SET attempts = attempts + 1, last_error = $2, updated_at = $3 WHERE id = $1`

	if _, err := r.db.ExecContext(ctx, query, id, reason, at); err != nil {
		r.log.Errorw("Failed to mark webhook event failed", "error", err, "id", id)
		return fmt.Errorf("repository: failed to mark webhook event failed: %w", err)
	}
	return nil
}

func (r *postgresWebhookEventRepo) ListUnprocessed(ctx context.Context, maxAttempts int, olderThan time.Time, limit int) ([]domain.WebhookEventRecord, error) {
	var recs []domain.WebhookEventRecord
	query := `SELECT ` + webhookEventColumns + ` FROM webhook_events
        WHERE processed_at IS NULL AND attempts < $1 AND updated_at <= $2
        ORDER BY created_at LIMIT $3`

	if err := r.db.SelectContext(ctx, &recs, query, maxAttempts, olderThan, limit); err != nil {
		return nil, fmt.Errorf("repository: failed to list unprocessed webhook events: %w", err)
	}
	return recs, nil
}

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

const orderColumns = `id, customer_id, customer_email, customer_name, provider, status, business_ref, created_at, updated_at`

// postgresOrderRepo реализует OrderRepository для PostgreSQL.
type postgresOrderRepo struct {
	db  *sqlx.DB
	log *logger.Logger
}

// NewPostgresOrderRepository создает репозиторий заказов
func NewPostgresOrderRepository(db *sqlx.DB, log *logger.Logger) OrderRepository {
	return &postgresOrderRepo{db: db, log: log}
}

func (r *postgresOrderRepo) Create(ctx context.Context, order *domain.Order) error {
	now := time.Now().UTC()
	order.CreatedAt = now
	order.UpdatedAt = now
	if order.Status == "" {
		order.Status = domain.OrderStatusPending
	}

	query := `
        INSERT INTO orders (` + orderColumns + `)
        VALUES (:id, :customer_id, :customer_email, :customer_name, :provider, :status, :business_ref, :created_at, :updated_at)`

	if _, err := r.db.NamedExecContext(ctx, query, order); err != nil {
		if isUniqueViolation(err) {
			return domain.NewDuplicateError("order", "id", order.ID.String())
		}
		r.log.Errorw("Failed to create order in DB", "error", err, "orderID", order.ID)
		return fmt.Errorf("repository: failed to create order: %w", err)
	}
	return nil
}

func (r *postgresOrderRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	var order domain.Order
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	if err := r.db.GetContext(ctx, &order, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewNotFoundError("order", id.String())
		}
		r.log.Errorw("Failed to get order from DB", "error", err, "orderID", id)
		return nil, fmt.Errorf("repository: failed to get order: %w", err)
	}
	return &order, nil
}

func (r *postgresOrderRepo) MarkProcessing(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
        UPDATE orders SET status = $2, updated_at = now()
        WHERE id = $1 AND status = $3`

	res, err := r.db.ExecContext(ctx, query, id, domain.OrderStatusProcessing, domain.OrderStatusPending)
	if err != nil {
		r.log.Errorw("Failed to mark order processing", "error", err, "orderID", id)
		return false, fmt.Errorf("repository: failed to mark order processing: %w", err)
	}
	return affectedOne(res)
}

func (r *postgresOrderRepo) UpsertMilestone(ctx context.Context, orderID uuid.UUID, milestone domain.MilestoneType, at time.Time) (bool, error) {
	query := `
        INSERT INTO order_milestones (order_id, milestone, reached_at)
        VALUES ($1, $2, $3)
        ON CONFLICT (order_id, milestone) DO NOTHING`

	res, err := r.db.ExecContext(ctx, query, orderID, milestone, at)
	if err != nil {
		r.log.Errorw("Failed to upsert order milestone", "error", err, "orderID", orderID, "milestone", milestone)
		return false, fmt.Errorf("repository: failed to upsert milestone: %w", err)
	}
	return affectedOne(res)
}

func (r *postgresOrderRepo) ListMilestones(ctx context.Context, orderID uuid.UUID) ([]domain.OrderMilestone, error) {
	var milestones []domain.OrderMilestone
	query := `SELECT order_id, milestone, reached_at FROM order_milestones WHERE order_id = $1 ORDER BY reached_at`

	if err := r.db.SelectContext(ctx, &milestones, query, orderID); err != nil {
		return nil, fmt.Errorf("repository: failed to list milestones: %w", err)
	}
	return milestones, nil
}

// affectedOne true, если условный UPDATE/INSERT затронул строку
func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("repository: failed to get affected rows count: %w", err)
	}
	return n > 0, nil
}

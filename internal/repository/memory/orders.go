// Package memory in-memory реализации репозиториев для тестов и локального запуска без PostgreSQL.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Dhoini/Billing-orchestrator/internal/domain"
	"github.com/Dhoini/Billing-orchestrator/internal/repository"
	"github.com/google/uuid"
)

type milestoneKey struct {
	orderID   uuid.UUID
	milestone domain.MilestoneType
}

// OrderRepo in-memory OrderRepository
type OrderRepo struct {
	mu         sync.RWMutex
	orders     map[uuid.UUID]domain.Order
	milestones map[milestoneKey]domain.OrderMilestone
}

var _ repository.OrderRepository = (*OrderRepo)(nil)

func NewOrderRepo() *OrderRepo {
	return &OrderRepo{
		orders:     make(map[uuid.UUID]domain.Order),
		milestones: make(map[milestoneKey]domain.OrderMilestone),
	}
}

func (r *OrderRepo) Create(_ context.Context, order *domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.orders[order.ID]; ok {
		return domain.NewDuplicateError("order", "id", order.ID.String())
	}
	now := time.Now().UTC()
	order.CreatedAt, order.UpdatedAt = now, now
	if order.Status == "" {
		order.Status = domain.OrderStatusPending
	}
	r.orders[order.ID] = *order
	return nil
}

func (r *OrderRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	order, ok := r.orders[id]
	if !ok {
		return nil, domain.NewNotFoundError("order", id.String())
	}
	return &order, nil
}

func (r *OrderRepo) MarkProcessing(_ context.Context, id uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	order, ok := r.orders[id]
	if !ok || order.Status != domain.OrderStatusPending {
		return false, nil
	}
	order.Status = domain.OrderStatusProcessing
	order.UpdatedAt = time.Now().UTC()
	r.orders[id] = order
	return true, nil
}

func (r *OrderRepo) UpsertMilestone(_ context.Context, orderID uuid.UUID, milestone domain.MilestoneType, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := milestoneKey{orderID: orderID, milestone: milestone}
	if _, ok := r.milestones[key]; ok {
		return false, nil
	}
	r.milestones[key] = domain.OrderMilestone{OrderID: orderID, Type: milestone, ReachedAt: at}
	return true, nil
}

func (r *OrderRepo) ListMilestones(_ context.Context, orderID uuid.UUID) ([]domain.OrderMilestone, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.OrderMilestone
	for key, m := range r.milestones {
		if key.orderID == orderID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReachedAt.Before(out[j].ReachedAt) })
	return out, nil
}

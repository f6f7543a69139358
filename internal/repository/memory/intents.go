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

// IntentRepo in-memory IntentRepository. Claim атомарен под мьютексом,
// как условный UPDATE в PostgreSQL.
type IntentRepo struct {
	mu      sync.RWMutex
	intents map[uuid.UUID]domain.SubscriptionIntent
}

var _ repository.IntentRepository = (*IntentRepo)(nil)

func NewIntentRepo() *IntentRepo {
	return &IntentRepo{intents: make(map[uuid.UUID]domain.SubscriptionIntent)}
}

func (r *IntentRepo) CreateBatch(_ context.Context, intents []*domain.SubscriptionIntent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, intent := range intents {
		if _, ok := r.intents[intent.ID]; ok {
			return domain.NewDuplicateError("subscription intent", "id", intent.ID.String())
		}
	}
	for _, intent := range intents {
		r.intents[intent.ID] = *intent
	}
	return nil
}

func (r *IntentRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.SubscriptionIntent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	intent, ok := r.intents[id]
	if !ok {
		return nil, domain.NewNotFoundError("subscription intent", id.String())
	}
	return &intent, nil
}

func (r *IntentRepo) ListByOrder(_ context.Context, orderID uuid.UUID) ([]domain.SubscriptionIntent, error) {
	return r.list(func(i domain.SubscriptionIntent) bool { return i.OrderID == orderID }, 0, func(a, b domain.SubscriptionIntent) bool {
		return a.CreatedAt.Before(b.CreatedAt)
	}), nil
}

func (r *IntentRepo) ListDue(_ context.Context, filter domain.IntentFilter, now time.Time, retryDelay time.Duration) ([]domain.SubscriptionIntent, error) {
	retryBefore := now.Add(-retryDelay)
	match := func(i domain.SubscriptionIntent) bool {
		if !i.IsDue(now) {
			return false
		}
		if i.LastRetryAt != nil && i.LastRetryAt.After(retryBefore) {
			return false
		}
		if filter.Provider != "" && i.Provider != filter.Provider {
			return false
		}
		return filter.OrderID == nil || i.OrderID == *filter.OrderID
	}
	return r.list(match, filter.Limit, func(a, b domain.SubscriptionIntent) bool {
		return a.ScheduledDate.Before(b.ScheduledDate)
	}), nil
}

func (r *IntentRepo) Claim(_ context.Context, id uuid.UUID, now time.Time) (bool, error) {
	return r.update(id, func(i *domain.SubscriptionIntent) bool {
		if !i.IsDue(now) {
			return false
		}
		i.Status = domain.IntentStatusProcessing
		i.ClaimedAt = &now
		i.UpdatedAt = now
		return true
	})
}

func (r *IntentRepo) MarkActive(_ context.Context, id, subscriptionID uuid.UUID, now time.Time) (bool, error) {
	return r.update(id, func(i *domain.SubscriptionIntent) bool {
		if i.Status != domain.IntentStatusProcessing {
			return false
		}
		i.Status = domain.IntentStatusActive
		i.SubscriptionID = &subscriptionID
		i.ClaimedAt = nil
		i.FailureReason = nil
		i.UpdatedAt = now
		return true
	})
}

func (r *IntentRepo) RecordFailure(_ context.Context, id uuid.UUID, status domain.IntentStatus, reason string, at time.Time) (bool, error) {
	return r.update(id, func(i *domain.SubscriptionIntent) bool {
		if i.Status != domain.IntentStatusProcessing {
			return false
		}
		i.Status = status
		i.RetryCount++
		i.LastRetryAt = &at
		i.FailureReason = &reason
		i.ClaimedAt = nil
		i.UpdatedAt = at
		return true
	})
}

func (r *IntentRepo) Release(_ context.Context, id uuid.UUID, now time.Time) (bool, error) {
	return r.update(id, func(i *domain.SubscriptionIntent) bool {
		if i.Status != domain.IntentStatusProcessing {
			return false
		}
		i.Status = domain.IntentStatusScheduled
		i.ClaimedAt = nil
		i.UpdatedAt = now
		return true
	})
}

func (r *IntentRepo) ListStale(_ context.Context, claimedBefore time.Time, limit int) ([]domain.SubscriptionIntent, error) {
	match := func(i domain.SubscriptionIntent) bool {
		return i.Status == domain.IntentStatusProcessing && i.ClaimedAt != nil && i.ClaimedAt.Before(claimedBefore)
	}
	return r.list(match, limit, func(a, b domain.SubscriptionIntent) bool {
		return a.ClaimedAt.Before(*b.ClaimedAt)
	}), nil
}

func (r *IntentRepo) update(id uuid.UUID, fn func(*domain.SubscriptionIntent) bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	intent, ok := r.intents[id]
	if !ok {
		return false, nil
	}
	if !fn(&intent) {
		return false, nil
	}
	r.intents[id] = intent
	return true, nil
}

func (r *IntentRepo) list(match func(domain.SubscriptionIntent) bool, limit int, less func(a, b domain.SubscriptionIntent) bool) []domain.SubscriptionIntent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.SubscriptionIntent
	for _, intent := range r.intents {
		if match(intent) {
			out = append(out, intent)
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

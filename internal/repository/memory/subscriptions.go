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

type externalKey struct {
	provider   domain.Provider
	externalID string
}

// SubscriptionRepo in-memory SubscriptionRepository
type SubscriptionRepo struct {
	mu         sync.RWMutex
	subs       map[uuid.UUID]domain.Subscription
	byExternal map[externalKey]uuid.UUID
}

var _ repository.SubscriptionRepository = (*SubscriptionRepo)(nil)

func NewSubscriptionRepo() *SubscriptionRepo {
	return &SubscriptionRepo{
		subs:       make(map[uuid.UUID]domain.Subscription),
		byExternal: make(map[externalKey]uuid.UUID),
	}
}

func (r *SubscriptionRepo) CreateIfAbsent(_ context.Context, sub *domain.Subscription) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := externalKey{provider: sub.Provider, externalID: sub.ExternalID}
	if id, ok := r.byExternal[key]; ok {
		*sub = r.subs[id]
		return false, nil
	}

	now := time.Now().UTC()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now
	r.subs[sub.ID] = *sub
	r.byExternal[key] = sub.ID
	return true, nil
}

func (r *SubscriptionRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sub, ok := r.subs[id]
	if !ok {
		return nil, domain.NewNotFoundError("subscription", id.String())
	}
	return &sub, nil
}

func (r *SubscriptionRepo) GetByExternalID(_ context.Context, provider domain.Provider, externalID string) (*domain.Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byExternal[externalKey{provider: provider, externalID: externalID}]
	if !ok {
		return nil, domain.NewNotFoundError("subscription", externalID)
	}
	sub := r.subs[id]
	return &sub, nil
}

func (r *SubscriptionRepo) ListByOwner(_ context.Context, ownerID uuid.UUID) ([]domain.Subscription, error) {
	return r.list(func(s domain.Subscription) bool { return s.OwnerID == ownerID }, 0), nil
}

func (r *SubscriptionRepo) SetCancellation(_ context.Context, id uuid.UUID, cancelAtPeriodEnd bool, cancelledAt *time.Time, pending domain.ProviderAction) (bool, error) {
	return r.update(id, func(s *domain.Subscription) bool {
		if s.IsCancelled() {
			return false
		}
		s.CancelAtPeriodEnd = cancelAtPeriodEnd
		s.CancelledAt = cancelledAt
		s.PendingAction = pending
		return true
	})
}

func (r *SubscriptionRepo) SetPendingAction(_ context.Context, id uuid.UUID, action domain.ProviderAction) error {
	_, err := r.update(id, func(s *domain.Subscription) bool {
		s.PendingAction = action
		return true
	})
	return err
}

func (r *SubscriptionRepo) ListPendingActions(_ context.Context, limit int) ([]domain.Subscription, error) {
	return r.list(func(s domain.Subscription) bool {
		return s.PendingAction != domain.ProviderActionNone && !s.IsCancelled()
	}, limit), nil
}

func (r *SubscriptionRepo) ApplyProjection(_ context.Context, id uuid.UUID, p domain.SubscriptionProjection) (bool, error) {
	return r.update(id, func(s *domain.Subscription) bool {
		if s.IsCancelled() {
			return false
		}
		if s.LastEventAt != nil && s.LastEventAt.After(p.EventAt) {
			return false
		}
		s.Status = p.Status
		s.CurrentPeriodStart = p.CurrentPeriodStart
		s.CurrentPeriodEnd = p.CurrentPeriodEnd
		if s.PendingAction == domain.ProviderActionNone {
			s.CancelAtPeriodEnd = p.CancelAtPeriodEnd
			s.CancelledAt = p.CancelledAt
		}
		eventAt := p.EventAt
		s.LastEventAt = &eventAt
		return true
	})
}

func (r *SubscriptionRepo) SetStatus(_ context.Context, id uuid.UUID, status domain.SubscriptionStatus) (bool, error) {
	return r.update(id, func(s *domain.Subscription) bool {
		if s.IsCancelled() {
			return false
		}
		s.Status = status
		return true
	})
}

func (r *SubscriptionRepo) MarkCancelled(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	return r.update(id, func(s *domain.Subscription) bool {
		if s.IsCancelled() {
			return false
		}
		s.Status = domain.SubscriptionStatusCancelled
		if s.CancelledAt == nil {
			s.CancelledAt = &at
		}
		s.PendingAction = domain.ProviderActionNone
		return true
	})
}

func (r *SubscriptionRepo) ListDueRenewals(_ context.Context, provider domain.Provider, now time.Time, limit int) ([]domain.Subscription, error) {
	return r.list(func(s domain.Subscription) bool {
		return s.Provider == provider && s.Status == domain.SubscriptionStatusActive && !s.CancelAtPeriodEnd &&
			!s.CurrentPeriodEnd.After(now) && (s.RenewalClaim == nil || !s.RenewalClaim.Equal(s.CurrentPeriodEnd))
	}, limit), nil
}

func (r *SubscriptionRepo) ListEndedCancellations(_ context.Context, provider domain.Provider, now time.Time, limit int) ([]domain.Subscription, error) {
	return r.list(func(s domain.Subscription) bool {
		return s.Provider == provider && !s.IsCancelled() && s.CancelAtPeriodEnd && !s.CurrentPeriodEnd.After(now)
	}, limit), nil
}

func (r *SubscriptionRepo) ResumeSuspended(_ context.Context, ownerID uuid.UUID, provider domain.Provider, at time.Time) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []uuid.UUID
	for id, s := range r.subs {
		if s.OwnerID != ownerID || s.Provider != provider ||
			s.Status != domain.SubscriptionStatusSuspended || s.CancelAtPeriodEnd {
			continue
		}
		s.Status = domain.SubscriptionStatusActive
		if s.CurrentPeriodEnd.Before(at) {
			s.CurrentPeriodEnd = at
			s.BillingAnchor = at
		}
		s.RenewalClaim = nil
		s.UpdatedAt = time.Now().UTC()
		r.subs[id] = s
		ids = append(ids, id)
	}
	return ids, nil
}

func (r *SubscriptionRepo) ListExpiredSuspensions(_ context.Context, provider domain.Provider, before time.Time, limit int) ([]domain.Subscription, error) {
	return r.list(func(s domain.Subscription) bool {
		return s.Provider == provider && s.Status == domain.SubscriptionStatusSuspended && !s.CurrentPeriodEnd.After(before)
	}, limit), nil
}

func (r *SubscriptionRepo) ClaimRenewal(_ context.Context, id uuid.UUID, periodEnd time.Time) (bool, error) {
	return r.update(id, func(s *domain.Subscription) bool {
		if s.Status != domain.SubscriptionStatusActive || !s.CurrentPeriodEnd.Equal(periodEnd) {
			return false
		}
		if s.RenewalClaim != nil && s.RenewalClaim.Equal(periodEnd) {
			return false
		}
		claim := periodEnd
		s.RenewalClaim = &claim
		return true
	})
}

func (r *SubscriptionRepo) ReleaseRenewal(_ context.Context, id uuid.UUID) error {
	_, err := r.update(id, func(s *domain.Subscription) bool {
		s.RenewalClaim = nil
		return true
	})
	return err
}

func (r *SubscriptionRepo) AdvancePeriod(_ context.Context, id uuid.UUID, previousEnd, start, end time.Time) (bool, error) {
	return r.update(id, func(s *domain.Subscription) bool {
		if !s.CurrentPeriodEnd.Equal(previousEnd) {
			return false
		}
		s.CurrentPeriodStart = start
		s.CurrentPeriodEnd = end
		s.RenewalClaim = nil
		return true
	})
}

func (r *SubscriptionRepo) update(id uuid.UUID, fn func(*domain.Subscription) bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[id]
	if !ok {
		return false, nil
	}
	if !fn(&sub) {
		return false, nil
	}
	sub.UpdatedAt = time.Now().UTC()
	r.subs[id] = sub
	return true, nil
}

func (r *SubscriptionRepo) list(match func(domain.Subscription) bool, limit int) []domain.Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.Subscription
	for _, sub := range r.subs {
		if match(sub) {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

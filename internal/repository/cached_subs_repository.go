package repository

import (
	"context"
	"time"

	"github.com/Dhoini/Billing-orchestrator/internal/domain"
	"github.com/Dhoini/Billing-orchestrator/pkg/logger"
	"github.com/google/uuid"
)

// CachedSubscriptionRepository реализует SubscriptionRepository с кешированием.
// Ошибки Redis не прерывают операцию: читаем из БД, запись в БД остается источником истины.
type CachedSubscriptionRepository struct {
	repo  SubscriptionRepository
	cache *RedisCache
	log   *logger.Logger
}

// NewCachedSubscriptionRepository создает новый репозиторий с кешированием
func NewCachedSubscriptionRepository(repo SubscriptionRepository, cache *RedisCache, log *logger.Logger) SubscriptionRepository {
	return &CachedSubscriptionRepository{
		repo:  repo,
		cache: cache,
		log:   log,
	}
}

// CreateIfAbsent сохраняет подписку и сбрасывает список владельца
func (r *CachedSubscriptionRepository) CreateIfAbsent(ctx context.Context, sub *domain.Subscription) (bool, error) {
	created, err := r.repo.CreateIfAbsent(ctx, sub)
	if err != nil {
		return false, err
	}
	if err := r.cache.Invalidate(ctx, sub.ID, sub.OwnerID); err != nil {
		r.log.Warnw("Failed to invalidate cache after subscription create", "error", err, "subscriptionID", sub.ID)
	}
	return created, nil
}

// GetByID получает подписку по ID (сначала из кеша, потом из БД)
func (r *CachedSubscriptionRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	cached, err := r.cache.GetCachedSubscription(ctx, id)
	if err != nil {
		r.log.Warnw("Error getting subscription from cache", "error", err, "subscriptionID", id)
	}
	if cached != nil {
		r.log.Debugw("Subscription found in cache", "subscriptionID", id)
		return cached, nil
	}

	sub, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := r.cache.CacheSubscription(ctx, sub); err != nil {
		r.log.Warnw("Failed to cache subscription after fetching", "error", err, "subscriptionID", id)
	}
	return sub, nil
}

func (r *CachedSubscriptionRepository) GetByExternalID(ctx context.Context, provider domain.Provider, externalID string) (*domain.Subscription, error) {
	return r.repo.GetByExternalID(ctx, provider, externalID)
}

// ListByOwner подписки владельца (сначала из кеша, потом из БД)
func (r *CachedSubscriptionRepository) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]domain.Subscription, error) {
	cached, err := r.cache.GetCachedOwnerSubscriptions(ctx, ownerID)
	if err != nil {
		r.log.Warnw("Error getting owner subscriptions from cache", "error", err, "ownerID", ownerID)
	}
	if len(cached) > 0 {
		return cached, nil
	}

	subs, err := r.repo.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	if len(subs) > 0 {
		if err := r.cache.CacheOwnerSubscriptions(ctx, ownerID, subs); err != nil {
			r.log.Warnw("Failed to cache owner subscriptions", "error", err, "ownerID", ownerID)
		}
	}
	return subs, nil
}

func (r *CachedSubscriptionRepository) SetCancellation(ctx context.Context, id uuid.UUID, cancelAtPeriodEnd bool, cancelledAt *time.Time, pending domain.ProviderAction) (bool, error) {
	ok, err := r.repo.SetCancellation(ctx, id, cancelAtPeriodEnd, cancelledAt, pending)
	r.evict(ctx, id, err)
	return ok, err
}

func (r *CachedSubscriptionRepository) SetPendingAction(ctx context.Context, id uuid.UUID, action domain.ProviderAction) error {
	err := r.repo.SetPendingAction(ctx, id, action)
	r.evict(ctx, id, err)
	return err
}

func (r *CachedSubscriptionRepository) ListPendingActions(ctx context.Context, limit int) ([]domain.Subscription, error) {
	return r.repo.ListPendingActions(ctx, limit)
}

func (r *CachedSubscriptionRepository) ApplyProjection(ctx context.Context, id uuid.UUID, p domain.SubscriptionProjection) (bool, error) {
	ok, err := r.repo.ApplyProjection(ctx, id, p)
	r.evict(ctx, id, err)
	return ok, err
}

func (r *CachedSubscriptionRepository) SetStatus(ctx context.Context, id uuid.UUID, status domain.SubscriptionStatus) (bool, error) {
	ok, err := r.repo.SetStatus(ctx, id, status)
	r.evict(ctx, id, err)
	return ok, err
}

func (r *CachedSubscriptionRepository) MarkCancelled(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	ok, err := r.repo.MarkCancelled(ctx, id, at)
	r.evict(ctx, id, err)
	return ok, err
}

func (r *CachedSubscriptionRepository) ListDueRenewals(ctx context.Context, provider domain.Provider, now time.Time, limit int) ([]domain.Subscription, error) {
	return r.repo.ListDueRenewals(ctx, provider, now, limit)
}

func (r *CachedSubscriptionRepository) ListEndedCancellations(ctx context.Context, provider domain.Provider, now time.Time, limit int) ([]domain.Subscription, error) {
	return r.repo.ListEndedCancellations(ctx, provider, now, limit)
}

func (r *CachedSubscriptionRepository) ResumeSuspended(ctx context.Context, ownerID uuid.UUID, provider domain.Provider, at time.Time) ([]uuid.UUID, error) {
	ids, err := r.repo.ResumeSuspended(ctx, ownerID, provider, at)
	for _, id := range ids {
		r.evict(ctx, id, err)
	}
	return ids, err
}

func (r *CachedSubscriptionRepository) ListExpiredSuspensions(ctx context.Context, provider domain.Provider, before time.Time, limit int) ([]domain.Subscription, error) {
	return r.repo.ListExpiredSuspensions(ctx, provider, before, limit)
}

func (r *CachedSubscriptionRepository) ClaimRenewal(ctx context.Context, id uuid.UUID, periodEnd time.Time) (bool, error) {
	ok, err := r.repo.ClaimRenewal(ctx, id, periodEnd)
	r.evict(ctx, id, err)
	return ok, err
}

func (r *CachedSubscriptionRepository) ReleaseRenewal(ctx context.Context, id uuid.UUID) error {
	err := r.repo.ReleaseRenewal(ctx, id)
	r.evict(ctx, id, err)
	return err
}

func (r *CachedSubscriptionRepository) AdvancePeriod(ctx context.Context, id uuid.UUID, previousEnd, start, end time.Time) (bool, error) {
	ok, err := r.repo.AdvancePeriod(ctx, id, previousEnd, start, end)
	r.evict(ctx, id, err)
	return ok, err
}

// evict сбрасывает кеш после успешной записи; владельца берем из БД
func (r *CachedSubscriptionRepository) evict(ctx context.Context, id uuid.UUID, writeErr error) {
	if writeErr != nil {
		return
	}
	sub, err := r.repo.GetByID(ctx, id)
	if err != nil {
		r.log.Warnw("Failed to load subscription for cache invalidation", "error", err, "subscriptionID", id)
		return
	}
	if err := r.cache.Invalidate(ctx, id, sub.OwnerID); err != nil {
		r.log.Warnw("Failed to invalidate subscription cache after update", "error", err, "subscriptionID", id)
	}
}

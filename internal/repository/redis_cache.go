package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Dhoini/Billing-orchestrator/internal/domain"
	"github.com/Dhoini/Billing-orchestrator/pkg/logger"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// Префиксы ключей для различных типов данных
	subscriptionKeyPrefix      = "subscription:"
	userSubscriptionsKeyPrefix = "user_subscriptions:"

	defaultCacheTTL = 15 * time.Minute
)

// NewRedisClient подключается к Redis и проверяет соединение
func NewRedisClient(ctx context.Context, addr, password string, db int, log *logger.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Errorw("Failed to connect to Redis", "error", err)
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Infow("Connected to Redis successfully", "addr", addr)
	return client, nil
}

// RedisCache кеш подписок для read-эндпоинтов дашборда
type RedisCache struct {
	client redis.Cmdable
	ttl    time.Duration
	log    *logger.Logger
}

// NewRedisCache создает кеш поверх готового клиента
func NewRedisCache(client redis.Cmdable, ttl time.Duration, log *logger.Logger) *RedisCache {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &RedisCache{client: client, ttl: ttl, log: log}
}

func subscriptionKey(id uuid.UUID) string {
	return subscriptionKeyPrefix + id.String()
}

func ownerSubscriptionsKey(ownerID uuid.UUID) string {
	return userSubscriptionsKeyPrefix + ownerID.String()
}

// cachedSubscription публичный JSON подписки плюс служебные поля, скрытые от API
type cachedSubscription struct {
	domain.Subscription
	VaultCredentialID *uuid.UUID            `json:"vault_credential_id,omitempty"`
	PendingAction     domain.ProviderAction `json:"pending_action,omitempty"`
	RenewalClaim      *time.Time            `json:"renewal_claim,omitempty"`
	LastEventAt       *time.Time            `json:"last_event_at,omitempty"`
}

func toCached(sub domain.Subscription) cachedSubscription {
	return cachedSubscription{
		Subscription:      sub,
		VaultCredentialID: sub.VaultCredentialID,
		PendingAction:     sub.PendingAction,
		RenewalClaim:      sub.RenewalClaim,
		LastEventAt:       sub.LastEventAt,
	}
}

func (c cachedSubscription) restore() domain.Subscription {
	sub := c.Subscription
	sub.VaultCredentialID = c.VaultCredentialID
	sub.PendingAction = c.PendingAction
	sub.RenewalClaim = c.RenewalClaim
	sub.LastEventAt = c.LastEventAt
	return sub
}

// CacheSubscription кеширует подписку
func (r *RedisCache) CacheSubscription(ctx context.Context, sub *domain.Subscription) error {
	return r.set(ctx, subscriptionKey(sub.ID), toCached(*sub))
}

// GetCachedSubscription nil, nil при промахе
func (r *RedisCache) GetCachedSubscription(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	var cached cachedSubscription
	found, err := r.get(ctx, subscriptionKey(id), &cached)
	if err != nil || !found {
		return nil, err
	}
	sub := cached.restore()
	return &sub, nil
}

// CacheOwnerSubscriptions кеширует список подписок владельца
func (r *RedisCache) CacheOwnerSubscriptions(ctx context.Context, ownerID uuid.UUID, subs []domain.Subscription) error {
	cached := make([]cachedSubscription, 0, len(subs))
	for _, sub := range subs {
		cached = append(cached, toCached(sub))
	}
	return r.set(ctx, ownerSubscriptionsKey(ownerID), cached)
}

// GetCachedOwnerSubscriptions nil, nil при промахе
func (r *RedisCache) GetCachedOwnerSubscriptions(ctx context.Context, ownerID uuid.UUID) ([]domain.Subscription, error) {
	var cached []cachedSubscription
	found, err := r.get(ctx, ownerSubscriptionsKey(ownerID), &cached)
	if err != nil || !found {
		return nil, err
	}
	subs := make([]domain.Subscription, 0, len(cached))
	for _, c := range cached {
		subs = append(subs, c.restore())
	}
	return subs, nil
}

// Invalidate удаляет подписку и список владельца
func (r *RedisCache) Invalidate(ctx context.Context, id, ownerID uuid.UUID) error {
	if err := r.client.Del(ctx, subscriptionKey(id), ownerSubscriptionsKey(ownerID)).Err(); err != nil {
		r.log.Errorw("Failed to invalidate subscription cache", "error", err, "subscriptionID", id)
		return fmt.Errorf("failed to invalidate subscription cache: %w", err)
	}
	return nil
}

func (r *RedisCache) set(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}
	if err := r.client.Set(ctx, key, data, r.ttl).Err(); err != nil {
		r.log.Errorw("Failed to write cache", "error", err, "key", key)
		return fmt.Errorf("failed to write cache: %w", err)
	}
	return nil
}

func (r *RedisCache) get(ctx context.Context, key string, v interface{}) (bool, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		r.log.Errorw("Error reading cache", "error", err, "key", key)
		return false, fmt.Errorf("failed to read cache: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to unmarshal cached value: %w", err)
	}
	return true, nil
}

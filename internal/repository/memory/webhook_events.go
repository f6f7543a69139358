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

// WebhookEventRepo in-memory WebhookEventRepository
type WebhookEventRepo struct {
	mu      sync.RWMutex
	records map[uuid.UUID]domain.WebhookEventRecord
	byEvent map[externalKey]uuid.UUID
}

var _ repository.WebhookEventRepository = (*WebhookEventRepo)(nil)

func NewWebhookEventRepo() *WebhookEventRepo {
	return &WebhookEventRepo{
		records: make(map[uuid.UUID]domain.WebhookEventRecord),
		byEvent: make(map[externalKey]uuid.UUID),
	}
}

func (r *WebhookEventRepo) Record(_ context.Context, rec *domain.WebhookEventRecord) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := externalKey{provider: rec.Provider, externalID: rec.ProviderEventID}
	if id, ok := r.byEvent[key]; ok {
		*rec = r.records[id]
		return false, nil
	}

	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	now := time.Now().UTC()
	rec.CreatedAt, rec.UpdatedAt = now, now
	r.records[rec.ID] = *rec
	r.byEvent[key] = rec.ID
	return true, nil
}

func (r *WebhookEventRepo) MarkProcessed(_ context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return domain.NewNotFoundError("webhook event", id.String())
	}
	rec.ProcessedAt = &at
	rec.LastError = nil
	rec.UpdatedAt = at
	r.records[id] = rec
	return nil
}

func (r *WebhookEventRepo) MarkFailed(_ context.Context, id uuid.UUID, reason string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return domain.NewNotFoundError("webhook event", id.String())
	}
	rec.Attempts++
	rec.LastError = &reason
	rec.UpdatedAt = at
	r.records[id] = rec
	return nil
}

func (r *WebhookEventRepo) ListUnprocessed(_ context.Context, maxAttempts int, olderThan time.Time, limit int) ([]domain.WebhookEventRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.WebhookEventRecord
	for _, rec := range r.records {
		if rec.ProcessedAt == nil && rec.Attempts < maxAttempts && !rec.UpdatedAt.After(olderThan) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Get запись по id
func (r *WebhookEventRepo) Get(id uuid.UUID) (domain.WebhookEventRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[id]
	return rec, ok
}

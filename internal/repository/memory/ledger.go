package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/Dhoini/Billing-orchestrator/internal/domain"
	"github.com/Dhoini/Billing-orchestrator/internal/repository"
	"github.com/google/uuid"
)

// LedgerRepo in-memory LedgerRepository, уникальность по external_transaction_id
type LedgerRepo struct {
	mu      sync.RWMutex
	entries map[string]domain.PaymentLedgerEntry
}

var _ repository.LedgerRepository = (*LedgerRepo)(nil)

func NewLedgerRepo() *LedgerRepo {
	return &LedgerRepo{entries: make(map[string]domain.PaymentLedgerEntry)}
}

func (r *LedgerRepo) InsertIfAbsent(_ context.Context, entry *domain.PaymentLedgerEntry) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[entry.ExternalTransactionID]; ok {
		return false, nil
	}
	r.entries[entry.ExternalTransactionID] = *entry
	return true, nil
}

func (r *LedgerRepo) GetByExternalTransactionID(_ context.Context, externalTransactionID string) (*domain.PaymentLedgerEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[externalTransactionID]
	if !ok {
		return nil, domain.NewNotFoundError("ledger entry", externalTransactionID)
	}
	return &entry, nil
}

func (r *LedgerRepo) ListByOwner(_ context.Context, ownerID uuid.UUID) ([]domain.PaymentLedgerEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.PaymentLedgerEntry
	for _, e := range r.entries {
		if e.OwnerID == ownerID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CapturedAt.After(out[j].CapturedAt) })
	return out, nil
}

// Len количество записей
func (r *LedgerRepo) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.entries)
}

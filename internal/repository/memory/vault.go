package memory

import (
	"context"
	"sync"
	"time"

	"github.com/Dhoini/Billing-orchestrator/internal/domain"
	"github.com/Dhoini/Billing-orchestrator/internal/repository"
	"github.com/google/uuid"
)

// VaultRepo in-memory VaultRepository
type VaultRepo struct {
	mu    sync.RWMutex
	creds []domain.VaultCredential
}

var _ repository.VaultRepository = (*VaultRepo)(nil)

func NewVaultRepo() *VaultRepo {
	return &VaultRepo{}
}

func (r *VaultRepo) GetActive(_ context.Context, customerID uuid.UUID, provider domain.Provider) (*domain.VaultCredential, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, c := range r.creds {
		if c.Active && c.CustomerID == customerID && c.Provider == provider {
			cred := c
			return &cred, nil
		}
	}
	return nil, domain.NewNotFoundError("vault credential", customerID.String())
}

func (r *VaultRepo) FindOwner(_ context.Context, provider domain.Provider, externalCustomerID string) (uuid.UUID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	owner := uuid.Nil
	for i := len(r.creds) - 1; i >= 0; i-- {
		c := r.creds[i]
		if c.Provider != provider || c.ExternalCustomerID != externalCustomerID {
			continue
		}
		if c.Active {
			return c.CustomerID, nil
		}
		if owner == uuid.Nil {
			owner = c.CustomerID
		}
	}
	if owner == uuid.Nil {
		return uuid.Nil, domain.NewNotFoundError("vault customer", externalCustomerID)
	}
	return owner, nil
}

func (r *VaultRepo) Replace(_ context.Context, cred *domain.VaultCredential) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.deactivate(func(c domain.VaultCredential) bool {
		return c.CustomerID == cred.CustomerID && c.Provider == cred.Provider
	}, cred.CreatedAt)
	r.creds = append(r.creds, *cred)
	return nil
}

func (r *VaultRepo) DeactivateForCustomer(_ context.Context, customerID uuid.UUID, provider domain.Provider, at time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.deactivate(func(c domain.VaultCredential) bool {
		return c.CustomerID == customerID && c.Provider == provider
	}, at), nil
}

func (r *VaultRepo) DeactivateByExternalCustomer(_ context.Context, provider domain.Provider, externalCustomerID string, at time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.deactivate(func(c domain.VaultCredential) bool {
		return c.Provider == provider && c.ExternalCustomerID == externalCustomerID
	}, at), nil
}

func (r *VaultRepo) DeactivateByVaultID(_ context.Context, provider domain.Provider, externalVaultID string, at time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.deactivate(func(c domain.VaultCredential) bool {
		return c.Provider == provider && c.ExternalVaultID == externalVaultID
	}, at), nil
}

// All все записи, включая неактивные
func (r *VaultRepo) All() []domain.VaultCredential {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]domain.VaultCredential(nil), r.creds...)
}

func (r *VaultRepo) deactivate(match func(domain.VaultCredential) bool, at time.Time) int64 {
	var n int64
	for i := range r.creds {
		if r.creds[i].Active && match(r.creds[i]) {
			r.creds[i].Active = false
			deactivatedAt := at
			r.creds[i].DeactivatedAt = &deactivatedAt
			n++
		}
	}
	return n
}

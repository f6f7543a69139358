package domain

import (
	"time"

	"github.com/google/uuid"
)

// VaultCredential долговременный указатель на сохраненный у провайдера способ оплаты.
// Одна активная запись на (customer, provider); замененные записи только деактивируются.
type VaultCredential struct {
	ID                 uuid.UUID  `json:"id" db:"id"`
	CustomerID         uuid.UUID  `json:"customer_id" db:"customer_id"`
	Provider           Provider   `json:"provider" db:"provider"`
	ExternalCustomerID string     `json:"external_customer_id" db:"external_customer_id"`
	ExternalVaultID    string     `json:"external_vault_id" db:"external_vault_id"`
	CustomerEmail      string     `json:"customer_email" db:"customer_email"`
	CustomerName       string     `json:"customer_name" db:"customer_name"`
	Active             bool       `json:"active" db:"active"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
	DeactivatedAt      *time.Time `json:"deactivated_at,omitempty" db:"deactivated_at"`
}

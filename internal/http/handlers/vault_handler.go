package handlers

import (
	"context"
	"net/http"

	"github.com/Dhoini/Billing-orchestrator/internal/domain"
	"github.com/Dhoini/Billing-orchestrator/internal/middleware"
	"github.com/Dhoini/Billing-orchestrator/internal/services"
	"github.com/Dhoini/Billing-orchestrator/pkg/logger"
	"github.com/Dhoini/Billing-orchestrator/pkg/res"

	"github.com/gin-gonic/gin"
)

type credentialStore interface {
	StoreCredential(ctx context.Context, in services.StoreCredentialInput) (*domain.VaultCredential, error)
}

// StoreCredentialRequest одноразовый токен способа оплаты из клиентского SDK провайдера
type StoreCredentialRequest struct {
	Provider string `json:"provider" validate:"required"`
	Token    string `json:"token" validate:"required"`
	Email    string `json:"email" validate:"omitempty,email"`
	Name     string `json:"name" validate:"max=200"`
}

type VaultHandler struct {
	vault credentialStore
	log   *logger.Logger
}

func NewVaultHandler(vault credentialStore, log *logger.Logger) *VaultHandler {
	return &VaultHandler{vault: vault, log: log}
}

// StoreCredential POST /vault/credentials
func (h *VaultHandler) StoreCredential(c *gin.Context) {
	customerID, ok := middleware.UserID(c)
	if !ok {
		res.Error(c, http.StatusUnauthorized, res.ErrorResponse{Error: "Unauthorized", ErrorCode: "unauthenticated"})
		return
	}

	body, err := bindBody[StoreCredentialRequest](c)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	provider, err := domain.ParseProvider(body.Provider)
	if err != nil {
		writeError(c, h.log, err)
		return
	}

	email := body.Email
	if email == "" {
		email = c.GetString(middleware.ContextUserEmailKey)
	}

	cred, err := h.vault.StoreCredential(c.Request.Context(), services.StoreCredentialInput{
		CustomerID: customerID,
		Provider:   provider,
		Email:      email,
		Name:       body.Name,
		Token:      body.Token,
	})
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	res.JSON(c, http.StatusCreated, cred)
}

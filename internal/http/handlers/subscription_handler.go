package handlers

import (
	"context"
	"net/http"

	"github.com/Dhoini/Billing-orchestrator/internal/domain"
	"github.com/Dhoini/Billing-orchestrator/internal/middleware"
	"github.com/Dhoini/Billing-orchestrator/pkg/logger"
	"github.com/Dhoini/Billing-orchestrator/pkg/res"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type subscriptionManager interface {
	Get(ctx context.Context, ownerID, id uuid.UUID) (*domain.Subscription, error)
	List(ctx context.Context, ownerID uuid.UUID) ([]domain.Subscription, error)
	RequestCancellation(ctx context.Context, ownerID, id uuid.UUID, ack domain.CancellationAck) (*domain.CancellationResult, error)
	Reactivate(ctx context.Context, ownerID, id uuid.UUID) (*domain.Subscription, error)
}

type paymentHistory interface {
	ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]domain.PaymentLedgerEntry, error)
}

// CancelSubscriptionRequest подтверждение последствий отмены
type CancelSubscriptionRequest struct {
	AcknowledgedConsequences bool   `json:"acknowledged_consequences"`
	Reason                   string `json:"reason" validate:"max=500"`
}

// SubscriptionHandler операции клиента над своими подписками.
// Владелец всегда берется из токена, чужая подписка выглядит как отсутствующая.
type SubscriptionHandler struct {
	manager subscriptionManager
	ledger  paymentHistory
	log     *logger.Logger
}

func NewSubscriptionHandler(manager subscriptionManager, ledger paymentHistory, log *logger.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{manager: manager, ledger: ledger, log: log}
}

// ListSubscriptions GET /subscriptions
func (h *SubscriptionHandler) ListSubscriptions(c *gin.Context) {
	ownerID, ok := h.owner(c)
	if !ok {
		return
	}

	subs, err := h.manager.List(c.Request.Context(), ownerID)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	res.JSON(c, http.StatusOK, gin.H{"subscriptions": subs})
}

// GetSubscription GET /subscriptions/:subscription_id
func (h *SubscriptionHandler) GetSubscription(c *gin.Context) {
	ownerID, ok := h.owner(c)
	if !ok {
		return
	}
	id, err := pathID(c, "subscription_id")
	if err != nil {
		writeError(c, h.log, err)
		return
	}

	sub, err := h.manager.Get(c.Request.Context(), ownerID, id)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	res.JSON(c, http.StatusOK, sub)
}

// CancelSubscription POST /subscriptions/:subscription_id/cancel
func (h *SubscriptionHandler) CancelSubscription(c *gin.Context) {
	ownerID, ok := h.owner(c)
	if !ok {
		return
	}
	id, err := pathID(c, "subscription_id")
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	body, err := bindBody[CancelSubscriptionRequest](c)
	if err != nil {
		writeError(c, h.log, err)
		return
	}

	result, err := h.manager.RequestCancellation(c.Request.Context(), ownerID, id, domain.CancellationAck{
		AcknowledgedConsequences: body.AcknowledgedConsequences,
		Reason:                   body.Reason,
	})
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	res.JSON(c, http.StatusOK, result)
}

// ReactivateSubscription POST /subscriptions/:subscription_id/reactivate
func (h *SubscriptionHandler) ReactivateSubscription(c *gin.Context) {
	ownerID, ok := h.owner(c)
	if !ok {
		return
	}
	id, err := pathID(c, "subscription_id")
	if err != nil {
		writeError(c, h.log, err)
		return
	}

	sub, err := h.manager.Reactivate(c.Request.Context(), ownerID, id)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	res.JSON(c, http.StatusOK, sub)
}

// ListPayments GET /payments
func (h *SubscriptionHandler) ListPayments(c *gin.Context) {
	ownerID, ok := h.owner(c)
	if !ok {
		return
	}

	entries, err := h.ledger.ListByOwner(c.Request.Context(), ownerID)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	res.JSON(c, http.StatusOK, gin.H{"payments": entries})
}

func (h *SubscriptionHandler) owner(c *gin.Context) (uuid.UUID, bool) {
	ownerID, ok := middleware.UserID(c)
	if !ok {
		h.log.Errorw("User ID not found in context", "path", c.FullPath())
		res.Error(c, http.StatusUnauthorized, res.ErrorResponse{Error: "Unauthorized", ErrorCode: "unauthenticated"})
		return uuid.Nil, false
	}
	return ownerID, true
}

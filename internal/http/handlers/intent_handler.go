package handlers

import (
	"context"
	"net/http"

	"github.com/Dhoini/Billing-orchestrator/internal/domain"
	"github.com/Dhoini/Billing-orchestrator/internal/services"
	"github.com/Dhoini/Billing-orchestrator/pkg/logger"
	"github.com/Dhoini/Billing-orchestrator/pkg/res"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type intentScheduler interface {
	ScheduleIntents(ctx context.Context, orderID uuid.UUID, items []services.IntentItem) ([]domain.SubscriptionIntent, error)
	ListByOrder(ctx context.Context, orderID uuid.UUID) ([]domain.SubscriptionIntent, error)
}

// ScheduleIntentsRequest позиции оформленного заказа
type ScheduleIntentsRequest struct {
	Items []services.IntentItem `json:"items" validate:"required,min=1,dive"`
}

// IntentHandler вызывается checkout-сервисом после оформления заказа
type IntentHandler struct {
	scheduler intentScheduler
	log       *logger.Logger
}

func NewIntentHandler(scheduler intentScheduler, log *logger.Logger) *IntentHandler {
	return &IntentHandler{scheduler: scheduler, log: log}
}

// ScheduleIntents POST /orders/:order_id/intents
func (h *IntentHandler) ScheduleIntents(c *gin.Context) {
	orderID, err := pathID(c, "order_id")
	if err != nil {
		writeError(c, h.log, err)
		return
	}

	body, err := bindBody[ScheduleIntentsRequest](c)
	if err != nil {
		writeError(c, h.log, err)
		return
	}

	intents, err := h.scheduler.ScheduleIntents(c.Request.Context(), orderID, body.Items)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	res.JSON(c, http.StatusCreated, gin.H{"intents": intents})
}

// ListIntents GET /orders/:order_id/intents
func (h *IntentHandler) ListIntents(c *gin.Context) {
	orderID, err := pathID(c, "order_id")
	if err != nil {
		writeError(c, h.log, err)
		return
	}

	intents, err := h.scheduler.ListByOrder(c.Request.Context(), orderID)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	res.JSON(c, http.StatusOK, gin.H{"intents": intents})
}

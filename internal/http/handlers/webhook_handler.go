package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/Dhoini/Billing-orchestrator/internal/domain"
	"github.com/Dhoini/Billing-orchestrator/internal/gateway"
	"github.com/Dhoini/Billing-orchestrator/pkg/logger"
	"github.com/Dhoini/Billing-orchestrator/pkg/res"

	"github.com/gin-gonic/gin"
)

const (
	// Ограничение на размер тела запроса вебхука (Stripe рекомендует ~65kb)
	maxRequestBodySize = int64(65536)
)

type eventHandler interface {
	HandleEvent(ctx context.Context, ev domain.ProviderEvent) error
}

// WebhookHandler принимает уведомления провайдеров.
// Подпись проверяется декодером до любой записи в хранилище.
type WebhookHandler struct {
	decoders   map[domain.Provider]gateway.EventDecoder
	reconciler eventHandler
	log        *logger.Logger
}

func NewWebhookHandler(reconciler eventHandler, log *logger.Logger, decoders ...gateway.EventDecoder) *WebhookHandler {
	byProvider := make(map[domain.Provider]gateway.EventDecoder, len(decoders))
	for _, d := range decoders {
		byProvider[d.Provider()] = d
	}
	return &WebhookHandler{decoders: byProvider, reconciler: reconciler, log: log}
}

// HandleCardNetwork POST /webhooks/stripe
func (h *WebhookHandler) HandleCardNetwork(c *gin.Context) {
	h.handle(c, domain.ProviderCardNetwork)
}

// HandleWallet POST /webhooks/paypal
func (h *WebhookHandler) HandleWallet(c *gin.Context) {
	h.handle(c, domain.ProviderWallet)
}

func (h *WebhookHandler) handle(c *gin.Context, provider domain.Provider) {
	decoder, ok := h.decoders[provider]
	if !ok {
		h.log.Warnw("Webhook for disabled provider", "provider", provider)
		res.Error(c, http.StatusNotFound, res.ErrorResponse{Error: "Provider is not configured", ErrorCode: "not_found"})
		return
	}

	// тело читается один раз, подпись считается по сырым байтам
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxRequestBodySize)
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.log.Warnw("Failed to read webhook request body", "provider", provider, "error", err)
		res.Error(c, http.StatusBadRequest, res.ErrorResponse{Error: "Cannot read request body", ErrorCode: "invalid_input"})
		return
	}

	ctx := c.Request.Context()
	ev, err := decoder.Decode(ctx, payload, c.Request.Header)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrWebhookValidationFailed):
			h.log.Warnw("Webhook signature verification failed", "provider", provider, "error", err)
			res.Error(c, http.StatusBadRequest, res.ErrorResponse{Error: "Invalid signature", ErrorCode: "invalid_signature"})
		case errors.Is(err, domain.ErrInvalidInput):
			h.log.Warnw("Malformed webhook payload", "provider", provider, "error", err)
			res.Error(c, http.StatusBadRequest, res.ErrorResponse{Error: "Malformed event", ErrorCode: "invalid_input"})
		default:
			// например, недоступен API проверки подписи; провайдер повторит доставку
			h.log.Errorw("Webhook decoding failed", "provider", provider, "error", err)
			res.Error(c, http.StatusInternalServerError, res.ErrorResponse{Error: "Internal server error", ErrorCode: "internal"})
		}
		return
	}

	meta := ev.Meta()
	if err := h.reconciler.HandleEvent(ctx, ev); err != nil {
		h.log.Errorw("Webhook event processing failed",
			"provider", provider, "eventID", meta.EventID, "type", meta.Type, "error", err)
		res.Error(c, http.StatusInternalServerError, res.ErrorResponse{Error: "Internal server error", ErrorCode: "internal"})
		return
	}

	h.log.Debugw("Webhook event accepted", "provider", provider, "eventID", meta.EventID, "type", meta.Type)
	res.Accepted(c)
}

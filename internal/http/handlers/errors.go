package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/Dhoini/Billing-orchestrator/internal/domain"
	"github.com/Dhoini/Billing-orchestrator/internal/jobs"
	"github.com/Dhoini/Billing-orchestrator/pkg/logger"
	"github.com/Dhoini/Billing-orchestrator/pkg/req"
	"github.com/Dhoini/Billing-orchestrator/pkg/res"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// errorResponse переводит ошибку сервиса в HTTP статус и безопасное сообщение.
// Сырой ответ провайдера в тело не попадает.
func errorResponse(err error) (int, res.ErrorResponse) {
	var (
		verr     domain.ValidationErrors
		bodyErr  *req.ValidationError
		rule     *domain.BusinessRuleError
		provider *domain.ProviderError
	)

	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, res.ErrorResponse{Error: "Invalid request data", ErrorCode: "invalid_input", Details: []domain.ValidationError(verr)}
	case errors.As(err, &bodyErr):
		return http.StatusBadRequest, res.ErrorResponse{Error: "Invalid request data", ErrorCode: "invalid_input", Details: bodyErr.Fields}
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrProviderNotConfigured):
		return http.StatusBadRequest, res.ErrorResponse{Error: err.Error(), ErrorCode: "invalid_input"}
	case errors.As(err, &rule):
		status := http.StatusConflict
		if rule.Rule == domain.RuleAcknowledgementRequired {
			status = http.StatusUnprocessableEntity
		}
		return status, res.ErrorResponse{Error: rule.Message, ErrorCode: string(rule.Rule)}
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, res.ErrorResponse{Error: "Not found", ErrorCode: "not_found"}
	case errors.Is(err, domain.ErrDuplicate):
		return http.StatusConflict, res.ErrorResponse{Error: "Already exists", ErrorCode: "duplicate"}
	case errors.Is(err, domain.ErrNoVaultCredential):
		return http.StatusPaymentRequired, res.ErrorResponse{
			Error: "No saved payment method", ErrorCode: "no_vault", Action: domain.RemediationUpdatePaymentMethod,
		}
	case errors.As(err, &provider):
		if !provider.Retryable() {
			return http.StatusPaymentRequired, res.ErrorResponse{
				Error: "Payment method was declined", ErrorCode: provider.Code, Action: domain.RemediationUpdatePaymentMethod,
			}
		}
		return http.StatusServiceUnavailable, res.ErrorResponse{Error: "Payment provider is temporarily unavailable, try again later", ErrorCode: "provider_unavailable"}
	case errors.Is(err, jobs.ErrJobRunning):
		return http.StatusConflict, res.ErrorResponse{Error: "Job is already running", ErrorCode: "job_running"}
	case errors.Is(err, jobs.ErrUnknownJob):
		return http.StatusNotFound, res.ErrorResponse{Error: "Unknown job", ErrorCode: "not_found"}
	}
	return http.StatusInternalServerError, res.ErrorResponse{Error: "Internal server error", ErrorCode: "internal"}
}

func writeError(c *gin.Context, log *logger.Logger, err error) {
	status, body := errorResponse(err)
	if status >= http.StatusInternalServerError {
		log.Errorw("Request failed", "path", c.FullPath(), "status", status, "error", err)
	} else {
		log.Debugw("Request rejected", "path", c.FullPath(), "status", status, "error", err)
	}
	_ = c.Error(err)
	res.Error(c, status, body)
}

// bindBody декодирует и валидирует JSON тело; синтаксические ошибки считаются ErrInvalidInput
func bindBody[T any](c *gin.Context) (*T, error) {
	body, err := req.HandleBody[T](c.Request.Body)
	if err != nil {
		var verr *req.ValidationError
		if errors.As(err, &verr) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidInput, err)
	}
	return body, nil
}

func pathID(c *gin.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s must be a UUID", domain.ErrInvalidInput, name)
	}
	return id, nil
}

package stripe

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/Dhoini/Billing-orchestrator/internal/domain"

	"github.com/stripe/stripe-go/v78"
)

// Константы для типов ошибок Stripe (строковые значения из API)
const (
	errorTypeAPIConnection  stripe.ErrorType = "api_connection_error"
	errorTypeAPI            stripe.ErrorType = "api_error"
	errorTypeAuthentication stripe.ErrorType = "authentication_error"
	errorTypeCard           stripe.ErrorType = "card_error"
	errorTypeInvalidRequest stripe.ErrorType = "invalid_request_error"
	errorTypeIdempotency    stripe.ErrorType = "idempotency_error"
)

// classifyError переводит ошибку Stripe в *domain.ProviderError.
// Сообщение для пользователя не содержит сырого ответа Stripe.
func classifyError(err error) error {
	if err == nil {
		return nil
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return domain.NewTimeoutError(domain.ProviderCardNetwork, err)
	}

	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return domain.NewTransientError(domain.ProviderCardNetwork, "network", "payment provider is unavailable", err)
	}

	code := string(stripeErr.Code)
	switch {
	case stripeErr.HTTPStatusCode == http.StatusTooManyRequests:
		return domain.NewTransientError(domain.ProviderCardNetwork, "rate_limited", "payment provider is busy, try again later", err)
	case stripeErr.Type == errorTypeAPIConnection:
		return domain.NewTransientError(domain.ProviderCardNetwork, "connection", "payment provider is unavailable", err)
	case stripeErr.HTTPStatusCode >= 500 && stripeErr.HTTPStatusCode != http.StatusNotImplemented:
		return domain.NewTransientError(domain.ProviderCardNetwork, "provider_unavailable", "payment provider is unavailable", err)
	case stripeErr.Type == errorTypeAuthentication, stripeErr.Type == errorTypeIdempotency:
		// конфигурация или конфликт ключа, попытку можно повторить позже
		return domain.NewTransientError(domain.ProviderCardNetwork, string(stripeErr.Type), "payment provider rejected the request", err)
	case stripeErr.Type == errorTypeCard:
		if stripeErr.DeclineCode != "" {
			code = string(stripeErr.DeclineCode)
		}
		if code == "" {
			code = "card_declined"
		}
		return domain.NewTerminalError(domain.ProviderCardNetwork, code, "payment method was declined", err)
	case stripeErr.Type == errorTypeInvalidRequest:
		if code == "" {
			code = "invalid_request"
		}
		return domain.NewTerminalError(domain.ProviderCardNetwork, code, "payment method is invalid", err)
	case stripeErr.Type == errorTypeAPI:
		return domain.NewTransientError(domain.ProviderCardNetwork, "api_error", "payment provider is unavailable", err)
	}
	return domain.NewTransientError(domain.ProviderCardNetwork, "unknown", "payment provider error", err)
}

// isResourceMissing ошибка resource_missing; param пустой для любого объекта
func isResourceMissing(err error, param string) bool {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) || stripeErr.Code != stripe.ErrorCodeResourceMissing {
		return false
	}
	return param == "" || stripeErr.Param == param
}

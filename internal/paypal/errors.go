package paypal

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/Dhoini/Billing-orchestrator/internal/domain"

	"github.com/plutov/paypal/v4"
)

// Issue-коды PayPal, при которых нужен новый способ оплаты
var declineIssues = map[string]struct{}{
	"INSTRUMENT_DECLINED":   {},
	"PAYER_ACTION_REQUIRED": {},
	"PAYER_CANNOT_PAY":      {},
	"TRANSACTION_REFUSED":   {},
	"INVALID_RESOURCE_ID":   {},
}

// classifyError переводит ошибку PayPal в *domain.ProviderError
func classifyError(err error) error {
	if err == nil {
		return nil
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return domain.NewTimeoutError(domain.ProviderWallet, err)
	}

	var ppErr *paypal.ErrorResponse
	if !errors.As(err, &ppErr) || ppErr.Response == nil {
		return domain.NewTransientError(domain.ProviderWallet, "network", "payment provider is unavailable", err)
	}

	status := ppErr.Response.StatusCode
	issue := firstIssue(ppErr)
	switch {
	case status == http.StatusTooManyRequests:
		return domain.NewTransientError(domain.ProviderWallet, "rate_limited", "payment provider is busy, try again later", err)
	case status >= 500:
		return domain.NewTransientError(domain.ProviderWallet, "provider_unavailable", "payment provider is unavailable", err)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return domain.NewTransientError(domain.ProviderWallet, "authentication", "payment provider rejected the request", err)
	}

	if _, ok := declineIssues[issue]; ok {
		return domain.NewTerminalError(domain.ProviderWallet, strings.ToLower(issue), "payment method was declined", err)
	}
	code := strings.ToLower(issue)
	if code == "" {
		code = strings.ToLower(ppErr.Name)
	}
	if code == "" {
		code = "invalid_request"
	}
	return domain.NewTerminalError(domain.ProviderWallet, code, "payment method is invalid", err)
}

func firstIssue(e *paypal.ErrorResponse) string {
	for _, d := range e.Details {
		if d.Issue != "" {
			return d.Issue
		}
	}
	return ""
}

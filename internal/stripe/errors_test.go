package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/Dhoini/Billing-orchestrator/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stripe/stripe-go/v78"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		kind      domain.ProviderErrorKind
		code      string
		isTimeout bool
	}{
		{
			name: "card declined uses decline code",
			err: &stripe.Error{Type: errorTypeCard, Code: stripe.ErrorCodeCardDeclined,
				DeclineCode: stripe.DeclineCodeInsufficientFunds, HTTPStatusCode: http.StatusPaymentRequired},
			kind: domain.ProviderErrorTerminal,
			code: "insufficient_funds",
		},
		{
			name: "card error without decline code",
			err:  &stripe.Error{Type: errorTypeCard, Code: stripe.ErrorCodeExpiredCard},
			kind: domain.ProviderErrorTerminal,
			code: "expired_card",
		},
		{
			name: "invalid request is terminal",
			err:  &stripe.Error{Type: errorTypeInvalidRequest, Code: stripe.ErrorCodeResourceMissing, HTTPStatusCode: http.StatusNotFound},
			kind: domain.ProviderErrorTerminal,
			code: "resource_missing",
		},
		{
			name: "rate limit",
			err:  &stripe.Error{Type: errorTypeInvalidRequest, HTTPStatusCode: http.StatusTooManyRequests},
			kind: domain.ProviderErrorTransient,
			code: "rate_limited",
		},
		{
			name: "connection error",
			err:  &stripe.Error{Type: errorTypeAPIConnection},
			kind: domain.ProviderErrorTransient,
			code: "connection",
		},
		{
			name: "server error",
			err:  &stripe.Error{Type: errorTypeAPI, HTTPStatusCode: http.StatusBadGateway},
			kind: domain.ProviderErrorTransient,
			code: "provider_unavailable",
		},
		{
			name: "idempotency conflict",
			err:  &stripe.Error{Type: errorTypeIdempotency, HTTPStatusCode: http.StatusBadRequest},
			kind: domain.ProviderErrorTransient,
			code: "idempotency_error",
		},
		{
			name:      "deadline exceeded",
			err:       fmt.Errorf("post: %w", context.DeadlineExceeded),
			kind:      domain.ProviderErrorTransient,
			code:      "timeout",
			isTimeout: true,
		},
		{
			name: "plain network error",
			err:  errors.New("connection reset by peer"),
			kind: domain.ProviderErrorTransient,
			code: "network",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyError(tt.err)

			perr, ok := domain.AsProviderError(err)
			require.True(t, ok)
			assert.Equal(t, domain.ProviderCardNetwork, perr.Provider)
			assert.Equal(t, tt.kind, perr.Kind)
			assert.Equal(t, tt.code, perr.Code)
			assert.Equal(t, tt.isTimeout, errors.Is(err, domain.ErrOutcomeUnknown))
			assert.ErrorIs(t, err, tt.err)
		})
	}

	assert.NoError(t, classifyError(nil))
}

func TestClassifyErrorHidesRawMessage(t *testing.T) {
	err := classifyError(&stripe.Error{Type: errorTypeCard, Code: stripe.ErrorCodeCardDeclined, Msg: "Your card was declined. req_abc"})

	perr, ok := domain.AsProviderError(err)
	require.True(t, ok)
	assert.NotContains(t, perr.Message, "req_abc")
}

func TestIsResourceMissing(t *testing.T) {
	missingCustomer := &stripe.Error{Code: stripe.ErrorCodeResourceMissing, Param: "customer"}

	assert.True(t, isResourceMissing(missingCustomer, "customer"))
	assert.True(t, isResourceMissing(fmt.Errorf("wrapped: %w", missingCustomer), ""))
	assert.False(t, isResourceMissing(missingCustomer, "payment_method"))
	assert.False(t, isResourceMissing(&stripe.Error{Code: stripe.ErrorCodeCardDeclined}, ""))
	assert.False(t, isResourceMissing(errors.New("boom"), ""))
}

func TestMapSubscriptionStatus(t *testing.T) {
	cases := map[stripe.SubscriptionStatus]domain.SubscriptionStatus{
		stripe.SubscriptionStatusActive:            domain.SubscriptionStatusActive,
		stripe.SubscriptionStatusTrialing:          domain.SubscriptionStatusActive,
		stripe.SubscriptionStatusPastDue:           domain.SubscriptionStatusSuspended,
		stripe.SubscriptionStatusUnpaid:            domain.SubscriptionStatusSuspended,
		stripe.SubscriptionStatusIncomplete:        domain.SubscriptionStatusSuspended,
		stripe.SubscriptionStatusPaused:            domain.SubscriptionStatusPaused,
		stripe.SubscriptionStatusCanceled:          domain.SubscriptionStatusCancelled,
		stripe.SubscriptionStatusIncompleteExpired: domain.SubscriptionStatusCancelled,
	}
	for in, want := range cases {
		assert.Equal(t, want, mapSubscriptionStatus(in), string(in))
	}
}

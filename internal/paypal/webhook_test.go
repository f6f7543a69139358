package paypal

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/Dhoini/Billing-orchestrator/internal/domain"
	"github.com/Dhoini/Billing-orchestrator/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/plutov/paypal/v4"
)

type mockVerifier struct {
	mock.Mock
}

func (m *mockVerifier) VerifyWebhookSignature(ctx context.Context, httpReq *http.Request, webhookID string) (*paypal.VerifyWebhookResponse, error) {
	body, _ := io.ReadAll(httpReq.Body)
	args := m.Called(string(body), httpReq.Header.Get("Paypal-Transmission-Sig"), webhookID)
	if v := args.Get(0); v != nil {
		return v.(*paypal.VerifyWebhookResponse), args.Error(1)
	}
	return nil, args.Error(1)
}

func signedHeader() http.Header {
	h := http.Header{}
	h.Set("Paypal-Transmission-Id", "69cd13f0-d67a-11e5-baa3-778b53f4ae55")
	h.Set("Paypal-Transmission-Sig", "sig")
	h.Set("Paypal-Auth-Algo", "SHA256withRSA")
	return h
}

const captureCompleted = `{"id":"WH-58D329510W468432D-8HN650336L201105X","event_type":"PAYMENT.CAPTURE.COMPLETED",
"create_time":"2025-01-11T00:00:07Z","resource":{"id":"3C679366HH908993F","status":"COMPLETED",
"amount":{"currency_code":"USD","value":"49.90"},"custom_id":"intent_7d9f2c1e-0000-4000-8000-000000000001",
"create_time":"2025-01-11T00:00:05Z"}}`

func TestWebhookDecoderCaptureCompleted(t *testing.T) {
	verifier := &mockVerifier{}
	verifier.On("VerifyWebhookSignature", captureCompleted, "sig", "WH-ID").
		Return(&paypal.VerifyWebhookResponse{VerificationStatus: "SUCCESS"}, nil).Once()
	d := NewWebhookDecoder(verifier, "WH-ID", logger.NewNop())

	ev, err := d.Decode(context.Background(), []byte(captureCompleted), signedHeader())
	require.NoError(t, err)
	verifier.AssertExpectations(t)

	captured, ok := ev.(domain.PaymentCaptured)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, domain.ProviderWallet, captured.Provider)
	assert.Equal(t, "WH-58D329510W468432D-8HN650336L201105X", captured.EventID)
	assert.Equal(t, "3C679366HH908993F", captured.TransactionID)
	assert.Equal(t, "intent_7d9f2c1e-0000-4000-8000-000000000001", captured.Reference)
	assert.Equal(t, domain.NewMoney(4990, "usd"), captured.Amount)
	assert.Equal(t, time.Date(2025, 1, 11, 0, 0, 7, 0, time.UTC), captured.OccurredAt)
}

func TestWebhookDecoderVerificationFailure(t *testing.T) {
	verifier := &mockVerifier{}
	verifier.On("VerifyWebhookSignature", mock.Anything, mock.Anything, "WH-ID").
		Return(&paypal.VerifyWebhookResponse{VerificationStatus: "FAILURE"}, nil)
	d := NewWebhookDecoder(verifier, "WH-ID", logger.NewNop())

	_, err := d.Decode(context.Background(), []byte(captureCompleted), signedHeader())
	assert.ErrorIs(t, err, domain.ErrWebhookValidationFailed)

	_, err = d.Decode(context.Background(), []byte(captureCompleted), http.Header{})
	assert.ErrorIs(t, err, domain.ErrWebhookValidationFailed)
	verifier.AssertNumberOfCalls(t, "VerifyWebhookSignature", 1)
}

func TestWebhookDecoderVerificationUnavailable(t *testing.T) {
	verifier := &mockVerifier{}
	verifier.On("VerifyWebhookSignature", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("dial tcp: connection refused"))
	d := NewWebhookDecoder(verifier, "WH-ID", logger.NewNop())

	_, err := d.Decode(context.Background(), []byte(captureCompleted), signedHeader())
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrWebhookValidationFailed)
	assert.ErrorIs(t, err, domain.ErrProvider)
}

func TestWebhookDecoderVaultEvents(t *testing.T) {
	verifier := &mockVerifier{}
	verifier.On("VerifyWebhookSignature", mock.Anything, mock.Anything, mock.Anything).
		Return(&paypal.VerifyWebhookResponse{VerificationStatus: "SUCCESS"}, nil)
	d := NewWebhookDecoder(verifier, "WH-ID", logger.NewNop())

	created := `{"id":"WH-1","event_type":"VAULT.PAYMENT-TOKEN.CREATED","create_time":"2025-01-01T10:00:00Z",
	"resource":{"id":"8kk8451t","customer":{"id":"customer_4029352050"},
	"payment_source":{"paypal":{"email_address":"jane@example.com","name":{"given_name":"Jane","surname":"Doe"}}}}}`
	ev, err := d.Decode(context.Background(), []byte(created), signedHeader())
	require.NoError(t, err)
	assert.Equal(t, domain.CredentialStored{
		EventMeta:          domain.EventMeta{Provider: domain.ProviderWallet, EventID: "WH-1", Type: eventPaymentTokenCreated, OccurredAt: time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)},
		ExternalCustomerID: "customer_4029352050",
		ExternalVaultID:    "8kk8451t",
		Email:              "jane@example.com",
		Name:               "Jane Doe",
	}, ev)

	deleted := `{"id":"WH-2","event_type":"VAULT.PAYMENT-TOKEN.DELETED","create_time":"2025-01-02T10:00:00Z","resource":{"id":"8kk8451t"}}`
	ev, err = d.Decode(context.Background(), []byte(deleted), signedHeader())
	require.NoError(t, err)
	revoked, ok := ev.(domain.CredentialRevoked)
	require.True(t, ok)
	assert.Equal(t, "8kk8451t", revoked.ExternalVaultID)

	unknown := `{"id":"WH-3","event_type":"CHECKOUT.ORDER.APPROVED","create_time":"2025-01-02T10:00:00Z","resource":{}}`
	ev, err = d.Decode(context.Background(), []byte(unknown), signedHeader())
	require.NoError(t, err)
	assert.Equal(t, domain.EventIgnored, ev.Kind())

	_, err = d.Decode(context.Background(), []byte(`{"event_type":`), signedHeader())
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

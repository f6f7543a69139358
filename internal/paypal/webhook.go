package paypal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Dhoini/Billing-orchestrator/internal/domain"
	"github.com/Dhoini/Billing-orchestrator/internal/gateway"
	"github.com/Dhoini/Billing-orchestrator/pkg/logger"

	"github.com/plutov/paypal/v4"
)

const verificationSuccess = "SUCCESS"

const (
	eventCaptureCompleted    = "PAYMENT.CAPTURE.COMPLETED"
	eventCaptureDenied       = "PAYMENT.CAPTURE.DENIED"
	eventPaymentTokenCreated = "VAULT.PAYMENT-TOKEN.CREATED"
	eventPaymentTokenDeleted = "VAULT.PAYMENT-TOKEN.DELETED"
)

// SignatureVerifier проверка подписи через PayPal API; *paypal.Client ему удовлетворяет
type SignatureVerifier interface {
	VerifyWebhookSignature(ctx context.Context, httpReq *http.Request, webhookID string) (*paypal.VerifyWebhookResponse, error)
}

// WebhookDecoder проверяет вебхук PayPal и декодирует его в domain.ProviderEvent
type WebhookDecoder struct {
	verifier  SignatureVerifier
	webhookID string
	log       *logger.Logger
}

var _ gateway.EventDecoder = (*WebhookDecoder)(nil)

func NewWebhookDecoder(verifier SignatureVerifier, webhookID string, log *logger.Logger) *WebhookDecoder {
	return &WebhookDecoder{verifier: verifier, webhookID: webhookID, log: log}
}

func (d *WebhookDecoder) Provider() domain.Provider {
	return domain.ProviderWallet
}

type webhookEvent struct {
	ID         string          `json:"id"`
	EventType  string          `json:"event_type"`
	CreateTime time.Time       `json:"create_time"`
	Resource   json.RawMessage `json:"resource"`
}

type paymentTokenResource struct {
	ID       string `json:"id"`
	Customer struct {
		ID string `json:"id"`
	} `json:"customer"`
	PaymentSource struct {
		PayPal struct {
			EmailAddress string `json:"email_address"`
			Name         struct {
				GivenName string `json:"given_name"`
				Surname   string `json:"surname"`
			} `json:"name"`
		} `json:"paypal"`
	} `json:"payment_source"`
}

// Decode проверяет подпись у PayPal и приводит событие к domain.ProviderEvent.
func (d *WebhookDecoder) Decode(ctx context.Context, payload []byte, header http.Header) (domain.ProviderEvent, error) {
	if header.Get("Paypal-Transmission-Sig") == "" {
		return nil, fmt.Errorf("%w: missing PayPal transmission signature", domain.ErrWebhookValidationFailed)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, "/", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build verification request: %w", err)
	}
	httpReq.Header = header.Clone()

	verification, err := d.verifier.VerifyWebhookSignature(ctx, httpReq, d.webhookID)
	if err != nil {
		// PayPal недоступен: подпись не проверена, событие придет повторно
		d.log.Errorw("PayPal webhook verification call failed", "error", err)
		return nil, classifyError(err)
	}
	if verification == nil || verification.VerificationStatus != verificationSuccess {
		d.log.Warnw("PayPal webhook signature verification failed")
		return nil, fmt.Errorf("%w: paypal verification status is not %s", domain.ErrWebhookValidationFailed, verificationSuccess)
	}

	var event webhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("%w: paypal event: %v", domain.ErrInvalidInput, err)
	}
	if event.ID == "" {
		return nil, fmt.Errorf("%w: paypal event without id", domain.ErrInvalidInput)
	}

	meta := domain.EventMeta{
		Provider:   domain.ProviderWallet,
		EventID:    event.ID,
		Type:       event.EventType,
		OccurredAt: event.CreateTime.UTC(),
	}
	if event.CreateTime.IsZero() {
		meta.OccurredAt = time.Now().UTC()
	}

	d.log.Debugw("Received verified PayPal event", "eventID", event.ID, "eventType", event.EventType)

	switch event.EventType {
	case eventCaptureCompleted:
		var res capture
		if err := unmarshalResource(event, &res); err != nil {
			return nil, err
		}
		amt, err := parseAmount(res.Amount)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
		}
		return domain.PaymentCaptured{
			EventMeta:     meta,
			TransactionID: res.ID,
			Reference:     captureReference(&res),
			Amount:        amt,
		}, nil

	case eventCaptureDenied:
		var res capture
		if err := unmarshalResource(event, &res); err != nil {
			return nil, err
		}
		return domain.PaymentFailed{
			EventMeta: meta,
			Reference: captureReference(&res),
			Reason:    "capture denied",
		}, nil

	case eventPaymentTokenCreated:
		var res paymentTokenResource
		if err := unmarshalResource(event, &res); err != nil {
			return nil, err
		}
		name := res.PaymentSource.PayPal.Name
		return domain.CredentialStored{
			EventMeta:          meta,
			ExternalCustomerID: res.Customer.ID,
			ExternalVaultID:    res.ID,
			Email:              res.PaymentSource.PayPal.EmailAddress,
			Name:               joinName(name.GivenName, name.Surname),
		}, nil

	case eventPaymentTokenDeleted:
		var res paymentTokenResource
		if err := unmarshalResource(event, &res); err != nil {
			return nil, err
		}
		return domain.CredentialRevoked{EventMeta: meta, ExternalVaultID: res.ID}, nil
	}

	d.log.Infow("Unhandled PayPal event type", "eventID", event.ID, "eventType", event.EventType)
	return domain.IgnoredEvent{EventMeta: meta}, nil
}

func unmarshalResource(event webhookEvent, v any) error {
	if err := json.Unmarshal(event.Resource, v); err != nil {
		return fmt.Errorf("%w: paypal event %s: %v", domain.ErrInvalidInput, event.ID, err)
	}
	return nil
}

func captureReference(c *capture) string {
	if c.CustomID != "" {
		return c.CustomID
	}
	return c.InvoiceID
}

func joinName(given, surname string) string {
	switch {
	case given == "":
		return surname
	case surname == "":
		return given
	}
	return given + " " + surname
}

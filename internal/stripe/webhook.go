package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Dhoini/Billing-orchestrator/internal/domain"
	"github.com/Dhoini/Billing-orchestrator/internal/gateway"
	"github.com/Dhoini/Billing-orchestrator/pkg/logger"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"
)

// SignatureHeader заголовок с подписью Stripe
const SignatureHeader = "Stripe-Signature"

// Типы событий Stripe, которые приводятся к domain.ProviderEvent
const (
	eventInvoicePaid             = "invoice.paid"
	eventInvoicePaymentSucceeded = "invoice.payment_succeeded"
	eventInvoicePaymentFailed    = "invoice.payment_failed"
	eventPaymentIntentSucceeded  = "payment_intent.succeeded"
	eventSubscriptionCreated     = "customer.subscription.created"
	eventSubscriptionUpdated     = "customer.subscription.updated"
	eventSubscriptionDeleted     = "customer.subscription.deleted"
	eventPaymentMethodAttached   = "payment_method.attached"
	eventPaymentMethodDetached   = "payment_method.detached"
	eventCustomerDeleted         = "customer.deleted"
)

// WebhookDecoder проверяет подпись Stripe и декодирует событие.
type WebhookDecoder struct {
	secret string
	log    *logger.Logger
}

var _ gateway.EventDecoder = (*WebhookDecoder)(nil)

// NewWebhookDecoder создает декодер с секретом подписи (whsec_...)
func NewWebhookDecoder(secret string, log *logger.Logger) *WebhookDecoder {
	return &WebhookDecoder{secret: secret, log: log}
}

func (d *WebhookDecoder) Provider() domain.Provider {
	return domain.ProviderCardNetwork
}

// Decode проверяет подпись и приводит событие к одному из видов domain.ProviderEvent.
func (d *WebhookDecoder) Decode(_ context.Context, payload []byte, header http.Header) (domain.ProviderEvent, error) {
	sigHeader := header.Get(SignatureHeader)
	if sigHeader == "" {
		return nil, fmt.Errorf("%w: missing %s header", domain.ErrWebhookValidationFailed, SignatureHeader)
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, d.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		d.log.Warnw("Stripe webhook signature verification failed", "error", err)
		return nil, fmt.Errorf("%w: %v", domain.ErrWebhookValidationFailed, err)
	}

	meta := domain.EventMeta{
		Provider:   domain.ProviderCardNetwork,
		EventID:    event.ID,
		Type:       string(event.Type),
		OccurredAt: unixTime(event.Created),
	}
	if meta.OccurredAt.IsZero() {
		meta.OccurredAt = time.Now().UTC()
	}
	if event.Data == nil {
		return nil, fmt.Errorf("%w: stripe event %s has no data", domain.ErrInvalidInput, event.ID)
	}
	raw := event.Data.Raw

	d.log.Debugw("Received verified Stripe event", "eventID", event.ID, "eventType", event.Type)

	switch string(event.Type) {
	case eventInvoicePaid, eventInvoicePaymentSucceeded:
		var inv stripe.Invoice
		if err := unmarshalObject(raw, &inv, event.ID); err != nil {
			return nil, err
		}
		if inv.AmountPaid <= 0 {
			return domain.IgnoredEvent{EventMeta: meta}, nil
		}
		ev := domain.PaymentCaptured{
			EventMeta:     meta,
			TransactionID: inv.ID,
			Reference:     invoiceReference(&inv),
			Amount:        domain.NewMoney(inv.AmountPaid, string(inv.Currency)),
			Description:   inv.Description,
		}
		if inv.PaymentIntent != nil && inv.PaymentIntent.ID != "" {
			ev.TransactionID = inv.PaymentIntent.ID
		}
		if inv.Customer != nil {
			ev.ExternalCustomerID = inv.Customer.ID
		}
		if inv.Subscription != nil {
			ev.ExternalSubscriptionID = inv.Subscription.ID
		}
		return ev, nil

	case eventPaymentIntentSucceeded:
		var pi stripe.PaymentIntent
		if err := unmarshalObject(raw, &pi, event.ID); err != nil {
			return nil, err
		}
		// платеж по инвойсу придет отдельно как invoice.paid
		if pi.Invoice != nil {
			return domain.IgnoredEvent{EventMeta: meta}, nil
		}
		ev := domain.PaymentCaptured{
			EventMeta:     meta,
			TransactionID: pi.ID,
			Reference:     pi.Metadata[metadataReferenceKey],
			Amount:        domain.NewMoney(pi.AmountReceived, string(pi.Currency)),
			Description:   pi.Description,
		}
		if pi.Customer != nil {
			ev.ExternalCustomerID = pi.Customer.ID
		}
		return ev, nil

	case eventInvoicePaymentFailed:
		var inv stripe.Invoice
		if err := unmarshalObject(raw, &inv, event.ID); err != nil {
			return nil, err
		}
		ev := domain.PaymentFailed{
			EventMeta: meta,
			Reference: invoiceReference(&inv),
			Reason:    "invoice payment failed",
		}
		if inv.Customer != nil {
			ev.ExternalCustomerID = inv.Customer.ID
		}
		if inv.Subscription != nil {
			ev.ExternalSubscriptionID = inv.Subscription.ID
		}
		if inv.LastFinalizationError != nil && inv.LastFinalizationError.Code != "" {
			ev.Reason = string(inv.LastFinalizationError.Code)
		}
		return ev, nil

	case eventSubscriptionCreated, eventSubscriptionUpdated:
		var sub stripe.Subscription
		if err := unmarshalObject(raw, &sub, event.ID); err != nil {
			return nil, err
		}
		ev := domain.SubscriptionUpserted{
			EventMeta:         meta,
			ExternalID:        sub.ID,
			Reference:         sub.Metadata[metadataReferenceKey],
			Status:            mapSubscriptionStatus(sub.Status),
			PeriodStart:       unixTime(sub.CurrentPeriodStart),
			PeriodEnd:         unixTime(sub.CurrentPeriodEnd),
			CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		}
		if sub.CanceledAt > 0 {
			at := unixTime(sub.CanceledAt)
			ev.CancelledAt = &at
		}
		if sub.Customer != nil {
			ev.ExternalCustomerID = sub.Customer.ID
		}
		return ev, nil

	case eventSubscriptionDeleted:
		var sub stripe.Subscription
		if err := unmarshalObject(raw, &sub, event.ID); err != nil {
			return nil, err
		}
		return domain.SubscriptionDeleted{EventMeta: meta, ExternalID: sub.ID}, nil

	case eventPaymentMethodAttached:
		var pm stripe.PaymentMethod
		if err := unmarshalObject(raw, &pm, event.ID); err != nil {
			return nil, err
		}
		ev := domain.CredentialStored{EventMeta: meta, ExternalVaultID: pm.ID}
		if pm.Customer != nil {
			ev.ExternalCustomerID = pm.Customer.ID
		}
		if pm.BillingDetails != nil {
			ev.Email = pm.BillingDetails.Email
			ev.Name = pm.BillingDetails.Name
		}
		return ev, nil

	case eventPaymentMethodDetached:
		var pm stripe.PaymentMethod
		if err := unmarshalObject(raw, &pm, event.ID); err != nil {
			return nil, err
		}
		return domain.CredentialRevoked{EventMeta: meta, ExternalVaultID: pm.ID}, nil

	case eventCustomerDeleted:
		var cus stripe.Customer
		if err := unmarshalObject(raw, &cus, event.ID); err != nil {
			return nil, err
		}
		return domain.CredentialRevoked{EventMeta: meta, ExternalCustomerID: cus.ID}, nil
	}

	d.log.Infow("Unhandled Stripe event type", "eventID", event.ID, "eventType", event.Type)
	return domain.IgnoredEvent{EventMeta: meta}, nil
}

func unmarshalObject(raw json.RawMessage, v any, eventID string) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: stripe event %s: %v", domain.ErrInvalidInput, eventID, err)
	}
	return nil
}

// invoiceReference ссылка из метаданных подписки, скопированных в инвойс
func invoiceReference(inv *stripe.Invoice) string {
	if inv.SubscriptionDetails != nil {
		if ref := inv.SubscriptionDetails.Metadata[metadataReferenceKey]; ref != "" {
			return ref
		}
	}
	return inv.Metadata[metadataReferenceKey]
}

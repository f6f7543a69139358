package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Dhoini/Billing-orchestrator/internal/domain"
	"github.com/Dhoini/Billing-orchestrator/internal/gateway"
	"github.com/Dhoini/Billing-orchestrator/pkg/logger"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

const (
	// Ключ метаданных для связи Stripe Customer с клиентом
	metadataCustomerIDKey = "customer_id"
	// Ключ метаданных со ссылкой на намерение или продление
	metadataReferenceKey = "reference"

	// trial короче этого Stripe не принимает, списываем сразу
	minTrial = time.Minute
)

// Client адаптер карточного провайдера поверх Stripe API.
type Client struct {
	api *client.API
	log *logger.Logger
}

var _ gateway.Gateway = (*Client)(nil)

// NewStripeClient создает новый экземпляр клиента Stripe.
func NewStripeClient(apiKey string, timeout time.Duration, log *logger.Logger) *Client {
	httpClient := &http.Client{Timeout: timeout}
	return NewWithBackends(apiKey, stripe.NewBackends(httpClient), log)
}

// NewWithBackends клиент с явными бэкендами (тесты, прокси)
func NewWithBackends(apiKey string, backends *stripe.Backends, log *logger.Logger) *Client {
	sc := &client.API{}
	sc.Init(apiKey, backends)
	return &Client{api: sc, log: log}
}

func (sc *Client) Provider() domain.Provider {
	return domain.ProviderCardNetwork
}

// AttachCredential привязывает PaymentMethod к клиенту Stripe и делает его способом оплаты по умолчанию.
// Если известный клиент удален в Stripe, создается новый и результат помечается CustomerRecreated.
func (sc *Client) AttachCredential(ctx context.Context, req gateway.AttachRequest) (*gateway.AttachResult, error) {
	result := &gateway.AttachResult{ExternalCustomerID: req.ExternalCustomerID}

	if result.ExternalCustomerID == "" {
		customerID, err := sc.getOrCreateCustomer(ctx, req.Customer)
		if err != nil {
			return nil, err
		}
		result.ExternalCustomerID = customerID
	}

	pm, err := sc.attachPaymentMethod(ctx, req.Token, result.ExternalCustomerID)
	if isResourceMissing(err, "customer") && req.ExternalCustomerID != "" {
		sc.log.Warnw("Stripe customer is missing, recreating", "stripeCustomerID", req.ExternalCustomerID, "customerID", req.Customer.ID)
		customerID, cerr := sc.createCustomer(ctx, req.Customer)
		if cerr != nil {
			return nil, cerr
		}
		result.ExternalCustomerID = customerID
		result.CustomerRecreated = true
		pm, err = sc.attachPaymentMethod(ctx, req.Token, customerID)
	}
	if err != nil {
		logStripeError(sc.log, "AttachPaymentMethod", err)
		return nil, classifyError(err)
	}
	result.ExternalVaultID = pm.ID

	params := &stripe.CustomerParams{
		InvoiceSettings: &stripe.CustomerInvoiceSettingsParams{
			DefaultPaymentMethod: stripe.String(pm.ID),
		},
	}
	params.Context = ctx
	if _, err := sc.api.Customers.Update(result.ExternalCustomerID, params); err != nil {
		logStripeError(sc.log, "UpdateCustomerDefaultPaymentMethod", err)
		return nil, classifyError(err)
	}

	sc.log.Infow("Stripe payment method attached", "stripeCustomerID", result.ExternalCustomerID, "paymentMethodID", pm.ID)
	return result, nil
}

// ChargeOffSession подтверждает PaymentIntent без участия клиента.
func (sc *Client) ChargeOffSession(ctx context.Context, req gateway.ChargeRequest) (*gateway.ChargeResult, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.Amount.Amount),
		Currency:      stripe.String(strings.ToLower(req.Amount.Currency)),
		Customer:      stripe.String(req.Vault.ExternalCustomerID),
		PaymentMethod: stripe.String(req.Vault.ExternalVaultID),
		OffSession:    stripe.Bool(true),
		Confirm:       stripe.Bool(true),
		Description:   stripe.String(req.Description),
		Metadata:      map[string]string{metadataReferenceKey: req.Reference},
	}
	params.Context = ctx
	params.IdempotencyKey = stripe.String(gateway.IdempotencyKey(req.Reference, req.Attempt))

	pi, err := sc.api.PaymentIntents.New(params)
	if err != nil {
		logStripeError(sc.log, "ChargeOffSession", err)
		return nil, classifyError(err)
	}
	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		sc.log.Warnw("Off-session payment intent not succeeded", "paymentIntentID", pi.ID, "status", string(pi.Status))
		return nil, domain.NewTerminalError(domain.ProviderCardNetwork, string(pi.Status),
			"payment requires customer action", nil)
	}

	return &gateway.ChargeResult{
		TransactionID: pi.ID,
		Amount:        domain.NewMoney(pi.AmountReceived, string(pi.Currency)),
		CapturedAt:    time.Unix(pi.Created, 0).UTC(),
	}, nil
}

// CreateRecurring создает продукт, цену и подписку. Подписка создается с error_if_incomplete:
// отказ карты возвращается сразу, а не висит в incomplete.
func (sc *Client) CreateRecurring(ctx context.Context, req gateway.RecurringRequest) (*gateway.RecurringResult, error) {
	key := gateway.IdempotencyKey(req.Reference, req.Attempt)
	metadata := map[string]string{metadataReferenceKey: req.Reference}
	for k, v := range req.Metadata {
		metadata[k] = v
	}

	productParams := &stripe.ProductParams{
		Name:     stripe.String(req.ServiceName),
		Metadata: metadata,
	}
	productParams.Context = ctx
	productParams.IdempotencyKey = stripe.String(key + ":product")
	product, err := sc.api.Products.New(productParams)
	if err != nil {
		logStripeError(sc.log, "CreateProduct", err)
		return nil, classifyError(err)
	}

	priceParams := &stripe.PriceParams{
		Product:    stripe.String(product.ID),
		Currency:   stripe.String(strings.ToLower(req.Amount.Currency)),
		UnitAmount: stripe.Int64(req.Amount.Amount),
		Recurring: &stripe.PriceRecurringParams{
			Interval: stripe.String(stripeInterval(req.Interval)),
		},
	}
	priceParams.Context = ctx
	priceParams.IdempotencyKey = stripe.String(key + ":price")
	price, err := sc.api.Prices.New(priceParams)
	if err != nil {
		logStripeError(sc.log, "CreatePrice", err)
		return nil, classifyError(err)
	}

	params := &stripe.SubscriptionParams{
		Customer: stripe.String(req.Vault.ExternalCustomerID),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(price.ID)},
		},
		DefaultPaymentMethod: stripe.String(req.Vault.ExternalVaultID),
		PaymentBehavior:      stripe.String("error_if_incomplete"),
		OffSession:           stripe.Bool(true),
		Metadata:             metadata,
	}
	if time.Until(req.TrialEnd) > minTrial {
		params.TrialEnd = stripe.Int64(req.TrialEnd.Unix())
	}
	params.Context = ctx
	params.IdempotencyKey = stripe.String(key)
	params.AddExpand("latest_invoice.payment_intent")

	subscription, err := sc.api.Subscriptions.New(params)
	if err != nil {
		logStripeError(sc.log, "CreateSubscription", err)
		return nil, classifyError(err)
	}

	sc.log.Infow("Stripe subscription created", "stripeSubscriptionID", subscription.ID,
		"status", string(subscription.Status), "reference", req.Reference)
	return recurringResult(subscription), nil
}

// CancelRecurring отменяет подписку в Stripe. Уже удаленная подписка считается отмененной.
func (sc *Client) CancelRecurring(ctx context.Context, externalID string, atPeriodEnd bool) error {
	var err error
	if atPeriodEnd {
		params := &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(true)}
		params.Context = ctx
		_, err = sc.api.Subscriptions.Update(externalID, params)
	} else {
		params := &stripe.SubscriptionCancelParams{}
		params.Context = ctx
		_, err = sc.api.Subscriptions.Cancel(externalID, params)
	}

	if err != nil {
		if isResourceMissing(err, "") {
			sc.log.Warnw("Attempted to cancel already canceled/missing Stripe subscription", "stripeSubscriptionID", externalID)
			return nil
		}
		logStripeError(sc.log, "CancelSubscription", err)
		return classifyError(err)
	}

	sc.log.Infow("Stripe subscription cancellation requested", "stripeSubscriptionID", externalID, "atPeriodEnd", atPeriodEnd)
	return nil
}

// ResumeRecurring снимает cancel_at_period_end
func (sc *Client) ResumeRecurring(ctx context.Context, externalID string) error {
	params := &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(false)}
	params.Context = ctx
	if _, err := sc.api.Subscriptions.Update(externalID, params); err != nil {
		logStripeError(sc.log, "ResumeSubscription", err)
		return classifyError(err)
	}
	sc.log.Infow("Stripe subscription resumed", "stripeSubscriptionID", externalID)
	return nil
}

// LookupRecurring ищет подписку по метаданным reference через Search API.
func (sc *Client) LookupRecurring(ctx context.Context, reference string) (*gateway.RecurringResult, error) {
	searchParams := &stripe.SubscriptionSearchParams{
		SearchParams: stripe.SearchParams{
			Query:   fmt.Sprintf("metadata['%s']:'%s'", metadataReferenceKey, reference),
			Limit:   stripe.Int64(1),
			Context: ctx,
		},
	}
	searchParams.AddExpand("data.latest_invoice.payment_intent")

	iter := sc.api.Subscriptions.Search(searchParams)
	if iter.Next() {
		return recurringResult(iter.Subscription()), nil
	}
	if err := iter.Err(); err != nil {
		logStripeError(sc.log, "SearchSubscriptions", err)
		return nil, classifyError(err)
	}
	return nil, nil
}

func (sc *Client) getOrCreateCustomer(ctx context.Context, customer gateway.Customer) (string, error) {
	sc.log.Debugw("Searching for Stripe customer using Search API", "customerID", customer.ID)

	searchParams := &stripe.CustomerSearchParams{
		SearchParams: stripe.SearchParams{
			Query:   fmt.Sprintf("metadata['%s']:'%s'", metadataCustomerIDKey, customer.ID),
			Limit:   stripe.Int64(1),
			Context: ctx,
		},
	}
	customers := sc.api.Customers.Search(searchParams)
	if customers.Next() {
		found := customers.Customer()
		sc.log.Infow("Found existing Stripe customer via Search", "stripeCustomerID", found.ID, "customerID", customer.ID)
		return found.ID, nil
	}
	if err := customers.Err(); err != nil {
		logStripeError(sc.log, "SearchCustomers", err)
		var stripeErr *stripe.Error
		if !errors.As(err, &stripeErr) || stripeErr.Type == errorTypeInvalidRequest {
			return "", classifyError(err)
		}
		sc.log.Warnw("Non-fatal error during customer search, proceeding to create", "error", err)
	}

	return sc.createCustomer(ctx, customer)
}

func (sc *Client) createCustomer(ctx context.Context, customer gateway.Customer) (string, error) {
	params := &stripe.CustomerParams{
		Email:    stripe.String(customer.Email),
		Name:     stripe.String(customer.Name),
		Metadata: map[string]string{metadataCustomerIDKey: customer.ID},
	}
	params.Context = ctx

	cus, err := sc.api.Customers.New(params)
	if err != nil {
		logStripeError(sc.log, "CreateCustomer", err)
		return "", classifyError(err)
	}

	sc.log.Infow("Stripe customer created", "stripeCustomerID", cus.ID, "customerID", customer.ID)
	return cus.ID, nil
}

func (sc *Client) attachPaymentMethod(ctx context.Context, token, customerID string) (*stripe.PaymentMethod, error) {
	params := &stripe.PaymentMethodAttachParams{Customer: stripe.String(customerID)}
	params.Context = ctx
	return sc.api.PaymentMethods.Attach(token, params)
}

func recurringResult(sub *stripe.Subscription) *gateway.RecurringResult {
	result := &gateway.RecurringResult{
		ExternalID:  sub.ID,
		Status:      mapSubscriptionStatus(sub.Status),
		PeriodStart: unixTime(sub.CurrentPeriodStart),
		PeriodEnd:   unixTime(sub.CurrentPeriodEnd),
	}

	if inv := sub.LatestInvoice; inv != nil && inv.PaymentIntent != nil &&
		inv.PaymentIntent.Status == stripe.PaymentIntentStatusSucceeded && inv.AmountPaid > 0 {
		result.Charge = &gateway.ChargeResult{
			TransactionID: inv.PaymentIntent.ID,
			Amount:        domain.NewMoney(inv.AmountPaid, string(inv.Currency)),
			CapturedAt:    unixTime(inv.PaymentIntent.Created),
		}
	}
	return result
}

// mapSubscriptionStatus статус Stripe в локальный
func mapSubscriptionStatus(status stripe.SubscriptionStatus) domain.SubscriptionStatus {
	switch status {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		return domain.SubscriptionStatusActive
	case stripe.SubscriptionStatusPaused:
		return domain.SubscriptionStatusPaused
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusIncompleteExpired:
		return domain.SubscriptionStatusCancelled
	default:
		// past_due, unpaid, incomplete
		return domain.SubscriptionStatusSuspended
	}
}

func stripeInterval(interval domain.Interval) string {
	if interval == domain.IntervalYearly {
		return string(stripe.PriceRecurringIntervalYear)
	}
	return string(stripe.PriceRecurringIntervalMonth)
}

func unixTime(ts int64) time.Time {
	if ts <= 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0).UTC()
}

// logStripeError - вспомогательная функция для логирования деталей ошибки Stripe.
func logStripeError(log *logger.Logger, operation string, err error) {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		log.Errorw("Stripe API error",
			"operation", operation,
			"type", string(stripeErr.Type),
			"code", string(stripeErr.Code),
			"decline_code", string(stripeErr.DeclineCode),
			"param", stripeErr.Param,
			"message", stripeErr.Msg,
			"request_id", stripeErr.RequestID,
			"status_code", stripeErr.HTTPStatusCode,
		)
	} else {
		log.Errorw("Non-Stripe error during Stripe operation",
			"operation", operation,
			"error", err,
		)
	}
}

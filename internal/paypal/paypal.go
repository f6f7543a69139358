// Package paypal адаптер кошелька поверх PayPal REST API (Orders v2, Vault v3).
package paypal

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Dhoini/Billing-orchestrator/internal/domain"
	"github.com/Dhoini/Billing-orchestrator/internal/gateway"
	"github.com/Dhoini/Billing-orchestrator/pkg/logger"

	"github.com/plutov/paypal/v4"
	"github.com/shopspring/decimal"
)

const (
	requestIDHeader = "PayPal-Request-Id"

	ordersPath        = "/v2/checkout/orders"
	paymentTokensPath = "/v3/vault/payment-tokens"

	orderStatusCompleted   = "COMPLETED"
	captureStatusCompleted = "COMPLETED"
)

// Client адаптер кошелька. У PayPal нет серверного расписания списаний для vault:
// каждое списание периода это отдельный заказ с немедленным capture.
type Client struct {
	api     *paypal.Client
	log     *logger.Logger
	tokenMu sync.Mutex
}

var _ gateway.Gateway = (*Client)(nil)

// NewPayPalClient создает клиента PayPal. apiBase пустой выбирает sandbox или live.
func NewPayPalClient(clientID, secret, apiBase string, sandbox bool, timeout time.Duration, log *logger.Logger) (*Client, error) {
	if apiBase == "" {
		apiBase = paypal.APIBaseLive
		if sandbox {
			apiBase = paypal.APIBaseSandBox
		}
	}

	api, err := paypal.NewClient(clientID, secret, apiBase)
	if err != nil {
		return nil, fmt.Errorf("create paypal client: %w", err)
	}
	api.SetHTTPClient(&http.Client{Timeout: timeout})

	return &Client{api: api, log: log}, nil
}

// API нижележащий клиент (проверка подписи вебхуков)
func (c *Client) API() *paypal.Client {
	return c.api
}

func (c *Client) Provider() domain.Provider {
	return domain.ProviderWallet
}

type amount struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type purchaseUnit struct {
	ReferenceID string  `json:"reference_id,omitempty"`
	CustomID    string  `json:"custom_id,omitempty"`
	InvoiceID   string  `json:"invoice_id,omitempty"`
	Description string  `json:"description,omitempty"`
	Amount      *amount `json:"amount,omitempty"`
	Payments    *struct {
		Captures []capture `json:"captures"`
	} `json:"payments,omitempty"`
}

type capture struct {
	ID         string    `json:"id"`
	Status     string    `json:"status"`
	Amount     amount    `json:"amount"`
	CustomID   string    `json:"custom_id,omitempty"`
	InvoiceID  string    `json:"invoice_id,omitempty"`
	CreateTime time.Time `json:"create_time"`
}

type storedCredential struct {
	PaymentInitiator string `json:"payment_initiator"`
	Usage            string `json:"usage"`
	UsagePattern     string `json:"usage_pattern,omitempty"`
}

type orderRequest struct {
	Intent        string         `json:"intent"`
	PurchaseUnits []purchaseUnit `json:"purchase_units"`
	PaymentSource struct {
		PayPal struct {
			VaultID          string           `json:"vault_id"`
			StoredCredential storedCredential `json:"stored_credential"`
		} `json:"paypal"`
	} `json:"payment_source"`
}

type orderResponse struct {
	ID            string         `json:"id"`
	Status        string         `json:"status"`
	PurchaseUnits []purchaseUnit `json:"purchase_units"`
}

type paymentTokenRequest struct {
	PaymentSource struct {
		Token struct {
			ID   string `json:"id"`
			Type string `json:"type"`
		} `json:"token"`
	} `json:"payment_source"`
}

type paymentTokenResponse struct {
	ID       string `json:"id"`
	Customer struct {
		ID string `json:"id"`
	} `json:"customer"`
}

// AttachCredential превращает setup token, одобренный покупателем, в постоянный payment token.
func (c *Client) AttachCredential(ctx context.Context, req gateway.AttachRequest) (*gateway.AttachResult, error) {
	body := paymentTokenRequest{}
	body.PaymentSource.Token.ID = req.Token
	body.PaymentSource.Token.Type = "SETUP_TOKEN"

	var resp paymentTokenResponse
	if err := c.send(ctx, http.MethodPost, paymentTokensPath, body, "vault_"+req.Token, &resp); err != nil {
		c.log.Errorw("PayPal vault token creation failed", "customerID", req.Customer.ID, "error", err)
		return nil, classifyError(err)
	}

	c.log.Infow("PayPal payment token created", "customerID", req.Customer.ID, "vaultID", resp.ID)
	return &gateway.AttachResult{
		ExternalCustomerID: resp.Customer.ID,
		ExternalVaultID:    resp.ID,
		CustomerRecreated:  req.ExternalCustomerID != "" && resp.Customer.ID != req.ExternalCustomerID,
	}, nil
}

// ChargeOffSession создает заказ на vault_id с немедленным capture.
// PayPal-Request-Id равен ссылке: повтор с той же ссылкой возвращает исходный заказ.
func (c *Client) ChargeOffSession(ctx context.Context, req gateway.ChargeRequest) (*gateway.ChargeResult, error) {
	value, err := formatAmount(req.Amount)
	if err != nil {
		return nil, domain.NewTerminalError(domain.ProviderWallet, "invalid_amount", "charge amount is invalid", err)
	}

	body := orderRequest{
		Intent: "CAPTURE",
		PurchaseUnits: []purchaseUnit{{
			ReferenceID: req.Reference,
			CustomID:    req.Reference,
			InvoiceID:   req.Reference,
			Description: req.Description,
			Amount:      &amount{CurrencyCode: strings.ToUpper(req.Amount.Currency), Value: value},
		}},
	}
	body.PaymentSource.PayPal.VaultID = req.Vault.ExternalVaultID
	body.PaymentSource.PayPal.StoredCredential = storedCredential{
		PaymentInitiator: "MERCHANT",
		Usage:            "SUBSEQUENT",
		UsagePattern:     "SUBSCRIPTION_PREPAID",
	}

	var resp orderResponse
	if err := c.send(ctx, http.MethodPost, ordersPath, body, req.Reference, &resp); err != nil {
		c.log.Errorw("PayPal vault order failed", "reference", req.Reference, "error", err)
		return nil, classifyError(err)
	}

	cp, ok := completedCapture(&resp)
	if resp.Status != orderStatusCompleted || !ok {
		c.log.Warnw("PayPal vault order not captured", "orderID", resp.ID, "status", resp.Status, "reference", req.Reference)
		return nil, domain.NewTerminalError(domain.ProviderWallet, strings.ToLower(resp.Status),
			"wallet payment was not completed", nil)
	}

	captured, err := parseAmount(cp.Amount)
	if err != nil {
		return nil, domain.NewTransientError(domain.ProviderWallet, "invalid_response", "payment provider returned an invalid amount", err)
	}
	capturedAt := cp.CreateTime.UTC()
	if capturedAt.IsZero() {
		capturedAt = time.Now().UTC()
	}

	c.log.Infow("PayPal vault order captured", "orderID", resp.ID, "captureID", cp.ID, "reference", req.Reference)
	return &gateway.ChargeResult{TransactionID: cp.ID, Amount: captured, CapturedAt: capturedAt}, nil
}

// CreateRecurring для кошелька это первое списание; период считается локально.
func (c *Client) CreateRecurring(ctx context.Context, req gateway.RecurringRequest) (*gateway.RecurringResult, error) {
	charge, err := c.ChargeOffSession(ctx, gateway.ChargeRequest{
		Vault:       req.Vault,
		Amount:      req.Amount,
		Description: req.ServiceName,
		Reference:   req.Reference,
		Attempt:     req.Attempt,
	})
	if err != nil {
		return nil, err
	}

	start := charge.CapturedAt
	return &gateway.RecurringResult{
		ExternalID:  req.Reference,
		Status:      domain.SubscriptionStatusActive,
		PeriodStart: start,
		PeriodEnd:   req.Interval.Next(start),
		Charge:      charge,
	}, nil
}

// CancelRecurring расписание кошелька хранится локально, у PayPal отменять нечего
func (c *Client) CancelRecurring(_ context.Context, externalID string, atPeriodEnd bool) error {
	c.log.Debugw("PayPal cancellation is local only", "externalID", externalID, "atPeriodEnd", atPeriodEnd)
	return nil
}

func (c *Client) ResumeRecurring(_ context.Context, externalID string) error {
	c.log.Debugw("PayPal resume is local only", "externalID", externalID)
	return nil
}

// LookupRecurring не поддерживается: повтор заказа с тем же PayPal-Request-Id идемпотентен
func (c *Client) LookupRecurring(context.Context, string) (*gateway.RecurringResult, error) {
	return nil, gateway.ErrLookupUnsupported
}

func (c *Client) send(ctx context.Context, method, path string, payload any, requestID string, out any) error {
	req, err := c.api.NewRequest(ctx, method, c.api.APIBase+path, payload)
	if err != nil {
		return fmt.Errorf("build paypal request: %w", err)
	}
	if requestID != "" {
		req.Header.Set(requestIDHeader, requestID)
	}
	req.Header.Set("Prefer", "return=representation")

	if err := c.ensureToken(ctx); err != nil {
		return err
	}
	return c.api.SendWithAuth(req, out)
}

// ensureToken первый токен берем явно, дальше SendWithAuth обновляет его сам
func (c *Client) ensureToken(ctx context.Context) error {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if c.api.Token != nil {
		return nil
	}
	if _, err := c.api.GetAccessToken(ctx); err != nil {
		return fmt.Errorf("paypal access token: %w", err)
	}
	return nil
}

func completedCapture(order *orderResponse) (capture, bool) {
	for _, pu := range order.PurchaseUnits {
		if pu.Payments == nil {
			continue
		}
		for _, cp := range pu.Payments.Captures {
			if cp.Status == captureStatusCompleted {
				return cp, true
			}
		}
	}
	return capture{}, false
}

// paypalWholeUnits PayPal не принимает дробную часть для этих валют
var paypalWholeUnits = map[string]bool{"huf": true, "jpy": true, "twd": true}

// formatAmount минимальные единицы в строку PayPal: "12.34", для JPY "1234"
func formatAmount(m domain.Money) (string, error) {
	if !m.IsPositive() {
		return "", fmt.Errorf("%w: amount must be positive", domain.ErrInvalidInput)
	}
	exp := m.Exponent()
	if exp > 2 {
		return "", fmt.Errorf("%w: currency %s is not supported by paypal", domain.ErrInvalidInput, m.Currency)
	}
	value := m.Major()
	if paypalWholeUnits[m.Currency] {
		if !value.IsInteger() {
			return "", fmt.Errorf("%w: %s amount must be whole units", domain.ErrInvalidInput, m.Currency)
		}
		return value.StringFixed(0), nil
	}
	return value.StringFixed(exp), nil
}

// parseAmount строка PayPal в минимальные единицы валюты
func parseAmount(a amount) (domain.Money, error) {
	d, err := decimal.NewFromString(a.Value)
	if err != nil {
		return domain.Money{}, fmt.Errorf("parse paypal amount %q: %w", a.Value, err)
	}
	exp := domain.CurrencyExponent(a.CurrencyCode)
	return domain.NewMoney(d.Shift(exp).Round(0).IntPart(), a.CurrencyCode), nil
}

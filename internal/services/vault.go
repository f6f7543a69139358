package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Dhoini/Billing-orchestrator/internal/domain"
	"github.com/Dhoini/Billing-orchestrator/internal/gateway"
	"github.com/Dhoini/Billing-orchestrator/internal/metrics"
	"github.com/Dhoini/Billing-orchestrator/internal/repository"
	"github.com/Dhoini/Billing-orchestrator/pkg/logger"

	"github.com/google/uuid"
)

// StoreCredentialInput запрос на сохранение способа оплаты
type StoreCredentialInput struct {
	CustomerID uuid.UUID
	Provider   domain.Provider
	Email      string
	Name       string
	Token      string
}

// VaultService сохраненные у провайдеров способы оплаты
type VaultService struct {
	repo     repository.VaultRepository
	orders   repository.OrderRepository
	subs     repository.SubscriptionRepository
	gateways *gateway.Registry
	metrics  metrics.BillingMetrics
	timeout  time.Duration
	log      *logger.Logger
	now      func() time.Time
}

// NewVaultService создает сервис способов оплаты
func NewVaultService(repo repository.VaultRepository, orders repository.OrderRepository, subs repository.SubscriptionRepository,
	gateways *gateway.Registry, m metrics.BillingMetrics, settings Settings, log *logger.Logger) *VaultService {
	return &VaultService{
		repo:     repo,
		orders:   orders,
		subs:     subs,
		gateways: gateways,
		metrics:  m,
		timeout:  settings.withDefaults().ProviderTimeout,
		log:      log,
		now:      utcNow,
	}
}

// StoreCredential сохраняет способ оплаты у провайдера и заменяет активную запись.
// Отказ провайдера делает прежнюю запись недействительной.
func (s *VaultService) StoreCredential(ctx context.Context, in StoreCredentialInput) (*domain.VaultCredential, error) {
	var verr domain.ValidationErrors
	if in.CustomerID == uuid.Nil {
		verr.Add("customer_id", "is required")
	}
	if !in.Provider.Valid() {
		verr.Add("provider", "must be CARD_NETWORK or WALLET")
	}
	if in.Token == "" {
		verr.Add("token", "is required")
	}
	if in.Email == "" {
		verr.Add("email", "is required")
	}
	if err := verr.OrNil(); err != nil {
		return nil, err
	}

	gw, err := s.gateways.Get(in.Provider)
	if err != nil {
		return nil, err
	}

	req := gateway.AttachRequest{
		Customer: gateway.Customer{ID: in.CustomerID.String(), Email: in.Email, Name: in.Name},
		Token:    in.Token,
	}
	existing, err := s.repo.GetActive(ctx, in.CustomerID, in.Provider)
	switch {
	case err == nil:
		req.ExternalCustomerID = existing.ExternalCustomerID
	case !errors.Is(err, domain.ErrNotFound):
		return nil, fmt.Errorf("load active credential: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	started := time.Now()
	res, err := gw.AttachCredential(callCtx, req)
	cancel()
	s.metrics.ObserveProviderCall(in.Provider, "attach_credential", err, time.Since(started))
	if err != nil {
		if isTerminal(err) {
			n, derr := s.repo.DeactivateForCustomer(ctx, in.CustomerID, in.Provider, s.now())
			if derr != nil {
				s.log.Errorw("Failed to deactivate credentials after attach failure", "customerID", in.CustomerID, "error", derr)
			} else if n > 0 {
				s.log.Warnw("Credentials deactivated after attach failure", "customerID", in.CustomerID, "provider", in.Provider, "count", n)
			}
		}
		return nil, err
	}
	if res.CustomerRecreated {
		s.log.Warnw("Provider customer was recreated, previous credentials are invalid",
			"customerID", in.CustomerID, "provider", in.Provider, "externalCustomerID", res.ExternalCustomerID)
	}

	cred := &domain.VaultCredential{
		ID:                 uuid.New(),
		CustomerID:         in.CustomerID,
		Provider:           in.Provider,
		ExternalCustomerID: res.ExternalCustomerID,
		ExternalVaultID:    res.ExternalVaultID,
		CustomerEmail:      in.Email,
		CustomerName:       in.Name,
		Active:             true,
		CreatedAt:          s.now(),
	}
	if err := s.repo.Replace(ctx, cred); err != nil {
		return nil, fmt.Errorf("store credential: %w", err)
	}

	s.log.Infow("Vault credential stored",
		"customerID", in.CustomerID, "provider", in.Provider, "credentialID", cred.ID)
	s.resumeSuspended(ctx, cred)
	return cred, nil
}

// HandleStored провайдер сообщил о сохраненном способе оплаты
func (s *VaultService) HandleStored(ctx context.Context, ev domain.CredentialStored) error {
	provider := ev.Meta().Provider

	owner, err := s.resolveOwner(ctx, provider, ev.ExternalCustomerID, ev.Reference)
	if err != nil {
		return err
	}
	if owner == uuid.Nil {
		s.log.Warnw("Stored credential has no known owner, ignoring",
			"provider", provider, "externalCustomerID", ev.ExternalCustomerID, "eventID", ev.EventID)
		return nil
	}

	email, name := ev.Email, ev.Name
	existing, err := s.repo.GetActive(ctx, owner, provider)
	switch {
	case err == nil:
		if existing.ExternalVaultID == ev.ExternalVaultID {
			return nil
		}
		if email == "" {
			email, name = existing.CustomerEmail, existing.CustomerName
		}
	case !errors.Is(err, domain.ErrNotFound):
		return err
	}

	cred := &domain.VaultCredential{
		ID:                 uuid.New(),
		CustomerID:         owner,
		Provider:           provider,
		ExternalCustomerID: ev.ExternalCustomerID,
		ExternalVaultID:    ev.ExternalVaultID,
		CustomerEmail:      email,
		CustomerName:       name,
		Active:             true,
		CreatedAt:          s.now(),
	}
	if err := s.repo.Replace(ctx, cred); err != nil {
		return fmt.Errorf("store credential from event: %w", err)
	}
	s.log.Infow("Vault credential stored from provider event", "customerID", owner, "provider", provider)
	s.resumeSuspended(ctx, cred)
	return nil
}

// resumeSuspended новый способ оплаты кошелька снимает приостановку; продление
// спишет период при следующем запуске. Карточные подписки восстанавливает провайдер.
func (s *VaultService) resumeSuspended(ctx context.Context, cred *domain.VaultCredential) {
	if s.subs == nil || cred.Provider != domain.ProviderWallet {
		return
	}
	ids, err := s.subs.ResumeSuspended(ctx, cred.CustomerID, cred.Provider, s.now())
	if err != nil {
		s.log.Errorw("Failed to resume suspended subscriptions", "customerID", cred.CustomerID, "error", err)
		return
	}
	if len(ids) > 0 {
		s.log.Infow("Suspended subscriptions resumed after credential update",
			"customerID", cred.CustomerID, "provider", cred.Provider, "subscriptionIDs", ids)
	}
}

// HandleRevoked пустой ExternalVaultID означает удаление клиента у провайдера
func (s *VaultService) HandleRevoked(ctx context.Context, ev domain.CredentialRevoked) error {
	provider := ev.Meta().Provider
	at := s.now()

	var (
		n   int64
		err error
	)
	switch {
	case ev.ExternalVaultID != "":
		n, err = s.repo.DeactivateByVaultID(ctx, provider, ev.ExternalVaultID, at)
	case ev.ExternalCustomerID != "":
		n, err = s.repo.DeactivateByExternalCustomer(ctx, provider, ev.ExternalCustomerID, at)
	default:
		return nil
	}
	if err != nil {
		return fmt.Errorf("deactivate credentials: %w", err)
	}
	if n > 0 {
		s.log.Infow("Vault credentials revoked by provider",
			"provider", provider, "externalCustomerID", ev.ExternalCustomerID, "externalVaultID", ev.ExternalVaultID, "count", n)
	}
	return nil
}

func (s *VaultService) resolveOwner(ctx context.Context, provider domain.Provider, externalCustomerID, reference string) (uuid.UUID, error) {
	if externalCustomerID != "" {
		owner, err := s.repo.FindOwner(ctx, provider, externalCustomerID)
		if err == nil {
			return owner, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return uuid.Nil, err
		}
	}

	ref, ok := domain.ParseReference(reference)
	if !ok || ref.Kind != domain.ReferenceOrder {
		return uuid.Nil, nil
	}
	order, err := s.orders.GetByID(ctx, ref.ID)
	if errors.Is(err, domain.ErrNotFound) {
		return uuid.Nil, nil
	}
	if err != nil {
		return uuid.Nil, err
	}
	return order.CustomerID, nil
}

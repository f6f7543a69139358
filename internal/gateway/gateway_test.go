package gateway

import (
	"context"
	"testing"

	"github.com/Dhoini/Billing-orchestrator/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubGateway struct {
	Gateway
	provider domain.Provider
}

func (s stubGateway) Provider() domain.Provider { return s.provider }

func (s stubGateway) CancelRecurring(context.Context, string, bool) error { return nil }

func TestRegistry(t *testing.T) {
	wallet := stubGateway{provider: domain.ProviderWallet}
	reg := NewRegistry(wallet, nil)

	g, err := reg.Get(domain.ProviderWallet)
	require.NoError(t, err)
	assert.Equal(t, domain.ProviderWallet, g.Provider())

	_, err = reg.Get(domain.ProviderCardNetwork)
	assert.ErrorIs(t, err, domain.ErrProviderNotConfigured)

	assert.Equal(t, []domain.Provider{domain.ProviderWallet}, reg.Providers())
}

func TestIdempotencyKey(t *testing.T) {
	assert.Equal(t, "intent_1", IdempotencyKey("intent_1", 0))
	assert.Equal(t, "intent_1", IdempotencyKey("intent_1", 1))
	assert.Equal(t, "intent_1-3", IdempotencyKey("intent_1", 3))
}

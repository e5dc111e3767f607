package adapters

import (
	"testing"

	"github.com/smallbiznis/genledger/internal/clock"
	"github.com/smallbiznis/genledger/internal/config"
	"github.com/smallbiznis/genledger/internal/provider/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistryBuildsConfiguredAdapter(t *testing.T) {
	cfg := config.Config{Provider: config.ProviderConfig{
		Name:          "Predictions",
		BaseURL:       "https://api.example",
		WebhookSecret: "s",
	}}
	registry, err := NewRegistry(cfg, clock.SystemClock{}, DefaultFactories()...)
	require.NoError(t, err)

	p, err := registry.Default()
	require.NoError(t, err)
	assert.Equal(t, "predictions", p.Name())

	_, err = registry.Get("other")
	assert.ErrorIs(t, err, domain.ErrProviderNotFound)
}

func TestNewRegistryUnknownProvider(t *testing.T) {
	_, err := NewRegistry(config.Config{Provider: config.ProviderConfig{Name: "nope"}}, clock.SystemClock{}, DefaultFactories()...)
	assert.ErrorIs(t, err, domain.ErrProviderNotFound)

	var nilRegistry *Registry
	_, err = nilRegistry.Default()
	assert.ErrorIs(t, err, domain.ErrProviderNotFound)
}

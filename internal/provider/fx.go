package provider

import (
	"github.com/smallbiznis/genledger/internal/clock"
	"github.com/smallbiznis/genledger/internal/config"
	"github.com/smallbiznis/genledger/internal/provider/adapters"
	"go.uber.org/fx"
)

var Module = fx.Module("provider",
	fx.Provide(func(cfg config.Config, clk clock.Clock) (*adapters.Registry, error) {
		return adapters.NewRegistry(cfg, clk, adapters.DefaultFactories()...)
	}),
)

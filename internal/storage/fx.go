package storage

import (
	"github.com/smallbiznis/genledger/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("storage",
	fx.Provide(func(cfg config.Config) (Store, error) {
		return NewFileStore(cfg.Storage.BasePath, cfg.Storage.PublicURL)
	}),
)

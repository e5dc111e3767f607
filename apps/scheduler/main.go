package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/genledger/internal/billing"
	"github.com/smallbiznis/genledger/internal/clock"
	"github.com/smallbiznis/genledger/internal/config"
	"github.com/smallbiznis/genledger/internal/job"
	"github.com/smallbiznis/genledger/internal/ledger"
	"github.com/smallbiznis/genledger/internal/materializer"
	"github.com/smallbiznis/genledger/internal/migration"
	"github.com/smallbiznis/genledger/internal/observability"
	"github.com/smallbiznis/genledger/internal/provider"
	"github.com/smallbiznis/genledger/internal/ratelimit"
	"github.com/smallbiznis/genledger/internal/scheduler"
	"github.com/smallbiznis/genledger/internal/settings"
	"github.com/smallbiznis/genledger/internal/storage"
	"github.com/smallbiznis/genledger/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		ratelimit.Module,

		// Domain services required by the sweep
		ledger.Module,
		settings.Module,
		storage.Module,
		provider.Module,
		materializer.Module,
		billing.Module,
		job.Module,

		// No server module!
		scheduler.Module,
		fx.Decorate(func(cfg config.Config) config.Config {
			cfg.Sweep.Enabled = true
			return cfg
		}),
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) *snowflake.Node {
	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		panic(err)
	}
	return node
}

package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/genledger/internal/billing"
	jobdomain "github.com/smallbiznis/genledger/internal/job/domain"
	"github.com/smallbiznis/genledger/internal/materializer"
	"github.com/smallbiznis/genledger/internal/settings"
	"go.uber.org/fx"
)

// SettingsSource returns the current platform settings.
type SettingsSource interface {
	Get(ctx context.Context) (settings.Settings, error)
}

type Materializer interface {
	Materialize(ctx context.Context, job *jobdomain.Job) ([]string, error)
}

type Reconciler interface {
	Reconcile(ctx context.Context, jobID snowflake.ID, via jobdomain.Trigger) (billing.Result, error)
}

// Throttle limits how often a key may do expensive work.
type Throttle interface {
	Allow(ctx context.Context, key string) bool
}

var Module = fx.Module("job.service",
	fx.Provide(
		NewSubmitter,
		NewResolver,
		NewCompletion,
		NewQuery,
		func(s *settings.Service) SettingsSource { return s },
		func(m *materializer.Materializer) Materializer { return m },
		func(r *billing.Reconciler) Reconciler { return r },
	),
)

package service

import (
	"context"
	"errors"

	"github.com/smallbiznis/genledger/internal/billing"
	jobdomain "github.com/smallbiznis/genledger/internal/job/domain"
	obscontext "github.com/smallbiznis/genledger/internal/observability/context"
	obslogger "github.com/smallbiznis/genledger/internal/observability/logger"
	"github.com/smallbiznis/genledger/internal/observability/tracing"
	providerdomain "github.com/smallbiznis/genledger/internal/provider/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type CompletionParams struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	Repo         jobdomain.Repository
	Resolver     *Resolver
	Materializer Materializer
	Reconciler   Reconciler
}

// Completion is the shared path every trigger runs: resolve, then materialize and bill
// succeeded jobs. Each step is idempotent, so triggers may overlap freely.
type Completion struct {
	db           *gorm.DB
	log          *zap.Logger
	repo         jobdomain.Repository
	resolver     *Resolver
	materializer Materializer
	reconciler   Reconciler
}

func NewCompletion(p CompletionParams) *Completion {
	return &Completion{
		db:           p.DB,
		log:          p.Log.Named("job.completion"),
		repo:         p.Repo,
		resolver:     p.Resolver,
		materializer: p.Materializer,
		reconciler:   p.Reconciler,
	}
}

// Run returns the job as stored after this pass. On error the returned job is the latest
// known state and the next trigger picks up where this one stopped.
func (c *Completion) Run(ctx context.Context, job *jobdomain.Job, trigger jobdomain.Trigger, observed *providerdomain.StatusResult) (out *jobdomain.Job, err error) {
	ctx = obscontext.WithJob(ctx, job.ID.String(), string(trigger))
	ctx, span := tracing.Start(ctx, "job.Complete",
		attribute.String("job_id", job.ID.String()),
		attribute.String("trigger", string(trigger)),
	)
	defer func() { tracing.End(span, err) }()
	log := obslogger.WithContext(ctx, c.log)

	job, err = c.resolver.Resolve(ctx, job, trigger, observed)
	if err != nil {
		if isProviderQueryError(err) {
			log.Warn("provider status unavailable", zap.Error(err))
		} else {
			log.Error("resolve job", zap.Error(err))
		}
		return job, err
	}
	if job.Status != jobdomain.StatusSucceeded {
		return job, nil
	}

	if !job.Materialized() {
		if _, err := c.materializer.Materialize(ctx, job); err != nil {
			log.Error("materialize job", zap.Error(err))
			return job, err
		}
	}
	if !job.Billed() {
		if _, err := c.reconciler.Reconcile(ctx, job.ID, trigger); err != nil && !errors.Is(err, billing.ErrNotMaterialized) {
			return c.reload(ctx, job), err
		}
	}
	return c.reload(ctx, job), nil
}

func (c *Completion) reload(ctx context.Context, job *jobdomain.Job) *jobdomain.Job {
	current, err := c.repo.FindByID(ctx, c.db, job.ID)
	if err != nil || current == nil {
		return job
	}
	return current
}

package service

import (
	"context"
	"errors"

	"github.com/smallbiznis/genledger/internal/clock"
	jobdomain "github.com/smallbiznis/genledger/internal/job/domain"
	obslogger "github.com/smallbiznis/genledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/genledger/internal/observability/metrics"
	"github.com/smallbiznis/genledger/internal/provider/adapters"
	providerdomain "github.com/smallbiznis/genledger/internal/provider/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultFailureMessage = "provider reported failure"
	maxErrorBytes         = 500
)

type ResolverParams struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Clock     clock.Clock
	Repo      jobdomain.Repository
	Providers *adapters.Registry
	Engine    *obsmetrics.EngineMetrics `optional:"true"`
}

// Resolver is the only writer of job status after submission.
type Resolver struct {
	db        *gorm.DB
	log       *zap.Logger
	clock     clock.Clock
	repo      jobdomain.Repository
	providers *adapters.Registry
	engine    *obsmetrics.EngineMetrics
}

func NewResolver(p ResolverParams) *Resolver {
	return &Resolver{
		db:        p.DB,
		log:       p.Log.Named("job.resolver"),
		clock:     p.Clock,
		repo:      p.Repo,
		providers: p.Providers,
		engine:    p.Engine,
	}
}

// Resolve brings the stored status in line with the provider. observed is the status a
// webhook delivered; when nil the provider is queried. Terminal jobs return without a query.
func (r *Resolver) Resolve(ctx context.Context, job *jobdomain.Job, trigger jobdomain.Trigger, observed *providerdomain.StatusResult) (*jobdomain.Job, error) {
	if job.Status.Terminal() {
		return job, nil
	}
	if observed == nil {
		if job.ProviderRef == "" {
			return job, nil
		}
		provider, err := r.providers.Get(job.Provider)
		if err != nil {
			return job, &jobdomain.ProviderQueryError{JobID: job.ID, ProviderRef: job.ProviderRef, Err: err}
		}
		observed, err = provider.GetStatus(ctx, job.ProviderRef)
		if err != nil {
			r.engine.IncProviderError(job.Provider, "get_status")
			return job, &jobdomain.ProviderQueryError{JobID: job.ID, ProviderRef: job.ProviderRef, Err: err}
		}
	}

	next := Outcome(*observed)
	if next.To == "" || next.To == job.Status {
		return job, nil
	}

	ok, err := r.repo.Transition(ctx, r.db, jobdomain.TransitionParams{
		ID:         job.ID,
		From:       []jobdomain.Status{jobdomain.StatusStarting, jobdomain.StatusProcessing},
		To:         next.To,
		RawOutputs: next.RawOutputs,
		Error:      next.Error,
		At:         r.clock.Now(),
	})
	if err != nil {
		return job, err
	}
	if ok {
		r.engine.IncJobTransition(string(job.Status), string(next.To), string(trigger))
		obslogger.WithContext(ctx, r.log).Info("job status changed",
			zap.String("job_id", job.ID.String()),
			zap.String("from", string(job.Status)),
			zap.String("to", string(next.To)),
			zap.String("trigger", string(trigger)),
		)
	}

	current, err := r.repo.FindByID(ctx, r.db, job.ID)
	if err != nil {
		return job, err
	}
	if current == nil {
		return job, jobdomain.ErrNotFound
	}
	return current, nil
}

// StatusOutcome is the stored change implied by one provider status.
type StatusOutcome struct {
	To         jobdomain.Status
	RawOutputs []string
	Error      string
}

// Outcome maps a provider status onto the job lifecycle. Pending maps to no change, and a
// success that produced nothing usable is a failure.
func Outcome(result providerdomain.StatusResult) StatusOutcome {
	switch result.State {
	case providerdomain.StateRunning:
		return StatusOutcome{To: jobdomain.StatusProcessing}
	case providerdomain.StateSucceeded:
		urls := providerdomain.URLs(result.Outputs)
		if len(urls) == 0 {
			return StatusOutcome{To: jobdomain.StatusFailed, Error: jobdomain.ErrorNoOutput}
		}
		return StatusOutcome{To: jobdomain.StatusSucceeded, RawOutputs: urls}
	case providerdomain.StateFailed:
		msg := result.Error
		if msg == "" {
			msg = defaultFailureMessage
		}
		return StatusOutcome{To: jobdomain.StatusFailed, Error: truncate(msg, maxErrorBytes)}
	case providerdomain.StateCanceled:
		return StatusOutcome{To: jobdomain.StatusCanceled, Error: truncate(result.Error, maxErrorBytes)}
	default:
		return StatusOutcome{}
	}
}

func isProviderQueryError(err error) bool {
	var target *jobdomain.ProviderQueryError
	return errors.As(err, &target)
}

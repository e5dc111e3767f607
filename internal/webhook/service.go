// Package webhook accepts provider completion notifications.
package webhook

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/genledger/internal/clock"
	jobdomain "github.com/smallbiznis/genledger/internal/job/domain"
	jobservice "github.com/smallbiznis/genledger/internal/job/service"
	obslogger "github.com/smallbiznis/genledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/genledger/internal/observability/metrics"
	"github.com/smallbiznis/genledger/internal/provider/adapters"
	providerdomain "github.com/smallbiznis/genledger/internal/provider/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrUnknownProvider = errors.New("unknown_provider")
	ErrUnknownJob      = errors.New("unknown_job")
)

// Delivery is one inbound webhook request.
type Delivery struct {
	Provider string
	Payload  []byte
	Headers  http.Header
	// JobIDHint is the job_id query parameter we put on the webhook URL at submission.
	JobIDHint string
}

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	Repo       jobdomain.Repository
	Providers  *adapters.Registry
	Completion *jobservice.Completion
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	clock      clock.Clock
	repo       jobdomain.Repository
	providers  *adapters.Registry
	completion *jobservice.Completion
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) *Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("webhook.service"),
		clock:      p.Clock,
		repo:       p.Repo,
		providers:  p.Providers,
		completion: p.Completion,
		obsMetrics: p.ObsMetrics,
	}
}

// Handle verifies a delivery and runs completion for the job it names. Redeliveries are
// harmless: completion is idempotent.
func (s *Service) Handle(ctx context.Context, d Delivery) (job *jobdomain.Job, err error) {
	name := strings.ToLower(strings.TrimSpace(d.Provider))
	outcome := "processed"
	defer func() {
		if err != nil && outcome == "processed" {
			outcome = "error"
		}
		s.obsMetrics.RecordWebhookEvent(ctx, name, outcome)
	}()
	log := obslogger.WithContext(ctx, s.log).With(zap.String("provider", name))

	provider, err := s.providers.Get(name)
	if err != nil {
		outcome = "unknown_provider"
		return nil, ErrUnknownProvider
	}
	if err := provider.Verify(ctx, d.Payload, d.Headers); err != nil {
		outcome = "invalid_signature"
		log.Warn("webhook signature rejected", zap.Error(err))
		return nil, providerdomain.ErrInvalidSignature
	}
	notification, err := provider.ParseNotification(ctx, d.Payload)
	if err != nil {
		outcome = "invalid_payload"
		log.Warn("webhook payload rejected", zap.Error(err))
		return nil, err
	}

	job, err = s.locate(ctx, provider.Name(), notification.Ref, d.JobIDHint)
	if err != nil {
		if errors.Is(err, ErrUnknownJob) {
			outcome = "unknown_job"
			log.Warn("webhook for unknown job", zap.String("provider_ref", notification.Ref), zap.String("job_id", d.JobIDHint))
		}
		return nil, err
	}

	result := notification.Result
	job, err = s.completion.Run(ctx, job, jobdomain.TriggerWebhook, &result)
	if err != nil {
		return job, err
	}
	return job, nil
}

// locate finds the job by provider reference. A webhook can arrive before the submitter
// stored the reference; then the job_id hint identifies it and the reference is attached.
func (s *Service) locate(ctx context.Context, provider, ref, hint string) (*jobdomain.Job, error) {
	job, err := s.repo.FindByProviderRef(ctx, s.db, provider, ref)
	if err != nil {
		return nil, err
	}
	if job != nil {
		return job, nil
	}

	hint = strings.TrimSpace(hint)
	if hint == "" {
		return nil, ErrUnknownJob
	}
	id, err := snowflake.ParseString(hint)
	if err != nil {
		return nil, ErrUnknownJob
	}
	job, err = s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if job == nil || job.Provider != provider {
		return nil, ErrUnknownJob
	}
	if job.ProviderRef == "" {
		if _, err := s.repo.SetProviderRef(ctx, s.db, job.ID, ref, s.clock.Now()); err != nil {
			if errors.Is(err, jobdomain.ErrDuplicateProviderRef) {
				return nil, ErrUnknownJob
			}
			return nil, err
		}
		job, err = s.repo.FindByID(ctx, s.db, id)
		if err != nil {
			return nil, err
		}
	}
	if job.ProviderRef != ref {
		return nil, ErrUnknownJob
	}
	return job, nil
}

var Module = fx.Module("webhook",
	fx.Provide(NewService),
)

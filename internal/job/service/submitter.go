package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/genledger/internal/clock"
	"github.com/smallbiznis/genledger/internal/config"
	jobdomain "github.com/smallbiznis/genledger/internal/job/domain"
	ledgerdomain "github.com/smallbiznis/genledger/internal/ledger/domain"
	obslogger "github.com/smallbiznis/genledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/genledger/internal/observability/metrics"
	"github.com/smallbiznis/genledger/internal/observability/tracing"
	"github.com/smallbiznis/genledger/internal/provider/adapters"
	providerdomain "github.com/smallbiznis/genledger/internal/provider/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const paramNumOutputs = "num_outputs"

type SubmitRequest struct {
	OwnerID    string
	Capability string
	Params     map[string]any
}

type SubmitterParams struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	GenID      *snowflake.Node
	Config     config.Config
	Repo       jobdomain.Repository
	Catalog    *config.CatalogHolder
	Providers  *adapters.Registry
	Ledger     ledgerdomain.Service
	Settings   SettingsSource
	ObsMetrics *obsmetrics.Metrics       `optional:"true"`
	Engine     *obsmetrics.EngineMetrics `optional:"true"`
}

type Submitter struct {
	db         *gorm.DB
	log        *zap.Logger
	clock      clock.Clock
	genID      *snowflake.Node
	baseURL    string
	repo       jobdomain.Repository
	catalog    *config.CatalogHolder
	providers  *adapters.Registry
	ledger     ledgerdomain.Service
	settings   SettingsSource
	obsMetrics *obsmetrics.Metrics
	engine     *obsmetrics.EngineMetrics
}

func NewSubmitter(p SubmitterParams) *Submitter {
	return &Submitter{
		db:         p.DB,
		log:        p.Log.Named("job.submitter"),
		clock:      p.Clock,
		genID:      p.GenID,
		baseURL:    strings.TrimRight(p.Config.PublicBaseURL, "/"),
		repo:       p.Repo,
		catalog:    p.Catalog,
		providers:  p.Providers,
		ledger:     p.Ledger,
		settings:   p.Settings,
		obsMetrics: p.ObsMetrics,
		engine:     p.Engine,
	}
}

// Submit quotes and records a job, then hands it to the provider. It returns once the
// provider has acknowledged; completion arrives later through a webhook, poll or sweep.
func (s *Submitter) Submit(ctx context.Context, req SubmitRequest) (job *jobdomain.Job, err error) {
	ownerID := strings.TrimSpace(req.OwnerID)
	if ownerID == "" {
		return nil, jobdomain.ErrInvalidOwner
	}
	if strings.TrimSpace(req.Capability) == "" {
		return nil, jobdomain.ErrInvalidCapability
	}

	ctx, span := tracing.Start(ctx, "job.Submit", attribute.String("capability", req.Capability))
	defer func() { tracing.End(span, err) }()
	log := obslogger.WithContext(ctx, s.log)

	capability, err := s.catalog.Lookup(req.Capability)
	if err != nil {
		if errors.Is(err, config.ErrUnknownCapability) {
			return nil, jobdomain.ErrUnknownCapability
		}
		return nil, err
	}
	outcome := "rejected"
	defer func() { s.obsMetrics.RecordSubmission(ctx, capability.Name, outcome) }()

	params, err := normalizeParams(req.Params)
	if err != nil {
		return nil, err
	}
	units, err := RequestedUnits(params, capability.MaxUnits)
	if err != nil {
		return nil, err
	}
	costBasis := Quote(capability, units)

	current, err := s.settings.Get(ctx)
	if err != nil {
		log.Warn("using cached platform settings", zap.Error(err))
	}
	if current.SubmissionsPaused {
		return nil, jobdomain.ErrSubmissionsPaused
	}
	if current.MaxActiveJobsPerOwner > 0 {
		active, err := s.repo.CountActiveByOwner(ctx, s.db, ownerID)
		if err != nil {
			return nil, err
		}
		if active >= int64(current.MaxActiveJobsPerOwner) {
			return nil, jobdomain.ErrTooManyActiveJobs
		}
	}

	balance, err := s.ledger.GetBalance(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if !balance.Covers(costBasis) {
		outcome = "insufficient_funds"
		return nil, &jobdomain.InsufficientFundsError{RequiredCents: costBasis, AvailableCents: balance.BalanceCents}
	}

	provider, err := s.providers.Default()
	if err != nil {
		return nil, jobdomain.ErrProviderUnavailable
	}

	now := s.clock.Now()
	job = &jobdomain.Job{
		ID:             s.genID.Generate(),
		OwnerID:        ownerID,
		Capability:     capability.Name,
		Params:         params,
		Provider:       provider.Name(),
		Status:         jobdomain.StatusStarting,
		PricingRule:    jobdomain.PricingRule(capability.Pricing),
		UnitCostCents:  capability.UnitCostCents,
		RequestedUnits: units,
		CostBasisCents: costBasis,
		BillingState:   jobdomain.BillingPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.Insert(ctx, s.db, job); err != nil {
		return nil, err
	}
	log = log.With(zap.String("job_id", job.ID.String()), zap.String("owner_id", ownerID))

	ref, err := provider.Submit(ctx, providerdomain.SubmitRequest{
		JobID:      job.ID,
		Capability: capability.Name,
		Model:      capability.Model,
		Params:     params,
		WebhookURL: s.webhookURL(provider.Name(), job.ID),
	})
	if err != nil {
		outcome = "dispatch_failed"
		s.engine.IncProviderError(provider.Name(), "submit")
		s.failDispatch(ctx, log, job, err)
		return job, &jobdomain.SubmissionError{JobID: job.ID, Err: err}
	}

	if _, err := s.repo.SetProviderRef(ctx, s.db, job.ID, ref, s.clock.Now()); err != nil {
		if errors.Is(err, jobdomain.ErrDuplicateProviderRef) {
			// The reference is taken, so no status for this job could ever be matched.
			outcome = "dispatch_failed"
			s.failDispatch(ctx, log, job, err)
			return job, &jobdomain.SubmissionError{JobID: job.ID, Err: err}
		}
		// The provider has the job; a webhook carrying job_id can still attach the ref.
		log.Error("store provider ref", zap.String("provider_ref", ref), zap.Error(err))
		outcome = "accepted"
		return job, err
	}
	job.ProviderRef = ref
	outcome = "accepted"
	log.Info("job submitted",
		zap.String("capability", capability.Name),
		zap.String("provider_ref", ref),
		zap.Int64("cost_basis_cents", costBasis),
	)
	return job, nil
}

func (s *Submitter) failDispatch(ctx context.Context, log *zap.Logger, job *jobdomain.Job, cause error) {
	now := s.clock.Now()
	ok, err := s.repo.Transition(ctx, s.db, jobdomain.TransitionParams{
		ID:    job.ID,
		From:  []jobdomain.Status{jobdomain.StatusStarting},
		To:    jobdomain.StatusFailed,
		Error: truncate(cause.Error(), maxErrorBytes),
		At:    now,
	})
	if err != nil {
		log.Error("mark dispatch failure", zap.Error(err))
		return
	}
	if ok {
		s.engine.IncJobTransition(string(jobdomain.StatusStarting), string(jobdomain.StatusFailed), "submit")
		job.Status = jobdomain.StatusFailed
		job.Error = truncate(cause.Error(), maxErrorBytes)
		job.CompletedAt = &now
	}
	log.Warn("provider rejected job", zap.Error(cause))
}

func (s *Submitter) webhookURL(provider string, id snowflake.ID) string {
	return fmt.Sprintf("%s/v1/webhooks/%s?job_id=%s", s.baseURL, url.PathEscape(provider), id.String())
}

// Quote is the cost reserved against the balance at submission.
func Quote(capability config.Capability, units int) int64 {
	if capability.Pricing == config.PricingPerUnit {
		return capability.UnitCostCents * int64(units)
	}
	return capability.UnitCostCents
}

// RequestedUnits reads num_outputs, defaulting to 1.
func RequestedUnits(params map[string]any, maxUnits int) (int, error) {
	raw, ok := params[paramNumOutputs]
	if !ok || raw == nil {
		return 1, nil
	}
	var n float64
	switch v := raw.(type) {
	case float64:
		n = v
	case int:
		n = float64(v)
	case int64:
		n = float64(v)
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: %s must be an integer", jobdomain.ErrInvalidParams, paramNumOutputs)
		}
		n = f
	default:
		return 0, fmt.Errorf("%w: %s must be an integer", jobdomain.ErrInvalidParams, paramNumOutputs)
	}
	if n != math.Trunc(n) || n < 1 {
		return 0, fmt.Errorf("%w: %s must be a positive integer", jobdomain.ErrInvalidParams, paramNumOutputs)
	}
	if maxUnits > 0 && n > float64(maxUnits) {
		return 0, fmt.Errorf("%w: %s must be at most %d", jobdomain.ErrInvalidParams, paramNumOutputs, maxUnits)
	}
	return int(n), nil
}

func normalizeParams(params map[string]any) (map[string]any, error) {
	if params == nil {
		return map[string]any{}, nil
	}
	if _, err := json.Marshal(params); err != nil {
		return nil, fmt.Errorf("%w: %v", jobdomain.ErrInvalidParams, err)
	}
	return params, nil
}

// truncate caps s at n bytes without splitting a character. Invalid sequences from the
// provider are replaced so the result is always valid UTF-8 for TEXT columns.
func truncate(s string, n int) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

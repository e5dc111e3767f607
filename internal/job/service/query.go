package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	jobdomain "github.com/smallbiznis/genledger/internal/job/domain"
	obsmetrics "github.com/smallbiznis/genledger/internal/observability/metrics"
	"github.com/smallbiznis/genledger/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type QueryParams struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Repo       jobdomain.Repository
	Completion *Completion
	Throttle   Throttle            `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

// Query serves owner-scoped reads. Poll doubles as a completion trigger.
type Query struct {
	db         *gorm.DB
	log        *zap.Logger
	repo       jobdomain.Repository
	completion *Completion
	throttle   Throttle
	obsMetrics *obsmetrics.Metrics
}

func NewQuery(p QueryParams) *Query {
	return &Query{
		db:         p.DB,
		log:        p.Log.Named("job.query"),
		repo:       p.Repo,
		completion: p.Completion,
		throttle:   p.Throttle,
		obsMetrics: p.ObsMetrics,
	}
}

// Get returns a job owned by ownerID. Jobs of other owners are reported as not found.
func (q *Query) Get(ctx context.Context, ownerID string, id snowflake.ID) (*jobdomain.Job, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, jobdomain.ErrInvalidOwner
	}
	job, err := q.repo.FindByID(ctx, q.db, id)
	if err != nil {
		return nil, err
	}
	if job == nil || job.OwnerID != ownerID {
		return nil, jobdomain.ErrNotFound
	}
	return job, nil
}

// Poll returns the job after giving it a chance to complete. A throttled or failed
// completion pass still returns the stored state.
func (q *Query) Poll(ctx context.Context, ownerID string, id snowflake.ID) (*jobdomain.Job, error) {
	job, err := q.Get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if !job.NeedsCompletion() {
		return job, nil
	}
	if q.throttle != nil && !q.throttle.Allow(ctx, job.ID.String()) {
		q.obsMetrics.RecordPollThrottled(ctx)
		return job, nil
	}

	current, err := q.completion.Run(ctx, job, jobdomain.TriggerPoll, nil)
	if err != nil {
		q.log.Warn("poll completion incomplete", zap.String("job_id", job.ID.String()), zap.Error(err))
	}
	if current == nil {
		return job, nil
	}
	return current, nil
}

func (q *Query) List(ctx context.Context, ownerID string, page pagination.Pagination) ([]*jobdomain.Job, pagination.PageInfo, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, pagination.PageInfo{}, jobdomain.ErrInvalidOwner
	}
	after, err := pagination.DecodeCursor(page.PageToken)
	if err != nil {
		return nil, pagination.PageInfo{}, err
	}
	limit := page.Limit()
	jobs, err := q.repo.ListByOwner(ctx, q.db, ownerID, after, limit+1)
	if err != nil {
		return nil, pagination.PageInfo{}, err
	}
	return pagination.Trim(jobs, limit, func(j *jobdomain.Job) pagination.Cursor {
		return pagination.Cursor{ID: j.ID.String(), CreatedAt: j.CreatedAt.UTC().Format(time.RFC3339Nano)}
	})
}

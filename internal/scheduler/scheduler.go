// Package scheduler runs the periodic sweep that completes, bills and repairs jobs no other
// trigger finished.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/genledger/internal/clock"
	jobdomain "github.com/smallbiznis/genledger/internal/job/domain"
	jobservice "github.com/smallbiznis/genledger/internal/job/service"
	ledgerdomain "github.com/smallbiznis/genledger/internal/ledger/domain"
	"github.com/smallbiznis/genledger/internal/materializer"
	obsmetrics "github.com/smallbiznis/genledger/internal/observability/metrics"
	"github.com/smallbiznis/genledger/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	JobStaleJobs      = "stale_jobs"
	JobUnbilledJobs   = "unbilled_jobs"
	JobArtifactRepair = "artifact_repair"
	JobLedgerRepair   = "ledger_repair"

	sweepLockKey = "sweep"
)

var ErrInvalidConfig = errors.New("invalid scheduler config")

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	Clock        clock.Clock
	GenID        *snowflake.Node
	Repo         jobdomain.Repository
	Completion   *jobservice.Completion
	Materializer *materializer.Materializer
	Ledger       ledgerdomain.Service
	Locker       *ratelimit.Locker            `optional:"true"`
	Metrics      *obsmetrics.SchedulerMetrics `optional:"true"`
	Config       Config                       `optional:"true"`
}

type Scheduler struct {
	db           *gorm.DB
	log          *zap.Logger
	cfg          Config
	clock        clock.Clock
	genID        *snowflake.Node
	repo         jobdomain.Repository
	completion   *jobservice.Completion
	materializer *materializer.Materializer
	ledger       ledgerdomain.Service
	locker       *ratelimit.Locker
	metrics      *obsmetrics.SchedulerMetrics
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil || p.GenID == nil || p.Repo == nil ||
		p.Completion == nil || p.Materializer == nil || p.Ledger == nil {
		return nil, ErrInvalidConfig
	}
	m := p.Metrics
	if m == nil {
		m = obsmetrics.Scheduler()
	}
	return &Scheduler{
		db:           p.DB,
		log:          p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:          p.Config.withDefaults(),
		clock:        p.Clock,
		genID:        p.GenID,
		repo:         p.Repo,
		completion:   p.Completion,
		materializer: p.Materializer,
		ledger:       p.Ledger,
		locker:       p.Locker,
		metrics:      m,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	fn func(ctx context.Context, run *jobRun) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	run := s.newJobRun(name, batchSize)
	s.logJobStart(ctx, run)
	s.metrics.IncJobRun(name)

	err := fn(ctx, run)
	s.metrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if err != nil && run.errorCount == 0 {
		run.IncError()
	}
	s.logJobFinish(ctx, run)
	if err == nil {
		return nil
	}

	// Deadlines are soft: whatever was left is picked up by the next tick.
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	s.metrics.IncJobError(name, err)
	if isTimeout {
		s.metrics.IncJobTimeout(name)
		s.logger(ctx).Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", s.cfg.JobTimeout),
			zap.Error(err),
		)
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce executes one sweep. With a locker configured only one instance sweeps per lease;
// if the lock store is unreachable the sweep runs anyway, since every step is idempotent.
func (s *Scheduler) RunOnce(parent context.Context) error {
	if s.locker == nil {
		return s.runJobs(parent)
	}
	ran, err := s.locker.WithLock(parent, sweepLockKey, s.cfg.LockTTL, s.runJobs)
	if ran {
		return err
	}
	if err != nil {
		s.log.Warn("sweep lock unavailable, sweeping unlocked", zap.Error(err))
		return s.runJobs(parent)
	}
	s.metrics.IncRunSkipped(obsmetrics.SchedulerSkipReasonLockHeld)
	s.log.Debug("sweep skipped, lock held elsewhere")
	return nil
}

func (s *Scheduler) runJobs(parent context.Context) error {
	var err error

	jobs := []struct {
		Name string
		Run  func(context.Context, *jobRun) error
	}{
		{JobStaleJobs, s.StaleJobsJob},
		{JobUnbilledJobs, s.UnbilledJobsJob},
		{JobArtifactRepair, s.ArtifactRepairJob},
		{JobLedgerRepair, s.LedgerRepairJob},
	}

	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.Name, s.cfg.BatchSize, job.Run))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := time.Now().Add(s.cfg.RunInterval)

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if lag := time.Since(nextRun); lag > 0 {
			s.metrics.ObserveRunLoopLag(lag)
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// Empty means every job runs (monolith mode).
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(strings.TrimSpace(enabled), jobName) {
			return true
		}
	}
	return false
}

// StaleJobsJob asks the provider about jobs still starting or processing after the grace
// period. Stuck jobs are never failed here; they stay active until the provider says otherwise.
func (s *Scheduler) StaleJobsJob(ctx context.Context, run *jobRun) error {
	jobs, err := s.repo.ListActiveBefore(ctx, s.db, s.clock.Now().Add(-s.cfg.GracePeriod), s.cfg.BatchSize)
	if err != nil {
		return err
	}
	visited, jobErr := s.completeAll(ctx, run, jobs, jobdomain.TriggerSweep)

	// Jobs the provider still reports as running rotate behind the rest of the backlog.
	ids := make([]snowflake.ID, 0, visited)
	for _, job := range jobs[:visited] {
		ids = append(ids, job.ID)
	}
	if err := s.repo.MarkSwept(context.WithoutCancel(ctx), s.db, ids, s.clock.Now()); err != nil {
		jobErr = errors.Join(jobErr, err)
	}
	return jobErr
}

// UnbilledJobsJob retries completion for succeeded jobs whose billing did not land. Charges
// made here are recorded as repairs.
func (s *Scheduler) UnbilledJobsJob(ctx context.Context, run *jobRun) error {
	jobs, err := s.repo.ListUnbilledBefore(ctx, s.db, s.clock.Now().Add(-s.cfg.GracePeriod), s.cfg.BatchSize)
	if err != nil {
		return err
	}
	_, err = s.completeAll(ctx, run, jobs, jobdomain.TriggerRepair)
	return err
}

// completeAll runs completion for each job in order and reports how many it got to before
// the context ended.
func (s *Scheduler) completeAll(ctx context.Context, run *jobRun, jobs []*jobdomain.Job, trigger jobdomain.Trigger) (int, error) {
	var jobErr error
	for i, job := range jobs {
		if ctx.Err() != nil {
			s.metrics.AddBatchProcessed(run.job, "jobs", run.processedCount)
			return i, errors.Join(jobErr, ctx.Err())
		}
		_, err := s.completion.Run(ctx, job, trigger, nil)
		if err != nil {
			var queryErr *jobdomain.ProviderQueryError
			if errors.As(err, &queryErr) {
				// Provider outage: nothing changed, the next tick asks again.
				continue
			}
			s.logItemError(ctx, run, "scheduler.job.complete.failed", job.ID, err)
			jobErr = errors.Join(jobErr, err)
			continue
		}
		run.AddProcessed(1)
	}
	s.metrics.AddBatchProcessed(run.job, "jobs", run.processedCount)
	return len(jobs), jobErr
}

// ArtifactRepairJob requeues stored outputs that disappeared from storage, then retries output
// slots that still point at the provider.
func (s *Scheduler) ArtifactRepairJob(ctx context.Context, run *jobRun) error {
	jobErr := s.verifyStored(ctx, run)
	if ctx.Err() != nil {
		return errors.Join(jobErr, ctx.Err())
	}

	jobs, err := s.repo.ListPendingArtifacts(ctx, s.db, s.cfg.MaxRepairAttempts, s.cfg.BatchSize)
	if err != nil {
		return errors.Join(jobErr, err)
	}
	for _, job := range jobs {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		repaired, err := s.materializer.Repair(ctx, job)
		if err != nil {
			s.logItemError(ctx, run, "scheduler.artifact.repair.failed", job.ID, err)
			jobErr = errors.Join(jobErr, err)
			continue
		}
		run.AddProcessed(repaired)
	}
	s.metrics.AddBatchProcessed(run.job, "artifacts", run.processedCount)
	return jobErr
}

func (s *Scheduler) verifyStored(ctx context.Context, run *jobRun) error {
	now := s.clock.Now()
	jobs, err := s.repo.ListStoredArtifacts(ctx, s.db, now.Add(-s.cfg.VerifyInterval), s.cfg.BatchSize)
	if err != nil {
		return err
	}
	var jobErr error
	checked := make([]snowflake.ID, 0, len(jobs))
	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		requeued, err := s.materializer.Requeue(ctx, job)
		if err != nil {
			s.logItemError(ctx, run, "scheduler.artifact.verify.failed", job.ID, err)
			jobErr = errors.Join(jobErr, err)
			continue
		}
		checked = append(checked, job.ID)
		if requeued > 0 {
			s.metrics.AddBatchProcessed(run.job, "requeued_artifacts", requeued)
		}
	}
	if err := s.repo.MarkSwept(context.WithoutCancel(ctx), s.db, checked, now); err != nil {
		jobErr = errors.Join(jobErr, err)
	}
	return jobErr
}

// LedgerRepairJob applies transactions that were recorded without reaching the balance.
func (s *Scheduler) LedgerRepairJob(ctx context.Context, run *jobRun) error {
	found, err := s.ledger.RepairUnapplied(ctx, s.clock.Now().Add(-s.cfg.GracePeriod), s.cfg.BatchSize)
	for _, item := range found {
		if item.Repaired {
			run.AddProcessed(1)
		}
	}
	s.metrics.AddBatchProcessed(run.job, "transactions", run.processedCount)
	return err
}

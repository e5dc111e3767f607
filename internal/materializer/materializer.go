// Package materializer copies provider outputs into durable storage so job results outlive
// the provider's expiring URLs.
package materializer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/smallbiznis/genledger/internal/clock"
	jobdomain "github.com/smallbiznis/genledger/internal/job/domain"
	obslogger "github.com/smallbiznis/genledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/genledger/internal/observability/metrics"
	"github.com/smallbiznis/genledger/internal/observability/tracing"
	"github.com/smallbiznis/genledger/internal/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	DefaultConcurrency       = 4
	DefaultMaxArtifactBytes  = 64 << 20
	DefaultMaxRepairAttempts = 5
	defaultFetchTimeout      = 60 * time.Second
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	Repo       jobdomain.Repository
	Store      storage.Store
	HTTPClient *http.Client              `optional:"true"`
	Engine     *obsmetrics.EngineMetrics `optional:"true"`
}

type Materializer struct {
	db          *gorm.DB
	log         *zap.Logger
	clock       clock.Clock
	repo        jobdomain.Repository
	store       storage.Store
	client      *http.Client
	engine      *obsmetrics.EngineMetrics
	concurrency int
	maxBytes    int64
}

func New(p Params) *Materializer {
	client := p.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultFetchTimeout}
	}
	return &Materializer{
		db:          p.DB,
		log:         p.Log.Named("materializer"),
		clock:       p.Clock,
		repo:        p.Repo,
		store:       p.Store,
		client:      tracing.WrapHTTPClient(client),
		engine:      p.Engine,
		concurrency: DefaultConcurrency,
		maxBytes:    DefaultMaxArtifactBytes,
	}
}

// Materialize stores the job's outputs once and returns the ordered references. A job that is
// already materialized returns what is stored. Outputs that could not be copied keep the
// provider URL and are counted as pending for repair; that is logged, not returned.
func (m *Materializer) Materialize(ctx context.Context, job *jobdomain.Job) (refs []string, err error) {
	if job.Materialized() {
		return job.OutputRefs, nil
	}
	if job.Status != jobdomain.StatusSucceeded {
		return nil, ErrNotSucceeded
	}

	ctx, span := tracing.Start(ctx, "materializer.Materialize",
		attribute.String("job_id", job.ID.String()),
		attribute.Int("outputs", len(job.RawOutputs)),
	)
	defer func() { tracing.End(span, err) }()
	log := obslogger.WithContext(ctx, m.log).With(zap.String("job_id", job.ID.String()))

	slots := make([]int, len(job.RawOutputs))
	for i := range slots {
		slots[i] = i
	}
	refs, failed := m.copySlots(ctx, job, job.RawOutputs, slots)

	ok, err := m.repo.SaveArtifacts(ctx, m.db, jobdomain.ArtifactUpdate{
		ID:         job.ID,
		OutputRefs: refs,
		Pending:    len(failed),
		At:         m.clock.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("save artifacts: %w", err)
	}
	if !ok {
		// Another trigger stored its copy first; ours is identical by key.
		current, err := m.repo.FindByID(ctx, m.db, job.ID)
		if err != nil {
			return nil, err
		}
		if current == nil || !current.Materialized() {
			return nil, ErrNotSucceeded
		}
		return current.OutputRefs, nil
	}

	if len(failed) > 0 {
		artifactErr := &ArtifactError{JobID: job.ID, Slots: failed}
		m.engine.AddArtifactFailures("materialize", len(failed))
		log.Warn("artifacts kept as placeholders", zap.Int("pending", len(failed)), zap.Error(artifactErr))
	} else {
		log.Info("artifacts materialized", zap.Int("count", len(refs)))
	}
	return refs, nil
}

// Repair retries placeholder slots of a materialized job. It returns how many slots became
// durable. Losing the compare-and-swap to a concurrent repair returns zero.
func (m *Materializer) Repair(ctx context.Context, job *jobdomain.Job) (repaired int, err error) {
	if !job.Materialized() {
		return 0, ErrNotMaterialized
	}
	var slots []int
	for i, ref := range job.OutputRefs {
		if !m.store.IsDurable(ref) {
			slots = append(slots, i)
		}
	}
	if len(slots) == 0 {
		return 0, nil
	}

	ctx, span := tracing.Start(ctx, "materializer.Repair",
		attribute.String("job_id", job.ID.String()),
		attribute.Int("slots", len(slots)),
	)
	defer func() { tracing.End(span, err) }()

	refs, failed := m.copySlots(ctx, job, job.OutputRefs, slots)
	ok, err := m.repo.ReplaceArtifacts(ctx, m.db, jobdomain.ArtifactUpdate{
		ID:         job.ID,
		OutputRefs: refs,
		Pending:    len(failed),
		At:         m.clock.Now(),
	}, job.RepairAttempts)
	if err != nil {
		return 0, fmt.Errorf("replace artifacts: %w", err)
	}
	if !ok {
		return 0, nil
	}

	repaired = len(slots) - len(failed)
	if len(failed) > 0 {
		m.engine.AddArtifactFailures("repair", len(failed))
		obslogger.WithContext(ctx, m.log).Warn("artifact repair incomplete",
			zap.String("job_id", job.ID.String()),
			zap.Int("repaired", repaired),
			zap.Int("pending", len(failed)),
			zap.Int("attempt", job.RepairAttempts+1),
			zap.Error(&ArtifactError{JobID: job.ID, Slots: failed}),
		)
	}
	return repaired, nil
}

// Verify returns the indexes of references that are not readable from durable storage.
func (m *Materializer) Verify(ctx context.Context, job *jobdomain.Job) ([]int, error) {
	if !job.Materialized() {
		return nil, ErrNotMaterialized
	}
	var missing []int
	for i, ref := range job.OutputRefs {
		key, ok := m.store.KeyFromURL(ref)
		if !ok {
			missing = append(missing, i)
			continue
		}
		if _, err := m.store.Head(ctx, key); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				missing = append(missing, i)
				continue
			}
			return nil, err
		}
	}
	return missing, nil
}

// Requeue checks a fully stored job against storage. Slots whose object is gone point back at
// the provider output and count as pending again. It returns how many slots were requeued.
func (m *Materializer) Requeue(ctx context.Context, job *jobdomain.Job) (int, error) {
	if job.PendingArtifacts > 0 {
		return 0, nil
	}
	missing, err := m.Verify(ctx, job)
	if err != nil {
		return 0, err
	}
	refs := append([]string(nil), job.OutputRefs...)
	requeued := 0
	for _, idx := range missing {
		if idx < len(job.RawOutputs) {
			refs[idx] = job.RawOutputs[idx]
			requeued++
		}
	}
	if requeued == 0 {
		return 0, nil
	}

	ok, err := m.repo.RequeueArtifacts(ctx, m.db, jobdomain.ArtifactUpdate{
		ID:         job.ID,
		OutputRefs: refs,
		Pending:    requeued,
		At:         m.clock.Now(),
	}, job.RepairAttempts)
	if err != nil {
		return 0, fmt.Errorf("requeue artifacts: %w", err)
	}
	if !ok {
		return 0, nil
	}
	m.engine.AddArtifactFailures("verify", requeued)
	obslogger.WithContext(ctx, m.log).Warn("stored artifacts missing, requeued for repair",
		zap.String("job_id", job.ID.String()),
		zap.Ints("slots", missing),
	)
	return requeued, nil
}

// copySlots copies the listed indexes of sources into storage. The returned refs keep the
// source URL for every slot that was not copied.
func (m *Materializer) copySlots(ctx context.Context, job *jobdomain.Job, sources []string, slots []int) ([]string, []SlotError) {
	refs := append([]string(nil), sources...)
	errs := make([]error, len(sources))

	g := new(errgroup.Group)
	g.SetLimit(m.concurrency)
	for _, idx := range slots {
		g.Go(func() error {
			src := sources[idx]
			if m.store.IsDurable(src) {
				return nil
			}
			ref, err := m.copyOne(ctx, job, idx, src)
			if err != nil {
				errs[idx] = err
				return nil
			}
			refs[idx] = ref
			return nil
		})
	}
	_ = g.Wait()

	var failed []SlotError
	for _, idx := range slots {
		if errs[idx] != nil {
			failed = append(failed, SlotError{Index: idx, URL: sources[idx], Err: errs[idx]})
		}
	}
	return refs, failed
}

func (m *Materializer) copyOne(ctx context.Context, job *jobdomain.Job, idx int, src string) (string, error) {
	obj, err := m.fetch(ctx, src)
	if err != nil {
		return "", err
	}
	return m.store.Put(ctx, Key(job.OwnerID, job.ID.String(), idx, obj.ext), obj.data, obj.contentType)
}

// Key is the storage location of one output: owners/{owner}/jobs/{job}/{index}{ext}.
func Key(ownerID, jobID string, index int, ext string) string {
	return fmt.Sprintf("owners/%s/jobs/%s/%d%s", url.PathEscape(ownerID), jobID, index, ext)
}

var Module = fx.Module("materializer",
	fx.Provide(New),
)

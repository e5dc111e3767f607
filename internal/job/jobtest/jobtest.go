// Package jobtest seeds jobs in a testutil database.
package jobtest

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/genledger/internal/job/domain"
	"github.com/smallbiznis/genledger/internal/job/repository"
	"gorm.io/gorm"
)

var Base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type Option func(*domain.Job)

func WithOwner(owner string) Option { return func(j *domain.Job) { j.OwnerID = owner } }

func WithProviderRef(ref string) Option { return func(j *domain.Job) { j.ProviderRef = ref } }

func WithCreatedAt(at time.Time) Option {
	return func(j *domain.Job) { j.CreatedAt, j.UpdatedAt = at, at }
}

// Flat prices the job at cents regardless of output count.
func Flat(cents int64) Option {
	return func(j *domain.Job) {
		j.PricingRule = domain.PricingFlat
		j.UnitCostCents = cents
		j.RequestedUnits = 1
		j.CostBasisCents = cents
	}
}

func PerUnit(unitCents int64, units int) Option {
	return func(j *domain.Job) {
		j.PricingRule = domain.PricingPerUnit
		j.UnitCostCents = unitCents
		j.RequestedUnits = units
		j.CostBasisCents = unitCents * int64(units)
	}
}

// Insert stores a starting job and returns it as read back.
func Insert(t testing.TB, db *gorm.DB, id snowflake.ID, opts ...Option) *domain.Job {
	t.Helper()
	job := &domain.Job{
		ID:             id,
		OwnerID:        "owner-1",
		Capability:     "text-to-image",
		Params:         map[string]any{"prompt": "lighthouse"},
		Provider:       "fake",
		Status:         domain.StatusStarting,
		PricingRule:    domain.PricingFlat,
		UnitCostCents:  100,
		RequestedUnits: 1,
		CostBasisCents: 100,
		CreatedAt:      Base,
		UpdatedAt:      Base,
	}
	for _, opt := range opts {
		opt(job)
	}

	repo := repository.Provide()
	ctx := context.Background()
	if err := repo.Insert(ctx, db, job); err != nil {
		t.Fatalf("insert job: %v", err)
	}
	if job.ProviderRef != "" {
		if _, err := repo.SetProviderRef(ctx, db, id, job.ProviderRef, job.CreatedAt); err != nil {
			t.Fatalf("set provider ref: %v", err)
		}
	}
	return Reload(t, db, id)
}

// Succeed moves the job to succeeded with the given raw outputs.
func Succeed(t testing.TB, db *gorm.DB, id snowflake.ID, rawOutputs ...string) *domain.Job {
	t.Helper()
	ok, err := repository.Provide().Transition(context.Background(), db, domain.TransitionParams{
		ID:         id,
		From:       []domain.Status{domain.StatusStarting, domain.StatusProcessing},
		To:         domain.StatusSucceeded,
		RawOutputs: rawOutputs,
		At:         Base.Add(time.Minute),
	})
	if err != nil || !ok {
		t.Fatalf("succeed job: ok=%v err=%v", ok, err)
	}
	return Reload(t, db, id)
}

// Materialize stores refs as if the materializer had run.
func Materialize(t testing.TB, db *gorm.DB, id snowflake.ID, refs ...string) *domain.Job {
	t.Helper()
	ok, err := repository.Provide().SaveArtifacts(context.Background(), db, domain.ArtifactUpdate{
		ID:         id,
		OutputRefs: refs,
		At:         Base.Add(2 * time.Minute),
	})
	if err != nil || !ok {
		t.Fatalf("materialize job: ok=%v err=%v", ok, err)
	}
	return Reload(t, db, id)
}

func Reload(t testing.TB, db *gorm.DB, id snowflake.ID) *domain.Job {
	t.Helper()
	job, err := repository.Provide().FindByID(context.Background(), db, id)
	if err != nil || job == nil {
		t.Fatalf("reload job %s: %v", id, err)
	}
	return job
}

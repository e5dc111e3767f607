package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/genledger/pkg/db/pagination"
	"gorm.io/gorm"
)

// TransitionParams describes a conditional status change. It only applies while the
// job is still in one of the From states.
type TransitionParams struct {
	ID         snowflake.ID
	From       []Status
	To         Status
	RawOutputs []string
	Error      string
	At         time.Time
}

type ArtifactUpdate struct {
	ID         snowflake.ID
	OutputRefs []string
	Pending    int
	At         time.Time
}

type BillingUpdate struct {
	ID           snowflake.ID
	AmountCents  int64
	SettledCents int64
	Via          Trigger
	At           time.Time
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, job *Job) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Job, error)
	FindByProviderRef(ctx context.Context, db *gorm.DB, provider, ref string) (*Job, error)
	ListByOwner(ctx context.Context, db *gorm.DB, ownerID string, after *pagination.Cursor, limit int) ([]*Job, error)
	CountActiveByOwner(ctx context.Context, db *gorm.DB, ownerID string) (int64, error)

	// SetProviderRef writes the provider reference once; it returns false when one is already set.
	SetProviderRef(ctx context.Context, db *gorm.DB, id snowflake.ID, ref string, at time.Time) (bool, error)
	Transition(ctx context.Context, db *gorm.DB, p TransitionParams) (bool, error)
	// SaveArtifacts stores output references once per succeeded job.
	SaveArtifacts(ctx context.Context, db *gorm.DB, u ArtifactUpdate) (bool, error)
	// ReplaceArtifacts rewrites references of a materialized job if nobody repaired it since
	// expectedAttempts was read.
	ReplaceArtifacts(ctx context.Context, db *gorm.DB, u ArtifactUpdate, expectedAttempts int) (bool, error)
	// RequeueArtifacts points lost objects of a fully stored job back at their provider
	// outputs and restarts the repair budget.
	RequeueArtifacts(ctx context.Context, db *gorm.DB, u ArtifactUpdate, expectedAttempts int) (bool, error)
	MarkBilled(ctx context.Context, db *gorm.DB, u BillingUpdate) (bool, error)

	ListActiveBefore(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]*Job, error)
	// MarkSwept records that the sweep looked at ids, moving them behind jobs it has not seen.
	MarkSwept(ctx context.Context, db *gorm.DB, ids []snowflake.ID, at time.Time) error
	ListUnbilledBefore(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]*Job, error)
	ListPendingArtifacts(ctx context.Context, db *gorm.DB, maxAttempts, limit int) ([]*Job, error)
	// ListStoredArtifacts returns fully stored jobs not swept since before.
	ListStoredArtifacts(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]*Job, error)
}

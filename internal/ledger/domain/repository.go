package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	EnsureBalance(ctx context.Context, db *gorm.DB, ownerID string, at time.Time) error
	GetBalance(ctx context.Context, db *gorm.DB, ownerID string) (*Balance, error)
	SetUnlimited(ctx context.Context, db *gorm.DB, ownerID string, unlimited bool, at time.Time) error
	// ApplyDelta adds delta to the stored balance in one statement.
	ApplyDelta(ctx context.Context, db *gorm.DB, ownerID string, delta int64, at time.Time) (bool, error)

	// InsertTransaction returns false when a row with the same job or reference exists.
	InsertTransaction(ctx context.Context, db *gorm.DB, t *Transaction) (bool, error)
	MarkApplied(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error)
	FindByJobID(ctx context.Context, db *gorm.DB, jobID snowflake.ID) (*Transaction, error)
	FindByReference(ctx context.Context, db *gorm.DB, ownerID, reference string) (*Transaction, error)
	ListByOwner(ctx context.Context, db *gorm.DB, ownerID string, limit int) ([]*Transaction, error)
	ListUnapplied(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]*Transaction, error)
}

type Service interface {
	GetBalance(ctx context.Context, ownerID string) (Balance, error)
	ListTransactions(ctx context.Context, ownerID string, limit int) ([]*Transaction, error)
	TopUp(ctx context.Context, req TopUpRequest) (*Transaction, error)
	Adjust(ctx context.Context, req AdjustRequest) (*Transaction, error)
	SetUnlimited(ctx context.Context, ownerID string, unlimited bool) (Balance, error)

	// ApplyJobCharge must run inside the caller's database transaction so the ledger row
	// and the balance change commit together.
	ApplyJobCharge(ctx context.Context, tx *gorm.DB, charge JobCharge) (ChargeResult, error)
	RepairUnapplied(ctx context.Context, before time.Time, limit int) ([]Inconsistency, error)
}

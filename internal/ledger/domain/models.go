package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type TransactionKind string

const (
	KindUsage      TransactionKind = "usage"
	KindTopUp      TransactionKind = "topup"
	KindAdjustment TransactionKind = "adjustment"
)

// Transaction is an immutable ledger row. Usage rows reference exactly one job; the
// storage layer allows at most one row per job.
type Transaction struct {
	ID          snowflake.ID    `gorm:"column:id"`
	OwnerID     string          `gorm:"column:owner_id"`
	JobID       *snowflake.ID   `gorm:"column:job_id"`
	Reference   *string         `gorm:"column:reference"`
	AmountCents int64           `gorm:"column:amount_cents"`
	Kind        TransactionKind `gorm:"column:kind"`
	Source      string          `gorm:"column:source"`
	AppliedAt   *time.Time      `gorm:"column:applied_at"`
	CreatedAt   time.Time       `gorm:"column:created_at"`
}

func (t *Transaction) Applied() bool {
	return t != nil && t.AppliedAt != nil
}

type Balance struct {
	OwnerID         string    `gorm:"column:owner_id" json:"owner_id"`
	BalanceCents    int64     `gorm:"column:balance_cents" json:"balance_cents"`
	UnlimitedAccess bool      `gorm:"column:unlimited_access" json:"unlimited_access"`
	UpdatedAt       time.Time `gorm:"column:updated_at" json:"updated_at"`
}

// Covers reports whether the balance can pay amount right now.
func (b Balance) Covers(amountCents int64) bool {
	return b.UnlimitedAccess || b.BalanceCents >= amountCents
}

// JobCharge asks the ledger to record the usage charge of one completed job.
type JobCharge struct {
	JobID        snowflake.ID
	OwnerID      string
	SettledCents int64
	Source       string
}

type ChargeResult struct {
	Inserted    bool
	Transaction *Transaction
}

type TopUpRequest struct {
	OwnerID     string
	AmountCents int64
	Reference   string
	Source      string
}

type AdjustRequest struct {
	OwnerID     string
	AmountCents int64
	Reference   string
	Source      string
}

// Inconsistency is a ledger row whose amount never reached the owner's balance.
type Inconsistency struct {
	TransactionID snowflake.ID
	OwnerID       string
	JobID         *snowflake.ID
	AmountCents   int64
	CreatedAt     time.Time
	Repaired      bool
	Err           error
}

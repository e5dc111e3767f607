package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/genledger/internal/ledger/domain"
	"gorm.io/gorm"
)

const transactionColumns = `id, owner_id, job_id, reference, amount_cents, kind, source, applied_at, created_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) EnsureBalance(ctx context.Context, db *gorm.DB, ownerID string, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO balances (owner_id, balance_cents, unlimited_access, updated_at)
		 VALUES (?, 0, FALSE, ?)
		 ON CONFLICT (owner_id) DO NOTHING`,
		ownerID, at,
	).Error
}

func (r *repo) GetBalance(ctx context.Context, db *gorm.DB, ownerID string) (*domain.Balance, error) {
	var item domain.Balance
	err := db.WithContext(ctx).Raw(
		`SELECT owner_id, balance_cents, unlimited_access, updated_at
		 FROM balances
		 WHERE owner_id = ?
		 LIMIT 1`,
		ownerID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.OwnerID == "" {
		return nil, nil
	}
	item.UpdatedAt = item.UpdatedAt.UTC()
	return &item, nil
}

func (r *repo) SetUnlimited(ctx context.Context, db *gorm.DB, ownerID string, unlimited bool, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE balances SET unlimited_access = ?, updated_at = ? WHERE owner_id = ?`,
		unlimited, at, ownerID,
	).Error
}

func (r *repo) ApplyDelta(ctx context.Context, db *gorm.DB, ownerID string, delta int64, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE balances
		 SET balance_cents = balance_cents + ?, updated_at = ?
		 WHERE owner_id = ?`,
		delta, at, ownerID,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// InsertTransaction relies on the unique indexes on job_id and (owner_id, reference).
func (r *repo) InsertTransaction(ctx context.Context, db *gorm.DB, t *domain.Transaction) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO transactions (
			id, owner_id, job_id, reference, amount_cents, kind, source, applied_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		t.ID,
		t.OwnerID,
		t.JobID,
		t.Reference,
		t.AmountCents,
		string(t.Kind),
		t.Source,
		t.AppliedAt,
		t.CreatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkApplied(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE transactions SET applied_at = ? WHERE id = ? AND applied_at IS NULL`,
		at, id,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindByJobID(ctx context.Context, db *gorm.DB, jobID snowflake.ID) (*domain.Transaction, error) {
	return r.findOne(ctx, db, `SELECT `+transactionColumns+` FROM transactions WHERE job_id = ? LIMIT 1`, jobID)
}

func (r *repo) FindByReference(ctx context.Context, db *gorm.DB, ownerID, reference string) (*domain.Transaction, error) {
	return r.findOne(ctx, db,
		`SELECT `+transactionColumns+` FROM transactions WHERE owner_id = ? AND reference = ? LIMIT 1`,
		ownerID, reference,
	)
}

func (r *repo) ListByOwner(ctx context.Context, db *gorm.DB, ownerID string, limit int) ([]*domain.Transaction, error) {
	return r.findMany(ctx, db,
		`SELECT `+transactionColumns+` FROM transactions
		 WHERE owner_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		ownerID, limit,
	)
}

func (r *repo) ListUnapplied(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]*domain.Transaction, error) {
	return r.findMany(ctx, db,
		`SELECT `+transactionColumns+` FROM transactions
		 WHERE applied_at IS NULL AND created_at < ?
		 ORDER BY created_at ASC, id ASC
		 LIMIT ?`,
		before, limit,
	)
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, query string, args ...any) (*domain.Transaction, error) {
	var item domain.Transaction
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&item).Error; err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	item.CreatedAt = item.CreatedAt.UTC()
	return &item, nil
}

func (r *repo) findMany(ctx context.Context, db *gorm.DB, query string, args ...any) ([]*domain.Transaction, error) {
	var items []*domain.Transaction
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&items).Error; err != nil {
		return nil, err
	}
	for _, item := range items {
		item.CreatedAt = item.CreatedAt.UTC()
	}
	return items, nil
}

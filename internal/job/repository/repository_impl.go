package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/genledger/internal/job/domain"
	pkgdb "github.com/smallbiznis/genledger/pkg/db"
	"github.com/smallbiznis/genledger/pkg/db/pagination"
	"gorm.io/gorm"
)

const jobColumns = `id, owner_id, capability, params, provider, provider_ref, status,
	pricing_rule, unit_cost_cents, requested_units, cost_basis_cents, settled_cost_cents,
	raw_outputs, output_refs, materialized_at, pending_artifacts, artifact_repair_attempts,
	billing_state, billed_amount_cents, billed_via, error, created_at, updated_at, completed_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, job *domain.Job) error {
	params, err := domain.EncodeJSON(job.Params)
	if err != nil {
		return err
	}
	return db.WithContext(ctx).Exec(
		`INSERT INTO jobs (
			id, owner_id, capability, params, provider, status, pricing_rule,
			unit_cost_cents, requested_units, cost_basis_cents, pending_artifacts,
			artifact_repair_attempts, billing_state, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?, ?)`,
		job.ID,
		job.OwnerID,
		job.Capability,
		params,
		job.Provider,
		string(job.Status),
		string(job.PricingRule),
		job.UnitCostCents,
		job.RequestedUnits,
		job.CostBasisCents,
		string(domain.BillingPending),
		job.CreatedAt,
		job.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Job, error) {
	return r.findOne(ctx, db, `SELECT `+jobColumns+` FROM jobs WHERE id = ? LIMIT 1`, id)
}

func (r *repo) FindByProviderRef(ctx context.Context, db *gorm.DB, provider, ref string) (*domain.Job, error) {
	return r.findOne(ctx, db,
		`SELECT `+jobColumns+` FROM jobs WHERE provider = ? AND provider_ref = ? LIMIT 1`,
		provider, ref,
	)
}

func (r *repo) ListByOwner(ctx context.Context, db *gorm.DB, ownerID string, after *pagination.Cursor, limit int) ([]*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE owner_id = ?`
	args := []any{ownerID}
	if after != nil {
		createdAt, err := time.Parse(time.RFC3339Nano, after.CreatedAt)
		if err != nil {
			return nil, pagination.ErrInvalidPageToken
		}
		id, err := snowflake.ParseString(after.ID)
		if err != nil {
			return nil, pagination.ErrInvalidPageToken
		}
		query += ` AND (created_at < ? OR (created_at = ? AND id < ?))`
		args = append(args, createdAt.UTC(), createdAt.UTC(), id)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)
	return r.findMany(ctx, db, query, args...)
}

func (r *repo) CountActiveByOwner(ctx context.Context, db *gorm.DB, ownerID string) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM jobs WHERE owner_id = ? AND status IN (?, ?)`,
		ownerID,
		string(domain.StatusStarting),
		string(domain.StatusProcessing),
	).Scan(&count).Error
	return count, err
}

func (r *repo) SetProviderRef(ctx context.Context, db *gorm.DB, id snowflake.ID, ref string, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE jobs SET provider_ref = ?, updated_at = ?
		 WHERE id = ? AND provider_ref IS NULL`,
		ref, at, id,
	)
	if pkgdb.IsDuplicateKeyErr(res.Error) {
		return false, domain.ErrDuplicateProviderRef
	}
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) Transition(ctx context.Context, db *gorm.DB, p domain.TransitionParams) (bool, error) {
	from := p.From
	if len(from) == 0 {
		from = []domain.Status{domain.StatusStarting, domain.StatusProcessing}
	}
	fromValues := make([]string, 0, len(from))
	for _, s := range from {
		if !domain.CanTransition(s, p.To) {
			continue
		}
		fromValues = append(fromValues, string(s))
	}
	if len(fromValues) == 0 {
		return false, nil
	}

	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{string(p.To), p.At}
	if p.To.Terminal() {
		sets = append(sets, "completed_at = ?")
		args = append(args, p.At)
	}
	if p.RawOutputs != nil {
		raw, err := domain.EncodeJSON(p.RawOutputs)
		if err != nil {
			return false, err
		}
		sets = append(sets, "raw_outputs = ?")
		args = append(args, raw)
	}
	if p.Error != "" {
		sets = append(sets, "error = ?")
		args = append(args, p.Error)
	}
	args = append(args, p.ID, fromValues)

	res := db.WithContext(ctx).Exec(
		`UPDATE jobs SET `+strings.Join(sets, ", ")+` WHERE id = ? AND status IN ?`,
		args...,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) SaveArtifacts(ctx context.Context, db *gorm.DB, u domain.ArtifactUpdate) (bool, error) {
	refs, err := domain.EncodeJSON(nonNil(u.OutputRefs))
	if err != nil {
		return false, err
	}
	res := db.WithContext(ctx).Exec(
		`UPDATE jobs
		 SET output_refs = ?, pending_artifacts = ?, materialized_at = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND materialized_at IS NULL`,
		refs, u.Pending, u.At, u.At,
		u.ID, string(domain.StatusSucceeded),
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ReplaceArtifacts(ctx context.Context, db *gorm.DB, u domain.ArtifactUpdate, expectedAttempts int) (bool, error) {
	refs, err := domain.EncodeJSON(nonNil(u.OutputRefs))
	if err != nil {
		return false, err
	}
	res := db.WithContext(ctx).Exec(
		`UPDATE jobs
		 SET output_refs = ?, pending_artifacts = ?,
		     artifact_repair_attempts = artifact_repair_attempts + 1, updated_at = ?
		 WHERE id = ? AND materialized_at IS NOT NULL AND artifact_repair_attempts = ?`,
		refs, u.Pending, u.At,
		u.ID, expectedAttempts,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) RequeueArtifacts(ctx context.Context, db *gorm.DB, u domain.ArtifactUpdate, expectedAttempts int) (bool, error) {
	refs, err := domain.EncodeJSON(nonNil(u.OutputRefs))
	if err != nil {
		return false, err
	}
	res := db.WithContext(ctx).Exec(
		`UPDATE jobs
		 SET output_refs = ?, pending_artifacts = ?, artifact_repair_attempts = 0, updated_at = ?
		 WHERE id = ? AND materialized_at IS NOT NULL AND pending_artifacts = 0
		   AND artifact_repair_attempts = ?`,
		refs, u.Pending, u.At,
		u.ID, expectedAttempts,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkBilled(ctx context.Context, db *gorm.DB, u domain.BillingUpdate) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE jobs
		 SET billing_state = ?, billed_amount_cents = ?, settled_cost_cents = ?, billed_via = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND billing_state = ?`,
		string(domain.BillingComplete), u.AmountCents, u.SettledCents, string(u.Via), u.At,
		u.ID, string(domain.StatusSucceeded), string(domain.BillingPending),
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ListActiveBefore returns active jobs the provider can be asked about, least recently swept
// first. Jobs without a provider ref have nothing to query and are left out.
func (r *repo) ListActiveBefore(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]*domain.Job, error) {
	return r.findMany(ctx, db,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status IN (?, ?) AND created_at < ? AND provider_ref IS NOT NULL
		 ORDER BY COALESCE(swept_at, created_at) ASC, id ASC
		 LIMIT ?`,
		string(domain.StatusStarting), string(domain.StatusProcessing), before, limit,
	)
}

func (r *repo) MarkSwept(ctx context.Context, db *gorm.DB, ids []snowflake.ID, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return db.WithContext(ctx).Exec(`UPDATE jobs SET swept_at = ? WHERE id IN ?`, at, ids).Error
}

func (r *repo) ListUnbilledBefore(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]*domain.Job, error) {
	return r.findMany(ctx, db,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE billing_state = ? AND status = ? AND updated_at < ?
		 ORDER BY updated_at ASC, id ASC
		 LIMIT ?`,
		string(domain.BillingPending), string(domain.StatusSucceeded), before, limit,
	)
}

func (r *repo) ListPendingArtifacts(ctx context.Context, db *gorm.DB, maxAttempts, limit int) ([]*domain.Job, error) {
	return r.findMany(ctx, db,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status = ? AND materialized_at IS NOT NULL AND pending_artifacts > 0
		   AND artifact_repair_attempts < ?
		 ORDER BY updated_at ASC, id ASC
		 LIMIT ?`,
		string(domain.StatusSucceeded), maxAttempts, limit,
	)
}

func (r *repo) ListStoredArtifacts(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]*domain.Job, error) {
	return r.findMany(ctx, db,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status = ? AND materialized_at IS NOT NULL AND pending_artifacts = 0
		   AND (swept_at IS NULL OR swept_at < ?)
		 ORDER BY COALESCE(swept_at, materialized_at) ASC, id ASC
		 LIMIT ?`,
		string(domain.StatusSucceeded), before, limit,
	)
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, query string, args ...any) (*domain.Job, error) {
	var row domain.Row
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&row).Error; err != nil {
		return nil, err
	}
	if row.ID == 0 {
		return nil, nil
	}
	return row.ToJob()
}

func (r *repo) findMany(ctx context.Context, db *gorm.DB, query string, args ...any) ([]*domain.Job, error) {
	var rows []domain.Row
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&rows).Error; err != nil {
		return nil, err
	}
	jobs := make([]*domain.Job, 0, len(rows))
	for _, row := range rows {
		job, err := row.ToJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func nonNil(refs []string) []string {
	if refs == nil {
		return []string{}
	}
	return refs
}

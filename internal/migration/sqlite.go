package migration

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// SQLiteSchema mirrors the postgres migrations using types sqlite understands.
var SQLiteSchema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id BIGINT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		capability TEXT NOT NULL,
		params TEXT NOT NULL DEFAULT '{}',
		provider TEXT NOT NULL,
		provider_ref TEXT,
		status TEXT NOT NULL,
		pricing_rule TEXT NOT NULL,
		unit_cost_cents BIGINT NOT NULL DEFAULT 0,
		requested_units INTEGER NOT NULL DEFAULT 1,
		cost_basis_cents BIGINT NOT NULL DEFAULT 0,
		settled_cost_cents BIGINT,
		raw_outputs TEXT,
		output_refs TEXT,
		materialized_at TIMESTAMP,
		pending_artifacts INTEGER NOT NULL DEFAULT 0,
		artifact_repair_attempts INTEGER NOT NULL DEFAULT 0,
		billing_state TEXT NOT NULL DEFAULT 'pending',
		billed_amount_cents BIGINT,
		billed_via TEXT,
		error TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		swept_at TIMESTAMP
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_jobs_provider_ref ON jobs (provider, provider_ref)`,
	`CREATE TABLE IF NOT EXISTS balances (
		owner_id TEXT PRIMARY KEY,
		balance_cents BIGINT NOT NULL DEFAULT 0,
		unlimited_access BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS transactions (
		id BIGINT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		job_id BIGINT,
		reference TEXT,
		amount_cents BIGINT NOT NULL,
		kind TEXT NOT NULL,
		source TEXT NOT NULL,
		applied_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_transactions_job_id ON transactions (job_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_transactions_reference ON transactions (owner_id, reference)`,
	`CREATE TABLE IF NOT EXISTS platform_settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
}

// ApplySQLite creates the schema on a sqlite database. It is safe to run on every start.
func ApplySQLite(db *gorm.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}
	for _, stmt := range SQLiteSchema {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("apply sqlite schema: %w", err)
		}
	}
	return nil
}

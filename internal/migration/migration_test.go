package migration

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(embeddedMigrations, migrationsDir)
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	ups, downs := map[string]bool{}, map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		}
	}
	assert.Equal(t, ups, downs)
}

func TestSchemaGuardsBillingRace(t *testing.T) {
	body, err := fs.ReadFile(embeddedMigrations, migrationsDir+"/000001_jobs_and_ledger.up.sql")
	require.NoError(t, err)
	assert.Contains(t, string(body), "ux_transactions_job_id ON transactions (job_id)")
}

func TestSchemaTracksSweepRotation(t *testing.T) {
	body, err := fs.ReadFile(embeddedMigrations, migrationsDir+"/000002_jobs_swept_at.up.sql")
	require.NoError(t, err)
	assert.Contains(t, string(body), "ADD COLUMN IF NOT EXISTS swept_at")
}

func TestRunMigrationsRequiresDB(t *testing.T) {
	assert.Error(t, RunMigrations(nil))
	assert.Error(t, ApplySQLite(nil))
}

func TestApplySQLiteIsRepeatable(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file:migration_sqlite?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, ApplySQLite(db))
	require.NoError(t, ApplySQLite(db))

	var count int64
	require.NoError(t, db.Raw(`SELECT COUNT(1) FROM sqlite_master WHERE type = 'table' AND name IN ('jobs', 'balances', 'transactions', 'platform_settings')`).Scan(&count).Error)
	assert.Equal(t, int64(4), count)
}

package settings

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/genledger/internal/clock"
	"github.com/smallbiznis/genledger/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestServiceCachesUntilTTL(t *testing.T) {
	db := testutil.OpenDB(t)
	clk := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	svc, err := newService(db, zap.NewNop(), clk, time.Minute)
	require.NoError(t, err)
	ctx := context.Background()

	got, err := svc.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, Settings{}, got)

	// Written behind the cache's back, as another instance would.
	require.NoError(t, db.Exec(`INSERT INTO platform_settings (key, value, updated_at) VALUES (?, ?, ?)`,
		KeySubmissionsPaused, "true", clk.Now()).Error)

	got, err = svc.Get(ctx)
	require.NoError(t, err)
	assert.False(t, got.SubmissionsPaused)

	clk.Advance(2 * time.Minute)
	got, err = svc.Get(ctx)
	require.NoError(t, err)
	assert.True(t, got.SubmissionsPaused)
}

func TestServiceSetInvalidates(t *testing.T) {
	db := testutil.OpenDB(t)
	clk := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	svc, err := newService(db, zap.NewNop(), clk, time.Hour)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = svc.Get(ctx)
	require.NoError(t, err)

	require.NoError(t, svc.Set(ctx, KeyMaxActiveJobsPerOwner, "3"))
	require.NoError(t, svc.Set(ctx, KeyMaxActiveJobsPerOwner, "5"))
	got, err := svc.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, got.MaxActiveJobsPerOwner)
	assert.Equal(t, int64(1), testutil.Count(t, db, "platform_settings", ""))

	assert.ErrorIs(t, svc.Set(ctx, "colour", "red"), ErrUnknownKey)
	assert.Error(t, svc.Set(ctx, KeySubmissionsPaused, "maybe"))
	assert.Error(t, svc.Set(ctx, KeyMaxActiveJobsPerOwner, "-1"))
}

func TestMalformedValuesAreIgnored(t *testing.T) {
	db := testutil.OpenDB(t)
	clk := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, db.Exec(`INSERT INTO platform_settings (key, value, updated_at) VALUES (?, ?, ?), (?, ?, ?)`,
		KeySubmissionsPaused, "perhaps", clk.Now(),
		KeyMaxActiveJobsPerOwner, "ten", clk.Now()).Error)

	svc, err := newService(db, zap.NewNop(), clk, time.Minute)
	require.NoError(t, err)
	got, err := svc.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Settings{}, got)
}

func TestParseHelpers(t *testing.T) {
	v, ok := ParseBool(" YES ")
	assert.True(t, ok)
	assert.True(t, v)
	_, ok = ParseBool("")
	assert.False(t, ok)

	n, ok := ParseInt(" 12 ")
	assert.True(t, ok)
	assert.Equal(t, 12, n)
	_, ok = ParseInt("1.5")
	assert.False(t, ok)
}

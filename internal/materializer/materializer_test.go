package materializer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smallbiznis/genledger/internal/clock"
	"github.com/smallbiznis/genledger/internal/job/jobtest"
	"github.com/smallbiznis/genledger/internal/job/repository"
	"github.com/smallbiznis/genledger/internal/storage"
	"github.com/smallbiznis/genledger/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var pngBytes = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0, 0, 0, 0x0D, 0x49, 0x48, 0x44, 0x52, 1, 2, 3}

type origin struct {
	srv     *httptest.Server
	hits    atomic.Int64
	healthy atomic.Bool
}

func newOrigin(t *testing.T) *origin {
	o := &origin{}
	o.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.hits.Add(1)
		switch r.URL.Path {
		case "/flaky.png":
			if !o.healthy.Load() {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			_, _ = w.Write(pngBytes)
		case "/blob":
			w.Header().Set("Content-Type", "image/webp; charset=binary")
			_, _ = w.Write([]byte{0x00, 0x01, 0x02, 0x03, 0x04})
		default:
			_, _ = w.Write(pngBytes)
		}
	}))
	t.Cleanup(o.srv.Close)
	return o
}

func (o *origin) url(path string) string { return o.srv.URL + path }

type fixture struct {
	db    *gorm.DB
	store *storage.FileStore
	m     *Materializer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.OpenDB(t)
	store, err := storage.NewFileStore(t.TempDir(), "https://cdn.test")
	require.NoError(t, err)
	m := New(Params{
		DB:    db,
		Log:   zap.NewNop(),
		Clock: clock.NewFakeClock(jobtest.Base.Add(time.Hour)),
		Repo:  repository.Provide(),
		Store: store,
	})
	return &fixture{db: db, store: store, m: m}
}

func TestMaterializeStoresEveryOutput(t *testing.T) {
	f := newFixture(t)
	o := newOrigin(t)
	jobtest.Insert(t, f.db, 1)
	job := jobtest.Succeed(t, f.db, 1, o.url("/a.png"), o.url("/b.png"))

	refs, err := f.m.Materialize(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://cdn.test/owners/owner-1/jobs/1/0.png",
		"https://cdn.test/owners/owner-1/jobs/1/1.png",
	}, refs)

	stored := jobtest.Reload(t, f.db, 1)
	assert.True(t, stored.Materialized())
	assert.Equal(t, refs, stored.OutputRefs)
	assert.Equal(t, 0, stored.PendingArtifacts)

	data, err := f.store.Get(context.Background(), "owners/owner-1/jobs/1/0.png")
	require.NoError(t, err)
	assert.Equal(t, pngBytes, data)
}

func TestMaterializeIsIdempotent(t *testing.T) {
	f := newFixture(t)
	o := newOrigin(t)
	jobtest.Insert(t, f.db, 1)
	stale := jobtest.Succeed(t, f.db, 1, o.url("/a.png"))

	first, err := f.m.Materialize(context.Background(), stale)
	require.NoError(t, err)
	hits := o.hits.Load()

	again, err := f.m.Materialize(context.Background(), jobtest.Reload(t, f.db, 1))
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.Equal(t, hits, o.hits.Load())

	// A caller holding the pre-materialization row loses the write and gets the stored refs.
	raced, err := f.m.Materialize(context.Background(), stale)
	require.NoError(t, err)
	assert.Equal(t, first, raced)
	assert.Equal(t, int64(1), testutil.Count(t, f.db, "jobs", "materialized_at IS NOT NULL"))
}

func TestMaterializeKeepsPlaceholderForFailedSlot(t *testing.T) {
	f := newFixture(t)
	o := newOrigin(t)
	jobtest.Insert(t, f.db, 1)
	job := jobtest.Succeed(t, f.db, 1, o.url("/a.png"), o.url("/flaky.png"), o.url("/c.png"))

	refs, err := f.m.Materialize(context.Background(), job)
	require.NoError(t, err)
	require.Len(t, refs, 3)
	assert.True(t, f.store.IsDurable(refs[0]))
	assert.Equal(t, o.url("/flaky.png"), refs[1])
	assert.True(t, f.store.IsDurable(refs[2]))

	stored := jobtest.Reload(t, f.db, 1)
	assert.Equal(t, 1, stored.PendingArtifacts)
	assert.Len(t, stored.OutputRefs, 3)
}

func TestMaterializeRequiresSucceededJob(t *testing.T) {
	f := newFixture(t)
	job := jobtest.Insert(t, f.db, 1)

	_, err := f.m.Materialize(context.Background(), job)
	assert.ErrorIs(t, err, ErrNotSucceeded)
}

func TestMaterializeFallsBackToHeaderContentType(t *testing.T) {
	f := newFixture(t)
	o := newOrigin(t)
	jobtest.Insert(t, f.db, 1)
	job := jobtest.Succeed(t, f.db, 1, o.url("/blob"))

	refs, err := f.m.Materialize(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://cdn.test/owners/owner-1/jobs/1/0.webp"}, refs)

	info, err := f.store.Head(context.Background(), "owners/owner-1/jobs/1/0.webp")
	require.NoError(t, err)
	assert.Equal(t, "image/webp", info.ContentType)
}

func TestRepairRetriesOnlyPlaceholders(t *testing.T) {
	f := newFixture(t)
	o := newOrigin(t)
	jobtest.Insert(t, f.db, 1)
	job := jobtest.Succeed(t, f.db, 1, o.url("/a.png"), o.url("/flaky.png"))
	_, err := f.m.Materialize(context.Background(), job)
	require.NoError(t, err)

	before := jobtest.Reload(t, f.db, 1)
	o.healthy.Store(true)
	hits := o.hits.Load()

	repaired, err := f.m.Repair(context.Background(), before)
	require.NoError(t, err)
	assert.Equal(t, 1, repaired)
	assert.Equal(t, hits+1, o.hits.Load())

	after := jobtest.Reload(t, f.db, 1)
	assert.Equal(t, 0, after.PendingArtifacts)
	assert.Equal(t, 1, after.RepairAttempts)
	assert.Equal(t, before.OutputRefs[0], after.OutputRefs[0])
	assert.Equal(t, "https://cdn.test/owners/owner-1/jobs/1/1.png", after.OutputRefs[1])

	// The same snapshot again loses the compare-and-swap.
	repaired, err = f.m.Repair(context.Background(), before)
	require.NoError(t, err)
	assert.Equal(t, 0, repaired)
	assert.Equal(t, 1, jobtest.Reload(t, f.db, 1).RepairAttempts)
}

func TestRepairCountsFailedAttempt(t *testing.T) {
	f := newFixture(t)
	o := newOrigin(t)
	jobtest.Insert(t, f.db, 1)
	job := jobtest.Succeed(t, f.db, 1, o.url("/flaky.png"))
	_, err := f.m.Materialize(context.Background(), job)
	require.NoError(t, err)

	repaired, err := f.m.Repair(context.Background(), jobtest.Reload(t, f.db, 1))
	require.NoError(t, err)
	assert.Equal(t, 0, repaired)

	after := jobtest.Reload(t, f.db, 1)
	assert.Equal(t, 1, after.PendingArtifacts)
	assert.Equal(t, 1, after.RepairAttempts)
}

func TestVerifyReportsMissingObjects(t *testing.T) {
	f := newFixture(t)
	o := newOrigin(t)
	jobtest.Insert(t, f.db, 1)
	job := jobtest.Succeed(t, f.db, 1, o.url("/a.png"), o.url("/flaky.png"), o.url("/c.png"))
	_, err := f.m.Materialize(context.Background(), job)
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(f.store.BasePath(), "owners", "owner-1", "jobs", "1", "2.png")))

	missing, err := f.m.Verify(context.Background(), jobtest.Reload(t, f.db, 1))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, missing)

	_, err = f.m.Verify(context.Background(), jobtest.Insert(t, f.db, 2))
	assert.ErrorIs(t, err, ErrNotMaterialized)
}

func TestRequeuePointsLostObjectsBackAtProvider(t *testing.T) {
	f := newFixture(t)
	o := newOrigin(t)
	jobtest.Insert(t, f.db, 1)
	job := jobtest.Succeed(t, f.db, 1, o.url("/a.png"), o.url("/b.png"))
	refs, err := f.m.Materialize(context.Background(), job)
	require.NoError(t, err)

	requeued, err := f.m.Requeue(context.Background(), jobtest.Reload(t, f.db, 1))
	require.NoError(t, err)
	assert.Equal(t, 0, requeued)

	require.NoError(t, os.Remove(filepath.Join(f.store.BasePath(), "owners", "owner-1", "jobs", "1", "1.png")))
	requeued, err = f.m.Requeue(context.Background(), jobtest.Reload(t, f.db, 1))
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)

	after := jobtest.Reload(t, f.db, 1)
	assert.Equal(t, []string{refs[0], o.url("/b.png")}, after.OutputRefs)
	assert.Equal(t, 1, after.PendingArtifacts)
	assert.Equal(t, 0, after.RepairAttempts)

	// A job already waiting on repair is not checked again.
	requeued, err = f.m.Requeue(context.Background(), after)
	require.NoError(t, err)
	assert.Equal(t, 0, requeued)

	repaired, err := f.m.Repair(context.Background(), after)
	require.NoError(t, err)
	assert.Equal(t, 1, repaired)
	assert.Equal(t, refs, jobtest.Reload(t, f.db, 1).OutputRefs)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "owners/a%2Fb/jobs/9/3.mp4", Key("a/b", "9", 3, ".mp4"))
}

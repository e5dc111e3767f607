package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/genledger/internal/billing"
	"github.com/smallbiznis/genledger/internal/clock"
	"github.com/smallbiznis/genledger/internal/config"
	jobdomain "github.com/smallbiznis/genledger/internal/job/domain"
	"github.com/smallbiznis/genledger/internal/job/repository"
	ledgerdomain "github.com/smallbiznis/genledger/internal/ledger/domain"
	ledgerrepository "github.com/smallbiznis/genledger/internal/ledger/repository"
	ledgerservice "github.com/smallbiznis/genledger/internal/ledger/service"
	"github.com/smallbiznis/genledger/internal/materializer"
	"github.com/smallbiznis/genledger/internal/provider/adapters"
	"github.com/smallbiznis/genledger/internal/provider/providertest"
	"github.com/smallbiznis/genledger/internal/settings"
	"github.com/smallbiznis/genledger/internal/storage"
	"github.com/smallbiznis/genledger/internal/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var pngBytes = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0, 0, 0, 0x0D, 0x49, 0x48, 0x44, 0x52}

type engine struct {
	db         *gorm.DB
	clock      *clock.FakeClock
	provider   *providertest.Provider
	ledger     ledgerdomain.Service
	settings   *settings.Service
	store      *storage.FileStore
	origin     *httptest.Server
	submitter  *Submitter
	resolver   *Resolver
	completion *Completion
	query      *Query
}

type denyAll struct{}

func (denyAll) Allow(context.Context, string) bool { return false }

func newEngine(t *testing.T, throttle Throttle) *engine {
	t.Helper()
	db := testutil.OpenDB(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/broken.png" {
			w.WriteHeader(http.StatusGone)
			return
		}
		_, _ = w.Write(pngBytes)
	}))
	t.Cleanup(origin.Close)

	store, err := storage.NewFileStore(t.TempDir(), "https://cdn.test")
	require.NoError(t, err)

	fake := providertest.New()
	registry := adapters.NewStaticRegistry(fake)
	jobs := repository.Provide()

	ledger := ledgerservice.NewService(ledgerservice.Params{
		DB: db, Log: log, GenID: node, Clock: clk, Repo: ledgerrepository.Provide(),
	})
	settingsSvc, err := settings.NewService(settings.Params{DB: db, Log: log, Clock: clk})
	require.NoError(t, err)

	mat := materializer.New(materializer.Params{DB: db, Log: log, Clock: clk, Repo: jobs, Store: store})
	rec := billing.NewReconciler(billing.Params{DB: db, Log: log, Clock: clk, Jobs: jobs, Ledger: ledger})

	resolver := NewResolver(ResolverParams{DB: db, Log: log, Clock: clk, Repo: jobs, Providers: registry})
	completion := NewCompletion(CompletionParams{
		DB: db, Log: log, Repo: jobs, Resolver: resolver, Materializer: mat, Reconciler: rec,
	})
	submitter := NewSubmitter(SubmitterParams{
		DB:        db,
		Log:       log,
		Clock:     clk,
		GenID:     node,
		Config:    config.Config{PublicBaseURL: "https://api.test/"},
		Repo:      jobs,
		Catalog:   config.NewStaticCatalog(config.DefaultCatalog()),
		Providers: registry,
		Ledger:    ledger,
		Settings:  settingsSvc,
	})
	query := NewQuery(QueryParams{DB: db, Log: log, Repo: jobs, Completion: completion, Throttle: throttle})

	return &engine{
		db:         db,
		clock:      clk,
		provider:   fake,
		ledger:     ledger,
		settings:   settingsSvc,
		store:      store,
		origin:     origin,
		submitter:  submitter,
		resolver:   resolver,
		completion: completion,
		query:      query,
	}
}

func (e *engine) topUp(t *testing.T, owner string, cents int64) {
	t.Helper()
	_, err := e.ledger.TopUp(context.Background(), ledgerdomain.TopUpRequest{OwnerID: owner, AmountCents: cents})
	require.NoError(t, err)
}

func (e *engine) balance(t *testing.T, owner string) int64 {
	t.Helper()
	b, err := e.ledger.GetBalance(context.Background(), owner)
	require.NoError(t, err)
	return b.BalanceCents
}

func (e *engine) submit(t *testing.T, owner, capability string, params map[string]any) *jobdomain.Job {
	t.Helper()
	job, err := e.submitter.Submit(context.Background(), SubmitRequest{OwnerID: owner, Capability: capability, Params: params})
	require.NoError(t, err)
	return job
}

func (e *engine) reload(t *testing.T, id snowflake.ID) *jobdomain.Job {
	t.Helper()
	job, err := repository.Provide().FindByID(context.Background(), e.db, id)
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

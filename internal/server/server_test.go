package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/genledger/internal/billing"
	"github.com/smallbiznis/genledger/internal/clock"
	"github.com/smallbiznis/genledger/internal/config"
	"github.com/smallbiznis/genledger/internal/job/repository"
	jobservice "github.com/smallbiznis/genledger/internal/job/service"
	ledgerrepository "github.com/smallbiznis/genledger/internal/ledger/repository"
	ledgerservice "github.com/smallbiznis/genledger/internal/ledger/service"
	"github.com/smallbiznis/genledger/internal/materializer"
	"github.com/smallbiznis/genledger/internal/observability"
	"github.com/smallbiznis/genledger/internal/provider/adapters"
	providerdomain "github.com/smallbiznis/genledger/internal/provider/domain"
	"github.com/smallbiznis/genledger/internal/provider/providertest"
	"github.com/smallbiznis/genledger/internal/settings"
	"github.com/smallbiznis/genledger/internal/storage"
	"github.com/smallbiznis/genledger/internal/testutil"
	"github.com/smallbiznis/genledger/internal/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testInternalToken = "internal-secret"

var pngBytes = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0, 0, 0, 0x0D, 0x49, 0x48, 0x44, 0x52}

type harness struct {
	server   *Server
	provider *providertest.Provider
	origin   *httptest.Server
}

func newHarness(t *testing.T, cfg config.Config) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.OpenDB(t)
	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
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
	resolver := jobservice.NewResolver(jobservice.ResolverParams{DB: db, Log: log, Clock: clk, Repo: jobs, Providers: registry})
	completion := jobservice.NewCompletion(jobservice.CompletionParams{
		DB: db, Log: log, Repo: jobs, Resolver: resolver, Materializer: mat, Reconciler: rec,
	})
	if cfg.PublicBaseURL == "" {
		cfg.PublicBaseURL = "https://api.test"
	}

	srv := NewServer(ServerParams{
		Gin: NewEngine(observability.Config{}, nil),
		Cfg: cfg,
		Submitter: jobservice.NewSubmitter(jobservice.SubmitterParams{
			DB:        db,
			Log:       log,
			Clock:     clk,
			GenID:     node,
			Config:    cfg,
			Repo:      jobs,
			Catalog:   config.NewStaticCatalog(config.DefaultCatalog()),
			Providers: registry,
			Ledger:    ledger,
			Settings:  settingsSvc,
		}),
		Query:    jobservice.NewQuery(jobservice.QueryParams{DB: db, Log: log, Repo: jobs, Completion: completion}),
		Webhooks: webhook.NewService(webhook.Params{DB: db, Log: log, Clock: clk, Repo: jobs, Providers: registry, Completion: completion}),
		Ledger:   ledger,
		Settings: settingsSvc,
	})
	return &harness{server: srv, provider: fake, origin: origin}
}

func (h *harness) do(t *testing.T, method, path, owner string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if owner != "" {
		req.Header.Set(HeaderOwnerID, owner)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.server.Engine().ServeHTTP(rec, req)
	return rec
}

func (h *harness) topUp(t *testing.T, owner string, cents int64) {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/internal/v1/owners/"+owner+"/topups", "",
		map[string]any{"amount_cents": cents}, HeaderInternalToken, testInternalToken)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func dataOf(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	data, ok := decode(t, rec)["data"].(map[string]any)
	require.True(t, ok, rec.Body.String())
	return data
}

func errorOf(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	payload, ok := decode(t, rec)["error"].(map[string]any)
	require.True(t, ok, rec.Body.String())
	return payload
}

func TestHealth(t *testing.T) {
	h := newHarness(t, config.Config{})
	rec := h.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestOwnerIsRequired(t *testing.T) {
	h := newHarness(t, config.Config{})

	rec := h.do(t, http.MethodGet, "/v1/jobs", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "owner identity missing", errorOf(t, rec)["message"])

	rec = h.do(t, http.MethodGet, "/v1/jobs", "", nil, HeaderOwnerID, "a/b")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "owner identity invalid", errorOf(t, rec)["message"])
}

func TestCreateJobWithoutFundsReturnsPaymentRequired(t *testing.T) {
	h := newHarness(t, config.Config{})

	rec := h.do(t, http.MethodPost, "/v1/jobs", "owner-1", map[string]any{
		"capability": "text-to-image",
		"params":     map[string]any{"prompt": "a lighthouse", "num_outputs": 2},
	})
	require.Equal(t, http.StatusPaymentRequired, rec.Code, rec.Body.String())
	payload := errorOf(t, rec)
	assert.Equal(t, "insufficient_funds", payload["type"])
	assert.Equal(t, float64(20), payload["required_cents"])
	assert.Equal(t, float64(0), payload["available_cents"])
	assert.Empty(t, h.provider.Submissions())
}

func TestCreateJobValidation(t *testing.T) {
	h := newHarness(t, config.Config{})

	rec := h.do(t, http.MethodPost, "/v1/jobs", "owner-1", []byte("{"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/v1/jobs", "owner-1", map[string]any{"capability": "teleportation"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	errs := errorOf(t, rec)["errors"].([]any)
	require.Len(t, errs, 1)
	assert.Equal(t, "invalid_capability", errs[0].(map[string]any)["code"])
}

func TestJobLifecycleOverHTTP(t *testing.T) {
	h := newHarness(t, config.Config{InternalToken: testInternalToken})
	h.topUp(t, "owner-1", 500)

	rec := h.do(t, http.MethodPost, "/v1/jobs", "owner-1", map[string]any{
		"capability": "text-to-image",
		"params":     map[string]any{"prompt": "a lighthouse"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	created := dataOf(t, rec)
	jobID := created["id"].(string)
	assert.Equal(t, "starting", created["status"])
	assert.Empty(t, created["outputs"])

	// Other owners cannot see it.
	rec = h.do(t, http.MethodGet, "/v1/jobs/"+jobID, "owner-2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	h.provider.Complete("ref_1", providerdomain.StateSucceeded, h.origin.URL+"/out.png")
	rec = h.do(t, http.MethodPost, "/v1/webhooks/fake?job_id="+jobID, "", []byte("ref_1"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "succeeded", decode(t, rec)["job_status"])

	rec = h.do(t, http.MethodGet, "/v1/jobs/"+jobID, "owner-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	job := dataOf(t, rec)
	assert.Equal(t, "succeeded", job["status"])
	assert.Equal(t, "complete", job["billing_state"])
	assert.Equal(t, "webhook", job["billed_via"])
	assert.Equal(t, float64(10), job["billed_amount_cents"])
	outputs := job["outputs"].([]any)
	require.Len(t, outputs, 1)
	assert.True(t, strings.HasPrefix(outputs[0].(string), "https://cdn.test/"))

	rec = h.do(t, http.MethodGet, "/v1/balance", "owner-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(490), dataOf(t, rec)["balance_cents"])

	rec = h.do(t, http.MethodGet, "/v1/transactions", "owner-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	txns := decode(t, rec)["data"].([]any)
	require.Len(t, txns, 2)

	rec = h.do(t, http.MethodGet, "/v1/jobs", "owner-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["data"].([]any), 1)
}

func TestWebhookRejectsBadSignatureAndUnknownProvider(t *testing.T) {
	h := newHarness(t, config.Config{})

	rec := h.do(t, http.MethodPost, "/v1/webhooks/nope", "", []byte("ref_1"))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	h.provider.RejectSignatures(errors.New("bad mac"))
	rec = h.do(t, http.MethodPost, "/v1/webhooks/fake", "", []byte("ref_1"))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid webhook signature", errorOf(t, rec)["message"])
}

func TestProviderRejectionReturnsBadGateway(t *testing.T) {
	h := newHarness(t, config.Config{InternalToken: testInternalToken})
	h.topUp(t, "owner-1", 500)
	h.provider.FailSubmit(&providerdomain.HTTPError{Operation: "submit", StatusCode: http.StatusServiceUnavailable})

	rec := h.do(t, http.MethodPost, "/v1/jobs", "owner-1", map[string]any{"capability": "image-upscale"})
	require.Equal(t, http.StatusBadGateway, rec.Code, rec.Body.String())
	payload := errorOf(t, rec)
	assert.Equal(t, "submission_failed", payload["type"])
	assert.NotEmpty(t, payload["job_id"])
}

func TestInternalRoutesRequireToken(t *testing.T) {
	disabled := newHarness(t, config.Config{})
	rec := disabled.do(t, http.MethodPost, "/internal/v1/owners/owner-1/topups", "", map[string]any{"amount_cents": 5})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	h := newHarness(t, config.Config{InternalToken: testInternalToken})
	rec = h.do(t, http.MethodPost, "/internal/v1/owners/owner-1/topups", "", map[string]any{"amount_cents": 5},
		HeaderInternalToken, "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodPost, "/internal/v1/owners/owner-1/topups", "", map[string]any{"amount_cents": 5},
		"Authorization", "Bearer "+testInternalToken)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPost, "/internal/v1/owners/owner-1/topups", "", map[string]any{"amount_cents": -5},
		HeaderInternalToken, testInternalToken)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTopUpReferenceReplay(t *testing.T) {
	h := newHarness(t, config.Config{InternalToken: testInternalToken})
	path := "/internal/v1/owners/owner-1/topups"

	first := h.do(t, http.MethodPost, path, "", map[string]any{"amount_cents": 50, "reference": "inv-1"},
		HeaderInternalToken, testInternalToken)
	require.Equal(t, http.StatusOK, first.Code)
	again := h.do(t, http.MethodPost, path, "", map[string]any{"amount_cents": 50, "reference": "inv-1"},
		HeaderInternalToken, testInternalToken)
	require.Equal(t, http.StatusOK, again.Code)
	assert.Equal(t, dataOf(t, first)["id"], dataOf(t, again)["id"])

	conflict := h.do(t, http.MethodPost, path, "", map[string]any{"amount_cents": 70, "reference": "inv-1"},
		HeaderInternalToken, testInternalToken)
	assert.Equal(t, http.StatusConflict, conflict.Code)

	rec := h.do(t, http.MethodGet, "/v1/balance", "owner-1", nil)
	assert.Equal(t, float64(50), dataOf(t, rec)["balance_cents"])
}

func TestPausedSubmissionsAndActiveJobCap(t *testing.T) {
	h := newHarness(t, config.Config{InternalToken: testInternalToken})
	h.topUp(t, "owner-1", 500)
	put := func(key, value string) {
		rec := h.do(t, http.MethodPut, "/internal/v1/settings/"+key, "", map[string]any{"value": value},
			HeaderInternalToken, testInternalToken)
		require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	}
	body := map[string]any{"capability": "image-upscale"}

	put(settings.KeySubmissionsPaused, "true")
	rec := h.do(t, http.MethodPost, "/v1/jobs", "owner-1", body)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "submissions_paused", errorOf(t, rec)["type"])

	put(settings.KeySubmissionsPaused, "false")
	put(settings.KeyMaxActiveJobsPerOwner, "1")
	rec = h.do(t, http.MethodPost, "/v1/jobs", "owner-1", body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	rec = h.do(t, http.MethodPost, "/v1/jobs", "owner-1", body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec = h.do(t, http.MethodPut, "/internal/v1/settings/colour", "", map[string]any{"value": "blue"},
		HeaderInternalToken, testInternalToken)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

package service

import (
	"context"
	"sync"
	"testing"

	jobdomain "github.com/smallbiznis/genledger/internal/job/domain"
	providerdomain "github.com/smallbiznis/genledger/internal/provider/domain"
	"github.com/smallbiznis/genledger/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookAndPollRaceBillOnce(t *testing.T) {
	e := newEngine(t, nil)
	e.topUp(t, "owner-1", 500)
	job := e.submit(t, "owner-1", "text-to-video", nil)
	observed := e.provider.Complete(job.ProviderRef, providerdomain.StateSucceeded, e.origin.URL+"/v.png")

	var wg sync.WaitGroup
	var webhookErr, pollErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, webhookErr = e.completion.Run(context.Background(), job, jobdomain.TriggerWebhook, &observed)
	}()
	go func() {
		defer wg.Done()
		_, pollErr = e.query.Poll(context.Background(), "owner-1", job.ID)
	}()
	wg.Wait()
	require.NoError(t, webhookErr)
	require.NoError(t, pollErr)

	stored := e.reload(t, job.ID)
	assert.Equal(t, jobdomain.StatusSucceeded, stored.Status)
	assert.True(t, stored.Billed())
	assert.Contains(t, []jobdomain.Trigger{jobdomain.TriggerWebhook, jobdomain.TriggerPoll}, stored.BilledVia)
	assert.Equal(t, int64(350), e.balance(t, "owner-1"))
	assert.Equal(t, int64(1), testutil.Count(t, e.db, "transactions", "job_id = ?", job.ID))
	require.Len(t, stored.OutputRefs, 1)
	assert.True(t, e.store.IsDurable(stored.OutputRefs[0]))
}

func TestEmptyOutputFailsWithoutCharge(t *testing.T) {
	e := newEngine(t, nil)
	e.topUp(t, "owner-1", 500)
	job := e.submit(t, "owner-1", "text-to-video", nil)
	e.provider.Complete(job.ProviderRef, providerdomain.StateSucceeded)

	got, err := e.completion.Run(context.Background(), job, jobdomain.TriggerSweep, nil)
	require.NoError(t, err)
	assert.Equal(t, jobdomain.StatusFailed, got.Status)
	assert.Equal(t, jobdomain.ErrorNoOutput, got.Error)
	assert.False(t, got.Billed())
	assert.Equal(t, int64(0), testutil.Count(t, e.db, "transactions", "job_id IS NOT NULL"))
	assert.Equal(t, int64(500), e.balance(t, "owner-1"))
}

func TestPartialMaterializationStillBillsEveryOutput(t *testing.T) {
	e := newEngine(t, nil)
	e.topUp(t, "owner-1", 100)
	job := e.submit(t, "owner-1", "text-to-image", map[string]any{"num_outputs": 3})
	e.provider.Complete(job.ProviderRef, providerdomain.StateSucceeded,
		e.origin.URL+"/0.png", e.origin.URL+"/broken.png", e.origin.URL+"/2.png")

	got, err := e.completion.Run(context.Background(), job, jobdomain.TriggerPoll, nil)
	require.NoError(t, err)
	require.Len(t, got.OutputRefs, 3)
	assert.True(t, e.store.IsDurable(got.OutputRefs[0]))
	assert.Equal(t, e.origin.URL+"/broken.png", got.OutputRefs[1])
	assert.True(t, e.store.IsDurable(got.OutputRefs[2]))
	assert.Equal(t, 1, got.PendingArtifacts)
	assert.True(t, got.Billed())
	assert.Equal(t, int64(30), *got.SettledCostCents)
	assert.Equal(t, int64(70), e.balance(t, "owner-1"))
}

func TestSettlementScalesWithProducedOutputs(t *testing.T) {
	e := newEngine(t, nil)
	e.topUp(t, "owner-1", 100)
	job := e.submit(t, "owner-1", "text-to-image", map[string]any{"num_outputs": 4})
	require.Equal(t, int64(40), job.CostBasisCents)
	e.provider.Complete(job.ProviderRef, providerdomain.StateSucceeded,
		e.origin.URL+"/0.png", e.origin.URL+"/1.png", e.origin.URL+"/2.png")

	got, err := e.completion.Run(context.Background(), job, jobdomain.TriggerWebhook, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(30), *got.BilledAmountCents)
	assert.Equal(t, int64(70), e.balance(t, "owner-1"))
}

func TestCompletionOfRunningJobDoesNotBill(t *testing.T) {
	e := newEngine(t, nil)
	e.topUp(t, "owner-1", 500)
	job := e.submit(t, "owner-1", "text-to-video", nil)
	e.provider.Complete(job.ProviderRef, providerdomain.StateRunning)

	got, err := e.completion.Run(context.Background(), job, jobdomain.TriggerPoll, nil)
	require.NoError(t, err)
	assert.Equal(t, jobdomain.StatusProcessing, got.Status)
	assert.Equal(t, int64(0), testutil.Count(t, e.db, "transactions", "job_id IS NOT NULL"))
	assert.Equal(t, int64(500), e.balance(t, "owner-1"))
}

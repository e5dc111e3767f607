package service

import (
	"context"
	"testing"
	"time"

	jobdomain "github.com/smallbiznis/genledger/internal/job/domain"
	providerdomain "github.com/smallbiznis/genledger/internal/provider/domain"
	"github.com/smallbiznis/genledger/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetIsOwnerScoped(t *testing.T) {
	e := newEngine(t, nil)
	e.topUp(t, "owner-1", 500)
	job := e.submit(t, "owner-1", "image-upscale", nil)

	got, err := e.query.Get(context.Background(), "owner-1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)

	_, err = e.query.Get(context.Background(), "owner-2", job.ID)
	assert.ErrorIs(t, err, jobdomain.ErrNotFound)
	_, err = e.query.Poll(context.Background(), "owner-2", job.ID)
	assert.ErrorIs(t, err, jobdomain.ErrNotFound)
	_, err = e.query.Get(context.Background(), "", job.ID)
	assert.ErrorIs(t, err, jobdomain.ErrInvalidOwner)
}

func TestPollThrottledReturnsStoredState(t *testing.T) {
	e := newEngine(t, denyAll{})
	e.topUp(t, "owner-1", 500)
	job := e.submit(t, "owner-1", "image-upscale", nil)
	e.provider.Complete(job.ProviderRef, providerdomain.StateSucceeded, e.origin.URL+"/a.png")

	got, err := e.query.Poll(context.Background(), "owner-1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobdomain.StatusStarting, got.Status)
	assert.Equal(t, 0, e.provider.StatusCalls(job.ProviderRef))
}

func TestPollSurvivesProviderOutage(t *testing.T) {
	e := newEngine(t, nil)
	e.topUp(t, "owner-1", 500)
	job := e.submit(t, "owner-1", "image-upscale", nil)
	e.provider.FailStatus(assert.AnError)

	got, err := e.query.Poll(context.Background(), "owner-1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobdomain.StatusStarting, got.Status)
}

func TestPollSkipsSettledJobs(t *testing.T) {
	e := newEngine(t, nil)
	e.topUp(t, "owner-1", 500)
	job := e.submit(t, "owner-1", "image-upscale", nil)
	e.provider.Complete(job.ProviderRef, providerdomain.StateSucceeded, e.origin.URL+"/a.png")

	first, err := e.query.Poll(context.Background(), "owner-1", job.ID)
	require.NoError(t, err)
	require.True(t, first.Billed())
	calls := e.provider.StatusCalls(job.ProviderRef)

	_, err = e.query.Poll(context.Background(), "owner-1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, calls, e.provider.StatusCalls(job.ProviderRef))
	assert.Equal(t, int64(495), e.balance(t, "owner-1"))
}

func TestListPaginates(t *testing.T) {
	e := newEngine(t, nil)
	e.topUp(t, "owner-1", 500)
	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, e.submit(t, "owner-1", "image-upscale", nil).ID.String())
		e.clock.Advance(time.Second)
	}
	e.topUp(t, "owner-2", 500)
	e.submit(t, "owner-2", "image-upscale", nil)

	page, info, err := e.query.List(context.Background(), "owner-1", pagination.Pagination{PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.True(t, info.HasMore)
	assert.Equal(t, ids[2], page[0].ID.String())
	assert.Equal(t, ids[1], page[1].ID.String())

	rest, info, err := e.query.List(context.Background(), "owner-1", pagination.Pagination{PageSize: 2, PageToken: info.NextPageToken})
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.False(t, info.HasMore)
	assert.Equal(t, ids[0], rest[0].ID.String())

	_, _, err = e.query.List(context.Background(), "owner-1", pagination.Pagination{PageToken: "%%%"})
	assert.ErrorIs(t, err, pagination.ErrInvalidPageToken)
}

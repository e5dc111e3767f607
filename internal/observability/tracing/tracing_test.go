package tracing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestSafeAttributesDropsSecrets(t *testing.T) {
	attrs := SafeAttributes(
		attribute.String("job_id", "1"),
		attribute.String("webhook_secret", "s"),
		attribute.String("Webhook-Signature", "v1=abc"),
		attribute.String("job.params", "{}"),
	)
	require.Len(t, attrs, 1)
	assert.Equal(t, attribute.Key("job_id"), attrs[0].Key)
}

func TestSafeErrorKeepsTypeOnly(t *testing.T) {
	err := SafeError(errors.New("owner 42 has token abc"))
	assert.Equal(t, "*errors.errorString", err.Error())
	assert.Nil(t, SafeError(nil))
}

func TestWrapHTTPClientPassesThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	client := WrapHTTPClient(srv.Client())
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

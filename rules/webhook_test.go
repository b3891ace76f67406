package rules

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/vigil/errors"
	"github.com/teranos/vigil/internal/httpclient"
	"github.com/teranos/vigil/pulse/async"
)

func webhookJob(t *testing.T, url string) *async.Job {
	t.Helper()
	job, err := async.NewJob(ActionWebhook, async.SourceRule, map[string]interface{}{
		"url":        url,
		"path":       "/rec/clip.mkv",
		"event_type": "file_closed",
	})
	require.NoError(t, err)
	job.RuleID = "r1"
	job.AssetID = "asset-1"
	return job
}

func TestWebhookExecutor_Posts(t *testing.T) {
	var got WebhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	e := NewWebhookExecutor(httpclient.New(httpclient.Options{AllowPrivate: true}))
	job := webhookJob(t, srv.URL+"/hook")
	result, err := e.Execute(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, http.StatusAccepted, result["status"])
	assert.Equal(t, job.ID, got.JobID)
	assert.Equal(t, "r1", got.RuleID)
	assert.Equal(t, "asset-1", got.AssetID)
	assert.Equal(t, "/rec/clip.mkv", got.Path)
	assert.Equal(t, "file_closed", got.Event)
}

func TestWebhookExecutor_FailsOnErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	e := NewWebhookExecutor(httpclient.New(httpclient.Options{AllowPrivate: true}))
	_, err := e.Execute(context.Background(), webhookJob(t, srv.URL))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.Contains(t, errors.FlattenDetails(err), "quota exceeded")
}

func TestWebhookExecutor_RefusesPrivateByDefault(t *testing.T) {
	e := NewWebhookExecutor(httpclient.New(httpclient.Options{}))
	_, err := e.Execute(context.Background(), webhookJob(t, "http://127.0.0.1:9/hook"))
	assert.True(t, errors.Is(err, httpclient.ErrBlocked))
}

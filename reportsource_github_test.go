package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGitHubReportSource(t *testing.T, server *httptest.Server) *GitHubReportSource {
	t.Helper()
	src := NewGitHubReportSource(context.Background(), testLogger(), "token", "acme", "widgets")
	base, err := url.Parse(server.URL + "/")
	require.NoError(t, err)
	src.client.BaseURL = base
	return src
}

func TestGitHubReportSource_LatestCompletedRunID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/repos/acme/widgets/actions/workflows/coverity.yml/runs")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"total_count": 1, "workflow_runs": [{"id": 42}]}`))
	}))
	defer server.Close()

	src := newTestGitHubReportSource(t, server)
	id, err := src.LatestCompletedRunID(context.Background(), "coverity.yml")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
}

func TestGitHubReportSource_LatestCompletedRunID_NoRuns(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"total_count": 0, "workflow_runs": []}`))
	}))
	defer server.Close()

	src := newTestGitHubReportSource(t, server)
	_, err := src.LatestCompletedRunID(context.Background(), "coverity.yml")
	require.Error(t, err)

	var pe *PipelineError
	require.True(t, asPipelineError(err, &pe))
	assert.Equal(t, KindInputError, pe.Kind)
}

func TestGitHubReportSource_LoadFromWorkflowArtifact_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"total_count": 1, "artifacts": [{"id": 1, "name": "other-artifact"}]}`))
	}))
	defer server.Close()

	src := newTestGitHubReportSource(t, server)
	_, err := src.LoadFromWorkflowArtifact(context.Background(), 99, "coverity-report")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

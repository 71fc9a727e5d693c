package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestChangelistNotifier(t *testing.T, server *httptest.Server) *ChangelistNotifier {
	t.Helper()
	n := NewChangelistNotifier(context.Background(), testLogger(), "token", "acme", "widgets")
	base, err := url.Parse(server.URL + "/")
	require.NoError(t, err)
	n.client.BaseURL = base
	return n
}

func TestChangelistNotifier_NotifyChangelist(t *testing.T) {
	var captured map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/acme/widgets/issues", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"number": 1}`))
	}))
	defer server.Close()

	n := newTestChangelistNotifier(t, server)

	defect := ParsedDefect{DefectID: "D1", DefectType: "forward_null", FilePath: "a.c"}
	analysis := DefectAnalysisResult{
		Severity:            SeverityHigh,
		ConfidenceLevel:     ConfidenceLevelHigh,
		RecommendedFixIndex: 0,
		FixCandidates:       []FixCandidate{{Explanation: "guard the pointer"}},
	}
	patch := PatchApplicationResult{
		ChangelistID:   "12345",
		AppliedChanges: []AppliedChange{{FilePath: "a.c", Mode: ModeLineRange}},
	}

	err := n.NotifyChangelist(context.Background(), defect, analysis, patch)
	require.NoError(t, err)
	assert.Contains(t, captured["title"], "D1")
	assert.Contains(t, captured["body"], "12345")
}

func TestChangelistNotifier_NotifyChangelist_Error(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	n := newTestChangelistNotifier(t, server)
	err := n.NotifyChangelist(context.Background(), ParsedDefect{DefectID: "D1"}, DefectAnalysisResult{}, PatchApplicationResult{})
	require.Error(t, err)

	var pe *PipelineError
	require.True(t, asPipelineError(err, &pe))
	assert.Equal(t, KindInternalError, pe.Kind)
}

func TestChangelistNotifier_BuildCommentBody(t *testing.T) {
	n := newTestChangelistNotifier(t, httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))

	defect := ParsedDefect{DefectID: "D1", DefectType: "forward_null", FilePath: "a.c"}
	analysis := DefectAnalysisResult{
		Severity:            SeverityHigh,
		ConfidenceLevel:     ConfidenceLevelHigh,
		RecommendedFixIndex: 0,
		FixCandidates:       []FixCandidate{{Explanation: "guard the pointer"}},
	}
	patch := PatchApplicationResult{
		ChangelistID:   "12345",
		AppliedChanges: []AppliedChange{{FilePath: "a.c", Mode: ModeLineRange}},
	}

	body := n.buildCommentBody(defect, analysis, patch)
	assert.Contains(t, body, "D1")
	assert.Contains(t, body, "guard the pointer")
	assert.Contains(t, body, "not been submitted")
}

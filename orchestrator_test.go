package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOrchestrator(t *testing.T, dir string, llmBody string, app ApplicationConfig) *PipelineOrchestrator {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(llmBody))
	}))
	t.Cleanup(server.Close)

	sf, err := NewSourceFileManager(testLogger(), dir, ContextConfig{DefaultContextLines: 5, MaxContextLines: 50})
	require.NoError(t, err)
	lp := NewLanguageParser(testLogger(), ParsingConfig{UseTreeSitter: false})
	ctxAnalyzer := NewContextAnalyzer(testLogger(), sf, lp, ContextConfig{DefaultContextLines: 5, MaxContextLines: 50})
	prompts := NewPromptTemplateRegistry()

	pm, err := NewProviderManager(testLogger(), []ProviderConfig{
		{Name: ProviderNvidiaNIM, BaseURL: server.URL, RequestsPerSecond: 100},
	}, nil)
	require.NoError(t, err)

	parser, err := NewStructuredOutputParser(testLogger(), ParsingConfig{}, nil)
	require.NoError(t, err)

	style := NewStyleAnalyzer()

	validator := NewPatchValidator(sf)
	backups, err := NewBackupManager(testLogger(), t.TempDir())
	require.NoError(t, err)
	vcs := NewVcsManager(testLogger(), app)
	applier := NewPatchApplier(testLogger(), sf, validator, backups, vcs, app)

	return NewPipelineOrchestrator(testLogger(), OrchestratorDeps{
		Context:   ctxAnalyzer,
		Prompts:   prompts,
		Providers: pm,
		Parser:    parser,
		Style:     style,
		Applier:   applier,
	}, app, PerformanceConfig{MaxConcurrentDefects: 2})
}

func writeSourceFile(t *testing.T, dir, name string, lines int) {
	t.Helper()
	content := ""
	for i := 1; i <= lines; i++ {
		content += "line_content;\n"
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

const orchestratorAnalysisJSON = `{
  "defect_category": "null_pointer",
  "severity": "high",
  "recommended_fix_index": 0,
  "fix_candidates": [
    {
      "file_path": "a.c",
      "original_code": "line_content;",
      "fixed_code": "if (p) { line_content; }",
      "explanation": "guard the pointer",
      "confidence_score": 0.95,
      "complexity": "simple",
      "estimated_risk": "low",
      "line_ranges": [{"start": 5, "end": 5}]
    }
  ]
}`

func TestOrchestrator_ProcessDefect_AppliesWhenReady(t *testing.T) {
	dir := t.TempDir()
	writeSourceFile(t, dir, "a.c", 20)

	o := newTestOrchestrator(t, dir, orchestratorAnalysisJSON, ApplicationConfig{
		WorkspaceRoot:       dir,
		DryRun:              true,
		AutoApplyConfidence: 0.8,
		StyleConsistency:    0.0,
	})

	defect := ParsedDefect{
		DefectID:   "D1",
		FilePath:   "a.c",
		LineNumber: 5,
	}

	outcome := o.ProcessDefect(context.Background(), defect)
	require.NoError(t, outcome.Err)
	assert.Equal(t, OutcomeApplied, outcome.Outcome)
	require.NotNil(t, outcome.Patch)
	assert.Equal(t, StatusDryRunOK, outcome.Patch.OverallStatus)
	assert.True(t, outcome.Analysis.IsReadyForApplication)
}

func TestOrchestrator_ProcessDefect_SkipsLowConfidence(t *testing.T) {
	dir := t.TempDir()
	writeSourceFile(t, dir, "a.c", 20)

	o := newTestOrchestrator(t, dir, orchestratorAnalysisJSON, ApplicationConfig{
		WorkspaceRoot:       dir,
		DryRun:              true,
		AutoApplyConfidence: 0.99,
		StyleConsistency:    0.0,
	})

	defect := ParsedDefect{DefectID: "D1", FilePath: "a.c", LineNumber: 5}

	outcome := o.ProcessDefect(context.Background(), defect)
	assert.Equal(t, OutcomeSkippedLowConf, outcome.Outcome)
	assert.Nil(t, outcome.Patch)
}

func TestOrchestrator_ProcessDefect_ContextExtractionFailure(t *testing.T) {
	dir := t.TempDir()
	writeSourceFile(t, dir, "a.c", 5)

	o := newTestOrchestrator(t, dir, orchestratorAnalysisJSON, ApplicationConfig{WorkspaceRoot: dir, DryRun: true})

	defect := ParsedDefect{DefectID: "D1", FilePath: "a.c", LineNumber: 9999}

	outcome := o.ProcessDefect(context.Background(), defect)
	assert.Equal(t, OutcomeFailed, outcome.Outcome)
	require.Error(t, outcome.Err)
	var pe *PipelineError
	require.True(t, asPipelineError(outcome.Err, &pe))
	assert.Equal(t, KindContextError, pe.Kind)
}

func TestOrchestrator_ProcessDefect_ProviderFailure(t *testing.T) {
	dir := t.TempDir()
	writeSourceFile(t, dir, "a.c", 20)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	sf, err := NewSourceFileManager(testLogger(), dir, ContextConfig{DefaultContextLines: 5, MaxContextLines: 50})
	require.NoError(t, err)
	lp := NewLanguageParser(testLogger(), ParsingConfig{UseTreeSitter: false})
	ctxAnalyzer := NewContextAnalyzer(testLogger(), sf, lp, ContextConfig{DefaultContextLines: 5, MaxContextLines: 50})
	pm, err := NewProviderManager(testLogger(), []ProviderConfig{
		{Name: ProviderNvidiaNIM, BaseURL: server.URL, RequestsPerSecond: 100},
	}, nil)
	require.NoError(t, err)
	parser, err := NewStructuredOutputParser(testLogger(), ParsingConfig{}, nil)
	require.NoError(t, err)

	o := NewPipelineOrchestrator(testLogger(), OrchestratorDeps{
		Context:   ctxAnalyzer,
		Prompts:   NewPromptTemplateRegistry(),
		Providers: pm,
		Parser:    parser,
		Style:     NewStyleAnalyzer(),
	}, ApplicationConfig{WorkspaceRoot: dir, DryRun: true}, PerformanceConfig{})

	defect := ParsedDefect{DefectID: "D1", FilePath: "a.c", LineNumber: 5}
	outcome := o.ProcessDefect(context.Background(), defect)
	assert.Equal(t, OutcomeFailed, outcome.Outcome)
	var pe *PipelineError
	require.True(t, asPipelineError(outcome.Err, &pe))
	assert.Equal(t, KindProviderError, pe.Kind)
}

func TestOrchestrator_ProcessBatch_AggregatesMetrics(t *testing.T) {
	dir := t.TempDir()
	writeSourceFile(t, dir, "a.c", 20)
	writeSourceFile(t, dir, "b.c", 20)

	o := newTestOrchestrator(t, dir, orchestratorAnalysisJSON, ApplicationConfig{
		WorkspaceRoot:       dir,
		DryRun:              true,
		AutoApplyConfidence: 0.8,
		StyleConsistency:    0.0,
	})

	defects := []ParsedDefect{
		{DefectID: "D1", FilePath: "a.c", LineNumber: 5},
		{DefectID: "D2", FilePath: "b.c", LineNumber: 5},
	}

	outcomes, metrics := o.ProcessBatch(context.Background(), defects)
	require.Len(t, outcomes, 2)
	assert.Equal(t, 2, metrics.ProviderCallCounts[ProviderNvidiaNIM])
	for _, outcome := range outcomes {
		assert.Equal(t, OutcomeApplied, outcome.Outcome)
	}
}

func TestJoinErrors(t *testing.T) {
	assert.Nil(t, joinErrors(nil))

	err := joinErrors([]string{"first", "second"})
	require.Error(t, err)
	assert.Equal(t, "first; second", err.Error())
}

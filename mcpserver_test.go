package main

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPipelineServer(t *testing.T, dir, llmBody string) *PipelineServer {
	t.Helper()
	o := newTestOrchestrator(t, dir, llmBody, ApplicationConfig{
		WorkspaceRoot:       dir,
		DryRun:              true,
		AutoApplyConfidence: 0.8,
		StyleConsistency:    0.0,
	})
	defects := []ParsedDefect{{DefectID: "D1", FilePath: "a.c", LineNumber: 5}}
	return NewPipelineServer(testLogger(), defects, o)
}

func textOf(t *testing.T, content []mcp.Content) string {
	t.Helper()
	require.Len(t, content, 1)
	tc, ok := content[0].(*mcp.TextContent)
	require.True(t, ok)
	return tc.Text
}

func TestPipelineServer_FindDefect(t *testing.T) {
	dir := t.TempDir()
	writeSourceFile(t, dir, "a.c", 20)
	p := newTestPipelineServer(t, dir, orchestratorAnalysisJSON)

	d, ok := p.findDefect("D1")
	assert.True(t, ok)
	assert.Equal(t, "a.c", d.FilePath)

	_, ok = p.findDefect("missing")
	assert.False(t, ok)
}

func TestPipelineServer_ListDefects(t *testing.T) {
	dir := t.TempDir()
	writeSourceFile(t, dir, "a.c", 20)
	p := newTestPipelineServer(t, dir, orchestratorAnalysisJSON)

	result, _, err := p.listDefects(context.Background(), nil, listDefectsArgs{})
	require.NoError(t, err)

	var defects []ParsedDefect
	require.NoError(t, json.Unmarshal([]byte(textOf(t, result.Content)), &defects))
	require.Len(t, defects, 1)
	assert.Equal(t, "D1", defects[0].DefectID)
}

func TestPipelineServer_AnalyzeDefect(t *testing.T) {
	dir := t.TempDir()
	writeSourceFile(t, dir, "a.c", 20)
	p := newTestPipelineServer(t, dir, orchestratorAnalysisJSON)

	result, _, err := p.analyzeDefect(context.Background(), nil, analyzeDefectArgs{DefectID: "D1"})
	require.NoError(t, err)

	var analysis DefectAnalysisResult
	require.NoError(t, json.Unmarshal([]byte(textOf(t, result.Content)), &analysis))
	assert.True(t, analysis.IsReadyForApplication)
}

func TestPipelineServer_AnalyzeDefect_UnknownID(t *testing.T) {
	dir := t.TempDir()
	p := newTestPipelineServer(t, dir, orchestratorAnalysisJSON)

	_, _, err := p.analyzeDefect(context.Background(), nil, analyzeDefectArgs{DefectID: "bogus"})
	require.Error(t, err)
}

func TestPipelineServer_ApplyPatch(t *testing.T) {
	dir := t.TempDir()
	writeSourceFile(t, dir, "a.c", 20)
	p := newTestPipelineServer(t, dir, orchestratorAnalysisJSON)

	result, _, err := p.applyPatch(context.Background(), nil, applyPatchArgs{DefectID: "D1"})
	require.NoError(t, err)

	var outcome DefectOutcome
	require.NoError(t, json.Unmarshal([]byte(textOf(t, result.Content)), &outcome))
	assert.Equal(t, OutcomeApplied, outcome.Outcome)
}

func TestPipelineServer_ApplyPatch_UnknownID(t *testing.T) {
	dir := t.TempDir()
	p := newTestPipelineServer(t, dir, orchestratorAnalysisJSON)

	_, _, err := p.applyPatch(context.Background(), nil, applyPatchArgs{DefectID: "bogus"})
	require.Error(t, err)
}

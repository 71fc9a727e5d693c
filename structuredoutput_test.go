package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validAnalysisJSON = `{
  "defect_category": "null_pointer",
  "severity": "high",
  "recommended_fix_index": 0,
  "fix_candidates": [
    {
      "file_path": "src/a.c",
      "original_code": "p->x = 1;",
      "fixed_code": "if (p) { p->x = 1; }",
      "explanation": "guard the pointer",
      "confidence_score": 0.9,
      "complexity": "simple",
      "estimated_risk": "low"
    }
  ]
}`

func TestStructuredOutputParser_DirectParse(t *testing.T) {
	p, err := NewStructuredOutputParser(testLogger(), ParsingConfig{}, nil)
	require.NoError(t, err)

	result, strategy, err := p.Parse(context.Background(), "D1", validAnalysisJSON)
	require.NoError(t, err)
	assert.Equal(t, "direct", strategy)
	assert.Equal(t, "null_pointer", result.DefectCategory)
	assert.Equal(t, SeverityHigh, result.Severity)
	assert.Equal(t, ConfidenceLevelHigh, result.ConfidenceLevel)
	require.Len(t, result.FixCandidates, 1)
	assert.Equal(t, "src/a.c", result.FixCandidates[0].FilePath)
}

func TestStructuredOutputParser_FenceExtraction(t *testing.T) {
	p, err := NewStructuredOutputParser(testLogger(), ParsingConfig{}, nil)
	require.NoError(t, err)

	wrapped := "Here is my analysis:\n```json\n" + validAnalysisJSON + "\n```\nLet me know if you need more."
	result, strategy, err := p.Parse(context.Background(), "D1", wrapped)
	require.NoError(t, err)
	assert.Equal(t, "fence_extraction", strategy)
	assert.Equal(t, "null_pointer", result.DefectCategory)
}

func TestStructuredOutputParser_ModelRepair(t *testing.T) {
	repairCalled := false
	repair := func(ctx context.Context, malformed string) (string, error) {
		repairCalled = true
		return validAnalysisJSON, nil
	}

	p, err := NewStructuredOutputParser(testLogger(), ParsingConfig{}, repair)
	require.NoError(t, err)

	result, strategy, err := p.Parse(context.Background(), "D1", "this is not json at all")
	require.NoError(t, err)
	assert.True(t, repairCalled)
	assert.Equal(t, "model_repair", strategy)
	assert.Equal(t, "null_pointer", result.DefectCategory)
}

func TestStructuredOutputParser_RegexFallback(t *testing.T) {
	p, err := NewStructuredOutputParser(testLogger(), ParsingConfig{}, nil)
	require.NoError(t, err)

	content := "category: null_pointer severity: high\n```\nif (p) { p->x = 1; }\n```"
	result, strategy, err := p.Parse(context.Background(), "D1", content)
	require.NoError(t, err)
	assert.Equal(t, "regex_fallback", strategy)
	assert.Equal(t, "null_pointer", result.DefectCategory)
	assert.Equal(t, SeverityHigh, result.Severity)
	require.Len(t, result.FixCandidates, 1)
	assert.Equal(t, ComplexityExperimental, result.FixCandidates[0].Complexity)
	assert.Equal(t, RiskHigh, result.FixCandidates[0].EstimatedRisk)
	assert.Equal(t, ConfidenceLevelLow, result.ConfidenceLevel)
}

func TestStructuredOutputParser_StrictSchemaRejectsMissingFields(t *testing.T) {
	p, err := NewStructuredOutputParser(testLogger(), ParsingConfig{JSONSchemaStrict: true}, nil)
	require.NoError(t, err)

	_, strategy, err := p.Parse(context.Background(), "D1", `{"defect_category": "x"}`)
	require.NoError(t, err, "regex fallback should still succeed even when the rest fails")
	assert.Equal(t, "regex_fallback", strategy)
}

func TestStructuredOutputParser_NeverFailsOutright(t *testing.T) {
	p, err := NewStructuredOutputParser(testLogger(), ParsingConfig{}, nil)
	require.NoError(t, err)

	_, strategy, err := p.Parse(context.Background(), "D1", "")
	require.NoError(t, err)
	assert.Equal(t, "regex_fallback", strategy)
}

func TestConfidenceLevelFor(t *testing.T) {
	candidates := []FixCandidate{{ConfidenceScore: 0.9}, {ConfidenceScore: 0.6}, {ConfidenceScore: 0.1}}
	assert.Equal(t, ConfidenceLevelHigh, confidenceLevelFor(candidates, 0))
	assert.Equal(t, ConfidenceLevelMedium, confidenceLevelFor(candidates, 1))
	assert.Equal(t, ConfidenceLevelLow, confidenceLevelFor(candidates, 2))
	assert.Equal(t, ConfidenceLevelLow, confidenceLevelFor(candidates, 99))
}

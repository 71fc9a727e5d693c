package main

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/sirupsen/logrus"
)

// analysisSchemaJSON is the JSON Schema document used to validate a raw
// model response before it is trusted, mirroring the shape advertised in
// analysisJSONSchema.
const analysisSchemaJSON = `{
  "type": "object",
  "required": ["defect_category", "severity", "fix_candidates", "recommended_fix_index"],
  "properties": {
    "defect_category": {"type": "string"},
    "severity": {"type": "string", "enum": ["critical", "high", "medium", "low"]},
    "recommended_fix_index": {"type": "integer"},
    "fix_candidates": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["file_path", "fixed_code", "confidence_score"],
        "properties": {
          "file_path": {"type": "string"},
          "original_code": {"type": "string"},
          "fixed_code": {"type": "string"},
          "explanation": {"type": "string"},
          "confidence_score": {"type": "number"},
          "complexity": {"type": "string"},
          "estimated_risk": {"type": "string"}
        }
      }
    }
  }
}`

// fenceRegexp extracts the content of a markdown fenced code block,
// preferring one tagged json but accepting an untagged block too.
var fenceRegexp = regexp.MustCompile("(?s)```(?:json)?\\s*\\n(.*?)\\n```")

// rawAnalysisPayload mirrors the JSON shape models are asked to produce;
// decoding into this first lets StructuredOutputParser build the richer
// DefectAnalysisResult without repeating field-by-field extraction at each
// recovery strategy.
type rawAnalysisPayload struct {
	DefectCategory      string `json:"defect_category"`
	Severity            string `json:"severity"`
	RecommendedFixIndex int    `json:"recommended_fix_index"`
	FixCandidates       []struct {
		FilePath        string      `json:"file_path"`
		OriginalCode    string      `json:"original_code"`
		FixedCode       string      `json:"fixed_code"`
		Explanation     string      `json:"explanation"`
		ConfidenceScore float64     `json:"confidence_score"`
		Complexity      string      `json:"complexity"`
		EstimatedRisk   string      `json:"estimated_risk"`
		LineRanges      []LineRange `json:"line_ranges"`
	} `json:"fix_candidates"`
}

// repairFunc re-asks the model to clean up its own malformed JSON; wired
// to ProviderManager.Complete by the orchestrator so StructuredOutputParser
// itself stays provider-agnostic.
type repairFunc func(ctx context.Context, malformed string) (string, error)

// StructuredOutputParser turns a raw model response into a
// DefectAnalysisResult, trying progressively more lenient strategies:
// schema-validated direct parse, markdown-fence extraction, model-assisted
// repair, and finally a regex/text best-effort fallback.
type StructuredOutputParser struct {
	logger   logrus.FieldLogger
	resolved *jsonschema.Resolved
	repair   repairFunc
	strict   bool
}

// NewStructuredOutputParser compiles and resolves the analysis schema
// once. repair may be nil, in which case the model-assisted repair
// strategy is skipped.
func NewStructuredOutputParser(logger logrus.FieldLogger, cfg ParsingConfig, repair repairFunc) (*StructuredOutputParser, error) {
	var schema jsonschema.Schema
	if err := json.Unmarshal([]byte(analysisSchemaJSON), &schema); err != nil {
		return nil, fmt.Errorf("compiling analysis schema: %w", err)
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("resolving analysis schema: %w", err)
	}

	return &StructuredOutputParser{
		logger:   logger,
		resolved: resolved,
		repair:   repair,
		strict:   cfg.JSONSchemaStrict,
	}, nil
}

// Parse runs content through the recovery chain in order, returning the
// first strategy that succeeds along with which strategy it was (useful
// for logging/metrics, not part of the pipeline's correctness contract).
func (p *StructuredOutputParser) Parse(ctx context.Context, defectID, content string) (*DefectAnalysisResult, string, error) {
	if payload, err := p.tryDirect(content); err == nil {
		return p.toResult(defectID, payload), "direct", nil
	}

	if fenced := fenceRegexp.FindStringSubmatch(content); len(fenced) == 2 {
		if payload, err := p.tryDirect(fenced[1]); err == nil {
			return p.toResult(defectID, payload), "fence_extraction", nil
		}
	}

	if p.repair != nil {
		repaired, err := p.repair(ctx, content)
		if err == nil {
			if payload, err := p.tryDirect(repaired); err == nil {
				return p.toResult(defectID, payload), "model_repair", nil
			}
		} else {
			p.logger.WithError(err).Debug("model-assisted repair call failed")
		}
	}

	if payload, ok := p.tryRegexFallback(content); ok {
		return p.toResult(defectID, payload), "regex_fallback", nil
	}

	return nil, "", NewPipelineError(KindParsingError, defectID, fmt.Errorf("no recovery strategy could parse model response"))
}

func (p *StructuredOutputParser) tryDirect(content string) (*rawAnalysisPayload, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return nil, fmt.Errorf("empty content")
	}

	var generic interface{}
	if err := json.Unmarshal([]byte(trimmed), &generic); err != nil {
		return nil, fmt.Errorf("not valid JSON: %w", err)
	}

	if p.strict {
		if err := p.resolved.Validate(generic); err != nil {
			return nil, fmt.Errorf("schema validation failed: %w", err)
		}
	}

	var payload rawAnalysisPayload
	if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}
	if len(payload.FixCandidates) == 0 {
		return nil, fmt.Errorf("no fix candidates in payload")
	}
	return &payload, nil
}

// categoryLine and severityLine locate a "key: value"-ish line so the
// fallback can salvage at least a category/severity guess from prose that
// never resolved to valid JSON.
var categoryLine = regexp.MustCompile(`(?i)category["':\s]+([a-z_]+)`)
var severityLine = regexp.MustCompile(`(?i)severity["':\s]+(critical|high|medium|low)`)
var codeBlockLine = regexp.MustCompile("(?s)```(?:\\w*)\\n(.*?)\\n```")

// tryRegexFallback never fails; it always returns something, because an
// analysis round must produce at least one low-confidence fix candidate
// rather than silently dropping a defect the model did respond to.
func (p *StructuredOutputParser) tryRegexFallback(content string) (*rawAnalysisPayload, bool) {
	category := "other"
	if m := categoryLine.FindStringSubmatch(content); len(m) == 2 {
		category = strings.ToLower(m[1])
	}
	severity := "medium"
	if m := severityLine.FindStringSubmatch(content); len(m) == 2 {
		severity = strings.ToLower(m[1])
	}
	fixedCode := ""
	if m := codeBlockLine.FindStringSubmatch(content); len(m) == 2 {
		fixedCode = m[1]
	}

	payload := &rawAnalysisPayload{
		DefectCategory:      category,
		Severity:            severity,
		RecommendedFixIndex: 0,
	}
	payload.FixCandidates = append(payload.FixCandidates, struct {
		FilePath        string      `json:"file_path"`
		OriginalCode    string      `json:"original_code"`
		FixedCode       string      `json:"fixed_code"`
		Explanation     string      `json:"explanation"`
		ConfidenceScore float64     `json:"confidence_score"`
		Complexity      string      `json:"complexity"`
		EstimatedRisk   string      `json:"estimated_risk"`
		LineRanges      []LineRange `json:"line_ranges"`
	}{
		FixedCode:       fixedCode,
		Explanation:     strings.TrimSpace(content),
		ConfidenceScore: 0.2,
		Complexity:      string(ComplexityExperimental),
		EstimatedRisk:   string(RiskHigh),
	})

	return payload, true
}

func (p *StructuredOutputParser) toResult(defectID string, payload *rawAnalysisPayload) *DefectAnalysisResult {
	candidates := make([]FixCandidate, 0, len(payload.FixCandidates))
	for i, fc := range payload.FixCandidates {
		candidates = append(candidates, FixCandidate{
			FixID:           i,
			FilePath:        fc.FilePath,
			OriginalCode:    fc.OriginalCode,
			FixedCode:       fc.FixedCode,
			Explanation:     fc.Explanation,
			ConfidenceScore: fc.ConfidenceScore,
			Complexity:      FixComplexity(fc.Complexity),
			EstimatedRisk:   RiskLevel(fc.EstimatedRisk),
			LineRanges:      fc.LineRanges,
			AffectedFiles:   []string{fc.FilePath},
		})
	}

	recommended := payload.RecommendedFixIndex
	if recommended < 0 || recommended >= len(candidates) {
		recommended = 0
	}

	return &DefectAnalysisResult{
		DefectID:            defectID,
		DefectCategory:      payload.DefectCategory,
		Severity:            SeverityLevel(payload.Severity),
		ConfidenceLevel:     confidenceLevelFor(candidates, recommended),
		FixCandidates:       candidates,
		RecommendedFixIndex: recommended,
	}
}

func confidenceLevelFor(candidates []FixCandidate, recommended int) ConfidenceLevel {
	if recommended < 0 || recommended >= len(candidates) {
		return ConfidenceLevelLow
	}
	score := candidates[recommended].ConfidenceScore
	switch {
	case score >= 0.8:
		return ConfidenceLevelHigh
	case score >= 0.5:
		return ConfidenceLevelMedium
	default:
		return ConfidenceLevelLow
	}
}

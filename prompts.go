package main

import (
	"fmt"
	"strings"
)

// analysisJSONSchema is the trailer appended to every analysis prompt,
// instructing the model to answer with exactly the shape
// StructuredOutputParser expects. Shared across templates so a schema
// change happens in one place.
const analysisJSONSchema = `
Respond with a single JSON object matching this shape exactly:
{
  "defect_category": "string",
  "severity": "critical|high|medium|low",
  "fix_candidates": [
    {
      "file_path": "string",
      "original_code": "string",
      "fixed_code": "string",
      "explanation": "string",
      "confidence_score": 0.0,
      "complexity": "simple|moderate|complex|experimental",
      "estimated_risk": "low|medium|high",
      "line_ranges": [{"start": 0, "end": 0}]
    }
  ],
  "recommended_fix_index": 0
}
Do not include any text outside the JSON object.`

// PromptTemplateRegistry builds the system and user prompts sent to
// ProviderManager, one composable builder per defect category so each
// category can be tuned (few-shot examples, emphasis) independently while
// sharing the same JSON-schema trailer.
type PromptTemplateRegistry struct {
	systemPrompts map[DefectCategory]string
}

// NewPromptTemplateRegistry builds the default per-category system
// prompts.
func NewPromptTemplateRegistry() *PromptTemplateRegistry {
	base := "You are a static analysis remediation assistant. You are given a single defect finding from a C/C++ static analyzer and the surrounding source code. Propose one or more minimal, surgical fixes that address the defect without changing unrelated behavior."

	return &PromptTemplateRegistry{
		systemPrompts: map[DefectCategory]string{
			CategoryNullPointer:      base + " Focus on the exact pointer that can be null at the reported line and the narrowest guard that prevents the dereference.",
			CategoryMemoryManagement: base + " Focus on matching every allocation with exactly one free/delete along every path, and never freeing twice.",
			CategoryBufferOverflow:   base + " Focus on the exact bound that is violated and the narrowest bounds check or buffer resize that prevents it.",
			CategoryUninitialized:    base + " Focus on the exact variable that is read before being written and the earliest point it can be safely initialized.",
			CategoryDeadCode:         base + " Focus on the exact branch or statement that can never execute and whether removing it or fixing the guarding condition is correct.",
			CategoryResourceLeak:     base + " Focus on the exact resource handle that is not released on every exit path, including early returns and exceptions.",
			CategoryConcurrency:      base + " Focus on the exact shared state accessed without adequate synchronization.",
			CategoryOther:            base,
		},
	}
}

// BuildAnalysisPrompt composes the system and user prompt for one defect's
// analysis-and-fix request.
func (r *PromptTemplateRegistry) BuildAnalysisPrompt(defect ParsedDefect, codeCtx *CodeContext) (systemMsg, userPrompt string) {
	category := CategoryOther
	if len(defect.ClassificationHint.LikelyCategories) > 0 {
		category = defect.ClassificationHint.LikelyCategories[0]
	}

	systemMsg = r.systemPrompts[category] + analysisJSONSchema

	var b strings.Builder
	fmt.Fprintf(&b, "Defect ID: %s\n", defect.DefectID)
	fmt.Fprintf(&b, "Checker / type: %s\n", defect.DefectType)
	fmt.Fprintf(&b, "File: %s\n", defect.FilePath)
	fmt.Fprintf(&b, "Line: %d\n", defect.LineNumber)
	if defect.FunctionName != "" {
		fmt.Fprintf(&b, "Function: %s\n", defect.FunctionName)
	}
	if len(defect.Events) > 0 {
		b.WriteString("Analyzer trace events:\n")
		for _, e := range defect.Events {
			fmt.Fprintf(&b, "  - %s\n", e)
		}
	}
	fmt.Fprintf(&b, "\nSource (lines %d-%d of %s):\n```\n%s\n```\n",
		codeCtx.ContextLines.Start, codeCtx.ContextLines.End, codeCtx.PrimaryFile, codeCtx.SourceCode)

	return systemMsg, b.String()
}

// BuildRepairPrompt composes a follow-up prompt asking the model to
// re-emit its previous answer strictly as the required JSON shape, used by
// StructuredOutputParser's model-assisted repair strategy.
func (r *PromptTemplateRegistry) BuildRepairPrompt(previousContent string) (systemMsg, userPrompt string) {
	systemMsg = "You reformat malformed JSON into valid JSON. You never change field values, only fix syntax." + analysisJSONSchema
	userPrompt = fmt.Sprintf("The following response was supposed to be a single JSON object but failed to parse. Re-emit it as valid JSON with the same content:\n\n%s", previousContent)
	return systemMsg, userPrompt
}

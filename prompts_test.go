package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildAnalysisPrompt(t *testing.T) {
	r := NewPromptTemplateRegistry()
	defect := ParsedDefect{
		DefectID:     "D1",
		DefectType:   "forward_null",
		FilePath:     "src/a.c",
		LineNumber:   10,
		FunctionName: "foo",
		Events:       []string{"pointer assigned null"},
		ClassificationHint: ClassificationHints{
			LikelyCategories: []DefectCategory{CategoryNullPointer},
		},
	}
	codeCtx := &CodeContext{
		PrimaryFile:  "src/a.c",
		ContextLines: LineRange{Start: 5, End: 15},
		SourceCode:   "int *p = NULL;",
	}

	system, user := r.BuildAnalysisPrompt(defect, codeCtx)
	assert.Contains(t, system, "null")
	assert.Contains(t, system, "defect_category")
	assert.Contains(t, user, "D1")
	assert.Contains(t, user, "src/a.c")
	assert.Contains(t, user, "foo")
	assert.Contains(t, user, "pointer assigned null")
	assert.Contains(t, user, "int *p = NULL;")
}

func TestBuildAnalysisPrompt_DefaultsToOtherCategory(t *testing.T) {
	r := NewPromptTemplateRegistry()
	defect := ParsedDefect{DefectID: "D2", FilePath: "a.c", LineNumber: 1}
	codeCtx := &CodeContext{SourceCode: "x"}

	system, _ := r.BuildAnalysisPrompt(defect, codeCtx)
	assert.Contains(t, system, "static analysis remediation assistant")
}

func TestBuildRepairPrompt(t *testing.T) {
	r := NewPromptTemplateRegistry()
	system, user := r.BuildRepairPrompt(`{"broken": true`)
	assert.Contains(t, system, "malformed JSON")
	assert.Contains(t, user, `{"broken": true`)
}

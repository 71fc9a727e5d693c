package main

import (
	"fmt"
	"strings"
)

// PatchValidator runs pre-flight checks on a chosen FixCandidate before
// PatchApplier is allowed to touch the workspace: the fix's file must be
// readable, line ranges must fall inside
// the current file bounds, and the fixed code must pass a cheap
// syntax-balance sanity check.
type PatchValidator struct {
	sourceFiles *SourceFileManager
}

// NewPatchValidator builds a PatchValidator backed by sourceFiles so it
// can check line ranges against the file's current length.
func NewPatchValidator(sourceFiles *SourceFileManager) *PatchValidator {
	return &PatchValidator{sourceFiles: sourceFiles}
}

// Validate checks fix and returns a PatchValidationResult; IsValid is
// false if any error was recorded, but warnings never block application.
func (v *PatchValidator) Validate(fix FixCandidate) PatchValidationResult {
	result := PatchValidationResult{IsValid: true}

	if fix.FilePath == "" {
		result.Errors = append(result.Errors, "fix candidate has no file_path")
	}
	if fix.FixedCode == "" {
		result.Errors = append(result.Errors, "fix candidate has no fixed_code")
	}

	if fix.FilePath != "" {
		lineCount, err := v.sourceFiles.LineCount(fix.FilePath)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("cannot read %s: %v", fix.FilePath, err))
		} else {
			for _, r := range fix.LineRanges {
				if r.Start < 1 || r.End > lineCount || r.Start > r.End {
					result.Errors = append(result.Errors, fmt.Sprintf("line range %d-%d is outside %s (%d lines)", r.Start, r.End, fix.FilePath, lineCount))
				}
			}
		}
	}

	if !balancedSyntax(fix.FixedCode) {
		result.Errors = append(result.Errors, "fixed_code fails balanced-delimiter syntax check")
	}

	if fix.ConfidenceScore < 0 || fix.ConfidenceScore > 1 {
		result.Warnings = append(result.Warnings, "confidence_score outside [0, 1]")
	}
	if len(fix.LineRanges) == 0 {
		result.Warnings = append(result.Warnings, "fix candidate carries no line ranges; full-file replacement will be used")
	}

	result.IsValid = len(result.Errors) == 0
	return result
}

// balancedSyntax is a cheap, language-agnostic sanity check: braces,
// parens, and brackets must balance once string/char literals and line
// comments are stripped the same way the language parser strips them
// before brace-counting. An unclosed literal is not itself reported.
func balancedSyntax(code string) bool {
	depthBrace, depthParen, depthBracket := 0, 0, 0
	for _, line := range strings.Split(code, "\n") {
		stripped := stripCommentsAndLiterals(line)
		for _, c := range stripped {
			switch c {
			case '{':
				depthBrace++
			case '}':
				depthBrace--
			case '(':
				depthParen++
			case ')':
				depthParen--
			case '[':
				depthBracket++
			case ']':
				depthBracket--
			}
			if depthBrace < 0 || depthParen < 0 || depthBracket < 0 {
				return false
			}
		}
	}
	return depthBrace == 0 && depthParen == 0 && depthBracket == 0
}

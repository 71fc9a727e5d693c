package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ContextAnalyzer extracts the slice of source code around a defect that
// the LLM needs to propose a fix: a fixed-size line window by default,
// widened to the enclosing function's bounds when LanguageParser can
// determine them.
type ContextAnalyzer struct {
	logger      logrus.FieldLogger
	sourceFiles *SourceFileManager
	parser      *LanguageParser
	defaultLines int
	maxLines     int
}

// NewContextAnalyzer builds a ContextAnalyzer wired to sourceFiles and
// parser, windowed per cfg.
func NewContextAnalyzer(logger logrus.FieldLogger, sourceFiles *SourceFileManager, parser *LanguageParser, cfg ContextConfig) *ContextAnalyzer {
	def := cfg.DefaultContextLines
	if def <= 0 {
		def = 20
	}
	max := cfg.MaxContextLines
	if max <= 0 {
		max = 200
	}
	return &ContextAnalyzer{
		logger:       logger,
		sourceFiles:  sourceFiles,
		parser:       parser,
		defaultLines: def,
		maxLines:     max,
	}
}

// Extract builds the CodeContext for defect: it determines the defect's
// language, asks LanguageParser for function bounds, and falls back to a
// symmetric fixed-size window around LineNumber when no bounds are found
// or the defect's hints call for line-specific context.
func (a *ContextAnalyzer) Extract(ctx context.Context, defect ParsedDefect) (*CodeContext, error) {
	lang := DetectLanguage(defect.FilePath)

	totalLines, err := a.sourceFiles.LineCount(defect.FilePath)
	if err != nil {
		return nil, NewPipelineError(KindContextError, defect.DefectID, err)
	}

	wantsFunctionContext := false
	for _, f := range defect.ClassificationHint.ContextFlags {
		if f == FlagFunctionContext {
			wantsFunctionContext = true
		}
	}

	var bounds *LineRange
	if wantsFunctionContext && lang != LanguageUnknown {
		fullLines, _, err := a.sourceFiles.Slice(defect.FilePath, 1, totalLines)
		if err != nil {
			return nil, NewPipelineError(KindContextError, defect.DefectID, err)
		}
		bounds = a.parser.FunctionBounds(ctx, lang, strings.Join(fullLines, "\n"), defect.LineNumber)
	}

	var window LineRange
	if bounds != nil && bounds.Len() <= a.maxLines {
		window = *bounds
	} else {
		if bounds != nil {
			a.logger.WithFields(logrus.Fields{
				"defect_id": defect.DefectID,
				"bounds_len": bounds.Len(),
				"max_lines":  a.maxLines,
			}).Debug("function bounds exceed max context lines, falling back to fixed window")
		}
		window = LineRange{
			Start: defect.LineNumber - a.defaultLines,
			End:   defect.LineNumber + a.defaultLines,
		}
	}

	if window.Start < 1 {
		window.Start = 1
	}
	if window.End > totalLines {
		window.End = totalLines
	}
	if window.Start > window.End {
		return nil, NewPipelineError(KindContextError, defect.DefectID, fmt.Errorf("defect line %d is outside file %s (%d lines)", defect.LineNumber, defect.FilePath, totalLines))
	}

	slice, encoding, err := a.sourceFiles.Slice(defect.FilePath, window.Start, window.End)
	if err != nil {
		return nil, NewPipelineError(KindContextError, defect.DefectID, err)
	}

	affected := []int{defect.LineNumber}
	for _, eventLine := range extractEventLines(defect.Events) {
		affected = append(affected, eventLine)
	}

	return &CodeContext{
		DefectID:            defect.DefectID,
		PrimaryFile:          defect.FilePath,
		PrimaryFunction:      defect.FunctionName,
		Language:             lang,
		ContextLines:         window,
		SourceCode:           strings.Join(slice, "\n"),
		AffectedLines:        dedupInts(affected),
		FunctionBounds:       bounds,
		FileEncoding:         encoding,
		ExtractionTimestamp:  time.Now(),
	}, nil
}

// extractEventLines is a placeholder hook for pulling explicit line
// numbers out of analyzer event trace strings; this pipeline's normalized
// events are free text, so no line numbers are recoverable from them today.
func extractEventLines(events []string) []int {
	return nil
}

func dedupInts(in []int) []int {
	seen := make(map[int]bool, len(in))
	var out []int
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

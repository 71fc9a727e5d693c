package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/sirupsen/logrus"
)

// rawReport is the on-disk shape of a defect report, deliberately loose:
// analyzer vendors vary field names, so ReportAdapter normalizes into
// ParsedDefect rather than assuming a single schema.
type rawReport struct {
	Defects []rawDefect `json:"defects"`
}

type rawDefect struct {
	CheckerName  string                 `json:"checker_name"`
	Type         string                 `json:"type"`
	File         string                 `json:"file"`
	Line         int                    `json:"line"`
	Function     string                 `json:"function"`
	Events       []string               `json:"events"`
	Subcategory  string                 `json:"subcategory"`
	Extra        map[string]interface{} `json:"extra"`
}

// categoryKeywords maps substrings found in a checker name or defect type
// to the category they imply, checked in order; every match is kept, so the
// first match becomes the primary category.
var categoryKeywords = []struct {
	keyword  string
	category DefectCategory
}{
	{"null", CategoryNullPointer},
	{"nullptr", CategoryNullPointer},
	{"forward_null", CategoryNullPointer},
	{"leak", CategoryResourceLeak},
	{"resource_leak", CategoryResourceLeak},
	{"use_after_free", CategoryMemoryManagement},
	{"double_free", CategoryMemoryManagement},
	{"uninit", CategoryUninitialized},
	{"overrun", CategoryBufferOverflow},
	{"overflow", CategoryBufferOverflow},
	{"out_of_bounds", CategoryBufferOverflow},
	{"dead_code", CategoryDeadCode},
	{"unreachable", CategoryDeadCode},
	{"race", CategoryConcurrency},
	{"deadlock", CategoryConcurrency},
	{"lock", CategoryConcurrency},
}

// ReportAdapter loads a vendor-neutral defect report, applies path exclude
// globs, and produces the closed set of ParsedDefect records the rest of
// the pipeline consumes.
type ReportAdapter struct {
	logger       logrus.FieldLogger
	excludes     []glob.Glob
	maxDefects   int
}

// NewReportAdapter compiles cfg's exclude globs once at construction so
// iterDefects doesn't re-parse a pattern per file.
func NewReportAdapter(logger logrus.FieldLogger, cfg IngestionConfig) (*ReportAdapter, error) {
	var compiled []glob.Glob
	for _, pattern := range cfg.ExcludeGlobs {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("compiling exclude glob %q: %w", pattern, err)
		}
		compiled = append(compiled, g)
	}
	return &ReportAdapter{
		logger:     logger,
		excludes:   compiled,
		maxDefects: cfg.MaxDefects,
	}, nil
}

// LoadAndValidate reads and parses the report at path, returning a
// PipelineError of kind KindInputError on any I/O or JSON failure so the
// orchestrator can fail fast with a clear category.
func (a *ReportAdapter) LoadAndValidate(path string) ([]ParsedDefect, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, NewPipelineError(KindInputError, "", fmt.Errorf("reading report %s: %w", path, err))
	}

	var report rawReport
	if err := json.Unmarshal(raw, &report); err != nil {
		return nil, NewPipelineError(KindInputError, "", fmt.Errorf("parsing report %s: %w", path, err))
	}

	return a.iterDefects(report), nil
}

// iterDefects converts each rawDefect into a ParsedDefect, skipping any
// whose file path matches an exclude glob, and stopping once maxDefects is
// reached (0 means unbounded).
func (a *ReportAdapter) iterDefects(report rawReport) []ParsedDefect {
	var out []ParsedDefect
	now := time.Now()

	for _, rd := range report.Defects {
		if a.isExcluded(rd.File) {
			a.logger.WithField("file", rd.File).Debug("defect excluded by glob")
			continue
		}

		id := ComputeDefectID(rd.CheckerName, rd.File, rd.Line, rd.Function)
		defect := ParsedDefect{
			DefectID:          id,
			DefectType:        rd.Type,
			FilePath:          rd.File,
			LineNumber:        rd.Line,
			FunctionName:      rd.Function,
			Events:            rd.Events,
			Subcategory:       rd.Subcategory,
			ConfidenceScore:   1.0,
			ParsingTimestamp:  now,
			RawData:           rd.Extra,
			ClassificationHint: classify(rd),
		}
		out = append(out, defect)

		if a.maxDefects > 0 && len(out) >= a.maxDefects {
			a.logger.WithField("max_defects", a.maxDefects).Warn("report truncated at max_defects")
			break
		}
	}

	return out
}

func (a *ReportAdapter) isExcluded(path string) bool {
	for _, g := range a.excludes {
		if g.Match(path) {
			return true
		}
	}
	return false
}

// classify derives ClassificationHints from a checker name / type keyword
// table plus a handful of structural cues, with no I/O involved.
func classify(rd rawDefect) ClassificationHints {
	haystack := strings.ToLower(rd.CheckerName + " " + rd.Type)

	var categories []DefectCategory
	for _, kw := range categoryKeywords {
		if strings.Contains(haystack, kw.keyword) {
			categories = append(categories, kw.category)
		}
	}
	if len(categories) == 0 {
		categories = []DefectCategory{CategoryOther}
	}

	severity := IndicatorMedium
	switch {
	case containsAny(haystack, "overrun", "overflow", "use_after_free", "double_free"):
		severity = IndicatorHigh
	case containsAny(haystack, "dead_code", "unreachable", "unused"):
		severity = IndicatorLow
	}

	var complexity []ComplexityHint
	switch {
	case len(rd.Events) > 3:
		complexity = append(complexity, HintMultiStep)
	case rd.Function != "":
		complexity = append(complexity, HintFunctionLevel)
	default:
		complexity = append(complexity, HintSingleLine)
	}

	var flags []ContextFlag
	if rd.Function != "" {
		flags = append(flags, FlagFunctionContext)
	} else {
		flags = append(flags, FlagLineSpecific)
	}

	return ClassificationHints{
		LikelyCategories:  categories,
		SeverityIndicator: severity,
		ComplexityHints:   complexity,
		ContextFlags:      flags,
	}
}

func containsAny(haystack string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

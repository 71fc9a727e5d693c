package main

import (
	"strings"
)

// StyleAnalyzer sniffs the dominant formatting convention in a code
// context and scores a proposed fix's consistency against it, using
// keyword/character counting only, with no AST involved.
type StyleAnalyzer struct{}

// NewStyleAnalyzer constructs a StyleAnalyzer. It carries no state: every
// call is independent of the others.
func NewStyleAnalyzer() *StyleAnalyzer {
	return &StyleAnalyzer{}
}

// QuickDetect sniffs DetectedStyle from source, sampling indentation,
// brace placement, and naming convention from whichever lines are
// informative.
func (s *StyleAnalyzer) QuickDetect(source string, lang Language) DetectedStyle {
	lines := strings.Split(source, "\n")

	tabs, spaces := 0, 0
	spaceWidths := make(map[int]int)
	sameLineBraces, nextLineBraces := 0, 0
	longestLine := 0

	for i, line := range lines {
		if len(line) > longestLine {
			longestLine = len(line)
		}
		trimmed := strings.TrimLeft(line, " \t")
		indent := len(line) - len(trimmed)
		if indent > 0 {
			if line[0] == '\t' {
				tabs++
			} else {
				spaces++
				spaceWidths[indent]++
			}
		}

		if strings.TrimSpace(line) == "{" && i > 0 {
			nextLineBraces++
		} else if strings.HasSuffix(strings.TrimRight(line, " \t"), "{") {
			sameLineBraces++
		}
	}

	indentType := "spaces"
	if tabs > spaces {
		indentType = "tabs"
	}

	width := 4
	bestCount := 0
	for w, count := range spaceWidths {
		if count > bestCount && (w == 2 || w == 4 || w == 8) {
			bestCount = count
			width = w
		}
	}

	braceStyle := "k&r"
	if nextLineBraces > sameLineBraces {
		braceStyle = "allman"
	}

	naming := detectNamingConvention(source)

	lineLengthPref := 80
	if longestLine > 100 {
		lineLengthPref = 120
	}

	return DetectedStyle{
		IndentationType:  indentType,
		IndentationWidth: width,
		BraceStyle:       braceStyle,
		NamingConvention: naming,
		LineLengthPref:   lineLengthPref,
	}
}

func detectNamingConvention(source string) string {
	snakeCount := strings.Count(source, "_")
	camelIndicators := 0
	for i := 1; i < len(source); i++ {
		if source[i] >= 'A' && source[i] <= 'Z' && source[i-1] >= 'a' && source[i-1] <= 'z' {
			camelIndicators++
		}
	}
	if camelIndicators > snakeCount {
		return "camelCase"
	}
	return "snake_case"
}

// Score compares a fix's fixed code against the context's detected style,
// returning a consistency score in [0, 1] plus the specific violations
// found, so StyleAnalysisResult.Recommendations can be concrete.
func (s *StyleAnalyzer) Score(detected DetectedStyle, fixedCode string) StyleAnalysisResult {
	var violations []string
	var recommendations []string
	points := 0.0
	total := 0.0

	total++
	fixStyle := s.QuickDetect(fixedCode, LanguageUnknown)
	if fixStyle.IndentationType == detected.IndentationType || !hasIndentedLines(fixedCode) {
		points++
	} else {
		violations = append(violations, "indentation type does not match surrounding code")
		recommendations = append(recommendations, "use "+detected.IndentationType+" for indentation")
	}

	total++
	if fixStyle.BraceStyle == detected.BraceStyle || !strings.Contains(fixedCode, "{") {
		points++
	} else {
		violations = append(violations, "brace placement does not match surrounding code")
		recommendations = append(recommendations, "use "+detected.BraceStyle+"-style brace placement")
	}

	total++
	longest := 0
	for _, l := range strings.Split(fixedCode, "\n") {
		if len(l) > longest {
			longest = len(l)
		}
	}
	if longest <= detected.LineLengthPref {
		points++
	} else {
		violations = append(violations, "line length exceeds surrounding convention")
		recommendations = append(recommendations, "wrap lines at or under the surrounding file's line length")
	}

	score := 1.0
	if total > 0 {
		score = points / total
	}

	return StyleAnalysisResult{
		DetectedStyle:    detected,
		ConsistencyScore: score,
		Violations:       violations,
		Recommendations:  recommendations,
	}
}

func hasIndentedLines(code string) bool {
	for _, l := range strings.Split(code, "\n") {
		if len(l) > 0 && (l[0] == ' ' || l[0] == '\t') {
			return true
		}
	}
	return false
}

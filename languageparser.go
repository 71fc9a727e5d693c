package main

import (
	"context"
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/c"
	"github.com/smacker/go-tree-sitter/cpp"
	"github.com/sirupsen/logrus"
)

// LanguageParser detects a source file's language from its extension and
// locates the enclosing function around a defect's reported line, using a
// tree-sitter AST when the grammar is available and falling back to a
// hand-rolled balanced-brace scan otherwise.
type LanguageParser struct {
	logger       logrus.FieldLogger
	useTreeSitter bool
}

// NewLanguageParser builds a LanguageParser per cfg.
func NewLanguageParser(logger logrus.FieldLogger, cfg ParsingConfig) *LanguageParser {
	return &LanguageParser{logger: logger, useTreeSitter: cfg.UseTreeSitter}
}

// DetectLanguage classifies path by extension. Anything not recognized as
// C or C++ is LanguageUnknown.
func DetectLanguage(path string) Language {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".c":
		return LanguageC
	case ".h":
		return LanguageC
	case ".cpp", ".cc", ".cxx", ".hpp", ".hh", ".hxx":
		return LanguageCPP
	default:
		return LanguageUnknown
	}
}

// FunctionBounds returns the line range of the function enclosing line
// within the given source text, or nil if no enclosing function could be
// determined (e.g. language is LanguageUnknown, or line sits at file
// scope).
func (p *LanguageParser) FunctionBounds(ctx context.Context, lang Language, source string, line int) *LineRange {
	if lang == LanguageUnknown {
		return nil
	}

	if p.useTreeSitter {
		if r := p.treeSitterBounds(ctx, lang, source, line); r != nil {
			return r
		}
		p.logger.WithField("line", line).Debug("tree-sitter bounds unavailable, falling back to brace scan")
	}

	return balancedBraceBounds(source, line)
}

// treeSitterBounds parses source with the grammar for lang and returns the
// smallest function_definition node (C) / function_definition-or-method
// node (C++) that contains line, or nil on any parse failure.
func (p *LanguageParser) treeSitterBounds(ctx context.Context, lang Language, source string, line int) *LineRange {
	var grammar *sitter.Language
	switch lang {
	case LanguageC:
		grammar = c.GetLanguage()
	case LanguageCPP:
		grammar = cpp.GetLanguage()
	default:
		return nil
	}

	parser := sitter.NewParser()
	parser.SetLanguage(grammar)

	tree, err := parser.ParseCtx(ctx, nil, []byte(source))
	if err != nil {
		p.logger.WithError(err).Debug("tree-sitter parse failed")
		return nil
	}
	defer tree.Close()

	target := line - 1 // tree-sitter rows are 0-based
	root := tree.RootNode()

	var best *sitter.Node
	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		if n == nil {
			return
		}
		start := int(n.StartPoint().Row)
		end := int(n.EndPoint().Row)
		if start <= target && target <= end {
			if n.Type() == "function_definition" {
				best = n
			}
			for i := 0; i < int(n.ChildCount()); i++ {
				walk(n.Child(i))
			}
		}
	}
	walk(root)

	if best == nil {
		return nil
	}
	return &LineRange{
		Start: int(best.StartPoint().Row) + 1,
		End:   int(best.EndPoint().Row) + 1,
	}
}

// balancedBraceBounds scans outward from line looking for the nearest
// unmatched opening brace above it and its matching close below it,
// approximating a function body when no AST is available. It treats
// braces found inside string/char literals or line comments as inert by
// stripping them first.
func balancedBraceBounds(source string, line int) *LineRange {
	lines := strings.Split(source, "\n")
	if line < 1 || line > len(lines) {
		return nil
	}

	stripped := make([]string, len(lines))
	for i, l := range lines {
		stripped[i] = stripCommentsAndLiterals(l)
	}

	// Walk upward from line accumulating a running brace balance; the
	// first point where balance goes negative (more closes than opens
	// seen so far, scanning backward) marks the body's opening line.
	depth := 0
	openLine := -1
	for i := line - 1; i >= 0; i-- {
		for j := len(stripped[i]) - 1; j >= 0; j-- {
			switch stripped[i][j] {
			case '}':
				depth++
			case '{':
				depth--
				if depth < 0 {
					openLine = i
				}
			}
		}
		if openLine != -1 {
			break
		}
	}
	if openLine == -1 {
		return nil
	}

	// Walk the function signature upward from openLine to its start: the
	// nearest blank line, `;`-terminated previous statement, or another
	// `}` above it.
	startLine := openLine
	for startLine > 0 {
		prev := strings.TrimSpace(stripped[startLine-1])
		if prev == "" || strings.HasSuffix(prev, ";") || strings.HasSuffix(prev, "}") {
			break
		}
		startLine--
	}

	// Walk forward from openLine to find the matching close.
	depth = 0
	closeLine := -1
	for i := openLine; i < len(stripped); i++ {
		for _, ch := range stripped[i] {
			switch ch {
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					closeLine = i
				}
			}
		}
		if closeLine != -1 {
			break
		}
	}
	if closeLine == -1 {
		closeLine = len(lines) - 1
	}

	return &LineRange{Start: startLine + 1, End: closeLine + 1}
}

// stripCommentsAndLiterals removes // comments and the contents of string
// and char literals from a single line so brace-counting isn't confused by
// a literal brace inside "{}" or '{'.
func stripCommentsAndLiterals(line string) string {
	var b strings.Builder
	inString := false
	inChar := false
	escaped := false

	for i := 0; i < len(line); i++ {
		c := line[i]
		if escaped {
			escaped = false
			b.WriteByte(' ')
			continue
		}
		if inString {
			if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			b.WriteByte(' ')
			continue
		}
		if inChar {
			if c == '\\' {
				escaped = true
			} else if c == '\'' {
				inChar = false
			}
			b.WriteByte(' ')
			continue
		}
		if c == '/' && i+1 < len(line) && line[i+1] == '/' {
			break
		}
		if c == '"' {
			inString = true
			b.WriteByte(' ')
			continue
		}
		if c == '\'' {
			inChar = true
			b.WriteByte(' ')
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

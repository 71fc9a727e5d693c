package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestContextAnalyzer(t *testing.T, dir string, cfg ContextConfig) *ContextAnalyzer {
	t.Helper()
	sf, err := NewSourceFileManager(testLogger(), dir, cfg)
	require.NoError(t, err)
	parser := NewLanguageParser(testLogger(), ParsingConfig{UseTreeSitter: false})
	return NewContextAnalyzer(testLogger(), sf, parser, cfg)
}

func TestContextAnalyzer_ExtractWithFunctionBounds(t *testing.T) {
	dir := t.TempDir()
	source := `int add(int a, int b) {
    int result = a + b;
    return result;
}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f.c"), []byte(source), 0o644))

	analyzer := newTestContextAnalyzer(t, dir, ContextConfig{})
	defect := ParsedDefect{
		DefectID:     "D1",
		FilePath:     "f.c",
		LineNumber:   2,
		FunctionName: "add",
		ClassificationHint: ClassificationHints{
			ContextFlags: []ContextFlag{FlagFunctionContext},
		},
	}

	cc, err := analyzer.Extract(context.Background(), defect)
	require.NoError(t, err)
	require.NotNil(t, cc.FunctionBounds)
	assert.Equal(t, 1, cc.FunctionBounds.Start)
	assert.Equal(t, 4, cc.FunctionBounds.End)
	assert.Equal(t, LanguageC, cc.Language)
	assert.Contains(t, cc.AffectedLines, 2)
}

func TestContextAnalyzer_ExtractFixedWindow(t *testing.T) {
	dir := t.TempDir()
	lines := make([]string, 50)
	for i := range lines {
		lines[i] = "x"
	}
	content := ""
	for i, l := range lines {
		if i > 0 {
			content += "\n"
		}
		content += l
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f.c"), []byte(content), 0o644))

	analyzer := newTestContextAnalyzer(t, dir, ContextConfig{DefaultContextLines: 3})
	defect := ParsedDefect{DefectID: "D1", FilePath: "f.c", LineNumber: 25}

	cc, err := analyzer.Extract(context.Background(), defect)
	require.NoError(t, err)
	assert.Nil(t, cc.FunctionBounds)
	assert.Equal(t, 22, cc.ContextLines.Start)
	assert.Equal(t, 28, cc.ContextLines.End)
}

func TestContextAnalyzer_ExtractClampsToFileBounds(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f.c"), []byte("a\nb\nc"), 0o644))

	analyzer := newTestContextAnalyzer(t, dir, ContextConfig{DefaultContextLines: 10})
	defect := ParsedDefect{DefectID: "D1", FilePath: "f.c", LineNumber: 2}

	cc, err := analyzer.Extract(context.Background(), defect)
	require.NoError(t, err)
	assert.Equal(t, 1, cc.ContextLines.Start)
	assert.Equal(t, 3, cc.ContextLines.End)
}

func TestContextAnalyzer_ExtractOutOfBoundsLine(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f.c"), []byte("a\nb\nc"), 0o644))

	analyzer := newTestContextAnalyzer(t, dir, ContextConfig{DefaultContextLines: 2})
	defect := ParsedDefect{DefectID: "D1", FilePath: "f.c", LineNumber: 999}

	_, err := analyzer.Extract(context.Background(), defect)
	require.Error(t, err)
	var pe *PipelineError
	require.True(t, asPipelineError(err, &pe))
	assert.Equal(t, KindContextError, pe.Kind)
}

func TestDedupInts(t *testing.T) {
	assert.Equal(t, []int{1, 2, 3}, dedupInts([]int{1, 2, 1, 3, 2}))
}

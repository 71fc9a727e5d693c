package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/text/encoding/charmap"
)

// sourceFileEntry is one cached file's decoded content plus its detected
// encoding, keyed by absolute path.
type sourceFileEntry struct {
	lines    []string
	encoding string
}

// SourceFileManager reads source files for ContextAnalyzer, bounding
// memory with an LRU cache and refusing to read outside the configured
// workspace root or beyond a maximum file size.
type SourceFileManager struct {
	logger        logrus.FieldLogger
	workspaceRoot string
	maxFileSize   int64
	cache         *lru.Cache[string, *sourceFileEntry]
}

// NewSourceFileManager builds a SourceFileManager bounded by cfg.
func NewSourceFileManager(logger logrus.FieldLogger, workspaceRoot string, cfg ContextConfig) (*SourceFileManager, error) {
	size := cfg.MaxCachedFiles
	if size <= 0 {
		size = 128
	}
	cache, err := lru.New[string, *sourceFileEntry](size)
	if err != nil {
		return nil, fmt.Errorf("creating source file cache: %w", err)
	}
	maxSize := cfg.MaxFileSizeBytes
	if maxSize <= 0 {
		maxSize = 5 * 1024 * 1024
	}
	return &SourceFileManager{
		logger:        logger,
		workspaceRoot: workspaceRoot,
		maxFileSize:   maxSize,
		cache:         cache,
	}, nil
}

// resolve joins a defect-reported path against the workspace root and
// rejects any path that would escape it, defending against a crafted
// report path like "../../etc/passwd".
func (m *SourceFileManager) resolve(path string) (string, error) {
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(m.workspaceRoot, path)
	}
	abs = filepath.Clean(abs)

	rootAbs, err := filepath.Abs(m.workspaceRoot)
	if err != nil {
		return "", fmt.Errorf("resolving workspace root: %w", err)
	}
	rel, err := filepath.Rel(rootAbs, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", NewPipelineError(KindInputError, "", fmt.Errorf("path %q escapes workspace root", path))
	}
	return abs, nil
}

// Lines returns the decoded lines of path along with the encoding detected
// for it, serving from cache when possible.
func (m *SourceFileManager) Lines(path string) ([]string, string, error) {
	abs, err := m.resolve(path)
	if err != nil {
		return nil, "", err
	}

	if entry, ok := m.cache.Get(abs); ok {
		return entry.lines, entry.encoding, nil
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, "", NewPipelineError(KindInputError, "", fmt.Errorf("stat %s: %w", abs, err))
	}
	if info.Size() > m.maxFileSize {
		return nil, "", NewPipelineError(KindInputError, "", fmt.Errorf("%s exceeds max file size (%d > %d bytes)", abs, info.Size(), m.maxFileSize))
	}

	raw, err := os.ReadFile(abs)
	if err != nil {
		return nil, "", NewPipelineError(KindInputError, "", fmt.Errorf("reading %s: %w", abs, err))
	}

	text, encName := decodeBestEffort(raw)
	lines := strings.Split(text, "\n")

	m.cache.Add(abs, &sourceFileEntry{lines: lines, encoding: encName})
	return lines, encName, nil
}

// Slice returns lines [start, end] (1-based, inclusive) of path, clamped to
// the file's actual bounds.
func (m *SourceFileManager) Slice(path string, start, end int) ([]string, string, error) {
	lines, enc, err := m.Lines(path)
	if err != nil {
		return nil, "", err
	}
	if start < 1 {
		start = 1
	}
	if end > len(lines) {
		end = len(lines)
	}
	if start > end {
		return []string{}, enc, nil
	}
	return lines[start-1 : end], enc, nil
}

// LineCount returns the number of lines in path.
func (m *SourceFileManager) LineCount(path string) (int, error) {
	lines, _, err := m.Lines(path)
	if err != nil {
		return 0, err
	}
	return len(lines), nil
}

// InvalidateCache evicts path so the next read picks up on-disk changes;
// PatchApplier calls this after writing a file back.
func (m *SourceFileManager) InvalidateCache(path string) {
	if abs, err := m.resolve(path); err == nil {
		m.cache.Remove(abs)
	}
}

// decodeBestEffort applies a chardet-style confidence cascade: valid UTF-8
// first, then plain ASCII, then a Latin-1 (CP1252) fallback decode that
// never itself fails, matching the teacher's "never block the pipeline on
// an encoding surprise" posture.
func decodeBestEffort(raw []byte) (string, string) {
	if utf8.Valid(raw) {
		return string(raw), "utf-8"
	}
	if isASCII(raw) {
		return string(raw), "ascii"
	}

	decoder := charmap.Windows1252.NewDecoder()
	decoded, err := decoder.Bytes(raw)
	if err != nil {
		return string(raw), "binary"
	}
	return string(decoded), "windows-1252"
}

func isASCII(b []byte) bool {
	for _, c := range b {
		if c > 127 {
			return false
		}
	}
	return true
}

package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// keywordBlockRadius is how many lines on either side of a keyword match
// are replaced in mode B, before clamping to file bounds.
const keywordBlockRadius = 10

// vcsDriver is the slice of VcsManager's behavior PatchApplier depends on.
// Accepting the interface rather than *VcsManager keeps the require_clean_workspace
// gate and rollback path testable without a real p4 client.
type vcsDriver interface {
	CreateChangelist(ctx context.Context, workspaceRoot, description string) (string, error)
	Edit(ctx context.Context, workspaceRoot, changelistID, path string) error
	Revert(ctx context.Context, workspaceRoot, path string) error
	WorkspaceStatus(ctx context.Context, workspaceRoot, path string) (bool, error)
}

// PatchApplier is the final pipeline stage: given a chosen FixCandidate,
// it runs PatchValidator on it, backs the target file up, checks it out
// of the VCS, writes the surgical edit using the narrowest mode that
// applies, re-reads the result to catch a corrupted write, and rolls back
// if anything after the backup fails and automatic rollback is enabled.
type PatchApplier struct {
	logger      logrus.FieldLogger
	sourceFiles *SourceFileManager
	validator   *PatchValidator
	backups     *BackupManager
	vcs         vcsDriver
	workspace   string
	dryRun      bool

	preferLineRangeReplacement bool
	enableKeywordReplacement   bool
	allowFullFileReplacement   bool
	maxBlockSizeForKeywords    int
	maxRangesPerFile           int

	requireCleanWorkspace      bool
	keepBackupsOnSuccess       bool
	automaticRollbackOnFailure bool

	mu            sync.Mutex
	appliedHashes map[string]string
}

// NewPatchApplier wires together the components PatchApplier drives.
func NewPatchApplier(logger logrus.FieldLogger, sourceFiles *SourceFileManager, validator *PatchValidator, backups *BackupManager, vcs vcsDriver, cfg ApplicationConfig) *PatchApplier {
	maxBlockSize := cfg.MaxBlockSizeForKeywords
	if maxBlockSize <= 0 {
		maxBlockSize = 100
	}
	maxRanges := cfg.MaxRangesPerFile
	if maxRanges <= 0 {
		maxRanges = 10
	}

	return &PatchApplier{
		logger:      logger,
		sourceFiles: sourceFiles,
		validator:   validator,
		backups:     backups,
		vcs:         vcs,
		workspace:   cfg.WorkspaceRoot,
		dryRun:      cfg.DryRun,

		preferLineRangeReplacement: cfg.PreferLineRangeReplacement,
		enableKeywordReplacement:   cfg.EnableKeywordReplacement,
		allowFullFileReplacement:   cfg.AllowFullFileReplacement,
		maxBlockSizeForKeywords:    maxBlockSize,
		maxRangesPerFile:           maxRanges,

		requireCleanWorkspace:      cfg.RequireCleanWorkspace,
		keepBackupsOnSuccess:       cfg.KeepBackupsOnSuccess,
		automaticRollbackOnFailure: cfg.AutomaticRollbackOnFailure,

		appliedHashes: make(map[string]string),
	}
}

// Apply validates fix, then applies it to the workspace, returning a
// PatchApplicationResult describing exactly what happened. On a failure
// after the backup step, when automatic rollback is enabled every file
// touched so far is rolled back and the result's OverallStatus is
// StatusRolledBack; with it disabled nothing is rolled back and the status
// is StatusFailed. A fix already applied in a
// prior call (detected by a pre-apply hash check against the file's
// expected post-apply content) is a no-op: it returns StatusSuccess with
// no applied changes and performs no VCS edit.
func (p *PatchApplier) Apply(ctx context.Context, fix FixCandidate) *PatchApplicationResult {
	start := time.Now()
	result := &PatchApplicationResult{}

	validation := p.validator.Validate(fix)
	result.Validation = validation
	if !validation.IsValid {
		result.OverallStatus = StatusFailed
		result.ErrorLog = validation.Errors
		result.ProcessingTimeSecs = time.Since(start).Seconds()
		return result
	}

	if p.alreadyApplied(fix) {
		result.OverallStatus = StatusSuccess
		result.ProcessingTimeSecs = time.Since(start).Seconds()
		return result
	}

	patchID := p.backups.Begin()
	result.PatchID = patchID
	result.BackupManifestRef = patchID

	if p.requireCleanWorkspace {
		clean, err := p.vcs.WorkspaceStatus(ctx, p.workspace, fix.FilePath)
		if err != nil {
			result.OverallStatus = StatusFailed
			result.ErrorLog = append(result.ErrorLog, err.Error())
			result.ProcessingTimeSecs = time.Since(start).Seconds()
			return result
		}
		if !clean {
			result.OverallStatus = StatusFailed
			result.ErrorLog = append(result.ErrorLog, fmt.Sprintf("workspace is not clean for %s; refusing to apply (require_clean_workspace)", fix.FilePath))
			result.ProcessingTimeSecs = time.Since(start).Seconds()
			return result
		}
	}

	if p.dryRun {
		result.OverallStatus = StatusDryRunOK
		result.ProcessingTimeSecs = time.Since(start).Seconds()
		return result
	}

	changelistID, err := p.vcs.CreateChangelist(ctx, p.workspace, changelistDescription(fix))
	if err != nil {
		result.OverallStatus = StatusFailed
		result.ErrorLog = append(result.ErrorLog, err.Error())
		result.ProcessingTimeSecs = time.Since(start).Seconds()
		return result
	}
	result.ChangelistID = changelistID

	applied, err := p.applyOneFile(ctx, patchID, changelistID, fix)
	if err != nil {
		if p.automaticRollbackOnFailure {
			p.rollback(ctx, patchID, applied)
			result.OverallStatus = StatusRolledBack
		} else {
			result.OverallStatus = StatusFailed
		}
		result.ErrorLog = append(result.ErrorLog, err.Error())
		result.ProcessingTimeSecs = time.Since(start).Seconds()
		return result
	}

	result.AppliedChanges = append(result.AppliedChanges, applied)
	result.OverallStatus = StatusSuccess
	result.ProcessingTimeSecs = time.Since(start).Seconds()

	if !p.keepBackupsOnSuccess {
		if err := p.backups.Cleanup(patchID); err != nil {
			p.logger.WithError(err).Warn("backup cleanup failed after successful apply")
		}
	}
	p.rememberApplied(fix)

	return result
}

// alreadyApplied reports whether fix's target file already contains the
// exact content a successful application of fix would produce, by
// comparing the file's current hash against the hash recorded the last
// time this PatchApplier applied this fix.
func (p *PatchApplier) alreadyApplied(fix FixCandidate) bool {
	key := fixIdentityKey(fix)
	p.mu.Lock()
	expected, known := p.appliedHashes[key]
	p.mu.Unlock()
	if !known {
		return false
	}

	raw, err := os.ReadFile(resolveInWorkspace(p.workspace, fix.FilePath))
	if err != nil {
		return false
	}
	return contentHash(string(raw)) == expected
}

// rememberApplied records the target file's post-apply hash so a later
// call with the same fix is recognized as idempotent.
func (p *PatchApplier) rememberApplied(fix FixCandidate) {
	raw, err := os.ReadFile(resolveInWorkspace(p.workspace, fix.FilePath))
	if err != nil {
		return
	}
	p.mu.Lock()
	p.appliedHashes[fixIdentityKey(fix)] = contentHash(string(raw))
	p.mu.Unlock()
}

// fixIdentityKey identifies a fix by the file it targets and the code it
// writes there, so two distinct fixes against the same file never collide
// in the idempotence cache.
func fixIdentityKey(fix FixCandidate) string {
	h := sha256.New()
	h.Write([]byte(fix.FilePath))
	h.Write([]byte{0})
	h.Write([]byte(fix.FixedCode))
	return hex.EncodeToString(h.Sum(nil))
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func (p *PatchApplier) rollback(ctx context.Context, patchID string, applied AppliedChange) {
	if err := p.backups.Restore(patchID); err != nil {
		p.logger.WithError(err).Error("backup restore failed during rollback")
	}
	if applied.FilePath != "" {
		if err := p.vcs.Revert(ctx, p.workspace, applied.FilePath); err != nil {
			p.logger.WithError(err).Error("p4 revert failed during rollback")
		}
		p.sourceFiles.InvalidateCache(applied.FilePath)
	}
}

func (p *PatchApplier) applyOneFile(ctx context.Context, patchID, changelistID string, fix FixCandidate) (AppliedChange, error) {
	if _, err := p.backups.Snapshot(patchID, resolveInWorkspace(p.workspace, fix.FilePath)); err != nil {
		return AppliedChange{}, err
	}

	if err := p.vcs.Edit(ctx, p.workspace, changelistID, fix.FilePath); err != nil {
		return AppliedChange{}, err
	}

	lines, _, err := p.sourceFiles.Lines(fix.FilePath)
	if err != nil {
		return AppliedChange{}, err
	}

	var newLines []string
	var mode ApplicationMode
	var ranges []LineRange

	keywordBlockSize := 2*keywordBlockRadius + 1

	switch {
	case p.preferLineRangeReplacement && len(fix.LineRanges) > 0 && len(fix.LineRanges) <= p.maxRangesPerFile:
		newLines, ranges = applyLineRangeMode(lines, fix)
		mode = ModeLineRange
	case p.enableKeywordReplacement && fix.OriginalCode != "" && containsKeywordBlock(lines, fix.OriginalCode) && keywordBlockSize <= p.maxBlockSizeForKeywords:
		newLines, ranges = applyKeywordMode(lines, fix)
		mode = ModeKeyword
	case p.allowFullFileReplacement:
		newLines = strings.Split(fix.FixedCode, "\n")
		ranges = []LineRange{{Start: 1, End: len(lines)}}
		mode = ModeFullFile
	default:
		return AppliedChange{}, NewPipelineError(KindApplicationError, "", fmt.Errorf("no application mode available for %s: line-range and keyword replacement did not apply, and full-file replacement is disabled (allow_full_file_replacement=false)", fix.FilePath))
	}

	if err := writeWorkspaceFile(p.workspace, fix.FilePath, newLines); err != nil {
		return AppliedChange{}, err
	}
	p.sourceFiles.InvalidateCache(fix.FilePath)

	change := AppliedChange{
		FilePath:      fix.FilePath,
		Mode:          mode,
		RangesApplied: ranges,
		VcsOperations: []string{"edit", "write"},
		BackupRef:     patchID,
	}

	if err := p.postApplyCheck(fix, newLines); err != nil {
		return change, err
	}

	return change, nil
}

// postApplyCheck re-reads the file PatchApplier just wrote and verifies the
// write actually landed: the fixed code's identifying line must be present,
// the line count must match what was written, and the file as a whole must
// still pass a balanced-brace syntax-quick-check. Any failure here is
// routed back into Apply's rollback, since a corrupted write is worse than
// no write at all.
func (p *PatchApplier) postApplyCheck(fix FixCandidate, newLines []string) error {
	abs := resolveInWorkspace(p.workspace, fix.FilePath)
	raw, err := os.ReadFile(abs)
	if err != nil {
		return NewPipelineError(KindApplicationError, "", fmt.Errorf("post-apply check: re-reading %s: %w", abs, err))
	}
	content := string(raw)

	if marker := firstNonEmptyLine(fix.FixedCode); marker != "" && !strings.Contains(content, marker) {
		return NewPipelineError(KindApplicationError, "", fmt.Errorf("post-apply check failed for %s: fixed code not found after write", fix.FilePath))
	}

	actualLines := strings.Split(content, "\n")
	if len(actualLines) != len(newLines) {
		return NewPipelineError(KindApplicationError, "", fmt.Errorf("post-apply check failed for %s: wrote %d lines but file has %d", fix.FilePath, len(newLines), len(actualLines)))
	}

	if !balancedSyntax(content) {
		return NewPipelineError(KindApplicationError, "", fmt.Errorf("post-apply check failed for %s: unbalanced braces, parens, or brackets after write", fix.FilePath))
	}

	return nil
}

// applyLineRangeMode replaces each of fix.LineRanges with a share of
// fix.FixedCode's lines. When there are F fixed lines and R ranges, the
// first F mod R ranges receive ceil(F/R) lines and the rest receive
// floor(F/R); F < R degenerates to the first F ranges receiving one line
// each and the remaining ranges left untouched.
func applyLineRangeMode(original []string, fix FixCandidate) ([]string, []LineRange) {
	fixedLines := strings.Split(fix.FixedCode, "\n")
	ranges := append([]LineRange(nil), fix.LineRanges...)
	f := len(fixedLines)
	r := len(ranges)

	shares := make([]int, r)
	if f < r {
		for i := 0; i < f; i++ {
			shares[i] = 1
		}
		for i := f; i < r; i++ {
			shares[i] = 0
		}
	} else {
		base := f / r
		rem := f % r
		for i := 0; i < r; i++ {
			shares[i] = base
			if i < rem {
				shares[i]++
			}
		}
	}

	// Ranges are applied back-to-front so earlier ranges' line numbers
	// stay valid while later ones are rewritten.
	result := append([]string(nil), original...)
	cursor := 0
	offsets := make([]int, r)
	for i := range ranges {
		offsets[i] = cursor
		cursor += shares[i]
	}

	for i := r - 1; i >= 0; i-- {
		if shares[i] == 0 {
			continue
		}
		rng := ranges[i]
		share := fixedLines[offsets[i] : offsets[i]+shares[i]]
		if rng.Start < 1 {
			rng.Start = 1
		}
		if rng.End > len(result) {
			rng.End = len(result)
		}
		if rng.Start > rng.End || rng.Start > len(result) {
			continue
		}
		result = append(result[:rng.Start-1], append(append([]string{}, share...), result[rng.End:]...)...)
	}

	return result, ranges
}

// containsKeywordBlock reports whether fix.OriginalCode's first non-empty
// line can be located verbatim in original, anchoring mode B.
func containsKeywordBlock(original []string, originalCode string) bool {
	keyword := firstNonEmptyLine(originalCode)
	if keyword == "" {
		return false
	}
	for _, l := range original {
		if strings.Contains(l, keyword) {
			return true
		}
	}
	return false
}

// applyKeywordMode finds the line containing fix.OriginalCode's first
// non-empty line and replaces a symmetric block of keywordBlockRadius
// lines around it with fix.FixedCode, clamped to file bounds. The block
// always contains the matched line, so it is never empty once a match is
// found; when no line matches, the original lines are returned unchanged
// with nil ranges.
func applyKeywordMode(original []string, fix FixCandidate) ([]string, []LineRange) {
	keyword := firstNonEmptyLine(fix.OriginalCode)
	anchor := -1
	for i, l := range original {
		if strings.Contains(l, keyword) {
			anchor = i
			break
		}
	}
	if anchor == -1 {
		return original, nil
	}

	start := anchor - keywordBlockRadius
	end := anchor + keywordBlockRadius
	if start < 0 {
		start = 0
	}
	if end > len(original)-1 {
		end = len(original) - 1
	}
	if start > end {
		return original, nil
	}

	fixedLines := strings.Split(fix.FixedCode, "\n")
	result := append([]string(nil), original[:start]...)
	result = append(result, fixedLines...)
	result = append(result, original[end+1:]...)

	return result, []LineRange{{Start: start + 1, End: end + 1}}
}

func firstNonEmptyLine(code string) string {
	for _, l := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(l)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func changelistDescription(fix FixCandidate) string {
	return fmt.Sprintf("coverity-agent: %s\n\n%s", fix.FilePath, fix.Explanation)
}

func resolveInWorkspace(workspace, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(workspace, path)
}

func writeWorkspaceFile(workspace, path string, lines []string) error {
	abs := resolveInWorkspace(workspace, path)
	content := strings.Join(lines, "\n")
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return NewPipelineError(KindApplicationError, "", fmt.Errorf("writing %s: %w", abs, err))
	}
	return nil
}

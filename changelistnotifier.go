package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/go-github/v45/github"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// ChangelistNotifier opens a GitHub issue summarizing a pending,
// unsubmitted Perforce changelist for human review. It never opens a pull
// request and never submits the changelist; it is purely a notification
// channel, adapted from the teacher's pull-request body/label generation.
type ChangelistNotifier struct {
	client *github.Client
	logger logrus.FieldLogger
	owner  string
	repo   string
	titleCaser cases.Caser
}

// NewChangelistNotifier builds a ChangelistNotifier authenticated with
// token.
func NewChangelistNotifier(ctx context.Context, logger logrus.FieldLogger, token, owner, repo string) *ChangelistNotifier {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	tc := oauth2.NewClient(ctx, ts)
	return &ChangelistNotifier{
		client:     github.NewClient(tc),
		logger:     logger,
		owner:      owner,
		repo:       repo,
		titleCaser: cases.Title(language.English),
	}
}

// NotifyChangelist opens a GitHub issue summarizing the changelist
// PatchApplier just prepared, for a reviewer to inspect and submit
// manually.
func (n *ChangelistNotifier) NotifyChangelist(ctx context.Context, defect ParsedDefect, analysis DefectAnalysisResult, patch PatchApplicationResult) error {
	body := n.buildCommentBody(defect, analysis, patch)
	title := fmt.Sprintf("Changelist %s ready for review: %s", patch.ChangelistID, defect.DefectID)

	_, _, err := n.client.Issues.Create(ctx, n.owner, n.repo, &github.IssueRequest{
		Title: github.String(title),
		Body:  github.String(body),
		Labels: &[]string{"coverity-agent", "needs-review"},
	})
	if err != nil {
		return NewPipelineError(KindInternalError, defect.DefectID, fmt.Errorf("posting changelist notification: %w", err))
	}
	return nil
}

func (n *ChangelistNotifier) buildCommentBody(defect ParsedDefect, analysis DefectAnalysisResult, patch PatchApplicationResult) string {
	var b strings.Builder

	fmt.Fprintf(&b, "### %s Review Needed: %s\n\n", n.titleCaser.String("changelist"), defect.DefectID)
	fmt.Fprintf(&b, "**Defect:** %s (%s)\n", defect.DefectType, defect.FilePath)
	fmt.Fprintf(&b, "**Changelist:** %s (pending, not submitted)\n", patch.ChangelistID)
	fmt.Fprintf(&b, "**Severity:** %s\n", analysis.Severity)
	fmt.Fprintf(&b, "**Confidence:** %s\n\n", analysis.ConfidenceLevel)

	if len(analysis.FixCandidates) > 0 && analysis.RecommendedFixIndex < len(analysis.FixCandidates) {
		fix := analysis.FixCandidates[analysis.RecommendedFixIndex]
		fmt.Fprintf(&b, "**Explanation:** %s\n\n", fix.Explanation)
	}

	b.WriteString("**Files touched:**\n")
	for _, change := range patch.AppliedChanges {
		fmt.Fprintf(&b, "- `%s` (%s)\n", change.FilePath, change.Mode)
	}

	b.WriteString("\nThis changelist was prepared automatically and has not been submitted. Please review with `p4 describe` before submitting.\n")

	return b.String()
}

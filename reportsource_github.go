package main

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/google/go-github/v45/github"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

// GitHubReportSource fetches a defect report JSON file from a GitHub
// Actions workflow run's artifacts, letting ReportAdapter be fed by CI
// rather than only by a local path. Grounded on the teacher's
// GitHubIntegration, narrowed to the one capability this pipeline needs:
// finding and downloading the report artifact.
type GitHubReportSource struct {
	client    *github.Client
	httpClient *http.Client
	logger    logrus.FieldLogger
	owner     string
	repo      string
}

// NewGitHubReportSource builds a GitHubReportSource authenticated with
// token.
func NewGitHubReportSource(ctx context.Context, logger logrus.FieldLogger, token, owner, repo string) *GitHubReportSource {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	tc := oauth2.NewClient(ctx, ts)
	return &GitHubReportSource{
		client:     github.NewClient(tc),
		httpClient: tc,
		logger:     logger,
		owner:      owner,
		repo:       repo,
	}
}

// LoadFromWorkflowArtifact downloads the named artifact from runID and
// returns the downloaded bytes unchanged; the watch command writes them to
// a temporary file and hands that path to ReportAdapter.LoadAndValidate.
func (s *GitHubReportSource) LoadFromWorkflowArtifact(ctx context.Context, runID int64, artifactName string) ([]byte, error) {
	artifacts, _, err := s.client.Actions.ListWorkflowRunArtifacts(ctx, s.owner, s.repo, runID, nil)
	if err != nil {
		return nil, NewPipelineError(KindInputError, "", fmt.Errorf("listing artifacts for run %d: %w", runID, err))
	}

	var artifactID int64
	found := false
	for _, a := range artifacts.Artifacts {
		if a.GetName() == artifactName {
			artifactID = a.GetID()
			found = true
			break
		}
	}
	if !found {
		return nil, NewPipelineError(KindInputError, "", fmt.Errorf("artifact %q not found on run %d", artifactName, runID))
	}

	url, _, err := s.client.Actions.DownloadArtifact(ctx, s.owner, s.repo, artifactID, true)
	if err != nil {
		return nil, NewPipelineError(KindInputError, "", fmt.Errorf("resolving download URL for artifact %q: %w", artifactName, err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("building artifact download request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, NewPipelineError(KindInputError, "", fmt.Errorf("downloading artifact %q: %w", artifactName, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading artifact body: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"run_id":   runID,
		"artifact": artifactName,
		"bytes":    len(body),
	}).Info("downloaded defect report artifact")

	return body, nil
}

// LatestCompletedRunID returns the most recent completed workflow run ID
// for a named workflow file, so an operator need only name the workflow
// rather than track run IDs manually.
func (s *GitHubReportSource) LatestCompletedRunID(ctx context.Context, workflowFile string) (int64, error) {
	opts := &github.ListWorkflowRunsOptions{
		Status:      "completed",
		ListOptions: github.ListOptions{PerPage: 1},
	}
	runs, _, err := s.client.Actions.ListWorkflowRunsByFileName(ctx, s.owner, s.repo, workflowFile, opts)
	if err != nil {
		return 0, NewPipelineError(KindInputError, "", fmt.Errorf("listing runs for %s: %w", workflowFile, err))
	}
	if len(runs.WorkflowRuns) == 0 {
		return 0, NewPipelineError(KindInputError, "", fmt.Errorf("no completed runs found for %s", workflowFile))
	}
	return runs.WorkflowRuns[0].GetID(), nil
}

// Package main implements the Coverity Agent: a defect-report-to-patch
// pipeline that reads static-analyzer findings, asks an LLM for a fix,
// validates and applies it against a centralized-VCS workspace, and hands
// the resulting pending changelist back for human review.
package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Agent wires together every pipeline component from an AgentConfig. It
// plays the role the teacher's DaggerAutofix struct played: a single
// builder-style type that Initialize turns into a ready-to-drive object,
// now fronting a defect pipeline instead of a CI-failure-to-PR flow.
type Agent struct {
	cfg    *AgentConfig
	logger *logrus.Logger

	reportAdapter *ReportAdapter
	orchestrator  *PipelineOrchestrator
	applier       *PatchApplier
	vcs           *VcsManager
}

// NewAgent constructs an Agent from cfg without doing any I/O; call
// Initialize before driving it.
func NewAgent(cfg *AgentConfig, logger *logrus.Logger) *Agent {
	return &Agent{cfg: cfg, logger: logger}
}

// Initialize builds every pipeline component from a's configuration.
// Two components may be absent depending on config: the
// ChangelistNotifier (needs notify_issues plus a GitHub token, owner and
// repo) and the DaggerVerificationRunner (needs a reachable Dagger engine)
// are both optional.
func (a *Agent) Initialize(ctx context.Context) error {
	if err := a.cfg.validate(); err != nil {
		return NewPipelineError(KindInputError, "", fmt.Errorf("configuration validation failed: %w", err))
	}

	sourceFiles, err := NewSourceFileManager(a.logger, a.cfg.Application.WorkspaceRoot, a.cfg.Context)
	if err != nil {
		return fmt.Errorf("initializing source file manager: %w", err)
	}

	parser := NewLanguageParser(a.logger, a.cfg.Parsing)
	contextAnalyzer := NewContextAnalyzer(a.logger, sourceFiles, parser, a.cfg.Context)

	reportAdapter, err := NewReportAdapter(a.logger, a.cfg.Ingestion)
	if err != nil {
		return fmt.Errorf("initializing report adapter: %w", err)
	}
	a.reportAdapter = reportAdapter

	prompts := NewPromptTemplateRegistry()

	providers, err := NewProviderManager(a.logger, a.cfg.Providers.Providers, nil)
	if err != nil {
		return fmt.Errorf("initializing provider manager: %w", err)
	}

	structuredParser, err := NewStructuredOutputParser(a.logger, a.cfg.Parsing, a.repairViaProviders(providers, prompts))
	if err != nil {
		return fmt.Errorf("initializing structured output parser: %w", err)
	}

	style := NewStyleAnalyzer()
	validator := NewPatchValidator(sourceFiles)

	backups, err := NewBackupManager(a.logger, "")
	if err != nil {
		return fmt.Errorf("initializing backup manager: %w", err)
	}

	vcs := NewVcsManager(a.logger, a.cfg.Application)
	a.vcs = vcs

	applier := NewPatchApplier(a.logger, sourceFiles, validator, backups, vcs, a.cfg.Application)
	a.applier = applier

	var notifier *ChangelistNotifier
	if a.cfg.NotifyIssues && a.cfg.GitHubToken != "" && a.cfg.RepoOwner != "" && a.cfg.RepoName != "" {
		notifier = NewChangelistNotifier(ctx, a.logger, a.cfg.GitHubToken, a.cfg.RepoOwner, a.cfg.RepoName)
	}

	var verifier VerificationRunner
	if dag != nil {
		verifier = NewDaggerVerificationRunner(a.logger, dag, "alpine:latest", "coverity", a.cfg.Application.WorkspaceRoot)
	}

	a.orchestrator = NewPipelineOrchestrator(a.logger, OrchestratorDeps{
		Context:   contextAnalyzer,
		Prompts:   prompts,
		Providers: providers,
		Parser:    structuredParser,
		Style:     style,
		Applier:   applier,
		Notifier:  notifier,
		Verifier:  verifier,
	}, a.cfg.Application, a.cfg.Performance)

	a.logger.Info("agent initialized")
	return nil
}

// repairViaProviders builds the model-assisted repair function structured
// output parsing falls back to when direct parsing and fence extraction
// both fail.
func (a *Agent) repairViaProviders(providers *ProviderManager, prompts *PromptTemplateRegistry) repairFunc {
	return func(ctx context.Context, malformed string) (string, error) {
		systemMsg, userPrompt := prompts.BuildRepairPrompt(malformed)
		resp, err := providers.Complete(ctx, &ProviderRequest{SystemMessage: systemMsg, Prompt: userPrompt})
		if err != nil {
			return "", err
		}
		return resp.Content, nil
	}
}

// LoadDefects reads and classifies every defect in the report at path.
func (a *Agent) LoadDefects(path string) ([]ParsedDefect, error) {
	if a.reportAdapter == nil {
		return nil, fmt.Errorf("agent not initialized, call Initialize first")
	}
	return a.reportAdapter.LoadAndValidate(path)
}

// RunReport loads the report at path and drives every defect in it through
// the pipeline, returning per-defect outcomes and aggregated run metrics.
func (a *Agent) RunReport(ctx context.Context, path string) ([]DefectOutcome, *RunMetrics, error) {
	defects, err := a.LoadDefects(path)
	if err != nil {
		return nil, nil, err
	}
	outcomes, metrics := a.orchestrator.ProcessBatch(ctx, defects)
	return outcomes, metrics, nil
}

// RunSingleDefect drives one already-loaded defect through the pipeline.
func (a *Agent) RunSingleDefect(ctx context.Context, defect ParsedDefect) DefectOutcome {
	return a.orchestrator.ProcessDefect(ctx, defect)
}

// ServeMCP loads defects from path and serves them over MCP until ctx is
// cancelled.
func (a *Agent) ServeMCP(ctx context.Context, path string) error {
	defects, err := a.LoadDefects(path)
	if err != nil {
		return err
	}
	server := NewPipelineServer(a.logger, defects, a.orchestrator)
	return server.Serve(ctx)
}

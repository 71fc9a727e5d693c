package main

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefectOutcome is the full, per-defect trace through the pipeline,
// returned by ProcessDefect and accumulated by ProcessBatch.
type DefectOutcome struct {
	Defect     ParsedDefect
	Analysis   *DefectAnalysisResult
	Patch      *PatchApplicationResult
	Outcome    RunOutcome
	Err        error
}

// PipelineOrchestrator drives one or many defects end to end: context
// extraction, LLM analysis, structured-output recovery, style scoring,
// readiness gating, and (when ready) patch application. It owns batch
// concurrency and per-defect timeouts, and aggregates RunMetrics across a
// run.
type PipelineOrchestrator struct {
	logger      logrus.FieldLogger
	context     *ContextAnalyzer
	prompts     *PromptTemplateRegistry
	providers   *ProviderManager
	parser      *StructuredOutputParser
	style       *StyleAnalyzer
	applier     *PatchApplier
	notifier    *ChangelistNotifier
	verifier    VerificationRunner

	autoApplyConfidence float64
	styleThreshold      float64
	maxConcurrent       int
	perDefectTimeout    time.Duration
}

// OrchestratorDeps bundles the already-constructed components an
// orchestrator drives, so its constructor doesn't need a dozen positional
// parameters.
type OrchestratorDeps struct {
	Context   *ContextAnalyzer
	Prompts   *PromptTemplateRegistry
	Providers *ProviderManager
	Parser    *StructuredOutputParser
	Style     *StyleAnalyzer
	Applier   *PatchApplier
	Notifier  *ChangelistNotifier
	Verifier  VerificationRunner
}

// NewPipelineOrchestrator builds a PipelineOrchestrator from deps, gated by
// app and perf.
func NewPipelineOrchestrator(logger logrus.FieldLogger, deps OrchestratorDeps, app ApplicationConfig, perf PerformanceConfig) *PipelineOrchestrator {
	maxConcurrent := perf.MaxConcurrentDefects
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	timeout := perf.PerDefectTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	return &PipelineOrchestrator{
		logger:              logger,
		context:             deps.Context,
		prompts:             deps.Prompts,
		providers:           deps.Providers,
		parser:              deps.Parser,
		style:               deps.Style,
		applier:             deps.Applier,
		notifier:            deps.Notifier,
		verifier:            deps.Verifier,
		autoApplyConfidence: app.AutoApplyConfidence,
		styleThreshold:      app.StyleConsistency,
		maxConcurrent:       maxConcurrent,
		perDefectTimeout:    timeout,
	}
}

// ProcessDefect drives one defect through the full pipeline, bounded by
// o.perDefectTimeout. It never panics on a component failure; any error is
// folded into the returned DefectOutcome.
func (o *PipelineOrchestrator) ProcessDefect(ctx context.Context, defect ParsedDefect) DefectOutcome {
	ctx, cancel := context.WithTimeout(ctx, o.perDefectTimeout)
	defer cancel()

	outcome := DefectOutcome{Defect: defect}

	codeCtx, err := o.context.Extract(ctx, defect)
	if err != nil {
		outcome.Outcome = OutcomeFailed
		outcome.Err = err
		return outcome
	}

	systemMsg, userPrompt := o.prompts.BuildAnalysisPrompt(defect, codeCtx)
	resp, err := o.providers.Complete(ctx, &ProviderRequest{SystemMessage: systemMsg, Prompt: userPrompt})
	if err != nil {
		outcome.Outcome = OutcomeFailed
		outcome.Err = NewPipelineError(KindProviderError, defect.DefectID, err)
		return outcome
	}

	analysis, _, err := o.parser.Parse(ctx, defect.DefectID, resp.Content)
	if err != nil {
		outcome.Outcome = OutcomeFailed
		outcome.Err = err
		return outcome
	}
	analysis.NIMMetadata = NIMMetadata{
		ModelUsed:    resp.Model,
		ProviderUsed: resp.Provider,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		TotalTokens:  resp.InputTokens + resp.OutputTokens,
	}

	if analysis.RecommendedFixIndex >= 0 && analysis.RecommendedFixIndex < len(analysis.FixCandidates) {
		fix := analysis.RecommendedFix()
		detected := o.style.QuickDetect(codeCtx.SourceCode, codeCtx.Language)
		styleResult := o.style.Score(detected, fix.FixedCode)
		analysis.StyleAnalysis = &styleResult
	}

	analysis.DeriveReadiness(o.autoApplyConfidence, o.styleThreshold, true)
	outcome.Analysis = analysis

	if !analysis.IsReadyForApplication {
		outcome.Outcome = OutcomeSkippedLowConf
		return outcome
	}

	patchResult := o.applier.Apply(ctx, *analysis.RecommendedFix())
	outcome.Patch = patchResult

	switch patchResult.OverallStatus {
	case StatusSuccess, StatusDryRunOK:
		outcome.Outcome = OutcomeApplied
		if o.verifier != nil {
			if vr, err := o.verifier.Verify(ctx, patchResult); err != nil {
				o.logger.WithError(err).Warn("post-fix verification failed to run")
			} else if !vr.Passed && !vr.Inconclusive {
				o.logger.WithField("patch_id", patchResult.PatchID).Warn("post-fix verification reported a regression")
			}
		}
		if o.notifier != nil && patchResult.ChangelistID != "" {
			if err := o.notifier.NotifyChangelist(ctx, defect, *analysis, *patchResult); err != nil {
				o.logger.WithError(err).Warn("changelist notification failed")
			}
		}
	case StatusRolledBack:
		outcome.Outcome = OutcomeRolledBack
		outcome.Err = NewPipelineError(KindApplicationError, defect.DefectID, joinErrors(patchResult.ErrorLog))
	default:
		outcome.Outcome = OutcomeFailed
		outcome.Err = NewPipelineError(KindApplicationError, defect.DefectID, joinErrors(patchResult.ErrorLog))
	}

	return outcome
}

// ProcessBatch drives every defect in defects through ProcessDefect with up
// to o.maxConcurrent running at once, returning all outcomes (in the same
// order as defects) and the aggregated RunMetrics.
func (o *PipelineOrchestrator) ProcessBatch(ctx context.Context, defects []ParsedDefect) ([]DefectOutcome, *RunMetrics) {
	metrics := NewRunMetrics()
	metrics.StartedAt = time.Now()

	outcomes := make([]DefectOutcome, len(defects))
	sem := make(chan struct{}, o.maxConcurrent)
	var wg sync.WaitGroup

	for i, defect := range defects {
		wg.Add(1)
		go func(i int, defect ParsedDefect) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			outcomes[i] = o.ProcessDefect(ctx, defect)
		}(i, defect)
	}
	wg.Wait()

	for _, outcome := range outcomes {
		category := CategoryOther
		if len(outcome.Defect.ClassificationHint.LikelyCategories) > 0 {
			category = outcome.Defect.ClassificationHint.LikelyCategories[0]
		}
		metrics.Record(category, outcome.Outcome)
		if outcome.Analysis != nil {
			metrics.TotalTokensUsed += outcome.Analysis.NIMMetadata.TotalTokens
			metrics.TotalCost += outcome.Analysis.NIMMetadata.EstimatedCost
		}
	}
	for name, count := range o.providers.CallCounts() {
		metrics.ProviderCallCounts[name] = count
	}
	metrics.FinishedAt = time.Now()

	return outcomes, metrics
}

func joinErrors(errs []string) error {
	if len(errs) == 0 {
		return nil
	}
	return &joinedError{messages: errs}
}

// joinedError is a trivial error that renders every collected message; it
// exists so joinErrors doesn't need a multierror dependency for what is
// always a short, already-formatted string slice.
type joinedError struct {
	messages []string
}

func (j *joinedError) Error() string {
	out := ""
	for i, m := range j.messages {
		if i > 0 {
			out += "; "
		}
		out += m
	}
	return out
}

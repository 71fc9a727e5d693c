package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Exit statuses for the CLI wrapping the pipeline core.
const (
	exitSuccess               = 0
	exitConfigError           = 2
	exitProvidersExhausted    = 3
	exitPatchValidationFailed = 4
	exitRolledBack            = 5
	exitRollbackFailed        = 6
)

// CLI is the command-line front end driving an Agent. It owns the cobra
// command tree, logging setup, and configuration loading, matching the
// teacher's CLI/CLIConfig split.
type CLI struct {
	logger  *logrus.Logger
	rootCmd *cobra.Command
}

// NewCLI builds the command tree.
func NewCLI() *CLI {
	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)
	logger.SetFormatter(&logrus.JSONFormatter{})

	c := &CLI{logger: logger}
	c.setupRootCommand()
	c.setupCommands()
	return c
}

// Execute runs the CLI.
func (c *CLI) Execute() error {
	return c.rootCmd.Execute()
}

func (c *CLI) setupRootCommand() {
	c.rootCmd = &cobra.Command{
		Use:   "coverity-agent",
		Short: "Static-analyzer defect-to-patch automation agent",
		Long: `Reads static-analyzer defect reports, asks an LLM for a fix, validates and
applies the fix against a centralized-VCS workspace, and prepares a pending
changelist for human review. Never auto-submits.`,
		Version: "1.0.0",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c.setupLogging(cmd)
			configFile, _ := cmd.Flags().GetString("config")
			if err := loadDotEnv(configFile); err != nil {
				c.logger.WithError(err).Debug("could not load config file, using environment variables")
			}
			return nil
		},
	}

	registerPersistentFlags(c.rootCmd)
}

func (c *CLI) setupCommands() {
	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Download the defect report artifact of the latest completed GitHub Actions run and process it once",
		RunE:  c.runWatch,
	}

	analyzeCmd := &cobra.Command{
		Use:   "analyze [defect-id]",
		Short: "Run context extraction and LLM analysis for one defect, without applying anything",
		Args:  cobra.ExactArgs(1),
		RunE:  c.runAnalyze,
	}

	fixCmd := &cobra.Command{
		Use:   "fix [defect-id]",
		Short: "Analyze and, if the fix is ready, apply it for one defect",
		Args:  cobra.ExactArgs(1),
		RunE:  c.runFix,
	}

	applyCmd := &cobra.Command{
		Use:   "apply",
		Short: "Run the full pipeline over every defect in the configured report",
		RunE:  c.runApply,
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show how many defects the configured report contains",
		RunE:  c.runStatus,
	}

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
	}
	configInitCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		RunE:  c.runConfigInit,
	}
	configShowCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the resolved configuration, with secrets masked",
		RunE:  c.runConfigShow,
	}
	configValidateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the resolved configuration",
		RunE:  c.runConfigValidate,
	}
	configCmd.AddCommand(configInitCmd, configShowCmd, configValidateCmd)

	testCmd := &cobra.Command{
		Use:   "test",
		Short: "Test agent functionality",
	}
	testConnectionCmd := &cobra.Command{
		Use:   "connection",
		Short: "Test that every configured collaborator (providers, GitHub, VCS) can be initialized, without contacting it",
		RunE:  c.runTestConnection,
	}
	testProviderCmd := &cobra.Command{
		Use:   "provider",
		Short: "Send a one-shot completion request to confirm provider failover is wired correctly",
		RunE:  c.runTestProvider,
	}
	testCmd.AddCommand(testConnectionCmd, testProviderCmd)

	mcpCmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the defect pipeline over MCP (list_defects, analyze_defect, apply_patch)",
		RunE:  c.runMCP,
	}

	c.rootCmd.AddCommand(watchCmd, analyzeCmd, fixCmd, applyCmd, statusCmd, configCmd, testCmd, mcpCmd)
}

func (c *CLI) setupLogging(cmd *cobra.Command) {
	verbose, _ := cmd.Flags().GetBool("verbose")
	logLevel, _ := cmd.Flags().GetString("log-level")
	logFormat, _ := cmd.Flags().GetString("log-format")

	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	if verbose {
		level = logrus.DebugLevel
	}
	c.logger.SetLevel(level)

	switch logFormat {
	case "text":
		c.logger.SetFormatter(&logrus.TextFormatter{})
	default:
		c.logger.SetFormatter(&logrus.JSONFormatter{})
	}
}

// exitError wraps an error with the exit status the CLI should return for
// it, so main's os.Exit call doesn't need to re-derive the status from the
// error's kind.
type exitError struct {
	status int
	err    error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func (c *CLI) newAgent(cmd *cobra.Command) (*Agent, error) {
	cfg := loadAgentConfig(cmd)
	agent := NewAgent(cfg, c.logger)
	if err := agent.Initialize(context.Background()); err != nil {
		return nil, &exitError{status: exitConfigError, err: err}
	}
	return agent, nil
}

func (c *CLI) runWatch(cmd *cobra.Command, args []string) error {
	cfg := loadAgentConfig(cmd)
	if cfg.GitHubToken == "" || cfg.RepoOwner == "" || cfg.RepoName == "" {
		return &exitError{status: exitConfigError, err: fmt.Errorf("watch requires --github-token, --repo-owner, and --repo-name")}
	}

	ctx := context.Background()
	source := NewGitHubReportSource(ctx, c.logger, cfg.GitHubToken, cfg.RepoOwner, cfg.RepoName)

	runID, err := source.LatestCompletedRunID(ctx, "coverity.yml")
	if err != nil {
		return &exitError{status: exitConfigError, err: fmt.Errorf("finding latest workflow run: %w", err)}
	}

	raw, err := source.LoadFromWorkflowArtifact(ctx, runID, "coverity-report")
	if err != nil {
		return &exitError{status: exitConfigError, err: fmt.Errorf("downloading report artifact: %w", err)}
	}

	tmp, err := os.CreateTemp("", "coverity-report-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		return err
	}
	tmp.Close()

	cfg.Ingestion.ReportPath = tmp.Name()
	agent := NewAgent(cfg, c.logger)
	if err := agent.Initialize(ctx); err != nil {
		return &exitError{status: exitConfigError, err: err}
	}

	outcomes, metrics, err := agent.RunReport(ctx, tmp.Name())
	if err != nil {
		return c.classifyRunError(err)
	}
	c.printOutcomes(outcomes)
	c.printMetrics(metrics)
	return nil
}

func (c *CLI) runAnalyze(cmd *cobra.Command, args []string) error {
	defectID := args[0]
	// Analysis only: force dry-run so a ready fix is never written.
	cfg := loadAgentConfig(cmd)
	cfg.Application.DryRun = true
	agent := NewAgent(cfg, c.logger)
	if err := agent.Initialize(context.Background()); err != nil {
		return &exitError{status: exitConfigError, err: err}
	}

	reportPath, _ := cmd.Flags().GetString("report")
	defects, err := agent.LoadDefects(reportPath)
	if err != nil {
		return &exitError{status: exitConfigError, err: err}
	}

	defect, ok := findDefect(defects, defectID)
	if !ok {
		return fmt.Errorf("defect %s not found in %s", defectID, reportPath)
	}

	outcome := agent.RunSingleDefect(context.Background(), defect)
	c.printOutcome(outcome)
	return nil
}

func (c *CLI) runFix(cmd *cobra.Command, args []string) error {
	defectID := args[0]
	agent, err := c.newAgent(cmd)
	if err != nil {
		return err
	}

	reportPath, _ := cmd.Flags().GetString("report")
	defects, err := agent.LoadDefects(reportPath)
	if err != nil {
		return &exitError{status: exitConfigError, err: err}
	}

	defect, ok := findDefect(defects, defectID)
	if !ok {
		return fmt.Errorf("defect %s not found in %s", defectID, reportPath)
	}

	outcome := agent.RunSingleDefect(context.Background(), defect)
	c.printOutcome(outcome)
	return c.classifyOutcomeError(outcome)
}

func (c *CLI) runApply(cmd *cobra.Command, args []string) error {
	agent, err := c.newAgent(cmd)
	if err != nil {
		return err
	}

	reportPath, _ := cmd.Flags().GetString("report")
	outcomes, metrics, err := agent.RunReport(context.Background(), reportPath)
	if err != nil {
		return c.classifyRunError(err)
	}

	c.printOutcomes(outcomes)
	c.printMetrics(metrics)

	for _, outcome := range outcomes {
		if err := c.classifyOutcomeError(outcome); err != nil {
			return err
		}
	}
	return nil
}

func (c *CLI) runStatus(cmd *cobra.Command, args []string) error {
	agent, err := c.newAgent(cmd)
	if err != nil {
		return err
	}
	reportPath, _ := cmd.Flags().GetString("report")
	defects, err := agent.LoadDefects(reportPath)
	if err != nil {
		return &exitError{status: exitConfigError, err: err}
	}
	fmt.Printf("\n=== Status ===\n")
	fmt.Printf("Defects loaded: %d\n", len(defects))
	fmt.Println()
	return nil
}

func (c *CLI) runConfigInit(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	return writeDefaultConfig(configFile)
}

func (c *CLI) runConfigShow(cmd *cobra.Command, args []string) error {
	cfg := loadAgentConfig(cmd)
	c.printConfig(cfg)
	return nil
}

func (c *CLI) runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg := loadAgentConfig(cmd)
	if err := cfg.validate(); err != nil {
		return &exitError{status: exitConfigError, err: err}
	}
	c.logger.Info("configuration is valid")
	return nil
}

func (c *CLI) runTestConnection(cmd *cobra.Command, args []string) error {
	_, err := c.newAgent(cmd)
	if err != nil {
		return err
	}
	c.logger.Info("all configured collaborators initialized successfully")
	return nil
}

func (c *CLI) runTestProvider(cmd *cobra.Command, args []string) error {
	cfg := loadAgentConfig(cmd)
	providers, err := NewProviderManager(c.logger, cfg.Providers.Providers, nil)
	if err != nil {
		return &exitError{status: exitConfigError, err: err}
	}

	resp, err := providers.Complete(context.Background(), &ProviderRequest{
		SystemMessage: "You are a connectivity check.",
		Prompt:        "Respond with the single word: ok",
	})
	if err != nil {
		return &exitError{status: exitProvidersExhausted, err: err}
	}

	c.logger.WithField("provider", resp.Provider).WithField("response", resp.Content).Info("provider test succeeded")
	return nil
}

func (c *CLI) runMCP(cmd *cobra.Command, args []string) error {
	agent, err := c.newAgent(cmd)
	if err != nil {
		return err
	}
	reportPath, _ := cmd.Flags().GetString("report")
	return agent.ServeMCP(context.Background(), reportPath)
}

func findDefect(defects []ParsedDefect, id string) (ParsedDefect, bool) {
	for _, d := range defects {
		if d.DefectID == id {
			return d, true
		}
	}
	return ParsedDefect{}, false
}

func (c *CLI) classifyRunError(err error) error {
	var pe *PipelineError
	if asPipelineError(err, &pe) {
		switch pe.Kind {
		case KindInputError, KindContextError:
			return &exitError{status: exitConfigError, err: err}
		case KindProviderError:
			return &exitError{status: exitProvidersExhausted, err: err}
		case KindValidationError:
			return &exitError{status: exitPatchValidationFailed, err: err}
		}
	}
	return err
}

func (c *CLI) classifyOutcomeError(outcome DefectOutcome) error {
	switch outcome.Outcome {
	case OutcomeRolledBack:
		if outcome.Patch != nil {
			return &exitError{status: exitRollbackFailed, err: fmt.Errorf("defect %s: rollback left workspace dirty: %w", outcome.Defect.DefectID, outcome.Err)}
		}
		return &exitError{status: exitRolledBack, err: outcome.Err}
	case OutcomeFailed:
		return c.classifyRunError(outcome.Err)
	}
	return nil
}

func asPipelineError(err error, target **PipelineError) bool {
	for err != nil {
		if pe, ok := err.(*PipelineError); ok {
			*target = pe
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

func (c *CLI) printOutcomes(outcomes []DefectOutcome) {
	for _, outcome := range outcomes {
		c.printOutcome(outcome)
	}
}

func (c *CLI) printOutcome(outcome DefectOutcome) {
	fmt.Printf("\n=== %s (%s) ===\n", outcome.Defect.DefectID, outcome.Defect.DefectType)
	fmt.Printf("File: %s:%d\n", outcome.Defect.FilePath, outcome.Defect.LineNumber)
	fmt.Printf("Outcome: %s\n", outcome.Outcome)
	if outcome.Analysis != nil {
		fmt.Printf("Severity: %s  Confidence: %s\n", outcome.Analysis.Severity, outcome.Analysis.ConfidenceLevel)
	}
	if outcome.Patch != nil {
		fmt.Printf("Patch status: %s  Changelist: %s\n", outcome.Patch.OverallStatus, outcome.Patch.ChangelistID)
	}
	if outcome.Err != nil {
		fmt.Printf("Error: %v\n", outcome.Err)
	}
}

func (c *CLI) printMetrics(metrics *RunMetrics) {
	raw, err := json.MarshalIndent(metrics, "", "  ")
	if err != nil {
		c.logger.WithError(err).Warn("failed to marshal run metrics")
		return
	}
	fmt.Printf("\n=== Run Metrics ===\n%s\n", string(raw))
}

func (c *CLI) printConfig(cfg *AgentConfig) {
	fmt.Printf("\n=== Resolved Configuration ===\n")
	fmt.Printf("Report path: %s\n", cfg.Ingestion.ReportPath)
	fmt.Printf("Workspace root: %s\n", cfg.Application.WorkspaceRoot)
	fmt.Printf("Providers configured: %d\n", len(cfg.Providers.Providers))
	for _, p := range cfg.Providers.Providers {
		fmt.Printf("  - %s (key: %s)\n", p.Name, maskSecret(p.APIKey))
	}
	fmt.Printf("GitHub token: %s\n", maskSecret(cfg.GitHubToken))
	fmt.Printf("Repository: %s/%s\n", cfg.RepoOwner, cfg.RepoName)
	fmt.Printf("Auto-apply confidence: %.2f\n", cfg.Application.AutoApplyConfidence)
	fmt.Printf("Style consistency threshold: %.2f\n", cfg.Application.StyleConsistency)
	fmt.Printf("Dry run: %t\n", cfg.Application.DryRun)
	fmt.Printf("Log level: %s  Log format: %s\n", cfg.LogLevel, cfg.LogFormat)
	fmt.Println()
}

func main() {
	cli := NewCLI()
	if err := cli.Execute(); err != nil {
		if ee, ok := err.(*exitError); ok {
			fmt.Fprintln(os.Stderr, ee.Error())
			os.Exit(ee.status)
		}
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// IngestionConfig controls how ReportAdapter loads and filters defect
// reports.
type IngestionConfig struct {
	ReportPath     string   `json:"report_path"`
	ExcludeGlobs   []string `json:"exclude_globs"`
	MaxDefects     int      `json:"max_defects"`
	GitHubRunID    int64    `json:"github_run_id"`
}

// ContextConfig controls SourceFileManager and ContextAnalyzer window
// sizing.
type ContextConfig struct {
	DefaultContextLines int   `json:"default_context_lines"`
	MaxContextLines     int   `json:"max_context_lines"`
	MaxCachedFiles      int   `json:"max_cached_files"`
	MaxFileSizeBytes    int64 `json:"max_file_size_bytes"`
}

// ProviderConfigSet is the ordered roster of provider configs (failover
// order, primary first).
type ProviderConfigSet struct {
	Providers []ProviderConfig `json:"-"`
}

// ParsingConfig controls LanguageParser and StructuredOutputParser
// behavior.
type ParsingConfig struct {
	UseTreeSitter       bool `json:"use_tree_sitter"`
	EnableModelRepair    bool `json:"enable_model_repair"`
	JSONSchemaStrict     bool `json:"json_schema_strict"`
}

// ApplicationConfig controls PatchApplier, BackupManager, and VcsManager
// thresholds.
type ApplicationConfig struct {
	AutoApplyConfidence float64 `json:"auto_apply_confidence"`
	StyleConsistency    float64 `json:"style_consistency_threshold"`
	DryRun              bool    `json:"dry_run"`
	BackupDir           string  `json:"backup_dir"`
	WorkspaceRoot       string  `json:"workspace_root"`
	P4Port              string  `json:"p4_port"`
	P4Client            string  `json:"p4_client"`
	P4User              string  `json:"p4_user"`
	P4TimeoutSeconds    int     `json:"p4_timeout_seconds"`

	PreferLineRangeReplacement bool `json:"prefer_line_range_replacement"`
	EnableKeywordReplacement   bool `json:"enable_keyword_replacement"`
	AllowFullFileReplacement   bool `json:"allow_full_file_replacement"`
	KeywordBlockSize           int  `json:"keyword_block_size"`
	MaxBlockSizeForKeywords    int  `json:"max_block_size_for_keywords"`
	MaxRangesPerFile           int  `json:"max_ranges_per_file"`

	RequireCleanWorkspace      bool `json:"require_clean_workspace"`
	RequireVcs                 bool `json:"require_vcs"`
	AutomaticRollbackOnFailure bool `json:"automatic_rollback_on_failure"`
	KeepBackupsOnSuccess       bool `json:"keep_backups_on_success"`
}

// PerformanceConfig controls batch concurrency and per-defect timeouts.
type PerformanceConfig struct {
	MaxConcurrentDefects int           `json:"max_concurrent_defects"`
	PerDefectTimeout     time.Duration `json:"per_defect_timeout"`
}

// AgentConfig aggregates the per-subsystem config records plus the fields
// that gate logging and optional integrations. Constructors for individual
// components take only the slice of this they need, never the whole
// struct.
type AgentConfig struct {
	Ingestion   IngestionConfig
	Context     ContextConfig
	Providers   ProviderConfigSet
	Parsing     ParsingConfig
	Application ApplicationConfig
	Performance PerformanceConfig

	GitHubToken   string `json:"-"`
	RepoOwner     string `json:"repo_owner"`
	RepoName      string `json:"repo_name"`
	NotifyIssues  bool   `json:"notify_issues"`
	LogLevel      string `json:"log_level"`
	LogFormat     string `json:"log_format"`
	Verbose       bool   `json:"verbose"`
}

// registerPersistentFlags attaches the global flags shared by every
// subcommand, matching the teacher's flat persistent-flag layout.
func registerPersistentFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("config", ".coverity-agent.env", "Configuration file path")
	cmd.PersistentFlags().String("report", "", "Path to the defect report JSON file")
	cmd.PersistentFlags().String("provider", string(ProviderNvidiaNIM), "Primary LLM provider (nvidia_nim, openai, anthropic)")
	cmd.PersistentFlags().String("nvidia-api-key", "", "NVIDIA NIM API key")
	cmd.PersistentFlags().String("openai-api-key", "", "OpenAI API key")
	cmd.PersistentFlags().String("anthropic-api-key", "", "Anthropic API key")
	cmd.PersistentFlags().String("github-token", "", "GitHub token (report source + changelist notifications)")
	cmd.PersistentFlags().String("repo-owner", "", "GitHub repository owner")
	cmd.PersistentFlags().String("repo-name", "", "GitHub repository name")
	cmd.PersistentFlags().String("workspace-root", ".", "Root of the checked-out VCS workspace")
	cmd.PersistentFlags().String("p4-port", "", "Perforce P4PORT")
	cmd.PersistentFlags().String("p4-client", "", "Perforce P4CLIENT")
	cmd.PersistentFlags().String("p4-user", "", "Perforce P4USER")
	cmd.PersistentFlags().Int("p4-timeout-seconds", 30, "Timeout in seconds for each p4 subprocess invocation")
	cmd.PersistentFlags().Bool("prefer-line-range-replacement", true, "Prefer line-range mode when the fix carries line ranges")
	cmd.PersistentFlags().Bool("enable-keyword-replacement", true, "Allow keyword-anchored block replacement when no line ranges are present")
	cmd.PersistentFlags().Bool("allow-full-file-replacement", true, "Allow whole-file replacement as a last-resort application mode")
	cmd.PersistentFlags().Int("keyword-block-size", 3, "Keyword-mode block size setting; not read by the patch applier, which always replaces up to 10 lines on each side of the matched line")
	cmd.PersistentFlags().Int("max-block-size-for-keywords", 100, "Maximum keyword-mode block size before the mode is forbidden")
	cmd.PersistentFlags().Int("max-ranges-per-file", 10, "Maximum line ranges accepted in a single fix before falling back to another mode")
	cmd.PersistentFlags().Bool("require-clean-workspace", true, "Refuse to apply when the target file already has unrelated pending edits")
	cmd.PersistentFlags().Bool("require-vcs", false, "Fail when no VCS workspace can be discovered, instead of operating in disabled no-op mode")
	cmd.PersistentFlags().Bool("automatic-rollback-on-failure", true, "Automatically roll back a partially applied patch on failure")
	cmd.PersistentFlags().Bool("keep-backups-on-success", false, "Retain the backup manifest after a fully successful apply")
	cmd.PersistentFlags().Float64("auto-apply-confidence", 0.8, "Minimum confidence to auto-apply a fix")
	cmd.PersistentFlags().Float64("style-consistency-threshold", 0.7, "Minimum style consistency score to auto-apply a fix")
	cmd.PersistentFlags().Bool("dry-run", false, "Dry-run mode (no workspace mutation, no changelist)")
	cmd.PersistentFlags().Bool("notify-issues", false, "Open a changelist-review GitHub issue after apply")
	cmd.PersistentFlags().Int("max-concurrent-defects", 4, "Maximum defects processed concurrently")
	cmd.PersistentFlags().Duration("per-defect-timeout", 2*time.Minute, "Timeout for processing a single defect")
	cmd.PersistentFlags().Bool("verbose", false, "Enable verbose logging")
	cmd.PersistentFlags().String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", "json", "Log format (json, text)")
}

// loadDotEnv loads the .env-style file if present; a missing file is not an
// error since flags/environment can fully supply configuration.
func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return godotenv.Load(path)
}

// loadAgentConfig resolves AgentConfig from cobra flags; string settings
// fall back to environment variables when their flag is empty, matching the
// teacher's flag-then-env precedence. Numeric and boolean settings come from
// their flags only.
func loadAgentConfig(cmd *cobra.Command) *AgentConfig {
	cfg := &AgentConfig{}

	cfg.Ingestion.ReportPath = stringFlagOrEnv(cmd, "report", "REPORT_PATH")
	cfg.GitHubToken = stringFlagOrEnv(cmd, "github-token", "GITHUB_TOKEN")
	cfg.RepoOwner = stringFlagOrEnv(cmd, "repo-owner", "REPO_OWNER")
	cfg.RepoName = stringFlagOrEnv(cmd, "repo-name", "REPO_NAME")

	cfg.Application.WorkspaceRoot = stringFlagOrEnv(cmd, "workspace-root", "WORKSPACE_ROOT")
	cfg.Application.P4Port = stringFlagOrEnv(cmd, "p4-port", "P4PORT")
	cfg.Application.P4Client = stringFlagOrEnv(cmd, "p4-client", "P4CLIENT")
	cfg.Application.P4User = stringFlagOrEnv(cmd, "p4-user", "P4USER")
	cfg.Application.P4TimeoutSeconds, _ = cmd.Flags().GetInt("p4-timeout-seconds")

	cfg.Application.AutoApplyConfidence, _ = cmd.Flags().GetFloat64("auto-apply-confidence")
	cfg.Application.StyleConsistency, _ = cmd.Flags().GetFloat64("style-consistency-threshold")
	cfg.Application.DryRun, _ = cmd.Flags().GetBool("dry-run")
	cfg.NotifyIssues, _ = cmd.Flags().GetBool("notify-issues")

	cfg.Application.PreferLineRangeReplacement, _ = cmd.Flags().GetBool("prefer-line-range-replacement")
	cfg.Application.EnableKeywordReplacement, _ = cmd.Flags().GetBool("enable-keyword-replacement")
	cfg.Application.AllowFullFileReplacement, _ = cmd.Flags().GetBool("allow-full-file-replacement")
	cfg.Application.KeywordBlockSize, _ = cmd.Flags().GetInt("keyword-block-size")
	cfg.Application.MaxBlockSizeForKeywords, _ = cmd.Flags().GetInt("max-block-size-for-keywords")
	cfg.Application.MaxRangesPerFile, _ = cmd.Flags().GetInt("max-ranges-per-file")
	cfg.Application.RequireCleanWorkspace, _ = cmd.Flags().GetBool("require-clean-workspace")
	cfg.Application.RequireVcs, _ = cmd.Flags().GetBool("require-vcs")
	cfg.Application.AutomaticRollbackOnFailure, _ = cmd.Flags().GetBool("automatic-rollback-on-failure")
	cfg.Application.KeepBackupsOnSuccess, _ = cmd.Flags().GetBool("keep-backups-on-success")

	cfg.Performance.MaxConcurrentDefects, _ = cmd.Flags().GetInt("max-concurrent-defects")
	cfg.Performance.PerDefectTimeout, _ = cmd.Flags().GetDuration("per-defect-timeout")

	cfg.Verbose, _ = cmd.Flags().GetBool("verbose")
	cfg.LogLevel = stringFlagOrEnv(cmd, "log-level", "LOG_LEVEL")
	cfg.LogFormat = stringFlagOrEnv(cmd, "log-format", "LOG_FORMAT")

	cfg.Context.DefaultContextLines = 20
	cfg.Context.MaxContextLines = 200
	cfg.Context.MaxCachedFiles = 256
	cfg.Context.MaxFileSizeBytes = 5 * 1024 * 1024

	cfg.Parsing.UseTreeSitter = true
	cfg.Parsing.EnableModelRepair = true
	cfg.Parsing.JSONSchemaStrict = true

	primary, _ := cmd.Flags().GetString("provider")
	cfg.Providers.Providers = buildProviderRoster(cmd, ProviderName(primary))

	return cfg
}

// buildProviderRoster orders the three known providers with the requested
// primary first, skipping any for which no API key is configured.
func buildProviderRoster(cmd *cobra.Command, primary ProviderName) []ProviderConfig {
	keys := map[ProviderName]string{
		ProviderNvidiaNIM: stringFlagOrEnv(cmd, "nvidia-api-key", "NVIDIA_API_KEY"),
		ProviderOpenAI:    stringFlagOrEnv(cmd, "openai-api-key", "OPENAI_API_KEY"),
		ProviderAnthropic: stringFlagOrEnv(cmd, "anthropic-api-key", "ANTHROPIC_API_KEY"),
	}
	urls := map[ProviderName]string{
		ProviderNvidiaNIM: "https://integrate.api.nvidia.com",
		ProviderOpenAI:    "https://api.openai.com",
		ProviderAnthropic: "https://api.anthropic.com",
	}
	models := map[ProviderName]string{
		ProviderNvidiaNIM: "meta/llama-3.1-70b-instruct",
		ProviderOpenAI:    "gpt-4o",
		ProviderAnthropic: "claude-3-5-sonnet-20241022",
	}

	order := []ProviderName{primary}
	for _, p := range []ProviderName{ProviderNvidiaNIM, ProviderOpenAI, ProviderAnthropic} {
		if p != primary {
			order = append(order, p)
		}
	}

	var roster []ProviderConfig
	for _, name := range order {
		if keys[name] == "" {
			continue
		}
		roster = append(roster, ProviderConfig{
			Name:              name,
			APIKey:            keys[name],
			BaseURL:           urls[name],
			Model:             models[name],
			Temperature:       0.1,
			MaxTokens:         4000,
			Timeout:           60 * time.Second,
			RequestsPerSecond: 2,
			MaxRetries:        3,
		})
	}
	return roster
}

func stringFlagOrEnv(cmd *cobra.Command, flagName, envName string) string {
	if val, _ := cmd.Flags().GetString(flagName); val != "" {
		return val
	}
	return os.Getenv(envName)
}

// validate checks that the configuration is sufficient to run the
// pipeline, returning a PipelineError of kind KindInputError describing the
// first problem found.
func (c *AgentConfig) validate() error {
	if c.Ingestion.ReportPath == "" {
		return NewPipelineError(KindInputError, "", fmt.Errorf("report path is required (--report or REPORT_PATH)"))
	}
	if len(c.Providers.Providers) == 0 {
		return NewPipelineError(KindInputError, "", fmt.Errorf("no LLM provider API key configured"))
	}
	if c.Application.WorkspaceRoot == "" {
		return NewPipelineError(KindInputError, "", fmt.Errorf("workspace root is required"))
	}
	return nil
}

// writeDefaultConfig writes a commented .env template, grounded on the
// teacher's createDefaultConfig.
func writeDefaultConfig(filename string) error {
	content := `# Coverity Agent Configuration

# Report ingestion
REPORT_PATH=./defects.json

# LLM providers (set only the ones you have keys for)
NVIDIA_API_KEY=
OPENAI_API_KEY=
ANTHROPIC_API_KEY=

# GitHub (optional: artifact report source + changelist notifications)
GITHUB_TOKEN=
REPO_OWNER=
REPO_NAME=

# Workspace / Perforce
WORKSPACE_ROOT=.
P4PORT=
P4CLIENT=
P4USER=

# Logging
LOG_LEVEL=info
LOG_FORMAT=json
`
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("creating config file: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// parseIntFlagOrDefault parses raw as an int, returning def when raw is
// empty or not a number.
func parseIntFlagOrDefault(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

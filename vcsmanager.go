package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// p4Config is the {client, port, user} triple that governs p4 invocations
// under one directory, either discovered from a .p4config file or supplied
// statically via ApplicationConfig.
type p4Config struct {
	Client string
	Port   string
	User   string
}

func (c p4Config) empty() bool {
	return c.Client == "" && c.Port == "" && c.User == ""
}

// VcsManager drives a Perforce workspace via the p4 CLI: checking files
// out for edit, creating a pending (never submitted) changelist, and
// reverting on rollback. There is no idiomatic Go Perforce client in this
// codebase's dependency corpus, so this talks to p4 the same way the
// teacher's container-runner code shells out to external binaries —
// os/exec, with output captured for error reporting.
//
// Per-directory workspace discovery walks upward from a target file's
// directory looking for a .p4config file; the nearest one found configures
// {client, port, user} for operations under that directory, and the result
// is cached per starting directory. When discovery finds nothing and no
// static config was supplied, the manager either errors (require_vcs=true)
// or operates in a no-op "disabled" mode that returns successes without
// ever shelling out (require_vcs=false).
type VcsManager struct {
	logger logrus.FieldLogger
	static p4Config
	dryRun bool

	requireVcs bool
	timeout    time.Duration

	mu         sync.Mutex
	discovered map[string]p4Config
}

// NewVcsManager builds a VcsManager from cfg.
func NewVcsManager(logger logrus.FieldLogger, cfg ApplicationConfig) *VcsManager {
	timeout := time.Duration(cfg.P4TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &VcsManager{
		logger:     logger,
		static:     p4Config{Client: cfg.P4Client, Port: cfg.P4Port, User: cfg.P4User},
		dryRun:     cfg.DryRun,
		requireVcs: cfg.RequireVcs,
		timeout:    timeout,
		discovered: make(map[string]p4Config),
	}
}

// discover walks upward from startDir looking for a .p4config file,
// caching the result (found or not) per startDir.
func (v *VcsManager) discover(startDir string) (p4Config, bool) {
	v.mu.Lock()
	if cfg, ok := v.discovered[startDir]; ok {
		v.mu.Unlock()
		return cfg, !cfg.empty()
	}
	v.mu.Unlock()

	dir := startDir
	for {
		data, err := os.ReadFile(filepath.Join(dir, ".p4config"))
		if err == nil {
			cfg := parseP4Config(string(data))
			v.mu.Lock()
			v.discovered[startDir] = cfg
			v.mu.Unlock()
			return cfg, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	v.mu.Lock()
	v.discovered[startDir] = p4Config{}
	v.mu.Unlock()
	return p4Config{}, false
}

func parseP4Config(content string) p4Config {
	var cfg p4Config
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		switch strings.TrimSpace(parts[0]) {
		case "P4CLIENT":
			cfg.Client = strings.TrimSpace(parts[1])
		case "P4PORT":
			cfg.Port = strings.TrimSpace(parts[1])
		case "P4USER":
			cfg.User = strings.TrimSpace(parts[1])
		}
	}
	return cfg
}

// resolve returns the effective p4Config for path, whether the manager
// should operate in disabled no-op mode for it, and an error when neither
// discovery nor static configuration produced a usable config and
// require_vcs=true demands one. Discovery under path's directory wins,
// falling back to the statically configured triple, falling back to
// disabled mode when require_vcs=false and neither is available.
func (v *VcsManager) resolve(workspaceRoot, path string) (cfg p4Config, disabled bool, err error) {
	dir := filepath.Dir(resolveInWorkspace(workspaceRoot, path))
	if found, ok := v.discover(dir); ok {
		return found, false, nil
	}
	if !v.static.empty() {
		return v.static, false, nil
	}
	if v.requireVcs {
		return p4Config{}, false, NewPipelineError(KindVcsError, "", fmt.Errorf("no VCS workspace discovered for %s and require_vcs=true", path))
	}
	return p4Config{}, true, nil
}

func (v *VcsManager) run(ctx context.Context, dir string, cfg p4Config, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "p4", args...)
	cmd.Dir = dir
	cmd.Env = cfg.env()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", NewPipelineError(KindVcsError, "", fmt.Errorf("p4 %s: %w: %s", strings.Join(args, " "), err, stderr.String()))
	}
	return stdout.String(), nil
}

func (c p4Config) env() []string {
	var env []string
	if c.Port != "" {
		env = append(env, "P4PORT="+c.Port)
	}
	if c.Client != "" {
		env = append(env, "P4CLIENT="+c.Client)
	}
	if c.User != "" {
		env = append(env, "P4USER="+c.User)
	}
	return env
}

// CreateChangelist opens a new pending changelist with description and
// returns its numeric ID. It never submits — submission is explicitly out
// of scope for this pipeline.
func (v *VcsManager) CreateChangelist(ctx context.Context, workspaceRoot, description string) (string, error) {
	if v.dryRun {
		v.logger.WithField("description", description).Info("dry run: skipping p4 change creation")
		return "dry-run-changelist", nil
	}

	cfg, disabled, err := v.resolve(workspaceRoot, ".")
	if err != nil {
		return "", err
	}
	if disabled {
		v.logger.Info("no VCS workspace discovered and require_vcs=false: skipping p4 change creation")
		return "disabled-vcs-changelist", nil
	}

	spec := fmt.Sprintf("Change: new\nDescription:\n\t%s\n", strings.ReplaceAll(description, "\n", "\n\t"))

	runCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "p4", "change", "-i")
	cmd.Dir = workspaceRoot
	cmd.Env = cfg.env()
	cmd.Stdin = strings.NewReader(spec)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", NewPipelineError(KindVcsError, "", fmt.Errorf("p4 change -i: %w: %s", err, stderr.String()))
	}

	id := parseChangeID(stdout.String())
	if id == "" {
		return "", NewPipelineError(KindVcsError, "", fmt.Errorf("could not parse changelist ID from: %s", stdout.String()))
	}
	return id, nil
}

// parseChangeID extracts the numeric changelist ID from p4's
// "Change <n> created." response.
func parseChangeID(output string) string {
	fields := strings.Fields(output)
	for i, f := range fields {
		if f == "Change" && i+1 < len(fields) {
			return fields[i+1]
		}
	}
	return ""
}

// Edit opens path for edit in changelistID, checking it out of the
// depot's read-only state so PatchApplier can write to it.
func (v *VcsManager) Edit(ctx context.Context, workspaceRoot, changelistID, path string) error {
	if v.dryRun {
		v.logger.WithField("file", path).Info("dry run: skipping p4 edit")
		return nil
	}
	cfg, disabled, err := v.resolve(workspaceRoot, path)
	if err != nil {
		return err
	}
	if disabled {
		v.logger.WithField("file", path).Info("no VCS workspace discovered and require_vcs=false: skipping p4 edit")
		return nil
	}
	_, err = v.run(ctx, workspaceRoot, cfg, "edit", "-c", changelistID, path)
	return err
}

// Revert discards the checked-out state of path, used when PatchApplier
// rolls back a failed application.
func (v *VcsManager) Revert(ctx context.Context, workspaceRoot, path string) error {
	if v.dryRun {
		v.logger.WithField("file", path).Info("dry run: skipping p4 revert")
		return nil
	}
	cfg, disabled, err := v.resolve(workspaceRoot, path)
	if err != nil {
		return err
	}
	if disabled {
		v.logger.WithField("file", path).Info("no VCS workspace discovered and require_vcs=false: skipping p4 revert")
		return nil
	}
	_, err = v.run(ctx, workspaceRoot, cfg, "revert", path)
	return err
}

// WorkspaceStatus reports whether path is already opened for edit in some
// changelist, used by PatchApplier's require_clean_workspace gate. In
// dry-run or disabled mode it always reports clean.
func (v *VcsManager) WorkspaceStatus(ctx context.Context, workspaceRoot, path string) (clean bool, err error) {
	if v.dryRun {
		return true, nil
	}
	cfg, disabled, err := v.resolve(workspaceRoot, path)
	if err != nil {
		return false, err
	}
	if disabled {
		return true, nil
	}
	out, err := v.run(ctx, workspaceRoot, cfg, "opened", path)
	if err != nil {
		if strings.Contains(err.Error(), "not opened") {
			return true, nil
		}
		return false, err
	}
	return strings.TrimSpace(out) == "", nil
}

// WorkspaceRootFor asks p4 for the client root of dir; in disabled mode it
// returns dir unchanged. No other VcsManager method calls it.
func (v *VcsManager) WorkspaceRootFor(ctx context.Context, dir string) (string, error) {
	cfg, disabled, err := v.resolve(dir, ".")
	if err != nil {
		return "", err
	}
	if disabled {
		return dir, nil
	}
	out, err := v.run(ctx, dir, cfg, "info")
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "Client root:") {
			return strings.TrimSpace(strings.TrimPrefix(line, "Client root:")), nil
		}
	}
	return "", NewPipelineError(KindVcsError, "", fmt.Errorf("could not determine client root from p4 info"))
}

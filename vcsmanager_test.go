package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVcsManager_DryRunSkipsRealCommands(t *testing.T) {
	v := NewVcsManager(testLogger(), ApplicationConfig{DryRun: true})

	id, err := v.CreateChangelist(context.Background(), "/tmp", "fix null deref")
	require.NoError(t, err)
	assert.Equal(t, "dry-run-changelist", id)

	require.NoError(t, v.Edit(context.Background(), "/tmp", id, "f.c"))
	require.NoError(t, v.Revert(context.Background(), "/tmp", "f.c"))
}

func TestParseChangeID(t *testing.T) {
	assert.Equal(t, "12345", parseChangeID("Change 12345 created."))
	assert.Equal(t, "", parseChangeID("no change id here"))
	assert.Equal(t, "", parseChangeID(""))
}

func TestVcsManager_Env(t *testing.T) {
	v := NewVcsManager(testLogger(), ApplicationConfig{P4Port: "perforce:1666", P4Client: "my-client", P4User: "bob"})
	env := v.static.env()
	assert.Contains(t, env, "P4PORT=perforce:1666")
	assert.Contains(t, env, "P4CLIENT=my-client")
	assert.Contains(t, env, "P4USER=bob")
}

func TestVcsManager_DisabledModeSkipsRealCommands(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f.c"), []byte("a"), 0o644))

	v := NewVcsManager(testLogger(), ApplicationConfig{RequireVcs: false})

	id, err := v.CreateChangelist(context.Background(), dir, "fix null deref")
	require.NoError(t, err)
	assert.Equal(t, "disabled-vcs-changelist", id)

	require.NoError(t, v.Edit(context.Background(), dir, id, "f.c"))
	require.NoError(t, v.Revert(context.Background(), dir, "f.c"))

	clean, err := v.WorkspaceStatus(context.Background(), dir, "f.c")
	require.NoError(t, err)
	assert.True(t, clean)
}

func TestVcsManager_DiscoverP4ConfigWalksUpward(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "src", "pkg")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".p4config"), []byte("P4CLIENT=discovered-client\nP4PORT=p4.example:1666\nP4USER=alice\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "f.c"), []byte("a"), 0o644))

	v := NewVcsManager(testLogger(), ApplicationConfig{})

	cfg, ok := v.discover(sub)
	require.True(t, ok)
	assert.Equal(t, "discovered-client", cfg.Client)
	assert.Equal(t, "p4.example:1666", cfg.Port)
	assert.Equal(t, "alice", cfg.User)

	// Second call is served from the per-directory cache.
	cfg2, ok2 := v.discover(sub)
	assert.True(t, ok2)
	assert.Equal(t, cfg, cfg2)
}

func TestVcsManager_DiscoverP4ConfigNotFound(t *testing.T) {
	dir := t.TempDir()
	v := NewVcsManager(testLogger(), ApplicationConfig{})

	cfg, ok := v.discover(dir)
	assert.False(t, ok)
	assert.True(t, cfg.empty())
}

func TestVcsManager_RequireVcsWithoutDiscoveryFailsClosed(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f.c"), []byte("a"), 0o644))

	v := NewVcsManager(testLogger(), ApplicationConfig{RequireVcs: true})

	cfg, disabled, err := v.resolve(dir, "f.c")
	assert.False(t, disabled)
	assert.True(t, cfg.empty())
	require.Error(t, err)

	_, err = v.CreateChangelist(context.Background(), dir, "fix null deref")
	require.Error(t, err)
}

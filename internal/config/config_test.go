package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolate(t *testing.T) string {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	meta := filepath.Join(t.TempDir(), MetaDirName)
	require.NoError(t, os.MkdirAll(meta, 0755))
	return meta
}

func TestLoadDefaults(t *testing.T) {
	meta := isolate(t)

	cfg, err := Load(meta)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
	assert.Equal(t, "priority", cfg.Conflict.Policy)
	assert.Equal(t, int64(10*1024*1024), cfg.Diff.MaxFileSize)
}

func TestRepoOverridesGlobal(t *testing.T) {
	meta := isolate(t)

	require.NoError(t, SetValue(meta, "user.name", "Global Name", true))
	require.NoError(t, SetValue(meta, "user.email", "global@example.com", true))
	require.NoError(t, SetValue(meta, "user.name", "Repo Name", false))
	require.NoError(t, SetValue(meta, "diff.rename_threshold", "0.75", false))

	cfg, err := Load(meta)
	require.NoError(t, err)
	assert.Equal(t, "Repo Name", cfg.User.Name)
	assert.Equal(t, "global@example.com", cfg.User.Email)
	assert.InDelta(t, 0.75, cfg.Diff.RenameThreshold, 1e-9)

	name, email, err := cfg.Author()
	require.NoError(t, err)
	assert.Equal(t, "Repo Name", name)
	assert.Equal(t, "global@example.com", email)

	value, err := GetValue(meta, "user.name")
	require.NoError(t, err)
	assert.Equal(t, "Repo Name", value)
}

func TestEnvOverridesFiles(t *testing.T) {
	meta := isolate(t)
	require.NoError(t, SetValue(meta, "conflict.policy", "recent", false))
	t.Setenv("VBRANCH_CONFLICT_POLICY", "manual")

	cfg, err := Load(meta)
	require.NoError(t, err)
	assert.Equal(t, "manual", cfg.Conflict.Policy)
}

func TestSetValueRejectsInvalid(t *testing.T) {
	meta := isolate(t)

	assert.Error(t, SetValue(meta, "user.nickname", "x", false))
	assert.Error(t, SetValue(meta, "diff.rename_threshold", "high", false))
	assert.Error(t, SetValue(meta, "diff.rename_threshold", "1.5", false))
	assert.Error(t, SetValue(meta, "conflict.policy", "coinflip", false))

	_, err := os.Stat(RepoConfigPath(meta))
	assert.True(t, os.IsNotExist(err), "rejected values must not create the config file")
}

func TestAuthorRequiresIdentity(t *testing.T) {
	_, _, err := DefaultConfig().Author()
	assert.Error(t, err)
}

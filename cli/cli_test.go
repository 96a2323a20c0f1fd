package cli

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javanhut/vbranch/internal/colors"
	"github.com/javanhut/vbranch/internal/config"
)

func run(t *testing.T, args ...string) error {
	t.Helper()
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(context.Background())
}

// chdir changes the working directory for the duration of the test.
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func setupRepo(t *testing.T) string {
	t.Helper()
	colors.SetColorEnabled(false)
	t.Setenv("HOME", t.TempDir())
	t.Setenv("VBRANCH_USER_NAME", "Test User")
	t.Setenv("VBRANCH_USER_EMAIL", "test@example.com")

	dir := t.TempDir()
	chdir(t, dir)
	lines := make([]string, 10)
	for i := range lines {
		lines[i] = "line " + string(rune('0'+i))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte(strings.Join(lines, "\n")+"\n"), 0644))
	require.NoError(t, run(t, "init"))
	return dir
}

func TestInitCreatesMetaDir(t *testing.T) {
	dir := setupRepo(t)

	info, err := os.Stat(filepath.Join(dir, config.MetaDirName))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	assert.Error(t, run(t, "init"), "second init should fail")
}

func TestBranchWorkflow(t *testing.T) {
	dir := setupRepo(t)

	data, err := os.ReadFile(filepath.Join(dir, "a.txt"))
	require.NoError(t, err)
	edited := strings.Replace(string(data), "line 1\n", "line one\n", 1)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte(edited), 0644))

	require.NoError(t, run(t, "create", "feature", "--notes", "first change"))
	require.NoError(t, run(t, "status"))
	require.NoError(t, run(t, "assign", "a.txt:2-2", "feature"))
	require.NoError(t, run(t, "diff", "feature"))
	require.NoError(t, run(t, "commit", "feature", "-m", "Rename line one"))
	require.NoError(t, run(t, "history", "feature"))
	require.NoError(t, run(t, "list"))
	require.NoError(t, run(t, "log", "-n", "5"))

	require.NoError(t, run(t, "unapply", "feature"))
	got, err := os.ReadFile(filepath.Join(dir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, string(data), string(got))

	require.NoError(t, run(t, "undo"))
	got, err = os.ReadFile(filepath.Join(dir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, edited, string(got))
}

func TestCommandsOutsideRepository(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	chdir(t, t.TempDir())

	assert.Error(t, run(t, "status"))
	assert.Error(t, run(t, "config", "set", "user.name", "Someone"))
	assert.NoError(t, run(t, "config", "set", "--global", "user.name", "Someone"))
	configGlobal = false

	value, err := config.GetValue("", "user.name")
	require.NoError(t, err)
	assert.Equal(t, "Someone", value)
}

func TestArgumentValidation(t *testing.T) {
	setupRepo(t)

	assert.ErrorContains(t, run(t, "update", "feature"), "nothing to update")
	assert.ErrorContains(t, run(t, "resolve", "a.txt", "1-2"), "exactly one of")
	assert.Error(t, run(t, "resolve", "a.txt", "x", "--keep-working"))
	resolveKeepWorking = false
	assert.Error(t, run(t, "assign", "a.txt:1-1", "missing"))
}

func TestTargetAndCreateFrom(t *testing.T) {
	dir := setupRepo(t)
	t.Cleanup(func() { createFrom, createBase = "", "" })

	require.NoError(t, run(t, "target"))
	require.NoError(t, run(t, "target", "HEAD"))
	assert.Error(t, run(t, "target", "no-such-commit"))
	assert.ErrorContains(t, run(t, "create", "orphan", "--base", "HEAD"), "--base requires --from")
	createBase = ""

	data, err := os.ReadFile(filepath.Join(dir, "a.txt"))
	require.NoError(t, err)
	edited := strings.Replace(string(data), "line 4\n", "line four\n", 1)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte(edited), 0644))
	require.NoError(t, run(t, "create", "feature"))
	require.NoError(t, run(t, "assign", "a.txt:5-5", "feature"))
	require.NoError(t, run(t, "commit", "feature", "-m", "Spell out four"))
	require.NoError(t, run(t, "unapply", "feature"))

	require.NoError(t, run(t, "create", "copy", "--from", "feature"))
	createFrom = ""
	got, err := os.ReadFile(filepath.Join(dir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, edited, string(got))
}

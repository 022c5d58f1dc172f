package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"featurebot/pkg/policy"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freshSettings(t *testing.T, configPath string) *viper.Viper {
	t.Helper()
	v := viper.New()
	bindSettings(v, rootCmd)
	v.Set("config", configPath)
	v.Set("env_file", filepath.Join(t.TempDir(), "missing.env"))
	return v
}

func TestLoadSettingsFromFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
github:
  enabled: true
  secret: from-file
policy:
  check_run_name: bot
`), 0o600))

	t.Setenv("FEATUREBOT_GITHUB_SECRET", "from-env")
	t.Setenv("FEATUREBOT_GITHUB_TOKEN", "pat")
	t.Setenv("FEATUREBOT_STORAGE_DSN", "file:runs.db")

	cfg, err := loadSettings(freshSettings(t, path), true)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.True(t, cfg.GitHub.Enabled)
	assert.Equal(t, "from-env", cfg.GitHub.Secret)
	assert.Equal(t, "pat", cfg.GitHub.Token)
	assert.Equal(t, "file:runs.db", cfg.Storage.DSN)
	assert.Equal(t, "bot", cfg.Policy.CheckRunName)
	assert.Equal(t, "/webhooks/github", cfg.GitHub.Path)
}

func TestLoadSettingsDotenv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("FEATUREBOT_CI_TRAVIS_TOKEN=travis-secret\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("FEATUREBOT_CI_TRAVIS_TOKEN") })

	v := freshSettings(t, filepath.Join(dir, "absent.yaml"))
	v.Set("env_file", envFile)
	cfg, err := loadSettings(v, false)
	require.NoError(t, err)
	assert.Equal(t, "travis-secret", cfg.CI.TravisToken)
}

func TestLoadSettingsMissingFile(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.yaml")

	cfg, err := loadSettings(freshSettings(t, missing), false)
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)

	_, err = loadSettings(freshSettings(t, missing), true)
	assert.Error(t, err)
}

func TestManualEvent(t *testing.T) {
	ev, err := manualEvent("acme/features", " abc123 ", 7)
	require.NoError(t, err)
	assert.Equal(t, "acme", ev.Repository.Owner)
	assert.Equal(t, "features", ev.Repository.Name)
	assert.Equal(t, "acme/features", ev.Repository.FullName)
	assert.Equal(t, "abc123", ev.CheckRun.HeadSHA)
	assert.Equal(t, int64(7), ev.InstallationID)
	assert.Equal(t, "completed", ev.Action)

	for _, repo := range []string{"", "acme", "acme/", "/features", "a/b/c"} {
		_, err := manualEvent(repo, "abc", 0)
		assert.Error(t, err, repo)
	}
	_, err = manualEvent("acme/features", "", 0)
	assert.Error(t, err)
}

func TestPrintOutcome(t *testing.T) {
	var buf bytes.Buffer
	printOutcome(&buf, policy.Outcome{
		Action:    policy.ActionPrune,
		State:     policy.StateDone,
		CommitSHA: "deadbeef",
		Pruned:    []string{"features/old/foo.py"},
		Closed:    []int{44},
		Diff:      "--- base\n+++ pruned\n",
	})
	out := buf.String()
	assert.Contains(t, out, "action: prune (done)")
	assert.Contains(t, out, "commit: deadbeef")
	assert.Contains(t, out, "pruned: features/old/foo.py")
	assert.Contains(t, out, "closed: #44")
	assert.Contains(t, out, "+++ pruned")
}

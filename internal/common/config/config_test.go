package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 8765, cfg.Server.Port)
	assert.Equal(t, 60, cfg.Heartbeat.IntervalSeconds)
	assert.Equal(t, 10, cfg.Heartbeat.AssessBatchSize)
	assert.Equal(t, 2, cfg.Heartbeat.MaxConcurrentTasks)
	assert.Equal(t, 3, cfg.Scheduler.MaxRetries)
	assert.Equal(t, "sonnet", cfg.Scheduler.DefaultModel)
	assert.Equal(t, "claude", cfg.Agent.Binary)
	assert.Equal(t, "main", cfg.VCS.DefaultBranch)
	assert.Empty(t, cfg.NATS.URL, "in-memory bus by default")
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	contents := `
server:
  port: 9999
heartbeat:
  intervalSeconds: 5
scheduler:
  maxRetries: 1
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(contents), 0o644))

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Heartbeat.IntervalSeconds)
	assert.Equal(t, 1, cfg.Scheduler.MaxRetries)
	// Unset keys keep their defaults.
	assert.Equal(t, 10, cfg.Heartbeat.AssessBatchSize)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AGENTQUEUE_SERVER_PORT", "7777")
	t.Setenv("AGENTQUEUE_MAX_CONCURRENT_TASKS", "8")
	t.Setenv("AGENTQUEUE_ASSESSMENT_MODEL", "claude-opus-4")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 7777, cfg.Server.Port)
	assert.Equal(t, 8, cfg.Heartbeat.MaxConcurrentTasks)
	assert.Equal(t, "claude-opus-4", cfg.Assessment.Model)
	assert.Equal(t, "sk-test", cfg.Assessment.APIKey)
}

func TestValidationRejectsBadValues(t *testing.T) {
	t.Setenv("AGENTQUEUE_SERVER_PORT", "0")
	_, err := LoadWithPath(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")

	t.Setenv("AGENTQUEUE_SERVER_PORT", "8765")
	t.Setenv("AGENTQUEUE_HEARTBEAT_INTERVAL_SECONDS", "0")
	_, err = LoadWithPath(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "heartbeat.intervalSeconds")
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	t.Setenv("AGENTQUEUE_WORKTREES_DIR", "~/worktrees")
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "worktrees"), cfg.Worktrees.Dir)
}

func TestDurationHelpers(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "1m0s", cfg.Heartbeat.Interval().String())
	assert.Equal(t, "30s", cfg.VCS.Timeout().String())
	assert.Equal(t, "2m0s", cfg.VCS.PushTimeout().String())
	assert.Equal(t, "1m0s", cfg.Assessment.Timeout().String())
}

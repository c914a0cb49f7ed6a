package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "repo", ".eluent", "config.yml")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "sync:\n  ledger_branch: eluent-sync\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "repo", cfg.Repository)
	assert.True(t, cfg.Sync.Enabled())
	assert.Equal(t, "origin", cfg.Sync.Remote)
	assert.Equal(t, 5, cfg.Sync.ClaimRetries)
	assert.Equal(t, OfflineLocal, cfg.Sync.OfflineMode)
	assert.Equal(t, 30, cfg.Sync.NetworkTimeoutSeconds)
	assert.True(t, cfg.Sync.AutoPush())
}

func TestLoadDisabledWithoutBranch(t *testing.T) {
	path := writeConfig(t, "sync: {}\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.False(t, cfg.Sync.Enabled())
}

func TestClaimRetriesClamped(t *testing.T) {
	cases := []struct {
		yaml string
		want int
	}{
		{"sync:\n  ledger_branch: l\n  claim_retries: 500\n", 100},
		{"sync:\n  ledger_branch: l\n  claim_retries: -3\n", 1},
		{"sync:\n  ledger_branch: l\n  claim_retries: 7\n", 7},
	}
	for _, tc := range cases {
		cfg, err := Load(writeConfig(t, tc.yaml))
		require.NoError(t, err)
		assert.Equal(t, tc.want, cfg.Sync.ClaimRetries)
	}
}

func TestInvalidOfflineMode(t *testing.T) {
	_, err := Load(writeConfig(t, "sync:\n  ledger_branch: l\n  offline_mode: maybe\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "offline_mode")
}

func TestAutoClaimPushExplicitFalse(t *testing.T) {
	cfg, err := Load(writeConfig(t, "sync:\n  ledger_branch: l\n  auto_claim_push: false\n"))
	require.NoError(t, err)
	assert.False(t, cfg.Sync.AutoPush())
}

func TestEnvExpansion(t *testing.T) {
	t.Setenv("ELUENT_TEST_BRANCH", "team-ledger")
	cfg, err := Load(writeConfig(t, "sync:\n  ledger_branch: ${ELUENT_TEST_BRANCH}\n"))
	require.NoError(t, err)
	assert.Equal(t, "team-ledger", cfg.Sync.LedgerBranch)
}

func TestInitRefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".eluent", "config.yml")

	require.NoError(t, Init(path, false))
	require.Error(t, Init(path, false))
	require.NoError(t, Init(path, true))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "eluent-sync", cfg.Sync.LedgerBranch)
}

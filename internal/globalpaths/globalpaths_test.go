package globalpaths

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathLayout(t *testing.T) {
	root := t.TempDir()
	gp, err := New("myrepo", root)
	require.NoError(t, err)

	assert.Equal(t, root, gp.UserRoot())
	assert.Equal(t, filepath.Join(root, "myrepo"), gp.RepoRoot())
	assert.Equal(t, filepath.Join(root, "myrepo", ".sync-worktree"), gp.WorktreeDir())
	assert.Equal(t, filepath.Join(root, "myrepo", ".ledger-sync-state"), gp.StateFile())
	assert.Equal(t, filepath.Join(root, "myrepo", ".ledger.lock"), gp.LockFile())
}

func TestSanitizeRepoName(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"plain", "plain"},
		{"org/repo", "org_repo"},
		{`a\b:c*d?e"f<g>h|i`, "a_b_c_d_e_f_g_h_i"},
		{"with space\tand tab", "with_space_and_tab"},
	}
	for _, tc := range cases {
		got, _ := sanitizeRepoName(tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestEmptyRepoNameRejected(t *testing.T) {
	_, err := New("  ", t.TempDir())
	require.Error(t, err)
	var perr *PathError
	require.ErrorAs(t, err, &perr)
}

func TestEnvOverride(t *testing.T) {
	root := t.TempDir()
	t.Setenv(EnvRootOverride, root)

	gp, err := New("repo", "")
	require.NoError(t, err)
	assert.Equal(t, root, gp.UserRoot())
}

func TestEnsureDirectoriesAndValid(t *testing.T) {
	root := filepath.Join(t.TempDir(), "nested", "eluent")
	gp, err := New("repo", root)
	require.NoError(t, err)

	require.NoError(t, gp.EnsureDirectories())
	assert.DirExists(t, gp.RepoRoot())
	assert.True(t, gp.Valid())

	// Idempotent on re-invocation.
	require.NoError(t, gp.EnsureDirectories())
}

func TestEnsureDirectoriesFailureLeavesNothing(t *testing.T) {
	if runtime.GOOS == "windows" || os.Geteuid() == 0 {
		t.Skip("permission bits are not enforceable here")
	}
	base := t.TempDir()
	require.NoError(t, os.Chmod(base, 0o555))
	t.Cleanup(func() { _ = os.Chmod(base, 0o755) })

	gp, err := New("repo", filepath.Join(base, "root"))
	require.NoError(t, err)

	err = gp.EnsureDirectories()
	require.Error(t, err)
	var perr *PathError
	require.ErrorAs(t, err, &perr)
	assert.NoDirExists(t, filepath.Join(base, "root"))
	assert.False(t, gp.Valid())
}

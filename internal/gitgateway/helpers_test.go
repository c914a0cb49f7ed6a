package gitgateway

import (
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// mustGit runs git in dir with a fixed identity and fails the test on error.
func mustGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	base := []string{
		"-C", dir,
		"-c", "user.name=test",
		"-c", "user.email=test@local",
		"-c", "init.defaultBranch=main",
	}
	out, err := exec.Command("git", append(base, args...)...).CombinedOutput()
	if err != nil {
		t.Fatalf("git %v in %s: %v\n%s", args, dir, err, out)
	}
	return strings.TrimSpace(string(out))
}

// initRepo creates a repository with one commit on main and returns its path.
func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	mustGit(t, dir, "init", "-b", "main")
	mustGit(t, dir, "commit", "--allow-empty", "-m", "initial")
	return dir
}

// initRepoWithRemote additionally wires a local bare repository as origin
// and pushes main to it.
func initRepoWithRemote(t *testing.T) (repo, remote string) {
	t.Helper()
	repo = initRepo(t)
	remote = filepath.Join(t.TempDir(), "origin.git")
	mustGit(t, repo, "init", "--bare", remote)
	mustGit(t, repo, "remote", "add", "origin", remote)
	mustGit(t, repo, "push", "origin", "main")
	return repo, remote
}

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
}

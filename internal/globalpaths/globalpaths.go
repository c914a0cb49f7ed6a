// Package globalpaths computes the per-repository, user-scoped filesystem
// locations used by the ledger coordination core: the out-of-tree ledger
// worktree, the durable sync-state file, and the advisory lock file.
package globalpaths

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/eluent/eluent/internal/logfields"
)

// EnvRootOverride relocates the per-user root when set.
const EnvRootOverride = "ELUENT_HOME"

const (
	defaultRootName  = ".eluent"
	worktreeDirName  = ".sync-worktree"
	stateFileName    = ".ledger-sync-state"
	lockFileName     = ".ledger.lock"
	journalFileName  = "journal.db"
	reservedRuneSet  = `/\:*?"<>|`
	dirPermissions   = 0o755
)

// GlobalPaths resolves filesystem locations for one logical repository.
// Construct with New; instances are immutable.
type GlobalPaths struct {
	userRoot string
	repoName string

	sanitized bool
	warned    bool
}

// PathError describes a filesystem location that could not be created or used.
type PathError struct {
	Op   string
	Path string
	Err  error
}

func (e *PathError) Error() string {
	return fmt.Sprintf("global path %s failed for %s: %v", e.Op, e.Path, e.Err)
}
func (e *PathError) Unwrap() error { return e.Err }

// New resolves paths for the given logical repository name. Resolution order
// for the user root: explicit override (sync.global_path_override), the
// ELUENT_HOME environment variable, then ~/.eluent.
func New(repoName, rootOverride string) (*GlobalPaths, error) {
	if strings.TrimSpace(repoName) == "" {
		return nil, &PathError{Op: "resolve", Path: repoName, Err: fmt.Errorf("repository name is empty")}
	}

	root := rootOverride
	if root == "" {
		root = os.Getenv(EnvRootOverride)
	}
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, &PathError{Op: "resolve", Path: "~", Err: err}
		}
		root = filepath.Join(home, defaultRootName)
	}

	sanitized, changed := sanitizeRepoName(repoName)
	return &GlobalPaths{userRoot: root, repoName: sanitized, sanitized: changed}, nil
}

// sanitizeRepoName replaces filesystem-reserved characters and whitespace
// with underscores so the name is safe as a directory component everywhere.
func sanitizeRepoName(name string) (string, bool) {
	var b strings.Builder
	changed := false
	for _, r := range name {
		if strings.ContainsRune(reservedRuneSet, r) || unicode.IsSpace(r) {
			b.WriteRune('_')
			changed = true
			continue
		}
		b.WriteRune(r)
	}
	return b.String(), changed
}

// UserRoot returns the per-user root directory (default ~/.eluent).
func (g *GlobalPaths) UserRoot() string { return g.userRoot }

// RepoRoot returns the per-repository directory under the user root.
func (g *GlobalPaths) RepoRoot() string { return filepath.Join(g.userRoot, g.repoName) }

// WorktreeDir returns the ledger worktree checkout directory.
func (g *GlobalPaths) WorktreeDir() string { return filepath.Join(g.RepoRoot(), worktreeDirName) }

// StateFile returns the path of the persisted LedgerState JSON file.
func (g *GlobalPaths) StateFile() string { return filepath.Join(g.RepoRoot(), stateFileName) }

// LockFile returns the path of the advisory cross-process lock file.
func (g *GlobalPaths) LockFile() string { return filepath.Join(g.RepoRoot(), lockFileName) }

// JournalFile returns the path of the local operation journal database.
func (g *GlobalPaths) JournalFile() string { return filepath.Join(g.RepoRoot(), journalFileName) }

// EnsureDirectories creates the user root and repo root if missing. On
// failure, any directory created during this call is removed again so a
// half-built tree is never left behind.
func (g *GlobalPaths) EnsureDirectories() error {
	if g.sanitized && !g.warned {
		slog.Warn("repository name contained reserved characters, sanitized",
			logfields.Repository(g.repoName))
		g.warned = true
	}

	var created []string
	for _, dir := range []string{g.userRoot, g.RepoRoot()} {
		if _, err := os.Stat(dir); err == nil {
			continue
		}
		if err := os.MkdirAll(dir, dirPermissions); err != nil {
			for i := len(created) - 1; i >= 0; i-- {
				_ = os.Remove(created[i])
			}
			return &PathError{Op: "create", Path: dir, Err: err}
		}
		created = append(created, dir)
	}
	return nil
}

// Valid reports whether all managed paths are accessible and writable.
func (g *GlobalPaths) Valid() bool {
	for _, dir := range []string{g.userRoot, g.RepoRoot()} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			return false
		}
		probe := filepath.Join(dir, ".eluent-write-probe")
		f, err := os.OpenFile(probe, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
		if err != nil {
			return false
		}
		_ = f.Close()
		_ = os.Remove(probe)
	}
	return true
}

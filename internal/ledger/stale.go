package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/eluent/eluent/internal/logfields"
)

// A worktree is stale when the directory on disk and git's registry disagree
// about it: the directory vanished, lost its .git link, drifted to another
// branch, or was unregistered behind our back. Stale worktrees are rebuilt
// in place rather than surfaced to the caller.

// staleReason inspects the ledger worktree and reports why it is unusable,
// or ok=false when it is healthy.
func (s *Syncer) staleReason(ctx context.Context) (reason string, stale bool) {
	dir := s.paths.WorktreeDir()

	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return "worktree directory missing", true
	}
	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		return "worktree lost its .git link", true
	}
	if _, err := s.gw.RunInWorktree(ctx, dir, "rev-parse", "--verify", "HEAD"); err != nil {
		return "worktree HEAD unresolvable", true
	}
	out, err := s.gw.RunInWorktree(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "worktree branch unresolvable", true
	}
	if branch := strings.TrimSpace(out); branch != s.cfg.LedgerBranch {
		return fmt.Sprintf("worktree on branch %s instead of %s", branch, s.cfg.LedgerBranch), true
	}
	if _, ok := s.registeredWorktree(ctx); !ok {
		return "worktree directory not registered", true
	}
	return "", false
}

// healWorktree discards the stale worktree and rebuilds it from the ledger
// branch. Callers hold the advisory lock.
func (s *Syncer) healWorktree(ctx context.Context, reason string) error {
	dir := s.paths.WorktreeDir()
	slog.Warn("ledger worktree stale, rebuilding",
		logfields.Path(dir), slog.String("reason", reason))

	if err := s.state.InvalidateWorktree(); err != nil {
		return err
	}

	// Remove whatever is there: a registered worktree, an orphaned directory,
	// or both. Each step tolerates the thing already being gone.
	_ = s.gw.WorktreeRemove(ctx, dir, true)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove stale worktree: %w", err)
	}
	if err := s.gw.WorktreePrune(ctx); err != nil {
		return err
	}

	if err := s.ensureLocalBranch(ctx); err != nil {
		return err
	}
	if err := s.gw.WorktreeAdd(ctx, dir, s.cfg.LedgerBranch); err != nil {
		return &UnhealthyError{Reason: "worktree rebuild failed", Err: err}
	}
	s.rec.IncWorktreeRebuild()

	head, err := s.worktreeHead(ctx)
	if err != nil {
		return err
	}
	return s.state.UpdatePull(head)
}

// ensureLocalBranch guarantees a local ledger branch ref exists, fetching
// and branching from the remote when it is remote-only.
func (s *Syncer) ensureLocalBranch(ctx context.Context) error {
	exists, err := s.gw.LocalBranchExists(s.cfg.LedgerBranch)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if err := s.gw.FetchBranch(ctx, s.cfg.Remote, s.cfg.LedgerBranch, s.cfg.NetworkTimeout()); err != nil {
		return &UnhealthyError{Reason: "ledger branch exists neither locally nor within reach", Err: err}
	}
	start := "refs/remotes/" + s.cfg.Remote + "/" + s.cfg.LedgerBranch
	return s.gw.CreateBranchAt(ctx, s.cfg.LedgerBranch, start)
}

// healIfStale runs the staleness check and rebuild; a healthy worktree is a
// no-op. Callers hold the advisory lock.
func (s *Syncer) healIfStale(ctx context.Context) error {
	reason, stale := s.staleReason(ctx)
	if !stale {
		return nil
	}
	return s.healWorktree(ctx, reason)
}

// worktreeHead resolves the current commit of the ledger worktree.
func (s *Syncer) worktreeHead(ctx context.Context) (string, error) {
	out, err := s.gw.RunInWorktree(ctx, s.paths.WorktreeDir(), "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolve worktree head: %w", err)
	}
	return strings.TrimSpace(out), nil
}

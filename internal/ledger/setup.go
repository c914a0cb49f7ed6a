package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/eluent/eluent/internal/journal"
	"github.com/eluent/eluent/internal/logfields"
)

// Setup makes the ledger operational for this repository: it creates the
// dedicated branch when neither the local repo nor the remote has it,
// registers the out-of-tree worktree, and seeds the ledger data from the
// primary working tree on first creation. Re-running against an already
// initialized ledger is an inexpensive no-op.
func (s *Syncer) Setup(ctx context.Context) SetupResult {
	if err := s.paths.EnsureDirectories(); err != nil {
		return SetupResult{Err: err}
	}

	unlock, err := s.lock(ctx)
	if err != nil {
		return SetupResult{Err: err}
	}
	defer unlock()

	res := s.setupLocked(ctx)
	outcome := "success"
	detail := ""
	if res.Err != nil {
		outcome = "failure"
		detail = res.Err.Error()
	}
	s.record(ctx, journal.OpSetup, "", "", outcome, detail)
	return res
}

func (s *Syncer) setupLocked(ctx context.Context) SetupResult {
	var res SetupResult

	local, err := s.gw.LocalBranchExists(s.cfg.LedgerBranch)
	if err != nil {
		res.Err = err
		return res
	}

	remoteCommit, rerr := s.gw.RemoteBranchCommit(ctx, s.cfg.Remote, s.cfg.LedgerBranch, s.cfg.NetworkTimeout())
	if rerr != nil && !local {
		// The branch exists nowhere reachable and cannot be published.
		res.Err = &NetworkUnreachableError{Remote: s.cfg.Remote, Err: rerr}
		return res
	}

	switch {
	case !local && remoteCommit != "":
		if err := s.ensureLocalBranch(ctx); err != nil {
			res.Err = err
			return res
		}
	case !local:
		if err := s.gw.CreateOrphanBranch(ctx, s.cfg.LedgerBranch, "eluent: initialize ledger"); err != nil {
			res.Err = err
			return res
		}
		res.CreatedBranch = true
		if err := s.gw.PushBranch(ctx, s.cfg.Remote, s.cfg.LedgerBranch, true, s.cfg.NetworkTimeout()); err != nil {
			res.Err = fmt.Errorf("publish ledger branch: %w", err)
			return res
		}
	}

	if _, registered := s.registeredWorktree(ctx); !registered {
		dir := s.paths.WorktreeDir()
		// A directory left behind by an unregistered worktree blocks add.
		if _, serr := os.Stat(dir); serr == nil {
			if err := os.RemoveAll(dir); err != nil {
				res.Err = fmt.Errorf("clear orphaned worktree directory: %w", err)
				return res
			}
			if err := s.gw.WorktreePrune(ctx); err != nil {
				res.Err = err
				return res
			}
		}
		if err := s.gw.WorktreeAdd(ctx, dir, s.cfg.LedgerBranch); err != nil {
			res.Err = err
			return res
		}
		res.CreatedWorktree = true
	}

	if err := s.seedLocked(ctx); err != nil {
		res.Err = err
		return res
	}

	head, err := s.worktreeHead(ctx)
	if err != nil {
		res.Err = err
		return res
	}
	if err := s.state.UpdatePull(head); err != nil {
		res.Err = err
		return res
	}
	res.Success = true
	return res
}

// seedLocked populates a fresh ledger worktree: from the primary working
// tree's .eluent/data.jsonl when one exists, otherwise with an empty data
// file. An already-populated worktree is left alone.
func (s *Syncer) seedLocked(ctx context.Context) error {
	dst := dataFilePath(s.paths.WorktreeDir())
	if _, err := os.Stat(dst); err == nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create ledger data directory: %w", err)
	}

	src := dataFilePath(s.gw.RepoPath())
	if _, err := os.Stat(src); err == nil {
		if err := copyFileAtomic(src, dst); err != nil {
			return fmt.Errorf("seed ledger data: %w", err)
		}
		slog.Info("seeded ledger from working tree", logfields.Path(src))
	} else {
		if err := os.WriteFile(dst, nil, 0o644); err != nil {
			return fmt.Errorf("create empty ledger data: %w", err)
		}
	}

	perr := s.pushLocked(ctx, "eluent: seed ledger").Err
	if perr != nil {
		// Seeding is best effort; the data publishes with the next push.
		slog.Warn("could not publish seeded ledger", logfields.Error(perr))
	}
	return nil
}

// Teardown dismantles the ledger plumbing: the worktree is removed and
// pruned and the persisted state and lock files are deleted. The ledger
// branch itself (local and remote) is left in place, so a later Setup
// resumes from the shared history. Teardown of a non-initialized ledger
// succeeds.
func (s *Syncer) Teardown(ctx context.Context) error {
	unlock, err := s.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	dir := s.paths.WorktreeDir()
	if err := s.gw.WorktreeRemove(ctx, dir, true); err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove worktree directory: %w", err)
	}
	if err := s.gw.WorktreePrune(ctx); err != nil {
		return err
	}
	if err := s.state.Delete(); err != nil {
		return err
	}
	s.record(ctx, journal.OpTeardown, "", "", "success", "")
	return nil
}

// SyncToMain copies the ledger files from the worktree's .eluent/ directory
// into the primary working tree's, making claim state visible to tools that
// read the repository checkout directly.
func (s *Syncer) SyncToMain(ctx context.Context) error {
	unlock, err := s.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if _, err := os.Stat(dataFilePath(s.paths.WorktreeDir())); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &UnhealthyError{Reason: "ledger data missing; run setup first"}
		}
		return err
	}
	src := filepath.Join(s.paths.WorktreeDir(), ".eluent")
	dst := filepath.Join(s.gw.RepoPath(), ".eluent")
	return copyTreeAtomic(src, dst)
}

// SeedFromMain copies the primary working tree's .eluent/ files into the
// worktree and publishes them, overwriting whatever the worktree held.
func (s *Syncer) SeedFromMain(ctx context.Context) error {
	unlock, err := s.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	src := filepath.Join(s.gw.RepoPath(), ".eluent")
	if _, err := os.Stat(dataFilePath(s.gw.RepoPath())); err != nil {
		return fmt.Errorf("no ledger data in working tree: %w", err)
	}
	dst := filepath.Join(s.paths.WorktreeDir(), ".eluent")
	if err := copyTreeAtomic(src, dst); err != nil {
		return err
	}
	return s.pushLocked(ctx, "eluent: seed ledger from working tree").Err
}

// copyTreeAtomic mirrors every regular file under src into dst, each through
// an atomic temp-and-rename. Files present only in dst are left alone.
func copyTreeAtomic(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, rerr := filepath.Rel(src, path)
		if rerr != nil {
			return rerr
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return copyFileAtomic(path, target)
	})
}

// copyFileAtomic copies src over dst through a temp sibling and rename.
func copyFileAtomic(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := fmt.Sprintf("%s.%d.tmp", dst, os.Getpid())
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = out.Close()
			_ = os.Remove(tmp)
		}
	}()

	if _, err = io.Copy(out, in); err != nil {
		return err
	}
	if err = out.Sync(); err != nil {
		return err
	}
	if err = out.Close(); err != nil {
		return err
	}
	if err = os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

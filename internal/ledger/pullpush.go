package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/eluent/eluent/internal/gitgateway"
	"github.com/eluent/eluent/internal/journal"
	"github.com/eluent/eluent/internal/logfields"
)

// defaultPushMessage is the deterministic commit message for ledger pushes
// outside the claim protocol.
const defaultPushMessage = "eluent: update ledger"

// PullLedger brings the worktree to the remote ledger head: fetch, then a
// hard reset of the mirror. The worktree is a mirror, never a merge target,
// so local divergence is always discarded in favor of the remote. Stale
// claims are swept afterwards when a claim timeout is configured.
func (s *Syncer) PullLedger(ctx context.Context) SyncResult {
	unlock, err := s.lock(ctx)
	if err != nil {
		return SyncResult{Err: err}
	}
	defer unlock()

	res := s.pullLocked(ctx, true)
	outcome := "success"
	detail := res.Head
	if res.Err != nil {
		outcome = "failure"
		detail = res.Err.Error()
	}
	s.record(ctx, journal.OpPull, "", "", outcome, detail)
	return res
}

// pullLocked is the pull body; callers hold the advisory lock. sweep enables
// the stale-claim sweep (disabled inside the claim loop, which pulls every
// attempt).
func (s *Syncer) pullLocked(ctx context.Context, sweep bool) SyncResult {
	start := s.clock.Now()
	res := s.doPull(ctx, sweep)
	s.rec.ObservePullDuration(s.clock.Since(start), res.Err == nil)
	return res
}

func (s *Syncer) doPull(ctx context.Context, sweep bool) SyncResult {
	if err := s.healIfStale(ctx); err != nil {
		return SyncResult{Err: err}
	}

	prev, err := s.state.Load()
	if err != nil {
		return SyncResult{Err: err}
	}
	prevHead := prev.LedgerHead

	if err := s.gw.FetchBranch(ctx, s.cfg.Remote, s.cfg.LedgerBranch, s.cfg.NetworkTimeout()); err != nil {
		return SyncResult{Err: s.classifyNetworkErr(err)}
	}

	dir := s.paths.WorktreeDir()
	remoteRef := "refs/remotes/" + s.cfg.Remote + "/" + s.cfg.LedgerBranch
	if _, err := s.gw.RunInWorktree(ctx, dir, "reset", "--hard", remoteRef); err != nil {
		return SyncResult{Err: fmt.Errorf("reset ledger worktree: %w", err)}
	}

	head, err := s.worktreeHead(ctx)
	if err != nil {
		return SyncResult{Err: err}
	}
	if err := s.state.UpdatePull(head); err != nil {
		return SyncResult{Err: err}
	}

	res := SyncResult{Success: true, Head: head}
	res.ChangesApplied = s.countNewCommits(ctx, prevHead, head)

	if sweep && s.cfg.ClaimTimeoutHours > 0 {
		released, serr := s.sweepLocked(ctx)
		if serr != nil {
			slog.Warn("stale claim sweep failed", logfields.Error(serr))
		} else if len(released) > 0 {
			slog.Info("released stale claims", slog.Int("count", len(released)))
		}
	}
	return res
}

// countNewCommits reports how many commits arrived between the previously
// recorded head and the current one. Best effort; zero on any ambiguity.
func (s *Syncer) countNewCommits(ctx context.Context, prevHead, head string) int {
	if prevHead == "" || prevHead == head {
		return 0
	}
	out, err := s.gw.RunInWorktree(ctx, s.paths.WorktreeDir(),
		"rev-list", "--count", prevHead+".."+head)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0
	}
	return n
}

// PushLedger commits any local worktree changes and pushes the ledger
// branch. A clean worktree pushes nothing and succeeds.
func (s *Syncer) PushLedger(ctx context.Context) SyncResult {
	unlock, err := s.lock(ctx)
	if err != nil {
		return SyncResult{Err: err}
	}
	defer unlock()

	res := s.pushLocked(ctx, defaultPushMessage)
	outcome := "success"
	detail := res.Head
	if res.Err != nil {
		outcome = "failure"
		detail = res.Err.Error()
	}
	s.record(ctx, journal.OpPush, "", "", outcome, detail)
	return res
}

// pushLocked stages, commits, and pushes the worktree. Callers hold the
// advisory lock. A NonFastForwardError passes through untouched so the claim
// loop can recognize a lost race.
func (s *Syncer) pushLocked(ctx context.Context, message string) SyncResult {
	start := s.clock.Now()
	res := s.doPush(ctx, message)
	s.rec.ObservePushDuration(s.clock.Since(start), res.Err == nil)
	var nff *gitgateway.NonFastForwardError
	if errors.As(res.Err, &nff) {
		s.rec.IncPushRejected()
	}
	return res
}

func (s *Syncer) doPush(ctx context.Context, message string) SyncResult {
	dir := s.paths.WorktreeDir()

	if _, err := s.gw.RunInWorktree(ctx, dir, "add", "-A"); err != nil {
		return SyncResult{Err: fmt.Errorf("stage ledger changes: %w", err)}
	}
	status, err := s.gw.RunInWorktree(ctx, dir, "status", "--porcelain")
	if err != nil {
		return SyncResult{Err: fmt.Errorf("inspect ledger worktree: %w", err)}
	}
	if strings.TrimSpace(status) != "" {
		if err := s.gw.CommitInWorktree(ctx, dir, message, false); err != nil {
			return SyncResult{Err: fmt.Errorf("commit ledger changes: %w", err)}
		}
	}

	head, err := s.worktreeHead(ctx)
	if err != nil {
		return SyncResult{Err: err}
	}

	// Push even with nothing newly committed: an earlier offline commit may
	// still be waiting to publish.
	if err := s.gw.PushBranch(ctx, s.cfg.Remote, s.cfg.LedgerBranch, false, s.cfg.NetworkTimeout()); err != nil {
		return SyncResult{Err: err, Head: head}
	}
	if err := s.state.UpdatePush(head); err != nil {
		return SyncResult{Err: err, Head: head}
	}
	return SyncResult{Success: true, Head: head}
}

// classifyNetworkErr wraps timeout failures in NetworkUnreachableError so
// callers can distinguish "remote gone" from "operation broken".
func (s *Syncer) classifyNetworkErr(err error) error {
	var terr *gitgateway.TimeoutError
	if errors.As(err, &terr) {
		return &NetworkUnreachableError{Remote: s.cfg.Remote, Err: err}
	}
	return err
}

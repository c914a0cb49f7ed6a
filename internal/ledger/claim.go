package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/eluent/eluent/internal/config"
	"github.com/eluent/eluent/internal/gitgateway"
	"github.com/eluent/eluent/internal/journal"
	"github.com/eluent/eluent/internal/logfields"
	"github.com/eluent/eluent/internal/metrics"
)

// syncerClaimOps adapts the syncer to the claim state machine. All methods
// run with the advisory lock already held.
type syncerClaimOps struct {
	s *Syncer
}

func (o *syncerClaimOps) Pull(ctx context.Context) error {
	return o.s.pullLocked(ctx, false).Err
}

func (o *syncerClaimOps) ReadAtom(atomID string) (atomView, bool, error) {
	return readAtom(dataFilePath(o.s.paths.WorktreeDir()), atomID)
}

func (o *syncerClaimOps) ApplyClaim(atomID, agentID string) error {
	assignee := agentID
	return rewriteAtom(dataFilePath(o.s.paths.WorktreeDir()), atomID, atomMutation{
		Status:    StatusInProgress,
		Assignee:  &assignee,
		UpdatedAt: o.s.clock.Now(),
	})
}

func (o *syncerClaimOps) CommitAndPush(ctx context.Context, message string) error {
	return o.s.pushLocked(ctx, message).Err
}

// ClaimAndPush claims the atom for the agent through the optimistic-locking
// protocol. When the remote is unreachable the configured offline mode
// decides between a locally applied claim queued for reconciliation and an
// outright failure. With auto push disabled, the claim is applied locally
// and queued even while online.
func (s *Syncer) ClaimAndPush(ctx context.Context, atomID, agentID string) ClaimResult {
	return s.claim(ctx, atomID, agentID, false)
}

// ForceClaimAndPush claims the atom even when another agent currently holds
// it, overwriting their assignment. The usual terminal and not-found rules
// still apply.
func (s *Syncer) ForceClaimAndPush(ctx context.Context, atomID, agentID string) ClaimResult {
	return s.claim(ctx, atomID, agentID, true)
}

func (s *Syncer) claim(ctx context.Context, atomID, agentID string, force bool) ClaimResult {
	atomID, agentID = normalizeIDs(atomID, agentID)
	if agentID == "" {
		agentID = DefaultAgentID()
	}
	if atomID == "" {
		res := ClaimResult{Err: fmt.Errorf("atom identifier must not be empty")}
		s.finishClaim(ctx, journal.OpClaim, atomID, agentID, res)
		return res
	}

	unlock, err := s.lock(ctx)
	if err != nil {
		return ClaimResult{Err: err}
	}
	defer unlock()

	var res ClaimResult
	if herr := s.healIfStale(ctx); herr != nil {
		res = ClaimResult{Err: herr}
		s.finishClaim(ctx, journal.OpClaim, atomID, agentID, res)
		return res
	}

	online := s.Online(ctx)
	switch {
	case !online && s.cfg.OfflineMode == config.OfflineFail:
		res = ClaimResult{Err: &NetworkUnreachableError{Remote: s.cfg.Remote}}
	case !online:
		res = s.claimLocal(ctx, atomID, agentID, false, force)
	case !s.cfg.AutoPush():
		// Deliberate local-only claim: treated exactly like an offline one
		// and published on the next reconcile or sync.
		res = s.claimLocal(ctx, atomID, agentID, true, force)
	default:
		flow := NewClaimFlow(&syncerClaimOps{s: s}, s.clock, s.backoff, s.cfg.ClaimRetries).Force(force)
		res = flow.Run(ctx, atomID, agentID)
	}

	s.finishClaim(ctx, journal.OpClaim, atomID, agentID, res)
	return res
}

// claimLocal applies the claim to the local worktree only and queues it for
// reconciliation. The local commit is disposable: the next pull hard-resets
// the mirror, and the queued intent is what gets replayed.
func (s *Syncer) claimLocal(ctx context.Context, atomID, agentID string, pullFirst, force bool) ClaimResult {
	if pullFirst {
		if pres := s.pullLocked(ctx, false); pres.Err != nil {
			return ClaimResult{Err: pres.Err}
		}
	}

	view, found, err := readAtom(dataFilePath(s.paths.WorktreeDir()), atomID)
	if err != nil {
		return ClaimResult{Err: err}
	}
	if !found {
		return ClaimResult{Err: &AtomNotFoundError{AtomID: atomID}}
	}
	switch {
	case isTerminal(view.Status):
		return ClaimResult{Err: &AtomTerminalError{AtomID: atomID, Status: view.Status}}
	case view.Status == StatusInProgress && view.Assignee == agentID:
		return ClaimResult{Success: true, ClaimedBy: agentID, OfflineClaim: true}
	case view.Status == StatusInProgress && !force:
		// The local view may be outdated, but claiming over a visible owner
		// would guarantee a conflict at reconcile time.
		return ClaimResult{
			Err:       &ClaimConflictError{AtomID: atomID, Owner: view.Assignee},
			ClaimedBy: view.Assignee,
		}
	}

	assignee := agentID
	if err := rewriteAtom(dataFilePath(s.paths.WorktreeDir()), atomID, atomMutation{
		Status:    StatusInProgress,
		Assignee:  &assignee,
		UpdatedAt: s.clock.Now(),
	}); err != nil {
		return ClaimResult{Err: fmt.Errorf("failed to update atom: %w", err)}
	}
	message := fmt.Sprintf("%s claimed %s", agentID, atomID)
	if _, err := s.gw.RunInWorktree(ctx, s.paths.WorktreeDir(), "add", "-A"); err != nil {
		return ClaimResult{Err: fmt.Errorf("stage local claim: %w", err)}
	}
	if err := s.gw.CommitInWorktree(ctx, s.paths.WorktreeDir(), message, false); err != nil {
		return ClaimResult{Err: fmt.Errorf("commit local claim: %w", err)}
	}
	if err := s.state.RecordOfflineClaim(atomID, agentID, s.clock.Now()); err != nil {
		return ClaimResult{Err: err}
	}
	return ClaimResult{Success: true, ClaimedBy: agentID, OfflineClaim: true}
}

// finishClaim records metrics and journal history for one claim attempt.
func (s *Syncer) finishClaim(ctx context.Context, op, atomID, agentID string, res ClaimResult) {
	s.rec.IncClaimOutcome(classifyClaim(res))
	s.rec.ObserveClaimRetries(res.Retries)
	if claims, err := s.state.OfflineClaims(); err == nil {
		s.rec.SetOfflineQueueDepth(len(claims))
	}

	outcome := "success"
	detail := ""
	switch {
	case res.Err != nil:
		outcome = "failure"
		detail = res.Err.Error()
	case res.OfflineClaim:
		outcome = "offline"
	}
	var conflict *ClaimConflictError
	if errors.As(res.Err, &conflict) {
		outcome = "conflict"
	}
	s.record(ctx, op, atomID, agentID, outcome, detail)
}

// classifyClaim maps a claim result onto the metrics outcome labels.
func classifyClaim(res ClaimResult) metrics.ClaimOutcome {
	if res.Err == nil {
		if res.OfflineClaim {
			return metrics.OutcomeOffline
		}
		return metrics.OutcomeSuccess
	}
	var (
		conflict *ClaimConflictError
		notFound *AtomNotFoundError
		terminal *AtomTerminalError
		retries  *MaxRetriesExceededError
		offline  *NetworkUnreachableError
	)
	switch {
	case errors.As(res.Err, &conflict):
		return metrics.OutcomeConflict
	case errors.As(res.Err, &notFound):
		return metrics.OutcomeNotFound
	case errors.As(res.Err, &terminal):
		return metrics.OutcomeTerminal
	case errors.As(res.Err, &retries):
		return metrics.OutcomeMaxRetries
	case errors.As(res.Err, &offline):
		return metrics.OutcomeOffline
	default:
		return metrics.OutcomeError
	}
}

// mutateRetries bounds the pull-mutate-push loop for release and heartbeat,
// which contend far less than claims.
const mutateRetries = 3

// mutatePushLocked runs a small optimistic loop for non-claim mutations:
// pull, read, decide, rewrite, push; retry on a lost race. mutate returns
// the new record state, or apply=false for an idempotent no-op. Unlike
// claims, these mutations have no offline queue to replay them from, so an
// unreachable remote fails the operation instead of losing the change to
// the next hard reset.
func (s *Syncer) mutatePushLocked(ctx context.Context, atomID, message string,
	mutate func(view atomView) (mut atomMutation, apply bool, err error)) (changed bool, err error) {

	if !s.Online(ctx) {
		return false, &NetworkUnreachableError{Remote: s.cfg.Remote}
	}

	path := dataFilePath(s.paths.WorktreeDir())
	for attempt := 1; attempt <= mutateRetries; attempt++ {
		if pres := s.pullLocked(ctx, false); pres.Err != nil {
			return false, pres.Err
		}

		view, found, rerr := readAtom(path, atomID)
		if rerr != nil {
			return false, rerr
		}
		if !found {
			return false, &AtomNotFoundError{AtomID: atomID}
		}
		mut, apply, merr := mutate(view)
		if merr != nil {
			return false, merr
		}
		if !apply {
			return false, nil
		}
		if werr := rewriteAtom(path, atomID, mut); werr != nil {
			return false, fmt.Errorf("failed to update atom: %w", werr)
		}

		perr := s.pushLocked(ctx, message).Err
		if perr == nil {
			return true, nil
		}
		var nff *gitgateway.NonFastForwardError
		if !errors.As(perr, &nff) {
			return false, perr
		}
		if attempt < mutateRetries {
			delay := s.backoff.Delay(attempt)
			slog.Debug("ledger push rejected, retrying",
				logfields.Atom(atomID), logfields.Attempt(attempt))
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-s.clock.After(delay):
			}
		}
	}
	return false, &MaxRetriesExceededError{AtomID: atomID, Retries: mutateRetries}
}

// ReleaseClaim returns the atom to open. Releasing an already-open atom is a
// no-op success; terminal atoms are left untouched; a missing atom is an
// error. Ownership is not enforced: any agent may release a claim. The
// remote must be reachable; there is no offline release.
func (s *Syncer) ReleaseClaim(ctx context.Context, atomID, agentID string) ReleaseResult {
	atomID, agentID = normalizeIDs(atomID, agentID)
	if agentID == "" {
		agentID = DefaultAgentID()
	}
	if atomID == "" {
		return ReleaseResult{Err: fmt.Errorf("atom identifier must not be empty")}
	}

	unlock, err := s.lock(ctx)
	if err != nil {
		return ReleaseResult{Err: err}
	}
	defer unlock()

	if herr := s.healIfStale(ctx); herr != nil {
		return ReleaseResult{Err: herr}
	}

	message := fmt.Sprintf("%s released %s", agentID, atomID)
	changed, err := s.mutatePushLocked(ctx, atomID, message, func(view atomView) (atomMutation, bool, error) {
		if isTerminal(view.Status) || view.Status != StatusInProgress {
			return atomMutation{}, false, nil
		}
		return atomMutation{Status: StatusOpen, Assignee: nil, UpdatedAt: s.clock.Now()}, true, nil
	})

	res := ReleaseResult{Success: err == nil, Err: err, Changed: changed}
	outcome := "success"
	detail := ""
	if err != nil {
		outcome = "failure"
		detail = err.Error()
	}
	s.record(ctx, journal.OpRelease, atomID, agentID, outcome, detail)
	return res
}

// Heartbeat refreshes the updated_at of an atom the agent currently holds,
// keeping it clear of the stale-claim sweep. Heartbeating an atom held by
// someone else is a conflict.
func (s *Syncer) Heartbeat(ctx context.Context, atomID, agentID string) error {
	atomID, agentID = normalizeIDs(atomID, agentID)
	if agentID == "" {
		agentID = DefaultAgentID()
	}
	if atomID == "" {
		return fmt.Errorf("atom identifier must not be empty")
	}

	unlock, err := s.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if herr := s.healIfStale(ctx); herr != nil {
		return herr
	}

	message := fmt.Sprintf("%s heartbeat %s", agentID, atomID)
	_, err = s.mutatePushLocked(ctx, atomID, message, func(view atomView) (atomMutation, bool, error) {
		if view.Status != StatusInProgress {
			return atomMutation{}, false, fmt.Errorf("atom %s is not in progress", atomID)
		}
		if view.Assignee != agentID {
			return atomMutation{}, false, &ClaimConflictError{AtomID: atomID, Owner: view.Assignee}
		}
		assignee := agentID
		return atomMutation{Status: StatusInProgress, Assignee: &assignee, UpdatedAt: s.clock.Now()}, true, nil
	})

	outcome := "success"
	detail := ""
	if err != nil {
		outcome = "failure"
		detail = err.Error()
	}
	s.record(ctx, journal.OpHeartbeat, atomID, agentID, outcome, detail)
	return err
}

// ReconcileOfflineClaims replays every queued offline claim through the
// online claim protocol. Claims that succeed, conflict with a winner, or
// target vanished or terminal atoms leave the queue; claims that fail for
// transient reasons stay queued for the next attempt.
func (s *Syncer) ReconcileOfflineClaims(ctx context.Context) ([]ReconcileOutcome, error) {
	claims, err := s.state.OfflineClaims()
	if err != nil {
		return nil, err
	}
	if len(claims) == 0 {
		return nil, nil
	}
	if !s.Online(ctx) {
		return nil, &NetworkUnreachableError{Remote: s.cfg.Remote}
	}

	unlock, err := s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if herr := s.healIfStale(ctx); herr != nil {
		return nil, herr
	}

	outcomes := make([]ReconcileOutcome, 0, len(claims))
	for _, c := range claims {
		flow := NewClaimFlow(&syncerClaimOps{s: s}, s.clock, s.backoff, s.cfg.ClaimRetries)
		res := flow.Run(ctx, c.AtomID, c.AgentID)

		out := ReconcileOutcome{
			AtomID:  c.AtomID,
			AgentID: c.AgentID,
			Success: res.Success,
			Err:     res.Err,
		}
		clear := res.Success
		var (
			conflict *ClaimConflictError
			notFound *AtomNotFoundError
			terminal *AtomTerminalError
		)
		switch {
		case errors.As(res.Err, &conflict):
			// Lost while offline; nothing left to replay.
			out.Owner = conflict.Owner
			clear = true
		case errors.As(res.Err, &notFound), errors.As(res.Err, &terminal):
			clear = true
		}
		if clear {
			if cerr := s.state.ClearOfflineClaim(c.AtomID); cerr != nil {
				slog.Warn("failed to dequeue reconciled claim",
					logfields.Atom(c.AtomID), logfields.Error(cerr))
			}
		}

		outcome := "success"
		detail := ""
		if res.Err != nil {
			outcome = "failure"
			detail = res.Err.Error()
		}
		s.record(ctx, journal.OpReconcile, c.AtomID, c.AgentID, outcome, detail)
		outcomes = append(outcomes, out)
	}

	if remaining, err := s.state.OfflineClaims(); err == nil {
		s.rec.SetOfflineQueueDepth(len(remaining))
	}
	return outcomes, nil
}

// SweepStaleClaims releases in_progress claims whose updated_at is older
// than the configured claim timeout. A zero timeout disables the sweep.
func (s *Syncer) SweepStaleClaims(ctx context.Context) ([]string, error) {
	if s.cfg.ClaimTimeoutHours <= 0 {
		return nil, nil
	}
	unlock, err := s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if pres := s.pullLocked(ctx, false); pres.Err != nil {
		return nil, pres.Err
	}
	return s.sweepLocked(ctx)
}

// sweepLocked scans the freshly pulled data for expired claims and releases
// them. A non-fast-forward push is dropped silently: the mirror resets on
// the next pull and the sweep runs again.
func (s *Syncer) sweepLocked(ctx context.Context) ([]string, error) {
	cutoff := s.clock.Now().Add(-time.Duration(s.cfg.ClaimTimeoutHours * float64(time.Hour)))
	path := dataFilePath(s.paths.WorktreeDir())

	var expired []string
	err := forEachAtom(path, func(view atomView, raw map[string]any) error {
		if view.Status != StatusInProgress {
			return nil
		}
		stamp, ok := raw["updated_at"].(string)
		if !ok {
			return nil
		}
		at, perr := time.Parse(time.RFC3339, stamp)
		if perr != nil {
			return nil
		}
		if at.Before(cutoff) {
			expired = append(expired, view.ID)
			slog.Info("releasing stale claim",
				logfields.Atom(view.ID), logfields.Agent(view.Assignee))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(expired) == 0 {
		return nil, nil
	}

	for _, id := range expired {
		if werr := rewriteAtom(path, id, atomMutation{
			Status: StatusOpen, Assignee: nil, UpdatedAt: s.clock.Now(),
		}); werr != nil {
			return nil, werr
		}
	}

	perr := s.pushLocked(ctx, "eluent: release stale claims").Err
	var nff *gitgateway.NonFastForwardError
	if errors.As(perr, &nff) {
		slog.Debug("stale claim sweep lost a push race, deferring")
		return nil, nil
	}
	if perr != nil {
		return nil, perr
	}
	s.record(ctx, journal.OpSweep, "", "", "success", fmt.Sprintf("released %d", len(expired)))
	return expired, nil
}

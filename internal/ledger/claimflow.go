package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/eluent/eluent/internal/gitgateway"
	"github.com/eluent/eluent/internal/logfields"
)

// claimOps is the slice of syncer behavior the claim state machine drives.
// Kept minimal so the retry loop is testable against a scripted fake.
type claimOps interface {
	// Pull brings the worktree to the current remote head.
	Pull(ctx context.Context) error
	// ReadAtom scans the ledger data for the atom.
	ReadAtom(atomID string) (view atomView, found bool, err error)
	// ApplyClaim rewrites the atom as claimed by agentID in the worktree.
	ApplyClaim(atomID, agentID string) error
	// CommitAndPush commits the worktree changes and pushes the ledger branch.
	CommitAndPush(ctx context.Context, message string) error
}

// ClaimFlow is the bounded optimistic-locking loop behind ClaimAndPush:
// pull, read, classify, mutate, push; on a non-fast-forward rejection back
// off with jitter and go around. Separated from the syncer for testability.
type ClaimFlow struct {
	ops        claimOps
	clock      clockwork.Clock
	backoff    Backoff
	maxRetries int
	force      bool
}

// NewClaimFlow builds a flow with the retry ceiling clamped to [1,100].
func NewClaimFlow(ops claimOps, clock clockwork.Clock, backoff Backoff, maxRetries int) *ClaimFlow {
	if maxRetries < 1 {
		maxRetries = 1
	}
	if maxRetries > 100 {
		maxRetries = 100
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ClaimFlow{ops: ops, clock: clock, backoff: backoff, maxRetries: maxRetries}
}

// Force makes the flow take over atoms held by another agent instead of
// reporting a conflict.
func (f *ClaimFlow) Force(on bool) *ClaimFlow {
	f.force = on
	return f
}

// Run executes the claim loop. The returned result's Retries field counts
// the remote push rejections observed.
func (f *ClaimFlow) Run(ctx context.Context, atomID, agentID string) ClaimResult {
	rejections := 0
	for attempt := 1; attempt <= f.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return ClaimResult{Err: err, Retries: rejections}
		}

		if err := f.ops.Pull(ctx); err != nil {
			return ClaimResult{Err: err, Retries: rejections}
		}

		view, found, err := f.ops.ReadAtom(atomID)
		if err != nil {
			return ClaimResult{Err: err, Retries: rejections}
		}
		if !found {
			return ClaimResult{Err: &AtomNotFoundError{AtomID: atomID}, Retries: rejections}
		}

		switch {
		case isTerminal(view.Status):
			return ClaimResult{Err: &AtomTerminalError{AtomID: atomID, Status: view.Status}, Retries: rejections}
		case view.Status == StatusInProgress && view.Assignee == agentID:
			// Idempotent re-claim: no mutation, no push.
			return ClaimResult{Success: true, ClaimedBy: agentID, Retries: rejections}
		case view.Status == StatusInProgress && !f.force:
			return ClaimResult{
				Err:       &ClaimConflictError{AtomID: atomID, Owner: view.Assignee},
				ClaimedBy: view.Assignee,
				Retries:   rejections,
			}
		case view.Status == StatusInProgress:
			slog.Warn("taking over held atom",
				logfields.Atom(atomID), logfields.Agent(view.Assignee))
		}

		if err := f.ops.ApplyClaim(atomID, agentID); err != nil {
			return ClaimResult{Err: fmt.Errorf("failed to update atom: %w", err), Retries: rejections}
		}

		err = f.ops.CommitAndPush(ctx, fmt.Sprintf("%s claimed %s", agentID, atomID))
		if err == nil {
			return ClaimResult{Success: true, ClaimedBy: agentID, Retries: rejections}
		}

		var (
			nff     *gitgateway.NonFastForwardError
			timeout *gitgateway.TimeoutError
		)
		switch {
		case errors.As(err, &nff):
			// Lost the race: another agent pushed at our parent commit first.
			// The re-entry pull will either show the atom taken (conflict with
			// the winner) or still eligible (their push touched other atoms).
			rejections++
		case errors.As(err, &timeout):
			// A push timeout consumes the attempt but is not a lost race, so
			// it does not add to the rejection count.
		default:
			return ClaimResult{Err: err, Retries: rejections}
		}
		if attempt == f.maxRetries {
			if timeout != nil {
				return ClaimResult{Err: err, Retries: rejections}
			}
			break
		}
		delay := f.backoff.Delay(attempt)
		slog.Debug("claim push rejected, backing off",
			logfields.Atom(atomID), logfields.Attempt(attempt),
			slog.Duration("delay", delay))
		if serr := f.sleep(ctx, delay); serr != nil {
			return ClaimResult{Err: serr, Retries: rejections}
		}
	}
	return ClaimResult{
		Err:     &MaxRetriesExceededError{AtomID: atomID, Retries: rejections},
		Retries: rejections,
	}
}

// sleep waits for the backoff delay, honoring cancellation.
func (f *ClaimFlow) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-f.clock.After(d):
		return nil
	}
}

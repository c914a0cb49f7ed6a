package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/eluent/eluent/internal/ledger"
	"github.com/eluent/eluent/internal/ledgerstate"
)

// SyncCmd implements the 'sync' command. Without flags it pulls the ledger,
// replays queued offline claims, and mirrors claim state into the working
// tree.
type SyncCmd struct {
	SetupLedger   bool `help:"Create the ledger branch and worktree"`
	LedgerOnly    bool `help:"Pull and push the ledger without reconciling"`
	Reconcile     bool `help:"Replay queued offline claims and exit"`
	Status        bool `help:"Show ledger sync status and recent history"`
	ForceResync   bool `help:"Discard the local ledger worktree and rebuild it"`
	CleanupLedger bool `help:"Remove the ledger worktree and local sync state"`
	Yes           bool `short:"y" help:"Answer yes to confirmation prompts"`
}

func (s *SyncCmd) Run(_ *Global, root *CLI) error {
	cfg, err := root.loadConfig()
	if err != nil {
		return err
	}
	syncer, err := ledger.NewSyncer(root.Repo, cfg)
	if err != nil {
		return claimExitError(err)
	}
	defer syncer.Close()

	ctx := context.Background()
	switch {
	case s.CleanupLedger:
		return s.runCleanup(ctx, syncer)
	case s.SetupLedger:
		return s.runSetup(ctx, syncer)
	case s.ForceResync:
		return s.runForceResync(ctx, syncer)
	case s.LedgerOnly:
		return s.runLedgerOnly(ctx, syncer)
	case s.Reconcile:
		return s.runReconcile(ctx, syncer)
	case s.Status:
		return s.runStatus(ctx, syncer)
	default:
		return s.runSync(ctx, syncer)
	}
}

func (s *SyncCmd) runSetup(ctx context.Context, syncer *ledger.Syncer) error {
	res := syncer.Setup(ctx)
	if res.Err != nil {
		return res.Err
	}
	switch {
	case res.CreatedBranch:
		fmt.Println("Ledger branch created and published; worktree ready.")
	case res.CreatedWorktree:
		fmt.Println("Ledger worktree created from the existing branch.")
	default:
		fmt.Println("Ledger already set up.")
	}
	return nil
}

func (s *SyncCmd) runCleanup(ctx context.Context, syncer *ledger.Syncer) error {
	if !s.Yes && !confirm("Remove the ledger worktree and local sync state? The shared branch is kept") {
		fmt.Println("Aborted.")
		return nil
	}
	if err := syncer.Teardown(ctx); err != nil {
		return err
	}
	fmt.Println("Ledger worktree and local state removed.")
	return nil
}

func (s *SyncCmd) runForceResync(ctx context.Context, syncer *ledger.Syncer) error {
	if !s.Yes && !confirm("Discard the local ledger worktree and rebuild from the remote?") {
		fmt.Println("Aborted.")
		return nil
	}
	if err := syncer.Teardown(ctx); err != nil {
		return err
	}
	res := syncer.Setup(ctx)
	if res.Err != nil {
		return res.Err
	}
	if pull := syncer.PullLedger(ctx); pull.Err != nil {
		return pull.Err
	}
	fmt.Println("Ledger worktree rebuilt.")
	return nil
}

func (s *SyncCmd) runReconcile(ctx context.Context, syncer *ledger.Syncer) error {
	outcomes, err := syncer.ReconcileOfflineClaims(ctx)
	if err != nil {
		return err
	}
	if len(outcomes) == 0 {
		fmt.Println("No offline claims queued.")
		return nil
	}
	for _, o := range outcomes {
		switch {
		case o.Success:
			fmt.Printf("  reconciled %s for %s\n", o.AtomID, o.AgentID)
		case o.Owner != "":
			fmt.Printf("  lost %s to %s\n", o.AtomID, o.Owner)
		default:
			fmt.Printf("  failed %s: %v\n", o.AtomID, o.Err)
		}
	}
	return nil
}

func (s *SyncCmd) runLedgerOnly(ctx context.Context, syncer *ledger.Syncer) error {
	res := syncer.PullLedger(ctx)
	if res.Err != nil {
		return res.Err
	}
	if push := syncer.PushLedger(ctx); push.Err != nil {
		return push.Err
	}
	fmt.Printf("Ledger at %s (%d new commits)\n", shortHash(res.Head), res.ChangesApplied)
	return syncer.SyncToMain(ctx)
}

func (s *SyncCmd) runSync(ctx context.Context, syncer *ledger.Syncer) error {
	res := syncer.PullLedger(ctx)
	if res.Err != nil {
		return res.Err
	}
	fmt.Printf("Ledger at %s (%d new commits)\n", shortHash(res.Head), res.ChangesApplied)

	if syncer.State().HasOfflineClaims() {
		if err := s.runReconcile(ctx, syncer); err != nil {
			return err
		}
	}
	if err := syncer.SyncToMain(ctx); err != nil {
		return err
	}

	push := syncer.PushLedger(ctx)
	if push.Err != nil {
		return push.Err
	}
	return nil
}

func (s *SyncCmd) runStatus(ctx context.Context, syncer *ledger.Syncer) error {
	state, err := syncer.State().Load()
	if err != nil {
		return err
	}

	healthy := syncer.Healthy(ctx)
	fmt.Printf("online:    %v\n", syncer.Online(ctx))
	fmt.Printf("available: %v\n", syncer.Available(ctx))
	fmt.Printf("healthy:   %v\n", healthy)
	fmt.Printf("head:      %s\n", shortHash(state.LedgerHead))
	fmt.Printf("last pull: %s\n", formatStamp(state.LastPullAt))
	fmt.Printf("last push: %s\n", formatStamp(state.LastPushAt))
	fmt.Printf("queued offline claims: %d\n", len(state.OfflineClaims))
	for _, c := range state.OfflineClaims {
		fmt.Printf("  %s by %s at %s\n", c.AtomID, c.AgentID, formatStamp(c.ClaimedAt))
	}

	entries, jerr := syncer.Journal().Recent(ctx, 10)
	if jerr == nil && len(entries) > 0 {
		fmt.Println("recent operations:")
		for _, e := range entries {
			line := fmt.Sprintf("  %s  %-10s %-8s", e.Timestamp.Format(time.RFC3339), e.Operation, e.Outcome)
			if e.AtomID != "" {
				line += " " + e.AtomID
			}
			if e.AgentID != "" {
				line += " (" + e.AgentID + ")"
			}
			fmt.Println(line)
		}
	}

	if !healthy {
		return &ExitError{Code: 1, Message: "ledger is not healthy; try 'eluent sync --setup-ledger' or 'eluent sync --force-resync'"}
	}
	return nil
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	if h == "" {
		return "(none)"
	}
	return h
}

func formatStamp(t ledgerstate.Timestamp) string {
	if t.IsZero() {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}

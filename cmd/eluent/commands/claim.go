package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/eluent/eluent/internal/ledger"
)

// ClaimCmd implements the 'claim' command. Exit codes are stable for
// scripting: 0 claimed, 1 conflict, 2 retries exhausted, 3 not configured,
// 4 atom not found, 5 atom terminal.
type ClaimCmd struct {
	AtomID  string `arg:"" name:"atom-id" help:"Identifier of the work item to claim"`
	AgentID string `help:"Agent identifier (defaults to the host name)"`
	Offline bool   `help:"Claim locally and queue for later reconciliation"`
	Force   bool   `help:"Take over the atom even if another agent holds it"`
}

func (c *ClaimCmd) Run(_ *Global, root *CLI) error {
	cfg, err := root.loadConfig()
	if err != nil {
		return err
	}
	if c.Offline {
		// A deliberate offline claim is the auto-push-disabled path.
		off := false
		cfg.Sync.AutoClaimPush = &off
	}

	s, err := ledger.NewSyncer(root.Repo, cfg)
	if err != nil {
		return claimExitError(err)
	}
	defer s.Close()

	agent := c.AgentID
	if agent == "" {
		agent = ledger.DefaultAgentID()
	}

	var res ledger.ClaimResult
	if c.Force {
		res = s.ForceClaimAndPush(context.Background(), c.AtomID, agent)
	} else {
		res = s.ClaimAndPush(context.Background(), c.AtomID, agent)
	}
	switch {
	case res.Success && res.OfflineClaim:
		fmt.Printf("Claimed %s as %s (offline; queued for reconciliation)\n", c.AtomID, agent)
		return nil
	case res.Success:
		fmt.Printf("Claimed %s as %s", c.AtomID, agent)
		if res.Retries > 0 {
			fmt.Printf(" after %d push rejections", res.Retries)
		}
		fmt.Println()
		return nil
	default:
		return claimExitError(res.Err)
	}
}

// claimExitError maps ledger error kinds onto the documented exit codes.
func claimExitError(err error) error {
	var (
		conflict      *ledger.ClaimConflictError
		maxRetries    *ledger.MaxRetriesExceededError
		notConfigured *ledger.NotConfiguredError
		notFound      *ledger.AtomNotFoundError
		terminal      *ledger.AtomTerminalError
		unhealthy     *ledger.UnhealthyError
	)
	switch {
	case errors.As(err, &conflict):
		return &ExitError{Code: ExitConflict, Message: err.Error()}
	case errors.As(err, &maxRetries):
		return &ExitError{
			Code:    ExitMaxRetries,
			Message: err.Error() + "; the atom is heavily contended, try again or raise sync.claim_retries",
		}
	case errors.As(err, &notConfigured):
		return &ExitError{Code: ExitNotConfigured, Message: err.Error()}
	case errors.As(err, &notFound):
		return &ExitError{Code: ExitNotFound, Message: err.Error()}
	case errors.As(err, &terminal):
		return &ExitError{Code: ExitTerminal, Message: err.Error()}
	case errors.As(err, &unhealthy):
		return fmt.Errorf("%w; try 'eluent sync --setup-ledger' or 'eluent sync --force-resync'", err)
	default:
		return err
	}
}

package commands

import (
	"context"
	"fmt"

	"github.com/eluent/eluent/internal/ledger"
)

// ReleaseCmd implements the 'release' command.
type ReleaseCmd struct {
	AtomID  string `arg:"" name:"atom-id" help:"Identifier of the work item to release"`
	AgentID string `help:"Agent identifier (defaults to the host name)"`
}

func (r *ReleaseCmd) Run(_ *Global, root *CLI) error {
	cfg, err := root.loadConfig()
	if err != nil {
		return err
	}
	s, err := ledger.NewSyncer(root.Repo, cfg)
	if err != nil {
		return claimExitError(err)
	}
	defer s.Close()

	res := s.ReleaseClaim(context.Background(), r.AtomID, r.AgentID)
	if res.Err != nil {
		return claimExitError(res.Err)
	}
	if res.Changed {
		fmt.Printf("Released %s\n", r.AtomID)
	} else {
		fmt.Printf("%s was not claimed; nothing to release\n", r.AtomID)
	}
	return nil
}

// HeartbeatCmd implements the 'heartbeat' command.
type HeartbeatCmd struct {
	AtomID  string `arg:"" name:"atom-id" help:"Identifier of the held work item"`
	AgentID string `help:"Agent identifier (defaults to the host name)"`
}

func (h *HeartbeatCmd) Run(_ *Global, root *CLI) error {
	cfg, err := root.loadConfig()
	if err != nil {
		return err
	}
	s, err := ledger.NewSyncer(root.Repo, cfg)
	if err != nil {
		return claimExitError(err)
	}
	defer s.Close()

	if err := s.Heartbeat(context.Background(), h.AtomID, h.AgentID); err != nil {
		return claimExitError(err)
	}
	fmt.Printf("Heartbeat recorded for %s\n", h.AtomID)
	return nil
}

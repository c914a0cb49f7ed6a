// Package journal persists a local, per-repository log of ledger operations
// (claims, releases, pulls, pushes, reconciliations) so `eluent sync
// --status` can show recent history without touching the git remote. The
// journal is diagnostic only; losing it loses nothing but history.
package journal

import (
	"context"
	"time"
)

// Operation names recorded in the journal.
const (
	OpSetup     = "setup"
	OpTeardown  = "teardown"
	OpPull      = "pull"
	OpPush      = "push"
	OpClaim     = "claim"
	OpRelease   = "release"
	OpHeartbeat = "heartbeat"
	OpReconcile = "reconcile"
	OpSweep     = "stale_sweep"
)

// Entry is one recorded operation.
type Entry struct {
	ID        string // uuid
	Operation string
	AtomID    string
	AgentID   string
	Outcome   string // success | failure | conflict | offline ...
	Detail    string
	Timestamp time.Time
}

// Journal defines the interface for persisting and retrieving entries.
type Journal interface {
	// Record appends a new entry; the ID and timestamp are filled in.
	Record(ctx context.Context, e Entry) error

	// Recent returns the latest n entries, newest first.
	Recent(ctx context.Context, n int) ([]Entry, error)

	// ByAtom returns all entries for one atom, oldest first.
	ByAtom(ctx context.Context, atomID string) ([]Entry, error)

	// Close closes the journal and releases resources.
	Close() error
}

// Noop discards every entry (used when the journal cannot be opened; ledger
// operations must not fail because history cannot be written).
type Noop struct{}

func (Noop) Record(context.Context, Entry) error           { return nil }
func (Noop) Recent(context.Context, int) ([]Entry, error)  { return nil, nil }
func (Noop) ByAtom(context.Context, string) ([]Entry, error) { return nil, nil }
func (Noop) Close() error                                  { return nil }

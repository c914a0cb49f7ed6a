// Package ledger implements the coordination core: a git-backed, shared
// ledger of work-item claims synchronized across agents through a dedicated
// branch and an out-of-tree worktree. All multi-writer coordination happens
// through git's compare-and-set push semantics; there is no server.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/jonboulle/clockwork"

	"github.com/eluent/eluent/internal/config"
	"github.com/eluent/eluent/internal/gitgateway"
	"github.com/eluent/eluent/internal/globalpaths"
	"github.com/eluent/eluent/internal/journal"
	"github.com/eluent/eluent/internal/ledgerstate"
	"github.com/eluent/eluent/internal/logfields"
	"github.com/eluent/eluent/internal/metrics"
)

// lockRetryInterval is how often a blocked ledger operation re-attempts the
// cross-process advisory lock.
const lockRetryInterval = 250 * time.Millisecond

// Syncer owns the ledger worktree for one repository and performs every
// operation that touches it. Operations that mutate the worktree or the
// persisted sync state hold the per-repository advisory lock for their whole
// duration, so concurrent eluent processes on the same host serialize.
type Syncer struct {
	cfg   config.SyncConfig
	gw    *gitgateway.Gateway
	paths *globalpaths.GlobalPaths

	opLock  *flock.Flock
	state   *ledgerstate.Store
	journal journal.Journal
	rec     metrics.Recorder
	clock   clockwork.Clock
	backoff Backoff
}

// Option customizes a Syncer at construction time.
type Option func(*Syncer)

// WithClock injects a clock (fake clocks in tests).
func WithClock(c clockwork.Clock) Option { return func(s *Syncer) { s.clock = c } }

// WithRecorder injects a metrics recorder.
func WithRecorder(r metrics.Recorder) Option { return func(s *Syncer) { s.rec = r } }

// WithJournal injects a journal, overriding the default SQLite one.
func WithJournal(j journal.Journal) Option { return func(s *Syncer) { s.journal = j } }

// WithBackoff overrides the claim retry backoff policy.
func WithBackoff(b Backoff) Option { return func(s *Syncer) { s.backoff = b } }

// NewSyncer builds the syncer for the repository at repoPath using the given
// configuration. It fails with NotConfiguredError when no ledger branch is
// configured, and creates the per-repository global directories as a side
// effect.
func NewSyncer(repoPath string, cfg *config.Config, opts ...Option) (*Syncer, error) {
	if !cfg.Sync.Enabled() {
		return nil, &NotConfiguredError{}
	}
	if err := gitgateway.ValidateBranchName(cfg.Sync.LedgerBranch); err != nil {
		return nil, err
	}

	paths, err := globalpaths.New(cfg.Repository, cfg.Sync.GlobalPathOverride)
	if err != nil {
		return nil, err
	}
	if err := paths.EnsureDirectories(); err != nil {
		return nil, err
	}

	s := &Syncer{
		cfg:     cfg.Sync,
		gw:      gitgateway.New(repoPath),
		paths:   paths,
		backoff: DefaultBackoff(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	if s.rec == nil {
		s.rec = metrics.NoopRecorder{}
	}

	s.opLock = flock.New(paths.LockFile())
	s.state = ledgerstate.NewStore(paths.StateFile(), s.opLock, s.clock)

	if s.journal == nil {
		j, jerr := journal.NewSQLiteJournal(paths.JournalFile(), s.clock)
		if jerr != nil {
			slog.Warn("ledger journal unavailable, history disabled",
				logfields.Path(paths.JournalFile()), logfields.Error(jerr))
			s.journal = journal.Noop{}
		} else {
			s.journal = j
		}
	}
	return s, nil
}

// Close releases resources held by the syncer (the journal database).
func (s *Syncer) Close() error { return s.journal.Close() }

// Paths exposes the resolved global paths (status reporting).
func (s *Syncer) Paths() *globalpaths.GlobalPaths { return s.paths }

// State exposes the persisted sync-state store (status reporting).
func (s *Syncer) State() *ledgerstate.Store { return s.state }

// Journal exposes the operation journal (status reporting).
func (s *Syncer) Journal() journal.Journal { return s.journal }

// DefaultAgentID returns the agent identifier used when the caller supplies
// none: the host name.
func DefaultAgentID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "unknown-agent"
	}
	return host
}

// lock acquires the per-repository advisory lock, retrying until the context
// is done. The returned func releases it.
func (s *Syncer) lock(ctx context.Context) (func(), error) {
	ok, err := s.opLock.TryLockContext(ctx, lockRetryInterval)
	if err != nil {
		return nil, fmt.Errorf("acquire ledger lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("acquire ledger lock: not acquired")
	}
	return func() { _ = s.opLock.Unlock() }, nil
}

// Online reports whether the ledger remote is reachable right now. The probe
// is a ls-remote of the ledger branch and never mutates anything.
func (s *Syncer) Online(ctx context.Context) bool {
	_, err := s.gw.RemoteBranchCommit(ctx, s.cfg.Remote, s.cfg.LedgerBranch, s.cfg.NetworkTimeout())
	return err == nil
}

// Available reports whether the ledger worktree is set up for this
// repository: the worktree directory is registered with git and checked out
// on the ledger branch.
func (s *Syncer) Available(ctx context.Context) bool {
	info, ok := s.registeredWorktree(ctx)
	return ok && info.Branch == s.cfg.LedgerBranch
}

// Healthy reports whether the worktree is available and passes the staleness
// checks (valid HEAD, right branch, registered).
func (s *Syncer) Healthy(ctx context.Context) bool {
	if !s.Available(ctx) {
		return false
	}
	_, stale := s.staleReason(ctx)
	return !stale
}

// registeredWorktree looks the ledger worktree directory up in the
// repository's worktree registry.
func (s *Syncer) registeredWorktree(ctx context.Context) (gitgateway.WorktreeInfo, bool) {
	infos, err := s.gw.WorktreeList(ctx)
	if err != nil {
		return gitgateway.WorktreeInfo{}, false
	}
	want := s.paths.WorktreeDir()
	for _, info := range infos {
		if samePath(info.Path, want) {
			return info, true
		}
	}
	return gitgateway.WorktreeInfo{}, false
}

// samePath compares two paths after symlink resolution; `git worktree list`
// reports resolved paths, which differ from ours on systems where the home
// directory sits behind a symlink.
func samePath(a, b string) bool {
	if a == b {
		return true
	}
	ra, errA := filepath.EvalSymlinks(a)
	rb, errB := filepath.EvalSymlinks(b)
	if errA != nil || errB != nil {
		return false
	}
	return ra == rb
}

// record writes one journal entry, never failing the enclosing operation.
func (s *Syncer) record(ctx context.Context, op, atomID, agentID, outcome, detail string) {
	err := s.journal.Record(ctx, journal.Entry{
		Operation: op,
		AtomID:    atomID,
		AgentID:   agentID,
		Outcome:   outcome,
		Detail:    detail,
	})
	if err != nil {
		slog.Debug("journal write failed", logfields.Operation(op), logfields.Error(err))
	}
}

// normalizeIDs trims surrounding whitespace from both identifiers.
func normalizeIDs(atomID, agentID string) (string, string) {
	return strings.TrimSpace(atomID), strings.TrimSpace(agentID)
}

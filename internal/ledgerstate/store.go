package ledgerstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/jonboulle/clockwork"

	"github.com/eluent/eluent/internal/logfields"
)

// Store owns the state file for one repository. Writes are atomic
// (temp-file + rename) and serialized against other processes on the same
// host through an advisory lock on the dedicated lock file.
type Store struct {
	statePath string
	fileLock  *flock.Flock
	clock     clockwork.Clock

	mu     sync.Mutex
	state  *State
	loaded bool
}

// NewStore creates a store persisting at statePath. The advisory lock is
// shared with the syncer that owns the same repository: flock locks are
// per-process-and-fd, so both must go through one Flock instance or a save
// inside a locked ledger operation would deadlock against itself.
func NewStore(statePath string, fileLock *flock.Flock, clock clockwork.Clock) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{
		statePath: statePath,
		fileLock:  fileLock,
		clock:     clock,
	}
}

// Exists reports whether a state file is present on disk.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.statePath)
	return err == nil
}

// Load returns the current state, reading it from disk on first use.
// A missing file yields defaults. An unparsable file is treated as
// corruption: one warning, the file is deleted, defaults are returned.
// A schema version newer than this build refuses with SchemaTooNewError —
// the only load failure that surfaces.
func (s *Store) Load() (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() (*State, error) {
	if s.loaded {
		return s.state, nil
	}

	data, err := os.ReadFile(s.statePath)
	if errors.Is(err, os.ErrNotExist) {
		s.state = Defaults()
		s.loaded = true
		return s.state, nil
	}
	if err != nil {
		// Unreadable is handled like corruption: reset and continue.
		slog.Warn("ledger state unreadable, resetting", logfields.Path(s.statePath), logfields.Error(err))
		return s.resetLocked(), nil
	}

	var state State
	if jerr := json.Unmarshal(data, &state); jerr != nil {
		slog.Warn("ledger state corrupted, resetting", logfields.Path(s.statePath), logfields.Error(jerr))
		return s.resetLocked(), nil
	}
	if merr := migrate(&state); merr != nil {
		var tooNew *SchemaTooNewError
		if errors.As(merr, &tooNew) {
			return nil, merr
		}
		slog.Warn("ledger state migration failed, resetting", logfields.Path(s.statePath), logfields.Error(merr))
		return s.resetLocked(), nil
	}

	s.state = &state
	s.loaded = true
	return s.state, nil
}

func (s *Store) resetLocked() *State {
	_ = os.Remove(s.statePath)
	s.state = Defaults()
	s.loaded = true
	return s.state
}

// Reset deletes the state file and replaces the in-memory record with
// defaults.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

// Save writes the state atomically: marshal to a sibling temp file, fsync,
// rename over the target. The advisory lock serializes concurrent writers
// on the same host.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	if s.state == nil {
		s.state = Defaults()
		s.loaded = true
	}

	// Skip locking when the enclosing ledger operation already holds the
	// lock through the shared Flock instance.
	if !s.fileLock.Locked() {
		if err := s.fileLock.Lock(); err != nil {
			return fmt.Errorf("acquire state lock: %w", err)
		}
		defer func() { _ = s.fileLock.Unlock() }()
	}

	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ledger state: %w", err)
	}

	tmp := fmt.Sprintf("%s.%d.tmp", s.statePath, os.Getpid())
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	if _, werr := f.Write(data); werr != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("write temp state file: %w", werr)
	}
	if serr := f.Sync(); serr != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("sync temp state file: %w", serr)
	}
	if cerr := f.Close(); cerr != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close temp state file: %w", cerr)
	}
	if rerr := os.Rename(tmp, s.statePath); rerr != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace state file: %w", rerr)
	}
	return nil
}

// Delete removes the state file and lock file from disk (teardown path).
func (s *Store) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = nil
	s.loaded = false
	if err := os.Remove(s.statePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := os.Remove(s.fileLock.Path()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	// Leftover temp files from crashed writers.
	matches, _ := filepath.Glob(s.statePath + ".*.tmp")
	for _, m := range matches {
		_ = os.Remove(m)
	}
	return nil
}

// UpdatePull records a successful pull at head and saves.
func (s *Store) UpdatePull(head string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.loadLocked()
	if err != nil {
		return err
	}
	state.LastPullAt = NewTimestamp(s.clock.Now())
	state.LedgerHead = head
	state.WorktreeValid = true
	return s.saveLocked()
}

// UpdatePush records a successful push at head and saves.
func (s *Store) UpdatePush(head string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.loadLocked()
	if err != nil {
		return err
	}
	state.LastPushAt = NewTimestamp(s.clock.Now())
	state.LedgerHead = head
	return s.saveLocked()
}

// InvalidateWorktree marks the worktree as needing a rebuild and saves.
func (s *Store) InvalidateWorktree() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.loadLocked()
	if err != nil {
		return err
	}
	state.WorktreeValid = false
	return s.saveLocked()
}

// RecordOfflineClaim queues a claim for later reconciliation and saves.
// A second claim for the same atom replaces the earlier one. On overflow
// the oldest entry is dropped with a warning.
func (s *Store) RecordOfflineClaim(atomID, agentID string, claimedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.loadLocked()
	if err != nil {
		return err
	}

	atomID = normalizeID(atomID)
	agentID = normalizeID(agentID)

	// Most-recent-wins per atom.
	filtered := state.OfflineClaims[:0]
	for _, c := range state.OfflineClaims {
		if c.AtomID != atomID {
			filtered = append(filtered, c)
		}
	}
	state.OfflineClaims = append(filtered, OfflineClaim{
		AtomID:    atomID,
		AgentID:   agentID,
		ClaimedAt: NewTimestamp(claimedAt),
	})

	if over := len(state.OfflineClaims) - MaxOfflineClaims; over > 0 {
		slog.Warn("offline claim queue full, dropping oldest entries",
			slog.Int("dropped", over))
		state.OfflineClaims = state.OfflineClaims[over:]
	}
	return s.saveLocked()
}

// ClearOfflineClaim removes the queued claim for atomID (if any) and saves.
func (s *Store) ClearOfflineClaim(atomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.loadLocked()
	if err != nil {
		return err
	}
	atomID = normalizeID(atomID)
	filtered := state.OfflineClaims[:0]
	for _, c := range state.OfflineClaims {
		if c.AtomID != atomID {
			filtered = append(filtered, c)
		}
	}
	if len(filtered) == len(state.OfflineClaims) {
		return nil
	}
	state.OfflineClaims = filtered
	return s.saveLocked()
}

// OfflineClaims returns a copy of the queued claims.
func (s *Store) OfflineClaims() ([]OfflineClaim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	out := make([]OfflineClaim, len(state.OfflineClaims))
	copy(out, state.OfflineClaims)
	return out, nil
}

// HasOfflineClaims reports whether any claims await reconciliation.
func (s *Store) HasOfflineClaims() bool {
	claims, err := s.OfflineClaims()
	return err == nil && len(claims) > 0
}

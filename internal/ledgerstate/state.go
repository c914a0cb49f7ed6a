// Package ledgerstate persists per-repository sync metadata: last pull/push
// timestamps, the last known ledger head, a worktree-validity flag, and a
// bounded queue of claims made while the remote was unreachable.
//
// The state file is advisory metadata, never the source of truth — the
// ledger branch on the remote is authoritative. Corruption therefore resets
// to defaults instead of failing any operation.
package ledgerstate

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// CurrentSchemaVersion is written with every record. Version 1 predates the
// offline-claim queue rename and is migrated forward on load.
const CurrentSchemaVersion = 2

// MaxOfflineClaims bounds the queue; the oldest entries are dropped on
// overflow. The queue is best-effort, not authoritative.
const MaxOfflineClaims = 1000

// maxIDLength truncates atom and agent identifiers before storage.
const maxIDLength = 256

// OfflineClaim is a claim performed while the remote was unreachable,
// awaiting reconciliation.
type OfflineClaim struct {
	AtomID    string    `json:"atom_id"`
	AgentID   string    `json:"agent_id"`
	ClaimedAt Timestamp `json:"claimed_at"`
}

// State is the persisted record.
type State struct {
	SchemaVersion int            `json:"schema_version"`
	LastPullAt    Timestamp      `json:"last_pull_at,omitempty"`
	LastPushAt    Timestamp      `json:"last_push_at,omitempty"`
	LedgerHead    string         `json:"ledger_head,omitempty"`
	WorktreeValid bool           `json:"worktree_valid"`
	OfflineClaims []OfflineClaim `json:"offline_claims,omitempty"`

	// QueuedClaims is the schema-v1 name of the offline queue, read only
	// during migration.
	QueuedClaims []OfflineClaim `json:"queued_claims,omitempty"`
}

// Timestamp is an ISO-8601 UTC time that tolerates invalid stored values:
// anything unparsable loads as the zero time instead of failing the record.
type Timestamp struct {
	time.Time
}

// NewTimestamp normalizes t to UTC.
func NewTimestamp(t time.Time) Timestamp { return Timestamp{t.UTC()} }

func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if ts.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(ts.UTC().Format(time.RFC3339Nano))
}

func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		ts.Time = time.Time{}
		return nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		ts.Time = time.Time{}
		return nil
	}
	ts.Time = parsed.UTC()
	return nil
}

// Defaults returns a fresh state record.
func Defaults() *State {
	return &State{SchemaVersion: CurrentSchemaVersion, WorktreeValid: true}
}

// SchemaTooNewError reports a state file written by a newer eluent.
type SchemaTooNewError struct {
	Found   int
	Current int
}

func (e *SchemaTooNewError) Error() string {
	return fmt.Sprintf("ledger state schema version %d is newer than supported version %d; upgrade eluent", e.Found, e.Current)
}

// migrate runs forward migrations until the record is at the current
// version. A newer-than-supported version is refused.
func migrate(s *State) error {
	if s.SchemaVersion == 0 {
		s.SchemaVersion = 1
	}
	if s.SchemaVersion > CurrentSchemaVersion {
		return &SchemaTooNewError{Found: s.SchemaVersion, Current: CurrentSchemaVersion}
	}
	for s.SchemaVersion < CurrentSchemaVersion {
		switch s.SchemaVersion {
		case 1:
			// v1 stored the offline queue under "queued_claims".
			if len(s.OfflineClaims) == 0 && len(s.QueuedClaims) > 0 {
				s.OfflineClaims = s.QueuedClaims
			}
			s.QueuedClaims = nil
			s.SchemaVersion = 2
		}
	}
	s.QueuedClaims = nil
	return nil
}

// normalizeID trims whitespace and truncates to the documented maximum.
func normalizeID(id string) string {
	id = strings.TrimSpace(id)
	if len(id) > maxIDLength {
		id = id[:maxIDLength]
	}
	return id
}

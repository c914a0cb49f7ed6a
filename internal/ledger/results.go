package ledger

// Value records returned to callers. Fields are fully populated by the
// producer; the Err field carries the typed error kinds from errors.go (or
// gitgateway) on failure.

// ClaimResult is the outcome of ClaimAndPush.
type ClaimResult struct {
	Success bool
	Err     error
	// ClaimedBy names the owner: the requesting agent on success, the
	// current holder on conflict.
	ClaimedBy string
	// Retries counts the remote push rejections observed.
	Retries int
	// OfflineClaim marks a claim applied locally while the remote was
	// unreachable, queued for reconciliation.
	OfflineClaim bool
}

// SetupResult distinguishes first-time initialization from idempotent
// re-invocation.
type SetupResult struct {
	Success         bool
	Err             error
	CreatedBranch   bool
	CreatedWorktree bool
}

// SyncResult is the outcome of pull/push operations.
type SyncResult struct {
	Success        bool
	Err            error
	Head           string
	ChangesApplied int
	Conflicts      []string
}

// ReconcileOutcome reports the result of replaying one offline claim.
type ReconcileOutcome struct {
	AtomID  string
	AgentID string
	Success bool
	Err     error
	// Owner is set when the atom was claimed by someone else while offline.
	Owner string
}

// ReleaseResult is the outcome of ReleaseClaim.
type ReleaseResult struct {
	Success bool
	Err     error
	// Changed is false when the release was an idempotent no-op (atom
	// already open, or terminal and left alone).
	Changed bool
}

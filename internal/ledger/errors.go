package ledger

import "fmt"

// Typed error kinds surfaced through result records. Callers classify with
// errors.As, never by string matching.

// AtomNotFoundError reports an atom absent from the ledger at read time.
type AtomNotFoundError struct {
	AtomID string
}

func (e *AtomNotFoundError) Error() string {
	return fmt.Sprintf("atom %s not found in ledger", e.AtomID)
}

// AtomTerminalError reports a claim against a closed or discarded atom.
type AtomTerminalError struct {
	AtomID string
	Status string
}

func (e *AtomTerminalError) Error() string {
	return fmt.Sprintf("cannot claim atom %s in %s state", e.AtomID, e.Status)
}

// ClaimConflictError reports that another agent currently holds the claim.
type ClaimConflictError struct {
	AtomID string
	Owner  string
}

func (e *ClaimConflictError) Error() string {
	return fmt.Sprintf("atom %s already claimed by %s", e.AtomID, e.Owner)
}

// MaxRetriesExceededError reports an exhausted optimistic-locking budget.
type MaxRetriesExceededError struct {
	AtomID  string
	Retries int
}

func (e *MaxRetriesExceededError) Error() string {
	return fmt.Sprintf("max retries exceeded claiming atom %s (%d attempts)", e.AtomID, e.Retries)
}

// NotConfiguredError reports that the ledger feature is disabled (no
// sync.ledger_branch configured).
type NotConfiguredError struct{}

func (e *NotConfiguredError) Error() string {
	return "ledger sync is not configured: set sync.ledger_branch"
}

// UnhealthyError reports a worktree or state that could not be brought to a
// valid condition, even after self-heal.
type UnhealthyError struct {
	Reason string
	Err    error
}

func (e *UnhealthyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ledger unhealthy: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("ledger unhealthy: %s", e.Reason)
}
func (e *UnhealthyError) Unwrap() error { return e.Err }

// NetworkUnreachableError reports that the remote could not be probed
// within the configured timeout.
type NetworkUnreachableError struct {
	Remote string
	Err    error
}

func (e *NetworkUnreachableError) Error() string {
	return fmt.Sprintf("remote %s unreachable: %v", e.Remote, e.Err)
}
func (e *NetworkUnreachableError) Unwrap() error { return e.Err }

package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeyAtom       = "atom_id"
	KeyAgent      = "agent_id"
	KeyBranch     = "branch"
	KeyRemote     = "remote"
	KeyRepo       = "repository"
	KeyPath       = "path"
	KeyHead       = "head"
	KeyAttempt    = "attempt"
	KeyDurationMS = "duration_ms"
	KeyOperation  = "operation"
	KeyError      = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func Atom(id string) slog.Attr        { return slog.String(KeyAtom, id) }
func Agent(id string) slog.Attr       { return slog.String(KeyAgent, id) }
func Branch(b string) slog.Attr       { return slog.String(KeyBranch, b) }
func Remote(r string) slog.Attr       { return slog.String(KeyRemote, r) }
func Repository(r string) slog.Attr   { return slog.String(KeyRepo, r) }
func Path(p string) slog.Attr         { return slog.String(KeyPath, p) }
func Head(h string) slog.Attr         { return slog.String(KeyHead, h) }
func Attempt(n int) slog.Attr         { return slog.Int(KeyAttempt, n) }
func DurationMS(ms float64) slog.Attr { return slog.Float64(KeyDurationMS, ms) }
func Operation(op string) slog.Attr   { return slog.String(KeyOperation, op) }
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}

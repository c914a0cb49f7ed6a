// Package metrics defines observability hooks for ledger operations.
package metrics

import "time"

// ClaimOutcome enumerates claim result categories for counters.
type ClaimOutcome string

const (
	OutcomeSuccess    ClaimOutcome = "success"
	OutcomeConflict   ClaimOutcome = "conflict"
	OutcomeNotFound   ClaimOutcome = "not_found"
	OutcomeTerminal   ClaimOutcome = "terminal"
	OutcomeMaxRetries ClaimOutcome = "max_retries"
	OutcomeOffline    ClaimOutcome = "offline"
	OutcomeError      ClaimOutcome = "error"
)

// Recorder defines observability hooks for ledger sync and claim metrics.
// Implementations may forward to Prometheus, OpenTelemetry, etc. The
// NoopRecorder allows optional injection.
type Recorder interface {
	IncClaimOutcome(outcome ClaimOutcome)
	ObserveClaimRetries(retries int)
	ObservePullDuration(d time.Duration, success bool)
	ObservePushDuration(d time.Duration, success bool)
	IncPushRejected()
	IncWorktreeRebuild()
	SetOfflineQueueDepth(n int)
}

// NoopRecorder is a Recorder that does nothing (default when metrics not configured).
type NoopRecorder struct{}

func (NoopRecorder) IncClaimOutcome(ClaimOutcome)                {}
func (NoopRecorder) ObserveClaimRetries(int)                     {}
func (NoopRecorder) ObservePullDuration(time.Duration, bool)     {}
func (NoopRecorder) ObservePushDuration(time.Duration, bool)     {}
func (NoopRecorder) IncPushRejected()                            {}
func (NoopRecorder) IncWorktreeRebuild()                         {}
func (NoopRecorder) SetOfflineQueueDepth(int)                    {}

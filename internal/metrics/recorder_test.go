package metrics

import (
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoopRecorderIsSafe(t *testing.T) {
	var r Recorder = NoopRecorder{}
	r.IncClaimOutcome(OutcomeSuccess)
	r.ObserveClaimRetries(3)
	r.ObservePullDuration(time.Second, true)
	r.ObservePushDuration(time.Second, false)
	r.IncPushRejected()
	r.IncWorktreeRebuild()
	r.SetOfflineQueueDepth(5)
}

func TestPrometheusRecorderRegistersAndCounts(t *testing.T) {
	reg := prom.NewRegistry()
	pr := NewPrometheusRecorder(reg)

	pr.IncClaimOutcome(OutcomeSuccess)
	pr.IncClaimOutcome(OutcomeConflict)
	pr.IncClaimOutcome(OutcomeConflict)
	pr.ObserveClaimRetries(2)
	pr.ObservePullDuration(120*time.Millisecond, true)
	pr.ObservePushDuration(80*time.Millisecond, false)
	pr.IncPushRejected()
	pr.IncWorktreeRebuild()
	pr.SetOfflineQueueDepth(7)

	families, err := reg.Gather()
	require.NoError(t, err)

	byName := map[string]bool{}
	for _, mf := range families {
		byName[mf.GetName()] = true
	}
	for _, name := range []string{
		"eluent_claim_outcomes_total",
		"eluent_claim_retries",
		"eluent_ledger_pull_duration_seconds",
		"eluent_ledger_push_duration_seconds",
		"eluent_push_rejected_total",
		"eluent_worktree_rebuilds_total",
		"eluent_offline_claims_queued",
	} {
		assert.True(t, byName[name], "metric %s should be registered", name)
	}
}

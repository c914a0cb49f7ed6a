package metrics

import (
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	once            sync.Once
	claimOutcomes   *prom.CounterVec
	claimRetries    prom.Histogram
	pullDuration    *prom.HistogramVec
	pushDuration    *prom.HistogramVec
	pushRejected    prom.Counter
	worktreeRebuild prom.Counter
	offlineQueue    prom.Gauge
}

// NewPrometheusRecorder constructs and registers Prometheus metrics (idempotent).
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{}
	pr.once.Do(func() {
		pr.claimOutcomes = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "eluent",
			Name:      "claim_outcomes_total",
			Help:      "Claim results by outcome",
		}, []string{"outcome"})
		pr.claimRetries = prom.NewHistogram(prom.HistogramOpts{
			Namespace: "eluent",
			Name:      "claim_retries",
			Help:      "Push rejections observed per claim operation",
			Buckets:   []float64{0, 1, 2, 3, 5, 10, 25, 50, 100},
		})
		pr.pullDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "eluent",
			Name:      "ledger_pull_duration_seconds",
			Help:      "Duration of ledger pull operations",
			Buckets:   prom.DefBuckets,
		}, []string{"result"})
		pr.pushDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "eluent",
			Name:      "ledger_push_duration_seconds",
			Help:      "Duration of ledger push operations",
			Buckets:   prom.DefBuckets,
		}, []string{"result"})
		pr.pushRejected = prom.NewCounter(prom.CounterOpts{
			Namespace: "eluent",
			Name:      "push_rejected_total",
			Help:      "Non-fast-forward push rejections (lost claim races)",
		})
		pr.worktreeRebuild = prom.NewCounter(prom.CounterOpts{
			Namespace: "eluent",
			Name:      "worktree_rebuilds_total",
			Help:      "Stale worktree self-heal rebuilds",
		})
		pr.offlineQueue = prom.NewGauge(prom.GaugeOpts{
			Namespace: "eluent",
			Name:      "offline_claims_queued",
			Help:      "Offline claims awaiting reconciliation",
		})
		reg.MustRegister(pr.claimOutcomes, pr.claimRetries, pr.pullDuration,
			pr.pushDuration, pr.pushRejected, pr.worktreeRebuild, pr.offlineQueue)
	})
	return pr
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

func (pr *PrometheusRecorder) IncClaimOutcome(outcome ClaimOutcome) {
	pr.claimOutcomes.WithLabelValues(string(outcome)).Inc()
}

func (pr *PrometheusRecorder) ObserveClaimRetries(retries int) {
	pr.claimRetries.Observe(float64(retries))
}

func (pr *PrometheusRecorder) ObservePullDuration(d time.Duration, success bool) {
	pr.pullDuration.WithLabelValues(resultLabel(success)).Observe(d.Seconds())
}

func (pr *PrometheusRecorder) ObservePushDuration(d time.Duration, success bool) {
	pr.pushDuration.WithLabelValues(resultLabel(success)).Observe(d.Seconds())
}

func (pr *PrometheusRecorder) IncPushRejected() { pr.pushRejected.Inc() }

func (pr *PrometheusRecorder) IncWorktreeRebuild() { pr.worktreeRebuild.Inc() }

func (pr *PrometheusRecorder) SetOfflineQueueDepth(n int) { pr.offlineQueue.Set(float64(n)) }

// Package daemon runs background ledger maintenance: periodic pulls,
// offline-claim reconciliation, and mirroring of claim state into the
// primary working tree, for one or more repositories. Configuration changes
// are picked up without a restart, and claim metrics can be exposed over
// Prometheus.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eluent/eluent/internal/config"
	"github.com/eluent/eluent/internal/logfields"
	"github.com/eluent/eluent/internal/metrics"
)

// Daemon coordinates background sync for a set of repositories.
type Daemon struct {
	repoPaths []string
	cfg       *config.Config

	cache     *SyncerCache
	scheduler gocron.Scheduler
	watchers  []*ConfigWatcher
	rec       metrics.Recorder
	registry  *prom.Registry
	httpSrv   *http.Server

	mu sync.Mutex
}

// New builds a daemon for the given repositories. Daemon-level settings
// (pull interval, cache size, metrics listener) come from the first
// repository's configuration.
func New(repoPaths []string) (*Daemon, error) {
	if len(repoPaths) == 0 {
		return nil, fmt.Errorf("daemon needs at least one repository path")
	}
	cfg, err := config.Load(filepath.Join(repoPaths[0], config.DefaultConfigPath))
	if err != nil {
		return nil, err
	}

	d := &Daemon{repoPaths: repoPaths, cfg: cfg}

	if cfg.Metrics.Enabled {
		d.registry = prom.NewRegistry()
		d.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		d.rec = metrics.NewPrometheusRecorder(d.registry)
	} else {
		d.rec = metrics.NoopRecorder{}
	}

	cache, err := NewSyncerCache(cfg.Daemon.SyncerCacheSize, d.rec)
	if err != nil {
		return nil, err
	}
	d.cache = cache

	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	d.scheduler = sched
	return d, nil
}

// Run starts the daemon and blocks until the context is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	slog.Info("ledger daemon starting",
		slog.Int("repositories", len(d.repoPaths)),
		slog.Duration("pull_interval", d.cfg.Daemon.PullInterval))

	if interval := d.cfg.Daemon.PullInterval; interval > 0 {
		_, err := d.scheduler.NewJob(
			gocron.DurationJob(interval),
			gocron.NewTask(d.syncAll, ctx),
			gocron.WithName("ledger-pull"),
		)
		if err != nil {
			return fmt.Errorf("schedule ledger pulls: %w", err)
		}
	}

	for _, repo := range d.repoPaths {
		watcher, err := NewConfigWatcher(repo, func(wctx context.Context) {
			slog.Info("configuration changed, rebuilding syncer", logfields.Repository(repo))
			d.cache.Evict(repo)
			d.syncRepo(wctx, repo)
		})
		if err != nil {
			return err
		}
		if err := watcher.Start(ctx); err != nil {
			return err
		}
		d.watchers = append(d.watchers, watcher)
	}

	if d.cfg.Metrics.Enabled {
		d.startMetricsServer()
	}

	d.scheduler.Start()
	d.syncAll(ctx)

	<-ctx.Done()
	return d.shutdown()
}

// syncAll runs one maintenance round across every managed repository.
func (d *Daemon) syncAll(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, repo := range d.repoPaths {
		d.syncRepoLocked(ctx, repo)
	}
}

func (d *Daemon) syncRepo(ctx context.Context, repo string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.syncRepoLocked(ctx, repo)
}

// syncRepoLocked pulls the ledger, replays any queued offline claims, and
// mirrors the data into the working tree. Repositories whose ledger is not
// set up are skipped: setup stays an explicit user action.
func (d *Daemon) syncRepoLocked(ctx context.Context, repo string) {
	s, err := d.cache.Get(repo)
	if err != nil {
		slog.Warn("cannot sync repository", logfields.Repository(repo), logfields.Error(err))
		return
	}
	if !s.Available(ctx) {
		slog.Debug("ledger not set up, skipping", logfields.Repository(repo))
		return
	}

	if res := s.PullLedger(ctx); res.Err != nil {
		slog.Warn("scheduled pull failed", logfields.Repository(repo), logfields.Error(res.Err))
		return
	}

	if s.State().HasOfflineClaims() && s.Online(ctx) {
		outcomes, rerr := s.ReconcileOfflineClaims(ctx)
		if rerr != nil {
			slog.Warn("offline claim reconciliation failed",
				logfields.Repository(repo), logfields.Error(rerr))
		} else if len(outcomes) > 0 {
			slog.Info("reconciled offline claims",
				logfields.Repository(repo), slog.Int("count", len(outcomes)))
		}
	}

	if err := s.SyncToMain(ctx); err != nil {
		slog.Warn("could not mirror ledger into working tree",
			logfields.Repository(repo), logfields.Error(err))
	}
}

func (d *Daemon) startMetricsServer() {
	addr := d.cfg.Metrics.Listen
	if addr == "" {
		addr = ":9167"
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{}))
	d.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("metrics listener started", slog.String("addr", d.httpSrv.Addr))
		if err := d.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics listener failed", logfields.Error(err))
		}
	}()
}

func (d *Daemon) shutdown() error {
	slog.Info("ledger daemon stopping")

	for _, w := range d.watchers {
		w.Stop()
	}
	if err := d.scheduler.Shutdown(); err != nil {
		slog.Error("scheduler shutdown failed", logfields.Error(err))
	}
	if d.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.httpSrv.Shutdown(shutdownCtx); err != nil {
			slog.Error("metrics listener shutdown failed", logfields.Error(err))
		}
	}
	d.cache.Purge()
	return nil
}

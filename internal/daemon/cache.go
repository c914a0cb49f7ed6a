package daemon

import (
	"fmt"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/eluent/eluent/internal/config"
	"github.com/eluent/eluent/internal/ledger"
	"github.com/eluent/eluent/internal/metrics"
)

// SyncerCache keeps one syncer per managed repository, bounded by an LRU.
// Evicted syncers are closed so journal handles do not pile up when the
// daemon watches many repositories.
type SyncerCache struct {
	mu  sync.Mutex
	lru *lru.Cache[string, *ledger.Syncer]
	rec metrics.Recorder
}

// NewSyncerCache builds a cache holding at most size syncers.
func NewSyncerCache(size int, rec metrics.Recorder) (*SyncerCache, error) {
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	c := &SyncerCache{rec: rec}
	l, err := lru.NewWithEvict(size, func(_ string, s *ledger.Syncer) {
		_ = s.Close()
	})
	if err != nil {
		return nil, fmt.Errorf("create syncer cache: %w", err)
	}
	c.lru = l
	return c, nil
}

// Get returns the cached syncer for the repository, constructing one from
// the repository's configuration on a miss.
func (c *SyncerCache) Get(repoPath string) (*ledger.Syncer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.lru.Get(repoPath); ok {
		return s, nil
	}
	cfg, err := config.Load(filepath.Join(repoPath, config.DefaultConfigPath))
	if err != nil {
		return nil, err
	}
	s, err := ledger.NewSyncer(repoPath, cfg, ledger.WithRecorder(c.rec))
	if err != nil {
		return nil, err
	}
	c.lru.Add(repoPath, s)
	return s, nil
}

// Evict drops (and closes) the cached syncer for the repository. The next
// Get rebuilds it from the current configuration.
func (c *SyncerCache) Evict(repoPath string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(repoPath)
}

// Len returns the number of cached syncers.
func (c *SyncerCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Purge closes every cached syncer.
func (c *SyncerCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

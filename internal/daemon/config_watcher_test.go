package daemon

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigWatcherDebouncesBursts(t *testing.T) {
	repo := t.TempDir()
	cfgDir := filepath.Join(repo, ".eluent")
	require.NoError(t, os.MkdirAll(cfgDir, 0o755))
	cfgPath := filepath.Join(cfgDir, "config.yml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("sync: {}\n"), 0o644))

	var fired atomic.Int32
	cw, err := NewConfigWatcher(repo, func(context.Context) { fired.Add(1) })
	require.NoError(t, err)
	cw.debounceTime = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, cw.Start(ctx))
	defer cw.Stop()

	// A burst of writes collapses into one callback.
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(cfgPath, []byte("sync: {}\n"), 0o644))
		time.Sleep(5 * time.Millisecond)
	}

	assert.Eventually(t, func() bool {
		return fired.Load() >= 1
	}, 2*time.Second, 20*time.Millisecond)
	assert.LessOrEqual(t, fired.Load(), int32(2))
}

func TestConfigWatcherIgnoresOtherFiles(t *testing.T) {
	repo := t.TempDir()
	cfgDir := filepath.Join(repo, ".eluent")
	require.NoError(t, os.MkdirAll(cfgDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cfgDir, "config.yml"), []byte("sync: {}\n"), 0o644))

	var fired atomic.Int32
	cw, err := NewConfigWatcher(repo, func(context.Context) { fired.Add(1) })
	require.NoError(t, err)
	cw.debounceTime = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, cw.Start(ctx))
	defer cw.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(cfgDir, "data.jsonl"), []byte("{}\n"), 0o644))

	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, fired.Load())
}

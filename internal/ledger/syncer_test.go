package ledger

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eluent/eluent/internal/config"
	"github.com/eluent/eluent/internal/journal"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
}

func gitCmd(t *testing.T, dir string, args ...string) string {
	t.Helper()
	base := []string{
		"-C", dir,
		"-c", "user.name=test",
		"-c", "user.email=test@example.com",
		"-c", "init.defaultBranch=main",
	}
	cmd := exec.Command("git", append(base, args...)...)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
	return string(out)
}

const seedData = `{"id":"el-0001","status":"open","assignee":null,"title":"first"}
{"id":"el-0002","status":"open","assignee":null,"title":"second"}
{"id":"el-0003","status":"closed","assignee":null,"title":"done"}
`

type testEnv struct {
	base string
	bare string
	repo string
	cfg  *config.Config
	s    *Syncer
}

// newTestEnv builds a working repository with a committed ledger data file,
// a bare origin, and a syncer with an isolated global root.
func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	requireGit(t)

	base := t.TempDir()
	bare := filepath.Join(base, "remote.git")
	repo := filepath.Join(base, "repo")
	require.NoError(t, os.MkdirAll(bare, 0o755))
	require.NoError(t, os.MkdirAll(repo, 0o755))

	gitCmd(t, bare, "init", "--bare")
	gitCmd(t, repo, "init")
	require.NoError(t, os.MkdirAll(filepath.Join(repo, ".eluent"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(repo, ".eluent", "data.jsonl"), []byte(seedData), 0o644))
	gitCmd(t, repo, "add", ".")
	gitCmd(t, repo, "commit", "-m", "initial")
	gitCmd(t, repo, "remote", "add", "origin", bare)
	gitCmd(t, repo, "push", "origin", "main")

	env := &testEnv{base: base, bare: bare, repo: repo}
	env.cfg = testConfig("repo", filepath.Join(base, "home"))
	env.s = newEnvSyncer(t, repo, env.cfg, opts...)
	return env
}

func testConfig(name, home string) *config.Config {
	return &config.Config{
		Repository: name,
		Sync: config.SyncConfig{
			LedgerBranch:          "eluent-sync",
			Remote:                "origin",
			ClaimRetries:          5,
			NetworkTimeoutSeconds: 30,
			OfflineMode:           config.OfflineLocal,
			GlobalPathOverride:    home,
		},
	}
}

func newEnvSyncer(t *testing.T, repo string, cfg *config.Config, opts ...Option) *Syncer {
	t.Helper()
	opts = append([]Option{
		WithJournal(journal.Noop{}),
		WithBackoff(Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond}),
	}, opts...)
	s, err := NewSyncer(repo, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// secondAgent clones the env's origin into an independent repository with
// its own global root and syncer.
func (e *testEnv) secondAgent(t *testing.T) *Syncer {
	t.Helper()
	gitCmd(t, e.base, "clone", e.bare, "repo2")
	cfg := testConfig("repo2", filepath.Join(e.base, "home2"))
	return newEnvSyncer(t, filepath.Join(e.base, "repo2"), cfg)
}

func (e *testEnv) worktreeData(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile(dataFilePath(e.s.Paths().WorktreeDir()))
	require.NoError(t, err)
	return string(data)
}

func (e *testEnv) breakRemote(t *testing.T) {
	t.Helper()
	gitCmd(t, e.repo, "remote", "set-url", "origin", filepath.Join(e.base, "no-such-remote.git"))
}

func (e *testEnv) restoreRemote(t *testing.T) {
	t.Helper()
	gitCmd(t, e.repo, "remote", "set-url", "origin", e.bare)
}

func TestSyncerNotConfigured(t *testing.T) {
	cfg := &config.Config{Repository: "repo"}
	_, err := NewSyncer(t.TempDir(), cfg)
	var notConfigured *NotConfiguredError
	require.ErrorAs(t, err, &notConfigured)
}

func TestSyncerSetup(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res := env.s.Setup(ctx)
	require.NoError(t, res.Err)
	assert.True(t, res.Success)
	assert.True(t, res.CreatedBranch)
	assert.True(t, res.CreatedWorktree)

	// Branch published, worktree registered and seeded from the working tree.
	out := gitCmd(t, env.repo, "ls-remote", "--heads", "origin", "eluent-sync")
	assert.NotEmpty(t, strings.TrimSpace(out))
	assert.True(t, env.s.Available(ctx))
	assert.True(t, env.s.Healthy(ctx))
	assert.Contains(t, env.worktreeData(t), "el-0001")

	// Primary working tree came back to its original branch.
	branch := strings.TrimSpace(gitCmd(t, env.repo, "rev-parse", "--abbrev-ref", "HEAD"))
	assert.Equal(t, "main", branch)

	// Second run is an idempotent no-op.
	again := env.s.Setup(ctx)
	require.NoError(t, again.Err)
	assert.True(t, again.Success)
	assert.False(t, again.CreatedBranch)
	assert.False(t, again.CreatedWorktree)
}

func TestSyncerSetupAdoptsRemoteBranch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.s.Setup(ctx).Err)

	other := env.secondAgent(t)
	res := other.Setup(ctx)
	require.NoError(t, res.Err)
	assert.False(t, res.CreatedBranch, "branch already exists on the remote")
	assert.True(t, res.CreatedWorktree)
	assert.True(t, other.Available(ctx))
}

func TestSyncerClaimUncontended(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.s.Setup(ctx).Err)

	res := env.s.ClaimAndPush(ctx, "el-0001", "agent-a")
	require.NoError(t, res.Err)
	assert.True(t, res.Success)
	assert.Equal(t, "agent-a", res.ClaimedBy)
	assert.Zero(t, res.Retries)
	assert.False(t, res.OfflineClaim)

	view, found, err := readAtom(dataFilePath(env.s.Paths().WorktreeDir()), "el-0001")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, StatusInProgress, view.Status)
	assert.Equal(t, "agent-a", view.Assignee)

	// The claim is on the remote: head of the remote branch matches ours.
	remote := strings.Fields(gitCmd(t, env.repo, "ls-remote", "--heads", "origin", "eluent-sync"))[0]
	state, err := env.s.State().Load()
	require.NoError(t, err)
	assert.Equal(t, remote, state.LedgerHead)
}

func TestSyncerClaimConflict(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.s.Setup(ctx).Err)

	other := env.secondAgent(t)
	require.NoError(t, other.Setup(ctx).Err)

	require.True(t, env.s.ClaimAndPush(ctx, "el-0001", "agent-a").Success)

	res := other.ClaimAndPush(ctx, "el-0001", "agent-b")
	var conflict *ClaimConflictError
	require.ErrorAs(t, res.Err, &conflict)
	assert.Equal(t, "agent-a", conflict.Owner)
	assert.Equal(t, "agent-a", res.ClaimedBy)
	assert.False(t, res.Success)
}

func TestSyncerForceClaimTakesOver(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.s.Setup(ctx).Err)

	other := env.secondAgent(t)
	require.NoError(t, other.Setup(ctx).Err)

	require.True(t, env.s.ClaimAndPush(ctx, "el-0001", "agent-a").Success)

	res := other.ForceClaimAndPush(ctx, "el-0001", "agent-b")
	require.NoError(t, res.Err)
	assert.True(t, res.Success)
	assert.Equal(t, "agent-b", res.ClaimedBy)

	// The takeover is visible to the original owner after a pull.
	require.NoError(t, env.s.PullLedger(ctx).Err)
	view, found, err := readAtom(dataFilePath(env.s.Paths().WorktreeDir()), "el-0001")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "agent-b", view.Assignee)
}

func TestSyncerClaimIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.s.Setup(ctx).Err)

	require.True(t, env.s.ClaimAndPush(ctx, "el-0001", "agent-a").Success)

	res := env.s.ClaimAndPush(ctx, "el-0001", "agent-a")
	require.NoError(t, res.Err)
	assert.True(t, res.Success)
	assert.Zero(t, res.Retries)
}

func TestSyncerClaimNotFound(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.s.Setup(ctx).Err)

	res := env.s.ClaimAndPush(ctx, "el-9999", "agent-a")
	var notFound *AtomNotFoundError
	require.ErrorAs(t, res.Err, &notFound)
}

func TestSyncerClaimTerminal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.s.Setup(ctx).Err)

	res := env.s.ClaimAndPush(ctx, "el-0003", "agent-a")
	var terminal *AtomTerminalError
	require.ErrorAs(t, res.Err, &terminal)
	assert.Equal(t, StatusClosed, terminal.Status)
}

func TestSyncerRelease(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.s.Setup(ctx).Err)
	require.True(t, env.s.ClaimAndPush(ctx, "el-0001", "agent-a").Success)

	res := env.s.ReleaseClaim(ctx, "el-0001", "agent-a")
	require.NoError(t, res.Err)
	assert.True(t, res.Success)
	assert.True(t, res.Changed)

	view, found, err := readAtom(dataFilePath(env.s.Paths().WorktreeDir()), "el-0001")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, StatusOpen, view.Status)
	assert.Empty(t, view.Assignee)

	// Releasing an open atom is a no-op success.
	again := env.s.ReleaseClaim(ctx, "el-0001", "agent-a")
	require.NoError(t, again.Err)
	assert.True(t, again.Success)
	assert.False(t, again.Changed)

	// Terminal atoms stay untouched.
	terminal := env.s.ReleaseClaim(ctx, "el-0003", "agent-a")
	require.NoError(t, terminal.Err)
	assert.False(t, terminal.Changed)

	missing := env.s.ReleaseClaim(ctx, "el-9999", "agent-a")
	var notFound *AtomNotFoundError
	require.ErrorAs(t, missing.Err, &notFound)
}

func TestSyncerReleaseRequiresRemote(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.s.Setup(ctx).Err)
	require.True(t, env.s.ClaimAndPush(ctx, "el-0001", "agent-a").Success)

	// With the remote gone the release must fail rather than commit to the
	// local mirror, where the next hard reset would silently discard it.
	env.breakRemote(t)
	res := env.s.ReleaseClaim(ctx, "el-0001", "agent-a")
	var unreachable *NetworkUnreachableError
	require.ErrorAs(t, res.Err, &unreachable)
	assert.False(t, res.Success)
	assert.False(t, res.Changed)

	var hbUnreachable *NetworkUnreachableError
	require.ErrorAs(t, env.s.Heartbeat(ctx, "el-0001", "agent-a"), &hbUnreachable)

	// Back online, the claim is still intact and releasable.
	env.restoreRemote(t)
	require.True(t, env.s.PullLedger(ctx).Success)
	view, found, err := readAtom(dataFilePath(env.s.Paths().WorktreeDir()), "el-0001")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, StatusInProgress, view.Status)
	assert.Equal(t, "agent-a", view.Assignee)

	release := env.s.ReleaseClaim(ctx, "el-0001", "agent-a")
	require.NoError(t, release.Err)
	assert.True(t, release.Changed)
}

func TestSyncerOfflineClaimAndReconcile(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.s.Setup(ctx).Err)

	env.breakRemote(t)
	assert.False(t, env.s.Online(ctx))

	res := env.s.ClaimAndPush(ctx, "el-0001", "agent-a")
	require.NoError(t, res.Err)
	assert.True(t, res.Success)
	assert.True(t, res.OfflineClaim)
	assert.True(t, env.s.State().HasOfflineClaims())

	env.restoreRemote(t)
	outcomes, err := env.s.ReconcileOfflineClaims(ctx)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.True(t, outcomes[0].Success)
	assert.False(t, env.s.State().HasOfflineClaims())

	// The reconciled claim reached the remote.
	require.True(t, env.s.PullLedger(ctx).Success)
	view, found, err := readAtom(dataFilePath(env.s.Paths().WorktreeDir()), "el-0001")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, StatusInProgress, view.Status)
	assert.Equal(t, "agent-a", view.Assignee)
}

func TestSyncerOfflineReconcileLosesToWinner(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.s.Setup(ctx).Err)

	env.breakRemote(t)
	require.True(t, env.s.ClaimAndPush(ctx, "el-0001", "agent-a").OfflineClaim)

	// While we were offline, another agent claimed the same atom for real.
	other := env.secondAgent(t)
	require.NoError(t, other.Setup(ctx).Err)
	require.True(t, other.ClaimAndPush(ctx, "el-0001", "agent-b").Success)

	env.restoreRemote(t)
	outcomes, err := env.s.ReconcileOfflineClaims(ctx)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.False(t, outcomes[0].Success)
	assert.Equal(t, "agent-b", outcomes[0].Owner)
	// The lost claim leaves the queue; there is nothing left to replay.
	assert.False(t, env.s.State().HasOfflineClaims())
}

func TestSyncerOfflineFailMode(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.s.Setup(ctx).Err)

	env.cfg.Sync.OfflineMode = config.OfflineFail
	s := newEnvSyncer(t, env.repo, env.cfg)
	env.breakRemote(t)

	res := s.ClaimAndPush(ctx, "el-0001", "agent-a")
	var unreachable *NetworkUnreachableError
	require.ErrorAs(t, res.Err, &unreachable)
	assert.False(t, res.Success)
}

func TestSyncerHealsDeletedWorktree(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.s.Setup(ctx).Err)

	require.NoError(t, os.RemoveAll(env.s.Paths().WorktreeDir()))
	assert.False(t, env.s.Healthy(ctx))

	res := env.s.PullLedger(ctx)
	require.NoError(t, res.Err)
	assert.True(t, res.Success)
	assert.True(t, env.s.Healthy(ctx))
	assert.Contains(t, env.worktreeData(t), "el-0001")
}

func TestSyncerClaimThroughStaleWorktree(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.s.Setup(ctx).Err)

	// Break the worktree link; the claim must self-heal and still land.
	require.NoError(t, os.RemoveAll(filepath.Join(env.s.Paths().WorktreeDir(), ".git")))

	res := env.s.ClaimAndPush(ctx, "el-0002", "agent-a")
	require.NoError(t, res.Err)
	assert.True(t, res.Success)
}

func TestSyncerStaleClaimSweep(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC))
	env := newTestEnv(t, WithClock(clock))
	env.cfg.Sync.ClaimTimeoutHours = 1
	s := newEnvSyncer(t, env.repo, env.cfg, WithClock(clock))
	ctx := context.Background()

	require.NoError(t, s.Setup(ctx).Err)
	require.True(t, s.ClaimAndPush(ctx, "el-0001", "agent-a").Success)

	// Within the window the claim survives the pull.
	clock.Advance(30 * time.Minute)
	require.True(t, s.PullLedger(ctx).Success)
	view, _, err := readAtom(dataFilePath(s.Paths().WorktreeDir()), "el-0001")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, view.Status)

	// Past the window it is released.
	clock.Advance(2 * time.Hour)
	require.True(t, s.PullLedger(ctx).Success)
	view, _, err = readAtom(dataFilePath(s.Paths().WorktreeDir()), "el-0001")
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, view.Status)
	assert.Empty(t, view.Assignee)
}

func TestSyncerHeartbeatKeepsClaimAlive(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC))
	env := newTestEnv(t, WithClock(clock))
	env.cfg.Sync.ClaimTimeoutHours = 1
	s := newEnvSyncer(t, env.repo, env.cfg, WithClock(clock))
	ctx := context.Background()

	require.NoError(t, s.Setup(ctx).Err)
	require.True(t, s.ClaimAndPush(ctx, "el-0001", "agent-a").Success)

	clock.Advance(50 * time.Minute)
	require.NoError(t, s.Heartbeat(ctx, "el-0001", "agent-a"))

	// 50 more minutes: past the original claim time but inside the
	// heartbeat's window.
	clock.Advance(50 * time.Minute)
	require.True(t, s.PullLedger(ctx).Success)
	view, _, err := readAtom(dataFilePath(s.Paths().WorktreeDir()), "el-0001")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, view.Status)
}

func TestSyncerHeartbeatWrongOwner(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.s.Setup(ctx).Err)
	require.True(t, env.s.ClaimAndPush(ctx, "el-0001", "agent-a").Success)

	err := env.s.Heartbeat(ctx, "el-0001", "agent-b")
	var conflict *ClaimConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "agent-a", conflict.Owner)
}

func TestSyncerPushNoChanges(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.s.Setup(ctx).Err)

	res := env.s.PushLedger(ctx)
	require.NoError(t, res.Err)
	assert.True(t, res.Success)
}

func TestSyncerSyncToMain(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.s.Setup(ctx).Err)
	require.True(t, env.s.ClaimAndPush(ctx, "el-0001", "agent-a").Success)

	// Every file under the worktree's .eluent comes along, not just the
	// atom data.
	notes := filepath.Join(env.s.Paths().WorktreeDir(), ".eluent", "notes.md")
	require.NoError(t, os.WriteFile(notes, []byte("triage notes\n"), 0o644))

	require.NoError(t, env.s.SyncToMain(ctx))
	view, found, err := readAtom(dataFilePath(env.repo), "el-0001")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, StatusInProgress, view.Status)
	assert.FileExists(t, filepath.Join(env.repo, ".eluent", "notes.md"))
}

func TestSyncerSeedFromMain(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.s.Setup(ctx).Err)

	extra := seedData + `{"id":"el-0004","status":"open","assignee":null}` + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(env.repo, ".eluent", "data.jsonl"), []byte(extra), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(env.repo, ".eluent", "notes.md"), []byte("seeded\n"), 0o644))

	require.NoError(t, env.s.SeedFromMain(ctx))
	assert.Contains(t, env.worktreeData(t), "el-0004")
	assert.FileExists(t, filepath.Join(env.s.Paths().WorktreeDir(), ".eluent", "notes.md"))
}

func TestSyncerTeardown(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.s.Setup(ctx).Err)

	require.NoError(t, env.s.Teardown(ctx))
	assert.False(t, env.s.Available(ctx))
	assert.NoDirExists(t, env.s.Paths().WorktreeDir())
	assert.NoFileExists(t, env.s.Paths().StateFile())

	// Idempotent.
	require.NoError(t, env.s.Teardown(ctx))

	// The branch survives; a later setup resumes from it.
	res := env.s.Setup(ctx)
	require.NoError(t, res.Err)
	assert.False(t, res.CreatedBranch)
	assert.True(t, res.CreatedWorktree)
}

func TestSyncerEmptyAtomID(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.s.Setup(context.Background()).Err)

	res := env.s.ClaimAndPush(context.Background(), "   ", "agent-a")
	require.Error(t, res.Err)
	assert.False(t, res.Success)
}

// Package gitgateway is a thin, blocking façade over the git tooling the
// ledger core needs. Mutating and network operations shell out to the git
// binary so worktree registration and compare-and-set push semantics match
// the user's installation exactly; read-only inspection of the primary
// repository goes through go-git and never spawns a process.
//
// Every operation addresses the repository with -C and never changes the
// calling process working directory.
package gitgateway

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"time"

	"github.com/eluent/eluent/internal/logfields"
)

// Gateway executes git operations for one repository (the primary working tree).
type Gateway struct {
	repoPath string
}

// New creates a gateway bound to the given primary working tree path.
func New(repoPath string) *Gateway {
	return &Gateway{repoPath: repoPath}
}

// RepoPath returns the primary working tree path the gateway is bound to.
func (g *Gateway) RepoPath() string { return g.repoPath }

// killDelay bounds how long a cancelled git child may linger before SIGKILL.
const killDelay = 3 * time.Second

// run invokes git with -C dir and the auto-maintenance knobs disabled so
// frequent ledger commits never spawn background helper processes.
func (g *Gateway) run(ctx context.Context, dir string, args ...string) (string, string, error) {
	base := []string{
		"-C", dir,
		"-c", "maintenance.auto=0",
		"-c", "gc.auto=0",
	}
	cmd := exec.CommandContext(ctx, "git", append(base, args...)...)
	cmd.WaitDelay = killDelay
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	outStr := stdout.String()
	errStr := stderr.String()
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return outStr, errStr, &GitError{Args: args, Stdout: outStr, Stderr: errStr, Err: err}
	}
	return outStr, errStr, nil
}

// runTimed wraps run with a hard deadline for network operations. Expiry
// kills the child and surfaces a TimeoutError.
func (g *Gateway) runTimed(ctx context.Context, dir string, timeout time.Duration, op string, args ...string) (string, string, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	out, errOut, err := g.run(ctx, dir, args...)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		slog.Warn("git network operation timed out",
			logfields.Operation(op), slog.Duration("timeout", timeout))
		return out, errOut, &TimeoutError{Op: op, Timeout: timeout.String()}
	}
	return out, errOut, err
}

// RunInWorktree invokes git with -C path inside a specific worktree. Used by
// the syncer for add/commit/status/reset/rev-parse against the ledger mirror.
func (g *Gateway) RunInWorktree(ctx context.Context, path string, args ...string) (string, error) {
	out, _, err := g.run(ctx, path, args...)
	return out, err
}

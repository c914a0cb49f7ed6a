package gitgateway

import (
	"context"
	"errors"
	"strings"
	"time"
)

// FetchBranch fetches one branch from the remote into the usual remote
// tracking ref, bounded by timeout.
func (g *Gateway) FetchBranch(ctx context.Context, remote, branch string, timeout time.Duration) error {
	if err := ValidateBranchName(branch); err != nil {
		return err
	}
	_, _, err := g.runTimed(ctx, g.repoPath, timeout, "fetch",
		"fetch", remote, branch+":refs/remotes/"+remote+"/"+branch)
	return err
}

// PushBranch pushes the branch to the remote, bounded by timeout. The three
// outcomes the claim protocol depends on are kept distinct: nil on success,
// NonFastForwardError when the remote rejected the update because another
// writer advanced the ref, any other error otherwise.
func (g *Gateway) PushBranch(ctx context.Context, remote, branch string, setUpstream bool, timeout time.Duration) error {
	if err := ValidateBranchName(branch); err != nil {
		return err
	}
	args := []string{"push"}
	if setUpstream {
		args = append(args, "--set-upstream")
	}
	args = append(args, remote, branch)
	_, errOut, err := g.runTimed(ctx, g.repoPath, timeout, "push", args...)
	if err == nil {
		return nil
	}
	var terr *TimeoutError
	if errors.As(err, &terr) {
		return err
	}
	if isNonFastForward(errOut) {
		return &NonFastForwardError{Remote: remote, Branch: branch, Err: err}
	}
	return err
}

// RemoteBranchCommit resolves the branch head on the remote via ls-remote,
// which never mutates local refs. It returns "" without error when the
// branch does not exist on the remote. The call doubles as the liveness
// probe for offline detection.
func (g *Gateway) RemoteBranchCommit(ctx context.Context, remote, branch string, timeout time.Duration) (string, error) {
	if err := ValidateBranchName(branch); err != nil {
		return "", err
	}
	out, _, err := g.runTimed(ctx, g.repoPath, timeout, "ls-remote",
		"ls-remote", "--heads", remote, "refs/heads/"+branch)
	if err != nil {
		return "", err
	}
	line := strings.TrimSpace(out)
	if line == "" {
		return "", nil
	}
	fields := strings.Fields(line)
	return fields[0], nil
}

// BranchExists checks whether the branch exists locally, or on the given
// remote when remote is non-empty. The remote check goes over the network.
func (g *Gateway) BranchExists(ctx context.Context, name, remote string, timeout time.Duration) (bool, error) {
	if remote == "" {
		return g.LocalBranchExists(name)
	}
	commit, err := g.RemoteBranchCommit(ctx, remote, name, timeout)
	if err != nil {
		return false, err
	}
	return commit != "", nil
}

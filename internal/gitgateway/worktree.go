package gitgateway

import (
	"context"
	"strings"
)

// WorktreeInfo describes one entry of the repository's worktree registry.
type WorktreeInfo struct {
	Path   string
	Commit string
	Branch string // short branch name; empty when detached
}

// WorktreeList returns every worktree registered for the repository,
// including the primary working tree.
func (g *Gateway) WorktreeList(ctx context.Context) ([]WorktreeInfo, error) {
	out, _, err := g.run(ctx, g.repoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, &WorktreeError{Op: "list", Path: g.repoPath, Err: err}
	}
	return parseWorktreeList(out), nil
}

// parseWorktreeList parses `git worktree list --porcelain` output. Entries
// are blank-line separated blocks of "key value" lines.
func parseWorktreeList(out string) []WorktreeInfo {
	var (
		infos   []WorktreeInfo
		current *WorktreeInfo
	)
	flush := func() {
		if current != nil {
			infos = append(infos, *current)
			current = nil
		}
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			flush()
			current = &WorktreeInfo{Path: strings.TrimPrefix(line, "worktree ")}
		case current == nil:
			// bare/locked markers before the first worktree line; skip
		case strings.HasPrefix(line, "HEAD "):
			current.Commit = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			ref := strings.TrimPrefix(line, "branch ")
			current.Branch = strings.TrimPrefix(ref, "refs/heads/")
		}
	}
	flush()
	return infos
}

// WorktreeAdd registers and checks out a new worktree for branch at path.
func (g *Gateway) WorktreeAdd(ctx context.Context, path, branch string) error {
	if err := ValidateBranchName(branch); err != nil {
		return err
	}
	if _, _, err := g.run(ctx, g.repoPath, "worktree", "add", path, branch); err != nil {
		return &WorktreeError{Op: "add", Path: path, Err: err}
	}
	return nil
}

// WorktreeRemove unregisters and deletes the worktree at path. With force,
// uncommitted changes in the worktree are discarded. Removing a worktree
// that is already gone is not an error.
func (g *Gateway) WorktreeRemove(ctx context.Context, path string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)
	if _, errOut, err := g.run(ctx, g.repoPath, args...); err != nil {
		if strings.Contains(errOut, "is not a working tree") ||
			strings.Contains(errOut, "No such file or directory") {
			return nil
		}
		return &WorktreeError{Op: "remove", Path: path, Err: err}
	}
	return nil
}

// CommitInWorktree commits staged changes in the worktree at path, retrying
// once with a fallback committer identity when none is configured (without
// mutating repo config).
func (g *Gateway) CommitInWorktree(ctx context.Context, path, message string, allowEmpty bool) error {
	args := []string{"commit", "-m", message}
	if allowEmpty {
		args = []string{"commit", "--allow-empty", "-m", message}
	}
	_, _, err := g.run(ctx, path, args...)
	if err != nil && isMissingIdentity(err.Error()) {
		_, _, err = g.run(ctx, path, append([]string{
			"-c", "user.name=eluent",
			"-c", "user.email=eluent@local",
		}, args...)...)
	}
	return err
}

// WorktreePrune drops stale worktree registrations whose directories vanished.
func (g *Gateway) WorktreePrune(ctx context.Context) error {
	if _, _, err := g.run(ctx, g.repoPath, "worktree", "prune"); err != nil {
		return &WorktreeError{Op: "prune", Path: g.repoPath, Err: err}
	}
	return nil
}

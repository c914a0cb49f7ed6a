package gitgateway

import (
	"context"
	"fmt"
	"strings"
)

// ValidateBranchName rejects names git itself would refuse, before any git
// invocation. The rules follow git-check-ref-format for a single-level name.
func ValidateBranchName(name string) error {
	reject := func(reason string) error {
		return &BranchError{Op: "validate", Branch: name, Err: fmt.Errorf("%s", reason)}
	}
	if name == "" {
		return reject("empty name")
	}
	if strings.HasPrefix(name, "-") {
		return reject("leading dash")
	}
	if strings.Contains(name, "..") {
		return reject("contains '..'")
	}
	if strings.Contains(name, "@{") {
		return reject("contains '@{'")
	}
	if strings.HasPrefix(name, "/") || strings.HasSuffix(name, "/") || strings.Contains(name, "//") {
		return reject("empty path segment")
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return reject("control character")
		}
		if r == ' ' || r == '\t' {
			return reject("whitespace")
		}
		if strings.ContainsRune(`~^:?*[\`, r) {
			return reject(fmt.Sprintf("reserved character %q", r))
		}
	}
	if strings.HasSuffix(name, ".lock") || strings.HasSuffix(name, ".") {
		return reject("reserved suffix")
	}
	return nil
}

// CreateOrphanBranch creates a branch with no parent and a single empty
// commit. The prior branch of the primary working tree is saved before
// switching and restored on every exit path.
func (g *Gateway) CreateOrphanBranch(ctx context.Context, name, initialCommitMessage string) (err error) {
	if verr := ValidateBranchName(name); verr != nil {
		return verr
	}

	prior, berr := g.CurrentBranch()
	if berr != nil {
		return &BranchError{Op: "create orphan", Branch: name, Err: berr}
	}

	if _, _, rerr := g.run(ctx, g.repoPath, "switch", "--orphan", name); rerr != nil {
		return &BranchError{Op: "create orphan", Branch: name, Err: rerr}
	}
	defer func() {
		// Restore the caller's branch even when the commit below fails.
		if _, _, rerr := g.run(context.WithoutCancel(ctx), g.repoPath, "switch", prior); rerr != nil && err == nil {
			err = &BranchError{Op: "restore", Branch: prior, Err: rerr}
		}
	}()

	if cerr := g.commitAllowEmpty(ctx, g.repoPath, initialCommitMessage); cerr != nil {
		return &BranchError{Op: "create orphan", Branch: name, Err: cerr}
	}
	return nil
}

// CreateBranchAt creates a local branch pointing at startPoint without
// checking it out. Used to materialize a remote-only ledger branch before
// registering a worktree on it.
func (g *Gateway) CreateBranchAt(ctx context.Context, name, startPoint string) error {
	if err := ValidateBranchName(name); err != nil {
		return err
	}
	if _, _, err := g.run(ctx, g.repoPath, "branch", name, startPoint); err != nil {
		return &BranchError{Op: "create", Branch: name, Err: err}
	}
	return nil
}

// Checkout switches the primary working tree to the given branch, optionally
// creating it.
func (g *Gateway) Checkout(ctx context.Context, branch string, create bool) error {
	if err := ValidateBranchName(branch); err != nil {
		return err
	}
	args := []string{"switch", branch}
	if create {
		args = []string{"switch", "-c", branch}
	}
	if _, _, err := g.run(ctx, g.repoPath, args...); err != nil {
		return &BranchError{Op: "checkout", Branch: branch, Err: err}
	}
	return nil
}

// commitAllowEmpty commits in dir, retrying once with an explicit fallback
// committer identity when none is configured (without mutating repo config).
func (g *Gateway) commitAllowEmpty(ctx context.Context, dir, message string) error {
	_, _, err := g.run(ctx, dir, "commit", "--allow-empty", "-m", message)
	if err != nil && isMissingIdentity(err.Error()) {
		_, _, err = g.run(ctx, dir,
			"-c", "user.name=eluent",
			"-c", "user.email=eluent@local",
			"commit", "--allow-empty", "-m", message,
		)
	}
	return err
}

func isMissingIdentity(msg string) bool {
	return strings.Contains(msg, "Author identity unknown") ||
		strings.Contains(msg, "Please tell me who you are") ||
		strings.Contains(msg, "unable to auto-detect email address")
}

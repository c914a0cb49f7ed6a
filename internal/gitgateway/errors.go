package gitgateway

import (
	"fmt"
	"strings"
)

// Base typed git errors enabling structured classification without string parsing upstream.

// BranchError covers invalid branch names and create/checkout failures.
type BranchError struct {
	Op     string
	Branch string
	Err    error
}

func (e *BranchError) Error() string {
	return fmt.Sprintf("%s branch %q: %v", e.Op, e.Branch, e.Err)
}
func (e *BranchError) Unwrap() error { return e.Err }

// WorktreeError covers worktree add/remove/prune failures, often involving
// stale locks or pre-existing directories.
type WorktreeError struct {
	Op   string
	Path string
	Err  error
}

func (e *WorktreeError) Error() string {
	return fmt.Sprintf("worktree %s %s: %v", e.Op, e.Path, e.Err)
}
func (e *WorktreeError) Unwrap() error { return e.Err }

// TimeoutError reports a network operation that exceeded its deadline; the
// child process has been killed.
type TimeoutError struct {
	Op      string
	Timeout string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("git %s timed out after %s", e.Op, e.Timeout)
}

// NonFastForwardError reports a push rejected by the remote because another
// writer advanced the ref first. This is the retryable claim-race signal.
type NonFastForwardError struct {
	Remote string
	Branch string
	Err    error
}

func (e *NonFastForwardError) Error() string {
	return fmt.Sprintf("push %s to %s rejected (non-fast-forward): %v", e.Branch, e.Remote, e.Err)
}
func (e *NonFastForwardError) Unwrap() error { return e.Err }

// GitError is the catch-all for unexpected non-zero git exits.
type GitError struct {
	Args   []string
	Stdout string
	Stderr string
	Err    error
}

func (e *GitError) Error() string {
	msg := fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	if e.Stderr != "" {
		msg += ": " + strings.TrimSpace(e.Stderr)
	}
	return msg
}
func (e *GitError) Unwrap() error { return e.Err }

// isNonFastForward classifies push stderr. Git's wording varies across
// versions so several markers are accepted.
func isNonFastForward(stderr string) bool {
	l := strings.ToLower(stderr)
	return strings.Contains(l, "non-fast-forward") ||
		strings.Contains(l, "fetch first") ||
		strings.Contains(l, "[rejected]") ||
		strings.Contains(l, "stale info")
}

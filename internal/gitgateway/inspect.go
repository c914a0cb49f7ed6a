package gitgateway

import (
	"errors"
	"fmt"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// Read-only inspection of the primary working tree goes through go-git: no
// subprocess, no chance of mutating anything.

// open returns the go-git handle for the primary repository.
func (g *Gateway) open() (*gogit.Repository, error) {
	repo, err := gogit.PlainOpen(g.repoPath)
	if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", g.repoPath, err)
	}
	return repo, nil
}

// CurrentBranch returns the short branch name of HEAD. Detached HEAD is an
// error: the ledger setup path needs a branch to return to.
func (g *Gateway) CurrentBranch() (string, error) {
	repo, err := g.open()
	if err != nil {
		return "", err
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("resolve HEAD: %w", err)
	}
	if !head.Name().IsBranch() {
		return "", fmt.Errorf("HEAD is detached at %s", head.Hash())
	}
	return head.Name().Short(), nil
}

// CurrentCommit returns the commit hash of HEAD.
func (g *Gateway) CurrentCommit() (string, error) {
	repo, err := g.open()
	if err != nil {
		return "", err
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("resolve HEAD: %w", err)
	}
	return head.Hash().String(), nil
}

// RemotePresent reports whether the named remote is configured.
func (g *Gateway) RemotePresent(name string) (bool, error) {
	repo, err := g.open()
	if err != nil {
		return false, err
	}
	_, err = repo.Remote(name)
	if errors.Is(err, gogit.ErrRemoteNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// IsClean reports whether the primary working tree has no uncommitted changes.
func (g *Gateway) IsClean() (bool, error) {
	repo, err := g.open()
	if err != nil {
		return false, err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return false, fmt.Errorf("worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return false, fmt.Errorf("status: %w", err)
	}
	return status.IsClean(), nil
}

// LocalBranchExists reports whether a local branch ref exists.
func (g *Gateway) LocalBranchExists(name string) (bool, error) {
	if err := ValidateBranchName(name); err != nil {
		return false, err
	}
	repo, err := g.open()
	if err != nil {
		return false, err
	}
	_, err = repo.Reference(plumbing.NewBranchReferenceName(name), false)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

package clients

import (
	"context"
	goerrors "errors"
	"fmt"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"stackops/internal/errors"
	"stackops/internal/logging"
)

// GitSourceControl fetches application source with go-git
type GitSourceControl struct {
	url    string
	logger *logging.Logger
}

// NewGitSourceControl creates a source-control client for the repository URL
func NewGitSourceControl(url string, logger *logging.Logger) *GitSourceControl {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &GitSourceControl{url: url, logger: logger}
}

// FetchVersion clones or updates the repository in workDir and checks
// out the requested version. When the version tag does not exist, it
// falls back to the branch head with a warning and fallback=true.
func (g *GitSourceControl) FetchVersion(ctx context.Context, workDir, version, branch string) (string, bool, error) {
	repo, err := git.PlainOpen(workDir)
	if goerrors.Is(err, git.ErrRepositoryNotExists) {
		repo, err = git.PlainCloneContext(ctx, workDir, false, &git.CloneOptions{
			URL:  g.url,
			Tags: git.AllTags,
		})
		if err != nil {
			return "", false, errors.NewConnectivityError(
				fmt.Sprintf("failed to clone %s", g.url), err)
		}
	} else if err != nil {
		return "", false, errors.NewValidationError(
			fmt.Sprintf("cannot open repository at %s", workDir), err)
	} else {
		fetchErr := repo.FetchContext(ctx, &git.FetchOptions{
			Tags:  git.AllTags,
			Force: true,
		})
		if fetchErr != nil && !goerrors.Is(fetchErr, git.NoErrAlreadyUpToDate) {
			return "", false, errors.NewConnectivityError(
				fmt.Sprintf("failed to fetch from %s", g.url), fetchErr)
		}
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return "", false, errors.NewValidationError("cannot open worktree", err)
	}

	resolveBranch := func() (*plumbing.Hash, error) {
		hash, err := repo.ResolveRevision(plumbing.Revision("origin/" + branch))
		if err != nil {
			hash, err = repo.ResolveRevision(plumbing.Revision(branch))
		}
		return hash, err
	}

	fallback := false
	var hash *plumbing.Hash
	if version == "" {
		// branch-head deploy was asked for, not fallen back to
		hash, err = resolveBranch()
		if err != nil {
			return "", false, errors.NewValidationError(
				fmt.Sprintf("branch %q could not be resolved", branch), err)
		}
	} else if hash, err = repo.ResolveRevision(plumbing.Revision(version)); err != nil {
		// Requested tag is absent; fall back to the branch head.
		g.logger.Warnf("Version %q not found, falling back to latest on branch %q", version, branch)
		fallback = true

		hash, err = resolveBranch()
		if err != nil {
			return "", true, errors.NewValidationError(
				fmt.Sprintf("neither version %q nor branch %q could be resolved", version, branch), err)
		}
	}

	if err := worktree.Checkout(&git.CheckoutOptions{Hash: *hash, Force: true}); err != nil {
		return "", fallback, errors.NewValidationError(
			fmt.Sprintf("failed to check out %s", hash.String()), err)
	}

	return hash.String(), fallback, nil
}

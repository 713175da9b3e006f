package vcs

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"

	"github.com/oshokin/ota-updated/internal/domain/update"
)

const (
	// originName is the remote every working copy fetches from.
	originName = "origin"
	// trackingRefSpec mirrors every origin branch into remote-tracking references.
	trackingRefSpec = "+refs/heads/*:refs/remotes/origin/*"
)

// errInvalidRevision is returned by Checkout for malformed revisions.
var errInvalidRevision = errors.New("invalid revision")

// GoGit is a Driver backed by go-git. Local remotes are served by git-upload-pack.
type GoGit struct{}

// NewGoGit returns the go-git driver.
func NewGoGit() *GoGit {
	return &GoGit{}
}

// gitRepository is a Repository over a go-git working copy.
type gitRepository struct {
	// path is the root of the working copy.
	path string
	// repo is the opened go-git repository.
	repo *git.Repository
}

// Open returns the working copy at path.
//
//nolint:ireturn // Driver contract.
func (*GoGit) Open(_ context.Context, path string) (Repository, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, fmt.Errorf("%s: %w", path, ErrNotRepository)
		}

		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	return &gitRepository{path: path, repo: repo}, nil
}

// Clone copies src into dst and points the clone's origin at src's origin.
//
//nolint:ireturn // Driver contract.
func (*GoGit) Clone(ctx context.Context, src, dst string) (Repository, error) {
	source, err := git.PlainOpen(src)
	if err != nil {
		return nil, fmt.Errorf("open clone source %s: %w", src, err)
	}

	cloned, err := git.PlainCloneContext(ctx, dst, false, &git.CloneOptions{
		URL:               src,
		RemoteName:        originName,
		Tags:              git.NoTags,
		RecurseSubmodules: git.NoRecurseSubmodules,
	})
	if err != nil {
		return nil, fmt.Errorf("clone %s: %w", src, err)
	}

	if err = inheritOrigin(source, cloned, src); err != nil {
		return nil, err
	}

	return &gitRepository{path: dst, repo: cloned}, nil
}

// inheritOrigin replaces the clone's origin (the source path) with the source's own origin.
// A source without an origin keeps fetching from the source itself.
func inheritOrigin(source, cloned *git.Repository, src string) error {
	remote, err := source.Remote(originName)
	if errors.Is(err, git.ErrRemoteNotFound) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("read source origin: %w", err)
	}

	urls := make([]string, 0, len(remote.Config().URLs))
	for _, raw := range remote.Config().URLs {
		urls = append(urls, absoluteURL(src, raw))
	}

	if err = cloned.DeleteRemote(originName); err != nil {
		return fmt.Errorf("drop clone origin: %w", err)
	}

	remoteConfig := &gitconfig.RemoteConfig{
		Name:  originName,
		URLs:  urls,
		Fetch: []gitconfig.RefSpec{trackingRefSpec},
	}

	if _, err = cloned.CreateRemote(remoteConfig); err != nil {
		return fmt.Errorf("set clone origin: %w", err)
	}

	return nil
}

// absoluteURL resolves local relative remote paths against the repository root.
func absoluteURL(root, raw string) string {
	endpoint, err := transport.NewEndpoint(raw)
	if err != nil || endpoint.Protocol != "file" || filepath.IsAbs(endpoint.Path) {
		return raw
	}

	return filepath.Join(root, endpoint.Path)
}

// Fetch updates remote-tracking references of origin.
func (r *gitRepository) Fetch(ctx context.Context) error {
	err := r.repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: originName,
		RefSpecs:   []gitconfig.RefSpec{trackingRefSpec},
		Tags:       git.NoTags,
		Force:      true,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("fetch %s: %w", originName, err)
	}

	return nil
}

// Head returns the checked-out revision.
func (r *gitRepository) Head() (update.Revision, error) {
	head, err := r.repo.Head()
	if err != nil {
		return "", fmt.Errorf("resolve HEAD of %s: %w", r.path, err)
	}

	return update.Revision(head.Hash().String()), nil
}

// UpstreamHead resolves the tracked branch, honoring branch configuration when present.
func (r *gitRepository) UpstreamHead() (update.Revision, error) {
	head, err := r.repo.Head()
	if err != nil {
		return "", fmt.Errorf("resolve HEAD of %s: %w", r.path, err)
	}

	if !head.Name().IsBranch() {
		return "", fmt.Errorf("detached HEAD in %s: %w", r.path, ErrNoUpstream)
	}

	branch := head.Name().Short()
	tracking := plumbing.NewRemoteReferenceName(originName, branch)

	if cfg, cfgErr := r.repo.Config(); cfgErr == nil {
		if b, ok := cfg.Branches[branch]; ok && b.Remote != "" && b.Merge.IsBranch() {
			tracking = plumbing.NewRemoteReferenceName(b.Remote, b.Merge.Short())
		}
	}

	ref, err := r.repo.Reference(tracking, true)
	if err != nil {
		return "", fmt.Errorf("%s: %w: %w", tracking, ErrNoUpstream, err)
	}

	return update.Revision(ref.Hash().String()), nil
}

// Checkout hard-resets to revision and removes untracked files.
func (r *gitRepository) Checkout(_ context.Context, revision update.Revision) error {
	if !plumbing.IsHash(string(revision)) {
		return fmt.Errorf("%w: %q", errInvalidRevision, revision)
	}

	wt, err := r.repo.Worktree()
	if err != nil {
		return fmt.Errorf("worktree: %w", err)
	}

	//nolint:exhaustruct // Defaults are fine for a hard reset.
	if err = wt.Reset(&git.ResetOptions{Commit: plumbing.NewHash(string(revision)), Mode: git.HardReset}); err != nil {
		return fmt.Errorf("hard reset to %s: %w", revision.Short(), err)
	}

	if err = wt.Clean(&git.CleanOptions{Dir: true}); err != nil {
		return fmt.Errorf("clean untracked files: %w", err)
	}

	return nil
}

// Submodules lists the submodules declared at the current head, sorted by path.
func (r *gitRepository) Submodules() ([]Submodule, error) {
	wt, err := r.repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("worktree: %w", err)
	}

	subs, err := wt.Submodules()
	if err != nil {
		return nil, fmt.Errorf("list submodules: %w", err)
	}

	result := make([]Submodule, 0, len(subs))

	for _, sub := range subs {
		status, statusErr := sub.Status()
		if statusErr != nil {
			return nil, fmt.Errorf("status of submodule %s: %w", sub.Config().Name, statusErr)
		}

		entry := Submodule{
			Name: sub.Config().Name,
			Path: sub.Config().Path,
		}

		if !status.Expected.IsZero() {
			entry.Pinned = update.Revision(status.Expected.String())
		}

		if !status.Current.IsZero() {
			entry.Current = update.Revision(status.Current.String())
		}

		result = append(result, entry)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Path < result[j].Path
	})

	return result, nil
}

// SyncSubmodule initializes the submodule and checks out its pinned revision, recursively.
func (r *gitRepository) SyncSubmodule(ctx context.Context, submodule Submodule) error {
	wt, err := r.repo.Worktree()
	if err != nil {
		return fmt.Errorf("worktree: %w", err)
	}

	sub, err := wt.Submodule(submodule.Name)
	if err != nil {
		if errors.Is(err, git.ErrSubmoduleNotFound) {
			return fmt.Errorf("%s: %w", submodule.Name, ErrUnknownSubmodule)
		}

		return fmt.Errorf("submodule %s: %w", submodule.Name, err)
	}

	//nolint:exhaustruct // Default fetch settings are fine.
	err = sub.UpdateContext(ctx, &git.SubmoduleUpdateOptions{
		Init:              true,
		RecurseSubmodules: git.DefaultSubmoduleRecursionDepth,
	})
	if err != nil {
		return fmt.Errorf("update submodule %s: %w", submodule.Name, err)
	}

	return nil
}

package vcs

import (
	"context"
	"errors"

	"github.com/oshokin/ota-updated/internal/domain/update"
)

var (
	// ErrNotRepository is returned by Open when path holds no working copy.
	ErrNotRepository = errors.New("not a repository")
	// ErrNoUpstream is returned when the current branch has no remote-tracking counterpart.
	ErrNoUpstream = errors.New("no upstream revision")
	// ErrUnknownSubmodule is returned by SyncSubmodule for undeclared submodules.
	ErrUnknownSubmodule = errors.New("unknown submodule")
)

// Submodule is a nested tree pinned to a revision by its parent.
type Submodule struct {
	// Name is the identifier declared in the parent's module configuration.
	Name string
	// Path is the checkout location relative to the parent's root.
	Path string
	// Pinned is the revision recorded by the parent's current head.
	Pinned update.Revision
	// Current is the revision checked out now, empty when not initialized.
	Current update.Revision
}

// Synced reports whether the checkout matches the pin.
func (s Submodule) Synced() bool {
	return !s.Pinned.IsZero() && s.Current == s.Pinned
}

// Repository is one working copy.
type Repository interface {
	// Fetch updates remote-tracking references from the fetch origin.
	Fetch(ctx context.Context) error
	// Head returns the checked-out revision.
	Head() (update.Revision, error)
	// UpstreamHead returns the remote-tracking revision of the current branch.
	UpstreamHead() (update.Revision, error)
	// Checkout hard-resets the working copy to revision and removes untracked files.
	Checkout(ctx context.Context, revision update.Revision) error
	// Submodules lists the nested trees declared by the current head.
	Submodules() ([]Submodule, error)
	// SyncSubmodule initializes the submodule and checks out its pinned revision.
	SyncSubmodule(ctx context.Context, submodule Submodule) error
}

// Driver opens and clones working copies.
type Driver interface {
	// Open returns the working copy at path or ErrNotRepository.
	Open(ctx context.Context, path string) (Repository, error)
	// Clone copies the working copy at src into dst. The clone fetches from the
	// same origin as src. Submodules are left for the caller to synchronize.
	Clone(ctx context.Context, src, dst string) (Repository, error)
}

package vcs_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/ota-updated/internal/domain/update"
	"github.com/oshokin/ota-updated/internal/vcs"
	"github.com/oshokin/ota-updated/internal/vcs/vcstest"
)

// TestGoGit_OpenNotRepository verifies plain directories are reported as ErrNotRepository.
func TestGoGit_OpenNotRepository(t *testing.T) {
	t.Parallel()

	_, err := vcs.NewGoGit().Open(context.Background(), t.TempDir())
	require.ErrorIs(t, err, vcs.ErrNotRepository)
}

// TestGoGit_CloneFetchCheckout walks a clone through fetching and checking out a new release.
func TestGoGit_CloneFetchCheckout(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fixture := vcstest.NewGitFixture(t)
	driver := vcs.NewGoGit()

	merged := filepath.Join(t.TempDir(), "merged")

	repo, err := driver.Clone(ctx, fixture.BasePath, merged)
	require.NoError(t, err)

	head, err := repo.Head()
	require.NoError(t, err)
	require.Equal(t, fixture.BaseHead(t), head)

	next := fixture.Publish(t, "VERSION", "0.2.0", "second release")

	require.NoError(t, repo.Fetch(ctx))

	upstream, err := repo.UpstreamHead()
	require.NoError(t, err)
	require.Equal(t, next, upstream)

	stray := filepath.Join(merged, "stray.txt")
	require.NoError(t, os.WriteFile(stray, []byte("left over"), 0o600))

	require.NoError(t, repo.Checkout(ctx, upstream))

	head, err = repo.Head()
	require.NoError(t, err)
	require.Equal(t, next, head)

	contents, err := os.ReadFile(filepath.Join(merged, "VERSION"))
	require.NoError(t, err)
	require.Equal(t, "0.2.0", string(contents))
	require.NoFileExists(t, stray)

	submodules, err := repo.Submodules()
	require.NoError(t, err)
	require.Empty(t, submodules)

	// Fetching again with nothing new is not an error.
	require.NoError(t, repo.Fetch(ctx))

	reopened, err := driver.Open(ctx, merged)
	require.NoError(t, err)

	head, err = reopened.Head()
	require.NoError(t, err)
	require.Equal(t, next, head)
}

// TestGoGit_CheckoutRejectsMalformedRevision checks revisions are validated before touching the tree.
func TestGoGit_CheckoutRejectsMalformedRevision(t *testing.T) {
	t.Parallel()

	fixture := vcstest.NewGitFixture(t)

	repo, err := vcs.NewGoGit().Open(context.Background(), fixture.BasePath)
	require.NoError(t, err)

	require.Error(t, repo.Checkout(context.Background(), update.Revision("not-a-hash")))
}

// TestGoGit_SyncUnknownSubmodule reports submodules the tree does not declare.
func TestGoGit_SyncUnknownSubmodule(t *testing.T) {
	t.Parallel()

	fixture := vcstest.NewGitFixture(t)

	repo, err := vcs.NewGoGit().Open(context.Background(), fixture.BasePath)
	require.NoError(t, err)

	err = repo.SyncSubmodule(context.Background(), vcs.Submodule{Name: "panda", Path: "panda"})
	require.ErrorIs(t, err, vcs.ErrUnknownSubmodule)
}

// TestGoGit_Submodules initializes a pinned submodule in a clone and follows a pin bump.
func TestGoGit_Submodules(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fixture := vcstest.NewGitFixture(t, vcstest.WithSubmodule("panda"))
	driver := vcs.NewGoGit()

	base, err := driver.Open(ctx, fixture.BasePath)
	require.NoError(t, err)

	pinned, err := base.Submodules()
	require.NoError(t, err)
	require.Len(t, pinned, 1)
	require.Equal(t, "panda", pinned[0].Path)
	require.False(t, pinned[0].Pinned.IsZero())
	require.True(t, pinned[0].Current.IsZero())
	require.False(t, pinned[0].Synced())

	merged := filepath.Join(t.TempDir(), "merged")

	repo, err := driver.Clone(ctx, fixture.BasePath, merged)
	require.NoError(t, err)
	require.NoError(t, repo.SyncSubmodule(ctx, pinned[0]))

	submodules, err := repo.Submodules()
	require.NoError(t, err)
	require.Len(t, submodules, 1)
	require.True(t, submodules[0].Synced())
	require.Equal(t, pinned[0].Pinned, submodules[0].Current)

	head, pin := fixture.PublishSubmodule(t, "panda", "VERSION", "0.2.0", "bump panda")

	require.NoError(t, repo.Fetch(ctx))
	require.NoError(t, repo.Checkout(ctx, head))

	submodules, err = repo.Submodules()
	require.NoError(t, err)
	require.Equal(t, pin, submodules[0].Pinned)
	require.False(t, submodules[0].Synced())

	require.NoError(t, repo.SyncSubmodule(ctx, submodules[0]))

	submodules, err = repo.Submodules()
	require.NoError(t, err)
	require.Equal(t, pin, submodules[0].Current)

	contents, err := os.ReadFile(filepath.Join(merged, "panda", "VERSION"))
	require.NoError(t, err)
	require.Equal(t, "0.2.0", string(contents))
}

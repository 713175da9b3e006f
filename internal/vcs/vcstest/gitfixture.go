package vcstest

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/format/index"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/require"

	"github.com/oshokin/ota-updated/internal/domain/update"
)

// gitmodulesFile declares the submodules of a tree.
const gitmodulesFile = ".gitmodules"

// GitFixture is a bare release channel, a seed clone that publishes into it
// and a base tree cloned from it, all under one temporary directory.
type GitFixture struct {
	// RemotePath is the bare release channel.
	RemotePath string
	// SeedPath is the working copy that authors and pushes new commits.
	SeedPath string
	// BasePath is the running tree, cloned from RemotePath.
	BasePath string

	seed       *git.Repository
	submodules map[string]*channel
}

// channel is a bare repository and the seed working copy publishing into it.
type channel struct {
	remotePath string
	seedPath   string
	seed       *git.Repository
}

// FixtureOption configures NewGitFixture.
type FixtureOption func(*fixtureConfig)

type fixtureConfig struct {
	submodules []string
}

// WithSubmodule pins a submodule at path. It is served from its own bare channel
// and its first release carries VERSION 0.1.0.
func WithSubmodule(path string) FixtureOption {
	return func(cfg *fixtureConfig) {
		cfg.submodules = append(cfg.submodules, path)
	}
}

// NewGitFixture publishes one commit and clones the base tree from it.
// Submodules of the base tree are left uninitialized, as a plain clone does.
func NewGitFixture(t testing.TB, opts ...FixtureOption) *GitFixture {
	t.Helper()

	var cfg fixtureConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	root := t.TempDir()
	fixture := &GitFixture{
		RemotePath: filepath.Join(root, "remote.git"),
		SeedPath:   filepath.Join(root, "seed"),
		BasePath:   filepath.Join(root, "openpilot"),
		submodules: make(map[string]*channel, len(cfg.submodules)),
	}

	fixture.seed = newChannel(t, fixture.RemotePath, fixture.SeedPath).seed

	if len(cfg.submodules) > 0 {
		modules := gitconfig.NewModules()

		for _, path := range cfg.submodules {
			sub := newChannel(t, filepath.Join(root, path+".git"), filepath.Join(root, path+"-seed"))
			pin := sub.publish(t, "VERSION", "0.1.0", "initial release")

			fixture.submodules[path] = sub
			modules.Submodules[path] = &gitconfig.Submodule{Name: path, Path: path, URL: sub.remotePath}

			fixture.stagePin(t, path, pin)
		}

		data, err := modules.Marshal()
		require.NoError(t, err)

		fixture.stageFile(t, gitmodulesFile, data)
	}

	fixture.Publish(t, "VERSION", "0.1.0", "initial release")

	_, err := git.PlainClone(fixture.BasePath, false, &git.CloneOptions{URL: fixture.RemotePath})
	require.NoError(t, err)

	return fixture
}

// newChannel initializes a bare repository at remotePath and a seed pushing to it.
func newChannel(t testing.TB, remotePath, seedPath string) *channel {
	t.Helper()

	_, err := git.PlainInit(remotePath, true)
	require.NoError(t, err)

	seed, err := git.PlainInit(seedPath, false)
	require.NoError(t, err)

	_, err = seed.CreateRemote(&gitconfig.RemoteConfig{
		Name: "origin",
		URLs: []string{remotePath},
	})
	require.NoError(t, err)

	return &channel{remotePath: remotePath, seedPath: seedPath, seed: seed}
}

// publish commits filename with content and pushes it.
func (c *channel) publish(t testing.TB, filename, content, message string) update.Revision {
	t.Helper()

	stageFile(t, c.seed, c.seedPath, filename, []byte(content))

	return commitAndPush(t, c.seed, message)
}

// Publish commits filename with content in the seed and pushes it to the channel.
func (f *GitFixture) Publish(t testing.TB, filename, content, message string) update.Revision {
	t.Helper()

	f.stageFile(t, filename, []byte(content))

	return commitAndPush(t, f.seed, message)
}

// PublishSubmodule releases filename with content on the submodule channel at path and
// publishes a tree that only moves that pin. It returns the new tree head and pin.
func (f *GitFixture) PublishSubmodule(
	t testing.TB,
	path, filename, content, message string,
) (update.Revision, update.Revision) {
	t.Helper()

	sub, ok := f.submodules[path]
	require.True(t, ok, "no submodule at %s", path)

	pin := sub.publish(t, filename, content, message)
	f.stagePin(t, path, pin)

	return commitAndPush(t, f.seed, message), pin
}

// BaseHead returns the revision checked out in the base tree.
func (f *GitFixture) BaseHead(t testing.TB) update.Revision {
	t.Helper()

	repo, err := git.PlainOpen(f.BasePath)
	require.NoError(t, err)

	head, err := repo.Head()
	require.NoError(t, err)

	return update.Revision(head.Hash().String())
}

func (f *GitFixture) stageFile(t testing.TB, filename string, content []byte) {
	t.Helper()

	stageFile(t, f.seed, f.SeedPath, filename, content)
}

// stagePin records the submodule at path as pinned to pin in the seed index.
func (f *GitFixture) stagePin(t testing.TB, path string, pin update.Revision) {
	t.Helper()

	idx, err := f.seed.Storer.Index()
	require.NoError(t, err)

	entry, err := idx.Entry(path)
	if errors.Is(err, index.ErrEntryNotFound) {
		entry = idx.Add(path)
	} else {
		require.NoError(t, err)
	}

	entry.Hash = plumbing.NewHash(pin.String())
	entry.Mode = filemode.Submodule
	entry.ModifiedAt = time.Now()

	require.NoError(t, f.seed.Storer.SetIndex(idx))
}

// stageFile writes filename under dir and adds it to the index of repo.
func stageFile(t testing.TB, repo *git.Repository, dir, filename string, content []byte) {
	t.Helper()

	require.NoError(t, os.WriteFile(filepath.Join(dir, filename), content, 0o600))

	wt, err := repo.Worktree()
	require.NoError(t, err)

	// Submodules are never checked out in a seed, so a status pass would report them deleted.
	require.NoError(t, wt.AddWithOptions(&git.AddOptions{Path: filename, SkipStatus: true}))
}

// commitAndPush commits the index of repo and pushes it to origin.
func commitAndPush(t testing.TB, repo *git.Repository, message string) update.Revision {
	t.Helper()

	wt, err := repo.Worktree()
	require.NoError(t, err)

	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{Name: "release", Email: "release@example.com", When: time.Now()},
	})
	require.NoError(t, err)

	require.NoError(t, repo.Push(&git.PushOptions{RemoteName: "origin"}))

	return update.Revision(hash.String())
}

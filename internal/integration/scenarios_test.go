package integration

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/ota-updated/internal/domain/update"
	"github.com/oshokin/ota-updated/internal/service/overlay"
	"github.com/oshokin/ota-updated/internal/vcs"
	"github.com/oshokin/ota-updated/internal/vcs/vcstest"
)

// fakeChannel is a fake release channel with a base tree checked out at rev-1.
func fakeChannel(t *testing.T) (*vcstest.Remote, *vcstest.Driver, string) {
	t.Helper()

	remote := vcstest.NewRemote("rev-1")
	remote.Publish("rev-1", map[string]update.Revision{"panda": "panda-1", "opendbc": "opendbc-1"})

	driver := vcstest.NewDriver(remote)
	baseDir := filepath.Join(t.TempDir(), "openpilot")
	require.NoError(t, driver.AddWorkingCopy(baseDir, "rev-1"))

	return remote, driver, baseDir
}

// TestScenario_UnchangedRemote runs repeated cycles against a quiet channel.
func TestScenario_UnchangedRemote(t *testing.T) {
	t.Parallel()

	_, driver, baseDir := fakeChannel(t)
	h := newHarness(t, driver, workspace(t, baseDir))

	for range 5 {
		result := h.cycle(t)
		require.NoError(t, result.Err)
		require.False(t, result.Failed)

		failures, _ := h.param(t, update.KeyUpdateFailedCount)
		require.Equal(t, "0", failures)

		available, _ := h.param(t, update.KeyUpdateAvailable)
		require.NotEqual(t, update.TrueValue, available)

		h.requireRecent(t)
	}
}

// TestScenario_NewCommit stages a revision published after startup.
func TestScenario_NewCommit(t *testing.T) {
	t.Parallel()

	remote, driver, baseDir := fakeChannel(t)
	h := newHarness(t, driver, workspace(t, baseDir))

	require.False(t, h.cycle(t).UpdateAvailable)

	remote.Publish("rev-2", map[string]update.Revision{"panda": "panda-2", "opendbc": "opendbc-1"})

	result := h.cycle(t)
	require.True(t, result.UpdateAvailable)
	require.Equal(t, remote.Head(), result.Head)

	available, _ := h.param(t, update.KeyUpdateAvailable)
	require.Equal(t, update.TrueValue, available)

	merged, err := driver.Open(context.Background(), filepath.Join(h.cfg.StagingRoot, overlay.MergedDir))
	require.NoError(t, err)

	head, err := merged.Head()
	require.NoError(t, err)
	require.Equal(t, remote.Head(), head)

	contents, err := os.ReadFile(filepath.Join(h.cfg.StagingRoot, overlay.FinalizedDir, vcstest.RevisionFile))
	require.NoError(t, err)
	require.Equal(t, "rev-2", string(contents))
	require.FileExists(t, filepath.Join(h.cfg.StagingRoot, overlay.FinalizedDir, overlay.ConsistentFile))
}

// TestScenario_StaleLock reclaims a lock recorded by a process that no longer exists.
func TestScenario_StaleLock(t *testing.T) {
	t.Parallel()

	_, driver, baseDir := fakeChannel(t)
	layout := workspace(t, baseDir)

	h := newHarnessWith(t, driver, layout, func(lockFile string) {
		require.NoError(t, os.WriteFile(lockFile, []byte("pid: 424242\nexecutable: updated\n"), 0o600))
	})

	result := h.cycle(t)
	require.NoError(t, result.Err)
	require.False(t, result.Failed)

	record, err := os.ReadFile(h.cfg.LockFile)
	require.NoError(t, err)
	require.Empty(t, record)
}

// TestScenario_StagingFailure counts one failure and recovers on the next cycle.
func TestScenario_StagingFailure(t *testing.T) {
	t.Parallel()

	_, driver, baseDir := fakeChannel(t)
	h := newHarness(t, driver, workspace(t, baseDir))

	injected := errors.New("read-only file system")
	driver.FailOn(vcstest.OpClone, injected)

	failed := h.cycle(t)
	require.True(t, failed.Failed)
	require.ErrorIs(t, failed.Err, injected)

	failures, _ := h.param(t, update.KeyUpdateFailedCount)
	require.Equal(t, "1", failures)
	h.requireRecent(t)

	driver.FailOn(vcstest.OpClone, nil)

	recovered := h.cycle(t)
	require.NoError(t, recovered.Err)
	require.False(t, recovered.Failed)

	failures, _ = h.param(t, update.KeyUpdateFailedCount)
	require.Equal(t, "1", failures)
	require.FileExists(t, filepath.Join(h.cfg.StagingRoot, overlay.MetadataDir, overlay.MarkerFile))
}

// TestScenario_GitChannel runs the daemon against real repositories.
func TestScenario_GitChannel(t *testing.T) {
	t.Parallel()

	// The file transport runs git-upload-pack.
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git is not installed")
	}

	fixture := vcstest.NewGitFixture(t)
	h := newHarness(t, nil, workspace(t, fixture.BasePath))

	first := h.cycle(t)
	require.NoError(t, first.Err)
	require.False(t, first.UpdateAvailable)
	require.Equal(t, fixture.BaseHead(t), first.Head)

	published := fixture.Publish(t, "VERSION", "0.2.0", "release 0.2.0")

	second := h.cycle(t)
	require.NoError(t, second.Err)
	require.True(t, second.UpdateAvailable)
	require.Equal(t, published, second.Head)

	available, _ := h.param(t, update.KeyUpdateAvailable)
	require.Equal(t, update.TrueValue, available)

	merged, err := vcs.NewGoGit().Open(context.Background(), filepath.Join(h.cfg.StagingRoot, overlay.MergedDir))
	require.NoError(t, err)

	head, err := merged.Head()
	require.NoError(t, err)
	require.Equal(t, published, head)

	contents, err := os.ReadFile(filepath.Join(h.cfg.StagingRoot, overlay.FinalizedDir, "VERSION"))
	require.NoError(t, err)
	require.Equal(t, "0.2.0", string(contents))

	// The running tree is never touched.
	require.NotEqual(t, published, fixture.BaseHead(t))
}

// TestScenario_GitSubmodulePin stages a release that only moves a submodule pin:
// the overlay follows the pin and the finalized copy carries the submodule content.
func TestScenario_GitSubmodulePin(t *testing.T) {
	t.Parallel()

	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git is not installed")
	}

	fixture := vcstest.NewGitFixture(t, vcstest.WithSubmodule("panda"))
	h := newHarness(t, nil, workspace(t, fixture.BasePath))
	mergedPath := filepath.Join(h.cfg.StagingRoot, overlay.MergedDir)

	first := h.cycle(t)
	require.NoError(t, first.Err)
	require.False(t, first.UpdateAvailable)

	staged, err := os.ReadFile(filepath.Join(mergedPath, "panda", "VERSION"))
	require.NoError(t, err)
	require.Equal(t, "0.1.0", string(staged))

	head, pin := fixture.PublishSubmodule(t, "panda", "VERSION", "0.2.0", "bump panda")

	second := h.cycle(t)
	require.NoError(t, second.Err)
	require.False(t, second.Failed)
	require.True(t, second.UpdateAvailable)
	require.Equal(t, head, second.Head)
	h.requireRecent(t)

	merged, err := vcs.NewGoGit().Open(context.Background(), mergedPath)
	require.NoError(t, err)

	submodules, err := merged.Submodules()
	require.NoError(t, err)
	require.Len(t, submodules, 1)
	require.Equal(t, pin, submodules[0].Pinned)
	require.Equal(t, pin, submodules[0].Current)

	contents, err := os.ReadFile(filepath.Join(h.cfg.StagingRoot, overlay.FinalizedDir, "panda", "VERSION"))
	require.NoError(t, err)
	require.Equal(t, "0.2.0", string(contents))

	require.FileExists(t, filepath.Join(h.cfg.StagingRoot, overlay.MetadataDir, overlay.MarkerFile))
}

package integration

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mitchellh/go-ps"
	"github.com/stretchr/testify/require"

	"github.com/oshokin/ota-updated/internal/config"
	"github.com/oshokin/ota-updated/internal/domain/update"
	"github.com/oshokin/ota-updated/internal/repository/params"
	"github.com/oshokin/ota-updated/internal/service/updater"
	"github.com/oshokin/ota-updated/internal/vcs"
)

// cycleDeadline bounds every awaited cycle.
const cycleDeadline = 30 * time.Second

// deadProcesses reports every pid as gone.
func deadProcesses(int) (ps.Process, error) {
	return nil, nil //nolint:nilnil // go-ps reports a missing process this way.
}

// harness runs a daemon over temp directories and collects its cycles.
type harness struct {
	cfg    *config.Config
	store  *params.MemoryStore
	daemon *updater.Daemon
	cycles chan update.CycleResult
}

// workspace returns the layout override for a fresh temp directory.
func workspace(t *testing.T, baseDir string) config.Override {
	t.Helper()

	dir := t.TempDir()

	return func(cfg *config.Config) {
		cfg.BaseDir = baseDir
		cfg.StagingRoot = filepath.Join(dir, "safe_staging")
		cfg.LockFile = filepath.Join(dir, "safe_staging_overlay.lock")
		cfg.ParamsPath = filepath.Join(dir, "params")
		cfg.LockTimeout = 2 * time.Second
		cfg.LockPollInterval = 20 * time.Millisecond
		// Cycles are driven by the tests only.
		cfg.StartupDelay = time.Hour
	}
}

func newHarness(t *testing.T, driver vcs.Driver, layout config.Override) *harness {
	t.Helper()

	return newHarnessWith(t, driver, layout, nil)
}

// newHarnessWith lets prepare seed the lock file before the daemon starts.
func newHarnessWith(t *testing.T, driver vcs.Driver, layout config.Override, prepare func(lockFile string)) *harness {
	t.Helper()

	cfg, err := config.Load("", nil, layout)
	require.NoError(t, err)

	if prepare != nil {
		prepare(cfg.LockFile)
	}

	h := &harness{
		cfg:    cfg,
		store:  params.NewMemoryStore(),
		cycles: make(chan update.CycleResult, 16),
	}

	require.NoError(t, params.PutString(context.Background(), h.store, update.KeyIsOffroad, update.TrueValue))

	return h.withDaemon(t, driver)
}

func (h *harness) withDaemon(t *testing.T, driver vcs.Driver) *harness {
	t.Helper()

	daemon, err := updater.New(context.Background(), h.cfg, updater.Deps{
		Driver:         driver,
		Store:          h.store,
		ProcessFinder:  deadProcesses,
		OnCycle:        func(result update.CycleResult) { h.cycles <- result },
		DisableSignals: true,
	})
	require.NoError(t, err)

	h.daemon = daemon

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- daemon.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
		daemon.Close(context.Background())
	})

	return h
}

// cycle wakes the daemon and waits for the cycle to finish.
func (h *harness) cycle(t *testing.T) update.CycleResult {
	t.Helper()

	require.True(t, h.daemon.Wake(update.ReasonManual))

	select {
	case result := <-h.cycles:
		return result
	case <-time.After(cycleDeadline):
		require.FailNow(t, "cycle did not complete")

		return update.CycleResult{}
	}
}

func (h *harness) param(t *testing.T, key string) (string, bool) {
	t.Helper()

	value, ok, err := params.GetString(context.Background(), h.store, key)
	require.NoError(t, err)

	return value, ok
}

// recentWindow bounds how old LastUpdateTime may be right after a cycle.
const recentWindow = 10 * time.Second

// requireRecent checks LastUpdateTime parses and lies within recentWindow of now.
func (h *harness) requireRecent(t *testing.T) {
	t.Helper()

	value, ok := h.param(t, update.KeyLastUpdateTime)
	require.True(t, ok)

	stamp, err := time.Parse(update.TimestampLayout, value)
	require.NoError(t, err)
	require.WithinDuration(t, time.Now().UTC(), stamp, recentWindow)
}

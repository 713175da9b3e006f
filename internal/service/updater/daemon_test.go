package updater

import (
	"context"
	"io"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/oshokin/ota-updated/internal/api/grpc/health"
	"github.com/oshokin/ota-updated/internal/config"
	"github.com/oshokin/ota-updated/internal/domain/update"
	"github.com/oshokin/ota-updated/internal/repository/params"
	"github.com/oshokin/ota-updated/internal/vcs"
	"github.com/oshokin/ota-updated/internal/vcs/vcstest"
)

const cycleTimeout = 10 * time.Second

// daemonFixture is a validated configuration over temp directories and a fake driver.
type daemonFixture struct {
	cfg    *config.Config
	remote *vcstest.Remote
	driver *vcstest.Driver
	cycles chan update.CycleResult
}

func newDaemonFixture(t *testing.T, overrides ...config.Override) *daemonFixture {
	t.Helper()

	dir := t.TempDir()
	layout := func(cfg *config.Config) {
		cfg.BaseDir = filepath.Join(dir, "openpilot")
		cfg.StagingRoot = filepath.Join(dir, "safe_staging")
		cfg.LockFile = filepath.Join(dir, "overlay.lock")
		cfg.ParamsPath = filepath.Join(dir, "params")
	}

	cfg, err := config.Load("", nil, append([]config.Override{layout}, overrides...)...)
	require.NoError(t, err)

	f := &daemonFixture{
		cfg:    cfg,
		remote: vcstest.NewRemote("rev-1"),
		cycles: make(chan update.CycleResult, 8),
	}

	f.driver = vcstest.NewDriver(f.remote)
	require.NoError(t, f.driver.AddWorkingCopy(cfg.BaseDir, "rev-1"))

	return f
}

func (f *daemonFixture) deps(store params.Store) Deps {
	return Deps{
		Driver:         f.driver,
		Store:          store,
		ProcessFinder:  processTable(),
		OnCycle:        f.record,
		DisableSignals: true,
	}
}

// record keeps cycles for nextCycle without ever blocking the worker.
func (f *daemonFixture) record(result update.CycleResult) {
	select {
	case f.cycles <- result:
	default:
	}
}

// start runs d until the test ends.
func start(t *testing.T, d *Daemon) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- d.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
		d.Close(context.Background())
	})
}

func (f *daemonFixture) nextCycle(t *testing.T) update.CycleResult {
	t.Helper()

	select {
	case result := <-f.cycles:
		return result
	case <-time.After(cycleTimeout):
		require.FailNow(t, "no cycle completed")

		return update.CycleResult{}
	}
}

// TestNew_UpdatesDisabled refuses to start when DisableUpdates is set.
func TestNew_UpdatesDisabled(t *testing.T) {
	t.Parallel()

	f := newDaemonFixture(t)
	store := params.NewMemoryStore()
	require.NoError(t, params.PutString(context.Background(), store, update.KeyDisableUpdates, update.TrueValue))

	_, err := New(context.Background(), f.cfg, f.deps(store))
	require.ErrorIs(t, err, ErrUpdatesDisabled)
	require.ErrorIs(t, err, config.ErrInvalid)
}

// TestNew_BaseNotRepository refuses to start without a readable base tree.
func TestNew_BaseNotRepository(t *testing.T) {
	t.Parallel()

	f := newDaemonFixture(t)
	f.driver = vcstest.NewDriver(f.remote)

	_, err := New(context.Background(), f.cfg, f.deps(params.NewMemoryStore()))
	require.ErrorIs(t, err, vcs.ErrNotRepository)
	require.ErrorIs(t, err, config.ErrInvalid)
}

// TestDaemon_RunsRequestedCycles runs a cycle per wake and stops on cancellation.
func TestDaemon_RunsRequestedCycles(t *testing.T) {
	t.Parallel()

	f := newDaemonFixture(t, func(cfg *config.Config) { cfg.IgnoreOffroad = true })
	store := params.NewMemoryStore()

	d, err := New(context.Background(), f.cfg, f.deps(store))
	require.NoError(t, err)
	require.Nil(t, d.HealthAddr())
	require.Nil(t, d.MetricsAddr())

	start(t, d)

	require.True(t, d.Wake(update.ReasonManual))

	result := f.nextCycle(t)
	require.Equal(t, update.ReasonManual, result.Reason)
	require.False(t, result.Failed)
	require.Equal(t, update.Revision("rev-1"), result.Head)

	f.remote.Publish("rev-2", nil)
	d.Wake(update.ReasonSignal)

	result = f.nextCycle(t)
	require.True(t, result.UpdateAvailable)

	available, _, err := params.GetString(context.Background(), store, update.KeyUpdateAvailable)
	require.NoError(t, err)
	require.Equal(t, update.TrueValue, available)
}

// TestDaemon_StartupCycle runs the scheduled startup cycle.
func TestDaemon_StartupCycle(t *testing.T) {
	t.Parallel()

	f := newDaemonFixture(t, func(cfg *config.Config) { cfg.StartupDelay = 50 * time.Millisecond })

	d, err := New(context.Background(), f.cfg, f.deps(params.NewMemoryStore()))
	require.NoError(t, err)

	start(t, d)

	result := f.nextCycle(t)
	require.Equal(t, update.ReasonStartup, result.Reason)
	require.True(t, result.Skipped)
}

// TestDaemon_Endpoints serves health and metrics on ephemeral ports.
func TestDaemon_Endpoints(t *testing.T) {
	t.Parallel()

	f := newDaemonFixture(t, func(cfg *config.Config) {
		cfg.HealthAddress = "127.0.0.1:0"
		cfg.MetricsAddress = "127.0.0.1:0"
	})

	d, err := New(context.Background(), f.cfg, f.deps(params.NewMemoryStore()))
	require.NoError(t, err)
	require.NotNil(t, d.HealthAddr())
	require.NotNil(t, d.MetricsAddr())

	start(t, d)

	d.Wake(update.ReasonManual)
	f.nextCycle(t)

	response, err := http.Get("http://" + d.MetricsAddr().String() + "/metrics") //nolint:noctx // Test helper.
	require.NoError(t, err)

	defer func() { _ = response.Body.Close() }()

	body, err := io.ReadAll(response.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `updated_cycles_total{outcome="skipped"} 1`)

	conn, err := grpc.NewClient(d.HealthAddr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), cycleTimeout)
	defer cancel()

	check, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: health.ServiceName})
	require.NoError(t, err)
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, check.GetStatus())
}

// TestDaemon_OffroadWake starts a cycle when another process sets IsOffroad.
func TestDaemon_OffroadWake(t *testing.T) {
	t.Parallel()

	f := newDaemonFixture(t)

	store, err := params.NewFileStore(f.cfg.ParamsPath)
	require.NoError(t, err)

	d, err := New(context.Background(), f.cfg, f.deps(store))
	require.NoError(t, err)

	start(t, d)

	// The watcher starts with Run, so keep writing until a cycle reports.
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	deadline := time.After(cycleTimeout)

	var result update.CycleResult

	for result.ID == "" {
		select {
		case result = <-f.cycles:
		case <-ticker.C:
			require.NoError(t, params.PutString(context.Background(), store, update.KeyIsOffroad, update.TrueValue))
		case <-deadline:
			require.FailNow(t, "no offroad cycle")
		}
	}

	require.Equal(t, update.ReasonOffroad, result.Reason)
	require.False(t, result.Skipped)
	require.False(t, result.Failed)
}

package updater

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/oshokin/ota-updated/internal/api/grpc/health"
	"github.com/oshokin/ota-updated/internal/config"
	"github.com/oshokin/ota-updated/internal/domain/update"
	"github.com/oshokin/ota-updated/internal/logger"
	"github.com/oshokin/ota-updated/internal/metrics"
	"github.com/oshokin/ota-updated/internal/repository/params"
	"github.com/oshokin/ota-updated/internal/service/lock"
	"github.com/oshokin/ota-updated/internal/service/overlay"
	"github.com/oshokin/ota-updated/internal/service/priority"
	"github.com/oshokin/ota-updated/internal/service/revsync"
	"github.com/oshokin/ota-updated/internal/service/status"
	"github.com/oshokin/ota-updated/internal/service/wake"
	"github.com/oshokin/ota-updated/internal/vcs"
)

var (
	// ErrUpdatesDisabled is returned at startup when DisableUpdates is set.
	ErrUpdatesDisabled = errors.New("updates are disabled on this device")

	// errAlreadyRunning is returned by a second Run.
	errAlreadyRunning = errors.New("daemon is already running")
)

// Deps replaces the collaborators New would otherwise build from the configuration.
type Deps struct {
	// Driver opens and clones working copies; go-git when nil.
	Driver vcs.Driver
	// Store is the status store; opened from the configuration when nil.
	// A provided store is not closed by the daemon.
	Store params.Store
	// ProcessFinder resolves lock owners; the process table when nil.
	ProcessFinder lock.ProcessFinder
	// OnCycle is called by the worker after every cycle.
	OnCycle func(update.CycleResult)
	// DisableSignals leaves SIGHUP to the caller.
	DisableSignals bool
}

// Daemon owns the wake source and the single worker running update cycles.
type Daemon struct {
	cfg       *config.Config
	store     params.Store
	ownsStore bool
	machine   *Machine
	wake      *wake.Source
	recorder  *metrics.Recorder
	health    *health.Server
	onCycle   func(update.CycleResult)

	healthListener  net.Listener
	metricsListener net.Listener

	mu      sync.Mutex
	running bool
}

// New validates the startup conditions and wires the daemon. Refusing to start
// because of the store contents or the base tree is a configuration failure.
//
//nolint:funlen // Wiring reads better in one place.
func New(ctx context.Context, cfg *config.Config, deps Deps) (*Daemon, error) {
	d := &Daemon{
		cfg:      cfg,
		store:    deps.Store,
		recorder: metrics.NewRecorder(),
		onCycle:  deps.OnCycle,
	}

	if d.store == nil {
		store, err := params.Open(ctx, cfg.ParamsBackend, cfg.ParamsPath)
		if err != nil {
			return nil, fmt.Errorf("open params store: %w", err)
		}

		d.store = store
		d.ownsStore = true
	}

	driver := deps.Driver
	if driver == nil {
		driver = vcs.NewGoGit()
	}

	if err := d.checkStartup(ctx, driver); err != nil {
		d.closeStore(ctx)

		return nil, err
	}

	if err := priority.Lower(); err != nil {
		logger.WarnKV(ctx, "Unable to lower process priority", "error", err)
	}

	if err := d.listen(ctx); err != nil {
		d.closeStore(ctx)

		return nil, err
	}

	locker := lock.NewManager(cfg.LockFile,
		lock.WithPollInterval(cfg.LockPollInterval),
		lock.WithProcessFinder(deps.ProcessFinder))

	machineOptions := []MachineOption{WithObserver(d.recorder)}
	if d.health != nil {
		machineOptions = append(machineOptions, WithHealth(d.health))
	}

	d.machine = NewMachine(
		MachineConfig{IgnoreOffroad: cfg.IgnoreOffroad, LockTimeout: cfg.LockTimeout},
		d.store,
		locker,
		overlay.NewStager(cfg.BaseDir, cfg.StagingRoot, driver),
		revsync.NewEngine(),
		status.NewReporter(d.store),
		machineOptions...,
	)

	wakeOptions := []wake.Option{
		wake.WithSchedule(cfg.CheckInterval, cfg.StartupDelay),
		wake.WithObserver(d.recorder),
	}

	if !deps.DisableSignals {
		wakeOptions = append(wakeOptions, wake.WithHangupSignal())
	}

	if fileStore, ok := d.store.(*params.FileStore); ok && cfg.WatchParams {
		wakeOptions = append(wakeOptions, wake.WithParamWatch(fileStore.Dir(), d.offroad))
	}

	d.wake = wake.NewSource(wakeOptions...)

	return d, nil
}

// checkStartup refuses to run when updates are disabled or the base tree is unusable.
func (d *Daemon) checkStartup(ctx context.Context, driver vcs.Driver) error {
	disabled, _, err := params.GetString(ctx, d.store, update.KeyDisableUpdates)
	if err != nil {
		return fmt.Errorf("read %s: %w", update.KeyDisableUpdates, err)
	}

	if strings.TrimSpace(disabled) == update.TrueValue {
		return fmt.Errorf("%w: %w", config.ErrInvalid, ErrUpdatesDisabled)
	}

	if _, err = driver.Open(ctx, d.cfg.BaseDir); err != nil {
		return fmt.Errorf("%w: base tree %s: %w", config.ErrInvalid, d.cfg.BaseDir, err)
	}

	return nil
}

// listen binds the optional health and metrics endpoints.
func (d *Daemon) listen(ctx context.Context) error {
	var listenConfig net.ListenConfig

	if d.cfg.HealthAddress != "" {
		listener, err := listenConfig.Listen(ctx, "tcp", d.cfg.HealthAddress)
		if err != nil {
			return fmt.Errorf("listen health: %w", err)
		}

		d.healthListener = listener
		d.health = health.NewServer()
	}

	if d.cfg.MetricsAddress != "" {
		listener, err := listenConfig.Listen(ctx, "tcp", d.cfg.MetricsAddress)
		if err != nil {
			d.closeListeners()

			return fmt.Errorf("listen metrics: %w", err)
		}

		d.metricsListener = listener
	}

	return nil
}

// Wake queues a cycle the same way the timer and SIGHUP do.
func (d *Daemon) Wake(reason update.Reason) bool {
	return d.wake.Request(reason)
}

// Machine returns the cycle state machine.
func (d *Daemon) Machine() *Machine {
	return d.machine
}

// Recorder returns the metrics recorder.
func (d *Daemon) Recorder() *metrics.Recorder {
	return d.recorder
}

// HealthAddr returns the bound health address, nil when disabled.
func (d *Daemon) HealthAddr() net.Addr {
	if d.healthListener == nil {
		return nil
	}

	return d.healthListener.Addr()
}

// MetricsAddr returns the bound metrics address, nil when disabled.
func (d *Daemon) MetricsAddr() net.Addr {
	if d.metricsListener == nil {
		return nil
	}

	return d.metricsListener.Addr()
}

// Run serves the endpoints and runs cycles one at a time until ctx is done
// or an endpoint fails. Cancellation is a graceful shutdown and returns nil.
func (d *Daemon) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()

		return errAlreadyRunning
	}

	d.running = true
	d.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg        sync.WaitGroup
		errMu     sync.Mutex
		serverErr error
	)

	serve := func(name string, run func(context.Context) error) {
		wg.Add(1)

		go func() {
			defer wg.Done()

			if err := run(ctx); err != nil {
				logger.ErrorKV(ctx, "Endpoint stopped", "endpoint", name, "error", err)

				errMu.Lock()
				serverErr = errors.Join(serverErr, err)
				errMu.Unlock()

				cancel()
			}
		}()
	}

	if d.health != nil {
		serve("health", func(ctx context.Context) error { return d.health.Serve(ctx, d.healthListener) })
	}

	if d.metricsListener != nil {
		serve("metrics", func(ctx context.Context) error { return d.recorder.Serve(ctx, d.metricsListener) })
	}

	if err := d.wake.Start(ctx); err != nil {
		cancel()
		wg.Wait()

		return fmt.Errorf("start wake source: %w", err)
	}

	logger.InfoKV(ctx, "Update daemon started",
		"base_dir", d.cfg.BaseDir,
		"staging_root", d.cfg.StagingRoot,
		"check_interval", d.cfg.CheckInterval)

	d.work(ctx)

	if err := d.wake.Stop(); err != nil {
		logger.WarnKV(ctx, "Wake source stop failed", "error", err)
	}

	wg.Wait()

	logger.Info(ctx, "Update daemon stopped")

	return serverErr
}

// work is the single worker: it runs one cycle per wake until ctx is done.
func (d *Daemon) work(ctx context.Context) {
	for {
		// Shutdown wins over a pending wake.
		if ctx.Err() != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case reason := <-d.wake.Requests():
			result := d.machine.RunCycle(ctx, reason)

			if d.onCycle != nil {
				d.onCycle(result)
			}
		}
	}
}

// Close releases the store when the daemon opened it.
func (d *Daemon) Close(ctx context.Context) {
	d.closeListeners()
	d.closeStore(ctx)
}

func (d *Daemon) closeListeners() {
	for _, listener := range []net.Listener{d.healthListener, d.metricsListener} {
		if listener != nil {
			_ = listener.Close()
		}
	}
}

func (d *Daemon) closeStore(ctx context.Context) {
	if !d.ownsStore {
		return
	}

	if err := d.store.Close(); err != nil {
		logger.WarnKV(ctx, "Params store close failed", "error", err)
	}
}

// offroad reports whether IsOffroad is set.
func (d *Daemon) offroad(ctx context.Context) bool {
	value, ok, err := params.GetString(ctx, d.store, update.KeyIsOffroad)

	return err == nil && ok && strings.TrimSpace(value) == update.TrueValue
}

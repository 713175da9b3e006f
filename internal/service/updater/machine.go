package updater

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/oshokin/ota-updated/internal/domain/update"
	"github.com/oshokin/ota-updated/internal/logger"
	"github.com/oshokin/ota-updated/internal/repository/params"
	"github.com/oshokin/ota-updated/internal/service/lock"
	"github.com/oshokin/ota-updated/internal/service/overlay"
	"github.com/oshokin/ota-updated/internal/service/revsync"
)

// errCyclePanic wraps a panic recovered inside a cycle.
var errCyclePanic = errors.New("cycle panicked")

// Locker hands out the staging lock.
type Locker interface {
	Acquire(ctx context.Context, timeout time.Duration) (*lock.Handle, error)
}

// Stager builds, removes and promotes the overlay.
type Stager interface {
	Ensure(ctx context.Context) (*overlay.Overlay, error)
	Teardown(ctx context.Context) error
	Finalize(ctx context.Context, ov *overlay.Overlay) error
	FinalizedHead() (update.Revision, bool)
}

// Syncer brings an overlay to the upstream head.
type Syncer interface {
	Sync(ctx context.Context, ov *overlay.Overlay) (*revsync.Result, error)
}

// Reporter persists cycle results.
type Reporter interface {
	Report(ctx context.Context, result *update.CycleResult) error
	UpdateAvailable(ctx context.Context) (bool, error)
}

// Observer is told about finished cycles.
type Observer interface {
	ObserveCycle(outcome string, duration time.Duration, updateAvailable bool)
	ObserveLockWait(wait time.Duration)
}

// HealthSetter publishes whether the last cycle succeeded.
type HealthSetter interface {
	SetServing(serving bool)
}

// MachineConfig holds the settings the state machine needs.
type MachineConfig struct {
	// IgnoreOffroad lets cycles stage while the vehicle is onroad.
	IgnoreOffroad bool
	// LockTimeout bounds the wait for the staging lock.
	LockTimeout time.Duration
}

// Machine runs one update cycle at a time. It is driven by a single worker.
type Machine struct {
	cfg      MachineConfig
	store    params.Store
	locker   Locker
	stager   Stager
	syncer   Syncer
	reporter Reporter
	observer Observer
	health   HealthSetter
	now      func() time.Time

	state atomic.Int32
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithObserver reports finished cycles and lock waits to observer.
func WithObserver(observer Observer) MachineOption {
	return func(m *Machine) {
		m.observer = observer
	}
}

// WithHealth publishes cycle health to setter.
func WithHealth(setter HealthSetter) MachineOption {
	return func(m *Machine) {
		m.health = setter
	}
}

// WithClock replaces the wall clock used for cycle timestamps.
func WithClock(now func() time.Time) MachineOption {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMachine wires the cycle components together.
func NewMachine(
	cfg MachineConfig,
	store params.Store,
	locker Locker,
	stager Stager,
	syncer Syncer,
	reporter Reporter,
	opts ...MachineOption,
) *Machine {
	m := &Machine{
		cfg:      cfg,
		store:    store,
		locker:   locker,
		stager:   stager,
		syncer:   syncer,
		reporter: reporter,
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// State returns the current node of the state machine.
func (m *Machine) State() update.State {
	return update.State(m.state.Load())
}

func (m *Machine) setState(state update.State) {
	m.state.Store(int32(state)) //nolint:gosec // States are small constants.
}

// RunCycle performs one cycle: gate, lock, ensure, sync, finalize, report.
// It always reports and returns to Idle, whatever happens in between.
func (m *Machine) RunCycle(ctx context.Context, reason update.Reason) update.CycleResult {
	started := m.now()

	result := update.CycleResult{
		ID:     uuid.NewString(),
		Reason: reason,
	}

	ctx = logger.WithKV(ctx, "cycle_id", result.ID, "reason", string(reason))

	logger.InfoKV(ctx, "Cycle started")

	result.UpdateAvailable = m.lastKnownAvailability(ctx)

	err := m.guardedCheck(ctx, &result)

	switch {
	case err == nil:
	case ctx.Err() != nil:
		// Shutdown interrupted the cycle; it did not fail.
		result.Skipped = true
		result.Err = err

		logger.WarnKV(ctx, "Cycle interrupted by shutdown", "error", err)
	default:
		m.setState(update.StateFailed)

		result.Failed = true
		result.Err = err

		logger.ErrorKV(ctx, "Cycle failed", "error", err)
	}

	m.report(ctx, &result, started)

	return result
}

// guardedCheck runs check and converts a panic into an error.
func (m *Machine) guardedCheck(ctx context.Context, result *update.CycleResult) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("%w: %v", errCyclePanic, recovered)
		}
	}()

	return m.check(ctx, result)
}

// check gates the cycle and stages when allowed.
func (m *Machine) check(ctx context.Context, result *update.CycleResult) error {
	m.setState(update.StateChecking)

	allowed, err := m.stagingAllowed(ctx)
	if err != nil {
		return err
	}

	if !allowed {
		result.Skipped = true

		logger.InfoKV(ctx, "Vehicle is onroad, skipping staging")

		return nil
	}

	m.setState(update.StateStaging)

	return m.stage(ctx, result)
}

// stage holds the lock while the overlay is ensured, synchronized and promoted.
func (m *Machine) stage(ctx context.Context, result *update.CycleResult) error {
	handle, err := m.locker.Acquire(ctx, m.cfg.LockTimeout)
	if err != nil {
		return fmt.Errorf("acquire staging lock: %w", err)
	}

	if m.observer != nil {
		m.observer.ObserveLockWait(handle.Waited)
	}

	defer func() {
		if releaseErr := handle.Release(); releaseErr != nil {
			logger.WarnKV(ctx, "Staging lock release failed", "error", releaseErr)
		}
	}()

	ov, err := m.stager.Ensure(ctx)
	if err != nil {
		m.teardown(ctx)

		return fmt.Errorf("stage overlay: %w", err)
	}

	synced, err := m.syncer.Sync(ctx, ov)
	if err != nil {
		m.teardown(ctx)

		return fmt.Errorf("sync overlay: %w", err)
	}

	result.Head = synced.NewHead

	if synced.Changed {
		if err = m.finalize(ctx, ov, synced.NewHead); err != nil {
			m.teardown(ctx)

			return err
		}
	}

	result.UpdateAvailable = synced.Changed

	logger.InfoKV(ctx, "Overlay synchronized",
		"running_head", synced.RunningHead.Short(),
		"staged_head", synced.NewHead.Short(),
		"moved", synced.Moved,
		"update_available", synced.Changed)

	return nil
}

// finalize promotes the overlay unless the finalized copy already holds head.
func (m *Machine) finalize(ctx context.Context, ov *overlay.Overlay, head update.Revision) error {
	if finalized, ok := m.stager.FinalizedHead(); ok && finalized == head {
		return nil
	}

	if err := m.stager.Finalize(ctx, ov); err != nil {
		return fmt.Errorf("finalize overlay: %w", err)
	}

	return nil
}

// teardown removes an overlay left unusable by a failure. An interrupted cycle
// keeps it; the next Ensure decides whether it must be rebuilt.
func (m *Machine) teardown(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	if err := m.stager.Teardown(ctx); err != nil {
		logger.ErrorKV(ctx, "Overlay teardown failed", "error", err)
	}
}

// stagingAllowed reports whether the gate lets the cycle stage.
func (m *Machine) stagingAllowed(ctx context.Context) (bool, error) {
	if m.cfg.IgnoreOffroad {
		return true, nil
	}

	value, ok, err := params.GetString(ctx, m.store, update.KeyIsOffroad)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", update.KeyIsOffroad, err)
	}

	return ok && strings.TrimSpace(value) == update.TrueValue, nil
}

// lastKnownAvailability returns the persisted flag, false when it cannot be read.
func (m *Machine) lastKnownAvailability(ctx context.Context) bool {
	available, err := m.reporter.UpdateAvailable(ctx)
	if err != nil {
		logger.WarnKV(ctx, "Unable to read last known availability", "error", err)

		return false
	}

	return available
}

// report persists the result on a context that survives shutdown.
func (m *Machine) report(ctx context.Context, result *update.CycleResult, started time.Time) {
	m.setState(update.StateReporting)

	reportCtx := context.WithoutCancel(ctx)
	result.Timestamp = m.now()

	if err := m.reporter.Report(reportCtx, result); err != nil {
		logger.ErrorKV(reportCtx, "Status report failed", "error", err)
	}

	duration := result.Timestamp.Sub(started)

	if m.observer != nil {
		m.observer.ObserveCycle(result.Outcome(), duration, result.UpdateAvailable)
	}

	if m.health != nil {
		m.health.SetServing(!result.Failed)
	}

	logger.InfoKV(reportCtx, "Cycle finished",
		"outcome", result.Outcome(),
		"duration", duration)

	m.setState(update.StateIdle)
}

package status

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/oshokin/ota-updated/internal/domain/update"
	"github.com/oshokin/ota-updated/internal/logger"
	"github.com/oshokin/ota-updated/internal/repository/params"
)

// Reporter writes cycle results to the status store.
type Reporter struct {
	// store is the persistent key-value store.
	store params.Store
}

// NewReporter returns a reporter writing into store.
func NewReporter(store params.Store) *Reporter {
	return &Reporter{store: store}
}

// Report persists result. UpdateAvailable and UpdateFailedCount are written before
// LastUpdateTime, so a fresh LastUpdateTime implies the other keys are current.
func (r *Reporter) Report(ctx context.Context, result *update.CycleResult) error {
	if err := r.writeAvailability(ctx, result.UpdateAvailable); err != nil {
		return err
	}

	failures, err := r.FailedCount(ctx)
	if err != nil {
		return err
	}

	switch {
	case result.Failed:
		failures++

		if err = params.PutString(ctx, r.store, update.KeyUpdateFailedCount, strconv.Itoa(failures)); err != nil {
			return fmt.Errorf("write %s: %w", update.KeyUpdateFailedCount, err)
		}
	default:
		if err = r.initializeCounter(ctx); err != nil {
			return err
		}
	}

	timestamp := result.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	err = params.PutString(ctx, r.store, update.KeyLastUpdateTime, timestamp.UTC().Format(update.TimestampLayout))
	if err != nil {
		return fmt.Errorf("write %s: %w", update.KeyLastUpdateTime, err)
	}

	logger.DebugKV(ctx, "Status reported",
		"update_available", result.UpdateAvailable,
		"failed_count", failures)

	return nil
}

// UpdateAvailable returns the persisted availability flag.
func (r *Reporter) UpdateAvailable(ctx context.Context) (bool, error) {
	value, ok, err := params.GetString(ctx, r.store, update.KeyUpdateAvailable)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", update.KeyUpdateAvailable, err)
	}

	return ok && strings.TrimSpace(value) == update.TrueValue, nil
}

// FailedCount returns the persisted failure counter. Absent or unparsable values count as zero.
func (r *Reporter) FailedCount(ctx context.Context) (int, error) {
	value, ok, err := params.GetString(ctx, r.store, update.KeyUpdateFailedCount)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", update.KeyUpdateFailedCount, err)
	}

	if !ok {
		return 0, nil
	}

	count, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || count < 0 {
		logger.WarnKV(ctx, "Resetting unparsable failure counter", "value", value)

		return 0, nil
	}

	return count, nil
}

// writeAvailability stores "1" or removes the key.
func (r *Reporter) writeAvailability(ctx context.Context, available bool) error {
	var err error

	if available {
		err = params.PutString(ctx, r.store, update.KeyUpdateAvailable, update.TrueValue)
	} else {
		err = r.store.Delete(ctx, update.KeyUpdateAvailable)
	}

	if err != nil {
		return fmt.Errorf("write %s: %w", update.KeyUpdateAvailable, err)
	}

	return nil
}

// initializeCounter writes "0" when the counter is absent so observers can always parse it.
func (r *Reporter) initializeCounter(ctx context.Context) error {
	_, ok, err := params.GetString(ctx, r.store, update.KeyUpdateFailedCount)
	if err != nil {
		return fmt.Errorf("read %s: %w", update.KeyUpdateFailedCount, err)
	}

	if ok {
		return nil
	}

	if err = params.PutString(ctx, r.store, update.KeyUpdateFailedCount, "0"); err != nil {
		return fmt.Errorf("write %s: %w", update.KeyUpdateFailedCount, err)
	}

	return nil
}

// Snapshot is the persisted status as other processes see it.
type Snapshot struct {
	// UpdateAvailable mirrors the UpdateAvailable key.
	UpdateAvailable bool `yaml:"update_available"`
	// FailedCount mirrors the UpdateFailedCount key.
	FailedCount int `yaml:"update_failed_count"`
	// LastUpdateTime is the raw LastUpdateTime value, empty before the first cycle.
	LastUpdateTime string `yaml:"last_update_time"`
}

// Snapshot reads every status key.
func (r *Reporter) Snapshot(ctx context.Context) (*Snapshot, error) {
	available, err := r.UpdateAvailable(ctx)
	if err != nil {
		return nil, err
	}

	failures, err := r.FailedCount(ctx)
	if err != nil {
		return nil, err
	}

	lastUpdate, _, err := params.GetString(ctx, r.store, update.KeyLastUpdateTime)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", update.KeyLastUpdateTime, err)
	}

	return &Snapshot{
		UpdateAvailable: available,
		FailedCount:     failures,
		LastUpdateTime:  strings.TrimSpace(lastUpdate),
	}, nil
}

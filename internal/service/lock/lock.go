package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/mitchellh/go-ps"
	"gopkg.in/yaml.v3"

	"github.com/oshokin/ota-updated/internal/logger"
)

const (
	// defaultPollInterval is the retry period while the lock is busy.
	defaultPollInterval = 100 * time.Millisecond
	// directoryPermissions is used when the lock file's parent is missing.
	directoryPermissions = 0o750
	// recordPermissions is used for the lock file body.
	recordPermissions = 0o644
)

var (
	// ErrBusy is returned when another live process keeps the lock past the timeout.
	ErrBusy = errors.New("lock is held by another process")
	// ErrUnavailable is returned when the lock file cannot be created or opened.
	ErrUnavailable = errors.New("lock file is unavailable")
)

// ProcessFinder looks up a process by pid. It returns nil when the process does not exist.
type ProcessFinder func(pid int) (ps.Process, error)

// owner identifies the process that holds the lock. It is stored in the lock file body.
type owner struct {
	// PID is the process id of the holder.
	PID int `yaml:"pid"`
	// Executable is the holder's executable name as reported by the process table.
	Executable string `yaml:"executable"`
}

// Manager hands out the cross-process staging lock.
type Manager struct {
	// path is the lock file.
	path string
	// pollInterval is the retry period while the lock is busy.
	pollInterval time.Duration
	// findProcess resolves recorded owners.
	findProcess ProcessFinder
	// self is the record written on acquisition.
	self owner
}

// Option configures a Manager.
type Option func(*Manager)

// WithPollInterval sets the retry period while the lock is busy.
func WithPollInterval(interval time.Duration) Option {
	return func(m *Manager) {
		if interval > 0 {
			m.pollInterval = interval
		}
	}
}

// WithProcessFinder replaces the process table lookup.
func WithProcessFinder(finder ProcessFinder) Option {
	return func(m *Manager) {
		if finder != nil {
			m.findProcess = finder
		}
	}
}

// WithOwner replaces the identity recorded for this process.
func WithOwner(pid int, executable string) Option {
	return func(m *Manager) {
		m.self = owner{PID: pid, Executable: executable}
	}
}

// NewManager returns a manager for the lock file at path.
func NewManager(path string, opts ...Option) *Manager {
	m := &Manager{
		path:         path,
		pollInterval: defaultPollInterval,
		findProcess:  ps.FindProcess,
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.self.PID == 0 {
		m.self = m.currentProcess()
	}

	return m
}

// Handle is a held lock. It must be released exactly once; extra releases are no-ops.
type Handle struct {
	// Waited is how long Acquire waited for the lock.
	Waited time.Duration
	// Reclaimed reports that a record of a dead owner was overwritten.
	Reclaimed bool

	path    string
	fileLck *flock.Flock
	once    sync.Once
}

// Acquire waits up to timeout for the lock. A record left by a dead process is reclaimed
// without waiting. Context cancellation aborts the wait.
func (m *Manager) Acquire(ctx context.Context, timeout time.Duration) (*Handle, error) {
	if err := os.MkdirAll(filepath.Dir(m.path), directoryPermissions); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	started := time.Now()
	deadline := started.Add(timeout)

	for {
		handle, err := m.tryAcquire(ctx)
		if err != nil {
			return nil, err
		}

		if handle != nil {
			handle.Waited = time.Since(started)

			return handle, nil
		}

		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("%w: %s after %s", ErrBusy, m.path, timeout)
		}

		wait := min(m.pollInterval, time.Until(deadline))
		timer := time.NewTimer(wait)

		select {
		case <-ctx.Done():
			timer.Stop()

			return nil, fmt.Errorf("wait for lock: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

// tryAcquire makes one attempt. It returns nil without an error when the lock is busy.
func (m *Manager) tryAcquire(ctx context.Context) (*Handle, error) {
	fileLock := flock.New(m.path)

	locked, err := fileLock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	if !locked {
		return nil, nil //nolint:nilnil // Busy is not an error until the timeout passes.
	}

	previous, err := m.readOwner()
	if err != nil {
		logger.WarnKV(ctx, "Unreadable lock record, reclaiming", "path", m.path, "error", err)
	}

	if previous != nil && previous.PID != m.self.PID && m.isAlive(*previous) {
		_ = fileLock.Unlock()

		return nil, nil //nolint:nilnil // Busy is not an error until the timeout passes.
	}

	reclaimed := previous != nil && previous.PID != m.self.PID
	if reclaimed {
		logger.InfoKV(ctx, "Reclaiming lock of a dead process",
			"path", m.path,
			"pid", previous.PID,
			"executable", previous.Executable)
	}

	if err = m.writeOwner(&m.self); err != nil {
		_ = fileLock.Unlock()

		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	return &Handle{Reclaimed: reclaimed, path: m.path, fileLck: fileLock}, nil
}

// Release clears the owner record and unlocks the file. The file is kept in place.
func (h *Handle) Release() error {
	if h == nil {
		return nil
	}

	var err error

	h.once.Do(func() {
		if truncateErr := os.Truncate(h.path, 0); truncateErr != nil {
			err = fmt.Errorf("clear lock record: %w", truncateErr)
		}

		if unlockErr := h.fileLck.Unlock(); unlockErr != nil {
			err = errors.Join(err, fmt.Errorf("unlock: %w", unlockErr))
		}
	})

	return err
}

// isAlive reports whether the recorded owner still runs the same executable.
func (m *Manager) isAlive(recorded owner) bool {
	if recorded.PID <= 0 {
		return false
	}

	process, err := m.findProcess(recorded.PID)
	if err != nil || process == nil {
		return false
	}

	return recorded.Executable == "" || process.Executable() == recorded.Executable
}

// readOwner returns the recorded owner or nil when the record is empty.
func (m *Manager) readOwner() (*owner, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return nil, fmt.Errorf("read lock record: %w", err)
	}

	if len(data) == 0 {
		return nil, nil //nolint:nilnil // An empty record means a released lock.
	}

	var recorded owner
	if err = yaml.Unmarshal(data, &recorded); err != nil {
		return nil, fmt.Errorf("parse lock record: %w", err)
	}

	return &recorded, nil
}

// writeOwner replaces the record in place, keeping the locked inode.
func (m *Manager) writeOwner(record *owner) error {
	data, err := yaml.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal lock record: %w", err)
	}

	file, err := os.OpenFile(m.path, os.O_WRONLY|os.O_TRUNC, recordPermissions)
	if err != nil {
		return fmt.Errorf("open lock record: %w", err)
	}

	if _, err = file.Write(data); err != nil {
		_ = file.Close()

		return fmt.Errorf("write lock record: %w", err)
	}

	if err = file.Sync(); err != nil {
		_ = file.Close()

		return fmt.Errorf("sync lock record: %w", err)
	}

	return file.Close()
}

// currentProcess describes this process the way the process table reports it.
func (m *Manager) currentProcess() owner {
	pid := os.Getpid()

	if process, err := m.findProcess(pid); err == nil && process != nil {
		return owner{PID: pid, Executable: process.Executable()}
	}

	return owner{PID: pid, Executable: filepath.Base(os.Args[0])}
}

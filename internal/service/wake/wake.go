package wake

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-co-op/gocron/v2"

	"github.com/oshokin/ota-updated/internal/domain/update"
	"github.com/oshokin/ota-updated/internal/logger"
)

// errAlreadyStarted is returned by a second Start.
var errAlreadyStarted = errors.New("wake source already started")

// Observer is told about every wake request.
type Observer interface {
	IncWakeRequest(reason string, queued bool)
}

// OffroadCheck reports whether the vehicle is currently offroad.
type OffroadCheck func(ctx context.Context) bool

// Source merges timer ticks, SIGHUP and param changes into a one-slot channel
// read by the single cycle worker.
type Source struct {
	// requests holds at most one pending wake.
	requests chan update.Reason

	// checkInterval is the period of the timer job; zero disables it.
	checkInterval time.Duration
	// startupDelay is the wait before the startup job.
	startupDelay time.Duration
	// hangup enables the SIGHUP listener.
	hangup bool
	// watchDir is the params directory to watch; empty disables the watcher.
	watchDir string
	// offroad checks the value behind an IsOffroad change.
	offroad OffroadCheck
	// observer counts requests.
	observer Observer

	mu        sync.Mutex
	started   bool
	cancel    context.CancelFunc
	scheduler gocron.Scheduler
	watcher   *fsnotify.Watcher
	wg        sync.WaitGroup
}

// Option configures a Source.
type Option func(*Source)

// WithSchedule enables the periodic timer and the delayed startup wake.
func WithSchedule(checkInterval, startupDelay time.Duration) Option {
	return func(s *Source) {
		s.checkInterval = checkInterval
		s.startupDelay = startupDelay
	}
}

// WithHangupSignal makes SIGHUP request a cycle.
func WithHangupSignal() Option {
	return func(s *Source) {
		s.hangup = true
	}
}

// WithParamWatch requests a cycle when IsOffroad in dir changes and check reports offroad.
func WithParamWatch(dir string, check OffroadCheck) Option {
	return func(s *Source) {
		s.watchDir = dir
		s.offroad = check
	}
}

// WithObserver reports every request to observer.
func WithObserver(observer Observer) Option {
	return func(s *Source) {
		s.observer = observer
	}
}

// NewSource returns a stopped wake source.
func NewSource(opts ...Option) *Source {
	s := &Source{requests: make(chan update.Reason, 1)}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Request queues a wake. It returns false when one is already pending; the
// pending wake then covers this one as well.
func (s *Source) Request(reason update.Reason) bool {
	var queued bool

	select {
	case s.requests <- reason:
		queued = true
	default:
	}

	if s.observer != nil {
		s.observer.IncWakeRequest(string(reason), queued)
	}

	return queued
}

// Requests returns the channel the cycle worker reads from.
func (s *Source) Requests() <-chan update.Reason {
	return s.requests
}

// Start launches the configured producers. They run until Stop or until ctx is done.
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)

	if err := s.startScheduler(ctx); err != nil {
		cancel()

		return err
	}

	if err := s.startWatcher(ctx); err != nil {
		cancel()
		s.shutdownScheduler(ctx)

		return err
	}

	if s.hangup {
		s.startSignalListener(ctx)
	}

	s.cancel = cancel
	s.started = true

	return nil
}

// Stop ends every producer and waits for their goroutines.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}

	s.cancel()

	var err error

	if s.scheduler != nil {
		if shutdownErr := s.scheduler.Shutdown(); shutdownErr != nil {
			err = fmt.Errorf("stop scheduler: %w", shutdownErr)
		}

		s.scheduler = nil
	}

	if s.watcher != nil {
		if closeErr := s.watcher.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("stop param watcher: %w", closeErr))
		}

		s.watcher = nil
	}

	s.wg.Wait()
	s.started = false

	return err
}

// startScheduler registers the timer and startup jobs.
func (s *Source) startScheduler(ctx context.Context) error {
	if s.checkInterval <= 0 {
		return nil
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(s.checkInterval),
		gocron.NewTask(func() { s.Request(update.ReasonTimer) }),
		gocron.WithName("update-check"),
	)
	if err != nil {
		_ = scheduler.Shutdown()

		return fmt.Errorf("schedule periodic check: %w", err)
	}

	startAt := gocron.OneTimeJobStartImmediately()
	if s.startupDelay > 0 {
		startAt = gocron.OneTimeJobStartDateTime(time.Now().Add(s.startupDelay))
	}

	_, err = scheduler.NewJob(
		gocron.OneTimeJob(startAt),
		gocron.NewTask(func() { s.Request(update.ReasonStartup) }),
		gocron.WithName("startup-check"),
	)
	if err != nil {
		_ = scheduler.Shutdown()

		return fmt.Errorf("schedule startup check: %w", err)
	}

	scheduler.Start()
	s.scheduler = scheduler

	logger.DebugKV(ctx, "Scheduler started",
		"check_interval", s.checkInterval,
		"startup_delay", s.startupDelay)

	return nil
}

func (s *Source) shutdownScheduler(ctx context.Context) {
	if s.scheduler == nil {
		return
	}

	if err := s.scheduler.Shutdown(); err != nil {
		logger.WarnKV(ctx, "Scheduler shutdown failed", "error", err)
	}

	s.scheduler = nil
}

// startSignalListener forwards SIGHUP to Request from a dedicated goroutine.
func (s *Source) startSignalListener(ctx context.Context) {
	hangups := make(chan os.Signal, 1)
	signal.Notify(hangups, syscall.SIGHUP)

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		defer signal.Stop(hangups)

		for {
			select {
			case <-ctx.Done():
				return
			case <-hangups:
				queued := s.Request(update.ReasonSignal)
				logger.InfoKV(ctx, "SIGHUP received", "queued", queued)
			}
		}
	}()
}

// startWatcher watches the params directory for IsOffroad updates.
func (s *Source) startWatcher(ctx context.Context) error {
	if s.watchDir == "" || s.offroad == nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create param watcher: %w", err)
	}

	if err = watcher.Add(s.watchDir); err != nil {
		_ = watcher.Close()

		return fmt.Errorf("watch %s: %w", s.watchDir, err)
	}

	s.watcher = watcher
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.watchLoop(ctx, watcher)
	}()

	return nil
}

// watchLoop turns IsOffroad writes into offroad wakes.
func (s *Source) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}

			if filepath.Base(event.Name) != update.KeyIsOffroad {
				continue
			}

			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			if s.offroad(ctx) {
				queued := s.Request(update.ReasonOffroad)
				logger.DebugKV(ctx, "Vehicle went offroad", "queued", queued)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}

			logger.WarnKV(ctx, "Param watcher error", "error", err)
		}
	}
}

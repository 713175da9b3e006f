package updater

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/mitchellh/go-ps"

	"github.com/oshokin/ota-updated/internal/config"
	"github.com/oshokin/ota-updated/internal/logger"
	"github.com/oshokin/ota-updated/internal/repository/params"
	"github.com/oshokin/ota-updated/internal/service/status"
)

// DaemonName is the executable name other processes look for.
const DaemonName = "updated"

// errOptionsNotSet is returned when nil options are provided.
var errOptionsNotSet = errors.New("options are not set")

// Options are inputs accepted by the daemon entry point.
type Options struct {
	// ConfigPath is the optional path to the settings YAML file.
	ConfigPath string
	// EnvFile is the optional dotenv file consulted after the process environment.
	EnvFile string
	// Overrides are applied last, typically from command-line flags.
	Overrides []config.Override
}

// LoadConfig resolves the effective configuration for opts.
func LoadConfig(opts *Options) (*config.Config, error) {
	if opts == nil {
		return nil, errOptionsNotSet
	}

	env, err := config.ProcessEnv(opts.EnvFile)
	if err != nil {
		return nil, err
	}

	return config.Load(opts.ConfigPath, env, opts.Overrides...)
}

// Run loads the configuration and runs the daemon until ctx is done.
// It is the public entry point for the CLI.
func Run(ctx context.Context, opts *Options) error {
	// Set context with logger name for tracking.
	ctx = logger.WithName(ctx, DaemonName)

	cfg, err := LoadConfig(opts)
	if err != nil {
		return err
	}

	if err = logger.SetLevelByName(cfg.LogLevel); err != nil {
		return fmt.Errorf("%w: %w", config.ErrInvalid, err)
	}

	daemon, err := New(ctx, cfg, Deps{})
	if err != nil {
		logger.ErrorKV(ctx, "Update daemon refused to start", "error", err)

		return err
	}

	defer daemon.Close(ctx)

	if err = daemon.Run(ctx); err != nil {
		logger.ErrorKV(ctx, "Update daemon failed", "error", err)

		return err
	}

	return nil
}

// ReadStatus opens the configured params store and reads the persisted status.
func ReadStatus(ctx context.Context, opts *Options) (*status.Snapshot, error) {
	cfg, err := LoadConfig(opts)
	if err != nil {
		return nil, err
	}

	store, err := params.Open(ctx, cfg.ParamsBackend, cfg.ParamsPath)
	if err != nil {
		return nil, fmt.Errorf("open params store: %w", err)
	}

	defer func() {
		_ = store.Close()
	}()

	return status.NewReporter(store).Snapshot(ctx)
}

// processLister returns the process table.
type processLister func() ([]ps.Process, error)

// signalSender delivers sig to pid.
type signalSender func(pid int, sig os.Signal) error

// NotifyRunning asks every other running daemon to start a cycle now by sending
// SIGHUP. It returns how many processes were signalled.
func NotifyRunning(ctx context.Context) (int, error) {
	return notifyRunning(ctx, DaemonName, os.Getpid(), ps.Processes, sendSignal)
}

func notifyRunning(
	ctx context.Context,
	executable string,
	self int,
	list processLister,
	send signalSender,
) (int, error) {
	processes, err := list()
	if err != nil {
		return 0, fmt.Errorf("list processes: %w", err)
	}

	var notified int

	for _, process := range processes {
		if process.Pid() == self || process.Executable() != executable {
			continue
		}

		if err = send(process.Pid(), syscall.SIGHUP); err != nil {
			return notified, fmt.Errorf("signal pid %d: %w", process.Pid(), err)
		}

		logger.InfoKV(ctx, "Requested update check", "pid", process.Pid())

		notified++
	}

	return notified, nil
}

func sendSignal(pid int, sig os.Signal) error {
	process, err := os.FindProcess(pid)
	if err != nil {
		return err
	}

	return process.Signal(sig)
}

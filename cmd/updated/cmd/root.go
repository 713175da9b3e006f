package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/oshokin/ota-updated/internal/api/grpc/health"
	"github.com/oshokin/ota-updated/internal/config"
	"github.com/oshokin/ota-updated/internal/service/updater"
	"github.com/oshokin/ota-updated/internal/version"
)

var (
	// errNoDaemon is returned by update-now when nothing was signalled.
	errNoDaemon = errors.New("no running daemon found")
	// errHealthDisabled is returned by health when no address is configured.
	errHealthDisabled = errors.New("health endpoint is not configured")
	// errNotServing is returned by health when the last cycle failed.
	errNotServing = errors.New("daemon is not serving")
)

var (
	// configPath to the configuration YAML file.
	configPath string
	// envFile is an optional dotenv file with UPDATER_* variables.
	envFile string
	// outputPath is where the config command saves the effective configuration.
	outputPath string

	// flagValues hold the command line overrides; only flags that were set apply.
	flagValues = config.Default()

	// rootCmd represents the base command running the update daemon.
	rootCmd = &cobra.Command{
		Use:   "updated",
		Short: "Stage over-the-air updates from the release channel.",
		Long: `Runs the staged-update daemon.

The daemon periodically fetches the release channel into an overlay under the
staging root, promotes new revisions to the finalized copy and reports the
result through the params store. It only stages while the vehicle is offroad.
SIGHUP requests a check immediately; SIGTERM and SIGINT shut it down.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			return updater.Run(ctx, options(cmd))
		},
	}

	// updateNowCmd wakes running daemons.
	updateNowCmd = &cobra.Command{
		Use:   "update-now",
		Short: "Ask the running daemon to check for updates now.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			notified, err := updater.NotifyRunning(cmd.Context())
			if err != nil {
				return err
			}

			if notified == 0 {
				return errNoDaemon
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "requested update check from %d process(es)\n", notified)

			return nil
		},
	}

	// statusCmd prints the persisted status keys.
	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Print the persisted update status.",
		Long:  "Print UpdateAvailable, UpdateFailedCount and LastUpdateTime as a table on a terminal, or as YAML otherwise.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			snapshot, err := updater.ReadStatus(cmd.Context(), options(cmd))
			if err != nil {
				return err
			}

			if isTerminal(cmd.OutOrStdout()) {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), renderStatus(snapshot))

				return nil
			}

			return printYAML(cmd, snapshot)
		},
	}

	// healthCmd probes the health endpoint of the running daemon.
	healthCmd = &cobra.Command{
		Use:   "health",
		Short: "Exit non-zero unless the running daemon reports SERVING.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := updater.LoadConfig(options(cmd))
			if err != nil {
				return err
			}

			if cfg.HealthAddress == "" {
				return errHealthDisabled
			}

			client, err := health.Dial(cfg.HealthAddress)
			if err != nil {
				return err
			}

			defer func() {
				_ = client.Close()
			}()

			serving, err := client.Serving(cmd.Context())
			if err != nil {
				return err
			}

			if !serving {
				return errNotServing
			}

			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "SERVING")

			return nil
		},
	}

	// configCmd prints or saves the effective configuration.
	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration.",
		Long:  "Resolve defaults, the config file, the environment and flags, then print the result as YAML or save it with --output.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := updater.LoadConfig(options(cmd))
			if err != nil {
				return err
			}

			if outputPath != "" {
				return config.Save(outputPath, cfg)
			}

			return printYAML(cmd, cfg)
		},
	}
)

// Execute runs the updated CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// printYAML writes value to the command output.
func printYAML(cmd *cobra.Command, value any) error {
	data, err := yaml.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}

	_, err = cmd.OutOrStdout().Write(data)

	return err
}

// options collects the entry point inputs from the parsed flags.
func options(cmd *cobra.Command) *updater.Options {
	return &updater.Options{
		ConfigPath: configPath,
		EnvFile:    envFile,
		Overrides:  overrides(cmd),
	}
}

// overrides turns every flag set on the command line into a config override.
func overrides(cmd *cobra.Command) []config.Override {
	set := func(name string, apply config.Override) config.Override {
		if !cmd.Flags().Changed(name) {
			return nil
		}

		return apply
	}

	candidates := []config.Override{
		set("base-dir", func(cfg *config.Config) { cfg.BaseDir = flagValues.BaseDir }),
		set("staging-root", func(cfg *config.Config) { cfg.StagingRoot = flagValues.StagingRoot }),
		set("lock-file", func(cfg *config.Config) { cfg.LockFile = flagValues.LockFile }),
		set("params-path", func(cfg *config.Config) { cfg.ParamsPath = flagValues.ParamsPath }),
		set("params-backend", func(cfg *config.Config) { cfg.ParamsBackend = flagValues.ParamsBackend }),
		set("testing", func(cfg *config.Config) { cfg.Testing = flagValues.Testing }),
		set("ignore-offroad", func(cfg *config.Config) { cfg.IgnoreOffroad = flagValues.IgnoreOffroad }),
		set("watch-params", func(cfg *config.Config) { cfg.WatchParams = flagValues.WatchParams }),
		set("check-interval", func(cfg *config.Config) { cfg.CheckInterval = flagValues.CheckInterval }),
		set("log-level", func(cfg *config.Config) { cfg.LogLevel = flagValues.LogLevel }),
		set("health-addr", func(cfg *config.Config) { cfg.HealthAddress = flagValues.HealthAddress }),
		set("metrics-addr", func(cfg *config.Config) { cfg.MetricsAddress = flagValues.MetricsAddress }),
	}

	result := make([]config.Override, 0, len(candidates))

	for _, override := range candidates {
		if override != nil {
			result = append(result, override)
		}
	}

	return result
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	// Setup command flags with consistent naming and descriptions.
	flags := rootCmd.PersistentFlags()

	flags.StringVarP(&configPath, "config", "c", "", "path to configuration file")
	flags.StringVar(&envFile, "env-file", "", "path to a dotenv file with UPDATER_* variables")
	flags.StringVar(&flagValues.BaseDir, "base-dir", flagValues.BaseDir, "running source tree")
	flags.StringVar(&flagValues.StagingRoot, "staging-root", flagValues.StagingRoot, "staging work area")
	flags.StringVar(&flagValues.LockFile, "lock-file", flagValues.LockFile, "overlay lock file")
	flags.StringVar(&flagValues.ParamsPath, "params-path", flagValues.ParamsPath, "params directory or database")
	flags.StringVar(&flagValues.ParamsBackend, "params-backend", flagValues.ParamsBackend, "params backend: file or sqlite")
	flags.BoolVar(&flagValues.Testing, "testing", false, "use the short testing cadence")
	flags.BoolVar(&flagValues.IgnoreOffroad, "ignore-offroad", false, "stage even when the vehicle is onroad")
	flags.BoolVar(&flagValues.WatchParams, "watch-params", flagValues.WatchParams, "wake when IsOffroad is set")
	flags.DurationVar(&flagValues.CheckInterval, "check-interval", 0, "period between timer checks")
	flags.StringVar(&flagValues.LogLevel, "log-level", flagValues.LogLevel, "minimum log level")
	flags.StringVar(&flagValues.HealthAddress, "health-addr", "", "gRPC health listen address, disabled when empty")
	flags.StringVar(&flagValues.MetricsAddress, "metrics-addr", "", "Prometheus listen address, disabled when empty")

	configCmd.Flags().StringVarP(&outputPath, "output", "o", "", "save the configuration to this path instead of printing it")

	rootCmd.AddCommand(updateNowCmd, statusCmd, healthCmd, configCmd)
}

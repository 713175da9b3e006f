package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds every setting of the update daemon. It is built once at startup
// and passed by pointer into each component; nothing reads the environment later.
type Config struct {
	// BaseDir is the currently running, read-only source tree.
	BaseDir string `yaml:"base_dir"`
	// StagingRoot is the mutable work area owned by the daemon.
	StagingRoot string `yaml:"staging_root"`
	// LockFile guards the staging root across processes.
	LockFile string `yaml:"lock_file"`
	// ParamsPath is the directory (file backend) or database file (sqlite backend) of the status store.
	ParamsPath string `yaml:"params_path"`
	// ParamsBackend selects the status store implementation: "file" or "sqlite".
	ParamsBackend string `yaml:"params_backend"`
	// Testing shortens the cycle cadence and the startup wait.
	Testing bool `yaml:"testing"`
	// IgnoreOffroad lets cycles stage even when IsOffroad is not set.
	IgnoreOffroad bool `yaml:"ignore_offroad"`
	// WatchParams wakes the daemon when IsOffroad is set by another process.
	WatchParams bool `yaml:"watch_params"`
	// CheckInterval is the period between timer-driven cycles.
	CheckInterval time.Duration `yaml:"check_interval"`
	// StartupDelay is the wait before the first timer-driven cycle.
	StartupDelay time.Duration `yaml:"startup_delay"`
	// LockTimeout bounds how long a cycle waits for a busy lock.
	LockTimeout time.Duration `yaml:"lock_timeout"`
	// LockPollInterval is the retry period while the lock is busy.
	LockPollInterval time.Duration `yaml:"lock_poll_interval"`
	// HealthAddress enables the gRPC health endpoint when not empty.
	HealthAddress string `yaml:"health_addr"`
	// MetricsAddress enables the Prometheus endpoint when not empty.
	MetricsAddress string `yaml:"metrics_addr"`
	// LogLevel is the minimum level of emitted log entries.
	LogLevel string `yaml:"log_level"`
}

const (
	// DefaultBaseDir is where the running software tree lives on the device.
	DefaultBaseDir = "/data/openpilot"
	// DefaultStagingRoot is the default safe staging area.
	DefaultStagingRoot = "/data/safe_staging"
	// DefaultLockFile is the default path of the overlay lock.
	DefaultLockFile = "/tmp/safe_staging_overlay.lock"
	// DefaultParamsPath is the default directory of the file-backed status store.
	DefaultParamsPath = "/data/params/d"

	// BackendFile stores each key in its own file.
	BackendFile = "file"
	// BackendSQLite stores keys in a single SQLite database.
	BackendSQLite = "sqlite"

	// DefaultCheckInterval is the cadence of timer-driven cycles.
	DefaultCheckInterval = 10 * time.Minute
	// TestingCheckInterval is the cadence used in testing mode.
	TestingCheckInterval = 5 * time.Second
	// DefaultStartupDelay gives the device time to publish IsOffroad before the first cycle.
	DefaultStartupDelay = 30 * time.Second
	// TestingStartupDelay is the startup wait used in testing mode.
	TestingStartupDelay = time.Second
	// DefaultLockTimeout bounds the wait for a busy lock.
	DefaultLockTimeout = 10 * time.Second
	// DefaultLockPollInterval is the retry period of the lock manager.
	DefaultLockPollInterval = 100 * time.Millisecond

	// DefaultFilePermissions is the file permission for saved config files.
	DefaultFilePermissions = 0o600
)

// Environment variable names recognized by Load.
const (
	EnvTesting       = "UPDATER_TESTING"
	EnvStagingRoot   = "UPDATER_STAGING_ROOT"
	EnvLockFile      = "UPDATER_LOCK_FILE"
	EnvBaseDir       = "UPDATER_BASEDIR"
	EnvParamsPath    = "UPDATER_PARAMS_PATH"
	EnvParamsBackend = "UPDATER_PARAMS_BACKEND"
	EnvIgnoreOffroad = "UPDATER_IGNORE_OFFROAD"
)

var (
	// ErrInvalid wraps every validation failure so callers can classify configuration errors.
	ErrInvalid = errors.New("invalid configuration")

	// errConfigIsNotSet is returned when a nil configuration is provided.
	errConfigIsNotSet = errors.New("configuration is not set")
)

// EnvLookup resolves an environment variable, reporting whether it is set.
type EnvLookup func(key string) (string, bool)

// Default returns a configuration populated with production defaults.
func Default() *Config {
	return &Config{
		BaseDir:       DefaultBaseDir,
		StagingRoot:   DefaultStagingRoot,
		LockFile:      DefaultLockFile,
		ParamsPath:    DefaultParamsPath,
		ParamsBackend: BackendFile,
		WatchParams:   true,
		LogLevel:      "info",
	}
}

// ProcessEnv returns a lookup backed by the process environment and, when envFile
// is not empty, by the variables of that dotenv file. Process variables win.
func ProcessEnv(envFile string) (EnvLookup, error) {
	if envFile == "" {
		return os.LookupEnv, nil
	}

	fileValues, err := godotenv.Read(envFile)
	if err != nil {
		return nil, fmt.Errorf("read env file: %w", err)
	}

	return func(key string) (string, bool) {
		if value, ok := os.LookupEnv(key); ok {
			return value, true
		}

		value, ok := fileValues[key]

		return value, ok
	}, nil
}

// Override adjusts a loaded configuration before validation, e.g. from CLI flags.
type Override func(cfg *Config)

// Load builds the configuration from defaults, the optional YAML file at path,
// the environment and the overrides, then validates it.
func Load(path string, env EnvLookup, overrides ...Override) (*Config, error) {
	cfg := Default()

	if path != "" {
		contents, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return nil, fmt.Errorf("read settings: %w", err)
		}

		if err = yaml.Unmarshal(contents, cfg); err != nil {
			return nil, fmt.Errorf("unmarshal settings: %w", err)
		}
	}

	if env != nil {
		if err := applyEnv(cfg, env); err != nil {
			return nil, err
		}
	}

	for _, override := range overrides {
		override(cfg)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes the configuration to the provided path in YAML format.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if err := Validate(cfg); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	if err = os.WriteFile(filepath.Clean(path), data, DefaultFilePermissions); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	return nil
}

// Validate fills derived defaults and checks the workspace layout.
//
//nolint:cyclop // A flat list of checks reads better than helpers.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	applyIntervalDefaults(cfg)

	if cfg.BaseDir == "" {
		return fmt.Errorf("%w: base directory must be provided", ErrInvalid)
	}

	if cfg.StagingRoot == "" {
		return fmt.Errorf("%w: staging root must be provided", ErrInvalid)
	}

	if cfg.LockFile == "" {
		return fmt.Errorf("%w: lock file must be provided", ErrInvalid)
	}

	if cfg.ParamsPath == "" {
		return fmt.Errorf("%w: params path must be provided", ErrInvalid)
	}

	cfg.BaseDir = filepath.Clean(cfg.BaseDir)
	cfg.StagingRoot = filepath.Clean(cfg.StagingRoot)
	cfg.LockFile = filepath.Clean(cfg.LockFile)
	cfg.ParamsPath = filepath.Clean(cfg.ParamsPath)

	if !filepath.IsAbs(cfg.BaseDir) || !filepath.IsAbs(cfg.StagingRoot) {
		return fmt.Errorf("%w: base directory and staging root must be absolute", ErrInvalid)
	}

	if isWithin(cfg.BaseDir, cfg.StagingRoot) || isWithin(cfg.StagingRoot, cfg.BaseDir) {
		return fmt.Errorf("%w: staging root %s overlaps base directory %s", ErrInvalid, cfg.StagingRoot, cfg.BaseDir)
	}

	switch cfg.ParamsBackend {
	case "":
		cfg.ParamsBackend = BackendFile
	case BackendFile, BackendSQLite:
	default:
		return fmt.Errorf("%w: unknown params backend %q", ErrInvalid, cfg.ParamsBackend)
	}

	if cfg.LockPollInterval > cfg.LockTimeout {
		cfg.LockPollInterval = cfg.LockTimeout
	}

	return nil
}

// applyIntervalDefaults fills unset durations, using the short cadence in testing mode.
func applyIntervalDefaults(cfg *Config) {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
		if cfg.Testing {
			cfg.CheckInterval = TestingCheckInterval
		}
	}

	if cfg.StartupDelay <= 0 {
		cfg.StartupDelay = DefaultStartupDelay
		if cfg.Testing {
			cfg.StartupDelay = TestingStartupDelay
		}
	}

	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultLockTimeout
	}

	if cfg.LockPollInterval <= 0 {
		cfg.LockPollInterval = DefaultLockPollInterval
	}
}

// applyEnv overrides fields with the UPDATER_* variables that are set.
func applyEnv(cfg *Config, env EnvLookup) error {
	textFields := map[string]*string{
		EnvStagingRoot:   &cfg.StagingRoot,
		EnvLockFile:      &cfg.LockFile,
		EnvBaseDir:       &cfg.BaseDir,
		EnvParamsPath:    &cfg.ParamsPath,
		EnvParamsBackend: &cfg.ParamsBackend,
	}

	for key, field := range textFields {
		if value, ok := env(key); ok && value != "" {
			*field = value
		}
	}

	flags := map[string]*bool{
		EnvTesting:       &cfg.Testing,
		EnvIgnoreOffroad: &cfg.IgnoreOffroad,
	}

	for key, field := range flags {
		value, ok := env(key)
		if !ok || value == "" {
			continue
		}

		parsed, err := parseFlag(value)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalid, key, err)
		}

		*field = parsed
	}

	return nil
}

// parseFlag accepts the usual boolean spellings of environment flags.
func parseFlag(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "yes", "on":
		return true, nil
	case "no", "off":
		return false, nil
	default:
		return strconv.ParseBool(value)
	}
}

// isWithin reports whether path equals root or lies below it.
func isWithin(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}

	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

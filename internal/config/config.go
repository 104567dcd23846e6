package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Version is set at build time via -ldflags
// Default "dev" is used for development builds
var Version = "dev"

// Config holds all application configuration loaded from environment variables.
// All fields have sensible defaults if environment variables are not set.
type Config struct {
	// Port is the local control API listen port (default: 7340)
	Port string

	// LogLevel controls logging verbosity: "debug", "info", "warn", "error" (default: "info")
	LogLevel string

	// ServerURL is the base URL of the remote scan server
	ServerURL string

	// PollInterval is how often a status poller refreshes a remote scan (default: 30s)
	PollInterval time.Duration

	// ConnectivityInterval is how often the connectivity monitor probes the server (default: 15s)
	ConnectivityInterval time.Duration

	// DownloadRetryDelay is the fixed wait between artifact readiness probes (default: 5s)
	DownloadRetryDelay time.Duration

	// DownloadMaxAttempts is the readiness probe ceiling before a download
	// fails with a timeout (default: 24, a 2 minute ceiling at 5s cadence)
	DownloadMaxAttempts int

	// ReconcileSchedule is the cron expression for the periodic full
	// reconciliation against server truth (default: every 10 minutes)
	ReconcileSchedule string

	// AutoSyncDefault is the auto-sync toggle value used when no persisted
	// setting exists yet (default: true)
	AutoSyncDefault bool

	// ProcessingMode selects where new captures are reconstructed:
	// "local" on this device, "server" via the server pipeline (default: "local")
	ProcessingMode string

	// CaptureScanInterval is how often the incoming directory is checked for
	// completed capture folders (default: 10s)
	CaptureScanInterval time.Duration

	// PipelineCommand is the external reconstruction binary used in local
	// processing mode (default: "scansync-reconstruct")
	PipelineCommand string

	// PipelineTimeout bounds one reconstruction run (default: 30m)
	PipelineTimeout time.Duration

	// RateLimitRPS is the control API per-IP request rate (default: 10)
	RateLimitRPS int

	// RateLimitBurst is the control API rate limiter burst size (default: 20)
	RateLimitBurst int

	// RetentionDays is the number of days to keep old events (default: 90)
	// Set to 0 to disable automatic pruning
	RetentionDays int

	// DataDir is the directory for persistent data (database, logs, artifacts)
	// Default: /config in Docker, ./config locally
	DataDir string

	// DatabasePath is the SQLite database file path (default: <DataDir>/scansync.db)
	DatabasePath string

	// ArtifactDir is where downloaded artifacts are stored (default: <DataDir>/artifacts)
	ArtifactDir string

	// CaptureDir is where the capture hardware drops raw scan folders
	// (default: <DataDir>/incoming)
	CaptureDir string

	// LogDir is the directory for log files (default: <DataDir>/logs)
	LogDir string
}

// Global singleton
var cfg *Config

// Load reads configuration from environment variables with sensible defaults.
// Should be called once at application startup.
func Load() *Config {
	// Determine DataDir - this is where all persistent data lives
	dataDir := getEnvOrDefault("SCANSYNC_DATA_DIR", "")
	if dataDir == "" {
		// Check if we're in Docker (has /config directory)
		if info, err := os.Stat("/config"); err == nil && info.IsDir() {
			dataDir = "/config"
		} else {
			// Local/bare-metal - use ./config relative to executable or cwd
			if execPath, err := os.Executable(); err == nil {
				dataDir = filepath.Join(filepath.Dir(execPath), "config")
			} else if cwd, err := os.Getwd(); err == nil {
				dataDir = filepath.Join(cwd, "config")
			} else {
				dataDir = "./config"
			}
		}
	}

	if absDataDir, err := filepath.Abs(dataDir); err == nil {
		dataDir = absDataDir
	}
	os.MkdirAll(dataDir, 0755)

	dbPath := getEnvOrDefault("SCANSYNC_DATABASE_PATH", "")
	if dbPath == "" {
		dbPath = filepath.Join(dataDir, "scansync.db")
	}

	artifactDir := getEnvOrDefault("SCANSYNC_ARTIFACT_DIR", "")
	if artifactDir == "" {
		artifactDir = filepath.Join(dataDir, "artifacts")
	}
	os.MkdirAll(artifactDir, 0755)

	captureDir := getEnvOrDefault("SCANSYNC_CAPTURE_DIR", "")
	if captureDir == "" {
		captureDir = filepath.Join(dataDir, "incoming")
	}
	os.MkdirAll(captureDir, 0755)

	logDir := filepath.Join(dataDir, "logs")
	os.MkdirAll(logDir, 0755)

	cfg = &Config{
		Port:                 getEnvOrDefault("SCANSYNC_PORT", "7340"),
		LogLevel:             strings.ToLower(getEnvOrDefault("SCANSYNC_LOG_LEVEL", "info")),
		ServerURL:            strings.TrimSuffix(getEnvOrDefault("SCANSYNC_SERVER_URL", "http://localhost:8000"), "/"),
		PollInterval:         getEnvDurationOrDefault("SCANSYNC_POLL_INTERVAL", 30*time.Second),
		ConnectivityInterval: getEnvDurationOrDefault("SCANSYNC_CONNECTIVITY_INTERVAL", 15*time.Second),
		DownloadRetryDelay:   getEnvDurationOrDefault("SCANSYNC_DOWNLOAD_RETRY_DELAY", 5*time.Second),
		DownloadMaxAttempts:  getEnvIntOrDefault("SCANSYNC_DOWNLOAD_MAX_ATTEMPTS", 24),
		ReconcileSchedule:    getEnvOrDefault("SCANSYNC_RECONCILE_SCHEDULE", "@every 10m"),
		AutoSyncDefault:      getEnvBoolOrDefault("SCANSYNC_AUTO_SYNC", true),
		ProcessingMode:       strings.ToLower(getEnvOrDefault("SCANSYNC_PROCESSING_MODE", "local")),
		CaptureScanInterval:  getEnvDurationOrDefault("SCANSYNC_CAPTURE_SCAN_INTERVAL", 10*time.Second),
		PipelineCommand:      getEnvOrDefault("SCANSYNC_PIPELINE_CMD", "scansync-reconstruct"),
		PipelineTimeout:      getEnvDurationOrDefault("SCANSYNC_PIPELINE_TIMEOUT", 30*time.Minute),
		RateLimitRPS:         getEnvIntOrDefault("SCANSYNC_RATE_LIMIT_RPS", 10),
		RateLimitBurst:       getEnvIntOrDefault("SCANSYNC_RATE_LIMIT_BURST", 20),
		RetentionDays:        getEnvIntOrDefault("SCANSYNC_RETENTION_DAYS", 90),
		DataDir:              dataDir,
		DatabasePath:         dbPath,
		ArtifactDir:          artifactDir,
		CaptureDir:           captureDir,
		LogDir:               logDir,
	}

	// Validate log level
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
		// Valid
	default:
		cfg.LogLevel = "info" // Fall back to info for invalid values
	}

	if cfg.DownloadMaxAttempts < 1 {
		cfg.DownloadMaxAttempts = 1
	}

	switch cfg.ProcessingMode {
	case "local", "server":
		// Valid
	default:
		cfg.ProcessingMode = "local"
	}

	return cfg
}

// Get returns the current configuration. Panics if Load() hasn't been called.
func Get() *Config {
	if cfg == nil {
		panic("config.Load() must be called before config.Get()")
	}
	return cfg
}

// SetForTesting allows tests to set the global config without calling Load().
// This should ONLY be used in test code.
func SetForTesting(c *Config) {
	cfg = c
}

// NewTestConfig returns a minimal Config suitable for unit tests.
func NewTestConfig() *Config {
	return &Config{
		Port:                 "7340",
		LogLevel:             "debug",
		ServerURL:            "http://localhost:8000",
		PollInterval:         30 * time.Second,
		ConnectivityInterval: 15 * time.Second,
		DownloadRetryDelay:   5 * time.Second,
		DownloadMaxAttempts:  24,
		ReconcileSchedule:    "@every 10m",
		AutoSyncDefault:      true,
		ProcessingMode:       "local",
		CaptureScanInterval:  10 * time.Second,
		PipelineCommand:      "scansync-reconstruct",
		PipelineTimeout:      30 * time.Minute,
		RateLimitRPS:         10,
		RateLimitBurst:       20,
		RetentionDays:        90,
		DataDir:              "/tmp/scansync-test",
		DatabasePath:         "/tmp/scansync-test/scansync.db",
		ArtifactDir:          "/tmp/scansync-test/artifacts",
		CaptureDir:           "/tmp/scansync-test/incoming",
		LogDir:               "/tmp/scansync-test/logs",
	}
}

// getEnvOrDefault returns the environment variable value or the default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvIntOrDefault returns the environment variable as an int or the default if not set/invalid.
func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDurationOrDefault returns the environment variable as a duration or the default if not set/invalid.
// Accepts Go duration strings like "30s", "5m", "72h".
func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvBoolOrDefault returns the environment variable as a bool or the default if not set.
// Accepts "true", "1", "yes" as true values (case-insensitive).
func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		lower := strings.ToLower(value)
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultValue
}

// FlagOverrides holds command-line flag values that can override environment variables
type FlagOverrides struct {
	Port                *string
	LogLevel            *string
	ServerURL           *string
	PollInterval        *time.Duration
	DownloadRetryDelay  *time.Duration
	DownloadMaxAttempts *int
	RetentionDays       *int
	DataDir             *string
	DatabasePath        *string
	ArtifactDir         *string
}

// ApplyFlags applies command-line flag overrides to the configuration.
// Should be called after Load() and after flag parsing.
// Only non-nil values with non-default flag values will override.
func ApplyFlags(flags FlagOverrides) {
	if cfg == nil {
		return
	}

	if flags.Port != nil && *flags.Port != "" {
		cfg.Port = *flags.Port
	}
	if flags.LogLevel != nil && *flags.LogLevel != "" {
		cfg.LogLevel = strings.ToLower(*flags.LogLevel)
	}
	if flags.ServerURL != nil && *flags.ServerURL != "" {
		cfg.ServerURL = strings.TrimSuffix(*flags.ServerURL, "/")
	}
	if flags.PollInterval != nil && *flags.PollInterval != 0 {
		cfg.PollInterval = *flags.PollInterval
	}
	if flags.DownloadRetryDelay != nil && *flags.DownloadRetryDelay != 0 {
		cfg.DownloadRetryDelay = *flags.DownloadRetryDelay
	}
	if flags.DownloadMaxAttempts != nil && *flags.DownloadMaxAttempts != 0 {
		cfg.DownloadMaxAttempts = *flags.DownloadMaxAttempts
	}
	if flags.RetentionDays != nil {
		cfg.RetentionDays = *flags.RetentionDays
	}
	if flags.DataDir != nil && *flags.DataDir != "" {
		cfg.DataDir = *flags.DataDir
	}
	if flags.DatabasePath != nil && *flags.DatabasePath != "" {
		cfg.DatabasePath = *flags.DatabasePath
	}
	if flags.ArtifactDir != nil && *flags.ArtifactDir != "" {
		cfg.ArtifactDir = *flags.ArtifactDir
	}
}

// Package config provides configuration for the fieldsync core
package config

import (
	"strings"
	"time"

	"log/slog"
)

// Config represents the complete application configuration
type Config struct {
	DeviceName string // Name identifying this client to the remote service
	Database   DatabaseConfig
	Logging    LoggingConfig
	Remote     RemoteConfig
	Sync       SyncConfig
	Transfer   TransferConfig
	configDir  string // Internal: directory the config was loaded from
}

// DatabaseConfig represents local SQLite database configuration
type DatabaseConfig struct {
	Path            string        // Path to the SQLite database file
	JournalMode     string        // Journal mode (WAL recommended)
	SynchronousMode string        // Synchronous mode
	BusyTimeout     int           // Busy timeout in milliseconds
	ForeignKeys     bool          // Whether to enforce foreign key constraints
	ConnMaxLife     time.Duration // Maximum connection lifetime
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string // debug, info, warn, error
	Format     string // text or json
	Output     string // stdout, stderr, or file path
	AddSource  bool   // Include source code position in logs
	TimeFormat string // Time format for logs (empty uses RFC3339)
}

// RemoteConfig holds configuration for the remote sync service
type RemoteConfig struct {
	URL     string        // Base URL of the remote service
	Token   string        // Authentication token
	Timeout time.Duration // Per-request timeout

	// Rate limiting for outbound calls
	RequestsPerMinute int
	BurstLimit        int
}

// SyncConfig holds retry and backoff tuning for the replay coordinator
// and the upload queue
type SyncConfig struct {
	MaxRetries  int           // Retry ceiling per operation/item
	BackoffBase time.Duration // Initial exponential backoff delay
	BackoffCap  time.Duration // Upper bound on the backoff delay
}

// TransferConfig holds resource bundle and upload transfer configuration
type TransferConfig struct {
	ResourceDir            string        // Directory bundles are extracted into
	ManifestPath           string        // Path to the bundle manifest JSON file
	MaxConcurrentTransfers int           // Worker-pool size shared by downloads and uploads
	MaxRetries             int           // Retry ceiling per bundle
	BackoffBase            time.Duration // Initial retry delay for failed transfers
	BackoffCap             time.Duration // Upper bound on the retry delay
	SpeedWindow            int           // Number of recent chunks in the transfer-speed moving average
}

// New returns a new empty Config
func New() *Config {
	return &Config{}
}

// ConfigDir returns the directory the configuration was loaded from
func (c *Config) ConfigDir() string {
	return c.configDir
}

// ParseLogLevel converts a string log level to slog.Level
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

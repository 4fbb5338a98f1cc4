package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/goombaio/namegenerator"
	"github.com/joho/godotenv"
)

// LoadFromEnv loads configuration from environment variables.
// Parameters:
// - configDir: Directory containing config files (or empty for default)
// - configFilePath: Path to .env file (or empty for default)
func LoadFromEnv(configDir string, configFilePath string) (*Config, error) {
	cfg := New()

	// If configDir is empty, use the default
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configDir = filepath.Join(homeDir, ".fieldsync")

		if err := os.MkdirAll(configDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	cfg.configDir = configDir

	// Use provided config file path or default
	if configFilePath == "" {
		configFilePath = filepath.Join(configDir, ".env")
	}

	// Check if ENV_FILE_PATH is set to load from a custom .env file
	envFilePath := getEnvString("ENV_FILE_PATH", "")
	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil {
			return nil, fmt.Errorf("failed to load env file from %s: %w", envFilePath, err)
		}
	} else {
		// Try the config directory first, then the current directory
		if err := godotenv.Load(configFilePath); err != nil {
			_ = godotenv.Load() // Ignore errors if file doesn't exist
		}
	}

	cfg.DeviceName = getEnvString("FIELDSYNC_DEVICE_NAME", defaultDeviceName())

	cfg.Database = DatabaseConfig{
		Path:            getEnvString("FIELDSYNC_DB_PATH", filepath.Join(configDir, "fieldsync.db")),
		JournalMode:     getEnvString("FIELDSYNC_DB_JOURNAL_MODE", "WAL"),
		SynchronousMode: getEnvString("FIELDSYNC_DB_SYNCHRONOUS", "NORMAL"),
		BusyTimeout:     getEnvInt("FIELDSYNC_DB_BUSY_TIMEOUT", 5000),
		ForeignKeys:     getEnvBool("FIELDSYNC_DB_FOREIGN_KEYS", true),
		ConnMaxLife:     getEnvDuration("FIELDSYNC_DB_CONN_MAX_LIFE", time.Hour),
	}

	cfg.Logging = LoggingConfig{
		Level:      getEnvString("FIELDSYNC_LOG_LEVEL", "info"),
		Format:     getEnvString("FIELDSYNC_LOG_FORMAT", "text"),
		Output:     getEnvString("FIELDSYNC_LOG_OUTPUT", filepath.Join(configDir, "fieldsync.log")),
		AddSource:  getEnvBool("FIELDSYNC_LOG_ADD_SOURCE", false),
		TimeFormat: getEnvString("FIELDSYNC_LOG_TIME_FORMAT", time.RFC3339),
	}

	cfg.Remote = RemoteConfig{
		URL:               getEnvString("FIELDSYNC_REMOTE_URL", ""),
		Token:             getEnvString("FIELDSYNC_REMOTE_TOKEN", ""),
		Timeout:           getEnvDuration("FIELDSYNC_REMOTE_TIMEOUT", 30*time.Second),
		RequestsPerMinute: getEnvInt("FIELDSYNC_REMOTE_REQUESTS_PER_MINUTE", 300),
		BurstLimit:        getEnvInt("FIELDSYNC_REMOTE_BURST_LIMIT", 10),
	}

	cfg.Sync = SyncConfig{
		MaxRetries:  getEnvInt("FIELDSYNC_SYNC_MAX_RETRIES", 3),
		BackoffBase: getEnvDuration("FIELDSYNC_SYNC_BACKOFF_BASE", time.Second),
		BackoffCap:  getEnvDuration("FIELDSYNC_SYNC_BACKOFF_CAP", 2*time.Minute),
	}

	cfg.Transfer = TransferConfig{
		ResourceDir:            getEnvString("FIELDSYNC_RESOURCE_DIR", filepath.Join(configDir, "resources")),
		ManifestPath:           getEnvString("FIELDSYNC_MANIFEST_PATH", filepath.Join(configDir, "manifest.json")),
		MaxConcurrentTransfers: getEnvInt("FIELDSYNC_MAX_CONCURRENT_TRANSFERS", 3),
		MaxRetries:             getEnvInt("FIELDSYNC_TRANSFER_MAX_RETRIES", 3),
		BackoffBase:            getEnvDuration("FIELDSYNC_TRANSFER_BACKOFF_BASE", 2*time.Second),
		BackoffCap:             getEnvDuration("FIELDSYNC_TRANSFER_BACKOFF_CAP", time.Minute),
		SpeedWindow:            getEnvInt("FIELDSYNC_TRANSFER_SPEED_WINDOW", 8),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultEnvTemplate is written by SetupConfigDirectory on first run so users
// have every knob in front of them
const defaultEnvTemplate = `# fieldsync configuration
# Values here are overridden by real environment variables.

# FIELDSYNC_DEVICE_NAME=
FIELDSYNC_REMOTE_URL=
FIELDSYNC_REMOTE_TOKEN=

# FIELDSYNC_LOG_LEVEL=info
# FIELDSYNC_LOG_FORMAT=text

# FIELDSYNC_SYNC_MAX_RETRIES=3
# FIELDSYNC_SYNC_BACKOFF_BASE=1s
# FIELDSYNC_SYNC_BACKOFF_CAP=2m

# FIELDSYNC_MAX_CONCURRENT_TRANSFERS=3
# FIELDSYNC_TRANSFER_MAX_RETRIES=3
`

// SetupConfigDirectory creates the config directory and extracts the default
// .env template if none exists yet
func SetupConfigDirectory(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	envPath := filepath.Join(configDir, ".env")
	if _, err := os.Stat(envPath); err == nil {
		return nil
	}

	if err := os.WriteFile(envPath, []byte(defaultEnvTemplate), 0600); err != nil {
		return fmt.Errorf("failed to write default config file: %w", err)
	}
	return nil
}

// defaultDeviceName generates a random, memorable device name like "wispy-dust"
func defaultDeviceName() string {
	seed := time.Now().UTC().UnixNano()
	name := namegenerator.NewNameGenerator(seed).Generate()
	return strings.ReplaceAll(name, "_", "-")
}

func (c *Config) validate() error {
	if c.Sync.MaxRetries < 0 {
		return fmt.Errorf("sync max retries must be non-negative, got %d", c.Sync.MaxRetries)
	}
	if c.Sync.BackoffBase <= 0 {
		return fmt.Errorf("sync backoff base must be positive, got %s", c.Sync.BackoffBase)
	}
	if c.Sync.BackoffCap < c.Sync.BackoffBase {
		return fmt.Errorf("sync backoff cap %s is below backoff base %s", c.Sync.BackoffCap, c.Sync.BackoffBase)
	}
	if c.Transfer.MaxConcurrentTransfers <= 0 {
		return fmt.Errorf("max concurrent transfers must be positive, got %d", c.Transfer.MaxConcurrentTransfers)
	}
	if c.Transfer.SpeedWindow <= 0 {
		return fmt.Errorf("transfer speed window must be positive, got %d", c.Transfer.SpeedWindow)
	}
	return nil
}

// Helper functions for reading environment variables

func getEnvString(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

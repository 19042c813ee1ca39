package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `json:"server"`
	Database      DatabaseConfig      `json:"database"`
	Logging       LoggingConfig       `json:"logging"`
	Tape          TapeConfig          `json:"tape"`
	Feeds         FeedsConfig         `json:"feeds"`
	Staging       StagingConfig       `json:"staging"`
	Schedule      ScheduleConfig      `json:"schedule"`
	Auth          AuthConfig          `json:"auth"`
	Notifications NotificationsConfig `json:"notifications"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `json:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `json:"level"`
	Format     string `json:"format"` // "json" or "text"
	OutputPath string `json:"output_path"`
}

// TapeConfig holds storage-daemon client configuration
type TapeConfig struct {
	// Host running the storage daemon, passed to sd_get -h.
	Host string `json:"host"`
	// Paths to the storage daemon client binaries.
	SDGetPath string `json:"sd_get_path"`
	SDLsPath  string `json:"sd_ls_path"`
	// TestMode switches the retrieval log parser to the format emitted by
	// the test harness instead of the production daemon.
	TestMode bool `json:"test_mode"`
	// ChecksumsDir holds per-spot checksum manifests used by verification.
	ChecksumsDir string `json:"checksums_dir"`
	// RestoreCachePrefix is where the backup process restores files to;
	// checksum manifests key files by this path.
	RestoreCachePrefix string `json:"restore_cache_prefix"`
	// MinFileSize is the smallest file (bytes) worth tracking near-line.
	MinFileSize int64 `json:"min_file_size"`
}

// FeedsConfig holds the external HTTP feeds the resolver and ingest use
type FeedsConfig struct {
	// DownloadConfURL maps logical path prefixes to spot names.
	DownloadConfURL string `json:"download_conf_url"`
	// StoragePathsURL maps spot names to physical storage paths.
	StoragePathsURL string `json:"storage_paths_url"`
	// OnTapeURL lists filesets whose primary copy lives on tape.
	OnTapeURL string `json:"on_tape_url"`
	// IndexURL is the search index notified when files enter/leave disk.
	// Empty disables index updates.
	IndexURL string `json:"index_url"`
}

// StagingConfig holds retrieval scheduling configuration
type StagingConfig struct {
	Slots            int    `json:"slots"`
	MaxSlotsPerUser  int    `json:"max_slots_per_user"`
	WorkDir          string `json:"work_dir"`
	LockDir          string `json:"lock_dir"`
	SignpostName     string `json:"signpost_name"`
	SignpostTarget   string `json:"signpost_target"`
	DefaultRetention int    `json:"default_retention_days"`
	VerifyRetention  int    `json:"verify_retention_days"`
	// QuickVerifyPrefixes limits quick verification to filesets whose
	// tape listing can be trusted without a checksum pass.
	QuickVerifyPrefixes []string `json:"quick_verify_prefixes"`
}

// ScheduleConfig holds cron expressions for the background tasks.
// An empty expression disables that task.
type ScheduleConfig struct {
	Process        string `json:"process"`
	Tidy           string `json:"tidy"`
	Verify         string `json:"verify"`
	QuickVerify    string `json:"quick_verify"`
	Ingest         string `json:"ingest"`
	ResolverReload string `json:"resolver_reload"`
}

// AuthConfig holds admin API authentication configuration
type AuthConfig struct {
	JWTSecret       string `json:"jwt_secret"`
	TokenExpiration int    `json:"token_expiration"` // hours
}

// NotificationsConfig holds notification configuration
type NotificationsConfig struct {
	Email EmailConfig `json:"email"`
}

// EmailConfig holds SMTP settings for request notifications
type EmailConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	From     string `json:"from"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Path: "/var/lib/nearline/nearline.db",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			OutputPath: "/var/log/nearline/nearline.log",
		},
		Tape: TapeConfig{
			Host:               "localhost",
			SDGetPath:          "sd_get",
			SDLsPath:           "sd_ls",
			TestMode:           false,
			ChecksumsDir:       "/var/lib/nearline/chksums",
			RestoreCachePrefix: "/datacentre/restorecache/archive",
			MinFileSize:        30 * 1024 * 1024,
		},
		Feeds: FeedsConfig{
			DownloadConfURL: "",
			StoragePathsURL: "",
			OnTapeURL:       "",
			IndexURL:        "",
		},
		Staging: StagingConfig{
			Slots:            5,
			MaxSlotsPerUser:  2,
			WorkDir:          "/var/lib/nearline/work",
			LockDir:          "/var/lib/nearline/locks",
			SignpostName:     "00FILES_ON_TAPE",
			SignpostTarget:   "/badc/ARCHIVE_INFO/FILES_ON_TAPE.txt",
			DefaultRetention: 5,
			VerifyRetention:  20,
		},
		Schedule: ScheduleConfig{
			Process:        "@every 1m",
			Tidy:           "@every 30m",
			Verify:         "@every 1h",
			QuickVerify:    "",
			Ingest:         "@every 6h",
			ResolverReload: "@every 15m",
		},
		Auth: AuthConfig{
			JWTSecret:       "", // Must be set in config file
			TokenExpiration: 24,
		},
		Notifications: NotificationsConfig{
			Email: EmailConfig{
				Enabled: false,
				Port:    25,
			},
		},
	}
}

// DefaultRetentionPeriod returns the retention applied to requests that
// don't specify one.
func (c *Config) DefaultRetentionPeriod() time.Duration {
	return time.Duration(c.Staging.DefaultRetention) * 24 * time.Hour
}

// VerifyRetentionPeriod returns the retention applied to verification
// staging requests.
func (c *Config) VerifyRetentionPeriod() time.Duration {
	return time.Duration(c.Staging.VerifyRetention) * 24 * time.Hour
}

// Load loads configuration from a JSON file
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return default config if file doesn't exist
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save saves the configuration to a JSON file
func (c *Config) Save(path string) error {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/BadgerOps/expansiond/internal/authority"
	"github.com/BadgerOps/expansiond/internal/expansion"
	"github.com/BadgerOps/expansiond/internal/safety"
)

// EnvPrefix is the prefix of environment variables that override the file,
// e.g. EXPANSIOND_DOWNLOAD_DIR or EXPANSIOND_LEDGER_DB_PATH.
const EnvPrefix = "EXPANSIOND"

// DefaultInactivityTimeout bounds how long a download body may stall.
const DefaultInactivityTimeout = 60 * time.Second

// Ledger drivers.
const (
	LedgerSQLite = "sqlite"
	LedgerBucket = "bucket"
)

// Config is the top-level configuration
type Config struct {
	DownloadDir string         `yaml:"download_dir" split_words:"true"`
	Ledger      LedgerConfig   `yaml:"ledger"`
	App         AppConfig      `yaml:"app"`
	License     LicenseConfig  `yaml:"license"`
	Network     NetworkConfig  `yaml:"network"`
	Notify      NotifyConfig   `yaml:"notify"`
	Server      ServerConfig   `yaml:"server"`
	Manifest    ManifestConfig `yaml:"manifest" ignored:"true"`
}

// LedgerConfig selects where download progress is persisted
type LedgerConfig struct {
	Driver    string `yaml:"driver"`
	DBPath    string `yaml:"db_path" split_words:"true"`
	BucketURL string `yaml:"bucket_url" split_words:"true"`
	Prefix    string `yaml:"prefix"`
	KeepRuns  int    `yaml:"keep_runs" split_words:"true"`
}

// AppConfig identifies the application the expansion files belong to
type AppConfig struct {
	Package     string `yaml:"package"`
	VersionCode int    `yaml:"version_code" split_words:"true"`
}

// LicenseConfig points at the licensing endpoint
type LicenseConfig struct {
	Endpoint  string `yaml:"endpoint"`
	PublicKey string `yaml:"public_key" split_words:"true"`
	Salt      string `yaml:"salt"` // hex encoded
	DeviceID  string `yaml:"device_id" split_words:"true"`
}

// NetworkConfig holds transfer settings
type NetworkConfig struct {
	UserAgent        string         `yaml:"user_agent" split_words:"true"`
	BufferSize       int            `yaml:"buffer_size" split_words:"true"`
	RateLimit        string         `yaml:"rate_limit" split_words:"true"`
	ContentTypes     []string       `yaml:"content_types" split_words:"true"`
	AllowCellular    bool           `yaml:"allow_cellular" split_words:"true"`
	RequireUnmetered bool           `yaml:"require_unmetered" split_words:"true"`
	Timeouts         TimeoutsConfig `yaml:"timeouts"`
}

// TimeoutsConfig bounds each phase of an HTTP exchange
type TimeoutsConfig struct {
	Dial           time.Duration `yaml:"dial"`
	TLSHandshake   time.Duration `yaml:"tls_handshake" split_words:"true"`
	ResponseHeader time.Duration `yaml:"response_header" split_words:"true"`
	Idle           time.Duration `yaml:"idle"`
	// Inactivity pauses a transfer whose body goes quiet for this long
	Inactivity time.Duration `yaml:"inactivity"`
}

// NotifyConfig holds notification settings
type NotifyConfig struct {
	WebhookURL     string `yaml:"webhook_url" split_words:"true"`
	Label          string `yaml:"label"`
	JobID          int    `yaml:"job_id" split_words:"true"`
	NotificationID int    `yaml:"notification_id" split_words:"true"`
}

// ServerConfig holds status server settings
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// ManifestConfig lists the expansion files when no license endpoint is used
type ManifestConfig struct {
	Files []authority.File `yaml:"files"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	t := safety.DefaultTimeouts()
	return &Config{
		DownloadDir: "/var/lib/expansiond/files",
		Ledger: LedgerConfig{
			Driver:   LedgerSQLite,
			DBPath:   "",
			KeepRuns: 100,
		},
		Network: NetworkConfig{
			UserAgent:    "expansiond/1.0",
			BufferSize:   4096,
			RateLimit:    "",
			ContentTypes: []string{"application/vnd.android.obb"},
			Timeouts: TimeoutsConfig{
				Dial:           t.Dial,
				TLSHandshake:   t.TLSHandshake,
				ResponseHeader: t.ResponseHeader,
				Idle:           t.Idle,
				Inactivity:     DefaultInactivityTimeout,
			},
		},
		Notify: NotifyConfig{
			Label: "expansiond",
		},
		Server: ServerConfig{
			Listen: "",
		},
	}
}

// Load reads a config file from the given path and applies environment overrides
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from EXPANSIOND_* environment variables.
// Unset variables leave the current values alone.
func (c *Config) ApplyEnv() error {
	if err := envconfig.Process(EnvPrefix, c); err != nil {
		return fmt.Errorf("processing environment: %w", err)
	}
	return nil
}

// FindConfigFile searches for a config file in standard locations
func FindConfigFile() (string, error) {
	searchPaths := []string{
		"expansiond.yaml",
		"/etc/expansiond/expansiond.yaml",
	}

	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths,
			filepath.Join(home, ".config", "expansiond", "expansiond.yaml"),
		)
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPaths)
}

// Validate checks that the config is complete and consistent.
// All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.DownloadDir) == "" {
		errs = append(errs, errors.New("download_dir is required"))
	}

	switch c.Ledger.Driver {
	case LedgerSQLite:
	case LedgerBucket:
		if c.Ledger.BucketURL == "" {
			errs = append(errs, errors.New("ledger.bucket_url is required for the bucket driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("ledger.driver %q is not one of %q, %q", c.Ledger.Driver, LedgerSQLite, LedgerBucket))
	}
	if c.Ledger.KeepRuns < 0 {
		errs = append(errs, errors.New("ledger.keep_runs must not be negative"))
	}

	if c.App.Package == "" {
		errs = append(errs, errors.New("app.package is required"))
	}
	if c.App.VersionCode < 0 {
		errs = append(errs, errors.New("app.version_code must not be negative"))
	}

	if c.License.Endpoint != "" {
		if _, err := safety.ValidateHTTPURL(c.License.Endpoint); err != nil {
			errs = append(errs, fmt.Errorf("license.endpoint: %w", err))
		}
	} else if len(c.Manifest.Files) == 0 {
		errs = append(errs, errors.New("either license.endpoint or manifest.files must be set"))
	}
	if len(c.Manifest.Files) > expansion.MaxSlots {
		errs = append(errs, fmt.Errorf("manifest.files lists %d files, at most %d are supported", len(c.Manifest.Files), expansion.MaxSlots))
	}
	if _, err := c.SaltBytes(); err != nil {
		errs = append(errs, err)
	}

	if c.Network.Timeouts.Inactivity < 0 {
		errs = append(errs, errors.New("network.timeouts.inactivity must not be negative"))
	}
	if c.Network.BufferSize < 0 {
		errs = append(errs, errors.New("network.buffer_size must not be negative"))
	}
	if _, err := c.RateLimitBytes(); err != nil {
		errs = append(errs, err)
	}

	if c.Notify.WebhookURL != "" {
		if _, err := safety.ValidateHTTPURL(c.Notify.WebhookURL); err != nil {
			errs = append(errs, fmt.Errorf("notify.webhook_url: %w", err))
		}
	}

	return errors.Join(errs...)
}

// LedgerDBPath returns the sqlite path, defaulting to a file next to the downloads
func (c *Config) LedgerDBPath() string {
	if c.Ledger.DBPath != "" {
		return c.Ledger.DBPath
	}
	return filepath.Join(c.DownloadDir, ".expansiond.db")
}

// RateLimitBytes parses network.rate_limit ("5MB", "512KiB") into bytes per second.
// An empty value means unlimited.
func (c *Config) RateLimitBytes() (int64, error) {
	v := strings.TrimSpace(c.Network.RateLimit)
	if v == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(v)
	if err != nil {
		return 0, fmt.Errorf("network.rate_limit: %w", err)
	}
	return int64(n), nil
}

// SaltBytes decodes license.salt.
func (c *Config) SaltBytes() ([]byte, error) {
	if c.License.Salt == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(c.License.Salt)
	if err != nil {
		return nil, fmt.Errorf("license.salt must be hex encoded: %w", err)
	}
	return b, nil
}

// Timeouts converts the configured timeouts for the HTTP clients
func (c *Config) Timeouts() safety.Timeouts {
	return safety.Timeouts{
		Dial:           c.Network.Timeouts.Dial,
		TLSHandshake:   c.Network.Timeouts.TLSHandshake,
		ResponseHeader: c.Network.Timeouts.ResponseHeader,
		Idle:           c.Network.Timeouts.Idle,
	}
}

// DownloaderConfig builds the per-run settings handed to the engine
func (c *Config) DownloaderConfig() (expansion.DownloaderConfig, error) {
	salt, err := c.SaltBytes()
	if err != nil {
		return expansion.DownloaderConfig{}, err
	}
	return expansion.DownloaderConfig{
		PackageName:      c.App.Package,
		VersionCode:      c.App.VersionCode,
		Salt:             salt,
		PublicKey:        c.License.PublicKey,
		DeviceID:         c.License.DeviceID,
		AllowCellular:    c.Network.AllowCellular,
		RequireUnmetered: c.Network.RequireUnmetered,
		JobID:            c.Notify.JobID,
		NotificationID:   c.Notify.NotificationID,
	}, nil
}

// Marshal renders the config as YAML
func (c *Config) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshaling config: %w", err)
	}
	return data, nil
}

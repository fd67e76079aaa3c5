package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Feed        FeedConfig        `yaml:"feed"`
	Index       IndexConfig       `yaml:"index"`
	Audit       EventStoreConfig  `yaml:"audit"`
	Propagation PropagationConfig `yaml:"propagation"`
	Archive     ArchiveConfig     `yaml:"archive"`
	Log         LogConfig         `yaml:"log"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	// APIKey guards POST /writes. Empty disables the check.
	APIKey string `yaml:"-"`
}

// FeedConfig describes the change-feed connection shared by both workers.
type FeedConfig struct {
	DSN           string   `yaml:"dsn"`
	Mode          string   `yaml:"mode"`
	PollInterval  Duration `yaml:"poll_interval"`
	BatchSize     int      `yaml:"batch_size"`
	MaxRetries    int      `yaml:"max_retries"`
	RetryBackoff  Duration `yaml:"retry_backoff"`
	FetchTimeout  Duration `yaml:"fetch_timeout"`
	CompatMode    bool     `yaml:"compat_mode"`
	CursorColumn  string   `yaml:"cursor_column"`
	OrdersView    string   `yaml:"orders_view"`
	InventoryView string   `yaml:"inventory_view"`
}

// IndexConfig describes the document index endpoint.
type IndexConfig struct {
	Backend    string   `yaml:"backend"`
	URL        string   `yaml:"url"`
	Username   string   `yaml:"username"`
	Password   string   `yaml:"-"` // env-only, never in YAML
	SQLitePath string   `yaml:"sqlite_path"`
	Timeout    Duration `yaml:"timeout"`
}

// EventStoreConfig bounds an in-memory event store.
type EventStoreConfig struct {
	TTL       Duration `yaml:"ttl"`
	MaxEvents int      `yaml:"max_events"`
}

// PropagationConfig configures the propagation event store and focus hints.
type PropagationConfig struct {
	EventStoreConfig `yaml:",inline"`
	FocusTTL         Duration `yaml:"focus_ttl"`
	FocusURL         string   `yaml:"focus_url"`
	FocusTimeout     Duration `yaml:"focus_timeout"`
}

// ArchiveConfig contains S3-compatible audit archive settings.
// An empty bucket disables archiving.
type ArchiveConfig struct {
	Bucket    string   `yaml:"bucket"`
	Endpoint  string   `yaml:"endpoint"`
	Region    string   `yaml:"region"`
	UseSSL    *bool    `yaml:"use_ssl"`
	AccessKey string   `yaml:"-"` // env-only
	SecretKey string   `yaml:"-"` // env-only
	Prefix    string   `yaml:"prefix"`
	Interval  Duration `yaml:"interval"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Feed modes and index backends accepted by validate.
const (
	FeedModeStreaming = "streaming"
	FeedModePolling   = "polling"

	IndexBackendOpenSearch = "opensearch"
	IndexBackendSQLite     = "sqlite"
)

// Duration is a wrapper around time.Duration that supports YAML string
// parsing. Bare integers are read as seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := parseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return d, nil
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("VIEWSYNC_CONFIG_PATH", "config/viewsync.yaml")

	// Missing file is not an error
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Feed: FeedConfig{
			Mode:          FeedModeStreaming,
			PollInterval:  Duration(5 * time.Second),
			BatchSize:     100,
			MaxRetries:    3,
			RetryBackoff:  Duration(500 * time.Millisecond),
			FetchTimeout:  Duration(time.Second),
			CompatMode:    true,
			CursorColumn:  "updated_at",
			OrdersView:    "orders_flat_mv",
			InventoryView: "store_inventory_mv",
		},
		Index: IndexConfig{
			Backend:    IndexBackendOpenSearch,
			URL:        "http://localhost:9200",
			SQLitePath: "data/index.db",
			Timeout:    Duration(10 * time.Second),
		},
		Audit: EventStoreConfig{
			TTL:       Duration(300 * time.Second),
			MaxEvents: 10000,
		},
		Propagation: PropagationConfig{
			EventStoreConfig: EventStoreConfig{
				TTL:       Duration(300 * time.Second),
				MaxEvents: 10000,
			},
			FocusTTL:     Duration(60 * time.Second),
			FocusTimeout: Duration(2 * time.Second),
		},
		Archive: ArchiveConfig{
			Prefix:   "audit",
			Interval: Duration(5 * time.Minute),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Server
	if v := os.Getenv("VIEWSYNC_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	envDuration("VIEWSYNC_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	envDuration("VIEWSYNC_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	envDuration("VIEWSYNC_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)
	if v := os.Getenv("VIEWSYNC_API_KEY"); v != "" {
		cfg.Server.APIKey = v
	}

	// Feed
	if v := os.Getenv("VIEWSYNC_FEED_DSN"); v != "" {
		cfg.Feed.DSN = v
	}
	if v := os.Getenv("VIEWSYNC_FEED_MODE"); v != "" {
		cfg.Feed.Mode = v
	}
	envDuration("VIEWSYNC_POLL_INTERVAL", &cfg.Feed.PollInterval)
	envInt("VIEWSYNC_BATCH_SIZE", &cfg.Feed.BatchSize)
	envInt("VIEWSYNC_MAX_RETRIES", &cfg.Feed.MaxRetries)
	envDuration("VIEWSYNC_RETRY_BACKOFF", &cfg.Feed.RetryBackoff)
	if v := os.Getenv("VIEWSYNC_FEED_COMPAT_MODE"); v != "" {
		cfg.Feed.CompatMode = v == "true" || v == "1"
	}
	if v := os.Getenv("VIEWSYNC_ORDERS_VIEW"); v != "" {
		cfg.Feed.OrdersView = v
	}
	if v := os.Getenv("VIEWSYNC_INVENTORY_VIEW"); v != "" {
		cfg.Feed.InventoryView = v
	}

	// Index
	if v := os.Getenv("VIEWSYNC_INDEX_BACKEND"); v != "" {
		cfg.Index.Backend = v
	}
	if v := os.Getenv("VIEWSYNC_INDEX_URL"); v != "" {
		cfg.Index.URL = v
	}
	if v := os.Getenv("VIEWSYNC_INDEX_USERNAME"); v != "" {
		cfg.Index.Username = v
	}
	if v := os.Getenv("VIEWSYNC_INDEX_PASSWORD"); v != "" {
		cfg.Index.Password = v
	}
	if v := os.Getenv("VIEWSYNC_INDEX_SQLITE_PATH"); v != "" {
		cfg.Index.SQLitePath = v
	}

	// Event stores
	envDuration("VIEWSYNC_AUDIT_TTL", &cfg.Audit.TTL)
	envInt("VIEWSYNC_AUDIT_MAX_EVENTS", &cfg.Audit.MaxEvents)
	envDuration("VIEWSYNC_PROPAGATION_TTL", &cfg.Propagation.TTL)
	envInt("VIEWSYNC_PROPAGATION_MAX_EVENTS", &cfg.Propagation.MaxEvents)
	envDuration("VIEWSYNC_FOCUS_TTL", &cfg.Propagation.FocusTTL)
	if v := os.Getenv("VIEWSYNC_FOCUS_URL"); v != "" {
		cfg.Propagation.FocusURL = v
	}

	// Archive (AWS_* names are industry convention)
	if v := os.Getenv("VIEWSYNC_ARCHIVE_BUCKET"); v != "" {
		cfg.Archive.Bucket = v
	}
	if v := os.Getenv("VIEWSYNC_ARCHIVE_ENDPOINT"); v != "" {
		cfg.Archive.Endpoint = v
	}
	if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
		cfg.Archive.AccessKey = v
	}
	if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
		cfg.Archive.SecretKey = v
	}
	envDuration("VIEWSYNC_ARCHIVE_INTERVAL", &cfg.Archive.Interval)

	// Log
	if v := os.Getenv("VIEWSYNC_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("VIEWSYNC_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

func envDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := parseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// validate checks that required configuration values are set and sane.
// In dev mode (VIEWSYNC_DEV_MODE=true), the feed DSN may be empty.
func (c *Config) validate() error {
	var errs []error

	if c.Feed.DSN == "" && os.Getenv("VIEWSYNC_DEV_MODE") != "true" {
		errs = append(errs, errors.New("VIEWSYNC_FEED_DSN is required"))
	}
	switch c.Feed.Mode {
	case FeedModeStreaming, FeedModePolling:
	default:
		errs = append(errs, fmt.Errorf("feed.mode must be %q or %q, got %q", FeedModeStreaming, FeedModePolling, c.Feed.Mode))
	}
	switch c.Index.Backend {
	case IndexBackendOpenSearch:
		if c.Index.URL == "" {
			errs = append(errs, errors.New("index.url is required for the opensearch backend"))
		}
	case IndexBackendSQLite:
		if c.Index.SQLitePath == "" {
			errs = append(errs, errors.New("index.sqlite_path is required for the sqlite backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("index.backend must be %q or %q, got %q", IndexBackendOpenSearch, IndexBackendSQLite, c.Index.Backend))
	}
	if c.Feed.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("feed.batch_size must be positive, got %d", c.Feed.BatchSize))
	}
	if c.Feed.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("feed.max_retries must not be negative, got %d", c.Feed.MaxRetries))
	}
	if c.Feed.PollInterval <= 0 {
		errs = append(errs, errors.New("feed.poll_interval must be positive"))
	}
	if c.Feed.OrdersView == "" || c.Feed.InventoryView == "" {
		errs = append(errs, errors.New("feed.orders_view and feed.inventory_view are required"))
	}
	if c.Audit.TTL <= 0 || c.Propagation.TTL <= 0 {
		errs = append(errs, errors.New("event store ttl must be positive"))
	}
	return multierr.Combine(errs...)
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

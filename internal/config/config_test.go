package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

// Helper to blank all config-related env vars for the test's duration
func clearEnv(t *testing.T) {
	t.Helper()
	envVars := []string{
		"VIEWSYNC_CONFIG_PATH",
		"VIEWSYNC_DEV_MODE",
		"VIEWSYNC_PORT",
		"VIEWSYNC_READ_TIMEOUT",
		"VIEWSYNC_WRITE_TIMEOUT",
		"VIEWSYNC_SHUTDOWN_TIMEOUT",
		"VIEWSYNC_API_KEY",
		"VIEWSYNC_FEED_DSN",
		"VIEWSYNC_FEED_MODE",
		"VIEWSYNC_POLL_INTERVAL",
		"VIEWSYNC_BATCH_SIZE",
		"VIEWSYNC_MAX_RETRIES",
		"VIEWSYNC_RETRY_BACKOFF",
		"VIEWSYNC_FEED_COMPAT_MODE",
		"VIEWSYNC_ORDERS_VIEW",
		"VIEWSYNC_INVENTORY_VIEW",
		"VIEWSYNC_INDEX_BACKEND",
		"VIEWSYNC_INDEX_URL",
		"VIEWSYNC_INDEX_USERNAME",
		"VIEWSYNC_INDEX_PASSWORD",
		"VIEWSYNC_INDEX_SQLITE_PATH",
		"VIEWSYNC_AUDIT_TTL",
		"VIEWSYNC_AUDIT_MAX_EVENTS",
		"VIEWSYNC_PROPAGATION_TTL",
		"VIEWSYNC_PROPAGATION_MAX_EVENTS",
		"VIEWSYNC_FOCUS_TTL",
		"VIEWSYNC_FOCUS_URL",
		"VIEWSYNC_ARCHIVE_BUCKET",
		"VIEWSYNC_ARCHIVE_ENDPOINT",
		"VIEWSYNC_ARCHIVE_INTERVAL",
		"AWS_ACCESS_KEY_ID",
		"AWS_SECRET_ACCESS_KEY",
		"VIEWSYNC_LOG_LEVEL",
		"VIEWSYNC_LOG_FORMAT",
	}
	for _, v := range envVars {
		t.Setenv(v, "")
	}
}

func setDevModeEnv(t *testing.T) {
	t.Helper()
	t.Setenv("VIEWSYNC_DEV_MODE", "true")
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "viewsync.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return path
}

// dur converts Duration to time.Duration for comparison
func dur(d Duration) time.Duration {
	return time.Duration(d)
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if dur(cfg.Server.ShutdownTimeout) != 15*time.Second {
		t.Errorf("Server.ShutdownTimeout = %v, want 15s", cfg.Server.ShutdownTimeout)
	}
	if cfg.Feed.Mode != FeedModeStreaming {
		t.Errorf("Feed.Mode = %q, want streaming", cfg.Feed.Mode)
	}
	if dur(cfg.Feed.PollInterval) != 5*time.Second {
		t.Errorf("Feed.PollInterval = %v, want 5s", cfg.Feed.PollInterval)
	}
	if cfg.Feed.BatchSize != 100 {
		t.Errorf("Feed.BatchSize = %d, want 100", cfg.Feed.BatchSize)
	}
	if cfg.Feed.MaxRetries != 3 {
		t.Errorf("Feed.MaxRetries = %d, want 3", cfg.Feed.MaxRetries)
	}
	if !cfg.Feed.CompatMode {
		t.Error("Feed.CompatMode = false, want true")
	}
	if cfg.Index.Backend != IndexBackendOpenSearch || cfg.Index.URL != "http://localhost:9200" {
		t.Errorf("Index = %+v", cfg.Index)
	}
	if dur(cfg.Audit.TTL) != 300*time.Second || cfg.Audit.MaxEvents != 10000 {
		t.Errorf("Audit = %+v", cfg.Audit)
	}
	if dur(cfg.Propagation.FocusTimeout) != 2*time.Second {
		t.Errorf("Propagation.FocusTimeout = %v, want 2s", cfg.Propagation.FocusTimeout)
	}
	if cfg.Archive.Bucket != "" {
		t.Errorf("Archive.Bucket = %q, want empty (disabled)", cfg.Archive.Bucket)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Errorf("Log = %+v", cfg.Log)
	}
}

func TestLoad_ValidationFailsWithoutFeedDSN(t *testing.T) {
	clearEnv(t)

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "VIEWSYNC_FEED_DSN") {
		t.Errorf("Load() error = %v, want missing DSN", err)
	}
}

func TestLoad_ValidationPassesWithFeedDSN(t *testing.T) {
	clearEnv(t)
	t.Setenv("VIEWSYNC_FEED_DSN", "postgres://materialize@localhost:6875/materialize")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Feed.DSN == "" {
		t.Error("Feed.DSN not applied")
	}
}

func TestLoad_ValidationCollectsAllProblems(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)
	t.Setenv("VIEWSYNC_FEED_MODE", "carrier-pigeon")
	t.Setenv("VIEWSYNC_INDEX_BACKEND", "solr")
	t.Setenv("VIEWSYNC_BATCH_SIZE", "0")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() expected error")
	}
	for _, want := range []string{"feed.mode", "index.backend", "feed.batch_size"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)

	t.Setenv("VIEWSYNC_PORT", "9090")
	t.Setenv("VIEWSYNC_FEED_MODE", "polling")
	t.Setenv("VIEWSYNC_POLL_INTERVAL", "10")
	t.Setenv("VIEWSYNC_BATCH_SIZE", "250")
	t.Setenv("VIEWSYNC_MAX_RETRIES", "5")
	t.Setenv("VIEWSYNC_FEED_COMPAT_MODE", "false")
	t.Setenv("VIEWSYNC_INDEX_BACKEND", "sqlite")
	t.Setenv("VIEWSYNC_INDEX_PASSWORD", "hunter2")
	t.Setenv("VIEWSYNC_FOCUS_URL", "http://localhost:8090")
	t.Setenv("AWS_ACCESS_KEY_ID", "minioadmin")
	t.Setenv("VIEWSYNC_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Feed.Mode != FeedModePolling {
		t.Errorf("Feed.Mode = %q", cfg.Feed.Mode)
	}
	if dur(cfg.Feed.PollInterval) != 10*time.Second {
		t.Errorf("Feed.PollInterval = %v, want 10s from bare integer", cfg.Feed.PollInterval)
	}
	if cfg.Feed.BatchSize != 250 || cfg.Feed.MaxRetries != 5 {
		t.Errorf("Feed = %+v", cfg.Feed)
	}
	if cfg.Feed.CompatMode {
		t.Error("Feed.CompatMode = true, want false")
	}
	if cfg.Index.Backend != IndexBackendSQLite || cfg.Index.Password != "hunter2" {
		t.Errorf("Index = %+v", cfg.Index)
	}
	if cfg.Propagation.FocusURL != "http://localhost:8090" {
		t.Errorf("Propagation.FocusURL = %q", cfg.Propagation.FocusURL)
	}
	if cfg.Archive.AccessKey != "minioadmin" {
		t.Errorf("Archive.AccessKey = %q", cfg.Archive.AccessKey)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug", cfg.Log.Level)
	}
}

func TestLoad_InvalidEnvValueKeepsDefault(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)
	t.Setenv("VIEWSYNC_PORT", "not-a-port")
	t.Setenv("VIEWSYNC_POLL_INTERVAL", "soon")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080 (default)", cfg.Server.Port)
	}
	if dur(cfg.Feed.PollInterval) != 5*time.Second {
		t.Errorf("Feed.PollInterval = %v, want 5s (default)", cfg.Feed.PollInterval)
	}
}

func TestLoadFromFile_ValidYAML(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)

	path := writeConfig(t, `
server:
  port: 9999
feed:
  mode: polling
  poll_interval: 2
  fetch_timeout: 250ms
  orders_view: public.orders_flat
index:
  backend: sqlite
  sqlite_path: /tmp/viewsync-index.db
propagation:
  ttl: 10m
  max_events: 50
  focus_ttl: 30s
archive:
  bucket: audit-archive
  use_ssl: false
`)

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Server.Port != 9999 {
		t.Errorf("Server.Port = %d, want 9999", cfg.Server.Port)
	}
	if dur(cfg.Feed.PollInterval) != 2*time.Second {
		t.Errorf("Feed.PollInterval = %v, want 2s", cfg.Feed.PollInterval)
	}
	if dur(cfg.Feed.FetchTimeout) != 250*time.Millisecond {
		t.Errorf("Feed.FetchTimeout = %v, want 250ms", cfg.Feed.FetchTimeout)
	}
	if cfg.Feed.OrdersView != "public.orders_flat" {
		t.Errorf("Feed.OrdersView = %q", cfg.Feed.OrdersView)
	}
	if cfg.Feed.InventoryView != "store_inventory_mv" {
		t.Errorf("Feed.InventoryView = %q, want default", cfg.Feed.InventoryView)
	}
	if dur(cfg.Propagation.TTL) != 10*time.Minute || cfg.Propagation.MaxEvents != 50 {
		t.Errorf("Propagation = %+v", cfg.Propagation)
	}
	if cfg.Archive.UseSSL == nil || *cfg.Archive.UseSSL {
		t.Errorf("Archive.UseSSL = %v, want explicit false", cfg.Archive.UseSSL)
	}
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)
	path := writeConfig(t, "feed:\n  batch_size: 10\n")
	t.Setenv("VIEWSYNC_CONFIG_PATH", path)
	t.Setenv("VIEWSYNC_BATCH_SIZE", "20")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Feed.BatchSize != 20 {
		t.Errorf("Feed.BatchSize = %d, want 20 (env wins)", cfg.Feed.BatchSize)
	}
}

func TestLoad_MissingConfigFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)
	t.Setenv("VIEWSYNC_CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
}

func TestLoadFromFile_InvalidYAML(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)
	path := writeConfig(t, "server: [unclosed")

	if _, err := LoadFromFile(path); err == nil {
		t.Error("LoadFromFile() expected error for invalid YAML, got nil")
	}
}

func TestLoadFromFile_InvalidDuration(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)
	path := writeConfig(t, "server:\n  read_timeout: not_a_duration\n")

	if _, err := LoadFromFile(path); err == nil {
		t.Error("LoadFromFile() expected error for invalid duration, got nil")
	}
}

func TestConfig_SecretsNotInYAML(t *testing.T) {
	cfg := &Config{
		Index:   IndexConfig{Username: "admin", Password: "index-secret"},
		Archive: ArchiveConfig{AccessKey: "access-secret", SecretKey: "s3-secret"},
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		t.Fatalf("yaml.Marshal() error = %v", err)
	}

	out := string(data)
	for _, secret := range []string{"index-secret", "access-secret", "s3-secret"} {
		if strings.Contains(out, secret) {
			t.Errorf("YAML contains secret %q: %s", secret, out)
		}
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"5", 5 * time.Second, false},
		{"0.5", 500 * time.Millisecond, false},
		{"1m30s", 90 * time.Second, false},
		{" 250ms ", 250 * time.Millisecond, false},
		{"later", 0, true},
	}
	for _, tt := range tests {
		got, err := parseDuration(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseDuration(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseDuration(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

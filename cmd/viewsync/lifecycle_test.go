package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/viewsync/internal/config"
	"github.com/hyperengineering/viewsync/internal/document"
	"github.com/hyperengineering/viewsync/internal/focus"
	"github.com/hyperengineering/viewsync/internal/search"
	"github.com/hyperengineering/viewsync/internal/worker"
)

// logCapture captures slog output for testing
type logCapture struct {
	mu      sync.Mutex
	entries []map[string]any
}

func (c *logCapture) handler() slog.Handler {
	return slog.NewJSONHandler(c, &slog.HandlerOptions{Level: slog.LevelDebug})
}

func (c *logCapture) Write(p []byte) (n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var entry map[string]any
	if err := json.Unmarshal(p, &entry); err == nil {
		c.entries = append(c.entries, entry)
	}
	return len(p), nil
}

func (c *logCapture) hasMessage(msg string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e["msg"] == msg {
			return true
		}
	}
	return false
}

func TestStartWorker_LaunchesGoroutineAndTracksCompletion(t *testing.T) {
	capture := &logCapture{}
	oldDefault := slog.Default()
	slog.SetDefault(slog.New(capture.handler()))
	defer slog.SetDefault(oldDefault)

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	workerRan := atomic.Bool{}
	startWorker(ctx, &wg, "audit-archiver", func(ctx context.Context) {
		workerRan.Store(true)
		close(started)
		<-ctx.Done()
	})

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("worker function was not called")
	}

	cancel()
	wg.Wait()

	if !workerRan.Load() {
		t.Error("worker function was not called")
	}
	if !capture.hasMessage("worker started") {
		t.Error("expected 'worker started' log message")
	}
	if !capture.hasMessage("worker stopped") {
		t.Error("expected 'worker stopped' log message")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"DEBUG": slog.LevelDebug,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"info":  slog.LevelInfo,
		"":      slog.LevelInfo,
		"bogus": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLogLevel(in); got != want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewLogger_Format(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, config.LogConfig{Level: "info", Format: "json"}).Info("hello", "component", "test")
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("json format produced %q: %v", buf.String(), err)
	}

	buf.Reset()
	newLogger(&buf, config.LogConfig{Level: "warn", Format: "text"}).Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("info logged at warn level: %q", buf.String())
	}
	newLogger(&buf, config.LogConfig{Level: "info", Format: "TEXT"}).Info("hello")
	if !strings.Contains(buf.String(), "msg=hello") {
		t.Errorf("text format produced %q", buf.String())
	}
}

func testConfig() *config.Config {
	return &config.Config{
		Feed: config.FeedConfig{
			DSN:           "postgres://materialize@localhost:6875/materialize",
			Mode:          config.FeedModePolling,
			PollInterval:  config.Duration(2 * time.Second),
			BatchSize:     50,
			MaxRetries:    4,
			RetryBackoff:  config.Duration(250 * time.Millisecond),
			FetchTimeout:  config.Duration(time.Second),
			CompatMode:    true,
			CursorColumn:  "effective_updated_at",
			OrdersView:    "orders_flat_mv",
			InventoryView: "store_inventory_mv",
		},
		Index: config.IndexConfig{
			Backend:    config.IndexBackendSQLite,
			SQLitePath: "data/index.db",
			Timeout:    config.Duration(10 * time.Second),
		},
	}
}

func TestFeedConfig_MapsFeedSettings(t *testing.T) {
	cfg := testConfig()
	fc := feedConfig(cfg, viewFor(cfg, document.FamilyInventory))

	if fc.View != "store_inventory_mv" || fc.DSN != cfg.Feed.DSN {
		t.Errorf("view/dsn = %q/%q", fc.View, fc.DSN)
	}
	if fc.PollInterval != 2*time.Second || fc.BatchSize != 50 || fc.MaxRetries != 4 {
		t.Errorf("feed config = %+v", fc)
	}
	if !fc.Compat || fc.CursorColumn != "effective_updated_at" {
		t.Errorf("compat/cursor = %v/%q", fc.Compat, fc.CursorColumn)
	}
	if viewFor(cfg, document.FamilyOrders) != "orders_flat_mv" || viewFor(cfg, "customers") != "" {
		t.Error("viewFor mapped families incorrectly")
	}

	sc := syncConfig(cfg)
	if sc.BatchSize != 50 || sc.MaxRetries != 4 || sc.RetryBackoff != 250*time.Millisecond {
		t.Errorf("sync config = %+v", sc)
	}
}

func TestBuildWorkers_DisabledWithoutDSN(t *testing.T) {
	cfg := testConfig()
	cfg.Feed.DSN = ""
	workers, err := buildWorkers(cfg, nil, nil)
	if err != nil || len(workers) != 0 {
		t.Errorf("buildWorkers() = %d workers, %v; want none", len(workers), err)
	}
}

func TestBootstrapIndexes_Idempotent(t *testing.T) {
	index, err := search.NewSQLiteIndex(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("NewSQLiteIndex() error = %v", err)
	}
	defer index.Close()

	for i := 0; i < 2; i++ {
		var out bytes.Buffer
		cmd := &cobra.Command{}
		cmd.SetOut(&out)
		if err := bootstrapIndexes(context.Background(), cmd, index, worker.SyncConfig{MaxRetries: 1}); err != nil {
			t.Fatalf("run %d: bootstrapIndexes() error = %v", i, err)
		}
		for _, name := range []string{"orders", "inventory"} {
			if !strings.Contains(out.String(), "index ready: "+name) {
				t.Errorf("run %d: output %q missing %s", i, out.String(), name)
			}
		}
	}
}

// executeCmd runs the root command with captured output.
func executeCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	focusURL, focusOrder, focusStore, focusProducts = "", "", "", nil
	focusTimeout = focus.DefaultTimeout

	out := new(bytes.Buffer)
	rootCmd.SetOut(out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	rootCmd.SetOut(nil)
	rootCmd.SetErr(nil)
	rootCmd.SetArgs(nil)
	return out.String(), err
}

func TestFocusCommand_PostsHint(t *testing.T) {
	var got focus.Hint
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/focus" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	out, err := executeCmd(t, "focus", "--url", srv.URL, "--order", "FM-1001", "--store", "7",
		"--product", "55", "--product", "56")
	if err != nil {
		t.Fatalf("focus error = %v", err)
	}
	if !strings.Contains(out, "focus set: order FM-1001") {
		t.Errorf("output = %q", out)
	}
	if got.OrderID != "FM-1001" || got.StoreID != "7" || len(got.ProductIDs) != 2 {
		t.Errorf("hint = %+v", got)
	}
}

func TestFocusCommand_UnreachableDoesNotFail(t *testing.T) {
	out, err := executeCmd(t, "focus", "--url", "http://127.0.0.1:1", "--order", "FM-1001", "--timeout", "200ms")
	if err != nil {
		t.Fatalf("focus error = %v, want nil for undelivered hint", err)
	}
	if !strings.Contains(out, "focus not delivered") {
		t.Errorf("output = %q", out)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := executeCmd(t, "version")
	if err != nil {
		t.Fatalf("version error = %v", err)
	}
	if strings.TrimSpace(out) != "viewsync "+Version {
		t.Errorf("output = %q", out)
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/viewsync/internal/api"
	"github.com/hyperengineering/viewsync/internal/archive"
	"github.com/hyperengineering/viewsync/internal/changefeed"
	"github.com/hyperengineering/viewsync/internal/config"
	"github.com/hyperengineering/viewsync/internal/document"
	"github.com/hyperengineering/viewsync/internal/events"
	"github.com/hyperengineering/viewsync/internal/focus"
	"github.com/hyperengineering/viewsync/internal/search"
	"github.com/hyperengineering/viewsync/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync workers and the event API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(newLogger(os.Stdout, cfg.Log))
	slog.Info("configuration loaded",
		"feed_mode", cfg.Feed.Mode,
		"index_backend", cfg.Index.Backend,
		"compat_mode", cfg.Feed.CompatMode,
	)

	writes := events.NewWriteEventStore(events.Options{
		TTL:       cfg.Audit.TTL.Std(),
		MaxEvents: cfg.Audit.MaxEvents,
	})
	propagation := events.NewPropagationEventStore(events.Options{
		TTL:       cfg.Propagation.TTL.Std(),
		MaxEvents: cfg.Propagation.MaxEvents,
	})

	index, err := search.Open(indexOptions(cfg))
	if err != nil {
		return fmt.Errorf("open index: %w", err)
	}
	defer index.Close()
	slog.Info("index client initialized", "backend", cfg.Index.Backend)

	workers, err := buildWorkers(cfg, index, propagation)
	if err != nil {
		return err
	}
	supervisor := worker.NewSupervisor(cfg.Server.ShutdownTimeout.Std(), nil, workers...)

	handler := api.NewHandler(writes, propagation, supervisor,
		cfg.Propagation.FocusTTL.Std(), cfg.Server.APIKey, Version)
	if cfg.Propagation.FocusURL != "" {
		handler.WithFocusRelay(focus.NewNotifier(cfg.Propagation.FocusURL, cfg.Propagation.FocusTimeout.Std()))
		slog.Info("focus relay enabled", "url", cfg.Propagation.FocusURL)
	}
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      api.NewRouter(handler),
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
	}

	var wg sync.WaitGroup
	if cfg.Archive.Bucket != "" {
		uploader, err := archive.NewUploader(cfg.Archive)
		if err != nil {
			return fmt.Errorf("init audit archive: %w", err)
		}
		archiver := worker.NewAuditArchiver(writes, uploader, cfg.Archive.Interval.Std(), nil)
		archiver.FinalTimeout = cfg.Server.ShutdownTimeout.Std()
		startWorker(ctx, &wg, "audit-archiver", archiver.Run)
	}

	supDone := make(chan error, 1)
	go func() { supDone <- supervisor.Run(ctx) }()

	go func() {
		slog.Info("server starting", "address", addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("shutdown initiated")
		runErr = <-supDone
	case runErr = <-supDone:
		if runErr != nil {
			slog.Error("sync workers failed to start", "error", runErr)
			cancel()
		} else {
			<-ctx.Done()
			slog.Info("shutdown initiated")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	wg.Wait()

	if runErr != nil {
		slog.Error("shutdown complete with errors", "error", runErr)
		return runErr
	}
	slog.Info("shutdown complete")
	return nil
}

// buildWorkers creates one sync worker per document family. In dev mode
// without a feed DSN no workers run and only the API is served.
func buildWorkers(cfg *config.Config, index search.Client, store *events.PropagationEventStore) ([]*worker.SyncWorker, error) {
	if cfg.Feed.DSN == "" {
		slog.Warn("feed DSN not set, sync workers disabled")
		return nil, nil
	}
	var workers []*worker.SyncWorker
	for _, name := range document.Names() {
		src, err := changefeed.Open(cfg.Feed.Mode, feedConfig(cfg, viewFor(cfg, name)))
		if err != nil {
			closeWorkers(workers)
			return nil, fmt.Errorf("open %s feed: %w", name, err)
		}
		w, err := worker.NewSyncWorker(name, src, index, store, syncConfig(cfg))
		if err != nil {
			src.Close()
			closeWorkers(workers)
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, nil
}

func closeWorkers(workers []*worker.SyncWorker) {
	for _, w := range workers {
		w.Close()
	}
}

func viewFor(cfg *config.Config, family string) string {
	switch family {
	case document.FamilyOrders:
		return cfg.Feed.OrdersView
	case document.FamilyInventory:
		return cfg.Feed.InventoryView
	}
	return ""
}

func feedConfig(cfg *config.Config, view string) changefeed.Config {
	return changefeed.Config{
		DSN:          cfg.Feed.DSN,
		View:         view,
		CursorColumn: cfg.Feed.CursorColumn,
		BatchSize:    cfg.Feed.BatchSize,
		PollInterval: cfg.Feed.PollInterval.Std(),
		FetchTimeout: cfg.Feed.FetchTimeout.Std(),
		MaxRetries:   cfg.Feed.MaxRetries,
		RetryBackoff: cfg.Feed.RetryBackoff.Std(),
		Compat:       cfg.Feed.CompatMode,
	}
}

func syncConfig(cfg *config.Config) worker.SyncConfig {
	return worker.SyncConfig{
		BatchSize:    cfg.Feed.BatchSize,
		MaxRetries:   cfg.Feed.MaxRetries,
		RetryBackoff: cfg.Feed.RetryBackoff.Std(),
	}
}

func indexOptions(cfg *config.Config) search.Options {
	return search.Options{
		Backend:    cfg.Index.Backend,
		URL:        cfg.Index.URL,
		Username:   cfg.Index.Username,
		Password:   cfg.Index.Password,
		Timeout:    cfg.Index.Timeout.Std(),
		SQLitePath: cfg.Index.SQLitePath,
	}
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/viewsync/internal/config"
	"github.com/hyperengineering/viewsync/internal/document"
	"github.com/hyperengineering/viewsync/internal/search"
	"github.com/hyperengineering/viewsync/internal/worker"
)

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Create the search indexes and mappings if missing",
	Long:  "Create every family's index and mapping. Safe to run repeatedly; existing indexes are left untouched.",
	RunE:  runBootstrap,
}

func runBootstrap(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.SetDefault(newLogger(os.Stderr, cfg.Log))

	index, err := search.Open(indexOptions(cfg))
	if err != nil {
		return fmt.Errorf("open index: %w", err)
	}
	defer index.Close()

	return bootstrapIndexes(cmd.Context(), cmd, index, syncConfig(cfg))
}

// bootstrapIndexes ensures every family index exists, reusing the sync
// worker's retry policy.
func bootstrapIndexes(ctx context.Context, cmd *cobra.Command, index search.Client, cfg worker.SyncConfig) error {
	for _, name := range document.Names() {
		w, err := worker.NewSyncWorker(name, nil, index, nil, cfg)
		if err != nil {
			return err
		}
		if err := w.Bootstrap(ctx); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "index ready: %s\n", w.Stats().Index)
	}
	return nil
}

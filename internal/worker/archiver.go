package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/juju/clock"

	"github.com/hyperengineering/viewsync/internal/archive"
	"github.com/hyperengineering/viewsync/internal/events"
)

// DefaultFinalArchiveTimeout bounds the last upload made on shutdown.
const DefaultFinalArchiveTimeout = 15 * time.Second

// AuditArchiver periodically copies audit events that have not yet been
// archived to object storage as one JSONL segment, oldest first. The audit
// store keeps only a short window, so events that age out between cycles
// are not archived.
type AuditArchiver struct {
	store    *events.WriteEventStore
	uploader archive.Uploader
	interval time.Duration
	clock    clock.Clock

	// FinalTimeout bounds the upload made when Run is cancelled.
	FinalTimeout time.Duration

	// last is the newest archived event time in unix nanoseconds.
	last int64
}

// NewAuditArchiver creates an archiver. A nil clock uses the wall clock.
func NewAuditArchiver(store *events.WriteEventStore, uploader archive.Uploader, interval time.Duration, clk clock.Clock) *AuditArchiver {
	if clk == nil {
		clk = clock.WallClock
	}
	return &AuditArchiver{
		store:    store,
		uploader: uploader,
		interval: interval,
		clock:    clk,

		FinalTimeout: DefaultFinalArchiveTimeout,
	}
}

// Run archives on every interval until ctx is done. It exits early when
// archive storage is not configured.
func (a *AuditArchiver) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "audit-archiver",
		"action", "worker_started",
	)

	for {
		select {
		case <-ctx.Done():
			// One last segment so a clean shutdown loses nothing still retained.
			finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.FinalTimeout)
			a.ArchiveOnce(finalCtx)
			cancel()
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "audit-archiver",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-a.clock.After(a.interval):
			if errors.Is(a.ArchiveOnce(ctx), archive.ErrNotConfigured) {
				slog.Info("worker stopped",
					"component", "worker",
					"worker", "audit-archiver",
					"action", "worker_stopped",
					"reason", "not_configured",
				)
				return
			}
		}
	}
}

// ArchiveOnce uploads events newer than the last archived one. It returns
// nil when there is nothing to archive.
func (a *AuditArchiver) ArchiveOnce(ctx context.Context) error {
	since := a.last
	evs := a.store.Events(events.Query{Since: &since})
	if len(evs) == 0 {
		return nil
	}

	sort.SliceStable(evs, func(i, j int) bool {
		return evs[i].Timestamp.Before(evs[j].Timestamp)
	})
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, ev := range evs {
		if err := enc.Encode(ev); err != nil {
			return err
		}
	}
	newest := evs[len(evs)-1].Timestamp.UnixNano()

	key, err := a.uploader.Upload(ctx, a.clock.Now(), buf.Bytes())
	if err != nil {
		if !errors.Is(err, archive.ErrNotConfigured) {
			slog.Warn("audit archive upload failed",
				"component", "worker",
				"worker", "audit-archiver",
				"action", "archive_failed",
				"events", len(evs),
				"error", err,
			)
		}
		return err
	}

	a.last = newest
	slog.Info("audit events archived",
		"component", "worker",
		"worker", "audit-archiver",
		"action", "archive_uploaded",
		"events", len(evs),
		"object", key,
	)
	return nil
}

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/hyperengineering/viewsync/internal/changefeed"
	"github.com/hyperengineering/viewsync/internal/consolidate"
	"github.com/hyperengineering/viewsync/internal/document"
	"github.com/hyperengineering/viewsync/internal/events"
	"github.com/hyperengineering/viewsync/internal/search"
)

// ErrUnknownFamily is returned when a worker is built for a family this
// build does not mirror.
var ErrUnknownFamily = document.ErrUnknownFamily

// SyncConfig tunes one SyncWorker.
type SyncConfig struct {
	// BatchSize caps the documents sent in one bulk request.
	BatchSize int
	// MaxRetries bounds retries of an unavailable index per request.
	MaxRetries   int
	RetryBackoff time.Duration
}

// Stats is a snapshot of a worker's counters.
type Stats struct {
	Worker          string `json:"worker"`
	Index           string `json:"index"`
	Watermark       uint64 `json:"watermark"`
	Batches         int    `json:"batches"`
	Upserted        int    `json:"upserted"`
	Deleted         int    `json:"deleted"`
	Failed          int    `json:"failed"`
	Dropped         int    `json:"dropped"`
	Retries         int    `json:"retries"`
	TransientErrors int    `json:"transient_errors"`
	// Backlog counts committed operations waiting for the index.
	Backlog         int    `json:"backlog"`
	Running         bool   `json:"running"`
}

// SyncWorker mirrors one entity family from its feed into the index. It
// owns its consolidation engine; Run and Flush are serialized so a final
// drain never races the loop.
type SyncWorker struct {
	name   string
	family document.Family
	source changefeed.Source
	index  search.Client
	store  *events.PropagationEventStore
	cfg    SyncConfig
	engine *consolidate.Engine
	logger *slog.Logger

	// sem serializes engine access and index writes.
	sem chan struct{}
	// backlog holds committed batches the index has not fully accepted,
	// oldest first. Guarded by sem.
	backlog [][]consolidate.Operation

	stopping  atomic.Bool
	running   atomic.Bool
	watermark atomic.Uint64

	mu     sync.Mutex
	cancel context.CancelFunc
	stats  Stats
}

// NewSyncWorker builds the worker for familyName. store may be nil.
func NewSyncWorker(
	familyName string,
	source changefeed.Source,
	index search.Client,
	store *events.PropagationEventStore,
	cfg SyncConfig,
) (*SyncWorker, error) {
	family, err := document.Lookup(familyName)
	if err != nil {
		return nil, err
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	name := family.Name + "-sync"
	return &SyncWorker{
		name:   name,
		family: family,
		source: source,
		index:  index,
		store:  store,
		cfg:    cfg,
		engine: consolidate.NewEngine(family.KeyColumn),
		logger: slog.Default().With("component", "worker", "worker", name),
		sem:    make(chan struct{}, 1),
		stats:  Stats{Worker: name, Index: family.Index},
	}, nil
}

// Name identifies the worker in logs and status output.
func (w *SyncWorker) Name() string {
	return w.name
}

// Watermark returns the timestamp of the last batch this worker processed.
func (w *SyncWorker) Watermark() changefeed.Timestamp {
	return changefeed.Timestamp(w.watermark.Load())
}

// Stats returns a copy of the worker counters.
func (w *SyncWorker) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.stats
	s.Watermark = w.watermark.Load()
	s.Running = w.running.Load()
	return s
}

// Bootstrap creates the family's index and mapping if missing.
func (w *SyncWorker) Bootstrap(ctx context.Context) error {
	err := w.withRetry(ctx, "ensure_index", func(ctx context.Context) error {
		return w.index.EnsureIndex(ctx, w.family.Index, w.family.Mapping)
	})
	if err != nil {
		return fmt.Errorf("bootstrap index %q: %w", w.family.Index, err)
	}
	return nil
}

// Run bootstraps the index and then consumes the feed until ctx is done or
// Stop is called. A bootstrap failure is returned; feed and index failures
// after startup are logged and the loop continues. Run does not flush the
// open batch on exit; the supervisor calls Flush.
func (w *SyncWorker) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()
	defer cancel()

	if w.stopping.Load() {
		return nil
	}
	if err := w.Bootstrap(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		w.logger.Error("index bootstrap failed", "action", "bootstrap_failed", "index", w.family.Index, "error", err)
		return err
	}

	w.running.Store(true)
	defer w.running.Store(false)
	w.logger.Info("worker started", "action", "worker_started", "index", w.family.Index)

	for !w.stopping.Load() {
		ev, err := w.source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, changefeed.ErrTransient) {
				w.onFeedInterrupted(err)
				continue
			}
			w.logger.Error("change feed failed", "action", "feed_failed", "error", err)
			return fmt.Errorf("%s: %w", w.name, err)
		}
		if err := w.ingest(ctx, ev); err != nil {
			break
		}
	}

	reason := "stopped"
	if ctx.Err() != nil && !w.stopping.Load() {
		reason = "context_cancelled"
	}
	w.logger.Info("worker stopped", "action", "worker_stopped", "reason", reason, "watermark", w.watermark.Load())
	return nil
}

// Stop asks the loop to exit. It only affects this worker.
func (w *SyncWorker) Stop() {
	w.stopping.Store(true)
	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Flush closes the open batch and applies it behind any backlog. It is safe
// to call after Run returned, and concurrently with a Run that did not exit
// in time.
func (w *SyncWorker) Flush(ctx context.Context) error {
	if !w.acquire(ctx) {
		return fmt.Errorf("%s: flush: %w", w.name, ctx.Err())
	}
	defer w.release()
	ops := w.engine.Flush()
	if len(ops) == 0 && len(w.backlog) == 0 {
		return nil
	}
	w.logger.Info("final flush", "action", "final_flush", "operations", len(ops), "backlog", w.backlogLen())
	if err := w.deliver(ctx, ops); err != nil {
		return fmt.Errorf("%s: flush: %w", w.name, err)
	}
	return nil
}

// Close releases the worker's feed.
func (w *SyncWorker) Close() error {
	return w.source.Close()
}

func (w *SyncWorker) ingest(ctx context.Context, ev changefeed.Event) error {
	if !w.acquire(ctx) {
		return ctx.Err()
	}
	defer w.release()

	ops, err := w.engine.Ingest(ev)
	switch {
	case errors.Is(err, consolidate.ErrMalformedEvent):
		w.logger.Warn("malformed event dropped", "action", "event_dropped", "timestamp", ev.Timestamp.String(), "error", err)
		w.count(func(s *Stats) { s.Dropped++ })
		return nil
	case errors.Is(err, consolidate.ErrStaleEvent):
		w.logger.Warn("stale event dropped", "action", "event_dropped", "timestamp", ev.Timestamp.String(), "error", err)
		w.count(func(s *Stats) { s.Dropped++ })
		return nil
	case err != nil:
		return err
	}
	if len(ops) == 0 && len(w.backlog) == 0 {
		return nil
	}
	// In-flight requests finish even when the loop is being stopped. A
	// failed delivery stays in the backlog and is retried on the next event.
	w.deliver(context.WithoutCancel(ctx), ops)
	return nil
}

// deliver queues ops behind any backlog and applies batches oldest first,
// stopping at the first batch the index does not accept.
func (w *SyncWorker) deliver(ctx context.Context, ops []consolidate.Operation) error {
	if len(ops) > 0 {
		w.backlog = append(w.backlog, ops)
	}
	defer w.count(func(s *Stats) { s.Backlog = w.backlogLen() })
	for len(w.backlog) > 0 {
		remaining, err := w.apply(ctx, w.backlog[0])
		if err != nil {
			w.backlog[0] = remaining
			w.logger.Error("batch deferred",
				"action", "batch_deferred",
				"pending_batches", len(w.backlog),
				"pending_operations", w.backlogLen(),
				"error", err,
			)
			return err
		}
		w.backlog[0] = nil
		w.backlog = w.backlog[1:]
	}
	return nil
}

func (w *SyncWorker) backlogLen() int {
	n := 0
	for _, b := range w.backlog {
		n += len(b)
	}
	return n
}

func (w *SyncWorker) onFeedInterrupted(err error) {
	w.acquire(context.Background())
	discarded := w.engine.Pending()
	w.engine.Reset()
	w.release()

	w.count(func(s *Stats) { s.TransientErrors++ })
	w.logger.Warn("change feed interrupted",
		"action", "feed_interrupted",
		"discarded_keys", discarded,
		"error", err,
	)
}

// apply writes one consolidated batch. Per-document failures are counted
// and logged. When the index stays unavailable through every retry, apply
// returns the operations it did not get to and leaves the watermark where
// it was.
func (w *SyncWorker) apply(ctx context.Context, ops []consolidate.Operation) ([]consolidate.Operation, error) {
	ts := ops[0].Timestamp
	byKey := make(map[string]consolidate.Operation, len(ops))
	var docs []document.Document
	var docOps, delOps []consolidate.Operation
	var deletes []string
	dropped := 0
	for _, op := range ops {
		switch op.Kind {
		case consolidate.Upsert:
			doc, err := w.family.Document(document.Row(op.Row))
			if err != nil {
				w.logger.Warn("row dropped", "action", "row_dropped", "doc_id", op.Key, "error", err)
				dropped++
				continue
			}
			docs = append(docs, doc)
			docOps = append(docOps, op)
		case consolidate.Delete:
			deletes = append(deletes, op.Key)
			delOps = append(delOps, op)
		}
		byKey[op.Key] = op
	}

	var upserted, deleted search.BulkResult
	var applyErr error
	docsDone, deletesDone := 0, 0
	for start := 0; start < len(docs) && applyErr == nil; start += w.cfg.BatchSize {
		chunk := docs[start:min(start+w.cfg.BatchSize, len(docs))]
		var res search.BulkResult
		applyErr = w.withRetry(ctx, "bulk_upsert", func(ctx context.Context) error {
			var err error
			res, err = w.index.BulkUpsert(ctx, w.family.Index, chunk)
			return err
		})
		if applyErr == nil {
			upserted.Merge(res)
			docsDone = start + len(chunk)
		}
	}
	for start := 0; start < len(deletes) && applyErr == nil; start += w.cfg.BatchSize {
		chunk := deletes[start:min(start+w.cfg.BatchSize, len(deletes))]
		var res search.BulkResult
		applyErr = w.withRetry(ctx, "bulk_delete", func(ctx context.Context) error {
			var err error
			res, err = w.index.BulkDelete(ctx, w.family.Index, chunk)
			return err
		})
		if applyErr == nil {
			deleted.Merge(res)
			deletesDone = start + len(chunk)
		}
	}

	for _, f := range append(upserted.Failures, deleted.Failures...) {
		w.logger.Warn("document rejected",
			"action", "document_failed",
			"doc_id", f.ID,
			"index", w.family.Index,
			"reason", f.Reason,
		)
	}
	w.record(byKey, upserted.Applied, events.PropagationUpsert)
	w.record(byKey, deleted.Applied, events.PropagationDelete)

	failed := upserted.Failed + deleted.Failed
	w.count(func(s *Stats) {
		if applyErr == nil {
			s.Batches++
		}
		s.Upserted += upserted.Succeeded
		s.Deleted += deleted.Succeeded
		s.Failed += failed
		s.Dropped += dropped
	})
	if applyErr != nil {
		remaining := make([]consolidate.Operation, 0, len(docOps)-docsDone+len(delOps)-deletesDone)
		remaining = append(remaining, docOps[docsDone:]...)
		remaining = append(remaining, delOps[deletesDone:]...)
		return remaining, fmt.Errorf("apply batch %s: %w", ts, applyErr)
	}

	w.watermark.Store(uint64(ts))
	w.logger.Info("batch applied",
		"action", "batch_applied",
		"upserted", upserted.Succeeded,
		"deleted", deleted.Succeeded,
		"failed", failed,
		"dropped", dropped,
		"watermark", ts.String(),
	)
	return nil, nil
}

func (w *SyncWorker) withRetry(ctx context.Context, action string, fn func(context.Context) error) error {
	backoff := retry.WithMaxRetries(uint64(w.cfg.MaxRetries), retry.NewExponential(w.cfg.RetryBackoff))
	attempt := 0
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err == nil || !errors.Is(err, search.ErrUnavailable) {
			return err
		}
		w.logger.Warn("index unavailable",
			"action", action,
			"attempt", attempt,
			"error", err,
		)
		if attempt <= w.cfg.MaxRetries {
			w.count(func(s *Stats) { s.Retries++ })
		}
		return retry.RetryableError(err)
	})
}

func (w *SyncWorker) record(byKey map[string]consolidate.Operation, applied []string, kind events.PropagationOperation) {
	if w.store == nil || len(applied) == 0 {
		return
	}
	now := w.store.Now()
	out := make([]events.PropagationEvent, 0, len(applied))
	for _, id := range applied {
		op, ok := byKey[id]
		if !ok {
			continue
		}
		row := document.Row(op.Row)
		ev := events.PropagationEvent{
			ID:         events.NewID(),
			MzTS:       uint64(op.Timestamp),
			Index:      w.family.Index,
			DocID:      id,
			SubjectID:  w.family.Subject(id),
			RelatedIDs: w.family.Related(row),
			Operation:  kind,
			Timestamp:  now,
		}
		if kind == events.PropagationUpsert {
			ev.Changes = fieldChanges(op.Previous, op.Row)
		}
		out = append(out, ev)
	}
	w.store.AddAll(out)
}

// fieldChanges lists the fields whose values differ between two row states.
func fieldChanges(before, after map[string]any) map[string]events.FieldChange {
	changes := make(map[string]events.FieldChange)
	for k, v := range after {
		old, had := before[k]
		if had && reflect.DeepEqual(old, v) {
			continue
		}
		if !had && v == nil {
			continue
		}
		changes[k] = events.FieldChange{Old: old, New: v}
	}
	for k, old := range before {
		if _, ok := after[k]; !ok {
			changes[k] = events.FieldChange{Old: old}
		}
	}
	if len(changes) == 0 {
		return nil
	}
	return changes
}

func (w *SyncWorker) count(fn func(*Stats)) {
	w.mu.Lock()
	fn(&w.stats)
	w.mu.Unlock()
}

func (w *SyncWorker) acquire(ctx context.Context) bool {
	select {
	case w.sem <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (w *SyncWorker) release() {
	<-w.sem
}

// Package search abstracts the document index: idempotent index bootstrap
// and best-effort bulk upsert/delete with per-document result reporting.
package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hyperengineering/viewsync/internal/document"
)

// ErrUnavailable wraps connection-level failures. Callers may retry.
var ErrUnavailable = errors.New("search index unavailable")

// Client is implemented by every index backend.
type Client interface {
	// EnsureIndex creates the index with the given mapping if it does not
	// already exist. Safe to call repeatedly.
	EnsureIndex(ctx context.Context, index string, mapping map[string]any) error

	// BulkUpsert replaces each document by id. A rejected document is
	// reported in the result, never as an error.
	BulkUpsert(ctx context.Context, index string, docs []document.Document) (BulkResult, error)

	// BulkDelete removes documents by id. Deleting a missing id succeeds.
	BulkDelete(ctx context.Context, index string, ids []string) (BulkResult, error)

	Close() error
}

// ItemFailure describes one rejected bulk item.
type ItemFailure struct {
	ID     string
	Reason string
}

// BulkResult counts per-document outcomes of a bulk call.
type BulkResult struct {
	Succeeded int
	Failed    int
	Failures  []ItemFailure
	// Applied lists the ids that were accepted, in request order.
	Applied []string
}

func (r *BulkResult) ok(id string) {
	r.Succeeded++
	r.Applied = append(r.Applied, id)
}

func (r *BulkResult) fail(id, reason string) {
	r.Failed++
	r.Failures = append(r.Failures, ItemFailure{ID: id, Reason: reason})
}

// Merge adds the counts of other into r.
func (r *BulkResult) Merge(other BulkResult) {
	r.Succeeded += other.Succeeded
	r.Failed += other.Failed
	r.Failures = append(r.Failures, other.Failures...)
	r.Applied = append(r.Applied, other.Applied...)
}

// Options selects and configures an index backend.
type Options struct {
	Backend    string
	URL        string
	Username   string
	Password   string
	Timeout    time.Duration
	SQLitePath string
}

// Open builds a client for the configured backend.
func Open(opts Options) (Client, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", "opensearch", "elasticsearch":
		return NewHTTPClient(opts.URL, opts.Username, opts.Password, opts.Timeout), nil
	case "sqlite":
		return NewSQLiteIndex(opts.SQLitePath)
	default:
		return nil, fmt.Errorf("unsupported index backend %q", opts.Backend)
	}
}

package search

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/hyperengineering/viewsync/internal/document"
	"github.com/hyperengineering/viewsync/migrations"
)

// ErrNotFound is returned by SQLiteIndex.Get for unknown documents.
var ErrNotFound = errors.New("document not found")

// SQLiteIndex is a local, single-file index backend for development and
// tests. It stores document bodies as JSON with the same replace/delete
// semantics as the HTTP backend.
type SQLiteIndex struct {
	db *sql.DB
}

// NewSQLiteIndex opens (creating if needed) the index database at dbPath
// and applies migrations.
func NewSQLiteIndex(dbPath string) (*SQLiteIndex, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create index directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open index database: %w", err)
	}

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteIndex{db: db}, nil
}

func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}
	return nil
}

func runMigrations(db *sql.DB) error {
	goose.SetLogger(goose.NopLogger())
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("sqlite"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

// EnsureIndex registers index. Re-registering keeps the original mapping.
func (s *SQLiteIndex) EnsureIndex(ctx context.Context, index string, mapping map[string]any) error {
	raw, err := json.Marshal(mapping)
	if err != nil {
		return fmt.Errorf("encode mapping: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO search_indexes (name, mapping, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (name) DO NOTHING
	`, index, string(raw), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("%w: ensure index %s: %v", ErrUnavailable, index, err)
	}
	return nil
}

// BulkUpsert replaces each document; failures are isolated per document.
func (s *SQLiteIndex) BulkUpsert(ctx context.Context, index string, docs []document.Document) (BulkResult, error) {
	var result BulkResult
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("%w: begin transaction: %v", ErrUnavailable, err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, d := range docs {
		if d.ID == "" {
			result.fail(d.ID, "document without id")
			continue
		}
		body, err := json.Marshal(d.Body)
		if err != nil {
			result.fail(d.ID, fmt.Sprintf("encode document: %v", err))
			continue
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO search_documents (index_name, doc_id, body, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (index_name, doc_id) DO UPDATE SET
				body = excluded.body,
				updated_at = excluded.updated_at
		`, index, d.ID, string(body), now)
		if err != nil {
			result.fail(d.ID, err.Error())
			continue
		}
		result.ok(d.ID)
	}

	if err := tx.Commit(); err != nil {
		return BulkResult{}, fmt.Errorf("%w: commit: %v", ErrUnavailable, err)
	}
	return result, nil
}

// BulkDelete removes documents by id.
func (s *SQLiteIndex) BulkDelete(ctx context.Context, index string, ids []string) (BulkResult, error) {
	var result BulkResult
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("%w: begin transaction: %v", ErrUnavailable, err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		if id == "" {
			result.fail(id, "delete without id")
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM search_documents WHERE index_name = ? AND doc_id = ?`, index, id); err != nil {
			result.fail(id, err.Error())
			continue
		}
		result.ok(id)
	}

	if err := tx.Commit(); err != nil {
		return BulkResult{}, fmt.Errorf("%w: commit: %v", ErrUnavailable, err)
	}
	return result, nil
}

// Get returns the stored JSON body of a document.
func (s *SQLiteIndex) Get(ctx context.Context, index, id string) (json.RawMessage, error) {
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM search_documents WHERE index_name = ? AND doc_id = ?`, index, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

// Count returns the number of documents in index.
func (s *SQLiteIndex) Count(ctx context.Context, index string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM search_documents WHERE index_name = ?`, index).Scan(&n)
	return n, err
}

// Close closes the database.
func (s *SQLiteIndex) Close() error {
	return s.db.Close()
}

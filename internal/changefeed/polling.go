package changefeed

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/sethvargo/go-retry"
)

// fetcher returns up to limit rows whose cursor column is strictly greater
// than after, ordered by that column. A nil after selects from the start.
type fetcher interface {
	fetch(ctx context.Context, after any, limit int) ([]map[string]any, error)
}

// PollingSource emulates a feed by repeatedly selecting rows past an
// in-memory cursor. Each cycle yields one +1 event per row and a closing
// progress marker. Deletes are not observable and the cursor is lost on
// restart, so a restart replays the whole view.
type PollingSource struct {
	cfg    Config
	rows   fetcher
	closer func() error
	logger *slog.Logger

	cursor    any
	lastToken Timestamp
	polled    bool
	fullPage  bool
	pending   []Event
}

// NewPollingSource prepares a polling source over cfg.View.
func NewPollingSource(cfg Config) (*PollingSource, error) {
	cfg = cfg.withDefaults()
	if cfg.View == "" {
		return nil, fmt.Errorf("feed view is required")
	}
	conn, err := openConn(sql.Open, cfg.DSN, cfg.Compat)
	if err != nil {
		return nil, err
	}
	q := &viewQuery{conn: conn, view: cfg.View, cursorColumn: cfg.CursorColumn}
	return newPollingSource(cfg, q, conn.Close), nil
}

func newPollingSource(cfg Config, rows fetcher, closer func() error) *PollingSource {
	cfg = cfg.withDefaults()
	return &PollingSource{
		cfg:    cfg,
		rows:   rows,
		closer: closer,
		logger: slog.Default().With("component", "changefeed", "mode", ModePolling, "view", cfg.View),
	}
}

// Next implements Source. Between cycles it waits one poll interval unless
// the previous cycle filled a whole page.
func (p *PollingSource) Next(ctx context.Context) (Event, error) {
	for len(p.pending) == 0 {
		if p.polled && !p.fullPage {
			select {
			case <-ctx.Done():
				return Event{}, ctx.Err()
			case <-p.cfg.Clock.After(p.cfg.PollInterval):
			}
		}
		p.polled = true
		if err := p.poll(ctx); err != nil {
			p.fullPage = false
			return Event{}, err
		}
	}
	ev := p.pending[0]
	p.pending = p.pending[1:]
	return ev, nil
}

// Close releases the connection.
func (p *PollingSource) Close() error {
	if p.closer == nil {
		return nil
	}
	return p.closer()
}

// Cursor returns the last cursor value observed.
func (p *PollingSource) Cursor() any {
	return p.cursor
}

func (p *PollingSource) poll(ctx context.Context) error {
	var rows []map[string]any
	attempt := 0
	err := retry.Do(ctx, newBackoff(p.cfg), func(ctx context.Context) error {
		attempt++
		fctx, cancel := context.WithTimeout(ctx, p.cfg.PollInterval)
		defer cancel()
		got, err := p.rows.fetch(fctx, p.cursor, p.cfg.BatchSize)
		if err != nil {
			p.logger.Warn("poll failed", "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		rows = got
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return transient("poll", err)
	}

	token := p.nextToken()
	evs := make([]Event, 0, len(rows)+1)
	for _, r := range rows {
		evs = append(evs, Insert(token, r))
		if v, ok := r[p.cfg.CursorColumn]; ok && v != nil {
			p.cursor = v
		}
	}
	// The marker sits one past the row token so the batch at token closes.
	p.lastToken = token + 1
	evs = append(evs, ProgressAt(p.lastToken))

	p.fullPage = len(rows) >= p.cfg.BatchSize
	p.pending = evs
	p.logger.Debug("poll complete", "rows", len(rows), "token", token.String())
	return nil
}

// nextToken returns a millisecond wall-clock token strictly greater than
// any token already emitted.
func (p *PollingSource) nextToken() Timestamp {
	now := Timestamp(p.cfg.Clock.Now().UnixMilli())
	if now <= p.lastToken {
		now = p.lastToken + 1
	}
	return now
}

// viewQuery selects rows from a view by cursor column.
type viewQuery struct {
	conn         *pgConn
	view         string
	cursorColumn string
}

func (q *viewQuery) fetch(ctx context.Context, after any, limit int) ([]map[string]any, error) {
	stmt, args := q.statement(after, limit)
	rows, err := q.conn.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return q.conn.scanRows(rows)
}

func (q *viewQuery) statement(after any, limit int) (string, []any) {
	col := quoteIdentifier(q.cursorColumn)
	base := "SELECT * FROM " + quoteRelation(q.view)
	order := " ORDER BY " + col

	if q.conn.compat {
		where := ""
		if after != nil {
			where = " WHERE " + col + " > " + literal(after)
		}
		return base + where + order + " LIMIT " + literal(limit), nil
	}
	if after == nil {
		return base + order + " LIMIT $1", []any{limit}
	}
	return base + " WHERE " + col + " > $1" + order + " LIMIT $2", []any{after, limit}
}
